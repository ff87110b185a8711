package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/photo-detect/internal/awsboot"
	"github.com/fpang/photo-detect/internal/config"
	"github.com/fpang/photo-detect/internal/jobs"
	"github.com/fpang/photo-detect/internal/logging"
	"github.com/fpang/photo-detect/internal/worker"
)

// CLI flags
var (
	logLevelFlag string
	jsonFlag     bool
	imageFlag    string
	onceFlag     bool
)

// rootCmd is the main Cobra command for the detectctl CLI.
var rootCmd = &cobra.Command{
	Use:   "detectctl",
	Short: "Operate the photo detection pipeline",
	Long: `detectctl talks to the same bucket, queue and result table as the bot and the
worker. It reads the same environment variables (or .env file).

Examples:
  detectctl submit 123456789 ./street.jpg
  detectctl result pred-01hx3v5q8m4e2r7t9y6w1n0b2c --json
  detectctl result pred-01hx3v5q8m4e2r7t9y6w1n0b2c --image annotated.jpg
  detectctl consume --once`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.InitWith(logLevelFlag, "console", os.Stderr)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <chat-id> <image>",
	Short: "Upload an image and enqueue a detection job",
	Args:  cobra.ExactArgs(2),
	RunE:  runSubmit,
}

var resultCmd = &cobra.Command{
	Use:   "result <prediction-id>",
	Short: "Print the stored result of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runResult,
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the worker in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runConsume,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")
	resultCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the full result as JSON")
	resultCmd.Flags().StringVar(&imageFlag, "image", "", "Also save the annotated image to this path")
	consumeCmd.Flags().BoolVar(&onceFlag, "once", false, "Handle at most one message, then exit")
	rootCmd.AddCommand(submitCmd, resultCmd, consumeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*config.Config, *awsboot.Clients, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireStorage(); err != nil {
		return nil, nil, err
	}
	return cfg, awsboot.Init(ctx, cfg), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, clients, err := setup(ctx)
	if err != nil {
		return err
	}
	id, err := awsboot.NewProducer(cfg, clients).Submit(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("submit %s: %w", args[1], err)
	}
	fmt.Println(id)
	return nil
}

func runResult(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, clients, err := setup(ctx)
	if err != nil {
		return err
	}
	res, err := clients.Store.GetResult(ctx, args[0])
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("prediction %s: %w", args[0], jobs.ErrNotFound)
	}
	if imageFlag != "" && res.AnnotatedRef != "" {
		key, err := jobs.RefKey(res.AnnotatedRef)
		if err != nil {
			return err
		}
		data, err := clients.Bucket.Get(ctx, key)
		if err != nil {
			return err
		}
		if err := os.WriteFile(imageFlag, data, 0o644); err != nil {
			return err
		}
		log.Info().Str("path", imageFlag).Msg("Annotated image saved")
	}
	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Println(jobs.FormatMessage(res))
	return nil
}

func runConsume(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, clients, err := setup(ctx)
	if err != nil {
		return err
	}
	proc, err := awsboot.NewProcessor(cfg, clients)
	if err != nil {
		return err
	}
	loop := worker.NewLoop(clients.Queue, proc, cfg.LoopConfig())

	if !onceFlag {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	got, err := loop.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !got {
		log.Info().Msg("Queue is empty")
	}
	return nil
}
