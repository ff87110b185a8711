// Package config loads process settings from the environment, after an
// optional .env file. Each section maps onto the Config of one component.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/fpang/photo-detect/internal/producer"
	"github.com/fpang/photo-detect/internal/retry"
	"github.com/fpang/photo-detect/internal/session"
	"github.com/fpang/photo-detect/internal/worker"
)

type Bot struct {
	Token         string `envconfig:"TELEGRAM_TOKEN"`
	TokenParam    string `envconfig:"SSM_TELEGRAM_TOKEN_PARAM" default:"/photo-detect/prod/telegram-token"`
	PublicURL     string `envconfig:"TELEGRAM_APP_URL"`
	WebhookSecret string `envconfig:"TELEGRAM_WEBHOOK_SECRET"`
	ListenAddr    string `envconfig:"LISTEN_ADDR" default:":8443"`
	StageDir      string `envconfig:"PHOTO_STAGE_DIR" default:"photos"`
	Metrics       bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

type AWS struct {
	Bucket        string `envconfig:"S3_BUCKET_NAME"`
	KeyPrefix     string `envconfig:"S3_KEY_PREFIX" default:"docker-project"`
	Table         string `envconfig:"DYNAMODB_TABLE"`
	QueueURL      string `envconfig:"SQS_URL"`
	DeadLetterURL string `envconfig:"SQS_DLQ_URL"`
}

type Producer struct {
	VisibilityAttempts int           `envconfig:"PRODUCER_VISIBILITY_ATTEMPTS" default:"5"`
	VisibilityInterval time.Duration `envconfig:"PRODUCER_VISIBILITY_INTERVAL" default:"500ms"`
	UploadAttempts     int           `envconfig:"PRODUCER_UPLOAD_ATTEMPTS" default:"4"`
	EnqueueAttempts    int           `envconfig:"PRODUCER_ENQUEUE_ATTEMPTS" default:"5"`
}

type Worker struct {
	WaitTime      time.Duration `envconfig:"WORKER_WAIT_TIME" default:"20s"`
	Concurrency   int           `envconfig:"WORKER_CONCURRENCY" default:"1"`
	MaxReceives   int           `envconfig:"WORKER_MAX_RECEIVES" default:"5"`
	JobTimeout    time.Duration `envconfig:"WORKER_JOB_TIMEOUT" default:"5m"`
	WorkDir       string        `envconfig:"WORKER_WORK_DIR"`
	Engine        string        `envconfig:"WORKER_ENGINE" default:"http"`
	EngineURL     string        `envconfig:"WORKER_ENGINE_URL" default:"http://localhost:8081/detect"`
	EngineCommand []string      `envconfig:"WORKER_ENGINE_COMMAND" default:"python,detect.py,--weights,yolov5s.pt"`
	EngineDir     string        `envconfig:"WORKER_ENGINE_DIR"`
	EngineTimeout time.Duration `envconfig:"WORKER_ENGINE_TIMEOUT" default:"2m"`
	LabelsFile    string        `envconfig:"WORKER_LABELS_FILE" default:"data/coco128.yaml"`
	Metrics       bool          `envconfig:"WORKER_METRICS_ENABLED" default:"true"`
	MetricsAddr   string        `envconfig:"WORKER_METRICS_ADDR" default:":9102"`
}

type Publisher struct {
	FrontURL string        `envconfig:"PUBLISHER_FRONT_URL"`
	Attempts int           `envconfig:"PUBLISHER_ATTEMPTS" default:"3"`
	Timeout  time.Duration `envconfig:"PUBLISHER_TIMEOUT" default:"10s"`
}

type Redis struct {
	Addr     string        `envconfig:"REDIS_ADDR"`
	Password string        `envconfig:"REDIS_PASSWORD"`
	LockTTL  time.Duration `envconfig:"REDIS_LOCK_TTL" default:"30s"`
}

type Session struct {
	Mode             string        `envconfig:"SESSION_MODE" default:"immediate"`
	LockTimeout      time.Duration `envconfig:"SESSION_LOCK_TIMEOUT" default:"10s"`
	SubmitStaleAfter time.Duration `envconfig:"SESSION_SUBMIT_STALE_AFTER" default:"10m"`
}

// Config is the full process configuration. Sections are embedded so every
// variable keeps its bare name.
type Config struct {
	Bot
	AWS
	Producer
	Worker
	Publisher
	Redis
	Session
}

// Load reads an optional .env file (DETECT_ENV_FILE, default ".env") and
// then the environment. Variables already set win over the file.
func Load() (*Config, error) {
	envFile := os.Getenv("DETECT_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return &cfg, nil
}

// RequireStorage checks the settings every pipeline process needs.
func (c *Config) RequireStorage() error {
	var missing []string
	if c.AWS.Bucket == "" {
		missing = append(missing, "S3_BUCKET_NAME")
	}
	if c.AWS.Table == "" {
		missing = append(missing, "DYNAMODB_TABLE")
	}
	if c.AWS.QueueURL == "" {
		missing = append(missing, "SQS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// ProducerConfig maps the producer section.
func (c *Config) ProducerConfig() producer.Config {
	pc := producer.DefaultConfig()
	pc.KeyPrefix = c.AWS.KeyPrefix
	pc.VisibilityAttempts = c.Producer.VisibilityAttempts
	pc.VisibilityInterval = c.Producer.VisibilityInterval
	pc.Upload.Attempts = c.Producer.UploadAttempts
	pc.Enqueue.Attempts = c.Producer.EnqueueAttempts
	return pc
}

// ProcessorConfig maps the worker section to the per-message processor.
func (c *Config) ProcessorConfig() worker.Config {
	return worker.Config{
		MaxReceives: c.Worker.MaxReceives,
		WorkDir:     c.Worker.WorkDir,
	}
}

// LoopConfig maps the worker section to the receive loop.
func (c *Config) LoopConfig() worker.LoopConfig {
	return worker.LoopConfig{
		WaitTime:    c.Worker.WaitTime,
		Concurrency: c.Worker.Concurrency,
		JobTimeout:  c.Worker.JobTimeout,
	}
}

// PublisherPolicy is the retry policy for result notifications.
func (c *Config) PublisherPolicy() retry.Policy {
	p := retry.Default
	p.Attempts = c.Publisher.Attempts
	return p
}

// SessionConfig maps the session section.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Mode:             session.ParseMode(c.Session.Mode),
		LockTimeout:      c.Session.LockTimeout,
		SubmitStaleAfter: c.Session.SubmitStaleAfter,
	}
}

// WebhookURL is the URL registered with Telegram, or "" in polling mode.
func (c *Config) WebhookURL() string {
	if c.Bot.PublicURL == "" || c.Bot.Token == "" {
		return ""
	}
	return strings.TrimRight(c.Bot.PublicURL, "/") + "/" + c.Bot.Token + "/"
}
