// Package awsboot provides the shared AWS start-up logic of every process:
// SDK config, the pipeline's storage clients, and secrets from SSM.
package awsboot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/config"
	"github.com/fpang/photo-detect/internal/queue"
	"github.com/fpang/photo-detect/internal/s3util"
	"github.com/fpang/photo-detect/internal/store"
)

// Clients holds the pipeline's AWS-backed components.
type Clients struct {
	Config aws.Config
	SSM    *ssm.Client
	Bucket *s3util.Bucket
	Store  *store.DynamoStore
	Queue  *queue.SQS
}

// InitAWS loads the default AWS config. Fatals on error.
func InitAWS(ctx context.Context) aws.Config {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return cfg
}

// Init loads the AWS config and binds the bucket, table and queue named in
// c. Fatals when any of them is missing.
func Init(ctx context.Context, c *config.Config) *Clients {
	if err := c.RequireStorage(); err != nil {
		log.Fatal().Err(err).Msg("Storage configuration incomplete")
	}
	cfg := InitAWS(ctx)
	return &Clients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
		Bucket: s3util.NewBucket(s3.NewFromConfig(cfg), c.AWS.Bucket),
		Store:  store.NewDynamoStore(dynamodb.NewFromConfig(cfg), c.AWS.Table),
		Queue:  queue.NewSQS(sqs.NewFromConfig(cfg), c.AWS.QueueURL, c.AWS.DeadLetterURL),
	}
}

// ParameterAPI is the subset of *ssm.Client used here.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadTelegramToken returns the bot token from c, or from the SSM parameter
// c.Bot.TokenParam when the environment does not set one. The token is
// written back into c.
func LoadTelegramToken(ctx context.Context, client ParameterAPI, c *config.Config) (string, error) {
	if c.Bot.Token != "" {
		return c.Bot.Token, nil
	}
	paramName := c.Bot.TokenParam
	ssmStart := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read %s from SSM: %w", paramName, err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return "", fmt.Errorf("SSM parameter %s is empty", paramName)
	}
	c.Bot.Token = aws.ToString(result.Parameter.Value)
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(ssmStart)).Msg("Telegram token loaded from SSM")
	return c.Bot.Token, nil
}
