// Package clicommand defines the raibid CLI surface: the server and agent
// entry points plus the job subcommands that drive the query API.
package clicommand

import (
	"fmt"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/api"
	"github.com/raibid-labs/raibid/logger"
	"github.com/raibid-labs/raibid/queue"
)

// Flags shared by every command.
var (
	logFormatFlag = cli.StringFlag{
		Name:   "log-format",
		Value:  logger.FormatText,
		Usage:  "Structured log format, \"text\" or \"json\"",
		EnvVar: "LOG_FORMAT",
	}
	logLevelFlag = cli.StringFlag{
		Name:   "log-level",
		Value:  "info",
		Usage:  "Log level (debug, info, warn, error)",
		EnvVar: "LOG_LEVEL",
	}
)

// Flags shared by the server and agent processes.
var (
	redisHostFlag = cli.StringFlag{
		Name:   "redis-host",
		Value:  "127.0.0.1",
		Usage:  "Redis host",
		EnvVar: "REDIS_HOST",
	}
	redisPortFlag = cli.IntFlag{
		Name:   "redis-port",
		Value:  6379,
		Usage:  "Redis port",
		EnvVar: "REDIS_PORT",
	}
	redisPasswordFlag = cli.StringFlag{
		Name:   "redis-password",
		Usage:  "Redis password",
		EnvVar: "REDIS_PASSWORD",
	}
	queueStreamFlag = cli.StringFlag{
		Name:   "queue-stream",
		Value:  queue.DefaultStream,
		Usage:  "Stream key for the job queue",
		EnvVar: "QUEUE_STREAM",
	}
	consumerGroupFlag = cli.StringFlag{
		Name:   "consumer-group",
		Value:  queue.DefaultGroup,
		Usage:  "Consumer group name for workers",
		EnvVar: "CONSUMER_GROUP",
	}
	logRetentionFlag = cli.DurationFlag{
		Name:   "log-retention",
		Value:  168 * time.Hour,
		Usage:  "How long finished jobs and their logs are kept",
		EnvVar: "RAIBID_LOG_RETENTION",
	}
)

// endpointFlag points job subcommands at a raibid server.
var endpointFlag = cli.StringFlag{
	Name:   "endpoint",
	Value:  "http://127.0.0.1:8080",
	Usage:  "Base URL of the raibid server",
	EnvVar: "RAIBID_ENDPOINT",
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	return logger.New(c.String("log-format"), c.String("log-level"))
}

func newQueue(c *cli.Context, log *zap.Logger) *queue.Queue {
	return queue.New(queue.Config{
		Addr:         fmt.Sprintf("%s:%d", c.String("redis-host"), c.Int("redis-port")),
		Password:     c.String("redis-password"),
		Stream:       c.String("queue-stream"),
		Group:        c.String("consumer-group"),
		LogRetention: c.Duration("log-retention"),
	}, log)
}

func newAPIClient(c *cli.Context) *api.Client {
	return api.NewClient(api.Config{Endpoint: c.String("endpoint")})
}
