package clicommand

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildkite/roko"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/server"
	"github.com/raibid-labs/raibid/version"
)

const serverStartDescription = `Usage:

    raibid server start [options...]

Description:

Run the query API and webhook intake. The server accepts signed push
notifications, enqueues build jobs, and serves the job listing, log tailing
and cancellation endpoints that the CLI and dashboards use.

Example:

    $ raibid server start --port 8080 --redis-host 127.0.0.1`

var ServerStartCommand = cli.Command{
	Name:        "start",
	Usage:       "Run the query API and webhook intake",
	Description: serverStartDescription,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:   "host",
			Value:  "0.0.0.0",
			Usage:  "Bind address",
			EnvVar: "RAIBID_SERVER_HOST",
		},
		cli.IntFlag{
			Name:   "port",
			Value:  8080,
			Usage:  "Bind port",
			EnvVar: "RAIBID_SERVER_PORT",
		},
		cli.StringFlag{
			Name:   "gitea-webhook-secret",
			Usage:  "HMAC secret for gitea webhooks (empty disables verification)",
			EnvVar: "RAIBID_GITEA_WEBHOOK_SECRET",
		},
		cli.StringFlag{
			Name:   "github-webhook-secret",
			Usage:  "HMAC secret for github webhooks (empty disables verification)",
			EnvVar: "RAIBID_GITHUB_WEBHOOK_SECRET",
		},
		cli.BoolFlag{
			Name:   "cors-enabled",
			Usage:  "Allow cross-origin requests to the query API",
			EnvVar: "RAIBID_CORS_ENABLED",
		},
		cli.Int64Flag{
			Name:   "max-body-size",
			Value:  1 << 20,
			Usage:  "Request body cap in bytes",
			EnvVar: "RAIBID_MAX_BODY_SIZE",
		},
		cli.IntFlag{
			Name:   "rate-limit-rpm",
			Value:  100,
			Usage:  "Webhook rate limit per source host, requests per minute",
			EnvVar: "RAIBID_RATE_LIMIT_RPM",
		},
		cli.IntFlag{
			Name:   "max-attempts",
			Value:  3,
			Usage:  "Delivery attempts per job before it fails as retry-exhausted",
			EnvVar: "RAIBID_MAX_ATTEMPTS",
		},

		redisHostFlag,
		redisPortFlag,
		redisPasswordFlag,
		queueStreamFlag,
		consumerGroupFlag,
		logRetentionFlag,
		logFormatFlag,
		logLevelFlag,
	},
	Action: func(c *cli.Context) error {
		log, err := newLogger(c)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer log.Sync() //nolint:errcheck

		q := newQueue(c, log)
		defer q.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r := roko.NewRetrier(
			roko.WithMaxAttempts(10),
			roko.WithStrategy(roko.Exponential(time.Second, 0)),
		)
		if err := r.DoWithContext(ctx, func(*roko.Retrier) error {
			return q.Ping(ctx)
		}); err != nil {
			log.Error("redis unreachable", zap.Error(err))
			return cli.NewExitError(fmt.Sprintf("redis unreachable: %v", err), 1)
		}
		if err := q.EnsureGroup(ctx); err != nil {
			return cli.NewExitError(fmt.Sprintf("creating consumer group: %v", err), 1)
		}

		srv := server.New(q, server.Config{
			Host:                c.String("host"),
			Port:                c.Int("port"),
			GiteaWebhookSecret:  c.String("gitea-webhook-secret"),
			GithubWebhookSecret: c.String("github-webhook-secret"),
			MaxAttempts:         c.Int("max-attempts"),
			CORSEnabled:         c.Bool("cors-enabled"),
			MaxBodySize:         c.Int64("max-body-size"),
			RateLimitRPM:        c.Int("rate-limit-rpm"),
		}, log)

		log.Info("starting raibid server", zap.String("version", version.FullVersion()))
		if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	},
}
