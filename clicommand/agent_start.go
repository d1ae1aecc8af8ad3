package clicommand

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/buildkite/roko"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/agent"
	"github.com/raibid-labs/raibid/version"
)

const agentStartDescription = `Usage:

    raibid agent start [options...]

Description:

Run one or more build agents. Each agent claims jobs from the shared queue,
clones the referenced repository, runs the build pipeline, and streams logs
back for live tailing. Agents recover jobs orphaned by crashed peers.

The first SIGINT or SIGTERM stops claiming and lets in-flight jobs finish; a
second signal abandons them for peers to reclaim.

Example:

    $ raibid agent start --workspace-dir /var/lib/raibid --agents 2`

var AgentStartCommand = cli.Command{
	Name:        "start",
	Usage:       "Run build agents",
	Description: agentStartDescription,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:   "agent-id",
			Usage:  "Consumer id in the worker group (generated when empty)",
			EnvVar: "AGENT_ID",
		},
		cli.IntFlag{
			Name:   "agents",
			Value:  1,
			Usage:  "Number of parallel agents in this process",
			EnvVar: "RAIBID_AGENTS",
		},
		cli.IntFlag{
			Name:   "max-concurrent-jobs",
			Value:  1,
			Usage:  "In-flight job cap per agent",
			EnvVar: "MAX_CONCURRENT_JOBS",
		},
		cli.IntFlag{
			Name:   "poll-interval-ms",
			Value:  5000,
			Usage:  "How long a claim blocks waiting for work",
			EnvVar: "POLL_INTERVAL_MS",
		},
		cli.DurationFlag{
			Name:   "lease-timeout",
			Value:  35 * time.Minute,
			Usage:  "Pending idle time after which a peer's job is considered orphaned",
			EnvVar: "RAIBID_LEASE_TIMEOUT",
		},
		cli.DurationFlag{
			Name:   "reclaim-interval",
			Value:  30 * time.Second,
			Usage:  "Cadence of orphan recovery sweeps",
			EnvVar: "RAIBID_RECLAIM_INTERVAL",
		},
		cli.StringFlag{
			Name:   "workspace-dir",
			Usage:  "Root directory for per-job clones (default: system temp)",
			EnvVar: "WORKSPACE_DIR",
		},
		cli.StringFlag{
			Name:   "git-base-url",
			Value:  "http://127.0.0.1:3000",
			Usage:  "Base URL prefixed to owner/name.git for clones",
			EnvVar: "RAIBID_GIT_BASE_URL",
		},
		cli.StringFlag{
			Name:   "registry-url",
			Usage:  "Docker registry for built images (empty skips docker-push)",
			EnvVar: "RAIBID_REGISTRY_URL",
		},
		cli.StringFlag{
			Name:   "registry-username",
			Usage:  "Docker registry username",
			EnvVar: "RAIBID_REGISTRY_USERNAME",
		},
		cli.StringFlag{
			Name:   "registry-password",
			Usage:  "Docker registry password",
			EnvVar: "RAIBID_REGISTRY_PASSWORD",
		},
		cli.BoolFlag{
			Name:   "cache-enabled",
			Usage:  "Wrap rustc invocations with sccache",
			EnvVar: "RAIBID_CACHE_ENABLED",
		},
		cli.DurationFlag{
			Name:   "step-timeout",
			Value:  5 * time.Minute,
			Usage:  "Per-step timeout",
			EnvVar: "RAIBID_STEP_TIMEOUT",
		},
		cli.DurationFlag{
			Name:   "pipeline-timeout",
			Value:  30 * time.Minute,
			Usage:  "Whole-pipeline timeout",
			EnvVar: "RAIBID_PIPELINE_TIMEOUT",
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

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

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

		workspaceDir := c.String("workspace-dir")
		if workspaceDir == "" {
			workspaceDir = filepath.Join(os.TempDir(), "raibid")
		}
		if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
			return cli.NewExitError(fmt.Sprintf("creating workspace dir: %v", err), 1)
		}

		runnerConf := agent.RunnerConfig{
			WorkspaceDir:     workspaceDir,
			GitBaseURL:       c.String("git-base-url"),
			RegistryURL:      c.String("registry-url"),
			RegistryUsername: c.String("registry-username"),
			RegistryPassword: c.String("registry-password"),
			CacheEnabled:     c.Bool("cache-enabled"),
			StepTimeout:      c.Duration("step-timeout"),
			PipelineTimeout:  c.Duration("pipeline-timeout"),
		}

		metrics := agent.NewMetrics(prometheus.DefaultRegisterer)
		count := c.Int("agents")
		if count < 1 {
			count = 1
		}
		workers := make([]*agent.AgentWorker, 0, count)
		for n := 0; n < count; n++ {
			id := c.String("agent-id")
			if id == "" || count > 1 {
				id = agent.GenerateAgentID()
			}
			workers = append(workers, agent.NewAgentWorker(q, metrics, agent.WorkerConfig{
				AgentID:           id,
				MaxConcurrentJobs: c.Int("max-concurrent-jobs"),
				PollInterval:      time.Duration(c.Int("poll-interval-ms")) * time.Millisecond,
				LeaseTimeout:      c.Duration("lease-timeout"),
				ReclaimInterval:   c.Duration("reclaim-interval"),
				Runner:            runnerConf,
			}, log))
		}
		pool := agent.NewAgentPool(workers, log)

		// First signal: graceful stop. Second: abandon in-flight jobs.
		signals := make(chan os.Signal, 2)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signals)
		go func() {
			<-signals
			log.Info("signal received, finishing in-flight jobs (signal again to abandon)")
			pool.Stop(true)
			<-signals
			log.Info("second signal, abandoning in-flight jobs")
			pool.Stop(false)
			cancel()
		}()

		log.Info("starting raibid agents",
			zap.String("version", version.FullVersion()),
			zap.Int("agents", count))
		if err := pool.Start(ctx); err != nil && ctx.Err() == nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	},
}
