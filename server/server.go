// Package server is the query API and webhook intake: a chi HTTP server over
// the queue substrate that lists, inspects, triggers, cancels and tails jobs,
// and accepts signed push notifications.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/queue"
	"github.com/raibid-labs/raibid/webhook"
)

// Config tunes the API server.
type Config struct {
	Host string
	Port int

	// Webhook HMAC secrets. An empty secret disables verification for that
	// flavor (development mode).
	GiteaWebhookSecret  string
	GithubWebhookSecret string

	// MaxAttempts stamped on jobs created through this server.
	MaxAttempts int

	CORSEnabled bool

	// MaxBodySize caps request bodies, default 1 MiB.
	MaxBodySize int64

	// RateLimitRPM is the per-source-host budget on the webhook endpoints,
	// default 100 requests per minute.
	RateLimitRPM int

	// ShutdownGrace bounds graceful shutdown, default 10s.
	ShutdownGrace time.Duration

	// Registry and Gatherer default to the prometheus globals. Tests
	// substitute a private registry.
	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 1 << 20
	}
	if c.RateLimitRPM <= 0 {
		c.RateLimitRPM = 100
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.Registry == nil {
		c.Registry = prometheus.DefaultRegisterer
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
}

// Server is the query API process.
type Server struct {
	conf  Config
	queue *queue.Queue
	hooks *webhook.Handler
	log   *zap.Logger

	queueDepth prometheus.Gauge
	started    time.Time
}

func New(q *queue.Queue, conf Config, log *zap.Logger) *Server {
	conf.applyDefaults()
	s := &Server{
		conf:    conf,
		queue:   q,
		log:     log.Named("server"),
		started: time.Now(),
	}
	s.hooks = webhook.NewHandler(q, conf.GiteaWebhookSecret, conf.GithubWebhookSecret, conf.MaxAttempts, log)
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "raibid",
		Name:      "queue_depth",
		Help:      "Entries on the job stream, sampled on health checks.",
	})
	conf.Registry.MustRegister(s.queueDepth)
	return s
}

// Handler returns the full route tree. Exposed for httptest.
func (s *Server) Handler() http.Handler { return s.router() }

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestID)
	r.Use(requestLogger(s.log))
	r.Use(chimiddleware.Recoverer)
	r.Use(maxBody(s.conf.MaxBodySize))
	if s.conf.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Get("/health/ready", s.ready)
	r.Get("/health/live", s.live)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.conf.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.triggerJob)
		r.Get("/{id}", s.getJob)
		r.Post("/{id}/cancel", s.cancelJob)
		r.Get("/{id}/logs", s.jobLogs)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(rateLimitPerHost(s.conf.RateLimitRPM, s.log))
		r.Post("/gitea", s.hooks.Serve(webhook.FlavorGitea))
		r.Post("/github", s.hooks.Serve(webhook.FlavorGithub))
	})

	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.conf.Host, s.conf.Port),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("query api listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down query api")
	sctx, cancel := context.WithTimeout(context.Background(), s.conf.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("graceful shutdown timed out, closing connections")
		}
		return err
	}
	return nil
}
