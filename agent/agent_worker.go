// Package agent implements the worker side of the job lifecycle plane: a
// pool of long-lived agents that claim jobs from the queue, run the build
// pipeline, stream logs back, and cooperate with cancellation and reclaim.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buildkite/roko"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/job"
	"github.com/raibid-labs/raibid/queue"
)

// errAbandoned is the cancellation cause used during forced shutdown: the job
// is left unacked for a peer to reclaim instead of being driven to a terminal
// state.
var errAbandoned = errors.New("agent shutting down")

// WorkerConfig tunes one agent worker.
type WorkerConfig struct {
	// AgentID identifies this consumer in the group. Auto-generated when
	// empty.
	AgentID string

	// MaxConcurrentJobs bounds in-flight jobs. Typically 1.
	MaxConcurrentJobs int

	// PollInterval is how long a Claim blocks waiting for work. Negative
	// disables blocking claims; the loop then idles briefly between
	// polls.
	PollInterval time.Duration

	// LeaseTimeout is the pending idle time after which a peer's entry is
	// considered orphaned. Should exceed the pipeline timeout plus margin.
	LeaseTimeout time.Duration

	// ReclaimInterval is the cadence of orphan recovery sweeps.
	ReclaimInterval time.Duration

	// StatusInterval is the cadence of the cancellation poll on running
	// jobs.
	StatusInterval time.Duration

	Runner RunnerConfig
}

func (c *WorkerConfig) applyDefaults() {
	if c.AgentID == "" {
		c.AgentID = GenerateAgentID()
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 35 * time.Minute
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 2 * time.Second
	}
}

// GenerateAgentID returns a memorable unique consumer id.
func GenerateAgentID() string {
	return fmt.Sprintf("%s-%s", petname.Generate(2, "-"), uuid.NewString()[:8])
}

// AgentWorker is one long-lived agent process: it claims jobs, runs
// pipelines, and recovers orphans from crashed peers.
type AgentWorker struct {
	conf    WorkerConfig
	queue   *queue.Queue
	metrics *Metrics
	log     *zap.Logger

	slots    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelCauseFunc
}

func NewAgentWorker(q *queue.Queue, m *Metrics, conf WorkerConfig, log *zap.Logger) *AgentWorker {
	conf.applyDefaults()
	return &AgentWorker{
		conf:    conf,
		queue:   q,
		metrics: m,
		log:     log.Named("worker").With(zap.String("agent", conf.AgentID)),
		slots:   make(chan struct{}, conf.MaxConcurrentJobs),
		stop:    make(chan struct{}),
		cancels: map[string]context.CancelCauseFunc{},
	}
}

// AgentID of this worker.
func (w *AgentWorker) AgentID() string { return w.conf.AgentID }

// Start runs the main loop until ctx is done or Stop is called. In-flight
// jobs are drained before it returns.
func (w *AgentWorker) Start(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	w.log.Info("agent worker started",
		zap.Int("max_concurrent_jobs", w.conf.MaxConcurrentJobs),
		zap.Duration("poll_interval", w.conf.PollInterval))

	go w.reclaimLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case <-w.stop:
			return w.drain()
		case w.slots <- struct{}{}:
		}

		claimed, err := w.queue.Claim(ctx, w.conf.AgentID, 1, w.conf.PollInterval)
		if err != nil {
			<-w.slots
			if ctx.Err() != nil {
				return w.drain()
			}
			w.log.Warn("claim failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-w.stop:
				return w.drain()
			case <-ctx.Done():
				return w.drain()
			}
			continue
		}
		if len(claimed) == 0 {
			<-w.slots
			if w.conf.PollInterval < 0 {
				select {
				case <-time.After(20 * time.Millisecond):
				case <-w.stop:
				case <-ctx.Done():
				}
			}
			continue
		}
		w.spawn(ctx, claimed[0], false)
	}
}

// Stop ends the claim loop. graceful lets in-flight jobs finish; otherwise
// they are abandoned unacked for peers to reclaim.
func (w *AgentWorker) Stop(graceful bool) {
	w.stopOnce.Do(func() { close(w.stop) })
	if graceful {
		return
	}
	w.cancelsMu.Lock()
	defer w.cancelsMu.Unlock()
	for id, cancel := range w.cancels {
		w.log.Info("abandoning job for reclaim", zap.String("job", id))
		cancel(errAbandoned)
	}
}

func (w *AgentWorker) drain() error {
	w.log.Info("waiting for in-flight jobs")
	w.inflight.Wait()
	w.log.Info("agent worker stopped")
	return nil
}

func (w *AgentWorker) spawn(ctx context.Context, c queue.Claimed, reclaimed bool) {
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer func() { <-w.slots }()
		w.runJob(ctx, c, reclaimed)
	}()
}

// reclaimLoop periodically takes over entries idle past the lease timeout.
// The pending idle timer is the liveness signal; there is no separate
// heartbeat.
func (w *AgentWorker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.conf.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}

		select {
		case w.slots <- struct{}{}:
		default:
			continue // all slots busy
		}

		claimed, err := w.queue.Reclaim(ctx, w.conf.AgentID, w.conf.LeaseTimeout, 1)
		if err != nil {
			<-w.slots
			if ctx.Err() == nil {
				w.log.Warn("reclaim sweep failed", zap.Error(err))
			}
			continue
		}
		if len(claimed) == 0 {
			<-w.slots
			continue
		}
		w.metrics.Reclaims.Inc()
		w.log.Info("reclaimed orphaned job",
			zap.String("job", claimed[0].Job.ID),
			zap.String("entry", claimed[0].EntryID))
		w.spawn(ctx, claimed[0], true)
	}
}

func (w *AgentWorker) runJob(ctx context.Context, c queue.Claimed, reclaimed bool) {
	jobID := c.Job.ID
	log := w.log.With(zap.String("job", jobID))
	actx := context.WithoutCancel(ctx)

	rec, err := w.queue.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, job.ErrNotFound):
		// Record evicted or expired; the stream copy is all we have.
		rec = c.Job
		if err := w.queue.SaveJob(ctx, rec); err != nil {
			log.Error("restoring job record failed", zap.Error(err))
			return // unacked; retried after the lease expires
		}
	case err != nil:
		log.Error("job lookup failed", zap.Error(err))
		return // unacked
	}

	if rec.Status.Terminal() {
		// Typically a pending job cancelled before any worker claimed it.
		log.Info("claimed entry for terminal job", zap.String("status", string(rec.Status)))
		w.markTerminated(actx, jobID, string(rec.Status)+" before any agent claimed it", log)
		w.ack(actx, c, log)
		return
	}

	if reclaimed {
		rec, err = w.queue.UpdateJob(ctx, jobID, func(j *job.Job) {
			j.Attempt++
			j.AgentID = w.conf.AgentID
		})
		if err != nil {
			log.Error("redelivery bookkeeping failed", zap.Error(err))
			return
		}
		if rec.Attempt > rec.MaxAttempts {
			log.Warn("retry attempts exhausted",
				zap.Int("attempt", rec.Attempt),
				zap.Int("max_attempts", rec.MaxAttempts))
			rec = w.ensureRunning(ctx, rec, log)
			logw, lwErr := NewLogWriter(actx, w.queue, jobID, log)
			if lwErr != nil {
				log.Warn("opening log writer failed", zap.Error(lwErr))
			} else {
				_ = logw.System(actx, "", fmt.Sprintf("retry attempts exhausted after %d deliveries", rec.Attempt))
			}
			w.finish(actx, c, rec, logw, job.StatusFailed, job.ReasonRetryExhausted, job.ExitCodeRetryExhausted, nil, log)
			return
		}
	}

	if rec.Status == job.StatusPending {
		now := time.Now().UTC()
		rec, err = w.queue.Transition(ctx, jobID, job.StatusRunning, func(j *job.Job) {
			j.AgentID = w.conf.AgentID
			j.StartedAt = &now
		})
		if err != nil {
			if errors.Is(err, job.ErrTerminal) || errors.Is(err, job.ErrInvalidTransition) {
				log.Info("job reached terminal state before start")
				w.markTerminated(actx, jobID, "terminated before pipeline start", log)
				w.ack(actx, c, log)
				return
			}
			log.Error("transition to running failed", zap.Error(err))
			return // unacked
		}
	} else if rec.AgentID != w.conf.AgentID {
		// Redelivery of an already-running record (retry re-enqueue).
		if updated, err := w.queue.UpdateJob(ctx, jobID, func(j *job.Job) {
			j.AgentID = w.conf.AgentID
		}); err == nil {
			rec = updated
		}
	}

	w.metrics.RunningJobs.Inc()
	defer w.metrics.RunningJobs.Dec()

	logw, err := NewLogWriter(ctx, w.queue, jobID, log)
	if err != nil {
		log.Error("opening log writer failed", zap.Error(err))
		return // unacked
	}

	jctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.registerCancel(jobID, cancel)
	defer w.unregisterCancel(jobID)
	go w.watchStatus(jctx, jobID, cancel, log)

	_ = logw.System(actx, "", fmt.Sprintf("agent %s starting pipeline (attempt %d/%d)",
		w.conf.AgentID, rec.Attempt, rec.MaxAttempts))

	runner := NewPipelineRunner(w.conf.Runner, rec, logw, log)
	start := time.Now()
	result, runErr := runner.Run(jctx)
	w.observe(result)

	switch {
	case runErr == nil:
		log.Info("pipeline succeeded", zap.Duration("duration", time.Since(start)))
		w.finish(actx, c, rec, logw, job.StatusSuccess, "", 0, result, log)

	case errors.Is(runErr, job.ErrCancelled):
		log.Info("job cancelled by user")
		_ = logw.System(actx, "", job.CancelledMarker)
		w.finish(actx, c, rec, logw, job.StatusCancelled, job.ReasonCancelled, job.ExitCodeCancelled, result, log)

	case errors.Is(runErr, errAbandoned) || errors.Is(runErr, context.Canceled):
		log.Info("abandoning job for requeue")
		_ = logw.System(actx, "", "agent shutting down; job will be reclaimed")
		return // no ack, no terminal transition

	case errors.Is(runErr, job.ErrPipelineTimeout):
		w.finish(actx, c, rec, logw, job.StatusFailed, job.ReasonPipelineTimeout, job.ExitCodeTimeout, result, log)

	case errors.Is(runErr, job.ErrStepTimeout):
		w.finish(actx, c, rec, logw, job.StatusFailed, job.ReasonStepTimeout, job.ExitCodeTimeout, result, log)

	case job.RetriableClone(runErr):
		if rec.Attempt < rec.MaxAttempts {
			w.retryLater(actx, c, rec, logw, runErr, log)
			return
		}
		w.finish(actx, c, rec, logw, job.StatusFailed, job.ReasonRetryExhausted, job.ExitCodeRetryExhausted, result, log)

	default:
		reason := job.ReasonStepFailure
		var ce *job.CloneError
		if errors.As(runErr, &ce) {
			reason = job.ReasonCloneFailure
		}
		log.Info("pipeline failed", zap.String("reason", reason), zap.Error(runErr))
		w.finish(actx, c, rec, logw, job.StatusFailed, reason, exitFromResult(result), result, log)
	}
}

// ensureRunning moves a pending record through running so the terminal
// transition stays within the state machine.
func (w *AgentWorker) ensureRunning(ctx context.Context, rec *job.Job, log *zap.Logger) *job.Job {
	if rec.Status != job.StatusPending {
		return rec
	}
	now := time.Now().UTC()
	updated, err := w.queue.Transition(ctx, rec.ID, job.StatusRunning, func(j *job.Job) {
		j.AgentID = w.conf.AgentID
		j.StartedAt = &now
	})
	if err != nil {
		log.Warn("transition to running failed", zap.Error(err))
		return rec
	}
	return updated
}

// finish drives the job to its terminal state, emits the terminal log
// marker, and acks the queue entry. Exactly one ack per terminal transition.
func (w *AgentWorker) finish(ctx context.Context, c queue.Claimed, rec *job.Job, logw *LogWriter, status job.Status, reason string, exitCode int, result *job.PipelineResult, log *zap.Logger) {
	now := time.Now().UTC()
	r := roko.NewRetrier(
		roko.WithMaxAttempts(5),
		roko.WithStrategy(roko.Exponential(time.Second, 0)),
	)
	err := r.DoWithContext(ctx, func(rr *roko.Retrier) error {
		_, terr := w.queue.Transition(ctx, rec.ID, status, func(j *job.Job) {
			j.FinishedAt = &now
			j.ExitCode = &exitCode
			j.Reason = reason
		})
		switch {
		case terr == nil:
			return nil
		case errors.Is(terr, job.ErrTerminal):
			// A cancel write won the race; its state stands.
			return nil
		case errors.Is(terr, job.ErrInvalidTransition):
			// A crashed worker is recoverable, a corrupted state
			// machine is not.
			panic(fmt.Sprintf("forbidden transition for job %s: -> %s: %v", rec.ID, status, terr))
		case errors.Is(terr, job.ErrTransientSubstrate):
			return terr
		default:
			rr.Break()
			return terr
		}
	})
	if err != nil {
		log.Error("terminal transition failed, leaving entry for reclaim", zap.Error(err))
		return // unacked; pipeline re-execution is safe
	}

	if logw != nil {
		payload, _ := json.Marshal(result)
		_ = logw.System(ctx, "", job.TerminalMarker+": "+string(payload))
	}
	w.metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	w.ack(ctx, c, log)
}

// retryLater re-enqueues a transiently failed job after backoff. The old
// entry stays pending until the retry entry is on the stream: a crash during
// the backoff window then redelivers through reclaim instead of losing the
// job. The lease timeout dwarfs the maximum backoff, so no peer takes the
// entry over early.
func (w *AgentWorker) retryLater(ctx context.Context, c queue.Claimed, rec *job.Job, logw *LogWriter, cause error, log *zap.Logger) {
	updated, err := w.queue.UpdateJob(ctx, rec.ID, func(j *job.Job) { j.Attempt++ })
	if err != nil {
		log.Error("attempt bookkeeping failed, leaving entry for reclaim", zap.Error(err))
		return // unacked
	}
	delay := job.RetryBackoff(rec.Attempt)
	log.Warn("transient failure, scheduling retry",
		zap.Error(cause),
		zap.Duration("delay", delay),
		zap.Int("attempt", updated.Attempt),
		zap.Int("max_attempts", updated.MaxAttempts))
	_ = logw.System(ctx, "", fmt.Sprintf("transient failure (%v); retrying in %s (attempt %d/%d)",
		cause, delay.Round(100*time.Millisecond), updated.Attempt, updated.MaxAttempts))

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-w.stop:
			// Flush the retry now rather than lose it.
		}
		ctx := context.WithoutCancel(ctx)
		if _, err := w.queue.Enqueue(ctx, updated); err != nil {
			log.Error("retry re-enqueue failed, leaving entry for reclaim", zap.Error(err))
			return // unacked
		}
		w.ack(ctx, c, log)
	}()
}

// markTerminated appends a terminal marker for a job that reached a terminal
// state without a pipeline run, so log followers see closure.
func (w *AgentWorker) markTerminated(ctx context.Context, jobID, note string, log *zap.Logger) {
	logw, err := NewLogWriter(ctx, w.queue, jobID, log)
	if err != nil {
		log.Warn("opening log writer failed", zap.Error(err))
		return
	}
	if err := logw.System(ctx, "", job.TerminalMarker+": "+note); err != nil {
		log.Warn("terminal marker append failed", zap.Error(err))
	}
}

// watchStatus polls the job record and cancels the pipeline when a user
// cancellation lands.
func (w *AgentWorker) watchStatus(ctx context.Context, jobID string, cancel context.CancelCauseFunc, log *zap.Logger) {
	ticker := time.NewTicker(w.conf.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec, err := w.queue.GetJob(ctx, jobID)
		if err != nil {
			continue
		}
		if rec.Status == job.StatusCancelled {
			log.Info("observed cancellation request")
			cancel(job.ErrCancelled)
			return
		}
	}
}

func (w *AgentWorker) ack(ctx context.Context, c queue.Claimed, log *zap.Logger) {
	if err := w.queue.Ack(ctx, c.EntryID); err != nil {
		log.Error("ack failed", zap.String("entry", c.EntryID), zap.Error(err))
	}
}

func (w *AgentWorker) registerCancel(jobID string, cancel context.CancelCauseFunc) {
	w.cancelsMu.Lock()
	defer w.cancelsMu.Unlock()
	w.cancels[jobID] = cancel
}

func (w *AgentWorker) unregisterCancel(jobID string) {
	w.cancelsMu.Lock()
	defer w.cancelsMu.Unlock()
	delete(w.cancels, jobID)
}

func (w *AgentWorker) observe(result *job.PipelineResult) {
	if result == nil {
		return
	}
	w.metrics.PipelineDuration.Observe(result.TotalDuration.Seconds())
	for _, s := range result.Steps {
		if !s.Skipped {
			w.metrics.StepDuration.WithLabelValues(s.Step).Observe(s.Duration.Seconds())
		}
	}
}

// exitFromResult is the exit code of the last executed step, defaulting to 1.
func exitFromResult(result *job.PipelineResult) int {
	if result == nil {
		return 1
	}
	exit := 1
	for _, s := range result.Steps {
		if !s.Skipped {
			exit = s.ExitCode
		}
	}
	return exit
}
