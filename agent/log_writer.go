package agent

import (
	"context"
	"time"

	"github.com/buildkite/roko"
	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/job"
	"github.com/raibid-labs/raibid/queue"
)

// LogWriter is the single writer for one job's log stream. All appends are
// serialized through it, which is what makes sequence numbers monotonic; the
// stdout and stderr scanners of a step feed it concurrently.
type LogWriter struct {
	queue *queue.Queue
	jobID string
	log   *zap.Logger

	// appends hold the semaphore end to end so sequence order matches
	// stream append order.
	sem chan struct{}
	seq int64
}

// NewLogWriter opens a writer positioned after the job's existing log tail,
// so a retried attempt continues the sequence rather than restarting it.
func NewLogWriter(ctx context.Context, q *queue.Queue, jobID string, log *zap.Logger) (*LogWriter, error) {
	last, err := q.LastSequence(ctx, jobID)
	if err != nil {
		return nil, err
	}
	w := &LogWriter{
		queue: q,
		jobID: jobID,
		log:   log.Named("logwriter"),
		sem:   make(chan struct{}, 1),
		seq:   last,
	}
	return w, nil
}

// Append writes one line to the job's log stream. Blocks under substrate
// backpressure rather than dropping; transient failures are retried.
func (w *LogWriter) Append(ctx context.Context, stream job.Stream, step, message string) error {
	w.sem <- struct{}{}
	defer func() { <-w.sem }()

	w.seq++
	e := job.LogEntry{
		JobID:     w.jobID,
		Sequence:  w.seq,
		Timestamp: time.Now().UTC(),
		Stream:    stream,
		Step:      step,
		Message:   message,
	}

	r := roko.NewRetrier(
		roko.WithMaxAttempts(5),
		roko.WithStrategy(roko.Exponential(500*time.Millisecond, 0)),
	)
	err := r.DoWithContext(ctx, func(*roko.Retrier) error {
		return w.queue.AppendLog(ctx, e)
	})
	if err != nil {
		w.log.Error("log append failed after retries",
			zap.String("job", w.jobID),
			zap.Int64("sequence", e.Sequence),
			zap.Error(err))
	}
	return err
}

// System appends a line on the system stream.
func (w *LogWriter) System(ctx context.Context, step, message string) error {
	return w.Append(ctx, job.StreamSystem, step, message)
}
