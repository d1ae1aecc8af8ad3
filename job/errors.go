package job

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch on these with errors.Is rather than on message
// text. Kinds that reach the HTTP boundary map onto status codes in the
// server package.
var (
	// ErrSignature is a webhook signature mismatch or a missing required
	// signature header.
	ErrSignature = errors.New("signature verification failed")

	// ErrMalformedPayload is an unparseable or incomplete webhook payload.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrTransientSubstrate is a network-level failure talking to the
	// queue substrate. Retried with backoff at the call site.
	ErrTransientSubstrate = errors.New("transient substrate error")

	// ErrNotFound is an unknown job id.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is a forbidden status transition. Inside a
	// worker this is an invariant violation and panics; at the API
	// boundary it surfaces as a conflict.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminal is an attempt to transition a job that already reached
	// a terminal state.
	ErrTerminal = errors.New("job already in terminal state")

	// ErrStepFailure is a non-zero step exit. Never retried.
	ErrStepFailure = errors.New("step failed")

	// ErrStepTimeout is a per-step timeout enforced by the runner.
	ErrStepTimeout = errors.New("step timed out")

	// ErrPipelineTimeout is the whole-pipeline timeout.
	ErrPipelineTimeout = errors.New("pipeline timed out")

	// ErrCancelled marks cooperative cancellation. A distinct terminal
	// state, not a failure.
	ErrCancelled = errors.New("job cancelled")

	// ErrRetryExhausted marks a job redelivered more than max_attempts
	// times.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// CloneError wraps a failure of the clone stage. Network-ish failures are
// retriable through the queue's backoff policy; auth failures and unknown
// repos or refs are not.
type CloneError struct {
	Retriable bool
	Output    string // last stderr line, for the job log
	Err       error
}

func (e *CloneError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("clone failed: %s", e.Output)
	}
	return fmt.Sprintf("clone failed: %v", e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// RetriableClone reports whether err is a clone failure eligible for retry.
func RetriableClone(err error) bool {
	var ce *CloneError
	return errors.As(err, &ce) && ce.Retriable
}
