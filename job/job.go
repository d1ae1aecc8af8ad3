// Package job defines the data model shared by the queue, the workers and
// the query API: the Job record and its status state machine, log entries,
// step results and the error taxonomy.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// allowedTransitions is the single source of truth for the status state
// machine. Status must never be mutated except through a transition checked
// against this table.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSuccess, StatusFailed, StatusCancelled},
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Source records how a job came to exist.
type Source string

const (
	SourceWebhookPush   Source = "webhook-push"
	SourceManualTrigger Source = "manual-trigger"
)

// Synthetic exit codes for jobs that did not finish with a real subprocess
// exit status.
const (
	ExitCodeTimeout        = -1
	ExitCodeCancelled      = -2
	ExitCodeRetryExhausted = -3
)

// Terminal reason codes, recorded on the job and in the terminal log entry.
const (
	ReasonStepFailure     = "step-failure"
	ReasonStepTimeout     = "step-timeout"
	ReasonPipelineTimeout = "pipeline-timeout"
	ReasonCancelled       = "cancelled"
	ReasonRetryExhausted  = "retry-exhausted"
	ReasonCloneFailure    = "clone-failure"
)

// Job is an immutable description of a unit of CI work plus its mutable
// status. Everything other than Status, AgentID, StartedAt, FinishedAt,
// ExitCode, Reason and Attempt is fixed at creation.
type Job struct {
	ID     string `json:"id"`
	Repo   string `json:"repo"`   // canonical "owner/name"
	Branch string `json:"branch"` // branch name, not a full ref
	Commit string `json:"commit,omitempty"`
	Source Source `json:"source"`
	Author string `json:"author,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	Status     Status     `json:"status"`
	AgentID    string     `json:"agent_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Reason     string     `json:"reason,omitempty"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	// DisabledSteps lists pipeline steps to skip for this job (recorded as
	// skipped in the pipeline result). Only audit and the docker steps may
	// be disabled.
	DisabledSteps []string `json:"disabled_steps,omitempty"`
}

// New builds a pending job with a fresh id.
func New(repo, branch, commit string, source Source, author string, maxAttempts int) *Job {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Job{
		ID:          uuid.NewString(),
		Repo:        repo,
		Branch:      branch,
		Commit:      commit,
		Source:      source,
		Author:      author,
		CreatedAt:   time.Now().UTC(),
		Status:      StatusPending,
		Attempt:     1,
		MaxAttempts: maxAttempts,
	}
}

// StepDisabled reports whether the named step was disabled for this job.
func (j *Job) StepDisabled(name string) bool {
	for _, s := range j.DisabledSteps {
		if s == name {
			return true
		}
	}
	return false
}
