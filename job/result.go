package job

import "time"

// StepResult records the outcome of one pipeline step.
type StepResult struct {
	Step       string        `json:"step_name"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Success    bool          `json:"success"`
	Skipped    bool          `json:"skipped,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// SkippedStep returns the synthetic result recorded for a step that never ran.
func SkippedStep(name string) StepResult {
	return StepResult{Step: name, Skipped: true}
}

// PipelineResult is emitted exactly once when a job's pipeline terminates. It
// carries one StepResult per step in the fixed sequence: executed steps in
// execution order followed by skipped markers for the remainder.
type PipelineResult struct {
	JobID         string        `json:"job_id"`
	Success       bool          `json:"success"`
	Steps         []StepResult  `json:"steps"`
	TotalDuration time.Duration `json:"total_duration"`
}
