package job

import "time"

// Stream tags which output stream a log line belongs to.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// TerminalMarker is the message of the final system log entry appended when a
// pipeline terminates. Followers stop tailing once they observe it.
const TerminalMarker = "pipeline-terminated"

// CancelledMarker is appended when a job is cancelled by a user.
const CancelledMarker = "job cancelled by user"

// LogEntry is one line of job output. Sequence is strictly monotonic within a
// job's log stream; entries are never mutated after append.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Stream    Stream    `json:"stream"`
	Step      string    `json:"step_name,omitempty"`
	Message   string    `json:"message"`
}
