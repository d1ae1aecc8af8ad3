package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/raibid-labs/raibid/job"
	"github.com/raibid-labs/raibid/process"
)

// nonRetriableCloneMarkers are stderr fragments that mean retrying the clone
// cannot help: bad credentials, unknown repo, unknown ref. Anything else
// (DNS, timeouts, resets) is treated as a network blip and retried through
// the queue's backoff policy.
var nonRetriableCloneMarkers = []string{
	"authentication failed",
	"could not read username",
	"could not read password",
	"repository not found",
	"not found",
	"access denied",
	"permission denied",
	"remote branch",    // "fatal: Remote branch X not found"
	"couldn't find remote ref",
	"reference is not a tree",
	"is not a commit",
}

// clone performs the pre-pipeline stage: shallow-clone the repo at the job's
// branch into workspace, then detach at the pinned commit when one is set.
// When no commit is pinned the branch HEAD at clone time is used and the
// resolved SHA is recorded on the system stream.
func (r *PipelineRunner) clone(pctx, actx context.Context, workspace string) error {
	url := strings.TrimSuffix(r.conf.GitBaseURL, "/") + "/" + r.job.Repo + ".git"
	_ = r.logw.System(actx, "", fmt.Sprintf("cloning %s@%s", r.job.Repo, r.job.Branch))

	if err := r.git(pctx, actx, "", "clone", "--depth", "1", "--single-branch", "--branch", r.job.Branch, url, workspace); err != nil {
		return err
	}

	if r.job.Commit != "" {
		if err := r.git(pctx, actx, workspace, "fetch", "--depth", "1", "origin", r.job.Commit); err != nil {
			return err
		}
		if err := r.git(pctx, actx, workspace, "checkout", "--detach", r.job.Commit); err != nil {
			return err
		}
		return nil
	}

	var head string
	_ = process.New(r.log, process.Config{
		Path: "git", Args: []string{"-C", workspace, "rev-parse", "HEAD"},
		StdoutHandler: func(line string) { head = line },
	}).Run(pctx)
	if head != "" {
		_ = r.logw.System(actx, "", fmt.Sprintf("resolved %s to %s", r.job.Branch, head))
	}
	return nil
}

// git runs one git command, streaming its output to the system stream, and
// classifies failures into retriable and non-retriable clone errors.
func (r *PipelineRunner) git(pctx, actx context.Context, dir string, args ...string) error {
	var mu sync.Mutex
	var lastLine string
	capture := func(line string) {
		mu.Lock()
		lastLine = line
		mu.Unlock()
		_ = r.logw.Append(actx, job.StreamSystem, "", line)
	}

	p := process.New(r.log, process.Config{
		Path:          "git",
		Args:          args,
		Dir:           dir,
		Env:           []string{"GIT_TERMINAL_PROMPT=0"},
		Timeout:       r.conf.StepTimeout,
		StdoutHandler: capture,
		StderrHandler: capture,
	})

	if err := p.Run(pctx); err != nil {
		return &job.CloneError{Retriable: false, Err: err}
	}
	if cause := context.Cause(pctx); pctx.Err() != nil {
		if errors.Is(cause, job.ErrPipelineTimeout) {
			return job.ErrPipelineTimeout
		}
		return cause
	}
	if p.TimedOut() {
		return &job.CloneError{Retriable: true, Output: "clone timed out", Err: job.ErrStepTimeout}
	}
	if code := p.ExitCode(); code != 0 {
		mu.Lock()
		out := lastLine
		mu.Unlock()
		return &job.CloneError{
			Retriable: retriableCloneOutput(out),
			Output:    out,
			Err:       fmt.Errorf("git %s exited %d", args[0], code),
		}
	}
	return nil
}

func retriableCloneOutput(line string) bool {
	l := strings.ToLower(line)
	for _, marker := range nonRetriableCloneMarkers {
		if strings.Contains(l, marker) {
			return false
		}
	}
	return true
}
