package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/job"
	"github.com/raibid-labs/raibid/process"
)

// RunnerConfig tunes pipeline execution for a worker.
type RunnerConfig struct {
	// WorkspaceDir is the root under which per-job clone directories are
	// created.
	WorkspaceDir string

	// GitBaseURL prefixes "owner/name.git" to form the clone URL.
	GitBaseURL string

	// RegistryURL for image tags. Empty disables docker-push (the step is
	// recorded as skipped).
	RegistryURL string

	// Registry credentials, passed to the push step environment.
	RegistryUsername string
	RegistryPassword string

	// CacheEnabled adds the sccache wrapper hint to step environments.
	CacheEnabled bool

	StepTimeout     time.Duration // per step, default 5m
	PipelineTimeout time.Duration // whole pipeline, default 30m

	// Steps overrides the fixed sequence. Tests use this; production runs
	// DefaultSteps.
	Steps []StepSpec
}

func (c *RunnerConfig) applyDefaults() {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Minute
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = 30 * time.Minute
	}
	if c.Steps == nil {
		c.Steps = DefaultSteps()
	}
}

// PipelineRunner executes the fixed build sequence for one job: clone, then
// each step in order, fail-fast, with per-step and whole-pipeline timeouts.
type PipelineRunner struct {
	conf RunnerConfig
	job  *job.Job
	logw *LogWriter
	log  *zap.Logger
}

func NewPipelineRunner(conf RunnerConfig, j *job.Job, logw *LogWriter, log *zap.Logger) *PipelineRunner {
	conf.applyDefaults()
	return &PipelineRunner{
		conf: conf,
		job:  j,
		logw: logw,
		log:  log.Named("pipeline").With(zap.String("job", j.ID)),
	}
}

// Run executes the pipeline. The returned PipelineResult always carries one
// StepResult per step in the fixed sequence. The error classifies why the
// pipeline did not succeed: nil, ErrStepFailure, ErrStepTimeout,
// ErrPipelineTimeout, ErrCancelled, or a CloneError.
func (r *PipelineRunner) Run(ctx context.Context) (*job.PipelineResult, error) {
	start := time.Now()
	pctx, cancel := context.WithTimeoutCause(ctx, r.conf.PipelineTimeout, job.ErrPipelineTimeout)
	defer cancel()

	// Log appends must survive cancellation so the tail of a cancelled or
	// timed-out job still lands in the stream.
	actx := context.WithoutCancel(ctx)

	workspace := filepath.Join(r.conf.WorkspaceDir, r.job.ID)
	defer r.cleanupWorkspace(actx, workspace)

	result := &job.PipelineResult{JobID: r.job.ID}

	if err := r.clone(pctx, actx, workspace); err != nil {
		for _, s := range r.conf.Steps {
			result.Steps = append(result.Steps, job.SkippedStep(s.Name))
		}
		result.TotalDuration = time.Since(start)
		return result, err
	}

	var failErr error
	for _, spec := range r.conf.Steps {
		if failErr != nil {
			result.Steps = append(result.Steps, job.SkippedStep(spec.Name))
			continue
		}
		if reason := r.skipReason(spec.Name); reason != "" {
			_ = r.logw.System(actx, spec.Name, fmt.Sprintf("skipping %s: %s", spec.Name, reason))
			result.Steps = append(result.Steps, job.SkippedStep(spec.Name))
			continue
		}
		sr, err := r.runStep(pctx, actx, workspace, spec)
		result.Steps = append(result.Steps, sr)
		if err != nil {
			failErr = err
		}
	}

	result.Success = failErr == nil
	result.TotalDuration = time.Since(start)
	return result, failErr
}

// skipReason returns why a step will not run, or "" to run it.
func (r *PipelineRunner) skipReason(name string) string {
	if r.job.StepDisabled(name) {
		return "disabled for this job"
	}
	if name == StepDockerPush && r.conf.RegistryURL == "" {
		return "no registry configured"
	}
	return ""
}

func (r *PipelineRunner) runStep(pctx, actx context.Context, workspace string, spec StepSpec) (job.StepResult, error) {
	command := expandCommand(spec.Command, r.imageRef())
	_ = r.logw.System(actx, spec.Name, fmt.Sprintf("--- running %s", spec.Name))

	sr := job.StepResult{Step: spec.Name, StartedAt: time.Now().UTC()}

	p := process.New(r.log, process.Config{
		Path:    command[0],
		Args:    command[1:],
		Dir:     workspace,
		Env:     r.stepEnv(spec.Name),
		Timeout: r.conf.StepTimeout,
		StdoutHandler: func(line string) {
			_ = r.logw.Append(actx, job.StreamStdout, spec.Name, line)
		},
		StderrHandler: func(line string) {
			_ = r.logw.Append(actx, job.StreamStderr, spec.Name, line)
		},
	})

	startErr := p.Run(pctx)
	sr.FinishedAt = time.Now().UTC()
	sr.Duration = sr.FinishedAt.Sub(sr.StartedAt)

	if startErr != nil {
		sr.ExitCode = 127
		_ = r.logw.System(actx, spec.Name, fmt.Sprintf("step %s could not start: %v", spec.Name, startErr))
		return sr, fmt.Errorf("%w: %s: %v", job.ErrStepFailure, spec.Name, startErr)
	}

	if cause := context.Cause(pctx); pctx.Err() != nil {
		// Cancellation or the pipeline deadline interrupted the step.
		if errors.Is(cause, job.ErrPipelineTimeout) {
			sr.ExitCode = job.ExitCodeTimeout
			_ = r.logw.System(actx, spec.Name, fmt.Sprintf("pipeline timed out after %s during %s", r.conf.PipelineTimeout, spec.Name))
			return sr, job.ErrPipelineTimeout
		}
		sr.ExitCode = job.ExitCodeCancelled
		return sr, cause
	}

	if p.TimedOut() {
		sr.ExitCode = job.ExitCodeTimeout
		_ = r.logw.System(actx, spec.Name, fmt.Sprintf("step %s timed out after %s", spec.Name, r.conf.StepTimeout))
		return sr, fmt.Errorf("%w: %s after %s", job.ErrStepTimeout, spec.Name, r.conf.StepTimeout)
	}

	sr.ExitCode = p.ExitCode()
	sr.Success = sr.ExitCode == 0
	if !sr.Success {
		_ = r.logw.System(actx, spec.Name, fmt.Sprintf("step %s failed with exit code %d", spec.Name, sr.ExitCode))
		return sr, fmt.Errorf("%w: %s exited %d", job.ErrStepFailure, spec.Name, sr.ExitCode)
	}
	return sr, nil
}

// stepEnv builds the environment additions for a step.
func (r *PipelineRunner) stepEnv(step string) []string {
	env := []string{
		"RAIBID_JOB_ID=" + r.job.ID,
		"RAIBID_REPO=" + r.job.Repo,
		"RAIBID_BRANCH=" + r.job.Branch,
		"RAIBID_COMMIT=" + r.job.Commit,
		"CI=true",
	}
	if r.conf.CacheEnabled {
		env = append(env, "RUSTC_WRAPPER=sccache")
	}
	if step == StepDockerPush || step == StepDockerBuild {
		if r.conf.RegistryUsername != "" {
			env = append(env,
				"REGISTRY_USERNAME="+r.conf.RegistryUsername,
				"REGISTRY_PASSWORD="+r.conf.RegistryPassword,
			)
		}
	}
	return env
}

// imageRef is the docker tag for this job's build: registry/owner/name:tag,
// tagged with the short commit or the branch when no commit is pinned.
func (r *PipelineRunner) imageRef() string {
	tag := r.job.Branch
	if r.job.Commit != "" {
		tag = r.job.Commit
		if len(tag) > 12 {
			tag = tag[:12]
		}
	}
	registry := r.conf.RegistryURL
	if registry == "" {
		registry = "localhost"
	}
	return fmt.Sprintf("%s/%s:%s", registry, r.job.Repo, tag)
}

// cleanupWorkspace removes the job's clone directory. Best effort: failure is
// logged but never changes the job result.
func (r *PipelineRunner) cleanupWorkspace(actx context.Context, workspace string) {
	if workspace == "" || workspace == "/" {
		return
	}
	if err := os.RemoveAll(workspace); err != nil {
		r.log.Warn("workspace cleanup failed", zap.String("dir", workspace), zap.Error(err))
		_ = r.logw.System(actx, "", fmt.Sprintf("workspace cleanup failed: %v", err))
	}
}
