//go:build !windows

package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raibid-labs/raibid/job"
	"github.com/raibid-labs/raibid/queue"
)

func fixtureJob(t *testing.T) *job.Job {
	t.Helper()
	return job.New("org/repo", "main", "", job.SourceManualTrigger, "tester", 1)
}

func newRunner(t *testing.T, q *queue.Queue, j *job.Job, conf RunnerConfig) *PipelineRunner {
	t.Helper()
	if conf.WorkspaceDir == "" {
		conf.WorkspaceDir = t.TempDir()
	}
	logw := newTestLogWriter(t, q, j.ID)
	return NewPipelineRunner(conf, j, logw, zaptest.NewLogger(t))
}

func logMessages(t *testing.T, q *queue.Queue, jobID string) []string {
	t.Helper()
	entries, err := q.ReadLogs(context.Background(), jobID, 0)
	require.NoError(t, err)
	msgs := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs
}

func assertLogContains(t *testing.T, msgs []string, substr string) {
	t.Helper()
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return
		}
	}
	t.Fatalf("no log line contains %q in %d lines:\n%s", substr, len(msgs), strings.Join(msgs, "\n"))
}

func TestPipelineRunnerSuccess(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)

	workspace := t.TempDir()
	r := newRunner(t, q, j, RunnerConfig{
		WorkspaceDir: workspace,
		GitBaseURL:   base,
		Steps: []StepSpec{
			shStep(StepFormat, "echo formatting"),
			shStep(StepBuild, "test -f README.md && echo built"),
		},
	})

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Steps, 2)
	for _, s := range result.Steps {
		assert.True(t, s.Success, "step %s", s.Step)
		assert.Equal(t, 0, s.ExitCode)
		assert.False(t, s.Skipped)
	}
	assert.Greater(t, result.TotalDuration, time.Duration(0))

	msgs := logMessages(t, q, j.ID)
	assertLogContains(t, msgs, "cloning org/repo@main")
	assertLogContains(t, msgs, "resolved main to ")
	assertLogContains(t, msgs, "formatting")
	assertLogContains(t, msgs, "built")

	// Sequences are strictly monotonic within the stream.
	entries, err := q.ReadLogs(context.Background(), j.ID, 0)
	require.NoError(t, err)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Sequence+1, entries[i].Sequence)
	}

	// Workspace is removed after the run.
	_, statErr := os.Stat(filepath.Join(workspace, j.ID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipelineRunnerFailFast(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL: base,
		Steps: []StepSpec{
			shStep(StepFormat, "echo ok"),
			shStep(StepCheck, "exit 3"),
			shStep(StepClippy, "echo never"),
			shStep(StepTest, "echo never"),
		},
	})

	result, err := r.Run(context.Background())
	require.ErrorIs(t, err, job.ErrStepFailure)
	require.False(t, result.Success)
	require.Len(t, result.Steps, 4)

	assert.True(t, result.Steps[0].Success)
	assert.Equal(t, 3, result.Steps[1].ExitCode)
	assert.False(t, result.Steps[1].Success)
	assert.True(t, result.Steps[2].Skipped)
	assert.True(t, result.Steps[3].Skipped)

	msgs := logMessages(t, q, j.ID)
	assertLogContains(t, msgs, "step check failed with exit code 3")
	for _, m := range msgs {
		assert.NotContains(t, m, "never")
	}
}

func TestPipelineRunnerStepTimeout(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL:  base,
		StepTimeout: 2 * time.Second,
		Steps:       []StepSpec{shStep(StepTest, "sleep 30")},
	})

	result, err := r.Run(context.Background())
	require.ErrorIs(t, err, job.ErrStepTimeout)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, job.ExitCodeTimeout, result.Steps[0].ExitCode)
	assertLogContains(t, logMessages(t, q, j.ID), "step test timed out")
}

func TestPipelineRunnerPipelineTimeout(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL:      base,
		PipelineTimeout: time.Second,
		Steps: []StepSpec{
			shStep(StepBuild, "sleep 30"),
			shStep(StepDockerBuild, "echo never"),
		},
	})

	result, err := r.Run(context.Background())
	require.ErrorIs(t, err, job.ErrPipelineTimeout)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, job.ExitCodeTimeout, result.Steps[0].ExitCode)
	assert.True(t, result.Steps[1].Skipped)
}

func TestPipelineRunnerCancelled(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL: base,
		Steps:      []StepSpec{shStep(StepBuild, "sleep 30")},
	})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	time.AfterFunc(300*time.Millisecond, func() { cancel(job.ErrCancelled) })

	result, err := r.Run(ctx)
	require.ErrorIs(t, err, job.ErrCancelled)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, job.ExitCodeCancelled, result.Steps[0].ExitCode)
}

func TestPipelineRunnerSkipsDockerPushWithoutRegistry(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL: base,
		Steps: []StepSpec{
			shStep(StepBuild, "echo built"),
			shStep(StepDockerPush, "echo pushed"),
		},
	})

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[1].Skipped)

	msgs := logMessages(t, q, j.ID)
	assertLogContains(t, msgs, "no registry configured")
	for _, m := range msgs {
		assert.NotContains(t, m, "pushed")
	}
}

func TestPipelineRunnerDisabledSteps(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)
	j.DisabledSteps = []string{StepAudit}

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL: base,
		Steps: []StepSpec{
			shStep(StepTest, "echo tested"),
			shStep(StepAudit, "echo audited"),
		},
	})

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.True(t, result.Steps[1].Skipped)
	assertLogContains(t, logMessages(t, q, j.ID), "disabled for this job")
}

func TestPipelineRunnerCloneFailure(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)
	j.Repo = "org/missing"

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL: base,
		Steps: []StepSpec{
			shStep(StepFormat, "echo never"),
			shStep(StepBuild, "echo never"),
		},
	})

	result, err := r.Run(context.Background())
	var ce *job.CloneError
	require.ErrorAs(t, err, &ce)
	require.Len(t, result.Steps, 2)
	for _, s := range result.Steps {
		assert.True(t, s.Skipped)
	}
}

func TestPipelineRunnerPinnedCommit(t *testing.T) {
	base, head := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)
	j.Commit = head

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL: base,
		Steps:      []StepSpec{shStep(StepCheck, "git rev-parse HEAD")},
	})

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	assertLogContains(t, logMessages(t, q, j.ID), head)
}

func TestPipelineRunnerImageExpansion(t *testing.T) {
	base, head := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)
	j.Commit = head

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL:  base,
		RegistryURL: "registry.local:5000",
		Steps:       []StepSpec{{Name: StepDockerBuild, Command: []string{"echo", "building", imagePlaceholder}}},
	})

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	assertLogContains(t, logMessages(t, q, j.ID), "registry.local:5000/org/repo:"+head[:12])
}

func TestPipelineRunnerStepEnv(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL:   base,
		CacheEnabled: true,
		Steps:        []StepSpec{shStep(StepBuild, `echo "job=$RAIBID_JOB_ID ci=$CI wrapper=$RUSTC_WRAPPER"`)},
	})

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	assertLogContains(t, logMessages(t, q, j.ID), "job="+j.ID+" ci=true wrapper=sccache")
}

func TestPipelineRunnerStepNotFound(t *testing.T) {
	base, _ := gitFixture(t)
	q, _ := newTestQueue(t)
	j := fixtureJob(t)

	r := newRunner(t, q, j, RunnerConfig{
		GitBaseURL: base,
		Steps:      []StepSpec{{Name: StepBuild, Command: []string{"/does/not/exist"}}},
	})

	result, err := r.Run(context.Background())
	require.ErrorIs(t, err, job.ErrStepFailure)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, 127, result.Steps[0].ExitCode)
}

func TestRetriableCloneClassification(t *testing.T) {
	assert.False(t, retriableCloneOutput("fatal: Authentication failed for 'https://git.local/x'"))
	assert.False(t, retriableCloneOutput("fatal: repository not found"))
	assert.False(t, retriableCloneOutput("fatal: Remote branch gone not found in upstream origin"))
	assert.True(t, retriableCloneOutput("fatal: unable to access 'https://git.local/x': Connection timed out"))
	assert.True(t, retriableCloneOutput("error: RPC failed; curl 56 connection reset"))
}

func TestLogWriterResumesSequence(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	w1 := newTestLogWriter(t, q, "job-1")
	require.NoError(t, w1.Append(ctx, job.StreamStdout, "", "one"))
	require.NoError(t, w1.Append(ctx, job.StreamStdout, "", "two"))

	// A fresh writer continues the sequence, as on a retried attempt.
	w2 := newTestLogWriter(t, q, "job-1")
	require.NoError(t, w2.System(ctx, "", "three"))

	entries, err := q.ReadLogs(ctx, "job-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, job.StreamSystem, entries[2].Stream)

	last, err := q.LastSequence(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}
