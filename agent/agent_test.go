//go:build !windows

package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raibid-labs/raibid/queue"
)

// Shared test fixtures for the agent package.

func newTestQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.NewWithClient(rdb, queue.Config{LogRetention: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, q.EnsureGroup(context.Background()))
	return q, mr
}

func newTestLogWriter(t *testing.T, q *queue.Queue, jobID string) *LogWriter {
	t.Helper()
	w, err := NewLogWriter(context.Background(), q, jobID, zaptest.NewLogger(t))
	require.NoError(t, err)
	return w
}

// shStep wraps a shell snippet as a pipeline step.
func shStep(name, script string) StepSpec {
	return StepSpec{Name: name, Command: []string{"sh", "-c", script}}
}

func runGit(t *testing.T, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// gitFixture builds a bare repo reachable as <base>/org/repo.git with one
// commit on main, and returns the base URL and the head SHA.
func gitFixture(t *testing.T) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	work := t.TempDir()
	runGit(t, "init", work)
	runGit(t, "-C", work, "checkout", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(work, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, "-C", work, "add", ".")
	runGit(t, "-C", work,
		"-c", "user.email=ci@raibid.test",
		"-c", "user.name=raibid",
		"commit", "-m", "initial")
	head := runGit(t, "-C", work, "rev-parse", "HEAD")

	base := t.TempDir()
	bare := filepath.Join(base, "org", "repo.git")
	runGit(t, "init", "--bare", bare)
	runGit(t, "-C", work, "push", bare, "HEAD:refs/heads/main")

	return base, head
}
