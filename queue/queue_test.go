package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raibid-labs/raibid/job"
)

func testQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := NewWithClient(rdb, Config{LogRetention: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, q.EnsureGroup(context.Background()))
	return q, mr
}

func newTestJob() *job.Job {
	return job.New("org/repo", "main", "abc123", job.SourceWebhookPush, "alice", 3)
}

func TestEnqueueClaimAck(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	j := newTestJob()
	entryID, err := q.Enqueue(ctx, j)
	require.NoError(t, err)
	require.NotEmpty(t, entryID)

	claimed, err := q.Claim(ctx, "worker-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, entryID, claimed[0].EntryID)
	if diff := cmp.Diff(j, claimed[0].Job); diff != "" {
		t.Errorf("claimed job diff (-want +got):\n%s", diff)
	}

	require.NoError(t, q.Ack(ctx, entryID))

	// Nothing left to claim or reclaim.
	claimed, err = q.Claim(ctx, "worker-1", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	reclaimed, err := q.Reclaim(ctx, "worker-2", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

// xaddFailHook rejects any XADD so tests can exercise a stream append
// failing while the rest of the substrate stays healthy.
type xaddFailHook struct{}

func (xaddFailHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (xaddFailHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "xadd" {
			return errors.New("xadd rejected")
		}
		return next(ctx, cmd)
	}
}

func (xaddFailHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			if cmd.Name() == "xadd" {
				return errors.New("xadd rejected")
			}
		}
		return next(ctx, cmds)
	}
}

func TestEnqueueStreamFailureLeavesNoPendingRecord(t *testing.T) {
	q, _ := testQueue(t)
	q.rdb.AddHook(xaddFailHook{})

	j := newTestJob()
	_, err := q.Enqueue(context.Background(), j)
	require.Error(t, err)

	// Record and stream entry land together or not at all; a half-written
	// pending record would never be claimable.
	_, err = q.GetJob(context.Background(), j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
	all, total, err := q.ListJobs(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, all)
}

func TestClaimEmptyStreamReturnsImmediately(t *testing.T) {
	q, _ := testQueue(t)

	claimed, err := q.Claim(context.Background(), "worker-1", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimDeliversEachEntryToOneConsumer(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	seen := map[string]string{} // job id -> consumer
	var jobs []*job.Job
	for n := 0; n < 6; n++ {
		j := newTestJob()
		jobs = append(jobs, j)
		_, err := q.Enqueue(ctx, j)
		require.NoError(t, err)
	}

	for _, consumer := range []string{"w1", "w2"} {
		claimed, err := q.Claim(ctx, consumer, 3, 0)
		require.NoError(t, err)
		for _, c := range claimed {
			_, dup := seen[c.Job.ID]
			assert.False(t, dup, "job %s delivered twice", c.Job.ID)
			seen[c.Job.ID] = consumer
			require.NoError(t, q.Ack(ctx, c.EntryID))
		}
	}
	assert.Len(t, seen, len(jobs))
}

func TestReclaimAfterIdle(t *testing.T) {
	q, mr := testQueue(t)
	ctx := context.Background()

	j := newTestJob()
	_, err := q.Enqueue(ctx, j)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Not idle long enough yet.
	reclaimed, err := q.Reclaim(ctx, "w2", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	// miniredis's FastForward only expires TTLs; stream pending idle time
	// follows the clock set via SetTime.
	mr.SetTime(time.Now().Add(2 * time.Minute))

	reclaimed, err = q.Reclaim(ctx, "w2", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, j.ID, reclaimed[0].Job.ID)

	require.NoError(t, q.Ack(ctx, reclaimed[0].EntryID))
}

func TestSaveGetJob(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	j := newTestJob()
	require.NoError(t, q.SaveJob(ctx, j))

	got, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, job.StatusPending, got.Status)

	_, err = q.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestTransition(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	j := newTestJob()
	require.NoError(t, q.SaveJob(ctx, j))

	now := time.Now().UTC()
	got, err := q.Transition(ctx, j.ID, job.StatusRunning, func(j *job.Job) {
		j.AgentID = "agent-1"
		j.StartedAt = &now
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Equal(t, "agent-1", got.AgentID)

	// Forbidden: running -> pending equivalent, and pending-only moves.
	_, err = q.Transition(ctx, j.ID, job.StatusRunning, nil)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)

	got, err = q.Transition(ctx, j.ID, job.StatusSuccess, func(j *job.Job) {
		code := 0
		j.ExitCode = &code
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, got.Status)

	// Terminal states reject everything.
	_, err = q.Transition(ctx, j.ID, job.StatusCancelled, nil)
	assert.ErrorIs(t, err, job.ErrTerminal)

	_, err = q.Transition(ctx, "nope", job.StatusRunning, nil)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestCancelPendingJob(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	j := newTestJob()
	require.NoError(t, q.SaveJob(ctx, j))

	got, err := q.Transition(ctx, j.ID, job.StatusCancelled, nil)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Empty(t, got.AgentID)
}

func TestUpdateJob(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	j := newTestJob()
	require.NoError(t, q.SaveJob(ctx, j))

	got, err := q.UpdateJob(ctx, j.ID, func(j *job.Job) {
		j.Attempt = 2
		j.AgentID = "agent-2"
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "agent-2", got.AgentID)

	fresh, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Attempt)
}

func TestListJobs(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	mk := func(repo, branch string, status job.Status, created time.Time) *job.Job {
		j := job.New(repo, branch, "", job.SourceManualTrigger, "cli", 1)
		j.Status = status
		j.CreatedAt = created
		require.NoError(t, q.SaveJob(ctx, j))
		return j
	}

	base := time.Now().UTC().Add(-time.Hour)
	mk("org/a", "main", job.StatusPending, base)
	mk("org/a", "main", job.StatusSuccess, base.Add(time.Minute))
	mk("org/a", "dev", job.StatusSuccess, base.Add(2*time.Minute))
	newest := mk("org/b", "main", job.StatusFailed, base.Add(3*time.Minute))

	all, total, err := q.ListJobs(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, newest.ID, all[0].ID, "newest first")

	succ, total, err := q.ListJobs(ctx, Filter{Status: job.StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, succ, 2)

	repoA, total, err := q.ListJobs(ctx, Filter{Repo: "org/a", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, repoA, 2)

	// Total reflects the filter match, not the page.
	page, total, err := q.ListJobs(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 1)

	none, total, err := q.ListJobs(ctx, Filter{Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, none)
}

func TestDepth(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	n, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.Enqueue(ctx, newTestJob())
	require.NoError(t, err)

	n, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
