package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raibid-labs/raibid/job"
)

type fakeEnqueuer struct {
	jobs []*job.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, j *job.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, j)
	return "1-0", nil
}

const pushBody = `{
	"ref": "refs/heads/main",
	"after": "abc123",
	"repository": {"full_name": "org/repo"},
	"pusher": {"username": "alice"}
}`

func postWebhook(h *Handler, flavor Flavor, body, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+string(flavor), strings.NewReader(body))
	if sig != "" {
		req.Header.Set(flavor.SignatureHeader(), sig)
	}
	rec := httptest.NewRecorder()
	h.Serve(flavor)(rec, req)
	return rec
}

func TestHandlerAcceptsValidSignature(t *testing.T) {
	t.Parallel()

	q := &fakeEnqueuer{}
	h := NewHandler(q, "s3cret", "", 3, zaptest.NewLogger(t))

	rec := postWebhook(h, FlavorGitea, pushBody, Sign([]byte("s3cret"), []byte(pushBody)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp Accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)

	require.Len(t, q.jobs, 1)
	j := q.jobs[0]
	assert.Equal(t, resp.JobID, j.ID)
	assert.Equal(t, "org/repo", j.Repo)
	assert.Equal(t, "main", j.Branch)
	assert.Equal(t, "abc123", j.Commit)
	assert.Equal(t, "alice", j.Author)
	assert.Equal(t, job.SourceWebhookPush, j.Source)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 3, j.MaxAttempts)
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	t.Parallel()

	q := &fakeEnqueuer{}
	h := NewHandler(q, "", "s3cret", 3, zaptest.NewLogger(t))

	rec := postWebhook(h, FlavorGithub, pushBody, "sha256=deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, q.jobs, "nothing enqueued on signature mismatch")
}

func TestHandlerRejectsMissingSignature(t *testing.T) {
	t.Parallel()

	q := &fakeEnqueuer{}
	h := NewHandler(q, "s3cret", "", 3, zaptest.NewLogger(t))

	rec := postWebhook(h, FlavorGitea, pushBody, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, q.jobs)
}

func TestHandlerDevModeSkipsVerification(t *testing.T) {
	t.Parallel()

	q := &fakeEnqueuer{}
	h := NewHandler(q, "", "", 3, zaptest.NewLogger(t))

	rec := postWebhook(h, FlavorGitea, pushBody, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, q.jobs, 1)
}

func TestHandlerRejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	q := &fakeEnqueuer{}
	h := NewHandler(q, "", "", 3, zaptest.NewLogger(t))

	rec := postWebhook(h, FlavorGitea, "{nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, q.jobs)
}

func TestHandlerEnqueueFailure(t *testing.T) {
	t.Parallel()

	q := &fakeEnqueuer{err: job.ErrTransientSubstrate}
	h := NewHandler(q, "", "", 3, zaptest.NewLogger(t))

	rec := postWebhook(h, FlavorGitea, pushBody, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGithubPrefixOnlySucceedsWithPrefixAwareVerifier(t *testing.T) {
	t.Parallel()

	q := &fakeEnqueuer{}
	h := NewHandler(q, "", "s3cret", 3, zaptest.NewLogger(t))

	github := `{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {"full_name": "org/repo"},
		"pusher": {"name": "bob"}
	}`
	rec := postWebhook(h, FlavorGithub, github, "sha256="+Sign([]byte("s3cret"), []byte(github)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "bob", q.jobs[0].Author)
}
