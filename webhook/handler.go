package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/job"
)

// Enqueuer is the queue surface the intake needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *job.Job) (string, error)
}

// Handler serves the per-flavor intake endpoints.
type Handler struct {
	queue       Enqueuer
	secrets     map[Flavor][]byte
	maxAttempts int
	log         *zap.Logger
}

// NewHandler builds an intake handler. A flavor whose secret is empty skips
// signature verification (development mode) but still accepts payloads.
func NewHandler(q Enqueuer, giteaSecret, githubSecret string, maxAttempts int, log *zap.Logger) *Handler {
	secrets := map[Flavor][]byte{}
	if giteaSecret != "" {
		secrets[FlavorGitea] = []byte(giteaSecret)
	}
	if githubSecret != "" {
		secrets[FlavorGithub] = []byte(githubSecret)
	}
	return &Handler{
		queue:       q,
		secrets:     secrets,
		maxAttempts: maxAttempts,
		log:         log.Named("webhook"),
	}
}

// Accepted is the 202 response body.
type Accepted struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// Serve returns the http handler for one webhook flavor.
func (h *Handler) Serve(flavor Flavor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		if secret, required := h.secrets[flavor]; required {
			sig := r.Header.Get(flavor.SignatureHeader())
			if sig == "" {
				writeError(w, http.StatusUnauthorized, "missing signature")
				return
			}
			if !VerifySignature(secret, body, sig) {
				h.log.Warn("rejected webhook with bad signature",
					zap.String("flavor", string(flavor)),
					zap.String("remote", r.RemoteAddr))
				writeError(w, http.StatusUnauthorized, "signature mismatch")
				return
			}
		}

		push, err := ParsePush(flavor, body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		j := job.New(push.Repo, push.Branch, push.Commit, job.SourceWebhookPush, push.Author, h.maxAttempts)
		if _, err := h.queue.Enqueue(r.Context(), j); err != nil {
			h.log.Error("enqueue failed", zap.String("repo", push.Repo), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}

		h.log.Info("enqueued push job",
			zap.String("job", j.ID),
			zap.String("repo", j.Repo),
			zap.String("branch", j.Branch),
			zap.String("commit", j.Commit),
			zap.String("flavor", string(flavor)))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Accepted{
			JobID:   j.ID,
			Message: fmt.Sprintf("build queued for %s@%s", j.Repo, j.Branch),
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
