package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/agent"
	"github.com/raibid-labs/raibid/job"
	"github.com/raibid-labs/raibid/queue"
)

// JobList is the GET /jobs response body. Total counts matches before
// pagination so clients can page.
type JobList struct {
	Jobs   []*job.Job `json:"jobs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// TriggerRequest is the POST /jobs body.
type TriggerRequest struct {
	Repo          string   `json:"repo"`
	Branch        string   `json:"branch"`
	Commit        string   `json:"commit,omitempty"`
	Author        string   `json:"author,omitempty"`
	DisabledSteps []string `json:"disabled_steps,omitempty"`
}

// LogPage is the non-follow GET /jobs/{id}/logs response body.
type LogPage struct {
	JobID   string         `json:"job_id"`
	Entries []job.LogEntry `json:"entries"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := queue.Filter{
		Repo:   q.Get("repo"),
		Branch: q.Get("branch"),
	}
	if st := q.Get("status"); st != "" {
		status := job.Status(st)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+st)
			return
		}
		f.Status = status
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	if f.Limit <= 0 {
		f.Limit = 25
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	jobs, total, err := s.queue.ListJobs(r.Context(), f)
	if err != nil {
		s.fail(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, JobList{
		Jobs:   jobs,
		Total:  total,
		Limit:  f.Limit,
		Offset: f.Offset,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	owner, name, ok := strings.Cut(req.Repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, `repo must be "owner/name"`)
		return
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	for _, step := range req.DisabledSteps {
		switch step {
		case agent.StepAudit, agent.StepDockerBuild, agent.StepDockerPush:
		default:
			writeError(w, http.StatusBadRequest, "step "+step+" cannot be disabled")
			return
		}
	}

	j := job.New(req.Repo, req.Branch, req.Commit, job.SourceManualTrigger, req.Author, s.conf.MaxAttempts)
	j.DisabledSteps = req.DisabledSteps
	if _, err := s.queue.Enqueue(r.Context(), j); err != nil {
		s.fail(w, "enqueue", err)
		return
	}
	s.log.Info("manually triggered job",
		zap.String("job", j.ID),
		zap.String("repo", j.Repo),
		zap.String("branch", j.Branch))
	writeJSON(w, http.StatusCreated, j)
}

// cancelJob requests cancellation. Pending jobs go terminal immediately;
// running jobs are terminated asynchronously once their worker observes the
// write.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	now := time.Now().UTC()
	exit := job.ExitCodeCancelled
	rec, err := s.queue.Transition(r.Context(), id, job.StatusCancelled, func(j *job.Job) {
		j.FinishedAt = &now
		j.ExitCode = &exit
		j.Reason = job.ReasonCancelled
	})
	if err != nil {
		s.fail(w, "cancel job", err)
		return
	}
	s.log.Info("cancellation requested", zap.String("job", id))
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		s.fail(w, "get job", err)
		return
	}
	q := r.URL.Query()

	if follow, _ := strconv.ParseBool(q.Get("follow")); follow {
		s.followLogs(w, r, rec)
		return
	}

	var entries []job.LogEntry
	if tailStr := q.Get("tail"); tailStr != "" {
		n, err := intParam(tailStr, 0)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		entries, err = s.queue.TailLogs(r.Context(), id, n)
		if err != nil {
			s.fail(w, "tail logs", err)
			return
		}
	} else {
		from, err := intParam(q.Get("from"), 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be an integer")
			return
		}
		entries, err = s.queue.ReadLogs(r.Context(), id, int64(from))
		if err != nil {
			s.fail(w, "read logs", err)
			return
		}
	}
	if entries == nil {
		entries = []job.LogEntry{}
	}
	writeJSON(w, http.StatusOK, LogPage{JobID: rec.ID, Entries: entries})
}

// followLogs streams newline-delimited JSON entries until the terminal log
// marker lands or the client goes away. Jobs already terminal get a replay of
// the whole stream and an immediate close.
func (s *Server) followLogs(w http.ResponseWriter, r *http.Request, rec *job.Job) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	from, err := intParam(r.URL.Query().Get("from"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be an integer")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)

	if rec.Status.Terminal() {
		entries, err := s.queue.ReadLogs(r.Context(), rec.ID, int64(from))
		if err != nil {
			return
		}
		for _, e := range entries {
			if enc.Encode(e) != nil {
				return
			}
		}
		flusher.Flush()
		return
	}

	for e := range s.queue.FollowLogs(r.Context(), rec.ID, int64(from)) {
		if enc.Encode(e) != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	code := http.StatusOK
	if err := s.queue.Ping(r.Context()); err != nil {
		body["status"] = "degraded"
		body["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		body["redis"] = "ok"
		if depth, err := s.queue.Depth(r.Context()); err == nil {
			body["queue_depth"] = depth
			s.queueDepth.Set(float64(depth))
		}
	}
	writeJSON(w, code, body)
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// fail maps queue errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "job already finished")
	case errors.Is(err, job.ErrTransientSubstrate):
		s.log.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
	default:
		s.log.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
