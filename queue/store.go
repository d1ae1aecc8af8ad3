package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/job"
)

// The job store is a parallel id-indexed keyspace so the API can look up and
// list jobs without scanning the stream. One JSON record per job under
// raibid:job:<id>, plus a created-at-ordered index set.

// transitionAttempts bounds optimistic-lock retries on a contended job key.
const transitionAttempts = 5

// SaveJob writes the job record and registers it in the listing index.
func (q *Queue) SaveJob(ctx context.Context, j *job.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(j.ID), b, 0)
		pipe.ZAdd(ctx, jobIndexKey, redis.Z{
			Score:  float64(j.CreatedAt.UnixMilli()),
			Member: j.ID,
		})
		return nil
	})
	if err != nil {
		return substrateErr("save job", err)
	}
	return nil
}

// GetJob looks up a job record by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	raw, err := q.rdb.Get(ctx, jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return nil, substrateErr("get job", err)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

// Filter narrows and pages a job listing.
type Filter struct {
	Status job.Status
	Repo   string
	Branch string
	Limit  int
	Offset int
}

func (f Filter) matches(j *job.Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Repo != "" && j.Repo != f.Repo {
		return false
	}
	if f.Branch != "" && j.Branch != f.Branch {
		return false
	}
	return true
}

// ListJobs returns the filtered page newest-first plus the total number of
// records matching the filter before pagination.
func (q *Queue) ListJobs(ctx context.Context, f Filter) ([]*job.Job, int, error) {
	if f.Limit <= 0 {
		f.Limit = 25
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	ids, err := q.rdb.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, 0, substrateErr("list index", err)
	}
	if len(ids) == 0 {
		return nil, 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	raws, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, substrateErr("list records", err)
	}

	var matched []*job.Job
	var expired []any
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			// Record TTL'd out from under the index.
			expired = append(expired, ids[i])
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			q.log.Warn("skipping undecodable job record", zap.String("job", ids[i]), zap.Error(err))
			continue
		}
		if f.matches(&j) {
			matched = append(matched, &j)
		}
	}
	if len(expired) > 0 {
		if err := q.rdb.ZRem(ctx, jobIndexKey, expired...).Err(); err != nil {
			q.log.Warn("pruning expired index entries failed", zap.Error(err))
		}
	}

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

// Transition moves the job to next under a compare-and-set guard: the status
// read inside the transaction must still permit the transition when the write
// lands, otherwise the whole attempt is retried against the fresh record. A
// forbidden transition is rejected with ErrTerminal or ErrInvalidTransition.
// mutate runs after the status flip to patch associated fields.
func (q *Queue) Transition(ctx context.Context, id string, next job.Status, mutate func(*job.Job)) (*job.Job, error) {
	key := jobKey(id)
	var updated *job.Job

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}
		if err != nil {
			return substrateErr("get job", err)
		}
		var j job.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", job.ErrTerminal, id, j.Status)
		}
		if !j.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, j.Status, next)
		}
		j.Status = next
		if mutate != nil {
			mutate(&j)
		}
		b, err := json.Marshal(&j)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			if next.Terminal() {
				pipe.Expire(ctx, key, q.conf.LogRetention)
				pipe.Expire(ctx, logKey(id), q.conf.LogRetention)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &j
		return nil
	}

	for i := 0; i < transitionAttempts; i++ {
		err := q.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, substrateErr("transition job", redis.TxFailedErr)
}

// UpdateJob patches non-status fields (agent assignment, attempt counter)
// under the same optimistic lock. mutate must not touch Status.
func (q *Queue) UpdateJob(ctx context.Context, id string, mutate func(*job.Job)) (*job.Job, error) {
	key := jobKey(id)
	var updated *job.Job

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}
		if err != nil {
			return substrateErr("get job", err)
		}
		var j job.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		before := j.Status
		mutate(&j)
		if j.Status != before {
			panic(fmt.Sprintf("UpdateJob mutate changed status of %s: %s -> %s", id, before, j.Status))
		}
		b, err := json.Marshal(&j)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &j
		return nil
	}

	for i := 0; i < transitionAttempts; i++ {
		err := q.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, substrateErr("update job", redis.TxFailedErr)
}
