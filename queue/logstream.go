package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/raibid-labs/raibid/job"
)

// Per-job append-only log streams under raibid:logs:<id>. The assigned worker
// is the only writer, which is what keeps sequence numbers monotonic without
// coordination. Followers poll the stream tail; a poll is cheap against the
// substrate and keeps this working on any redis-compatible server that lacks
// reliable blocking reads.

const followPollInterval = 250 * time.Millisecond

// followTerminalQuietPolls is how many consecutive empty polls a follower
// tolerates after seeing a terminal job record before closing. The grace
// window lets a marker that is still in flight from the finishing agent
// land first.
const followTerminalQuietPolls = 2

// AppendLog appends one entry to the job's log stream. Blocks until the
// substrate accepts it; log lines are never dropped under backpressure.
func (q *Queue) AppendLog(ctx context.Context, e job.LogEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: logKey(e.JobID),
		Values: map[string]any{dataField: b},
	}).Err()
	if err != nil {
		return substrateErr("xadd log", err)
	}
	return nil
}

// LastSequence returns the highest sequence number appended to the job's log
// stream, or 0 when the stream is empty. A resumed attempt continues from
// here.
func (q *Queue) LastSequence(ctx context.Context, jobID string) (int64, error) {
	msgs, err := q.rdb.XRevRangeN(ctx, logKey(jobID), "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, substrateErr("xrevrange log", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	e, err := decodeLogEntry(msgs[0])
	if err != nil {
		return 0, err
	}
	return e.Sequence, nil
}

// ReadLogs returns all entries with sequence >= from, in append order.
func (q *Queue) ReadLogs(ctx context.Context, jobID string, from int64) ([]job.LogEntry, error) {
	msgs, err := q.rdb.XRange(ctx, logKey(jobID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, substrateErr("xrange log", err)
	}
	var out []job.LogEntry
	for _, m := range msgs {
		e, err := decodeLogEntry(m)
		if err != nil {
			q.log.Warn("skipping undecodable log entry", zap.String("job", jobID), zap.Error(err))
			continue
		}
		if e.Sequence >= from {
			out = append(out, e)
		}
	}
	return out, nil
}

// TailLogs returns the n most recent entries in append order.
func (q *Queue) TailLogs(ctx context.Context, jobID string, n int) ([]job.LogEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := q.rdb.XRevRangeN(ctx, logKey(jobID), "+", "-", int64(n)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, substrateErr("xrevrange log", err)
	}
	out := make([]job.LogEntry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		e, err := decodeLogEntry(msgs[i])
		if err != nil {
			q.log.Warn("skipping undecodable log entry", zap.String("job", jobID), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// FollowLogs streams entries with sequence >= from onto the returned channel
// as they are appended. The channel closes after the pipeline-terminated
// marker is delivered, when the job record turns terminal and the stream has
// drained, or when ctx is done. Entries arrive in sequence order.
func (q *Queue) FollowLogs(ctx context.Context, jobID string, from int64) <-chan job.LogEntry {
	out := make(chan job.LogEntry)
	go func() {
		defer close(out)
		lastID := ""
		next := from
		quiet := 0
		ticker := time.NewTicker(followPollInterval)
		defer ticker.Stop()
		for {
			start := "-"
			if lastID != "" {
				start = lastID
			}
			msgs, err := q.rdb.XRange(ctx, logKey(jobID), start, "+").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return
				}
				q.log.Warn("log follow read failed", zap.String("job", jobID), zap.Error(err))
			}
			progressed := false
			for _, m := range msgs {
				if m.ID == lastID {
					continue
				}
				lastID = m.ID
				progressed = true
				e, err := decodeLogEntry(m)
				if err != nil {
					continue
				}
				if e.Sequence < next {
					continue
				}
				next = e.Sequence + 1
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				if e.Stream == job.StreamSystem && strings.HasPrefix(e.Message, job.TerminalMarker) {
					return
				}
			}
			// Some terminal paths never write a marker, like a pending job
			// cancelled before any agent claimed it. Close once the record
			// is terminal and the stream has drained. A missing record is
			// not terminal: the stream may exist before the record does.
			if progressed {
				quiet = 0
			} else if rec, gerr := q.GetJob(ctx, jobID); gerr == nil && rec.Status.Terminal() {
				quiet++
				if quiet > followTerminalQuietPolls {
					return
				}
			} else {
				quiet = 0
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func decodeLogEntry(m redis.XMessage) (job.LogEntry, error) {
	var e job.LogEntry
	raw, ok := m.Values[dataField]
	if !ok {
		return e, fmt.Errorf("log entry %s has no %q field", m.ID, dataField)
	}
	s, ok := raw.(string)
	if !ok {
		return e, fmt.Errorf("log entry %s field %q is not a string", m.ID, dataField)
	}
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return e, fmt.Errorf("decode log entry %s: %w", m.ID, err)
	}
	return e, nil
}
