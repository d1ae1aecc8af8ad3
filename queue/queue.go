// Package queue is the job lifecycle substrate. Jobs travel through one redis
// stream with a consumer group (claim/ack/reclaim semantics), job records are
// indexed by id in a parallel keyspace with compare-and-set status
// transitions, and each job owns an append-only log stream.
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

const (
	DefaultStream = "raibid:jobs"
	DefaultGroup  = "raibid-workers"

	jobKeyPrefix = "raibid:job:"
	jobIndexKey  = "raibid:jobs:index"
	logKeyPrefix = "raibid:logs:"

	// dataField is the single stream entry field carrying the serialized
	// job record.
	dataField = "data"
)

// Config tunes the queue substrate.
type Config struct {
	Addr     string
	Password string

	Stream string // job stream key
	Group  string // worker consumer group

	// MaxLen caps the job stream; oldest entries are evicted beyond it.
	// Safe because the id-indexed job record is the source of truth.
	MaxLen int64

	// LogRetention is how long job records and log streams live after a
	// terminal transition.
	LogRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 7 * 24 * time.Hour
	}
}

// Claimed pairs a stream entry id with the job it carried. The entry id is
// what must eventually be acked.
type Claimed struct {
	EntryID string
	Job     *job.Job
}

// Queue is a handle on the substrate. Safe for concurrent use.
type Queue struct {
	rdb  *redis.Client
	conf Config
	log  *zap.Logger
}

// New connects a queue handle. The connection is lazy; use Ping to verify it.
func New(conf Config, log *zap.Logger) *Queue {
	conf.applyDefaults()
	return &Queue{
		rdb: redis.NewClient(&redis.Options{
			Addr:     conf.Addr,
			Password: conf.Password,
		}),
		conf: conf,
		log:  log.Named("queue"),
	}
}

// NewWithClient wraps an existing redis client. Used by tests.
func NewWithClient(rdb *redis.Client, conf Config, log *zap.Logger) *Queue {
	conf.applyDefaults()
	return &Queue{rdb: rdb, conf: conf, log: log.Named("queue")}
}

// Close releases the underlying connection pool.
func (q *Queue) Close() error { return q.rdb.Close() }

// Ping verifies the substrate is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return substrateErr("ping", err)
	}
	return nil
}

// EnsureGroup creates the worker consumer group if it does not exist yet.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.conf.Stream, q.conf.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return substrateErr("xgroup create", err)
	}
	return nil
}

// Enqueue persists the job record and appends it to the job stream in one
// transaction, so a failure partway cannot strand a pending record that no
// worker will ever claim. Returns the stream entry id.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	var add *redis.StringCmd
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(j.ID), b, 0)
		pipe.ZAdd(ctx, jobIndexKey, redis.Z{
			Score:  float64(j.CreatedAt.UnixMilli()),
			Member: j.ID,
		})
		add = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.conf.Stream,
			MaxLen: q.conf.MaxLen,
			Approx: true,
			Values: map[string]any{dataField: b},
		})
		return nil
	})
	if err != nil {
		return "", substrateErr("enqueue", err)
	}
	id := add.Val()
	q.log.Debug("enqueued job",
		zap.String("job", j.ID),
		zap.String("entry", id),
		zap.String("repo", j.Repo))
	return id, nil
}

// Claim reads up to count new entries for this consumer, blocking up to block
// when the stream is idle. block <= 0 returns immediately. Claimed entries
// stay on the consumer's pending list until acked.
func (q *Queue) Claim(ctx context.Context, consumer string, count int64, block time.Duration) ([]Claimed, error) {
	if block <= 0 {
		block = -1 // no BLOCK argument; return immediately
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.conf.Group,
		Consumer: consumer,
		Streams:  []string{q.conf.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, substrateErr("xreadgroup", err)
	}
	var claimed []Claimed
	for _, s := range streams {
		for _, m := range s.Messages {
			j, err := decodeEntry(m)
			if err != nil {
				// A poisoned entry can never execute; drop it.
				q.log.Error("dropping undecodable stream entry",
					zap.String("entry", m.ID), zap.Error(err))
				_ = q.Ack(ctx, m.ID)
				continue
			}
			claimed = append(claimed, Claimed{EntryID: m.ID, Job: j})
		}
	}
	return claimed, nil
}

// Ack removes an entry from the consumer group's pending list. Must be called
// exactly once per terminal transition.
func (q *Queue) Ack(ctx context.Context, entryID string) error {
	if err := q.rdb.XAck(ctx, q.conf.Stream, q.conf.Group, entryID).Err(); err != nil {
		return substrateErr("xack", err)
	}
	return nil
}

// Reclaim takes over entries whose pending idle time exceeds minIdle,
// reassigning them to the calling consumer. Used to recover jobs from crashed
// peers.
func (q *Queue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Claimed, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.conf.Stream,
		Group:  q.conf.Group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, substrateErr("xpending", err)
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.conf.Stream,
		Group:    q.conf.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, substrateErr("xclaim", err)
	}
	var claimed []Claimed
	for _, m := range msgs {
		j, err := decodeEntry(m)
		if err != nil {
			q.log.Error("dropping undecodable reclaimed entry",
				zap.String("entry", m.ID), zap.Error(err))
			_ = q.Ack(ctx, m.ID)
			continue
		}
		claimed = append(claimed, Claimed{EntryID: m.ID, Job: j})
	}
	return claimed, nil
}

// Depth is the current length of the job stream.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.conf.Stream).Result()
	if err != nil {
		return 0, substrateErr("xlen", err)
	}
	return n, nil
}

func decodeEntry(m redis.XMessage) (*job.Job, error) {
	raw, ok := m.Values[dataField]
	if !ok {
		return nil, fmt.Errorf("entry %s has no %q field", m.ID, dataField)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("entry %s field %q is not a string", m.ID, dataField)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", m.ID, err)
	}
	return &j, nil
}

func jobKey(id string) string { return jobKeyPrefix + id }
func logKey(id string) string { return logKeyPrefix + id }

func substrateErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", job.ErrTransientSubstrate, op, err)
}
