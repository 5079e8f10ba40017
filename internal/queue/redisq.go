package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

const (
	readyKey = "fulfill:ready"
	delayKey = "fulfill:delay"
	seqKey   = "fulfill:seq"

	// ready score packs priority and insertion order into the 53 exact
	// bits of a float64: (priority << 40) | (seqMask - seq). ZPopMax then
	// yields highest priority first, oldest entry first within a priority.
	seqMask = 1<<40 - 1

	// MaxPriority bounds the 13 bits the encoding leaves for priority;
	// anything outside [0, MaxPriority] would corrupt the ordering.
	MaxPriority = 1<<13 - 1
)

// RedisQ is the shared queue backend: a ready ZSET popped by score and a
// delay ZSET keyed by due time, moved over in batches like the delayed-job
// sweep. Entries are JSON members so retry state travels with the order id.
type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

func readyScore(e Entry) float64 {
	p := int64(e.Priority)
	if p < 0 {
		p = 0
	}
	if p > MaxPriority {
		p = MaxPriority
	}
	return float64(p<<40 | (seqMask - int64(e.Seq&seqMask)))
}

func (q *RedisQ) Enqueue(ctx context.Context, e Entry) error {
	seq, err := q.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return errors.Wrap(err, "queue seq")
	}
	e.Seq = uint64(seq)
	member, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if !e.ScheduledAt.IsZero() && e.ScheduledAt.After(time.Now()) {
		return q.rdb.ZAdd(ctx, delayKey, r.Z{Score: float64(e.ScheduledAt.Unix()), Member: member}).Err()
	}
	return q.rdb.ZAdd(ctx, readyKey, r.Z{Score: readyScore(e), Member: member}).Err()
}

func (q *RedisQ) Dequeue(ctx context.Context, now time.Time) (Entry, bool, error) {
	if err := q.moveDue(ctx, now.Unix(), 200); err != nil {
		return Entry{}, false, err
	}
	res, err := q.rdb.ZPopMax(ctx, readyKey, 1).Result()
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "zpopmax")
	}
	if len(res) == 0 {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(res[0].Member.(string)), &e); err != nil {
		return Entry{}, false, errors.Wrap(err, "decode entry")
	}
	return e, true, nil
}

func (q *RedisQ) Peek(ctx context.Context, now time.Time) (Entry, bool, error) {
	if err := q.moveDue(ctx, now.Unix(), 200); err != nil {
		return Entry{}, false, err
	}
	members, err := q.rdb.ZRevRange(ctx, readyKey, 0, 0).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(members) == 0 {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(members[0]), &e); err != nil {
		return Entry{}, false, errors.Wrap(err, "decode entry")
	}
	return e, true, nil
}

func (q *RedisQ) Len(ctx context.Context) (int, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.ZCard(ctx, readyKey)
	delayed := pipe.ZCard(ctx, delayKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(ready.Val() + delayed.Val()), nil
}

// moveDue promotes due delayed entries onto the ready ZSET.
func (q *RedisQ) moveDue(ctx context.Context, now int64, batch int64) error {
	members, err := q.rdb.ZRangeByScore(ctx, delayKey, &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch}).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, m := range members {
		var e Entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			pipe.ZRem(ctx, delayKey, m)
			continue
		}
		pipe.ZAdd(ctx, readyKey, r.Z{Score: readyScore(e), Member: m})
		pipe.ZRem(ctx, delayKey, m)
	}
	_, err = pipe.Exec(ctx)
	return err
}
