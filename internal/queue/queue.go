package queue

import (
	"context"
	"time"
)

// Entry is the ephemeral scheduling record for one order. The order row in
// Postgres is authoritative; entries are disposable and duplicates are
// tolerated because the scheduler claims orders with a status CAS.
type Entry struct {
	OrderID     string    `json:"order_id"`
	Priority    int       `json:"priority"`
	RetryCount  int       `json:"retry_count"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Seq         uint64    `json:"seq"`
}

// Queue orders entries by priority descending, FIFO within a priority.
// An entry whose ScheduledAt is in the future is not dequeued before it
// comes due.
type Queue interface {
	Enqueue(ctx context.Context, e Entry) error
	// Dequeue pops the highest-priority due entry, or ok=false when none is due.
	Dequeue(ctx context.Context, now time.Time) (Entry, bool, error)
	// Peek returns the head without removing it.
	Peek(ctx context.Context, now time.Time) (Entry, bool, error)
	Len(ctx context.Context) (int, error)
}
