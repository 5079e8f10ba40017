// Package sched drives internal orders through execution one at a time:
// dequeue by priority, claim, execute, complete or back off and retry.
package sched

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/boostd/internal/domain"
	"github.com/SirClappington/boostd/internal/queue"
)

const seedBatch = 500

type Executor interface {
	Execute(ctx context.Context, o *domain.Order) error
}

type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	RequeueOrder(ctx context.Context, id string, at time.Time, reason string) error
	ListPendingInternal(ctx context.Context, limit int) ([]domain.Order, error)
}

// Scheduler is single-flight: at most one order executes at a time, which
// keeps agent budget consumption race-free without extra locking.
type Scheduler struct {
	q     queue.Queue
	store OrderStore
	exec  Executor
	log   *zap.Logger

	maxRetries   int
	backoffBase  time.Duration
	orderTimeout time.Duration
	now          func() time.Time

	busy atomic.Bool
}

func New(q queue.Queue, store OrderStore, exec Executor, maxRetries int, backoffBase, orderTimeout time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		q:            q,
		store:        store,
		exec:         exec,
		log:          log,
		maxRetries:   maxRetries,
		backoffBase:  backoffBase,
		orderTimeout: orderTimeout,
		now:          time.Now,
	}
}

func (s *Scheduler) Enqueue(ctx context.Context, orderID string, priority int) error {
	return s.q.Enqueue(ctx, queue.Entry{OrderID: orderID, Priority: priority})
}

// Seed re-enqueues due pending internal orders, recovering queue entries
// lost to a restart. Duplicates are harmless: the claim CAS discards them.
func (s *Scheduler) Seed(ctx context.Context) error {
	orders, err := s.store.ListPendingInternal(ctx, seedBatch)
	if err != nil {
		return errors.Wrap(err, "list pending orders")
	}
	for _, o := range orders {
		if err := s.q.Enqueue(ctx, queue.Entry{OrderID: o.ID, Priority: o.Priority}); err != nil {
			return errors.Wrap(err, "seed enqueue")
		}
	}
	return nil
}

// Tick runs at most one order. Overlapping ticks are dropped rather than
// queued so a slow execution cannot pile up workers.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return nil
	}
	defer s.busy.Store(false)

	e, ok, err := s.q.Dequeue(ctx, s.now())
	if err != nil {
		return errors.Wrap(err, "dequeue")
	}
	if !ok {
		return nil
	}

	claimed, err := s.store.MarkProcessing(ctx, e.OrderID)
	if err != nil {
		return errors.Wrap(err, "claim order")
	}
	if !claimed {
		// Stale or duplicate entry: the order moved on without us, or it
		// sits inside its backoff window. Drop the entry either way.
		return nil
	}

	o, err := s.store.GetOrder(ctx, e.OrderID)
	if err != nil {
		return errors.Wrap(err, "load claimed order")
	}

	execCtx, cancel := context.WithTimeout(ctx, s.orderTimeout)
	execErr := s.exec.Execute(execCtx, o)
	cancel()

	if execErr == nil {
		s.log.Info("order completed", zap.String("order", o.ID))
		return s.store.MarkCompleted(ctx, o.ID)
	}

	// The row's attempt counter is authoritative: a duplicate queue entry
	// carries stale retry state and must not grant extra attempts.
	if o.Attempts >= s.maxRetries {
		s.log.Warn("order failed terminally",
			zap.String("order", o.ID), zap.Int("attempts", o.Attempts), zap.Error(execErr))
		return s.store.MarkFailed(ctx, o.ID, execErr.Error())
	}

	at := s.now().Add(s.backoff(o.Attempts))
	s.log.Warn("order execution failed, backing off",
		zap.String("order", o.ID), zap.Int("attempt", o.Attempts),
		zap.Time("next_attempt", at), zap.Error(execErr))
	if err := s.store.RequeueOrder(ctx, o.ID, at, execErr.Error()); err != nil {
		return errors.Wrap(err, "requeue order")
	}
	return s.q.Enqueue(ctx, queue.Entry{
		OrderID:     o.ID,
		Priority:    e.Priority,
		RetryCount:  o.Attempts,
		ScheduledAt: at,
	})
}

func (s *Scheduler) backoff(retry int) time.Duration {
	return s.backoffBase << uint(retry)
}

// Run drives Tick on the given cadence until ctx ends, seeding once first.
func (s *Scheduler) Run(ctx context.Context, every time.Duration) error {
	if err := s.Seed(ctx); err != nil {
		s.log.Error("initial seed", zap.Error(err))
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error("scheduler tick", zap.Error(err))
			}
		}
	}
}

// Status is the operational read model; no side effects.
type Status struct {
	Length     int
	Processing bool
	Head       *queue.Entry
}

func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	n, err := s.q.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Length: n, Processing: s.busy.Load()}
	if head, ok, err := s.q.Peek(ctx, s.now()); err == nil && ok {
		st.Head = &head
	} else if err != nil {
		return Status{}, err
	}
	return st, nil
}
