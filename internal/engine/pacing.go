package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer enforces the per-agent timing contract: no two actions from the
// same agent closer together than the minimum interval.
type Pacer interface {
	Wait(ctx context.Context, agentID string) error
}

// IntervalPacer spaces actions per agent by min plus up to jitter of
// random slack. Clock and sleep are injectable so the contract is testable
// without real waiting.
type IntervalPacer struct {
	Min    time.Duration
	Jitter time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	last map[string]time.Time
}

func NewIntervalPacer(min, jitter time.Duration) *IntervalPacer {
	return &IntervalPacer{Min: min, Jitter: jitter, Now: time.Now, Sleep: sleepCtx}
}

func (p *IntervalPacer) Wait(ctx context.Context, agentID string) error {
	p.mu.Lock()
	if p.last == nil {
		p.last = make(map[string]time.Time)
	}
	now := p.Now()
	var wait time.Duration
	if prev, ok := p.last[agentID]; ok {
		gap := p.Min
		if p.Jitter > 0 {
			gap += time.Duration(rand.Int63n(int64(p.Jitter) + 1))
		}
		if due := prev.Add(gap); due.After(now) {
			wait = due.Sub(now)
		}
	}
	p.last[agentID] = now.Add(wait)
	p.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}
	return p.Sleep(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
