package engine

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/boostd/internal/domain"
	"github.com/SirClappington/boostd/internal/pool"
	"github.com/SirClappington/boostd/internal/secrets"
)

type fakeRegistry struct {
	mu     sync.Mutex
	agents []domain.Agent
	budget map[string]int
	usage  map[string]int
}

func (f *fakeRegistry) ListAvailable(_ context.Context, n int) ([]domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Agent
	for _, a := range f.agents {
		if f.budget[a.ID] > 0 {
			out = append(out, a)
		}
		if len(out) == n {
			break
		}
	}
	return out, nil
}

func (f *fakeRegistry) RecordUsage(_ context.Context, agentID string, _ *string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budget[agentID] <= 0 {
		return pool.ErrBudgetExhausted
	}
	f.budget[agentID]--
	f.usage[agentID]++
	return nil
}

type fakeOrderStore struct {
	delivered int
	requested int
}

func (f *fakeOrderStore) IncrementDelivered(context.Context, string) (bool, error) {
	if f.delivered >= f.requested {
		return false, nil
	}
	f.delivered++
	return true, nil
}

// scriptCap fails the first n calls, succeeds after.
type scriptCap struct {
	failFirst int
	calls     int
	sessions  []Session
}

func (c *scriptCap) do(s Session) error {
	c.calls++
	c.sessions = append(c.sessions, s)
	if c.calls <= c.failFirst {
		return errors.New("action blocked")
	}
	return nil
}

func (c *scriptCap) Follow(_ context.Context, s Session, _ string) error { return c.do(s) }
func (c *scriptCap) Like(_ context.Context, s Session, _ string) error { return c.do(s) }
func (c *scriptCap) Comment(_ context.Context, s Session, _, _ string) error { return c.do(s) }
func (c *scriptCap) HealthCheck(context.Context, Session) error { return nil }

type noPacer struct{ waits []string }

func (p *noPacer) Wait(_ context.Context, agentID string) error {
	p.waits = append(p.waits, agentID)
	return nil
}

func testBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBox(hex.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	return box
}

func sealedAgentWith(t *testing.T, box *secrets.Box, id, handle string) domain.Agent {
	t.Helper()
	sealed, err := box.Seal([]byte(handle + ":pw"))
	require.NoError(t, err)
	return domain.Agent{ID: id, Handle: handle, Active: true, CredentialSealed: sealed, DailyLimit: 100}
}

func order(service domain.ServiceType, requested, delivered int) *domain.Order {
	return &domain.Order{ID: "o1", ServiceType: service, Requested: requested, Delivered: delivered,
		TargetRef: "@target", Status: domain.StatusProcessing, Path: domain.PathInternal}
}

func TestExecuteDeliversAndRecordsUsagePerUnit(t *testing.T) {
	b := testBox(t)
	reg := &fakeRegistry{budget: map[string]int{"a1": 10, "a2": 10}, usage: map[string]int{}}
	reg.agents = []domain.Agent{sealedAgentWith(t, b, "a1", "bot_one"), sealedAgentWith(t, b, "a2", "bot_two")}
	store := &fakeOrderStore{requested: 6}
	e := New(reg, store, &scriptCap{}, b, &noPacer{}, 3, zap.NewNop())

	err := e.Execute(context.Background(), order(domain.ServiceFollowers, 6, 0))
	require.NoError(t, err)
	assert.Equal(t, 6, store.delivered)
	assert.Equal(t, 6, reg.usage["a1"]+reg.usage["a2"], "one usage record per delivered unit")
}

func TestExecuteSkipsTransientFailuresThenAborts(t *testing.T) {
	b := testBox(t)
	reg := &fakeRegistry{budget: map[string]int{"a1": 100}, usage: map[string]int{}}
	reg.agents = []domain.Agent{sealedAgentWith(t, b, "a1", "bot_one")}
	store := &fakeOrderStore{requested: 10}
	capDriver := &scriptCap{failFirst: 2}
	e := New(reg, store, capDriver, b, &noPacer{}, 3, zap.NewNop())

	// Two transient failures, then success: order completes.
	err := e.Execute(context.Background(), order(domain.ServiceLikes, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, 10, store.delivered)

	// Consecutive failures at the ceiling abort the order.
	store2 := &fakeOrderStore{requested: 10}
	e2 := New(reg, store2, &scriptCap{failFirst: 1000}, b, &noPacer{}, 3, zap.NewNop())
	err = e2.Execute(context.Background(), order(domain.ServiceLikes, 10, 0))
	assert.Error(t, err)
	assert.Zero(t, store2.delivered)
}

func TestExecuteBudgetExhaustionKeepsUsageEqualToDelivered(t *testing.T) {
	b := testBox(t)
	reg := &fakeRegistry{budget: map[string]int{"a1": 1}, usage: map[string]int{}}
	reg.agents = []domain.Agent{sealedAgentWith(t, b, "a1", "bot_one")}
	store := &fakeOrderStore{requested: 2}
	e := New(reg, store, &scriptCap{}, b, &noPacer{}, 3, zap.NewNop())

	err := e.Execute(context.Background(), order(domain.ServiceLikes, 2, 0))
	assert.Error(t, err, "capacity runs out before the order finishes")
	assert.Equal(t, 1, store.delivered)
	assert.Equal(t, store.delivered, reg.usage["a1"], "every delivered unit has a usage record")
}

func TestExecuteStopsAtRequested(t *testing.T) {
	b := testBox(t)
	reg := &fakeRegistry{budget: map[string]int{"a1": 100}, usage: map[string]int{}}
	reg.agents = []domain.Agent{sealedAgentWith(t, b, "a1", "bot_one")}
	store := &fakeOrderStore{requested: 5, delivered: 3}
	e := New(reg, store, &scriptCap{}, b, &noPacer{}, 3, zap.NewNop())

	err := e.Execute(context.Background(), order(domain.ServiceLikes, 5, 3))
	require.NoError(t, err)
	assert.Equal(t, 5, store.delivered)
}

func TestExecuteFailsWhenPoolEmpty(t *testing.T) {
	b := testBox(t)
	reg := &fakeRegistry{budget: map[string]int{}, usage: map[string]int{}}
	store := &fakeOrderStore{requested: 5}
	e := New(reg, store, &scriptCap{}, b, &noPacer{}, 3, zap.NewNop())

	err := e.Execute(context.Background(), order(domain.ServiceFollowers, 5, 0))
	assert.Error(t, err)
	assert.Zero(t, store.delivered)
}

func TestExecuteRejectsExternalOnlyServices(t *testing.T) {
	b := testBox(t)
	e := New(&fakeRegistry{}, &fakeOrderStore{}, &scriptCap{}, b, &noPacer{}, 3, zap.NewNop())
	err := e.Execute(context.Background(), order(domain.ServiceViews, 5, 0))
	assert.Error(t, err)
}

func TestExecuteHonorsContextDeadline(t *testing.T) {
	b := testBox(t)
	reg := &fakeRegistry{budget: map[string]int{"a1": 100}, usage: map[string]int{}}
	reg.agents = []domain.Agent{sealedAgentWith(t, b, "a1", "bot_one")}
	store := &fakeOrderStore{requested: 100}
	e := New(reg, store, &scriptCap{}, b, &noPacer{}, 3, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Execute(ctx, order(domain.ServiceLikes, 100, 0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIntervalPacerEnforcesMinimumGap(t *testing.T) {
	now := time.Unix(1000, 0)
	var slept []time.Duration
	p := NewIntervalPacer(2*time.Second, 0)
	p.Now = func() time.Time { return now }
	p.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx, "a1"))
	assert.Empty(t, slept, "first action needs no wait")

	require.NoError(t, p.Wait(ctx, "a1"))
	require.Len(t, slept, 1)
	assert.Equal(t, 2*time.Second, slept[0])

	// A different agent is not delayed by a1's history.
	require.NoError(t, p.Wait(ctx, "a2"))
	assert.Len(t, slept, 1)
}
