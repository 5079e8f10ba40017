package pool

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/boostd/internal/domain"
)

// fakeStore mimics the storage semantics: conditional budget consumption,
// cutoff-filtered listing.
type fakeStore struct {
	mu      sync.Mutex
	agents  map[string]*domain.Agent
	actions []domain.AgentAction
}

func newFakeStore(agents ...*domain.Agent) *fakeStore {
	m := make(map[string]*domain.Agent, len(agents))
	for _, a := range agents {
		m[a.ID] = a
	}
	return &fakeStore{agents: m}
}

func (f *fakeStore) available(cutoff time.Time) []domain.Agent {
	var out []domain.Agent
	for _, a := range f.agents {
		if a.Active && a.DailyUsed < a.DailyLimit &&
			(a.LastUsedAt == nil || a.LastUsedAt.Before(cutoff)) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DailyUsed < out[j].DailyUsed })
	return out
}

func (f *fakeStore) ListAvailableAgents(_ context.Context, limit int, cutoff time.Time) ([]domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.available(cutoff)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CountAvailableAgents(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.available(cutoff)), nil
}

func (f *fakeStore) ConsumeAgentAction(_ context.Context, agentID string, orderID *string, actionType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok || !a.Active || a.DailyUsed >= a.DailyLimit {
		return false, nil
	}
	a.DailyUsed++
	now := time.Now()
	a.LastUsedAt = &now
	f.actions = append(f.actions, domain.AgentAction{AgentID: agentID, OrderID: orderID, ActionType: actionType})
	return true, nil
}

func (f *fakeStore) ResetDailyCounters(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		a.DailyUsed = 0
	}
	return nil
}

func (f *fakeStore) ListActiveAgents(context.Context) ([]domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Agent
	for _, a := range f.agents {
		if a.Active {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (f *fakeStore) DeactivateAgent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[id].Active = false
	return nil
}

func (f *fakeStore) PoolStats(_ context.Context, cutoff time.Time) (domain.PoolStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := domain.PoolStats{TotalAgents: len(f.agents), AvailableNow: len(f.available(cutoff))}
	for _, a := range f.agents {
		if a.Active {
			st.ActiveAgents++
			st.DailyLimitSum += a.DailyLimit
			st.DailyUsedSum += a.DailyUsed
		}
	}
	return st, nil
}

type fakeProber struct{ failing map[string]bool }

func (p fakeProber) HealthCheck(_ context.Context, a domain.Agent) error {
	if p.failing[a.Handle] {
		return errors.New("login challenge")
	}
	return nil
}

func agent(id, handle string, used, limit int, lastUsed *time.Time) *domain.Agent {
	return &domain.Agent{
		ID: id, Handle: handle, Active: true, Class: domain.ClassDedicated,
		DailyLimit: limit, DailyUsed: used, LastUsedAt: lastUsed,
	}
}

func TestListAvailableSkipsRecentlyUsed(t *testing.T) {
	recent := time.Now().Add(-time.Minute)
	old := time.Now().Add(-2 * time.Hour)
	store := newFakeStore(
		agent("1", "cold", 5, 100, &old),
		agent("2", "hot", 1, 100, &recent),
		agent("3", "fresh", 0, 100, nil),
	)
	r := NewRegistry(store, time.Hour, zap.NewNop())

	got, err := r.ListAvailable(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "fresh", got[0].Handle, "least-used first")
	assert.Equal(t, "cold", got[1].Handle)
}

func TestRecordUsageBudgetExhausted(t *testing.T) {
	store := newFakeStore(agent("1", "a", 99, 100, nil))
	r := NewRegistry(store, time.Hour, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, r.RecordUsage(ctx, "1", nil, "follow"))
	assert.ErrorIs(t, r.RecordUsage(ctx, "1", nil, "follow"), ErrBudgetExhausted)
	assert.Equal(t, 100, store.agents["1"].DailyUsed)
	assert.Len(t, store.actions, 1, "exhausted attempt must not audit")
}

func TestResetDailyCountersIdempotent(t *testing.T) {
	store := newFakeStore(agent("1", "a", 40, 100, nil), agent("2", "b", 7, 50, nil))
	r := NewRegistry(store, time.Hour, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, r.ResetDailyCounters(ctx))
	require.NoError(t, r.ResetDailyCounters(ctx))
	for _, a := range store.agents {
		assert.Zero(t, a.DailyUsed)
	}
}

func TestDeactivateUnhealthyContinuesPastFailures(t *testing.T) {
	store := newFakeStore(
		agent("1", "ok", 0, 100, nil),
		agent("2", "broken", 0, 100, nil),
		agent("3", "also_broken", 0, 100, nil),
	)
	r := NewRegistry(store, time.Hour, zap.NewNop())

	n, err := r.DeactivateUnhealthy(context.Background(), fakeProber{failing: map[string]bool{
		"broken": true, "also_broken": true,
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, store.agents["1"].Active)
	assert.False(t, store.agents["2"].Active)
	assert.False(t, store.agents["3"].Active)
}
