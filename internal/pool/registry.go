// Package pool tracks the automation agents and their daily budgets.
package pool

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/boostd/internal/domain"
)

// ErrBudgetExhausted is returned when an agent's daily budget raced away
// between selection and use.
var ErrBudgetExhausted = errors.New("pool: agent daily budget exhausted")

// Store is the slice of persistence the registry needs. The increments are
// conditional at the storage layer so concurrent workers cannot
// double-spend a budget.
type Store interface {
	ListAvailableAgents(ctx context.Context, limit int, cutoff time.Time) ([]domain.Agent, error)
	CountAvailableAgents(ctx context.Context, cutoff time.Time) (int, error)
	ConsumeAgentAction(ctx context.Context, agentID string, orderID *string, actionType string) (bool, error)
	ResetDailyCounters(ctx context.Context) error
	ListActiveAgents(ctx context.Context) ([]domain.Agent, error)
	DeactivateAgent(ctx context.Context, id string) error
	PoolStats(ctx context.Context, cutoff time.Time) (domain.PoolStats, error)
}

// HealthProber checks whether an agent can still act. Supplied by the
// execution capability.
type HealthProber interface {
	HealthCheck(ctx context.Context, agent domain.Agent) error
}

type Registry struct {
	store    Store
	log      *zap.Logger
	cooldown time.Duration
	now      func() time.Time
}

func NewRegistry(store Store, cooldown time.Duration, log *zap.Logger) *Registry {
	return &Registry{store: store, log: log, cooldown: cooldown, now: time.Now}
}

// ListAvailable returns up to n usable agents, coolest and least-used
// first. Fewer than n is not an error; callers work with what exists.
func (r *Registry) ListAvailable(ctx context.Context, n int) ([]domain.Agent, error) {
	return r.store.ListAvailableAgents(ctx, n, r.now().Add(-r.cooldown))
}

func (r *Registry) AvailableCount(ctx context.Context) (int, error) {
	return r.store.CountAvailableAgents(ctx, r.now().Add(-r.cooldown))
}

// RecordUsage spends one budget unit and appends the audit action.
func (r *Registry) RecordUsage(ctx context.Context, agentID string, orderID *string, actionType string) error {
	ok, err := r.store.ConsumeAgentAction(ctx, agentID, orderID, actionType)
	if err != nil {
		return errors.Wrap(err, "consume agent action")
	}
	if !ok {
		return ErrBudgetExhausted
	}
	return nil
}

// ResetDailyCounters zeroes the used counters; driven by a daily trigger.
func (r *Registry) ResetDailyCounters(ctx context.Context) error {
	return r.store.ResetDailyCounters(ctx)
}

// DeactivateUnhealthy probes every active agent and deactivates failures.
// Probe errors are logged and the sweep continues; one broken agent must
// not abort the pass.
func (r *Registry) DeactivateUnhealthy(ctx context.Context, probe HealthProber) (int, error) {
	agents, err := r.store.ListActiveAgents(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list active agents")
	}
	deactivated := 0
	for _, a := range agents {
		probeErr := probe.HealthCheck(ctx, a)
		if probeErr == nil {
			continue
		}
		r.log.Warn("agent failed health probe",
			zap.String("agent", a.Handle), zap.Error(probeErr))
		if err := r.store.DeactivateAgent(ctx, a.ID); err != nil {
			r.log.Error("deactivate agent", zap.String("agent", a.Handle), zap.Error(err))
			continue
		}
		deactivated++
	}
	return deactivated, nil
}

func (r *Registry) Stats(ctx context.Context) (domain.PoolStats, error) {
	return r.store.PoolStats(ctx, r.now().Add(-r.cooldown))
}
