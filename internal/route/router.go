// Package route decides the delivery path for an order and owns the
// external-provider protocol: submission, one-hop failover, status
// reconciliation.
package route

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/boostd/internal/domain"
	"github.com/SirClappington/boostd/internal/plan"
	"github.com/SirClappington/boostd/internal/secrets"
)

var ErrNoPath = errors.New("route: no fulfillment path enabled for this order")

// Policy is the routing configuration: which paths are on and which wins
// when both could serve.
type Policy struct {
	EnableInternal   bool
	EnableExternal   bool
	InternalPriority int
	ExternalPriority int
	FailoverEnabled  bool
}

type ProviderStore interface {
	ListActiveProviders(ctx context.Context) ([]domain.Provider, error)
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)
}

type OrderStore interface {
	SetExternalSubmission(ctx context.Context, id, providerID, externalID string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type Availability interface {
	AvailableCount(ctx context.Context) (int, error)
}

type Router struct {
	policy    Policy
	plan      plan.Policy
	pool      Availability
	providers ProviderStore
	orders    OrderStore
	client    Client
	box       *secrets.Box
	log       *zap.Logger
}

func NewRouter(policy Policy, planPolicy plan.Policy, pool Availability, providers ProviderStore, orders OrderStore, client Client, box *secrets.Box, log *zap.Logger) *Router {
	return &Router{
		policy:    policy,
		plan:      planPolicy,
		pool:      pool,
		providers: providers,
		orders:    orders,
		client:    client,
		box:       box,
		log:       log,
	}
}

// Route picks the delivery path for a prospective order. The capacity
// decision comes back too so the API can surface alternatives; a Reject
// decision carries no path.
func (r *Router) Route(ctx context.Context, service domain.ServiceType, quantity int) (domain.Path, plan.Decision, error) {
	available := 0
	if r.policy.EnableInternal && service.InternallyDeliverable() {
		n, err := r.pool.AvailableCount(ctx)
		if err != nil {
			return "", plan.Decision{}, errors.Wrap(err, "count available agents")
		}
		available = n
	}
	d := r.plan.Evaluate(service, quantity, available)
	if d.Kind == plan.Reject {
		return "", d, nil
	}

	internalOK := r.policy.EnableInternal && service.InternallyDeliverable()
	internalNow := internalOK && (d.Kind == plan.Full || d.Kind == plan.Partial)

	switch {
	case internalNow && (!r.policy.EnableExternal || r.policy.InternalPriority > r.policy.ExternalPriority):
		return domain.PathInternal, d, nil
	case r.policy.EnableExternal:
		return domain.PathExternal, d, nil
	case internalOK:
		// Internal only: even a queue-only order waits for pool capacity.
		return domain.PathInternal, d, nil
	}
	return "", d, ErrNoPath
}

// SubmitExternal sends the order to the primary provider, failing over to
// the rank-2 provider exactly once when the primary submission fails. A
// double failure marks the order failed with both provider errors kept.
func (r *Router) SubmitExternal(ctx context.Context, o *domain.Order) error {
	providers, err := r.providers.ListActiveProviders(ctx)
	if err != nil {
		return errors.Wrap(err, "list providers")
	}
	if len(providers) == 0 {
		reason := "no active external provider"
		if err := r.orders.MarkFailed(ctx, o.ID, reason); err != nil {
			return err
		}
		return errors.New(reason)
	}

	primary := providers[0]
	extID, primaryErr := r.submitTo(ctx, primary, o)
	if primaryErr == nil {
		return r.orders.SetExternalSubmission(ctx, o.ID, primary.ID, extID)
	}
	r.log.Warn("primary provider submission failed",
		zap.String("order", o.ID), zap.String("provider", primary.Name), zap.Error(primaryErr))

	backup := findRank(providers, 2)
	if !r.policy.FailoverEnabled || primary.Rank != 1 || backup == nil {
		reason := fmt.Sprintf("%s: %v", primary.Name, primaryErr)
		if err := r.orders.MarkFailed(ctx, o.ID, reason); err != nil {
			return err
		}
		return primaryErr
	}

	extID, backupErr := r.submitTo(ctx, *backup, o)
	if backupErr == nil {
		return r.orders.SetExternalSubmission(ctx, o.ID, backup.ID, extID)
	}
	reason := fmt.Sprintf("%s: %v; %s: %v", primary.Name, primaryErr, backup.Name, backupErr)
	if err := r.orders.MarkFailed(ctx, o.ID, reason); err != nil {
		return err
	}
	return errors.Errorf("external submission failed: %s", reason)
}

// CancelExternal asks the provider to stop an in-flight external order.
// The caller owns the local status transition.
func (r *Router) CancelExternal(ctx context.Context, o *domain.Order) error {
	p, key, err := r.providerFor(ctx, o)
	if err != nil {
		return err
	}
	return r.client.Cancel(ctx, *p, key, *o.ExternalOrderID)
}

// RefillExternal requests a provider-side refill of dropped units.
func (r *Router) RefillExternal(ctx context.Context, o *domain.Order) error {
	p, key, err := r.providerFor(ctx, o)
	if err != nil {
		return err
	}
	return r.client.Refill(ctx, *p, key, *o.ExternalOrderID)
}

func (r *Router) providerFor(ctx context.Context, o *domain.Order) (*domain.Provider, string, error) {
	if o.ProviderID == nil || o.ExternalOrderID == nil {
		return nil, "", errors.New("order has no provider submission")
	}
	p, err := r.providers.GetProvider(ctx, *o.ProviderID)
	if err != nil {
		return nil, "", errors.Wrap(err, "load provider")
	}
	key, err := r.box.Open(p.APIKeySealed)
	if err != nil {
		return nil, "", errors.Wrapf(err, "unseal %s api key", p.Name)
	}
	return p, string(key), nil
}

func (r *Router) submitTo(ctx context.Context, p domain.Provider, o *domain.Order) (string, error) {
	key, err := r.box.Open(p.APIKeySealed)
	if err != nil {
		return "", errors.Wrapf(err, "unseal %s api key", p.Name)
	}
	return r.client.Submit(ctx, p, string(key), o.ServiceType, o.TargetRef, o.Remaining())
}

func findRank(providers []domain.Provider, rank int) *domain.Provider {
	for i := range providers {
		if providers[i].Rank == rank {
			return &providers[i]
		}
	}
	return nil
}
