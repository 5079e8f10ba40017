package route

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/boostd/internal/domain"
	"github.com/SirClappington/boostd/internal/secrets"
)

const reconcileBatch = 200

// ReconcileStore is the order-side persistence the poller needs. It only
// ever touches external processing orders; internal orders belong to the
// scheduler.
type ReconcileStore interface {
	ListReconcilable(ctx context.Context, limit int) ([]domain.Order, error)
	ApplyRemoteProgress(ctx context.Context, id string, delivered int, status domain.Status, lastError *string) error
}

// Reconciler pulls provider status for in-flight external orders and folds
// it back onto the order rows.
type Reconciler struct {
	orders    ReconcileStore
	providers ProviderStore
	client    Client
	box       *secrets.Box
	log       *zap.Logger
}

func NewReconciler(orders ReconcileStore, providers ProviderStore, client Client, box *secrets.Box, log *zap.Logger) *Reconciler {
	return &Reconciler{orders: orders, providers: providers, client: client, box: box, log: log}
}

// Tick reconciles one batch. Per-order failures are logged and skipped so
// one unreachable provider cannot stall the rest of the batch.
func (r *Reconciler) Tick(ctx context.Context) error {
	orders, err := r.orders.ListReconcilable(ctx, reconcileBatch)
	if err != nil {
		return errors.Wrap(err, "list reconcilable orders")
	}
	for i := range orders {
		if err := r.reconcileOne(ctx, &orders[i]); err != nil {
			r.log.Warn("reconcile order", zap.String("order", orders[i].ID), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, o *domain.Order) error {
	if o.ProviderID == nil || o.ExternalOrderID == nil {
		return errors.New("order missing provider linkage")
	}
	p, err := r.providers.GetProvider(ctx, *o.ProviderID)
	if err != nil {
		return errors.Wrap(err, "load provider")
	}
	key, err := r.box.Open(p.APIKeySealed)
	if err != nil {
		return errors.Wrapf(err, "unseal %s api key", p.Name)
	}
	remote, err := r.client.Status(ctx, *p, string(key), *o.ExternalOrderID)
	if err != nil {
		return errors.Wrap(err, "provider status")
	}

	delivered, status, note := mapRemote(o, remote)
	return r.orders.ApplyRemoteProgress(ctx, o.ID, delivered, status, note)
}

// mapRemote translates the provider vocabulary onto the order state
// machine. Delivered is requested minus what the provider still owes,
// clamped at zero; the store clamps the upper bound.
func mapRemote(o *domain.Order, remote RemoteStatus) (int, domain.Status, *string) {
	delivered := o.Requested - remote.Remaining
	if delivered < 0 {
		delivered = 0
	}
	switch remote.Status {
	case "Completed":
		if delivered == o.Requested {
			return delivered, domain.StatusCompleted, nil
		}
		// Contradictory report: completion is delivered==requested AND
		// remote Completed, so a remainder is terminal like a Partial.
		note := "provider reported completed with undelivered remainder"
		return delivered, domain.StatusFailed, &note
	case "Partial":
		// Terminal at the provider: the remainder was refunded there.
		note := "provider delivered partially"
		return delivered, domain.StatusFailed, &note
	case "Canceled":
		note := "canceled by provider"
		return delivered, domain.StatusCanceled, &note
	case "Error":
		note := "provider reported error"
		return delivered, domain.StatusFailed, &note
	default:
		// "In progress", "Pending" and anything unknown: keep polling.
		return delivered, domain.StatusProcessing, nil
	}
}

// RunEvery drives Tick on the given cadence until ctx ends.
func (r *Reconciler) RunEvery(ctx context.Context, every time.Duration) error {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Error("reconcile tick", zap.Error(err))
			}
		}
	}
}
