package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/boostd/internal/domain"
)

var ErrNotFound = errors.New("storage: not found")

const orderCols = `id, service_type, requested, delivered, unit_price, target_ref,
status, priority, attempts, path, provider_id, external_order_id, retry_of,
last_error, scheduled_for, created_at, started_at, completed_at, updated_at`

type InsertOrderParams struct {
	ServiceType domain.ServiceType
	Requested   int
	UnitPrice   float64
	TargetRef   string
	Priority    int
	Path        domain.Path
	RetryOf     *string
}

// InsertOrder persists order metadata (source of truth).
func (s *Store) InsertOrder(ctx context.Context, p *InsertOrderParams) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into orders(
id, service_type, requested, delivered, unit_price, target_ref,
status, priority, path, retry_of
) values ($1,$2,$3,0,$4,$5,'pending',$6,$7,$8)`,
		id, p.ServiceType, p.Requested, p.UnitPrice, p.TargetRef, p.Priority, p.Path, p.RetryOf,
	)
	return id, err
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRow(ctx, `select `+orderCols+` from orders where id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// MarkProcessing claims a due pending order. The CAS on status makes
// duplicate queue entries harmless (only one claim succeeds), and the
// scheduled_for predicate keeps a stale duplicate from pulling an order
// forward out of its backoff window. Attempts is counted on the row so a
// duplicate entry cannot reset retry state either.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `update orders
    set status = 'processing',
        attempts = attempts + 1,
        started_at = coalesce(started_at, now()),
        scheduled_for = null,
        updated_at = now()
  where id = $1 and status = 'pending'
    and (scheduled_for is null or scheduled_for <= now())`, id)
	return tag.RowsAffected() == 1, err
}

func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `update orders
    set status = 'completed', completed_at = now(), updated_at = now()
  where id = $1 and status = 'processing'`, id)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.Exec(ctx, `update orders
    set status = 'failed', last_error = $2, updated_at = now()
  where id = $1 and status in ('pending','processing')`, id, reason)
	return err
}

// RequeueOrder returns a processing order to pending with its next eligible
// execution time; the retry re-enqueue path, never a direct status rewrite.
func (s *Store) RequeueOrder(ctx context.Context, id string, at time.Time, reason string) error {
	_, err := s.db.Exec(ctx, `update orders
    set status = 'pending', scheduled_for = $2, last_error = $3, updated_at = now()
  where id = $1 and status = 'processing'`, id, at, reason)
	return err
}

// IncrementDelivered adds one delivered unit, refusing to pass requested.
func (s *Store) IncrementDelivered(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `update orders
    set delivered = delivered + 1, updated_at = now()
  where id = $1 and delivered < requested`, id)
	return tag.RowsAffected() == 1, err
}

func (s *Store) CancelOrders(ctx context.Context, ids []string) (int, error) {
	tag, err := s.db.Exec(ctx, `update orders
    set status = 'canceled', updated_at = now()
  where id = any($1) and status in ('pending','processing')`, ids)
	return int(tag.RowsAffected()), err
}

// ListPendingInternal returns due internal orders oldest first, used to
// re-seed the queue after a restart.
func (s *Store) ListPendingInternal(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := s.db.Query(ctx, `select `+orderCols+` from orders
  where status = 'pending' and path = 'internal'
    and (scheduled_for is null or scheduled_for <= now())
  order by created_at asc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListReconcilable returns external orders awaiting provider status.
func (s *Store) ListReconcilable(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := s.db.Query(ctx, `select `+orderCols+` from orders
  where status = 'processing' and path = 'external' and external_order_id is not null
  order by updated_at asc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *Store) SetExternalSubmission(ctx context.Context, id, providerID, externalID string) error {
	_, err := s.db.Exec(ctx, `update orders
    set status = 'processing', provider_id = $2, external_order_id = $3,
        started_at = coalesce(started_at, now()), updated_at = now()
  where id = $1 and status = 'pending'`, id, providerID, externalID)
	return err
}

// ApplyRemoteProgress reconciles provider-reported progress onto an
// external order. Delivered is clamped into [delivered, requested] so a
// confused provider can never shrink or overflow recorded progress.
func (s *Store) ApplyRemoteProgress(ctx context.Context, id string, delivered int, status domain.Status, lastError *string) error {
	completed := status == domain.StatusCompleted
	_, err := s.db.Exec(ctx, `update orders
    set delivered = least(requested, greatest(delivered, $2)),
        status = $3,
        last_error = coalesce($4, last_error),
        completed_at = case when $5 then now() else completed_at end,
        updated_at = now()
  where id = $1 and path = 'external' and status = 'processing'`,
		id, delivered, status, lastError, completed)
	return err
}

func (s *Store) CountProcessing(ctx context.Context, path domain.Path) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`select count(*) from orders where status = 'processing' and path = $1`, path).Scan(&n)
	return n, err
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.ServiceType, &o.Requested, &o.Delivered, &o.UnitPrice,
		&o.TargetRef, &o.Status, &o.Priority, &o.Attempts, &o.Path, &o.ProviderID,
		&o.ExternalOrderID, &o.RetryOf, &o.LastError, &o.ScheduledFor, &o.CreatedAt,
		&o.StartedAt, &o.CompletedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
