package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/SirClappington/boostd/internal/domain"
)

const agentCols = `id, handle, credential_sealed, active, class, contributor_id,
daily_limit, daily_used, last_used_at, created_at, updated_at`

type InsertAgentParams struct {
	Handle           string
	CredentialSealed []byte
	Class            domain.AgentClass
	ContributorID    *string
	DailyLimit       int
}

func (s *Store) InsertAgent(ctx context.Context, p *InsertAgentParams) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into agents(
id, handle, credential_sealed, active, class, contributor_id, daily_limit, daily_used
) values ($1,$2,$3,true,$4,$5,$6,0)`,
		id, p.Handle, p.CredentialSealed, p.Class, p.ContributorID, p.DailyLimit)
	return id, err
}

// ListAvailableAgents returns active agents with budget left whose last use
// is older than cutoff, least-used first so load spreads across the pool.
func (s *Store) ListAvailableAgents(ctx context.Context, limit int, cutoff time.Time) ([]domain.Agent, error) {
	rows, err := s.db.Query(ctx, `select `+agentCols+` from agents
  where active and daily_used < daily_limit
    and (last_used_at is null or last_used_at < $1)
  order by daily_used asc, last_used_at asc nulls first
  limit $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectAgents(rows)
}

func (s *Store) CountAvailableAgents(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `select count(*) from agents
  where active and daily_used < daily_limit
    and (last_used_at is null or last_used_at < $1)`, cutoff).Scan(&n)
	return n, err
}

// ConsumeAgentAction spends one unit of the agent's daily budget and
// appends the audit row in the same transaction. The conditional update is
// the budget gate: two workers racing over the last unit cannot both win.
func (s *Store) ConsumeAgentAction(ctx context.Context, agentID string, orderID *string, actionType string) (bool, error) {
	consumed := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `update agents
    set daily_used = daily_used + 1, last_used_at = now(), updated_at = now()
  where id = $1 and active and daily_used < daily_limit`, agentID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		consumed = true
		_, err = tx.Exec(ctx, `insert into agent_actions(agent_id, order_id, action_type)
  values ($1,$2,$3)`, agentID, orderID, actionType)
		return err
	})
	return consumed, err
}

// ResetDailyCounters zeroes every agent's used counter. Idempotent.
func (s *Store) ResetDailyCounters(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `update agents set daily_used = 0, updated_at = now()
  where daily_used <> 0`)
	return err
}

func (s *Store) ListActiveAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.Query(ctx, `select `+agentCols+` from agents where active order by handle`)
	if err != nil {
		return nil, err
	}
	return collectAgents(rows)
}

func (s *Store) DeactivateAgent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `update agents set active = false, updated_at = now() where id = $1`, id)
	return err
}

func (s *Store) PoolStats(ctx context.Context, cutoff time.Time) (domain.PoolStats, error) {
	var st domain.PoolStats
	err := s.db.QueryRow(ctx, `select
  count(*),
  count(*) filter (where active),
  count(*) filter (where active and daily_used < daily_limit
                     and (last_used_at is null or last_used_at < $1)),
  coalesce(sum(daily_limit) filter (where active), 0),
  coalesce(sum(daily_used) filter (where active), 0)
from agents`, cutoff).Scan(&st.TotalAgents, &st.ActiveAgents, &st.AvailableNow,
		&st.DailyLimitSum, &st.DailyUsedSum)
	return st, err
}

func collectAgents(rows pgx.Rows) ([]domain.Agent, error) {
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.Handle, &a.CredentialSealed, &a.Active, &a.Class,
			&a.ContributorID, &a.DailyLimit, &a.DailyUsed, &a.LastUsedAt,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
