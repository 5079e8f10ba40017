package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/boostd/internal/domain"
)

const providerCols = `id, name, base_url, api_key_sealed, active, priority_rank, created_at`

type InsertProviderParams struct {
	Name         string
	BaseURL      string
	APIKeySealed []byte
	Rank         int
}

func (s *Store) InsertProvider(ctx context.Context, p *InsertProviderParams) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into providers(id, name, base_url, api_key_sealed, active, priority_rank)
  values ($1,$2,$3,$4,true,$5)`, id, p.Name, p.BaseURL, p.APIKeySealed, p.Rank)
	return id, err
}

// ListActiveProviders returns active providers primary first.
func (s *Store) ListActiveProviders(ctx context.Context) ([]domain.Provider, error) {
	rows, err := s.db.Query(ctx, `select `+providerCols+` from providers
  where active order by priority_rank asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Provider
	for rows.Next() {
		var p domain.Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKeySealed, &p.Active,
			&p.Rank, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	var p domain.Provider
	err := s.db.QueryRow(ctx, `select `+providerCols+` from providers where id = $1`, id).
		Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKeySealed, &p.Active, &p.Rank, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
