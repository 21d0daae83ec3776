package actor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists actor profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const profileColumns = `id, kind, display_name, wallet_address, reputation_score,
	trust_tier, frozen, total_volume, total_count, successful_count,
	failed_count, dispute_count, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actor_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		p.ID, string(p.Kind), p.DisplayName, p.WalletAddress,
		p.ReputationScore, string(p.TrustTier), p.Frozen,
		p.TotalVolume, p.TotalCount, p.SuccessfulCount,
		p.FailedCount, p.DisputeCount, p.CreatedAt, p.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("actor: insert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Profile, error) {
	var (
		p          Profile
		kind, tier string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+` FROM actor_profiles WHERE id = $1
	`, id).Scan(
		&p.ID, &kind, &p.DisplayName, &p.WalletAddress,
		&p.ReputationScore, &tier, &p.Frozen,
		&p.TotalVolume, &p.TotalCount, &p.SuccessfulCount,
		&p.FailedCount, &p.DisputeCount, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("actor: get profile: %w", err)
	}
	p.Kind = Kind(kind)
	p.TrustTier = Tier(tier)
	return &p, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *Profile) error {
	p.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE actor_profiles SET
			display_name = $2, wallet_address = $3, reputation_score = $4,
			trust_tier = $5, frozen = $6, total_volume = $7, total_count = $8,
			successful_count = $9, failed_count = $10, dispute_count = $11,
			updated_at = $12
		WHERE id = $1
	`,
		p.ID, p.DisplayName, p.WalletAddress, p.ReputationScore,
		string(p.TrustTier), p.Frozen, p.TotalVolume, p.TotalCount,
		p.SuccessfulCount, p.FailedCount, p.DisputeCount, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("actor: update profile: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
