package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/coupon"
)

var _ coupon.PartnerRepository = (*PartnerRepository)(nil)

// PartnerRepository implements coupon.PartnerRepository backed by PostgreSQL.
type PartnerRepository struct {
	pool *pgxpool.Pool
}

// NewPartnerRepository returns a PartnerRepository that uses the given pool.
func NewPartnerRepository(pool *pgxpool.Pool) *PartnerRepository {
	return &PartnerRepository{pool: pool}
}

// GetByID looks up a partner by id.
// Returns coupon.ErrPartnerNotFound when no such partner exists.
func (r *PartnerRepository) GetByID(ctx context.Context, id string) (*coupon.Partner, error) {
	const q = `SELECT id, name, discount_percent FROM partners WHERE id = $1`

	var p coupon.Partner
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Name, &p.DiscountPercent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrPartnerNotFound
		}
		return nil, fmt.Errorf("finding partner %q: %w", id, err)
	}

	return &p, nil
}

// Upsert inserts or updates a partner row. Used by the seed tool.
func (r *PartnerRepository) Upsert(ctx context.Context, p *coupon.Partner) error {
	const q = `
		INSERT INTO partners (id, name, discount_percent)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, discount_percent = EXCLUDED.discount_percent`

	if _, err := r.pool.Exec(ctx, q, p.ID, p.Name, p.DiscountPercent); err != nil {
		return fmt.Errorf("upserting partner %q: %w", p.ID, err)
	}
	return nil
}
