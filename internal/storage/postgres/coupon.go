package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/code"
	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/coupon"
)

var _ coupon.Repository = (*CouponRepository)(nil)

// couponColumns is the column list every coupon query selects, in the order
// scanCoupon expects.
const couponColumns = `id, reference, kind, partner_id, owner_id, secret, status,
	discount_percent, original_amount, discount_amount, final_amount,
	created_at, used_at, expires_at`

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// Create persists a new coupon. The secret is stored hex-encoded.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	const q = `
		INSERT INTO coupons (id, reference, kind, partner_id, owner_id, secret, status,
			discount_percent, original_amount, discount_amount, final_amount,
			created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.pool.Exec(ctx, q,
		c.ID, c.Reference, string(c.Kind), c.PartnerID, c.OwnerID,
		code.EncodeSecret(c.Secret), string(c.Status), c.DiscountPercent,
		nullDecimal(c.OriginalAmount), nullDecimal(c.DiscountAmount), nullDecimal(c.FinalAmount),
		c.CreatedAt, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating coupon %q: %w", c.ID, err)
	}
	return nil
}

// ListCandidatesByOwner returns a consumer's coupons that could still match
// a presented code.
func (r *CouponRepository) ListCandidatesByOwner(ctx context.Context, ownerID string, usedSince time.Time) ([]coupon.Coupon, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM coupons
		WHERE owner_id = $1
		  AND (status = 'active' OR (status = 'used' AND used_at >= $2))`, couponColumns)

	return r.queryCoupons(ctx, q, ownerID, usedSince)
}

// ListCandidatesByPartner is the partner-scoped candidate set.
func (r *CouponRepository) ListCandidatesByPartner(ctx context.Context, partnerID string, usedSince time.Time) ([]coupon.Coupon, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM coupons
		WHERE partner_id = $1
		  AND (status = 'active' OR (status = 'used' AND used_at >= $2))`, couponColumns)

	return r.queryCoupons(ctx, q, partnerID, usedSince)
}

// ListCandidates is the unscoped candidate set used by admin callers.
func (r *CouponRepository) ListCandidates(ctx context.Context, usedSince time.Time) ([]coupon.Coupon, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM coupons
		WHERE status = 'active' OR (status = 'used' AND used_at >= $1)`, couponColumns)

	return r.queryCoupons(ctx, q, usedSince)
}

// ListByOwner returns one page of a consumer's coupons, newest first, plus
// the total count matching the filter.
func (r *CouponRepository) ListByOwner(ctx context.Context, ownerID string, filter coupon.ListFilter) ([]coupon.Coupon, int, error) {
	const countQ = `
		SELECT count(*) FROM coupons
		WHERE owner_id = $1 AND ($2 = '' OR status = $2)`

	var total int
	if err := r.pool.QueryRow(ctx, countQ, ownerID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting coupons for owner %q: %w", ownerID, err)
	}

	q := fmt.Sprintf(`
		SELECT %s FROM coupons
		WHERE owner_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, couponColumns)

	offset := (filter.Page - 1) * filter.Limit
	coupons, err := r.queryCoupons(ctx, q, ownerID, string(filter.Status), filter.Limit, offset)
	if err != nil {
		return nil, 0, err
	}

	return coupons, total, nil
}

// StatsByOwner aggregates a consumer's redeemed savings, split by kind.
func (r *CouponRepository) StatsByOwner(ctx context.Context, ownerID string) (*coupon.Stats, error) {
	const q = `
		SELECT
			COALESCE(sum(discount_amount), 0),
			count(*) FILTER (WHERE kind = 'coupon'),
			COALESCE(sum(discount_amount) FILTER (WHERE kind = 'coupon'), 0),
			count(*) FILTER (WHERE kind = 'digital_card'),
			COALESCE(sum(discount_amount) FILTER (WHERE kind = 'digital_card'), 0)
		FROM coupons
		WHERE owner_id = $1 AND status = 'used'`

	var s coupon.Stats
	err := r.pool.QueryRow(ctx, q, ownerID).Scan(
		&s.TotalSavings,
		&s.CouponTransactions, &s.CouponSavings,
		&s.DigitalCardTransactions, &s.DigitalCardSavings,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregating stats for owner %q: %w", ownerID, err)
	}

	return &s, nil
}

// MarkUsed flips a coupon to used with its final amounts, conditional on it
// still being active. The WHERE clause is the compare-and-swap that makes
// redemption exactly-once: the losing side of a race affects zero rows and
// is told why.
func (r *CouponRepository) MarkUsed(ctx context.Context, c *coupon.Coupon) error {
	const q = `
		UPDATE coupons
		SET status = 'used', used_at = $2,
			original_amount = $3, discount_amount = $4, final_amount = $5
		WHERE id = $1 AND status = 'active'`

	tag, err := r.pool.Exec(ctx, q, c.ID, c.UsedAt,
		nullDecimal(c.OriginalAmount), nullDecimal(c.DiscountAmount), nullDecimal(c.FinalAmount))
	if err != nil {
		return fmt.Errorf("marking coupon %q used: %w", c.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// CAS lost: report what actually happened.
	var status string
	err = r.pool.QueryRow(ctx, `SELECT status FROM coupons WHERE id = $1`, c.ID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return coupon.ErrCouponNotFound
	case err != nil:
		return fmt.Errorf("checking coupon %q status: %w", c.ID, err)
	case coupon.Status(status) == coupon.StatusUsed:
		return coupon.ErrAlreadyUsed
	default:
		return coupon.ErrConflict
	}
}

// MarkExpired flips an active coupon past its deadline to expired.
func (r *CouponRepository) MarkExpired(ctx context.Context, id string) error {
	const q = `UPDATE coupons SET status = 'expired' WHERE id = $1 AND status = 'active'`

	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("marking coupon %q expired: %w", id, err)
	}
	return nil
}

func (r *CouponRepository) queryCoupons(ctx context.Context, q string, args ...any) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying coupons: %w", err)
	}
	defer rows.Close()

	var out []coupon.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading coupon rows: %w", err)
	}

	return out, nil
}

func scanCoupon(row pgx.Row) (*coupon.Coupon, error) {
	var (
		c                         coupon.Coupon
		kind, status, secret      string
		original, discount, final decimal.NullDecimal
	)
	err := row.Scan(
		&c.ID, &c.Reference, &kind, &c.PartnerID, &c.OwnerID, &secret, &status,
		&c.DiscountPercent, &original, &discount, &final,
		&c.CreatedAt, &c.UsedAt, &c.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning coupon row: %w", err)
	}

	c.Kind = coupon.Kind(kind)
	c.Status = coupon.Status(status)
	c.OriginalAmount = fromNullDecimal(original)
	c.DiscountAmount = fromNullDecimal(discount)
	c.FinalAmount = fromNullDecimal(final)

	c.Secret, err = code.DecodeSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("coupon %q: %w", c.ID, err)
	}

	return &c, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}
