// Package coupon implements the coupon lifecycle: generation, verification,
// and exactly-once redemption of short-lived discount codes.
package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a coupon. Transitions only move forward:
// active to used, or active to expired.
type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

// Kind distinguishes plain coupons from digital cards for reporting purposes.
type Kind string

const (
	KindCoupon      Kind = "coupon"
	KindDigitalCard Kind = "digital_card"
)

var (
	// ErrUnauthorized is returned when the caller's role does not permit
	// the operation. Distinct from not-found so callers can branch on it.
	ErrUnauthorized = errors.New("operation not permitted for role")
	// ErrPartnerNotFound is returned when the referenced partner does not exist.
	ErrPartnerNotFound = errors.New("partner not found")
	// ErrCouponNotFound is returned when the referenced coupon does not exist.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrInvalidCode is returned when a presented code matches no active
	// coupon within the tolerance window.
	ErrInvalidCode = errors.New("invalid or expired code")
	// ErrAlreadyUsed is returned when the matched coupon was already consumed.
	ErrAlreadyUsed = errors.New("coupon already used")
	// ErrConflict is returned to the loser of a concurrent redemption race.
	ErrConflict = errors.New("concurrent redemption conflict")
)

// ValidationError indicates malformed or missing caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// Coupon is a redeemable discount instance tied to one consumer and one
// partner. The secret never leaves the record in raw form; consumers only
// ever see codes derived from it.
type Coupon struct {
	ID              string
	Reference       string
	Kind            Kind
	PartnerID       string
	OwnerID         string
	Secret          []byte
	Status          Status
	DiscountPercent decimal.Decimal
	OriginalAmount  *decimal.Decimal
	DiscountAmount  *decimal.Decimal
	FinalAmount     *decimal.Decimal
	CreatedAt       time.Time
	UsedAt          *time.Time
	ExpiresAt       *time.Time
}

// Partner supplies the base discount offered at a location. Read-only from
// this package's perspective.
type Partner struct {
	ID              string
	Name            string
	DiscountPercent decimal.Decimal
}

// ListFilter narrows and pages a consumer's coupon listing.
type ListFilter struct {
	Status Status
	Page   int
	Limit  int
}

// Pagination describes the page window returned by a listing.
type Pagination struct {
	Current      int
	Total        int
	Count        int
	TotalCoupons int
}

// Stats aggregates a consumer's redeemed savings, split by coupon kind.
type Stats struct {
	TotalSavings            decimal.Decimal
	CouponTransactions      int
	CouponSavings           decimal.Decimal
	DigitalCardTransactions int
	DigitalCardSavings      decimal.Decimal
}

// CouponPage is the result of listing a consumer's coupons.
type CouponPage struct {
	Coupons    []Coupon
	Pagination Pagination
	Stats      Stats
}

// Repository defines persistence for coupons. Implementations must provide
// consistent reads of the latest committed state, and MarkUsed must be a
// conditional update so at most one redemption succeeds per coupon.
type Repository interface {
	Create(ctx context.Context, c *Coupon) error
	// ListCandidatesByOwner returns a consumer's coupons that could still
	// match a presented code: active ones, plus ones used after usedSince.
	ListCandidatesByOwner(ctx context.Context, ownerID string, usedSince time.Time) ([]Coupon, error)
	// ListCandidatesByPartner is the partner-scoped candidate set.
	ListCandidatesByPartner(ctx context.Context, partnerID string, usedSince time.Time) ([]Coupon, error)
	// ListCandidates is the unscoped candidate set. Admin scope only.
	ListCandidates(ctx context.Context, usedSince time.Time) ([]Coupon, error)
	// ListByOwner returns one page of a consumer's coupons plus the total
	// count matching the filter.
	ListByOwner(ctx context.Context, ownerID string, filter ListFilter) ([]Coupon, int, error)
	// StatsByOwner aggregates a consumer's redeemed savings.
	StatsByOwner(ctx context.Context, ownerID string) (*Stats, error)
	// MarkUsed flips the coupon to used with the final amounts, but only if
	// it is still active. Returns ErrConflict when the status check fails.
	MarkUsed(ctx context.Context, c *Coupon) error
	// MarkExpired lazily flips a coupon past its expiry to expired.
	MarkExpired(ctx context.Context, id string) error
}

// PartnerRepository provides read access to partner records.
type PartnerRepository interface {
	GetByID(ctx context.Context, id string) (*Partner, error)
}
