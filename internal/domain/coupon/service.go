package coupon

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/code"
	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/identity"
)

// referencePrefix starts every human-readable coupon reference.
const referencePrefix = "PERK"

// scanConcurrency bounds the number of candidate secrets validated in
// parallel during a code lookup.
const scanConcurrency = 8

// maxPageSize caps the page size a caller may request when listing coupons.
const maxPageSize = 100

// GenerateRequest holds the input for generating a coupon.
type GenerateRequest struct {
	PartnerID string
	// Kind defaults to KindDigitalCard when empty.
	Kind Kind
	// OriginalAmount is the estimated transaction total. Nil produces a
	// percentage-only coupon with no amounts attached.
	OriginalAmount *decimal.Decimal
	// ValidFor optionally bounds the coupon's lifetime. Zero means no expiry.
	ValidFor time.Duration
}

// VerifyResult is the read-only outcome of checking a presented code.
type VerifyResult struct {
	Exists bool
	Coupon *Coupon
}

// Service orchestrates coupon generation, verification, and single-use
// redemption, enforcing role and ownership rules on every operation.
type Service struct {
	coupons  Repository
	partners PartnerRepository
	engine   *code.Engine

	now     func() time.Time
	randInt func(n int) int

	generated metric.Int64Counter
	redeemed  metric.Int64Counter
}

// NewService creates a coupon Service with the required dependencies.
func NewService(coupons Repository, partners PartnerRepository, engine *code.Engine) *Service {
	meter := otel.Meter("perkup/coupon")

	generated, err := meter.Int64Counter("coupon.generated",
		metric.WithDescription("Coupons generated"))
	if err != nil {
		otel.Handle(err)
	}
	redeemed, err := meter.Int64Counter("coupon.redeemed",
		metric.WithDescription("Coupons redeemed"))
	if err != nil {
		otel.Handle(err)
	}

	return &Service{
		coupons:   coupons,
		partners:  partners,
		engine:    engine,
		now:       time.Now,
		randInt:   rand.IntN,
		generated: generated,
		redeemed:  redeemed,
	}
}

// Generate creates a coupon for the calling consumer against the given
// partner. The partner's listed discount is capped by the caller's
// subscription tier before being recorded.
func (s *Service) Generate(ctx context.Context, caller identity.Identity, req GenerateRequest) (*Coupon, error) {
	ctx, span := otel.Tracer("perkup/coupon").Start(ctx, "coupon.Generate")
	defer span.End()

	switch caller.Role {
	case identity.RoleClient:
	case identity.RoleVendor, identity.RoleAdmin:
		return nil, ErrUnauthorized
	default:
		return nil, ErrUnauthorized
	}

	if req.PartnerID == "" {
		return nil, &ValidationError{Field: "partnerId", Reason: "required"}
	}

	partner, err := s.partners.GetByID(ctx, req.PartnerID)
	if err != nil {
		return nil, err
	}

	percent := CapDiscount(partner.DiscountPercent, caller.Tier)

	secret, err := code.NewSecret()
	if err != nil {
		return nil, errors.Wrap(err, "generate secret")
	}

	kind := req.Kind
	switch kind {
	case KindCoupon, KindDigitalCard:
	case "":
		kind = KindDigitalCard
	default:
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", req.Kind)}
	}

	now := s.now()
	c := &Coupon{
		ID:              uuid.New().String(),
		Reference:       s.newReference(now),
		Kind:            kind,
		PartnerID:       partner.ID,
		OwnerID:         caller.UserID,
		Secret:          secret,
		Status:          StatusActive,
		DiscountPercent: percent,
		CreatedAt:       now,
	}
	if req.ValidFor > 0 {
		expires := now.Add(req.ValidFor)
		c.ExpiresAt = &expires
	}
	if req.OriginalAmount != nil {
		amounts, err := ComputeAmounts(*req.OriginalAmount, percent)
		if err != nil {
			return nil, err
		}
		c.OriginalAmount = &amounts.Original
		c.DiscountAmount = &amounts.Discount
		c.FinalAmount = &amounts.Final
	}

	if err := s.coupons.Create(ctx, c); err != nil {
		return nil, errors.Wrap(err, "create coupon")
	}
	s.generated.Add(ctx, 1)

	return c, nil
}

// Verify checks whether a presented code belongs to a coupon within the
// caller's scope. It never mutates coupon state beyond lazily expiring
// candidates whose deadline has passed.
func (s *Service) Verify(ctx context.Context, caller identity.Identity, presented string) (*VerifyResult, error) {
	ctx, span := otel.Tracer("perkup/coupon").Start(ctx, "coupon.Verify")
	defer span.End()

	candidates, err := s.candidatesFor(ctx, caller)
	if err != nil {
		return nil, err
	}

	match, err := s.matchCode(ctx, candidates, presented)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return &VerifyResult{Exists: false}, nil
	}

	return &VerifyResult{Exists: true, Coupon: match}, nil
}

// Use redeems a coupon by its presented code. Exactly one Use succeeds per
// coupon: the status flip is a conditional update at the repository, and the
// loser of a race receives ErrConflict.
func (s *Service) Use(ctx context.Context, caller identity.Identity, presented string, actualAmount decimal.Decimal) (*Coupon, error) {
	ctx, span := otel.Tracer("perkup/coupon").Start(ctx, "coupon.Use")
	defer span.End()

	switch caller.Role {
	case identity.RoleVendor:
	case identity.RoleClient, identity.RoleAdmin:
		return nil, ErrUnauthorized
	default:
		return nil, ErrUnauthorized
	}
	if caller.PartnerID == "" {
		return nil, &ValidationError{Field: "partnerId", Reason: "vendor identity has no partner"}
	}
	if actualAmount.IsNegative() {
		return nil, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	candidates, err := s.coupons.ListCandidatesByPartner(ctx, caller.PartnerID, s.usedSince())
	if err != nil {
		return nil, errors.Wrap(err, "list candidates")
	}

	match, err := s.matchCode(ctx, candidates, presented)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, ErrInvalidCode
	}
	if match.Status != StatusActive {
		return nil, ErrAlreadyUsed
	}

	// Recompute amounts against the real transaction total, which may
	// differ from the estimate recorded at generation time.
	amounts, err := ComputeAmounts(actualAmount, match.DiscountPercent)
	if err != nil {
		return nil, err
	}

	usedAt := s.now()
	match.OriginalAmount = &amounts.Original
	match.DiscountAmount = &amounts.Discount
	match.FinalAmount = &amounts.Final
	match.Status = StatusUsed
	match.UsedAt = &usedAt

	if err := s.coupons.MarkUsed(ctx, match); err != nil {
		return nil, err
	}
	s.redeemed.Add(ctx, 1)

	return match, nil
}

// ListMine returns one page of the calling consumer's own coupons plus
// aggregate savings stats. Ownership is forced to the caller regardless of
// filter values.
func (s *Service) ListMine(ctx context.Context, caller identity.Identity, filter ListFilter) (*CouponPage, error) {
	ctx, span := otel.Tracer("perkup/coupon").Start(ctx, "coupon.ListMine")
	defer span.End()

	switch caller.Role {
	case identity.RoleClient:
	case identity.RoleVendor, identity.RoleAdmin:
		return nil, ErrUnauthorized
	default:
		return nil, ErrUnauthorized
	}

	switch filter.Status {
	case "", StatusActive, StatusUsed, StatusExpired:
	default:
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 20
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	coupons, total, err := s.coupons.ListByOwner(ctx, caller.UserID, filter)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}

	stats, err := s.coupons.StatsByOwner(ctx, caller.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate stats")
	}

	pages := total / filter.Limit
	if total%filter.Limit != 0 {
		pages++
	}

	return &CouponPage{
		Coupons: coupons,
		Pagination: Pagination{
			Current:      filter.Page,
			Total:        pages,
			Count:        len(coupons),
			TotalCoupons: total,
		},
		Stats: *stats,
	}, nil
}

// candidatesFor returns the coupons whose secrets may be checked by the
// caller: vendors see their partner's coupons, consumers their own, and
// admins everything still in the code window.
func (s *Service) candidatesFor(ctx context.Context, caller identity.Identity) ([]Coupon, error) {
	since := s.usedSince()

	switch caller.Role {
	case identity.RoleClient:
		return s.coupons.ListCandidatesByOwner(ctx, caller.UserID, since)
	case identity.RoleVendor:
		if caller.PartnerID == "" {
			return nil, &ValidationError{Field: "partnerId", Reason: "vendor identity has no partner"}
		}
		return s.coupons.ListCandidatesByPartner(ctx, caller.PartnerID, since)
	case identity.RoleAdmin:
		return s.coupons.ListCandidates(ctx, since)
	default:
		return nil, ErrUnauthorized
	}
}

// matchCode validates the presented code against each candidate's secret
// concurrently and returns the matching coupon, or nil when none match.
// Candidates past their expiry are lazily flipped to expired and skipped.
func (s *Service) matchCode(ctx context.Context, candidates []Coupon, presented string) (*Coupon, error) {
	now := s.now()

	live := candidates[:0]
	for i := range candidates {
		c := candidates[i]
		if c.Status == StatusActive && c.ExpiresAt != nil && c.ExpiresAt.Before(now) {
			if err := s.coupons.MarkExpired(ctx, c.ID); err != nil {
				zctx.From(ctx).Warn("expire coupon",
					zap.String("coupon_id", c.ID), zap.Error(err))
			}
			continue
		}
		live = append(live, c)
	}

	matched := make([]bool, len(live))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)

	for i := range live {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := s.engine.Validate(presented, live[i].Secret, now)
			if err != nil {
				return errors.Wrapf(err, "coupon %s", live[i].ID)
			}
			matched[i] = res.Valid
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range live {
		if matched[i] {
			return &live[i], nil
		}
	}
	return nil, nil
}

// usedSince bounds the candidate scan: coupons consumed before this instant
// cannot match a still-valid code, so they are excluded from lookups.
func (s *Service) usedSince() time.Time {
	cfg := s.engine.Config()
	return s.now().Add(-time.Duration(cfg.Tolerance+1) * cfg.Window)
}

// newReference builds the stable human-readable coupon reference: the PERK
// prefix, the last six digits of the epoch milliseconds, and four random
// digits. Distinct from the time-based code and fixed for the coupon's life.
func (s *Service) newReference(now time.Time) string {
	return fmt.Sprintf("%s%06d%04d", referencePrefix, now.UnixMilli()%1_000_000, s.randInt(10_000))
}
