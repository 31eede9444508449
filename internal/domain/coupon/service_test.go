package coupon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/code"
	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/identity"
)

// --- Mock implementations ---

type mockCouponRepo struct {
	mu      sync.Mutex
	coupons map[string]*Coupon

	createErr error
	listErr   error
	stats     *Stats
	expired   []string
}

func newMockCouponRepo(coupons ...*Coupon) *mockCouponRepo {
	byID := make(map[string]*Coupon, len(coupons))
	for _, c := range coupons {
		byID[c.ID] = c
	}
	return &mockCouponRepo{coupons: byID}
}

func (m *mockCouponRepo) Create(_ context.Context, c *Coupon) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.coupons[c.ID] = &cp
	return nil
}

func (m *mockCouponRepo) candidates(match func(*Coupon) bool, usedSince time.Time) []Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Coupon
	for _, c := range m.coupons {
		if !match(c) {
			continue
		}
		switch c.Status {
		case StatusActive:
			out = append(out, *c)
		case StatusUsed:
			if c.UsedAt != nil && !c.UsedAt.Before(usedSince) {
				out = append(out, *c)
			}
		case StatusExpired:
		}
	}
	return out
}

func (m *mockCouponRepo) ListCandidatesByOwner(_ context.Context, ownerID string, usedSince time.Time) ([]Coupon, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.candidates(func(c *Coupon) bool { return c.OwnerID == ownerID }, usedSince), nil
}

func (m *mockCouponRepo) ListCandidatesByPartner(_ context.Context, partnerID string, usedSince time.Time) ([]Coupon, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.candidates(func(c *Coupon) bool { return c.PartnerID == partnerID }, usedSince), nil
}

func (m *mockCouponRepo) ListCandidates(_ context.Context, usedSince time.Time) ([]Coupon, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.candidates(func(*Coupon) bool { return true }, usedSince), nil
}

func (m *mockCouponRepo) ListByOwner(_ context.Context, ownerID string, filter ListFilter) ([]Coupon, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Coupon
	for _, c := range m.coupons {
		if c.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		all = append(all, *c)
	}
	total := len(all)
	start := (filter.Page - 1) * filter.Limit
	if start >= total {
		return nil, total, nil
	}
	end := min(start+filter.Limit, total)
	return all[start:end], total, nil
}

func (m *mockCouponRepo) StatsByOwner(_ context.Context, _ string) (*Stats, error) {
	if m.stats != nil {
		return m.stats, nil
	}
	return &Stats{}, nil
}

func (m *mockCouponRepo) MarkUsed(_ context.Context, c *Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.coupons[c.ID]
	if !ok {
		return ErrCouponNotFound
	}
	switch cur.Status {
	case StatusUsed:
		return ErrAlreadyUsed
	case StatusExpired:
		return ErrConflict
	case StatusActive:
	}
	cp := *c
	m.coupons[c.ID] = &cp
	return nil
}

func (m *mockCouponRepo) MarkExpired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.coupons[id]; ok {
		c.Status = StatusExpired
	}
	m.expired = append(m.expired, id)
	return nil
}

type mockPartnerRepo struct {
	partners map[string]*Partner
	err      error
}

func (m *mockPartnerRepo) GetByID(_ context.Context, id string) (*Partner, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.partners[id]
	if !ok {
		return nil, ErrPartnerNotFound
	}
	return p, nil
}

// --- Helpers ---

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService(coupons *mockCouponRepo, partners *mockPartnerRepo) *Service {
	svc := NewService(coupons, partners, code.NewEngine(code.DefaultConfig()))
	svc.now = func() time.Time { return testNow }
	svc.randInt = func(int) int { return 1234 }
	return svc
}

func newTestPartner(id, discount string) *Partner {
	return &Partner{
		ID:              id,
		Name:            "Cafe " + id,
		DiscountPercent: decimal.RequireFromString(discount),
	}
}

func newActiveCoupon(t *testing.T, id, partnerID, ownerID, percent string) *Coupon {
	t.Helper()
	secret, err := code.NewSecret()
	require.NoError(t, err)
	return &Coupon{
		ID:              id,
		Reference:       "PERK0000001234",
		Kind:            KindDigitalCard,
		PartnerID:       partnerID,
		OwnerID:         ownerID,
		Secret:          secret,
		Status:          StatusActive,
		DiscountPercent: decimal.RequireFromString(percent),
		CreatedAt:       testNow.Add(-time.Minute),
	}
}

func currentCode(t *testing.T, svc *Service, c *Coupon) string {
	t.Helper()
	presented, err := svc.engine.Derive(c.Secret, svc.engine.CurrentBucket(testNow))
	require.NoError(t, err)
	return presented
}

func amountPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// --- Generate ---

func TestGenerate_RoleEnforcement(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{})

	for _, role := range []identity.Role{identity.RoleVendor, identity.RoleAdmin, identity.Role("ghost")} {
		_, err := svc.Generate(context.Background(), identity.Identity{UserID: "u1", Role: role},
			GenerateRequest{PartnerID: "p1"})
		require.ErrorIs(t, err, ErrUnauthorized, "role %s", role)
	}
}

func TestGenerate_PartnerNotFound(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{partners: map[string]*Partner{}})

	_, err := svc.Generate(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient, Tier: identity.TierBasic},
		GenerateRequest{PartnerID: "nope"})
	require.ErrorIs(t, err, ErrPartnerNotFound)
}

func TestGenerate_MissingPartnerID(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{})

	_, err := svc.Generate(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient},
		GenerateRequest{})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "partnerId", vErr.Field)
}

func TestGenerate_CapsDiscountAndComputesAmounts(t *testing.T) {
	// 15% partner discount, super tier caps it at 10%, 50.00 estimate.
	repo := newMockCouponRepo()
	svc := newTestService(repo, &mockPartnerRepo{
		partners: map[string]*Partner{"p1": newTestPartner("p1", "15")},
	})

	c, err := svc.Generate(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient, Tier: identity.TierSuper},
		GenerateRequest{PartnerID: "p1", OriginalAmount: amountPtr("50.00")})
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("10").Equal(c.DiscountPercent))
	assert.True(t, decimal.RequireFromString("5.00").Equal(*c.DiscountAmount))
	assert.True(t, decimal.RequireFromString("45.00").Equal(*c.FinalAmount))
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, "u1", c.OwnerID)
	assert.Equal(t, "p1", c.PartnerID)
	assert.Len(t, c.Secret, code.SecretSize)
	assert.NotEmpty(t, repo.coupons[c.ID])
}

func TestGenerate_PercentageOnly(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{
		partners: map[string]*Partner{"p1": newTestPartner("p1", "20")},
	})

	c, err := svc.Generate(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient, Tier: identity.TierPremium},
		GenerateRequest{PartnerID: "p1"})
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("20").Equal(c.DiscountPercent))
	assert.Nil(t, c.OriginalAmount)
	assert.Nil(t, c.DiscountAmount)
	assert.Nil(t, c.FinalAmount)
}

func TestGenerate_ReferenceFormat(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{
		partners: map[string]*Partner{"p1": newTestPartner("p1", "10")},
	})

	c, err := svc.Generate(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient, Tier: identity.TierBasic},
		GenerateRequest{PartnerID: "p1", Kind: KindCoupon})
	require.NoError(t, err)

	wantSuffix := testNow.UnixMilli() % 1_000_000
	assert.Regexp(t, `^PERK\d{10}$`, c.Reference)
	assert.Contains(t, c.Reference, "PERK")
	assert.Equal(t, "PERK", c.Reference[:4])
	assert.Equal(t, int64(0), wantSuffix%1000) // fixed clock has zeroed millis
	assert.Equal(t, "1234", c.Reference[len(c.Reference)-4:])
	assert.Equal(t, KindCoupon, c.Kind)
}

func TestGenerate_UnknownKind(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{
		partners: map[string]*Partner{"p1": newTestPartner("p1", "10")},
	})

	_, err := svc.Generate(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient},
		GenerateRequest{PartnerID: "p1", Kind: Kind("voucher")})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "kind", vErr.Field)
}

// --- Verify ---

func TestVerify_MatchesOwnCoupon(t *testing.T) {
	c := newActiveCoupon(t, "c1", "p1", "u1", "10")
	svc := newTestService(newMockCouponRepo(c), &mockPartnerRepo{})

	res, err := svc.Verify(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient},
		currentCode(t, svc, c))
	require.NoError(t, err)

	assert.True(t, res.Exists)
	require.NotNil(t, res.Coupon)
	assert.Equal(t, "c1", res.Coupon.ID)
	// Verify is read-only.
	assert.Equal(t, StatusActive, res.Coupon.Status)
}

func TestVerify_WrongCode(t *testing.T) {
	c := newActiveCoupon(t, "c1", "p1", "u1", "10")
	svc := newTestService(newMockCouponRepo(c), &mockPartnerRepo{})

	res, err := svc.Verify(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient}, "00000000")
	require.NoError(t, err)
	assert.False(t, res.Exists)
	assert.Nil(t, res.Coupon)
}

func TestVerify_ScopedToCaller(t *testing.T) {
	// u2's coupon is out of u1's candidate set even with a valid code.
	c := newActiveCoupon(t, "c1", "p1", "u2", "10")
	svc := newTestService(newMockCouponRepo(c), &mockPartnerRepo{})
	presented := currentCode(t, svc, c)

	res, err := svc.Verify(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient}, presented)
	require.NoError(t, err)
	assert.False(t, res.Exists)

	// The owning partner's vendor does see it.
	res, err = svc.Verify(context.Background(),
		identity.Identity{UserID: "v1", Role: identity.RoleVendor, PartnerID: "p1"}, presented)
	require.NoError(t, err)
	assert.True(t, res.Exists)
}

func TestVerify_VendorWithoutPartner(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{})

	_, err := svc.Verify(context.Background(),
		identity.Identity{UserID: "v1", Role: identity.RoleVendor}, "12345678")

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestVerify_LazyExpiry(t *testing.T) {
	c := newActiveCoupon(t, "c1", "p1", "u1", "10")
	expired := testNow.Add(-time.Hour)
	c.ExpiresAt = &expired

	repo := newMockCouponRepo(c)
	svc := newTestService(repo, &mockPartnerRepo{})

	res, err := svc.Verify(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient},
		currentCode(t, svc, c))
	require.NoError(t, err)

	assert.False(t, res.Exists)
	assert.Contains(t, repo.expired, "c1")
	assert.Equal(t, StatusExpired, repo.coupons["c1"].Status)
}

// --- Use ---

func TestUse_Success(t *testing.T) {
	c := newActiveCoupon(t, "c1", "p1", "u1", "10")
	c.OriginalAmount = amountPtr("50.00")
	c.DiscountAmount = amountPtr("5.00")
	c.FinalAmount = amountPtr("45.00")

	repo := newMockCouponRepo(c)
	svc := newTestService(repo, &mockPartnerRepo{})

	// Real transaction total differs from the estimate.
	used, err := svc.Use(context.Background(),
		identity.Identity{UserID: "v1", Role: identity.RoleVendor, PartnerID: "p1"},
		currentCode(t, svc, c), decimal.RequireFromString("48.00"))
	require.NoError(t, err)

	assert.Equal(t, StatusUsed, used.Status)
	require.NotNil(t, used.UsedAt)
	assert.Equal(t, testNow, *used.UsedAt)
	assert.True(t, decimal.RequireFromString("4.80").Equal(*used.DiscountAmount))
	assert.True(t, decimal.RequireFromString("43.20").Equal(*used.FinalAmount))
	assert.Equal(t, StatusUsed, repo.coupons["c1"].Status)
}

func TestUse_RoleEnforcement(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{})

	for _, role := range []identity.Role{identity.RoleClient, identity.RoleAdmin, identity.Role("")} {
		_, err := svc.Use(context.Background(),
			identity.Identity{UserID: "u1", Role: role, PartnerID: "p1"},
			"12345678", decimal.NewFromInt(10))
		require.ErrorIs(t, err, ErrUnauthorized, "role %s", role)
	}
}

func TestUse_InvalidCode(t *testing.T) {
	c := newActiveCoupon(t, "c1", "p1", "u1", "10")
	svc := newTestService(newMockCouponRepo(c), &mockPartnerRepo{})

	_, err := svc.Use(context.Background(),
		identity.Identity{UserID: "v1", Role: identity.RoleVendor, PartnerID: "p1"},
		"00000000", decimal.NewFromInt(10))
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestUse_AlreadyUsed(t *testing.T) {
	c := newActiveCoupon(t, "c1", "p1", "u1", "10")
	c.Status = StatusUsed
	usedAt := testNow.Add(-time.Minute)
	c.UsedAt = &usedAt

	svc := newTestService(newMockCouponRepo(c), &mockPartnerRepo{})

	_, err := svc.Use(context.Background(),
		identity.Identity{UserID: "v1", Role: identity.RoleVendor, PartnerID: "p1"},
		currentCode(t, svc, c), decimal.NewFromInt(10))
	require.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestUse_NegativeAmount(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{})

	_, err := svc.Use(context.Background(),
		identity.Identity{UserID: "v1", Role: identity.RoleVendor, PartnerID: "p1"},
		"12345678", decimal.RequireFromString("-1"))

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "amount", vErr.Field)
}

func TestUse_ForeignPartnerScope(t *testing.T) {
	c := newActiveCoupon(t, "c1", "p1", "u1", "10")
	svc := newTestService(newMockCouponRepo(c), &mockPartnerRepo{})

	// A vendor from a different partner cannot redeem the code.
	_, err := svc.Use(context.Background(),
		identity.Identity{UserID: "v2", Role: identity.RoleVendor, PartnerID: "p2"},
		currentCode(t, svc, c), decimal.NewFromInt(10))
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestUse_ConcurrentRedemption(t *testing.T) {
	c := newActiveCoupon(t, "c1", "p1", "u1", "10")
	repo := newMockCouponRepo(c)
	svc := newTestService(repo, &mockPartnerRepo{})
	presented := currentCode(t, svc, c)
	vendor := identity.Identity{UserID: "v1", Role: identity.RoleVendor, PartnerID: "p1"}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Use(context.Background(), vendor, presented, decimal.NewFromInt(30))
		}()
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyUsed) || errors.Is(err, ErrConflict):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, wins, "exactly one redemption must win")
	assert.Equal(t, 1, losses)
	assert.Equal(t, StatusUsed, repo.coupons["c1"].Status)
	require.NotNil(t, repo.coupons["c1"].UsedAt)
}

// --- ListMine ---

func TestListMine_RoleEnforcement(t *testing.T) {
	svc := newTestService(newMockCouponRepo(), &mockPartnerRepo{})

	for _, role := range []identity.Role{identity.RoleVendor, identity.RoleAdmin} {
		_, err := svc.ListMine(context.Background(),
			identity.Identity{UserID: "u1", Role: role}, ListFilter{})
		require.ErrorIs(t, err, ErrUnauthorized, "role %s", role)
	}
}

func TestListMine_OwnershipEnforced(t *testing.T) {
	mine := newActiveCoupon(t, "c1", "p1", "u1", "10")
	theirs := newActiveCoupon(t, "c2", "p1", "u2", "10")
	svc := newTestService(newMockCouponRepo(mine, theirs), &mockPartnerRepo{})

	page, err := svc.ListMine(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient}, ListFilter{})
	require.NoError(t, err)

	require.Len(t, page.Coupons, 1)
	assert.Equal(t, "c1", page.Coupons[0].ID)
	assert.Equal(t, 1, page.Pagination.TotalCoupons)
}

func TestListMine_Pagination(t *testing.T) {
	repo := newMockCouponRepo()
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		require.NoError(t, repo.Create(context.Background(),
			newActiveCoupon(t, id, "p1", "u1", "10")))
	}
	svc := newTestService(repo, &mockPartnerRepo{})

	page, err := svc.ListMine(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient},
		ListFilter{Page: 2, Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, page.Pagination.Current)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.Count)
	assert.Equal(t, 5, page.Pagination.TotalCoupons)
}

func TestListMine_DefaultsAndCaps(t *testing.T) {
	c := newActiveCoupon(t, "c1", "p1", "u1", "10")
	svc := newTestService(newMockCouponRepo(c), &mockPartnerRepo{})

	page, err := svc.ListMine(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient},
		ListFilter{Page: -3, Limit: 10_000})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Pagination.Current)

	_, err = svc.ListMine(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient},
		ListFilter{Status: Status("burned")})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "status", vErr.Field)
}

func TestListMine_Stats(t *testing.T) {
	repo := newMockCouponRepo(newActiveCoupon(t, "c1", "p1", "u1", "10"))
	repo.stats = &Stats{
		TotalSavings:            decimal.RequireFromString("12.30"),
		CouponTransactions:      2,
		CouponSavings:           decimal.RequireFromString("4.30"),
		DigitalCardTransactions: 1,
		DigitalCardSavings:      decimal.RequireFromString("8.00"),
	}
	svc := newTestService(repo, &mockPartnerRepo{})

	page, err := svc.ListMine(context.Background(),
		identity.Identity{UserID: "u1", Role: identity.RoleClient}, ListFilter{})
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("12.30").Equal(page.Stats.TotalSavings))
	assert.Equal(t, 2, page.Stats.CouponTransactions)
	assert.Equal(t, 1, page.Stats.DigitalCardTransactions)
}
