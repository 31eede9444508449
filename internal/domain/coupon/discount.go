package coupon

import (
	"github.com/shopspring/decimal"

	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/identity"
)

var hundred = decimal.NewFromInt(100)

// tierCaps limits the discount percentage per subscription tier. Premium is
// deliberately absent: it passes the partner's discount through uncapped.
// Unknown tiers fall back to a zero cap, the least-privilege default.
var tierCaps = map[identity.Tier]decimal.Decimal{
	identity.TierBasic: decimal.NewFromInt(5),
	identity.TierSuper: decimal.NewFromInt(10),
}

// CapDiscount returns the discount percentage the consumer may actually
// redeem, given the partner's listed discount and the consumer's tier.
// The cap only binds from above: a partner discount below the cap is
// returned unchanged.
func CapDiscount(partnerPercent decimal.Decimal, tier identity.Tier) decimal.Decimal {
	if tier == identity.TierPremium {
		return partnerPercent
	}
	cap, ok := tierCaps[tier]
	if !ok {
		return decimal.Zero
	}
	return decimal.Min(partnerPercent, cap)
}

// Amounts holds the monetary breakdown of a discounted transaction.
// Discount + Final always equals Original to the cent.
type Amounts struct {
	Original decimal.Decimal
	Discount decimal.Decimal
	Final    decimal.Decimal
}

// ComputeAmounts derives the discount and final amounts for a transaction.
// The discount is rounded DOWN to the nearest cent so rounding never grants
// more discount than the percentage entitles.
func ComputeAmounts(original decimal.Decimal, percent decimal.Decimal) (Amounts, error) {
	if original.IsNegative() {
		return Amounts{}, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if percent.IsNegative() || percent.GreaterThan(hundred) {
		return Amounts{}, &ValidationError{Field: "discountPercent", Reason: "must be between 0 and 100"}
	}

	discount := original.Mul(percent).Div(hundred).RoundDown(2)
	return Amounts{
		Original: original,
		Discount: discount,
		Final:    original.Sub(discount),
	}, nil
}
