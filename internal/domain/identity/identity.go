// Package identity holds the resolved caller identity the service layer
// receives from the transport. Authentication itself happens upstream; the
// domain only sees who is calling, with which role, on which subscription.
package identity

import "github.com/go-faster/errors"

// Role is the closed set of caller roles. Operations switch exhaustively on
// it so an unhandled role is a compile-time gap, not a runtime string miss.
type Role string

const (
	// RoleClient is a consumer account redeeming perks for themselves.
	RoleClient Role = "client"
	// RoleVendor is partner staff entering codes at the point of sale.
	RoleVendor Role = "vendor"
	// RoleAdmin is back-office staff.
	RoleAdmin Role = "admin"
)

// ErrUnknownRole is returned when a role string does not name a known role.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole converts a raw role string to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleClient, RoleVendor, RoleAdmin:
		return Role(s), nil
	default:
		return "", errors.Wrapf(ErrUnknownRole, "%q", s)
	}
}

// Tier is the closed set of consumer subscription tiers. The tier caps how
// much of a partner's listed discount the consumer may actually receive.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierSuper   Tier = "super"
	TierPremium Tier = "premium"
)

// Identity is the authenticated caller context. PartnerID is set only for
// vendor identities and scopes their code lookups to their own partner.
type Identity struct {
	UserID    string
	Role      Role
	Tier      Tier
	PartnerID string
}
