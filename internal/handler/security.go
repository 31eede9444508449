package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/identity"
)

// identityKey is the context key for the authenticated identity.
type identityKey struct{}

// IdentityFrom extracts the authenticated identity from the context.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity.Identity)
	return id, ok
}

// tokenClaims is the JWT payload issued by the upstream auth service.
type tokenClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	Tier      string `json:"tier"`
	PartnerID string `json:"partnerId,omitempty"`
}

// TokenVerifier resolves bearer tokens into caller identities. Token
// issuance and session UX live upstream; this only verifies the HMAC
// signature and lifts the claims into the domain identity.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a TokenVerifier with the given HS256 secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Require wraps a handler, rejecting requests without a valid bearer token
// and storing the resolved identity in the request context.
func (v *TokenVerifier) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.resolve(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code:    "unauthenticated",
				Message: "missing or invalid credentials",
			})
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (v *TokenVerifier) resolve(r *http.Request) (identity.Identity, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return identity.Identity{}, jwt.ErrTokenMalformed
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return identity.Identity{}, err
	}

	role, err := identity.ParseRole(claims.Role)
	if err != nil {
		return identity.Identity{}, err
	}
	if claims.Subject == "" {
		return identity.Identity{}, jwt.ErrTokenInvalidSubject
	}

	return identity.Identity{
		UserID:    claims.Subject,
		Role:      role,
		Tier:      identity.Tier(claims.Tier),
		PartnerID: claims.PartnerID,
	}, nil
}
