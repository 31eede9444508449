// Package handler exposes the coupon service over plain HTTP/JSON. The core
// stays transport-agnostic; this package only maps requests, identities, and
// error kinds.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/coupon"
	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/identity"
)

// CouponService is the slice of the coupon service the handler needs.
// *coupon.Service satisfies it; tests substitute mocks.
type CouponService interface {
	Generate(ctx context.Context, caller identity.Identity, req coupon.GenerateRequest) (*coupon.Coupon, error)
	Verify(ctx context.Context, caller identity.Identity, presented string) (*coupon.VerifyResult, error)
	Use(ctx context.Context, caller identity.Identity, presented string, actualAmount decimal.Decimal) (*coupon.Coupon, error)
	ListMine(ctx context.Context, caller identity.Identity, filter coupon.ListFilter) (*coupon.CouponPage, error)
}

var _ CouponService = (*coupon.Service)(nil)

// Handler serves the coupon API endpoints.
type Handler struct {
	svc  CouponService
	auth *TokenVerifier
}

// NewHandler constructs a Handler with the required dependencies.
func NewHandler(svc CouponService, auth *TokenVerifier) *Handler {
	return &Handler{svc: svc, auth: auth}
}

// Routes registers the coupon API on the given mux. Every route requires an
// authenticated identity.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("POST /api/coupons", h.auth.Require(http.HandlerFunc(h.generateCoupon)))
	mux.Handle("GET /api/coupons", h.auth.Require(http.HandlerFunc(h.getMyCoupons)))
	mux.Handle("POST /api/coupons/verify", h.auth.Require(http.HandlerFunc(h.verifyCoupon)))
	mux.Handle("POST /api/coupons/use", h.auth.Require(http.HandlerFunc(h.useCoupon)))
}

// errorBody is the JSON error envelope. Clients branch on the code, not the
// message.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a domain error to its HTTP status and stable error code.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		zctx.From(ctx).Error("request failed", zap.Error(err))
		writeJSON(w, status, errorBody{Code: code, Message: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}
