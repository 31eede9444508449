package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/code"
	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/coupon"
)

// couponJSON is the wire shape of a coupon. The secret never appears here.
type couponJSON struct {
	ID              string     `json:"id"`
	Reference       string     `json:"reference"`
	Kind            string     `json:"kind"`
	PartnerID       string     `json:"partnerId"`
	OwnerID         string     `json:"ownerId"`
	Status          string     `json:"status"`
	DiscountPercent float64    `json:"discountPercent"`
	OriginalAmount  *float64   `json:"originalAmount,omitempty"`
	DiscountAmount  *float64   `json:"discountAmount,omitempty"`
	FinalAmount     *float64   `json:"finalAmount,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UsedAt          *time.Time `json:"usedAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

func toCouponJSON(c *coupon.Coupon) couponJSON {
	return couponJSON{
		ID:              c.ID,
		Reference:       c.Reference,
		Kind:            string(c.Kind),
		PartnerID:       c.PartnerID,
		OwnerID:         c.OwnerID,
		Status:          string(c.Status),
		DiscountPercent: c.DiscountPercent.InexactFloat64(),
		OriginalAmount:  floatPtr(c.OriginalAmount),
		DiscountAmount:  floatPtr(c.DiscountAmount),
		FinalAmount:     floatPtr(c.FinalAmount),
		CreatedAt:       c.CreatedAt,
		UsedAt:          c.UsedAt,
		ExpiresAt:       c.ExpiresAt,
	}
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

type generateCouponRequest struct {
	PartnerID       string       `json:"partnerId"`
	Kind            string       `json:"kind,omitempty"`
	OriginalAmount  *json.Number `json:"originalAmount,omitempty"`
	ValidForSeconds int          `json:"validForSeconds,omitempty"`
}

type generateCouponResponse struct {
	Message string     `json:"message"`
	Coupon  couponJSON `json:"coupon"`
}

func (h *Handler) generateCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "no identity"})
		return
	}

	var req generateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "validation", Message: "malformed request body"})
		return
	}

	genReq := coupon.GenerateRequest{
		PartnerID: req.PartnerID,
		Kind:      coupon.Kind(req.Kind),
		ValidFor:  time.Duration(req.ValidForSeconds) * time.Second,
	}
	if req.OriginalAmount != nil {
		amount, err := decimal.NewFromString(req.OriginalAmount.String())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "validation", Message: "malformed originalAmount"})
			return
		}
		genReq.OriginalAmount = &amount
	}

	c, err := h.svc.Generate(r.Context(), caller, genReq)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusCreated, generateCouponResponse{
		Message: "coupon generated",
		Coupon:  toCouponJSON(c),
	})
}

type verifyCouponRequest struct {
	Code string `json:"code"`
}

type verifyCouponResponse struct {
	Exists bool        `json:"exists"`
	Coupon *couponJSON `json:"coupon,omitempty"`
}

func (h *Handler) verifyCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "no identity"})
		return
	}

	var req verifyCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "validation", Message: "code is required"})
		return
	}

	res, err := h.svc.Verify(r.Context(), caller, req.Code)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	resp := verifyCouponResponse{Exists: res.Exists}
	if res.Coupon != nil {
		cj := toCouponJSON(res.Coupon)
		resp.Coupon = &cj
	}
	writeJSON(w, http.StatusOK, resp)
}

type useCouponRequest struct {
	Code   string      `json:"code"`
	Amount json.Number `json:"amount"`
}

type useCouponResponse struct {
	Message string     `json:"message"`
	Coupon  couponJSON `json:"coupon"`
}

func (h *Handler) useCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "no identity"})
		return
	}

	var req useCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "validation", Message: "code and amount are required"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "validation", Message: "malformed amount"})
		return
	}

	c, err := h.svc.Use(r.Context(), caller, req.Code, amount)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, useCouponResponse{
		Message: "coupon redeemed",
		Coupon:  toCouponJSON(c),
	})
}

type paginationJSON struct {
	Current      int `json:"current"`
	Total        int `json:"total"`
	Count        int `json:"count"`
	TotalCoupons int `json:"totalCoupons"`
}

type statsJSON struct {
	TotalSavings            float64 `json:"totalSavings"`
	CouponTransactions      int     `json:"couponTransactions"`
	CouponSavings           float64 `json:"couponSavings"`
	DigitalCardTransactions int     `json:"digitalCardTransactions"`
	DigitalCardSavings      float64 `json:"digitalCardSavings"`
}

type myCouponsResponse struct {
	Coupons    []couponJSON   `json:"coupons"`
	Pagination paginationJSON `json:"pagination"`
	Stats      statsJSON      `json:"stats"`
}

func (h *Handler) getMyCoupons(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "no identity"})
		return
	}

	filter := coupon.ListFilter{
		Status: coupon.Status(r.URL.Query().Get("status")),
	}
	var err error
	if v := r.URL.Query().Get("page"); v != "" {
		if filter.Page, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "validation", Message: "malformed page"})
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "validation", Message: "malformed limit"})
			return
		}
	}

	page, err := h.svc.ListMine(r.Context(), caller, filter)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	coupons := make([]couponJSON, len(page.Coupons))
	for i := range page.Coupons {
		coupons[i] = toCouponJSON(&page.Coupons[i])
	}

	writeJSON(w, http.StatusOK, myCouponsResponse{
		Coupons: coupons,
		Pagination: paginationJSON{
			Current:      page.Pagination.Current,
			Total:        page.Pagination.Total,
			Count:        page.Pagination.Count,
			TotalCoupons: page.Pagination.TotalCoupons,
		},
		Stats: statsJSON{
			TotalSavings:            page.Stats.TotalSavings.InexactFloat64(),
			CouponTransactions:      page.Stats.CouponTransactions,
			CouponSavings:           page.Stats.CouponSavings.InexactFloat64(),
			DigitalCardTransactions: page.Stats.DigitalCardTransactions,
			DigitalCardSavings:      page.Stats.DigitalCardSavings.InexactFloat64(),
		},
	})
}

// errorStatus maps domain error kinds to HTTP statuses and stable codes.
func errorStatus(err error) (int, string) {
	var vErr *coupon.ValidationError
	switch {
	case errors.Is(err, coupon.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, coupon.ErrPartnerNotFound):
		return http.StatusNotFound, "partner_not_found"
	case errors.Is(err, coupon.ErrCouponNotFound):
		return http.StatusNotFound, "coupon_not_found"
	case errors.Is(err, coupon.ErrInvalidCode):
		return http.StatusUnprocessableEntity, "invalid_code"
	case errors.Is(err, coupon.ErrAlreadyUsed):
		return http.StatusConflict, "already_used"
	case errors.Is(err, coupon.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.As(err, &vErr):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, code.ErrBadSecret) || errors.Is(err, code.ErrEmptySecret):
		// Stored secret corruption is an integrity fault, not a user error.
		// The distinct code lets operators tell it apart from other 500s.
		return http.StatusInternalServerError, "integrity"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
