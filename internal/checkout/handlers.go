package checkout

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/teo"
	"github.com/teocoin/settlement/internal/validation"
)

// Handler provides HTTP endpoints for checkout
type Handler struct {
	svc *Service
}

// NewHandler creates a new checkout handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterProtectedRoutes sets up checkout routes
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/intents", h.CreateIntent)
	r.POST("/payments/confirm", h.ConfirmPayment)
	r.POST("/discounts/confirm", h.ConfirmDiscount)
}

// CreateIntentRequest is the body of POST /v1/payments/intents.
type CreateIntentRequest struct {
	CourseID          string           `json:"courseId"`
	UseDiscount       bool             `json:"useDiscount"`
	DiscountPercent   int              `json:"discountPercent,omitempty"`
	AcceptTeo         bool             `json:"acceptTeo,omitempty"`
	AcceptRatio       *decimal.Decimal `json:"acceptRatio,omitempty"`
	IdempotencyKey    string           `json:"idempotencyKey,omitempty"`
	CheckoutSessionID string           `json:"checkoutSessionId,omitempty"`
	UserID            string           `json:"userId,omitempty"` // service actors buying on a user's behalf
}

// buyer resolves who the purchase is for. Only service and admin actors
// may name another user.
func buyer(c *gin.Context, requested string) (string, bool) {
	a, _ := auth.GetActor(c)
	if requested == "" || requested == a.UserRef {
		return a.UserRef, true
	}
	if err := auth.Authorize(a, auth.Resource{Kind: auth.ResourceSnapshot, OwnerRef: requested}, auth.ActionPurchase); err != nil {
		errs.Abort(c, err)
		return "", false
	}
	return requested, true
}

// CreateIntent handles POST /v1/payments/intents
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := validation.Validate(
		validation.Required("courseId", req.CourseID),
		validation.ValidRef("courseId", req.CourseID),
		validation.ValidRef("userId", req.UserID),
		validation.ValidPercent("discountPercent", req.DiscountPercent),
	).Err(); err != nil {
		errs.Abort(c, err)
		return
	}
	user, ok := buyer(c, req.UserID)
	if !ok {
		return
	}

	res, err := h.svc.CreateIntent(c.Request.Context(), IntentRequest{
		UserRef:           user,
		CourseID:          req.CourseID,
		UseDiscount:       req.UseDiscount,
		DiscountPercent:   req.DiscountPercent,
		AcceptTeo:         req.AcceptTeo,
		AcceptRatio:       req.AcceptRatio,
		IdempotencyKey:    req.IdempotencyKey,
		CheckoutSessionID: req.CheckoutSessionID,
	})
	if err != nil {
		errs.Abort(c, err)
		return
	}

	body := gin.H{
		"clientSecret":    res.ClientSecret,
		"paymentIntentId": res.PaymentIntentID,
		"finalPrice":      teo.FormatEUR(res.FinalPrice),
		"pricing":         res.Pricing,
		"status":          res.Status,
	}
	if res.Snapshot != nil {
		body["snapshotId"] = res.Snapshot.ID
		body["decisionId"] = res.DecisionID
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, body)
}

// ConfirmPaymentRequest is the body of POST /v1/payments/confirm.
type ConfirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

// ConfirmPayment handles POST /v1/payments/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := validation.Validate(validation.Required("paymentIntentId", req.PaymentIntentID)).Err(); err != nil {
		errs.Abort(c, err)
		return
	}
	a, _ := auth.GetActor(c)
	res, err := h.svc.ConfirmPayment(c.Request.Context(), a.UserRef, req.PaymentIntentID)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ConfirmDiscountRequest is the body of POST /v1/discounts/confirm.
type ConfirmDiscountRequest struct {
	OrderID         string           `json:"orderId"`
	CourseID        string           `json:"courseId"`
	PriceEur        string           `json:"priceEur"`
	DiscountPercent int              `json:"discountPercent"`
	AcceptTeo       bool             `json:"acceptTeo,omitempty"`
	AcceptRatio     *decimal.Decimal `json:"acceptRatio,omitempty"`
	UserID          string           `json:"userId,omitempty"`
}

// ConfirmDiscount handles POST /v1/discounts/confirm
func (h *Handler) ConfirmDiscount(c *gin.Context) {
	var req ConfirmDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("courseId", req.CourseID),
		validation.ValidRef("courseId", req.CourseID),
		validation.ValidEUR("priceEur", req.PriceEur),
		validation.ValidPercent("discountPercent", req.DiscountPercent),
	).Err(); err != nil {
		errs.Abort(c, err)
		return
	}
	price, ok := teo.ParseEUR(req.PriceEur)
	if !ok {
		errs.Abort(c, errs.ErrInvalidAmount)
		return
	}
	user, ok := buyer(c, req.UserID)
	if !ok {
		return
	}

	res, err := h.svc.ConfirmDiscount(c.Request.Context(), DiscountRequest{
		UserRef:         user,
		OrderID:         req.OrderID,
		CourseID:        req.CourseID,
		PriceEur:        price,
		DiscountPercent: req.DiscountPercent,
		AcceptTeo:       req.AcceptTeo,
		AcceptRatio:     req.AcceptRatio,
	})
	if err != nil {
		errs.Abort(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"snapshot": res.Snapshot, "breakdown": res.Breakdown, "created": res.Created})
}
