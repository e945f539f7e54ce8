package split

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/teo"
	"github.com/teocoin/settlement/internal/tier"
	"github.com/teocoin/settlement/internal/validation"
)

// TierSource resolves a teacher's current tier.
type TierSource interface {
	ForTeacher(ctx context.Context, teacherRef string) (tier.Tier, error)
}

// Handler serves the breakdown preview.
type Handler struct {
	tiers TierSource
	rate  decimal.Decimal
}

// NewHandler creates a preview handler. tiers may be nil, in which case
// previews use Bronze.
func NewHandler(tiers TierSource, tokenEURRate decimal.Decimal) *Handler {
	return &Handler{tiers: tiers, rate: tokenEURRate}
}

// RegisterProtectedRoutes sets up the preview route.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/discounts/preview", h.Preview)
}

// PreviewRequest is the body of POST /v1/discounts/preview.
type PreviewRequest struct {
	PriceEur        string           `json:"priceEur"`
	DiscountPercent int              `json:"discountPercent"`
	TeacherID       string           `json:"teacherId,omitempty"`
	AcceptTeo       bool             `json:"acceptTeo,omitempty"`
	AcceptRatio     *decimal.Decimal `json:"acceptRatio,omitempty"`
}

// Preview handles POST /v1/discounts/preview
func (h *Handler) Preview(c *gin.Context) {
	var req PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := validation.Validate(
		validation.Required("priceEur", req.PriceEur),
		validation.ValidRef("teacherId", req.TeacherID),
	).Err(); err != nil {
		errs.Abort(c, err)
		return
	}
	price, ok := teo.ParseEUR(req.PriceEur)
	if !ok {
		errs.Abort(c, errs.ErrInvalidAmount)
		return
	}

	in := Input{
		PriceGross:      price,
		DiscountPercent: req.DiscountPercent,
		AcceptTeo:       req.AcceptTeo,
		AcceptRatio:     req.AcceptRatio,
		TokenEURRate:    h.rate,
	}
	if req.TeacherID != "" && h.tiers != nil {
		t, err := h.tiers.ForTeacher(c.Request.Context(), req.TeacherID)
		if err != nil {
			errs.Abort(c, err)
			return
		}
		in.Tier = &t
	}

	b, err := Compute(in)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}
