package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/teo"
	"github.com/teocoin/settlement/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterProtectedRoutes sets up the caller's balance and staking routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/me", h.Me)
	r.POST("/ledger/me/stake", h.Stake)
	r.POST("/ledger/me/unstake", h.Unstake)
	r.GET("/ledger/:user/audit", h.Audit)
}

// RegisterAdminRoutes sets up operator-only ledger routes on the admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/credit", h.Credit)
}

// Me handles GET /v1/ledger/me
func (h *Handler) Me(c *gin.Context) {
	a, _ := auth.GetActor(c)
	ctx := c.Request.Context()

	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	bal, err := h.ledger.GetBalance(ctx, a.UserRef)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	entries, err := h.ledger.History(ctx, a.UserRef, limit)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance": balanceView(bal),
		"entries": entriesView(entries),
	})
}

// AmountRequest is the body of stake, unstake and credit calls.
type AmountRequest struct {
	UserRef        string `json:"userRef,omitempty"`
	Amount         string `json:"amount"`
	Kind           Kind   `json:"kind,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func bindAmount(c *gin.Context) (*AmountRequest, bool) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return nil, false
	}
	if err := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.Required("idempotencyKey", req.IdempotencyKey),
		validation.ValidRef("idempotencyKey", req.IdempotencyKey),
		validation.ValidRef("userRef", req.UserRef),
	).Err(); err != nil {
		errs.Abort(c, err)
		return nil, false
	}
	return &req, true
}

// Stake handles POST /v1/ledger/me/stake
func (h *Handler) Stake(c *gin.Context) {
	h.moveStake(c, true)
}

// Unstake handles POST /v1/ledger/me/unstake
func (h *Handler) Unstake(c *gin.Context) {
	h.moveStake(c, false)
}

func (h *Handler) moveStake(c *gin.Context, stake bool) {
	req, ok := bindAmount(c)
	if !ok {
		return
	}
	amount, ok := teo.Parse(req.Amount)
	if !ok {
		errs.Abort(c, errs.ErrInvalidAmount)
		return
	}
	a, _ := auth.GetActor(c)
	ctx := c.Request.Context()

	var err error
	if stake {
		_, err = h.ledger.Stake(ctx, a.UserRef, amount, req.IdempotencyKey)
	} else {
		_, err = h.ledger.Unstake(ctx, a.UserRef, amount, req.IdempotencyKey)
	}
	status := http.StatusCreated
	if errors.Is(err, errs.ErrDuplicateEntry) {
		status = http.StatusOK
		err = nil
	}
	if err != nil {
		errs.Abort(c, err)
		return
	}
	bal, err := h.ledger.GetBalance(ctx, a.UserRef)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(status, gin.H{"balance": balanceView(bal)})
}

// Audit handles GET /v1/ledger/:user/audit
func (h *Handler) Audit(c *gin.Context) {
	a, _ := auth.GetActor(c)
	user := c.Param("user")
	if err := auth.Authorize(a, auth.Resource{Kind: auth.ResourceLedger, OwnerRef: user}, auth.ActionAudit); err != nil {
		errs.Abort(c, err)
		return
	}

	report, err := h.ledger.Audit(c.Request.Context(), user)
	if report == nil {
		errs.Abort(c, err)
		return
	}
	// A failed audit is still reported in full.
	status := http.StatusOK
	if err != nil {
		status = errs.Status(err)
	}
	c.JSON(status, gin.H{"report": report})
}

// Credit handles POST /v1/admin/ledger/credit
func (h *Handler) Credit(c *gin.Context) {
	req, ok := bindAmount(c)
	if !ok {
		return
	}
	if req.UserRef == "" {
		errs.Abort(c, validation.Validate(validation.Required("userRef", "")).Err())
		return
	}
	if req.Kind == "" {
		req.Kind = KindCreditMint
	}
	amount, ok := teo.Parse(req.Amount)
	if !ok {
		errs.Abort(c, errs.ErrInvalidAmount)
		return
	}

	e, err := h.ledger.Credit(c.Request.Context(), req.UserRef, amount, req.Kind, req.IdempotencyKey, Refs{})
	if errors.Is(err, errs.ErrDuplicateEntry) {
		c.JSON(http.StatusOK, gin.H{"duplicate": true})
		return
	}
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entryView(e)})
}

func balanceView(b *Balance) gin.H {
	return gin.H{
		"userRef":   b.UserRef,
		"available": teo.Format(b.Available),
		"staked":    teo.Format(b.Staked),
		"held":      teo.Format(b.Held),
		"updatedAt": b.UpdatedAt,
	}
}

func entryView(e *Entry) gin.H {
	v := gin.H{
		"id":             e.ID,
		"kind":           e.Kind,
		"amount":         teo.Format(e.Amount),
		"idempotencyTag": e.IdempotencyTag,
		"createdAt":      e.CreatedAt,
	}
	if e.RefSnapshot != "" {
		v["refSnapshot"] = e.RefSnapshot
	}
	if e.RefDecision != "" {
		v["refDecision"] = e.RefDecision
	}
	if e.RefHold != "" {
		v["refHold"] = e.RefHold
	}
	return v
}

func entriesView(entries []*Entry) []gin.H {
	out := make([]gin.H, len(entries))
	for i, e := range entries {
		out[i] = entryView(e)
	}
	return out
}
