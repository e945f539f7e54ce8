package decision

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/pagination"
)

// maxPendingScan bounds how many pending decisions one page request reads.
const maxPendingScan = 500

// Handler provides HTTP endpoints for teacher decisions
type Handler struct {
	engine *Engine
}

// NewHandler creates a new decision handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterProtectedRoutes sets up decision routes
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/decisions/pending", h.Pending)
	r.GET("/decisions/absorptions", h.Absorptions)
	r.GET("/decisions/:id", h.Get)
	r.POST("/decisions/:id/accept", h.Accept)
	r.POST("/decisions/:id/decline", h.Decline)
}

// Pending handles GET /v1/decisions/pending
func (h *Handler) Pending(c *gin.Context) {
	a, _ := auth.GetActor(c)
	teacher := a.UserRef
	if q := c.Query("teacher"); q != "" && q != teacher {
		if err := auth.Authorize(a, auth.Resource{Kind: auth.ResourceDecision, OwnerRef: q}, auth.ActionRead); err != nil {
			errs.Abort(c, err)
			return
		}
		teacher = q
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "invalid cursor")
		return
	}

	list, err := h.engine.Pending(c.Request.Context(), teacher, maxPendingScan)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	list = pagination.After(list, cursor, decisionKey)
	page, next, more := pagination.ComputePage(list, limit, decisionKey)
	body := gin.H{"decisions": page, "count": len(page), "hasMore": more}
	if more {
		body["nextCursor"] = next
	}
	c.JSON(http.StatusOK, body)
}

func decisionKey(d *Decision) (time.Time, string) {
	return d.CreatedAt, d.ID
}

// Get handles GET /v1/decisions/:id. Reading an overdue decision expires it.
func (h *Handler) Get(c *gin.Context) {
	a, _ := auth.GetActor(c)
	ctx := c.Request.Context()

	d, err := h.engine.store.Get(ctx, c.Param("id"))
	if err != nil {
		errs.Abort(c, err)
		return
	}
	if err := auth.Authorize(a, auth.Resource{Kind: auth.ResourceDecision, OwnerRef: d.TeacherRef}, auth.ActionRead); err != nil {
		errs.Abort(c, err)
		return
	}
	d, err = h.engine.Get(ctx, d.ID)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// Accept handles POST /v1/decisions/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	h.decide(c, true)
}

// Decline handles POST /v1/decisions/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	h.decide(c, false)
}

func (h *Handler) decide(c *gin.Context, accept bool) {
	a, _ := auth.GetActor(c)
	res, err := h.engine.MakeDecision(c.Request.Context(), c.Param("id"), accept, a)
	if err != nil {
		if errors.Is(err, errs.ErrDecisionExpired) && res != nil {
			c.AbortWithStatusJSON(errs.Status(err), gin.H{
				"error":    errs.Detail{Code: errs.Code(err), Message: errs.Message(err)},
				"decision": res.Decision,
			})
			return
		}
		errs.Abort(c, err)
		return
	}
	body := gin.H{"decision": res.Decision, "replayed": res.Replayed}
	if res.Delta != nil {
		body["ledgerDelta"] = res.Delta
	}
	c.JSON(http.StatusOK, body)
}

// Absorptions handles GET /v1/decisions/absorptions
func (h *Handler) Absorptions(c *gin.Context) {
	a, _ := auth.GetActor(c)
	if h.engine.absorptions == nil {
		c.JSON(http.StatusOK, gin.H{"absorptions": []*Absorption{}, "count": 0})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := h.engine.absorptions.ListByTeacher(c.Request.Context(), a.UserRef, limit)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"absorptions": list, "count": len(list)})
}
