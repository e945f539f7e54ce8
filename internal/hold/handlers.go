package hold

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/teo"
)

// Handler exposes read access to holds.
type Handler struct {
	svc *Service
}

// NewHandler creates a hold handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterProtectedRoutes sets up hold routes
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/holds/:id", h.Get)
}

// Get handles GET /v1/holds/:id
func (h *Handler) Get(c *gin.Context) {
	hd, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		errs.Abort(c, err)
		return
	}
	a, _ := auth.GetActor(c)
	if err := auth.Authorize(a, auth.Resource{Kind: auth.ResourceBalance, OwnerRef: hd.UserRef}, auth.ActionRead); err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         hd.ID,
		"userRef":    hd.UserRef,
		"amount":     teo.Format(hd.Amount),
		"state":      hd.State,
		"reason":     hd.Reason,
		"createdAt":  hd.CreatedAt,
		"resolvedAt": hd.ResolvedAt,
	})
}
