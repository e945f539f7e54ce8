package snapshot

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/errs"
)

// Handler exposes snapshot reads to the student and teacher involved.
type Handler struct {
	svc *Service
}

// NewHandler creates a snapshot handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterProtectedRoutes sets up snapshot routes
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/snapshots", h.List)
	r.GET("/snapshots/:id", h.Get)
}

// Get handles GET /v1/snapshots/:id
func (h *Handler) Get(c *gin.Context) {
	s, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		errs.Abort(c, err)
		return
	}
	a, _ := auth.GetActor(c)
	owner := s.StudentRef
	if a.UserRef == s.TeacherRef {
		owner = s.TeacherRef
	}
	if err := auth.Authorize(a, auth.Resource{Kind: auth.ResourceSnapshot, OwnerRef: owner}, auth.ActionRead); err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": s})
}

// List handles GET /v1/snapshots
func (h *Handler) List(c *gin.Context) {
	a, _ := auth.GetActor(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := h.svc.ListByUser(c.Request.Context(), a.UserRef, limit)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": list, "count": len(list)})
}
