package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/errs"
)

// Handler exposes reconciliation runs to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler
func NewHandler(r *Runner) *Handler {
	return &Handler{runner: r}
}

// RegisterAdminRoutes sets up the reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.Run)
	r.GET("/reconciliation/last", h.Last)
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep, "ok": rep.OK()})
}

// Last handles GET /v1/admin/reconciliation/last
func (h *Handler) Last(c *gin.Context) {
	rep := h.runner.Last()
	if rep == nil {
		errs.AbortWith(c, http.StatusNotFound, "not_found", "no reconciliation run yet")
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep, "ok": rep.OK()})
}
