package reconciler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/provider"
)

// maxPayload bounds webhook bodies; provider events are a few KB.
const maxPayload = 256 << 10

// Handler is the provider's webhook endpoint.
type Handler struct {
	reconciler *Reconciler
	verifier   provider.Verifier
}

// NewHandler creates a webhook handler
func NewHandler(r *Reconciler, v provider.Verifier) *Handler {
	return &Handler{reconciler: r, verifier: v}
}

// RegisterRoutes sets up the unauthenticated webhook route. Requests are
// authenticated by their signature instead.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.Payments)
}

// RegisterAdminRoutes sets up processed-event inspection.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks/events/:id", h.GetEvent)
}

// Payments handles POST /v1/webhooks/payments.
func (h *Handler) Payments(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayload))
	if err != nil {
		errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	ev, err := h.verifier.ParseWebhook(payload, c.GetHeader(provider.SignatureHeader))
	if err != nil {
		logging.L(c.Request.Context()).Warn("webhook rejected", "error", err)
		errs.Abort(c, err)
		return
	}

	res, err := h.reconciler.Apply(c.Request.Context(), ev)
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook processing failed", "eventId", ev.ID, "error", err)
		// Any failure here is retried by redelivery, so it must not look
		// like a client error to the provider.
		status := errs.Status(err)
		if status < http.StatusInternalServerError {
			status = http.StatusInternalServerError
		}
		errs.AbortWith(c, status, errs.Code(err), errs.Message(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "eventId": ev.ID, "outcome": res.Outcome, "replayed": res.Replayed})
}

// GetEvent handles GET /v1/admin/webhooks/events/:id
func (h *Handler) GetEvent(c *gin.Context) {
	pe, err := h.reconciler.processed.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": pe})
}
