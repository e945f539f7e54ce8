package webhooks

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/idgen"
	"github.com/teocoin/settlement/internal/outbox"
	"github.com/teocoin/settlement/internal/security"
)

var knownEvents = map[outbox.Type]bool{
	outbox.TypeDecisionCreated:   true,
	outbox.TypeDecisionAccepted:  true,
	outbox.TypeDecisionDeclined:  true,
	outbox.TypeDecisionExpired:   true,
	outbox.TypeDiscountConfirmed: true,
	outbox.TypeDiscountFailed:    true,
	outbox.TypeDiscountExpired:   true,
}

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store, urlValidator: security.ValidateEndpointURL}
}

// RegisterProtectedRoutes sets up webhook routes
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/subscriptions", h.Create)
	r.GET("/webhooks/subscriptions", h.List)
	r.DELETE("/webhooks/subscriptions/:id", h.Delete)
}

// CreateRequest is the body of POST /v1/webhooks/subscriptions.
type CreateRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// Create handles POST /v1/webhooks/subscriptions
func (h *Handler) Create(c *gin.Context) {
	a, _ := auth.GetActor(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		errs.Abort(c, err)
		return
	}
	events := make([]outbox.Type, len(req.Events))
	for i, e := range req.Events {
		events[i] = outbox.Type(e)
		if !knownEvents[events[i]] {
			errs.Abort(c, fmt.Errorf("unknown event type %q: %w", e, errs.ErrInvalidRequest))
			return
		}
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.PrefixSubscriber),
		UserRef:   a.UserRef,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		errs.Abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "hex HMAC-SHA256 of timestamp + \".\" + body under secret",
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
		},
	})
}

// List handles GET /v1/webhooks/subscriptions
func (h *Handler) List(c *gin.Context) {
	a, _ := auth.GetActor(c)
	subs, err := h.store.ListByUser(c.Request.Context(), a.UserRef)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// Delete handles DELETE /v1/webhooks/subscriptions/:id
func (h *Handler) Delete(c *gin.Context) {
	a, _ := auth.GetActor(c)
	ctx := c.Request.Context()

	sub, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		errs.Abort(c, err)
		return
	}
	if sub.UserRef != a.UserRef && !a.IsAdmin() {
		errs.Abort(c, errs.ErrUnauthorized)
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
