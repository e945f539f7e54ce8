package auth

import (
	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/logging"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyActor is the key for storing the authenticated actor
	ContextKeyActor = "authActor"

	// AdminSecretHeader authenticates operators without an API key.
	AdminSecretHeader = "X-Admin-Secret"
	// AdminActorRef is the user reference recorded for secret-based admin calls.
	AdminActorRef = "admin"
)

// Middleware extracts and validates credentials from the request.
// Sets the actor in context if valid; never aborts.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.ValidateAdminSecret(c.GetHeader(AdminSecretHeader)) {
			SetActor(c, Actor{UserRef: AdminActorRef, Role: RoleAdmin})
			c.Next()
			return
		}

		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}
		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				SetActor(c, key.Actor())
			}
		}

		c.Next()
	}
}

// SetActor stores the actor on the gin context and in the request logger.
func SetActor(c *gin.Context, a Actor) {
	c.Set(ContextKeyActor, a)
	ctx := logging.With(c.Request.Context(), "actor", a.UserRef)
	c.Request = c.Request.WithContext(ctx)
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			errs.AbortWith(c, errs.Status(errs.ErrUnauthenticated), errs.ErrUnauthenticated.Code,
				"API key required. Include 'Authorization: Bearer tk_...' header.")
			return
		}
		c.Next()
	}
}

// RequireAdmin middleware requires an authenticated admin actor.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := GetActor(c)
		if !ok {
			errs.Abort(c, errs.ErrUnauthenticated)
			return
		}
		if !a.IsAdmin() {
			errs.Abort(c, errs.ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// GetActor returns the authenticated actor (if any)
func GetActor(c *gin.Context) (Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return Actor{}, false
	}
	a, ok := v.(Actor)
	return a, ok
}

// GetAPIKey returns the API key from context (if authenticated with one)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := v.(*APIKey)
	return k, ok
}
