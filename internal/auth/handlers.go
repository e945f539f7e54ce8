package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/validation"
)

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterProtectedRoutes sets up key management for the calling user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up operator key issuance on the admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
}

// Me returns the authenticated actor
func (h *Handler) Me(c *gin.Context) {
	a, _ := GetActor(c)
	resp := gin.H{"userRef": a.UserRef, "role": a.Role}
	if k, ok := GetAPIKey(c); ok {
		resp["keyId"] = k.ID
		resp["keyName"] = k.Name
	}
	c.JSON(http.StatusOK, resp)
}

// ListKeys returns API keys for the authenticated user
func (h *Handler) ListKeys(c *gin.Context) {
	a, _ := GetActor(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), a.UserRef)
	if err != nil {
		errs.Abort(c, err)
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"role":      k.Role,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}
	c.JSON(http.StatusOK, gin.H{"keys": safeKeys, "count": len(safeKeys)})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional key with the caller's own role.
func (h *Handler) CreateKey(c *gin.Context) {
	a, _ := GetActor(c)

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), a.UserRef, a.Role, req.Name)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	a, _ := GetActor(c)
	keyID := c.Param("keyId")

	if k, ok := GetAPIKey(c); ok && k.ID == keyID {
		errs.AbortWith(c, http.StatusBadRequest, "cannot_revoke_current", "Cannot revoke the key you're using")
		return
	}
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, a.UserRef); err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}

// IssueKeyRequest is the body of POST /v1/admin/keys
type IssueKeyRequest struct {
	UserRef string `json:"userRef"`
	Role    Role   `json:"role"`
	Name    string `json:"name"`
}

// IssueKey creates a key for any user. Admin only.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = RoleUser
	}
	if err := validation.Validate(
		validation.Required("userRef", req.UserRef),
		validation.ValidRef("userRef", req.UserRef),
	).Err(); err != nil {
		errs.Abort(c, err)
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.UserRef, req.Role, req.Name)
	if err != nil {
		errs.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"userRef": key.UserRef,
		"role":    key.Role,
	})
}
