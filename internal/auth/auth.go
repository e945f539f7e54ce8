// Package auth provides API authentication and authorization.
//
// Authentication model:
//   - Every /v1 route except the payment webhook requires an API key
//   - A key belongs to one user reference and carries a role
//   - The admin secret authenticates operators without a stored key
//
// Authorization is a single function, Authorize, consulted by the services
// before they touch a snapshot, decision or balance.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/idgen"
	"github.com/teocoin/settlement/internal/logging"
)

// Role is what an actor is allowed to do beyond owning resources.
type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin || r == RoleService
}

// Actor is the authenticated caller.
type Actor struct {
	UserRef string `json:"userRef"`
	Role    Role   `json:"role"`
}

// IsAdmin reports whether the actor has operator rights.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 of the raw key
	UserRef   string     `json:"userRef"`
	Role      Role       `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Actor returns the caller identity this key authenticates.
func (k *APIKey) Actor() Actor {
	return Actor{UserRef: k.UserRef, Role: k.Role}
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userRef string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager handles authentication
type Manager struct {
	store       Store
	adminSecret string
}

// NewManager creates a new auth manager. An empty adminSecret disables
// secret-based operator access.
func NewManager(store Store, adminSecret string) *Manager {
	return &Manager{store: store, adminSecret: adminSecret}
}

// GenerateKey creates a new API key for a user.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, userRef string, role Role, name string) (string, *APIKey, error) {
	if userRef == "" || !role.Valid() {
		return "", nil, fmt.Errorf("user and a valid role are required: %w", errs.ErrInvalidRequest)
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey := "tk_" + hex.EncodeToString(b)

	key := &APIKey{
		ID:        idgen.WithPrefix(idgen.PrefixAPIKey),
		Hash:      hashKey(rawKey),
		UserRef:   userRef,
		Role:      role,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, errs.ErrUnauthenticated
	}
	if !strings.HasPrefix(rawKey, "tk_") {
		return nil, errs.ErrUnauthenticated
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, errs.ErrUnauthenticated
	}
	if key.Revoked {
		return nil, errs.ErrUnauthenticated
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, errs.ErrUnauthenticated
	}

	// Update last used (fire and forget)
	touched := *key
	go func() {
		touched.LastUsed = time.Now()
		if err := m.store.Update(context.Background(), &touched); err != nil {
			logging.L(ctx).Debug("api key touch failed", "keyId", touched.ID, "error", err)
		}
	}()

	return key, nil
}

// ValidateAdminSecret reports whether secret matches the configured admin
// secret.
func (m *Manager) ValidateAdminSecret(secret string) bool {
	if m.adminSecret == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(m.adminSecret)) == 1
}

// ListKeys returns all keys for a user
func (m *Manager) ListKeys(ctx context.Context, userRef string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userRef)
}

// RevokeKey revokes one of the user's API keys
func (m *Manager) RevokeKey(ctx context.Context, keyID, userRef string) error {
	keys, err := m.store.GetByUser(ctx, userRef)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return fmt.Errorf("api key %s: %w", keyID, errs.ErrNotFound)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *MemoryStore) GetByUser(_ context.Context, userRef string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserRef == userRef {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[key.ID]
	if !ok {
		return errs.ErrNotFound
	}
	cur.LastUsed = key.LastUsed
	cur.Revoked = cur.Revoked || key.Revoked
	return nil
}
