package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teocoin/settlement/internal/errs"
)

// MemoryStore is an in-memory ledger store for demo/development mode. A
// single mutex makes every Append atomic across users.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  map[string][]*Entry // user -> entries in commit order
	keys     map[string]struct{} // user|kind|tag
	holds    map[string]*Hold
	holdTags map[string]string // user|tag -> hold id
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make(map[string][]*Entry),
		keys:     make(map[string]struct{}),
		holds:    make(map[string]*Hold),
		holdTags: make(map[string]string),
	}
}

func entryKey(user string, kind Kind, tag string) string {
	return user + "|" + string(kind) + "|" + tag
}

func (m *MemoryStore) GetBalance(_ context.Context, userRef string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[userRef]; ok {
		cp := *b
		return &cp, nil
	}
	return &Balance{UserRef: userRef, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Append(_ context.Context, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entries)
}

// appendLocked validates the whole batch before mutating anything.
func (m *MemoryStore) appendLocked(entries []*Entry) error {
	next := make(map[string]*Balance)
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		k := entryKey(e.UserRef, e.Kind, e.IdempotencyTag)
		if _, dup := m.keys[k]; dup {
			return fmt.Errorf("%s: %w", k, errs.ErrDuplicateEntry)
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%s: %w", k, errs.ErrDuplicateEntry)
		}
		seen[k] = struct{}{}

		b, ok := next[e.UserRef]
		if !ok {
			b = &Balance{UserRef: e.UserRef}
			if cur, exists := m.balances[e.UserRef]; exists {
				*b = *cur
			}
			next[e.UserRef] = b
		}
		b.apply(EffectOf(e.Kind, e.Amount))
		if b.negative() {
			return fmt.Errorf("user %s: %w", e.UserRef, errs.ErrInsufficientFunds)
		}
	}

	now := time.Now()
	for user, b := range next {
		b.UpdatedAt = now
		m.balances[user] = b
	}
	for _, e := range entries {
		cp := *e
		m.entries[e.UserRef] = append(m.entries[e.UserRef], &cp)
		m.keys[entryKey(e.UserRef, e.Kind, e.IdempotencyTag)] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) CreateHold(_ context.Context, h *Hold, place *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tagKey := h.UserRef + "|" + h.IdempotencyTag
	if _, exists := m.holdTags[tagKey]; exists {
		return fmt.Errorf("hold %s: %w", tagKey, errs.ErrDuplicateEntry)
	}
	if err := m.appendLocked([]*Entry{place}); err != nil {
		return err
	}
	cp := *h
	m.holds[h.ID] = &cp
	m.holdTags[tagKey] = h.ID
	return nil
}

func (m *MemoryStore) ResolveHold(_ context.Context, holdID string, to HoldState, post func(h *Hold) []*Entry) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[holdID]
	if !ok {
		return nil, fmt.Errorf("hold %s: %w", holdID, errs.ErrNotFound)
	}
	if h.State != HoldActive {
		cp := *h
		return &cp, errs.ErrHoldAlreadyResolved
	}

	work := *h
	work.State = to
	if err := m.appendLocked(post(&work)); err != nil {
		return nil, err
	}
	*h = work
	cp := work
	return &cp, nil
}

func (m *MemoryStore) GetHold(_ context.Context, holdID string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return nil, fmt.Errorf("hold %s: %w", holdID, errs.ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) GetHoldByTag(_ context.Context, userRef, tag string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.holdTags[userRef+"|"+tag]
	if !ok {
		return nil, fmt.Errorf("hold for %s/%s: %w", userRef, tag, errs.ErrNotFound)
	}
	cp := *m.holds[id]
	return &cp, nil
}

func (m *MemoryStore) ActiveHolds(_ context.Context, userRef string) ([]*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Hold
	for _, h := range m.holds {
		if h.UserRef == userRef && h.State == HoldActive {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Entries(_ context.Context, userRef string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.entries[userRef]
	out := make([]*Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CountEntries(_ context.Context, userRef string, kind Kind, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries[userRef] {
		if e.Kind == kind && (tag == "" || e.IdempotencyTag == tag) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Users(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.balances))
	for u := range m.balances {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}
