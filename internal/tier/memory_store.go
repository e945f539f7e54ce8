package tier

import (
	"context"
	"sort"
	"sync"

	"github.com/teocoin/settlement/internal/errs"
)

// MemoryStore is an in-memory tier table for demo and testing.
type MemoryStore struct {
	mu    sync.RWMutex
	tiers map[string]Tier
}

// NewMemoryStore creates a store seeded with the given tiers, or with
// Defaults() when none are passed.
func NewMemoryStore(seed ...Tier) *MemoryStore {
	if len(seed) == 0 {
		seed = Defaults()
	}
	m := &MemoryStore{tiers: make(map[string]Tier, len(seed))}
	for _, t := range seed {
		m.tiers[t.Name] = t
	}
	return m
}

func (m *MemoryStore) List(_ context.Context) ([]Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tier, 0, len(m.tiers))
	for _, t := range m.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinStake.LessThan(out[j].MinStake) })
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, name string) (*Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tiers[name]
	if !ok {
		return nil, errs.ErrUnknownTier
	}
	return &t, nil
}

func (m *MemoryStore) Upsert(_ context.Context, t Tier) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.tiers[t.Name] = t
	m.mu.Unlock()
	return nil
}
