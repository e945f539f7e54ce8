package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (m *MemoryStore) Enqueue(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; ok {
		return nil
	}
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, limit int, until time.Time) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []*Event
	for id, e := range m.events {
		if e.PublishedAt != nil || e.Attempts >= MaxAttempts {
			continue
		}
		if lease, ok := m.leases[id]; ok && lease.After(now) {
			continue
		}
		ready = append(ready, e)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]*Event, len(ready))
	for i, e := range ready {
		m.leases[e.ID] = until
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return notFound(id)
	}
	t := at
	e.PublishedAt = &t
	delete(m.leases, id)
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return notFound(id)
	}
	e.Attempts++
	e.LastError = reason
	delete(m.leases, id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *e
	return &cp, nil
}
