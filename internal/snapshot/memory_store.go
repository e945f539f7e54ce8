package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teocoin/settlement/internal/errs"
)

// MemoryStore is an in-memory snapshot store for demo/development mode.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
	seq   map[string]int // creation order, for newest-first scans
	next  int
}

// NewMemoryStore creates a new in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*Snapshot),
		seq:   make(map[string]int),
	}
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	cp := *s
	return &cp
}

// conflicts reports the first unique key s would violate.
func (m *MemoryStore) conflicts(s *Snapshot, skip map[string]bool) error {
	for _, other := range m.snaps {
		if other.ID == s.ID || skip[other.ID] {
			continue
		}
		for _, k := range UniqueKeys {
			v := s.KeyValue(k)
			if v == "" || other.KeyValue(k) != v {
				continue
			}
			if k == KeyCheckoutSession && (other.State.Dead() || s.State.Dead()) {
				continue
			}
			return fmt.Errorf("snapshot %s=%s: %w", k, v, errs.ErrDuplicateEntry)
		}
	}
	return nil
}

func (m *MemoryStore) Create(_ context.Context, s *Snapshot, supersede []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.snaps[s.ID]; exists {
		return fmt.Errorf("snapshot %s: %w", s.ID, errs.ErrDuplicateEntry)
	}
	skip := make(map[string]bool, len(supersede))
	for _, id := range supersede {
		if old, ok := m.snaps[id]; ok && (old.State == StateDraft || old.State == StateApplied) {
			skip[id] = true
		}
	}
	if err := m.conflicts(s, skip); err != nil {
		return err
	}

	now := s.CreatedAt
	for id := range skip {
		m.snaps[id].State = StateSuperseded
		m.snaps[id].UpdatedAt = now
	}
	m.snaps[s.ID] = cloneSnapshot(s)
	m.next++
	m.seq[s.ID] = m.next
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, errs.ErrNotFound)
	}
	return cloneSnapshot(s), nil
}

// sorted returns matches newest first.
func (m *MemoryStore) sorted(match func(*Snapshot) bool) []*Snapshot {
	var out []*Snapshot
	for _, s := range m.snaps {
		if match(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] > m.seq[out[j].ID] })
	return out
}

func (m *MemoryStore) FindBy(_ context.Context, k Key, value string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matches := m.sorted(func(s *Snapshot) bool { return value != "" && s.KeyValue(k) == value })
	if len(matches) == 0 {
		return nil, fmt.Errorf("snapshot %s=%s: %w", k, value, errs.ErrNotFound)
	}
	for _, s := range matches {
		if !s.State.Dead() {
			return cloneSnapshot(s), nil
		}
	}
	return cloneSnapshot(matches[0]), nil
}

func (m *MemoryStore) FindOpen(_ context.Context, student, course, session string) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matches := m.sorted(func(s *Snapshot) bool {
		return s.StudentRef == student && s.CourseRef == course && s.CheckoutSessionID == session &&
			(s.State == StateDraft || s.State == StateApplied)
	})
	out := make([]*Snapshot, len(matches))
	for i, s := range matches {
		out[i] = cloneSnapshot(s)
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Snapshot) error) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.snaps[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, errs.ErrNotFound)
	}
	work := cloneSnapshot(cur)
	if err := fn(work); err != nil {
		return nil, err
	}
	if err := m.conflicts(work, nil); err != nil {
		return nil, err
	}
	m.snaps[id] = work
	return cloneSnapshot(work), nil
}

func (m *MemoryStore) ListAppliedBefore(_ context.Context, cutoff time.Time, limit int) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Snapshot
	for _, s := range m.snaps {
		if s.State == StateApplied && s.AppliedAt != nil && s.AppliedAt.Before(cutoff) {
			out = append(out, cloneSnapshot(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(*out[j].AppliedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, user string, limit int) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matches := m.sorted(func(s *Snapshot) bool { return s.StudentRef == user || s.TeacherRef == user })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*Snapshot, len(matches))
	for i, s := range matches {
		out[i] = cloneSnapshot(s)
	}
	return out, nil
}
