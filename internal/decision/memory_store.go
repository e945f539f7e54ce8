package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/snapshot"
)

// MemoryStore is an in-memory Store. It links decisions through the
// snapshot store it is given.
type MemoryStore struct {
	mu         sync.Mutex
	decisions  map[string]*Decision
	bySnapshot map[string]string
	snapshots  snapshot.Store
}

// NewMemoryStore returns an empty store linking into snapshots.
func NewMemoryStore(snapshots snapshot.Store) *MemoryStore {
	return &MemoryStore{
		decisions:  make(map[string]*Decision),
		bySnapshot: make(map[string]string),
		snapshots:  snapshots,
	}
}

func (m *MemoryStore) CreateLinked(ctx context.Context, d *Decision) (*Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.bySnapshot[d.SnapshotRef]; ok {
		existing := m.decisions[id]
		// Make sure the link exists even if a previous attempt stopped early.
		if _, err := m.snapshots.Update(ctx, d.SnapshotRef, snapshot.LinkDecisionFn(id)); err != nil {
			return nil, false, err
		}
		return cloneDecision(existing), false, nil
	}

	if _, err := m.snapshots.Update(ctx, d.SnapshotRef, snapshot.LinkDecisionFn(d.ID)); err != nil {
		return nil, false, err
	}
	m.decisions[d.ID] = cloneDecision(d)
	m.bySnapshot[d.SnapshotRef] = d.ID
	return cloneDecision(d), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, errs.ErrNotFound)
	}
	return cloneDecision(d), nil
}

func (m *MemoryStore) GetBySnapshot(_ context.Context, snapshotID string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySnapshot[snapshotID]
	if !ok {
		return nil, fmt.Errorf("decision for snapshot %s: %w", snapshotID, errs.ErrNotFound)
	}
	return cloneDecision(m.decisions[id]), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to State, at time.Time) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, errs.ErrNotFound)
	}
	if d.State != StatePending {
		return cloneDecision(d), fmt.Errorf("decision %s is %s: %w", id, d.State, errs.ErrDecisionAlreadyProcessed)
	}
	t := at
	d.State = to
	d.DecidedAt = &t
	return cloneDecision(d), nil
}

func (m *MemoryStore) MarkPaymentCompleted(_ context.Context, id string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, errs.ErrNotFound)
	}
	d.PaymentCompleted = true
	return cloneDecision(d), nil
}

func (m *MemoryStore) list(match func(*Decision) bool, limit int) []*Decision {
	var out []*Decision
	for _, d := range m.decisions {
		if match(d) {
			out = append(out, cloneDecision(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListPending(_ context.Context, teacherRef string, limit int) ([]*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(d *Decision) bool {
		return d.State == StatePending && (teacherRef == "" || d.TeacherRef == teacherRef)
	}, limit), nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(d *Decision) bool {
		return d.State == StatePending && d.ExpiredAt(now)
	}, limit), nil
}

// MemoryAbsorptionStore is an in-memory AbsorptionStore.
type MemoryAbsorptionStore struct {
	mu   sync.Mutex
	rows map[string]*Absorption
}

// NewMemoryAbsorptionStore returns an empty store.
func NewMemoryAbsorptionStore() *MemoryAbsorptionStore {
	return &MemoryAbsorptionStore{rows: make(map[string]*Absorption)}
}

func absorptionKey(a *Absorption) string {
	return strings.Join([]string{a.TeacherRef, a.CourseRef, a.StudentRef,
		a.DiscountAmount.StringFixed(2), a.TeoUsed.StringFixed(8)}, "|")
}

func (m *MemoryAbsorptionStore) Upsert(_ context.Context, a *Absorption) (*Absorption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := absorptionKey(a)
	if cur, ok := m.rows[k]; ok {
		cur.Outcome = a.Outcome
		cur.TeacherTeo = a.TeacherTeo
		cur.DecisionRef = a.DecisionRef
		cur.UpdatedAt = a.UpdatedAt
		cp := *cur
		return &cp, nil
	}
	cp := *a
	m.rows[k] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryAbsorptionStore) ListByTeacher(_ context.Context, teacherRef string, limit int) ([]*Absorption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Absorption
	for _, a := range m.rows {
		if a.TeacherRef == teacherRef {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
