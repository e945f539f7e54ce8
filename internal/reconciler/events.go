package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teocoin/settlement/internal/errs"
)

// ProcessedEvent records that a provider event was handled.
type ProcessedEvent struct {
	EventID     string    `json:"eventId"`
	Type        string    `json:"type"`
	SnapshotRef string    `json:"snapshotRef,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	ProcessedAt time.Time `json:"processedAt"`
}

// EventStore persists processed provider events.
type EventStore interface {
	Get(ctx context.Context, eventID string) (*ProcessedEvent, error)
	// Record inserts e. A second record for the same event id fails with
	// errs.ErrDuplicateEntry.
	Record(ctx context.Context, e *ProcessedEvent) error
}

// MemoryEventStore is an in-memory EventStore.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]ProcessedEvent
}

// NewMemoryEventStore creates an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]ProcessedEvent)}
}

func (m *MemoryEventStore) Get(_ context.Context, eventID string) (*ProcessedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, errs.ErrNotFound)
	}
	return &e, nil
}

func (m *MemoryEventStore) Record(_ context.Context, e *ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.EventID]; ok {
		return fmt.Errorf("event %s: %w", e.EventID, errs.ErrDuplicateEntry)
	}
	m.events[e.EventID] = *e
	return nil
}

// PostgresEventStore implements EventStore on processed_events.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) Get(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	e := &ProcessedEvent{}
	var snap sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT provider_event_id, type, snapshot_ref, outcome, processed_at
		FROM processed_events WHERE provider_event_id = $1
	`, eventID).Scan(&e.EventID, &e.Type, &snap, &e.Outcome, &e.ProcessedAt)
	if err != nil {
		return nil, errs.FromDB(err, "get processed event")
	}
	e.SnapshotRef = snap.String
	return e, nil
}

func (p *PostgresEventStore) Record(ctx context.Context, e *ProcessedEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (provider_event_id, type, snapshot_ref, outcome, processed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`, e.EventID, e.Type, e.SnapshotRef, e.Outcome, e.ProcessedAt)
	return errs.FromDB(err, "record processed event")
}
