// Package outbox records domain events next to the state change that
// produced them and relays them to notification sinks outside any request.
//
// Event ids are derived from the event type and the aggregate id, so a
// retried state change enqueues the same event again without duplicating it.
// Delivery is at least once; sinks must tolerate repeats.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/logging"
)

// Type names a domain event.
type Type string

const (
	TypeDecisionCreated   Type = "decision.created"
	TypeDecisionAccepted  Type = "decision.accepted"
	TypeDecisionDeclined  Type = "decision.declined"
	TypeDecisionExpired   Type = "decision.expired"
	TypeDiscountConfirmed Type = "discount.confirmed"
	TypeDiscountFailed    Type = "discount.failed"
	TypeDiscountExpired   Type = "discount.expired"
)

// MaxAttempts is the number of failed deliveries after which an event is
// left for an operator.
const MaxAttempts = 10

// Event is one stored domain event.
type Event struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	AggregateID string          `json:"aggregateId"`
	Recipient   string          `json:"recipient,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	PublishedAt *time.Time      `json:"publishedAt,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError,omitempty"`
}

// EventID is the deterministic id of the event of typ about aggregateID.
func EventID(typ Type, aggregateID string) string {
	return string(typ) + ":" + aggregateID
}

// NewEvent builds an event. recipient is the user the event concerns (the
// teacher for decision events); sinks use it for routing.
func NewEvent(typ Type, aggregateID, recipient string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Event{
		ID:          EventID(typ, aggregateID),
		Type:        typ,
		AggregateID: aggregateID,
		Recipient:   recipient,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Store persists events.
type Store interface {
	// Enqueue stores e. An event with the same id is left untouched.
	Enqueue(ctx context.Context, e *Event) error

	// Claim leases up to limit unpublished events until the given time so
	// concurrent relays do not deliver the same batch.
	Claim(ctx context.Context, limit int, until time.Time) ([]*Event, error)

	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error

	Get(ctx context.Context, id string) (*Event, error)
}

// Emitter enqueues events for services that changed state.
type Emitter struct {
	store Store
}

// NewEmitter returns an emitter over store. A nil emitter drops events.
func NewEmitter(store Store) *Emitter {
	return &Emitter{store: store}
}

// Emit enqueues an event. The state change it describes is already
// committed, so a failure here is logged and not returned.
func (e *Emitter) Emit(ctx context.Context, typ Type, aggregateID, recipient string, payload any) {
	if e == nil || e.store == nil {
		return
	}
	ev, err := NewEvent(typ, aggregateID, recipient, payload)
	if err == nil {
		err = e.store.Enqueue(ctx, ev)
	}
	if err != nil {
		logging.L(ctx).Error("outbox enqueue failed", "type", typ, "aggregateId", aggregateID, "error", err)
		return
	}
	eventsEnqueued.WithLabelValues(string(typ)).Inc()
}

func notFound(id string) error {
	return fmt.Errorf("outbox event %s: %w", id, errs.ErrNotFound)
}
