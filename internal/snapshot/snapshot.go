// Package snapshot is the discount snapshot store: the immutable audit and
// state envelope of each discount intent, addressable by every correlation
// key a client or the payment provider may present.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/split"
	"github.com/teocoin/settlement/internal/teo"
	"github.com/teocoin/settlement/internal/tier"
)

// State is the lifecycle state of a snapshot.
type State string

const (
	StateDraft      State = "draft"
	StateApplied    State = "applied"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
	StateExpired    State = "expired"
	StateClosed     State = "closed"
	StateSuperseded State = "superseded"
)

var transitions = map[State][]State{
	StateDraft:     {StateApplied, StateExpired, StateSuperseded},
	StateApplied:   {StateConfirmed, StateFailed, StateExpired, StateSuperseded},
	StateConfirmed: {StateClosed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Frozen reports whether outputs and pointers are immutable in this state.
func (s State) Frozen() bool {
	switch s {
	case StateConfirmed, StateFailed, StateExpired, StateClosed, StateSuperseded:
		return true
	}
	return false
}

// Dead reports whether the snapshot no longer represents a live purchase
// attempt. Dead rows release their checkout session for a new snapshot.
func (s State) Dead() bool {
	return s == StateFailed || s == StateExpired || s == StateSuperseded
}

// Holding reports whether a snapshot in this state must carry a hold.
func (s State) Holding() bool {
	return s == StateApplied || s == StateConfirmed
}

// Key names a correlation key.
type Key string

const (
	KeyIdempotency     Key = "idempotency_key"
	KeyExternalTxn     Key = "external_txn_id"
	KeyCheckoutSession Key = "checkout_session_id"
	KeyOrder           Key = "order_id"
	KeyPaymentIntent   Key = "payment_intent_id"
	KeyDecision        Key = "decision_ref"
)

// TierSnapshot is the tier captured when the snapshot was created.
type TierSnapshot struct {
	Name                   string          `json:"name"`
	TeacherSplitPct        decimal.Decimal `json:"teacherSplitPct"`
	PlatformSplitPct       decimal.Decimal `json:"platformSplitPct"`
	MaxAcceptDiscountRatio decimal.Decimal `json:"maxAcceptDiscountRatio"`
	TeoBonusMultiplier     decimal.Decimal `json:"teoBonusMultiplier"`
}

// FromTier captures t.
func FromTier(t tier.Tier) TierSnapshot {
	return TierSnapshot{
		Name:                   t.Name,
		TeacherSplitPct:        t.TeacherSplitPct,
		PlatformSplitPct:       t.PlatformSplitPct,
		MaxAcceptDiscountRatio: t.MaxAcceptDiscountRatio,
		TeoBonusMultiplier:     t.TeoBonusMultiplier,
	}
}

// Snapshot is one discount intent.
type Snapshot struct {
	ID string

	IdempotencyKey    string
	CheckoutSessionID string
	ExternalTxnID     string
	OrderID           string
	PaymentIntentID   string

	StudentRef string
	TeacherRef string
	CourseRef  string

	PriceGross      decimal.Decimal
	DiscountPercent int
	DiscountAmount  decimal.Decimal
	DiscountTeo     decimal.Decimal
	Tier            TierSnapshot
	AcceptTeo       bool
	AcceptRatio     decimal.Decimal

	StudentPays        decimal.Decimal
	TeacherEur         decimal.Decimal
	PlatformEur        decimal.Decimal
	TeacherTeo         decimal.Decimal
	PlatformTeo        decimal.Decimal
	OfferedTeo         decimal.Decimal // Option B teacher TEO
	TeacherAcceptedTeo decimal.NullDecimal
	FinalTeacherTeo    decimal.NullDecimal

	HoldID      string
	CaptureID   string
	DecisionRef string

	State       State
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AppliedAt   *time.Time
	ConfirmedAt *time.Time
	FailedAt    *time.Time
	ExpiredAt   *time.Time
	ClosedAt    *time.Time
}

// KeyValue returns the value of correlation key k.
func (s *Snapshot) KeyValue(k Key) string {
	switch k {
	case KeyIdempotency:
		return s.IdempotencyKey
	case KeyExternalTxn:
		return s.ExternalTxnID
	case KeyCheckoutSession:
		return s.CheckoutSessionID
	case KeyOrder:
		return s.OrderID
	case KeyPaymentIntent:
		return s.PaymentIntentID
	case KeyDecision:
		return s.DecisionRef
	}
	return ""
}

// UniqueKeys are the correlation keys that are unique when non-empty.
var UniqueKeys = []Key{KeyIdempotency, KeyExternalTxn, KeyCheckoutSession, KeyOrder, KeyPaymentIntent, KeyDecision}

// frozenFields renders the outputs and pointers that may not change once
// the state is frozen.
func (s *Snapshot) frozenFields() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		teo.FormatEUR(s.StudentPays), teo.FormatEUR(s.TeacherEur), teo.FormatEUR(s.PlatformEur),
		teo.Format(s.TeacherTeo), teo.Format(s.PlatformTeo), teo.Format(s.OfferedTeo),
		teo.FormatEUR(s.DiscountAmount), teo.Format(s.DiscountTeo),
		s.HoldID, s.CaptureID, s.DecisionRef, s.ExternalTxnID)
}

// outcome renders the decision outcome recorded on close.
func (s *Snapshot) outcome() string {
	render := func(d decimal.NullDecimal) string {
		if !d.Valid {
			return "-"
		}
		return teo.Format(d.Decimal)
	}
	return render(s.TeacherAcceptedTeo) + "|" + render(s.FinalTeacherTeo)
}

// ApplyBreakdown copies a computed split into the snapshot's outputs.
func (s *Snapshot) ApplyBreakdown(b *split.Breakdown) {
	s.PriceGross = b.PriceGross
	s.DiscountPercent = b.DiscountPercent
	s.DiscountAmount = b.DiscountAmount
	s.DiscountTeo = b.DiscountTeo
	s.StudentPays = b.StudentPays
	s.TeacherEur = b.TeacherEur
	s.PlatformEur = b.PlatformEur
	s.TeacherTeo = b.TeacherTeo
	s.PlatformTeo = b.PlatformTeo
	s.OfferedTeo = b.OptionB.TeacherTeo
	s.AcceptTeo = b.AcceptTeo
	s.AcceptRatio = b.AcceptRatio
	s.Tier = FromTier(b.Tier)
}

// Store persists snapshots. Implementations enforce uniqueness of every
// non-empty correlation key. The checkout session key is unique among rows
// that are not Dead, which also bounds (student, course, session) to one
// applied or confirmed snapshot.
type Store interface {
	// Create inserts s after moving every id in supersede that is still
	// draft or applied to superseded, in one transaction. A key collision
	// fails with errs.ErrDuplicateEntry.
	Create(ctx context.Context, s *Snapshot, supersede []string) error

	Get(ctx context.Context, id string) (*Snapshot, error)

	// FindBy returns the newest snapshot whose key k equals value,
	// preferring rows that are not Dead.
	FindBy(ctx context.Context, k Key, value string) (*Snapshot, error)

	// FindOpen returns draft or applied snapshots for the tuple.
	FindOpen(ctx context.Context, student, course, session string) ([]*Snapshot, error)

	// Update reads the snapshot under an exclusive row lock, applies fn and
	// writes the result. An error from fn aborts without writing.
	Update(ctx context.Context, id string, fn func(s *Snapshot) error) (*Snapshot, error)

	// ListAppliedBefore returns applied snapshots applied before cutoff,
	// oldest first.
	ListAppliedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Snapshot, error)

	// ListByUser returns snapshots where user is the student or teacher,
	// newest first.
	ListByUser(ctx context.Context, user string, limit int) ([]*Snapshot, error)
}
