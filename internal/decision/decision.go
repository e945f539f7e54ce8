// Package decision implements the teacher's time-bounded choice between
// accepting the TEO offered for a discounted sale and keeping the fiat
// share. Each decision is bound 1:1 to a discount snapshot and credits
// either the teacher or the platform treasury exactly once.
package decision

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/snapshot"
	"github.com/teocoin/settlement/internal/teo"
)

// State is the decision lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateAccepted State = "accepted"
	StateDeclined State = "declined"
	StateExpired  State = "expired"
)

// DefaultTTL is how long a teacher has to decide.
const DefaultTTL = 24 * time.Hour

// Decision is the teacher choice record.
type Decision struct {
	ID                 string
	SnapshotRef        string
	TeacherRef         string
	StudentRef         string
	CourseRef          string
	PriceGross         decimal.Decimal
	DiscountPercent    int
	TeoCostAtomic      *big.Int // offered teacher TEO in 18-decimal units
	TeacherBonusAtomic *big.Int // part of the offer above the discount itself
	CommissionRate     decimal.Decimal
	TierName           string
	State              State
	CreatedAt          time.Time
	DecidedAt          *time.Time
	ExpiresAt          time.Time
	PaymentCompleted   bool
}

// ExpiredAt reports whether d is past its deadline at now. A decision read
// at exactly ExpiresAt is expired.
func (d *Decision) ExpiredAt(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// TeoCost is the offer converted back to TEO, floored at 8 decimals.
func (d *Decision) TeoCost() decimal.Decimal {
	return teo.FromAtomic(d.TeoCostAtomic)
}

// NewFromSnapshot builds the pending decision for snap.
func NewFromSnapshot(id string, snap *snapshot.Snapshot, now time.Time, ttl time.Duration) *Decision {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	bonus := snap.OfferedTeo.Sub(snap.DiscountTeo)
	if bonus.IsNegative() {
		bonus = decimal.Zero
	}
	return &Decision{
		ID:                 id,
		SnapshotRef:        snap.ID,
		TeacherRef:         snap.TeacherRef,
		StudentRef:         snap.StudentRef,
		CourseRef:          snap.CourseRef,
		PriceGross:         snap.PriceGross,
		DiscountPercent:    snap.DiscountPercent,
		TeoCostAtomic:      teo.ToAtomic(snap.OfferedTeo),
		TeacherBonusAtomic: teo.ToAtomic(bonus),
		CommissionRate:     snap.Tier.PlatformSplitPct.Div(decimal.NewFromInt(100)),
		TierName:           snap.Tier.Name,
		State:              StatePending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
	}
}

func cloneDecision(d *Decision) *Decision {
	cp := *d
	if d.TeoCostAtomic != nil {
		cp.TeoCostAtomic = new(big.Int).Set(d.TeoCostAtomic)
	}
	if d.TeacherBonusAtomic != nil {
		cp.TeacherBonusAtomic = new(big.Int).Set(d.TeacherBonusAtomic)
	}
	if d.DecidedAt != nil {
		t := *d.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}

// Store persists decisions.
type Store interface {
	// CreateLinked inserts d and sets the snapshot's decisionRef in one
	// transaction. If the snapshot already has a decision that one is
	// returned with created=false. A snapshot linked elsewhere fails with
	// errs.ErrInvariantViolation.
	CreateLinked(ctx context.Context, d *Decision) (out *Decision, created bool, err error)

	Get(ctx context.Context, id string) (*Decision, error)
	GetBySnapshot(ctx context.Context, snapshotID string) (*Decision, error)

	// Transition moves a pending decision to to. A decision that already
	// left pending is returned unchanged with errs.ErrDecisionAlreadyProcessed.
	Transition(ctx context.Context, id string, to State, at time.Time) (*Decision, error)

	MarkPaymentCompleted(ctx context.Context, id string) (*Decision, error)

	// ListPending returns a teacher's pending decisions, oldest first. An
	// empty teacher lists all.
	ListPending(ctx context.Context, teacherRef string, limit int) ([]*Decision, error)

	// ListDue returns pending decisions with ExpiresAt <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Decision, error)
}

// Absorption is the teacher discount absorption record: one row per
// purchase opportunity, updated with the decision outcome.
type Absorption struct {
	ID             string          `json:"id"`
	TeacherRef     string          `json:"teacherRef"`
	CourseRef      string          `json:"courseRef"`
	StudentRef     string          `json:"studentRef"`
	DiscountAmount decimal.Decimal `json:"-"`
	TeoUsed        decimal.Decimal `json:"-"`
	TeacherTeo     decimal.Decimal `json:"-"`
	DecisionRef    string          `json:"decisionRef"`
	Outcome        State           `json:"outcome"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// AbsorptionStore upserts absorptions keyed by (teacher, course, student,
// discountAmount, teoUsed).
type AbsorptionStore interface {
	Upsert(ctx context.Context, a *Absorption) (*Absorption, error)
	ListByTeacher(ctx context.Context, teacherRef string, limit int) ([]*Absorption, error)
}
