package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/idgen"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/split"
	"github.com/teocoin/settlement/internal/syncutil"
)

// ApplyRequest carries the inputs of UpsertOnApply.
type ApplyRequest struct {
	StudentRef        string
	TeacherRef        string
	CourseRef         string
	IdempotencyKey    string
	ExternalTxnID     string
	CheckoutSessionID string
	OrderID           string
	Breakdown         *split.Breakdown
}

// ApplyResult is the outcome of UpsertOnApply.
type ApplyResult struct {
	Snapshot *Snapshot
	Created  bool

	// Superseded lists snapshots replaced by this one. Their holds are
	// still active; the caller releases them.
	Superseded []*Snapshot
}

// Service wraps a Store with the state machine and find-or-create rules.
type Service struct {
	store  Store
	locker syncutil.Locker
	now    func() time.Time
}

// NewService creates a snapshot service.
func NewService(store Store, locker syncutil.Locker) *Service {
	return &Service{store: store, locker: locker, now: time.Now}
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// LockKey is the critical-section key for work on one snapshot. The
// webhook reconciler and the reaper take it before moving a snapshot out
// of applied.
func LockKey(id string) string {
	return "snapshot:" + id
}

// SyntheticKey is the idempotency key used when a caller supplies none.
func SyntheticKey(student, course string) string {
	return "discount_synthetic_" + student + "_" + course
}

// lookupChain returns the keys to try, in preference order.
func (r *ApplyRequest) lookupChain() [][2]string {
	var chain [][2]string
	add := func(k Key, v string) {
		if v != "" {
			chain = append(chain, [2]string{string(k), v})
		}
	}
	add(KeyIdempotency, r.IdempotencyKey)
	add(KeyExternalTxn, r.ExternalTxnID)
	add(KeyCheckoutSession, r.CheckoutSessionID)
	add(KeyOrder, r.OrderID)
	return chain
}

// UpsertOnApply finds or creates the snapshot for req.
//
// Keys are tried in order: idempotency key, external transaction id,
// checkout session id, order id. With none of them a synthetic key per
// (student, course) is used. Hits through the checkout session are special:
// a dead snapshot is skipped, and a draft or applied one whose inputs
// changed is superseded by a new snapshot. Every other hit is returned as is.
func (s *Service) UpsertOnApply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if req.StudentRef == "" || req.CourseRef == "" || req.Breakdown == nil {
		return nil, fmt.Errorf("student, course and breakdown are required: %w", errs.ErrInvalidRequest)
	}
	chain := req.lookupChain()
	if len(chain) == 0 {
		req.IdempotencyKey = SyntheticKey(req.StudentRef, req.CourseRef)
		chain = req.lookupChain()
	}

	// Serialize find-or-create on the strongest key presented.
	unlock, err := s.locker.Lock(ctx, "snapshot-key:"+chain[0][0]+":"+chain[0][1])
	if err != nil {
		return nil, err
	}
	defer unlock()

	var supersede []*Snapshot
	for _, kv := range chain {
		k := Key(kv[0])
		found, err := s.store.FindBy(ctx, k, kv[1])
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if k == KeyCheckoutSession {
			if found.State.Dead() {
				continue
			}
			if !found.State.Frozen() && !sameInputs(found, &req) {
				supersede = append(supersede, found)
				continue
			}
		}
		return &ApplyResult{Snapshot: found}, nil
	}

	if req.CheckoutSessionID != "" {
		open, err := s.store.FindOpen(ctx, req.StudentRef, req.CourseRef, req.CheckoutSessionID)
		if err != nil {
			return nil, err
		}
		for _, o := range open {
			if !containsID(supersede, o.ID) {
				supersede = append(supersede, o)
			}
		}
	}

	now := s.now()
	snap := &Snapshot{
		ID:                idgen.WithPrefix(idgen.PrefixSnapshot),
		IdempotencyKey:    req.IdempotencyKey,
		CheckoutSessionID: req.CheckoutSessionID,
		ExternalTxnID:     req.ExternalTxnID,
		OrderID:           req.OrderID,
		StudentRef:        req.StudentRef,
		TeacherRef:        req.TeacherRef,
		CourseRef:         req.CourseRef,
		State:             StateDraft,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	snap.ApplyBreakdown(req.Breakdown)

	ids := make([]string, len(supersede))
	for i, o := range supersede {
		ids[i] = o.ID
	}
	if err := s.store.Create(ctx, snap, ids); err != nil {
		if errors.Is(err, errs.ErrDuplicateEntry) {
			// Another process inserted first; return its row.
			for _, kv := range chain {
				if found, ferr := s.store.FindBy(ctx, Key(kv[0]), kv[1]); ferr == nil && !found.State.Dead() {
					return &ApplyResult{Snapshot: found}, nil
				}
			}
		}
		return nil, err
	}
	for _, o := range supersede {
		snapshotTransitions.WithLabelValues(string(o.State), string(StateSuperseded)).Inc()
		o.State = StateSuperseded
	}
	snapshotsCreated.Inc()
	logging.L(ctx).Info("snapshot created", "snapshotId", snap.ID, "studentRef", snap.StudentRef,
		"courseRef", snap.CourseRef, "superseded", len(supersede))
	return &ApplyResult{Snapshot: snap, Created: true, Superseded: supersede}, nil
}

func sameInputs(s *Snapshot, req *ApplyRequest) bool {
	b := req.Breakdown
	return s.StudentRef == req.StudentRef &&
		s.CourseRef == req.CourseRef &&
		s.PriceGross.Equal(b.PriceGross) &&
		s.DiscountPercent == b.DiscountPercent &&
		s.AcceptTeo == b.AcceptTeo &&
		s.AcceptRatio.Equal(b.AcceptRatio)
}

func containsID(list []*Snapshot, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Transition moves a snapshot to state to and applies mutate in the same
// write. Illegal edges fail with errs.ErrInvalidTransition; changing frozen
// fields fails with errs.ErrSnapshotFrozen.
func (s *Service) Transition(ctx context.Context, id string, to State, mutate func(*Snapshot)) (*Snapshot, error) {
	var from State
	out, err := s.store.Update(ctx, id, func(snap *Snapshot) error {
		from = snap.State
		if !CanTransition(snap.State, to) {
			return fmt.Errorf("snapshot %s %s -> %s: %w", id, snap.State, to, errs.ErrInvalidTransition)
		}
		before := snap.frozenFields()
		now := s.now()
		snap.State = to
		if mutate != nil {
			mutate(snap)
		}
		stampTime(snap, to, now)
		snap.UpdatedAt = now

		if from.Frozen() && before != snap.frozenFields() {
			return fmt.Errorf("snapshot %s: %w", id, errs.ErrSnapshotFrozen)
		}
		if to.Holding() && snap.HoldID == "" {
			return fmt.Errorf("snapshot %s entering %s without a hold: %w", id, to, errs.ErrInvariantViolation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	snapshotTransitions.WithLabelValues(string(from), string(to)).Inc()
	logging.L(ctx).Info("snapshot transition", "snapshotId", id, "from", from, "to", to)
	return out, nil
}

func stampTime(snap *Snapshot, to State, now time.Time) {
	t := now
	switch to {
	case StateApplied:
		snap.AppliedAt = &t
	case StateConfirmed:
		snap.ConfirmedAt = &t
	case StateFailed:
		snap.FailedAt = &t
	case StateExpired:
		snap.ExpiredAt = &t
	case StateClosed:
		snap.ClosedAt = &t
	}
}

// Update mutates a snapshot without changing its state. Changing frozen
// fields of a frozen snapshot fails with errs.ErrSnapshotFrozen.
func (s *Service) Update(ctx context.Context, id string, mutate func(*Snapshot)) (*Snapshot, error) {
	return s.store.Update(ctx, id, func(snap *Snapshot) error {
		before, outcome := snap.frozenFields(), snap.outcome()
		state := snap.State
		mutate(snap)
		if snap.State != state {
			return fmt.Errorf("use Transition to change state: %w", errs.ErrInvalidTransition)
		}
		if state.Frozen() && before != snap.frozenFields() {
			return fmt.Errorf("snapshot %s: %w", id, errs.ErrSnapshotFrozen)
		}
		if state == StateClosed && outcome != snap.outcome() {
			return fmt.Errorf("snapshot %s: %w", id, errs.ErrSnapshotFrozen)
		}
		snap.UpdatedAt = s.now()
		return nil
	})
}

// LinkDecision sets decisionRef. Linking the same decision again is a
// no-op; linking a different one is an invariant violation.
func (s *Service) LinkDecision(ctx context.Context, id, decisionID string) (*Snapshot, error) {
	return s.store.Update(ctx, id, func(snap *Snapshot) error {
		return linkDecision(snap, decisionID)
	})
}

// LinkDecisionFn is the Update mutation used by stores that link a decision
// inside their own transaction.
func LinkDecisionFn(decisionID string) func(*Snapshot) error {
	return func(snap *Snapshot) error { return linkDecision(snap, decisionID) }
}

func linkDecision(snap *Snapshot, decisionID string) error {
	switch snap.DecisionRef {
	case decisionID:
		return nil
	case "":
		if snap.State.Frozen() {
			return fmt.Errorf("snapshot %s: %w", snap.ID, errs.ErrSnapshotFrozen)
		}
		snap.DecisionRef = decisionID
		return nil
	default:
		return fmt.Errorf("snapshot %s already linked to %s: %w", snap.ID, snap.DecisionRef, errs.ErrInvariantViolation)
	}
}

// Get returns a snapshot by id.
func (s *Service) Get(ctx context.Context, id string) (*Snapshot, error) {
	return s.store.Get(ctx, id)
}

// FindBy returns the snapshot with correlation key k = value.
func (s *Service) FindBy(ctx context.Context, k Key, value string) (*Snapshot, error) {
	if value == "" {
		return nil, fmt.Errorf("%s: %w", k, errs.ErrNotFound)
	}
	return s.store.FindBy(ctx, k, value)
}

// ByDecision returns the snapshot linked to a decision.
func (s *Service) ByDecision(ctx context.Context, decisionID string) (*Snapshot, error) {
	return s.FindBy(ctx, KeyDecision, decisionID)
}

// ListAppliedBefore returns applied snapshots older than cutoff.
func (s *Service) ListAppliedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Snapshot, error) {
	return s.store.ListAppliedBefore(ctx, cutoff, limit)
}

// ListByUser returns the user's snapshots as student or teacher.
func (s *Service) ListByUser(ctx context.Context, user string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, user, limit)
}
