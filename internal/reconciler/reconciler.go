// Package reconciler turns payment provider events into snapshot, hold
// and decision transitions. Each provider event takes effect at most once;
// redeliveries and the second success event of a purchase are no-ops.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teocoin/settlement/internal/decision"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/hold"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/outbox"
	"github.com/teocoin/settlement/internal/provider"
	"github.com/teocoin/settlement/internal/snapshot"
	"github.com/teocoin/settlement/internal/syncutil"
	"github.com/teocoin/settlement/internal/teo"
	"github.com/teocoin/settlement/internal/traces"
)

// Outcome is what an event did.
type Outcome string

const (
	OutcomeConfirmed    Outcome = "confirmed"
	OutcomeFailed       Outcome = "failed"
	OutcomeCaptureFail  Outcome = "capture_failed"
	OutcomeRepaired     Outcome = "repaired"
	OutcomeUncorrelated Outcome = "uncorrelated"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeNoop         Outcome = "noop"
)

// Sentinel is the externalTxnId stamped on a snapshot settled by event id.
func Sentinel(eventID string) string {
	return "provider:" + eventID
}

// Decisions are the decision engine hooks driven by payment outcomes.
type Decisions interface {
	OnPaymentCompleted(ctx context.Context, id string) (*decision.Decision, error)
	OnPaymentFailed(ctx context.Context, id string) (*decision.Decision, error)
}

// Enroller grants course access once a purchase is paid. Enrolling the
// same student in the same course again returns the existing enrollment.
type Enroller interface {
	Enroll(ctx context.Context, studentRef, courseRef, source string) (string, error)
}

// Config holds the reconciler's collaborators.
type Config struct {
	Snapshots *snapshot.Service
	Holds     *hold.Service
	Decisions Decisions
	Enroller  Enroller        // optional
	Processed EventStore
	Locker    syncutil.Locker
	Events    *outbox.Emitter // optional
	Treasury  string
}

// Reconciler applies provider events.
type Reconciler struct {
	snapshots *snapshot.Service
	holds     *hold.Service
	decisions Decisions
	enroller  Enroller
	processed EventStore
	locker    syncutil.Locker
	events    *outbox.Emitter
	treasury  string
	now       func() time.Time
}

// New creates a reconciler.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		snapshots: cfg.Snapshots,
		holds:     cfg.Holds,
		decisions: cfg.Decisions,
		enroller:  cfg.Enroller,
		processed: cfg.Processed,
		locker:    cfg.Locker,
		events:    cfg.Events,
		treasury:  cfg.Treasury,
		now:       time.Now,
	}
}

// Result is the outcome of Apply.
type Result struct {
	Outcome    Outcome `json:"outcome"`
	SnapshotID string  `json:"snapshotId,omitempty"`
	Replayed   bool    `json:"replayed"`
}

func isSuccess(typ string) bool {
	return typ == provider.EventCheckoutSessionCompleted || typ == provider.EventPaymentIntentSucceeded
}

// Apply handles one verified event. It returns an error only when the
// event could not be handled and should be redelivered.
func (r *Reconciler) Apply(ctx context.Context, ev *provider.Event) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciler.apply", traces.EventID(ev.ID), traces.EventType(ev.Type))
	defer func() { traces.End(span, err) }()
	ctx = logging.With(ctx, "eventId", ev.ID, "eventType", ev.Type)

	defer func() {
		if err != nil {
			eventsTotal.WithLabelValues(ev.Type, "error").Inc()
		} else {
			eventsTotal.WithLabelValues(ev.Type, string(res.Outcome)).Inc()
		}
	}()

	if ev.Type != provider.EventPaymentIntentFailed && !isSuccess(ev.Type) {
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	if pe, err := r.processed.Get(ctx, ev.ID); err == nil {
		return &Result{Outcome: pe.Outcome, SnapshotID: pe.SnapshotRef, Replayed: true}, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	// A snapshot carrying this event's sentinel was settled by an earlier
	// delivery that stopped before recording it.
	if snap, err := r.snapshots.FindBy(ctx, snapshot.KeyExternalTxn, Sentinel(ev.ID)); err == nil {
		if isSuccess(ev.Type) && snap.State != snapshot.StateFailed {
			if err := r.settle(ctx, snap); err != nil {
				return nil, err
			}
		} else if err := r.fail(ctx, snap); err != nil {
			return nil, err
		}
		outcome := OutcomeConfirmed
		if snap.State == snapshot.StateFailed {
			outcome = OutcomeFailed
		}
		return r.record(ctx, ev, snap.ID, outcome, true)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	snap, err := r.correlate(ctx, ev.Object, func(s *snapshot.Snapshot) bool { return s.State == snapshot.StateApplied })
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return r.uncorrelated(ctx, ev)
	}
	span.SetAttributes(traces.SnapshotID(snap.ID))

	unlock, err := r.locker.Lock(ctx, snapshot.LockKey(snap.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock: a concurrent event for the same purchase may
	// have settled it while this one was correlating.
	snap, err = r.snapshots.Get(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	if snap.State != snapshot.StateApplied {
		logging.L(ctx).Info("snapshot already settled by another event", "snapshotId", snap.ID, "state", snap.State)
		if isSuccess(ev.Type) && (snap.State == snapshot.StateConfirmed || snap.State == snapshot.StateClosed) {
			if err := r.settle(ctx, snap); err != nil {
				return nil, err
			}
		}
		return r.record(ctx, ev, snap.ID, OutcomeNoop, false)
	}

	if isSuccess(ev.Type) {
		return r.confirm(ctx, ev, snap)
	}
	return r.release(ctx, ev, snap)
}

// correlate finds the snapshot an event belongs to: by the snapshot id in
// the metadata, then the checkout session, then the payment intent. Only
// snapshots accepted by ok qualify. A nil snapshot means no match.
func (r *Reconciler) correlate(ctx context.Context, obj provider.Object, ok func(*snapshot.Snapshot) bool) (*snapshot.Snapshot, error) {
	type lookup struct {
		via   string
		value string
		find  func() (*snapshot.Snapshot, error)
	}
	id := obj.Metadata[provider.MetaSnapshotID]
	lookups := []lookup{
		{"metadata", id, func() (*snapshot.Snapshot, error) { return r.snapshots.Get(ctx, id) }},
		{"checkout_session", obj.CheckoutSessionID, func() (*snapshot.Snapshot, error) {
			return r.snapshots.FindBy(ctx, snapshot.KeyCheckoutSession, obj.CheckoutSessionID)
		}},
		{"payment_intent", obj.PaymentIntentID, func() (*snapshot.Snapshot, error) {
			return r.snapshots.FindBy(ctx, snapshot.KeyPaymentIntent, obj.PaymentIntentID)
		}},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		s, err := l.find()
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ok(s) {
			correlations.WithLabelValues(l.via).Inc()
			return s, nil
		}
	}
	return nil, nil
}

// confirm captures the hold and confirms the snapshot. The student's spend
// is posted by the capture before the snapshot turns confirmed.
func (r *Reconciler) confirm(ctx context.Context, ev *provider.Event, snap *snapshot.Snapshot) (*Result, error) {
	h, err := r.holds.Capture(ctx, snap.HoldID, r.treasury)
	if err != nil {
		if !errors.Is(err, errs.ErrHoldAlreadyResolved) && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		// The fiat side succeeded but the tokens are gone; the purchase
		// needs an operator.
		logging.L(ctx).Error("hold capture failed after payment", "alert", true, "snapshotId", snap.ID,
			"holdId", snap.HoldID, "error", err)
		failed, terr := r.snapshots.Transition(ctx, snap.ID, snapshot.StateFailed, stamp(ev))
		if terr != nil {
			return nil, terr
		}
		if err := r.fail(ctx, failed); err != nil {
			return nil, err
		}
		return r.record(ctx, ev, snap.ID, OutcomeCaptureFail, false)
	}

	confirmed, err := r.snapshots.Transition(ctx, snap.ID, snapshot.StateConfirmed, func(s *snapshot.Snapshot) {
		s.CaptureID = h.CaptureTag
		stamp(ev)(s)
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("discount confirmed", "snapshotId", snap.ID, "holdId", h.ID, "amount", teo.Format(h.Amount))

	if err := r.settle(ctx, confirmed); err != nil {
		return nil, err
	}
	return r.record(ctx, ev, snap.ID, OutcomeConfirmed, false)
}

// stamp records the event on the snapshot: the sentinel when no external
// transaction id is set, and any provider id it does not carry yet.
func stamp(ev *provider.Event) func(*snapshot.Snapshot) {
	return func(s *snapshot.Snapshot) {
		if s.ExternalTxnID == "" {
			s.ExternalTxnID = Sentinel(ev.ID)
		}
		if s.PaymentIntentID == "" {
			s.PaymentIntentID = ev.Object.PaymentIntentID
		}
		if s.CheckoutSessionID == "" {
			s.CheckoutSessionID = ev.Object.CheckoutSessionID
		}
	}
}

// settle runs the follow-ups of a confirmed purchase. Each is idempotent,
// so repeats repair a delivery that stopped half way.
func (r *Reconciler) settle(ctx context.Context, snap *snapshot.Snapshot) error {
	if snap.DecisionRef != "" && r.decisions != nil {
		if _, err := r.decisions.OnPaymentCompleted(ctx, snap.DecisionRef); err != nil {
			return fmt.Errorf("decision %s payment completed: %w", snap.DecisionRef, err)
		}
	}
	if r.enroller != nil {
		if _, err := r.enroller.Enroll(ctx, snap.StudentRef, snap.CourseRef, snap.ID); err != nil {
			return fmt.Errorf("enroll %s in %s: %w", snap.StudentRef, snap.CourseRef, err)
		}
	}
	r.events.Emit(ctx, outbox.TypeDiscountConfirmed, snap.ID, snap.TeacherRef, payload(snap))
	return nil
}

// release returns the hold of a failed payment and fails the snapshot.
func (r *Reconciler) release(ctx context.Context, ev *provider.Event, snap *snapshot.Snapshot) (*Result, error) {
	if _, err := r.holds.Release(ctx, snap.HoldID); err != nil {
		if errors.Is(err, errs.ErrHoldAlreadyResolved) {
			err = fmt.Errorf("snapshot %s applied with captured hold %s: %w", snap.ID, snap.HoldID, errs.ErrInvariantViolation)
			alert(ctx, "capture_once", err, "snapshotId", snap.ID)
		}
		return nil, err
	}
	failed, err := r.snapshots.Transition(ctx, snap.ID, snapshot.StateFailed, stamp(ev))
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("discount failed, hold released", "snapshotId", snap.ID, "holdId", snap.HoldID)
	if err := r.fail(ctx, failed); err != nil {
		return nil, err
	}
	return r.record(ctx, ev, snap.ID, OutcomeFailed, false)
}

func (r *Reconciler) fail(ctx context.Context, snap *snapshot.Snapshot) error {
	if snap.DecisionRef != "" && r.decisions != nil {
		if _, err := r.decisions.OnPaymentFailed(ctx, snap.DecisionRef); err != nil {
			return fmt.Errorf("decision %s payment failed: %w", snap.DecisionRef, err)
		}
	}
	r.events.Emit(ctx, outbox.TypeDiscountFailed, snap.ID, snap.StudentRef, payload(snap))
	return nil
}

// uncorrelated handles events that match no applied snapshot: repeats for
// purchases settled through another key, and plain fiat purchases.
func (r *Reconciler) uncorrelated(ctx context.Context, ev *provider.Event) (*Result, error) {
	if !isSuccess(ev.Type) {
		logging.L(ctx).Warn("payment failure for unknown purchase")
		return &Result{Outcome: OutcomeUncorrelated}, nil
	}
	settled, err := r.correlate(ctx, ev.Object, func(s *snapshot.Snapshot) bool {
		return s.State == snapshot.StateConfirmed || s.State == snapshot.StateClosed
	})
	if err != nil {
		return nil, err
	}
	if settled != nil {
		if err := r.settle(ctx, settled); err != nil {
			return nil, err
		}
		return r.record(ctx, ev, settled.ID, OutcomeRepaired, false)
	}

	meta := ev.Object.Metadata
	if r.enroller != nil && meta[provider.MetaSnapshotID] == "" && meta[provider.MetaUserID] != "" && meta[provider.MetaCourseID] != "" {
		if _, err := r.enroller.Enroll(ctx, meta[provider.MetaUserID], meta[provider.MetaCourseID], ev.Object.PaymentIntentID); err != nil {
			return nil, err
		}
		logging.L(ctx).Info("fiat purchase enrolled", "userRef", meta[provider.MetaUserID], "courseRef", meta[provider.MetaCourseID])
		return r.record(ctx, ev, "", OutcomeUncorrelated, false)
	}
	logging.L(ctx).Warn("payment event matches no discount snapshot",
		"paymentIntentId", ev.Object.PaymentIntentID, "checkoutSessionId", ev.Object.CheckoutSessionID)
	return &Result{Outcome: OutcomeUncorrelated}, nil
}

func (r *Reconciler) record(ctx context.Context, ev *provider.Event, snapshotID string, outcome Outcome, replayed bool) (*Result, error) {
	err := r.processed.Record(ctx, &ProcessedEvent{
		EventID:     ev.ID,
		Type:        ev.Type,
		SnapshotRef: snapshotID,
		Outcome:     outcome,
		ProcessedAt: r.now(),
	})
	if err != nil && !errors.Is(err, errs.ErrDuplicateEntry) {
		return nil, err
	}
	return &Result{Outcome: outcome, SnapshotID: snapshotID, Replayed: replayed}, nil
}

func payload(s *snapshot.Snapshot) map[string]any {
	return map[string]any{
		"snapshotId":  s.ID,
		"decisionId":  s.DecisionRef,
		"studentRef":  s.StudentRef,
		"teacherRef":  s.TeacherRef,
		"courseRef":   s.CourseRef,
		"state":       s.State,
		"studentPays": teo.FormatEUR(s.StudentPays),
		"discountTeo": teo.Format(s.DiscountTeo),
		"offeredTeo":  teo.Format(s.OfferedTeo),
	}
}

func alert(ctx context.Context, check string, err error, args ...any) {
	invariantViolations(check)
	logging.L(ctx).Error("invariant violation", append([]any{"alert", true, "check", check, "error", err}, args...)...)
}
