package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/chainmirror"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/idgen"
	"github.com/teocoin/settlement/internal/ledger"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/outbox"
	"github.com/teocoin/settlement/internal/snapshot"
	"github.com/teocoin/settlement/internal/syncutil"
	"github.com/teocoin/settlement/internal/teo"
	"github.com/teocoin/settlement/internal/traces"
)

// Mirror receives accepted credits. Failures never undo the credit.
type Mirror interface {
	Append(ctx context.Context, decisionID, userRef string, amount decimal.Decimal) (*chainmirror.Record, error)
}

// Config holds the engine's collaborators.
type Config struct {
	Store       Store
	Absorptions AbsorptionStore
	Snapshots   *snapshot.Service
	Ledger      *ledger.Ledger
	Locker      syncutil.Locker
	Mirror      Mirror          // optional
	Events      *outbox.Emitter // optional
	Treasury    string
	TTL         time.Duration
}

// Engine runs the decision workflow.
type Engine struct {
	store       Store
	absorptions AbsorptionStore
	snapshots   *snapshot.Service
	ledger      *ledger.Ledger
	locker      syncutil.Locker
	mirror      Mirror
	events      *outbox.Emitter
	treasury    string
	ttl         time.Duration
	now         func() time.Time
}

// NewEngine creates a decision engine.
func NewEngine(cfg Config) *Engine {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{
		store:       cfg.Store,
		absorptions: cfg.Absorptions,
		snapshots:   cfg.Snapshots,
		ledger:      cfg.Ledger,
		locker:      cfg.Locker,
		mirror:      cfg.Mirror,
		events:      cfg.Events,
		treasury:    cfg.Treasury,
		ttl:         ttl,
		now:         time.Now,
	}
}

// WithClock replaces the engine's clock. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Delta is the ledger movement caused by a decision.
type Delta struct {
	UserRef string          `json:"userRef"`
	Kind    ledger.Kind     `json:"kind"`
	Amount  decimal.Decimal `json:"-"`
}

// Result is the outcome of MakeDecision.
type Result struct {
	Decision *Decision
	Delta    *Delta
	// Replayed is set when the decision had already left pending and the
	// stored outcome is returned.
	Replayed bool
}

func lockKey(id string) string { return "decision:" + id }

// CreateForSnapshot creates the pending decision for snap and links it.
// A snapshot that already has a decision returns that decision.
func (e *Engine) CreateForSnapshot(ctx context.Context, snap *snapshot.Snapshot) (*Decision, bool, error) {
	if snap.DecisionRef != "" {
		d, err := e.store.Get(ctx, snap.DecisionRef)
		return d, false, err
	}
	d := NewFromSnapshot(idgen.WithPrefix(idgen.PrefixDecision), snap, e.now(), e.ttl)
	out, created, err := e.store.CreateLinked(ctx, d)
	if err != nil {
		if errors.Is(err, errs.ErrInvariantViolation) {
			alert(ctx, "snapshot_link", err, "snapshotId", snap.ID)
		}
		return nil, false, err
	}
	if created {
		decisionsTotal.WithLabelValues(string(StatePending)).Inc()
		e.recordAbsorption(ctx, out, snap, decimal.Zero)
		logging.L(ctx).Info("decision created", "decisionId", out.ID, "snapshotId", snap.ID,
			"teacherRef", out.TeacherRef, "expiresAt", out.ExpiresAt)
		e.events.Emit(ctx, outbox.TypeDecisionCreated, out.ID, out.TeacherRef, eventPayload(out, decimal.Zero))
	}
	return out, created, nil
}

// MakeDecision records the teacher's choice.
//
// The per-decision lock makes concurrent calls queue; the first one to get
// it decides and later ones see the stored outcome. The ledger credit is
// committed before the decision leaves pending, so a crash in between is
// repaired by the next call. Whichever side that earlier attempt credited
// wins, even when the new call asks for the other choice.
func (e *Engine) MakeDecision(ctx context.Context, id string, accept bool, actor auth.Actor) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "decision.make", traces.DecisionID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := e.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(actor, auth.Resource{Kind: auth.ResourceDecision, OwnerRef: d.TeacherRef}, auth.ActionDecide); err != nil {
		return nil, err
	}

	now := e.now()
	if d.State == StatePending && d.ExpiredAt(now) {
		d, err = e.expireLocked(ctx, d, now)
		if err != nil {
			return nil, err
		}
		if d.State != StateExpired {
			return &Result{Decision: d, Replayed: true}, nil
		}
		return &Result{Decision: d}, fmt.Errorf("decision %s: %w", id, errs.ErrDecisionExpired)
	}
	if d.State != StatePending {
		e.finish(ctx, d)
		return &Result{Decision: d, Replayed: true}, nil
	}

	if !d.PaymentCompleted {
		return nil, fmt.Errorf("decision %s: %w", id, errs.ErrPaymentRequired)
	}

	prior, err := e.priorCredit(ctx, d)
	if err != nil {
		return nil, err
	}
	replayed := false
	if prior != "" && (prior == StateAccepted) != accept {
		logging.L(ctx).Warn("completing earlier decision attempt", "decisionId", id,
			"requested", accept, "state", prior)
		accept, replayed = prior == StateAccepted, true
	}

	snap, amount, err := e.amount(ctx, d)
	if err != nil {
		return nil, err
	}

	to, delta := StateDeclined, &Delta{UserRef: e.treasury, Kind: ledger.KindBonus, Amount: amount}
	if accept {
		to, delta = StateAccepted, &Delta{UserRef: d.TeacherRef, Kind: ledger.KindDiscountAccept, Amount: amount}
	}
	if err := e.credit(ctx, d, snap, delta); err != nil {
		return nil, err
	}
	if accept {
		e.mirrorCredit(ctx, d, amount)
	}

	d, err = e.store.Transition(ctx, id, to, now)
	if err != nil {
		return nil, err
	}
	decisionsTotal.WithLabelValues(string(to)).Inc()
	logging.L(ctx).Info("decision made", "decisionId", id, "state", to, "actor", actor.UserRef,
		"beneficiary", delta.UserRef, "amount", teo.Format(amount))

	e.finish(ctx, d)
	return &Result{Decision: d, Delta: delta, Replayed: replayed}, nil
}

// Get returns a decision, expiring it first if its deadline has passed.
func (e *Engine) Get(ctx context.Context, id string) (*Decision, error) {
	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State != StatePending || !d.ExpiredAt(e.now()) {
		return d, nil
	}
	return e.Expire(ctx, id)
}

// Pending lists a teacher's pending decisions, expiring overdue ones on
// the way.
func (e *Engine) Pending(ctx context.Context, teacherRef string, limit int) ([]*Decision, error) {
	list, err := e.store.ListPending(ctx, teacherRef, limit)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := list[:0]
	for _, d := range list {
		if d.ExpiredAt(now) {
			if _, err := e.Expire(ctx, d.ID); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Expire applies the timeout outcome to an overdue pending decision. It
// is what both the sweeper and lazy reads call, so they converge.
func (e *Engine) Expire(ctx context.Context, id string) (*Decision, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State != StatePending || !d.ExpiredAt(e.now()) {
		return d, nil
	}
	return e.expireLocked(ctx, d, e.now())
}

// expireLocked moves d to expired. A paid purchase settles Option A: the
// teacher keeps the fiat share and the treasury absorbs the TEO. An unpaid
// one is settled later by OnPaymentCompleted if the payment still lands.
// If an earlier accept already credited the teacher, d is accepted instead.
func (e *Engine) expireLocked(ctx context.Context, d *Decision, now time.Time) (*Decision, error) {
	to := StateExpired
	if d.PaymentCompleted {
		var err error
		if to, err = e.settleOptionA(ctx, d); err != nil {
			return nil, err
		}
	}
	out, err := e.store.Transition(ctx, d.ID, to, now)
	if errors.Is(err, errs.ErrDecisionAlreadyProcessed) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	decisionsTotal.WithLabelValues(string(to)).Inc()
	if to == StateAccepted {
		if _, amount, err := e.amount(ctx, out); err == nil {
			e.mirrorCredit(ctx, out, amount)
		}
		logging.L(ctx).Warn("overdue decision had an accepted credit", "decisionId", d.ID)
	} else {
		logging.L(ctx).Info("decision expired", "decisionId", d.ID, "paid", d.PaymentCompleted)
	}
	e.finish(ctx, out)
	return out, nil
}

// settleOptionA credits the treasury with the decision's TEO and returns
// StateExpired. When an earlier accept already credited the teacher it
// posts nothing and returns StateAccepted.
func (e *Engine) settleOptionA(ctx context.Context, d *Decision) (State, error) {
	prior, err := e.priorCredit(ctx, d)
	if err != nil {
		return "", err
	}
	if prior == StateAccepted {
		return StateAccepted, nil
	}
	snap, amount, err := e.amount(ctx, d)
	if err != nil {
		return "", err
	}
	return StateExpired, e.credit(ctx, d, snap, &Delta{UserRef: e.treasury, Kind: ledger.KindBonus, Amount: amount})
}

// priorCredit reports which side an earlier attempt already credited for
// d: StateAccepted for the teacher, StateDeclined for the treasury, or ""
// when neither was.
func (e *Engine) priorCredit(ctx context.Context, d *Decision) (State, error) {
	n, err := e.ledger.CountEntries(ctx, d.TeacherRef, ledger.KindDiscountAccept, d.ID)
	if err != nil {
		return "", err
	}
	if n > 0 {
		return StateAccepted, nil
	}
	n, err = e.ledger.CountEntries(ctx, e.treasury, ledger.KindBonus, d.ID)
	if err != nil {
		return "", err
	}
	if n > 0 {
		return StateDeclined, nil
	}
	return "", nil
}

// OnPaymentCompleted records that the purchase behind the decision was
// paid. A decision that expired before the payment landed is settled with
// Option A here.
func (e *Engine) OnPaymentCompleted(ctx context.Context, id string) (*Decision, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.store.MarkPaymentCompleted(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case d.State == StatePending && d.ExpiredAt(e.now()):
		return e.expireLocked(ctx, d, e.now())
	case d.State == StateExpired:
		if _, err := e.settleOptionA(ctx, d); err != nil {
			return nil, err
		}
		e.finish(ctx, d)
	}
	return d, nil
}

// OnPaymentFailed ends a pending decision whose purchase will not be paid.
// Nothing is credited.
func (e *Engine) OnPaymentFailed(ctx context.Context, id string) (*Decision, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State != StatePending || d.PaymentCompleted {
		return d, nil
	}
	out, err := e.store.Transition(ctx, id, StateExpired, e.now())
	if errors.Is(err, errs.ErrDecisionAlreadyProcessed) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	decisionsTotal.WithLabelValues(string(StateExpired)).Inc()
	logging.L(ctx).Info("decision cancelled, payment failed", "decisionId", id)
	e.events.Emit(ctx, outbox.TypeDecisionExpired, out.ID, out.TeacherRef, eventPayload(out, decimal.Zero))
	return out, nil
}

// amount derives the TEO to credit: the snapshot's teacher TEO when the
// student's purchase already allocated some, else the decision's offer.
func (e *Engine) amount(ctx context.Context, d *Decision) (*snapshot.Snapshot, decimal.Decimal, error) {
	snap, err := e.snapshots.ByDecision(ctx, d.ID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			err = fmt.Errorf("decision %s has no linked snapshot: %w", d.ID, errs.ErrInvariantViolation)
			alert(ctx, "snapshot_link", err, "decisionId", d.ID)
		}
		return nil, decimal.Zero, err
	}
	if snap.ID != d.SnapshotRef {
		err := fmt.Errorf("decision %s bound to %s but linked from %s: %w", d.ID, d.SnapshotRef, snap.ID, errs.ErrInvariantViolation)
		alert(ctx, "snapshot_link", err, "decisionId", d.ID)
		return nil, decimal.Zero, err
	}
	if snap.TeacherTeo.IsPositive() {
		return snap, snap.TeacherTeo, nil
	}
	return snap, d.TeoCost(), nil
}

// credit posts delta under the decision id. A duplicate means an earlier
// attempt already posted it.
func (e *Engine) credit(ctx context.Context, d *Decision, snap *snapshot.Snapshot, delta *Delta) error {
	if !delta.Amount.IsPositive() {
		return nil
	}
	_, err := e.ledger.Credit(ctx, delta.UserRef, delta.Amount, delta.Kind, d.ID,
		ledger.Refs{Snapshot: snap.ID, Decision: d.ID})
	return ledger.IgnoreDuplicate(err)
}

func (e *Engine) mirrorCredit(ctx context.Context, d *Decision, amount decimal.Decimal) {
	if e.mirror == nil || !amount.IsPositive() {
		return
	}
	if _, err := e.mirror.Append(ctx, d.ID, d.TeacherRef, amount); err != nil {
		mirrorFailures.Inc()
		logging.L(ctx).Warn("chain mirror append failed", "decisionId", d.ID, "error", err)
	}
}

// finish brings the snapshot, the absorption record and the outbox in line
// with a decided decision. Every step is idempotent, so replays call it to
// repair a previous attempt that stopped half way.
func (e *Engine) finish(ctx context.Context, d *Decision) {
	snap, err := e.snapshots.ByDecision(ctx, d.ID)
	if err != nil {
		logging.L(ctx).Warn("decision snapshot lookup failed", "decisionId", d.ID, "error", err)
		return
	}

	credited := decimal.Zero
	if d.State == StateAccepted {
		credited = snap.TeacherTeo
		if !credited.IsPositive() {
			credited = d.TeoCost()
		}
	}
	if snap.State == snapshot.StateConfirmed {
		_, err := e.snapshots.Transition(ctx, snap.ID, snapshot.StateClosed, func(s *snapshot.Snapshot) {
			s.TeacherAcceptedTeo = decimal.NewNullDecimal(credited)
			s.FinalTeacherTeo = decimal.NewNullDecimal(credited)
		})
		if err != nil && !errors.Is(err, errs.ErrInvalidTransition) {
			logging.L(ctx).Warn("closing snapshot failed", "decisionId", d.ID, "snapshotId", snap.ID, "error", err)
		}
	}
	e.recordAbsorption(ctx, d, snap, credited)

	typ := map[State]outbox.Type{
		StateAccepted: outbox.TypeDecisionAccepted,
		StateDeclined: outbox.TypeDecisionDeclined,
		StateExpired:  outbox.TypeDecisionExpired,
	}[d.State]
	if typ != "" {
		e.events.Emit(ctx, typ, d.ID, d.TeacherRef, eventPayload(d, credited))
	}
}

func (e *Engine) recordAbsorption(ctx context.Context, d *Decision, snap *snapshot.Snapshot, teacherTeo decimal.Decimal) {
	if e.absorptions == nil {
		return
	}
	now := e.now()
	_, err := e.absorptions.Upsert(ctx, &Absorption{
		ID:             idgen.WithPrefix(idgen.PrefixAbsorption),
		TeacherRef:     d.TeacherRef,
		CourseRef:      d.CourseRef,
		StudentRef:     d.StudentRef,
		DiscountAmount: snap.DiscountAmount,
		TeoUsed:        snap.DiscountTeo,
		TeacherTeo:     teacherTeo,
		DecisionRef:    d.ID,
		Outcome:        d.State,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		logging.L(ctx).Warn("absorption upsert failed", "decisionId", d.ID, "error", err)
	}
}

func eventPayload(d *Decision, credited decimal.Decimal) map[string]any {
	return map[string]any{
		"decisionId":  d.ID,
		"snapshotId":  d.SnapshotRef,
		"teacherRef":  d.TeacherRef,
		"courseRef":   d.CourseRef,
		"state":       d.State,
		"offeredTeo":  teo.Format(d.TeoCost()),
		"creditedTeo": teo.Format(credited),
	}
}

func alert(ctx context.Context, check string, err error, args ...any) {
	invariantViolations(check)
	logging.L(ctx).Error("invariant violation", append([]any{"alert", true, "check", check, "error", err}, args...)...)
}
