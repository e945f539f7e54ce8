// Package checkout is the entry point of a purchase. It prices the course,
// applies the discount (snapshot, hold, pending decision) and creates the
// payment intent the client completes.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/decision"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/hold"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/outbox"
	"github.com/teocoin/settlement/internal/provider"
	"github.com/teocoin/settlement/internal/reconciler"
	"github.com/teocoin/settlement/internal/snapshot"
	"github.com/teocoin/settlement/internal/split"
	"github.com/teocoin/settlement/internal/syncutil"
	"github.com/teocoin/settlement/internal/teo"
	"github.com/teocoin/settlement/internal/traces"
)

// Decisions is the part of the decision engine checkout drives.
type Decisions interface {
	CreateForSnapshot(ctx context.Context, snap *snapshot.Snapshot) (*decision.Decision, bool, error)
	OnPaymentFailed(ctx context.Context, id string) (*decision.Decision, error)
}

// Settler applies a provider event. Purchases that cost nothing in fiat,
// and client confirmations, settle through it like a webhook.
type Settler interface {
	Apply(ctx context.Context, ev *provider.Event) (*reconciler.Result, error)
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Catalog      Catalog
	Tiers        split.TierSource
	Snapshots    *snapshot.Service
	Holds        *hold.Service
	Decisions    Decisions
	Provider     provider.Provider
	Settler      Settler
	Enrollments  Enrollments
	Locker       syncutil.Locker
	Events       *outbox.Emitter // optional
	TokenEURRate decimal.Decimal
	Currency     string
}

// Service orchestrates checkout.
type Service struct {
	catalog     Catalog
	tiers       split.TierSource
	snapshots   *snapshot.Service
	holds       *hold.Service
	decisions   Decisions
	provider    provider.Provider
	settler     Settler
	enrollments Enrollments
	locker      syncutil.Locker
	events      *outbox.Emitter
	rate        decimal.Decimal
	currency    string
}

// NewService creates a checkout service.
func NewService(cfg Config) *Service {
	currency := cfg.Currency
	if currency == "" {
		currency = "eur"
	}
	return &Service{
		catalog:     cfg.Catalog,
		tiers:       cfg.Tiers,
		snapshots:   cfg.Snapshots,
		holds:       cfg.Holds,
		decisions:   cfg.Decisions,
		provider:    cfg.Provider,
		settler:     cfg.Settler,
		enrollments: cfg.Enrollments,
		locker:      cfg.Locker,
		events:      cfg.Events,
		rate:        cfg.TokenEURRate,
		currency:    currency,
	}
}

// IntentRequest is the input of CreateIntent.
type IntentRequest struct {
	UserRef           string
	CourseID          string
	UseDiscount       bool
	DiscountPercent   int
	AcceptTeo         bool
	AcceptRatio       *decimal.Decimal
	IdempotencyKey    string
	CheckoutSessionID string
}

// IntentResult is what the client needs to complete the payment.
type IntentResult struct {
	ClientSecret    string
	PaymentIntentID string
	FinalPrice      decimal.Decimal
	Pricing         *split.Breakdown
	Snapshot        *snapshot.Snapshot // nil without a discount
	DecisionID      string
	Created         bool
	Status          string
}

// Intent statuses reported to the client.
const (
	StatusRequiresPayment = "requires_payment"
	StatusConfirmed       = "confirmed"
	StatusProcessing      = "processing"
)

// CreateIntent prices the course, applies the discount when requested and
// creates the provider intent.
//
// Everything before the provider call is idempotent on the request keys,
// and the provider call itself uses the key intent:{snapshotId}, so a
// client retry converges on the same snapshot, hold, decision and intent.
// The provider is called with no lock held.
func (s *Service) CreateIntent(ctx context.Context, req IntentRequest) (res *IntentResult, err error) {
	ctx, span := traces.StartSpan(ctx, "checkout.create_intent", traces.UserRef(req.UserRef), traces.CourseRef(req.CourseID))
	defer func() { traces.End(span, err) }()
	defer func() { observeIntent(res, err) }()

	if req.UserRef == "" || req.CourseID == "" {
		return nil, fmt.Errorf("user and course are required: %w", errs.ErrInvalidRequest)
	}
	if req.DiscountPercent < 0 || req.DiscountPercent > 100 {
		return nil, fmt.Errorf("discount %d%%: %w", req.DiscountPercent, errs.ErrInvalidDiscountPercent)
	}
	course, err := s.catalog.Course(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}

	if !req.UseDiscount || req.DiscountPercent == 0 {
		return s.plainIntent(ctx, req, course)
	}

	b, err := s.price(ctx, course, course.Price, req.DiscountPercent, req.AcceptTeo, req.AcceptRatio)
	if err != nil {
		return nil, err
	}
	applied, err := s.apply(ctx, snapshot.ApplyRequest{
		StudentRef:        req.UserRef,
		TeacherRef:        course.TeacherRef,
		CourseRef:         course.ID,
		IdempotencyKey:    req.IdempotencyKey,
		CheckoutSessionID: req.CheckoutSessionID,
		Breakdown:         b,
	})
	if err != nil {
		return nil, err
	}
	snap := applied.snapshot
	span.SetAttributes(traces.SnapshotID(snap.ID), traces.DecisionID(snap.DecisionRef))

	res = &IntentResult{
		FinalPrice: snap.StudentPays,
		Pricing:    b,
		Snapshot:   snap,
		DecisionID: snap.DecisionRef,
		Created:    applied.created,
		Status:     StatusRequiresPayment,
	}

	if snap.State == snapshot.StateConfirmed || snap.State == snapshot.StateClosed {
		res.PaymentIntentID = snap.PaymentIntentID
		res.Status = StatusConfirmed
		return res, nil
	}

	if !snap.StudentPays.IsPositive() {
		// Nothing to charge: settle as if the provider reported success.
		if _, err := s.settler.Apply(ctx, &provider.Event{
			ID:   "free:" + snap.ID,
			Type: provider.EventPaymentIntentSucceeded,
			Object: provider.Object{Metadata: map[string]string{
				provider.MetaSnapshotID: snap.ID,
			}},
		}); err != nil {
			return nil, err
		}
		if res.Snapshot, err = s.snapshots.Get(ctx, snap.ID); err != nil {
			return nil, err
		}
		res.Status = StatusConfirmed
		return res, nil
	}

	intent, err := s.provider.CreateIntent(ctx, provider.IntentRequest{
		Amount:         snap.StudentPays,
		Currency:       s.currency,
		Description:    "course " + course.ID,
		IdempotencyKey: "intent:" + snap.ID,
		Metadata: map[string]string{
			provider.MetaSnapshotID: snap.ID,
			provider.MetaHoldID:     snap.HoldID,
			provider.MetaOrderID:    snap.OrderID,
			provider.MetaCourseID:   course.ID,
			provider.MetaUserID:     req.UserRef,
		},
	})
	if err != nil {
		// The snapshot keeps its hold; a retry reuses both, and the reaper
		// releases them if the client never comes back.
		logging.L(ctx).Warn("payment intent creation failed", "snapshotId", snap.ID, "error", err)
		return nil, err
	}
	res.ClientSecret = intent.ClientSecret
	res.PaymentIntentID = intent.ID

	res.Snapshot, err = s.snapshots.Update(ctx, snap.ID, func(sn *snapshot.Snapshot) {
		if sn.PaymentIntentID == "" {
			sn.PaymentIntentID = intent.ID
		}
		if sn.CheckoutSessionID == "" {
			sn.CheckoutSessionID = intent.CheckoutSessionID
		}
	})
	if err != nil {
		return nil, fmt.Errorf("record provider ids on %s: %w", snap.ID, err)
	}
	logging.L(ctx).Info("payment intent created", "snapshotId", snap.ID, "paymentIntentId", intent.ID,
		"studentPays", teo.FormatEUR(snap.StudentPays))
	return res, nil
}

func (s *Service) plainIntent(ctx context.Context, req IntentRequest, course *Course) (*IntentResult, error) {
	b, err := split.Compute(split.Input{PriceGross: course.Price, TokenEURRate: s.rate})
	if err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "plain_" + req.UserRef + "_" + course.ID
	}
	intent, err := s.provider.CreateIntent(ctx, provider.IntentRequest{
		Amount:         course.Price,
		Currency:       s.currency,
		Description:    "course " + course.ID,
		IdempotencyKey: "intent:" + key,
		Metadata: map[string]string{
			provider.MetaCourseID: course.ID,
			provider.MetaUserID:   req.UserRef,
		},
	})
	if err != nil {
		return nil, err
	}
	return &IntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		FinalPrice:      teo.RoundEUR(course.Price),
		Pricing:         b,
		Status:          StatusRequiresPayment,
	}, nil
}

// price computes the breakdown with the teacher's current tier.
func (s *Service) price(ctx context.Context, course *Course, price decimal.Decimal, pct int, acceptTeo bool, ratio *decimal.Decimal) (*split.Breakdown, error) {
	t, err := s.tiers.ForTeacher(ctx, course.TeacherRef)
	if err != nil {
		return nil, err
	}
	return split.Compute(split.Input{
		PriceGross:      price,
		DiscountPercent: pct,
		Tier:            &t,
		AcceptTeo:       acceptTeo,
		AcceptRatio:     ratio,
		TokenEURRate:    s.rate,
	})
}

type appliedSnapshot struct {
	snapshot *snapshot.Snapshot
	created  bool
}

// apply finds or creates the snapshot, places its hold, moves it to
// applied and creates its pending decision. Repeats return the same
// records.
func (s *Service) apply(ctx context.Context, req snapshot.ApplyRequest) (*appliedSnapshot, error) {
	up, err := s.snapshots.UpsertOnApply(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, old := range up.Superseded {
		s.retire(ctx, old)
	}

	snap := up.Snapshot
	switch {
	case snap.State == snapshot.StateDraft:
		if snap, err = s.placeHold(ctx, snap.ID); err != nil {
			return nil, err
		}
	case snap.State.Dead():
		return nil, fmt.Errorf("snapshot %s is %s: %w", snap.ID, snap.State, errs.ErrInvalidTransition)
	}

	if snap.DecisionRef == "" && snap.State == snapshot.StateApplied {
		if _, _, err := s.decisions.CreateForSnapshot(ctx, snap); err != nil {
			return nil, err
		}
		if snap, err = s.snapshots.Get(ctx, snap.ID); err != nil {
			return nil, err
		}
	}
	return &appliedSnapshot{snapshot: snap, created: up.Created}, nil
}

// placeHold reserves the discount's TEO and moves a draft snapshot to
// applied. The hold is tagged with the snapshot id, so a retry after a
// crash finds the same hold.
func (s *Service) placeHold(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	unlock, err := s.locker.Lock(ctx, snapshot.LockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	snap, err := s.snapshots.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.State != snapshot.StateDraft {
		return snap, nil
	}
	h, err := s.holds.Create(ctx, snap.StudentRef, snap.DiscountTeo, "discount", snap.ID)
	if err != nil {
		return nil, err
	}
	return s.snapshots.Transition(ctx, id, snapshot.StateApplied, func(sn *snapshot.Snapshot) {
		sn.HoldID = h.ID
	})
}

// retire releases what a superseded snapshot still holds. Failures are
// logged; the reaper skips superseded rows, so the hold is reported for
// an operator instead of being retried.
func (s *Service) retire(ctx context.Context, old *snapshot.Snapshot) {
	if old.HoldID != "" {
		if _, err := s.holds.Release(ctx, old.HoldID); err != nil && !errors.Is(err, errs.ErrHoldAlreadyResolved) {
			logging.L(ctx).Error("releasing superseded hold failed", "snapshotId", old.ID, "holdId", old.HoldID, "error", err)
		}
	}
	if old.DecisionRef != "" {
		if _, err := s.decisions.OnPaymentFailed(ctx, old.DecisionRef); err != nil {
			logging.L(ctx).Warn("ending superseded decision failed", "snapshotId", old.ID, "decisionId", old.DecisionRef, "error", err)
		}
	}
}

// DiscountRequest is the input of ConfirmDiscount.
type DiscountRequest struct {
	UserRef         string
	OrderID         string
	CourseID        string
	PriceEur        decimal.Decimal
	DiscountPercent int
	AcceptTeo       bool
	AcceptRatio     *decimal.Decimal
}

// DiscountResult is the outcome of ConfirmDiscount.
type DiscountResult struct {
	Snapshot  *snapshot.Snapshot
	Breakdown *split.Breakdown
	Created   bool
}

// ConfirmDiscount applies a discount for an order the client created
// itself. The order id is the idempotency key.
func (s *Service) ConfirmDiscount(ctx context.Context, req DiscountRequest) (res *DiscountResult, err error) {
	ctx, span := traces.StartSpan(ctx, "checkout.confirm_discount", traces.UserRef(req.UserRef), traces.CourseRef(req.CourseID))
	defer func() { traces.End(span, err) }()

	if req.UserRef == "" || req.CourseID == "" || req.OrderID == "" {
		return nil, fmt.Errorf("user, course and order are required: %w", errs.ErrInvalidRequest)
	}
	if req.DiscountPercent <= 0 || req.DiscountPercent > 100 {
		return nil, fmt.Errorf("discount %d%%: %w", req.DiscountPercent, errs.ErrInvalidDiscountPercent)
	}
	course, err := s.catalog.Course(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	b, err := s.price(ctx, course, req.PriceEur, req.DiscountPercent, req.AcceptTeo, req.AcceptRatio)
	if err != nil {
		return nil, err
	}
	applied, err := s.apply(ctx, snapshot.ApplyRequest{
		StudentRef: req.UserRef,
		TeacherRef: course.TeacherRef,
		CourseRef:  course.ID,
		OrderID:    req.OrderID,
		Breakdown:  b,
	})
	if err != nil {
		return nil, err
	}
	return &DiscountResult{Snapshot: applied.snapshot, Breakdown: b, Created: applied.created}, nil
}

// PaymentConfirmation is the outcome of ConfirmPayment.
type PaymentConfirmation struct {
	EnrollmentID string `json:"enrollmentId,omitempty"`
	SnapshotID   string `json:"snapshotId,omitempty"`
	Status       string `json:"status"`
}

// ConfirmPayment is the client's fallback for a webhook that has not
// arrived yet. It asks the provider for the intent and, once it succeeded,
// settles it the same way the webhook would.
func (s *Service) ConfirmPayment(ctx context.Context, userRef, paymentIntentID string) (res *PaymentConfirmation, err error) {
	ctx, span := traces.StartSpan(ctx, "checkout.confirm_payment", traces.UserRef(userRef))
	defer func() { traces.End(span, err) }()

	if paymentIntentID == "" {
		return nil, fmt.Errorf("payment intent id is required: %w", errs.ErrInvalidRequest)
	}
	intent, err := s.provider.GetIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if owner := intent.Metadata[provider.MetaUserID]; owner != userRef {
		return nil, fmt.Errorf("payment intent %s: %w", paymentIntentID, errs.ErrActorMismatch)
	}
	res = &PaymentConfirmation{SnapshotID: intent.Metadata[provider.MetaSnapshotID], Status: StatusProcessing}
	if intent.Status != provider.StatusSucceeded {
		return res, nil
	}

	if _, err := s.settler.Apply(ctx, &provider.Event{
		ID:   "confirm:" + intent.ID,
		Type: provider.EventPaymentIntentSucceeded,
		Object: provider.Object{
			ID:                intent.ID,
			PaymentIntentID:   intent.ID,
			CheckoutSessionID: intent.CheckoutSessionID,
			Metadata:          intent.Metadata,
		},
	}); err != nil {
		return nil, err
	}

	course := intent.Metadata[provider.MetaCourseID]
	if course == "" {
		return nil, fmt.Errorf("payment intent %s has no course: %w", paymentIntentID, errs.ErrInvalidRequest)
	}
	source := res.SnapshotID
	if source == "" {
		source = intent.ID
	}
	if res.EnrollmentID, err = s.enrollments.Enroll(ctx, userRef, course, source); err != nil {
		return nil, err
	}
	res.Status = StatusConfirmed
	return res, nil
}

// Reap expires one snapshot applied before cutoff by a client that never
// paid: the hold is released and the decision ended without credit.
func (s *Service) Reap(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock, err := s.locker.Lock(ctx, snapshot.LockKey(id))
	if err != nil {
		return false, err
	}
	defer unlock()

	snap, err := s.snapshots.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if snap.State != snapshot.StateApplied || snap.AppliedAt == nil || !snap.AppliedAt.Before(cutoff) {
		return false, nil
	}
	if _, err := s.holds.Release(ctx, snap.HoldID); err != nil {
		return false, err
	}
	if _, err := s.snapshots.Transition(ctx, id, snapshot.StateExpired, nil); err != nil {
		return false, err
	}
	if snap.DecisionRef != "" {
		if _, err := s.decisions.OnPaymentFailed(ctx, snap.DecisionRef); err != nil {
			return true, err
		}
	}
	s.events.Emit(ctx, outbox.TypeDiscountExpired, id, snap.StudentRef, map[string]any{
		"snapshotId":  id,
		"courseRef":   snap.CourseRef,
		"releasedTeo": teo.Format(snap.DiscountTeo),
	})
	logging.L(ctx).Info("stale snapshot expired", "snapshotId", id, "holdId", snap.HoldID,
		"amount", teo.Format(snap.DiscountTeo))
	return true, nil
}
