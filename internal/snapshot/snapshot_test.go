package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/split"
	"github.com/teocoin/settlement/internal/syncutil"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), syncutil.NewLocalLocker(time.Second))
}

func breakdown(t *testing.T, price string, pct int, accept bool) *split.Breakdown {
	t.Helper()
	b, err := split.Compute(split.Input{
		PriceGross:      decimal.RequireFromString(price),
		DiscountPercent: pct,
		AcceptTeo:       accept,
	})
	require.NoError(t, err)
	return b
}

func applyReq(t *testing.T) ApplyRequest {
	return ApplyRequest{
		StudentRef:        "student_1",
		TeacherRef:        "teacher_1",
		CourseRef:         "course_1",
		IdempotencyKey:    "idem-1",
		CheckoutSessionID: "cs_1",
		Breakdown:         breakdown(t, "100.00", 10, false),
	}
}

// apply moves a fresh snapshot to applied with a hold, as checkout does.
func apply(t *testing.T, svc *Service, id, holdID string) *Snapshot {
	t.Helper()
	s, err := svc.Transition(context.Background(), id, StateApplied, func(s *Snapshot) { s.HoldID = holdID })
	require.NoError(t, err)
	return s
}

func TestUpsertOnApply_Idempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	first, err := svc.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, StateDraft, first.Snapshot.State)
	assert.Equal(t, "90", first.Snapshot.StudentPays.String())
	assert.Equal(t, "12.5", first.Snapshot.OfferedTeo.String())
	assert.Equal(t, "Bronze", first.Snapshot.Tier.Name)

	second, err := svc.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Snapshot.ID, second.Snapshot.ID)
}

func TestUpsertOnApply_KeyChain(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	req := applyReq(t)
	req.IdempotencyKey = ""
	req.OrderID = "order-9"
	created, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)

	// A new idempotency key with the same session finds the same row.
	req.IdempotencyKey = "idem-new"
	again, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, created.Snapshot.ID, again.Snapshot.ID)

	// The order id alone also resolves to it.
	byOrder, err := svc.UpsertOnApply(ctx, ApplyRequest{
		StudentRef: "student_1", CourseRef: "course_1", OrderID: "order-9",
		Breakdown: breakdown(t, "100.00", 10, false),
	})
	require.NoError(t, err)
	assert.Equal(t, created.Snapshot.ID, byOrder.Snapshot.ID)
}

func TestUpsertOnApply_SyntheticKey(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	req := ApplyRequest{StudentRef: "s9", CourseRef: "c9", Breakdown: breakdown(t, "50.00", 20, false)}

	r1, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "discount_synthetic_s9_c9", r1.Snapshot.IdempotencyKey)

	r2, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, r1.Snapshot.ID, r2.Snapshot.ID)
}

func TestUpsertOnApply_SupersedesChangedInputs(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	req := applyReq(t)
	req.IdempotencyKey = ""
	old, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)
	apply(t, svc, old.Snapshot.ID, "hold_old")

	req.Breakdown = breakdown(t, "100.00", 20, false)
	next, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)
	assert.True(t, next.Created)
	require.Len(t, next.Superseded, 1)
	assert.Equal(t, old.Snapshot.ID, next.Superseded[0].ID)
	assert.Equal(t, "hold_old", next.Superseded[0].HoldID)

	got, err := svc.Get(ctx, old.Snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuperseded, got.State)

	found, err := svc.FindBy(ctx, KeyCheckoutSession, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, next.Snapshot.ID, found.ID)
}

func TestUpsertOnApply_DeadSessionSnapshotIsReplaced(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	req := applyReq(t)
	req.IdempotencyKey = ""
	old, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)
	apply(t, svc, old.Snapshot.ID, "hold_1")
	_, err = svc.Transition(ctx, old.Snapshot.ID, StateFailed, nil)
	require.NoError(t, err)

	next, err := svc.UpsertOnApply(ctx, req)
	require.NoError(t, err)
	assert.True(t, next.Created)
	assert.Empty(t, next.Superseded)
}

func TestUpsertOnApply_ConcurrentSameKey(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.UpsertOnApply(ctx, applyReq(t))
			if assert.NoError(t, err) {
				ids <- r.Snapshot.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestUpsertOnApply_SharedStoreAcrossServices(t *testing.T) {
	store := NewMemoryStore()
	// Two services with separate in-process locks simulate two processes.
	a := NewService(store, syncutil.NewLocalLocker(time.Second))
	b := NewService(store, syncutil.NewLocalLocker(time.Second))
	ctx := context.Background()

	r1, err := a.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)
	r2, err := b.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)
	assert.Equal(t, r1.Snapshot.ID, r2.Snapshot.ID)
}

func TestTransition_StateMachine(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	r, err := svc.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)
	id := r.Snapshot.ID

	_, err = svc.Transition(ctx, id, StateConfirmed, nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition), "draft cannot confirm")

	_, err = svc.Transition(ctx, id, StateApplied, nil)
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation), "applied requires a hold")

	s := apply(t, svc, id, "hold_1")
	require.NotNil(t, s.AppliedAt)

	s, err = svc.Transition(ctx, id, StateConfirmed, func(s *Snapshot) {
		s.CaptureID = "hold_1"
		s.ExternalTxnID = "provider:evt_1"
	})
	require.NoError(t, err)
	require.NotNil(t, s.ConfirmedAt)

	_, err = svc.Transition(ctx, id, StateFailed, nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	s, err = svc.Transition(ctx, id, StateClosed, func(s *Snapshot) {
		v := decimal.RequireFromString("12.5")
		s.TeacherAcceptedTeo = decimal.NewNullDecimal(v)
		s.FinalTeacherTeo = decimal.NewNullDecimal(v)
	})
	require.NoError(t, err)
	assert.NotNil(t, s.ClosedAt)
	assert.True(t, s.TeacherAcceptedTeo.Valid)
}

func TestFrozenFieldsRejectMutation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	r, err := svc.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)
	id := r.Snapshot.ID
	apply(t, svc, id, "hold_1")

	// Applied snapshots still accept provider ids.
	_, err = svc.Update(ctx, id, func(s *Snapshot) { s.PaymentIntentID = "pi_1" })
	require.NoError(t, err)

	_, err = svc.Transition(ctx, id, StateConfirmed, func(s *Snapshot) { s.CaptureID = "hold_1" })
	require.NoError(t, err)

	_, err = svc.Update(ctx, id, func(s *Snapshot) { s.TeacherTeo = decimal.NewFromInt(99) })
	assert.True(t, errors.Is(err, errs.ErrSnapshotFrozen))

	_, err = svc.Transition(ctx, id, StateClosed, func(s *Snapshot) { s.HoldID = "hold_other" })
	assert.True(t, errors.Is(err, errs.ErrSnapshotFrozen))

	_, err = svc.Update(ctx, id, func(s *Snapshot) { s.State = StateFailed })
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	got, _ := svc.Get(ctx, id)
	assert.Equal(t, StateConfirmed, got.State)
	assert.Equal(t, "hold_1", got.HoldID)
}

func TestLinkDecision(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	r, err := svc.UpsertOnApply(ctx, applyReq(t))
	require.NoError(t, err)
	id := r.Snapshot.ID

	_, err = svc.LinkDecision(ctx, id, "dec_1")
	require.NoError(t, err)
	_, err = svc.LinkDecision(ctx, id, "dec_1")
	require.NoError(t, err)
	_, err = svc.LinkDecision(ctx, id, "dec_2")
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation))

	found, err := svc.ByDecision(ctx, "dec_1")
	require.NoError(t, err)
	assert.Equal(t, id, found.ID)
}

func TestListAppliedBefore(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i, key := range []string{"k1", "k2", "k3"} {
		svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		req := applyReq(t)
		req.IdempotencyKey = key
		req.CheckoutSessionID = ""
		r, err := svc.UpsertOnApply(ctx, req)
		require.NoError(t, err)
		apply(t, svc, r.Snapshot.ID, "hold_"+key)
		ids = append(ids, r.Snapshot.ID)
	}

	old, err := svc.ListAppliedBefore(ctx, base.Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.Equal(t, ids[0], old[0].ID)
	assert.Equal(t, ids[1], old[1].ID)
}

func TestSnapshotJSON(t *testing.T) {
	svc := newTestService()
	r, err := svc.UpsertOnApply(context.Background(), applyReq(t))
	require.NoError(t, err)

	raw, err := json.Marshal(r.Snapshot)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "90.00", m["studentPays"])
	assert.Equal(t, "10.00000000", m["platformTeo"])
	assert.Equal(t, "draft", m["state"])
	assert.Nil(t, m["teacherAcceptedTeo"])
}
