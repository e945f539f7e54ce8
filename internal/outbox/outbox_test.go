package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	fail   bool
	events []string
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("endpoint down")
	}
	s.events = append(s.events, e.ID)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmit_DeduplicatesByAggregate(t *testing.T) {
	store := NewMemoryStore()
	em := NewEmitter(store)
	ctx := context.Background()

	em.Emit(ctx, TypeDecisionAccepted, "dec_1", "teacher_1", map[string]string{"amount": "12.50000000"})
	em.Emit(ctx, TypeDecisionAccepted, "dec_1", "teacher_1", map[string]string{"amount": "12.50000000"})

	e, err := store.Get(ctx, "decision.accepted:dec_1")
	require.NoError(t, err)
	assert.Equal(t, "teacher_1", e.Recipient)
	assert.JSONEq(t, `{"amount":"12.50000000"}`, string(e.Payload))

	claimed, err := store.Claim(ctx, 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestEmit_NilEmitter(t *testing.T) {
	var em *Emitter
	em.Emit(context.Background(), TypeDecisionExpired, "dec_1", "", nil)
}

func TestRelay_PublishesToAllSinks(t *testing.T) {
	store := NewMemoryStore()
	em := NewEmitter(store)
	ctx := context.Background()
	em.Emit(ctx, TypeDiscountConfirmed, "snap_1", "teacher_1", nil)
	em.Emit(ctx, TypeDecisionAccepted, "dec_1", "teacher_1", nil)

	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	relay := NewRelay(store, quietLogger(), a, b)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, a.events, 2)
	assert.Len(t, b.events, 2)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_FailedDeliveryIsRetried(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	NewEmitter(store).Emit(ctx, TypeDecisionDeclined, "dec_2", "teacher_1", nil)

	sink := &recordingSink{name: "webhook", fail: true}
	relay := NewRelay(store, quietLogger(), sink)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e, err := store.Get(ctx, "decision.declined:dec_2")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, e.LastError, "endpoint down")
	assert.Nil(t, e.PublishedAt)

	sink.fail = false
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelay_GivesUpAfterMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	NewEmitter(store).Emit(ctx, TypeDiscountFailed, "snap_9", "", nil)

	relay := NewRelay(store, quietLogger(), &recordingSink{name: "x", fail: true})
	for i := 0; i < MaxAttempts+2; i++ {
		_, err := relay.RunOnce(ctx)
		require.NoError(t, err)
	}
	e, err := store.Get(ctx, "discount.failed:snap_9")
	require.NoError(t, err)
	assert.Equal(t, MaxAttempts, e.Attempts)
}

func TestClaim_LeaseHidesEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	NewEmitter(store).Emit(ctx, TypeDecisionCreated, "dec_3", "teacher_1", nil)

	first, err := store.Claim(ctx, 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := store.Claim(ctx, 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestTimer_StopsOnCancel(t *testing.T) {
	timer := NewTimer(NewRelay(NewMemoryStore(), quietLogger()), 10*time.Millisecond, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
