package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/circuitbreaker"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/retry"
)

const testSecret = "whsec_test"

func newStripe(t *testing.T, h http.HandlerFunc) *Stripe {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewStripe(StripeConfig{
		APIKey:  "sk_test_123",
		Timeout: 2 * time.Second,
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Breaker: circuitbreaker.New(10, time.Minute),
		BaseURL: srv.URL,
	})
}

func intentRequest() IntentRequest {
	return IntentRequest{
		Amount:         decimal.RequireFromString("90.00"),
		IdempotencyKey: "intent:snap_1",
		Metadata:       map[string]string{MetaSnapshotID: "snap_1", MetaHoldID: "hold_1"},
	}
}

func TestStripe_CreateIntent(t *testing.T) {
	var idemKey, amount, snap string
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.NoError(t, r.ParseForm())
		idemKey = r.Header.Get("Idempotency-Key")
		amount = r.PostForm.Get("amount")
		snap = r.PostForm.Get("metadata[discount_snapshot_id]")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","object":"payment_intent","amount":9000,"currency":"eur",
			"client_secret":"pi_1_secret","status":"requires_payment_method",
			"metadata":{"discount_snapshot_id":"snap_1"}}`))
	})

	in, err := s.CreateIntent(context.Background(), intentRequest())
	require.NoError(t, err)
	assert.Equal(t, "pi_1", in.ID)
	assert.Equal(t, "pi_1_secret", in.ClientSecret)
	assert.True(t, in.Amount.Equal(decimal.RequireFromString("90")))
	assert.Equal(t, "intent:snap_1", idemKey)
	assert.Equal(t, "9000", amount)
	assert.Equal(t, "snap_1", snap)
}

func TestStripe_RetriesThenUnavailable(t *testing.T) {
	var hits atomic.Int32
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})

	_, err := s.CreateIntent(context.Background(), intentRequest())
	require.ErrorIs(t, err, errs.ErrProviderUnavailable)
	assert.EqualValues(t, 3, hits.Load())
}

func TestStripe_RetrySucceedsWithSameKey(t *testing.T) {
	var hits atomic.Int32
	keys := make(chan string, 3)
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"try again"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"pi_2","object":"payment_intent","amount":9000,"currency":"eur","status":"requires_payment_method"}`))
	})

	in, err := s.CreateIntent(context.Background(), intentRequest())
	require.NoError(t, err)
	assert.Equal(t, "pi_2", in.ID)
	assert.Equal(t, "intent:snap_1", <-keys)
	assert.Equal(t, "intent:snap_1", <-keys)
}

func TestStripe_RejectedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	})

	_, err := s.CreateIntent(context.Background(), intentRequest())
	require.ErrorIs(t, err, errs.ErrProviderRejected)
	assert.Contains(t, err.Error(), "declined")
	assert.EqualValues(t, 1, hits.Load())
}

func TestStripe_OpenBreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	s := NewStripe(StripeConfig{
		APIKey:  "sk_test_123",
		Retry:   retry.Policy{MaxAttempts: 1},
		Breaker: circuitbreaker.New(1, time.Hour),
		BaseURL: srv.URL,
	})

	_, err := s.CreateIntent(context.Background(), intentRequest())
	require.ErrorIs(t, err, errs.ErrProviderUnavailable)
	_, err = s.CreateIntent(context.Background(), intentRequest())
	require.ErrorIs(t, err, errs.ErrProviderUnavailable)
	assert.EqualValues(t, 1, hits.Load())
}

func TestStripe_RequiresIdempotencyKey(t *testing.T) {
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	req := intentRequest()
	req.IdempotencyKey = ""
	_, err := s.CreateIntent(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestWebhookVerifier_CheckoutSession(t *testing.T) {
	ev := &Event{ID: "evt_1", Type: EventCheckoutSessionCompleted, Object: Object{
		ID:              "cs_1",
		PaymentIntentID: "pi_1",
		Metadata:        map[string]string{MetaSnapshotID: "snap_1"},
	}}
	payload := EncodeEvent(ev)

	got, err := NewWebhookVerifier(testSecret).ParseWebhook(payload, Sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", got.ID)
	assert.Equal(t, EventCheckoutSessionCompleted, got.Type)
	assert.Equal(t, "cs_1", got.Object.CheckoutSessionID)
	assert.Equal(t, "pi_1", got.Object.PaymentIntentID)
	assert.Equal(t, "snap_1", got.Object.Metadata[MetaSnapshotID])
}

func TestWebhookVerifier_PaymentIntent(t *testing.T) {
	ev := &Event{ID: "evt_2", Type: EventPaymentIntentFailed, Object: Object{ID: "pi_9", Status: "requires_payment_method"}}
	payload := EncodeEvent(ev)

	got, err := NewWebhookVerifier(testSecret).ParseWebhook(payload, Sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "pi_9", got.Object.PaymentIntentID)
	assert.Empty(t, got.Object.CheckoutSessionID)
}

func TestWebhookVerifier_RejectsBadSignature(t *testing.T) {
	payload := EncodeEvent(&Event{ID: "evt_3", Type: EventPaymentIntentSucceeded, Object: Object{ID: "pi_1"}})
	v := NewWebhookVerifier(testSecret)

	_, err := v.ParseWebhook(payload, Sign(payload, "whsec_other", time.Now()))
	require.ErrorIs(t, err, errs.ErrSignatureInvalid)

	_, err = v.ParseWebhook(payload, "")
	require.ErrorIs(t, err, errs.ErrSignatureInvalid)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, err = v.ParseWebhook(tampered, Sign(payload, testSecret, time.Now()))
	require.ErrorIs(t, err, errs.ErrSignatureInvalid)
}

func TestWebhookVerifier_RejectsStaleSignature(t *testing.T) {
	payload := EncodeEvent(&Event{ID: "evt_4", Type: EventPaymentIntentSucceeded, Object: Object{ID: "pi_1"}})
	_, err := NewWebhookVerifier(testSecret).ParseWebhook(payload, Sign(payload, testSecret, time.Now().Add(-time.Hour)))
	require.ErrorIs(t, err, errs.ErrSignatureInvalid)
}

func TestFake_IdempotentByKey(t *testing.T) {
	f := NewFake()
	a, err := f.CreateIntent(context.Background(), intentRequest())
	require.NoError(t, err)
	b, err := f.CreateIntent(context.Background(), intentRequest())
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	req := intentRequest()
	req.IdempotencyKey = "intent:snap_2"
	c, err := f.CreateIntent(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)

	ev := f.Event("evt_1", EventCheckoutSessionCompleted, a.ID)
	assert.Equal(t, a.CheckoutSessionID, ev.Object.ID)
	assert.Equal(t, "snap_1", ev.Object.Metadata[MetaSnapshotID])
}

func TestFake_FailureInjection(t *testing.T) {
	f := NewFake()
	f.FailNext(1)
	_, err := f.CreateIntent(context.Background(), intentRequest())
	require.ErrorIs(t, err, errs.ErrProviderUnavailable)
	_, err = f.CreateIntent(context.Background(), intentRequest())
	require.NoError(t, err)

	f.Reject(true)
	req := intentRequest()
	req.IdempotencyKey = "intent:other"
	_, err = f.CreateIntent(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrProviderRejected)
	assert.Equal(t, 3, f.Calls())
}

func TestToCents(t *testing.T) {
	assert.EqualValues(t, 9000, ToCents(decimal.RequireFromString("90")))
	assert.EqualValues(t, 1, ToCents(decimal.RequireFromString("0.005")))
	assert.True(t, FromCents(1234).Equal(decimal.RequireFromString("12.34")))
}
