package provider

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/teocoin/settlement/internal/errs"
)

// Fake is an in-process Provider for development and tests. Intents are
// deduplicated by idempotency key like the real API.
type Fake struct {
	mu      sync.Mutex
	seq     int
	intents map[string]*Intent
	byKey   map[string]string
	calls   int

	unavailable int // calls left to fail as if retries were exhausted
	reject      bool
}

// NewFake returns an empty fake provider.
func NewFake() *Fake {
	return &Fake{intents: make(map[string]*Intent), byKey: make(map[string]string)}
}

// FailNext makes the next n calls fail with errs.ErrProviderUnavailable.
func (f *Fake) FailNext(n int) {
	f.mu.Lock()
	f.unavailable = n
	f.mu.Unlock()
}

// Reject toggles rejection of new intents.
func (f *Fake) Reject(on bool) {
	f.mu.Lock()
	f.reject = on
	f.mu.Unlock()
}

// Calls returns the number of calls served, failed ones included.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// CreateIntent implements Provider.
func (f *Fake) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.unavailable > 0 {
		f.unavailable--
		return nil, fmt.Errorf("create_intent: %w", errs.ErrProviderUnavailable)
	}
	if f.reject {
		return nil, fmt.Errorf("create_intent: card declined: %w", errs.ErrProviderRejected)
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required: %w", errs.ErrInvalidRequest)
	}
	if id, ok := f.byKey[req.IdempotencyKey]; ok {
		return copyIntent(f.intents[id]), nil
	}
	f.seq++
	n := strconv.Itoa(f.seq)
	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	in := &Intent{
		ID:                "pi_fake_" + n,
		ClientSecret:      "pi_fake_" + n + "_secret",
		CheckoutSessionID: "cs_fake_" + n,
		Status:            "requires_payment_method",
		Amount:            req.Amount,
		Metadata:          meta,
	}
	f.intents[in.ID] = in
	f.byKey[req.IdempotencyKey] = in.ID
	return copyIntent(in), nil
}

// GetIntent implements Provider.
func (f *Fake) GetIntent(_ context.Context, id string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.unavailable > 0 {
		f.unavailable--
		return nil, fmt.Errorf("get_intent: %w", errs.ErrProviderUnavailable)
	}
	in, ok := f.intents[id]
	if !ok {
		return nil, fmt.Errorf("payment intent %s: %w", id, errs.ErrNotFound)
	}
	return copyIntent(in), nil
}

// SetStatus changes an intent's status, as the card network would.
func (f *Fake) SetStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[id]; ok {
		in.Status = status
	}
}

// Event builds the provider event of type typ for intent id.
func (f *Fake) Event(eventID, typ, intentID string) *Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := Object{ID: intentID, PaymentIntentID: intentID}
	if in, ok := f.intents[intentID]; ok {
		obj.Metadata = in.Metadata
		obj.CheckoutSessionID = in.CheckoutSessionID
		if typ == EventCheckoutSessionCompleted {
			obj.ID = in.CheckoutSessionID
		}
	}
	return &Event{ID: eventID, Type: typ, Object: obj}
}

func copyIntent(in *Intent) *Intent {
	cp := *in
	cp.Metadata = make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}
