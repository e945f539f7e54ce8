// Package provider is the boundary to the fiat payment processor. The
// checkout orchestrator creates intents through a Provider; the webhook
// reconciler consumes events decoded by a Verifier.
package provider

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/teo"
)

// Event types the reconciler acts on.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
)

// Metadata keys bound to every intent created for a discounted purchase.
const (
	MetaSnapshotID = "discount_snapshot_id"
	MetaHoldID     = "hold_id"
	MetaOrderID    = "order_id"
	MetaCourseID   = "course_id"
	MetaUserID     = "user_id"
)

// StatusSucceeded is the intent status of a completed payment.
const StatusSucceeded = "succeeded"

// IntentRequest describes a payment intent to create.
type IntentRequest struct {
	Amount         decimal.Decimal // EUR
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the provider's view of a payment.
type Intent struct {
	ID                string
	ClientSecret      string
	CheckoutSessionID string
	Status            string
	Amount            decimal.Decimal
	Metadata          map[string]string
}

// Provider creates and reads payment intents. Implementations return
// errs.ErrProviderUnavailable once transient failures are exhausted and
// errs.ErrProviderRejected when the provider refuses the request.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
}

// Object is the part of an event payload used for correlation.
type Object struct {
	ID                string
	Metadata          map[string]string
	PaymentIntentID   string
	CheckoutSessionID string
	Status            string
}

// Event is a verified provider event.
type Event struct {
	ID     string
	Type   string
	Object Object
}

// Verifier authenticates and decodes a webhook delivery. A bad signature
// fails with errs.ErrSignatureInvalid and an undecodable body with
// errs.ErrInvalidRequest.
type Verifier interface {
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// ToCents converts an EUR amount to the provider's minor units.
func ToCents(eur decimal.Decimal) int64 {
	return teo.RoundEUR(eur).Shift(2).IntPart()
}

// FromCents converts minor units back to EUR.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
