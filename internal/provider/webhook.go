package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/teocoin/settlement/internal/errs"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

// WebhookVerifier checks Stripe webhook signatures against the endpoint
// secret and decodes the event.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewWebhookVerifier returns a verifier for secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// ParseWebhook implements Verifier.
func (v *WebhookVerifier) ParseWebhook(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		webhooksVerified.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%v: %w", err, errs.ErrSignatureInvalid)
	}
	out, err := decodeEvent(&ev)
	if err != nil {
		webhooksVerified.WithLabelValues("undecodable").Inc()
		return nil, err
	}
	webhooksVerified.WithLabelValues("ok").Inc()
	return out, nil
}

func decodeEvent(ev *stripe.Event) (*Event, error) {
	if ev.ID == "" || ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("event without id or data: %w", errs.ErrInvalidRequest)
	}
	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	switch out.Type {
	case EventCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %v: %w", err, errs.ErrInvalidRequest)
		}
		out.Object = Object{ID: cs.ID, Metadata: cs.Metadata, CheckoutSessionID: cs.ID, Status: string(cs.Status)}
		if cs.PaymentIntent != nil {
			out.Object.PaymentIntentID = cs.PaymentIntent.ID
		}
	case EventPaymentIntentSucceeded, EventPaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %v: %w", err, errs.ErrInvalidRequest)
		}
		out.Object = Object{ID: pi.ID, Metadata: pi.Metadata, PaymentIntentID: pi.ID, Status: string(pi.Status)}
	default:
		// Other event types are acknowledged and ignored; only the id is kept.
		var obj struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(ev.Data.Raw, &obj)
		out.Object = Object{ID: obj.ID}
	}
	return out, nil
}

// EncodeEvent renders ev in the provider's wire format. The fake provider
// and tests use it to produce deliveries the verifier accepts.
func EncodeEvent(ev *Event) []byte {
	obj := map[string]any{"id": ev.Object.ID, "metadata": ev.Object.Metadata}
	if ev.Object.Status != "" {
		obj["status"] = ev.Object.Status
	}
	switch ev.Type {
	case EventCheckoutSessionCompleted:
		obj["object"] = "checkout.session"
		if ev.Object.PaymentIntentID != "" {
			obj["payment_intent"] = ev.Object.PaymentIntentID
		}
	case EventPaymentIntentSucceeded, EventPaymentIntentFailed:
		obj["object"] = "payment_intent"
	}
	body, _ := json.Marshal(map[string]any{
		"id":          ev.ID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        ev.Type,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": obj},
	})
	return body
}

// Sign returns the signature header for payload under secret.
func Sign(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}
