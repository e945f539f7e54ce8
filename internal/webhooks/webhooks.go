// Package webhooks delivers outbox events to HTTP endpoints registered by
// teachers and students, so they learn about decisions and settled
// discounts without polling.
//
// Payloads are signed with HMAC-SHA256 under the subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/outbox"
	"github.com/teocoin/settlement/internal/security"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-TeoCoin-Event"
	HeaderEventID   = "X-TeoCoin-Event-Id"
	HeaderTimestamp = "X-TeoCoin-Timestamp"
	HeaderSignature = "X-TeoCoin-Signature"
)

// MaxConsecutiveFailures disables a subscription whose endpoint keeps
// failing.
const MaxConsecutiveFailures = 20

// Subscription is one registered endpoint.
type Subscription struct {
	ID                  string        `json:"id"`
	UserRef             string        `json:"userRef"`
	URL                 string        `json:"url"`
	Secret              string        `json:"-"`
	Events              []outbox.Type `json:"events"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"createdAt"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Wants reports whether s should receive events of typ.
func (s *Subscription) Wants(typ outbox.Type) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == typ {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userRef string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Delivery is the JSON body posted to subscribers.
type Delivery struct {
	ID          string          `json:"id"`
	Type        outbox.Type     `json:"type"`
	AggregateID string          `json:"aggregateId"`
	CreatedAt   time.Time       `json:"createdAt"`
	Data        json.RawMessage `json:"data"`
}

// Dispatcher is the outbox sink posting events to the recipient's
// subscriptions.
type Dispatcher struct {
	store         Store
	client        *http.Client
	defaultSecret string
	urlValidator  func(string) error
	now           func() time.Time
}

// NewDispatcher creates a new webhook dispatcher. defaultSecret signs
// deliveries to subscriptions created without their own secret.
func NewDispatcher(store Store, defaultSecret string) *Dispatcher {
	return &Dispatcher{
		store:         store,
		client:        &http.Client{Timeout: 10 * time.Second},
		defaultSecret: defaultSecret,
		urlValidator:  security.ValidateEndpointURL,
		now:           time.Now,
	}
}

// Name implements outbox.Sink.
func (d *Dispatcher) Name() string { return "webhooks" }

// Deliver implements outbox.Sink. It posts e to every active subscription
// of the recipient that wants its type and fails if any of them failed, so
// the relay retries the event. Subscribers deduplicate on the event id.
func (d *Dispatcher) Deliver(ctx context.Context, e *outbox.Event) error {
	if e.Recipient == "" {
		return nil
	}
	subs, err := d.store.ListByUser(ctx, e.Recipient)
	if err != nil {
		return fmt.Errorf("list subscriptions of %s: %w", e.Recipient, err)
	}

	payload, err := json.Marshal(Delivery{
		ID:          e.ID,
		Type:        e.Type,
		AggregateID: e.AggregateID,
		CreatedAt:   e.CreatedAt,
		Data:        e.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal delivery %s: %w", e.ID, err)
	}

	var failed []string
	for _, sub := range subs {
		if !sub.Wants(e.Type) {
			continue
		}
		err := d.send(ctx, sub, e, payload)
		d.record(ctx, sub, err)
		deliveriesTotal.WithLabelValues(string(e.Type), result(err)).Inc()
		if err != nil {
			logging.L(ctx).Warn("webhook delivery failed", "eventId", e.ID, "subscriptionId", sub.ID, "error", err)
			if sub.Active {
				failed = append(failed, sub.ID)
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("webhook delivery failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "delivered"
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, e *outbox.Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(e.Type))
	req.Header.Set(HeaderEventID, e.ID)
	req.Header.Set(HeaderTimestamp, ts)

	secret := sub.Secret
	if secret == "" {
		secret = d.defaultSecret
	}
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(ts, payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload" under secret.
func Sign(timestamp string, payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(timestamp string, payload []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(Sign(timestamp, payload, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

func (d *Dispatcher) record(ctx context.Context, sub *Subscription, err error) {
	if err == nil {
		now := d.now()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = err.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
			sub.Active = false
			logging.L(ctx).Warn("webhook subscription disabled", "subscriptionId", sub.ID,
				"failures", sub.ConsecutiveFailures)
		}
	}
	if uerr := d.store.Update(ctx, sub); uerr != nil && !errors.Is(uerr, context.Canceled) {
		logging.L(ctx).Warn("failed to update webhook subscription", "subscriptionId", sub.ID, "error", uerr)
	}
}
