package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/teocoin/settlement/internal/circuitbreaker"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/retry"
)

const breakerKey = "stripe"

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	APIKey  string
	Timeout time.Duration // per attempt
	Retry   retry.Policy
	Breaker *circuitbreaker.Breaker
	Logger  *slog.Logger

	// BaseURL overrides the API endpoint. Tests point it at httptest.
	BaseURL string
}

// Stripe is a Provider backed by the Stripe API.
type Stripe struct {
	api     *client.API
	timeout time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// NewStripe builds a Stripe client. The SDK's own network retries are
// disabled; retries run through the configured policy so every attempt is
// bounded by Timeout and counted by the breaker.
func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(5, 30*time.Second)
	}
	cfg.Breaker.IsFailure = func(err error) bool { return !rejected(err) }
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &slogLogger{l: cfg.Logger.With("component", "stripe")},
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(cfg.BaseURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, bc),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, bc),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, bc),
	}
	return &Stripe{
		api:     client.New(cfg.APIKey, backends),
		timeout: cfg.Timeout,
		policy:  cfg.Retry,
		breaker: cfg.Breaker,
	}
}

// CreateIntent implements Provider. The idempotency key is sent on every
// attempt so a retry after a lost response returns the original intent.
func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required: %w", errs.ErrInvalidRequest)
	}
	currency := req.Currency
	if currency == "" {
		currency = string(stripe.CurrencyEUR)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToCents(req.Amount)),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	var pi *stripe.PaymentIntent
	err := s.call(ctx, "create_intent", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		pi, err = s.api.PaymentIntents.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return intentFromStripe(pi), nil
}

// GetIntent implements Provider.
func (s *Stripe) GetIntent(ctx context.Context, id string) (*Intent, error) {
	if id == "" {
		return nil, fmt.Errorf("payment intent id is required: %w", errs.ErrInvalidRequest)
	}
	var pi *stripe.PaymentIntent
	err := s.call(ctx, "get_intent", func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		var err error
		pi, err = s.api.PaymentIntents.Get(id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return intentFromStripe(pi), nil
}

// call runs fn through the retry policy and the breaker, each attempt on
// its own deadline.
func (s *Stripe) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := s.policy.Do(ctx, func(attempt int) error {
		err := s.breaker.Execute(breakerKey, func() error {
			actx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			return fn(actx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(fmt.Errorf("%s: %w", op, errs.ErrProviderUnavailable))
		case rejected(err):
			return retry.Permanent(fmt.Errorf("%s: %s: %w", op, stripeMessage(err), errs.ErrProviderRejected))
		}
		logging.L(ctx).Warn("provider call failed", "op", op, "attempt", attempt+1, "error", err)
		return err
	})
	providerCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		providerCallsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	case errors.Is(err, errs.ErrProviderRejected):
		providerCallsTotal.WithLabelValues(op, "rejected").Inc()
		return err
	case ctx.Err() != nil:
		providerCallsTotal.WithLabelValues(op, "cancelled").Inc()
		return ctx.Err()
	case errors.Is(err, errs.ErrProviderUnavailable):
		providerCallsTotal.WithLabelValues(op, "unavailable").Inc()
		return err
	}
	providerCallsTotal.WithLabelValues(op, "unavailable").Inc()
	return fmt.Errorf("%s: %v: %w", op, err, errs.ErrProviderUnavailable)
}

// rejected reports whether the provider refused the request itself. Rate
// limiting and request timeouts are transient.
func rejected(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.HTTPStatusCode
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

func stripeMessage(err error) string {
	var se *stripe.Error
	if errors.As(err, &se) && se.Msg != "" {
		return se.Msg
	}
	return err.Error()
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       FromCents(pi.Amount),
		Metadata:     pi.Metadata,
	}
}

// slogLogger routes the SDK's log lines into slog.
type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Debugf(format string, v ...interface{}) { s.l.Debug(fmt.Sprintf(format, v...)) }
func (s *slogLogger) Infof(format string, v ...interface{})  { s.l.Debug(fmt.Sprintf(format, v...)) }
func (s *slogLogger) Warnf(format string, v ...interface{})  { s.l.Warn(fmt.Sprintf(format, v...)) }
func (s *slogLogger) Errorf(format string, v ...interface{}) { s.l.Error(fmt.Sprintf(format, v...)) }
