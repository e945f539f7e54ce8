// Package errs defines the settlement engine's typed error taxonomy.
//
// Every sentinel carries a stable machine-readable code, a kind used for
// HTTP mapping, and a default human message. Callers wrap sentinels with
// fmt.Errorf("...: %w", errs.ErrX) and match with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

// Kind groups error codes into the categories clients and operators care about.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindState         Kind = "state"
	KindResource      Kind = "resource"
	KindAuthorization Kind = "authorization"
	KindExternal      Kind = "external"
	KindInternal      Kind = "internal"
	KindWorkflow      Kind = "workflow"
)

// Error is a typed, comparable error value.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	status  int
}

func (e *Error) Error() string { return e.Message }

// Status returns the HTTP status code associated with this error.
func (e *Error) Status() int { return e.status }

func newError(code string, kind Kind, status int, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg, status: status}
}

// Validation
var (
	ErrInvalidAmount          = newError("invalid_amount", KindValidation, http.StatusBadRequest, "amount must be positive")
	ErrInvalidRatio           = newError("invalid_ratio", KindValidation, http.StatusUnprocessableEntity, "accept ratio is outside the tier's allowed range")
	ErrInvalidDiscountPercent = newError("invalid_discount_percent", KindValidation, http.StatusBadRequest, "discount percent must be between 0 and 100")
	ErrUnknownTier            = newError("unknown_tier", KindValidation, http.StatusUnprocessableEntity, "no active tier configuration")
	ErrInvalidRequest         = newError("invalid_request", KindValidation, http.StatusBadRequest, "invalid request")
)

// State
var (
	ErrSnapshotFrozen           = newError("snapshot_frozen", KindState, http.StatusConflict, "snapshot is frozen")
	ErrInvalidTransition        = newError("invalid_transition", KindState, http.StatusConflict, "state transition not allowed")
	ErrHoldAlreadyResolved      = newError("hold_already_resolved", KindState, http.StatusConflict, "hold already resolved")
	ErrDecisionAlreadyProcessed = newError("decision_already_processed", KindState, http.StatusConflict, "decision already processed")
	ErrDecisionExpired          = newError("decision_expired", KindState, http.StatusConflict, "decision expired")
)

// Resource
var (
	ErrInsufficientFunds = newError("insufficient_funds", KindResource, http.StatusUnprocessableEntity, "insufficient TEO balance")
	ErrDuplicateEntry    = newError("duplicate_entry", KindResource, http.StatusConflict, "duplicate entry")
	ErrNotFound          = newError("not_found", KindResource, http.StatusNotFound, "resource not found")
)

// Authorization
var (
	ErrUnauthenticated = newError("unauthenticated", KindAuthorization, http.StatusUnauthorized, "authentication required")
	ErrUnauthorized    = newError("unauthorized", KindAuthorization, http.StatusForbidden, "actor is not allowed to perform this action")
	ErrActorMismatch   = newError("actor_mismatch", KindAuthorization, http.StatusForbidden, "actor does not own this resource")
)

// External
var (
	ErrProviderUnavailable = newError("provider_unavailable", KindExternal, http.StatusServiceUnavailable, "payment provider unavailable")
	ErrProviderRejected    = newError("provider_rejected", KindExternal, http.StatusUnprocessableEntity, "payment provider rejected the request")
	ErrSignatureInvalid    = newError("signature_invalid", KindExternal, http.StatusBadRequest, "webhook signature invalid")
)

// Internal
var (
	ErrLockTimeout         = newError("lock_timeout", KindInternal, http.StatusServiceUnavailable, "timed out waiting for lock")
	ErrDatabaseUnavailable = newError("database_unavailable", KindInternal, http.StatusServiceUnavailable, "database unavailable")
	ErrInvariantViolation  = newError("invariant_violation", KindInternal, http.StatusInternalServerError, "invariant violation")
)

// Workflow signals
var (
	ErrPaymentRequired = newError("payment_required", KindWorkflow, http.StatusPaymentRequired, "payment has not completed yet")
)

// As extracts the typed error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Status maps any error to an HTTP status. Untyped errors are 500.
func Status(err error) int {
	if e, ok := As(err); ok {
		return e.status
	}
	return http.StatusInternalServerError
}

// Code returns the stable error code, "internal_error" for untyped errors.
func Code(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "internal_error"
}

// Message returns a client-safe message. Untyped errors never leak details.
func Message(err error) string {
	if e, ok := As(err); ok {
		if err.Error() != "" {
			return err.Error()
		}
		return e.Message
	}
	return "An unexpected error occurred"
}

// IsFatal reports whether err must never be recovered from.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
