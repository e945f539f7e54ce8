// Package validation provides request validation helpers for the settlement API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/teo"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxRefLength bounds user, course, order and idempotency identifiers.
const MaxRefLength = 255

// refRegex accepts the identifier alphabet used for user/course/order refs
// and idempotency keys.
var refRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.@]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidRef checks an external identifier.
func IsValidRef(s string) bool {
	return len(s) <= MaxRefLength && refRegex.MatchString(s)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err returns nil for no errors, otherwise the first failure wrapped in
// errs.ErrInvalidRequest.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w", e.Error(), errs.ErrInvalidRequest)
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var out ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			out = append(out, *err)
		}
	}
	return out
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidRef checks an optional identifier field.
func ValidRef(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidRef(value) {
			return &ValidationError{Field: field, Message: "must be 1-255 characters of [A-Za-z0-9_-:.@]"}
		}
		return nil
	}
}

// ValidEUR checks a positive EUR amount with at most 2 decimals.
func ValidEUR(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := teo.ParseEUR(value); !ok {
			return &ValidationError{Field: field, Message: "must be a positive amount with at most 2 decimals"}
		}
		return nil
	}
}

// ValidPercent checks an integer percentage in [0,100].
func ValidPercent(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 || value > 100 {
			return &ValidationError{Field: field, Message: "must be between 0 and 100"}
		}
		return nil
	}
}
