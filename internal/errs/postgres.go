package errs

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

const (
	pqUniqueViolation      = "23505"
	pqCheckViolation       = "23514"
	pqSerializationFailure = "40001"
	pqLockNotAvailable     = "55P03"
)

// IsUniqueViolation reports whether err is a postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

// IsCheckViolation reports whether err is a postgres CHECK constraint violation.
func IsCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqCheckViolation
}

// FromDB classifies a database/sql error into the taxonomy. Errors that are
// already typed, and nil, pass through unchanged.
func FromDB(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w", op, ErrDatabaseUnavailable)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w", op, ErrDatabaseUnavailable)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrDuplicateEntry)
		case pqCheckViolation:
			return fmt.Errorf("%s: %w", op, ErrInsufficientFunds)
		case pqLockNotAvailable:
			return fmt.Errorf("%s: %w", op, ErrLockTimeout)
		case pqSerializationFailure:
			return fmt.Errorf("%s: %w", op, ErrLockTimeout)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
