/*
errors.go - Centralized error types for the lesson engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages and stores wrap these errors with additional context.

ERROR CATEGORIES:
  1. Ledger errors - Transaction persistence failures
  2. Validation errors - Malformed records and periods
  3. Lookup errors - Missing students, extras, lessons
  4. Coordination errors - Lock acquisition, uniqueness conflicts

USAGE:
  Callers test with errors.Is:

    if errors.Is(err, generic.ErrDuplicateExtra) {
        // another extra already occupies that slot
    }

SEE ALSO:
  - ledger.go: Uses these errors
  - tutoring/service.go: Wraps these errors with domain context
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrTransactionFailed is returned when a transaction cannot be persisted.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrStudentNotFound is returned when a referenced student doesn't exist.
	ErrStudentNotFound = errors.New("student not found")

	// ErrExtraNotFound is returned when a referenced extra session doesn't exist.
	ErrExtraNotFound = errors.New("extra session not found")

	// ErrDuplicateExtra is returned when an extra already occupies (student, date, time).
	ErrDuplicateExtra = errors.New("extra session already exists at that slot")

	// ErrInvalidRecord is returned when a write carries a malformed field.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrNoScheduledLesson is returned when a command targets a date without a lesson.
	ErrNoScheduledLesson = errors.New("no scheduled lesson on that date")

	// ErrNotAMakeup is returned when a makeup-only command targets another extra type.
	ErrNotAMakeup = errors.New("extra session is not a makeup")

	// ErrLockTimeout is returned when a per-student lock cannot be acquired in time.
	ErrLockTimeout = errors.New("timed out acquiring student lock")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// FieldError names the record and field that failed validation.
type FieldError struct {
	Record string // e.g. "schedule_entry", "extra"
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s.%s %q: %s", e.Record, e.Field, e.Value, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidRecord
}

// InvalidField builds a FieldError.
func InvalidField(record, field, value, reason string) error {
	return &FieldError{Record: record, Field: field, Value: value, Reason: reason}
}

// CounterViolation reports a ledger replay that drove a counter negative.
type CounterViolation struct {
	EntityID  EntityID
	AccountID AccountID
	Detail    *ValidationError
}

func (e *CounterViolation) Error() string {
	return fmt.Sprintf("counter %s of %s: %v", e.AccountID, e.EntityID, e.Detail)
}

func (e *CounterViolation) Unwrap() error {
	return ErrTransactionFailed
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrNoScheduledLesson) ||
		errors.Is(err, ErrNotAMakeup)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrExtraNotFound)
}

// IsConflict returns true if the error indicates a uniqueness or locking conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateExtra) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrLockTimeout)
}
