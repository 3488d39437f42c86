/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error kinds in one place. The contravention workflow and the HTTP
  layer classify failures with errors.Is against these sentinels.

ERROR KINDS:
  1. Validation - malformed input or a ledger entry with the wrong shape
  2. Not found  - employee, ledger, training record, escalation, contravention
  3. Conflict   - state-machine precondition failed, uniqueness violated,
                  training credit applied twice
  4. Forbidden  - actor is not allowed to perform the operation

PROPAGATION:
  Conflicts and validation failures abort the whole transaction; nothing is
  partially written. Notification failures never surface as errors.

SEE ALSO:
  - contravention/workflow.go: StateError wraps ErrConflict
  - api/handlers.go: maps kinds to HTTP status codes
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for state-machine and uniqueness violations.
	ErrConflict = errors.New("conflict")

	// ErrForbidden is returned when the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrCreditAlreadyApplied is returned when a training record's completion
	// has already been credited back to the ledger.
	ErrCreditAlreadyApplied = fmt.Errorf("%w: training credit already applied", ErrConflict)

	// ErrTrainingAlreadyAssigned is returned when an explicit assignment is
	// requested for a course the employee already has a record for.
	ErrTrainingAlreadyAssigned = fmt.Errorf("%w: training already assigned to this employee", ErrConflict)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "employee", "contravention", "training record", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError describes why an operation conflicts with current state.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError points at the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ForbiddenError records who tried to do what.
type ForbiddenError struct {
	Actor  string
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s is not allowed to %s", e.Actor, e.Action)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

func Conflictf(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsForbidden(err error) bool  { return errors.Is(err, ErrForbidden) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
