/*
errors.go - Error taxonomy for every engine operation

PURPOSE:
  Callers get a typed result for every rejected operation. Nothing is
  swallowed into a "no-op success": a lost race is InvalidState, a
  missing credit for an ineligible event is a normal result (not an error).

ERROR KINDS:
  Validation    malformed or out-of-range input, caller corrects and resubmits
  InvalidState  transition not allowed from the current state (incl. lost races)
  Conflict      uniqueness violation, e.g. duplicate rule code
  NotFound      unknown id reference
  Forbidden     principal lacks the role for a role-conditioned check

STORE SENTINELS:
  Stores return the sentinels below. Services translate them into the
  typed kinds with domain context.

USAGE:
  if hr.IsKind(err, hr.KindInvalidState) {
      // refresh and decide whether to retry
  }
*/
package hr

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Returned by stores, use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key (code, pair, idempotency key) exists.
	ErrDuplicate = errors.New("duplicate key")

	// ErrDuplicateCredit is returned when an RL credit already exists for the
	// source allocation. This is the storage backstop against double crediting.
	ErrDuplicateCredit = errors.New("credit already issued for allocation")

	// ErrConcurrentModification is returned when a compare-and-set on Version fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStoreUnavailable wraps failures of the underlying storage.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// TYPED ERRORS
// =============================================================================

type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindInvalidState Kind = "INVALID_STATE"
	KindConflict     Kind = "CONFLICT"
	KindNotFound     Kind = "NOT_FOUND"
	KindForbidden    Kind = "FORBIDDEN"
)

// Error is the typed error surfaced to callers.
type Error struct {
	Kind    Kind
	Field   string // offending field, for validation errors
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", what, id), Err: ErrNotFound}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the kind of a typed error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// LostRace converts a store-level race into the InvalidState a caller should see.
// Other errors pass through unchanged.
func LostRace(err error, what string) error {
	if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrDuplicateCredit) {
		return &Error{Kind: KindInvalidState, Message: what + " was modified concurrently", Err: err}
	}
	return err
}

// Missing converts a store ErrNotFound into a typed NotFound.
func Missing(err error, what, id string) error {
	if errors.Is(err, ErrNotFound) {
		return NotFound(what, id)
	}
	return err
}
