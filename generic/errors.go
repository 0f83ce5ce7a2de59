/*
errors.go - Centralized error types for the allowance engine

PURPOSE:
  All expected, recoverable failures are typed so callers can tell them
  apart with errors.Is / errors.As. None of them should crash a request;
  the HTTP layer maps them to status codes.

ERROR CATEGORIES:
  1. Lookup      - ErrNotFound
  2. Policy      - ErrQuotaExceeded, ErrForbidden
  3. State       - ErrAlreadyProcessed, ErrInvalidState
  4. Concurrency - ErrConflict (lost compare-and-set on a balance row)
  5. Input       - ErrInvalidInput, ErrInvalidPeriod

SEE ALSO:
  - approval.go: returns TransitionError
  - screentime/grace.go: returns QuotaExceededError
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
	// ErrNotFound is returned when a referenced member, allowance type,
	// grace log or budget does not exist (or is archived).
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when the daily or weekly grace cap is reached.
	ErrQuotaExceeded = errors.New("grace quota exceeded")

	// ErrAlreadyProcessed is returned when a state transition finds the
	// row in a different state than expected (double approval, races).
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrInvalidState is returned for operations that make no sense in the
	// current state, e.g. waiving repayment of a rejected request.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict is returned when a balance compare-and-set loses a race.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrForbidden is returned when the actor may not perform the action.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidInput is returned for malformed or out-of-range arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPeriod is returned for malformed period keys or types.
	ErrInvalidPeriod = errors.New("invalid period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// QuotaWindow names the window whose cap was hit.
type QuotaWindow string

const (
	QuotaDaily  QuotaWindow = "daily"
	QuotaWeekly QuotaWindow = "weekly"
)

// QuotaExceededError tells the caller which window is exhausted so the
// user can be told "try again tomorrow" vs "next week".
type QuotaExceededError struct {
	MemberID string
	Window   QuotaWindow
	Used     int
	Limit    int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("grace quota exceeded: %d/%d %s requests used", e.Used, e.Limit, e.Window)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// TransitionError records a rejected state transition.
type TransitionError struct {
	Kind   string
	ID     string
	From   string
	Actual string
}

func (e *TransitionError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("%s %s: expected state %s", e.Kind, e.ID, e.From)
	}
	return fmt.Sprintf("%s %s: expected state %s, found %s", e.Kind, e.ID, e.From, e.Actual)
}

func (e *TransitionError) Unwrap() error {
	return ErrAlreadyProcessed
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry with fresh state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is caused by the request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidPeriod)
}
