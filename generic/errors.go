/*
errors.go - Centralized error types for the booking engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure of the core propagates to the caller as one of these so
  the booking UI or cancellation flow can pick the right message.

ERROR CATEGORIES:
  1. Not found - session, booking, entitlement
  2. Admission - capacity exceeded, session cancelled
  3. Entitlement - expired, insufficient, already consumed/adjusted
  4. State - booking already inactive, awaiting a choice
  5. Gateway - refund failed (terminal but unresolved, operator follow-up)
  6. Store - idempotency and optimistic locking conflicts

USAGE:
  if errors.Is(err, generic.ErrCapacityExceeded) {
      // offer waitlist or another slot
  }

SEE ALSO:
  - store.go: Store implementations return these errors
  - api/handlers.go: HTTP status mapping
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
	ErrSessionNotFound     = errors.New("session not found")
	ErrBookingNotFound     = errors.New("booking not found")
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrCapacityExceeded is returned when admission would push the active
	// children of a session above its max participants, including when a
	// concurrent request claimed the last seats first.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrSessionCancelled is returned when booking a session that was cancelled.
	ErrSessionCancelled = errors.New("session cancelled")

	ErrEntitlementExpired      = errors.New("entitlement expired")
	ErrEntitlementInsufficient = errors.New("insufficient entitlement entries")

	// ErrAlreadyConsumed is returned when a credit is not active. It is a
	// not-found condition from the caller's point of view.
	ErrAlreadyConsumed = fmt.Errorf("credit already consumed: %w", ErrEntitlementNotFound)

	// ErrAlreadyAdjusted is returned when the booking already consumed or
	// restored its entitlement.
	ErrAlreadyAdjusted = fmt.Errorf("entitlement already adjusted for booking: %w", ErrDuplicateIdempotencyKey)

	ErrAlreadyInactive = errors.New("booking already inactive")

	// ErrAwaitingChoice is returned when cancelling a booking of a cancelled
	// session that still waits for the user's credit/refund choice.
	ErrAwaitingChoice = errors.New("booking awaits compensation choice")

	// ErrNotAwaitingChoice is returned when resolving a choice for a booking
	// that is not in the cancelling state.
	ErrNotAwaitingChoice = errors.New("booking is not awaiting a compensation choice")

	// ErrGatewayRefundFailed marks a card refund that the gateway rejected.
	// Never converted into an internal restoration.
	ErrGatewayRefundFailed = errors.New("gateway refund failed")

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrConcurrentModification  = errors.New("concurrent modification detected")
	ErrInvalidRequest          = errors.New("invalid request")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapacityError provides details about a rejected admission.
type CapacityError struct {
	SessionID SessionID
	Available int
	Requested int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session capacity exceeded: session %s has %d seats left, requested %d",
		e.SessionID, e.Available, e.Requested)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// InsufficientEntriesError provides details about an entitlement shortage.
type InsufficientEntriesError struct {
	Kind          EntitlementKind
	EntitlementID string
	Remaining     int
	Requested     int
}

func (e *InsufficientEntriesError) Error() string {
	return fmt.Sprintf("insufficient entries on %s %s: remaining %d, requested %d",
		e.Kind, e.EntitlementID, e.Remaining, e.Requested)
}

func (e *InsufficientEntriesError) Unwrap() error { return ErrEntitlementInsufficient }

// GatewayRefundError carries the gateway's refund error. The compensation
// record has already been committed when this is returned.
type GatewayRefundError struct {
	BookingID BookingID
	Reason    string
}

func (e *GatewayRefundError) Error() string {
	return fmt.Sprintf("gateway refund failed for booking %s: %s", e.BookingID, e.Reason)
}

func (e *GatewayRefundError) Unwrap() error { return ErrGatewayRefundFailed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrEntitlementNotFound)
}

// IsConflict returns true if the error comes from the current state of a
// record rather than from the request itself.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrSessionCancelled) ||
		errors.Is(err, ErrAlreadyInactive) ||
		errors.Is(err, ErrAwaitingChoice) ||
		errors.Is(err, ErrNotAwaitingChoice) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsEntitlementError returns true if the entitlement cannot pay for the booking.
func IsEntitlementError(err error) bool {
	return errors.Is(err, ErrEntitlementExpired) ||
		errors.Is(err, ErrEntitlementInsufficient)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}
