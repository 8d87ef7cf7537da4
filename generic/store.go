/*
store.go - Persistence interfaces for sessions, bookings and entitlements

PURPOSE:
  Defines the interface between the booking logic and the database.
  Different implementations can use SQLite, MySQL, or in-memory storage.

KEY INTERFACES:
  SessionStore:      Sessions and the capacity aggregate
  BookingStore:      Booking records and their status transitions
  EntitlementStore:  Season tickets and credits (versioned / conditional writes)
  LedgerStore:       Append-only adjustment log
  CompensationStore: One compensation record per booking
  TxStore:           All of the above inside one atomic transaction

CONDITIONAL WRITES:
  Status changes are compare-and-set: TransitionBooking(id, from, to)
  fails if the booking is no longer in `from`. Season-ticket usage is
  written against the version that was read. Nothing is ever updated
  blindly, so two writers can never both win.

ROW LOCKING:
  LockSession must be called inside WithTx before admission. It blocks
  concurrent admissions for the same session until commit (SELECT ... FOR
  UPDATE on MySQL, a write transaction on SQLite, the store mutex in memory).

IMPLEMENTATIONS:
  - store/sqlstore: SQLite (default) and MySQL
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level ledger using LedgerStore
  - booking/service.go: Uses WithTx for every write
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interfaces for persistence
// =============================================================================

// SessionStore persists sessions and computes their usage.
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error

	// GetSession returns ErrSessionNotFound if no session matches.
	GetSession(ctx context.Context, id SessionID) (*Session, error)

	// LockSession loads the session and holds its row lock until the
	// enclosing transaction ends. Outside a transaction it behaves like GetSession.
	LockSession(ctx context.Context, id SessionID) (*Session, error)

	// SessionUsage returns the session joined with the sum of children over
	// its active bookings, in one query.
	SessionUsage(ctx context.Context, id SessionID) (SessionUsage, error)

	SetSessionStatus(ctx context.Context, id SessionID, status SessionStatus) error
}

// BookingStore persists booking records.
type BookingStore interface {
	InsertBooking(ctx context.Context, b Booking) error

	// GetBooking returns ErrBookingNotFound if no booking matches.
	GetBooking(ctx context.Context, id BookingID) (*Booking, error)

	// TransitionBooking moves a booking from one status to another.
	// Returns ErrAlreadyInactive if the booking is no longer in `from`.
	TransitionBooking(ctx context.Context, id BookingID, from, to BookingStatus, at time.Time) error

	ListBookingsBySession(ctx context.Context, sessionID SessionID, status BookingStatus) ([]Booking, error)

	// ListCancellingBefore returns bookings awaiting a choice whose
	// cancellation happened before the cutoff.
	ListCancellingBefore(ctx context.Context, cutoff time.Time) ([]Booking, error)
}

// EntitlementStore persists season tickets and credits.
type EntitlementStore interface {
	InsertSeasonTicket(ctx context.Context, t SeasonTicket) error

	// GetSeasonTicket returns ErrEntitlementNotFound if no ticket matches.
	GetSeasonTicket(ctx context.Context, id string) (*SeasonTicket, error)

	// UpdateTicketUsage writes the new used count if the stored version is
	// still expectedVersion, and bumps the version.
	// Returns ErrConcurrentModification otherwise.
	UpdateTicketUsage(ctx context.Context, id string, used int, expectedVersion int) error

	InsertCredit(ctx context.Context, c Credit) error

	// GetCredit returns ErrEntitlementNotFound if no credit matches.
	GetCredit(ctx context.Context, id string) (*Credit, error)

	// TransitionCredit moves a credit between statuses and records the
	// booking that consumed it (empty when reactivating).
	// Returns ErrAlreadyConsumed if the credit is not in `from`.
	TransitionCredit(ctx context.Context, id string, from, to CreditStatus, consumedBy BookingID, at time.Time) error
}

// LedgerStore is the append-only log of entitlement adjustments.
// IMPORTANT: No Update, No Delete. Ever.
type LedgerStore interface {
	// AppendTransaction persists an adjustment.
	// Returns ErrDuplicateIdempotencyKey if the key exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)

	// Transactions returns all adjustments of one entitlement, oldest first.
	Transactions(ctx context.Context, kind EntitlementKind, entitlementID string) ([]Transaction, error)
}

// CompensationStore persists compensation outcomes.
type CompensationStore interface {
	// InsertCompensation returns ErrDuplicateIdempotencyKey if the booking
	// already has a compensation.
	InsertCompensation(ctx context.Context, c Compensation) error

	// GetCompensation returns (nil, nil) if the booking was never compensated.
	GetCompensation(ctx context.Context, bookingID BookingID) (*Compensation, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	SessionStore
	BookingStore
	EntitlementStore
	LedgerStore
	CompensationStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
