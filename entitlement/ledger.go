/*
ledger.go - Entitlement ledger: consume and restore season tickets and credit

PURPOSE:
  The only code allowed to change a season ticket's used entries or a
  credit's status. Every change is paired with an append-only
  generic.Transaction in the SAME store transaction, keyed to the booking.

OPERATIONS:
  Consume(ref, claim):
    Season ticket: Expired if now > expiry, Insufficient if remaining <
    children, else used += children.
    Credit: NotFound/AlreadyConsumed if not active or wrong owner/type,
    else status -> consumed.

  Restore(ref, claim):
    Season ticket: used -= children, floored at 0. NOT subject to expiry.
    Credit: reactivate the credit that funded the booking, or (empty ref)
    issue a new active credit worth the booking's children.

IDEMPOTENCY:
  Keys "consume:<booking>" and "restore:<booking>" are unique in the
  ledger. A second adjustment for the same booking fails with
  ErrAlreadyAdjusted before anything is written.

TRANSACTIONS:
  Every method takes the generic.Store to write through. Callers pass the
  transactional view from TxStore.WithTx so that the booking insert or
  deactivation commits or rolls back together with the adjustment.

SEE ALSO:
  - seasonticket.go: Season-ticket rules
  - credit.go: Credit rules
  - generic/ledger.go: Append-only log
*/
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// REFERENCES
// =============================================================================

// Ref points at the entitlement that funds (or funded) a booking.
// An empty ID on a credit Ref means "no specific credit".
type Ref struct {
	Kind generic.EntitlementKind
	ID   string
}

// RefFor returns the entitlement reference of a booking, if any.
func RefFor(b generic.Booking) (Ref, bool) {
	switch b.PaymentMethod {
	case generic.PaymentSeasonTicket:
		return Ref{Kind: generic.KindSeasonTicket, ID: b.EntitlementID}, true
	case generic.PaymentCredit:
		return Ref{Kind: generic.KindCredit, ID: b.EntitlementID}, true
	}
	return Ref{}, false
}

// Claim describes the booking an adjustment belongs to.
type Claim struct {
	BookingID    generic.BookingID
	UserID       generic.UserID
	TrainingType generic.TrainingType
	Children     int
}

// Restoration reports what Restore gave back.
type Restoration struct {
	Kind          generic.EntitlementKind
	EntitlementID string
	Children      int
	Issued        bool // a new credit was created
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	clock generic.Clock
	newID func() string
}

type Option func(*Ledger)

// WithIDGenerator overrides how new credit and transaction ids are made.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

func NewLedger(clock generic.Clock, opts ...Option) *Ledger {
	l := &Ledger{clock: clock, newID: uuid.NewString}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Consume charges the entitlement for a new booking.
func (l *Ledger) Consume(ctx context.Context, s generic.Store, ref Ref, claim Claim) error {
	if claim.Children <= 0 {
		return fmt.Errorf("%w: children must be positive", generic.ErrInvalidRequest)
	}
	switch ref.Kind {
	case generic.KindSeasonTicket:
		return l.consumeTicket(ctx, s, ref.ID, claim)
	case generic.KindCredit:
		return l.consumeCredit(ctx, s, ref.ID, claim)
	}
	return fmt.Errorf("%w: unknown entitlement kind %q", generic.ErrInvalidRequest, ref.Kind)
}

// Restore gives back what a cancelled booking consumed.
func (l *Ledger) Restore(ctx context.Context, s generic.Store, ref Ref, claim Claim) (Restoration, error) {
	switch ref.Kind {
	case generic.KindSeasonTicket:
		return l.restoreTicket(ctx, s, ref.ID, claim)
	case generic.KindCredit:
		if ref.ID == "" {
			return l.issueRestoredCredit(ctx, s, claim)
		}
		return l.reactivateCredit(ctx, s, ref.ID, claim)
	}
	return Restoration{}, fmt.Errorf("%w: unknown entitlement kind %q", generic.ErrInvalidRequest, ref.Kind)
}

// History returns the adjustment log of an entitlement.
func (l *Ledger) History(ctx context.Context, s generic.LedgerStore, kind generic.EntitlementKind, id string) ([]generic.Transaction, error) {
	return generic.NewLedger(s).Transactions(ctx, kind, id)
}

// append writes one adjustment, translating duplicate keys.
func (l *Ledger) append(ctx context.Context, s generic.LedgerStore, tx generic.Transaction) error {
	if tx.ID == "" {
		tx.ID = generic.TransactionID(l.newID())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.clock.Now()
	}
	err := generic.NewLedger(s).Append(ctx, tx)
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		if tx.BookingID != "" {
			return fmt.Errorf("booking %s: %w", tx.BookingID, generic.ErrAlreadyAdjusted)
		}
		return err
	}
	return err
}

// ownedBy reports whether an entitlement can serve the claim.
func ownedBy(user generic.UserID, training generic.TrainingType, claim Claim) bool {
	if claim.UserID != "" && user != claim.UserID {
		return false
	}
	if claim.TrainingType != "" && training != claim.TrainingType {
		return false
	}
	return true
}
