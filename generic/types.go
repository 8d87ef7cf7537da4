/*
Package generic provides the core types of the booking engine.

PURPOSE:
  This package contains the records every other package agrees on:
  sessions, bookings, the two entitlement kinds (season tickets and
  account credit), compensation records and the append-only ledger
  entries that track every entitlement adjustment.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a decimal amount with a currency (never float64)
  - Amount: a quantity with a unit (entries, children) used by the ledger
  - Session / Booking: what can be booked and what was booked
  - SeasonTicket / Credit: pre-paid entitlements that fund a booking
  - Transaction: an immutable ledger entry recording an adjustment
  - Compensation: the single outcome recorded for a cancelled booking

DESIGN PRINCIPLES:
  1. Bookings only move forward: active -> (cancelling ->) cancelled
  2. Entitlements are only mutated by the entitlement ledger
  3. Every adjustment is keyed to a booking (idempotency key)
  4. Precision: money uses decimal.Decimal

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
  - ledger.go: Append-only adjustment log
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY & AMOUNT
// =============================================================================

// Money is a monetary value paid for a booking.
type Money struct {
	Value    decimal.Decimal
	Currency string
}

func NewMoney(value string, currency string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d, Currency: currency}, nil
}

func ZeroMoney(currency string) Money { return Money{Value: decimal.Zero, Currency: currency} }

func (m Money) IsZero() bool     { return m.Value.IsZero() }
func (m Money) IsPositive() bool { return m.Value.IsPositive() }
func (m Money) String() string   { return m.Value.StringFixed(2) + " " + m.Currency }

// Amount is a quantity tracked by the entitlement ledger.
type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitEntries  Unit = "entries"  // season-ticket entries
	UnitChildren Unit = "children" // credit value, in children
)

func NewAmountFromInt(value int, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Neg() Amount         { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool    { return a.Value.IsNegative() }
func (a Amount) IntPart() int        { return int(a.Value.IntPart()) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SessionID string
type BookingID string
type UserID string
type TransactionID string

// TrainingType names the kind of activity a session, ticket or credit is for.
type TrainingType string

// =============================================================================
// SESSION
// =============================================================================

type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionCancelled SessionStatus = "cancelled"
)

// Session is a single scheduled occurrence of a training type.
// MaxParticipants counts children, not bookings.
type Session struct {
	ID              SessionID
	TrainingType    TrainingType
	Name            string
	ScheduledAt     time.Time
	MaxParticipants int
	Status          SessionStatus
	CreatedAt       time.Time
}

// SessionUsage is the session row joined with the sum of children over its
// active bookings. BookedCount is zero for a session with no bookings.
type SessionUsage struct {
	Session     Session
	BookedCount int
}

// =============================================================================
// BOOKING
// =============================================================================

type PaymentMethod string

const (
	PaymentCard         PaymentMethod = "card"
	PaymentSeasonTicket PaymentMethod = "season_ticket"
	PaymentCredit       PaymentMethod = "credit"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCard, PaymentSeasonTicket, PaymentCredit:
		return true
	}
	return false
}

// EntitlementFunded reports whether the booking is paid by an entitlement
// rather than money.
func (p PaymentMethod) EntitlementFunded() bool {
	return p == PaymentSeasonTicket || p == PaymentCredit
}

type BookingStatus string

const (
	BookingActive     BookingStatus = "active"
	BookingCancelling BookingStatus = "cancelling" // session cancelled, awaiting the user's choice
	BookingCancelled  BookingStatus = "cancelled"
)

// Booking is the authoritative record of a booking.
//
// INVARIANTS:
//   - Children is fixed at creation.
//   - Status never returns to BookingActive.
//   - EntitlementID is set iff PaymentMethod is entitlement-funded.
type Booking struct {
	ID            BookingID
	SessionID     SessionID
	UserID        UserID
	Children      int
	PaymentMethod PaymentMethod
	EntitlementID string // season ticket or credit that funded the booking
	PaymentRef    string // gateway charge reference for card bookings
	AmountPaid    Money
	Status        BookingStatus
	CreatedAt     time.Time
	CancelledAt   *time.Time
}

func (b Booking) Active() bool { return b.Status == BookingActive }

// =============================================================================
// ENTITLEMENTS
// =============================================================================

type EntitlementKind string

const (
	KindSeasonTicket EntitlementKind = "season_ticket"
	KindCredit       EntitlementKind = "credit"
)

// SeasonTicketValidityMonths is how long a season ticket stays consumable.
const SeasonTicketValidityMonths = 6

// SeasonTicket is a pool of entries for one training type.
//
// INVARIANT: 0 <= Used <= Total. Remaining is always derived.
type SeasonTicket struct {
	ID           string
	UserID       UserID
	TrainingType TrainingType
	Total        int
	Used         int
	PurchasedAt  time.Time
	ExpiresAt    time.Time
	Version      int
}

func (t SeasonTicket) Remaining() int { return t.Total - t.Used }

// Expired reports whether the ticket rejects new consumption at now.
func (t SeasonTicket) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }

// ExpiryFor returns the expiry of a ticket purchased at purchasedAt.
func ExpiryFor(purchasedAt time.Time) time.Time {
	return purchasedAt.AddDate(0, SeasonTicketValidityMonths, 0)
}

type CreditStatus string

const (
	CreditActive   CreditStatus = "active"
	CreditConsumed CreditStatus = "consumed"
)

// Credit is a restorable training value worth Children seats.
type Credit struct {
	ID              string
	UserID          UserID
	TrainingType    TrainingType
	Children        int
	Status          CreditStatus
	SourceBookingID BookingID // booking whose cancellation issued this credit
	ConsumedBy      BookingID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// =============================================================================
// TRANSACTION - Append-only entitlement adjustment
// =============================================================================

type TransactionType string

const (
	TxIssue       TransactionType = "issue"       // ticket purchased / credit granted
	TxConsumption TransactionType = "consumption" // entitlement used by a booking
	TxRestoration TransactionType = "restoration" // entitlement returned on cancellation
)

// Transaction records one adjustment of an entitlement. Delta is negative
// for consumption and positive for issue/restoration.
type Transaction struct {
	ID             TransactionID
	Kind           EntitlementKind
	EntitlementID  string
	UserID         UserID
	BookingID      BookingID
	Delta          Amount
	Type           TransactionType
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// ConsumeKey and RestoreKey key an adjustment to the booking it belongs to,
// so each booking consumes and restores at most once.
func ConsumeKey(id BookingID) string { return "consume:" + string(id) }
func RestoreKey(id BookingID) string { return "restore:" + string(id) }

// =============================================================================
// COMPENSATION
// =============================================================================

// Outcome is the compensation path taken for a cancelled booking.
type Outcome string

const (
	OutcomeCardRefundInitiated  Outcome = "card_refund_initiated"
	OutcomeCardRefundFailed     Outcome = "card_refund_failed"
	OutcomeSeasonTicketRestored Outcome = "season_ticket_restored"
	OutcomeCreditRestored       Outcome = "credit_restored"
)

// RefundResult is the opaque answer of the payment gateway's refund API.
// A nil *RefundResult means no refund was attempted.
type RefundResult struct {
	ID    string
	Error string
}

func (r *RefundResult) Succeeded() bool { return r != nil && r.Error == "" && r.ID != "" }
func (r *RefundResult) Failed() bool    { return r != nil && !r.Succeeded() }

// Validate checks that a gateway answer carries exactly one of ID and
// Error. A nil result is valid.
func (r *RefundResult) Validate() error {
	switch {
	case r == nil:
		return nil
	case r.ID == "" && r.Error == "":
		return fmt.Errorf("%w: refund result needs an id or an error", ErrInvalidRequest)
	case r.ID != "" && r.Error != "":
		return fmt.Errorf("%w: refund result has both an id and an error", ErrInvalidRequest)
	}
	return nil
}

// Compensation is the single record of how a cancelled booking was
// compensated. One per booking.
type Compensation struct {
	BookingID   BookingID
	Outcome     Outcome
	RefundID    string
	RefundError string
	TicketID    string
	CreditID    string
	Children    int
	AmountPaid  Money
	CreatedAt   time.Time

	// Replayed is set when the record was returned for a repeated
	// cancellation instead of being created. Not persisted.
	Replayed bool
}
