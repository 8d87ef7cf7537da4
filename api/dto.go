/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings ("36.00"), never JSON numbers.

VALIDATION:
  Validation is done in handlers and in booking.Service, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/capacity"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// SESSIONS
// =============================================================================

// RegisterSessionRequest is a session published by the scheduling system.
type RegisterSessionRequest struct {
	ID              string `json:"id"`
	TrainingType    string `json:"training_type"`
	Name            string `json:"name"`
	ScheduledAt     string `json:"scheduled_at"` // RFC3339
	MaxParticipants int    `json:"max_participants"`
}

type SessionDTO struct {
	ID              string `json:"id"`
	TrainingType    string `json:"training_type"`
	Name            string `json:"name"`
	ScheduledAt     string `json:"scheduled_at"`
	MaxParticipants int    `json:"max_participants"`
	Status          string `json:"status"`
}

type AvailabilityDTO struct {
	SessionID       string `json:"session_id"`
	MaxParticipants int    `json:"max_participants"`
	BookedCount     int    `json:"booked_count"`
	Available       int    `json:"available"`
}

// SessionCancellationDTO reports a mass cancellation.
type SessionCancellationDTO struct {
	SessionID      string            `json:"session_id"`
	Compensated    []CompensationDTO `json:"compensated"`
	AwaitingChoice []string          `json:"awaiting_choice"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

// CreateBookingRequest is the request to book a session.
type CreateBookingRequest struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	Children      int    `json:"children"`
	PaymentMethod string `json:"payment_method"`
	AmountPaid    string `json:"amount_paid,omitempty"`
	Currency      string `json:"currency,omitempty"`
	EntitlementID string `json:"entitlement_id,omitempty"`
	PaymentRef    string `json:"payment_ref,omitempty"`
}

type BookingDTO struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"session_id"`
	UserID        string           `json:"user_id"`
	Children      int              `json:"children"`
	PaymentMethod string           `json:"payment_method"`
	EntitlementID string           `json:"entitlement_id,omitempty"`
	PaymentRef    string           `json:"payment_ref,omitempty"`
	AmountPaid    string           `json:"amount_paid"`
	Currency      string           `json:"currency"`
	Status        string           `json:"status"`
	CreatedAt     string           `json:"created_at"`
	CancelledAt   *string          `json:"cancelled_at,omitempty"`
	Compensation  *CompensationDTO `json:"compensation,omitempty"`
}

type CreateBookingResponse struct {
	Booking      BookingDTO      `json:"booking"`
	Availability AvailabilityDTO `json:"availability"`
}

// RefundResultDTO is a gateway refund answer supplied by the caller.
type RefundResultDTO struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// CancelBookingRequest is optional. Without a refund result, card bookings
// are refunded through the configured gateway.
type CancelBookingRequest struct {
	Refund *RefundResultDTO `json:"refund,omitempty"`
}

// ChoiceRequest resolves a card booking of a cancelled session.
type ChoiceRequest struct {
	Choice string           `json:"choice"` // credit | refund
	Refund *RefundResultDTO `json:"refund,omitempty"`
}

type CompensationDTO struct {
	BookingID   string `json:"booking_id"`
	Outcome     string `json:"outcome"`
	RefundID    string `json:"refund_id,omitempty"`
	RefundError string `json:"refund_error,omitempty"`
	TicketID    string `json:"ticket_id,omitempty"`
	CreditID    string `json:"credit_id,omitempty"`
	Children    int    `json:"children"`
	AmountPaid  string `json:"amount_paid"`
	Currency    string `json:"currency"`
	CreatedAt   string `json:"created_at"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// CancelResponse carries the compensation record. Error is set when the
// gateway rejected the refund; the record is committed regardless.
type CancelResponse struct {
	Compensation CompensationDTO `json:"compensation"`
	Error        string          `json:"error,omitempty"`
}

// =============================================================================
// ENTITLEMENTS
// =============================================================================

// IssueSeasonTicketRequest records a confirmed season-ticket purchase.
type IssueSeasonTicketRequest struct {
	ID           string `json:"id,omitempty"`
	UserID       string `json:"user_id"`
	TrainingType string `json:"training_type"`
	Entries      int    `json:"entries"`
	PurchasedAt  string `json:"purchased_at,omitempty"` // RFC3339, defaults to now
}

type SeasonTicketDTO struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	TrainingType string `json:"training_type"`
	Total        int    `json:"total"`
	Used         int    `json:"used"`
	Remaining    int    `json:"remaining"`
	ExpiresAt    string `json:"expires_at"`
	Expired      bool   `json:"expired"`
}

type GrantCreditRequest struct {
	UserID       string `json:"user_id"`
	TrainingType string `json:"training_type"`
	Children     int    `json:"children"`
	Reason       string `json:"reason,omitempty"`
}

type CreditDTO struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	TrainingType string `json:"training_type"`
	Children     int    `json:"children"`
	Status       string `json:"status"`
}

// TransactionDTO is one ledger entry.
type TransactionDTO struct {
	ID        string `json:"id"`
	BookingID string `json:"booking_id,omitempty"`
	Type      string `json:"type"`
	Delta     string `json:"delta"`
	Unit      string `json:"unit"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toSessionDTO(s generic.Session) SessionDTO {
	return SessionDTO{
		ID:              string(s.ID),
		TrainingType:    string(s.TrainingType),
		Name:            s.Name,
		ScheduledAt:     s.ScheduledAt.Format(time.RFC3339),
		MaxParticipants: s.MaxParticipants,
		Status:          string(s.Status),
	}
}

func toAvailabilityDTO(a capacity.Availability) AvailabilityDTO {
	return AvailabilityDTO{
		SessionID:       string(a.SessionID),
		MaxParticipants: a.MaxParticipants,
		BookedCount:     a.BookedCount,
		Available:       a.Available,
	}
}

func toBookingDTO(b generic.Booking, c *generic.Compensation) BookingDTO {
	dto := BookingDTO{
		ID:            string(b.ID),
		SessionID:     string(b.SessionID),
		UserID:        string(b.UserID),
		Children:      b.Children,
		PaymentMethod: string(b.PaymentMethod),
		EntitlementID: b.EntitlementID,
		PaymentRef:    b.PaymentRef,
		AmountPaid:    b.AmountPaid.Value.StringFixed(2),
		Currency:      b.AmountPaid.Currency,
		Status:        string(b.Status),
		CreatedAt:     b.CreatedAt.Format(time.RFC3339),
	}
	if b.CancelledAt != nil {
		at := b.CancelledAt.Format(time.RFC3339)
		dto.CancelledAt = &at
	}
	if c != nil {
		cd := toCompensationDTO(*c)
		dto.Compensation = &cd
	}
	return dto
}

func toCompensationDTO(c generic.Compensation) CompensationDTO {
	return CompensationDTO{
		BookingID:   string(c.BookingID),
		Outcome:     string(c.Outcome),
		RefundID:    c.RefundID,
		RefundError: c.RefundError,
		TicketID:    c.TicketID,
		CreditID:    c.CreditID,
		Children:    c.Children,
		AmountPaid:  c.AmountPaid.Value.StringFixed(2),
		Currency:    c.AmountPaid.Currency,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		Replayed:    c.Replayed,
	}
}

func toCancellationDTO(c booking.SessionCancellation) SessionCancellationDTO {
	dto := SessionCancellationDTO{
		SessionID:      string(c.SessionID),
		Compensated:    make([]CompensationDTO, len(c.Compensated)),
		AwaitingChoice: make([]string, len(c.AwaitingChoice)),
	}
	for i, comp := range c.Compensated {
		dto.Compensated[i] = toCompensationDTO(comp)
	}
	for i, id := range c.AwaitingChoice {
		dto.AwaitingChoice[i] = string(id)
	}
	return dto
}

func toSeasonTicketDTO(t entitlement.TicketStatus) SeasonTicketDTO {
	return SeasonTicketDTO{
		ID:           t.ID,
		UserID:       string(t.UserID),
		TrainingType: string(t.TrainingType),
		Total:        t.Total,
		Used:         t.Used,
		Remaining:    t.Remaining,
		ExpiresAt:    t.ExpiresAt.Format(time.RFC3339),
		Expired:      t.Expired,
	}
}

func toCreditDTO(c entitlement.CreditView) CreditDTO {
	return CreditDTO{
		ID:           c.ID,
		UserID:       string(c.UserID),
		TrainingType: string(c.TrainingType),
		Children:     c.Children,
		Status:       string(c.Status),
	}
}

func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = TransactionDTO{
			ID:        string(tx.ID),
			BookingID: string(tx.BookingID),
			Type:      string(tx.Type),
			Delta:     tx.Delta.Value.String(),
			Unit:      string(tx.Delta.Unit),
			Reason:    tx.Reason,
			CreatedAt: tx.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func (r *RefundResultDTO) toResult() *generic.RefundResult {
	if r == nil {
		return nil
	}
	return &generic.RefundResult{ID: r.ID, Error: r.Error}
}
