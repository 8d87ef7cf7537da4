/*
handlers.go - HTTP API handlers for the booking engine

PURPOSE:
  Exposes booking.Service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Sessions:
    GET    /api/sessions/{id}/availability  Seats left (cached read)
    POST   /api/sessions/{id}/cancel        Mass cancellation

  Bookings:
    POST   /api/bookings                    Create booking
    GET    /api/bookings/{id}               Booking + compensation
    POST   /api/bookings/{id}/cancel        Cancel and compensate
    POST   /api/bookings/{id}/choice        Credit or refund after a mass cancellation

  Entitlements:
    GET    /api/season-tickets/{id}          Ticket status
    GET    /api/season-tickets/{id}/history  Ledger entries
    GET    /api/credits/{id}                 Credit status
    GET    /api/credits/{id}/history         Ledger entries

  Admin (ingress from scheduling and purchase systems):
    POST   /api/admin/sessions
    POST   /api/admin/season-tickets
    POST   /api/admin/credits

REFUNDS:
  Cancelling a card booking without a refund result in the body asks the
  gateway (Refunder) first. An unknown gateway outcome is a 502 and
  nothing is recorded; the client retries. A rejected refund is also a
  502 but the body carries the committed compensation record.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Session, booking or entitlement not found
  - 409: Capacity exceeded, booking inactive, awaiting choice, conflicts
  - 422: Entitlement expired or insufficient
  - 502: Gateway refund failed or unreachable
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Admin routes are expected behind the internal network.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service  *booking.Service
	Refunder booking.Refunder // nil when no gateway is configured
	Currency string
	Log      logrus.FieldLogger
}

// NewHandler creates a handler. refunder may be nil.
func NewHandler(svc *booking.Service, refunder booking.Refunder, currency string, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Service: svc, Refunder: refunder, Currency: currency, Log: log}
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// GetAvailability returns the seats left in a session.
// GET /api/sessions/{id}/availability
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	id := generic.SessionID(chi.URLParam(r, "id"))

	a, err := h.Service.Availability(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get availability", err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityDTO(a))
}

// CancelSession cancels a session and all its bookings.
// POST /api/sessions/{id}/cancel
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := generic.SessionID(chi.URLParam(r, "id"))

	out, err := h.Service.CancelSession(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to cancel session", err)
		return
	}
	writeJSON(w, http.StatusOK, toCancellationDTO(out))
}

// RegisterSession stores a session published by the scheduling system.
// POST /api/admin/sessions
func (h *Handler) RegisterSession(w http.ResponseWriter, r *http.Request) {
	var req RegisterSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scheduled_at format (use RFC3339)", err)
		return
	}

	saved, err := h.Service.RegisterSession(r.Context(), generic.Session{
		ID:              generic.SessionID(req.ID),
		TrainingType:    generic.TrainingType(req.TrainingType),
		Name:            req.Name,
		ScheduledAt:     scheduledAt,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to register session", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(saved))
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking admits a booking.
// POST /api/bookings
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount := decimal.Zero
	if req.AmountPaid != "" {
		var err error
		if amount, err = decimal.NewFromString(req.AmountPaid); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount_paid", err)
			return
		}
	}
	currency := req.Currency
	if currency == "" {
		currency = h.Currency
	}

	res, err := h.Service.CreateBooking(r.Context(), booking.CreateRequest{
		SessionID:     generic.SessionID(req.SessionID),
		UserID:        generic.UserID(req.UserID),
		Children:      req.Children,
		PaymentMethod: generic.PaymentMethod(req.PaymentMethod),
		AmountPaid:    generic.Money{Value: amount, Currency: currency},
		EntitlementID: req.EntitlementID,
		PaymentRef:    req.PaymentRef,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create booking", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateBookingResponse{
		Booking:      toBookingDTO(res.Booking, nil),
		Availability: toAvailabilityDTO(res.Availability),
	})
}

// GetBooking returns a booking and its compensation.
// GET /api/bookings/{id}
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id := generic.BookingID(chi.URLParam(r, "id"))

	view, err := h.Service.GetBooking(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(view.Booking, view.Compensation))
}

// CancelBooking cancels a booking and compensates it.
// POST /api/bookings/{id}/cancel
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.BookingID(chi.URLParam(r, "id"))

	var req CancelBookingRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	refund := req.Refund.toResult()
	if refund == nil && h.Refunder != nil {
		view, err := h.Service.GetBooking(ctx, id)
		if err != nil {
			h.writeDomainError(w, "Failed to cancel booking", err)
			return
		}
		b := view.Booking
		if b.Active() && b.PaymentMethod == generic.PaymentCard {
			if refund, err = h.Refunder.Refund(ctx, b); err != nil {
				h.Log.WithField("booking_id", id).WithError(err).Warn("refund outcome unknown")
				writeError(w, http.StatusBadGateway, "Refund outcome unknown, retry the cancellation", err)
				return
			}
		}
	}

	comp, err := h.Service.CancelBooking(ctx, id, refund)
	h.writeCancelResult(w, "Failed to cancel booking", comp, err)
}

// ResolveChoice settles a card booking of a cancelled session.
// POST /api/bookings/{id}/choice
func (h *Handler) ResolveChoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.BookingID(chi.URLParam(r, "id"))

	var req ChoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	choice := booking.Choice(req.Choice)

	refund := req.Refund.toResult()
	if choice == booking.ChoiceRefund && refund == nil && h.Refunder != nil {
		view, err := h.Service.GetBooking(ctx, id)
		if err != nil {
			h.writeDomainError(w, "Failed to resolve choice", err)
			return
		}
		if view.Booking.Status == generic.BookingCancelling {
			if refund, err = h.Refunder.Refund(ctx, view.Booking); err != nil {
				h.Log.WithField("booking_id", id).WithError(err).Warn("refund outcome unknown")
				writeError(w, http.StatusBadGateway, "Refund outcome unknown, retry the choice", err)
				return
			}
		}
	}

	comp, err := h.Service.ResolveChoice(ctx, id, choice, refund)
	h.writeCancelResult(w, "Failed to resolve choice", comp, err)
}

func (h *Handler) writeCancelResult(w http.ResponseWriter, message string, comp *generic.Compensation, err error) {
	var refundErr *generic.GatewayRefundError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, CancelResponse{Compensation: toCompensationDTO(*comp)})
	case errors.As(err, &refundErr) && comp != nil:
		writeJSON(w, http.StatusBadGateway, CancelResponse{
			Compensation: toCompensationDTO(*comp),
			Error:        refundErr.Error(),
		})
	default:
		h.writeDomainError(w, message, err)
	}
}

// =============================================================================
// ENTITLEMENT HANDLERS
// =============================================================================

// GetSeasonTicket returns remaining entries and expiry.
// GET /api/season-tickets/{id}
func (h *Handler) GetSeasonTicket(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.SeasonTicketStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get season ticket", err)
		return
	}
	writeJSON(w, http.StatusOK, toSeasonTicketDTO(st))
}

// GetCredit returns a credit's status.
// GET /api/credits/{id}
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.CreditStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get credit", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(c))
}

// History returns the ledger entries of one entitlement kind.
// GET /api/season-tickets/{id}/history, GET /api/credits/{id}/history
func (h *Handler) History(kind generic.EntitlementKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		txs, err := h.Service.History(r.Context(), kind, id)
		if err != nil {
			h.writeDomainError(w, "Failed to get history", err)
			return
		}
		if len(txs) == 0 {
			writeError(w, http.StatusNotFound, "Entitlement not found", generic.ErrEntitlementNotFound)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
	}
}

// IssueSeasonTicket records a confirmed purchase.
// POST /api/admin/season-tickets
func (h *Handler) IssueSeasonTicket(w http.ResponseWriter, r *http.Request) {
	var req IssueSeasonTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var purchasedAt time.Time
	if req.PurchasedAt != "" {
		var err error
		if purchasedAt, err = time.Parse(time.RFC3339, req.PurchasedAt); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid purchased_at format (use RFC3339)", err)
			return
		}
	}

	t, err := h.Service.IssueSeasonTicket(r.Context(), entitlement.TicketPurchase{
		ID:           req.ID,
		UserID:       generic.UserID(req.UserID),
		TrainingType: generic.TrainingType(req.TrainingType),
		Entries:      req.Entries,
		PurchasedAt:  purchasedAt,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to issue season ticket", err)
		return
	}
	writeJSON(w, http.StatusCreated, SeasonTicketDTO{
		ID:           t.ID,
		UserID:       string(t.UserID),
		TrainingType: string(t.TrainingType),
		Total:        t.Total,
		Used:         t.Used,
		Remaining:    t.Remaining(),
		ExpiresAt:    t.ExpiresAt.Format(time.RFC3339),
	})
}

// GrantCredit issues exchange credit.
// POST /api/admin/credits
func (h *Handler) GrantCredit(w http.ResponseWriter, r *http.Request) {
	var req GrantCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.Service.GrantCredit(r.Context(), entitlement.CreditGrant{
		UserID:       generic.UserID(req.UserID),
		TrainingType: generic.TrainingType(req.TrainingType),
		Children:     req.Children,
		Reason:       req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to grant credit", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreditDTO{
		ID:           c.ID,
		UserID:       string(c.UserID),
		TrainingType: string(c.TrainingType),
		Children:     c.Children,
		Status:       string(c.Status),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case generic.IsEntitlementError(err):
		return http.StatusUnprocessableEntity
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, generic.ErrGatewayRefundFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

// decodeOptional decodes a JSON body if there is one.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
