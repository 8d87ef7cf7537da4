/*
handlers_test.go - HTTP tests for the booking API

Tests for:
- Booking creation and error status mapping
- Cancellation through the gateway refunder (success, rejection, unknown outcome)
- Mass cancellation and the user's choice
- Entitlement reads and admin ingress
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/api"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/generic"
	"github.com/warp/booking-engine/generic/store"
	"github.com/warp/booking-engine/metrics"
)

// fakeRefunder answers every refund with the same result.
type fakeRefunder struct {
	mu     sync.Mutex
	result *generic.RefundResult
	err    error
	calls  []generic.BookingID
}

func (f *fakeRefunder) Refund(_ context.Context, b generic.Booking) (*generic.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, b.ID)
	return f.result, f.err
}

type testAPI struct {
	t        *testing.T
	clock    *generic.FixedClock
	svc      *booking.Service
	refunder *fakeRefunder
	router   http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	clock := generic.NewFixedClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	svc := booking.NewService(store.NewMemory(), clock,
		booking.WithLogger(log),
		booking.WithMetrics(m),
	)
	refunder := &fakeRefunder{result: &generic.RefundResult{ID: "re_1"}}
	h := api.NewHandler(svc, refunder, "EUR", log)
	return &testAPI{t: t, clock: clock, svc: svc, refunder: refunder, router: api.NewRouter(h, m)}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) session(id string, max int) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/admin/sessions", api.RegisterSessionRequest{
		ID:              id,
		TrainingType:    "swimming",
		Name:            "Baby swimming",
		ScheduledAt:     "2025-03-04T10:00:00Z",
		MaxParticipants: max,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (a *testAPI) cardBooking(session string, children int) api.BookingDTO {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/bookings", api.CreateBookingRequest{
		SessionID:     session,
		UserID:        "u1",
		Children:      children,
		PaymentMethod: "card",
		AmountPaid:    "24.00",
		PaymentRef:    "ch_1",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.CreateBookingResponse](a.t, rec).Booking
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestCreateBooking_Created(t *testing.T) {
	// GIVEN: a session for 6 children
	a := newTestAPI(t)
	a.session("s1", 6)

	// WHEN: booking 2 children by card
	rec := a.do(http.MethodPost, "/api/bookings", api.CreateBookingRequest{
		SessionID: "s1", UserID: "u1", Children: 2, PaymentMethod: "card", AmountPaid: "24", PaymentRef: "ch_1",
	})

	// THEN: 201 with the booking and the availability after it
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[api.CreateBookingResponse](t, rec)
	assert.Equal(t, "active", res.Booking.Status)
	assert.Equal(t, "24.00", res.Booking.AmountPaid)
	assert.Equal(t, "EUR", res.Booking.Currency)
	assert.Equal(t, 4, res.Availability.Available)

	rec = a.do(http.MethodGet, "/api/sessions/s1/availability", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[api.AvailabilityDTO](t, rec).BookedCount)
}

func TestCreateBooking_ErrorStatuses(t *testing.T) {
	a := newTestAPI(t)
	a.session("s1", 3)
	a.cardBooking("s1", 2)

	rec := a.do(http.MethodPost, "/api/admin/season-tickets", api.IssueSeasonTicketRequest{
		ID: "t-old", UserID: "u1", TrainingType: "swimming", Entries: 10, PurchasedAt: "2024-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	tests := []struct {
		name string
		req  api.CreateBookingRequest
		want int
	}{
		{"capacity exceeded", api.CreateBookingRequest{SessionID: "s1", UserID: "u1", Children: 2, PaymentMethod: "card", AmountPaid: "24"}, http.StatusConflict},
		{"unknown session", api.CreateBookingRequest{SessionID: "nope", UserID: "u1", Children: 1, PaymentMethod: "card"}, http.StatusNotFound},
		{"zero children", api.CreateBookingRequest{SessionID: "s1", UserID: "u1", Children: 0, PaymentMethod: "card"}, http.StatusBadRequest},
		{"bad amount", api.CreateBookingRequest{SessionID: "s1", UserID: "u1", Children: 1, PaymentMethod: "card", AmountPaid: "twelve"}, http.StatusBadRequest},
		{"expired ticket", api.CreateBookingRequest{SessionID: "s1", UserID: "u1", Children: 1, PaymentMethod: "season_ticket", EntitlementID: "t-old"}, http.StatusUnprocessableEntity},
		{"unknown credit", api.CreateBookingRequest{SessionID: "s1", UserID: "u1", Children: 1, PaymentMethod: "credit", EntitlementID: "c-nope"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/api/bookings", tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[api.ErrorResponse](t, rec).Error)
		})
	}
}

func TestCreateBooking_InvalidBody(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/bookings", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBooking_NotFound(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodGet, "/api/bookings/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelBooking_CardRefundedThroughGateway(t *testing.T) {
	// GIVEN: an active card booking
	a := newTestAPI(t)
	a.session("s1", 6)
	b := a.cardBooking("s1", 2)

	// WHEN: cancelling without a refund result
	rec := a.do(http.MethodPost, "/api/bookings/"+b.ID+"/cancel", nil)

	// THEN: the gateway was asked and the refund is recorded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.CancelResponse](t, rec)
	assert.Equal(t, "card_refund_initiated", res.Compensation.Outcome)
	assert.Equal(t, "re_1", res.Compensation.RefundID)
	assert.Equal(t, []generic.BookingID{generic.BookingID(b.ID)}, a.refunder.calls)

	// AND: a repeated cancel replays the record without calling the gateway
	rec = a.do(http.MethodPost, "/api/bookings/"+b.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.CancelResponse](t, rec).Compensation.Replayed)
	assert.Len(t, a.refunder.calls, 1)

	rec = a.do(http.MethodGet, "/api/bookings/"+b.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[api.BookingDTO](t, rec)
	assert.Equal(t, "cancelled", view.Status)
	require.NotNil(t, view.Compensation)
	assert.Equal(t, "card_refund_initiated", view.Compensation.Outcome)
}

func TestCancelBooking_RefundRejectedIsBadGatewayWithRecord(t *testing.T) {
	a := newTestAPI(t)
	a.refunder.result = &generic.RefundResult{Error: "card_declined"}
	a.session("s1", 6)
	b := a.cardBooking("s1", 2)

	rec := a.do(http.MethodPost, "/api/bookings/"+b.ID+"/cancel", nil)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	res := decode[api.CancelResponse](t, rec)
	assert.Equal(t, "card_refund_failed", res.Compensation.Outcome)
	assert.Equal(t, "card_declined", res.Compensation.RefundError)
	assert.Empty(t, res.Compensation.CreditID)
	assert.NotEmpty(t, res.Error)
}

func TestCancelBooking_UnknownRefundOutcomeRecordsNothing(t *testing.T) {
	a := newTestAPI(t)
	a.refunder.result = nil
	a.refunder.err = errors.New("gateway timeout")
	a.session("s1", 6)
	b := a.cardBooking("s1", 2)

	rec := a.do(http.MethodPost, "/api/bookings/"+b.ID+"/cancel", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = a.do(http.MethodGet, "/api/bookings/"+b.ID, nil)
	view := decode[api.BookingDTO](t, rec)
	assert.Equal(t, "active", view.Status)
	assert.Nil(t, view.Compensation)
}

func TestCancelBooking_SuppliedRefundResultSkipsGateway(t *testing.T) {
	a := newTestAPI(t)
	a.session("s1", 6)
	b := a.cardBooking("s1", 2)

	rec := a.do(http.MethodPost, "/api/bookings/"+b.ID+"/cancel", api.CancelBookingRequest{
		Refund: &api.RefundResultDTO{ID: "re_external"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "re_external", decode[api.CancelResponse](t, rec).Compensation.RefundID)
	assert.Empty(t, a.refunder.calls)
}

func TestCancelBooking_EmptyRefundResultIsBadRequest(t *testing.T) {
	// GIVEN: a card booking
	a := newTestAPI(t)
	a.session("s1", 6)
	b := a.cardBooking("s1", 2)

	// WHEN: the cancel body carries a refund object with no id and no error
	rec := a.do(http.MethodPost, "/api/bookings/"+b.ID+"/cancel", map[string]any{
		"refund": map[string]string{},
	})

	// THEN: 400, the gateway was not asked and the booking is untouched
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Empty(t, a.refunder.calls)
	rec = a.do(http.MethodGet, "/api/bookings/"+b.ID, nil)
	view := decode[api.BookingDTO](t, rec)
	assert.Equal(t, "active", view.Status)
	assert.Nil(t, view.Compensation)
}

func TestCancelBooking_SeasonTicketRestored(t *testing.T) {
	// GIVEN: a 10-entry ticket used for 2 children
	a := newTestAPI(t)
	a.session("s1", 6)
	rec := a.do(http.MethodPost, "/api/admin/season-tickets", api.IssueSeasonTicketRequest{
		ID: "t1", UserID: "u1", TrainingType: "swimming", Entries: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = a.do(http.MethodPost, "/api/bookings", api.CreateBookingRequest{
		SessionID: "s1", UserID: "u1", Children: 2, PaymentMethod: "season_ticket", EntitlementID: "t1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[api.CreateBookingResponse](t, rec).Booking

	rec = a.do(http.MethodGet, "/api/season-tickets/t1", nil)
	assert.Equal(t, 8, decode[api.SeasonTicketDTO](t, rec).Remaining)

	// WHEN: cancelling it
	rec = a.do(http.MethodPost, "/api/bookings/"+b.ID+"/cancel", nil)

	// THEN: entries are restored and the gateway was never involved
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "season_ticket_restored", decode[api.CancelResponse](t, rec).Compensation.Outcome)
	assert.Empty(t, a.refunder.calls)

	rec = a.do(http.MethodGet, "/api/season-tickets/t1", nil)
	assert.Equal(t, 10, decode[api.SeasonTicketDTO](t, rec).Remaining)

	rec = a.do(http.MethodGet, "/api/season-tickets/t1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]api.TransactionDTO](t, rec)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"issue", "consumption", "restoration"},
		[]string{history[0].Type, history[1].Type, history[2].Type})

	rec = a.do(http.MethodGet, "/api/season-tickets/nope/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// MASS CANCELLATION
// =============================================================================

func TestCancelSession_ThenChooseCredit(t *testing.T) {
	// GIVEN: a session with one card booking
	a := newTestAPI(t)
	a.session("s1", 6)
	b := a.cardBooking("s1", 2)

	// WHEN: the session is cancelled
	rec := a.do(http.MethodPost, "/api/sessions/s1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[api.SessionCancellationDTO](t, rec)
	assert.Equal(t, []string{b.ID}, out.AwaitingChoice)
	assert.Empty(t, out.Compensated)

	// THEN: a plain cancel is refused until the user chooses
	rec = a.do(http.MethodPost, "/api/bookings/"+b.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPost, "/api/bookings/"+b.ID+"/choice", api.ChoiceRequest{Choice: "credit"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	comp := decode[api.CancelResponse](t, rec).Compensation
	assert.Equal(t, "credit_restored", comp.Outcome)
	require.NotEmpty(t, comp.CreditID)

	rec = a.do(http.MethodGet, "/api/credits/"+comp.CreditID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	credit := decode[api.CreditDTO](t, rec)
	assert.Equal(t, "active", credit.Status)
	assert.Equal(t, 2, credit.Children)

	rec = a.do(http.MethodGet, "/api/credits/"+comp.CreditID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.TransactionDTO](t, rec), 1)

	// AND: the session no longer takes bookings
	rec = a.do(http.MethodPost, "/api/bookings", api.CreateBookingRequest{
		SessionID: "s1", UserID: "u1", Children: 1, PaymentMethod: "card", AmountPaid: "12",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveChoice_RefundThroughGateway(t *testing.T) {
	a := newTestAPI(t)
	a.session("s1", 6)
	b := a.cardBooking("s1", 2)
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/sessions/s1/cancel", nil).Code)

	rec := a.do(http.MethodPost, "/api/bookings/"+b.ID+"/choice", api.ChoiceRequest{Choice: "refund"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "card_refund_initiated", decode[api.CancelResponse](t, rec).Compensation.Outcome)
	assert.Len(t, a.refunder.calls, 1)

	rec = a.do(http.MethodPost, "/api/bookings/"+b.ID+"/choice", api.ChoiceRequest{Choice: "voucher"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveChoice_NotAwaitingChoice(t *testing.T) {
	a := newTestAPI(t)
	a.session("s1", 6)
	b := a.cardBooking("s1", 2)

	rec := a.do(http.MethodPost, "/api/bookings/"+b.ID+"/choice", api.ChoiceRequest{Choice: "credit"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// ADMIN & OPS
// =============================================================================

func TestAdmin_Validation(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/api/admin/sessions", api.RegisterSessionRequest{
		ID: "s1", TrainingType: "swimming", ScheduledAt: "tomorrow", MaxParticipants: 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/api/admin/season-tickets", api.IssueSeasonTicketRequest{UserID: "u1", TrainingType: "swimming"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/api/admin/credits", api.GrantCreditRequest{UserID: "u1", TrainingType: "swimming", Children: 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "active", decode[api.CreditDTO](t, rec).Status)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	a.session("s1", 6)
	a.cardBooking("s1", 1)

	rec := a.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bookings_created_total{payment_method="card"} 1`)
}
