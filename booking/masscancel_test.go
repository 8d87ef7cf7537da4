package booking_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/generic"
	"github.com/warp/booking-engine/notify"
)

type fakeRefunder struct {
	results map[generic.BookingID]*generic.RefundResult
	err     error
	calls   []generic.BookingID
}

func (r *fakeRefunder) Refund(_ context.Context, b generic.Booking) (*generic.RefundResult, error) {
	r.calls = append(r.calls, b.ID)
	if r.err != nil {
		return nil, r.err
	}
	if res, ok := r.results[b.ID]; ok {
		return res, nil
	}
	return &generic.RefundResult{ID: "re_" + string(b.ID)}, nil
}

// mixedSession books one card, one ticket and one credit booking on s1.
func mixedSession(t *testing.T, f *fixture) (card, ticket, credit generic.Booking) {
	t.Helper()
	f.ticket(t, "t1", 10, 0)
	cid := f.credit(t, 1)
	f.session(t, "s1", 6)
	card = f.book(t, "s1", 2, generic.PaymentCard, "")
	f.clock.Advance(time.Minute)
	ticket = f.book(t, "s1", 2, generic.PaymentSeasonTicket, "t1")
	f.clock.Advance(time.Minute)
	credit = f.book(t, "s1", 1, generic.PaymentCredit, cid)
	return card, ticket, credit
}

func TestCancelSession_CompensatesEntitlementsAndAsksCardUsers(t *testing.T) {
	// GIVEN: a session with card, ticket and credit bookings
	f := newFixture(t)
	card, ticket, credit := mixedSession(t, f)

	// WHEN: the session is cancelled
	res, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)

	// THEN: entitlements are restored, the card booking waits for a choice
	require.Len(t, res.Compensated, 2)
	assert.Equal(t, ticket.ID, res.Compensated[0].BookingID)
	assert.Equal(t, generic.OutcomeSeasonTicketRestored, res.Compensated[0].Outcome)
	assert.Equal(t, credit.ID, res.Compensated[1].BookingID)
	assert.Equal(t, generic.OutcomeCreditRestored, res.Compensated[1].Outcome)
	assert.Equal(t, []generic.BookingID{card.ID}, res.AwaitingChoice)

	view, err := f.svc.GetBooking(f.ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.BookingCancelling, view.Booking.Status)
	assert.Nil(t, view.Compensation)

	// No seat stays taken.
	a, err := f.svc.Availability(f.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.BookedCount)

	st, err := f.svc.SeasonTicketStatus(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Used)

	assert.Contains(t, f.events.Types(), notify.EventChoiceRequired)
}

func TestCancelSession_RepeatDoesNothingNew(t *testing.T) {
	f := newFixture(t)
	mixedSession(t, f)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)

	res, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, res.Compensated)
	assert.Empty(t, res.AwaitingChoice)
}

func TestCancelSession_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CancelSession(f.ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrSessionNotFound)
}

func TestResolveChoice_Credit(t *testing.T) {
	f := newFixture(t)
	card, _, _ := mixedSession(t, f)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)

	comp, err := f.svc.ResolveChoice(f.ctx, card.ID, booking.ChoiceCredit, nil)

	require.NoError(t, err)
	assert.Equal(t, generic.OutcomeCreditRestored, comp.Outcome)
	view, err := f.svc.CreditStatus(f.ctx, comp.CreditID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Children)
	assert.Equal(t, generic.CreditActive, view.Status)

	b, err := f.svc.GetBooking(f.ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.BookingCancelled, b.Booking.Status)
}

func TestResolveChoice_RefundDeclined(t *testing.T) {
	f := newFixture(t)
	card, _, _ := mixedSession(t, f)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)

	comp, err := f.svc.ResolveChoice(f.ctx, card.ID, booking.ChoiceRefund, &generic.RefundResult{Error: "card_declined"})

	assert.ErrorIs(t, err, generic.ErrGatewayRefundFailed)
	require.NotNil(t, comp)
	assert.Equal(t, generic.OutcomeCardRefundFailed, comp.Outcome)
	assert.Empty(t, comp.CreditID)
}

func TestResolveChoice_MalformedRefundResultKeepsBookingWaiting(t *testing.T) {
	// GIVEN: a card booking waiting for a choice
	f := newFixture(t)
	card, _, _ := mixedSession(t, f)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)

	// WHEN: the refund choice comes with an empty gateway answer
	comp, err := f.svc.ResolveChoice(f.ctx, card.ID, booking.ChoiceRefund, &generic.RefundResult{})

	// THEN: it is rejected and the booking can still be settled
	require.ErrorIs(t, err, generic.ErrInvalidRequest)
	assert.Nil(t, comp)
	view, err := f.svc.GetBooking(f.ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.BookingCancelling, view.Booking.Status)

	comp, err = f.svc.ResolveChoice(f.ctx, card.ID, booking.ChoiceRefund, &generic.RefundResult{ID: "re_1"})
	require.NoError(t, err)
	assert.Equal(t, generic.OutcomeCardRefundInitiated, comp.Outcome)
}

func TestResolveChoice_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	card, _, _ := mixedSession(t, f)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)

	_, err = f.svc.ResolveChoice(f.ctx, card.ID, booking.ChoiceRefund, &generic.RefundResult{ID: "re_1"})
	require.NoError(t, err)

	comp, err := f.svc.ResolveChoice(f.ctx, card.ID, booking.ChoiceCredit, nil)
	require.NoError(t, err)
	assert.True(t, comp.Replayed)
	assert.Equal(t, generic.OutcomeCardRefundInitiated, comp.Outcome)
	assert.Empty(t, comp.CreditID)
}

func TestResolveChoice_Rejections(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 5)
	active := f.book(t, "s1", 1, generic.PaymentCard, "")

	_, err := f.svc.ResolveChoice(f.ctx, active.ID, booking.ChoiceCredit, nil)
	assert.ErrorIs(t, err, generic.ErrNotAwaitingChoice)

	_, err = f.svc.ResolveChoice(f.ctx, active.ID, booking.ChoiceRefund, nil)
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)

	_, err = f.svc.ResolveChoice(f.ctx, active.ID, "voucher", nil)
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
}

func TestExpireChoices_DefaultCredit(t *testing.T) {
	// GIVEN: a card booking waiting for a choice
	f := newFixture(t)
	card, _, _ := mixedSession(t, f)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)

	// WHEN: the timeout has not passed yet
	resolved, err := f.svc.ExpireChoices(f.ctx, 48*time.Hour, booking.ChoiceCredit, nil)

	// THEN: nothing happens
	require.NoError(t, err)
	assert.Empty(t, resolved)

	// WHEN: the timeout passed
	f.clock.Advance(49 * time.Hour)
	resolved, err = f.svc.ExpireChoices(f.ctx, 48*time.Hour, booking.ChoiceCredit, nil)

	// THEN: credit is issued
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, card.ID, resolved[0].BookingID)
	assert.Equal(t, generic.OutcomeCreditRestored, resolved[0].Outcome)

	pending, err := f.svc.PendingChoices(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExpireChoices_DefaultRefund(t *testing.T) {
	f := newFixture(t)
	card, _, _ := mixedSession(t, f)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)
	f.clock.Advance(49 * time.Hour)

	refunder := &fakeRefunder{results: map[generic.BookingID]*generic.RefundResult{
		card.ID: {Error: "expired_card"},
	}}
	resolved, err := f.svc.ExpireChoices(f.ctx, 48*time.Hour, booking.ChoiceRefund, refunder)

	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, generic.OutcomeCardRefundFailed, resolved[0].Outcome)
	assert.Equal(t, []generic.BookingID{card.ID}, refunder.calls)
}

func TestExpireChoices_UnknownRefundOutcomeRetriesLater(t *testing.T) {
	f := newFixture(t)
	card, _, _ := mixedSession(t, f)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)
	f.clock.Advance(49 * time.Hour)

	refunder := &fakeRefunder{err: errors.New("gateway timeout")}
	resolved, err := f.svc.ExpireChoices(f.ctx, 48*time.Hour, booking.ChoiceRefund, refunder)

	require.NoError(t, err)
	assert.Empty(t, resolved)
	view, err := f.svc.GetBooking(f.ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.BookingCancelling, view.Booking.Status)
}

func TestExpireChoices_RefundNeedsRefunder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ExpireChoices(f.ctx, time.Hour, booking.ChoiceRefund, nil)
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
}
