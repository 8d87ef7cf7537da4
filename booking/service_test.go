package booking_test

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/generic"
	"github.com/warp/booking-engine/generic/store"
	"github.com/warp/booking-engine/metrics"
	"github.com/warp/booking-engine/notify"
	"github.com/warp/booking-engine/store/sqlstore"
)

const swim generic.TrainingType = "swimming"

type fixture struct {
	ctx    context.Context
	store  generic.TxStore
	clock  *generic.FixedClock
	events *notify.Recorder
	svc    *booking.Service
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("id-%04d", atomic.AddInt64(&n, 1))
	}
}

func newFixtureWithStore(t *testing.T, s generic.TxStore) *fixture {
	t.Helper()
	clock := generic.NewFixedClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	events := &notify.Recorder{}
	svc := booking.NewService(s, clock,
		booking.WithPublisher(events),
		booking.WithLogger(quietLogger()),
		booking.WithMetrics(metrics.NewWithRegistry(prometheus.NewRegistry())),
		booking.WithIDGenerator(sequentialIDs()),
	)
	return &fixture{ctx: context.Background(), store: s, clock: clock, events: events, svc: svc}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, store.NewMemory())
}

func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlstore.Open("sqlite3", filepath.Join(t.TempDir(), "booking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return newFixtureWithStore(t, s)
}

func (f *fixture) session(t *testing.T, id generic.SessionID, max int) {
	t.Helper()
	_, err := f.svc.RegisterSession(f.ctx, generic.Session{
		ID:              id,
		TrainingType:    swim,
		Name:            "Baby swimming",
		ScheduledAt:     f.clock.Now().Add(72 * time.Hour),
		MaxParticipants: max,
	})
	require.NoError(t, err)
}

func (f *fixture) ticket(t *testing.T, id string, total, used int) {
	t.Helper()
	_, err := f.svc.IssueSeasonTicket(f.ctx, entitlement.TicketPurchase{
		ID: id, UserID: "u1", TrainingType: swim, Entries: total, PurchasedAt: f.clock.Now().AddDate(0, -1, 0),
	})
	require.NoError(t, err)
	if used > 0 {
		f.session(t, "setup-"+generic.SessionID(id), used)
		f.book(t, "setup-"+generic.SessionID(id), used, generic.PaymentSeasonTicket, id)
	}
}

func (f *fixture) credit(t *testing.T, children int) string {
	t.Helper()
	c, err := f.svc.GrantCredit(f.ctx, entitlement.CreditGrant{UserID: "u1", TrainingType: swim, Children: children})
	require.NoError(t, err)
	return c.ID
}

func cardRequest(session generic.SessionID, children int) booking.CreateRequest {
	return booking.CreateRequest{
		SessionID:     session,
		UserID:        "u1",
		Children:      children,
		PaymentMethod: generic.PaymentCard,
		AmountPaid:    generic.Money{Value: decimal.NewFromInt(int64(12 * children)), Currency: "EUR"},
		PaymentRef:    "ch_1",
	}
}

func (f *fixture) book(t *testing.T, session generic.SessionID, children int, method generic.PaymentMethod, entitlementID string) generic.Booking {
	t.Helper()
	req := cardRequest(session, children)
	if method != generic.PaymentCard {
		req.PaymentMethod = method
		req.EntitlementID = entitlementID
		req.AmountPaid = generic.ZeroMoney("EUR")
		req.PaymentRef = ""
	}
	res, err := f.svc.CreateBooking(f.ctx, req)
	require.NoError(t, err)
	return res.Booking
}

func (f *fixture) available(t *testing.T, session generic.SessionID) int {
	t.Helper()
	a, err := f.svc.Availability(f.ctx, session)
	require.NoError(t, err)
	return a.Available
}

// =============================================================================
// ADMISSION
// =============================================================================

func TestCreateBooking_CardBooking(t *testing.T) {
	// GIVEN: a session for 6 children
	f := newFixture(t)
	f.session(t, "s1", 6)

	// WHEN: booking 2 children by card
	res, err := f.svc.CreateBooking(f.ctx, cardRequest("s1", 2))

	// THEN: the booking is active and the returned availability reflects it
	require.NoError(t, err)
	assert.Equal(t, generic.BookingActive, res.Booking.Status)
	assert.Equal(t, 2, res.Availability.BookedCount)
	assert.Equal(t, 4, res.Availability.Available)
	assert.Equal(t, 4, f.available(t, "s1"))
	assert.Equal(t, []notify.EventType{notify.EventBookingConfirmed}, f.events.Types())
}

func TestCreateBooking_CapacityExceeded(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 3)
	f.book(t, "s1", 2, generic.PaymentCard, "")

	_, err := f.svc.CreateBooking(f.ctx, cardRequest("s1", 2))

	require.ErrorIs(t, err, generic.ErrCapacityExceeded)
	var ce *generic.CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Available)
	assert.Equal(t, 2, ce.Requested)
	assert.Equal(t, 1, f.available(t, "s1"))
}

func TestCreateBooking_ExactFitAllowed(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 3)

	res, err := f.svc.CreateBooking(f.ctx, cardRequest("s1", 3))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Availability.Available)
}

func TestCreateBooking_ZeroCapacitySession(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 0)

	_, err := f.svc.CreateBooking(f.ctx, cardRequest("s1", 1))
	assert.ErrorIs(t, err, generic.ErrCapacityExceeded)
}

func TestCreateBooking_SessionNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBooking(f.ctx, cardRequest("missing", 1))
	assert.ErrorIs(t, err, generic.ErrSessionNotFound)
}

func TestCreateBooking_CancelledSessionRejected(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 5)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)

	_, err = f.svc.CreateBooking(f.ctx, cardRequest("s1", 1))
	assert.ErrorIs(t, err, generic.ErrSessionCancelled)
}

func TestCreateBooking_Validation(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 5)

	tests := []struct {
		name   string
		mutate func(*booking.CreateRequest)
	}{
		{"no children", func(r *booking.CreateRequest) { r.Children = 0 }},
		{"no user", func(r *booking.CreateRequest) { r.UserID = "" }},
		{"unknown method", func(r *booking.CreateRequest) { r.PaymentMethod = "cash" }},
		{"ticket without id", func(r *booking.CreateRequest) {
			r.PaymentMethod = generic.PaymentSeasonTicket
			r.AmountPaid = generic.ZeroMoney("EUR")
		}},
		{"ticket with amount", func(r *booking.CreateRequest) {
			r.PaymentMethod = generic.PaymentSeasonTicket
			r.EntitlementID = "t1"
		}},
		{"card with entitlement", func(r *booking.CreateRequest) { r.EntitlementID = "t1" }},
		{"negative amount", func(r *booking.CreateRequest) { r.AmountPaid.Value = decimal.NewFromInt(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cardRequest("s1", 1)
			tt.mutate(&req)
			_, err := f.svc.CreateBooking(f.ctx, req)
			assert.ErrorIs(t, err, generic.ErrInvalidRequest)
		})
	}
	assert.Equal(t, 5, f.available(t, "s1"))
}

func TestCreateBooking_ConsumesSeasonTicket(t *testing.T) {
	// GIVEN: a ticket with 10 entries, 7 used
	f := newFixture(t)
	f.ticket(t, "t1", 10, 7)
	f.session(t, "s1", 6)

	// WHEN: booking 2 children with it
	f.book(t, "s1", 2, generic.PaymentSeasonTicket, "t1")

	// THEN: 1 entry remains
	st, err := f.svc.SeasonTicketStatus(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 9, st.Used)
	assert.Equal(t, 1, st.Remaining)
}

func TestCreateBooking_EntitlementFailureWritesNothing(t *testing.T) {
	// GIVEN: a ticket with 1 entry left
	f := newFixture(t)
	f.ticket(t, "t1", 10, 9)
	f.session(t, "s1", 6)

	// WHEN: booking 2 children with it
	req := booking.CreateRequest{
		SessionID: "s1", UserID: "u1", Children: 2,
		PaymentMethod: generic.PaymentSeasonTicket, EntitlementID: "t1",
	}
	_, err := f.svc.CreateBooking(f.ctx, req)

	// THEN: no booking, no usage change
	require.ErrorIs(t, err, generic.ErrEntitlementInsufficient)
	assert.Equal(t, 6, f.available(t, "s1"))
	st, err := f.svc.SeasonTicketStatus(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 9, st.Used)
}

func TestCreateBooking_CapacityFailureDoesNotConsume(t *testing.T) {
	f := newFixture(t)
	f.ticket(t, "t1", 10, 0)
	f.session(t, "s1", 1)

	req := booking.CreateRequest{
		SessionID: "s1", UserID: "u1", Children: 2,
		PaymentMethod: generic.PaymentSeasonTicket, EntitlementID: "t1",
	}
	_, err := f.svc.CreateBooking(f.ctx, req)

	require.ErrorIs(t, err, generic.ErrCapacityExceeded)
	st, err := f.svc.SeasonTicketStatus(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Used)
}

func TestCreateBooking_ExpiredTicket(t *testing.T) {
	f := newFixture(t)
	f.ticket(t, "t1", 10, 0)
	f.session(t, "s1", 6)
	f.clock.Advance(7 * 30 * 24 * time.Hour)

	req := booking.CreateRequest{
		SessionID: "s1", UserID: "u1", Children: 1,
		PaymentMethod: generic.PaymentSeasonTicket, EntitlementID: "t1",
	}
	_, err := f.svc.CreateBooking(f.ctx, req)
	assert.ErrorIs(t, err, generic.ErrEntitlementExpired)
}

func TestCreateBooking_CreditConsumedOnce(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 6)
	cid := f.credit(t, 2)

	f.book(t, "s1", 2, generic.PaymentCredit, cid)

	view, err := f.svc.CreditStatus(f.ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, generic.CreditConsumed, view.Status)

	_, err = f.svc.CreateBooking(f.ctx, booking.CreateRequest{
		SessionID: "s1", UserID: "u1", Children: 2,
		PaymentMethod: generic.PaymentCredit, EntitlementID: cid,
	})
	assert.ErrorIs(t, err, generic.ErrAlreadyConsumed)
	assert.Equal(t, 4, f.available(t, "s1"))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// raceForSeats fires one booking per entry of children at the same time and
// returns how many succeeded and how many lost on capacity.
func raceForSeats(t *testing.T, f *fixture, session generic.SessionID, children []int) (won, lost int) {
	t.Helper()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
		other []error
	)
	for _, c := range children {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateBooking(f.ctx, cardRequest(session, c))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case generic.IsConflict(err) && !generic.IsRetryable(err):
				lost++
			default:
				other = append(other, err)
			}
		}(c)
	}
	close(start)
	wg.Wait()
	require.Empty(t, other)
	return won, lost
}

func TestCreateBooking_ConcurrentLastSeats(t *testing.T) {
	// GIVEN: 5 seats and two requests for 3 children each
	f := newFixture(t)
	f.session(t, "s1", 5)

	// WHEN: both race
	won, lost := raceForSeats(t, f, "s1", []int{3, 3})

	// THEN: exactly one wins, the other sees CapacityExceeded
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 2, f.available(t, "s1"))
}

func TestCreateBooking_CapacityInvariantUnderLoad(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 7)

	children := make([]int, 20)
	for i := range children {
		children[i] = 1 + i%3
	}
	raceForSeats(t, f, "s1", children)

	a, err := f.svc.Availability(f.ctx, "s1")
	require.NoError(t, err)
	assert.LessOrEqual(t, a.BookedCount, 7)
	assert.GreaterOrEqual(t, a.Available, 0)
}

func TestCreateBooking_ConcurrentLastSeats_SQLite(t *testing.T) {
	// GIVEN: the same race against a real database
	f := newSQLiteFixture(t)
	f.session(t, "s1", 5)

	won, lost := raceForSeats(t, f, "s1", []int{3, 3})

	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 2, f.available(t, "s1"))
}

func TestBookingLifecycle_SQLite(t *testing.T) {
	// GIVEN: a 10-entry ticket with 7 left, on SQLite
	f := newSQLiteFixture(t)
	f.session(t, "s1", 6)
	f.ticket(t, "t1", 10, 3)

	// WHEN: booking 2 children with it and cancelling
	b := f.book(t, "s1", 2, generic.PaymentSeasonTicket, "t1")
	st, err := f.svc.SeasonTicketStatus(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, st.Remaining)

	comp, err := f.svc.CancelBooking(f.ctx, b.ID, nil)
	require.NoError(t, err)

	// THEN: the entries come back and the seats are free again
	assert.Equal(t, generic.OutcomeSeasonTicketRestored, comp.Outcome)
	st, err = f.svc.SeasonTicketStatus(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 7, st.Remaining)
	assert.Equal(t, 6, f.available(t, "s1"))

	again, err := f.svc.CancelBooking(f.ctx, b.ID, nil)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	st, err = f.svc.SeasonTicketStatus(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 7, st.Remaining)
}

// =============================================================================
// QUERIES & INGRESS
// =============================================================================

func TestRegisterSession_KeepsCancelledStatus(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 5)
	_, err := f.svc.CancelSession(f.ctx, "s1")
	require.NoError(t, err)

	saved, err := f.svc.RegisterSession(f.ctx, generic.Session{ID: "s1", TrainingType: swim, MaxParticipants: 8})
	require.NoError(t, err)
	assert.Equal(t, generic.SessionCancelled, saved.Status)
	assert.Equal(t, 8, saved.MaxParticipants)
}

func TestRegisterSession_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RegisterSession(f.ctx, generic.Session{ID: "s1", TrainingType: swim, MaxParticipants: -1})
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
	_, err = f.svc.RegisterSession(f.ctx, generic.Session{ID: "s1", MaxParticipants: 1})
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
}

func TestGetBooking_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetBooking(f.ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrBookingNotFound)
}

// disconnectingStore cancels the caller's context as soon as a transaction
// has committed, like a client hanging up right after its write.
type disconnectingStore struct {
	generic.TxStore
	cancel context.CancelFunc
}

func (s *disconnectingStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	err := s.TxStore.WithTx(ctx, fn)
	if err == nil && s.cancel != nil {
		s.cancel()
	}
	return err
}

type ctxInvalidator struct {
	ctxErrs []error
}

func (i *ctxInvalidator) Invalidate(ctx context.Context, _ generic.SessionID) error {
	i.ctxErrs = append(i.ctxErrs, ctx.Err())
	return ctx.Err()
}

func TestCreateBooking_InvalidatesCacheAfterCallerDisconnects(t *testing.T) {
	// GIVEN: a service whose caller goes away right after commit
	s := &disconnectingStore{TxStore: store.NewMemory()}
	inv := &ctxInvalidator{}
	f := newFixtureWithStore(t, s)
	svc := booking.NewService(s, f.clock,
		booking.WithInvalidator(inv),
		booking.WithPublisher(f.events),
		booking.WithLogger(quietLogger()),
	)
	f.svc = svc
	f.session(t, "s1", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.cancel = cancel

	// WHEN: booking
	_, err := svc.CreateBooking(ctx, cardRequest("s1", 2))
	require.NoError(t, err)

	// THEN: the invalidation still ran with a live context
	require.NotEmpty(t, inv.ctxErrs)
	assert.NoError(t, inv.ctxErrs[len(inv.ctxErrs)-1])
	assert.Error(t, ctx.Err())
}
