/*
service.go - Booking admission and queries

PURPOSE:
  Creates bookings. Capacity check, entitlement consumption and the
  insert run in ONE store transaction so two requests can never both see
  "seats available" and jointly overbook a session.

ADMISSION (inside WithTx):
  1. LockSession           - serialises admissions per session
  2. reject cancelled sessions
  3. SessionUsage          - one aggregate query, capacity.FromUsage once
  4. CapacityError if children > available
  5. Ledger.Consume        - season ticket or credit, keyed to the booking
  6. InsertBooking
  Any failure rolls the whole transaction back.

AFTER COMMIT:
  Publish the event, invalidate the availability cache, count metrics.
  None of these can undo the booking.

SEE ALSO:
  - compensation.go: Cancellation and compensation
  - masscancel.go: Session cancellation and user choices
  - capacity/aggregator.go: Availability rules
  - entitlement/ledger.go: Consume/restore rules
*/
package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/booking-engine/capacity"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/generic"
	"github.com/warp/booking-engine/metrics"
	"github.com/warp/booking-engine/notify"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store     generic.TxStore
	ledger    *entitlement.Ledger
	clock     generic.Clock
	reader    capacity.Reader
	cache     capacity.Invalidator
	publisher notify.Publisher
	metrics   *metrics.Recorder
	log       logrus.FieldLogger
	newID     func() string
}

type Option func(*Service)

// WithAvailabilityReader serves Availability from r (e.g. capacity.Cache).
// Admission always aggregates from the store.
func WithAvailabilityReader(r capacity.Reader) Option {
	return func(s *Service) { s.reader = r }
}

// WithInvalidator is told about every session whose bookings changed.
func WithInvalidator(i capacity.Invalidator) Option {
	return func(s *Service) { s.cache = i }
}

func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

// WithIDGenerator overrides booking, credit and transaction ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func NewService(store generic.TxStore, clock generic.Clock, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: clock,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reader == nil {
		s.reader = capacity.NewAggregator(store)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.publisher == nil {
		s.publisher = notify.NewLogPublisher(s.log)
	}
	s.ledger = entitlement.NewLedger(clock, entitlement.WithIDGenerator(s.newID))
	return s
}

// =============================================================================
// CREATE
// =============================================================================

// CreateRequest is a booking request. EntitlementID names the season ticket
// or credit for entitlement-funded bookings and must be empty for card.
type CreateRequest struct {
	SessionID     generic.SessionID
	UserID        generic.UserID
	Children      int
	PaymentMethod generic.PaymentMethod
	AmountPaid    generic.Money
	EntitlementID string
	PaymentRef    string
}

func (r CreateRequest) validate() error {
	switch {
	case r.SessionID == "":
		return fmt.Errorf("%w: session id is required", generic.ErrInvalidRequest)
	case r.UserID == "":
		return fmt.Errorf("%w: user id is required", generic.ErrInvalidRequest)
	case r.Children <= 0:
		return fmt.Errorf("%w: number of children must be positive", generic.ErrInvalidRequest)
	case !r.PaymentMethod.Valid():
		return fmt.Errorf("%w: unknown payment method %q", generic.ErrInvalidRequest, r.PaymentMethod)
	case r.PaymentMethod.EntitlementFunded() && r.EntitlementID == "":
		return fmt.Errorf("%w: %s booking needs an entitlement id", generic.ErrInvalidRequest, r.PaymentMethod)
	case r.PaymentMethod.EntitlementFunded() && !r.AmountPaid.Value.IsZero():
		return fmt.Errorf("%w: entitlement-funded bookings carry no amount", generic.ErrInvalidRequest)
	case r.PaymentMethod == generic.PaymentCard && r.EntitlementID != "":
		return fmt.Errorf("%w: card bookings carry no entitlement id", generic.ErrInvalidRequest)
	case r.AmountPaid.Value.IsNegative():
		return fmt.Errorf("%w: amount paid cannot be negative", generic.ErrInvalidRequest)
	}
	return nil
}

// Result is a created booking and the session's availability right after it.
type Result struct {
	Booking      generic.Booking
	Availability capacity.Availability
}

// CreateBooking admits a booking. Fails with *generic.CapacityError,
// generic.ErrSessionCancelled, or an entitlement error; nothing is written
// on failure.
func (s *Service) CreateBooking(ctx context.Context, req CreateRequest) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	started := time.Now()
	var res Result
	err := s.store.WithTx(ctx, func(tx generic.Store) error {
		session, err := tx.LockSession(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if session.Status == generic.SessionCancelled {
			return fmt.Errorf("session %s: %w", session.ID, generic.ErrSessionCancelled)
		}

		usage, err := tx.SessionUsage(ctx, req.SessionID)
		if err != nil {
			return err
		}
		avail := capacity.FromUsage(usage)
		if !avail.Admits(req.Children) {
			return &generic.CapacityError{
				SessionID: req.SessionID,
				Available: avail.Available,
				Requested: req.Children,
			}
		}

		b := generic.Booking{
			ID:            generic.BookingID(s.newID()),
			SessionID:     req.SessionID,
			UserID:        req.UserID,
			Children:      req.Children,
			PaymentMethod: req.PaymentMethod,
			EntitlementID: req.EntitlementID,
			PaymentRef:    req.PaymentRef,
			AmountPaid:    req.AmountPaid,
			Status:        generic.BookingActive,
			CreatedAt:     s.clock.Now(),
		}
		if ref, ok := entitlement.RefFor(b); ok {
			if err := s.ledger.Consume(ctx, tx, ref, claimFor(b, session.TrainingType)); err != nil {
				return err
			}
		}
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}

		res = Result{Booking: b, Availability: avail.After(b.Children)}
		return nil
	})
	s.metrics.ObserveAdmission(time.Since(started))

	if err != nil {
		s.metrics.AdmissionRejected(metrics.RejectionReason(err))
		s.log.WithFields(logrus.Fields{
			"session_id":     req.SessionID,
			"user_id":        req.UserID,
			"children":       req.Children,
			"payment_method": req.PaymentMethod,
		}).WithError(err).Info("booking rejected")
		return Result{}, err
	}

	s.metrics.BookingCreated(res.Booking.PaymentMethod)
	s.log.WithFields(logrus.Fields{
		"booking_id":     res.Booking.ID,
		"session_id":     res.Booking.SessionID,
		"children":       res.Booking.Children,
		"payment_method": res.Booking.PaymentMethod,
		"available":      res.Availability.Available,
	}).Info("booking created")
	s.afterCommit(ctx, res.Booking.SessionID, notify.BookingEvent(notify.EventBookingConfirmed, res.Booking, s.clock.Now()))
	return res, nil
}

// claimFor describes a booking to the ledger.
func claimFor(b generic.Booking, training generic.TrainingType) entitlement.Claim {
	return entitlement.Claim{
		BookingID:    b.ID,
		UserID:       b.UserID,
		TrainingType: training,
		Children:     b.Children,
	}
}

// afterCommit runs the side effects of a committed write.
// The write is durable whatever happens to the caller, so these run
// detached from its cancellation.
func (s *Service) afterCommit(ctx context.Context, sessionID generic.SessionID, events ...notify.Event) {
	ctx = context.WithoutCancel(ctx)
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, sessionID); err != nil {
			s.log.WithField("session_id", sessionID).WithError(err).Warn("availability cache invalidation failed")
		}
	}
	for _, e := range events {
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.log.WithFields(logrus.Fields{
				"event":      e.Type,
				"booking_id": e.BookingID,
			}).WithError(err).Error("publish booking event failed")
		}
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Availability returns the session's capacity snapshot.
func (s *Service) Availability(ctx context.Context, id generic.SessionID) (capacity.Availability, error) {
	return s.reader.Availability(ctx, id)
}

// BookingView is a booking and, once cancelled, its compensation.
type BookingView struct {
	Booking      generic.Booking
	Compensation *generic.Compensation
}

func (s *Service) GetBooking(ctx context.Context, id generic.BookingID) (BookingView, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return BookingView{}, err
	}
	c, err := s.store.GetCompensation(ctx, id)
	if err != nil {
		return BookingView{}, err
	}
	return BookingView{Booking: *b, Compensation: c}, nil
}

func (s *Service) SeasonTicketStatus(ctx context.Context, id string) (entitlement.TicketStatus, error) {
	return s.ledger.SeasonTicketStatus(ctx, s.store, id)
}

func (s *Service) CreditStatus(ctx context.Context, id string) (entitlement.CreditView, error) {
	return s.ledger.CreditStatus(ctx, s.store, id)
}

// History returns the ledger entries of a season ticket or credit.
func (s *Service) History(ctx context.Context, kind generic.EntitlementKind, id string) ([]generic.Transaction, error) {
	return s.ledger.History(ctx, s.store, kind, id)
}

// =============================================================================
// INGRESS - data owned by other systems
// =============================================================================

// RegisterSession stores a session published by the scheduling system.
// Re-registering updates schedule and capacity but never the status.
func (s *Service) RegisterSession(ctx context.Context, session generic.Session) (generic.Session, error) {
	switch {
	case session.ID == "":
		return generic.Session{}, fmt.Errorf("%w: session id is required", generic.ErrInvalidRequest)
	case session.TrainingType == "":
		return generic.Session{}, fmt.Errorf("%w: training type is required", generic.ErrInvalidRequest)
	case session.MaxParticipants < 0:
		return generic.Session{}, fmt.Errorf("%w: max participants cannot be negative", generic.ErrInvalidRequest)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.clock.Now()
	}
	session.Status = generic.SessionScheduled
	if err := s.store.SaveSession(ctx, session); err != nil {
		return generic.Session{}, err
	}
	saved, err := s.store.GetSession(ctx, session.ID)
	if err != nil {
		return generic.Session{}, err
	}
	s.afterCommit(ctx, session.ID)
	return *saved, nil
}

// IssueSeasonTicket records a confirmed season-ticket purchase.
func (s *Service) IssueSeasonTicket(ctx context.Context, p entitlement.TicketPurchase) (generic.SeasonTicket, error) {
	var t generic.SeasonTicket
	err := s.store.WithTx(ctx, func(tx generic.Store) error {
		var err error
		t, err = s.ledger.IssueSeasonTicket(ctx, tx, p)
		return err
	})
	if err != nil {
		return generic.SeasonTicket{}, err
	}
	s.log.WithFields(logrus.Fields{
		"ticket_id":  t.ID,
		"user_id":    t.UserID,
		"entries":    t.Total,
		"expires_at": t.ExpiresAt.Format(time.DateOnly),
	}).Info("season ticket issued")
	return t, nil
}

// GrantCredit creates exchange credit for a user.
func (s *Service) GrantCredit(ctx context.Context, g entitlement.CreditGrant) (generic.Credit, error) {
	var c generic.Credit
	err := s.store.WithTx(ctx, func(tx generic.Store) error {
		var err error
		c, err = s.ledger.GrantCredit(ctx, tx, g)
		return err
	})
	if err != nil {
		return generic.Credit{}, err
	}
	s.log.WithFields(logrus.Fields{
		"credit_id": c.ID,
		"user_id":   c.UserID,
		"children":  c.Children,
	}).Info("credit granted")
	return c, nil
}
