package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/booking-engine/generic"
	"github.com/warp/booking-engine/notify"
)

// =============================================================================
// SESSION CANCELLATION
// =============================================================================

// Choice is what a user picks for a card booking of a cancelled session.
type Choice string

const (
	ChoiceCredit Choice = "credit"
	ChoiceRefund Choice = "refund"
)

func (c Choice) Valid() bool { return c == ChoiceCredit || c == ChoiceRefund }

// SessionCancellation reports what cancelling a session did.
type SessionCancellation struct {
	SessionID      generic.SessionID
	Compensated    []generic.Compensation
	AwaitingChoice []generic.BookingID
}

// CancelSession cancels a session wholesale. Entitlement-funded bookings are
// compensated straight away. Card bookings are not refunded automatically:
// they move to cancelling until ResolveChoice (or ExpireChoices) settles
// them. Calling it again only processes bookings still active.
func (s *Service) CancelSession(ctx context.Context, id generic.SessionID) (SessionCancellation, error) {
	out := SessionCancellation{SessionID: id}
	var cancelled []generic.Booking

	err := s.store.WithTx(ctx, func(tx generic.Store) error {
		if _, err := tx.LockSession(ctx, id); err != nil {
			return err
		}
		if err := tx.SetSessionStatus(ctx, id, generic.SessionCancelled); err != nil {
			return err
		}
		active, err := tx.ListBookingsBySession(ctx, id, generic.BookingActive)
		if err != nil {
			return err
		}

		for i := range active {
			b := &active[i]
			if b.PaymentMethod == generic.PaymentCard {
				if err := s.deactivate(ctx, tx, b, generic.BookingCancelling); err != nil {
					return err
				}
				out.AwaitingChoice = append(out.AwaitingChoice, b.ID)
				continue
			}
			if err := s.deactivate(ctx, tx, b, generic.BookingCancelled); err != nil {
				return err
			}
			comp, err := s.compensate(ctx, tx, *b, Classify(*b, nil), nil)
			if err != nil {
				return err
			}
			out.Compensated = append(out.Compensated, *comp)
			cancelled = append(cancelled, *b)
		}
		return nil
	})
	if err != nil {
		s.log.WithField("session_id", id).WithError(err).Error("session cancellation failed")
		return SessionCancellation{}, err
	}

	s.log.WithFields(logrus.Fields{
		"session_id":      id,
		"compensated":     len(out.Compensated),
		"awaiting_choice": len(out.AwaitingChoice),
	}).Info("session cancelled")

	s.metrics.ChoicesPending(len(out.AwaitingChoice))
	for i, b := range cancelled {
		s.compensated(ctx, b, &out.Compensated[i])
	}
	events := make([]notify.Event, 0, len(out.AwaitingChoice))
	for _, bid := range out.AwaitingChoice {
		b, err := s.store.GetBooking(ctx, bid)
		if err != nil {
			s.log.WithField("booking_id", bid).WithError(err).Warn("load booking for choice event failed")
			continue
		}
		events = append(events, notify.BookingEvent(notify.EventChoiceRequired, *b, s.clock.Now()))
	}
	s.afterCommit(ctx, id, events...)
	return out, nil
}

// ResolveChoice settles a card booking of a cancelled session.
// ChoiceCredit issues credit worth the booking. ChoiceRefund needs the
// gateway's refund result and is classified like a single cancellation.
// A booking already settled returns its record with Replayed set.
func (s *Service) ResolveChoice(ctx context.Context, id generic.BookingID, choice Choice, refund *generic.RefundResult) (*generic.Compensation, error) {
	switch {
	case !choice.Valid():
		return nil, fmt.Errorf("%w: unknown choice %q", generic.ErrInvalidRequest, choice)
	case choice == ChoiceRefund && refund == nil:
		return nil, fmt.Errorf("%w: refund choice needs a gateway refund result", generic.ErrInvalidRequest)
	case choice == ChoiceCredit:
		refund = nil
	}
	if err := refund.Validate(); err != nil {
		return nil, err
	}

	var (
		booking generic.Booking
		comp    *generic.Compensation
	)
	err := s.store.WithTx(ctx, func(tx generic.Store) error {
		b, existing, err := s.loadForCancel(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			comp = existing
			return nil
		}
		if b.Status != generic.BookingCancelling {
			return fmt.Errorf("booking %s is %s: %w", id, b.Status, generic.ErrNotAwaitingChoice)
		}
		if err := refundApplies(*b, refund); err != nil {
			return err
		}
		if err := tx.TransitionBooking(ctx, id, generic.BookingCancelling, generic.BookingCancelled, s.clock.Now()); err != nil {
			return err
		}
		booking = *b
		comp, err = s.compensate(ctx, tx, booking, Classify(booking, refund), refund)
		return err
	})
	if err != nil {
		return nil, err
	}
	if comp.Replayed {
		return comp, nil
	}

	s.metrics.ChoicesPending(-1)
	s.log.WithFields(logrus.Fields{
		"booking_id": id,
		"choice":     choice,
	}).Info("compensation choice resolved")
	s.compensated(ctx, booking, comp)
	return comp, refundError(comp)
}

// Refunder asks the payment gateway to refund a card booking. A gateway
// rejection is a RefundResult with Error set; a returned error means the
// outcome is unknown.
type Refunder interface {
	Refund(ctx context.Context, b generic.Booking) (*generic.RefundResult, error)
}

// PendingChoices lists bookings that have waited for a choice since before cutoff.
func (s *Service) PendingChoices(ctx context.Context, cutoff time.Time) ([]generic.Booking, error) {
	return s.store.ListCancellingBefore(ctx, cutoff)
}

// ExpireChoices applies def to every booking that has waited longer than
// timeout. refunder is only used for ChoiceRefund. Bookings whose refund
// outcome is unknown are left for the next run.
func (s *Service) ExpireChoices(ctx context.Context, timeout time.Duration, def Choice, refunder Refunder) ([]generic.Compensation, error) {
	if !def.Valid() {
		return nil, fmt.Errorf("%w: unknown default choice %q", generic.ErrInvalidRequest, def)
	}
	if def == ChoiceRefund && refunder == nil {
		return nil, fmt.Errorf("%w: refund default needs a refunder", generic.ErrInvalidRequest)
	}

	pending, err := s.PendingChoices(ctx, s.clock.Now().Add(-timeout))
	if err != nil {
		return nil, err
	}

	var (
		resolved []generic.Compensation
		errs     []error
	)
	for _, b := range pending {
		var refund *generic.RefundResult
		if def == ChoiceRefund {
			refund, err = refunder.Refund(ctx, b)
			if err != nil {
				s.log.WithField("booking_id", b.ID).WithError(err).Warn("refund outcome unknown, retrying next run")
				continue
			}
		}
		comp, err := s.ResolveChoice(ctx, b.ID, def, refund)
		if comp != nil && !comp.Replayed {
			resolved = append(resolved, *comp)
		}
		if err != nil && !errors.Is(err, generic.ErrGatewayRefundFailed) {
			errs = append(errs, err)
		}
	}
	return resolved, errors.Join(errs...)
}
