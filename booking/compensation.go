/*
compensation.go - Cancellation compensation engine

PURPOSE:
  Decides, for a cancelled booking, which single compensation path applies
  and executes it exactly once, in the same transaction as the
  deactivation.

CLASSIFICATION (first match wins):
  1. refund attempted, success id   -> card_refund_initiated (nothing owed internally)
  2. refund attempted, error        -> card_refund_failed    (operator follow-up, NO restoration)
  3. paid with a season ticket      -> season_ticket_restored
  4. anything else                  -> credit_restored (reactivate funding credit or issue one)

STATE MACHINE:
  active -> cancelled                 single cancellation
  active -> cancelling -> cancelled   session cancellation, see masscancel.go
  The compensation record is keyed by booking id, so a booking has at
  most one. Cancelling an already compensated booking returns the stored
  record with Replayed set and touches nothing.

GATEWAY:
  The refund result is an input. This package never calls the gateway and
  never retries it. A failed refund still commits its record and deactivates
  the booking; the error is returned next to the record.

SEE ALSO:
  - service.go: Admission
  - entitlement/ledger.go: Restore
*/
package booking

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/booking-engine/entitlement"
	"github.com/warp/booking-engine/generic"
	"github.com/warp/booking-engine/notify"
)

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify picks the compensation path for a booking. refund is nil when no
// gateway refund was attempted.
func Classify(b generic.Booking, refund *generic.RefundResult) generic.Outcome {
	switch {
	case refund.Succeeded():
		return generic.OutcomeCardRefundInitiated
	case refund.Failed():
		return generic.OutcomeCardRefundFailed
	case b.PaymentMethod == generic.PaymentSeasonTicket:
		return generic.OutcomeSeasonTicketRestored
	default:
		return generic.OutcomeCreditRestored
	}
}

// restoreRef is the entitlement a restoring outcome gives back to.
// A card booking without a refund gets a new credit.
func restoreRef(b generic.Booking, outcome generic.Outcome) (entitlement.Ref, bool) {
	switch outcome {
	case generic.OutcomeSeasonTicketRestored:
		return entitlement.Ref{Kind: generic.KindSeasonTicket, ID: b.EntitlementID}, true
	case generic.OutcomeCreditRestored:
		if b.PaymentMethod == generic.PaymentCredit {
			return entitlement.Ref{Kind: generic.KindCredit, ID: b.EntitlementID}, true
		}
		return entitlement.Ref{Kind: generic.KindCredit}, true
	}
	return entitlement.Ref{}, false
}

// =============================================================================
// CANCEL
// =============================================================================

// CancelBooking deactivates a booking and compensates it.
//
// Returns the stored record with Replayed set if the booking was already
// compensated, generic.ErrAwaitingChoice if its session was cancelled and
// the user has not chosen yet, and a *generic.GatewayRefundError together
// with the committed record when refund reports a failure.
func (s *Service) CancelBooking(ctx context.Context, id generic.BookingID, refund *generic.RefundResult) (*generic.Compensation, error) {
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
		switch b.Status {
		case generic.BookingCancelling:
			return fmt.Errorf("booking %s: %w", id, generic.ErrAwaitingChoice)
		case generic.BookingCancelled:
			return fmt.Errorf("booking %s: %w", id, generic.ErrAlreadyInactive)
		}
		if err := refundApplies(*b, refund); err != nil {
			return err
		}

		if err := s.deactivate(ctx, tx, b, generic.BookingCancelled); err != nil {
			return err
		}
		booking = *b
		comp, err = s.compensate(ctx, tx, booking, Classify(booking, refund), refund)
		return err
	})
	if err != nil {
		s.log.WithField("booking_id", id).WithError(err).Warn("cancellation failed")
		return nil, err
	}
	if comp.Replayed {
		s.log.WithFields(logrus.Fields{
			"booking_id": id,
			"outcome":    comp.Outcome,
		}).Info("booking already compensated")
		return comp, nil
	}

	s.compensated(ctx, booking, comp)
	return comp, refundError(comp)
}

// loadForCancel returns the booking, or its stored compensation when it
// was compensated before.
func (s *Service) loadForCancel(ctx context.Context, tx generic.Store, id generic.BookingID) (*generic.Booking, *generic.Compensation, error) {
	b, err := tx.GetBooking(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	existing, err := tx.GetCompensation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		replay := *existing
		replay.Replayed = true
		return b, &replay, nil
	}
	return b, nil, nil
}

// deactivate is the only place an active booking stops being active.
// to is BookingCancelled, or BookingCancelling when the user still has to
// choose a compensation.
func (s *Service) deactivate(ctx context.Context, tx generic.Store, b *generic.Booking, to generic.BookingStatus) error {
	if err := tx.TransitionBooking(ctx, b.ID, generic.BookingActive, to, s.clock.Now()); err != nil {
		return fmt.Errorf("deactivate booking %s: %w", b.ID, err)
	}
	return nil
}

// compensate executes one outcome and records it. Must run in the
// transaction that took the booking out of the active state.
func (s *Service) compensate(ctx context.Context, tx generic.Store, b generic.Booking, outcome generic.Outcome, refund *generic.RefundResult) (*generic.Compensation, error) {
	comp := &generic.Compensation{
		BookingID:  b.ID,
		Outcome:    outcome,
		Children:   b.Children,
		AmountPaid: b.AmountPaid,
		CreatedAt:  s.clock.Now(),
	}
	if refund != nil {
		comp.RefundID = refund.ID
		comp.RefundError = refund.Error
	}

	if ref, ok := restoreRef(b, outcome); ok {
		session, err := tx.GetSession(ctx, b.SessionID)
		if err != nil {
			return nil, err
		}
		r, err := s.ledger.Restore(ctx, tx, ref, claimFor(b, session.TrainingType))
		if err != nil {
			return nil, err
		}
		switch r.Kind {
		case generic.KindSeasonTicket:
			comp.TicketID = r.EntitlementID
		case generic.KindCredit:
			comp.CreditID = r.EntitlementID
		}
	}

	if err := tx.InsertCompensation(ctx, *comp); err != nil {
		return nil, fmt.Errorf("record compensation for booking %s: %w", b.ID, err)
	}
	return comp, nil
}

// compensated runs the side effects of a committed compensation.
func (s *Service) compensated(ctx context.Context, b generic.Booking, comp *generic.Compensation) {
	s.metrics.Compensated(comp.Outcome)
	entry := s.log.WithFields(logrus.Fields{
		"booking_id":     b.ID,
		"session_id":     b.SessionID,
		"payment_method": b.PaymentMethod,
		"outcome":        comp.Outcome,
	})
	if comp.Outcome == generic.OutcomeCardRefundFailed {
		entry.WithField("refund_error", comp.RefundError).Error("card refund failed, operator follow-up required")
	} else {
		entry.Info("booking compensated")
	}
	event := notify.BookingEvent(notify.EventBookingCancelled, b, s.clock.Now()).WithCompensation(comp)
	s.afterCommit(ctx, b.SessionID, event)
}

// refundApplies rejects a refund result for a booking that was not paid
// by card. Only card charges can be refunded.
func refundApplies(b generic.Booking, refund *generic.RefundResult) error {
	if refund == nil || b.PaymentMethod == generic.PaymentCard {
		return nil
	}
	return fmt.Errorf("%w: booking %s was paid with %s and has no card charge to refund",
		generic.ErrInvalidRequest, b.ID, b.PaymentMethod)
}

func refundError(comp *generic.Compensation) error {
	if comp.Outcome != generic.OutcomeCardRefundFailed {
		return nil
	}
	return &generic.GatewayRefundError{BookingID: comp.BookingID, Reason: comp.RefundError}
}
