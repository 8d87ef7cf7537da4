/*
notify.go - Booking events for the Notification Dispatcher

PURPOSE:
  The engine does not render messages. After a booking or cancellation
  commits, it publishes an Event carrying the compensation outcome, and
  the dispatcher (outside this repo) picks the user-facing text.

DELIVERY:
  Publishing happens after commit. A failed publish is logged and never
  rolls back the booking: the database is the source of truth, events are
  a notification.

EVENTS:
  booking.confirmed        a booking was created
  booking.cancelled        a booking was compensated (Outcome set)
  booking.choice_required  a session was cancelled, the user must pick
                           credit or card refund

SEE ALSO:
  - amqp.go: RabbitMQ publisher
  - booking/service.go: Publishes after every committed write
*/
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/booking-engine/generic"
)

type EventType string

const (
	EventBookingConfirmed EventType = "booking.confirmed"
	EventBookingCancelled EventType = "booking.cancelled"
	EventChoiceRequired   EventType = "booking.choice_required"
)

// Event is the payload sent to the dispatcher.
type Event struct {
	Type          EventType             `json:"type"`
	BookingID     generic.BookingID     `json:"booking_id"`
	SessionID     generic.SessionID     `json:"session_id"`
	UserID        generic.UserID        `json:"user_id"`
	Children      int                   `json:"children"`
	PaymentMethod generic.PaymentMethod `json:"payment_method"`
	AmountPaid    string                `json:"amount_paid,omitempty"`
	Outcome       generic.Outcome       `json:"outcome,omitempty"`
	RefundID      string                `json:"refund_id,omitempty"`
	RefundError   string                `json:"refund_error,omitempty"`
	CreditID      string                `json:"credit_id,omitempty"`
	OccurredAt    time.Time             `json:"occurred_at"`
}

// Publisher delivers events to the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// BookingEvent builds the event for a booking.
func BookingEvent(t EventType, b generic.Booking, at time.Time) Event {
	e := Event{
		Type:          t,
		BookingID:     b.ID,
		SessionID:     b.SessionID,
		UserID:        b.UserID,
		Children:      b.Children,
		PaymentMethod: b.PaymentMethod,
		OccurredAt:    at,
	}
	if !b.AmountPaid.Value.IsZero() {
		e.AmountPaid = b.AmountPaid.String()
	}
	return e
}

// WithCompensation adds the outcome of a cancellation.
func (e Event) WithCompensation(c *generic.Compensation) Event {
	if c == nil {
		return e
	}
	e.Outcome = c.Outcome
	e.RefundID = c.RefundID
	e.RefundError = c.RefundError
	e.CreditID = c.CreditID
	return e
}

// =============================================================================
// LOG PUBLISHER
// =============================================================================

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.log.WithFields(logrus.Fields{
		"event":      e.Type,
		"booking_id": e.BookingID,
		"session_id": e.SessionID,
		"user_id":    e.UserID,
		"outcome":    e.Outcome,
	}).Info("booking event")
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
	return nil
}

// Types returns the types of the recorded events in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
