/*
aggregator.go - Session capacity aggregation

PURPOSE:
  Answers "how many children can still book this session?". The booked
  count is the sum of children over ACTIVE bookings only, computed by a
  single LEFT JOIN query so a session without bookings reports full
  availability.

ONE COMPUTATION, TWO CONSUMERS:
  Compute() is the only place availability is derived from a usage row.
  Admission (booking/service.go) calls it inside the booking transaction
  under the session lock; reporting calls it through Aggregator. Both see
  the same rules.

CLAMPING:
  - Available is never negative (historical overbooking shows as 0).
  - BookedCount is reported unclamped for audit.
  - MaxParticipants = 0 always reports 0 available.

SEE ALSO:
  - cache.go: Redis read-through cache for the reporting path
  - generic/store.go: SessionStore.SessionUsage
*/
package capacity

import (
	"context"

	"github.com/warp/booking-engine/generic"
)

// Availability is the capacity snapshot of one session.
type Availability struct {
	SessionID       generic.SessionID
	MaxParticipants int
	BookedCount     int
	Available       int
}

// Admits reports whether children more seats fit.
func (a Availability) Admits(children int) bool {
	return children <= a.Available
}

// After returns the availability once children more seats are taken,
// without querying again.
func (a Availability) After(children int) Availability {
	return Compute(a.SessionID, a.MaxParticipants, a.BookedCount+children)
}

// Compute derives availability from a session's capacity and booked count.
func Compute(id generic.SessionID, maxParticipants, booked int) Availability {
	available := maxParticipants - booked
	if maxParticipants <= 0 || available < 0 {
		available = 0
	}
	return Availability{
		SessionID:       id,
		MaxParticipants: maxParticipants,
		BookedCount:     booked,
		Available:       available,
	}
}

// FromUsage converts a store usage row.
func FromUsage(u generic.SessionUsage) Availability {
	return Compute(u.Session.ID, u.Session.MaxParticipants, u.BookedCount)
}

// Reader is the read side every caller uses.
type Reader interface {
	Availability(ctx context.Context, id generic.SessionID) (Availability, error)
}

// Aggregator computes availability straight from the store.
type Aggregator struct {
	store generic.SessionStore
}

func NewAggregator(store generic.SessionStore) *Aggregator {
	return &Aggregator{store: store}
}

// Availability returns generic.ErrSessionNotFound if the session does not exist.
func (a *Aggregator) Availability(ctx context.Context, id generic.SessionID) (Availability, error) {
	usage, err := a.store.SessionUsage(ctx, id)
	if err != nil {
		return Availability{}, err
	}
	return FromUsage(usage), nil
}
