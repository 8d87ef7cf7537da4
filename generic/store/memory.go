// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.TxStore. WithTx holds the write lock for the
// whole transaction, so transactions are serialised and LockSession needs
// no extra locking.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	sessions      map[generic.SessionID]generic.Session
	bookings      map[generic.BookingID]generic.Booking
	tickets       map[string]generic.SeasonTicket
	credits       map[string]generic.Credit
	transactions  []generic.Transaction
	idempotency   map[string]bool
	compensations map[generic.BookingID]generic.Compensation
}

func newState() *state {
	return &state{
		sessions:      make(map[generic.SessionID]generic.Session),
		bookings:      make(map[generic.BookingID]generic.Booking),
		tickets:       make(map[string]generic.SeasonTicket),
		credits:       make(map[string]generic.Credit),
		idempotency:   make(map[string]bool),
		compensations: make(map[generic.BookingID]generic.Compensation),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) read(fn func(*state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.st)
}

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

// =============================================================================
// SESSIONS
// =============================================================================

func (m *Memory) SaveSession(ctx context.Context, s generic.Session) error {
	return m.write(func(st *state) error { return st.SaveSession(ctx, s) })
}

func (m *Memory) GetSession(ctx context.Context, id generic.SessionID) (out *generic.Session, err error) {
	err = m.read(func(st *state) error { out, err = st.GetSession(ctx, id); return err })
	return out, err
}

func (m *Memory) LockSession(ctx context.Context, id generic.SessionID) (*generic.Session, error) {
	return m.GetSession(ctx, id)
}

func (m *Memory) SessionUsage(ctx context.Context, id generic.SessionID) (out generic.SessionUsage, err error) {
	err = m.read(func(st *state) error { out, err = st.SessionUsage(ctx, id); return err })
	return out, err
}

func (m *Memory) SetSessionStatus(ctx context.Context, id generic.SessionID, status generic.SessionStatus) error {
	return m.write(func(st *state) error { return st.SetSessionStatus(ctx, id, status) })
}

// =============================================================================
// BOOKINGS
// =============================================================================

func (m *Memory) InsertBooking(ctx context.Context, b generic.Booking) error {
	return m.write(func(st *state) error { return st.InsertBooking(ctx, b) })
}

func (m *Memory) GetBooking(ctx context.Context, id generic.BookingID) (out *generic.Booking, err error) {
	err = m.read(func(st *state) error { out, err = st.GetBooking(ctx, id); return err })
	return out, err
}

func (m *Memory) TransitionBooking(ctx context.Context, id generic.BookingID, from, to generic.BookingStatus, at time.Time) error {
	return m.write(func(st *state) error { return st.TransitionBooking(ctx, id, from, to, at) })
}

func (m *Memory) ListBookingsBySession(ctx context.Context, sessionID generic.SessionID, status generic.BookingStatus) (out []generic.Booking, err error) {
	err = m.read(func(st *state) error { out, err = st.ListBookingsBySession(ctx, sessionID, status); return err })
	return out, err
}

func (m *Memory) ListCancellingBefore(ctx context.Context, cutoff time.Time) (out []generic.Booking, err error) {
	err = m.read(func(st *state) error { out, err = st.ListCancellingBefore(ctx, cutoff); return err })
	return out, err
}

// =============================================================================
// ENTITLEMENTS
// =============================================================================

func (m *Memory) InsertSeasonTicket(ctx context.Context, t generic.SeasonTicket) error {
	return m.write(func(st *state) error { return st.InsertSeasonTicket(ctx, t) })
}

func (m *Memory) GetSeasonTicket(ctx context.Context, id string) (out *generic.SeasonTicket, err error) {
	err = m.read(func(st *state) error { out, err = st.GetSeasonTicket(ctx, id); return err })
	return out, err
}

func (m *Memory) UpdateTicketUsage(ctx context.Context, id string, used int, expectedVersion int) error {
	return m.write(func(st *state) error { return st.UpdateTicketUsage(ctx, id, used, expectedVersion) })
}

func (m *Memory) InsertCredit(ctx context.Context, c generic.Credit) error {
	return m.write(func(st *state) error { return st.InsertCredit(ctx, c) })
}

func (m *Memory) GetCredit(ctx context.Context, id string) (out *generic.Credit, err error) {
	err = m.read(func(st *state) error { out, err = st.GetCredit(ctx, id); return err })
	return out, err
}

func (m *Memory) TransitionCredit(ctx context.Context, id string, from, to generic.CreditStatus, consumedBy generic.BookingID, at time.Time) error {
	return m.write(func(st *state) error { return st.TransitionCredit(ctx, id, from, to, consumedBy, at) })
}

// =============================================================================
// LEDGER & COMPENSATIONS
// =============================================================================

func (m *Memory) AppendTransaction(ctx context.Context, tx generic.Transaction) error {
	return m.write(func(st *state) error { return st.AppendTransaction(ctx, tx) })
}

func (m *Memory) TransactionExists(ctx context.Context, key string) (out bool, err error) {
	err = m.read(func(st *state) error { out, err = st.TransactionExists(ctx, key); return err })
	return out, err
}

func (m *Memory) Transactions(ctx context.Context, kind generic.EntitlementKind, id string) (out []generic.Transaction, err error) {
	err = m.read(func(st *state) error { out, err = st.Transactions(ctx, kind, id); return err })
	return out, err
}

func (m *Memory) InsertCompensation(ctx context.Context, c generic.Compensation) error {
	return m.write(func(st *state) error { return st.InsertCompensation(ctx, c) })
}

func (m *Memory) GetCompensation(ctx context.Context, id generic.BookingID) (out *generic.Compensation, err error) {
	err = m.read(func(st *state) error { out, err = st.GetCompensation(ctx, id); return err })
	return out, err
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.sessions {
		c.sessions[k] = v
	}
	for k, v := range st.bookings {
		c.bookings[k] = v
	}
	for k, v := range st.tickets {
		c.tickets[k] = v
	}
	for k, v := range st.credits {
		c.credits[k] = v
	}
	c.transactions = append([]generic.Transaction{}, st.transactions...)
	for k, v := range st.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range st.compensations {
		c.compensations[k] = v
	}
	return c
}

// =============================================================================
// STATE - unlocked operations, shared by Memory and the transaction view
// =============================================================================

// SaveSession upserts a session. The status of an existing session is kept.
func (st *state) SaveSession(_ context.Context, s generic.Session) error {
	if prev, ok := st.sessions[s.ID]; ok {
		s.Status = prev.Status
		s.CreatedAt = prev.CreatedAt
	}
	if s.Status == "" {
		s.Status = generic.SessionScheduled
	}
	st.sessions[s.ID] = s
	return nil
}

func (st *state) GetSession(_ context.Context, id generic.SessionID) (*generic.Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return nil, generic.ErrSessionNotFound
	}
	return &s, nil
}

func (st *state) LockSession(ctx context.Context, id generic.SessionID) (*generic.Session, error) {
	return st.GetSession(ctx, id)
}

func (st *state) SessionUsage(_ context.Context, id generic.SessionID) (generic.SessionUsage, error) {
	s, ok := st.sessions[id]
	if !ok {
		return generic.SessionUsage{}, generic.ErrSessionNotFound
	}
	usage := generic.SessionUsage{Session: s}
	for _, b := range st.bookings {
		if b.SessionID == id && b.Active() {
			usage.BookedCount += b.Children
		}
	}
	return usage, nil
}

func (st *state) SetSessionStatus(_ context.Context, id generic.SessionID, status generic.SessionStatus) error {
	s, ok := st.sessions[id]
	if !ok {
		return generic.ErrSessionNotFound
	}
	s.Status = status
	st.sessions[id] = s
	return nil
}

func (st *state) InsertBooking(_ context.Context, b generic.Booking) error {
	if _, ok := st.bookings[b.ID]; ok {
		return generic.ErrDuplicateIdempotencyKey
	}
	st.bookings[b.ID] = b
	return nil
}

func (st *state) GetBooking(_ context.Context, id generic.BookingID) (*generic.Booking, error) {
	b, ok := st.bookings[id]
	if !ok {
		return nil, generic.ErrBookingNotFound
	}
	return &b, nil
}

func (st *state) TransitionBooking(_ context.Context, id generic.BookingID, from, to generic.BookingStatus, at time.Time) error {
	b, ok := st.bookings[id]
	if !ok {
		return generic.ErrBookingNotFound
	}
	if b.Status != from {
		return generic.ErrAlreadyInactive
	}
	b.Status = to
	if from == generic.BookingActive {
		b.CancelledAt = &at
	}
	st.bookings[id] = b
	return nil
}

func (st *state) ListBookingsBySession(_ context.Context, sessionID generic.SessionID, status generic.BookingStatus) ([]generic.Booking, error) {
	var out []generic.Booking
	for _, b := range st.bookings {
		if b.SessionID == sessionID && b.Status == status {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (st *state) ListCancellingBefore(_ context.Context, cutoff time.Time) ([]generic.Booking, error) {
	var out []generic.Booking
	for _, b := range st.bookings {
		if b.Status == generic.BookingCancelling && b.CancelledAt != nil && b.CancelledAt.Before(cutoff) {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func sortBookings(bs []generic.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].CreatedAt.Equal(bs[j].CreatedAt) {
			return bs[i].ID < bs[j].ID
		}
		return bs[i].CreatedAt.Before(bs[j].CreatedAt)
	})
}

func (st *state) InsertSeasonTicket(_ context.Context, t generic.SeasonTicket) error {
	if _, ok := st.tickets[t.ID]; ok {
		return generic.ErrDuplicateIdempotencyKey
	}
	st.tickets[t.ID] = t
	return nil
}

func (st *state) GetSeasonTicket(_ context.Context, id string) (*generic.SeasonTicket, error) {
	t, ok := st.tickets[id]
	if !ok {
		return nil, generic.ErrEntitlementNotFound
	}
	return &t, nil
}

func (st *state) UpdateTicketUsage(_ context.Context, id string, used int, expectedVersion int) error {
	t, ok := st.tickets[id]
	if !ok {
		return generic.ErrEntitlementNotFound
	}
	if t.Version != expectedVersion {
		return generic.ErrConcurrentModification
	}
	t.Used = used
	t.Version++
	st.tickets[id] = t
	return nil
}

func (st *state) InsertCredit(_ context.Context, c generic.Credit) error {
	if _, ok := st.credits[c.ID]; ok {
		return generic.ErrDuplicateIdempotencyKey
	}
	st.credits[c.ID] = c
	return nil
}

func (st *state) GetCredit(_ context.Context, id string) (*generic.Credit, error) {
	c, ok := st.credits[id]
	if !ok {
		return nil, generic.ErrEntitlementNotFound
	}
	return &c, nil
}

func (st *state) TransitionCredit(_ context.Context, id string, from, to generic.CreditStatus, consumedBy generic.BookingID, at time.Time) error {
	c, ok := st.credits[id]
	if !ok {
		return generic.ErrEntitlementNotFound
	}
	if c.Status != from {
		return generic.ErrAlreadyConsumed
	}
	c.Status = to
	c.ConsumedBy = consumedBy
	c.UpdatedAt = at
	st.credits[id] = c
	return nil
}

func (st *state) AppendTransaction(_ context.Context, tx generic.Transaction) error {
	if tx.IdempotencyKey != "" {
		if st.idempotency[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		st.idempotency[tx.IdempotencyKey] = true
	}
	st.transactions = append(st.transactions, tx)
	return nil
}

func (st *state) TransactionExists(_ context.Context, key string) (bool, error) {
	return st.idempotency[key], nil
}

func (st *state) Transactions(_ context.Context, kind generic.EntitlementKind, id string) ([]generic.Transaction, error) {
	var out []generic.Transaction
	for _, tx := range st.transactions {
		if tx.Kind == kind && tx.EntitlementID == id {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (st *state) InsertCompensation(_ context.Context, c generic.Compensation) error {
	if _, ok := st.compensations[c.BookingID]; ok {
		return generic.ErrDuplicateIdempotencyKey
	}
	c.Replayed = false
	st.compensations[c.BookingID] = c
	return nil
}

func (st *state) GetCompensation(_ context.Context, id generic.BookingID) (*generic.Compensation, error) {
	c, ok := st.compensations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}
