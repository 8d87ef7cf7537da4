package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, session_id, user_id, children, payment_method, entitlement_id, payment_ref,
	amount_value, amount_currency, status, created_at, cancelled_at`

func (c *conn) InsertBooking(ctx context.Context, b generic.Booking) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID), string(b.SessionID), string(b.UserID), b.Children, string(b.PaymentMethod),
		nullString(b.EntitlementID), nullString(b.PaymentRef),
		b.AmountPaid.Value.String(), b.AmountPaid.Currency,
		string(b.Status), formatTime(b.CreatedAt), nullTime(b.CancelledAt))
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", classify(err))
	}
	return nil
}

func (c *conn) GetBooking(ctx context.Context, id generic.BookingID) (*generic.Booking, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", classify(err))
	}
	bs, err := scanBookings(rows)
	if err != nil {
		return nil, err
	}
	if len(bs) == 0 {
		return nil, generic.ErrBookingNotFound
	}
	return &bs[0], nil
}

// TransitionBooking is a compare-and-set on status. Leaving active stamps
// cancelled_at.
func (c *conn) TransitionBooking(ctx context.Context, id generic.BookingID, from, to generic.BookingStatus, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if from == generic.BookingActive {
		res, err = c.q.ExecContext(ctx,
			`UPDATE bookings SET status = ?, cancelled_at = ? WHERE id = ? AND status = ?`,
			string(to), formatTime(at), string(id), string(from))
	} else {
		res, err = c.q.ExecContext(ctx,
			`UPDATE bookings SET status = ? WHERE id = ? AND status = ?`,
			string(to), string(id), string(from))
	}
	if err != nil {
		return fmt.Errorf("failed to transition booking: %w", classify(err))
	}
	ok, err := expectOne(res)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := c.GetBooking(ctx, id); err != nil {
			return err
		}
		return generic.ErrAlreadyInactive
	}
	return nil
}

func (c *conn) ListBookingsBySession(ctx context.Context, sessionID generic.SessionID, status generic.BookingStatus) ([]generic.Booking, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE session_id = ? AND status = ? ORDER BY created_at, id`,
		string(sessionID), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", classify(err))
	}
	return scanBookings(rows)
}

func (c *conn) ListCancellingBefore(ctx context.Context, cutoff time.Time) ([]generic.Booking, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND cancelled_at IS NOT NULL AND cancelled_at < ?
		ORDER BY created_at, id`,
		string(generic.BookingCancelling), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list cancelling bookings: %w", classify(err))
	}
	return scanBookings(rows)
}

func scanBookings(rows *sql.Rows) ([]generic.Booking, error) {
	defer rows.Close()

	var out []generic.Booking
	for rows.Next() {
		var (
			b                                    generic.Booking
			id, session, user, method, status    string
			amount, currency, createdAt          string
			entitlementID, paymentRef, cancelled sql.NullString
		)
		if err := rows.Scan(&id, &session, &user, &b.Children, &method, &entitlementID, &paymentRef,
			&amount, &currency, &status, &createdAt, &cancelled); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		b.ID = generic.BookingID(id)
		b.SessionID = generic.SessionID(session)
		b.UserID = generic.UserID(user)
		b.PaymentMethod = generic.PaymentMethod(method)
		b.EntitlementID = entitlementID.String
		b.PaymentRef = paymentRef.String
		b.Status = generic.BookingStatus(status)

		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount of booking %s: %w", id, err)
		}
		b.AmountPaid = generic.Money{Value: value, Currency: currency}

		if b.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if cancelled.Valid {
			at, err := parseTime(cancelled.String)
			if err != nil {
				return nil, err
			}
			b.CancelledAt = &at
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bookings: %w", classify(err))
	}
	return out, nil
}
