package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// LEDGER STORE (generic.LedgerStore interface)
// =============================================================================

// AppendTransaction inserts a ledger entry. The unique idempotency_key
// column rejects a second adjustment for the same booking and direction.
func (c *conn) AppendTransaction(ctx context.Context, tx generic.Transaction) error {
	return appendTx(ctx, c.q, tx)
}

// appendTx is shared by plain calls and the transaction view.
func appendTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, tx generic.Transaction) error {
	_, err := db.ExecContext(ctx, `INSERT INTO entitlement_transactions
		(id, kind, entitlement_id, user_id, booking_id, delta_value, delta_unit, tx_type, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.Kind), tx.EntitlementID, string(tx.UserID),
		nullString(string(tx.BookingID)), tx.Delta.Value.String(), string(tx.Delta.Unit),
		string(tx.Type), nullString(tx.Reason), nullString(tx.IdempotencyKey), formatTime(tx.CreatedAt))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *conn) TransactionExists(ctx context.Context, key string) (bool, error) {
	var n int
	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entitlement_transactions WHERE idempotency_key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", classify(err))
	}
	return n > 0, nil
}

// Transactions returns the entries of one entitlement in insertion order.
func (c *conn) Transactions(ctx context.Context, kind generic.EntitlementKind, entitlementID string) ([]generic.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT id, kind, entitlement_id, user_id, booking_id,
		delta_value, delta_unit, tx_type, reason, idempotency_key, created_at
		FROM entitlement_transactions
		WHERE kind = ? AND entitlement_id = ?
		ORDER BY seq`, string(kind), entitlementID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", classify(err))
	}
	defer rows.Close()

	var out []generic.Transaction
	for rows.Next() {
		var (
			tx                                generic.Transaction
			id, k, user, delta, unit, typ, at string
			bookingID, reason, idempotencyKey sql.NullString
		)
		if err := rows.Scan(&id, &k, &tx.EntitlementID, &user, &bookingID,
			&delta, &unit, &typ, &reason, &idempotencyKey, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		value, err := decimal.NewFromString(delta)
		if err != nil {
			return nil, fmt.Errorf("parse delta of transaction %s: %w", id, err)
		}
		tx.ID = generic.TransactionID(id)
		tx.Kind = generic.EntitlementKind(k)
		tx.UserID = generic.UserID(user)
		tx.BookingID = generic.BookingID(bookingID.String)
		tx.Delta = generic.Amount{Value: value, Unit: generic.Unit(unit)}
		tx.Type = generic.TransactionType(typ)
		tx.Reason = reason.String
		tx.IdempotencyKey = idempotencyKey.String
		if tx.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// COMPENSATIONS
// =============================================================================

func (c *conn) InsertCompensation(ctx context.Context, comp generic.Compensation) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO compensations
		(booking_id, outcome, refund_id, refund_error, ticket_id, credit_id, children, amount_value, amount_currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(comp.BookingID), string(comp.Outcome), nullString(comp.RefundID), nullString(comp.RefundError),
		nullString(comp.TicketID), nullString(comp.CreditID), comp.Children,
		comp.AmountPaid.Value.String(), comp.AmountPaid.Currency, formatTime(comp.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert compensation: %w", classify(err))
	}
	return nil
}

// GetCompensation returns (nil, nil) when the booking was never compensated.
func (c *conn) GetCompensation(ctx context.Context, bookingID generic.BookingID) (*generic.Compensation, error) {
	var (
		comp                                     generic.Compensation
		id, outcome, amount, currency, createdAt string
		refundID, refundError, ticket, credit    sql.NullString
	)
	err := c.q.QueryRowContext(ctx, `SELECT booking_id, outcome, refund_id, refund_error, ticket_id, credit_id,
		children, amount_value, amount_currency, created_at
		FROM compensations WHERE booking_id = ?`, string(bookingID)).
		Scan(&id, &outcome, &refundID, &refundError, &ticket, &credit,
			&comp.Children, &amount, &currency, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get compensation: %w", classify(err))
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount of compensation %s: %w", id, err)
	}
	comp.BookingID = generic.BookingID(id)
	comp.Outcome = generic.Outcome(outcome)
	comp.RefundID = refundID.String
	comp.RefundError = refundError.String
	comp.TicketID = ticket.String
	comp.CreditID = credit.String
	comp.AmountPaid = generic.Money{Value: value, Currency: currency}
	if comp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &comp, nil
}
