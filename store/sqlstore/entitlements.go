package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// SEASON TICKETS
// =============================================================================

func (c *conn) InsertSeasonTicket(ctx context.Context, t generic.SeasonTicket) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO season_tickets
		(id, user_id, training_type, total, used, purchased_at, expires_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.UserID), string(t.TrainingType), t.Total, t.Used,
		formatTime(t.PurchasedAt), formatTime(t.ExpiresAt), t.Version)
	if err != nil {
		return fmt.Errorf("failed to insert season ticket: %w", classify(err))
	}
	return nil
}

func (c *conn) GetSeasonTicket(ctx context.Context, id string) (*generic.SeasonTicket, error) {
	var (
		t                      generic.SeasonTicket
		user, training         string
		purchasedAt, expiresAt string
	)
	err := c.q.QueryRowContext(ctx, `SELECT id, user_id, training_type, total, used, purchased_at, expires_at, version
		FROM season_tickets WHERE id = ?`, id).
		Scan(&t.ID, &user, &training, &t.Total, &t.Used, &purchasedAt, &expiresAt, &t.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get season ticket: %w", classify(err))
	}
	t.UserID = generic.UserID(user)
	t.TrainingType = generic.TrainingType(training)
	if t.PurchasedAt, err = parseTime(purchasedAt); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTicketUsage writes used against the version that was read.
func (c *conn) UpdateTicketUsage(ctx context.Context, id string, used int, expectedVersion int) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE season_tickets SET used = ?, version = version + 1 WHERE id = ? AND version = ?`,
		used, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update season ticket: %w", classify(err))
	}
	ok, err := expectOne(res)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := c.GetSeasonTicket(ctx, id); err != nil {
			return err
		}
		return generic.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// CREDITS
// =============================================================================

func (c *conn) InsertCredit(ctx context.Context, cr generic.Credit) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO credits
		(id, user_id, training_type, children, status, source_booking_id, consumed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cr.ID, string(cr.UserID), string(cr.TrainingType), cr.Children, string(cr.Status),
		nullString(string(cr.SourceBookingID)), nullString(string(cr.ConsumedBy)),
		formatTime(cr.CreatedAt), formatTime(cr.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert credit: %w", classify(err))
	}
	return nil
}

func (c *conn) GetCredit(ctx context.Context, id string) (*generic.Credit, error) {
	var (
		cr                     generic.Credit
		user, training, status string
		createdAt, updatedAt   string
		source, consumedBy     sql.NullString
	)
	err := c.q.QueryRowContext(ctx, `SELECT id, user_id, training_type, children, status,
		source_booking_id, consumed_by, created_at, updated_at
		FROM credits WHERE id = ?`, id).
		Scan(&cr.ID, &user, &training, &cr.Children, &status, &source, &consumedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit: %w", classify(err))
	}
	cr.UserID = generic.UserID(user)
	cr.TrainingType = generic.TrainingType(training)
	cr.Status = generic.CreditStatus(status)
	cr.SourceBookingID = generic.BookingID(source.String)
	cr.ConsumedBy = generic.BookingID(consumedBy.String)
	if cr.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cr.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cr, nil
}

// TransitionCredit is a compare-and-set on status.
func (c *conn) TransitionCredit(ctx context.Context, id string, from, to generic.CreditStatus, consumedBy generic.BookingID, at time.Time) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE credits SET status = ?, consumed_by = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nullString(string(consumedBy)), formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition credit: %w", classify(err))
	}
	ok, err := expectOne(res)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := c.GetCredit(ctx, id); err != nil {
			return err
		}
		return generic.ErrAlreadyConsumed
	}
	return nil
}
