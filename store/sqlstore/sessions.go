package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// SESSIONS
// =============================================================================

// SaveSession upserts a session. An existing session keeps its status and
// created_at.
func (c *conn) SaveSession(ctx context.Context, s generic.Session) error {
	if s.Status == "" {
		s.Status = generic.SessionScheduled
	}
	_, err := c.q.ExecContext(ctx, c.d.upsertSession,
		string(s.ID), string(s.TrainingType), s.Name, formatTime(s.ScheduledAt),
		s.MaxParticipants, string(s.Status), formatTime(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", classify(err))
	}
	return nil
}

func (c *conn) GetSession(ctx context.Context, id generic.SessionID) (*generic.Session, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, string(id))
	return scanSession(row)
}

// LockSession reads the session with FOR UPDATE on MySQL. On SQLite the
// IMMEDIATE transaction already holds the write lock.
func (c *conn) LockSession(ctx context.Context, id generic.SessionID) (*generic.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	if c.inTx {
		query += c.d.lockSuffix
	}
	return scanSession(c.q.QueryRowContext(ctx, query, string(id)))
}

func (c *conn) SessionUsage(ctx context.Context, id generic.SessionID) (generic.SessionUsage, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT s.id, s.training_type, s.name, s.scheduled_at, s.max_participants, s.status, s.created_at,
			COALESCE(SUM(b.children), 0)
		FROM sessions s
		LEFT JOIN bookings b ON b.session_id = s.id AND b.status = ?
		WHERE s.id = ?
		GROUP BY s.id, s.training_type, s.name, s.scheduled_at, s.max_participants, s.status, s.created_at`,
		string(generic.BookingActive), string(id))

	var (
		u      generic.SessionUsage
		booked int64
	)
	s, err := scanSessionWith(row, &booked)
	if err != nil {
		return generic.SessionUsage{}, err
	}
	u.Session = *s
	u.BookedCount = int(booked)
	return u, nil
}

func (c *conn) SetSessionStatus(ctx context.Context, id generic.SessionID, status generic.SessionStatus) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, string(status), string(id))
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", classify(err))
	}
	if ok, err := expectOne(res); err != nil {
		return err
	} else if !ok {
		// MySQL reports zero affected rows when the value is unchanged.
		if _, err := c.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func scanSession(row *sql.Row) (*generic.Session, error) {
	return scanSessionWith(row)
}

func scanSessionWith(row *sql.Row, extra ...any) (*generic.Session, error) {
	var (
		s                      generic.Session
		id, training, status   string
		scheduledAt, createdAt string
	)
	dest := append([]any{&id, &training, &s.Name, &scheduledAt, &s.MaxParticipants, &status, &createdAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, generic.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", classify(err))
	}
	s.ID = generic.SessionID(id)
	s.TrainingType = generic.TrainingType(training)
	s.Status = generic.SessionStatus(status)

	var err error
	if s.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &s, nil
}
