package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// SEASON TICKETS
// =============================================================================

// TicketPurchase records a confirmed season-ticket purchase.
type TicketPurchase struct {
	ID           string // optional, generated when empty
	UserID       generic.UserID
	TrainingType generic.TrainingType
	Entries      int
	PurchasedAt  time.Time // defaults to now
}

// TicketStatus is the read model of a season ticket.
type TicketStatus struct {
	ID           string
	UserID       generic.UserID
	TrainingType generic.TrainingType
	Used         int
	Remaining    int
	Total        int
	ExpiresAt    time.Time
	Expired      bool
}

// IssueSeasonTicket creates a ticket from a confirmed purchase. Expiry is
// fixed at purchase + 6 months.
func (l *Ledger) IssueSeasonTicket(ctx context.Context, s generic.Store, p TicketPurchase) (generic.SeasonTicket, error) {
	if p.Entries <= 0 {
		return generic.SeasonTicket{}, fmt.Errorf("%w: entries must be positive", generic.ErrInvalidRequest)
	}
	if p.UserID == "" || p.TrainingType == "" {
		return generic.SeasonTicket{}, fmt.Errorf("%w: user and training type are required", generic.ErrInvalidRequest)
	}
	if p.ID == "" {
		p.ID = l.newID()
	}
	if p.PurchasedAt.IsZero() {
		p.PurchasedAt = l.clock.Now()
	}

	ticket := generic.SeasonTicket{
		ID:           p.ID,
		UserID:       p.UserID,
		TrainingType: p.TrainingType,
		Total:        p.Entries,
		PurchasedAt:  p.PurchasedAt,
		ExpiresAt:    generic.ExpiryFor(p.PurchasedAt),
	}
	if err := l.append(ctx, s, generic.Transaction{
		Kind:           generic.KindSeasonTicket,
		EntitlementID:  ticket.ID,
		UserID:         ticket.UserID,
		Delta:          generic.NewAmountFromInt(ticket.Total, generic.UnitEntries),
		Type:           generic.TxIssue,
		Reason:         "season ticket purchased",
		IdempotencyKey: "issue:" + ticket.ID,
	}); err != nil {
		return generic.SeasonTicket{}, err
	}
	if err := s.InsertSeasonTicket(ctx, ticket); err != nil {
		return generic.SeasonTicket{}, err
	}
	return ticket, nil
}

// SeasonTicketStatus returns used/remaining/total/expiry of a ticket.
func (l *Ledger) SeasonTicketStatus(ctx context.Context, s generic.EntitlementStore, id string) (TicketStatus, error) {
	t, err := s.GetSeasonTicket(ctx, id)
	if err != nil {
		return TicketStatus{}, err
	}
	return TicketStatus{
		ID:           t.ID,
		UserID:       t.UserID,
		TrainingType: t.TrainingType,
		Used:         t.Used,
		Remaining:    t.Remaining(),
		Total:        t.Total,
		ExpiresAt:    t.ExpiresAt,
		Expired:      t.Expired(l.clock.Now()),
	}, nil
}

func (l *Ledger) consumeTicket(ctx context.Context, s generic.Store, id string, claim Claim) error {
	t, err := s.GetSeasonTicket(ctx, id)
	if err != nil {
		return err
	}
	if !ownedBy(t.UserID, t.TrainingType, claim) {
		return fmt.Errorf("season ticket %s cannot pay for this booking: %w", id, generic.ErrEntitlementNotFound)
	}
	if t.Expired(l.clock.Now()) {
		return fmt.Errorf("season ticket %s expired on %s: %w",
			id, t.ExpiresAt.Format("2006-01-02"), generic.ErrEntitlementExpired)
	}
	if t.Remaining() < claim.Children {
		return &generic.InsufficientEntriesError{
			Kind:          generic.KindSeasonTicket,
			EntitlementID: id,
			Remaining:     t.Remaining(),
			Requested:     claim.Children,
		}
	}

	if err := l.append(ctx, s, generic.Transaction{
		Kind:           generic.KindSeasonTicket,
		EntitlementID:  id,
		UserID:         t.UserID,
		BookingID:      claim.BookingID,
		Delta:          generic.NewAmountFromInt(-claim.Children, generic.UnitEntries),
		Type:           generic.TxConsumption,
		Reason:         "booking created",
		IdempotencyKey: generic.ConsumeKey(claim.BookingID),
	}); err != nil {
		return err
	}
	return s.UpdateTicketUsage(ctx, id, t.Used+claim.Children, t.Version)
}

// restoreTicket gives entries back. Expired tickets are restored too: the
// entries were paid for, expiry only blocks new consumption.
func (l *Ledger) restoreTicket(ctx context.Context, s generic.Store, id string, claim Claim) (Restoration, error) {
	t, err := s.GetSeasonTicket(ctx, id)
	if err != nil {
		return Restoration{}, err
	}

	used := t.Used - claim.Children
	if used < 0 {
		used = 0
	}
	restored := t.Used - used

	if err := l.append(ctx, s, generic.Transaction{
		Kind:           generic.KindSeasonTicket,
		EntitlementID:  id,
		UserID:         t.UserID,
		BookingID:      claim.BookingID,
		Delta:          generic.NewAmountFromInt(restored, generic.UnitEntries),
		Type:           generic.TxRestoration,
		Reason:         "booking cancelled",
		IdempotencyKey: generic.RestoreKey(claim.BookingID),
	}); err != nil {
		return Restoration{}, err
	}
	if err := s.UpdateTicketUsage(ctx, id, used, t.Version); err != nil {
		return Restoration{}, err
	}
	return Restoration{
		Kind:          generic.KindSeasonTicket,
		EntitlementID: id,
		Children:      restored,
	}, nil
}
