package entitlement

import (
	"context"
	"fmt"

	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// CREDIT
// =============================================================================

// CreditGrant creates credit outside a cancellation, e.g. when a user picks
// the credit option after an administrative session cancellation.
type CreditGrant struct {
	UserID          generic.UserID
	TrainingType    generic.TrainingType
	Children        int
	SourceBookingID generic.BookingID
	Reason          string
}

// CreditView is the read model of a credit.
type CreditView struct {
	ID           string
	UserID       generic.UserID
	Status       generic.CreditStatus
	Children     int
	TrainingType generic.TrainingType
}

// GrantCredit issues a new active credit.
func (l *Ledger) GrantCredit(ctx context.Context, s generic.Store, g CreditGrant) (generic.Credit, error) {
	if g.Children <= 0 {
		return generic.Credit{}, fmt.Errorf("%w: children must be positive", generic.ErrInvalidRequest)
	}
	if g.UserID == "" || g.TrainingType == "" {
		return generic.Credit{}, fmt.Errorf("%w: user and training type are required", generic.ErrInvalidRequest)
	}
	reason := g.Reason
	if reason == "" {
		reason = "credit granted"
	}
	key := "grant:" + l.newID()
	if g.SourceBookingID != "" {
		key = generic.RestoreKey(g.SourceBookingID)
	}
	return l.issueCredit(ctx, s, g, reason, key)
}

// CreditStatus returns status, value and training type of a credit.
func (l *Ledger) CreditStatus(ctx context.Context, s generic.EntitlementStore, id string) (CreditView, error) {
	c, err := s.GetCredit(ctx, id)
	if err != nil {
		return CreditView{}, err
	}
	return CreditView{
		ID:           c.ID,
		UserID:       c.UserID,
		Status:       c.Status,
		Children:     c.Children,
		TrainingType: c.TrainingType,
	}, nil
}

func (l *Ledger) consumeCredit(ctx context.Context, s generic.Store, id string, claim Claim) error {
	c, err := s.GetCredit(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != generic.CreditActive {
		return fmt.Errorf("credit %s: %w", id, generic.ErrAlreadyConsumed)
	}
	if !ownedBy(c.UserID, c.TrainingType, claim) {
		return fmt.Errorf("credit %s cannot pay for this booking: %w", id, generic.ErrEntitlementNotFound)
	}
	if c.Children < claim.Children {
		return &generic.InsufficientEntriesError{
			Kind:          generic.KindCredit,
			EntitlementID: id,
			Remaining:     c.Children,
			Requested:     claim.Children,
		}
	}

	if err := l.append(ctx, s, generic.Transaction{
		Kind:           generic.KindCredit,
		EntitlementID:  id,
		UserID:         c.UserID,
		BookingID:      claim.BookingID,
		Delta:          generic.NewAmountFromInt(-c.Children, generic.UnitChildren),
		Type:           generic.TxConsumption,
		Reason:         "booking created",
		IdempotencyKey: generic.ConsumeKey(claim.BookingID),
	}); err != nil {
		return err
	}
	return s.TransitionCredit(ctx, id, generic.CreditActive, generic.CreditConsumed, claim.BookingID, l.clock.Now())
}

// reactivateCredit flips the credit that funded the cancelled booking back
// to active.
func (l *Ledger) reactivateCredit(ctx context.Context, s generic.Store, id string, claim Claim) (Restoration, error) {
	c, err := s.GetCredit(ctx, id)
	if err != nil {
		return Restoration{}, err
	}
	if c.Status != generic.CreditConsumed || (c.ConsumedBy != "" && c.ConsumedBy != claim.BookingID) {
		return Restoration{}, fmt.Errorf("credit %s was not consumed by booking %s: %w",
			id, claim.BookingID, generic.ErrEntitlementNotFound)
	}

	if err := l.append(ctx, s, generic.Transaction{
		Kind:           generic.KindCredit,
		EntitlementID:  id,
		UserID:         c.UserID,
		BookingID:      claim.BookingID,
		Delta:          generic.NewAmountFromInt(c.Children, generic.UnitChildren),
		Type:           generic.TxRestoration,
		Reason:         "booking cancelled",
		IdempotencyKey: generic.RestoreKey(claim.BookingID),
	}); err != nil {
		return Restoration{}, err
	}
	if err := s.TransitionCredit(ctx, id, generic.CreditConsumed, generic.CreditActive, "", l.clock.Now()); err != nil {
		return Restoration{}, err
	}
	return Restoration{Kind: generic.KindCredit, EntitlementID: id, Children: c.Children}, nil
}

// issueRestoredCredit creates a credit worth the cancelled booking.
func (l *Ledger) issueRestoredCredit(ctx context.Context, s generic.Store, claim Claim) (Restoration, error) {
	c, err := l.issueCredit(ctx, s, CreditGrant{
		UserID:          claim.UserID,
		TrainingType:    claim.TrainingType,
		Children:        claim.Children,
		SourceBookingID: claim.BookingID,
	}, "booking cancelled", generic.RestoreKey(claim.BookingID))
	if err != nil {
		return Restoration{}, err
	}
	return Restoration{Kind: generic.KindCredit, EntitlementID: c.ID, Children: c.Children, Issued: true}, nil
}

func (l *Ledger) issueCredit(ctx context.Context, s generic.Store, g CreditGrant, reason, key string) (generic.Credit, error) {
	now := l.clock.Now()
	credit := generic.Credit{
		ID:              l.newID(),
		UserID:          g.UserID,
		TrainingType:    g.TrainingType,
		Children:        g.Children,
		Status:          generic.CreditActive,
		SourceBookingID: g.SourceBookingID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	txType := generic.TxIssue
	if g.SourceBookingID != "" {
		txType = generic.TxRestoration
	}
	if err := l.append(ctx, s, generic.Transaction{
		Kind:           generic.KindCredit,
		EntitlementID:  credit.ID,
		UserID:         credit.UserID,
		BookingID:      g.SourceBookingID,
		Delta:          generic.NewAmountFromInt(credit.Children, generic.UnitChildren),
		Type:           txType,
		Reason:         reason,
		IdempotencyKey: key,
	}); err != nil {
		return generic.Credit{}, err
	}
	if err := s.InsertCredit(ctx, credit); err != nil {
		return generic.Credit{}, err
	}
	return credit, nil
}
