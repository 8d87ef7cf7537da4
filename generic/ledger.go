/*
ledger.go - Append-only entitlement adjustment log

PURPOSE:
  Every issue, consumption and restoration of a season ticket or credit
  is recorded here next to the row it changes, in the same database
  transaction. The ticket row holds the current counters for fast reads;
  the ledger explains how they got there.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ONE ADJUSTMENT PER BOOKING AND DIRECTION: idempotency keys
     "consume:<booking>" and "restore:<booking>" are unique, so a
     duplicated cancellation webhook cannot restore twice.
  3. BALANCE = SUM(DELTA): for a season ticket, the ledger balance always
     equals the ticket's remaining entries.

EXAMPLE FLOW:
  1. Ticket purchased with 10 entries:  TxIssue       +10
  2. Booking b1 for 2 children:         TxConsumption  -2  (consume:b1)
  3. b1 cancelled:                      TxRestoration  +2  (restore:b1)
  4. Duplicate cancel webhook for b1:   rejected, ErrDuplicateIdempotencyKey

SEE ALSO:
  - store.go: LedgerStore persistence interface
  - entitlement/ledger.go: Consume/restore rules that write these entries
*/
package generic

import "context"

// =============================================================================
// LEDGER - Append-only transaction log over a LedgerStore
// =============================================================================

// DefaultLedger records entitlement adjustments. Append is the only write.
type DefaultLedger struct {
	Store LedgerStore
}

func NewLedger(store LedgerStore) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, tx Transaction) error {
	if tx.IdempotencyKey != "" {
		exists, err := l.Store.TransactionExists(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendTransaction(ctx, tx)
}

func (l *DefaultLedger) Transactions(ctx context.Context, kind EntitlementKind, entitlementID string) ([]Transaction, error) {
	return l.Store.Transactions(ctx, kind, entitlementID)
}

func (l *DefaultLedger) Balance(ctx context.Context, kind EntitlementKind, entitlementID string) (Amount, error) {
	txs, err := l.Store.Transactions(ctx, kind, entitlementID)
	if err != nil {
		return Amount{}, err
	}

	unit := UnitEntries
	if kind == KindCredit {
		unit = UnitChildren
	}
	balance := NewAmountFromInt(0, unit)
	for _, tx := range txs {
		balance = balance.Add(tx.Delta)
	}
	return balance, nil
}
