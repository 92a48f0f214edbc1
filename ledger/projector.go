/*
projector.go - Pure invariant enforcement over account snapshots

PURPOSE:
  The projector is the only code that derives new account state from a
  proposed transaction. It is a pure function over (snapshot, intent): no
  I/O, no clock, no ids. The ledger commits the projector's output and the
  transaction as one atomic unit, so the stored account is always exactly
  the fold of its transaction history.

INVARIANTS ENFORCED HERE:
  - current_stock >= 0 after every apply (rejected, never clamped)
  - reserved_stock <= current_stock after every apply
  - adjustments take their sign from the intent but still cannot drive
    stock negative: an adjustment corrects recorded reality, it is not a
    license to go below zero

RESERVATIONS:
  Reservation changes are a lighter-weight account mutation, not a ledger
  transaction. They move stock between "reserved" and "available" without
  changing current stock, and obey the same reserved <= current bound.

SEE ALSO:
  - ledger.go: commit path that feeds this
  - errors.go: InvariantError details
*/
package ledger

import "github.com/shopspring/decimal"

// ApplyIntent returns the account state after a validated intent, or an
// InvariantError if the result would violate a stock invariant. The input
// account is not modified. Sequence and version stamping happen at commit
// time, not here.
func ApplyIntent(acc Account, intent TransactionIntent) (Account, error) {
	delta := intent.SignedQuantity()
	newCurrent := acc.CurrentStock.Add(delta)

	if newCurrent.IsNegative() {
		return Account{}, &InvariantError{
			SiteID:     acc.SiteID,
			MaterialID: acc.MaterialID,
			Current:    acc.CurrentStock,
			Reserved:   acc.ReservedStock,
			Delta:      delta,
			Reason:     "negative_stock",
		}
	}
	if acc.ReservedStock.GreaterThan(newCurrent) {
		return Account{}, &InvariantError{
			SiteID:     acc.SiteID,
			MaterialID: acc.MaterialID,
			Current:    acc.CurrentStock,
			Reserved:   acc.ReservedStock,
			Delta:      delta,
			Reason:     "reserved_exceeds_current",
		}
	}

	acc.CurrentStock = newCurrent
	return acc, nil
}

// ApplyReservation returns the account with reserved stock set to
// requested. Rejects negative requests and requests above current stock.
func ApplyReservation(acc Account, requested decimal.Decimal) (Account, error) {
	if requested.IsNegative() {
		return Account{}, &InvariantError{
			SiteID:     acc.SiteID,
			MaterialID: acc.MaterialID,
			Current:    acc.CurrentStock,
			Reserved:   acc.ReservedStock,
			Delta:      requested.Sub(acc.ReservedStock),
			Reason:     "negative_reservation",
		}
	}
	if requested.GreaterThan(acc.CurrentStock) {
		return Account{}, &InvariantError{
			SiteID:     acc.SiteID,
			MaterialID: acc.MaterialID,
			Current:    acc.CurrentStock,
			Reserved:   acc.ReservedStock,
			Delta:      requested.Sub(acc.ReservedStock),
			Reason:     "reserved_exceeds_current",
		}
	}
	acc.ReservedStock = requested
	return acc, nil
}

// Replay folds a transaction history into account state from zero.
// Used to verify the replay invariant and to rebuild projections.
// Transactions must be in sequence order.
func Replay(key AccountKey, txs []Transaction) Account {
	acc := NewAccount(key)
	for _, tx := range txs {
		acc.CurrentStock = acc.CurrentStock.Add(tx.Quantity)
		acc.LastSequence = tx.Sequence
	}
	return acc
}
