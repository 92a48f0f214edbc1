/*
Package ledger implements the site material inventory ledger.

PURPOSE:
  Tracks, per (site, material), how much stock exists, how much is
  reserved, and the full transaction history. The append-only transaction
  log is the single source of truth: current stock is always the sum of
  signed quantities of all committed transactions for an account, and
  every derived read (account snapshots, summaries) must be recomputable
  by replaying that log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction:       immutable, sequence-numbered ledger entry
  - TransactionIntent: a proposed transaction, validated before commit
  - Account:           derived state for one (site, material) pair
  - UsageReport:       reporter-supplied usage observation (input only)

DESIGN PRINCIPLES:
  1. Immutability: transactions are never edited, only corrected by new
     adjustment transactions.
  2. Precision: decimal.Decimal for all quantities and prices.
  3. No silent coercion: an intent that would violate an invariant is
     rejected whole, never clamped.

SEE ALSO:
  - projector.go: invariant enforcement
  - ledger.go:    validation + atomic commit
  - store.go:     persistence contract
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SiteID string
type MaterialID string
type TransactionID string
type ReportID string

// AccountKey identifies one (site, material) account.
type AccountKey struct {
	SiteID     SiteID
	MaterialID MaterialID
}

// Less orders keys deterministically. Transfers validate and commit their
// two accounts in this order to prevent cross-transfer deadlock.
func (k AccountKey) Less(o AccountKey) bool {
	if k.SiteID != o.SiteID {
		return k.SiteID < o.SiteID
	}
	return k.MaterialID < o.MaterialID
}

// =============================================================================
// TRANSACTION - Atomic change to an account's stock
// =============================================================================

type TransactionType string

const (
	TxIncoming    TransactionType = "incoming"     // Delivery to a site (positive)
	TxUsage       TransactionType = "usage"        // Consumption by work (negative)
	TxAdjustment  TransactionType = "adjustment"   // Manual correction (either sign)
	TxTransferOut TransactionType = "transfer_out" // Source leg of a transfer (negative)
	TxTransferIn  TransactionType = "transfer_in"  // Destination leg of a transfer (positive)
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxIncoming, TxUsage, TxAdjustment, TxTransferOut, TxTransferIn:
		return true
	}
	return false
}

// Transaction is one immutable ledger entry.
//
// Sequence is monotonic per account and assigned at commit time; the pair
// (SiteID, MaterialID, Sequence) is unique. Quantity is signed: positive
// for incoming/transfer_in, negative for usage/transfer_out, either sign
// for adjustment. UnitPrice is the price recorded at commit time; later
// catalog price changes do not touch it.
type Transaction struct {
	ID         TransactionID
	SiteID     SiteID
	MaterialID MaterialID
	Sequence   int64
	Type       TransactionType
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
	ActorID    string
	ReportID   ReportID      // originating usage report, if any
	LinkedTxID TransactionID // the other leg, for transfer pairs
	Note       string
	RecordedAt time.Time
}

// Key returns the account this transaction belongs to.
func (t Transaction) Key() AccountKey {
	return AccountKey{SiteID: t.SiteID, MaterialID: t.MaterialID}
}

// =============================================================================
// TRANSACTION INTENT - A proposed transaction, not yet validated
// =============================================================================

// TransactionIntent is caller input to Append. Quantity carries the
// magnitude for incoming/usage/transfer legs (must be positive; the
// ledger applies the sign) and the signed delta for adjustments.
// UnitPrice is optional; when zero the catalog's standard price is
// recorded instead.
type TransactionIntent struct {
	SiteID     SiteID
	MaterialID MaterialID
	Type       TransactionType
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
	ActorID    string
	ReportID   ReportID
	Note       string
}

// SignedQuantity returns the ledger delta an intent represents.
// Assumes the intent has already passed sign validation.
func (i TransactionIntent) SignedQuantity() decimal.Decimal {
	switch i.Type {
	case TxUsage, TxTransferOut:
		return i.Quantity.Neg()
	default:
		return i.Quantity
	}
}

// =============================================================================
// ACCOUNT - Derived state for one (site, material) pair
// =============================================================================

// Account is the projected state of one (site, material) pair.
//
// Accounts are created lazily on first transaction and never deleted,
// only zeroed. Version is the optimistic-concurrency stamp: every
// committed mutation (transaction or reservation change) increments it,
// and a commit that finds a different stored version fails with
// ErrConcurrentConflict. LastSequence tracks only ledger transactions.
type Account struct {
	SiteID        SiteID
	MaterialID    MaterialID
	CurrentStock  decimal.Decimal
	ReservedStock decimal.Decimal
	LastSequence  int64
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewAccount returns the zero account for a key, before any transaction.
func NewAccount(key AccountKey) Account {
	return Account{
		SiteID:        key.SiteID,
		MaterialID:    key.MaterialID,
		CurrentStock:  decimal.Zero,
		ReservedStock: decimal.Zero,
	}
}

// Key returns the account's identity.
func (a Account) Key() AccountKey {
	return AccountKey{SiteID: a.SiteID, MaterialID: a.MaterialID}
}

// AvailableStock is current minus reserved.
func (a Account) AvailableStock() decimal.Decimal {
	return a.CurrentStock.Sub(a.ReservedStock)
}

// =============================================================================
// USAGE REPORT - Reporter-supplied observation, input to reconciliation
// =============================================================================

// UsageReport is one work log's material section for one site/date.
// It is input to the Reconciler, not authoritative state: incoming and
// used quantities are verified against the ledger before transactions are
// synthesized, and RemainingQuantity is treated as an assertion to check,
// never a value to store.
type UsageReport struct {
	ReportID          ReportID
	SiteID            SiteID
	MaterialID        MaterialID
	WorkDate          time.Time
	IncomingQuantity  decimal.Decimal
	UsedQuantity      decimal.Decimal
	RemainingQuantity decimal.Decimal
	ReporterID        string
}

// Key returns the account the report targets.
func (r UsageReport) Key() AccountKey {
	return AccountKey{SiteID: r.SiteID, MaterialID: r.MaterialID}
}
