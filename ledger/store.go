/*
store.go - Persistence contract for accounts and transactions

PURPOSE:
  Defines the interface between the engine and the database. The Store
  holds the one shared mutable resource (accounts + their transaction
  logs) and provides the atomic check-and-commit primitive the optimistic
  concurrency model needs.

APPEND-ONLY CONTRACT:
  Transactions are append-only: there is no update or delete operation on
  them, ever. Corrections land as new adjustment transactions. Accounts
  are only written through version-checked commits.

OPTIMISTIC CONCURRENCY:
  Every account read carries a Version stamp. Commit operations take the
  version the caller read; if the stored version differs the commit fails
  with ErrConcurrentConflict and writes nothing. A missing account reads
  as the zero account with Version 0, so lazy creation goes through the
  same check (two concurrent creators - one wins).

ATOMICITY:
  Commit writes the updated account AND its transactions as one unit.
  CommitPair does the same across two accounts for transfers: both legs
  land or neither does.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite:           durable SQLite store

SEE ALSO:
  - ledger.go: the only writer
*/
package ledger

import "context"

// Page is a paginated slice of a transaction history.
type Page struct {
	Transactions []Transaction
	Total        int64
	Offset       int
	Limit        int
}

// Store persists accounts and their append-only transaction logs.
type Store interface {
	// GetAccount returns the account for key, or the zero account with
	// Version 0 if none exists yet.
	GetAccount(ctx context.Context, key AccountKey) (Account, error)

	// AccountsBySite returns all accounts for a site, ordered by material.
	AccountsBySite(ctx context.Context, site SiteID) ([]Account, error)

	// Commit atomically persists updated (which must carry the incremented
	// Version) and appends txs, iff the stored account is still at
	// expectedVersion. Returns ErrConcurrentConflict otherwise, writing
	// nothing. expectedVersion 0 means "account must not exist yet".
	Commit(ctx context.Context, expectedVersion int64, updated Account, txs []Transaction) error

	// CommitPair is Commit across two accounts: both commits succeed or
	// neither does. Used by the transfer protocol.
	CommitPair(ctx context.Context,
		expectedA int64, updatedA Account, txsA []Transaction,
		expectedB int64, updatedB Account, txsB []Transaction) error

	// Transactions returns the full history for key in sequence order.
	Transactions(ctx context.Context, key AccountKey) ([]Transaction, error)

	// TransactionPage returns a slice of the history in sequence order,
	// with the total count for the key.
	TransactionPage(ctx context.Context, key AccountKey, offset, limit int) (Page, error)

	// TransactionsByReport returns all transactions tagged with a report
	// id, in commit order. Used for reconciliation idempotence.
	TransactionsByReport(ctx context.Context, reportID ReportID) ([]Transaction, error)
}
