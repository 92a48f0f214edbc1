/*
ledger.go - Validation and atomic commit of transaction intents

PURPOSE:
  The Ledger is the only writer to the Store. Every mutation follows the
  same shape: read an account snapshot (with its version stamp), validate
  the intent, apply the projector, then commit the new account state and
  the transaction(s) as one atomic unit. If another writer got there
  first, the commit fails with ErrConcurrentConflict and the caller
  retries against a fresh snapshot.

COMMIT FLOW:
  1. Validate intent (input errors, never persisted)
  2. Resolve unit price from the catalog when the intent carries none
  3. Read account snapshot (version V)
  4. ApplyIntent -> new account state (invariant errors, never persisted)
  5. Stamp sequence = LastSequence+1, version = V+1
  6. Store.Commit(expected V, ...) -> conflict or success
  7. Notify commit hooks (summary invalidation)

RETRIES:
  AppendWithRetry wraps Append with a bounded exponential backoff via
  sethvargo/go-retry. Only ErrConcurrentConflict is retried; rejections
  and input errors surface immediately. Exhausting the budget returns the
  last conflict as a definite failure.

SEE ALSO:
  - projector.go: invariant math
  - reconcile.go: batch commit path for usage reports
  - transfer.go:  two-account commit path
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/yardstack/inventory-engine/catalog"
)

// DefaultMaxRetries bounds automatic retries of ErrConcurrentConflict.
const DefaultMaxRetries = 5

// CommitHook is notified after every successful commit with the affected
// account key and its new last sequence number.
type CommitHook func(key AccountKey, lastSequence int64)

// Ledger validates intents and commits them atomically.
type Ledger struct {
	store      Store
	catalog    catalog.Catalog
	hooks      []CommitHook
	maxRetries uint64

	now   func() time.Time
	newID func() TransactionID
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxRetries sets the retry budget for AppendWithRetry.
func WithMaxRetries(n uint64) Option {
	return func(l *Ledger) { l.maxRetries = n }
}

// WithClock overrides the commit timestamp source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides transaction id generation (tests).
func WithIDGenerator(gen func() TransactionID) Option {
	return func(l *Ledger) { l.newID = gen }
}

// New creates a Ledger over a store and a material catalog.
func New(store Store, cat catalog.Catalog, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		catalog:    cat,
		maxRetries: DefaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() TransactionID { return TransactionID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnCommit registers a hook called after every successful commit.
// Hooks must be registered before the ledger starts serving writes.
func (l *Ledger) OnCommit(h CommitHook) {
	l.hooks = append(l.hooks, h)
}

func (l *Ledger) notify(key AccountKey, lastSeq int64) {
	for _, h := range l.hooks {
		h(key, lastSeq)
	}
}

// =============================================================================
// APPEND - The single-intent commit path
// =============================================================================

// Append validates an intent and commits it with the updated projection
// as a single atomic unit. On success the returned Transaction carries a
// sequence number strictly greater than any prior one for the account.
func (l *Ledger) Append(ctx context.Context, intent TransactionIntent) (Transaction, error) {
	txs, _, err := l.appendBatch(ctx, []TransactionIntent{intent})
	if err != nil {
		return Transaction{}, err
	}
	return txs[0], nil
}

// AppendWithRetry is Append with a bounded retry budget for optimistic
// conflicts. All other errors surface immediately.
func (l *Ledger) AppendWithRetry(ctx context.Context, intent TransactionIntent) (Transaction, error) {
	var out Transaction
	backoff := retry.WithMaxRetries(l.maxRetries, retry.NewExponential(5*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		tx, err := l.Append(ctx, intent)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

// appendBatch commits several intents against ONE account atomically.
// All intents must target the same (site, material). Used by Append and
// by the reconciler, which lands a report's incoming and usage together.
func (l *Ledger) appendBatch(ctx context.Context, intents []TransactionIntent) ([]Transaction, Account, error) {
	if len(intents) == 0 {
		return nil, Account{}, &IntentError{Field: "intents", Reason: "empty batch"}
	}

	key := AccountKey{SiteID: intents[0].SiteID, MaterialID: intents[0].MaterialID}
	acc, err := l.store.GetAccount(ctx, key)
	if err != nil {
		return nil, Account{}, fmt.Errorf("load account: %w", err)
	}
	return l.appendBatchFrom(ctx, acc, intents)
}

// appendBatchFrom is appendBatch against a caller-supplied snapshot. The
// commit's version check runs against the version the caller validated,
// so a decision made on that snapshot cannot be silently invalidated by
// a concurrent writer; the commit conflicts instead and the caller
// re-derives on retry.
func (l *Ledger) appendBatchFrom(ctx context.Context, acc Account, intents []TransactionIntent) ([]Transaction, Account, error) {
	key := acc.Key()
	prices := make([]decimal.Decimal, len(intents))
	for i, intent := range intents {
		if intent.SiteID != key.SiteID || intent.MaterialID != key.MaterialID {
			return nil, Account{}, &IntentError{Field: "intents", Reason: "batch spans multiple accounts"}
		}
		if err := validateIntent(intent); err != nil {
			return nil, Account{}, err
		}
		price, err := l.resolvePrice(ctx, intent)
		if err != nil {
			return nil, Account{}, err
		}
		prices[i] = price
	}

	updated := acc
	now := l.now()
	txs := make([]Transaction, len(intents))
	for i, intent := range intents {
		var err error
		updated, err = ApplyIntent(updated, intent)
		if err != nil {
			return nil, Account{}, err
		}
		updated.LastSequence++
		txs[i] = Transaction{
			ID:         l.newID(),
			SiteID:     intent.SiteID,
			MaterialID: intent.MaterialID,
			Sequence:   updated.LastSequence,
			Type:       intent.Type,
			Quantity:   intent.SignedQuantity(),
			UnitPrice:  prices[i],
			ActorID:    intent.ActorID,
			ReportID:   intent.ReportID,
			Note:       intent.Note,
			RecordedAt: now,
		}
	}

	updated.Version = acc.Version + 1
	updated.UpdatedAt = now
	if acc.Version == 0 {
		updated.CreatedAt = now
	}

	if err := l.store.Commit(ctx, acc.Version, updated, txs); err != nil {
		return nil, Account{}, err
	}

	l.notify(key, updated.LastSequence)
	return txs, updated, nil
}

func (l *Ledger) resolvePrice(ctx context.Context, intent TransactionIntent) (decimal.Decimal, error) {
	m, err := l.catalog.Get(ctx, string(intent.MaterialID))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownMaterial, intent.MaterialID)
		}
		return decimal.Zero, fmt.Errorf("catalog lookup: %w", err)
	}
	if !intent.UnitPrice.IsZero() {
		return intent.UnitPrice, nil
	}
	return m.StandardPrice, nil
}

func validateIntent(intent TransactionIntent) error {
	switch {
	case intent.SiteID == "":
		return &IntentError{Field: "site_id", Reason: "required"}
	case intent.MaterialID == "":
		return &IntentError{Field: "material_id", Reason: "required"}
	case intent.ActorID == "":
		return &IntentError{Field: "actor_id", Reason: "required"}
	case !intent.Type.Valid():
		return &IntentError{Field: "type", Reason: fmt.Sprintf("unknown type %q", intent.Type)}
	case intent.Type == TxTransferOut || intent.Type == TxTransferIn:
		// A transfer is exactly two linked legs committed together; a
		// lone leg would break conservation between sites.
		return &IntentError{Field: "type", Reason: fmt.Sprintf("%s is created only by the transfer protocol", intent.Type)}
	case intent.Quantity.IsZero():
		return &IntentError{Field: "quantity", Reason: "must be non-zero"}
	case intent.UnitPrice.IsNegative():
		return &IntentError{Field: "unit_price", Reason: "cannot be negative"}
	}

	// Usage and deliveries are submitted as positive magnitudes; the
	// ledger applies the sign. Only adjustments carry their own sign.
	if intent.Type != TxAdjustment && intent.Quantity.IsNegative() {
		return &IntentError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%s requires a positive magnitude", intent.Type),
		}
	}
	return nil
}

// =============================================================================
// RESERVATIONS - Account mutations that are not ledger transactions
// =============================================================================

// Reserve earmarks an additional quantity of stock, reducing available
// stock without changing current stock.
func (l *Ledger) Reserve(ctx context.Context, key AccountKey, quantity decimal.Decimal) (Account, error) {
	if !quantity.IsPositive() {
		return Account{}, &IntentError{Field: "quantity", Reason: "must be positive"}
	}
	return l.updateReservation(ctx, key, func(acc Account) decimal.Decimal {
		return acc.ReservedStock.Add(quantity)
	})
}

// Release frees previously reserved stock.
func (l *Ledger) Release(ctx context.Context, key AccountKey, quantity decimal.Decimal) (Account, error) {
	if !quantity.IsPositive() {
		return Account{}, &IntentError{Field: "quantity", Reason: "must be positive"}
	}
	return l.updateReservation(ctx, key, func(acc Account) decimal.Decimal {
		return acc.ReservedStock.Sub(quantity)
	})
}

func (l *Ledger) updateReservation(ctx context.Context, key AccountKey, requested func(Account) decimal.Decimal) (Account, error) {
	acc, err := l.store.GetAccount(ctx, key)
	if err != nil {
		return Account{}, fmt.Errorf("load account: %w", err)
	}

	updated, err := ApplyReservation(acc, requested(acc))
	if err != nil {
		return Account{}, err
	}
	updated.Version = acc.Version + 1
	updated.UpdatedAt = l.now()
	if acc.Version == 0 {
		updated.CreatedAt = updated.UpdatedAt
	}

	if err := l.store.Commit(ctx, acc.Version, updated, nil); err != nil {
		return Account{}, err
	}
	return updated, nil
}

// =============================================================================
// READS - Account snapshots and audit history
// =============================================================================

// Account returns the current projected snapshot for a key. A key with no
// transactions yet reads as the zero account.
func (l *Ledger) Account(ctx context.Context, key AccountKey) (Account, error) {
	return l.store.GetAccount(ctx, key)
}

// History returns one page of the immutable transaction history for a
// key, in sequence order, for audit display.
func (l *Ledger) History(ctx context.Context, key AccountKey, offset, limit int) (Page, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.TransactionPage(ctx, key, offset, limit)
}
