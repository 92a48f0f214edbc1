/*
reconcile.go - Turning work-log usage reports into verified transactions

PURPOSE:
  A daily site report arrives with a self-reported triple: incoming, used,
  remaining. The reconciler does not trust the reporter's arithmetic. It
  re-derives truth from the ledger: incoming is synthesized as a delivery,
  used is validated against ledger-derived stock, and remaining is treated
  as an assertion to check, never a value to store.

ALGORITHM:
  1. Validate the report shape (input errors).
  2. Idempotence check, re-run on every retry attempt: if transactions
     for this report id already exist, return them without re-applying.
  3. Load the account's projected state.
  4. If incoming > 0, stage an incoming intent.
  5. Reject the whole report with ErrUsageExceedsAvailable if used
     exceeds stock-after-incoming. No truncation, nothing persisted.
  6. Stage a usage intent; commit both intents atomically (one account,
     one version check, one append).
  7. Compare resulting stock to reported remaining: drift beyond the
     tolerance is surfaced as a warning alongside the successful commit.
     The ledger is authoritative; a reporter's manual count drifting from
     it must not block the verified transactions.

IDEMPOTENCE:
  Keyed by report id. Duplicate submission (double-click, retried job,
  re-sent form) returns the previously produced transactions. The check
  above is advisory; the store enforces at most one transaction per
  (report id, type) inside the commit itself, so two submissions racing
  past the check still apply exactly once (ErrDuplicateReport on the
  loser maps back to the already-applied outcome).

SEE ALSO:
  - ledger.go: appendBatchFrom, the atomic commit used in step 6
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

// Warning flags a remaining-quantity mismatch for operator review.
// Non-fatal: the verified transactions were committed.
type Warning struct {
	ReportID   ReportID
	LedgerSays decimal.Decimal // current stock after commit
	Reported   decimal.Decimal // reporter's remaining_quantity
	Drift      decimal.Decimal // Reported - LedgerSays
}

func (w Warning) String() string {
	return fmt.Sprintf("report %s: reported remaining %s, ledger says %s (drift %s)",
		w.ReportID, w.Reported, w.LedgerSays, w.Drift)
}

// ReconcileResult is the outcome of one reconciliation.
type ReconcileResult struct {
	Transactions []Transaction
	Warning      *Warning
	// AlreadyApplied is true when the report id had been reconciled
	// before and the stored transactions were returned unchanged.
	AlreadyApplied bool
}

// Reconciler converts usage reports into ledger transactions.
type Reconciler struct {
	ledger *Ledger
	store  Store

	// Tolerance is the maximum |drift| between reported remaining and
	// ledger-derived stock that passes without a warning. Zero means any
	// mismatch warns.
	Tolerance decimal.Decimal
}

// NewReconciler creates a reconciler over the same store the ledger
// commits to.
func NewReconciler(l *Ledger, store Store) *Reconciler {
	return &Reconciler{ledger: l, store: store, Tolerance: decimal.Zero}
}

// Reconcile verifies a usage report against ledger state and commits the
// resulting transactions atomically. Conflicts with concurrent writers
// are retried within the ledger's retry budget.
func (r *Reconciler) Reconcile(ctx context.Context, report UsageReport) (*ReconcileResult, error) {
	if err := validateReport(report); err != nil {
		return nil, err
	}

	var result *ReconcileResult
	backoff := retry.WithMaxRetries(r.ledger.maxRetries, retry.NewExponential(5*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := r.reconcileOnce(ctx, report)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Reconciler) reconcileOnce(ctx context.Context, report UsageReport) (*ReconcileResult, error) {
	// Idempotence: one accepted outcome per report id, ever. Checked on
	// every attempt so a conflict retry cannot re-apply a report that
	// landed meanwhile.
	existing, err := r.store.TransactionsByReport(ctx, report.ReportID)
	if err != nil {
		return nil, fmt.Errorf("report lookup: %w", err)
	}
	if len(existing) > 0 {
		return &ReconcileResult{Transactions: existing, AlreadyApplied: true}, nil
	}

	acc, err := r.store.GetAccount(ctx, report.Key())
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	var intents []TransactionIntent
	afterIncoming := acc.CurrentStock

	if report.IncomingQuantity.IsPositive() {
		intents = append(intents, TransactionIntent{
			SiteID:     report.SiteID,
			MaterialID: report.MaterialID,
			Type:       TxIncoming,
			Quantity:   report.IncomingQuantity,
			ActorID:    report.ReporterID,
			ReportID:   report.ReportID,
			Note:       "usage report incoming",
		})
		afterIncoming = afterIncoming.Add(report.IncomingQuantity)
	}

	// The reporter cannot use more than the ledger says exists, even
	// counting this report's own delivery. The whole report is rejected;
	// the source must be corrected.
	if report.UsedQuantity.GreaterThan(afterIncoming) {
		return nil, &UsageError{
			ReportID:  report.ReportID,
			Available: afterIncoming,
			Requested: report.UsedQuantity,
		}
	}

	if report.UsedQuantity.IsPositive() {
		intents = append(intents, TransactionIntent{
			SiteID:     report.SiteID,
			MaterialID: report.MaterialID,
			Type:       TxUsage,
			Quantity:   report.UsedQuantity,
			ActorID:    report.ReporterID,
			ReportID:   report.ReportID,
			Note:       "usage report consumption",
		})
	}

	result := &ReconcileResult{}
	after := acc
	if len(intents) > 0 {
		// Commit against the snapshot the checks above ran on. A writer
		// that slipped in between surfaces as a conflict and re-derives,
		// never as a stale decision.
		txs, updated, err := r.ledger.appendBatchFrom(ctx, acc, intents)
		if err != nil {
			// A duplicate submission slipped past the check above but the
			// store's report guard caught it at commit. Return the stored
			// outcome instead.
			if errors.Is(err, ErrDuplicateReport) {
				stored, lerr := r.store.TransactionsByReport(ctx, report.ReportID)
				if lerr == nil && len(stored) > 0 {
					return &ReconcileResult{Transactions: stored, AlreadyApplied: true}, nil
				}
			}
			return nil, err
		}
		result.Transactions = txs
		after = updated
	}

	// Remaining is an assertion against the system of record, not an
	// input. Drift warns; it never blocks the commit above.
	drift := report.RemainingQuantity.Sub(after.CurrentStock)
	if drift.Abs().GreaterThan(r.Tolerance) {
		result.Warning = &Warning{
			ReportID:   report.ReportID,
			LedgerSays: after.CurrentStock,
			Reported:   report.RemainingQuantity,
			Drift:      drift,
		}
	}
	return result, nil
}

func validateReport(report UsageReport) error {
	switch {
	case report.ReportID == "":
		return &IntentError{Field: "report_id", Reason: "required"}
	case report.SiteID == "":
		return &IntentError{Field: "site_id", Reason: "required"}
	case report.MaterialID == "":
		return &IntentError{Field: "material_id", Reason: "required"}
	case report.ReporterID == "":
		return &IntentError{Field: "reporter_id", Reason: "required"}
	case report.IncomingQuantity.IsNegative():
		return &IntentError{Field: "incoming_quantity", Reason: "cannot be negative"}
	case report.UsedQuantity.IsNegative():
		return &IntentError{Field: "used_quantity", Reason: "cannot be negative"}
	case report.RemainingQuantity.IsNegative():
		return &IntentError{Field: "remaining_quantity", Reason: "cannot be negative"}
	}
	return nil
}
