/*
errors.go - Centralized error types for the inventory engine

PURPOSE:
  All error categories in one place. Callers distinguish rejections with
  errors.Is / errors.As so a daily-report form can show "this would exceed
  available stock" differently from "someone else just updated this".

ERROR CATEGORIES:
  input errors           -> ErrInvalidIntent, rejected before any state is touched
  invariant violations   -> ErrInvariantViolation, never partially applied
  concurrency conflicts  -> ErrConcurrentConflict, retryable with a budget
  reconciliation rejects -> ErrUsageExceedsAvailable (whole report rejected)

  Remaining-quantity drift is NOT an error: the reconciler commits and
  surfaces a warning (see reconcile.go).

SEE ALSO:
  - ledger.go:    where input errors originate
  - projector.go: where invariant violations originate
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidIntent is returned for malformed or self-contradictory
	// intents (zero quantity, mismatched sign/type, missing ids). Nothing
	// is persisted.
	ErrInvalidIntent = errors.New("invalid transaction intent")

	// ErrInvariantViolation is returned when a commit would drive current
	// stock negative or push reserved above current. Nothing is persisted.
	ErrInvariantViolation = errors.New("stock invariant violation")

	// ErrConcurrentConflict is returned when the optimistic version check
	// fails: another writer committed since the account was read. The
	// caller must re-read and retry.
	ErrConcurrentConflict = errors.New("concurrent modification detected")

	// ErrUsageExceedsAvailable is returned when a usage report's used
	// quantity exceeds the ledger-derived stock. The whole report is
	// rejected; the source report must be corrected.
	ErrUsageExceedsAvailable = errors.New("reported usage exceeds available stock")

	// ErrUnknownMaterial is returned when an intent references a material
	// the catalog does not know. Treated as an input error.
	ErrUnknownMaterial = errors.New("unknown material")

	// ErrDuplicateReport is returned by a store commit that would record
	// a second transaction for a (report, type) pair. The reconciler maps
	// it to the already-applied outcome.
	ErrDuplicateReport = errors.New("report already reconciled")
)

// =============================================================================
// STRUCTURED ERRORS - Carry enough context to retry, adjust, or escalate
// =============================================================================

// IntentError describes why an intent failed input validation.
type IntentError struct {
	Field  string
	Reason string
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("invalid intent: %s: %s", e.Field, e.Reason)
}

func (e *IntentError) Unwrap() error { return ErrInvalidIntent }

// InvariantError describes a rejected commit with the account state the
// decision was made against.
type InvariantError struct {
	SiteID     SiteID
	MaterialID MaterialID
	Current    decimal.Decimal
	Reserved   decimal.Decimal
	Delta      decimal.Decimal
	Reason     string // "negative_stock", "reserved_exceeds_current" or "negative_reservation"
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: site %s material %s current %s reserved %s delta %s",
		e.Reason, e.SiteID, e.MaterialID, e.Current, e.Reserved, e.Delta)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// UsageError describes a rejected usage report.
type UsageError struct {
	ReportID  ReportID
	Available decimal.Decimal // stock after the report's incoming, if any
	Requested decimal.Decimal
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("report %s: used %s exceeds available %s",
		e.ReportID, e.Requested, e.Available)
}

func (e *UsageError) Unwrap() error { return ErrUsageExceedsAvailable }

// ConflictError reports which account hit the optimistic check.
type ConflictError struct {
	SiteID          SiteID
	MaterialID      MaterialID
	ExpectedVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("account %s/%s changed since version %d",
		e.SiteID, e.MaterialID, e.ExpectedVersion)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentConflict }

// DuplicateReportError identifies the (report, type) pair a commit tried
// to record twice.
type DuplicateReportError struct {
	ReportID ReportID
	Type     TransactionType
}

func (e *DuplicateReportError) Error() string {
	return fmt.Sprintf("report %s already has a %s transaction", e.ReportID, e.Type)
}

func (e *DuplicateReportError) Unwrap() error { return ErrDuplicateReport }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed on a fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentConflict)
}

// IsClientError returns true if the error is due to caller input rather
// than engine state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidIntent) ||
		errors.Is(err, ErrUnknownMaterial)
}

// IsRejection returns true for hard business rejections: the input was
// well-formed but the ledger refused it.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrUsageExceedsAvailable)
}
