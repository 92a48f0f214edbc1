/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the HTTP boundary, decoupling the domain model from
  the wire contract. Quantities and prices travel as decimal strings to
  avoid float rounding on the wire.

NAMING CONVENTION:
  - *DTO:     response types returned to clients
  - *Request: request body types from clients

ERROR CONTRACT:
  ErrorResponse.Code carries the rejection category so calling workflows
  can distinguish "this would exceed available stock" from "someone else
  just updated this, please retry":
    invalid_intent | unknown_material | invariant_violation |
    usage_exceeds_available | concurrent_conflict | internal

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/yardstack/inventory-engine/catalog"
	"github.com/yardstack/inventory-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// IntentRequest submits one transaction intent.
type IntentRequest struct {
	SiteID            string `json:"site_id"`
	MaterialID        string `json:"material_id"`
	Type              string `json:"type"`
	Quantity          string `json:"quantity"`
	UnitPrice         string `json:"unit_price,omitempty"`
	ActorID           string `json:"actor_id"`
	ReferenceReportID string `json:"reference_report_id,omitempty"`
	Note              string `json:"note,omitempty"`
}

// UsageReportRequest submits one work-log material section.
type UsageReportRequest struct {
	ReportID          string `json:"report_id"`
	SiteID            string `json:"site_id"`
	MaterialID        string `json:"material_id"`
	WorkDate          string `json:"work_date"` // YYYY-MM-DD
	IncomingQuantity  string `json:"incoming_quantity"`
	UsedQuantity      string `json:"used_quantity"`
	RemainingQuantity string `json:"remaining_quantity"`
	ReporterID        string `json:"reporter_id"`
}

// TransferRequest submits one site-to-site transfer.
type TransferRequest struct {
	MaterialID string `json:"material_id"`
	FromSite   string `json:"from_site"`
	ToSite     string `json:"to_site"`
	Quantity   string `json:"quantity"`
	ActorID    string `json:"actor_id"`
	Note       string `json:"note,omitempty"`
}

// ReservationRequest reserves or releases stock.
type ReservationRequest struct {
	Quantity string `json:"quantity"`
	ActorID  string `json:"actor_id"`
}

// PriceUpdateRequest changes a material's standard price.
type PriceUpdateRequest struct {
	StandardPrice string `json:"standard_price"`
}

// MaterialRequest creates or updates a catalog material.
type MaterialRequest struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Unit          string `json:"unit"`
	StandardPrice string `json:"standard_price"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AccountDTO is the account snapshot for dashboards.
type AccountDTO struct {
	SiteID         string `json:"site_id"`
	MaterialID     string `json:"material_id"`
	CurrentStock   string `json:"current_stock"`
	ReservedStock  string `json:"reserved_stock"`
	AvailableStock string `json:"available_stock"`
	LastSequence   int64  `json:"last_sequence"`
}

// TransactionDTO is one immutable ledger entry.
type TransactionDTO struct {
	ID         string `json:"id"`
	SiteID     string `json:"site_id"`
	MaterialID string `json:"material_id"`
	Sequence   int64  `json:"sequence"`
	Type       string `json:"type"`
	Quantity   string `json:"quantity"`
	UnitPrice  string `json:"unit_price"`
	ActorID    string `json:"actor_id"`
	ReportID   string `json:"report_id,omitempty"`
	LinkedTxID string `json:"linked_tx_id,omitempty"`
	Note       string `json:"note,omitempty"`
	RecordedAt string `json:"recorded_at"`
}

// HistoryDTO is one page of an account's transaction history.
type HistoryDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int64            `json:"total"`
	Offset       int              `json:"offset"`
	Limit        int              `json:"limit"`
}

// SummaryDTO is the per-account rollup for reporting pages.
type SummaryDTO struct {
	SiteID           string `json:"site_id"`
	MaterialID       string `json:"material_id"`
	TotalIncoming    string `json:"total_incoming"`
	TotalUsed        string `json:"total_used"`
	TotalCost        string `json:"total_cost"`
	TransactionCount int    `json:"transaction_count"`
	ReportCount      int    `json:"report_count"`
	LastUpdated      string `json:"last_updated,omitempty"`
}

// CategoryTotalsDTO is one category row of a site rollup.
type CategoryTotalsDTO struct {
	Category      string `json:"category"`
	TotalIncoming string `json:"total_incoming"`
	TotalUsed     string `json:"total_used"`
	TotalCost     string `json:"total_cost"`
	Materials     int    `json:"materials"`
}

// ReconcileWarningDTO flags a remaining-quantity mismatch.
type ReconcileWarningDTO struct {
	ReportID   string `json:"report_id"`
	LedgerSays string `json:"ledger_says"`
	Reported   string `json:"reported"`
	Drift      string `json:"drift"`
}

// ReconcileResponse is the outcome of a usage report submission.
type ReconcileResponse struct {
	Transactions   []TransactionDTO     `json:"transactions"`
	Warning        *ReconcileWarningDTO `json:"warning,omitempty"`
	AlreadyApplied bool                 `json:"already_applied"`
}

// TransferResponse reports both committed legs.
type TransferResponse struct {
	State string         `json:"state"`
	Out   TransactionDTO `json:"out"`
	In    TransactionDTO `json:"in"`
}

// MaterialDTO is one catalog entry.
type MaterialDTO struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Unit          string `json:"unit"`
	StandardPrice string `json:"standard_price"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		SiteID:         string(a.SiteID),
		MaterialID:     string(a.MaterialID),
		CurrentStock:   a.CurrentStock.String(),
		ReservedStock:  a.ReservedStock.String(),
		AvailableStock: a.AvailableStock().String(),
		LastSequence:   a.LastSequence,
	}
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:         string(t.ID),
		SiteID:     string(t.SiteID),
		MaterialID: string(t.MaterialID),
		Sequence:   t.Sequence,
		Type:       string(t.Type),
		Quantity:   t.Quantity.String(),
		UnitPrice:  t.UnitPrice.String(),
		ActorID:    t.ActorID,
		ReportID:   string(t.ReportID),
		LinkedTxID: string(t.LinkedTxID),
		Note:       t.Note,
		RecordedAt: t.RecordedAt.Format(time.RFC3339Nano),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		out[i] = toTransactionDTO(t)
	}
	return out
}

func toSummaryDTO(s ledger.Summary) SummaryDTO {
	dto := SummaryDTO{
		SiteID:           string(s.SiteID),
		MaterialID:       string(s.MaterialID),
		TotalIncoming:    s.TotalIncoming.String(),
		TotalUsed:        s.TotalUsed.String(),
		TotalCost:        s.TotalCost.String(),
		TransactionCount: s.TransactionCount,
		ReportCount:      s.ReportCount,
	}
	if !s.LastUpdated.IsZero() {
		dto.LastUpdated = s.LastUpdated.Format(time.RFC3339Nano)
	}
	return dto
}

func toMaterialDTO(m catalog.Material) MaterialDTO {
	return MaterialDTO{
		Code:          m.Code,
		Name:          m.Name,
		Category:      m.Category,
		Unit:          m.Unit,
		StandardPrice: m.StandardPrice.String(),
	}
}
