/*
handlers.go - HTTP handlers for the inventory ledger

PURPOSE:
  Exposes the ledger engine via REST. Handlers parse and validate wire
  input, delegate to domain logic, and map rejection categories to HTTP
  statuses. No permission checks happen here: callers are authenticated
  by the embedding portal, the ledger only records actor identity.

ENDPOINTS:
  Ledger:
    POST /api/transactions                                   Record a delivery/usage/adjustment
    POST /api/reports                                        Reconcile a usage report
    POST /api/transfers                                      Execute a site-to-site transfer

  Accounts:
    GET  /api/sites/{site}/materials/{material}/account      Snapshot for dashboards
    GET  /api/sites/{site}/materials/{material}/transactions Paginated audit history
    GET  /api/sites/{site}/materials/{material}/summary      Per-account rollup
    POST /api/sites/{site}/materials/{material}/reserve      Earmark stock
    POST /api/sites/{site}/materials/{material}/release      Free earmarked stock

  Reporting:
    GET  /api/sites/{site}/summaries                         All rollups for a site
    GET  /api/sites/{site}/summaries/categories              Category rollup

  Catalog:
    GET  /api/materials
    POST /api/materials
    PUT  /api/materials/{code}/price

ERROR MAPPING:
  400 invalid_intent / unknown_material   input errors
  409 concurrent_conflict                 retry with fresh state
  422 invariant_violation / usage_exceeds_available
  500 internal

SEE ALSO:
  - dto.go:    wire types
  - server.go: router and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yardstack/inventory-engine/catalog"
	"github.com/yardstack/inventory-engine/ledger"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *ledger.Ledger
	Reconciler *ledger.Reconciler
	Transfers  *ledger.TransferService
	Summaries  *ledger.Aggregator
	Catalog    catalog.Maintainer
	Metrics    *Metrics
	Log        *zap.Logger
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// SubmitIntent records one transaction intent.
func (h *Handler) SubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid request body", err)
		return
	}

	quantity, err := parseDecimal(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid quantity", err)
		return
	}
	unitPrice := decimal.Zero
	if req.UnitPrice != "" {
		unitPrice, err = parseDecimal(req.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid unit_price", err)
			return
		}
	}

	tx, err := h.Ledger.AppendWithRetry(r.Context(), ledger.TransactionIntent{
		SiteID:     ledger.SiteID(req.SiteID),
		MaterialID: ledger.MaterialID(req.MaterialID),
		Type:       ledger.TransactionType(req.Type),
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		ActorID:    req.ActorID,
		ReportID:   ledger.ReportID(req.ReferenceReportID),
		Note:       req.Note,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.Metrics.Appends.WithLabelValues(string(tx.Type)).Inc()
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// SubmitReport reconciles one usage report.
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	var req UsageReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid request body", err)
		return
	}

	report := ledger.UsageReport{
		ReportID:   ledger.ReportID(req.ReportID),
		SiteID:     ledger.SiteID(req.SiteID),
		MaterialID: ledger.MaterialID(req.MaterialID),
		ReporterID: req.ReporterID,
	}
	if req.WorkDate != "" {
		workDate, err := time.Parse("2006-01-02", req.WorkDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid work_date (use YYYY-MM-DD)", err)
			return
		}
		report.WorkDate = workDate
	}

	var err error
	if report.IncomingQuantity, err = parseDecimal(req.IncomingQuantity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid incoming_quantity", err)
		return
	}
	if report.UsedQuantity, err = parseDecimal(req.UsedQuantity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid used_quantity", err)
		return
	}
	if report.RemainingQuantity, err = parseDecimal(req.RemainingQuantity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid remaining_quantity", err)
		return
	}

	result, err := h.Reconciler.Reconcile(r.Context(), report)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := ReconcileResponse{
		Transactions:   toTransactionDTOs(result.Transactions),
		AlreadyApplied: result.AlreadyApplied,
	}
	if !result.AlreadyApplied {
		for _, tx := range result.Transactions {
			h.Metrics.Appends.WithLabelValues(string(tx.Type)).Inc()
		}
	}
	if result.Warning != nil {
		h.Metrics.ReconcileWarnings.Inc()
		h.Log.Warn("reconciliation drift",
			zap.String("report_id", string(result.Warning.ReportID)),
			zap.String("ledger_says", result.Warning.LedgerSays.String()),
			zap.String("reported", result.Warning.Reported.String()))
		resp.Warning = &ReconcileWarningDTO{
			ReportID:   string(result.Warning.ReportID),
			LedgerSays: result.Warning.LedgerSays.String(),
			Reported:   result.Warning.Reported.String(),
			Drift:      result.Warning.Drift.String(),
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// SubmitTransfer executes one two-leg transfer.
func (h *Handler) SubmitTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid request body", err)
		return
	}

	quantity, err := parseDecimal(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid quantity", err)
		return
	}

	result, err := h.Transfers.Execute(r.Context(), ledger.TransferRequest{
		MaterialID: ledger.MaterialID(req.MaterialID),
		FromSite:   ledger.SiteID(req.FromSite),
		ToSite:     ledger.SiteID(req.ToSite),
		Quantity:   quantity,
		ActorID:    req.ActorID,
		Note:       req.Note,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.Metrics.Appends.WithLabelValues(string(ledger.TxTransferOut)).Inc()
	h.Metrics.Appends.WithLabelValues(string(ledger.TxTransferIn)).Inc()
	writeJSON(w, http.StatusCreated, TransferResponse{
		State: string(result.State),
		Out:   toTransactionDTO(result.Out),
		In:    toTransactionDTO(result.In),
	})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func accountKey(r *http.Request) ledger.AccountKey {
	return ledger.AccountKey{
		SiteID:     ledger.SiteID(chi.URLParam(r, "site")),
		MaterialID: ledger.MaterialID(chi.URLParam(r, "material")),
	}
}

// GetAccount returns the account snapshot for dashboards.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Ledger.Account(r.Context(), accountKey(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// GetHistory returns one page of the account's transaction history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := h.Ledger.History(r.Context(), accountKey(r), offset, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryDTO{
		Transactions: toTransactionDTOs(page.Transactions),
		Total:        page.Total,
		Offset:       page.Offset,
		Limit:        page.Limit,
	})
}

// GetSummary returns the per-account rollup.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Summaries.Summarize(r.Context(), accountKey(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// Reserve earmarks stock on an account.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.updateReservation(w, r, h.Ledger.Reserve)
}

// Release frees earmarked stock.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	h.updateReservation(w, r, h.Ledger.Release)
}

func (h *Handler) updateReservation(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, key ledger.AccountKey, quantity decimal.Decimal) (ledger.Account, error)) {
	var req ReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid request body", err)
		return
	}

	quantity, err := parseDecimal(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid quantity", err)
		return
	}

	acc, err := op(r.Context(), accountKey(r), quantity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// =============================================================================
// REPORTING HANDLERS
// =============================================================================

// GetSiteSummaries returns rollups for all of a site's accounts.
func (h *Handler) GetSiteSummaries(w http.ResponseWriter, r *http.Request) {
	site := ledger.SiteID(chi.URLParam(r, "site"))
	summaries, err := h.Summaries.SummarizeSite(r.Context(), site)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]SummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSiteCategorySummaries returns the category rollup for a site.
func (h *Handler) GetSiteCategorySummaries(w http.ResponseWriter, r *http.Request) {
	site := ledger.SiteID(chi.URLParam(r, "site"))
	totals, err := h.Summaries.SummarizeSiteByCategory(r.Context(), site)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]CategoryTotalsDTO, len(totals))
	for i, ct := range totals {
		dtos[i] = CategoryTotalsDTO{
			Category:      ct.Category,
			TotalIncoming: ct.TotalIncoming.String(),
			TotalUsed:     ct.TotalUsed.String(),
			TotalCost:     ct.TotalCost.String(),
			Materials:     ct.Materials,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListMaterials returns the whole catalog.
func (h *Handler) ListMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := h.Catalog.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to list materials", err)
		return
	}

	dtos := make([]MaterialDTO, len(materials))
	for i, m := range materials {
		dtos[i] = toMaterialDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveMaterial creates or updates a catalog entry.
func (h *Handler) SaveMaterial(w http.ResponseWriter, r *http.Request) {
	var req MaterialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid request body", err)
		return
	}

	price := decimal.Zero
	if req.StandardPrice != "" {
		var err error
		price, err = parseDecimal(req.StandardPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid standard_price", err)
			return
		}
	}

	m := catalog.Material{
		Code:          req.Code,
		Name:          req.Name,
		Category:      req.Category,
		Unit:          req.Unit,
		StandardPrice: price,
	}
	if err := h.Catalog.Save(r.Context(), m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Failed to save material", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMaterialDTO(m))
}

// UpdatePrice changes a material's standard price. Never retroactive.
func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req PriceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid request body", err)
		return
	}
	price, err := parseDecimal(req.StandardPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid standard_price", err)
		return
	}

	if err := h.Catalog.UpdatePrice(r.Context(), code, price); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown_material", "Material not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "Failed to update price", err)
		return
	}

	m, err := h.Catalog.Get(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to reload material", err)
		return
	}
	writeJSON(w, http.StatusOK, toMaterialDTO(m))
}

// =============================================================================
// ERROR MAPPING AND HELPERS
// =============================================================================

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidIntent):
		writeError(w, http.StatusBadRequest, "invalid_intent", "Invalid intent", err)
	case errors.Is(err, ledger.ErrUnknownMaterial):
		writeError(w, http.StatusBadRequest, "unknown_material", "Unknown material", err)
	case errors.Is(err, ledger.ErrUsageExceedsAvailable):
		writeError(w, http.StatusUnprocessableEntity, "usage_exceeds_available", "Reported usage exceeds available stock", err)
	case errors.Is(err, ledger.ErrInvariantViolation):
		h.Metrics.InvariantRejections.Inc()
		writeError(w, http.StatusUnprocessableEntity, "invariant_violation", "Operation would violate a stock invariant", err)
	case errors.Is(err, ledger.ErrConcurrentConflict):
		h.Metrics.Conflicts.Inc()
		writeError(w, http.StatusConflict, "concurrent_conflict", "Account changed concurrently, please retry", err)
	case errors.Is(err, ledger.ErrDuplicateReport):
		writeError(w, http.StatusConflict, "report_already_applied", "A transaction for this report already exists", err)
	default:
		h.Log.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Internal error", err)
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
