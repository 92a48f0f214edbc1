/*
summary.go - Read-optimized rollups derived purely from the ledger

PURPOSE:
  Produces per-(site, material) summaries: total incoming, total used,
  total cost, record counts. A summary is never written independently of
  the ledger it summarizes: Summarize always equals a fresh fold over the
  account's transaction history.

CACHING:
  Summaries may be cached keyed by (site, material, last-sequence). A
  cached entry is valid exactly as long as no new transaction has landed
  for the key; the cache validates against the account's current
  LastSequence on every read and the ledger's commit hook evicts eagerly.
  Multiple readers recompute safely in parallel - folding is a pure
  function of the log.

COST:
  TotalCost is the procurement cost of stock brought onto the site: the
  sum of quantity x recorded unit price over incoming and transfer_in
  legs. Usage consumes stock already paid for; counting it again would
  double the money.

CATEGORY ROLLUPS:
  Material codes sometimes group into families. Grouping is a reporting
  concern, not a ledger concept, so the rollup happens here: per-site
  totals re-keyed by catalog category.
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yardstack/inventory-engine/catalog"
)

// Summary is the read-only aggregate for one (site, material) pair.
type Summary struct {
	SiteID           SiteID
	MaterialID       MaterialID
	TotalIncoming    decimal.Decimal
	TotalUsed        decimal.Decimal
	TotalCost        decimal.Decimal
	TransactionCount int
	ReportCount      int // distinct usage reports that produced transactions
	LastSequence     int64
	LastUpdated      time.Time
}

// CategoryTotals aggregates one site's accounts by catalog category.
type CategoryTotals struct {
	Category      string
	TotalIncoming decimal.Decimal
	TotalUsed     decimal.Decimal
	TotalCost     decimal.Decimal
	Materials     int
}

// FoldSummary computes a summary from a transaction history. Pure; the
// single definition of summary semantics, used by both the aggregator and
// the replay-equality tests.
func FoldSummary(key AccountKey, txs []Transaction) Summary {
	s := Summary{
		SiteID:        key.SiteID,
		MaterialID:    key.MaterialID,
		TotalIncoming: decimal.Zero,
		TotalUsed:     decimal.Zero,
		TotalCost:     decimal.Zero,
	}

	reports := make(map[ReportID]struct{})
	for _, tx := range txs {
		switch tx.Type {
		case TxIncoming, TxTransferIn:
			s.TotalIncoming = s.TotalIncoming.Add(tx.Quantity)
			s.TotalCost = s.TotalCost.Add(tx.Quantity.Mul(tx.UnitPrice))
		case TxUsage, TxTransferOut:
			s.TotalUsed = s.TotalUsed.Add(tx.Quantity.Abs())
		}
		if tx.ReportID != "" {
			reports[tx.ReportID] = struct{}{}
		}
		s.TransactionCount++
		s.LastSequence = tx.Sequence
		if tx.RecordedAt.After(s.LastUpdated) {
			s.LastUpdated = tx.RecordedAt
		}
	}
	s.ReportCount = len(reports)
	return s
}

// =============================================================================
// AGGREGATOR - Cached summaries, invalidated on append
// =============================================================================

// Aggregator serves summaries with a last-sequence-keyed cache.
type Aggregator struct {
	store   Store
	catalog catalog.Catalog

	mu    sync.RWMutex
	cache map[AccountKey]Summary
}

// NewAggregator creates an aggregator and registers its eviction hook on
// the ledger.
func NewAggregator(l *Ledger, store Store, cat catalog.Catalog) *Aggregator {
	a := &Aggregator{
		store:   store,
		catalog: cat,
		cache:   make(map[AccountKey]Summary),
	}
	l.OnCommit(func(key AccountKey, _ int64) { a.Invalidate(key) })
	return a
}

// Summarize returns the rollup for one account, from cache when the
// cached last-sequence still matches the account's.
func (a *Aggregator) Summarize(ctx context.Context, key AccountKey) (Summary, error) {
	acc, err := a.store.GetAccount(ctx, key)
	if err != nil {
		return Summary{}, fmt.Errorf("load account: %w", err)
	}

	a.mu.RLock()
	cached, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && cached.LastSequence == acc.LastSequence {
		return cached, nil
	}

	txs, err := a.store.Transactions(ctx, key)
	if err != nil {
		return Summary{}, fmt.Errorf("load transactions: %w", err)
	}
	s := FoldSummary(key, txs)

	a.mu.Lock()
	a.cache[key] = s
	a.mu.Unlock()
	return s, nil
}

// SummarizeSite returns summaries for every account a site has, ordered
// by material.
func (a *Aggregator) SummarizeSite(ctx context.Context, site SiteID) ([]Summary, error) {
	accounts, err := a.store.AccountsBySite(ctx, site)
	if err != nil {
		return nil, fmt.Errorf("load site accounts: %w", err)
	}

	summaries := make([]Summary, 0, len(accounts))
	for _, acc := range accounts {
		s, err := a.Summarize(ctx, acc.Key())
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// SummarizeSiteByCategory rolls a site's summaries up by catalog
// category. Materials missing from the catalog land in "".
func (a *Aggregator) SummarizeSiteByCategory(ctx context.Context, site SiteID) ([]CategoryTotals, error) {
	summaries, err := a.SummarizeSite(ctx, site)
	if err != nil {
		return nil, err
	}

	byCategory := make(map[string]*CategoryTotals)
	for _, s := range summaries {
		category := ""
		if m, err := a.catalog.Get(ctx, string(s.MaterialID)); err == nil {
			category = m.Category
		}
		ct, ok := byCategory[category]
		if !ok {
			ct = &CategoryTotals{
				Category:      category,
				TotalIncoming: decimal.Zero,
				TotalUsed:     decimal.Zero,
				TotalCost:     decimal.Zero,
			}
			byCategory[category] = ct
		}
		ct.TotalIncoming = ct.TotalIncoming.Add(s.TotalIncoming)
		ct.TotalUsed = ct.TotalUsed.Add(s.TotalUsed)
		ct.TotalCost = ct.TotalCost.Add(s.TotalCost)
		ct.Materials++
	}

	out := make([]CategoryTotals, 0, len(byCategory))
	for _, ct := range byCategory {
		out = append(out, *ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// Invalidate evicts the cached summary for a key.
func (a *Aggregator) Invalidate(key AccountKey) {
	a.mu.Lock()
	delete(a.cache, key)
	a.mu.Unlock()
}
