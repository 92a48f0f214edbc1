// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/yardstack/inventory-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory ledger.Store with the same optimistic-commit
// semantics as the SQLite store.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[ledger.AccountKey]ledger.Account
	transactions map[ledger.AccountKey][]ledger.Transaction
	byReport     map[ledger.ReportID][]ledger.Transaction

	// CommitHook, when set, runs between the two legs of CommitPair.
	// Returning an error aborts the pair and rolls the first leg back.
	// Tests use it to prove no partial transfer is ever observable.
	CommitHook func(leg int) error
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[ledger.AccountKey]ledger.Account),
		transactions: make(map[ledger.AccountKey][]ledger.Transaction),
		byReport:     make(map[ledger.ReportID][]ledger.Transaction),
	}
}

func (m *Memory) GetAccount(_ context.Context, key ledger.AccountKey) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[key]
	if !ok {
		return ledger.NewAccount(key), nil
	}
	return acc, nil
}

func (m *Memory) AccountsBySite(_ context.Context, site ledger.SiteID) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Account
	for key, acc := range m.accounts {
		if key.SiteID == site {
			out = append(out, acc)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (m *Memory) Commit(_ context.Context, expectedVersion int64, updated ledger.Account, txs []ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(expectedVersion, updated, txs)
}

func (m *Memory) CommitPair(_ context.Context,
	expectedA int64, updatedA ledger.Account, txsA []ledger.Transaction,
	expectedB int64, updatedB ledger.Account, txsB []ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	rollback := func() { m.restore(snapshot) }

	if err := m.commitLocked(expectedA, updatedA, txsA); err != nil {
		return err
	}
	if m.CommitHook != nil {
		if err := m.CommitHook(1); err != nil {
			rollback()
			return err
		}
	}
	if err := m.commitLocked(expectedB, updatedB, txsB); err != nil {
		rollback()
		return err
	}
	return nil
}

func (m *Memory) commitLocked(expectedVersion int64, updated ledger.Account, txs []ledger.Transaction) error {
	key := updated.Key()

	current := int64(0)
	if acc, ok := m.accounts[key]; ok {
		current = acc.Version
	}
	if current != expectedVersion {
		return &ledger.ConflictError{
			SiteID:          key.SiteID,
			MaterialID:      key.MaterialID,
			ExpectedVersion: expectedVersion,
		}
	}

	// At most one transaction per (report, type), mirroring the SQLite
	// unique index. Checked before any mutation.
	for _, tx := range txs {
		if tx.ReportID == "" {
			continue
		}
		for _, prev := range m.byReport[tx.ReportID] {
			if prev.Type == tx.Type {
				return &ledger.DuplicateReportError{ReportID: tx.ReportID, Type: tx.Type}
			}
		}
	}

	m.accounts[key] = updated
	for _, tx := range txs {
		m.transactions[key] = append(m.transactions[key], tx)
		if tx.ReportID != "" {
			m.byReport[tx.ReportID] = append(m.byReport[tx.ReportID], tx)
		}
	}
	return nil
}

func (m *Memory) Transactions(_ context.Context, key ledger.AccountKey) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Transaction, len(m.transactions[key]))
	copy(out, m.transactions[key])
	return out, nil
}

func (m *Memory) TransactionPage(_ context.Context, key ledger.AccountKey, offset, limit int) (ledger.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.transactions[key]
	page := ledger.Page{Total: int64(len(all)), Offset: offset, Limit: limit}

	if offset >= len(all) {
		return page, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page.Transactions = make([]ledger.Transaction, end-offset)
	copy(page.Transactions, all[offset:end])
	return page, nil
}

func (m *Memory) TransactionsByReport(_ context.Context, reportID ledger.ReportID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Transaction, len(m.byReport[reportID]))
	copy(out, m.byReport[reportID])
	return out, nil
}

// =============================================================================
// SNAPSHOT / RESTORE - Rollback support for CommitPair
// =============================================================================

type memorySnapshot struct {
	accounts     map[ledger.AccountKey]ledger.Account
	transactions map[ledger.AccountKey][]ledger.Transaction
	byReport     map[ledger.ReportID][]ledger.Transaction
}

func (m *Memory) snapshot() memorySnapshot {
	accounts := make(map[ledger.AccountKey]ledger.Account, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v
	}
	transactions := make(map[ledger.AccountKey][]ledger.Transaction, len(m.transactions))
	for k, v := range m.transactions {
		transactions[k] = append([]ledger.Transaction{}, v...)
	}
	byReport := make(map[ledger.ReportID][]ledger.Transaction, len(m.byReport))
	for k, v := range m.byReport {
		byReport[k] = append([]ledger.Transaction{}, v...)
	}
	return memorySnapshot{accounts: accounts, transactions: transactions, byReport: byReport}
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.transactions = s.transactions
	m.byReport = s.byReport
}

func sortAccounts(accounts []ledger.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].MaterialID < accounts[j].MaterialID
	})
}
