/*
Package sqlite provides the SQLite-backed Store and Catalog.

PURPOSE:
  Durable persistence for accounts, the append-only transaction log, and
  the material catalog. The same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch the transactions table. Accounts
  are only written through version-checked statements.

OPTIMISTIC CONCURRENCY:
  Commit runs inside one SQL transaction:
    - new account (expected version 0): INSERT, losing a creation race
      surfaces the primary-key conflict as ErrConcurrentConflict
    - existing account: UPDATE ... WHERE version = ?, zero rows affected
      means another writer won and the whole commit rolls back
  CommitPair runs both account commits in the same SQL transaction, so a
  transfer's two legs land together or not at all.

WAL MODE:
  Opened with WAL for better concurrency: readers don't block, single
  writer at a time, better crash recovery.

USAGE:
  st, err := sqlite.New("./data/inventory.db")  // ":memory:" for tests
  ...
  eng := ledger.New(st, st)

SEE ALSO:
  - ledger/store.go:        interface contracts
  - ledger/store/memory.go: in-memory implementation for engine tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/yardstack/inventory-engine/catalog"
	"github.com/yardstack/inventory-engine/ledger"
)

// Store implements ledger.Store and catalog.Maintainer over SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) a SQLite store. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Material catalog
	CREATE TABLE IF NOT EXISTS materials (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL,
		standard_price TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Projected account state, one row per (site, material).
	-- version is the optimistic-concurrency stamp.
	CREATE TABLE IF NOT EXISTS accounts (
		site_id TEXT NOT NULL,
		material_id TEXT NOT NULL,
		current_stock TEXT NOT NULL,
		reserved_stock TEXT NOT NULL,
		last_sequence INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (site_id, material_id)
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_site ON accounts(site_id);

	-- Append-only transaction ledger
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		material_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		report_id TEXT NOT NULL DEFAULT '',
		linked_tx_id TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL
	);

	-- One sequence number per account slot, ever
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_account_seq
		ON transactions(site_id, material_id, seq);

	-- Hot path: history reads in sequence order
	CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions(site_id, material_id, seq ASC);

	-- Reconciliation idempotence: lookups, plus a structural guarantee
	-- of at most one transaction per (report, type)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_report_type
		ON transactions(report_id, tx_type) WHERE report_id != '';
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

const accountColumns = `site_id, material_id, current_stock, reserved_stock, last_sequence, version, created_at, updated_at`

func (s *Store) GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE site_id = ? AND material_id = ?`,
		key.SiteID, key.MaterialID)

	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return ledger.NewAccount(key), nil
	}
	return acc, err
}

func (s *Store) AccountsBySite(ctx context.Context, site ledger.SiteID) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE site_id = ? ORDER BY material_id`,
		site)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (s *Store) Commit(ctx context.Context, expectedVersion int64, updated ledger.Account, txs []ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := s.commitOne(ctx, sqlTx, expectedVersion, updated, txs); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) CommitPair(ctx context.Context,
	expectedA int64, updatedA ledger.Account, txsA []ledger.Transaction,
	expectedB int64, updatedB ledger.Account, txsB []ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := s.commitOne(ctx, sqlTx, expectedA, updatedA, txsA); err != nil {
		return err
	}
	if err := s.commitOne(ctx, sqlTx, expectedB, updatedB, txsB); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) commitOne(ctx context.Context, sqlTx *sql.Tx, expectedVersion int64, acc ledger.Account, txs []ledger.Transaction) error {
	conflict := &ledger.ConflictError{
		SiteID:          acc.SiteID,
		MaterialID:      acc.MaterialID,
		ExpectedVersion: expectedVersion,
	}

	if expectedVersion == 0 {
		// Lazy account creation: losing the race means another writer
		// inserted first, which is exactly an optimistic conflict.
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO accounts (`+accountColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			acc.SiteID, acc.MaterialID,
			acc.CurrentStock.String(), acc.ReservedStock.String(),
			acc.LastSequence, acc.Version,
			acc.CreatedAt.Format(time.RFC3339Nano), acc.UpdatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return conflict
			}
			return fmt.Errorf("insert account: %w", err)
		}
	} else {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE accounts
			SET current_stock = ?, reserved_stock = ?, last_sequence = ?, version = ?, updated_at = ?
			WHERE site_id = ? AND material_id = ? AND version = ?`,
			acc.CurrentStock.String(), acc.ReservedStock.String(),
			acc.LastSequence, acc.Version, acc.UpdatedAt.Format(time.RFC3339Nano),
			acc.SiteID, acc.MaterialID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if affected == 0 {
			return conflict
		}
	}

	for _, tx := range txs {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO transactions
			(id, site_id, material_id, seq, tx_type, quantity, unit_price,
			 actor_id, report_id, linked_tx_id, note, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.ID, tx.SiteID, tx.MaterialID, tx.Sequence, tx.Type,
			tx.Quantity.String(), tx.UnitPrice.String(),
			tx.ActorID, tx.ReportID, tx.LinkedTxID, tx.Note,
			tx.RecordedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				if strings.Contains(err.Error(), "transactions.report_id") {
					return &ledger.DuplicateReportError{ReportID: tx.ReportID, Type: tx.Type}
				}
				return conflict
			}
			return fmt.Errorf("append transaction: %w", err)
		}
	}
	return nil
}

const txColumns = `id, site_id, material_id, seq, tx_type, quantity, unit_price, actor_id, report_id, linked_tx_id, note, recorded_at`

func (s *Store) Transactions(ctx context.Context, key ledger.AccountKey) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE site_id = ? AND material_id = ?
		ORDER BY seq ASC`,
		key.SiteID, key.MaterialID)
}

func (s *Store) TransactionPage(ctx context.Context, key ledger.AccountKey, offset, limit int) (ledger.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := ledger.Page{Offset: offset, Limit: limit}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE site_id = ? AND material_id = ?`,
		key.SiteID, key.MaterialID,
	).Scan(&page.Total)
	if err != nil {
		return page, err
	}

	page.Transactions, err = s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE site_id = ? AND material_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?`,
		key.SiteID, key.MaterialID, limit, offset)
	return page, err
}

func (s *Store) TransactionsByReport(ctx context.Context, reportID ledger.ReportID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE report_id = ?
		ORDER BY recorded_at ASC, seq ASC`,
		reportID)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// CATALOG (catalog.Maintainer interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, code string) (catalog.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		m                    catalog.Material
		price                string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT code, name, category, unit, standard_price, created_at, updated_at
		 FROM materials WHERE code = ?`, code,
	).Scan(&m.Code, &m.Name, &m.Category, &m.Unit, &price, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return catalog.Material{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, code)
	}
	if err != nil {
		return catalog.Material{}, err
	}

	m.StandardPrice = mustDecimal(price)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return m, nil
}

func (s *Store) List(ctx context.Context) ([]catalog.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, category, unit, standard_price, created_at, updated_at
		 FROM materials ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var materials []catalog.Material
	for rows.Next() {
		var (
			m                    catalog.Material
			price                string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&m.Code, &m.Name, &m.Category, &m.Unit, &price, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		m.StandardPrice = mustDecimal(price)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		materials = append(materials, m)
	}
	return materials, rows.Err()
}

func (s *Store) Save(ctx context.Context, m catalog.Material) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materials (code, name, category, unit, standard_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			unit = excluded.unit,
			standard_price = excluded.standard_price,
			updated_at = excluded.updated_at`,
		m.Code, m.Name, m.Category, m.Unit, m.StandardPrice.String(), now, now)
	return err
}

func (s *Store) UpdatePrice(ctx context.Context, code string, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("standard price cannot be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE materials SET standard_price = ?, updated_at = ? WHERE code = ?`,
		price.String(), time.Now().UTC().Format(time.RFC3339Nano), code)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", catalog.ErrNotFound, code)
	}
	return nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		acc                  ledger.Account
		current, reserved    string
		createdAt, updatedAt string
	)
	err := row.Scan(&acc.SiteID, &acc.MaterialID, &current, &reserved,
		&acc.LastSequence, &acc.Version, &createdAt, &updatedAt)
	if err != nil {
		return acc, err
	}
	acc.CurrentStock = mustDecimal(current)
	acc.ReservedStock = mustDecimal(reserved)
	acc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	acc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return acc, nil
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		tx                  ledger.Transaction
		quantity, unitPrice string
		recordedAt          string
	)
	err := row.Scan(&tx.ID, &tx.SiteID, &tx.MaterialID, &tx.Sequence, &tx.Type,
		&quantity, &unitPrice, &tx.ActorID, &tx.ReportID, &tx.LinkedTxID,
		&tx.Note, &recordedAt)
	if err != nil {
		return tx, fmt.Errorf("scan transaction: %w", err)
	}
	tx.Quantity = mustDecimal(quantity)
	tx.UnitPrice = mustDecimal(unitPrice)
	tx.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	return tx, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
