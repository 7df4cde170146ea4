/*
Package sqlite provides a SQLite-backed engine.TxStore.

PURPOSE:
  Single-file persistence for contracts, their installment lines, posted
  payments, penalty rules and the penalty job's run records. Used for local
  deployments and tests; store/postgres serves production.

KEY TABLES:
  contracts:           contract record incl. term, sizing and penalty state
  installment_lines:   one row per (contract_id, sequence)
  payments:            posted payments, id is the idempotency key
  payment_allocations: immutable slices of each payment
  penalty_rules:       late-charge configuration
  accrual_runs:        UNIQUE(contract_id, run_date), once-a-day guard
  settlements:         executed early settlements

MONEY:
  Decimals are stored as TEXT and read back through decimal.Decimal's
  sql.Scanner, so no amount ever passes through float64.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction.

USAGE:
  store, err := sqlite.New("./data/hp.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/hirepurchase-engine/engine"
)

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS penalty_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		method TEXT NOT NULL,
		rate TEXT NOT NULL,
		fixed_amount TEXT NOT NULL,
		grace_period_days INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		reference TEXT,
		customer TEXT,
		status TEXT NOT NULL,
		cash_price TEXT NOT NULL,
		down_payment TEXT NOT NULL,
		principal TEXT NOT NULL,
		annual_rate TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		interest_method TEXT NOT NULL,
		payment_scheme TEXT NOT NULL,
		base_date TEXT NOT NULL,
		first_due_date TEXT,
		decimal_places INTEGER NOT NULL,
		first_amount TEXT NOT NULL,
		level_amount TEXT NOT NULL,
		last_amount TEXT NOT NULL,
		total_interest TEXT NOT NULL,
		manual_amounts INTEGER NOT NULL DEFAULT 0,
		penalty_rule_id TEXT,
		accrued_penalty TEXT NOT NULL,
		total_penalty_paid TEXT NOT NULL,
		misc_fee TEXT NOT NULL,
		repossessed_on TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Penalty job scan
	CREATE INDEX IF NOT EXISTS idx_contracts_status_rule
		ON contracts(status, penalty_rule_id);

	CREATE TABLE IF NOT EXISTS installment_lines (
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		amount_principal TEXT NOT NULL,
		amount_interest TEXT NOT NULL,
		amount_total TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		paid_principal TEXT NOT NULL,
		paid_interest TEXT NOT NULL,
		is_settled INTEGER NOT NULL DEFAULT 0,
		penalty_applied INTEGER NOT NULL DEFAULT 0,
		penalty_period TEXT,
		penalty_accrued_on TEXT,
		PRIMARY KEY (contract_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		amount TEXT NOT NULL,
		received_on TEXT NOT NULL,
		unapplied TEXT NOT NULL,
		posted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_contract
		ON payments(contract_id, posted_at);

	CREATE TABLE IF NOT EXISTS payment_allocations (
		payment_id TEXT NOT NULL REFERENCES payments(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		target TEXT NOT NULL,
		line_sequence INTEGER,
		amount TEXT NOT NULL,
		PRIMARY KEY (payment_id, seq)
	);

	-- One accrual per contract per day
	CREATE TABLE IF NOT EXISTS accrual_runs (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		run_date TEXT NOT NULL,
		accrued TEXT NOT NULL,
		charges INTEGER NOT NULL,
		recorded_at TEXT NOT NULL,
		UNIQUE (contract_id, run_date)
	);

	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		quote_json TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_contract
		ON settlements(contract_id, recorded_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

func (s *Store) SaveContract(ctx context.Context, c engine.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SaveContract(ctx, c)
}

func (s *Store) GetContract(ctx context.Context, id engine.ContractID) (engine.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetContract(ctx, id)
}

func (s *Store) ListContracts(ctx context.Context, f engine.ContractFilter) ([]engine.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListContracts(ctx, f)
}

// ReplaceLines runs in its own transaction when called outside WithTx.
func (s *Store) ReplaceLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	return s.WithTx(ctx, func(tx engine.Store) error {
		return tx.ReplaceLines(ctx, id, lines)
	})
}

func (s *Store) SaveLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	return s.WithTx(ctx, func(tx engine.Store) error {
		return tx.SaveLines(ctx, id, lines)
	})
}

func (s *Store) LoadLines(ctx context.Context, id engine.ContractID) ([]engine.InstallmentLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.LoadLines(ctx, id)
}

func (s *Store) SavePayment(ctx context.Context, p engine.PaymentRecord) error {
	return s.WithTx(ctx, func(tx engine.Store) error {
		return tx.SavePayment(ctx, p)
	})
}

func (s *Store) GetPayment(ctx context.Context, id engine.PaymentID) (engine.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetPayment(ctx, id)
}

func (s *Store) ListPayments(ctx context.Context, id engine.ContractID) ([]engine.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListPayments(ctx, id)
}

func (s *Store) SavePenaltyRule(ctx context.Context, r engine.PenaltyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SavePenaltyRule(ctx, r)
}

func (s *Store) GetPenaltyRule(ctx context.Context, id engine.PenaltyRuleID) (engine.PenaltyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetPenaltyRule(ctx, id)
}

func (s *Store) ListPenaltyRules(ctx context.Context) ([]engine.PenaltyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListPenaltyRules(ctx)
}

func (s *Store) RecordAccrualRun(ctx context.Context, run engine.AccrualRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.RecordAccrualRun(ctx, run)
}

func (s *Store) AccrualRunExists(ctx context.Context, id engine.ContractID, date engine.Date) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.AccrualRunExists(ctx, id, date)
}

func (s *Store) ListAccrualRuns(ctx context.Context, date engine.Date) ([]engine.AccrualRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListAccrualRuns(ctx, date)
}

func (s *Store) SaveSettlement(ctx context.Context, r engine.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SaveSettlement(ctx, r)
}

func (s *Store) GetSettlement(ctx context.Context, id engine.ContractID) (engine.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetSettlement(ctx, id)
}

// =============================================================================
// QUERIES - shared by the store and its transactions
// =============================================================================

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

const contractColumns = `
	id, reference, customer, status, cash_price, down_payment, principal,
	annual_rate, term_months, interest_method, payment_scheme, base_date,
	first_due_date, decimal_places, first_amount, level_amount, last_amount,
	total_interest, manual_amounts, penalty_rule_id, accrued_penalty,
	total_penalty_paid, misc_fee, repossessed_on, created_at, updated_at`

func (q queries) SaveContract(ctx context.Context, c engine.Contract) error {
	query := `
		INSERT INTO contracts (` + contractColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			reference = excluded.reference,
			customer = excluded.customer,
			status = excluded.status,
			cash_price = excluded.cash_price,
			down_payment = excluded.down_payment,
			principal = excluded.principal,
			annual_rate = excluded.annual_rate,
			term_months = excluded.term_months,
			interest_method = excluded.interest_method,
			payment_scheme = excluded.payment_scheme,
			base_date = excluded.base_date,
			first_due_date = excluded.first_due_date,
			decimal_places = excluded.decimal_places,
			first_amount = excluded.first_amount,
			level_amount = excluded.level_amount,
			last_amount = excluded.last_amount,
			total_interest = excluded.total_interest,
			manual_amounts = excluded.manual_amounts,
			penalty_rule_id = excluded.penalty_rule_id,
			accrued_penalty = excluded.accrued_penalty,
			total_penalty_paid = excluded.total_penalty_paid,
			misc_fee = excluded.misc_fee,
			repossessed_on = excluded.repossessed_on,
			updated_at = excluded.updated_at
	`
	t := c.Term
	_, err := q.db.ExecContext(ctx, query,
		c.ID, c.Reference, c.Customer, c.Status,
		c.CashPrice, c.DownPayment, t.Principal, t.AnnualRate, t.TermMonths,
		t.Method, t.Scheme, t.BaseDate.String(), dateArg(t.FirstDueDate), int(t.Precision),
		c.Installments.FirstAmount, c.Installments.LevelAmount, c.Installments.LastAmount,
		c.Installments.TotalInterest, c.ManualAmounts, nullString(string(c.PenaltyRuleID)),
		c.Penalty.Accrued, c.Penalty.Paid, c.MiscFee, dateArg(c.RepossessedOn),
		c.CreatedAt.UTC().Format(time.RFC3339Nano), c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

func (q queries) GetContract(ctx context.Context, id engine.ContractID) (engine.Contract, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	if err != nil {
		return engine.Contract{}, fmt.Errorf("failed to query contract: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return engine.Contract{}, err
		}
		return engine.Contract{}, engine.ErrContractNotFound
	}
	return scanContract(rows)
}

func (q queries) ListContracts(ctx context.Context, f engine.ContractFilter) ([]engine.Contract, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.WithPenaltyRule {
		where = append(where, "penalty_rule_id IS NOT NULL")
	}
	if f.AfterID != "" {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}
	query := `SELECT ` + contractColumns + ` FROM contracts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	var contracts []engine.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

func scanContract(rows *sql.Rows) (engine.Contract, error) {
	var (
		c                   engine.Contract
		reference, customer sql.NullString
		baseDate            string
		firstDue, ruleID    sql.NullString
		repossessedOn       sql.NullString
		places              int
		createdAt           string
		updatedAt           string
	)
	err := rows.Scan(
		&c.ID, &reference, &customer, &c.Status,
		&c.CashPrice, &c.DownPayment, &c.Term.Principal, &c.Term.AnnualRate, &c.Term.TermMonths,
		&c.Term.Method, &c.Term.Scheme, &baseDate, &firstDue, &places,
		&c.Installments.FirstAmount, &c.Installments.LevelAmount, &c.Installments.LastAmount,
		&c.Installments.TotalInterest, &c.ManualAmounts, &ruleID,
		&c.Penalty.Accrued, &c.Penalty.Paid, &c.MiscFee, &repossessedOn, &createdAt, &updatedAt,
	)
	if err != nil {
		return c, fmt.Errorf("failed to scan contract: %w", err)
	}
	c.Reference = reference.String
	c.Customer = customer.String
	c.PenaltyRuleID = engine.PenaltyRuleID(ruleID.String)
	c.Term.Precision = engine.Precision(places)
	if c.Term.BaseDate, err = engine.ParseDate(baseDate); err != nil {
		return c, fmt.Errorf("contract %s base_date: %w", c.ID, err)
	}
	if c.Term.FirstDueDate, err = parseNullDate(firstDue); err != nil {
		return c, fmt.Errorf("contract %s first_due_date: %w", c.ID, err)
	}
	if c.RepossessedOn, err = parseNullDate(repossessedOn); err != nil {
		return c, fmt.Errorf("contract %s repossessed_on: %w", c.ID, err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return c, nil
}

// =============================================================================
// INSTALLMENT LINES
// =============================================================================

func (q queries) ReplaceLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	var exists int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contracts WHERE id = ?", id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return engine.ErrContractNotFound
	}
	if _, err := q.db.ExecContext(ctx, "DELETE FROM installment_lines WHERE contract_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete lines: %w", err)
	}

	query := `
		INSERT INTO installment_lines
		(contract_id, sequence, due_date, amount_principal, amount_interest, amount_total,
		 paid_amount, paid_principal, paid_interest, is_settled, penalty_applied,
		 penalty_period, penalty_accrued_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, l := range lines {
		_, err := q.db.ExecContext(ctx, query,
			id, l.Sequence, l.DueDate.String(), l.AmountPrincipal, l.AmountInterest, l.AmountTotal,
			l.PaidAmount, l.PaidPrincipal, l.PaidInterest, l.IsSettled, l.PenaltyApplied,
			nullString(l.PenaltyPeriod), dateArg(l.PenaltyAccruedOn),
		)
		if err != nil {
			return fmt.Errorf("failed to insert line %d: %w", l.Sequence, err)
		}
	}
	return nil
}

func (q queries) SaveLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	query := `
		UPDATE installment_lines SET
			paid_amount = ?, paid_principal = ?, paid_interest = ?, is_settled = ?,
			penalty_applied = ?, penalty_period = ?, penalty_accrued_on = ?
		WHERE contract_id = ? AND sequence = ?
	`
	for _, l := range lines {
		res, err := q.db.ExecContext(ctx, query,
			l.PaidAmount, l.PaidPrincipal, l.PaidInterest, l.IsSettled,
			l.PenaltyApplied, nullString(l.PenaltyPeriod), dateArg(l.PenaltyAccruedOn),
			id, l.Sequence,
		)
		if err != nil {
			return fmt.Errorf("failed to update line %d: %w", l.Sequence, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("contract %s has no line %d", id, l.Sequence)
		}
	}
	return nil
}

func (q queries) LoadLines(ctx context.Context, id engine.ContractID) ([]engine.InstallmentLine, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT sequence, due_date, amount_principal, amount_interest, amount_total,
		       paid_amount, paid_principal, paid_interest, is_settled, penalty_applied,
		       penalty_period, penalty_accrued_on
		FROM installment_lines
		WHERE contract_id = ?
		ORDER BY sequence ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var lines []engine.InstallmentLine
	for rows.Next() {
		var (
			l               engine.InstallmentLine
			due             string
			period, accrued sql.NullString
		)
		err := rows.Scan(&l.Sequence, &due, &l.AmountPrincipal, &l.AmountInterest, &l.AmountTotal,
			&l.PaidAmount, &l.PaidPrincipal, &l.PaidInterest, &l.IsSettled, &l.PenaltyApplied,
			&period, &accrued)
		if err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		if l.DueDate, err = engine.ParseDate(due); err != nil {
			return nil, fmt.Errorf("line %d due_date: %w", l.Sequence, err)
		}
		if l.PenaltyAccruedOn, err = parseNullDate(accrued); err != nil {
			return nil, fmt.Errorf("line %d penalty_accrued_on: %w", l.Sequence, err)
		}
		l.PenaltyPeriod = period.String
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (q queries) SavePayment(ctx context.Context, p engine.PaymentRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payments (id, contract_id, amount, received_on, unapplied, posted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.ContractID, p.Amount, p.ReceivedOn.String(), p.Unapplied,
		p.PostedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicatePayment
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}

	for _, a := range p.Allocations {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO payment_allocations (payment_id, seq, target, line_sequence, amount)
			VALUES (?, ?, ?, ?, ?)
		`, p.ID, a.Seq, a.Target, nullInt(a.LineSequence), a.Amount)
		if err != nil {
			return fmt.Errorf("failed to save allocation %d: %w", a.Seq, err)
		}
	}
	return nil
}

func (q queries) GetPayment(ctx context.Context, id engine.PaymentID) (engine.PaymentRecord, error) {
	payments, err := q.queryPayments(ctx, "WHERE id = ?", id)
	if err != nil {
		return engine.PaymentRecord{}, err
	}
	if len(payments) == 0 {
		return engine.PaymentRecord{}, engine.ErrPaymentNotFound
	}
	return payments[0], nil
}

func (q queries) ListPayments(ctx context.Context, id engine.ContractID) ([]engine.PaymentRecord, error) {
	return q.queryPayments(ctx, "WHERE contract_id = ? ORDER BY posted_at ASC, id ASC", id)
}

func (q queries) queryPayments(ctx context.Context, clause string, args ...any) ([]engine.PaymentRecord, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, contract_id, amount, received_on, unapplied, posted_at FROM payments `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}

	var payments []engine.PaymentRecord
	for rows.Next() {
		var (
			p                    engine.PaymentRecord
			receivedOn, postedAt string
		)
		if err := rows.Scan(&p.ID, &p.ContractID, &p.Amount, &receivedOn, &p.Unapplied, &postedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if p.ReceivedOn, err = engine.ParseDate(receivedOn); err != nil {
			rows.Close()
			return nil, fmt.Errorf("payment %s received_on: %w", p.ID, err)
		}
		p.PostedAt, _ = time.Parse(time.RFC3339Nano, postedAt)
		payments = append(payments, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Allocations are read after the payment cursor is closed; the store
	// runs on a single connection.
	for i := range payments {
		allocs, err := q.loadAllocations(ctx, payments[i].ID)
		if err != nil {
			return nil, err
		}
		payments[i].Allocations = allocs
	}
	return payments, nil
}

func (q queries) loadAllocations(ctx context.Context, id engine.PaymentID) ([]engine.PaymentAllocation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, target, line_sequence, amount
		FROM payment_allocations
		WHERE payment_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocs []engine.PaymentAllocation
	for rows.Next() {
		a := engine.PaymentAllocation{PaymentID: id}
		var lineSeq sql.NullInt64
		if err := rows.Scan(&a.Seq, &a.Target, &lineSeq, &a.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.LineSequence = int(lineSeq.Int64)
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// =============================================================================
// PENALTY RULES AND ACCRUAL RUNS
// =============================================================================

func (q queries) SavePenaltyRule(ctx context.Context, r engine.PenaltyRule) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO penalty_rules (id, name, method, rate, fixed_amount, grace_period_days)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			method = excluded.method,
			rate = excluded.rate,
			fixed_amount = excluded.fixed_amount,
			grace_period_days = excluded.grace_period_days
	`, r.ID, r.Name, r.Method, r.Rate, r.FixedAmount, r.GraceDays)
	if err != nil {
		return fmt.Errorf("failed to save penalty rule: %w", err)
	}
	return nil
}

func (q queries) GetPenaltyRule(ctx context.Context, id engine.PenaltyRuleID) (engine.PenaltyRule, error) {
	var r engine.PenaltyRule
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, method, rate, fixed_amount, grace_period_days
		FROM penalty_rules WHERE id = ?
	`, id).Scan(&r.ID, &r.Name, &r.Method, &r.Rate, &r.FixedAmount, &r.GraceDays)
	if errors.Is(err, sql.ErrNoRows) {
		return r, engine.ErrPenaltyRuleNotFound
	}
	if err != nil {
		return r, fmt.Errorf("failed to get penalty rule: %w", err)
	}
	return r, nil
}

func (q queries) ListPenaltyRules(ctx context.Context) ([]engine.PenaltyRule, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, method, rate, fixed_amount, grace_period_days
		FROM penalty_rules ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list penalty rules: %w", err)
	}
	defer rows.Close()

	var rules []engine.PenaltyRule
	for rows.Next() {
		var r engine.PenaltyRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Method, &r.Rate, &r.FixedAmount, &r.GraceDays); err != nil {
			return nil, fmt.Errorf("failed to scan penalty rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (q queries) RecordAccrualRun(ctx context.Context, run engine.AccrualRun) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accrual_runs (id, contract_id, run_date, accrued, charges, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.ContractID, run.RunDate.String(), run.Accrued, run.Charges,
		run.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrAccrualAlreadyRun
		}
		return fmt.Errorf("failed to record accrual run: %w", err)
	}
	return nil
}

func (q queries) AccrualRunExists(ctx context.Context, id engine.ContractID, date engine.Date) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM accrual_runs WHERE contract_id = ? AND run_date = ?",
		id, date.String(),
	).Scan(&count)
	return count > 0, err
}

func (q queries) ListAccrualRuns(ctx context.Context, date engine.Date) ([]engine.AccrualRun, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, contract_id, accrued, charges, recorded_at
		FROM accrual_runs WHERE run_date = ?
		ORDER BY contract_id ASC
	`, date.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list accrual runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.AccrualRun
	for rows.Next() {
		run := engine.AccrualRun{RunDate: date}
		var recordedAt string
		if err := rows.Scan(&run.ID, &run.ContractID, &run.Accrued, &run.Charges, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan accrual run: %w", err)
		}
		run.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (q queries) SaveSettlement(ctx context.Context, r engine.SettlementRecord) error {
	quoteJSON, err := json.Marshal(r.Quote)
	if err != nil {
		return fmt.Errorf("failed to encode settlement quote: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO settlements (id, contract_id, quote_json, recorded_at)
		VALUES (?, ?, ?, ?)
	`, r.ID, r.ContractID, string(quoteJSON), r.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save settlement: %w", err)
	}
	return nil
}

// GetSettlement returns the latest settlement of a contract.
func (q queries) GetSettlement(ctx context.Context, id engine.ContractID) (engine.SettlementRecord, error) {
	var (
		r                     engine.SettlementRecord
		quoteJSON, recordedAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, contract_id, quote_json, recorded_at
		FROM settlements WHERE contract_id = ?
		ORDER BY recorded_at DESC LIMIT 1
	`, id).Scan(&r.ID, &r.ContractID, &quoteJSON, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, engine.ErrSettlementNotFound
	}
	if err != nil {
		return r, fmt.Errorf("failed to get settlement: %w", err)
	}
	if err := json.Unmarshal([]byte(quoteJSON), &r.Quote); err != nil {
		return r, fmt.Errorf("failed to decode settlement quote: %w", err)
	}
	r.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	return r, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func dateArg(d engine.Date) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(s sql.NullString) (engine.Date, error) {
	if !s.Valid || s.String == "" {
		return engine.Date{}, nil
	}
	return engine.ParseDate(s.String)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ engine.TxStore = (*Store)(nil)
	_ engine.Store   = queries{}
)
