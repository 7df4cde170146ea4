/*
Package postgres provides the production engine.TxStore on PostgreSQL.

The schema lives in migrations/ and is embedded into the binary; call
RunMigrations before New. Money columns are NUMERIC and map directly onto
decimal.Decimal; calendar days are DATE columns.

Row locking is left to the servicing layer's per-contract locks plus the
accrual_runs unique constraint, which keeps the penalty job idempotent even
across several server processes.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/hirepurchase-engine/engine"
)

// Querier abstracts pgxpool.Pool and pgx.Tx so that the same queries run
// inside or outside a transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements engine.TxStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	queries
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

// Ping pings the database and returns an error if the connection is unhealthy.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// WithTx executes fn within a database transaction.
// If fn returns an error the transaction is rolled back; otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	if err := fn(queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("postgres: rollback tx: %w (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// ReplaceLines is delete-then-insert, so it always runs in a transaction.
func (s *Store) ReplaceLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	return s.WithTx(ctx, func(tx engine.Store) error {
		return tx.ReplaceLines(ctx, id, lines)
	})
}

func (s *Store) SavePayment(ctx context.Context, p engine.PaymentRecord) error {
	return s.WithTx(ctx, func(tx engine.Store) error {
		return tx.SavePayment(ctx, p)
	})
}

// =============================================================================
// QUERIES
// =============================================================================

type queries struct {
	db Querier
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (id) DO UPDATE SET
			reference          = EXCLUDED.reference,
			customer           = EXCLUDED.customer,
			status             = EXCLUDED.status,
			cash_price         = EXCLUDED.cash_price,
			down_payment       = EXCLUDED.down_payment,
			principal          = EXCLUDED.principal,
			annual_rate        = EXCLUDED.annual_rate,
			term_months        = EXCLUDED.term_months,
			interest_method    = EXCLUDED.interest_method,
			payment_scheme     = EXCLUDED.payment_scheme,
			base_date          = EXCLUDED.base_date,
			first_due_date     = EXCLUDED.first_due_date,
			decimal_places     = EXCLUDED.decimal_places,
			first_amount       = EXCLUDED.first_amount,
			level_amount       = EXCLUDED.level_amount,
			last_amount        = EXCLUDED.last_amount,
			total_interest     = EXCLUDED.total_interest,
			manual_amounts     = EXCLUDED.manual_amounts,
			penalty_rule_id    = EXCLUDED.penalty_rule_id,
			accrued_penalty    = EXCLUDED.accrued_penalty,
			total_penalty_paid = EXCLUDED.total_penalty_paid,
			misc_fee           = EXCLUDED.misc_fee,
			repossessed_on     = EXCLUDED.repossessed_on,
			updated_at         = EXCLUDED.updated_at
	`
	t := c.Term
	_, err := q.db.Exec(ctx, query,
		string(c.ID), c.Reference, c.Customer, string(c.Status),
		c.CashPrice, c.DownPayment, t.Principal, t.AnnualRate, t.TermMonths,
		string(t.Method), string(t.Scheme), t.BaseDate.Time(), dateArg(t.FirstDueDate), int16(t.Precision),
		c.Installments.FirstAmount, c.Installments.LevelAmount, c.Installments.LastAmount,
		c.Installments.TotalInterest, c.ManualAmounts, textArg(string(c.PenaltyRuleID)),
		c.Penalty.Accrued, c.Penalty.Paid, c.MiscFee, dateArg(c.RepossessedOn), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save contract %s: %w", c.ID, err)
	}
	return nil
}

func (q queries) GetContract(ctx context.Context, id engine.ContractID) (engine.Contract, error) {
	row := q.db.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, string(id))
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Contract{}, engine.ErrContractNotFound
	}
	return c, err
}

func (q queries) ListContracts(ctx context.Context, f engine.ContractFilter) ([]engine.Contract, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.WithPenaltyRule {
		where = append(where, "penalty_rule_id IS NOT NULL")
	}
	if f.AfterID != "" {
		args = append(args, string(f.AfterID))
		where = append(where, fmt.Sprintf("id > $%d", len(args)))
	}
	query := `SELECT ` + contractColumns + ` FROM contracts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
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

type scannable interface {
	Scan(dest ...any) error
}

func scanContract(s scannable) (engine.Contract, error) {
	var (
		c                          engine.Contract
		id, status, method, scheme string
		baseDate                   time.Time
		firstDue, repossessedOn    *time.Time
		places                     int16
		ruleID                     *string
	)
	err := s.Scan(
		&id, &c.Reference, &c.Customer, &status,
		&c.CashPrice, &c.DownPayment, &c.Term.Principal, &c.Term.AnnualRate, &c.Term.TermMonths,
		&method, &scheme, &baseDate, &firstDue, &places,
		&c.Installments.FirstAmount, &c.Installments.LevelAmount, &c.Installments.LastAmount,
		&c.Installments.TotalInterest, &c.ManualAmounts, &ruleID,
		&c.Penalty.Accrued, &c.Penalty.Paid, &c.MiscFee, &repossessedOn, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, err
	}
	if err != nil {
		return c, fmt.Errorf("scan contract: %w", err)
	}
	c.ID = engine.ContractID(id)
	c.Status = engine.ContractStatus(status)
	c.Term.Method = engine.InterestMethod(method)
	c.Term.Scheme = engine.PaymentScheme(scheme)
	c.Term.BaseDate = engine.DateOf(baseDate)
	c.Term.FirstDueDate = dateOf(firstDue)
	c.RepossessedOn = dateOf(repossessedOn)
	c.Term.Precision = engine.Precision(places)
	if ruleID != nil {
		c.PenaltyRuleID = engine.PenaltyRuleID(*ruleID)
	}
	return c, nil
}

// =============================================================================
// INSTALLMENT LINES
// =============================================================================

func (q queries) ReplaceLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return fmt.Errorf("check contract: %w", err)
	}
	if !exists {
		return engine.ErrContractNotFound
	}
	if _, err := q.db.Exec(ctx, `DELETE FROM installment_lines WHERE contract_id = $1`, string(id)); err != nil {
		return fmt.Errorf("delete lines: %w", err)
	}

	query := `
		INSERT INTO installment_lines (
			contract_id, sequence, due_date, amount_principal, amount_interest, amount_total,
			paid_amount, paid_principal, paid_interest, is_settled, penalty_applied,
			penalty_period, penalty_accrued_on
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	for _, l := range lines {
		_, err := q.db.Exec(ctx, query,
			string(id), l.Sequence, l.DueDate.Time(), l.AmountPrincipal, l.AmountInterest, l.AmountTotal,
			l.PaidAmount, l.PaidPrincipal, l.PaidInterest, l.IsSettled, l.PenaltyApplied,
			textArg(l.PenaltyPeriod), dateArg(l.PenaltyAccruedOn),
		)
		if err != nil {
			return fmt.Errorf("insert line %d: %w", l.Sequence, err)
		}
	}
	return nil
}

func (q queries) SaveLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	query := `
		UPDATE installment_lines SET
			paid_amount = $3, paid_principal = $4, paid_interest = $5, is_settled = $6,
			penalty_applied = $7, penalty_period = $8, penalty_accrued_on = $9
		WHERE contract_id = $1 AND sequence = $2
	`
	for _, l := range lines {
		tag, err := q.db.Exec(ctx, query,
			string(id), l.Sequence,
			l.PaidAmount, l.PaidPrincipal, l.PaidInterest, l.IsSettled,
			l.PenaltyApplied, textArg(l.PenaltyPeriod), dateArg(l.PenaltyAccruedOn),
		)
		if err != nil {
			return fmt.Errorf("update line %d: %w", l.Sequence, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("contract %s has no line %d", id, l.Sequence)
		}
	}
	return nil
}

func (q queries) LoadLines(ctx context.Context, id engine.ContractID) ([]engine.InstallmentLine, error) {
	rows, err := q.db.Query(ctx, `
		SELECT sequence, due_date, amount_principal, amount_interest, amount_total,
		       paid_amount, paid_principal, paid_interest, is_settled, penalty_applied,
		       penalty_period, penalty_accrued_on
		FROM installment_lines
		WHERE contract_id = $1
		ORDER BY sequence
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	var lines []engine.InstallmentLine
	for rows.Next() {
		var (
			l       engine.InstallmentLine
			due     time.Time
			period  *string
			accrued *time.Time
		)
		err := rows.Scan(&l.Sequence, &due, &l.AmountPrincipal, &l.AmountInterest, &l.AmountTotal,
			&l.PaidAmount, &l.PaidPrincipal, &l.PaidInterest, &l.IsSettled, &l.PenaltyApplied,
			&period, &accrued)
		if err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		l.DueDate = engine.DateOf(due)
		l.PenaltyAccruedOn = dateOf(accrued)
		if period != nil {
			l.PenaltyPeriod = *period
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (q queries) SavePayment(ctx context.Context, p engine.PaymentRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (id, contract_id, amount, received_on, unapplied, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(p.ID), string(p.ContractID), p.Amount, p.ReceivedOn.Time(), p.Unapplied, p.PostedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.ErrDuplicatePayment
		}
		return fmt.Errorf("save payment %s: %w", p.ID, err)
	}

	for _, a := range p.Allocations {
		var lineSeq *int
		if a.LineSequence != 0 {
			lineSeq = &a.LineSequence
		}
		_, err := q.db.Exec(ctx, `
			INSERT INTO payment_allocations (payment_id, seq, target, line_sequence, amount)
			VALUES ($1, $2, $3, $4, $5)
		`, string(p.ID), a.Seq, string(a.Target), lineSeq, a.Amount)
		if err != nil {
			return fmt.Errorf("save allocation %d: %w", a.Seq, err)
		}
	}
	return nil
}

func (q queries) GetPayment(ctx context.Context, id engine.PaymentID) (engine.PaymentRecord, error) {
	payments, err := q.queryPayments(ctx, "WHERE id = $1", string(id))
	if err != nil {
		return engine.PaymentRecord{}, err
	}
	if len(payments) == 0 {
		return engine.PaymentRecord{}, engine.ErrPaymentNotFound
	}
	return payments[0], nil
}

func (q queries) ListPayments(ctx context.Context, id engine.ContractID) ([]engine.PaymentRecord, error) {
	return q.queryPayments(ctx, "WHERE contract_id = $1 ORDER BY posted_at, id", string(id))
}

func (q queries) queryPayments(ctx context.Context, clause string, args ...any) ([]engine.PaymentRecord, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, contract_id, amount, received_on, unapplied, posted_at FROM payments `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var payments []engine.PaymentRecord
	for rows.Next() {
		var (
			p              engine.PaymentRecord
			id, contractID string
			receivedOn     time.Time
		)
		if err := rows.Scan(&id, &contractID, &p.Amount, &receivedOn, &p.Unapplied, &p.PostedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.ID = engine.PaymentID(id)
		p.ContractID = engine.ContractID(contractID)
		p.ReceivedOn = engine.DateOf(receivedOn)
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

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
	rows, err := q.db.Query(ctx, `
		SELECT seq, target, line_sequence, amount
		FROM payment_allocations
		WHERE payment_id = $1
		ORDER BY seq
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var allocs []engine.PaymentAllocation
	for rows.Next() {
		var (
			a       = engine.PaymentAllocation{PaymentID: id}
			target  string
			lineSeq *int32
		)
		if err := rows.Scan(&a.Seq, &target, &lineSeq, &a.Amount); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.Target = engine.AllocationTarget(target)
		if lineSeq != nil {
			a.LineSequence = int(*lineSeq)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// =============================================================================
// PENALTY RULES AND ACCRUAL RUNS
// =============================================================================

func (q queries) SavePenaltyRule(ctx context.Context, r engine.PenaltyRule) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO penalty_rules (id, name, method, rate, fixed_amount, grace_period_days)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name              = EXCLUDED.name,
			method            = EXCLUDED.method,
			rate              = EXCLUDED.rate,
			fixed_amount      = EXCLUDED.fixed_amount,
			grace_period_days = EXCLUDED.grace_period_days
	`, string(r.ID), r.Name, string(r.Method), r.Rate, r.FixedAmount, r.GraceDays)
	if err != nil {
		return fmt.Errorf("save penalty rule %s: %w", r.ID, err)
	}
	return nil
}

const ruleColumns = `id, name, method, rate, fixed_amount, grace_period_days`

func scanRule(s scannable) (engine.PenaltyRule, error) {
	var (
		r          engine.PenaltyRule
		id, method string
	)
	if err := s.Scan(&id, &r.Name, &method, &r.Rate, &r.FixedAmount, &r.GraceDays); err != nil {
		return r, err
	}
	r.ID = engine.PenaltyRuleID(id)
	r.Method = engine.PenaltyMethod(method)
	return r, nil
}

func (q queries) GetPenaltyRule(ctx context.Context, id engine.PenaltyRuleID) (engine.PenaltyRule, error) {
	r, err := scanRule(q.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM penalty_rules WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, engine.ErrPenaltyRuleNotFound
	}
	if err != nil {
		return r, fmt.Errorf("get penalty rule %s: %w", id, err)
	}
	return r, nil
}

func (q queries) ListPenaltyRules(ctx context.Context) ([]engine.PenaltyRule, error) {
	rows, err := q.db.Query(ctx, `SELECT `+ruleColumns+` FROM penalty_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query penalty rules: %w", err)
	}
	defer rows.Close()

	var rules []engine.PenaltyRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan penalty rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (q queries) RecordAccrualRun(ctx context.Context, run engine.AccrualRun) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO accrual_runs (id, contract_id, run_date, accrued, charges, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, string(run.ContractID), run.RunDate.Time(), run.Accrued, run.Charges, run.RecordedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.ErrAccrualAlreadyRun
		}
		return fmt.Errorf("record accrual run: %w", err)
	}
	return nil
}

func (q queries) AccrualRunExists(ctx context.Context, id engine.ContractID, date engine.Date) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accrual_runs WHERE contract_id = $1 AND run_date = $2)`,
		string(id), date.Time(),
	).Scan(&exists)
	return exists, err
}

func (q queries) ListAccrualRuns(ctx context.Context, date engine.Date) ([]engine.AccrualRun, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, contract_id, accrued, charges, recorded_at
		FROM accrual_runs WHERE run_date = $1
		ORDER BY contract_id
	`, date.Time())
	if err != nil {
		return nil, fmt.Errorf("query accrual runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.AccrualRun
	for rows.Next() {
		run := engine.AccrualRun{RunDate: date}
		var contractID string
		if err := rows.Scan(&run.ID, &contractID, &run.Accrued, &run.Charges, &run.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan accrual run: %w", err)
		}
		run.ContractID = engine.ContractID(contractID)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (q queries) SaveSettlement(ctx context.Context, r engine.SettlementRecord) error {
	quote, err := json.Marshal(r.Quote)
	if err != nil {
		return fmt.Errorf("encode settlement quote: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO settlements (id, contract_id, quote, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, r.ID, string(r.ContractID), quote, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("save settlement: %w", err)
	}
	return nil
}

func (q queries) GetSettlement(ctx context.Context, id engine.ContractID) (engine.SettlementRecord, error) {
	var (
		r          engine.SettlementRecord
		contractID string
		quote      []byte
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, contract_id, quote, recorded_at
		FROM settlements WHERE contract_id = $1
		ORDER BY recorded_at DESC LIMIT 1
	`, string(id)).Scan(&r.ID, &contractID, &quote, &r.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, engine.ErrSettlementNotFound
	}
	if err != nil {
		return r, fmt.Errorf("get settlement: %w", err)
	}
	r.ContractID = engine.ContractID(contractID)
	if err := json.Unmarshal(quote, &r.Quote); err != nil {
		return r, fmt.Errorf("decode settlement quote: %w", err)
	}
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func dateArg(d engine.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.Time()
}

func dateOf(t *time.Time) engine.Date {
	if t == nil {
		return engine.Date{}
	}
	return engine.DateOf(*t)
}

func textArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports a unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var (
	_ engine.TxStore = (*Store)(nil)
	_ engine.Store   = queries{}
)
