/*
store.go - Persistence interface for contracts and their schedules

PURPOSE:
  Defines what the servicing layer needs from a database. The engine's
  computations never call a Store; contract.Service loads values, runs the
  pure functions and writes the results back inside WithTx.

ATOMICITY:
  A posted payment changes three things: line paid amounts, the contract's
  penalty state and the allocation records. All three are written in one
  WithTx call, so a failure leaves none of them behind.

IDEMPOTENCY:
  SavePayment rejects a payment id that already exists with
  ErrDuplicatePayment. RecordAccrualRun rejects a second run for the same
  contract and date with ErrAccrualAlreadyRun.

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, snapshot rollback
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package engine

import "context"

// ContractFilter narrows ListContracts. Zero values match everything.
type ContractFilter struct {
	Status          ContractStatus
	WithPenaltyRule bool
	AfterID         ContractID
	Limit           int
}

// Store persists contracts, schedules, payments and job bookkeeping.
type Store interface {
	SaveContract(ctx context.Context, c Contract) error
	GetContract(ctx context.Context, id ContractID) (Contract, error)
	// ListContracts returns contracts ordered by id.
	ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, error)

	// ReplaceLines drops every line of the contract and stores lines.
	ReplaceLines(ctx context.Context, id ContractID, lines []InstallmentLine) error
	// SaveLines updates the collection state of existing lines.
	SaveLines(ctx context.Context, id ContractID, lines []InstallmentLine) error
	// LoadLines returns the lines ordered by sequence.
	LoadLines(ctx context.Context, id ContractID) ([]InstallmentLine, error)

	SavePayment(ctx context.Context, p PaymentRecord) error
	GetPayment(ctx context.Context, id PaymentID) (PaymentRecord, error)
	ListPayments(ctx context.Context, contractID ContractID) ([]PaymentRecord, error)

	SavePenaltyRule(ctx context.Context, rule PenaltyRule) error
	GetPenaltyRule(ctx context.Context, id PenaltyRuleID) (PenaltyRule, error)
	ListPenaltyRules(ctx context.Context) ([]PenaltyRule, error)

	RecordAccrualRun(ctx context.Context, run AccrualRun) error
	AccrualRunExists(ctx context.Context, contractID ContractID, date Date) (bool, error)
	ListAccrualRuns(ctx context.Context, date Date) ([]AccrualRun, error)

	SaveSettlement(ctx context.Context, s SettlementRecord) error
	GetSettlement(ctx context.Context, contractID ContractID) (SettlementRecord, error)
}

// TxStore runs several Store calls atomically.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
