package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTRACT - Persisted state of one financing agreement
// =============================================================================

type ContractStatus string

const (
	StatusDraft       ContractStatus = "draft"
	StatusActive      ContractStatus = "active"
	StatusClosed      ContractStatus = "closed"
	StatusSettled     ContractStatus = "settled"
	StatusRepossessed ContractStatus = "repossessed"
)

func (s ContractStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusClosed, StatusSettled, StatusRepossessed:
		return true
	}
	return false
}

// Contract is the record the servicing layer loads and saves. Lines are
// stored separately and always replaced as a whole on regeneration.
type Contract struct {
	ID            ContractID        `json:"id"`
	Reference     string            `json:"reference"`
	Customer      string            `json:"customer"`
	Status        ContractStatus    `json:"status"`
	CashPrice     decimal.Decimal   `json:"cash_price"`
	DownPayment   decimal.Decimal   `json:"down_payment"`
	Term          TermDefinition    `json:"term"`
	Installments  InstallmentSizing `json:"installments"`
	ManualAmounts bool              `json:"manual_amounts"`
	PenaltyRuleID PenaltyRuleID     `json:"penalty_rule_id,omitempty"`
	Penalty       PenaltyState      `json:"penalty"`
	MiscFee       decimal.Decimal   `json:"misc_fee"`
	RepossessedOn Date              `json:"repossessed_on"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// LoanAmount is cash price minus down payment.
func (c Contract) LoanAmount() decimal.Decimal {
	return c.CashPrice.Sub(c.DownPayment)
}

// HasPenaltyRule reports whether penalty accrual applies.
func (c Contract) HasPenaltyRule() bool { return c.PenaltyRuleID != "" }

// PenaltyView projects the contract for AccruePenalties.
func (c Contract) PenaltyView(lines []InstallmentLine) ContractPenaltyView {
	return ContractPenaltyView{
		ContractID: c.ID,
		Active:     c.Status == StatusActive && c.HasPenaltyRule(),
		Penalty:    c.Penalty,
		Lines:      lines,
		Precision:  c.Term.Precision,
	}
}

// PaymentRecord is a posted payment with its allocations.
type PaymentRecord struct {
	ID          PaymentID           `json:"id"`
	ContractID  ContractID          `json:"contract_id"`
	Amount      decimal.Decimal     `json:"amount"`
	ReceivedOn  Date                `json:"received_on"`
	Unapplied   decimal.Decimal     `json:"unapplied"`
	Allocations []PaymentAllocation `json:"allocations"`
	PostedAt    time.Time           `json:"posted_at"`
}

// AccrualRun marks that a contract was accrued for a run date.
type AccrualRun struct {
	ID         string          `json:"id"`
	ContractID ContractID      `json:"contract_id"`
	RunDate    Date            `json:"run_date"`
	Accrued    decimal.Decimal `json:"accrued"`
	Charges    int             `json:"charges"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// SettlementRecord is an executed early settlement.
type SettlementRecord struct {
	ID         string          `json:"id"`
	ContractID ContractID      `json:"contract_id"`
	Quote      SettlementQuote `json:"quote"`
	RecordedAt time.Time       `json:"recorded_at"`
}
