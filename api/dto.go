/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Engine types already
  carry JSON tags for lines, quotes and balances; DTOs wrap them where the
  API needs a different shape or extra fields.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Contract:
    ContractDTO, ContractDetailDTO, CreateContractResponse

  Payments:
    PostPaymentRequest, PaymentResultDTO

  Settlement and repossession:
    SettlementRequest, RepossessionRequest

  Penalties:
    PenaltyRunDTO

  Sizing:
    SizingPreviewDTO

VALIDATION:
  Validation is done by the factory and the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/terms.go: ContractJSON, PenaltyRuleJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hirepurchase-engine/contract"
	"github.com/warp/hirepurchase-engine/engine"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// ContractDTO represents a contract in list responses.
type ContractDTO struct {
	ID            string                   `json:"id"`
	Reference     string                   `json:"reference,omitempty"`
	Customer      string                   `json:"customer,omitempty"`
	Status        string                   `json:"status"`
	CashPrice     decimal.Decimal          `json:"cash_price"`
	DownPayment   decimal.Decimal          `json:"down_payment"`
	Principal     decimal.Decimal          `json:"principal"`
	Term          engine.TermDefinition    `json:"term"`
	Installments  engine.InstallmentSizing `json:"installments"`
	ManualAmounts bool                     `json:"manual_amounts"`
	PenaltyRuleID string                   `json:"penalty_rule_id,omitempty"`
	Penalty       engine.PenaltyState      `json:"penalty"`
	MiscFee       decimal.Decimal          `json:"misc_fee"`
	RepossessedOn string                   `json:"repossessed_on,omitempty"`
	CreatedAt     string                   `json:"created_at,omitempty"`
}

// ContractDetailDTO adds balances and delinquency as of a date.
type ContractDetailDTO struct {
	ContractDTO
	AsOf        string             `json:"as_of"`
	Balances    engine.Balances    `json:"balances"`
	Delinquency engine.Delinquency `json:"delinquency"`
}

// CreateContractResponse is returned by create and regenerate.
type CreateContractResponse struct {
	Contract ContractDTO              `json:"contract"`
	Schedule []engine.InstallmentLine `json:"schedule"`
}

func toContractDTO(c engine.Contract) ContractDTO {
	dto := ContractDTO{
		ID:            string(c.ID),
		Reference:     c.Reference,
		Customer:      c.Customer,
		Status:        string(c.Status),
		CashPrice:     c.CashPrice,
		DownPayment:   c.DownPayment,
		Principal:     c.LoanAmount(),
		Term:          c.Term,
		Installments:  c.Installments,
		ManualAmounts: c.ManualAmounts,
		PenaltyRuleID: string(c.PenaltyRuleID),
		Penalty:       c.Penalty,
		MiscFee:       c.MiscFee,
	}
	if !c.RepossessedOn.IsZero() {
		dto.RepossessedOn = c.RepossessedOn.String()
	}
	if !c.CreatedAt.IsZero() {
		dto.CreatedAt = c.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toDetailDTO(s contract.Summary, asOf engine.Date) ContractDetailDTO {
	return ContractDetailDTO{
		ContractDTO: toContractDTO(s.Contract),
		AsOf:        asOf.String(),
		Balances:    s.Balances,
		Delinquency: s.Delinquency,
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PostPaymentRequest is the body of POST /api/contracts/{id}/payments.
// ID and ReceivedOn are optional.
type PostPaymentRequest struct {
	ID         string          `json:"id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	ReceivedOn string          `json:"received_on,omitempty"`
}

// PaymentResultDTO is the outcome of a posted payment.
type PaymentResultDTO struct {
	PaymentID   string                     `json:"payment_id"`
	Allocations []engine.PaymentAllocation `json:"allocations"`
	Penalty     engine.PenaltyState        `json:"penalty"`
	Unapplied   decimal.Decimal            `json:"unapplied"`
	Overpaid    bool                       `json:"overpaid"`
	Schedule    []engine.InstallmentLine   `json:"schedule"`
}

func toPaymentResultDTO(r engine.AllocationResult) PaymentResultDTO {
	return PaymentResultDTO{
		PaymentID:   string(r.PaymentID),
		Allocations: r.Allocations,
		Penalty:     r.Penalty,
		Unapplied:   r.Unapplied,
		Overpaid:    r.Overpaid(),
		Schedule:    r.Lines,
	}
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// SettlementRequest is the body of POST /api/contracts/{id}/settlement.
type SettlementRequest struct {
	Date string `json:"date,omitempty"`
}

// RepossessionRequest is the body of POST /api/contracts/{id}/repossess.
type RepossessionRequest struct {
	Date string `json:"date,omitempty"`
}

// SettlementQuoteDTO adds the total a customer must bring, arrears included.
type SettlementQuoteDTO struct {
	engine.SettlementQuote
	ContractID   string          `json:"contract_id"`
	TotalPayable decimal.Decimal `json:"total_payable"`
}

// =============================================================================
// PENALTIES
// =============================================================================

// PenaltyRunDTO reports a penalty accrual run.
type PenaltyRunDTO struct {
	RunDate      string          `json:"run_date"`
	Processed    int             `json:"processed"`
	Skipped      int             `json:"skipped"`
	Charged      int             `json:"charged"`
	Failed       []FailureDTO    `json:"failed"`
	TotalAccrued decimal.Decimal `json:"total_accrued"`
	DurationMS   int64           `json:"duration_ms"`
}

// FailureDTO is one contract the run could not process.
type FailureDTO struct {
	ContractID string `json:"contract_id"`
	Op         string `json:"op"`
	Error      string `json:"error"`
}

func toPenaltyRunDTO(r contract.AccrualReport) PenaltyRunDTO {
	dto := PenaltyRunDTO{
		RunDate:      r.RunDate.String(),
		Processed:    r.Processed,
		Skipped:      r.Skipped,
		Charged:      r.Charged,
		Failed:       make([]FailureDTO, 0, len(r.Failed)),
		TotalAccrued: r.TotalAccrued,
		DurationMS:   r.Duration.Milliseconds(),
	}
	for _, f := range r.Failed {
		dto.Failed = append(dto.Failed, FailureDTO{
			ContractID: string(f.ContractID),
			Op:         f.Op,
			Error:      f.Err.Error(),
		})
	}
	return dto
}

// =============================================================================
// SIZING
// =============================================================================

// SizingPreviewDTO is a computed schedule that was not stored.
type SizingPreviewDTO struct {
	Term         engine.TermDefinition    `json:"term"`
	Installments engine.InstallmentSizing `json:"installments"`
	Totals       engine.LineTotals        `json:"totals"`
	Schedule     []engine.InstallmentLine `json:"schedule"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
