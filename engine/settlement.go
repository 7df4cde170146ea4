package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// SETTLEMENT - Early payoff quotation
// =============================================================================

// DefaultRebateFeePercent is the share of unearned interest kept on early settlement.
var DefaultRebateFeePercent = decimal.NewFromInt(20)

// SettlementInput is everything a quotation depends on.
type SettlementInput struct {
	Lines            []InstallmentLine
	SettlementDate   Date
	Method           InterestMethod
	RebateFeePercent decimal.Decimal
	PenaltyBalance   decimal.Decimal
	MiscFee          decimal.Decimal
	Precision        Precision
}

// SettlementQuote is the payoff figure as of SettlementDate.
//
// For add-on methods the lender keeps RebateAmount of the unearned interest
// and waives InterestRebate. Annuity contracts owe no unearned interest.
// Arrears (open lines already due) are reported but not part of the amount.
type SettlementQuote struct {
	SettlementDate       Date            `json:"settlement_date"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"`
	UnearnedInterest     decimal.Decimal `json:"unearned_interest"`
	RebateAmount         decimal.Decimal `json:"rebate_amount"`
	InterestRebate       decimal.Decimal `json:"interest_rebate"`
	PenaltyBalance       decimal.Decimal `json:"penalty_balance"`
	MiscFee              decimal.Decimal `json:"misc_fee"`
	SettlementAmount     decimal.Decimal `json:"settlement_amount"`
	Arrears              decimal.Decimal `json:"arrears"`
	RemainingLines       []int           `json:"remaining_lines"`
}

// TotalPayable is the settlement amount plus arrears.
func (q SettlementQuote) TotalPayable() decimal.Decimal {
	return q.SettlementAmount.Add(q.Arrears)
}

// CalculateSettlement quotes early payoff. It is a pure function of its input.
func CalculateSettlement(in SettlementInput) SettlementQuote {
	q := SettlementQuote{
		SettlementDate: in.SettlementDate,
		PenaltyBalance: in.PenaltyBalance,
		MiscFee:        in.MiscFee,
	}

	for _, line := range in.Lines {
		if !line.Open() {
			continue
		}
		if line.DueDate.Before(in.SettlementDate) {
			q.Arrears = q.Arrears.Add(line.Residual())
			continue
		}
		q.OutstandingPrincipal = q.OutstandingPrincipal.Add(line.AmountPrincipal)
		q.UnearnedInterest = q.UnearnedInterest.Add(line.AmountInterest)
		q.RemainingLines = append(q.RemainingLines, line.Sequence)
	}

	q.SettlementAmount = q.OutstandingPrincipal.Add(in.PenaltyBalance).Add(in.MiscFee)
	if in.Method.AddOn() {
		q.RebateAmount = in.Precision.Round(q.UnearnedInterest.Mul(in.RebateFeePercent).Div(hundred))
		q.InterestRebate = q.UnearnedInterest.Sub(q.RebateAmount)
		q.SettlementAmount = q.SettlementAmount.Add(q.RebateAmount)
	}
	return q
}

// ApplySettlement closes the remaining lines of a quote and clears the
// penalty balance. Lines due before the settlement date are untouched.
func ApplySettlement(q SettlementQuote, lines []InstallmentLine, penalty PenaltyState) ([]InstallmentLine, PenaltyState) {
	remaining := make(map[int]bool, len(q.RemainingLines))
	for _, seq := range q.RemainingLines {
		remaining[seq] = true
	}

	out := make([]InstallmentLine, len(lines))
	copy(out, lines)
	for i := range out {
		if remaining[out[i].Sequence] {
			out[i].IsSettled = true
		}
	}
	penalty.Paid = penalty.Paid.Add(penalty.Balance())
	return out, penalty
}
