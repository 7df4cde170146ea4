/*
waterfall.go - Payment waterfall allocation

PRIORITY:
  1. Outstanding penalty balance
  2. Open installment lines, oldest due date first (sequence breaks ties)
  3. Whatever is left is unapplied credit, reported and never allocated

LINE SPLIT:
  Each amount applied to a line is split in the line's own
  principal:interest ratio: interest is rounded and principal takes the
  residual cent, so equal payments get equal splits. Neither component is
  pushed past what the line still owes, and the payment that closes a
  line takes exactly the remaining principal and interest.

DETERMINISM:
  The same payment against the same state always yields the same
  allocation list. Inputs are never mutated; callers persist the result
  (lines, penalty state, allocations) in one transaction.
*/
package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// AllocationTarget is what a slice of a payment paid off.
type AllocationTarget string

const (
	TargetPenalty   AllocationTarget = "penalty"
	TargetPrincipal AllocationTarget = "principal"
	TargetInterest  AllocationTarget = "interest"
)

// Payment is an inbound amount received against a contract.
type Payment struct {
	ID         PaymentID       `json:"id"`
	Amount     decimal.Decimal `json:"amount"`
	ReceivedOn Date            `json:"received_on"`
}

// PaymentAllocation is one immutable slice of a posted payment.
// LineSequence is zero for penalty allocations.
type PaymentAllocation struct {
	PaymentID    PaymentID        `json:"payment_id"`
	Seq          int              `json:"seq"`
	Target       AllocationTarget `json:"target"`
	LineSequence int              `json:"line_sequence,omitempty"`
	Amount       decimal.Decimal  `json:"amount"`
}

// PenaltyState is the per-contract penalty account.
type PenaltyState struct {
	Accrued decimal.Decimal `json:"accrued_penalty"`
	Paid    decimal.Decimal `json:"total_penalty_paid"`
}

// Balance is accrued minus paid, never negative.
func (s PenaltyState) Balance() decimal.Decimal {
	return maxDecimal(s.Accrued.Sub(s.Paid), decimal.Zero)
}

// AllocationResult is the outcome of applying one payment.
type AllocationResult struct {
	PaymentID   PaymentID           `json:"payment_id"`
	Allocations []PaymentAllocation `json:"allocations"`
	Penalty     PenaltyState        `json:"penalty"`
	Lines       []InstallmentLine   `json:"lines"`
	// Unapplied is the overpayment left after every line was covered.
	Unapplied decimal.Decimal `json:"unapplied"`
}

func (r AllocationResult) Overpaid() bool { return r.Unapplied.IsPositive() }

// AllocatedTo sums allocations of one target, optionally for a single line.
func (r AllocationResult) AllocatedTo(target AllocationTarget, lineSeq int) decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Allocations {
		if a.Target == target && (lineSeq == 0 || a.LineSequence == lineSeq) {
			total = total.Add(a.Amount)
		}
	}
	return total
}

// AllocatePayment applies payment to the penalty balance and then to the
// open lines. The returned Lines hold every input line, updated where paid.
func AllocatePayment(payment Payment, penalty PenaltyState, lines []InstallmentLine, prec Precision) (AllocationResult, error) {
	if !payment.Amount.IsPositive() {
		return AllocationResult{}, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPayment, payment.Amount)
	}
	if !prec.Round(payment.Amount).Equal(payment.Amount) {
		return AllocationResult{}, fmt.Errorf("%w: amount %s has more than %d decimal places",
			ErrInvalidPayment, payment.Amount, prec)
	}

	out := make([]InstallmentLine, len(lines))
	copy(out, lines)
	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		la, lb := out[order[a]], out[order[b]]
		if !la.DueDate.Equal(lb.DueDate) {
			return la.DueDate.Before(lb.DueDate)
		}
		return la.Sequence < lb.Sequence
	})

	res := AllocationResult{PaymentID: payment.ID, Penalty: penalty}
	remaining := payment.Amount
	record := func(target AllocationTarget, lineSeq int, amount decimal.Decimal) {
		if !amount.IsPositive() {
			return
		}
		res.Allocations = append(res.Allocations, PaymentAllocation{
			PaymentID:    payment.ID,
			Seq:          len(res.Allocations) + 1,
			Target:       target,
			LineSequence: lineSeq,
			Amount:       amount,
		})
	}

	if bal := penalty.Balance(); bal.IsPositive() {
		pay := minDecimal(remaining, bal)
		res.Penalty.Paid = res.Penalty.Paid.Add(pay)
		remaining = remaining.Sub(pay)
		record(TargetPenalty, 0, pay)
	}

	for _, idx := range order {
		if !remaining.IsPositive() {
			break
		}
		line := &out[idx]
		if !line.Open() {
			continue
		}
		pay := minDecimal(remaining, line.Residual())
		principal, interest := splitLinePayment(*line, pay, prec)

		line.PaidAmount = line.PaidAmount.Add(pay)
		line.PaidPrincipal = line.PaidPrincipal.Add(principal)
		line.PaidInterest = line.PaidInterest.Add(interest)
		line.IsSettled = !line.Residual().IsPositive()
		remaining = remaining.Sub(pay)

		record(TargetPrincipal, line.Sequence, principal)
		record(TargetInterest, line.Sequence, interest)
	}

	res.Lines = out
	res.Unapplied = remaining
	return res, nil
}

// splitLinePayment divides pay in the line's principal:interest ratio.
// The payment that closes the line takes exactly the components still owed.
func splitLinePayment(line InstallmentLine, pay decimal.Decimal, prec Precision) (principal, interest decimal.Decimal) {
	owedInterest := maxDecimal(line.AmountInterest.Sub(line.PaidInterest), decimal.Zero)
	owedPrincipal := maxDecimal(line.AmountPrincipal.Sub(line.PaidPrincipal), decimal.Zero)

	switch {
	case line.PaidAmount.Add(pay).GreaterThanOrEqual(line.AmountTotal):
		interest = owedInterest
	case line.AmountTotal.IsPositive():
		interest = prec.Round(pay.Mul(line.AmountInterest).Div(line.AmountTotal))
	}

	interest = minDecimal(interest, owedInterest)
	interest = maxDecimal(interest, pay.Sub(owedPrincipal))
	interest = maxDecimal(interest, decimal.Zero)
	interest = minDecimal(interest, pay)
	return pay.Sub(interest), interest
}
