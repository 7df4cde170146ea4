/*
schedule.go - Installment schedule generation

PURPOSE:
  Lays out one InstallmentLine per month from a term and its sizing.

INTEREST SPREAD:
  flat:              total_interest / n on every line
  rule_of_78:        total_interest * (n-i+1) / (n(n+1)/2), front-loaded
  effective_annuity: outstanding principal * monthly rate

  Rule-of-78 interest is rounded on the running total, so the rounded
  lines never add up to more than total_interest. Flat keeps the same
  rounded figure on every line unless that would overdraw the final
  line; it then switches to the running-total rounding as well.
  A line never carries more interest than its installment, and an annuity
  line never repays more principal than is outstanding.

RECONCILIATION:
  Interest is rounded first and principal is the installment minus interest,
  so every line sums to its stated total. The final line takes whatever
  principal and interest remain, which makes the column sums exact.

ALL-OR-NOTHING:
  GenerateSchedule returns either a complete, conserving line set or a
  ConfigurationError. It never returns a partial schedule.
*/
package engine

import (
	"github.com/shopspring/decimal"
)

// InstallmentLine is one period of a schedule plus its collection state.
type InstallmentLine struct {
	Sequence        int             `json:"sequence"`
	DueDate         Date            `json:"due_date"`
	AmountPrincipal decimal.Decimal `json:"amount_principal"`
	AmountInterest  decimal.Decimal `json:"amount_interest"`
	AmountTotal     decimal.Decimal `json:"amount_total"`

	PaidAmount    decimal.Decimal `json:"paid_amount"`
	PaidPrincipal decimal.Decimal `json:"paid_principal"`
	PaidInterest  decimal.Decimal `json:"paid_interest"`
	IsSettled     bool            `json:"is_settled"`

	// Penalty markers. PenaltyApplied guards one-time penalties,
	// PenaltyPeriod (YYYY-MM) guards recurring monthly penalties and
	// PenaltyAccruedOn records the last daily accrual.
	PenaltyApplied   bool   `json:"penalty_applied"`
	PenaltyPeriod    string `json:"penalty_period,omitempty"`
	PenaltyAccruedOn Date   `json:"penalty_accrued_on"`
}

// Residual is what is still owed on the line.
func (l InstallmentLine) Residual() decimal.Decimal {
	return l.AmountTotal.Sub(l.PaidAmount)
}

// Open reports whether the line still expects money.
func (l InstallmentLine) Open() bool {
	return !l.IsSettled && l.Residual().IsPositive()
}

// Overdue reports whether the line is open and its due date is before today.
func (l InstallmentLine) Overdue(today Date) bool {
	return l.Open() && l.DueDate.Before(today)
}

// LineTotals sums the amount columns of a line set.
type LineTotals struct {
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Total     decimal.Decimal `json:"total"`
	Paid      decimal.Decimal `json:"paid"`
}

func SumLines(lines []InstallmentLine) LineTotals {
	var t LineTotals
	for _, l := range lines {
		t.Principal = t.Principal.Add(l.AmountPrincipal)
		t.Interest = t.Interest.Add(l.AmountInterest)
		t.Total = t.Total.Add(l.AmountTotal)
		t.Paid = t.Paid.Add(l.PaidAmount)
	}
	return t
}

// =============================================================================
// GENERATION
// =============================================================================

// GenerateSchedule builds the ordered line set for term using sizing.
// A zero FirstAmount falls back to LevelAmount.
func GenerateSchedule(term TermDefinition, sizing InstallmentSizing) ([]InstallmentLine, error) {
	if term.TermMonths <= 0 {
		return nil, configErr("term_months", "must be >= 1, got %d", term.TermMonths)
	}
	if !sizing.LevelAmount.IsPositive() {
		return nil, configErr("level_amount", "installment amount is missing or not positive")
	}
	if err := term.Validate(); err != nil {
		return nil, err
	}
	first := sizing.FirstAmount
	if first.IsZero() {
		first = sizing.LevelAmount
	}
	if first.IsNegative() {
		return nil, configErr("first_amount", "must not be negative, got %s", first)
	}

	n := term.TermMonths
	prec := term.Precision
	r := term.MonthlyRate()
	start := term.StartDate()
	zeroRate := term.AnnualRate.IsZero()
	addOn := term.Method.AddOn()
	outstanding := term.Principal

	var interestT, allocP, allocI decimal.Decimal
	if addOn && !zeroRate {
		interestT = term.AddOnInterest()
	}
	even := term.Method == MethodFlat && evenFlatFits(term, interestT, first, sizing.LevelAmount)

	lines := make([]InstallmentLine, 0, n)
	for i := 1; i <= n; i++ {
		amount := sizing.LevelAmount
		if i == 1 {
			amount = first
		}

		var interest decimal.Decimal
		switch {
		case zeroRate:
		case even:
			interest = prec.Round(interestT.Div(decimal.NewFromInt(int64(n))))
		case addOn:
			interest = prec.Round(addOnEarned(interestT, term.Method, n, i)).Sub(allocI)
			interest = minDecimal(interest, amount)
		default:
			interest = prec.Round(outstanding.Mul(r))
		}
		principal := amount.Sub(interest)
		if !addOn && !zeroRate && principal.GreaterThan(outstanding) {
			principal = outstanding
			interest = amount.Sub(principal)
		}

		if i == n {
			principal = term.Principal.Sub(allocP)
			if addOn {
				interest = interestT.Sub(allocI)
			} else if !zeroRate {
				interest = prec.Round(principal.Mul(r))
			}
			amount = principal.Add(interest)
			if principal.IsNegative() || interest.IsNegative() {
				return nil, configErr("level_amount",
					"installments exceed the financed amount (final line principal %s, interest %s)", principal, interest)
			}
		} else if principal.IsNegative() {
			return nil, configErr("level_amount",
				"installment %d of %s does not cover its interest %s", i, amount, interest)
		}

		allocP = allocP.Add(principal)
		allocI = allocI.Add(interest)
		outstanding = outstanding.Sub(principal)

		lines = append(lines, InstallmentLine{
			Sequence:        i,
			DueDate:         start.AddMonths(i - 1),
			AmountPrincipal: principal,
			AmountInterest:  interest,
			AmountTotal:     amount,
		})
	}
	return lines, nil
}

// addOnEarned is the add-on interest earned by the end of line i: i/n of it
// for flat, the rule-of-78 digits of lines 1..i over n(n+1)/2 otherwise.
func addOnEarned(interestT decimal.Decimal, method InterestMethod, n, i int) decimal.Decimal {
	digits, sum := i, n
	if method == MethodRuleOf78 {
		digits, sum = i*n-i*(i-1)/2, n*(n+1)/2
	}
	return interestT.Mul(decimal.NewFromInt(int64(digits))).Div(decimal.NewFromInt(int64(sum)))
}

// evenFlatFits reports whether equal rounded flat interest on every line
// leaves a non-negative final line.
func evenFlatFits(term TermDefinition, interestT, first, level decimal.Decimal) bool {
	n := term.TermMonths
	if n == 1 {
		return true
	}
	each := term.Precision.Round(interestT.Div(decimal.NewFromInt(int64(n))))
	before := decimal.NewFromInt(int64(n - 1))
	if interestT.Sub(each.Mul(before)).IsNegative() {
		return false
	}
	paid := first.Add(level.Mul(decimal.NewFromInt(int64(n - 2))))
	return !term.Principal.Sub(paid.Sub(each.Mul(before))).IsNegative()
}
