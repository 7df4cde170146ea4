package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// INSTALLMENT SIZING
// =============================================================================

// InstallmentSizing carries the installment amounts a schedule is built from.
// FirstAmount and LevelAmount may be overridden manually before generation;
// the final line always absorbs the residual, so LastAmount is informational.
type InstallmentSizing struct {
	FirstAmount   decimal.Decimal `json:"first_amount"`
	LevelAmount   decimal.Decimal `json:"level_amount"`
	LastAmount    decimal.Decimal `json:"last_amount"`
	TotalInterest decimal.Decimal `json:"total_interest"`
}

// powPlaces bounds intermediate digits of compound growth factors.
const powPlaces = 24

// SizeInstallments computes the default installment amounts for a term.
// The level amount is rounded down to the currency unit.
func SizeInstallments(term TermDefinition) (InstallmentSizing, error) {
	if err := term.Validate(); err != nil {
		return InstallmentSizing{}, err
	}

	n := decimal.NewFromInt(int64(term.TermMonths))
	var level, totalInterest decimal.Decimal

	switch {
	case term.AnnualRate.IsZero():
		level = term.Principal.Div(n)
	case term.Method.AddOn():
		totalInterest = term.AddOnInterest()
		level = term.Principal.Add(totalInterest).Div(n)
	default:
		level = annuityPayment(term.Principal, term.MonthlyRate(), term.TermMonths)
	}

	level = term.Precision.Floor(level)
	sizing := InstallmentSizing{
		FirstAmount:   level,
		LevelAmount:   level,
		LastAmount:    level,
		TotalInterest: totalInterest,
	}
	if !level.IsPositive() {
		return sizing, nil
	}

	// The final line and declining-balance interest are only known once the
	// schedule is laid out.
	lines, err := GenerateSchedule(term, sizing)
	if err != nil {
		return InstallmentSizing{}, err
	}
	totals := SumLines(lines)
	sizing.LastAmount = lines[len(lines)-1].AmountTotal
	sizing.TotalInterest = totals.Interest
	return sizing, nil
}

// annuityPayment is P*r*(1+r)^n / ((1+r)^n - 1), falling back to P/n when
// the denominator vanishes.
func annuityPayment(principal, r decimal.Decimal, n int) decimal.Decimal {
	growth := powInt(decimal.NewFromInt(1).Add(r), n)
	denom := growth.Sub(decimal.NewFromInt(1))
	if denom.IsZero() {
		return principal.Div(decimal.NewFromInt(int64(n)))
	}
	return principal.Mul(r).Mul(growth).Div(denom)
}

func powInt(base decimal.Decimal, n int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Truncate(powPlaces)
		}
		base = base.Mul(base).Truncate(powPlaces)
		n >>= 1
	}
	return result
}
