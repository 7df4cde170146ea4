package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ContractID string
type PenaltyRuleID string
type PaymentID string

// =============================================================================
// INTEREST METHOD / PAYMENT SCHEME
// =============================================================================

// InterestMethod decides how total interest is computed and spread.
type InterestMethod string

const (
	// MethodFlat charges interest once on the original principal, spread evenly.
	MethodFlat InterestMethod = "flat"
	// MethodRuleOf78 charges flat interest, front-loaded by sum-of-digits weights.
	MethodRuleOf78 InterestMethod = "rule_of_78"
	// MethodEffectiveAnnuity charges interest on the declining balance.
	MethodEffectiveAnnuity InterestMethod = "effective_annuity"
)

func (m InterestMethod) Valid() bool {
	switch m {
	case MethodFlat, MethodRuleOf78, MethodEffectiveAnnuity:
		return true
	}
	return false
}

// AddOn reports whether interest is precomputed on the original principal.
func (m InterestMethod) AddOn() bool {
	return m == MethodFlat || m == MethodRuleOf78
}

// PaymentScheme decides whether the first installment falls on the base date.
type PaymentScheme string

const (
	SchemeArrears PaymentScheme = "arrears"
	SchemeAdvance PaymentScheme = "advance"
)

func (s PaymentScheme) Valid() bool {
	return s == SchemeArrears || s == SchemeAdvance
}

// =============================================================================
// TERM DEFINITION
// =============================================================================

// TermDefinition is the immutable description of a financing deal.
// BaseDate is the agreement date. FirstDueDate, when set, pins the first
// installment regardless of scheme.
type TermDefinition struct {
	Principal    decimal.Decimal `json:"principal"`
	AnnualRate   decimal.Decimal `json:"annual_rate"`
	TermMonths   int             `json:"term_months"`
	Method       InterestMethod  `json:"interest_method"`
	Scheme       PaymentScheme   `json:"payment_scheme"`
	BaseDate     Date            `json:"base_date"`
	FirstDueDate Date            `json:"first_due_date,omitempty"`
	Precision    Precision       `json:"currency_decimal_places"`
}

// Validate checks the term invariants.
func (t TermDefinition) Validate() error {
	if t.Principal.IsNegative() {
		return configErr("principal", "must be >= 0, got %s", t.Principal)
	}
	if t.TermMonths < 1 {
		return configErr("term_months", "must be >= 1, got %d", t.TermMonths)
	}
	if t.AnnualRate.IsNegative() || t.AnnualRate.GreaterThan(hundred) {
		return configErr("annual_rate", "must be within 0..100, got %s", t.AnnualRate)
	}
	if !t.Method.Valid() {
		return configErr("interest_method", "unknown method %q", t.Method)
	}
	if !t.Scheme.Valid() {
		return configErr("payment_scheme", "unknown scheme %q", t.Scheme)
	}
	if t.BaseDate.IsZero() && t.FirstDueDate.IsZero() {
		return configErr("base_date", "base date or first due date is required")
	}
	if !t.Precision.Valid() {
		return configErr("currency_decimal_places", "must be within 0..8, got %d", t.Precision)
	}
	return nil
}

// StartDate is the due date of installment 1.
func (t TermDefinition) StartDate() Date {
	if !t.FirstDueDate.IsZero() {
		return t.FirstDueDate
	}
	if t.Scheme == SchemeAdvance {
		return t.BaseDate
	}
	return t.BaseDate.AddMonths(1)
}

// MonthlyRate is annual_rate/100/12, unrounded.
func (t TermDefinition) MonthlyRate() decimal.Decimal {
	return t.AnnualRate.Div(hundred.Mul(twelve))
}

// AddOnInterest is principal x rate x years, rounded to the currency.
// Only meaningful for flat and rule-of-78 terms.
func (t TermDefinition) AddOnInterest() decimal.Decimal {
	n := decimal.NewFromInt(int64(t.TermMonths))
	return t.Precision.Round(t.Principal.Mul(t.AnnualRate).Mul(n).Div(hundred.Mul(twelve)))
}

func (t TermDefinition) String() string {
	return fmt.Sprintf("%s @ %s%% %s/%d months (%s)", t.Principal, t.AnnualRate, t.Method, t.TermMonths, t.Scheme)
}
