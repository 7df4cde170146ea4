/*
Package factory provides JSON to Go conversion for contracts and penalty rules.

PURPOSE:
  Converts JSON contract and penalty rule definitions into the engine's
  TermDefinition / PenaltyRule and the servicing layer's NewContract. Used by
  the HTTP API and by fixtures, so contract setup needs no code changes.

JSON SCHEMA (contract):
  {
    "id": "hp-2025-0001",
    "reference": "MOTO-4411",
    "customer": "cust-981",
    "cash_price": "15000",
    "down_payment": "3000",
    "annual_rate": "10",
    "term_months": 12,
    "interest_method": "flat",
    "payment_scheme": "arrears",
    "base_date": "2025-01-15",
    "first_due_date": "2025-02-01",
    "currency_decimal_places": 2,
    "first_installment_amount": "1200",
    "installment_amount": "1100",
    "penalty_rule_id": "daily-36",
    "misc_fee": "0",
    "activate": true
  }

  Amounts accept JSON strings or numbers. first_due_date and the two
  installment amounts are optional; without amounts the engine sizes the
  installments itself.

DEFAULTS:
  interest_method          flat
  payment_scheme           arrears
  currency_decimal_places  2

SEE ALSO:
  - engine/term.go: TermDefinition
  - engine/penalty.go: PenaltyRule
  - presets.go: ready-made definitions
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/hirepurchase-engine/contract"
	"github.com/warp/hirepurchase-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ContractJSON is the JSON representation of a new contract.
type ContractJSON struct {
	ID            string           `json:"id,omitempty"`
	Reference     string           `json:"reference,omitempty"`
	Customer      string           `json:"customer,omitempty"`
	CashPrice     decimal.Decimal  `json:"cash_price"`
	DownPayment   decimal.Decimal  `json:"down_payment"`
	AnnualRate    decimal.Decimal  `json:"annual_rate"`
	TermMonths    int              `json:"term_months"`
	Method        string           `json:"interest_method,omitempty"`
	Scheme        string           `json:"payment_scheme,omitempty"`
	BaseDate      string           `json:"base_date"`
	FirstDueDate  string           `json:"first_due_date,omitempty"`
	DecimalPlaces *int             `json:"currency_decimal_places,omitempty"`
	FirstAmount   *decimal.Decimal `json:"first_installment_amount,omitempty"`
	LevelAmount   *decimal.Decimal `json:"installment_amount,omitempty"`
	PenaltyRuleID string           `json:"penalty_rule_id,omitempty"`
	MiscFee       decimal.Decimal  `json:"misc_fee"`
	Activate      bool             `json:"activate,omitempty"`
}

// PenaltyRuleJSON is the JSON representation of a penalty rule.
type PenaltyRuleJSON struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Method      string          `json:"method"`
	Rate        decimal.Decimal `json:"rate"`
	FixedAmount decimal.Decimal `json:"fixed_amount"`
	GraceDays   int             `json:"grace_period_days"`
}

// TermChangeJSON is a partial update of a contract's generating inputs.
// Absent fields are left unchanged.
type TermChangeJSON struct {
	CashPrice    *decimal.Decimal `json:"cash_price,omitempty"`
	DownPayment  *decimal.Decimal `json:"down_payment,omitempty"`
	AnnualRate   *decimal.Decimal `json:"annual_rate,omitempty"`
	TermMonths   *int             `json:"term_months,omitempty"`
	Method       *string          `json:"interest_method,omitempty"`
	Scheme       *string          `json:"payment_scheme,omitempty"`
	FirstDueDate *string          `json:"first_due_date,omitempty"`
	FirstAmount  *decimal.Decimal `json:"first_installment_amount,omitempty"`
	LevelAmount  *decimal.Decimal `json:"installment_amount,omitempty"`
	ResetAmounts bool             `json:"reset_amounts,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseContract parses a JSON string into a NewContract.
func ParseContract(jsonStr string) (contract.NewContract, error) {
	var cj ContractJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return contract.NewContract{}, fmt.Errorf("failed to parse contract JSON: %w", err)
	}
	return cj.NewContract()
}

// Term converts the generating inputs. Principal is cash price minus down
// payment.
func (cj ContractJSON) Term() (engine.TermDefinition, error) {
	t := engine.TermDefinition{
		Principal:  cj.CashPrice.Sub(cj.DownPayment),
		AnnualRate: cj.AnnualRate,
		TermMonths: cj.TermMonths,
		Method:     engine.MethodFlat,
		Scheme:     engine.SchemeArrears,
		Precision:  engine.DefaultPrecision,
	}
	if cj.Method != "" {
		t.Method = engine.InterestMethod(cj.Method)
	}
	if cj.Scheme != "" {
		t.Scheme = engine.PaymentScheme(cj.Scheme)
	}
	if cj.DecimalPlaces != nil {
		t.Precision = engine.Precision(*cj.DecimalPlaces)
	}

	var err error
	if t.BaseDate, err = parseDateField("base_date", cj.BaseDate); err != nil {
		return t, err
	}
	if cj.FirstDueDate != "" {
		if t.FirstDueDate, err = parseDateField("first_due_date", cj.FirstDueDate); err != nil {
			return t, err
		}
	}
	return t, t.Validate()
}

// NewContract converts to the servicing layer's creation input.
func (cj ContractJSON) NewContract() (contract.NewContract, error) {
	term, err := cj.Term()
	if err != nil {
		return contract.NewContract{}, err
	}
	nc := contract.NewContract{
		ID:            engine.ContractID(cj.ID),
		Reference:     cj.Reference,
		Customer:      cj.Customer,
		CashPrice:     cj.CashPrice,
		DownPayment:   cj.DownPayment,
		Term:          term,
		PenaltyRuleID: engine.PenaltyRuleID(cj.PenaltyRuleID),
		MiscFee:       cj.MiscFee,
		Activate:      cj.Activate,
	}
	if cj.LevelAmount != nil || cj.FirstAmount != nil {
		if cj.LevelAmount == nil {
			return nc, &engine.ConfigurationError{Field: "installment_amount", Reason: "required when first_installment_amount is set"}
		}
		sizing := engine.InstallmentSizing{LevelAmount: *cj.LevelAmount, FirstAmount: *cj.LevelAmount}
		if cj.FirstAmount != nil {
			sizing.FirstAmount = *cj.FirstAmount
		}
		nc.Installments = &sizing
	}
	return nc, nil
}

// ParsePenaltyRule parses a JSON string into a validated PenaltyRule.
func ParsePenaltyRule(jsonStr string) (engine.PenaltyRule, error) {
	var pj PenaltyRuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return engine.PenaltyRule{}, fmt.Errorf("failed to parse penalty rule JSON: %w", err)
	}
	return pj.PenaltyRule()
}

func (pj PenaltyRuleJSON) PenaltyRule() (engine.PenaltyRule, error) {
	r := engine.PenaltyRule{
		ID:          engine.PenaltyRuleID(pj.ID),
		Name:        pj.Name,
		Method:      engine.PenaltyMethod(pj.Method),
		Rate:        pj.Rate,
		FixedAmount: pj.FixedAmount,
		GraceDays:   pj.GraceDays,
	}
	return r, r.Validate()
}

// TermChange converts the partial update for contract.Service.RegenerateSchedule.
func (tj TermChangeJSON) TermChange() (contract.TermChange, error) {
	ch := contract.TermChange{
		CashPrice:    tj.CashPrice,
		DownPayment:  tj.DownPayment,
		AnnualRate:   tj.AnnualRate,
		TermMonths:   tj.TermMonths,
		FirstAmount:  tj.FirstAmount,
		LevelAmount:  tj.LevelAmount,
		ResetAmounts: tj.ResetAmounts,
	}
	if tj.Method != nil {
		m := engine.InterestMethod(*tj.Method)
		ch.Method = &m
	}
	if tj.Scheme != nil {
		s := engine.PaymentScheme(*tj.Scheme)
		ch.Scheme = &s
	}
	if tj.FirstDueDate != nil {
		d, err := parseDateField("first_due_date", *tj.FirstDueDate)
		if err != nil {
			return ch, err
		}
		ch.FirstDueDate = &d
	}
	return ch, nil
}

// =============================================================================
// SERIALIZATION
// =============================================================================

// ContractToJSON renders a stored contract in the creation schema.
func ContractToJSON(c engine.Contract) ContractJSON {
	places := int(c.Term.Precision)
	cj := ContractJSON{
		ID:            string(c.ID),
		Reference:     c.Reference,
		Customer:      c.Customer,
		CashPrice:     c.CashPrice,
		DownPayment:   c.DownPayment,
		AnnualRate:    c.Term.AnnualRate,
		TermMonths:    c.Term.TermMonths,
		Method:        string(c.Term.Method),
		Scheme:        string(c.Term.Scheme),
		BaseDate:      c.Term.BaseDate.String(),
		DecimalPlaces: &places,
		PenaltyRuleID: string(c.PenaltyRuleID),
		MiscFee:       c.MiscFee,
		Activate:      c.Status == engine.StatusActive,
	}
	if !c.Term.FirstDueDate.IsZero() {
		cj.FirstDueDate = c.Term.FirstDueDate.String()
	}
	if c.ManualAmounts {
		first, level := c.Installments.FirstAmount, c.Installments.LevelAmount
		cj.FirstAmount = &first
		cj.LevelAmount = &level
	}
	return cj
}

func PenaltyRuleToJSON(r engine.PenaltyRule) PenaltyRuleJSON {
	return PenaltyRuleJSON{
		ID:          string(r.ID),
		Name:        r.Name,
		Method:      string(r.Method),
		Rate:        r.Rate,
		FixedAmount: r.FixedAmount,
		GraceDays:   r.GraceDays,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDateField(field, s string) (engine.Date, error) {
	if s == "" {
		return engine.Date{}, &engine.ConfigurationError{Field: field, Reason: "is required"}
	}
	d, err := engine.ParseDate(s)
	if err != nil {
		return engine.Date{}, &engine.ConfigurationError{Field: field, Reason: err.Error()}
	}
	return d, nil
}
