package factory

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/warp/hirepurchase-engine/engine"
)

// Preset penalty rules. Rates are annual percents.

// DailyPenaltyJSON charges rate percent a year on each overdue line's unpaid
// principal, counted per day late.
func DailyPenaltyJSON(id string, rate string, graceDays int) string {
	return mustJSON(PenaltyRuleJSON{
		ID:        id,
		Name:      "Daily " + rate + "%",
		Method:    string(engine.PenaltyDailyPercent),
		Rate:      decimal.RequireFromString(rate),
		GraceDays: graceDays,
	})
}

// LateFeeJSON charges a single fixed fee per overdue line.
func LateFeeJSON(id string, fee string, graceDays int) string {
	return mustJSON(PenaltyRuleJSON{
		ID:          id,
		Name:        "Late fee " + fee,
		Method:      string(engine.PenaltyFixedOneTime),
		FixedAmount: decimal.RequireFromString(fee),
		GraceDays:   graceDays,
	})
}

// MonthlyLateFeeJSON charges a fixed fee for every started month a line is overdue.
func MonthlyLateFeeJSON(id string, fee string) string {
	return mustJSON(PenaltyRuleJSON{
		ID:          id,
		Name:        "Monthly late fee " + fee,
		Method:      string(engine.PenaltyFixedRecurringMonthly),
		FixedAmount: decimal.RequireFromString(fee),
	})
}

// FlatContractJSON is a flat-rate contract paid in arrears.
func FlatContractJSON(id, cashPrice, downPayment, rate string, months int, baseDate string) string {
	return mustJSON(ContractJSON{
		ID:          id,
		CashPrice:   decimal.RequireFromString(cashPrice),
		DownPayment: decimal.RequireFromString(downPayment),
		AnnualRate:  decimal.RequireFromString(rate),
		TermMonths:  months,
		Method:      string(engine.MethodFlat),
		Scheme:      string(engine.SchemeArrears),
		BaseDate:    baseDate,
		Activate:    true,
	})
}

// AnnuityContractJSON is an effective-rate contract with level installments.
func AnnuityContractJSON(id, cashPrice, downPayment, rate string, months int, baseDate string) string {
	return mustJSON(ContractJSON{
		ID:          id,
		CashPrice:   decimal.RequireFromString(cashPrice),
		DownPayment: decimal.RequireFromString(downPayment),
		AnnualRate:  decimal.RequireFromString(rate),
		TermMonths:  months,
		Method:      string(engine.MethodEffectiveAnnuity),
		Scheme:      string(engine.SchemeArrears),
		BaseDate:    baseDate,
		Activate:    true,
	})
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return string(b)
}
