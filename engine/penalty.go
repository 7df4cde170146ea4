/*
penalty.go - Late-payment penalty accrual

PURPOSE:
  Scans the overdue lines of many contracts and charges penalties
  according to each contract's PenaltyRule.

METHODS:
  daily_percent            principal * rate/100/365 per overdue line per run.
                           Not idempotent: one run per contract per day is a
                           precondition the caller enforces (contract/ does,
                           through accrual run records).
  fixed_one_time           fixed amount once per line, guarded by
                           PenaltyApplied.
  fixed_recurring_monthly  fixed amount once per line per calendar month,
                           guarded by the PenaltyPeriod (YYYY-MM) marker.

FAILURE ISOLATION:
  AccruePenalties never fails as a whole. Each contract yields its own
  PenaltyUpdate; a failing contract (bad rule, corrupt state, panic) carries
  a *ContractError and the rest of the portfolio is processed normally.
*/
package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultBatchSize is the number of contracts committed per transaction.
const DefaultBatchSize = 100

// PenaltyMethod selects how a late line is charged.
type PenaltyMethod string

const (
	PenaltyDailyPercent          PenaltyMethod = "daily_percent"
	PenaltyFixedOneTime          PenaltyMethod = "fixed_one_time"
	PenaltyFixedRecurringMonthly PenaltyMethod = "fixed_recurring_monthly"
)

func (m PenaltyMethod) Valid() bool {
	switch m {
	case PenaltyDailyPercent, PenaltyFixedOneTime, PenaltyFixedRecurringMonthly:
		return true
	}
	return false
}

// PenaltyRule configures late charges. Rate is an annual percent and is
// only used by daily_percent; FixedAmount by the two fixed methods.
type PenaltyRule struct {
	ID          PenaltyRuleID   `json:"id"`
	Name        string          `json:"name"`
	Method      PenaltyMethod   `json:"method"`
	Rate        decimal.Decimal `json:"rate"`
	FixedAmount decimal.Decimal `json:"fixed_amount"`
	GraceDays   int             `json:"grace_period_days"`
}

func (r PenaltyRule) Validate() error {
	if !r.Method.Valid() {
		return configErr("penalty_method", "unknown method %q", r.Method)
	}
	if r.GraceDays < 0 {
		return configErr("grace_period_days", "must be >= 0, got %d", r.GraceDays)
	}
	switch r.Method {
	case PenaltyDailyPercent:
		if r.Rate.IsNegative() {
			return configErr("rate", "must be >= 0, got %s", r.Rate)
		}
	default:
		if r.FixedAmount.IsNegative() {
			return configErr("fixed_amount", "must be >= 0, got %s", r.FixedAmount)
		}
	}
	return nil
}

// ContractPenaltyView is the slice of contract state accrual needs.
type ContractPenaltyView struct {
	ContractID ContractID
	Active     bool
	Penalty    PenaltyState
	Lines      []InstallmentLine
	Precision  Precision
}

// PenaltyCharge is one line's share of a run.
type PenaltyCharge struct {
	LineSequence int             `json:"line_sequence"`
	DaysLate     int             `json:"days_late"`
	Amount       decimal.Decimal `json:"amount"`
}

// PenaltyUpdate is the per-contract outcome of a run. When Err is set the
// other fields are zero and nothing must be persisted for the contract.
type PenaltyUpdate struct {
	ContractID ContractID
	Accrued    decimal.Decimal
	Penalty    PenaltyState
	Lines      []InstallmentLine
	Charges    []PenaltyCharge
	Err        error
}

// Changed reports whether the update carries anything to persist.
func (u PenaltyUpdate) Changed() bool {
	return u.Err == nil && len(u.Charges) > 0
}

// RuleLookup resolves the penalty rule of a contract.
type RuleLookup func(ContractID) (PenaltyRule, error)

// AccruePenalties charges penalties for every active view as of today.
// Inactive views are skipped and produce no update.
func AccruePenalties(views []ContractPenaltyView, ruleOf RuleLookup, today Date) []PenaltyUpdate {
	updates := make([]PenaltyUpdate, 0, len(views))
	for _, v := range views {
		if !v.Active {
			continue
		}
		updates = append(updates, accrueContract(v, ruleOf, today))
	}
	return updates
}

func accrueContract(view ContractPenaltyView, ruleOf RuleLookup, today Date) (update PenaltyUpdate) {
	fail := func(op string, err error) PenaltyUpdate {
		return PenaltyUpdate{ContractID: view.ContractID, Err: &ContractError{ContractID: view.ContractID, Op: op, Err: err}}
	}
	defer func() {
		if r := recover(); r != nil {
			update = fail("accrue penalty", fmt.Errorf("panic: %v", r))
		}
	}()

	rule, err := ruleOf(view.ContractID)
	if err != nil {
		return fail("lookup penalty rule", err)
	}
	if err := rule.Validate(); err != nil {
		return fail("validate penalty rule", err)
	}
	if view.Penalty.Paid.GreaterThan(view.Penalty.Accrued) {
		return fail("check penalty state", fmt.Errorf("penalty paid %s exceeds accrued %s",
			view.Penalty.Paid, view.Penalty.Accrued))
	}

	prec := view.Precision
	dailyRate := rule.Rate.Div(hundred).Div(days365)
	period := today.Period()

	lines := make([]InstallmentLine, len(view.Lines))
	copy(lines, view.Lines)
	update = PenaltyUpdate{ContractID: view.ContractID, Penalty: view.Penalty, Lines: lines}

	for i := range lines {
		line := &lines[i]
		if !line.Overdue(today) {
			continue
		}
		daysLate := today.DaysSince(line.DueDate)
		if daysLate <= rule.GraceDays {
			continue
		}

		var charge decimal.Decimal
		switch rule.Method {
		case PenaltyDailyPercent:
			charge = prec.Round(line.AmountPrincipal.Mul(dailyRate))
			line.PenaltyAccruedOn = today
		case PenaltyFixedOneTime:
			if line.PenaltyApplied {
				continue
			}
			charge = rule.FixedAmount
			line.PenaltyApplied = true
		case PenaltyFixedRecurringMonthly:
			if line.PenaltyPeriod == period {
				continue
			}
			charge = rule.FixedAmount
			line.PenaltyPeriod = period
		}

		update.Accrued = update.Accrued.Add(charge)
		update.Charges = append(update.Charges, PenaltyCharge{
			LineSequence: line.Sequence,
			DaysLate:     daysLate,
			Amount:       charge,
		})
	}

	update.Penalty.Accrued = update.Penalty.Accrued.Add(update.Accrued)
	return update
}

// Batch splits items into consecutive chunks of at most size elements.
func Batch[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
