package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hirepurchase-engine/engine"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var penaltyToday = engine.NewDate(2025, time.March, 20)

// Three lines as of March 20: 19 days late, 5 days late (inside grace), not yet due.
func penaltyLines() []engine.InstallmentLine {
	return []engine.InstallmentLine{
		line(1, engine.NewDate(2025, time.March, 1), "800", "200"),
		line(2, engine.NewDate(2025, time.March, 15), "800", "200"),
		line(3, engine.NewDate(2025, time.April, 1), "800", "200"),
	}
}

func view(id engine.ContractID, lines []engine.InstallmentLine) engine.ContractPenaltyView {
	return engine.ContractPenaltyView{ContractID: id, Active: true, Lines: lines, Precision: 2}
}

func ruleFor(rule engine.PenaltyRule) engine.RuleLookup {
	return func(engine.ContractID) (engine.PenaltyRule, error) { return rule, nil }
}

func dailyRule() engine.PenaltyRule {
	// 36.5% a year is exactly 0.1% a day
	return engine.PenaltyRule{ID: "daily", Method: engine.PenaltyDailyPercent, Rate: dec("36.5"), GraceDays: 7}
}

func fixedRule(method engine.PenaltyMethod, amount string) engine.PenaltyRule {
	return engine.PenaltyRule{ID: "fixed", Method: method, FixedAmount: dec(amount), GraceDays: 7}
}

func accrueOne(t *testing.T, v engine.ContractPenaltyView, rule engine.PenaltyRule, today engine.Date) engine.PenaltyUpdate {
	t.Helper()
	updates := engine.AccruePenalties([]engine.ContractPenaltyView{v}, ruleFor(rule), today)
	require.Len(t, updates, 1)
	require.NoError(t, updates[0].Err)
	return updates[0]
}

// =============================================================================
// DAILY PERCENT
// =============================================================================

func TestAccrue_DailyPercent_ChargesOverdueLinesPastGrace(t *testing.T) {
	// WHEN: Accruing on March 20
	u := accrueOne(t, view("c-1", penaltyLines()), dailyRule(), penaltyToday)

	// THEN: only line 1 is charged, 800 * 0.1%
	require.Len(t, u.Charges, 1)
	assert.Equal(t, 1, u.Charges[0].LineSequence)
	assert.Equal(t, 19, u.Charges[0].DaysLate)
	assertDec(t, "0.8", u.Accrued)
	assertDec(t, "0.8", u.Penalty.Accrued)
	assertDec(t, "0.8", u.Penalty.Balance())
	assert.True(t, u.Lines[0].PenaltyAccruedOn.Equal(penaltyToday))
	assert.True(t, u.Lines[1].PenaltyAccruedOn.IsZero())
}

func TestAccrue_DailyPercent_SecondRunSameDayAccruesAgain(t *testing.T) {
	// GIVEN: A contract already accrued today
	first := accrueOne(t, view("c-1", penaltyLines()), dailyRule(), penaltyToday)

	// WHEN: The engine is invoked again for the same day
	v := view("c-1", first.Lines)
	v.Penalty = first.Penalty
	second := accrueOne(t, v, dailyRule(), penaltyToday)

	// THEN: It accrues again; once-a-day is the caller's precondition
	assertDec(t, "1.6", second.Penalty.Accrued)
}

func TestAccrue_BalanceKeepsPaidPenalty(t *testing.T) {
	v := view("c-1", penaltyLines())
	v.Penalty = engine.PenaltyState{Accrued: dec("10"), Paid: dec("4")}

	u := accrueOne(t, v, dailyRule(), penaltyToday)

	assertDec(t, "10.8", u.Penalty.Accrued)
	assertDec(t, "4", u.Penalty.Paid)
	assertDec(t, "6.8", u.Penalty.Balance())
}

// =============================================================================
// FIXED ONE TIME
// =============================================================================

func TestAccrue_FixedOneTime_IsIdempotent(t *testing.T) {
	rule := fixedRule(engine.PenaltyFixedOneTime, "50")

	first := accrueOne(t, view("c-1", penaltyLines()), rule, penaltyToday)
	assertDec(t, "50", first.Penalty.Accrued)
	assert.True(t, first.Lines[0].PenaltyApplied)
	assert.False(t, first.Lines[1].PenaltyApplied)

	// WHEN: Running again with the flagged lines
	v := view("c-1", first.Lines)
	v.Penalty = first.Penalty
	second := accrueOne(t, v, rule, penaltyToday)

	// THEN: Nothing new is charged
	assertDec(t, "50", second.Penalty.Accrued)
	assert.False(t, second.Changed())
}

// =============================================================================
// FIXED RECURRING MONTHLY
// =============================================================================

func TestAccrue_FixedRecurringMonthly_OncePerLinePerMonth(t *testing.T) {
	rule := fixedRule(engine.PenaltyFixedRecurringMonthly, "25")

	march := accrueOne(t, view("c-1", penaltyLines()), rule, penaltyToday)
	assertDec(t, "25", march.Penalty.Accrued)
	assert.Equal(t, "2025-03", march.Lines[0].PenaltyPeriod)

	// Later in March: already charged this period
	v := view("c-1", march.Lines)
	v.Penalty = march.Penalty
	lateMarch := accrueOne(t, v, rule, engine.NewDate(2025, time.March, 28))
	assert.False(t, lateMarch.Changed())

	// April 2: line 1 charged again, line 2 now past grace, line 3 still inside it
	v = view("c-1", lateMarch.Lines)
	v.Penalty = lateMarch.Penalty
	april := accrueOne(t, v, rule, engine.NewDate(2025, time.April, 2))
	assertDec(t, "75", april.Penalty.Accrued)
	require.Len(t, april.Charges, 2)
	assert.Equal(t, "2025-04", april.Lines[0].PenaltyPeriod)
	assert.Equal(t, "2025-04", april.Lines[1].PenaltyPeriod)
	assert.Empty(t, april.Lines[2].PenaltyPeriod)
}

// =============================================================================
// LINE SELECTION
// =============================================================================

func TestAccrue_IgnoresSettledAndPaidLines(t *testing.T) {
	lines := penaltyLines()
	lines[0] = paid(lines[0])

	u := accrueOne(t, view("c-1", lines), fixedRule(engine.PenaltyFixedOneTime, "50"), penaltyToday)

	assert.Empty(t, u.Charges)
	assert.True(t, u.Penalty.Accrued.IsZero())
}

func TestAccrue_GraceBoundaryIsInclusive(t *testing.T) {
	// GIVEN: line 2 is exactly 7 days late on March 22
	u := accrueOne(t, view("c-1", penaltyLines()[1:2]), fixedRule(engine.PenaltyFixedOneTime, "50"),
		engine.NewDate(2025, time.March, 22))
	assert.Empty(t, u.Charges)

	u = accrueOne(t, view("c-1", penaltyLines()[1:2]), fixedRule(engine.PenaltyFixedOneTime, "50"),
		engine.NewDate(2025, time.March, 23))
	assert.Len(t, u.Charges, 1)
}

func TestAccrue_SkipsInactiveContracts(t *testing.T) {
	v := view("c-1", penaltyLines())
	v.Active = false

	updates := engine.AccruePenalties([]engine.ContractPenaltyView{v}, ruleFor(dailyRule()), penaltyToday)

	assert.Empty(t, updates)
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

func TestAccrue_OneFailingContractDoesNotStopTheBatch(t *testing.T) {
	// GIVEN: four contracts: unknown rule, corrupt state, a panicking lookup and a healthy one
	corrupt := view("c-corrupt", penaltyLines())
	corrupt.Penalty = engine.PenaltyState{Accrued: dec("1"), Paid: dec("5")}
	views := []engine.ContractPenaltyView{
		view("c-missing", penaltyLines()),
		corrupt,
		view("c-panic", penaltyLines()),
		view("c-ok", penaltyLines()),
	}
	lookup := func(id engine.ContractID) (engine.PenaltyRule, error) {
		switch id {
		case "c-missing":
			return engine.PenaltyRule{}, engine.ErrPenaltyRuleNotFound
		case "c-panic":
			panic("rule table unavailable")
		}
		return dailyRule(), nil
	}

	// WHEN: Accruing the batch
	updates := engine.AccruePenalties(views, lookup, penaltyToday)

	// THEN: each contract has its own outcome
	require.Len(t, updates, 4)
	for _, u := range updates[:3] {
		var cerr *engine.ContractError
		require.True(t, errors.As(u.Err, &cerr), "contract %s", u.ContractID)
		assert.Equal(t, u.ContractID, cerr.ContractID)
		assert.False(t, u.Changed())
	}
	assert.ErrorIs(t, updates[0].Err, engine.ErrPenaltyRuleNotFound)
	assert.Contains(t, updates[2].Err.Error(), "rule table unavailable")

	require.NoError(t, updates[3].Err)
	assertDec(t, "0.8", updates[3].Accrued)
}

func TestAccrue_InvalidRuleIsPerContractError(t *testing.T) {
	rule := engine.PenaltyRule{Method: "weekly"}

	updates := engine.AccruePenalties([]engine.ContractPenaltyView{view("c-1", penaltyLines())}, ruleFor(rule), penaltyToday)

	require.Len(t, updates, 1)
	assert.ErrorIs(t, updates[0].Err, engine.ErrConfiguration)
}

// =============================================================================
// BATCHING
// =============================================================================

func TestBatch(t *testing.T) {
	items := make([]int, 250)

	batches := engine.Batch(items, 100)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 100)
	assert.Len(t, batches[2], 50)

	assert.Len(t, engine.Batch(items, 0), 3, "non-positive size falls back to the default")
	assert.Empty(t, engine.Batch([]int{}, 10))
}
