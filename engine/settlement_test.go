package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hirepurchase-engine/engine"
)

// 40000 at 10% rule of 78 over 12 months, first four installments paid.
func settlementLines(t *testing.T) []engine.InstallmentLine {
	t.Helper()
	_, lines := mustSchedule(t, term("40000", "10", 12, engine.MethodRuleOf78))
	for i := 0; i < 4; i++ {
		lines[i] = paid(lines[i])
	}
	return lines
}

func settlementInput(lines []engine.InstallmentLine, method engine.InterestMethod) engine.SettlementInput {
	return engine.SettlementInput{
		Lines:            lines,
		SettlementDate:   lines[4].DueDate,
		Method:           method,
		RebateFeePercent: engine.DefaultRebateFeePercent,
		PenaltyBalance:   dec("100"),
		MiscFee:          dec("50"),
		Precision:        2,
	}
}

func TestSettlement_AddOnKeepsRebateFee(t *testing.T) {
	// GIVEN: lines 5..12 remain on the settlement date
	lines := settlementLines(t)

	// WHEN: Quoting with the default 20% rebate fee
	q := engine.CalculateSettlement(settlementInput(lines, engine.MethodRuleOf78))

	// THEN: outstanding principal and unearned interest cover lines 5..12
	totals := engine.SumLines(lines[4:])
	assert.True(t, totals.Principal.Equal(q.OutstandingPrincipal))
	assertDec(t, "1846.16", q.UnearnedInterest)
	// 20% of 1846.16 = 369.232
	assertDec(t, "369.23", q.RebateAmount)
	assertDec(t, "1476.93", q.InterestRebate)

	want := q.OutstandingPrincipal.Add(dec("369.23")).Add(dec("100")).Add(dec("50"))
	assertDec(t, want.String(), q.SettlementAmount)
	assert.Equal(t, []int{5, 6, 7, 8, 9, 10, 11, 12}, q.RemainingLines)
	assert.True(t, q.Arrears.IsZero())
}

func TestSettlement_AnnuityHasNoRebate(t *testing.T) {
	lines := settlementLines(t)

	q := engine.CalculateSettlement(settlementInput(lines, engine.MethodEffectiveAnnuity))

	assert.True(t, q.RebateAmount.IsZero())
	assert.True(t, q.InterestRebate.IsZero())
	want := q.OutstandingPrincipal.Add(dec("150"))
	assertDec(t, want.String(), q.SettlementAmount)
}

func TestSettlement_UnpaidPastLinesAreArrears(t *testing.T) {
	// GIVEN: line 4 was never paid
	lines := settlementLines(t)
	lines[3].PaidAmount = dec("1000")
	lines[3].IsSettled = false

	q := engine.CalculateSettlement(settlementInput(lines, engine.MethodFlat))

	assertDec(t, lines[3].AmountTotal.Sub(dec("1000")).String(), q.Arrears)
	assert.NotContains(t, q.RemainingLines, 4)
	assert.True(t, q.TotalPayable().Equal(q.SettlementAmount.Add(q.Arrears)))
}

func TestSettlement_IsPure(t *testing.T) {
	lines := settlementLines(t)
	in := settlementInput(lines, engine.MethodRuleOf78)

	assert.Equal(t, engine.CalculateSettlement(in), engine.CalculateSettlement(in))
}

func TestSettlement_ZeroRebatePercent(t *testing.T) {
	lines := settlementLines(t)
	in := settlementInput(lines, engine.MethodFlat)
	in.RebateFeePercent = dec("0")

	q := engine.CalculateSettlement(in)

	assert.True(t, q.RebateAmount.IsZero())
	assert.True(t, q.InterestRebate.Equal(q.UnearnedInterest))
}

func TestApplySettlement_ClosesRemainingLinesAndPenalty(t *testing.T) {
	lines := settlementLines(t)
	penalty := engine.PenaltyState{Accrued: dec("100"), Paid: dec("20")}
	in := settlementInput(lines, engine.MethodRuleOf78)
	in.PenaltyBalance = penalty.Balance()
	q := engine.CalculateSettlement(in)

	out, state := engine.ApplySettlement(q, lines, penalty)

	require.Len(t, out, 12)
	for _, l := range out {
		assert.True(t, l.IsSettled, "line %d", l.Sequence)
	}
	assert.True(t, state.Balance().IsZero())
	assertDec(t, "100", state.Paid)
	assert.False(t, lines[11].IsSettled, "input untouched")
}

func TestSettlement_FutureDateLeavesEverythingRemaining(t *testing.T) {
	_, lines := mustSchedule(t, term("12000", "10", 12, engine.MethodFlat))
	in := settlementInput(lines, engine.MethodFlat)
	in.SettlementDate = engine.NewDate(2025, time.January, 20)
	in.PenaltyBalance = dec("0")
	in.MiscFee = dec("0")

	q := engine.CalculateSettlement(in)

	assertDec(t, "12000", q.OutstandingPrincipal)
	assertDec(t, "1200", q.UnearnedInterest)
	assertDec(t, "240", q.RebateAmount)
	assertDec(t, "12240", q.SettlementAmount)
}
