package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hirepurchase-engine/engine"
)

var (
	jan1 = engine.NewDate(2025, time.January, 1)
	feb1 = engine.NewDate(2025, time.February, 1)
	mar1 = engine.NewDate(2025, time.March, 1)
)

func payment(amount string) engine.Payment {
	return engine.Payment{ID: "pay-1", Amount: dec(amount), ReceivedOn: feb1}
}

func penaltyOf(accrued string) engine.PenaltyState {
	return engine.PenaltyState{Accrued: dec(accrued)}
}

// =============================================================================
// PRIORITY
// =============================================================================

func TestAllocate_PenaltyFirstThenLineRatio(t *testing.T) {
	// GIVEN: 300 penalty outstanding and one 1000 line (800 principal / 200 interest)
	lines := []engine.InstallmentLine{line(1, jan1, "800", "200")}

	// WHEN: 500 is received
	res, err := engine.AllocatePayment(payment("500"), penaltyOf("300"), lines, 2)
	require.NoError(t, err)

	// THEN: 300 clears the penalty, the remaining 200 splits 80/20
	require.Len(t, res.Allocations, 3)
	assert.Equal(t, engine.TargetPenalty, res.Allocations[0].Target)
	assertDec(t, "300", res.Allocations[0].Amount)
	assert.Equal(t, engine.TargetPrincipal, res.Allocations[1].Target)
	assertDec(t, "160", res.Allocations[1].Amount)
	assert.Equal(t, engine.TargetInterest, res.Allocations[2].Target)
	assertDec(t, "40", res.Allocations[2].Amount)

	assertDec(t, "300", res.Penalty.Paid)
	assertDec(t, "0", res.Penalty.Balance())
	assertDec(t, "200", res.Lines[0].PaidAmount)
	assert.False(t, res.Lines[0].IsSettled)
	assert.False(t, res.Overpaid())
}

func TestAllocate_PaymentBelowPenaltyTouchesNoLine(t *testing.T) {
	lines := []engine.InstallmentLine{line(1, jan1, "800", "200")}

	res, err := engine.AllocatePayment(payment("200"), penaltyOf("300"), lines, 2)
	require.NoError(t, err)

	require.Len(t, res.Allocations, 1)
	assert.Equal(t, engine.TargetPenalty, res.Allocations[0].Target)
	assertDec(t, "100", res.Penalty.Balance())
	assert.True(t, res.Lines[0].PaidAmount.IsZero())
}

func TestAllocate_OldestDueDateFirst(t *testing.T) {
	// GIVEN: lines passed newest first
	lines := []engine.InstallmentLine{
		line(2, feb1, "850", "150"),
		line(1, jan1, "800", "200"),
	}

	res, err := engine.AllocatePayment(payment("1300"), engine.PenaltyState{}, lines, 2)
	require.NoError(t, err)

	// THEN: January is closed, February gets the remaining 300 (255 / 45)
	assertDec(t, "800", res.AllocatedTo(engine.TargetPrincipal, 1))
	assertDec(t, "200", res.AllocatedTo(engine.TargetInterest, 1))
	assertDec(t, "255", res.AllocatedTo(engine.TargetPrincipal, 2))
	assertDec(t, "45", res.AllocatedTo(engine.TargetInterest, 2))

	// Lines come back in input order
	assert.Equal(t, 2, res.Lines[0].Sequence)
	assert.False(t, res.Lines[0].IsSettled)
	assert.True(t, res.Lines[1].IsSettled)
	assert.Equal(t, 1, res.Allocations[0].LineSequence)
}

func TestAllocate_OverpaymentLeftUnapplied(t *testing.T) {
	lines := []engine.InstallmentLine{
		line(1, jan1, "800", "200"),
		line(2, feb1, "850", "150"),
	}

	res, err := engine.AllocatePayment(payment("2500"), engine.PenaltyState{}, lines, 2)
	require.NoError(t, err)

	assert.True(t, res.Overpaid())
	assertDec(t, "500", res.Unapplied)
	total := decimal.Zero
	for _, a := range res.Allocations {
		total = total.Add(a.Amount)
	}
	assertDec(t, "2000", total)
	for _, l := range res.Lines {
		assert.True(t, l.IsSettled)
		assertDec(t, l.AmountTotal.String(), l.PaidAmount)
	}
}

func TestAllocate_SkipsSettledLines(t *testing.T) {
	lines := []engine.InstallmentLine{
		paid(line(1, jan1, "800", "200")),
		line(2, feb1, "850", "150"),
	}

	res, err := engine.AllocatePayment(payment("100"), engine.PenaltyState{}, lines, 2)
	require.NoError(t, err)

	for _, a := range res.Allocations {
		assert.Equal(t, 2, a.LineSequence)
	}
	assertDec(t, "1000", res.Lines[0].PaidAmount)
}

// =============================================================================
// SPLIT PRECISION
// =============================================================================

func TestAllocate_RepeatedPartialPaymentsLandExactly(t *testing.T) {
	// GIVEN: one line paid in thirds and a final cent
	lines := []engine.InstallmentLine{line(1, jan1, "800", "200")}
	state := engine.PenaltyState{}

	for i, amount := range []string{"333.33", "333.33", "333.33", "0.01"} {
		p := engine.Payment{ID: engine.PaymentID("p" + string(rune('1'+i))), Amount: dec(amount)}
		res, err := engine.AllocatePayment(p, state, lines, 2)
		require.NoError(t, err)

		before := lines[0].PaidAmount
		lines, state = res.Lines, res.Penalty

		// Principal and interest applied always equal the amount applied
		applied := res.AllocatedTo(engine.TargetPrincipal, 1).Add(res.AllocatedTo(engine.TargetInterest, 1))
		assertDec(t, lines[0].PaidAmount.Sub(before).String(), applied)
	}

	// THEN: components never overshoot and close exactly
	assertDec(t, "800", lines[0].PaidPrincipal)
	assertDec(t, "200", lines[0].PaidInterest)
	assert.True(t, lines[0].IsSettled)
}

func TestAllocate_EqualPartialPaymentsSplitEqually(t *testing.T) {
	// GIVEN: one 1000 line (800 principal / 200 interest)
	lines := []engine.InstallmentLine{line(1, jan1, "800", "200")}
	state := engine.PenaltyState{}

	// WHEN: 333.33 is paid twice
	// THEN: each payment splits 266.66 / 66.67 in the line's ratio
	for _, id := range []engine.PaymentID{"p1", "p2"} {
		res, err := engine.AllocatePayment(engine.Payment{ID: id, Amount: dec("333.33")}, state, lines, 2)
		require.NoError(t, err)
		assertDec(t, "266.66", res.AllocatedTo(engine.TargetPrincipal, 1), "payment %s", id)
		assertDec(t, "66.67", res.AllocatedTo(engine.TargetInterest, 1), "payment %s", id)
		lines, state = res.Lines, res.Penalty
	}

	// AND: the closing payment takes exactly what is still owed
	res, err := engine.AllocatePayment(engine.Payment{ID: "p3", Amount: dec("333.34")}, state, lines, 2)
	require.NoError(t, err)
	assertDec(t, "266.68", res.AllocatedTo(engine.TargetPrincipal, 1))
	assertDec(t, "66.66", res.AllocatedTo(engine.TargetInterest, 1))
	assert.True(t, res.Lines[0].IsSettled)
}

func TestAllocate_ZeroInterestLineRecordsOnlyPrincipal(t *testing.T) {
	lines := []engine.InstallmentLine{line(1, jan1, "250", "0")}

	res, err := engine.AllocatePayment(payment("100"), engine.PenaltyState{}, lines, 2)
	require.NoError(t, err)

	require.Len(t, res.Allocations, 1)
	assert.Equal(t, engine.TargetPrincipal, res.Allocations[0].Target)
}

// =============================================================================
// DETERMINISM AND VALIDATION
// =============================================================================

func TestAllocate_DeterministicAndDoesNotMutateInput(t *testing.T) {
	lines := []engine.InstallmentLine{
		line(1, jan1, "800", "200"),
		line(2, feb1, "850", "150"),
		line(3, mar1, "900", "100"),
	}
	snapshot := append([]engine.InstallmentLine(nil), lines...)

	first, err := engine.AllocatePayment(payment("1777.77"), penaltyOf("12.34"), lines, 2)
	require.NoError(t, err)
	second, err := engine.AllocatePayment(payment("1777.77"), penaltyOf("12.34"), lines, 2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, lines)
	for i, a := range first.Allocations {
		assert.Equal(t, i+1, a.Seq)
		assert.Equal(t, engine.PaymentID("pay-1"), a.PaymentID)
	}
}

func TestAllocate_RejectsInvalidAmounts(t *testing.T) {
	lines := []engine.InstallmentLine{line(1, jan1, "800", "200")}

	for _, amount := range []string{"0", "-5", "10.005"} {
		t.Run(amount, func(t *testing.T) {
			_, err := engine.AllocatePayment(payment(amount), engine.PenaltyState{}, lines, 2)
			assert.ErrorIs(t, err, engine.ErrInvalidPayment)
		})
	}
}
