package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hirepurchase-engine/engine"
)

// =============================================================================
// SIZING
// =============================================================================

func TestSizeInstallments_AddOnFloorsLevelAndLastAbsorbsResidual(t *testing.T) {
	// GIVEN: 40000 at 10% flat-style interest over 12 months
	tm := term("40000", "10", 12, engine.MethodRuleOf78)

	// WHEN: Sizing
	sizing, err := engine.SizeInstallments(tm)
	require.NoError(t, err)

	// THEN: (40000 + 4000) / 12 = 3666.666.. floors to 3666.66
	assertDec(t, "4000", sizing.TotalInterest)
	assertDec(t, "3666.66", sizing.LevelAmount)
	assertDec(t, "3666.66", sizing.FirstAmount)
	// 44000 - 11 * 3666.66
	assertDec(t, "3666.74", sizing.LastAmount)
}

func TestSizeInstallments_Annuity(t *testing.T) {
	// GIVEN: 10000 at 12% (1% a month) over 12 months
	tm := term("10000", "12", 12, engine.MethodEffectiveAnnuity)

	sizing, err := engine.SizeInstallments(tm)
	require.NoError(t, err)

	// THEN: the annuity payment 888.4879 is floored
	assertDec(t, "888.48", sizing.LevelAmount)
	assert.True(t, sizing.LastAmount.GreaterThanOrEqual(sizing.LevelAmount),
		"flooring leaves the residual on the last installment")
	assert.True(t, sizing.TotalInterest.GreaterThan(dec("661")) && sizing.TotalInterest.LessThan(dec("662")),
		"total interest %s", sizing.TotalInterest)
}

func TestSizeInstallments_ZeroRate(t *testing.T) {
	for _, method := range []engine.InterestMethod{engine.MethodFlat, engine.MethodRuleOf78, engine.MethodEffectiveAnnuity} {
		t.Run(string(method), func(t *testing.T) {
			sizing, err := engine.SizeInstallments(term("1000", "0", 3, method))
			require.NoError(t, err)

			assertDec(t, "333.33", sizing.LevelAmount)
			assertDec(t, "333.34", sizing.LastAmount)
			assertDec(t, "0", sizing.TotalInterest)
		})
	}
}

func TestSizeInstallments_InvalidTerm(t *testing.T) {
	tests := []struct {
		name  string
		tm    func() engine.TermDefinition
		field string
	}{
		{"zero months", func() engine.TermDefinition { return term("1000", "5", 0, engine.MethodFlat) }, "term_months"},
		{"negative principal", func() engine.TermDefinition { return term("-1", "5", 12, engine.MethodFlat) }, "principal"},
		{"rate above 100", func() engine.TermDefinition { return term("1000", "100.5", 12, engine.MethodFlat) }, "annual_rate"},
		{"unknown method", func() engine.TermDefinition { return term("1000", "5", 12, "simple") }, "interest_method"},
		{"no dates", func() engine.TermDefinition {
			tm := term("1000", "5", 12, engine.MethodFlat)
			tm.BaseDate = engine.Date{}
			return tm
		}, "base_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.SizeInstallments(tt.tm())

			require.Error(t, err)
			assert.True(t, errors.Is(err, engine.ErrConfiguration))
			var cfgErr *engine.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

// =============================================================================
// SCHEDULE - CONCRETE SCENARIOS
// =============================================================================

func TestSchedule_RuleOf78_FrontLoadsInterest(t *testing.T) {
	// GIVEN: 40000 at 10%, 12 months, rule of 78 (sum of digits 78)
	tm := term("40000", "10", 12, engine.MethodRuleOf78)

	// WHEN: Generating the schedule
	_, lines := mustSchedule(t, tm)

	// THEN: line 1 carries 12/78 of 4000, line 12 about 1/78
	assertDec(t, "615.38", lines[0].AmountInterest)
	assertDec(t, "3051.28", lines[0].AmountPrincipal)
	assert.InDelta(t, 51.28, lines[11].AmountInterest.InexactFloat64(), 0.02)
	assert.True(t, lines[0].AmountInterest.GreaterThan(lines[11].AmountInterest))

	for i := 1; i < len(lines); i++ {
		assert.True(t, lines[i-1].AmountInterest.GreaterThanOrEqual(lines[i].AmountInterest),
			"interest must not grow: line %d", i+1)
	}

	totals := engine.SumLines(lines)
	assertDec(t, "4000", totals.Interest)
	assertDec(t, "40000", totals.Principal)
	assertDec(t, "44000", totals.Total)
}

func TestSchedule_Flat_EqualInterestExceptLast(t *testing.T) {
	// GIVEN: 10000 at 7% over 7 months: total interest 408.33
	tm := term("10000", "7", 7, engine.MethodFlat)

	_, lines := mustSchedule(t, tm)

	for _, l := range lines[:6] {
		assertDec(t, "58.33", l.AmountInterest, "line %d", l.Sequence)
	}
	// 408.33 - 6 * 58.33
	assertDec(t, "58.35", lines[6].AmountInterest)
	assertDec(t, "408.33", engine.SumLines(lines).Interest)
}

func TestSchedule_Annuity_InterestOnDecliningBalance(t *testing.T) {
	tm := term("10000", "12", 12, engine.MethodEffectiveAnnuity)

	_, lines := mustSchedule(t, tm)

	// 1% of the full principal, then of the reduced balance
	assertDec(t, "100", lines[0].AmountInterest)
	assertDec(t, "788.48", lines[0].AmountPrincipal)
	// (10000 - 788.48) * 1% = 92.1152
	assertDec(t, "92.12", lines[1].AmountInterest)
	assert.True(t, lines[11].AmountInterest.LessThan(lines[0].AmountInterest))
}

// =============================================================================
// SCHEDULE - INVARIANTS
// =============================================================================

func TestSchedule_ConservationAcrossMethods(t *testing.T) {
	methods := []engine.InterestMethod{engine.MethodFlat, engine.MethodRuleOf78, engine.MethodEffectiveAnnuity}
	cases := []struct {
		principal string
		rate      string
		months    int
	}{
		{"10000", "7", 7},
		{"25999.99", "13.5", 24},
		{"123456.78", "9.99", 60},
		{"500", "100", 1},
		{"3000", "0", 36},
	}

	for _, method := range methods {
		for _, c := range cases {
			t.Run(string(method)+"/"+c.principal+"/"+c.rate, func(t *testing.T) {
				tm := term(c.principal, c.rate, c.months, method)
				sizing, lines := mustSchedule(t, tm)

				totals := engine.SumLines(lines)
				assertDec(t, c.principal, totals.Principal)
				assert.True(t, totals.Total.Equal(tm.Principal.Add(sizing.TotalInterest)),
					"total %s != principal + interest %s", totals.Total, tm.Principal.Add(sizing.TotalInterest))

				for i, l := range lines {
					assert.Equal(t, i+1, l.Sequence)
					assert.True(t, l.AmountPrincipal.Add(l.AmountInterest).Equal(l.AmountTotal), "line %d", l.Sequence)
					assert.False(t, l.AmountPrincipal.IsNegative(), "line %d principal", l.Sequence)
					assert.False(t, l.AmountInterest.IsNegative(), "line %d interest", l.Sequence)
				}
			})
		}
	}
}

func TestSchedule_ConservesOverPrincipalGrid(t *testing.T) {
	// GIVEN: principals from 1.00 to 2000.00, plus terms whose per-line
	// rounded interest used to add up past the total
	principals := []string{"1.34", "2.83", "25.93", "68.41", "1024.19", "1024.21"}
	for cents := int64(100); cents <= 200000; cents += 1009 {
		principals = append(principals, decimal.New(cents, -2).String())
	}
	methods := []engine.InterestMethod{engine.MethodFlat, engine.MethodRuleOf78, engine.MethodEffectiveAnnuity}

	for _, method := range methods {
		for _, months := range []int{12, 24, 36, 48, 60} {
			for _, rate := range []string{"5", "10", "18"} {
				for _, principal := range principals {
					tm := term(principal, rate, months, method)

					// WHEN: sizing and generating
					sizing, err := engine.SizeInstallments(tm)
					require.NoError(t, err, "%s %s%% %d months %s", principal, rate, months, method)
					lines, err := engine.GenerateSchedule(tm, sizing)
					require.NoError(t, err, "%s %s%% %d months %s", principal, rate, months, method)

					// THEN: columns sum exactly and no line goes negative
					totals := engine.SumLines(lines)
					require.True(t, totals.Principal.Equal(tm.Principal),
						"%s %s%% %d months %s: principal %s", principal, rate, months, method, totals.Principal)
					if method.AddOn() {
						require.True(t, totals.Interest.Equal(tm.AddOnInterest()),
							"%s %s%% %d months %s: interest %s", principal, rate, months, method, totals.Interest)
					}
					for _, l := range lines {
						require.False(t, l.AmountPrincipal.IsNegative(), "%s line %d principal", principal, l.Sequence)
						require.False(t, l.AmountInterest.IsNegative(), "%s line %d interest", principal, l.Sequence)
					}
				}
			}
		}
	}
}

func TestSchedule_RuleOf78_RoundedLinesNeverExceedTotal(t *testing.T) {
	// GIVEN: 1024.19 at 5% over 60 months, where rounding each line on its
	// own overshoots the 256.05 total by a cent
	tm := term("1024.19", "5", 60, engine.MethodRuleOf78)

	_, lines := mustSchedule(t, tm)

	// THEN: the final line keeps a non-negative share and interest sums exactly
	assert.False(t, lines[59].AmountInterest.IsNegative())
	assertDec(t, "256.05", engine.SumLines(lines).Interest)
	assertDec(t, "1024.19", engine.SumLines(lines).Principal)
}

func TestSchedule_Flat_SwitchesToRunningRoundingWhenEvenSplitOverdraws(t *testing.T) {
	// GIVEN: 68.41 at 5% over 60 months: total interest 17.10, and 0.29
	// on each of 59 lines would be 17.11
	tm := term("68.41", "5", 60, engine.MethodFlat)

	_, lines := mustSchedule(t, tm)

	totals := engine.SumLines(lines)
	assertDec(t, "17.10", totals.Interest)
	assertDec(t, "68.41", totals.Principal)
	for _, l := range lines {
		assert.True(t, l.AmountInterest.GreaterThanOrEqual(dec("0.28")) && l.AmountInterest.LessThanOrEqual(dec("0.29")),
			"line %d interest %s", l.Sequence, l.AmountInterest)
	}
}

func TestSchedule_DueDates(t *testing.T) {
	tests := []struct {
		name   string
		scheme engine.PaymentScheme
		base   engine.Date
		first  engine.Date
		want   []string
	}{
		{
			name:   "arrears starts one month after base",
			scheme: engine.SchemeArrears,
			base:   engine.NewDate(2025, time.January, 15),
			want:   []string{"2025-02-15", "2025-03-15", "2025-04-15"},
		},
		{
			name:   "advance starts on base",
			scheme: engine.SchemeAdvance,
			base:   engine.NewDate(2025, time.January, 15),
			want:   []string{"2025-01-15", "2025-02-15", "2025-03-15"},
		},
		{
			name:   "month end clamps without drifting",
			scheme: engine.SchemeAdvance,
			base:   engine.NewDate(2025, time.January, 31),
			want:   []string{"2025-01-31", "2025-02-28", "2025-03-31"},
		},
		{
			name:   "explicit first due date wins",
			scheme: engine.SchemeArrears,
			base:   engine.NewDate(2025, time.January, 15),
			first:  engine.NewDate(2025, time.March, 1),
			want:   []string{"2025-03-01", "2025-04-01", "2025-05-01"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := term("3000", "10", 3, engine.MethodFlat)
			tm.Scheme = tt.scheme
			tm.BaseDate = tt.base
			tm.FirstDueDate = tt.first

			_, lines := mustSchedule(t, tm)

			var got []string
			for _, l := range lines {
				got = append(got, l.DueDate.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchedule_ManualFirstAmount(t *testing.T) {
	// GIVEN: 1000 interest free over 4 months, 400 up front then 200
	tm := term("1000", "0", 4, engine.MethodFlat)
	sizing := engine.InstallmentSizing{FirstAmount: dec("400"), LevelAmount: dec("200")}

	lines, err := engine.GenerateSchedule(tm, sizing)
	require.NoError(t, err)

	var totals []string
	for _, l := range lines {
		totals = append(totals, l.AmountTotal.StringFixed(2))
	}
	assert.Equal(t, []string{"400.00", "200.00", "200.00", "200.00"}, totals)
}

// =============================================================================
// SCHEDULE - REJECTION (ALL OR NOTHING)
// =============================================================================

func TestSchedule_RejectsMissingInstallment(t *testing.T) {
	tm := term("1000", "5", 12, engine.MethodFlat)

	lines, err := engine.GenerateSchedule(tm, engine.InstallmentSizing{})

	assert.Nil(t, lines)
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}

func TestSchedule_RejectsZeroTerm(t *testing.T) {
	tm := term("1000", "5", 0, engine.MethodFlat)

	lines, err := engine.GenerateSchedule(tm, engine.InstallmentSizing{LevelAmount: dec("100")})

	assert.Nil(t, lines)
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}

func TestSchedule_RejectsInstallmentBelowInterest(t *testing.T) {
	// GIVEN: 10000 at 1% a month needs 100 interest on line 1
	tm := term("10000", "12", 12, engine.MethodEffectiveAnnuity)

	lines, err := engine.GenerateSchedule(tm, engine.InstallmentSizing{LevelAmount: dec("50")})

	assert.Nil(t, lines)
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}

func TestSchedule_RejectsInstallmentsAbovePrincipal(t *testing.T) {
	// GIVEN: a level amount that repays the principal before the last line
	tm := term("1000", "0", 4, engine.MethodFlat)

	lines, err := engine.GenerateSchedule(tm, engine.InstallmentSizing{LevelAmount: dec("400")})

	assert.Nil(t, lines)
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}

func TestSchedule_ZeroPrincipalHasNoInstallment(t *testing.T) {
	tm := term("0", "5", 12, engine.MethodFlat)

	sizing, err := engine.SizeInstallments(tm)
	require.NoError(t, err)
	assert.True(t, sizing.LevelAmount.Equal(decimal.Zero))

	_, err = engine.GenerateSchedule(tm, sizing)
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}
