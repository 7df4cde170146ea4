package contract_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hirepurchase-engine/contract"
	"github.com/warp/hirepurchase-engine/engine"
	"github.com/warp/hirepurchase-engine/engine/store"
	"github.com/warp/hirepurchase-engine/events"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type harness struct {
	svc    *contract.Service
	store  *store.Memory
	events *events.Recorder
	hook   *test.Hook
}

func newHarness(t *testing.T, opts ...contract.Option) harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h := harness{store: store.NewMemory(), events: &events.Recorder{}, hook: hook}
	clock := time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)
	opts = append([]contract.Option{
		contract.WithPublisher(h.events),
		contract.WithLogger(logger),
		contract.WithClock(func() time.Time { return clock }),
	}, opts...)
	h.svc = contract.NewService(h.store, opts...)
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, dec(want).String(), got.String(), msgAndArgs...)
}

// flatContract finances 12000 (15000 cash, 3000 down) at 10% flat over
// 12 months: 1100 per month, 1000 principal and 100 interest, first due
// 2025-02-15.
func flatContract(id string, rule engine.PenaltyRuleID) contract.NewContract {
	return contract.NewContract{
		ID:          engine.ContractID(id),
		Reference:   "REF-" + id,
		Customer:    "customer-" + id,
		CashPrice:   dec("15000"),
		DownPayment: dec("3000"),
		Term: engine.TermDefinition{
			AnnualRate: dec("10"),
			TermMonths: 12,
			Method:     engine.MethodFlat,
			Scheme:     engine.SchemeArrears,
			BaseDate:   engine.NewDate(2025, time.January, 15),
			Precision:  engine.DefaultPrecision,
		},
		PenaltyRuleID: rule,
		Activate:      true,
	}
}

func (h harness) create(t *testing.T, in contract.NewContract) engine.Contract {
	t.Helper()
	c, _, err := h.svc.CreateContract(context.Background(), in)
	require.NoError(t, err)
	return c
}

func pay(id string, amount string) engine.Payment {
	return engine.Payment{
		ID:         engine.PaymentID(id),
		Amount:     dec(amount),
		ReceivedOn: engine.NewDate(2025, time.February, 15),
	}
}

// =============================================================================
// CREATION AND REGENERATION
// =============================================================================

func TestCreateContract_GeneratesSchedule(t *testing.T) {
	// GIVEN: 15000 cash price with 3000 down
	// WHEN: The contract is created
	// THEN: 12000 is financed and twelve 1100 lines are stored
	h := newHarness(t)
	ctx := context.Background()

	c, lines, err := h.svc.CreateContract(ctx, flatContract("hp-1", ""))
	require.NoError(t, err)

	assertDec(t, "12000", c.Term.Principal)
	assertDec(t, "1100", c.Installments.LevelAmount)
	assertDec(t, "1200", c.Installments.TotalInterest)
	assert.Equal(t, engine.StatusActive, c.Status)
	require.Len(t, lines, 12)
	assert.Equal(t, "2025-02-15", lines[0].DueDate.String())

	stored, err := h.store.LoadLines(ctx, "hp-1")
	require.NoError(t, err)
	assert.Len(t, stored, 12)
	assert.Len(t, h.events.OfType(events.TypeScheduleGenerated), 1)
}

func TestCreateContract_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))

	tests := []struct {
		name   string
		mutate func(*contract.NewContract)
		check  func(error) bool
	}{
		{"duplicate id", func(n *contract.NewContract) {}, engine.IsClientError},
		{"unknown penalty rule", func(n *contract.NewContract) { n.ID = "hp-2"; n.PenaltyRuleID = "nope" }, engine.IsNotFound},
		{"down payment above cash price", func(n *contract.NewContract) { n.ID = "hp-3"; n.DownPayment = dec("20000") }, engine.IsClientError},
		{"zero term", func(n *contract.NewContract) { n.ID = "hp-4"; n.Term.TermMonths = 0 }, engine.IsClientError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := flatContract("hp-1", "")
			tt.mutate(&in)
			_, _, err := h.svc.CreateContract(ctx, in)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error kind: %v", err)
		})
	}
}

func TestRegenerateSchedule_ReplacesLines(t *testing.T) {
	// GIVEN: A 12 month contract with no payments
	// WHEN: The term is shortened to 6 months
	// THEN: All lines are replaced by 6 new ones
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))

	months := 6
	c, lines, err := h.svc.RegenerateSchedule(ctx, "hp-1", contract.TermChange{TermMonths: &months})
	require.NoError(t, err)

	require.Len(t, lines, 6)
	assert.Equal(t, 6, c.Term.TermMonths)
	assertDec(t, "600", c.Installments.TotalInterest)
	stored, _ := h.store.LoadLines(ctx, "hp-1")
	assert.Len(t, stored, 6)
	assert.Len(t, h.events.OfType(events.TypeScheduleGenerated), 2)
}

func TestRegenerateSchedule_LockedAfterPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))
	_, err := h.svc.PostPayment(ctx, "hp-1", pay("p-1", "100"))
	require.NoError(t, err)

	months := 6
	_, _, err = h.svc.RegenerateSchedule(ctx, "hp-1", contract.TermChange{TermMonths: &months})

	assert.ErrorIs(t, err, engine.ErrScheduleLocked)
	stored, _ := h.store.LoadLines(ctx, "hp-1")
	assert.Len(t, stored, 12)
}

func TestRegenerateSchedule_ManualAmounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))

	first, level := dec("1200"), dec("1100")
	c, lines, err := h.svc.RegenerateSchedule(ctx, "hp-1", contract.TermChange{FirstAmount: &first, LevelAmount: &level})
	require.NoError(t, err)

	assert.True(t, c.ManualAmounts)
	assertDec(t, "1200", lines[0].AmountTotal)
	assertDec(t, "13200", engine.SumLines(lines).Total)
}

func TestActivate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := flatContract("hp-1", "")
	in.Activate = false
	h.create(t, in)

	_, err := h.svc.PostPayment(ctx, "hp-1", pay("p-1", "100"))
	assert.ErrorIs(t, err, engine.ErrContractNotActive)

	c, err := h.svc.Activate(ctx, "hp-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusActive, c.Status)

	_, err = h.svc.Activate(ctx, "hp-1")
	assert.ErrorIs(t, err, engine.ErrContractNotActive)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPostPayment_PersistsAllocation(t *testing.T) {
	// GIVEN: An active contract
	// WHEN: One full installment is paid
	// THEN: Line 1 is settled 1000/100 and the record holds both allocations
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))

	res, err := h.svc.PostPayment(ctx, "hp-1", pay("p-1", "1100"))
	require.NoError(t, err)
	assertDec(t, "0", res.Unapplied)

	lines, _ := h.store.LoadLines(ctx, "hp-1")
	assert.True(t, lines[0].IsSettled)
	assertDec(t, "1000", lines[0].PaidPrincipal)
	assertDec(t, "100", lines[0].PaidInterest)
	assert.False(t, lines[1].IsSettled)

	record, err := h.store.GetPayment(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, record.Allocations, 2)
	assert.Len(t, h.events.OfType(events.TypePaymentAllocated), 1)
}

func TestPostPayment_DuplicateIDChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))
	_, err := h.svc.PostPayment(ctx, "hp-1", pay("p-1", "500"))
	require.NoError(t, err)

	_, err = h.svc.PostPayment(ctx, "hp-1", pay("p-1", "500"))

	assert.ErrorIs(t, err, engine.ErrDuplicatePayment)
	lines, _ := h.store.LoadLines(ctx, "hp-1")
	assertDec(t, "500", lines[0].PaidAmount)
	payments, _ := h.svc.Payments(ctx, "hp-1")
	assert.Len(t, payments, 1)
}

func TestPostPayment_OverpaymentClosesContract(t *testing.T) {
	// GIVEN: A contract with 13200 owed
	// WHEN: 13300 is paid
	// THEN: Every line is settled, 100 is unapplied and a warning is logged
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))

	res, err := h.svc.PostPayment(ctx, "hp-1", pay("p-1", "13300"))
	require.NoError(t, err)

	assertDec(t, "100", res.Unapplied)
	c, _ := h.svc.Contract(ctx, "hp-1")
	assert.Equal(t, engine.StatusClosed, c.Status)
	assert.Equal(t, logrus.WarnLevel, h.hook.LastEntry().Level)
	assert.Equal(t, "100", h.hook.LastEntry().Data["unapplied"])
}

func TestPostPayment_GeneratesIDWhenMissing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))

	res, err := h.svc.PostPayment(ctx, "hp-1", engine.Payment{Amount: dec("50")})
	require.NoError(t, err)

	assert.NotEmpty(t, res.PaymentID)
	_, err = h.store.GetPayment(ctx, res.PaymentID)
	assert.NoError(t, err)
}

func TestPostPayment_ConcurrentPaymentsAreSerialized(t *testing.T) {
	// GIVEN: An active contract
	// WHEN: 11 installments are posted from parallel goroutines
	// THEN: No payment is lost: 11 lines settled, the last one still open
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))

	var wg sync.WaitGroup
	errs := make(chan error, 11)
	for i := 0; i < 11; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.PostPayment(ctx, "hp-1", pay(fmt.Sprintf("p-%d", i), "1100"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	lines, _ := h.store.LoadLines(ctx, "hp-1")
	paid := decimal.Zero
	for _, l := range lines {
		paid = paid.Add(l.PaidAmount)
	}
	assertDec(t, "12100", paid)
	assert.True(t, lines[10].IsSettled)
	assert.False(t, lines[11].IsSettled)
	payments, _ := h.svc.Payments(ctx, "hp-1")
	assert.Len(t, payments, 11)
}

func TestPostPayment_InvalidAmount(t *testing.T) {
	h := newHarness(t)
	h.create(t, flatContract("hp-1", ""))

	_, err := h.svc.PostPayment(context.Background(), "hp-1", pay("p-1", "0"))

	assert.ErrorIs(t, err, engine.ErrInvalidPayment)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestSettle_ClosesRemainingLines(t *testing.T) {
	// GIVEN: An untouched flat contract
	// WHEN: It is settled on the first due date
	// THEN: 12000 principal + 20% of 1200 unearned interest is due
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))
	date := engine.NewDate(2025, time.February, 15)

	q, err := h.svc.QuoteSettlement(ctx, "hp-1", date)
	require.NoError(t, err)
	assertDec(t, "12240", q.SettlementAmount)
	assertDec(t, "960", q.InterestRebate)

	record, err := h.svc.Settle(ctx, "hp-1", date)
	require.NoError(t, err)
	assertDec(t, "12240", record.Quote.SettlementAmount)

	c, _ := h.svc.Contract(ctx, "hp-1")
	assert.Equal(t, engine.StatusSettled, c.Status)
	lines, _ := h.store.LoadLines(ctx, "hp-1")
	for _, l := range lines {
		assert.True(t, l.IsSettled, "line %d", l.Sequence)
	}
	stored, err := h.svc.Settlement(ctx, "hp-1")
	require.NoError(t, err)
	assert.Equal(t, record.ID, stored.ID)
	assert.Len(t, h.events.OfType(events.TypeContractSettled), 1)

	_, err = h.svc.Settle(ctx, "hp-1", date)
	assert.ErrorIs(t, err, engine.ErrContractNotActive)
}

func TestSettle_UsesConfiguredRebateFee(t *testing.T) {
	settings := contract.DefaultSettings()
	settings.RebateFeePercent = decimal.Zero
	h := newHarness(t, contract.WithSettings(settings))
	h.create(t, flatContract("hp-1", ""))

	q, err := h.svc.QuoteSettlement(context.Background(), "hp-1", engine.NewDate(2025, time.February, 15))
	require.NoError(t, err)

	assertDec(t, "12000", q.SettlementAmount)
}

// =============================================================================
// REPOSSESSION
// =============================================================================

func TestRepossess(t *testing.T) {
	// GIVEN: An active contract with a daily penalty rule
	// WHEN: A repossession order is issued without a date
	// THEN: It is dated on the service clock, announced and left out of accrual
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", h.dailyRule(t)))

	c, err := h.svc.Repossess(ctx, "hp-1", engine.Date{})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRepossessed, c.Status)
	assert.Equal(t, engine.NewDate(2025, time.January, 15), c.RepossessedOn)

	evs := h.events.OfType(events.TypeContractRepossessed)
	require.Len(t, evs, 1)
	assertDec(t, "13200", evs[0].Payload.(events.ContractRepossessed).Outstanding)

	report, err := h.svc.RunPenaltyAccrual(ctx, march20)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	stored, _ := h.svc.Contract(ctx, "hp-1")
	assertDec(t, "0", stored.Penalty.Accrued)

	_, err = h.svc.PostPayment(ctx, "hp-1", pay("p-1", "1100"))
	assert.ErrorIs(t, err, engine.ErrContractNotActive)
}

func TestRepossess_OnlyActiveContracts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	draft := flatContract("hp-draft", "")
	draft.Activate = false
	h.create(t, draft)

	_, err := h.svc.Repossess(ctx, "hp-draft", march20)
	assert.ErrorIs(t, err, engine.ErrContractNotActive)

	_, err = h.svc.Repossess(ctx, "missing", march20)
	assert.True(t, engine.IsNotFound(err))
	assert.Empty(t, h.events.OfType(events.TypeContractRepossessed))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestSummary_ReportsDelinquency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))

	s, err := h.svc.Summary(ctx, "hp-1", engine.NewDate(2025, time.March, 20))
	require.NoError(t, err)

	assert.Equal(t, 2, s.Delinquency.OverdueCount)
	assert.Equal(t, 33, s.Delinquency.DaysPastDue)
	assert.Equal(t, engine.Aging31To60, s.Delinquency.Bucket)
	assertDec(t, "13200", s.Balances.TotalPayable)

	_, err = h.svc.Summary(ctx, "missing", engine.NewDate(2025, time.March, 20))
	assert.True(t, engine.IsNotFound(err))
}

func TestAgingReport_BucketsActiveContracts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))
	h.create(t, flatContract("hp-2", ""))
	_, err := h.svc.PostPayment(ctx, "hp-2", pay("p-1", "2200"))
	require.NoError(t, err)

	report, err := h.svc.AgingReport(ctx, engine.NewDate(2025, time.March, 20))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Contracts[engine.Aging31To60])
	assert.Equal(t, 1, report.Contracts[engine.AgingCurrent])
	assertDec(t, "13200", report.Buckets[engine.Aging31To60])
	assertDec(t, "24200", report.Total)
}

func TestPortfolioSummary_GroupsByStatus(t *testing.T) {
	// GIVEN: One untouched contract, one paid two months ahead, one repossessed
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, flatContract("hp-1", ""))
	h.create(t, flatContract("hp-2", ""))
	h.create(t, flatContract("hp-3", ""))
	_, err := h.svc.PostPayment(ctx, "hp-2", pay("p-1", "2200"))
	require.NoError(t, err)
	_, err = h.svc.Repossess(ctx, "hp-3", march20)
	require.NoError(t, err)

	// WHEN: Summarizing on Mar 20
	summary, err := h.svc.PortfolioSummary(ctx, march20)
	require.NoError(t, err)

	// THEN: Only hp-1 counts as overdue among active contracts
	active := summary.ByStatus[engine.StatusActive]
	require.NotNil(t, active)
	assert.Equal(t, 2, active.Contracts)
	assert.Equal(t, 1, active.OverdueCount)
	assertDec(t, "24200", active.Outstanding)
	assertDec(t, "13200", active.Overdue)
	assertDec(t, "54.55", active.OverduePercent)
	assertDec(t, "8.33", active.CollectionRate)
	assertDec(t, "16.5", active.AvgDaysOverdue)

	repo := summary.ByStatus[engine.StatusRepossessed]
	require.NotNil(t, repo)
	assert.Equal(t, 1, repo.Contracts)
	assert.Equal(t, 3, summary.Total.Contracts)
	assertDec(t, "36000", summary.Total.LoanAmount)
}
