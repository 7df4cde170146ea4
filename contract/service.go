/*
service.go - Contract servicing over the engine

PURPOSE:
  The engine package only computes. Service is the layer that loads
  contract state from a TxStore, runs the engine's pure functions, writes
  the results back atomically and announces them as events.

CONCURRENCY:
  Every mutating operation holds the contract's lock (locks.go) for its
  whole load-compute-store cycle. Different contracts proceed in parallel.

OPERATIONS:
  - CreateContract / Activate
  - RegenerateSchedule: explicit, never triggered by field writes
  - PostPayment: waterfall allocation, committed in one transaction
  - QuoteSettlement / Settle
  - Repossess: stops servicing, penalty accrual skips the contract
  - RunPenaltyAccrual (penalty_job.go)
  - Summary / Schedule / Payments / AgingReport / PortfolioSummary

SEE ALSO:
  - engine/store.go: TxStore contract
  - penalty_job.go: batched nightly accrual
*/
package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/hirepurchase-engine/engine"
	"github.com/warp/hirepurchase-engine/events"
)

// Settings are the servicing parameters handed to the engine as plain values.
type Settings struct {
	RebateFeePercent decimal.Decimal
	Delinquency      engine.DelinquencyPolicy
	BatchSize        int
	Workers          int
}

func DefaultSettings() Settings {
	return Settings{
		RebateFeePercent: engine.DefaultRebateFeePercent,
		Delinquency:      engine.DefaultDelinquencyPolicy(),
		BatchSize:        engine.DefaultBatchSize,
		Workers:          4,
	}
}

// Service services hire-purchase contracts.
type Service struct {
	store     engine.TxStore
	publisher events.Publisher
	log       logrus.FieldLogger
	metrics   *Metrics
	settings  Settings
	locks     *keyedMutex
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithLogger(l logrus.FieldLogger) Option  { return func(s *Service) { s.log = l } }
func WithMetrics(m *Metrics) Option           { return func(s *Service) { s.metrics = m } }
func WithSettings(st Settings) Option         { return func(s *Service) { s.settings = st } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.now = now } }

func NewService(store engine.TxStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publisher: events.Nop{},
		log:       logrus.StandardLogger(),
		settings:  DefaultSettings(),
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settings.BatchSize <= 0 {
		s.settings.BatchSize = engine.DefaultBatchSize
	}
	if s.settings.Workers <= 0 {
		s.settings.Workers = 1
	}
	return s
}

func (s *Service) Settings() Settings { return s.settings }

// Today is the business date according to the service clock.
func (s *Service) Today() engine.Date { return engine.DateOf(s.now()) }

// publish sends events after a commit. Failures are logged only.
func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	if err := s.publisher.Publish(ctx, evs...); err != nil {
		s.log.WithError(err).WithField("events", len(evs)).Error("publish events")
	}
}

// =============================================================================
// CREATION AND REGENERATION
// =============================================================================

// NewContract is the input of CreateContract. Term.Principal is derived
// from CashPrice - DownPayment. Installments, when set, are manual amounts.
type NewContract struct {
	ID            engine.ContractID
	Reference     string
	Customer      string
	CashPrice     decimal.Decimal
	DownPayment   decimal.Decimal
	Term          engine.TermDefinition
	Installments  *engine.InstallmentSizing
	PenaltyRuleID engine.PenaltyRuleID
	MiscFee       decimal.Decimal
	Activate      bool
}

// CreateContract stores a contract together with its generated schedule.
func (s *Service) CreateContract(ctx context.Context, in NewContract) (engine.Contract, []engine.InstallmentLine, error) {
	if in.ID == "" {
		in.ID = engine.ContractID(uuid.NewString())
	}
	if in.DownPayment.GreaterThan(in.CashPrice) {
		return engine.Contract{}, nil, &engine.ConfigurationError{Field: "down_payment", Reason: "exceeds cash price"}
	}
	if in.PenaltyRuleID != "" {
		if _, err := s.store.GetPenaltyRule(ctx, in.PenaltyRuleID); err != nil {
			return engine.Contract{}, nil, fmt.Errorf("contract %s: %w", in.ID, err)
		}
	}

	now := s.now().UTC()
	c := engine.Contract{
		ID:            in.ID,
		Reference:     in.Reference,
		Customer:      in.Customer,
		Status:        engine.StatusDraft,
		CashPrice:     in.CashPrice,
		DownPayment:   in.DownPayment,
		Term:          in.Term,
		PenaltyRuleID: in.PenaltyRuleID,
		MiscFee:       in.MiscFee,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	c.Term.Principal = c.LoanAmount()
	if in.Activate {
		c.Status = engine.StatusActive
	}
	if in.Installments != nil {
		c.Installments = *in.Installments
		c.ManualAmounts = true
	}

	unlock := s.locks.Lock(c.ID)
	defer unlock()

	if _, err := s.store.GetContract(ctx, c.ID); err == nil {
		return engine.Contract{}, nil, fmt.Errorf("contract %s already exists: %w", c.ID, engine.ErrConfiguration)
	} else if !errors.Is(err, engine.ErrContractNotFound) {
		return engine.Contract{}, nil, err
	}

	lines, err := s.buildSchedule(&c)
	if err != nil {
		return engine.Contract{}, nil, err
	}
	err = s.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.SaveContract(ctx, c); err != nil {
			return err
		}
		return tx.ReplaceLines(ctx, c.ID, lines)
	})
	if err != nil {
		return engine.Contract{}, nil, fmt.Errorf("create contract %s: %w", c.ID, err)
	}

	s.scheduleGenerated(ctx, c, lines)
	s.log.WithFields(logrus.Fields{"contract_id": c.ID, "lines": len(lines), "status": c.Status}).Info("contract created")
	return c, lines, nil
}

// buildSchedule sizes (unless amounts are manual) and generates lines.
func (s *Service) buildSchedule(c *engine.Contract) ([]engine.InstallmentLine, error) {
	if !c.ManualAmounts {
		sizing, err := engine.SizeInstallments(c.Term)
		if err != nil {
			return nil, err
		}
		c.Installments = sizing
	}
	lines, err := engine.GenerateSchedule(c.Term, c.Installments)
	if err != nil {
		return nil, err
	}
	totals := engine.SumLines(lines)
	c.Installments.LastAmount = lines[len(lines)-1].AmountTotal
	c.Installments.TotalInterest = totals.Interest
	return lines, nil
}

func (s *Service) scheduleGenerated(ctx context.Context, c engine.Contract, lines []engine.InstallmentLine) {
	s.metrics.scheduleGenerated()
	s.publish(ctx, events.New(events.TypeScheduleGenerated, c.ID, events.ScheduleGenerated{
		Installments:  len(lines),
		FirstDueDate:  lines[0].DueDate,
		LevelAmount:   c.Installments.LevelAmount,
		TotalInterest: c.Installments.TotalInterest,
	}))
}

// Activate moves a draft contract to active.
func (s *Service) Activate(ctx context.Context, id engine.ContractID) (engine.Contract, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return engine.Contract{}, err
	}
	if c.Status != engine.StatusDraft {
		return engine.Contract{}, fmt.Errorf("activate %s in status %s: %w", id, c.Status, engine.ErrContractNotActive)
	}
	c.Status = engine.StatusActive
	c.UpdatedAt = s.now().UTC()
	if err := s.store.SaveContract(ctx, c); err != nil {
		return engine.Contract{}, err
	}
	return c, nil
}

// TermChange lists the generating inputs that may change. Nil fields keep
// their value. Setting FirstAmount or LevelAmount switches the contract to
// manual amounts; ResetAmounts switches back to computed sizing.
type TermChange struct {
	CashPrice    *decimal.Decimal
	DownPayment  *decimal.Decimal
	AnnualRate   *decimal.Decimal
	TermMonths   *int
	Method       *engine.InterestMethod
	Scheme       *engine.PaymentScheme
	FirstDueDate *engine.Date
	FirstAmount  *decimal.Decimal
	LevelAmount  *decimal.Decimal
	ResetAmounts bool
}

// RegenerateSchedule applies change and replaces the whole line set.
// Refused once any line has received money.
func (s *Service) RegenerateSchedule(ctx context.Context, id engine.ContractID, change TermChange) (engine.Contract, []engine.InstallmentLine, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return engine.Contract{}, nil, err
	}
	existing, err := s.store.LoadLines(ctx, id)
	if err != nil {
		return engine.Contract{}, nil, err
	}
	for _, l := range existing {
		if l.PaidAmount.IsPositive() || l.IsSettled {
			return engine.Contract{}, nil, fmt.Errorf("regenerate %s: %w", id, engine.ErrScheduleLocked)
		}
	}

	change.apply(&c)
	if c.DownPayment.GreaterThan(c.CashPrice) {
		return engine.Contract{}, nil, &engine.ConfigurationError{Field: "down_payment", Reason: "exceeds cash price"}
	}
	lines, err := s.buildSchedule(&c)
	if err != nil {
		return engine.Contract{}, nil, err
	}
	c.UpdatedAt = s.now().UTC()

	err = s.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.SaveContract(ctx, c); err != nil {
			return err
		}
		return tx.ReplaceLines(ctx, id, lines)
	})
	if err != nil {
		return engine.Contract{}, nil, fmt.Errorf("regenerate %s: %w", id, err)
	}

	s.scheduleGenerated(ctx, c, lines)
	s.log.WithFields(logrus.Fields{"contract_id": id, "lines": len(lines)}).Info("schedule regenerated")
	return c, lines, nil
}

func (ch TermChange) apply(c *engine.Contract) {
	if ch.CashPrice != nil {
		c.CashPrice = *ch.CashPrice
	}
	if ch.DownPayment != nil {
		c.DownPayment = *ch.DownPayment
	}
	c.Term.Principal = c.LoanAmount()
	if ch.AnnualRate != nil {
		c.Term.AnnualRate = *ch.AnnualRate
	}
	if ch.TermMonths != nil {
		c.Term.TermMonths = *ch.TermMonths
	}
	if ch.Method != nil {
		c.Term.Method = *ch.Method
	}
	if ch.Scheme != nil {
		c.Term.Scheme = *ch.Scheme
	}
	if ch.FirstDueDate != nil {
		c.Term.FirstDueDate = *ch.FirstDueDate
	}
	if ch.ResetAmounts {
		c.ManualAmounts = false
	}
	if ch.FirstAmount != nil || ch.LevelAmount != nil {
		c.ManualAmounts = true
		if ch.FirstAmount != nil {
			c.Installments.FirstAmount = *ch.FirstAmount
		}
		if ch.LevelAmount != nil {
			c.Installments.LevelAmount = *ch.LevelAmount
		}
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PostPayment allocates p through the waterfall and commits lines, penalty
// state and allocations together. A payment id that was already posted
// returns ErrDuplicatePayment and changes nothing.
func (s *Service) PostPayment(ctx context.Context, id engine.ContractID, p engine.Payment) (engine.AllocationResult, error) {
	if p.ID == "" {
		p.ID = engine.PaymentID(uuid.NewString())
	}
	if p.ReceivedOn.IsZero() {
		p.ReceivedOn = s.Today()
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return engine.AllocationResult{}, err
	}
	if c.Status != engine.StatusActive {
		return engine.AllocationResult{}, fmt.Errorf("post payment to %s in status %s: %w", id, c.Status, engine.ErrContractNotActive)
	}
	if _, err := s.store.GetPayment(ctx, p.ID); err == nil {
		return engine.AllocationResult{}, fmt.Errorf("payment %s: %w", p.ID, engine.ErrDuplicatePayment)
	} else if !errors.Is(err, engine.ErrPaymentNotFound) {
		return engine.AllocationResult{}, err
	}

	lines, err := s.store.LoadLines(ctx, id)
	if err != nil {
		return engine.AllocationResult{}, err
	}
	res, err := engine.AllocatePayment(p, c.Penalty, lines, c.Term.Precision)
	if err != nil {
		return engine.AllocationResult{}, err
	}

	c.Penalty = res.Penalty
	c.UpdatedAt = s.now().UTC()
	if allSettled(res.Lines) && !res.Penalty.Balance().IsPositive() {
		c.Status = engine.StatusClosed
	}
	record := engine.PaymentRecord{
		ID:          p.ID,
		ContractID:  id,
		Amount:      p.Amount,
		ReceivedOn:  p.ReceivedOn,
		Unapplied:   res.Unapplied,
		Allocations: res.Allocations,
		PostedAt:    c.UpdatedAt,
	}

	err = s.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.SavePayment(ctx, record); err != nil {
			return err
		}
		if err := tx.SaveLines(ctx, id, res.Lines); err != nil {
			return err
		}
		return tx.SaveContract(ctx, c)
	})
	if err != nil {
		return engine.AllocationResult{}, fmt.Errorf("post payment %s to %s: %w", p.ID, id, err)
	}

	fields := logrus.Fields{"contract_id": id, "payment_id": p.ID, "amount": p.Amount.String()}
	if res.Overpaid() {
		s.log.WithFields(fields).WithField("unapplied", res.Unapplied.String()).Warn("payment exceeds amount owed")
	} else {
		s.log.WithFields(fields).Info("payment allocated")
	}
	s.metrics.paymentPosted(allocatedByTarget(res.Allocations), res.Overpaid())
	s.publish(ctx, events.New(events.TypePaymentAllocated, id, events.PaymentAllocated{
		PaymentID:   p.ID,
		Amount:      p.Amount,
		Unapplied:   res.Unapplied,
		Allocations: res.Allocations,
	}))
	return res, nil
}

func allSettled(lines []engine.InstallmentLine) bool {
	for _, l := range lines {
		if l.Open() {
			return false
		}
	}
	return len(lines) > 0
}

func allocatedByTarget(allocs []engine.PaymentAllocation) map[string]float64 {
	out := make(map[string]float64, 3)
	for _, a := range allocs {
		out[string(a.Target)] += a.Amount.InexactFloat64()
	}
	return out
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// QuoteSettlement prices early payoff as of date without changing anything.
func (s *Service) QuoteSettlement(ctx context.Context, id engine.ContractID, date engine.Date) (engine.SettlementQuote, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return engine.SettlementQuote{}, err
	}
	lines, err := s.store.LoadLines(ctx, id)
	if err != nil {
		return engine.SettlementQuote{}, err
	}
	return s.quote(c, lines, date), nil
}

func (s *Service) quote(c engine.Contract, lines []engine.InstallmentLine, date engine.Date) engine.SettlementQuote {
	return engine.CalculateSettlement(engine.SettlementInput{
		Lines:            lines,
		SettlementDate:   date,
		Method:           c.Term.Method,
		RebateFeePercent: s.settings.RebateFeePercent,
		PenaltyBalance:   c.Penalty.Balance(),
		MiscFee:          c.MiscFee,
		Precision:        c.Term.Precision,
	})
}

// Settle executes early settlement as of date: remaining lines are closed,
// the penalty balance and misc fee are cleared and the contract is marked
// settled.
func (s *Service) Settle(ctx context.Context, id engine.ContractID, date engine.Date) (engine.SettlementRecord, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return engine.SettlementRecord{}, err
	}
	if c.Status != engine.StatusActive {
		return engine.SettlementRecord{}, fmt.Errorf("settle %s in status %s: %w", id, c.Status, engine.ErrContractNotActive)
	}
	lines, err := s.store.LoadLines(ctx, id)
	if err != nil {
		return engine.SettlementRecord{}, err
	}

	q := s.quote(c, lines, date)
	settledLines, penalty := engine.ApplySettlement(q, lines, c.Penalty)
	c.Penalty = penalty
	c.MiscFee = decimal.Zero
	c.Status = engine.StatusSettled
	c.UpdatedAt = s.now().UTC()
	record := engine.SettlementRecord{
		ID:         uuid.NewString(),
		ContractID: id,
		Quote:      q,
		RecordedAt: c.UpdatedAt,
	}

	err = s.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.SaveLines(ctx, id, settledLines); err != nil {
			return err
		}
		if err := tx.SaveContract(ctx, c); err != nil {
			return err
		}
		return tx.SaveSettlement(ctx, record)
	})
	if err != nil {
		return engine.SettlementRecord{}, fmt.Errorf("settle %s: %w", id, err)
	}

	s.log.WithFields(logrus.Fields{
		"contract_id":       id,
		"settlement_amount": q.SettlementAmount.String(),
		"rebate_amount":     q.RebateAmount.String(),
	}).Info("contract settled")
	s.metrics.settled()
	s.publish(ctx, events.New(events.TypeContractSettled, id, events.ContractSettled{Quote: q}))
	return record, nil
}

// =============================================================================
// REPOSSESSION
// =============================================================================

// Repossess issues a repossession order dated date (today when zero). Only
// active contracts qualify. Lines and balances are kept as they are; the
// contract stops taking payments and penalty accrual skips it.
func (s *Service) Repossess(ctx context.Context, id engine.ContractID, date engine.Date) (engine.Contract, error) {
	if date.IsZero() {
		date = s.Today()
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return engine.Contract{}, err
	}
	if c.Status != engine.StatusActive {
		return engine.Contract{}, fmt.Errorf("repossess %s in status %s: %w", id, c.Status, engine.ErrContractNotActive)
	}
	lines, err := s.store.LoadLines(ctx, id)
	if err != nil {
		return engine.Contract{}, err
	}

	c.Status = engine.StatusRepossessed
	c.RepossessedOn = date
	c.UpdatedAt = s.now().UTC()
	if err := s.store.SaveContract(ctx, c); err != nil {
		return engine.Contract{}, fmt.Errorf("repossess %s: %w", id, err)
	}

	balances := engine.Summarize(lines, c.Penalty, c.MiscFee)
	s.log.WithFields(logrus.Fields{
		"contract_id": id,
		"date":        date.String(),
		"outstanding": balances.OutstandingBalance.String(),
	}).Warn("repossession order issued")
	s.metrics.repossessed()
	s.publish(ctx, events.New(events.TypeContractRepossessed, id, events.ContractRepossessed{
		Date:           date,
		Outstanding:    balances.OutstandingBalance,
		PenaltyBalance: balances.PenaltyBalance,
	}))
	return c, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Summary is a contract with its derived balances and delinquency.
type Summary struct {
	Contract    engine.Contract    `json:"contract"`
	Balances    engine.Balances    `json:"balances"`
	Delinquency engine.Delinquency `json:"delinquency"`
}

func (s *Service) Summary(ctx context.Context, id engine.ContractID, today engine.Date) (Summary, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	lines, err := s.store.LoadLines(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Contract:    c,
		Balances:    engine.Summarize(lines, c.Penalty, c.MiscFee),
		Delinquency: engine.AssessDelinquency(lines, today, s.settings.Delinquency),
	}, nil
}

func (s *Service) Contract(ctx context.Context, id engine.ContractID) (engine.Contract, error) {
	return s.store.GetContract(ctx, id)
}

func (s *Service) Contracts(ctx context.Context, filter engine.ContractFilter) ([]engine.Contract, error) {
	return s.store.ListContracts(ctx, filter)
}

func (s *Service) Schedule(ctx context.Context, id engine.ContractID) ([]engine.InstallmentLine, error) {
	if _, err := s.store.GetContract(ctx, id); err != nil {
		return nil, err
	}
	return s.store.LoadLines(ctx, id)
}

func (s *Service) Payments(ctx context.Context, id engine.ContractID) ([]engine.PaymentRecord, error) {
	if _, err := s.store.GetContract(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListPayments(ctx, id)
}

func (s *Service) Settlement(ctx context.Context, id engine.ContractID) (engine.SettlementRecord, error) {
	return s.store.GetSettlement(ctx, id)
}

// AgingReport buckets the open balance of every active contract.
func (s *Service) AgingReport(ctx context.Context, asOf engine.Date) (*engine.AgingReport, error) {
	contracts, err := s.store.ListContracts(ctx, engine.ContractFilter{Status: engine.StatusActive})
	if err != nil {
		return nil, err
	}
	report := engine.NewAgingReport(asOf)
	for _, c := range contracts {
		lines, err := s.store.LoadLines(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("aging %s: %w", c.ID, err)
		}
		report.Add(lines)
	}
	return report, nil
}

// PortfolioSummary totals every contract by status as of asOf.
func (s *Service) PortfolioSummary(ctx context.Context, asOf engine.Date) (*engine.PortfolioSummary, error) {
	contracts, err := s.store.ListContracts(ctx, engine.ContractFilter{})
	if err != nil {
		return nil, err
	}
	summary := engine.NewPortfolioSummary(asOf)
	for _, c := range contracts {
		lines, err := s.store.LoadLines(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("portfolio %s: %w", c.ID, err)
		}
		summary.Add(c, lines)
	}
	return summary, nil
}

// =============================================================================
// PENALTY RULES
// =============================================================================

func (s *Service) SavePenaltyRule(ctx context.Context, rule engine.PenaltyRule) (engine.PenaltyRule, error) {
	if rule.ID == "" {
		rule.ID = engine.PenaltyRuleID(uuid.NewString())
	}
	if err := rule.Validate(); err != nil {
		return engine.PenaltyRule{}, err
	}
	if err := s.store.SavePenaltyRule(ctx, rule); err != nil {
		return engine.PenaltyRule{}, err
	}
	return rule, nil
}

func (s *Service) PenaltyRules(ctx context.Context) ([]engine.PenaltyRule, error) {
	return s.store.ListPenaltyRules(ctx)
}
