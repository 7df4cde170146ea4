package contract

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the servicing counters exported on /metrics.
// A nil *Metrics records nothing.
type Metrics struct {
	paymentsPosted     prometheus.Counter
	amountAllocated    *prometheus.CounterVec
	overpayments       prometheus.Counter
	penaltyRuns        prometheus.Counter
	penaltyAccrued     prometheus.Counter
	penaltyFailures    prometheus.Counter
	schedulesGenerated prometheus.Counter
	settlements        prometheus.Counter
	repossessions      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		paymentsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hp_payments_posted_total",
			Help: "Payments allocated to contracts.",
		}),
		amountAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hp_payment_amount_allocated_total",
			Help: "Money allocated by target (penalty, principal, interest).",
		}, []string{"target"}),
		overpayments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hp_overpayments_total",
			Help: "Payments that left unapplied credit.",
		}),
		penaltyRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hp_penalty_runs_total",
			Help: "Penalty accrual runs.",
		}),
		penaltyAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hp_penalty_accrued_total",
			Help: "Penalty amount accrued across all contracts.",
		}),
		penaltyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hp_penalty_contract_failures_total",
			Help: "Contracts that failed during penalty accrual.",
		}),
		schedulesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hp_schedules_generated_total",
			Help: "Installment schedules generated or regenerated.",
		}),
		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hp_settlements_total",
			Help: "Contracts closed by early settlement.",
		}),
		repossessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hp_repossessions_total",
			Help: "Repossession orders issued.",
		}),
	}
	reg.MustRegister(
		m.paymentsPosted, m.amountAllocated, m.overpayments,
		m.penaltyRuns, m.penaltyAccrued, m.penaltyFailures,
		m.schedulesGenerated, m.settlements, m.repossessions,
	)
	return m
}

func (m *Metrics) paymentPosted(allocs map[string]float64, overpaid bool) {
	if m == nil {
		return
	}
	m.paymentsPosted.Inc()
	for target, amount := range allocs {
		m.amountAllocated.WithLabelValues(target).Add(amount)
	}
	if overpaid {
		m.overpayments.Inc()
	}
}

func (m *Metrics) penaltyRun(accrued float64, failures int) {
	if m == nil {
		return
	}
	m.penaltyRuns.Inc()
	m.penaltyAccrued.Add(accrued)
	m.penaltyFailures.Add(float64(failures))
}

func (m *Metrics) scheduleGenerated() {
	if m != nil {
		m.schedulesGenerated.Inc()
	}
}

func (m *Metrics) settled() {
	if m != nil {
		m.settlements.Inc()
	}
}

func (m *Metrics) repossessed() {
	if m != nil {
		m.repossessions.Inc()
	}
}
