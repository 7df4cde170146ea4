package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// DELINQUENCY - Late status and aging
// =============================================================================

const (
	DefaultGraceDays     = 7
	DefaultAttentionDays = 30
	DefaultLegalDays     = 90
)

type LateStatus string

const (
	LateNormal    LateStatus = "normal"
	LateAttention LateStatus = "attention"
	LateLegal     LateStatus = "legal"
)

type AgingBucket string

const (
	AgingCurrent AgingBucket = "current"
	Aging1To30   AgingBucket = "1_30"
	Aging31To60  AgingBucket = "31_60"
	Aging61To90  AgingBucket = "61_90"
	Aging90Plus  AgingBucket = "90_plus"
)

// AgingBuckets lists buckets in report order.
var AgingBuckets = []AgingBucket{AgingCurrent, Aging1To30, Aging31To60, Aging61To90, Aging90Plus}

// DelinquencyPolicy holds the collection thresholds, in days.
type DelinquencyPolicy struct {
	GraceDays     int `json:"grace_days"`
	AttentionDays int `json:"attention_days"`
	LegalDays     int `json:"legal_days"`
}

func DefaultDelinquencyPolicy() DelinquencyPolicy {
	return DelinquencyPolicy{GraceDays: DefaultGraceDays, AttentionDays: DefaultAttentionDays, LegalDays: DefaultLegalDays}
}

// Delinquency describes how late a contract is.
// DaysPastDue counts from the oldest open overdue line; OverdueDays
// is the same figure less the grace period.
type Delinquency struct {
	DaysPastDue   int             `json:"days_past_due"`
	OverdueDays   int             `json:"overdue_days"`
	Status        LateStatus      `json:"late_status"`
	Bucket        AgingBucket     `json:"aging_bucket"`
	OverdueCount  int             `json:"overdue_count"`
	OverdueAmount decimal.Decimal `json:"overdue_amount"`
}

// AssessDelinquency evaluates lines as of today.
func AssessDelinquency(lines []InstallmentLine, today Date, policy DelinquencyPolicy) Delinquency {
	d := Delinquency{Status: LateNormal, Bucket: AgingCurrent}

	var oldest Date
	for _, line := range lines {
		if !line.Overdue(today) {
			continue
		}
		d.OverdueCount++
		d.OverdueAmount = d.OverdueAmount.Add(line.Residual())
		if oldest.IsZero() || line.DueDate.Before(oldest) {
			oldest = line.DueDate
		}
	}
	if oldest.IsZero() {
		return d
	}

	d.DaysPastDue = today.DaysSince(oldest)
	if late := d.DaysPastDue - policy.GraceDays; late > 0 {
		d.OverdueDays = late
	}
	switch {
	case d.OverdueDays > policy.LegalDays:
		d.Status = LateLegal
	case d.OverdueDays > policy.AttentionDays:
		d.Status = LateAttention
	}
	d.Bucket = BucketFor(d.DaysPastDue)
	return d
}

// BucketFor maps days past due onto an aging bucket.
func BucketFor(daysPastDue int) AgingBucket {
	switch {
	case daysPastDue <= 0:
		return AgingCurrent
	case daysPastDue <= 30:
		return Aging1To30
	case daysPastDue <= 60:
		return Aging31To60
	case daysPastDue <= 90:
		return Aging61To90
	default:
		return Aging90Plus
	}
}

// =============================================================================
// BALANCES
// =============================================================================

// Balances are the running figures of a contract.
type Balances struct {
	BalanceHire           decimal.Decimal  `json:"balance_hire"`
	TotalPaid             decimal.Decimal  `json:"total_paid"`
	OutstandingBalance    decimal.Decimal  `json:"os_balance"`
	PenaltyBalance        decimal.Decimal  `json:"penalty_balance"`
	MiscFee               decimal.Decimal  `json:"misc_fee"`
	TotalPayable          decimal.Decimal  `json:"total_payable"`
	InstallmentsPaid      int              `json:"installments_paid"`
	InstallmentsRemaining int              `json:"installments_remaining"`
	NextDue               *InstallmentLine `json:"next_due,omitempty"`
}

// Summarize computes contract balances from its lines and penalty state.
func Summarize(lines []InstallmentLine, penalty PenaltyState, miscFee decimal.Decimal) Balances {
	totals := SumLines(lines)
	b := Balances{
		BalanceHire:    totals.Total,
		TotalPaid:      totals.Paid,
		PenaltyBalance: penalty.Balance(),
		MiscFee:        miscFee,
	}
	for i := range lines {
		if lines[i].Open() {
			b.InstallmentsRemaining++
			if b.NextDue == nil || lines[i].DueDate.Before(b.NextDue.DueDate) {
				next := lines[i]
				b.NextDue = &next
			}
		} else {
			b.InstallmentsPaid++
		}
	}
	b.OutstandingBalance = b.BalanceHire.Sub(b.TotalPaid)
	b.TotalPayable = b.OutstandingBalance.Add(b.PenaltyBalance).Add(miscFee)
	return b
}

// AgingReport sums open balances, bucketed by each contract's oldest overdue line.
type AgingReport struct {
	AsOf      Date                            `json:"as_of"`
	Buckets   map[AgingBucket]decimal.Decimal `json:"buckets"`
	Contracts map[AgingBucket]int             `json:"contracts"`
	Total     decimal.Decimal                 `json:"total"`
}

func NewAgingReport(asOf Date) *AgingReport {
	r := &AgingReport{
		AsOf:      asOf,
		Buckets:   make(map[AgingBucket]decimal.Decimal, len(AgingBuckets)),
		Contracts: make(map[AgingBucket]int, len(AgingBuckets)),
	}
	for _, b := range AgingBuckets {
		r.Buckets[b] = decimal.Zero
	}
	return r
}

// Add places one contract's open balance in the bucket of its oldest overdue line.
func (r *AgingReport) Add(lines []InstallmentLine) {
	d := AssessDelinquency(lines, r.AsOf, DelinquencyPolicy{})
	open := decimal.Zero
	for _, l := range lines {
		if l.Open() {
			open = open.Add(l.Residual())
		}
	}
	if !open.IsPositive() {
		return
	}
	r.Buckets[d.Bucket] = r.Buckets[d.Bucket].Add(open)
	r.Contracts[d.Bucket]++
	r.Total = r.Total.Add(open)
}
