package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// PORTFOLIO SUMMARY - Totals per contract status
// =============================================================================

// PortfolioGroup aggregates the contracts of one status.
// A contract counts as overdue when any open line is past its due date; its
// whole outstanding balance then counts towards Overdue.
type PortfolioGroup struct {
	Contracts      int             `json:"contracts"`
	CashPrice      decimal.Decimal `json:"cash_price"`
	DownPayment    decimal.Decimal `json:"down_payment"`
	LoanAmount     decimal.Decimal `json:"loan_amount"`
	TotalInterest  decimal.Decimal `json:"total_interest"`
	TotalHire      decimal.Decimal `json:"total_hire"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	Outstanding    decimal.Decimal `json:"outstanding"`
	Overdue        decimal.Decimal `json:"overdue"`
	Penalties      decimal.Decimal `json:"penalties"`
	OverdueCount   int             `json:"overdue_contracts"`
	OverduePercent decimal.Decimal `json:"overdue_percent"`
	CollectionRate decimal.Decimal `json:"collection_rate"`
	AvgDaysOverdue decimal.Decimal `json:"avg_days_overdue"`

	daysOverdue int
}

func (g *PortfolioGroup) add(c Contract, lines []InstallmentLine, asOf Date) {
	b := Summarize(lines, c.Penalty, c.MiscFee)
	d := AssessDelinquency(lines, asOf, DelinquencyPolicy{})

	g.Contracts++
	g.CashPrice = g.CashPrice.Add(c.CashPrice)
	g.DownPayment = g.DownPayment.Add(c.DownPayment)
	g.LoanAmount = g.LoanAmount.Add(c.LoanAmount())
	g.TotalInterest = g.TotalInterest.Add(SumLines(lines).Interest)
	g.TotalHire = g.TotalHire.Add(b.BalanceHire)
	g.TotalPaid = g.TotalPaid.Add(b.TotalPaid)
	g.Outstanding = g.Outstanding.Add(b.OutstandingBalance)
	g.Penalties = g.Penalties.Add(b.PenaltyBalance)
	if d.OverdueCount > 0 {
		g.OverdueCount++
		g.Overdue = g.Overdue.Add(b.OutstandingBalance)
		g.daysOverdue += d.DaysPastDue
	}

	g.OverduePercent = percentOf(g.Overdue, g.Outstanding)
	g.CollectionRate = percentOf(g.TotalPaid, g.TotalHire)
	g.AvgDaysOverdue = decimal.NewFromInt(int64(g.daysOverdue)).
		Div(decimal.NewFromInt(int64(g.Contracts))).Round(1)
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole).Round(2)
}

// PortfolioSummary groups every contract by status, with a grand total.
type PortfolioSummary struct {
	AsOf     Date                               `json:"as_of"`
	ByStatus map[ContractStatus]*PortfolioGroup `json:"by_status"`
	Total    PortfolioGroup                     `json:"total"`
}

func NewPortfolioSummary(asOf Date) *PortfolioSummary {
	return &PortfolioSummary{AsOf: asOf, ByStatus: make(map[ContractStatus]*PortfolioGroup)}
}

// Add folds one contract and its lines into its status group and the total.
func (s *PortfolioSummary) Add(c Contract, lines []InstallmentLine) {
	g, ok := s.ByStatus[c.Status]
	if !ok {
		g = &PortfolioGroup{}
		s.ByStatus[c.Status] = g
	}
	g.add(c, lines, s.AsOf)
	s.Total.add(c, lines, s.AsOf)
}
