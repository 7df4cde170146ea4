/*
Package engine is the amortization, allocation and settlement core.

PURPOSE:
  Turns the commercial terms of a hire-purchase contract into a dated
  schedule of principal/interest splits, applies inbound payments to that
  schedule behind accrued penalties, accrues late-payment penalties and
  quotes early settlement. Every function here is a pure computation over
  value types; persistence and scheduling live in contract/ and store/.

KEY CONCEPTS IN THIS FILE (money.go):
  - Precision: currency decimal places; owns every rounding decision
  - Money amounts are plain decimal.Decimal values

ROUNDING RULES:
  - Installment sizing rounds DOWN to the currency unit (Floor)
  - Interest and allocation splits round half-up (Round)
  - Equality tolerates half a unit (Equal)

SEE ALSO:
  - sizing.go: Floor usage
  - schedule.go: Round usage and final-line reconciliation
*/
package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// PRECISION - Currency rounding
// =============================================================================

// DefaultPrecision is used when a term does not carry its own currency precision.
const DefaultPrecision Precision = 2

// Precision is the number of decimal places of a currency.
type Precision int32

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
	days365 = decimal.NewFromInt(365)
)

func (p Precision) Round(d decimal.Decimal) decimal.Decimal { return d.Round(int32(p)) }
func (p Precision) Floor(d decimal.Decimal) decimal.Decimal { return d.RoundFloor(int32(p)) }

// Unit returns the smallest representable amount, e.g. 0.01 for two places.
func (p Precision) Unit() decimal.Decimal { return decimal.New(1, -int32(p)) }

// Equal compares two amounts within half a currency unit.
func (p Precision) Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(p.Unit().Div(decimal.NewFromInt(2)))
}

// IsZero reports whether d rounds to zero in this currency.
func (p Precision) IsZero(d decimal.Decimal) bool { return p.Round(d).IsZero() }

// Valid reports whether the precision is usable (0..8 places).
func (p Precision) Valid() bool { return p >= 0 && p <= 8 }

// =============================================================================
// HELPERS
// =============================================================================

// MustParseDecimal parses s or returns zero.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
