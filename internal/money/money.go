// Package money holds the fixed-point arithmetic shared by the ledger and the escrow engine.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits stored for every amount.
const Scale = 2

var ErrInvalidRate = errors.New("commission rate must be within [0, 1)")

var hundred = decimal.NewFromInt(100)

// Split decomposes a held amount into the seller payout and the platform commission.
// The payout is rounded down to Scale, so any remainder lands in the commission and
// payout+commission always equals amount.
func Split(amount, rate decimal.Decimal) (payout, commission decimal.Decimal, err error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, decimal.Zero, ErrInvalidRate
	}
	payout = amount.Sub(amount.Mul(rate)).RoundFloor(Scale)
	commission = amount.Sub(payout)
	return payout, commission, nil
}

// Rates resolves a seller's commission rate from the plan slug.
type Rates struct {
	def   decimal.Decimal
	plans map[string]decimal.Decimal
}

// NewRates parses a plan→rate table. Invalid entries are rejected so a typo never turns
// into a free release.
func NewRates(def string, plans map[string]string) (*Rates, error) {
	d, err := parseRate(def)
	if err != nil {
		return nil, err
	}
	r := &Rates{def: d, plans: make(map[string]decimal.Decimal, len(plans))}
	for slug, raw := range plans {
		v, err := parseRate(raw)
		if err != nil {
			return nil, err
		}
		r.plans[slug] = v
	}
	return r, nil
}

// For returns the rate for plan, or the default rate for unknown/empty plans.
func (r *Rates) For(plan string) decimal.Decimal {
	if v, ok := r.plans[plan]; ok {
		return v
	}
	return r.def
}

func parseRate(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if v.IsNegative() || v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrInvalidRate
	}
	return v, nil
}

// ToMinor converts a major-unit amount to integer minor units (tiyin, cents).
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinor converts integer minor units back to a major-unit amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Scale)
}

// Valid reports whether amount is positive and carries no more than Scale fractional digits.
func Valid(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(Scale))
}
