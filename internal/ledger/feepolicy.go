package ledger

import "github.com/shopspring/decimal"

// FeePolicy computes a percentage fee with a floor minimum. The same shape is
// reused for trade fees, server fees and withdrawal fees; only the rate and
// floor differ per context. Min is expressed in the same units as the amount
// being charged (callers converting a USD floor do so via the pricing
// collaborator before constructing the policy).
type FeePolicy struct {
	Rate decimal.Decimal
	Min  decimal.Decimal
}

// NoFee charges nothing.
var NoFee = FeePolicy{}

// NewFeePolicy builds a policy from a fractional rate (0.02 = 2%) and a floor.
func NewFeePolicy(rate, min decimal.Decimal) FeePolicy {
	return FeePolicy{Rate: rate, Min: min}
}

// Fee returns max(amount * rate, min), or zero for the zero policy.
func (p FeePolicy) Fee(amount decimal.Decimal) decimal.Decimal {
	if p.Rate.IsZero() && p.Min.IsZero() {
		return decimal.Zero
	}
	fee := amount.Mul(p.Rate)
	if fee.LessThan(p.Min) {
		return p.Min
	}
	return fee
}

// IsZero reports whether the policy charges no fee at all.
func (p FeePolicy) IsZero() bool {
	return p.Rate.IsZero() && p.Min.IsZero()
}
