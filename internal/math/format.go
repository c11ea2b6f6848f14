package math

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ToDecimal converts an 18-decimal fixed-point amount into a decimal for
// display. Never feed the result back into state math.
func ToDecimal(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(AmountConfig.DecimalPrecision))
}

// FormatDecimal renders v as a human-readable decimal string ("1.5").
// Unbounded ratios render as "inf".
func FormatDecimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	if v.Eq(MaxRatio()) {
		return "inf"
	}
	return ToDecimal(v).String()
}

// FormatNICR renders a nominal ratio at its 1e20 scale.
func FormatNICR(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	if v.Eq(MaxRatio()) {
		return "inf"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(NICRConfig.DecimalPrecision)).String()
}

// FormatScaled renders a base-unit integer string (as stored in NUMERIC
// columns) at the given number of decimals.
func FormatScaled(s string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", err
	}
	return d.Shift(-decimals).String(), nil
}

// FromDecimalString parses a human decimal ("2.25") into an 18-decimal
// fixed-point amount, truncating digits past the 18th.
func FromDecimalString(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	scaled := d.Shift(int32(AmountConfig.DecimalPrecision)).Truncate(0)
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}
