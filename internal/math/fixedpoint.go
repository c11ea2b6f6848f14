package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int          // Number of decimal places
	Scale            *uint256.Int // 10^DecimalPrecision
}

var (
	// AmountConfig is used for collateral shares, debt and prices (1e18).
	AmountConfig = DecimalConfig{DecimalPrecision: 18, Scale: uint256.NewInt(1_000_000_000_000_000_000)}

	// NICRConfig is the nominal ratio scale. Nominal ratios carry two extra
	// digits so low-debt positions still sort distinctly.
	NICRConfig = DecimalConfig{DecimalPrecision: 20, Scale: new(uint256.Int).Mul(uint256.NewInt(100), uint256.NewInt(1_000_000_000_000_000_000))}
)

// Precision returns a fresh copy of 1e18.
func Precision() *uint256.Int {
	return new(uint256.Int).Set(AmountConfig.Scale)
}

// MaxRatio is returned for ratios with a zero denominator.
func MaxRatio() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Floor (default for all protocol math)
	RoundUp
)

// MulDiv computes floor(x * y / d) with a 512-bit intermediate.
// Panics if d is zero or the result does not fit in 256 bits: both are
// programming errors in the caller.
func MulDiv(x, y, d *uint256.Int) *uint256.Int {
	return MulDivRounding(x, y, d, RoundDown)
}

// MulDivUp computes ceil(x * y / d).
func MulDivUp(x, y, d *uint256.Int) *uint256.Int {
	return MulDivRounding(x, y, d, RoundUp)
}

func MulDivRounding(x, y, d *uint256.Int, mode RoundingMode) *uint256.Int {
	if d.IsZero() {
		panic("FATAL: MulDiv by zero")
	}
	if x.IsZero() || y.IsZero() {
		return new(uint256.Int)
	}

	quotient, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		panic(fmt.Sprintf("FATAL: MulDiv overflow: %s * %s / %s", x.Dec(), y.Dec(), d.Dec()))
	}

	if mode == RoundUp {
		// Remainder check: (x*y) mod d != 0
		rem := new(uint256.Int).MulMod(x, y, d)
		if !rem.IsZero() {
			quotient.AddUint64(quotient, 1)
		}
	}

	return quotient
}

// Add returns x + y, panicking on overflow.
func Add(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		panic(fmt.Sprintf("FATAL: add overflow: %s + %s", x.Dec(), y.Dec()))
	}
	return z
}

// Mul returns x * y, panicking on overflow.
func Mul(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		panic(fmt.Sprintf("FATAL: mul overflow: %s * %s", x.Dec(), y.Dec()))
	}
	return z
}

// Sub returns x - y, panicking on underflow. Callers check ordering first
// wherever an underflow is a user-input condition rather than a bug.
func Sub(x, y *uint256.Int) *uint256.Int {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		panic(fmt.Sprintf("FATAL: sub underflow: %s - %s", x.Dec(), y.Dec()))
	}
	return z
}

// SubFloor returns max(x - y, 0).
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// Zero returns a new zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Clone copies v, treating nil as zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// Input bounds. Amounts stay below 2^128 and prices or share indices below
// 2^96, which keeps every ratio product inside MulDiv's 256-bit result.
var (
	maxAmount = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	maxRate   = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
)

// CheckAmount rejects an untrusted amount at or above 2^128. Nil passes.
func CheckAmount(v *uint256.Int) error {
	if v != nil && !v.Lt(maxAmount) {
		return fmt.Errorf("%w: %s >= 2^128", ErrAmountTooLarge, v.Dec())
	}
	return nil
}

// CheckRate rejects a price or share index at or above 2^96.
func CheckRate(v *uint256.Int) error {
	if v != nil && !v.Lt(maxRate) {
		return fmt.Errorf("%w: rate %s >= 2^96", ErrAmountTooLarge, v.Dec())
	}
	return nil
}

// ParseAmount parses a base-10 integer string (already scaled to 1e18).
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}
