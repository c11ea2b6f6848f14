package math

import "github.com/holiman/uint256"

// ComputeICR returns collValue * price / debt at 1e18 precision.
// collValue is denominated in collateral units (not shares); price is the
// debt-token value of one collateral unit. A debt-free position has an
// unbounded ratio.
func ComputeICR(collValue, debt, price *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return MaxRatio()
	}
	return MulDiv(collValue, price, debt)
}

// ComputeNICR returns collShares * 1e20 / debt. It ignores price and the
// share index so registry order never moves when either changes.
func ComputeNICR(collShares, debt *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return MaxRatio()
	}
	return MulDiv(collShares, NICRConfig.Scale, debt)
}

// ComputeTCR is ComputeICR applied to system totals.
func ComputeTCR(totalCollValue, totalDebt, price *uint256.Int) *uint256.Int {
	return ComputeICR(totalCollValue, totalDebt, price)
}

// CollValueForDebt returns the collateral value worth debt * ratio at price:
// debt * ratio / price. Used to cap collateral seized in Recovery Mode.
func CollValueForDebt(debt, ratio, price *uint256.Int) *uint256.Int {
	return MulDiv(debt, ratio, price)
}

// Percent builds a 1e18-scaled ratio from a whole percentage.
func Percent(p uint64) *uint256.Int {
	return MulDiv(uint256.NewInt(p), AmountConfig.Scale, uint256.NewInt(100))
}

// maxDecayMinutes caps DecPow's exponent at 1000 years of minutes.
const maxDecayMinutes = 525_600_000

// DecMul returns x * y / 1e18 rounded half up.
func DecMul(x, y *uint256.Int) *uint256.Int {
	half := new(uint256.Int).Rsh(AmountConfig.Scale, 1)
	return new(uint256.Int).Div(Add(Mul(x, y), half), AmountConfig.Scale)
}

// DecPow raises a 1e18-scaled base to the n-th power by repeated squaring.
// The base must not exceed 1e18.
func DecPow(base *uint256.Int, n uint64) *uint256.Int {
	if n > maxDecayMinutes {
		n = maxDecayMinutes
	}
	if n == 0 {
		return Precision()
	}

	x, y := base.Clone(), Precision()
	for n > 1 {
		if n%2 == 0 {
			x = DecMul(x, x)
			n /= 2
		} else {
			y = DecMul(x, y)
			x = DecMul(x, x)
			n = (n - 1) / 2
		}
	}
	return DecMul(x, y)
}
