package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CollateralToken converts between collateral shares and collateral value.
// collateral.ShareIndex implements it.
type CollateralToken interface {
	SharesToValue(shares *uint256.Int) *uint256.Int
	ValueToShares(value *uint256.Int) *uint256.Int
}

// DebtToken issues and burns the debt token. ledger.TokenBook implements
// it on top of the batch being built, so every mint and burn is a journal.
type DebtToken interface {
	Mint(to uuid.UUID, amount *uint256.Int)
	Burn(from uuid.UUID, amount *uint256.Int) error
	BalanceOf(owner uuid.UUID) *uint256.Int
}

// PriceSource returns the collateral price at a versioned time.
// valid == false aborts any price-dependent operation.
type PriceSource interface {
	FetchPrice(at time.Time) (price *uint256.Int, valid bool)
}

// StabilityPool absorbs liquidated debt in exchange for collateral.
// Offset returns the debt actually offset; anything other than the
// requested amount aborts the operation.
type StabilityPool interface {
	TotalDeposits() *uint256.Int
	Offset(debtToOffset, collToAdd *uint256.Int) (*uint256.Int, error)
}
