package state

import "errors"

var (
	ErrCdpNotFound              = errors.New("cdp engine: cdp not found")
	ErrCdpNotActive             = errors.New("cdp engine: cdp not active")
	ErrCdpNotLiquidatable       = errors.New("cdp engine: cdp not liquidatable")
	ErrGracePeriodNotFinished   = errors.New("cdp engine: recovery mode grace period not finished")
	ErrNothingToLiquidate       = errors.New("cdp engine: nothing to liquidate")
	ErrNothingToRedeem          = errors.New("cdp engine: nothing to redeem")
	ErrNothingParked            = errors.New("cdp engine: no parked redistribution")
	ErrNoActiveStakes           = errors.New("cdp engine: no active stakes")
	ErrInsufficientCollateral   = errors.New("cdp engine: withdrawal exceeds collateral")
	ErrRepayExceedsDebt         = errors.New("cdp engine: repayment exceeds debt")
	ErrRedemptionBelowMCR       = errors.New("cdp engine: redemptions disabled while TCR < MCR")
	ErrZeroAmount               = errors.New("cdp engine: amount must be positive")
	ErrFeeEatsCollateral        = errors.New("cdp engine: redemption fee would consume all redeemed collateral")
	ErrInvalidCdpID             = errors.New("sorted cdps: invalid id")
	ErrListFull                 = errors.New("sorted cdps: list is full")
	ErrAlreadyInList            = errors.New("sorted cdps: id already in list")
	ErrNotInList                = errors.New("sorted cdps: id not in list")
	ErrZeroNICR                 = errors.New("sorted cdps: nicr must be positive")
	ErrInsertIterationsExceeded = errors.New("sorted cdps: insert position search exceeded max iterations")
)
