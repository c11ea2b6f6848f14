package state

import (
	"fmt"
	"time"

	fpmath "CdpLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SystemParams defines protocol thresholds. Ratios are 1e18-scaled.
type SystemParams struct {
	MCR                 *uint256.Int  // Minimum collateral ratio (e.g. 1.1e18 = 110%)
	CCR                 *uint256.Int  // Critical collateral ratio; TCR below this is Recovery Mode
	LICR                *uint256.Int  // Ratio below which positions skip the grace period (100%)
	GracePeriod         time.Duration // Recovery Mode cooldown before MCR <= ICR < TCR liquidations
	MinNetDebt          *uint256.Int  // Smallest debt an Active position may carry
	GasCompDivisor      uint64        // Gas compensation = coll / divisor (200 = 0.5%)
	MaxListSize         int           // SortedCdps capacity
	MaxInsertIterations int           // Hint correction walk bound
	PriceMaxAge         time.Duration // PriceSource staleness bound

	RedemptionFeeFloor *uint256.Int // Minimum redemption fee rate (0.5%)
	MinuteDecayFactor  *uint256.Int // Base rate decay per minute, 1e18-scaled
	RedemptionBeta     uint64       // Divisor applied to the redeemed debt fraction
	StakingRewardSplit *uint256.Int // Protocol share of collateral yield

	// Operator may sweep parked redistributions. uuid.Nil disables sweeps.
	Operator uuid.UUID
}

// DefaultSystemParams returns mainnet-like defaults
func DefaultSystemParams() *SystemParams {
	return &SystemParams{
		MCR:                 fpmath.Percent(110),
		CCR:                 fpmath.Percent(125),
		LICR:                fpmath.Percent(100),
		GracePeriod:         15 * time.Minute,
		MinNetDebt:          fpmath.MustParseAmount("10000000000000000"), // 0.01
		GasCompDivisor:      200,
		MaxListSize:         1_000_000,
		MaxInsertIterations: 10_000,
		PriceMaxAge:         time.Hour,
		RedemptionFeeFloor:  fpmath.MustParseAmount("5000000000000000"),   // 0.5%
		MinuteDecayFactor:   fpmath.MustParseAmount("999037758833783000"), // 12h half-life
		RedemptionBeta:      2,
		StakingRewardSplit:  fpmath.Percent(25),
	}
}

// ValidateSystemParams checks that thresholds are coherent:
// LICR <= MCR < CCR, divisor > 0, capacity and iteration bounds > 0,
// fee rates within 100%.
func ValidateSystemParams(p *SystemParams) error {
	if p.MCR == nil || p.CCR == nil || p.LICR == nil || p.MinNetDebt == nil {
		return fmt.Errorf("ratios and min net debt must be set")
	}
	if p.LICR.Gt(p.MCR) {
		return fmt.Errorf("licr (%s) must be <= mcr (%s)", p.LICR.Dec(), p.MCR.Dec())
	}
	if !p.MCR.Lt(p.CCR) {
		return fmt.Errorf("mcr (%s) must be < ccr (%s)", p.MCR.Dec(), p.CCR.Dec())
	}
	if p.GracePeriod < 0 {
		return fmt.Errorf("grace period must be >= 0, got %s", p.GracePeriod)
	}
	if p.GasCompDivisor == 0 {
		return fmt.Errorf("gas compensation divisor must be > 0")
	}
	if p.MaxListSize <= 0 {
		return fmt.Errorf("max list size must be > 0, got %d", p.MaxListSize)
	}
	if p.MaxInsertIterations <= 0 {
		return fmt.Errorf("max insert iterations must be > 0, got %d", p.MaxInsertIterations)
	}
	if p.PriceMaxAge <= 0 {
		return fmt.Errorf("price max age must be > 0, got %s", p.PriceMaxAge)
	}
	if p.RedemptionFeeFloor == nil || p.MinuteDecayFactor == nil || p.StakingRewardSplit == nil {
		return fmt.Errorf("fee parameters must be set")
	}
	one := fpmath.Precision()
	if p.RedemptionFeeFloor.Gt(one) {
		return fmt.Errorf("redemption fee floor (%s) must be <= 1e18", p.RedemptionFeeFloor.Dec())
	}
	if p.MinuteDecayFactor.IsZero() || !p.MinuteDecayFactor.Lt(one) {
		return fmt.Errorf("minute decay factor (%s) must be in (0, 1e18)", p.MinuteDecayFactor.Dec())
	}
	if p.RedemptionBeta == 0 {
		return fmt.Errorf("redemption beta must be > 0")
	}
	if p.StakingRewardSplit.Gt(one) {
		return fmt.Errorf("staking reward split (%s) must be <= 1e18", p.StakingRewardSplit.Dec())
	}
	return nil
}
