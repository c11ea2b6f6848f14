package state

import (
	"fmt"
	"time"

	fpmath "CdpLedger/internal/math"

	"github.com/holiman/uint256"
)

// RedemptionFees tracks the redemption base rate. Every redemption raises
// it by the redeemed fraction of system debt divided by RedemptionBeta;
// between redemptions it decays by MinuteDecayFactor per whole minute.
type RedemptionFees struct {
	params         *SystemParams
	baseRate       *uint256.Int
	lastRedemption time.Time
}

// FeeState is the serializable form of RedemptionFees.
type FeeState struct {
	BaseRate       *uint256.Int `json:"base_rate"`
	LastRedemption time.Time    `json:"last_redemption,omitzero"`
}

// RedemptionCharge is the fee taken from one redemption.
type RedemptionCharge struct {
	BaseRate *uint256.Int // after the update
	Rate     *uint256.Int // floor + base rate, capped at 100%
	Fee      *uint256.Int // collateral shares withheld from the redeemer
}

func NewRedemptionFees(params *SystemParams) *RedemptionFees {
	return &RedemptionFees{params: params, baseRate: fpmath.Zero()}
}

// DecayedBaseRate returns the base rate as of at.
func (f *RedemptionFees) DecayedBaseRate(at time.Time) *uint256.Int {
	factor := fpmath.DecPow(f.params.MinuteDecayFactor, f.minutesSince(at))
	return fpmath.MulDiv(f.baseRate, factor, fpmath.AmountConfig.Scale)
}

// RedemptionRate returns floor + rate, capped at 100%.
func (f *RedemptionFees) RedemptionRate(baseRate *uint256.Int) *uint256.Int {
	return fpmath.Min(fpmath.Add(f.params.RedemptionFeeFloor, baseRate), fpmath.Precision())
}

// Charge updates the base rate for a redemption drawing collDrawn shares
// worth collValue, then prices the fee on collDrawn. totalDebt is the
// system debt before the redemption.
func (f *RedemptionFees) Charge(collDrawn, collValue, price, totalDebt *uint256.Int, at time.Time) (RedemptionCharge, error) {
	if totalDebt.IsZero() {
		return RedemptionCharge{}, ErrNothingToRedeem
	}

	fraction := fpmath.MulDiv(collValue, price, totalDebt)
	increase := new(uint256.Int).Div(fraction, uint256.NewInt(f.params.RedemptionBeta))
	baseRate := fpmath.Min(fpmath.Add(f.DecayedBaseRate(at), increase), fpmath.Precision())

	rate := f.RedemptionRate(baseRate)
	fee := fpmath.MulDiv(rate, collDrawn, fpmath.AmountConfig.Scale)
	if !fee.Lt(collDrawn) {
		return RedemptionCharge{}, fmt.Errorf("%w: fee %s of %s", ErrFeeEatsCollateral, fee.Dec(), collDrawn.Dec())
	}

	f.baseRate = baseRate
	f.touch(at)
	return RedemptionCharge{BaseRate: baseRate.Clone(), Rate: rate, Fee: fee}, nil
}

// touch moves the decay origin only once a whole minute has passed, so a
// stream of redemptions cannot hold off the decay.
func (f *RedemptionFees) touch(at time.Time) {
	if f.lastRedemption.IsZero() || at.Sub(f.lastRedemption) >= time.Minute {
		f.lastRedemption = at
	}
}

func (f *RedemptionFees) minutesSince(at time.Time) uint64 {
	if f.lastRedemption.IsZero() || !at.After(f.lastRedemption) {
		return 0
	}
	return uint64(at.Sub(f.lastRedemption) / time.Minute)
}

func (f *RedemptionFees) BaseRate() *uint256.Int { return f.baseRate.Clone() }

func (f *RedemptionFees) LastRedemption() time.Time { return f.lastRedemption }

func (f *RedemptionFees) State() FeeState {
	return FeeState{BaseRate: f.baseRate.Clone(), LastRedemption: f.lastRedemption}
}

func (f *RedemptionFees) Restore(s FeeState) {
	f.baseRate = fpmath.Clone(s.BaseRate)
	f.lastRedemption = s.LastRedemption
}
