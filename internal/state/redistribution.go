package state

import (
	fpmath "CdpLedger/internal/math"

	"github.com/holiman/uint256"
)

// RedistributionLedger holds the global per-unit-stake accumulators that let
// each position pull its share of liquidated debt and collateral lazily.
//
// Division remainders are carried in lastDebtError/lastCollError and fed
// into the next distribution so the sum of index increments times stake
// never exceeds what was actually distributed.
type RedistributionLedger struct {
	debtIndex *uint256.Int // Σ debt per unit stake, 1e18-scaled
	collIndex *uint256.Int // Σ coll shares per unit stake, 1e18-scaled
	feeIndex  *uint256.Int // Σ staking split fee shares per unit stake, 1e18-scaled

	totalStakes             *uint256.Int
	totalStakesSnapshot     *uint256.Int
	totalCollateralSnapshot *uint256.Int

	lastDebtError *uint256.Int
	lastCollError *uint256.Int
	lastFeeError  *uint256.Int

	// Remainders that arrived while no stake existed. Non-claimable until
	// SweepParked redistributes them.
	parkedDebt *uint256.Int
	parkedColl *uint256.Int
}

// DistributionResult reports how a remainder was absorbed.
type DistributionResult struct {
	Parked       bool
	DebtPerStake *uint256.Int
	CollPerStake *uint256.Int
}

// RedistributionState is the serializable form of the ledger.
type RedistributionState struct {
	DebtIndex               *uint256.Int `json:"debt_index"`
	CollIndex               *uint256.Int `json:"coll_index"`
	FeeIndex                *uint256.Int `json:"fee_index"`
	TotalStakes             *uint256.Int `json:"total_stakes"`
	TotalStakesSnapshot     *uint256.Int `json:"total_stakes_snapshot"`
	TotalCollateralSnapshot *uint256.Int `json:"total_collateral_snapshot"`
	LastDebtError           *uint256.Int `json:"last_debt_error"`
	LastCollError           *uint256.Int `json:"last_coll_error"`
	LastFeeError            *uint256.Int `json:"last_fee_error"`
	ParkedDebt              *uint256.Int `json:"parked_debt"`
	ParkedColl              *uint256.Int `json:"parked_coll"`
}

func NewRedistributionLedger() *RedistributionLedger {
	return &RedistributionLedger{
		debtIndex:               fpmath.Zero(),
		collIndex:               fpmath.Zero(),
		feeIndex:                fpmath.Zero(),
		totalStakes:             fpmath.Zero(),
		totalStakesSnapshot:     fpmath.Zero(),
		totalCollateralSnapshot: fpmath.Zero(),
		lastDebtError:           fpmath.Zero(),
		lastCollError:           fpmath.Zero(),
		lastFeeError:            fpmath.Zero(),
		parkedDebt:              fpmath.Zero(),
		parkedColl:              fpmath.Zero(),
	}
}

// PendingRewards returns stake * (index - snapshot) / 1e18 for both assets.
// Non-active positions have no pending claims.
func (r *RedistributionLedger) PendingRewards(c *Cdp) (debt, coll *uint256.Int) {
	if !c.IsActive() || c.Stake.IsZero() {
		return fpmath.Zero(), fpmath.Zero()
	}

	precision := fpmath.AmountConfig.Scale
	debt = fpmath.MulDiv(c.Stake, fpmath.Sub(r.debtIndex, c.DebtIndexSnapshot), precision)
	coll = fpmath.MulDiv(c.Stake, fpmath.Sub(r.collIndex, c.CollIndexSnapshot), precision)
	return debt, coll
}

// PendingFee returns the staking split fee c owes since its last sync,
// stake * (feeIndex - snapshot) / 1e18, capped at the collateral it holds
// once rewards are included.
func (r *RedistributionLedger) PendingFee(c *Cdp) *uint256.Int {
	if !c.IsActive() || c.Stake.IsZero() {
		return fpmath.Zero()
	}
	fee := fpmath.MulDiv(c.Stake, fpmath.Sub(r.feeIndex, fpmath.Clone(c.FeeIndexSnapshot)), fpmath.AmountConfig.Scale)
	_, pendingColl := r.PendingRewards(c)
	return fpmath.Min(fee, fpmath.Add(c.CollShares, pendingColl))
}

// ApplyRedistribution returns the synced view of c without mutating it.
func (r *RedistributionLedger) ApplyRedistribution(c *Cdp) SyncedCdp {
	pendingDebt, pendingColl := r.PendingRewards(c)
	pendingFee := r.PendingFee(c)
	return SyncedCdp{
		ID:          c.ID,
		Debt:        fpmath.Add(c.Debt, pendingDebt),
		CollShares:  fpmath.Sub(fpmath.Add(c.CollShares, pendingColl), pendingFee),
		Stake:       c.Stake.Clone(),
		PendingDebt: pendingDebt,
		PendingColl: pendingColl,
		PendingFee:  pendingFee,
	}
}

// SnapshotIndicesTo marks c as synced with the current indices.
func (r *RedistributionLedger) SnapshotIndicesTo(c *Cdp) {
	c.DebtIndexSnapshot = r.debtIndex.Clone()
	c.CollIndexSnapshot = r.collIndex.Clone()
	c.FeeIndexSnapshot = r.feeIndex.Clone()
}

// ChargeFee spreads a staking split fee over totalStakes. Each position
// pays its share when it next syncs. Returns false when no stake exists.
func (r *RedistributionLedger) ChargeFee(fee *uint256.Int) bool {
	if fee.IsZero() || r.totalStakes.IsZero() {
		return false
	}
	r.feeIndex = fpmath.Add(r.feeIndex, r.accumulate(fee, &r.lastFeeError))
	return true
}

// Distribute spreads a liquidation remainder over totalStakes. The closing
// position's stake must already be removed. With no stake left the
// remainder is parked instead.
func (r *RedistributionLedger) Distribute(debt, coll *uint256.Int) DistributionResult {
	if debt.IsZero() && coll.IsZero() {
		return DistributionResult{DebtPerStake: fpmath.Zero(), CollPerStake: fpmath.Zero()}
	}

	if r.totalStakes.IsZero() {
		r.parkedDebt = fpmath.Add(r.parkedDebt, debt)
		r.parkedColl = fpmath.Add(r.parkedColl, coll)
		return DistributionResult{Parked: true, DebtPerStake: fpmath.Zero(), CollPerStake: fpmath.Zero()}
	}

	debtPerStake := r.accumulate(debt, &r.lastDebtError)
	collPerStake := r.accumulate(coll, &r.lastCollError)

	r.debtIndex = fpmath.Add(r.debtIndex, debtPerStake)
	r.collIndex = fpmath.Add(r.collIndex, collPerStake)

	return DistributionResult{DebtPerStake: debtPerStake, CollPerStake: collPerStake}
}

// accumulate returns floor((amount*1e18 + carry) / totalStakes) and stores
// the new remainder in carry.
func (r *RedistributionLedger) accumulate(amount *uint256.Int, carry **uint256.Int) *uint256.Int {
	numerator := fpmath.Add(fpmath.Mul(amount, fpmath.AmountConfig.Scale), *carry)
	perStake := new(uint256.Int).Div(numerator, r.totalStakes)
	*carry = fpmath.Sub(numerator, fpmath.Mul(perStake, r.totalStakes))
	return perStake
}

// ComputeStake derives a stake from collateral shares:
// coll * totalStakesSnapshot / totalCollateralSnapshot, or coll itself
// before the first liquidation.
func (r *RedistributionLedger) ComputeStake(collShares *uint256.Int) *uint256.Int {
	if r.totalCollateralSnapshot.IsZero() {
		return collShares.Clone()
	}
	return fpmath.MulDiv(collShares, r.totalStakesSnapshot, r.totalCollateralSnapshot)
}

// UpdateStakeAndTotals recomputes c's stake from newCollShares and adjusts
// totalStakes. Returns the new stake.
func (r *RedistributionLedger) UpdateStakeAndTotals(c *Cdp, newCollShares *uint256.Int) *uint256.Int {
	newStake := r.ComputeStake(newCollShares)
	r.totalStakes = fpmath.Add(fpmath.Sub(r.totalStakes, c.Stake), newStake)
	c.Stake = newStake
	return newStake
}

// RemoveStake zeroes c's stake and removes it from totalStakes.
func (r *RedistributionLedger) RemoveStake(c *Cdp) {
	r.totalStakes = fpmath.Sub(r.totalStakes, c.Stake)
	c.Stake = fpmath.Zero()
}

// UpdateSystemSnapshots captures totalStakes and the system collateral
// after a liquidation or redemption sequence.
func (r *RedistributionLedger) UpdateSystemSnapshots(totalCollShares *uint256.Int) {
	r.totalStakesSnapshot = r.totalStakes.Clone()
	r.totalCollateralSnapshot = totalCollShares.Clone()
}

// SweepParked redistributes the parked remainder over the current stakes.
func (r *RedistributionLedger) SweepParked() (debt, coll *uint256.Int, err error) {
	if r.parkedDebt.IsZero() && r.parkedColl.IsZero() {
		return nil, nil, ErrNothingParked
	}
	if r.totalStakes.IsZero() {
		return nil, nil, ErrNoActiveStakes
	}

	debt, coll = r.parkedDebt, r.parkedColl
	r.parkedDebt, r.parkedColl = fpmath.Zero(), fpmath.Zero()
	r.Distribute(debt, coll)
	return debt, coll, nil
}

// --- Views ---

func (r *RedistributionLedger) DebtIndex() *uint256.Int { return r.debtIndex.Clone() }
func (r *RedistributionLedger) CollIndex() *uint256.Int { return r.collIndex.Clone() }
func (r *RedistributionLedger) FeeIndex() *uint256.Int { return r.feeIndex.Clone() }
func (r *RedistributionLedger) TotalStakes() *uint256.Int { return r.totalStakes.Clone() }
func (r *RedistributionLedger) ParkedDebt() *uint256.Int { return r.parkedDebt.Clone() }
func (r *RedistributionLedger) ParkedColl() *uint256.Int { return r.parkedColl.Clone() }

func (r *RedistributionLedger) TotalStakesSnapshot() *uint256.Int {
	return r.totalStakesSnapshot.Clone()
}

func (r *RedistributionLedger) TotalCollateralSnapshot() *uint256.Int {
	return r.totalCollateralSnapshot.Clone()
}

// State returns a deep copy for snapshots and checkpoints.
func (r *RedistributionLedger) State() RedistributionState {
	return RedistributionState{
		DebtIndex:               r.debtIndex.Clone(),
		CollIndex:               r.collIndex.Clone(),
		FeeIndex:                r.feeIndex.Clone(),
		TotalStakes:             r.totalStakes.Clone(),
		TotalStakesSnapshot:     r.totalStakesSnapshot.Clone(),
		TotalCollateralSnapshot: r.totalCollateralSnapshot.Clone(),
		LastDebtError:           r.lastDebtError.Clone(),
		LastCollError:           r.lastCollError.Clone(),
		LastFeeError:            r.lastFeeError.Clone(),
		ParkedDebt:              r.parkedDebt.Clone(),
		ParkedColl:              r.parkedColl.Clone(),
	}
}

// Restore replaces the ledger contents with s.
func (r *RedistributionLedger) Restore(s RedistributionState) {
	r.debtIndex = fpmath.Clone(s.DebtIndex)
	r.collIndex = fpmath.Clone(s.CollIndex)
	r.feeIndex = fpmath.Clone(s.FeeIndex)
	r.totalStakes = fpmath.Clone(s.TotalStakes)
	r.totalStakesSnapshot = fpmath.Clone(s.TotalStakesSnapshot)
	r.totalCollateralSnapshot = fpmath.Clone(s.TotalCollateralSnapshot)
	r.lastDebtError = fpmath.Clone(s.LastDebtError)
	r.lastCollError = fpmath.Clone(s.LastCollError)
	r.lastFeeError = fpmath.Clone(s.LastFeeError)
	r.parkedDebt = fpmath.Clone(s.ParkedDebt)
	r.parkedColl = fpmath.Clone(s.ParkedColl)
}
