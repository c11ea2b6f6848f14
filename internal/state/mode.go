package state

import (
	fpmath "CdpLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ShareConverter converts between collateral shares and collateral value.
type ShareConverter interface {
	SharesToValue(shares *uint256.Int) *uint256.Int
	ValueToShares(value *uint256.Int) *uint256.Int
}

// ModeCalculator derives TCR and Recovery Mode from synced system totals.
// Parked remainders are excluded: no position owes them.
type ModeCalculator struct {
	store      *CdpManager
	params     *SystemParams
	collateral ShareConverter
}

func NewModeCalculator(store *CdpManager, params *SystemParams, collateral ShareConverter) *ModeCalculator {
	return &ModeCalculator{store: store, params: params, collateral: collateral}
}

// GetTCR returns system collateral value * price / system debt.
func (mc *ModeCalculator) GetTCR(price *uint256.Int) *uint256.Int {
	totals := mc.store.Totals()
	collValue := mc.collateral.SharesToValue(totals.SystemColl())
	return fpmath.ComputeTCR(collValue, totals.SystemDebt(), price)
}

// CheckRecoveryMode reports TCR < CCR.
func (mc *ModeCalculator) CheckRecoveryMode(price *uint256.Int) bool {
	return mc.GetTCR(price).Lt(mc.params.CCR)
}

// TCRAfter returns the TCR if system collateral and debt changed by the
// given deltas. Used to reject operations that would push TCR below CCR.
func (mc *ModeCalculator) TCRAfter(price, collDelta *uint256.Int, collIncrease bool, debtDelta *uint256.Int, debtIncrease bool) *uint256.Int {
	totals := mc.store.Totals()
	coll := totals.SystemColl()
	debt := totals.SystemDebt()

	if collIncrease {
		coll = fpmath.Add(coll, collDelta)
	} else {
		coll = fpmath.SubFloor(coll, collDelta)
	}
	if debtIncrease {
		debt = fpmath.Add(debt, debtDelta)
	} else {
		debt = fpmath.SubFloor(debt, debtDelta)
	}

	return fpmath.ComputeTCR(mc.collateral.SharesToValue(coll), debt, price)
}

// GetSyncedICR returns a position's ICR with pending rewards applied.
func (mc *ModeCalculator) GetSyncedICR(id uuid.UUID, price *uint256.Int) (*uint256.Int, error) {
	synced, err := mc.store.GetSynced(id)
	if err != nil {
		return nil, err
	}
	return mc.ICR(synced.CollShares, synced.Debt, price), nil
}

// ICR converts shares to value and applies the price.
func (mc *ModeCalculator) ICR(collShares, debt, price *uint256.Int) *uint256.Int {
	return fpmath.ComputeICR(mc.collateral.SharesToValue(collShares), debt, price)
}
