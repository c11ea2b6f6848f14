package state

import (
	"fmt"

	fpmath "CdpLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RedemptionRecord describes the effect of a redemption on one position.
type RedemptionRecord struct {
	CdpID        uuid.UUID
	Owner        uuid.UUID
	PendingDebt  *uint256.Int
	PendingColl  *uint256.Int
	PendingFee   *uint256.Int
	DebtRedeemed *uint256.Int
	CollRedeemed *uint256.Int
	Closed       bool
	CollSurplus  *uint256.Int // remaining collateral of a fully redeemed position
}

type RedemptionResult struct {
	Records      []RedemptionRecord
	TotalDebt    *uint256.Int
	TotalColl    *uint256.Int
	TotalSurplus *uint256.Int
	Unredeemed   *uint256.Int
}

// Redeem exchanges debt tokens for collateral at face value, starting from
// the riskiest position with ICR >= MCR. A partial redemption that would
// leave a position below MinNetDebt ends the walk. maxIterations == 0 means
// unbounded.
func (l *Liquidator) Redeem(amount *uint256.Int, maxIterations int, price *uint256.Int) (*RedemptionResult, error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if tcr := l.mode.GetTCR(price); tcr.Lt(l.params.MCR) {
		return nil, fmt.Errorf("%w: tcr %s", ErrRedemptionBelowMCR, tcr.Dec())
	}

	result := &RedemptionResult{
		TotalDebt:    fpmath.Zero(),
		TotalColl:    fpmath.Zero(),
		TotalSurplus: fpmath.Zero(),
	}
	remaining := amount.Clone()

	id := l.sorted.GetLast()
	for id != uuid.Nil && l.syncedICR(id, price).Lt(l.params.MCR) {
		id = l.sorted.GetPrev(id)
	}

	for n := 0; id != uuid.Nil && !remaining.IsZero(); n++ {
		if maxIterations > 0 && n >= maxIterations {
			break
		}
		prev := l.sorted.GetPrev(id)

		record, ok, err := l.redeemOne(id, remaining, price)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		remaining = fpmath.Sub(remaining, record.DebtRedeemed)
		result.TotalDebt = fpmath.Add(result.TotalDebt, record.DebtRedeemed)
		result.TotalColl = fpmath.Add(result.TotalColl, record.CollRedeemed)
		result.TotalSurplus = fpmath.Add(result.TotalSurplus, record.CollSurplus)
		result.Records = append(result.Records, *record)

		id = prev
	}

	if len(result.Records) == 0 {
		return nil, ErrNothingToRedeem
	}

	result.Unredeemed = remaining
	l.ledger.UpdateSystemSnapshots(l.store.Totals().SystemColl())
	return result, nil
}

func (l *Liquidator) syncedICR(id uuid.UUID, price *uint256.Int) *uint256.Int {
	cdp, ok := l.store.Get(id)
	if !ok {
		panic(fmt.Sprintf("FATAL: registry id %s missing from store", id))
	}
	synced := l.ledger.ApplyRedistribution(cdp)
	return l.mode.ICR(synced.CollShares, synced.Debt, price)
}

// redeemOne returns false without mutating anything when a partial
// redemption would leave the position under MinNetDebt.
func (l *Liquidator) redeemOne(id uuid.UUID, remaining, price *uint256.Int) (*RedemptionRecord, bool, error) {
	cdp, err := l.store.GetActive(id)
	if err != nil {
		panic(fmt.Sprintf("FATAL: registry id %s not active: %v", id, err))
	}

	synced := l.ledger.ApplyRedistribution(cdp)
	debtToRedeem := fpmath.Min(remaining, synced.Debt)
	full := debtToRedeem.Eq(synced.Debt)

	if !full && fpmath.Sub(synced.Debt, debtToRedeem).Lt(l.params.MinNetDebt) {
		return nil, false, nil
	}

	value := fpmath.MulDiv(debtToRedeem, fpmath.AmountConfig.Scale, price)
	collToRedeem := fpmath.Min(l.collateral.ValueToShares(value), synced.CollShares)

	if _, err := l.store.SyncPending(id); err != nil {
		panic(fmt.Sprintf("FATAL: sync of active cdp %s failed: %v", id, err))
	}

	record := &RedemptionRecord{
		CdpID:        id,
		Owner:        cdp.Owner,
		PendingDebt:  synced.PendingDebt,
		PendingColl:  synced.PendingColl,
		PendingFee:   synced.PendingFee,
		DebtRedeemed: debtToRedeem,
		CollRedeemed: collToRedeem,
		CollSurplus:  fpmath.Zero(),
	}

	if full {
		_, coll, err := l.store.Close(id, CdpStatusClosedByRedemption)
		if err != nil {
			panic(fmt.Sprintf("FATAL: close of synced cdp %s failed: %v", id, err))
		}
		if err := l.sorted.Remove(id); err != nil {
			panic(fmt.Sprintf("FATAL: active cdp %s missing from registry: %v", id, err))
		}
		record.Closed = true
		record.CollSurplus = fpmath.Sub(coll, collToRedeem)
		return record, true, nil
	}

	oldPrev, oldNext := l.sorted.GetPrev(id), l.sorted.GetNext(id)
	if _, err := l.store.Adjust(id, collToRedeem, false, debtToRedeem, false); err != nil {
		panic(fmt.Sprintf("FATAL: redemption adjust of cdp %s failed: %v", id, err))
	}
	if err := l.sorted.ReInsert(id, l.store.SyncedNICR(id), oldPrev, oldNext); err != nil {
		return nil, false, fmt.Errorf("reinsert redeemed cdp %s: %w", id, err)
	}
	return record, true, nil
}
