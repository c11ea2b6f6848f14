package core

import (
	"fmt"
	"time"

	"CdpLedger/internal/event"
	"CdpLedger/internal/ledger"
	fpmath "CdpLedger/internal/math"
	"CdpLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// currentPrice fetches the price at the operation time, or ErrInvalidPrice.
func (c *CdpCore) currentPrice(at time.Time) (*uint256.Int, error) {
	price, ok := c.prices.FetchPrice(at)
	if !ok {
		return nil, ErrInvalidPrice
	}
	return price, nil
}

// checkInputBounds rejects command amounts and rates too large for the
// ratio math.
func checkInputBounds(evt event.Event) error {
	var amounts, rates []*uint256.Int
	switch e := evt.(type) {
	case *event.FundCollateral:
		amounts = []*uint256.Int{e.Shares}
	case *event.OpenCdp:
		amounts = []*uint256.Int{e.Debt, e.CollShares}
	case *event.AdjustCdp:
		amounts = []*uint256.Int{e.CollDelta, e.DebtDelta}
	case *event.RedeemCollateral:
		amounts = []*uint256.Int{e.Amount}
	case *event.StabilityDeposit:
		amounts = []*uint256.Int{e.Amount}
	case *event.PriceUpdate:
		rates = []*uint256.Int{e.Price}
	case *event.CollateralRebase:
		rates = []*uint256.Int{e.Index}
	}

	for _, v := range amounts {
		if err := fpmath.CheckAmount(v); err != nil {
			return err
		}
	}
	for _, v := range rates {
		if err := fpmath.CheckRate(v); err != nil {
			return err
		}
	}
	return nil
}

func (c *CdpCore) handleFundCollateral(op *opContext, e *event.FundCollateral) error {
	shares := fpmath.Clone(e.Shares)
	if shares.IsZero() {
		return state.ErrZeroAmount
	}
	op.b.FundCollateral(e.Owner, shares)
	return nil
}

func (c *CdpCore) handleOpenCdp(op *opContext, e *event.OpenCdp) error {
	price, err := c.currentPrice(op.at)
	if err != nil {
		return err
	}

	debt, coll := fpmath.Clone(e.Debt), fpmath.Clone(e.CollShares)
	if coll.IsZero() {
		return state.ErrZeroAmount
	}
	if debt.Lt(c.params.MinNetDebt) {
		return fmt.Errorf("%w: %s < %s", ErrDebtBelowMinimum, debt.Dec(), c.params.MinNetDebt.Dec())
	}
	if err := op.tokens.Require(ledger.WalletColl(e.Owner), coll); err != nil {
		return err
	}

	icr := c.mode.ICR(coll, debt, price)
	if c.mode.CheckRecoveryMode(price) {
		if icr.Lt(c.params.CCR) {
			return fmt.Errorf("%w: icr %s", ErrICRBelowCCR, fpmath.FormatDecimal(icr))
		}
	} else {
		if icr.Lt(c.params.MCR) {
			return fmt.Errorf("%w: icr %s", ErrICRBelowMCR, fpmath.FormatDecimal(icr))
		}
		if tcr := c.mode.TCRAfter(price, coll, true, debt, true); tcr.Lt(c.params.CCR) {
			return fmt.Errorf("%w: tcr %s", ErrTCRBelowCCR, fpmath.FormatDecimal(tcr))
		}
	}
	if c.sorted.IsFull() {
		return state.ErrListFull
	}

	cdp := c.store.Open(e.Owner, debt, coll, op.at.UnixMicro())
	if err := c.sorted.Insert(cdp.ID, c.store.SyncedNICR(cdp.ID), e.Prev, e.Next); err != nil {
		return fmt.Errorf("insert cdp %s: %w", cdp.ID, err)
	}

	op.b.LockCollateral(e.Owner, coll)
	op.debt.Mint(e.Owner, debt)
	op.touch(cdp.ID)
	return nil
}

func (c *CdpCore) handleAdjustCdp(op *opContext, e *event.AdjustCdp) error {
	price, err := c.currentPrice(op.at)
	if err != nil {
		return err
	}

	cdp, err := c.store.GetActive(e.CdpID)
	if err != nil {
		return err
	}
	if cdp.Owner != e.Owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, e.CdpID)
	}

	collDelta, debtDelta := fpmath.Clone(e.CollDelta), fpmath.Clone(e.DebtDelta)
	if collDelta.IsZero() && debtDelta.IsZero() {
		return ErrZeroAdjustment
	}
	collWithdrawal := !e.CollIncrease && !collDelta.IsZero()
	debtIncrease := e.DebtIncrease && !debtDelta.IsZero()

	synced, err := c.store.SyncPending(e.CdpID)
	if err != nil {
		return err
	}
	op.b.SyncRewards(synced.PendingDebt, synced.PendingColl, synced.PendingFee)

	newColl, err := applyDelta(synced.CollShares, collDelta, e.CollIncrease, state.ErrInsufficientCollateral)
	if err != nil {
		return err
	}
	newDebt, err := applyDelta(synced.Debt, debtDelta, e.DebtIncrease, state.ErrRepayExceedsDebt)
	if err != nil {
		return err
	}
	if newDebt.Lt(c.params.MinNetDebt) {
		return fmt.Errorf("%w: %s < %s", ErrDebtBelowMinimum, newDebt.Dec(), c.params.MinNetDebt.Dec())
	}

	newICR := c.mode.ICR(newColl, newDebt, price)
	if c.mode.CheckRecoveryMode(price) {
		if collWithdrawal {
			return ErrCollWithdrawalInRecovery
		}
		if debtIncrease && newICR.Lt(c.params.CCR) {
			return fmt.Errorf("%w: icr %s", ErrICRBelowCCR, fpmath.FormatDecimal(newICR))
		}
	} else {
		if newICR.Lt(c.params.MCR) {
			return fmt.Errorf("%w: icr %s", ErrICRBelowMCR, fpmath.FormatDecimal(newICR))
		}
		if tcr := c.mode.TCRAfter(price, collDelta, e.CollIncrease, debtDelta, e.DebtIncrease); tcr.Lt(c.params.CCR) {
			return fmt.Errorf("%w: tcr %s", ErrTCRBelowCCR, fpmath.FormatDecimal(tcr))
		}
	}

	if e.CollIncrease {
		if err := op.tokens.Require(ledger.WalletColl(e.Owner), collDelta); err != nil {
			return err
		}
	}
	if _, err := c.store.Adjust(e.CdpID, collDelta, e.CollIncrease, debtDelta, e.DebtIncrease); err != nil {
		return err
	}

	if e.CollIncrease {
		op.b.LockCollateral(e.Owner, collDelta)
	} else {
		op.b.ReleaseCollateral(e.Owner, collDelta)
	}
	if e.DebtIncrease {
		op.debt.Mint(e.Owner, debtDelta)
	} else if err := op.debt.Burn(e.Owner, debtDelta); err != nil {
		return err
	}

	if err := c.sorted.ReInsert(e.CdpID, c.store.SyncedNICR(e.CdpID), e.Prev, e.Next); err != nil {
		return fmt.Errorf("reinsert cdp %s: %w", e.CdpID, err)
	}
	op.touch(e.CdpID)
	return nil
}

func applyDelta(v, delta *uint256.Int, increase bool, underflow error) (*uint256.Int, error) {
	if increase {
		return fpmath.Add(v, delta), nil
	}
	if v.Lt(delta) {
		return nil, underflow
	}
	return fpmath.Sub(v, delta), nil
}

func (c *CdpCore) handleCloseCdp(op *opContext, e *event.CloseCdp) error {
	price, err := c.currentPrice(op.at)
	if err != nil {
		return err
	}

	cdp, err := c.store.GetActive(e.CdpID)
	if err != nil {
		return err
	}
	if cdp.Owner != e.Owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, e.CdpID)
	}
	if c.mode.CheckRecoveryMode(price) {
		return ErrCloseInRecovery
	}
	if c.store.ActiveCount() <= 1 {
		return ErrOnlyOneCdp
	}

	synced, err := c.store.SyncPending(e.CdpID)
	if err != nil {
		return err
	}
	op.b.SyncRewards(synced.PendingDebt, synced.PendingColl, synced.PendingFee)

	if tcr := c.mode.TCRAfter(price, synced.CollShares, false, synced.Debt, false); tcr.Lt(c.params.CCR) {
		return fmt.Errorf("%w: tcr %s", ErrTCRBelowCCR, fpmath.FormatDecimal(tcr))
	}

	debt, coll, err := c.store.Close(e.CdpID, state.CdpStatusClosedByOwner)
	if err != nil {
		return err
	}
	if err := c.sorted.Remove(e.CdpID); err != nil {
		panic(fmt.Sprintf("FATAL: active cdp %s missing from registry: %v", e.CdpID, err))
	}

	if err := op.debt.Burn(e.Owner, debt); err != nil {
		return err
	}
	op.b.ReleaseCollateral(e.Owner, coll)
	op.touch(e.CdpID)
	return nil
}

type liquidationRun func(ctx state.LiquidationContext) (*state.LiquidationResult, error)

// handleLiquidation runs one of the liquidation entry points, journals each
// record, then offsets the stability pool once for the whole call.
func (c *CdpCore) handleLiquidation(op *opContext, liquidator uuid.UUID, run liquidationRun) error {
	price, err := c.currentPrice(op.at)
	if err != nil {
		return err
	}

	result, err := run(state.LiquidationContext{
		Price:      price,
		At:         op.at,
		SPDeposits: c.sp.TotalDeposits(),
	})
	if err != nil {
		return err
	}

	for _, r := range result.Records {
		op.b.SyncRewards(r.PendingDebt, r.PendingColl, r.PendingFee)
		op.b.GasCompensation(liquidator, r.GasCompensation)
		op.b.OffsetStabilityPool(r.DebtToOffset, r.CollToSP)
		if r.Parked {
			op.b.Park(r.DebtToRedistribute, r.CollToRedistribute)
		} else {
			op.b.Redistribute(r.DebtToRedistribute, r.CollToRedistribute)
		}
		op.b.CreditSurplus(r.Owner, r.CollSurplus)
		op.touch(r.CdpID)

		op.notices = append(op.notices, event.Notice{
			Type: event.NoticeCdpLiquidated,
			Liquidated: &event.CdpLiquidated{
				CdpID:              r.CdpID,
				Owner:              r.Owner,
				Liquidator:         liquidator,
				Class:              r.Class.String(),
				ICR:                r.ICR,
				Debt:               r.Debt,
				CollShares:         r.CollShares,
				GasCompensation:    r.GasCompensation,
				DebtToOffset:       r.DebtToOffset,
				CollToSP:           r.CollToSP,
				DebtToRedistribute: r.DebtToRedistribute,
				CollToRedistribute: r.CollToRedistribute,
				CollSurplus:        r.CollSurplus,
				Parked:             r.Parked,
			},
		})
	}

	totals := result.Totals
	offset, err := c.sp.Offset(totals.TotalDebtToOffset, totals.TotalCollToSendToSP)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStabilityPoolShortfall, err)
	}
	if !offset.Eq(totals.TotalDebtToOffset) {
		return fmt.Errorf("%w: offset %s of %s", ErrStabilityPoolShortfall, offset.Dec(), totals.TotalDebtToOffset.Dec())
	}

	c.recordLiquidation(result)
	c.logger.Info().
		Int("liquidated", len(result.Records)).
		Int("skipped", len(result.Skipped)).
		Str("debt", fpmath.FormatDecimal(totals.TotalDebtInSequence)).
		Str("debt_offset", fpmath.FormatDecimal(totals.TotalDebtToOffset)).
		Str("debt_redistributed", fpmath.FormatDecimal(totals.TotalDebtToRedistribute)).
		Msg("liquidation applied")
	return nil
}

func (c *CdpCore) recordLiquidation(result *state.LiquidationResult) {
	if c.metrics == nil {
		return
	}
	for _, r := range result.Records {
		c.metrics.CdpsLiquidated.WithLabelValues(r.Class.String()).Inc()
	}
	for _, s := range result.Skipped {
		c.metrics.LiquidationSkips.WithLabelValues(s.Reason.String()).Inc()
	}
	c.metrics.DebtOffset.Add(fpmath.ToDecimal(result.Totals.TotalDebtToOffset).InexactFloat64())
	c.metrics.DebtRedistributed.Add(fpmath.ToDecimal(result.Totals.TotalDebtToRedistribute).InexactFloat64())
}

func (c *CdpCore) handleRedeemCollateral(op *opContext, e *event.RedeemCollateral) error {
	price, err := c.currentPrice(op.at)
	if err != nil {
		return err
	}

	amount := fpmath.Clone(e.Amount)
	if amount.IsZero() {
		return state.ErrZeroAmount
	}
	if err := op.tokens.Require(ledger.WalletEBTC(e.Redeemer), amount); err != nil {
		return err
	}

	totalDebt := c.store.Totals().SystemDebt()
	result, err := c.liquidator.Redeem(amount, e.MaxIterations, price)
	if err != nil {
		return err
	}
	charge, err := c.fees.Charge(result.TotalColl, c.collateral.SharesToValue(result.TotalColl), price, totalDebt, op.at)
	if err != nil {
		return err
	}

	for _, r := range result.Records {
		op.b.SyncRewards(r.PendingDebt, r.PendingColl, r.PendingFee)
		op.b.Redeem(e.Redeemer, r.DebtRedeemed, r.CollRedeemed)
		if r.Closed {
			op.b.CreditSurplus(r.Owner, r.CollSurplus)
		}
		op.touch(r.CdpID)

		op.notices = append(op.notices, event.Notice{
			Type: event.NoticeCdpRedeemed,
			Redeemed: &event.CdpRedeemed{
				CdpID:        r.CdpID,
				Redeemer:     e.Redeemer,
				DebtRedeemed: r.DebtRedeemed,
				CollRedeemed: r.CollRedeemed,
				Closed:       r.Closed,
			},
		})
	}

	op.b.RedemptionFee(e.Redeemer, charge.Fee)

	if c.metrics != nil {
		c.metrics.CdpsRedeemed.Add(float64(len(result.Records)))
	}
	c.logger.Info().
		Str("redeemer", e.Redeemer.String()).
		Int("cdps", len(result.Records)).
		Str("debt", fpmath.FormatDecimal(result.TotalDebt)).
		Str("coll", fpmath.FormatDecimal(result.TotalColl)).
		Str("fee", fpmath.FormatDecimal(charge.Fee)).
		Str("base_rate", fpmath.FormatDecimal(charge.BaseRate)).
		Str("unredeemed", fpmath.FormatDecimal(result.Unredeemed)).
		Msg("redemption applied")
	return nil
}

func (c *CdpCore) handleClaimSurplus(op *opContext, e *event.ClaimSurplus) error {
	surplus := op.tokens.SurplusOf(e.Owner)
	if surplus.Sign() <= 0 {
		return ErrNoSurplus
	}
	op.b.ClaimSurplus(e.Owner, surplus)
	return nil
}

func (c *CdpCore) handleStabilityDeposit(op *opContext, e *event.StabilityDeposit) error {
	amount := fpmath.Clone(e.Amount)
	if amount.IsZero() {
		return state.ErrZeroAmount
	}
	if err := op.tokens.Require(ledger.WalletEBTC(e.Depositor), amount); err != nil {
		return err
	}
	if err := c.pool.Deposit(e.Depositor, amount); err != nil {
		return err
	}
	op.b.DepositStability(e.Depositor, amount)
	return nil
}

func (c *CdpCore) handlePriceUpdate(_ *opContext, e *event.PriceUpdate) error {
	return c.feed.Update(e.Price, e.EventTime())
}

// handleCollateralRebase applies the new share index. On a positive rebase
// the StakingRewardSplit of the yield, in shares at the new index, is
// charged across the stakes; positions pay it when they next sync.
func (c *CdpCore) handleCollateralRebase(_ *opContext, e *event.CollateralRebase) error {
	oldIndex := c.shareIndex.Index()
	if err := c.shareIndex.SetIndex(e.Index); err != nil {
		return err
	}
	if !e.Index.Gt(oldIndex) {
		return nil
	}

	systemColl := c.store.Totals().SystemColl()
	yield := fpmath.MulDiv(systemColl, fpmath.Sub(e.Index, oldIndex), e.Index)
	fee := fpmath.MulDiv(yield, c.params.StakingRewardSplit, fpmath.AmountConfig.Scale)
	if !c.store.ChargeStakingFee(fee) {
		return nil
	}
	c.redistribution.UpdateSystemSnapshots(c.store.Totals().SystemColl())

	c.logger.Info().
		Str("index", fpmath.FormatDecimal(e.Index)).
		Str("fee", fpmath.FormatDecimal(fee)).
		Msg("staking split fee charged")
	return nil
}

func (c *CdpCore) handleSweepParked(op *opContext, e *event.SweepParked) error {
	if c.params.Operator == uuid.Nil || e.Operator != c.params.Operator {
		return fmt.Errorf("%w: %s", ErrNotOperator, e.Operator)
	}
	debt, coll, err := c.redistribution.SweepParked()
	if err != nil {
		return err
	}
	c.store.AddToDefaultPool(debt, coll)
	op.b.SweepParked(debt, coll)

	c.logger.Info().
		Str("operator", e.Operator.String()).
		Str("debt", fpmath.FormatDecimal(debt)).
		Str("coll", fpmath.FormatDecimal(coll)).
		Msg("parked redistribution swept")
	return nil
}
