package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BatchBuilder accumulates the journals of one operation. Balances are
// staged on top of the tracker so preconditions see the effect of earlier
// legs; nothing reaches the tracker until the batch is applied.
type BatchBuilder struct {
	tracker *BalanceTracker
	staged  map[AccountKey]*uint256.Int
	touched []AccountKey
	batch   *Batch
}

func NewBatchBuilder(tracker *BalanceTracker, eventRef string, sequence, timestamp int64) *BatchBuilder {
	return &BatchBuilder{
		tracker: tracker,
		staged:  make(map[AccountKey]*uint256.Int),
		batch: &Batch{
			BatchID:   DeriveBatchID(eventRef, sequence),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
	}
}

// GetBalance returns the staged balance of key.
func (b *BatchBuilder) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := b.staged[key]; ok {
		return v.Clone()
	}
	return b.tracker.GetBalance(key)
}

// Transfer appends one journal. Zero amounts are dropped.
func (b *BatchBuilder) Transfer(jt JournalType, debit, credit AccountKey, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	if debit.AssetID != credit.AssetID {
		panic(fmt.Sprintf("FATAL: cross-asset journal %s -> %s", credit.AccountPath(), debit.AccountPath()))
	}

	j := Journal{
		JournalID:     DeriveJournalID(b.batch.BatchID, len(b.batch.Journals)),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	}
	b.batch.Journals = append(b.batch.Journals, j)

	b.stage(debit, new(uint256.Int).Add(b.GetBalance(debit), amount))
	b.stage(credit, new(uint256.Int).Sub(b.GetBalance(credit), amount))
}

func (b *BatchBuilder) stage(key AccountKey, v *uint256.Int) {
	if _, ok := b.staged[key]; !ok {
		b.touched = append(b.touched, key)
	}
	b.staged[key] = v
}

// Touched returns every account the batch moves, in first-touch order.
func (b *BatchBuilder) Touched() []AccountKey {
	out := make([]AccountKey, len(b.touched))
	copy(out, b.touched)
	return out
}

func (b *BatchBuilder) Len() int { return len(b.batch.Journals) }

// Build returns the batch. It may be empty.
func (b *BatchBuilder) Build() *Batch {
	return b.batch
}

// === Operation legs ===

// FundCollateral: external:collateral_source → user wallet.
func (b *BatchBuilder) FundCollateral(owner uuid.UUID, shares *uint256.Int) {
	b.Transfer(JournalTypeCollateralFund, WalletColl(owner), CollateralSource, shares)
}

// LockCollateral: user wallet → active pool.
func (b *BatchBuilder) LockCollateral(owner uuid.UUID, shares *uint256.Int) {
	b.Transfer(JournalTypeCollateralLock, ActivePoolColl, WalletColl(owner), shares)
}

// ReleaseCollateral: active pool → user wallet.
func (b *BatchBuilder) ReleaseCollateral(to uuid.UUID, shares *uint256.Int) {
	b.Transfer(JournalTypeCollateralRelease, WalletColl(to), ActivePoolColl, shares)
}

// MintDebt issues debt tokens and records the matching pool debt.
func (b *BatchBuilder) MintDebt(owner uuid.UUID, amount *uint256.Int) {
	b.Transfer(JournalTypeDebtMint, WalletEBTC(owner), Issuance, amount)
	b.Transfer(JournalTypeDebtRecord, ActivePoolDebt, Obligations, amount)
}

// BurnDebt burns the owner's tokens and clears the matching pool debt.
func (b *BatchBuilder) BurnDebt(owner uuid.UUID, amount *uint256.Int) {
	b.Transfer(JournalTypeDebtBurn, Issuance, WalletEBTC(owner), amount)
	b.Transfer(JournalTypeDebtClear, Obligations, ActivePoolDebt, amount)
}

// SyncRewards moves pending rewards from the default pool into the active
// pool and pays the position's staking split fee to the fee recipient.
func (b *BatchBuilder) SyncRewards(debt, coll, fee *uint256.Int) {
	b.Transfer(JournalTypeRewardSync, ActivePoolDebt, DefaultPoolDebt, debt)
	b.Transfer(JournalTypeRewardSync, ActivePoolColl, DefaultPoolColl, coll)
	b.Transfer(JournalTypeStakingSplitFee, FeeRecipientColl, ActivePoolColl, fee)
}

// Redistribute moves a liquidation remainder into the default pool.
func (b *BatchBuilder) Redistribute(debt, coll *uint256.Int) {
	b.Transfer(JournalTypeRedistribution, DefaultPoolDebt, ActivePoolDebt, debt)
	b.Transfer(JournalTypeRedistribution, DefaultPoolColl, ActivePoolColl, coll)
}

// Park holds a remainder that arrived while no stake existed.
func (b *BatchBuilder) Park(debt, coll *uint256.Int) {
	b.Transfer(JournalTypePark, ParkedDebt, ActivePoolDebt, debt)
	b.Transfer(JournalTypePark, ParkedColl, ActivePoolColl, coll)
}

// SweepParked releases the parked remainder into the default pool.
func (b *BatchBuilder) SweepParked(debt, coll *uint256.Int) {
	b.Transfer(JournalTypeSweepParked, DefaultPoolDebt, ParkedDebt, debt)
	b.Transfer(JournalTypeSweepParked, DefaultPoolColl, ParkedColl, coll)
}

// OffsetStabilityPool burns pool deposits against liquidated debt and hands
// the pool the matching collateral.
func (b *BatchBuilder) OffsetStabilityPool(debt, coll *uint256.Int) {
	b.Transfer(JournalTypeSPOffset, Issuance, StabilityPoolEBTC, debt)
	b.Transfer(JournalTypeSPOffset, Obligations, ActivePoolDebt, debt)
	b.Transfer(JournalTypeSPOffset, StabilityPoolColl, ActivePoolColl, coll)
}

func (b *BatchBuilder) GasCompensation(liquidator uuid.UUID, coll *uint256.Int) {
	b.Transfer(JournalTypeGasCompensation, WalletColl(liquidator), ActivePoolColl, coll)
}

// CreditSurplus records collateral owed back to a closed position's owner.
func (b *BatchBuilder) CreditSurplus(owner uuid.UUID, coll *uint256.Int) {
	b.Transfer(JournalTypeSurplusCredit, SurplusColl(owner), ActivePoolColl, coll)
}

func (b *BatchBuilder) ClaimSurplus(owner uuid.UUID, coll *uint256.Int) {
	b.Transfer(JournalTypeSurplusClaim, WalletColl(owner), SurplusColl(owner), coll)
}

func (b *BatchBuilder) DepositStability(depositor uuid.UUID, amount *uint256.Int) {
	b.Transfer(JournalTypeSPDeposit, StabilityPoolEBTC, WalletEBTC(depositor), amount)
}

// Redeem burns the redeemer's tokens, clears pool debt and pays out
// collateral at face value.
func (b *BatchBuilder) Redeem(redeemer uuid.UUID, debt, coll *uint256.Int) {
	b.Transfer(JournalTypeRedemption, Issuance, WalletEBTC(redeemer), debt)
	b.Transfer(JournalTypeRedemption, Obligations, ActivePoolDebt, debt)
	b.Transfer(JournalTypeRedemption, WalletColl(redeemer), ActivePoolColl, coll)
}

// RedemptionFee: redeemer wallet → fee recipient, the share of redeemed
// collateral withheld from the redeemer.
func (b *BatchBuilder) RedemptionFee(redeemer uuid.UUID, coll *uint256.Int) {
	b.Transfer(JournalTypeRedemptionFee, FeeRecipientColl, WalletColl(redeemer), coll)
}
