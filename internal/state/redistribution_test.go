package state_test

import (
	"testing"

	"CdpLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Distribution
// ============================================================================

func TestRedistribution_ParksWithoutStakes(t *testing.T) {
	ledger := state.NewRedistributionLedger()

	res := ledger.Distribute(e18(3), e18(7))

	assert.True(t, res.Parked)
	assert.True(t, ledger.ParkedDebt().Eq(e18(3)))
	assert.True(t, ledger.ParkedColl().Eq(e18(7)))
	assert.True(t, ledger.DebtIndex().IsZero())
	assert.True(t, ledger.CollIndex().IsZero())
}

func TestRedistribution_NewPositionDoesNotClaimParked(t *testing.T) {
	f := newFixture(t)
	f.ledger.Distribute(e18(3), e18(7))

	id := f.open(t, e18(100), e18(10))

	synced, err := f.store.GetSynced(id)
	require.NoError(t, err)
	assert.True(t, synced.PendingDebt.IsZero())
	assert.True(t, synced.PendingColl.IsZero())
}

func TestRedistribution_SweepParked(t *testing.T) {
	f := newFixture(t)
	f.ledger.Distribute(e18(3), e18(7))

	_, _, err := f.ledger.SweepParked()
	assert.ErrorIs(t, err, state.ErrNoActiveStakes)

	a := f.open(t, e18(100), e18(10))
	b := f.open(t, e18(300), e18(10))

	debt, coll, err := f.ledger.SweepParked()
	require.NoError(t, err)
	assert.True(t, debt.Eq(e18(3)))
	assert.True(t, coll.Eq(e18(7)))
	assert.True(t, f.ledger.ParkedDebt().IsZero())

	sa, err := f.store.GetSynced(a)
	require.NoError(t, err)
	sb, err := f.store.GetSynced(b)
	require.NoError(t, err)

	// Stakes 100:300 split the sweep 1:3.
	assert.True(t, sa.PendingDebt.Eq(amt("750000000000000000")))
	assert.True(t, sb.PendingDebt.Eq(amt("2250000000000000000")))

	_, _, err = f.ledger.SweepParked()
	assert.ErrorIs(t, err, state.ErrNothingParked)
}

func TestRedistribution_FloorNeverOverpays(t *testing.T) {
	f := newFixture(t)
	ids := []uuid.UUID{
		f.open(t, amt("3333333333333333333"), e18(1)),
		f.open(t, amt("7777777777777777777"), e18(1)),
		f.open(t, amt("1000000000000000001"), e18(1)),
	}

	distributedDebt := uint256.NewInt(0)
	distributedColl := uint256.NewInt(0)
	for i := 0; i < 5; i++ {
		debt := amt("1000000000000000007")
		coll := amt("2999999999999999999")
		f.ledger.Distribute(debt, coll)
		distributedDebt.Add(distributedDebt, debt)
		distributedColl.Add(distributedColl, coll)
	}

	pendingDebt := uint256.NewInt(0)
	pendingColl := uint256.NewInt(0)
	for _, id := range ids {
		s, err := f.store.GetSynced(id)
		require.NoError(t, err)
		pendingDebt.Add(pendingDebt, s.PendingDebt)
		pendingColl.Add(pendingColl, s.PendingColl)
	}

	assert.False(t, pendingDebt.Gt(distributedDebt), "pending debt exceeds distributed")
	assert.False(t, pendingColl.Gt(distributedColl), "pending coll exceeds distributed")

	// Dust stays below totalStakes/1e18 plus one unit per position.
	dust := new(uint256.Int).Sub(distributedDebt, pendingDebt)
	assert.True(t, dust.Lt(uint256.NewInt(32)), "debt dust %s", dust.Dec())
}

func TestRedistribution_ApplyIsPure(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, e18(100), e18(10))
	f.open(t, e18(100), e18(10))
	f.ledger.Distribute(e18(2), e18(4))

	first, err := f.store.GetSynced(id)
	require.NoError(t, err)
	second, err := f.store.GetSynced(id)
	require.NoError(t, err)

	assert.True(t, first.Debt.Eq(second.Debt))
	assert.True(t, first.CollShares.Eq(second.CollShares))
	assert.True(t, first.Debt.Eq(e18(11)))
	assert.True(t, first.CollShares.Eq(e18(102)))
}

// ============================================================================
// Test: Stakes
// ============================================================================

func TestRedistribution_StakeUsesSnapshots(t *testing.T) {
	ledger := state.NewRedistributionLedger()
	assert.True(t, ledger.ComputeStake(e18(5)).Eq(e18(5)))

	store := state.NewCdpManager(ledger)
	store.Open(uuid.New(), e18(1), e18(100), 0)
	ledger.UpdateSystemSnapshots(e18(200)) // collateral doubled relative to stakes

	assert.True(t, ledger.TotalStakesSnapshot().Eq(e18(100)))
	assert.True(t, ledger.ComputeStake(e18(50)).Eq(e18(25)))
}

func TestCdpManager_SyncPendingMovesDefaultPool(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, e18(100), e18(10))
	f.open(t, e18(100), e18(10))

	f.ledger.Distribute(e18(2), e18(4))
	f.store.AddToDefaultPool(e18(2), e18(4))

	_, err := f.store.SyncPending(id)
	require.NoError(t, err)

	totals := f.store.Totals()
	assert.True(t, totals.DefaultDebt.Eq(e18(1)))
	assert.True(t, totals.DefaultColl.Eq(e18(2)))
	assert.True(t, totals.ActiveDebt.Eq(e18(21)))
	assert.True(t, totals.ActiveColl.Eq(e18(202)))

	debt, coll := f.store.SumActive()
	assert.True(t, debt.Eq(totals.ActiveDebt))
	assert.True(t, coll.Eq(totals.ActiveColl))

	pendingDebt, pendingColl := f.store.SumPending()
	assert.True(t, pendingDebt.Eq(totals.DefaultDebt))
	assert.True(t, pendingColl.Eq(totals.DefaultColl))
}

func TestCdpManager_RollbackRestoresPositions(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, e18(100), e18(10))

	f.store.Checkpoint()
	owner := uuid.New()
	f.store.Open(owner, e18(1), e18(5), 0)
	_, err := f.store.Adjust(id, e18(50), false, uint256.NewInt(0), false)
	require.NoError(t, err)
	f.store.Rollback()

	cdp, err := f.store.GetActive(id)
	require.NoError(t, err)
	assert.True(t, cdp.CollShares.Eq(e18(100)))
	assert.Equal(t, 1, f.store.ActiveCount())
	assert.Equal(t, uint64(0), f.store.OwnerNonce(owner))
	assert.True(t, f.store.Totals().ActiveColl.Eq(e18(100)))
}

func TestCdpManager_CloseZeroesStake(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, e18(100), e18(10))
	f.open(t, e18(50), e18(10))

	debt, coll, err := f.store.Close(id, state.CdpStatusClosedByOwner)
	require.NoError(t, err)
	assert.True(t, debt.Eq(e18(10)))
	assert.True(t, coll.Eq(e18(100)))
	assert.True(t, f.ledger.TotalStakes().Eq(e18(50)))

	_, err = f.store.GetActive(id)
	assert.ErrorIs(t, err, state.ErrCdpNotActive)
	_, _, err = f.store.Close(id, state.CdpStatusClosedByOwner)
	assert.ErrorIs(t, err, state.ErrCdpNotActive)
}

// ============================================================================
// Test: Staking Split Fee
// ============================================================================

func TestCdpManager_StakingFeeDeductedOnSync(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, e18(100), e18(10))
	b := f.open(t, e18(300), e18(10))

	require.True(t, f.store.ChargeStakingFee(e18(8)))

	sa, err := f.store.GetSynced(a)
	require.NoError(t, err)
	sb, err := f.store.GetSynced(b)
	require.NoError(t, err)
	assert.True(t, sa.PendingFee.Eq(e18(2)))
	assert.True(t, sa.CollShares.Eq(e18(98)))
	assert.True(t, sb.PendingFee.Eq(e18(6)))
	assert.True(t, f.store.Totals().SystemColl().Eq(e18(392)))

	synced, err := f.store.SyncPending(a)
	require.NoError(t, err)
	assert.True(t, synced.PendingFee.Eq(e18(2)))

	totals := f.store.Totals()
	assert.True(t, totals.ActiveColl.Eq(e18(398)))
	assert.True(t, totals.FeeColl.Eq(e18(6)))
	assert.True(t, totals.SystemColl().Eq(e18(392)))
	assert.True(t, f.store.SumPendingFees().Eq(e18(6)))

	_, coll := f.store.SumActive()
	assert.True(t, coll.Eq(totals.ActiveColl))

	again, err := f.store.GetSynced(a)
	require.NoError(t, err)
	assert.True(t, again.PendingFee.IsZero())
}

func TestCdpManager_StakingFeeKeepsOrder(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, e18(100), e18(10))
	b := f.open(t, e18(300), e18(20))

	f.store.ChargeStakingFee(amt("12345678901234567890"))

	assert.Equal(t, b, f.sorted.GetFirst())
	assert.True(t, f.store.SyncedNICR(b).Gt(f.store.SyncedNICR(a)))
	require.NoError(t, f.sorted.Validate())
}

func TestCdpManager_StakingFeeWithoutStakes(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.store.ChargeStakingFee(e18(1)))
	assert.True(t, f.store.Totals().FeeColl.IsZero())
	assert.True(t, f.ledger.FeeIndex().IsZero())
}
