package state_test

import (
	"testing"
	"time"

	"CdpLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustCharge redeems coll shares worth the same value at price 1 against
// totalDebt.
func mustCharge(t *testing.T, fees *state.RedemptionFees, coll, totalDebt *uint256.Int, at time.Time) state.RedemptionCharge {
	t.Helper()
	charge, err := fees.Charge(coll, coll, e18(1), totalDebt, at)
	require.NoError(t, err)
	return charge
}

// ============================================================================
// Test: Redemption Base Rate
// ============================================================================

func TestRedemptionFees_BaseRateRisesFromZero(t *testing.T) {
	fees := state.NewRedemptionFees(state.DefaultSystemParams())
	assert.True(t, fees.BaseRate().IsZero())

	charge := mustCharge(t, fees, e18(2), e18(60), t0)

	// 2/60 redeemed, halved by beta.
	assert.True(t, charge.BaseRate.Eq(amt("16666666666666666")))
	assert.True(t, charge.Rate.Eq(amt("21666666666666666")))
	assert.True(t, charge.Fee.Eq(amt("43333333333333332")))
	assert.True(t, fees.BaseRate().Eq(charge.BaseRate))
	assert.Equal(t, t0, fees.LastRedemption())
}

func TestRedemptionFees_RisesAgainWithinAMinute(t *testing.T) {
	fees := state.NewRedemptionFees(state.DefaultSystemParams())
	first := mustCharge(t, fees, e18(2), e18(60), t0)

	second := mustCharge(t, fees, e18(2), e18(60), t0.Add(30*time.Second))

	assert.True(t, second.BaseRate.Gt(first.BaseRate))
	assert.True(t, second.BaseRate.Eq(amt("33333333333333332")))
	assert.Equal(t, t0, fees.LastRedemption(), "decay origin only moves after a whole minute")

	mustCharge(t, fees, e18(2), e18(60), t0.Add(2*time.Minute))
	assert.Equal(t, t0.Add(2*time.Minute), fees.LastRedemption())
}

func TestRedemptionFees_DecaysPerWholeMinute(t *testing.T) {
	fees := state.NewRedemptionFees(state.DefaultSystemParams())
	base := mustCharge(t, fees, e18(30), e18(60), t0).BaseRate
	require.True(t, base.Eq(amt("250000000000000000")))

	assert.True(t, fees.DecayedBaseRate(t0.Add(59*time.Second)).Eq(base))
	assert.True(t, fees.DecayedBaseRate(t0.Add(time.Minute)).Lt(base))

	// 12h half-life.
	half := new(uint256.Int).Rsh(base, 1)
	decayed := fees.DecayedBaseRate(t0.Add(12 * time.Hour))
	diff := new(uint256.Int)
	if decayed.Gt(half) {
		diff.Sub(decayed, half)
	} else {
		diff.Sub(half, decayed)
	}
	assert.True(t, diff.Lt(new(uint256.Int).Div(base, uint256.NewInt(10_000))), "decayed %s, half %s", decayed, half)
}

func TestRedemptionFees_FeeConsumingCollateralRejected(t *testing.T) {
	params := state.DefaultSystemParams()
	params.RedemptionFeeFloor = e18(1)
	fees := state.NewRedemptionFees(params)

	_, err := fees.Charge(e18(2), e18(2), e18(1), e18(60), t0)
	assert.ErrorIs(t, err, state.ErrFeeEatsCollateral)
	assert.True(t, fees.BaseRate().IsZero())
	assert.True(t, fees.LastRedemption().IsZero())
}

func TestRedemptionFees_StateRoundTrip(t *testing.T) {
	fees := state.NewRedemptionFees(state.DefaultSystemParams())
	mustCharge(t, fees, e18(2), e18(60), t0)

	restored := state.NewRedemptionFees(state.DefaultSystemParams())
	restored.Restore(fees.State())

	assert.True(t, restored.BaseRate().Eq(fees.BaseRate()))
	assert.Equal(t, fees.LastRedemption(), restored.LastRedemption())
}
