package core_test

import (
	"crypto/sha256"
	"encoding/json"
	"testing"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/event"
	"CdpLedger/internal/ledger"
	fpmath "CdpLedger/internal/math"
	"CdpLedger/internal/state"
	"CdpLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

var genesis = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	core    *core.CdpCore
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	script  *testutil.Script
}

// newHarness creates a core with buffered output channels and no DB checker.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithParams(t, nil)
}

// newHarnessWithParams is newHarness with explicit protocol parameters.
func newHarnessWithParams(t *testing.T, params *state.SystemParams) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	return &harness{
		core:    core.NewCdpCore(core.CoreConfig{Params: params, PersistChan: persist, ProjectionChan: proj}),
		persist: persist,
		proj:    proj,
		script:  testutil.NewScript(genesis),
	}
}

func (h *harness) mustApply(t *testing.T, evt event.Event) *core.CoreOutput {
	t.Helper()
	out, err := h.core.ProcessEvent(evt)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out.Rejection)
	return out
}

func (h *harness) mustReject(t *testing.T, evt event.Event, target error) *core.CoreOutput {
	t.Helper()
	out, err := h.core.ProcessEvent(evt)
	require.ErrorIs(t, err, target)
	require.NotNil(t, out, "rejected commands are still logged")
	require.NotEmpty(t, out.Rejection)
	return out
}

func (h *harness) mustOpen(t *testing.T, owner uuid.UUID, coll, debt uint64) uuid.UUID {
	t.Helper()
	out := h.mustApply(t, h.script.Open(owner, testutil.E18(coll), testutil.E18(debt)))
	changed := noticesOf(out, event.NoticeCdpChanged)
	require.Len(t, changed, 1)
	return changed[0].Cdp.CdpID
}

func (h *harness) mustFund(t *testing.T, owners ...uuid.UUID) {
	t.Helper()
	for _, owner := range owners {
		h.mustApply(t, h.script.Fund(owner, testutil.E18(100)))
	}
}

func noticesOf(out *core.CoreOutput, typ event.NoticeType) []event.Notice {
	var found []event.Notice
	for _, n := range out.Notices {
		if n.Type == typ {
			found = append(found, n)
		}
	}
	return found
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Position Lifecycle
// ============================================================================

func TestOpenAdjustClose_MovesTokensAndCollateral(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice, bob)

	aliceCdp := h.mustOpen(t, alice, 30, 10)
	h.mustOpen(t, bob, 30, 10)

	coll, ebtc, _ := h.core.Wallet(alice)
	assert.Equal(t, testutil.E18(70), coll)
	assert.Equal(t, testutil.E18(10), ebtc)

	h.mustApply(t, h.script.Adjust(alice, aliceCdp, fpmath.Zero(), false, testutil.E18(10), true))

	cdp, ok := h.core.GetCdp(aliceCdp)
	require.True(t, ok)
	assert.Equal(t, testutil.E18(20), cdp.Debt)
	assert.Equal(t, testutil.E18(30), cdp.CollShares)

	icr, err := h.core.GetSyncedICR(aliceCdp, testutil.E18(1))
	require.NoError(t, err)
	assert.Equal(t, fpmath.Percent(150), icr)
	assert.Equal(t, aliceCdp, h.core.GetLast(), "lowest NICR sits at the tail")

	out := h.mustApply(t, h.script.Close(alice, aliceCdp))
	changed := noticesOf(out, event.NoticeCdpChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, state.CdpStatusClosedByOwner.String(), changed[0].Cdp.Status)

	coll, ebtc, _ = h.core.Wallet(alice)
	assert.Equal(t, testutil.E18(100), coll)
	assert.True(t, ebtc.IsZero())

	status := h.core.Status()
	assert.Equal(t, 1, status.ActiveCdps)
	assert.Equal(t, testutil.E18(10), status.SystemDebt)
}

func TestCloseCdp_LastActiveRejected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice)
	id := h.mustOpen(t, alice, 30, 10)

	h.mustReject(t, h.script.Close(alice, id), core.ErrOnlyOneCdp)
	assert.Equal(t, 1, h.core.Status().ActiveCdps)
}

func TestAdjustCdp_WrongOwnerRejected(t *testing.T) {
	h := newHarness(t)
	alice, mallory := uuid.New(), uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice)
	id := h.mustOpen(t, alice, 30, 10)

	h.mustReject(t, h.script.Adjust(mallory, id, fpmath.Zero(), false, testutil.E18(1), true), core.ErrNotOwner)
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestRejectedOpen_LeavesStateUntouchedAndAdvancesSequence(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice)

	seqBefore := h.core.GetSequence()
	hashBefore := h.core.GetStateHash()

	out := h.mustReject(t, h.script.Open(alice, testutil.E18(10), testutil.E18(10)), core.ErrICRBelowMCR)

	assert.Empty(t, out.Batch.Journals)
	assert.Empty(t, out.Notices)
	assert.Equal(t, seqBefore, out.Envelope.Sequence)
	assert.Equal(t, hashBefore, out.Envelope.PrevHash)
	assert.Equal(t, seqBefore+1, h.core.GetSequence())
	assert.Equal(t, 0, h.core.Status().ActiveCdps)

	coll, ebtc, _ := h.core.Wallet(alice)
	assert.Equal(t, testutil.E18(100), coll)
	assert.True(t, ebtc.IsZero())

	// The owner's partition advanced past the rejected command.
	h.mustOpen(t, alice, 20, 10)
}

func TestOpenCdp_WithoutPriceRejected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustFund(t, alice)

	h.mustReject(t, h.script.Open(alice, testutil.E18(30), testutil.E18(10)), core.ErrInvalidPrice)
}

func TestOpenCdp_StalePriceRejected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice)
	h.script.Advance(2 * time.Hour)

	h.mustReject(t, h.script.Open(alice, testutil.E18(30), testutil.E18(10)), core.ErrInvalidPrice)
}

func TestFundCollateral_ZeroRejected(t *testing.T) {
	h := newHarness(t)
	h.mustReject(t, h.script.Fund(uuid.New(), fpmath.Zero()), state.ErrZeroAmount)
}

func TestOversizedAmounts_RejectedWithoutPanic(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice)

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 245)
	h.mustReject(t, h.script.Fund(alice, huge), fpmath.ErrAmountTooLarge)
	h.mustReject(t, h.script.Open(alice, huge, testutil.E18(10)), fpmath.ErrAmountTooLarge)
	h.mustReject(t, h.script.Open(alice, testutil.E18(30), huge), fpmath.ErrAmountTooLarge)
	h.mustReject(t, h.script.Price(new(uint256.Int).Lsh(uint256.NewInt(1), 100)), fpmath.ErrAmountTooLarge)
	h.mustReject(t, h.script.Rebase(new(uint256.Int).Lsh(uint256.NewInt(1), 96)), fpmath.ErrAmountTooLarge)

	// Just under the cap still reaches the normal checks.
	belowCap := new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 128), 1)
	h.mustApply(t, h.script.Fund(alice, belowCap))
	h.mustOpen(t, alice, 30, 10)
	assert.Equal(t, 1, h.core.Status().ActiveCdps)
}

// ============================================================================
// Test: Idempotency & Sequencing
// ============================================================================

func TestIdempotency_DuplicateIgnored(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	fund := h.script.Fund(alice, testutil.E18(5))
	h.mustApply(t, fund)

	out, err := h.core.ProcessEvent(fund)
	require.NoError(t, err)
	assert.Nil(t, out)

	coll, _, _ := h.core.Wallet(alice)
	assert.Equal(t, testutil.E18(5), coll)
	assert.Len(t, drainOutputs(h.persist), 1)
}

func TestSequenceValidation_GapDetected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.script.Fund(alice, testutil.E18(1)) // seq 0, never delivered
	skipped := h.script.Fund(alice, testutil.E18(1))

	seqBefore := h.core.GetSequence()
	out, err := h.core.ProcessEvent(skipped)
	require.ErrorIs(t, err, core.ErrSequenceGap)
	assert.Nil(t, out)
	assert.Equal(t, seqBefore, h.core.GetSequence(), "sequencing failures are not logged")
}

func TestSequenceValidation_OutOfOrderDetected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.mustApply(t, h.script.Fund(alice, testutil.E18(1)))
	h.mustApply(t, h.script.Fund(alice, testutil.E18(1)))

	replayed := &event.FundCollateral{
		Header: event.NewHeader(uuid.New(), 0, genesis),
		Owner:  alice,
		Shares: testutil.E18(1),
	}
	_, err := h.core.ProcessEvent(replayed)
	require.ErrorIs(t, err, core.ErrOutOfOrder)
}

func TestPriceUpdate_StaleRoundDropped(t *testing.T) {
	h := newHarness(t)

	first := h.script.Price(testutil.E18(1))
	second := h.script.Price(testutil.E18(2))

	h.mustApply(t, second)
	_, err := h.core.ProcessEvent(first)
	require.ErrorIs(t, err, core.ErrStalePrice)

	price, ok := h.core.FetchPrice(genesis)
	require.True(t, ok)
	assert.Equal(t, testutil.E18(2), price)
}

// ============================================================================
// Test: Liquidation
// ============================================================================

// spScenario opens bob and carol at 100/20 and alice at 15/10, has bob
// deposit 5 into the stability pool, then drops the price to 0.7 so only
// alice is under MCR.
func spScenario(t *testing.T, h *harness) (alice, bob, carol, aliceCdp, bobCdp uuid.UUID) {
	t.Helper()
	alice, bob, carol = uuid.New(), uuid.New(), uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice, bob, carol)
	bobCdp = h.mustOpen(t, bob, 100, 20)
	h.mustOpen(t, carol, 100, 20)
	aliceCdp = h.mustOpen(t, alice, 15, 10)
	h.mustApply(t, h.script.Deposit(bob, testutil.E18(5)))
	h.mustApply(t, h.script.Price(testutil.Amount("0.7")))
	return alice, bob, carol, aliceCdp, bobCdp
}

func TestLiquidateBatch_OffsetsPoolAndRedistributes(t *testing.T) {
	h := newHarness(t)
	keeper := uuid.New()
	_, bob, _, aliceCdp, bobCdp := spScenario(t, h)

	out := h.mustApply(t, h.script.LiquidateBatch(keeper, aliceCdp, bobCdp))

	liquidated := noticesOf(out, event.NoticeCdpLiquidated)
	require.Len(t, liquidated, 1, "healthy bob is skipped, not fatal")
	rec := liquidated[0].Liquidated
	assert.Equal(t, aliceCdp, rec.CdpID)
	assert.Equal(t, state.ClassBelowMCR.String(), rec.Class)
	assert.Equal(t, testutil.Amount("0.075"), rec.GasCompensation)
	assert.Equal(t, testutil.E18(5), rec.DebtToOffset)
	assert.Equal(t, testutil.Amount("7.4625"), rec.CollToSP)
	assert.Equal(t, testutil.E18(5), rec.DebtToRedistribute)
	assert.Equal(t, testutil.Amount("7.4625"), rec.CollToRedistribute)
	assert.False(t, rec.Parked)

	keeperColl, _, _ := h.core.Wallet(keeper)
	assert.Equal(t, testutil.Amount("0.075"), keeperColl)

	deposit, _ := h.core.StabilityDeposit(bob)
	assert.True(t, deposit.IsZero())
	assert.Equal(t, testutil.Amount("7.4625").Dec(), h.core.Balance(ledger.StabilityPoolColl))

	synced, err := h.core.GetSynced(bobCdp)
	require.NoError(t, err)
	assert.Equal(t, testutil.Amount("22.5"), synced.Debt)
	assert.Equal(t, testutil.Amount("103.73125"), synced.CollShares)

	status := h.core.Status()
	assert.Equal(t, 2, status.ActiveCdps)
	assert.True(t, status.SPDeposits.IsZero())
	assert.Equal(t, testutil.E18(45), status.SystemDebt)
}

func TestLiquidate_HealthyRejected(t *testing.T) {
	h := newHarness(t)
	_, _, _, _, bobCdp := spScenario(t, h)

	h.mustReject(t, h.script.Liquidate(uuid.New(), bobCdp), state.ErrCdpNotLiquidatable)
	assert.Equal(t, 3, h.core.Status().ActiveCdps)
}

func TestLiquidateSequentially_StopsAtHealthy(t *testing.T) {
	h := newHarness(t)
	_, _, _, aliceCdp, _ := spScenario(t, h)

	out := h.mustApply(t, h.script.LiquidateSequentially(uuid.New(), 10))

	liquidated := noticesOf(out, event.NoticeCdpLiquidated)
	require.Len(t, liquidated, 1)
	assert.Equal(t, aliceCdp, liquidated[0].Liquidated.CdpID)
}

func TestLiquidateSequentially_ZeroCountRejected(t *testing.T) {
	h := newHarness(t)
	spScenario(t, h)

	h.mustReject(t, h.script.LiquidateSequentially(uuid.New(), 0), core.ErrInvalidMaxCount)
}

func TestLiquidateLast_ParksThenSweeps(t *testing.T) {
	alice, bob, keeper := uuid.New(), uuid.New(), uuid.New()
	params := state.DefaultSystemParams()
	params.Operator = keeper
	h := newHarnessWithParams(t, params)

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice, bob)
	aliceCdp := h.mustOpen(t, alice, 15, 10)

	out := h.mustApply(t, h.script.Price(testutil.Amount("0.7")))
	assert.Len(t, noticesOf(out, event.NoticeGracePeriodStarted), 1)

	out = h.mustApply(t, h.script.Liquidate(keeper, aliceCdp))
	liquidated := noticesOf(out, event.NoticeCdpLiquidated)
	require.Len(t, liquidated, 1)
	assert.True(t, liquidated[0].Liquidated.Parked)

	status := h.core.Status()
	assert.Equal(t, 0, status.ActiveCdps)
	assert.Equal(t, testutil.E18(10), status.ParkedDebt)
	assert.Equal(t, testutil.Amount("14.925"), status.ParkedColl)

	h.mustReject(t, h.script.Sweep(keeper), state.ErrNoActiveStakes)

	bobCdp := h.mustOpen(t, bob, 100, 20)
	h.mustApply(t, h.script.Sweep(keeper))

	synced, err := h.core.GetSynced(bobCdp)
	require.NoError(t, err)
	assert.Equal(t, testutil.E18(30), synced.Debt)
	assert.Equal(t, testutil.Amount("114.925"), synced.CollShares)
	assert.True(t, h.core.Status().ParkedDebt.IsZero())

	h.mustReject(t, h.script.Sweep(keeper), state.ErrNothingParked)
}

func TestSweepParked_RequiresOperator(t *testing.T) {
	alice, bob, keeper, operator := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	params := state.DefaultSystemParams()
	params.Operator = operator
	h := newHarnessWithParams(t, params)

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice, bob)
	aliceCdp := h.mustOpen(t, alice, 15, 10)
	h.mustApply(t, h.script.Price(testutil.Amount("0.7")))
	h.mustApply(t, h.script.Liquidate(keeper, aliceCdp))
	h.mustOpen(t, bob, 100, 20)

	h.mustReject(t, h.script.Sweep(keeper), core.ErrNotOperator)
	assert.Equal(t, testutil.E18(10), h.core.Status().ParkedDebt)

	h.mustApply(t, h.script.Sweep(operator))
	assert.True(t, h.core.Status().ParkedDebt.IsZero())
}

func TestSweepParked_DisabledWithoutOperator(t *testing.T) {
	h := newHarness(t)
	h.mustReject(t, h.script.Sweep(uuid.Nil), core.ErrNotOperator)
	h.mustReject(t, h.script.Sweep(uuid.New()), core.ErrNotOperator)
}

// ============================================================================
// Test: Recovery Mode Grace Period
// ============================================================================

func TestRecoveryLiquidation_GatedUntilGraceElapses(t *testing.T) {
	h := newHarness(t)
	alice, bob, keeper := uuid.New(), uuid.New(), uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice, bob)
	h.mustOpen(t, bob, 14, 10)
	aliceCdp := h.mustOpen(t, alice, 13, 10)

	// TCR 121.5% < CCR, alice at 117%: MCR <= ICR < TCR.
	price := testutil.Amount("0.9")
	out := h.mustApply(t, h.script.Price(price))
	started := noticesOf(out, event.NoticeGracePeriodStarted)
	require.Len(t, started, 1)
	elapsesAt := genesis.Add(15 * time.Minute)
	assert.Equal(t, elapsesAt, started[0].Grace.ElapsesAt)
	assert.True(t, h.core.Status().RecoveryMode)

	cand, ok := h.core.TailCandidate(h.script.Now())
	require.True(t, ok)
	assert.Equal(t, aliceCdp, cand.CdpID)
	assert.True(t, cand.Liquidatable)
	assert.True(t, cand.GraceGated)
	assert.Equal(t, elapsesAt, cand.ElapsesAt)

	h.mustReject(t, h.script.Liquidate(keeper, aliceCdp), state.ErrGracePeriodNotFinished)

	h.script.Advance(15 * time.Minute)
	out = h.mustApply(t, h.script.Liquidate(keeper, aliceCdp))

	liquidated := noticesOf(out, event.NoticeCdpLiquidated)
	require.Len(t, liquidated, 1)
	rec := liquidated[0].Liquidated
	assert.Equal(t, state.ClassRecoveryCap.String(), rec.Class)

	seized := fpmath.MulDivUp(testutil.E18(10), fpmath.Percent(110), price)
	surplus := fpmath.Sub(testutil.E18(13), seized)
	assert.Equal(t, surplus, rec.CollSurplus)

	_, _, owed := h.core.Wallet(alice)
	assert.Equal(t, surplus, owed)

	h.mustApply(t, h.script.ClaimSurplus(alice))
	coll, _, owed := h.core.Wallet(alice)
	assert.Equal(t, fpmath.Add(testutil.E18(87), surplus), coll)
	assert.True(t, owed.IsZero())

	h.mustReject(t, h.script.ClaimSurplus(alice), core.ErrNoSurplus)
}

func TestCollateralRebase_MovesICRButNotOrder(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()

	price := testutil.E18(1)
	h.mustApply(t, h.script.Price(price))
	h.mustFund(t, alice, bob)
	h.mustOpen(t, bob, 14, 10)
	aliceCdp := h.mustOpen(t, alice, 13, 10)

	nicrBefore, err := h.core.GetSyncedNICR(aliceCdp)
	require.NoError(t, err)
	assert.False(t, h.core.CheckRecoveryMode(price))
	assert.Equal(t, fpmath.Percent(135), h.core.GetCachedTCR(price))

	out := h.mustApply(t, h.script.Rebase(testutil.Amount("0.9")))
	require.Len(t, noticesOf(out, event.NoticeGracePeriodStarted), 1, "a rebase can push the system into Recovery Mode")

	nicrAfter, err := h.core.GetSyncedNICR(aliceCdp)
	require.NoError(t, err)
	assert.Equal(t, nicrBefore, nicrAfter)
	assert.Equal(t, aliceCdp, h.core.GetLast())

	icr, err := h.core.GetSyncedICR(aliceCdp, price)
	require.NoError(t, err)
	assert.Equal(t, fpmath.Percent(117), icr)
	assert.Equal(t, testutil.Amount("1.215"), h.core.GetCachedTCR(price))
	assert.True(t, h.core.CheckRecoveryMode(price))
}

func TestCollateralRebase_ChargesStakingSplitFee(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice, bob)
	aliceCdp := h.mustOpen(t, alice, 50, 20)
	bobCdp := h.mustOpen(t, bob, 50, 20)
	nicrBefore, err := h.core.GetSyncedNICR(aliceCdp)
	require.NoError(t, err)

	// 100 shares, index 1 -> 1.25: 20 shares of yield, 25% of it is 5.
	h.mustApply(t, h.script.Rebase(testutil.Amount("1.25")))

	synced, err := h.core.GetSynced(aliceCdp)
	require.NoError(t, err)
	assert.Equal(t, testutil.Amount("2.5"), synced.PendingFee)
	assert.Equal(t, testutil.Amount("47.5"), synced.CollShares)
	assert.Equal(t, testutil.E18(95), h.core.Status().SystemColl)
	assert.Equal(t, "0", h.core.Balance(ledger.FeeRecipientColl), "paid when the position syncs")

	nicrAfter, err := h.core.GetSyncedNICR(aliceCdp)
	require.NoError(t, err)
	assert.True(t, nicrAfter.Lt(nicrBefore))
	bobNICR, err := h.core.GetSyncedNICR(bobCdp)
	require.NoError(t, err)
	assert.Equal(t, nicrAfter, bobNICR)

	h.mustApply(t, h.script.Adjust(alice, aliceCdp, uint256.NewInt(0), false, testutil.E18(1), true))

	assert.Equal(t, testutil.Amount("2.5").Dec(), h.core.Balance(ledger.FeeRecipientColl))
	assert.Equal(t, testutil.Amount("97.5").Dec(), h.core.Balance(ledger.ActivePoolColl))
	cdp, ok := h.core.GetCdp(aliceCdp)
	require.True(t, ok)
	assert.Equal(t, testutil.Amount("47.5"), cdp.CollShares)
	assert.Equal(t, testutil.E18(95), h.core.Status().SystemColl)
}

func TestCollateralRebase_DownwardChargesNothing(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice)
	aliceCdp := h.mustOpen(t, alice, 50, 20)

	h.mustApply(t, h.script.Rebase(testutil.Amount("0.95")))

	synced, err := h.core.GetSynced(aliceCdp)
	require.NoError(t, err)
	assert.True(t, synced.PendingFee.IsZero())
	assert.True(t, h.core.Status().FeeIndex.IsZero())
}

// ============================================================================
// Test: Redemption
// ============================================================================

func TestRedeem_ClosesRiskiestAndCreditsSurplus(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice, bob)
	h.mustOpen(t, bob, 100, 20)
	aliceCdp := h.mustOpen(t, alice, 15, 10)

	out := h.mustApply(t, h.script.Redeem(bob, testutil.E18(10), 0))

	redeemed := noticesOf(out, event.NoticeCdpRedeemed)
	require.Len(t, redeemed, 1)
	assert.Equal(t, aliceCdp, redeemed[0].Redeemed.CdpID)
	assert.True(t, redeemed[0].Redeemed.Closed)
	assert.Equal(t, testutil.E18(10), redeemed[0].Redeemed.CollRedeemed)

	// 10 of 30 debt redeemed: base rate 1/6, fee rate 0.5% + 1/6.
	fee := testutil.Amount("1.71666666666666666")
	assert.Equal(t, fee.Dec(), h.core.Balance(ledger.FeeRecipientColl))
	assert.Equal(t, testutil.Amount("0.166666666666666666"), h.core.Status().BaseRate)

	bobColl, bobEBTC, _ := h.core.Wallet(bob)
	assert.Equal(t, fpmath.Sub(testutil.E18(10), fee), bobColl)
	assert.Equal(t, testutil.E18(10), bobEBTC)

	_, _, owed := h.core.Wallet(alice)
	assert.Equal(t, testutil.E18(5), owed)

	h.mustApply(t, h.script.ClaimSurplus(alice))
	aliceColl, _, _ := h.core.Wallet(alice)
	assert.Equal(t, testutil.E18(90), aliceColl)
}

func TestRedeem_BaseRateRisesWithinAMinute(t *testing.T) {
	h := newHarness(t)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice, bob, carol)
	h.mustOpen(t, bob, 100, 20)
	h.mustOpen(t, alice, 60, 20)
	h.mustOpen(t, carol, 80, 20)
	assert.True(t, h.core.Status().BaseRate.IsZero())

	h.mustApply(t, h.script.Redeem(bob, testutil.E18(2), 0))
	first := h.core.Status().BaseRate
	firstFee := fpmath.MustParseAmount(h.core.Balance(ledger.FeeRecipientColl))
	assert.True(t, first.Sign() > 0)

	h.script.Advance(30 * time.Second)
	h.mustApply(t, h.script.Redeem(bob, testutil.E18(2), 0))
	second := h.core.Status().BaseRate
	assert.True(t, second.Gt(first))

	totalFee := fpmath.MustParseAmount(h.core.Balance(ledger.FeeRecipientColl))
	assert.True(t, fpmath.Sub(totalFee, firstFee).Gt(firstFee), "the second redemption pays the higher rate")

	bobColl, _, _ := h.core.Wallet(bob)
	assert.Equal(t, fpmath.Sub(testutil.E18(4), totalFee), bobColl)
}

func TestRedeem_InsufficientTokensRejected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice)
	h.mustOpen(t, alice, 30, 10)

	h.mustReject(t, h.script.Redeem(alice, testutil.E18(11), 0), ledger.ErrInsufficientBalance)
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	script := testutil.NewScript(genesis)
	events := []event.Event{
		script.Price(testutil.E18(1)),
		script.Fund(alice, testutil.E18(100)),
		script.Fund(bob, testutil.E18(100)),
		script.Open(alice, testutil.E18(30), testutil.E18(10)),
		script.Open(bob, testutil.E18(50), testutil.E18(10)),
		script.Open(alice, testutil.E18(1), testutil.E18(10)), // rejected
		script.Deposit(bob, testutil.E18(3)),
	}

	run := func() [][32]byte {
		persist := make(chan core.CoreOutput, 64)
		c := core.NewCdpCore(core.CoreConfig{PersistChan: persist})
		for _, evt := range events {
			c.ProcessEvent(evt)
		}
		var hashes [][32]byte
		for _, o := range drainOutputs(persist) {
			hashes = append(hashes, o.Envelope.StateHash)
		}
		return hashes
	}

	first, second := run(), run()
	require.Len(t, first, len(events))
	assert.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		assert.NotEqual(t, first[i-1], first[i])
	}
}

func TestStateHashChain_StartsAtGenesisAndLinksRejections(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	first := h.mustApply(t, h.script.Fund(alice, testutil.E18(1)))
	assert.Equal(t, sha256.Sum256([]byte("CdpLedger:genesis:v1")), first.Envelope.PrevHash)

	rejected := h.mustReject(t, h.script.Fund(alice, fpmath.Zero()), state.ErrZeroAmount)
	assert.Equal(t, first.Envelope.StateHash, rejected.Envelope.PrevHash)
	assert.NotEqual(t, rejected.Envelope.PrevHash, rejected.Envelope.StateHash)
	assert.Equal(t, h.core.GetStateHash(), rejected.Envelope.StateHash)
}

func TestEnvelope_ChainsPrevHash(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.mustApply(t, h.script.Fund(alice, testutil.E18(1)))
	h.mustApply(t, h.script.Fund(alice, testutil.E18(1)))

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 2)
	assert.Equal(t, int64(0), outputs[0].Envelope.Sequence)
	assert.Equal(t, int64(1), outputs[1].Envelope.Sequence)
	assert.Equal(t, outputs[0].Envelope.StateHash, outputs[1].Envelope.PrevHash)
	assert.Equal(t, event.EventTypeFundCollateral, outputs[1].Envelope.EventType)
	assert.Equal(t, event.UserPartition(alice), outputs[1].Envelope.Partition)
	assert.Equal(t, int64(1), outputs[1].Envelope.SourceSequence)
	assert.Equal(t, h.core.GetStateHash(), outputs[1].Envelope.StateHash)
}

// ============================================================================
// Test: Snapshot & Restore
// ============================================================================

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	h := newHarness(t)
	_, bob, _, aliceCdp, _ := spScenario(t, h)
	early := h.script.Fund(bob, testutil.E18(1))
	h.mustApply(t, early)
	h.mustApply(t, h.script.LiquidateBatch(uuid.New(), aliceCdp))

	snap := h.core.CreateSnapshotState()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored := core.NewCdpCore(core.CoreConfig{})
	require.NoError(t, restored.RestoreFromSnapshot(&decoded))

	assert.Equal(t, h.core.GetSequence(), restored.GetSequence())
	assert.Equal(t, h.core.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, h.core.Status().SystemDebt, restored.Status().SystemDebt)
	assert.Equal(t, h.core.GetLast(), restored.GetLast())

	// Idempotency keys survive the round trip.
	dup, err := restored.ProcessEvent(early)
	require.NoError(t, err)
	assert.Nil(t, dup)

	next := h.script.Fund(bob, testutil.E18(1))
	a, err := h.core.ProcessEvent(next)
	require.NoError(t, err)
	b, err := restored.ProcessEvent(next)
	require.NoError(t, err)
	assert.Equal(t, a.Envelope.StateHash, b.Envelope.StateHash)

	depositA, gainA := h.core.StabilityDeposit(bob)
	depositB, gainB := restored.StabilityDeposit(bob)
	assert.Equal(t, depositA, depositB)
	assert.Equal(t, gainA, gainB)
}

func TestSnapshot_RestoreIntoUsedCoreRejected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustApply(t, h.script.Price(testutil.E18(1)))
	h.mustFund(t, alice)
	h.mustOpen(t, alice, 30, 10)

	snap := h.core.CreateSnapshotState()
	assert.ErrorIs(t, h.core.RestoreFromSnapshot(snap), core.ErrRestoreNonEmpty)
}

// ============================================================================
// Test: Projection Channel (non-blocking drop)
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1)
	c := core.NewCdpCore(core.CoreConfig{PersistChan: persist, ProjectionChan: proj})
	script := testutil.NewScript(genesis)
	alice := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := c.ProcessEvent(script.Fund(alice, testutil.E18(1)))
		require.NoError(t, err)
	}

	assert.Len(t, drainOutputs(persist), 5)
	assert.Len(t, drainOutputs(proj), 1)
}
