package state_test

import (
	"testing"

	"CdpLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// unitShares treats one collateral share as one unit of value.
type unitShares struct{}

func (unitShares) SharesToValue(shares *uint256.Int) *uint256.Int { return shares.Clone() }
func (unitShares) ValueToShares(value *uint256.Int) *uint256.Int  { return value.Clone() }

type fixture struct {
	params *state.SystemParams
	ledger *state.RedistributionLedger
	store  *state.CdpManager
	sorted *state.SortedCdps
	grace  *state.GracePeriod
	mode   *state.ModeCalculator
	liq    *state.Liquidator
	hints  *state.HintFinder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLimits(t, 1_000, 10_000)
}

func newFixtureWithLimits(t *testing.T, maxSize, maxIterations int) *fixture {
	t.Helper()

	params := state.DefaultSystemParams()
	params.MaxListSize = maxSize
	params.MaxInsertIterations = maxIterations
	require.NoError(t, state.ValidateSystemParams(params))

	ledger := state.NewRedistributionLedger()
	store := state.NewCdpManager(ledger)
	sorted := state.NewSortedCdps(maxSize, maxIterations, store)
	grace := state.NewGracePeriod(params.GracePeriod)
	mode := state.NewModeCalculator(store, params, unitShares{})

	return &fixture{
		params: params,
		ledger: ledger,
		store:  store,
		sorted: sorted,
		grace:  grace,
		mode:   mode,
		liq:    state.NewLiquidator(store, sorted, ledger, mode, grace, params, unitShares{}),
		hints:  state.NewHintFinder(store, sorted),
	}
}

// open creates a position and inserts it without hints.
func (f *fixture) open(t *testing.T, coll, debt *uint256.Int) uuid.UUID {
	t.Helper()
	cdp := f.store.Open(uuid.New(), debt, coll, 0)
	require.NoError(t, f.sorted.Insert(cdp.ID, f.store.SyncedNICR(cdp.ID), uuid.Nil, uuid.Nil))
	return cdp.ID
}

// e18 returns n whole units at 18 decimals.
func e18(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

func amt(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}
