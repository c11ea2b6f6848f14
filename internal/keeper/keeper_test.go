package keeper_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/event"
	"CdpLedger/internal/ingestion"
	"CdpLedger/internal/keeper"
	"CdpLedger/internal/observability"
	"CdpLedger/internal/state"
	"CdpLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var genesis = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeReader struct {
	cand  core.Candidate
	ok    bool
	grace core.GraceView
}

func (f *fakeReader) TailCandidate(time.Time) (core.Candidate, bool) { return f.cand, f.ok }
func (f *fakeReader) GracePeriod() core.GraceView { return f.grace }

type fakeSubmitter struct {
	results []ingestion.Result
	got     []event.Event
}

func (f *fakeSubmitter) Submit(_ context.Context, evt event.Event) (ingestion.Result, error) {
	f.got = append(f.got, evt)
	if len(f.results) == 0 {
		return ingestion.Result{Output: &core.CoreOutput{}}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newKeeper(reader keeper.Reader, sub keeper.Submitter, c *clock, metrics *observability.Metrics) *keeper.Keeper {
	cfg := keeper.Config{Liquidator: uuid.New(), Interval: time.Second, BatchSize: 5, RatePerSec: 1, Burst: 1}
	return keeper.New(cfg, reader, sub, metrics, zerolog.Nop()).WithClock(c.Now)
}

// ============================================================================
// Test: Tail classification
// ============================================================================

func TestTick_IdleWhenTailHealthy(t *testing.T) {
	sub := &fakeSubmitter{}
	k := newKeeper(&fakeReader{ok: true, cand: core.Candidate{CdpID: uuid.New()}}, sub, &clock{now: genesis}, nil)

	assert.Equal(t, keeper.OutcomeIdle, k.Tick(context.Background()))
	assert.Empty(t, sub.got)

	k = newKeeper(&fakeReader{ok: false}, sub, &clock{now: genesis}, nil)
	assert.Equal(t, keeper.OutcomeIdle, k.Tick(context.Background()))
	assert.Empty(t, sub.got)
}

func TestTick_SubmitsSequentialLiquidation(t *testing.T) {
	sub := &fakeSubmitter{}
	c := &clock{now: genesis}
	k := newKeeper(&fakeReader{ok: true, cand: core.Candidate{CdpID: uuid.New(), Liquidatable: true}}, sub, c, nil)

	assert.Equal(t, keeper.OutcomeLiquidated, k.Tick(context.Background()))
	require.Len(t, sub.got, 1)
	cmd, ok := sub.got[0].(*event.LiquidateSequentially)
	require.True(t, ok)
	assert.Equal(t, 5, cmd.MaxCount)
	assert.Equal(t, genesis.UnixMicro(), cmd.TimestampUs)
}

// ============================================================================
// Test: Grace period rescheduling
// ============================================================================

func TestTick_GraceGatedTailWaitsUntilElapsed(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	elapses := genesis.Add(15 * time.Minute)
	reader := &fakeReader{ok: true, cand: core.Candidate{
		CdpID: uuid.New(), Liquidatable: true, GraceGated: true, ElapsesAt: elapses,
	}}
	sub := &fakeSubmitter{results: []ingestion.Result{{Err: state.ErrNothingToLiquidate}}}
	c := &clock{now: genesis}
	k := newKeeper(reader, sub, c, metrics)
	ctx := context.Background()

	assert.Equal(t, keeper.OutcomeGraceGated, k.Tick(ctx))
	assert.Equal(t, elapses, k.RetryAt())

	c.now = genesis.Add(time.Minute)
	assert.Equal(t, keeper.OutcomeWaiting, k.Tick(ctx))
	assert.Empty(t, sub.got, "no command while the grace period runs")

	c.now = elapses
	reader.cand.GraceGated = false
	assert.Equal(t, keeper.OutcomeNothing, k.Tick(ctx))
	assert.Len(t, sub.got, 1)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.KeeperAttempts.WithLabelValues("grace_gated")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.KeeperAttempts.WithLabelValues("waiting")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.KeeperAttempts.WithLabelValues("nothing")))
}

func TestTick_GraceStartedBetweenReadAndWrite(t *testing.T) {
	elapses := genesis.Add(10 * time.Minute)
	reader := &fakeReader{
		ok:    true,
		cand:  core.Candidate{CdpID: uuid.New(), Liquidatable: true},
		grace: core.GraceView{Cooling: true, Since: genesis, ElapsesAt: elapses},
	}
	rejected := fmt.Errorf("%w: %w", state.ErrNothingToLiquidate, state.ErrGracePeriodNotFinished)
	sub := &fakeSubmitter{results: []ingestion.Result{{Output: &core.CoreOutput{}, Err: rejected}}}
	k := newKeeper(reader, sub, &clock{now: genesis}, nil)

	assert.Equal(t, keeper.OutcomeGraceGated, k.Tick(context.Background()))
	assert.Equal(t, elapses, k.RetryAt())
}

// ============================================================================
// Test: Throttling
// ============================================================================

func TestTick_RateLimited(t *testing.T) {
	sub := &fakeSubmitter{}
	c := &clock{now: genesis}
	k := newKeeper(&fakeReader{ok: true, cand: core.Candidate{CdpID: uuid.New(), Liquidatable: true}}, sub, c, nil)
	ctx := context.Background()

	assert.Equal(t, keeper.OutcomeLiquidated, k.Tick(ctx))
	assert.Equal(t, keeper.OutcomeThrottled, k.Tick(ctx))

	c.now = genesis.Add(time.Second)
	assert.Equal(t, keeper.OutcomeLiquidated, k.Tick(ctx))
	assert.Len(t, sub.got, 2)
}

// ============================================================================
// Test: Against the core
// ============================================================================

func TestKeeper_LiquidatesUndercollateralizedTail(t *testing.T) {
	c := core.NewCdpCore(core.CoreConfig{})
	s := testutil.NewScript(genesis)
	alice, bob := uuid.New(), uuid.New()

	for _, cmd := range []event.Event{
		s.Price(testutil.E18(1)),
		s.Fund(alice, testutil.E18(100)),
		s.Fund(bob, testutil.E18(100)),
		s.Open(bob, testutil.E18(80), testutil.E18(10)),
		s.Open(alice, testutil.E18(12), testutil.E18(10)),
		s.Price(testutil.Amount("0.9")),
	} {
		_, err := c.ProcessEvent(cmd)
		require.NoError(t, err)
	}

	seq := ingestion.NewSequencer(c, 4, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = seq.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	k := newKeeper(c, seq, &clock{now: s.Now()}, nil)

	assert.Equal(t, keeper.OutcomeLiquidated, k.Tick(ctx))
	aliceCdp, ok := c.GetCdp(state.DeriveCdpID(alice, 0))
	require.True(t, ok)
	assert.Equal(t, state.CdpStatusClosedByLiquidation, aliceCdp.Status)

	assert.Equal(t, keeper.OutcomeIdle, k.Tick(ctx), "bob absorbed the redistribution and stays healthy")
}
