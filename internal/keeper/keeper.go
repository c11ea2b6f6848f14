package keeper

import (
	"context"
	"errors"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/event"
	"CdpLedger/internal/ingestion"
	"CdpLedger/internal/observability"
	"CdpLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Outcome of one keeper tick, also the KeeperAttempts label.
type Outcome string

const (
	OutcomeIdle        Outcome = "idle"
	OutcomeWaiting     Outcome = "waiting"
	OutcomeThrottled   Outcome = "throttled"
	OutcomeLiquidated  Outcome = "liquidated"
	OutcomeNothing     Outcome = "nothing"
	OutcomeGraceGated  Outcome = "grace_gated"
	OutcomeRejected    Outcome = "rejected"
	OutcomeSubmitError Outcome = "submit_error"
)

// Reader is the slice of the core the keeper watches. *core.CdpCore
// satisfies it.
type Reader interface {
	TailCandidate(at time.Time) (core.Candidate, bool)
	GracePeriod() core.GraceView
}

// Submitter queues a command behind every other writer. *ingestion.Sequencer
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (ingestion.Result, error)
}

type Config struct {
	Liquidator uuid.UUID
	Interval   time.Duration
	BatchSize  int
	RatePerSec float64
	Burst      int
}

// Keeper liquidates from the tail of the sorted list. Grace-gated tails are
// not retried until the grace period elapses.
type Keeper struct {
	cfg     Config
	reader  Reader
	submit  Submitter
	limiter *rate.Limiter
	clock   func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger

	retryAt time.Time
}

func New(cfg Config, reader Reader, submit Submitter, metrics *observability.Metrics, logger zerolog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &Keeper{
		cfg:     cfg,
		reader:  reader,
		submit:  submit,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		clock:   func() time.Time { return time.Now().UTC() },
		metrics: metrics,
		logger:  logger.With().Str("component", "keeper").Logger(),
	}
}

// WithClock replaces the wall clock. Liquidations are stamped with it.
func (k *Keeper) WithClock(clock func() time.Time) *Keeper {
	k.clock = clock
	return k
}

// RetryAt is the earliest time a grace-gated tail is tried again.
func (k *Keeper) RetryAt() time.Time { return k.retryAt }

// Run ticks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.logger.Info().
		Str("liquidator", k.cfg.Liquidator.String()).
		Dur("interval", k.cfg.Interval).
		Int("batch_size", k.cfg.BatchSize).
		Msg("keeper started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick inspects the tail once and liquidates if it can.
func (k *Keeper) Tick(ctx context.Context) Outcome {
	outcome := k.tick(ctx)
	if k.metrics != nil && outcome != OutcomeIdle {
		k.metrics.KeeperAttempts.WithLabelValues(string(outcome)).Inc()
	}
	return outcome
}

func (k *Keeper) tick(ctx context.Context) Outcome {
	now := k.clock()
	if now.Before(k.retryAt) {
		return OutcomeWaiting
	}

	cand, ok := k.reader.TailCandidate(now)
	if !ok || !cand.Liquidatable {
		return OutcomeIdle
	}
	if cand.GraceGated {
		k.deferUntil(cand.ElapsesAt, cand.CdpID)
		return OutcomeGraceGated
	}
	if !k.limiter.AllowN(now, 1) {
		return OutcomeThrottled
	}

	evt := &event.LiquidateSequentially{
		Header:     event.NewHeader(uuid.New(), 0, now),
		MaxCount:   k.cfg.BatchSize,
		Liquidator: k.cfg.Liquidator,
	}
	res, err := k.submit.Submit(ctx, evt)
	if err != nil {
		k.logger.Warn().Err(err).Msg("liquidation submit failed")
		return OutcomeSubmitError
	}

	switch {
	case res.Err == nil && res.Output != nil:
		liquidated := 0
		for _, n := range res.Output.Notices {
			if n.Type == event.NoticeCdpLiquidated {
				liquidated++
			}
		}
		k.logger.Info().
			Int64("sequence", res.Output.Envelope.Sequence).
			Int("liquidated", liquidated).
			Str("tail", cand.CdpID.String()).
			Msg("liquidated from tail")
		return OutcomeLiquidated

	case errors.Is(res.Err, state.ErrGracePeriodNotFinished):
		// The mode changed between the read and the write.
		k.deferUntil(k.reader.GracePeriod().ElapsesAt, cand.CdpID)
		return OutcomeGraceGated

	case errors.Is(res.Err, state.ErrNothingToLiquidate):
		k.logger.Debug().Str("tail", cand.CdpID.String()).Msg("nothing to liquidate")
		return OutcomeNothing

	case res.Err != nil:
		k.logger.Warn().Err(res.Err).Str("tail", cand.CdpID.String()).Msg("liquidation rejected")
		return OutcomeRejected
	}
	// Duplicate: the command id is fresh, so this only happens on replay.
	return OutcomeNothing
}

func (k *Keeper) deferUntil(at time.Time, tail uuid.UUID) {
	if at.IsZero() {
		return
	}
	if at.After(k.retryAt) {
		k.retryAt = at
		k.logger.Info().Str("tail", tail.String()).Time("retry_at", at).Msg("tail in grace period")
	}
}
