package core

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"CdpLedger/internal/collateral"
	"CdpLedger/internal/event"
	"CdpLedger/internal/ledger"
	fpmath "CdpLedger/internal/math"
	"CdpLedger/internal/observability"
	"CdpLedger/internal/pricefeed"
	"CdpLedger/internal/stabilitypool"
	"CdpLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const globalCheckInterval = 1000

// CdpCore is the serialized event processor. Writers hold mu exclusively
// for a whole operation; readers take the read lock and never observe a
// half-applied operation.
type CdpCore struct {
	mu sync.RWMutex

	sequence  int64
	params    *state.SystemParams
	chain     *hashChain
	balances  *ledger.BalanceTracker
	validator *ledger.InvariantValidator

	redistribution *state.RedistributionLedger
	store          *state.CdpManager
	sorted         *state.SortedCdps
	grace          *state.GracePeriod
	mode           *state.ModeCalculator
	liquidator     *state.Liquidator
	hints          *state.HintFinder
	fees           *state.RedemptionFees

	shareIndex *collateral.ShareIndex
	feed       *pricefeed.Feed
	pool       *stabilitypool.Pool

	collateral CollateralToken
	prices     PriceSource
	sp         StabilityPool

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	lastStatus        event.SystemStatus

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// replaying is set while the event log is re-applied on startup.
	replaying bool
}

// CoreOutput is everything downstream workers need about one logged event.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	Rejection  string // non-empty when the command was rejected
	Notices    []event.Notice
	Status     event.SystemStatus
	StateDelta []byte
}

type CoreConfig struct {
	Params              *state.SystemParams
	StartSequence       int64
	IdempotencyCapacity int
	PersistChan         chan<- CoreOutput // nil disables persistence output
	ProjectionChan      chan<- CoreOutput // nil disables projection output
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              *zerolog.Logger
}

func NewCdpCore(cfg CoreConfig) *CdpCore {
	params := cfg.Params
	if params == nil {
		params = state.DefaultSystemParams()
	}
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	balances := ledger.NewBalanceTracker()
	redistribution := state.NewRedistributionLedger()
	store := state.NewCdpManager(redistribution)
	sorted := state.NewSortedCdps(params.MaxListSize, params.MaxInsertIterations, store)
	grace := state.NewGracePeriod(params.GracePeriod)
	shareIndex := collateral.NewShareIndex()
	mode := state.NewModeCalculator(store, params, shareIndex)
	feed := pricefeed.NewFeed(params.PriceMaxAge)
	pool := stabilitypool.NewPool()

	c := &CdpCore{
		sequence:          cfg.StartSequence,
		params:            params,
		chain:             newHashChain(),
		balances:          balances,
		validator:         ledger.NewInvariantValidator(balances),
		redistribution:    redistribution,
		store:             store,
		sorted:            sorted,
		grace:             grace,
		mode:              mode,
		liquidator:        state.NewLiquidator(store, sorted, redistribution, mode, grace, params, shareIndex),
		hints:             state.NewHintFinder(store, sorted),
		fees:              state.NewRedemptionFees(params),
		shareIndex:        shareIndex,
		feed:              feed,
		pool:              pool,
		collateral:        shareIndex,
		prices:            feed,
		sp:                pool,
		idempotency:       NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		sequenceValidator: NewSequenceValidator(cfg.Metrics),
		metrics:           cfg.Metrics,
		logger:            logger,
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
	}
	c.lastStatus = c.systemStatus(time.Time{})
	return c
}

// opContext carries the per-event scratch state of one operation.
type opContext struct {
	at      time.Time
	b       *ledger.BatchBuilder
	tokens  ledger.TokenBook
	debt    DebtToken
	notices []event.Notice
	touched []uuid.UUID
	seen    map[uuid.UUID]struct{}
}

func (c *CdpCore) newOp(evt event.Event, at time.Time) *opContext {
	b := ledger.NewBatchBuilder(c.balances, evt.IdempotencyKey(), c.sequence, at.UnixMicro())
	tokens := ledger.NewTokenBook(b)
	return &opContext{
		at:     at,
		b:      b,
		tokens: tokens,
		debt:   tokens,
		seen:   make(map[uuid.UUID]struct{}),
	}
}

func (op *opContext) touch(id uuid.UUID) {
	if _, ok := op.seen[id]; ok {
		return
	}
	op.seen[id] = struct{}{}
	op.touched = append(op.touched, id)
}

// ProcessEvent runs the pipeline for one command:
// idempotency, sequencing, dispatch under checkpoint, journal apply,
// post-checks, hash chain, output.
//
// A duplicate returns (nil, nil). Sequencing failures return an error and
// nothing is logged. A rejected command is logged with its reason, leaves
// state untouched and returns the rejection error alongside the output.
func (c *CdpCore) ProcessEvent(evt event.Event) (*CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.SeenRecently(eventType, idempotencyKey)
	} else {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()
	if err := c.sequenceValidator.Check(partition, sourceSequence, isDuplicate); err != nil {
		c.recordRejection(eventType, err)
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil, nil
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}

	at := evt.EventTime()
	op := c.newOp(evt, at)
	cp := c.checkpoint(evt.EventType())

	var rejection error
	if err := c.dispatch(op, evt); err != nil {
		c.rollback(cp)
		rejection = err
		op = c.newOp(evt, at)
	} else {
		if err := c.validator.ValidateStaged(op.b); err != nil {
			panic(fmt.Sprintf("FATAL: %s would overdraw an account: %v", eventType, err))
		}
		c.commit()
		c.syncGrace(op)
	}

	batch := op.b.Build()
	if len(batch.Journals) > 0 {
		if err := c.balances.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch for %s: %v", eventType, err))
		}
	}

	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s seq %d: %v", eventType, c.sequence, err))
	}

	stateDigest := c.computeStateDigest(op)
	prevHash := c.chain.current()
	stateHash := c.chain.append(chainLink{
		sequence:  c.sequence,
		eventType: evt.EventType(),
		rejected:  rejection != nil,
		digest:    stateDigest,
	})

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: idempotencyKey,
			EventType:      evt.EventType(),
			Partition:      partition,
			Timestamp:      at,
			SourceSequence: sourceSequence,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:      batch,
		Notices:    op.notices,
		StateDelta: stateDigest,
	}
	if rejection != nil {
		output.Rejection = rejection.Error()
	} else {
		op.notices = append(op.notices, c.cdpNotices(op)...)
		output.Notices = op.notices
	}
	output.Status = c.systemStatus(at)
	c.lastStatus = output.Status

	c.sequence++
	c.sequenceValidator.Advance(partition, sourceSequence)

	// Persistence blocks (backpressure); projections drop when full and
	// are reconciled against the core on restart.
	if c.persistChan != nil && !c.replaying {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.recordApplied(eventType, batch, output.Status, start, rejection == nil)

	if rejection != nil {
		c.recordRejection(eventType, rejection)
		c.logger.Warn().
			Int64("sequence", output.Envelope.Sequence).
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Err(rejection).
			Msg("command rejected")
		return &output, fmt.Errorf("%s rejected: %w", eventType, rejection)
	}

	c.logger.Debug().
		Int64("sequence", output.Envelope.Sequence).
		Str("event_type", eventType).
		Int("journals", len(batch.Journals)).
		Msg("event applied")
	return &output, nil
}

func (c *CdpCore) dispatch(op *opContext, evt event.Event) error {
	if err := checkInputBounds(evt); err != nil {
		return err
	}
	switch e := evt.(type) {
	case *event.FundCollateral:
		return c.handleFundCollateral(op, e)
	case *event.OpenCdp:
		return c.handleOpenCdp(op, e)
	case *event.AdjustCdp:
		return c.handleAdjustCdp(op, e)
	case *event.CloseCdp:
		return c.handleCloseCdp(op, e)
	case *event.Liquidate:
		return c.handleLiquidation(op, e.Liquidator, func(ctx state.LiquidationContext) (*state.LiquidationResult, error) {
			return c.liquidator.Liquidate(e.CdpID, ctx)
		})
	case *event.LiquidateBatch:
		return c.handleLiquidation(op, e.Liquidator, func(ctx state.LiquidationContext) (*state.LiquidationResult, error) {
			return c.liquidator.LiquidateBatch(e.CdpIDs, ctx)
		})
	case *event.LiquidateSequentially:
		if e.MaxCount <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidMaxCount, e.MaxCount)
		}
		return c.handleLiquidation(op, e.Liquidator, func(ctx state.LiquidationContext) (*state.LiquidationResult, error) {
			return c.liquidator.LiquidateSequentially(e.MaxCount, ctx)
		})
	case *event.RedeemCollateral:
		return c.handleRedeemCollateral(op, e)
	case *event.ClaimSurplus:
		return c.handleClaimSurplus(op, e)
	case *event.StabilityDeposit:
		return c.handleStabilityDeposit(op, e)
	case *event.PriceUpdate:
		return c.handlePriceUpdate(op, e)
	case *event.CollateralRebase:
		return c.handleCollateralRebase(op, e)
	case *event.SweepParked:
		return c.handleSweepParked(op, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

// --- Checkpointing ---

// checkpoint captures everything an operation can mutate besides the
// balance tracker, which only changes when the staged batch is applied.
type checkpoint struct {
	redistribution state.RedistributionState
	grace          state.GraceState
	fees           state.FeeState
	shareIndex     *uint256.Int
	feed           pricefeed.State
	pool           *stabilitypool.State
}

func (c *CdpCore) checkpoint(et event.EventType) checkpoint {
	c.store.Checkpoint()
	c.sorted.Checkpoint()

	cp := checkpoint{
		redistribution: c.redistribution.State(),
		grace:          c.grace.State(),
		fees:           c.fees.State(),
		shareIndex:     c.shareIndex.Index(),
		feed:           c.feed.State(),
	}
	if touchesStabilityPool(et) {
		s := c.pool.State()
		cp.pool = &s
	}
	return cp
}

func touchesStabilityPool(et event.EventType) bool {
	switch et {
	case event.EventTypeLiquidate, event.EventTypeLiquidateBatch,
		event.EventTypeLiquidateSequentially, event.EventTypeStabilityDeposit:
		return true
	}
	return false
}

func (c *CdpCore) rollback(cp checkpoint) {
	c.store.Rollback()
	c.sorted.Rollback()
	c.redistribution.Restore(cp.redistribution)
	c.grace.Restore(cp.grace)
	c.fees.Restore(cp.fees)
	if err := c.shareIndex.Restore(cp.shareIndex); err != nil {
		panic(fmt.Sprintf("FATAL: rollback share index: %v", err))
	}
	c.feed.Restore(cp.feed)
	if cp.pool != nil {
		c.pool.Restore(*cp.pool)
	}
}

func (c *CdpCore) commit() {
	c.store.Commit()
	c.sorted.Commit()
}

// syncGrace observes Recovery Mode after a successful operation.
// Without a valid price the cooldown state is left as is.
func (c *CdpCore) syncGrace(op *opContext) {
	price, ok := c.prices.FetchPrice(op.at)
	if !ok {
		return
	}

	switch c.grace.Sync(c.mode.CheckRecoveryMode(price), op.at) {
	case state.GraceStarted:
		elapsesAt, _ := c.grace.ElapsesAt()
		op.notices = append(op.notices, event.Notice{
			Type:  event.NoticeGracePeriodStarted,
			Grace: &event.GracePeriodChanged{At: op.at, ElapsesAt: elapsesAt},
		})
		c.recordGrace(state.GraceStarted)
		c.logger.Info().Time("at", op.at).Time("elapses_at", elapsesAt).Msg("recovery mode entered, grace period started")
	case state.GraceEnded:
		op.notices = append(op.notices, event.Notice{
			Type:  event.NoticeGracePeriodEnded,
			Grace: &event.GracePeriodChanged{At: op.at},
		})
		c.recordGrace(state.GraceEnded)
		c.logger.Info().Time("at", op.at).Msg("recovery mode exited, grace period ended")
	}
}

// --- Digest & invariants ---

// computeStateDigest serializes what the operation touched: account
// balances, positions, redistribution indices, the redemption base rate
// and the grace state.
func (c *CdpCore) computeStateDigest(op *opContext) []byte {
	accounts := op.b.Touched()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+len(op.touched)*200+128)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		balance := c.balances.GetBalance(key).Bytes32()
		digest = append(digest, balance[:]...)
	}

	ids := make([]uuid.UUID, len(op.touched))
	copy(ids, op.touched)
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	for _, id := range ids {
		if cdp, ok := c.store.Get(id); ok {
			digest = append(digest, cdp.CanonicalBytes()...)
		}
	}

	for _, v := range []*uint256.Int{
		c.redistribution.DebtIndex(),
		c.redistribution.CollIndex(),
		c.redistribution.FeeIndex(),
		c.redistribution.TotalStakes(),
		c.fees.BaseRate(),
	} {
		b := v.Bytes32()
		digest = append(digest, b[:]...)
	}
	digest = append(digest, c.grace.State().String()...)

	return digest
}

// postCheckInvariants ties the ledger to the state machine after every
// event, and runs the full scans every globalCheckInterval sequences.
func (c *CdpCore) postCheckInvariants() error {
	totals := c.store.Totals()
	checks := []struct {
		key      ledger.AccountKey
		expected *uint256.Int
	}{
		{ledger.ActivePoolColl, totals.ActiveColl},
		{ledger.ActivePoolDebt, totals.ActiveDebt},
		{ledger.DefaultPoolColl, totals.DefaultColl},
		{ledger.DefaultPoolDebt, totals.DefaultDebt},
		{ledger.ParkedColl, c.redistribution.ParkedColl()},
		{ledger.ParkedDebt, c.redistribution.ParkedDebt()},
		{ledger.StabilityPoolEBTC, c.pool.TotalDeposits()},
		{ledger.StabilityPoolColl, c.pool.TotalCollGain()},
	}
	for _, chk := range checks {
		if err := c.validator.ValidateAccount(chk.key, chk.expected); err != nil {
			return err
		}
	}

	if c.sequence == 0 || c.sequence%globalCheckInterval != 0 {
		return nil
	}

	sumDebt, sumColl := c.store.SumActive()
	if !sumDebt.Eq(totals.ActiveDebt) || !sumColl.Eq(totals.ActiveColl) {
		return fmt.Errorf("active totals drifted: Σdebt=%s tracked=%s, Σcoll=%s tracked=%s",
			sumDebt.Dec(), totals.ActiveDebt.Dec(), sumColl.Dec(), totals.ActiveColl.Dec())
	}
	pendingDebt, pendingColl := c.store.SumPending()
	if err := c.validator.ValidateAccountAtLeast(ledger.DefaultPoolDebt, pendingDebt); err != nil {
		return err
	}
	if err := c.validator.ValidateAccountAtLeast(ledger.DefaultPoolColl, pendingColl); err != nil {
		return err
	}
	if pendingFees := c.store.SumPendingFees(); pendingFees.Gt(totals.FeeColl) {
		return fmt.Errorf("pending staking fees %s exceed charged %s", pendingFees.Dec(), totals.FeeColl.Dec())
	}
	if err := c.sorted.Validate(); err != nil {
		return fmt.Errorf("sorted registry: %w", err)
	}
	if c.sorted.Size() != c.store.ActiveCount() {
		return fmt.Errorf("registry holds %d ids, store has %d active", c.sorted.Size(), c.store.ActiveCount())
	}
	return c.validator.ValidateGlobalBalance()
}

// --- Outputs ---

func (c *CdpCore) cdpNotices(op *opContext) []event.Notice {
	notices := make([]event.Notice, 0, len(op.touched))
	for _, id := range op.touched {
		cdp, ok := c.store.Get(id)
		if !ok {
			continue
		}
		changed := &event.CdpChanged{
			CdpID:      cdp.ID,
			Owner:      cdp.Owner,
			Status:     cdp.Status.String(),
			Debt:       cdp.Debt.Clone(),
			CollShares: cdp.CollShares.Clone(),
			Stake:      cdp.Stake.Clone(),
			NICR:       fpmath.Zero(),
		}
		if cdp.IsActive() {
			changed.NICR = c.store.SyncedNICR(id)
		}
		notices = append(notices, event.Notice{Type: event.NoticeCdpChanged, Cdp: changed})
	}
	return notices
}

func (c *CdpCore) systemStatus(at time.Time) event.SystemStatus {
	totals := c.store.Totals()
	status := event.SystemStatus{
		Sequence:       c.sequence,
		GraceState:     c.grace.State().String(),
		ActiveCdps:     c.store.ActiveCount(),
		SystemColl:     totals.SystemColl(),
		SystemDebt:     totals.SystemDebt(),
		TotalStakes:    c.redistribution.TotalStakes(),
		DebtIndex:      c.redistribution.DebtIndex(),
		CollIndex:      c.redistribution.CollIndex(),
		FeeIndex:       c.redistribution.FeeIndex(),
		BaseRate:       c.fees.DecayedBaseRate(at),
		ParkedDebt:     c.redistribution.ParkedDebt(),
		ParkedColl:     c.redistribution.ParkedColl(),
		SPDeposits:     c.sp.TotalDeposits(),
		CollShareIndex: c.shareIndex.Index(),
		EventTimestamp: at,
	}
	if price, ok := c.prices.FetchPrice(at); ok {
		status.Price = price
		status.TCR = c.mode.GetTCR(price)
		status.RecoveryMode = status.TCR.Lt(c.params.CCR)
	}
	return status
}

// --- Metrics ---

func (c *CdpCore) recordApplied(eventType string, batch *ledger.Batch, status event.SystemStatus, start time.Time, applied bool) {
	if c.metrics == nil {
		return
	}
	if applied {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	}
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}

	c.metrics.ActiveCdps.Set(float64(status.ActiveCdps))
	c.metrics.ParkedDebt.Set(fpmath.ToDecimal(status.ParkedDebt).InexactFloat64())
	if status.TCR != nil && !status.TCR.Eq(fpmath.MaxRatio()) {
		c.metrics.TCR.Set(fpmath.ToDecimal(status.TCR).InexactFloat64())
	}
	if status.RecoveryMode {
		c.metrics.RecoveryMode.Set(1)
	} else {
		c.metrics.RecoveryMode.Set(0)
	}
}

func (c *CdpCore) recordRejection(eventType string, err error) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, rejectionReason(err)).Inc()
	}
}

func (c *CdpCore) recordGrace(t state.GraceTransition) {
	if c.metrics != nil {
		c.metrics.GraceTransitions.WithLabelValues(t.String()).Inc()
	}
}

// rejectionReason maps an error to a low-cardinality metric label.
func rejectionReason(err error) string {
	reasons := []struct {
		target error
		label  string
	}{
		{ErrOutOfOrder, "out_of_order"},
		{ErrSequenceGap, "sequence_gap"},
		{ErrStalePrice, "stale_price"},
		{ErrInvalidPrice, "invalid_price"},
		{state.ErrGracePeriodNotFinished, "grace_period"},
		{state.ErrNothingToLiquidate, "nothing_to_liquidate"},
		{state.ErrCdpNotLiquidatable, "not_liquidatable"},
		{state.ErrCdpNotFound, "not_found"},
		{state.ErrCdpNotActive, "not_active"},
		{ledger.ErrInsufficientBalance, "insufficient_balance"},
		{ErrTCRBelowCCR, "tcr_below_ccr"},
		{ErrICRBelowMCR, "icr_below_mcr"},
		{ErrICRBelowCCR, "icr_below_ccr"},
		{fpmath.ErrAmountTooLarge, "amount_too_large"},
		{state.ErrFeeEatsCollateral, "fee_too_high"},
		{ErrNotOperator, "not_operator"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.target) {
			return r.label
		}
	}
	return "precondition"
}
