package state

import (
	"errors"
	"fmt"
	"time"

	fpmath "CdpLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationClass is the eligibility bucket a position falls into at the
// moment it is examined.
type LiquidationClass int

// ClassBelowLICR is liquidatable regardless of grace state. ClassBelowMCR
// is liquidatable in either mode. ClassRecoveryCap (MCR <= ICR < TCR) needs
// Recovery Mode and an elapsed grace period, and its seized collateral is
// capped at MCR.
const (
	ClassNone LiquidationClass = iota
	ClassBelowLICR
	ClassBelowMCR
	ClassRecoveryCap
)

func (c LiquidationClass) String() string {
	switch c {
	case ClassBelowLICR:
		return "BelowLICR"
	case ClassBelowMCR:
		return "BelowMCR"
	case ClassRecoveryCap:
		return "RecoveryCapped"
	default:
		return "None"
	}
}

// SkipReason explains why a candidate was not liquidated.
type SkipReason int

const (
	SkipNone SkipReason = iota
	SkipNotFound
	SkipNotActive
	SkipHealthy
	SkipGraceGated
	SkipDuplicate
)

func (r SkipReason) String() string {
	switch r {
	case SkipNotFound:
		return "NotFound"
	case SkipNotActive:
		return "NotActive"
	case SkipHealthy:
		return "Healthy"
	case SkipGraceGated:
		return "GracePeriodNotFinished"
	case SkipDuplicate:
		return "Duplicate"
	default:
		return "None"
	}
}

// Err maps a skip to the error a single-target liquidation returns.
func (r SkipReason) Err() error {
	switch r {
	case SkipNotFound:
		return ErrCdpNotFound
	case SkipNotActive:
		return ErrCdpNotActive
	case SkipGraceGated:
		return ErrGracePeriodNotFinished
	case SkipNone:
		return nil
	default:
		return ErrCdpNotLiquidatable
	}
}

// LiquidationContext carries the inputs fixed for one liquidation call.
type LiquidationContext struct {
	Price      *uint256.Int
	At         time.Time
	SPDeposits *uint256.Int // debt the stability pool can absorb in this call
}

// LiquidationRecord describes one liquidated position.
type LiquidationRecord struct {
	CdpID        uuid.UUID
	Owner        uuid.UUID
	Class        LiquidationClass
	ICR          *uint256.Int
	TCR          *uint256.Int
	RecoveryMode bool

	PendingDebt *uint256.Int // pulled from the default pool before closing
	PendingColl *uint256.Int
	PendingFee  *uint256.Int // staking split fee deducted at the sync
	Debt        *uint256.Int // synced debt
	CollShares  *uint256.Int // synced collateral

	GasCompensation    *uint256.Int
	DebtToOffset       *uint256.Int
	CollToSP           *uint256.Int
	DebtToRedistribute *uint256.Int
	CollToRedistribute *uint256.Int
	CollSurplus        *uint256.Int // capped remainder owed to the owner
	Parked             bool
}

// SkippedCdp records a candidate left untouched.
type SkippedCdp struct {
	CdpID  uuid.UUID
	Reason SkipReason
	ICR    *uint256.Int // nil when the position was not Active
}

// LiquidationTotals aggregates a liquidation call.
type LiquidationTotals struct {
	TotalDebtInSequence      *uint256.Int
	TotalCollInSequence      *uint256.Int
	TotalCollGasCompensation *uint256.Int
	TotalDebtToOffset        *uint256.Int
	TotalCollToSendToSP      *uint256.Int
	TotalDebtToRedistribute  *uint256.Int
	TotalCollToRedistribute  *uint256.Int
	TotalDebtParked          *uint256.Int
	TotalCollParked          *uint256.Int
	TotalCollSurplus         *uint256.Int
}

func newLiquidationTotals() LiquidationTotals {
	return LiquidationTotals{
		TotalDebtInSequence:      fpmath.Zero(),
		TotalCollInSequence:      fpmath.Zero(),
		TotalCollGasCompensation: fpmath.Zero(),
		TotalDebtToOffset:        fpmath.Zero(),
		TotalCollToSendToSP:      fpmath.Zero(),
		TotalDebtToRedistribute:  fpmath.Zero(),
		TotalCollToRedistribute:  fpmath.Zero(),
		TotalDebtParked:          fpmath.Zero(),
		TotalCollParked:          fpmath.Zero(),
		TotalCollSurplus:         fpmath.Zero(),
	}
}

func (t *LiquidationTotals) add(r *LiquidationRecord) {
	t.TotalDebtInSequence = fpmath.Add(t.TotalDebtInSequence, r.Debt)
	t.TotalCollInSequence = fpmath.Add(t.TotalCollInSequence, r.CollShares)
	t.TotalCollGasCompensation = fpmath.Add(t.TotalCollGasCompensation, r.GasCompensation)
	t.TotalDebtToOffset = fpmath.Add(t.TotalDebtToOffset, r.DebtToOffset)
	t.TotalCollToSendToSP = fpmath.Add(t.TotalCollToSendToSP, r.CollToSP)
	t.TotalCollSurplus = fpmath.Add(t.TotalCollSurplus, r.CollSurplus)
	if r.Parked {
		t.TotalDebtParked = fpmath.Add(t.TotalDebtParked, r.DebtToRedistribute)
		t.TotalCollParked = fpmath.Add(t.TotalCollParked, r.CollToRedistribute)
	} else {
		t.TotalDebtToRedistribute = fpmath.Add(t.TotalDebtToRedistribute, r.DebtToRedistribute)
		t.TotalCollToRedistribute = fpmath.Add(t.TotalCollToRedistribute, r.CollToRedistribute)
	}
}

// LiquidationResult is everything a liquidation call changed.
type LiquidationResult struct {
	Records []LiquidationRecord
	Skipped []SkippedCdp
	Totals  LiquidationTotals
}

// GraceGatedSkips reports whether any candidate was skipped by the grace gate.
func (r *LiquidationResult) GraceGatedSkips() bool {
	for _, s := range r.Skipped {
		if s.Reason == SkipGraceGated {
			return true
		}
	}
	return false
}

// Liquidator executes liquidations against the store, registry and
// redistribution ledger. It mutates state in place; the caller owns
// checkpointing and rollback.
type Liquidator struct {
	store      *CdpManager
	sorted     *SortedCdps
	ledger     *RedistributionLedger
	mode       *ModeCalculator
	grace      *GracePeriod
	params     *SystemParams
	collateral ShareConverter
}

func NewLiquidator(
	store *CdpManager,
	sorted *SortedCdps,
	ledger *RedistributionLedger,
	mode *ModeCalculator,
	grace *GracePeriod,
	params *SystemParams,
	collateral ShareConverter,
) *Liquidator {
	return &Liquidator{
		store:      store,
		sorted:     sorted,
		ledger:     ledger,
		mode:       mode,
		grace:      grace,
		params:     params,
		collateral: collateral,
	}
}

// Liquidate liquidates a single position. Ineligibility is an error.
func (l *Liquidator) Liquidate(id uuid.UUID, ctx LiquidationContext) (*LiquidationResult, error) {
	run := l.newRun(ctx)
	record, skip := run.step(id)
	if skip != SkipNone {
		return nil, skip.Err()
	}
	run.result.Records = append(run.result.Records, *record)
	return run.finish(), nil
}

// LiquidateBatch liquidates every eligible id, skipping the rest. It fails
// only when nothing was liquidated.
func (l *Liquidator) LiquidateBatch(ids []uuid.UUID, ctx LiquidationContext) (*LiquidationResult, error) {
	run := l.newRun(ctx)
	seen := make(map[uuid.UUID]struct{}, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			run.result.Skipped = append(run.result.Skipped, SkippedCdp{CdpID: id, Reason: SkipDuplicate})
			continue
		}
		seen[id] = struct{}{}
		run.collect(id)
	}

	return run.finishOrEmpty()
}

// LiquidateSequentially walks from the riskiest position toward the head,
// stopping at the first position that is healthy or grace-gated.
func (l *Liquidator) LiquidateSequentially(maxCount int, ctx LiquidationContext) (*LiquidationResult, error) {
	run := l.newRun(ctx)

	id := l.sorted.GetLast()
	for n := 0; n < maxCount && id != uuid.Nil; n++ {
		prev := l.sorted.GetPrev(id)
		if !run.collect(id) {
			break
		}
		id = prev
	}

	return run.finishOrEmpty()
}

type liquidationRun struct {
	*Liquidator
	ctx         LiquidationContext
	spRemaining *uint256.Int
	result      *LiquidationResult
}

func (l *Liquidator) newRun(ctx LiquidationContext) *liquidationRun {
	return &liquidationRun{
		Liquidator:  l,
		ctx:         ctx,
		spRemaining: fpmath.Clone(ctx.SPDeposits),
		result:      &LiquidationResult{Totals: newLiquidationTotals()},
	}
}

// collect processes id and records the outcome. Returns false if the walk
// should stop.
func (r *liquidationRun) collect(id uuid.UUID) bool {
	record, skip := r.step(id)
	if skip != SkipNone {
		r.result.Skipped = append(r.result.Skipped, SkippedCdp{CdpID: id, Reason: skip, ICR: r.lastICR(id)})
		return skip != SkipHealthy && skip != SkipGraceGated
	}
	r.result.Records = append(r.result.Records, *record)
	return true
}

func (r *liquidationRun) lastICR(id uuid.UUID) *uint256.Int {
	icr, err := r.mode.GetSyncedICR(id, r.ctx.Price)
	if err != nil {
		return nil
	}
	return icr
}

func (r *liquidationRun) finish() *LiquidationResult {
	for i := range r.result.Records {
		r.result.Totals.add(&r.result.Records[i])
	}
	r.ledger.UpdateSystemSnapshots(r.store.Totals().SystemColl())
	return r.result
}

func (r *liquidationRun) finishOrEmpty() (*LiquidationResult, error) {
	if len(r.result.Records) == 0 {
		if r.result.GraceGatedSkips() {
			return nil, fmt.Errorf("%w: %w", ErrNothingToLiquidate, ErrGracePeriodNotFinished)
		}
		return nil, ErrNothingToLiquidate
	}
	return r.finish(), nil
}

// classify decides eligibility from the synced ICR and the current TCR.
func (r *liquidationRun) classify(icr *uint256.Int) (LiquidationClass, SkipReason, *uint256.Int, bool) {
	tcr := r.mode.GetTCR(r.ctx.Price)
	recovery := tcr.Lt(r.params.CCR)

	switch {
	case icr.Lt(r.params.LICR):
		return ClassBelowLICR, SkipNone, tcr, recovery
	case icr.Lt(r.params.MCR):
		return ClassBelowMCR, SkipNone, tcr, recovery
	case recovery && icr.Lt(tcr):
		if !r.grace.IsElapsed(r.ctx.At, recovery) {
			return ClassNone, SkipGraceGated, tcr, recovery
		}
		return ClassRecoveryCap, SkipNone, tcr, recovery
	default:
		return ClassNone, SkipHealthy, tcr, recovery
	}
}

// step liquidates one position in place.
func (r *liquidationRun) step(id uuid.UUID) (*LiquidationRecord, SkipReason) {
	cdp, err := r.store.GetActive(id)
	if err != nil {
		if errors.Is(err, ErrCdpNotFound) {
			return nil, SkipNotFound
		}
		return nil, SkipNotActive
	}

	synced := r.ledger.ApplyRedistribution(cdp)
	icr := r.mode.ICR(synced.CollShares, synced.Debt, r.ctx.Price)

	class, skip, tcr, recovery := r.classify(icr)
	if skip != SkipNone {
		return nil, skip
	}

	if _, err := r.store.SyncPending(id); err != nil {
		panic(fmt.Sprintf("FATAL: sync of active cdp %s failed: %v", id, err))
	}

	debt, coll := synced.Debt, synced.CollShares
	record := &LiquidationRecord{
		CdpID:        id,
		Owner:        cdp.Owner,
		Class:        class,
		ICR:          icr,
		TCR:          tcr,
		RecoveryMode: recovery,
		PendingDebt:  synced.PendingDebt,
		PendingColl:  synced.PendingColl,
		PendingFee:   synced.PendingFee,
		Debt:         debt.Clone(),
		CollShares:   coll.Clone(),
		CollSurplus:  fpmath.Zero(),
	}

	seized := coll
	if class == ClassRecoveryCap {
		capValue := fpmath.MulDivUp(debt, r.params.MCR, r.ctx.Price)
		seized = fpmath.Min(coll, r.collateral.ValueToShares(capValue))
		record.CollSurplus = fpmath.Sub(coll, seized)
	}

	divisor := uint256.NewInt(r.params.GasCompDivisor)
	record.GasCompensation = new(uint256.Int).Div(seized, divisor)
	collToLiquidate := fpmath.Sub(seized, record.GasCompensation)

	record.DebtToOffset = fpmath.Min(debt, r.spRemaining)
	if debt.IsZero() {
		record.CollToSP = fpmath.Zero()
	} else {
		record.CollToSP = fpmath.MulDiv(collToLiquidate, record.DebtToOffset, debt)
	}
	record.DebtToRedistribute = fpmath.Sub(debt, record.DebtToOffset)
	record.CollToRedistribute = fpmath.Sub(collToLiquidate, record.CollToSP)
	r.spRemaining = fpmath.Sub(r.spRemaining, record.DebtToOffset)

	if _, _, err := r.store.Close(id, CdpStatusClosedByLiquidation); err != nil {
		panic(fmt.Sprintf("FATAL: close of synced cdp %s failed: %v", id, err))
	}
	if err := r.sorted.Remove(id); err != nil {
		panic(fmt.Sprintf("FATAL: active cdp %s missing from registry: %v", id, err))
	}

	dist := r.ledger.Distribute(record.DebtToRedistribute, record.CollToRedistribute)
	record.Parked = dist.Parked
	if !dist.Parked {
		r.store.AddToDefaultPool(record.DebtToRedistribute, record.CollToRedistribute)
	}

	return record, SkipNone
}
