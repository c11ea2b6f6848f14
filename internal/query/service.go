package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/event"
	fpmath "CdpLedger/internal/math"
	"CdpLedger/internal/observability"
	"CdpLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrNoReadModel  = errors.New("query: read model not configured")
	ErrInvalidInput = errors.New("query: invalid input")
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 500

	// hintTrials is the number of random samples GetInsertHint draws.
	hintTrials = 50

	sourceProjection = "projection"
	sourceCore       = "core"
)

// CoreReader is the slice of the core the query side reads live.
// *core.CdpCore satisfies it.
type CoreReader interface {
	GetCdp(id uuid.UUID) (*state.Cdp, bool)
	GetSynced(id uuid.UUID) (state.SyncedCdp, error)
	GetSyncedNICR(id uuid.UUID) (*uint256.Int, error)
	GetSyncedICR(id uuid.UUID, price *uint256.Int) (*uint256.Int, error)
	SortedPage(after uuid.UUID, limit int) []*state.Cdp
	FindInsertHints(coll, debt *uint256.Int, numTrials int, seed uint64) (*uint256.Int, uuid.UUID, uuid.UUID, error)
	Status() event.SystemStatus
	GracePeriod() core.GraceView
	Wallet(owner uuid.UUID) (coll, ebtc, surplus *uint256.Int)
	StabilityDeposit(depositor uuid.UUID) (deposit, gain *uint256.Int)
	GetSequence() int64
}

// QueryService answers reads. Position and status reads go through the
// Redis cache to the Postgres projections and fall back to the core when
// the read model has no row yet. Registry order, hints and wallets are
// always read live from the core.
type QueryService struct {
	db      *sql.DB // nil serves everything from the core
	core    CoreReader
	cache   *Cache
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewQueryService(db *sql.DB, reader CoreReader, cache *Cache, metrics *observability.Metrics, logger zerolog.Logger) *QueryService {
	return &QueryService{
		db:      db,
		core:    reader,
		cache:   cache,
		metrics: metrics,
		logger:  logger.With().Str("component", "query").Logger(),
	}
}

// GetCdp returns one position in any status.
func (qs *QueryService) GetCdp(ctx context.Context, id uuid.UUID) (resp CdpResponse, err error) {
	defer qs.observe("GetCdp", time.Now(), &err)

	resp, err = readThrough(ctx, qs.cache, CdpCacheKey(id), func(ctx context.Context) (CdpResponse, error) {
		return qs.loadCdp(ctx, id)
	})
	if err != nil {
		return CdpResponse{}, err
	}
	// ICR moves with the price, so it is never cached.
	if resp.Status == state.CdpStatusActive.String() {
		if price := qs.core.Status().Price; price != nil {
			if icr, err := qs.core.GetSyncedICR(id, price); err == nil {
				resp.ICR = fpmath.FormatDecimal(icr)
			}
		}
	}
	return resp, nil
}

func (qs *QueryService) loadCdp(ctx context.Context, id uuid.UUID) (CdpResponse, error) {
	if qs.db != nil {
		resp, err := qs.projectedCdp(ctx, id)
		switch {
		case err == nil:
			return resp, nil
		case !errors.Is(err, sql.ErrNoRows):
			qs.logger.Warn().Err(err).Str("cdp_id", id.String()).Msg("projection read failed, using core")
		}
	}
	return qs.liveCdp(id)
}

func (qs *QueryService) projectedCdp(ctx context.Context, id uuid.UUID) (CdpResponse, error) {
	var resp CdpResponse
	var debt, coll, stake, nicr string
	err := qs.db.QueryRowContext(ctx, `
		SELECT cdp_id, owner, status, debt::text, coll_shares::text, stake::text, nicr::text, last_sequence
		FROM projections.cdps
		WHERE cdp_id = $1 AND status <> 'Stale'
	`, id).Scan(&resp.CdpID, &resp.Owner, &resp.Status, &debt, &coll, &stake, &nicr, &resp.AsOfSequence)
	if err != nil {
		return CdpResponse{}, err
	}

	if resp.Debt, err = amount(debt); err != nil {
		return CdpResponse{}, err
	}
	if resp.CollShares, err = amount(coll); err != nil {
		return CdpResponse{}, err
	}
	if resp.Stake, err = amount(stake); err != nil {
		return CdpResponse{}, err
	}
	if resp.NICR, err = ratio(nicr, int32(fpmath.NICRConfig.DecimalPrecision)); err != nil {
		return CdpResponse{}, err
	}
	resp.Source = sourceProjection
	return resp, nil
}

func (qs *QueryService) liveCdp(id uuid.UUID) (CdpResponse, error) {
	cdp, ok := qs.core.GetCdp(id)
	if !ok {
		return CdpResponse{}, state.ErrCdpNotFound
	}
	resp := CdpResponse{
		CdpID:        cdp.ID,
		Owner:        cdp.Owner,
		Status:       cdp.Status.String(),
		Debt:         fpmath.FormatDecimal(cdp.Debt),
		CollShares:   fpmath.FormatDecimal(cdp.CollShares),
		Stake:        fpmath.FormatDecimal(cdp.Stake),
		NICR:         "0",
		AsOfSequence: qs.core.GetSequence() - 1,
		Source:       sourceCore,
	}
	if cdp.IsActive() {
		if synced, err := qs.core.GetSynced(id); err == nil {
			resp.PendingDebt = fpmath.FormatDecimal(synced.PendingDebt)
			resp.PendingColl = fpmath.FormatDecimal(synced.PendingColl)
			resp.PendingFee = fpmath.FormatDecimal(synced.PendingFee)
		}
		if nicr, err := qs.core.GetSyncedNICR(id); err == nil {
			resp.NICR = fpmath.FormatNICR(nicr)
		}
	}
	return resp, nil
}

// GetSystemStatus returns the aggregate view.
func (qs *QueryService) GetSystemStatus(ctx context.Context) (resp SystemStatusResponse, err error) {
	defer qs.observe("GetSystemStatus", time.Now(), &err)

	resp, err = readThrough(ctx, qs.cache, StatusCacheKey, func(ctx context.Context) (SystemStatusResponse, error) {
		if qs.db != nil {
			resp, err := qs.projectedStatus(ctx)
			if err == nil {
				return resp, nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				qs.logger.Warn().Err(err).Msg("status projection read failed, using core")
			}
		}
		return statusResponse(qs.core.Status(), sourceCore), nil
	})
	if err != nil {
		return SystemStatusResponse{}, err
	}

	if g := qs.core.GracePeriod(); g.Cooling {
		elapses := g.ElapsesAt
		resp.GraceElapsesAt = &elapses
	}
	return resp, nil
}

func (qs *QueryService) projectedStatus(ctx context.Context) (SystemStatusResponse, error) {
	var resp SystemStatusResponse
	var price, tcr sql.NullString
	var coll, debt, parkedDebt, parkedColl, sp string
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, price::text, tcr::text, recovery_mode, grace_state, active_cdps,
		       system_coll::text, system_debt::text, parked_debt::text, parked_coll::text,
		       sp_deposits::text, event_time
		FROM projections.system_status WHERE id = 1
	`).Scan(&resp.Sequence, &price, &tcr, &resp.RecoveryMode, &resp.GraceState, &resp.ActiveCdps,
		&coll, &debt, &parkedDebt, &parkedColl, &sp, &resp.EventTime)
	if err != nil {
		return SystemStatusResponse{}, err
	}

	precision := int32(fpmath.AmountConfig.DecimalPrecision)
	fields := []struct {
		dst *string
		src string
	}{
		{&resp.SystemColl, coll},
		{&resp.SystemDebt, debt},
		{&resp.ParkedDebt, parkedDebt},
		{&resp.ParkedColl, parkedColl},
		{&resp.SPDeposits, sp},
	}
	for _, f := range fields {
		if *f.dst, err = amount(f.src); err != nil {
			return SystemStatusResponse{}, err
		}
	}
	if price.Valid {
		if resp.Price, err = amount(price.String); err != nil {
			return SystemStatusResponse{}, err
		}
	}
	if tcr.Valid {
		if resp.TCR, err = ratio(tcr.String, precision); err != nil {
			return SystemStatusResponse{}, err
		}
	}
	resp.Source = sourceProjection
	return resp, nil
}

func statusResponse(s event.SystemStatus, source string) SystemStatusResponse {
	resp := SystemStatusResponse{
		Sequence:     s.Sequence,
		RecoveryMode: s.RecoveryMode,
		GraceState:   s.GraceState,
		ActiveCdps:   s.ActiveCdps,
		SystemColl:   fpmath.FormatDecimal(s.SystemColl),
		SystemDebt:   fpmath.FormatDecimal(s.SystemDebt),
		ParkedDebt:   fpmath.FormatDecimal(s.ParkedDebt),
		ParkedColl:   fpmath.FormatDecimal(s.ParkedColl),
		SPDeposits:   fpmath.FormatDecimal(s.SPDeposits),
		EventTime:    s.EventTimestamp,
		Source:       source,
	}
	if s.Price != nil {
		resp.Price = fpmath.FormatDecimal(s.Price)
		resp.TCR = fpmath.FormatDecimal(s.TCR)
	}
	return resp
}

// ListSortedCdps pages through the registry from the head. A zero after
// starts at the head.
func (qs *QueryService) ListSortedCdps(ctx context.Context, after uuid.UUID, limit int) (page SortedCdpsPage, err error) {
	defer qs.observe("ListSortedCdps", time.Now(), &err)

	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	// Fetch one extra to know whether a next page exists.
	cdps := qs.core.SortedPage(after, limit+1)
	price := qs.core.Status().Price
	page = SortedCdpsPage{Cdps: make([]SortedCdp, 0, min(len(cdps), limit)), AsOfSequence: qs.core.GetSequence() - 1}
	for i, cdp := range cdps {
		if i == limit {
			next := cdps[i-1].ID
			page.Next = &next
			break
		}
		entry := SortedCdp{
			CdpID:      cdp.ID,
			Owner:      cdp.Owner,
			Debt:       fpmath.FormatDecimal(cdp.Debt),
			CollShares: fpmath.FormatDecimal(cdp.CollShares),
		}
		if synced, err := qs.core.GetSynced(cdp.ID); err == nil {
			entry.Debt = fpmath.FormatDecimal(synced.Debt)
			entry.CollShares = fpmath.FormatDecimal(synced.CollShares)
		}
		if nicr, err := qs.core.GetSyncedNICR(cdp.ID); err == nil {
			entry.NICR = fpmath.FormatNICR(nicr)
		}
		if price != nil {
			if icr, err := qs.core.GetSyncedICR(cdp.ID, price); err == nil {
				entry.ICR = fpmath.FormatDecimal(icr)
			}
		}
		page.Cdps = append(page.Cdps, entry)
	}
	return page, nil
}

// GetInsertHint returns insertion neighbours for a position with the
// given collateral shares and debt, both human decimals.
func (qs *QueryService) GetInsertHint(ctx context.Context, collShares, debt string) (resp InsertHintResponse, err error) {
	defer qs.observe("GetInsertHint", time.Now(), &err)

	coll, err := fpmath.FromDecimalString(collShares)
	if err != nil {
		return InsertHintResponse{}, fmt.Errorf("%w: coll_shares: %v", ErrInvalidInput, err)
	}
	d, err := fpmath.FromDecimalString(debt)
	if err != nil {
		return InsertHintResponse{}, fmt.Errorf("%w: debt: %v", ErrInvalidInput, err)
	}
	if d.IsZero() {
		return InsertHintResponse{}, fmt.Errorf("%w: debt must be positive", ErrInvalidInput)
	}

	nicr, prev, next, err := qs.core.FindInsertHints(coll, d, hintTrials, uint64(qs.core.GetSequence()))
	if err != nil {
		return InsertHintResponse{}, err
	}
	return InsertHintResponse{NICR: fpmath.FormatNICR(nicr), PrevID: prev, NextID: next}, nil
}

// GetWallet returns the owner's balances from the core.
func (qs *QueryService) GetWallet(ctx context.Context, owner uuid.UUID) (resp WalletResponse, err error) {
	defer qs.observe("GetWallet", time.Now(), &err)

	coll, ebtc, surplus := qs.core.Wallet(owner)
	deposit, gain := qs.core.StabilityDeposit(owner)
	return WalletResponse{
		Owner:        owner,
		Coll:         fpmath.FormatDecimal(coll),
		EBTC:         fpmath.FormatDecimal(ebtc),
		Surplus:      fpmath.FormatDecimal(surplus),
		SPDeposit:    fpmath.FormatDecimal(deposit),
		SPCollGain:   fpmath.FormatDecimal(gain),
		AsOfSequence: qs.core.GetSequence() - 1,
	}, nil
}

// ListLiquidations returns an owner's liquidations, newest first. A
// positive before restricts to sequences below it.
func (qs *QueryService) ListLiquidations(ctx context.Context, owner uuid.UUID, limit int, before int64) (records []LiquidationRecord, err error) {
	defer qs.observe("ListLiquidations", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrNoReadModel
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	query := `
		SELECT sequence, cdp_id, owner, liquidator, class, icr::text, debt::text, coll_shares::text,
		       gas_compensation::text, debt_to_offset::text, coll_to_sp::text,
		       debt_to_redistribute::text, coll_to_redistribute::text, coll_surplus::text,
		       parked, event_time
		FROM projections.liquidations
		WHERE owner = $1`
	args := []any{owner}
	if before > 0 {
		query += " AND sequence < $2"
		args = append(args, before)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, cdp_id LIMIT %d", limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r   LiquidationRecord
			raw [9]string
		)
		if err := rows.Scan(&r.Sequence, &r.CdpID, &r.Owner, &r.Liquidator, &r.Class,
			&raw[0], &raw[1], &raw[2], &raw[3], &raw[4], &raw[5], &raw[6], &raw[7], &raw[8],
			&r.Parked, &r.EventTime); err != nil {
			return nil, err
		}
		if r.ICR, err = ratio(raw[0], int32(fpmath.AmountConfig.DecimalPrecision)); err != nil {
			return nil, err
		}
		dsts := []*string{&r.Debt, &r.CollShares, &r.GasCompensation, &r.DebtToOffset, &r.CollToSP,
			&r.DebtToRedistribute, &r.CollToRedistribute, &r.CollSurplus}
		for i, dst := range dsts {
			if *dst, err = amount(raw[i+1]); err != nil {
				return nil, err
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks the event log checking that each event's
// prev_hash is its predecessor's state_hash and that sequences are
// contiguous.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrNoReadModel
	}
	report := &IntegrityReport{LastSequence: -1}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 100
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT sequence + 1
		FROM event_log.events e
		WHERE NOT EXISTS (SELECT 1 FROM event_log.events n WHERE n.sequence = e.sequence + 1)
		  AND sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY sequence
		LIMIT 100
	`)
	if err != nil {
		return nil, err
	}
	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			gapRows.Close()
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	gapRows.Close()
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), -1) FROM event_log.events`).Scan(&report.LastSequence); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *errp != nil {
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// amount renders a NUMERIC base-unit column as an 18-decimal amount.
func amount(s string) (string, error) {
	return fpmath.FormatScaled(s, int32(fpmath.AmountConfig.DecimalPrecision))
}

// ratio is amount for ratio columns, which may hold the unbounded value.
func ratio(s string, decimals int32) (string, error) {
	if s == fpmath.MaxRatio().Dec() {
		return "inf", nil
	}
	return fpmath.FormatScaled(s, decimals)
}
