package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/event"
	"CdpLedger/internal/observability"
	"CdpLedger/internal/query"
	"CdpLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Invalidator drops cached read-model entries. *query.Cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// ChangeSet is what one core output changes in the read model.
type ChangeSet struct {
	Sequence     int64
	EventTime    time.Time
	Cdps         []*event.CdpChanged
	Liquidations []*event.CdpLiquidated
	Status       event.SystemStatus
	CacheKeys    []string
}

// Changes extracts the read-model updates from an output. Rejected
// commands change nothing but the status sequence.
func Changes(out core.CoreOutput) ChangeSet {
	cs := ChangeSet{
		Sequence:  out.Envelope.Sequence,
		EventTime: out.Envelope.Timestamp,
		Status:    out.Status,
		CacheKeys: []string{query.StatusCacheKey},
	}
	for _, n := range out.Notices {
		switch n.Type {
		case event.NoticeCdpChanged:
			cs.Cdps = append(cs.Cdps, n.Cdp)
			cs.CacheKeys = append(cs.CacheKeys, query.CdpCacheKey(n.Cdp.CdpID))
		case event.NoticeCdpLiquidated:
			cs.Liquidations = append(cs.Liquidations, n.Liquidated)
		}
	}
	return cs
}

// ProjectionWorker keeps the Postgres read model current. The channel
// from the core drops on overflow, so the read model is eventually
// consistent; Reconcile brings it back in line after a restart.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	cache     Invalidator
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, cache Invalidator, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		cache:     cache,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection").Logger(),
		lastSeq:   -1,
	}
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, Changes(out)); err != nil {
				// Projections are rebuildable; keep going.
				pw.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.Inc()
				}
				continue
			}
			pw.lastSeq = out.Envelope.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionLastSequence.Set(float64(pw.lastSeq))
			}
		}
	}
}

// LastSequence returns the last applied sequence, -1 before the first.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

// Apply writes one change set in a transaction, then invalidates the
// cached entries it touched. Rows carry their sequence and older
// updates never overwrite newer ones.
func (pw *ProjectionWorker) Apply(ctx context.Context, cs ChangeSet) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range cs.Cdps {
		if err := upsertCdp(ctx, tx, c, cs.Sequence, cs.EventTime); err != nil {
			return fmt.Errorf("cdp projection: %w", err)
		}
	}
	for _, l := range cs.Liquidations {
		if err := insertLiquidation(ctx, tx, l, cs.Sequence, cs.EventTime); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}
	if err := upsertStatus(ctx, tx, cs.Status); err != nil {
		return fmt.Errorf("status projection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.cache != nil {
		if err := pw.cache.Invalidate(ctx, cs.CacheKeys...); err != nil {
			pw.logger.Debug().Err(err).Msg("cache invalidation failed")
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertCdp(ctx context.Context, tx execer, c *event.CdpChanged, seq int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.cdps (cdp_id, owner, status, debt, coll_shares, stake, nicr, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (cdp_id) DO UPDATE SET
			status = EXCLUDED.status,
			debt = EXCLUDED.debt,
			coll_shares = EXCLUDED.coll_shares,
			stake = EXCLUDED.stake,
			nicr = EXCLUDED.nicr,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at
		WHERE projections.cdps.last_sequence < EXCLUDED.last_sequence
	`, c.CdpID, c.Owner, c.Status, dec(c.Debt), dec(c.CollShares), dec(c.Stake), dec(c.NICR), seq, at)
	return err
}

func insertLiquidation(ctx context.Context, tx execer, l *event.CdpLiquidated, seq int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations (
			sequence, cdp_id, owner, liquidator, class, icr, debt, coll_shares,
			gas_compensation, debt_to_offset, coll_to_sp, debt_to_redistribute,
			coll_to_redistribute, coll_surplus, parked, event_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (sequence, cdp_id) DO NOTHING
	`, seq, l.CdpID, l.Owner, l.Liquidator, l.Class, dec(l.ICR), dec(l.Debt), dec(l.CollShares),
		dec(l.GasCompensation), dec(l.DebtToOffset), dec(l.CollToSP), dec(l.DebtToRedistribute),
		dec(l.CollToRedistribute), dec(l.CollSurplus), l.Parked, at)
	return err
}

func upsertStatus(ctx context.Context, tx execer, s event.SystemStatus) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.system_status (
			id, sequence, price, tcr, recovery_mode, grace_state, active_cdps,
			system_coll, system_debt, parked_debt, parked_coll, sp_deposits, event_time, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			sequence = EXCLUDED.sequence,
			price = EXCLUDED.price,
			tcr = EXCLUDED.tcr,
			recovery_mode = EXCLUDED.recovery_mode,
			grace_state = EXCLUDED.grace_state,
			active_cdps = EXCLUDED.active_cdps,
			system_coll = EXCLUDED.system_coll,
			system_debt = EXCLUDED.system_debt,
			parked_debt = EXCLUDED.parked_debt,
			parked_coll = EXCLUDED.parked_coll,
			sp_deposits = EXCLUDED.sp_deposits,
			event_time = EXCLUDED.event_time,
			updated_at = NOW()
		WHERE projections.system_status.sequence <= EXCLUDED.sequence
	`, s.Sequence, nullDec(s.Price), nullDec(s.TCR), s.RecoveryMode, s.GraceState, s.ActiveCdps,
		dec(s.SystemColl), dec(s.SystemDebt), dec(s.ParkedDebt), dec(s.ParkedColl), dec(s.SPDeposits), s.EventTimestamp)
	return err
}

// StateSource is the slice of the core Reconcile reads.
type StateSource interface {
	SortedPage(after uuid.UUID, limit int) []*state.Cdp
	GetSynced(id uuid.UUID) (state.SyncedCdp, error)
	GetSyncedNICR(id uuid.UUID) (*uint256.Int, error)
	Status() event.SystemStatus
}

// Reconcile rewrites the Active positions and the status row from the
// live core. Positions the core no longer holds as Active but the read
// model does are marked stale so queries fall through to the core.
func Reconcile(ctx context.Context, db *sql.DB, src StateSource, logger zerolog.Logger) error {
	status := src.Status()
	at := status.EventTimestamp
	if at.IsZero() {
		at = time.Unix(0, 0).UTC()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const page = 500
	written := 0
	active := make([]string, 0)
	after := uuid.Nil
	for {
		cdps := src.SortedPage(after, page)
		for _, cdp := range cdps {
			changed := &event.CdpChanged{
				CdpID:      cdp.ID,
				Owner:      cdp.Owner,
				Status:     cdp.Status.String(),
				Debt:       cdp.Debt,
				CollShares: cdp.CollShares,
				Stake:      cdp.Stake,
			}
			if synced, err := src.GetSynced(cdp.ID); err == nil {
				changed.Debt, changed.CollShares = synced.Debt, synced.CollShares
			}
			if nicr, err := src.GetSyncedNICR(cdp.ID); err == nil {
				changed.NICR = nicr
			}
			if err := upsertCdp(ctx, tx, changed, status.Sequence, at); err != nil {
				return fmt.Errorf("reconcile cdp %s: %w", cdp.ID, err)
			}
			active = append(active, cdp.ID.String())
		}
		written += len(cdps)
		if len(cdps) < page {
			break
		}
		after = cdps[len(cdps)-1].ID
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE projections.cdps SET status = $1, last_sequence = $2, updated_at = NOW()
		WHERE status = $3 AND NOT (cdp_id = ANY($4::uuid[]))
	`, staleStatus, status.Sequence, state.CdpStatusActive.String(), pq.Array(active))
	if err != nil {
		return fmt.Errorf("reconcile stale: %w", err)
	}
	stale, _ := res.RowsAffected()

	if err := upsertStatus(ctx, tx, status); err != nil {
		return fmt.Errorf("reconcile status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Int("active", written).Int64("stale", stale).Int64("sequence", status.Sequence).Msg("projections reconciled")
	return nil
}

// staleStatus marks a row the read model could not confirm.
const staleStatus = "Stale"

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func nullDec(v *uint256.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.Dec(), Valid: true}
}
