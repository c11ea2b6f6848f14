package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/event"
	"CdpLedger/internal/observability"

	"github.com/rs/zerolog"
)

// SnapshotManager stores core snapshots and reads the event log back for
// replay.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// Save persists a snapshot and returns its encoded size.
func (sm *SnapshotManager) Save(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO snapshots.core_snapshots (sequence, state_hash, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sequence) DO UPDATE SET state_hash = $2, payload = $3
	`, snap.Sequence, snap.StateHash[:], data, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatest returns the newest snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT payload FROM snapshots.core_snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom returns up to limit logged events with sequence >= from.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, from int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, idempotency_key, event_type, partition, source_sequence,
		       payload, rejection, timestamp_us, state_hash, prev_hash
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.IdempotencyKey, &e.EventType, &e.Partition, &e.SourceSequence,
			&e.Payload, &e.Rejection, &e.TimestampUs, &e.StateHash, &e.PrevHash,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest logged sequence, or -1 when empty.
func (sm *SnapshotManager) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// ========================================
// Recovery
// ========================================

// Replayer is the part of the core recovery drives.
type Replayer interface {
	RestoreFromSnapshot(snap *core.SnapshotState) error
	BeginReplay()
	EndReplay()
	ProcessEvent(evt event.Event) (*core.CoreOutput, error)
	GetSequence() int64
	GetStateHash() [32]byte
}

type RecoveryResult struct {
	SnapshotSequence int64 // -1 without a snapshot
	Replayed         int64
	NextSequence     int64
}

const replayPageSize = 1000

// Recover restores the latest snapshot into c and replays the rest of the
// event log. Every replayed event must land on its logged sequence with
// its logged state hash.
func Recover(ctx context.Context, sm *SnapshotManager, c Replayer, metrics *observability.Metrics, logger zerolog.Logger) (RecoveryResult, error) {
	res := RecoveryResult{SnapshotSequence: -1}

	snap, err := sm.LoadLatest(ctx)
	if err != nil {
		return res, err
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return res, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		res.SnapshotSequence = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	}

	c.BeginReplay()
	defer c.EndReplay()

	from := c.GetSequence()
	for {
		rows, err := sm.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return res, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, row := range rows {
			if err := ReplayRow(c, row); err != nil {
				return res, err
			}
			res.Replayed++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		if len(rows) < replayPageSize {
			break
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	res.NextSequence = c.GetSequence()
	logger.Info().
		Int64("replayed", res.Replayed).
		Int64("next_sequence", res.NextSequence).
		Hex("state_hash", hashBytes(c.GetStateHash())).
		Msg("event log replay complete")
	return res, nil
}

// ReplayRow re-applies one logged event and checks it reproduces the
// logged sequence and state hash. A logged rejection must reject again.
func ReplayRow(c Replayer, row EventRow) error {
	et, ok := event.ParseEventType(row.EventType)
	if !ok {
		return fmt.Errorf("replay seq %d: unknown event type %q", row.Sequence, row.EventType)
	}
	evt, err := event.Decode(et, row.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", row.Sequence, err)
	}

	out, err := c.ProcessEvent(evt)
	if out == nil {
		if err == nil {
			err = errors.New("treated as duplicate")
		}
		return fmt.Errorf("replay seq %d: %w", row.Sequence, err)
	}
	if (out.Rejection != "") != row.Rejection.Valid {
		return fmt.Errorf("replay seq %d: rejection mismatch (logged %q, replayed %q)",
			row.Sequence, row.Rejection.String, out.Rejection)
	}
	if out.Envelope.Sequence != row.Sequence {
		return fmt.Errorf("replay seq %d: core assigned %d", row.Sequence, out.Envelope.Sequence)
	}
	if !bytes.Equal(out.Envelope.StateHash[:], row.StateHash) {
		return fmt.Errorf("replay seq %d: state hash mismatch: logged %x, replayed %x",
			row.Sequence, row.StateHash, out.Envelope.StateHash)
	}
	return nil
}

func hashBytes(h [32]byte) []byte { return h[:] }

// ========================================
// Periodic snapshots
// ========================================

// SnapshotSource is the part of the core the snapshotter reads.
type SnapshotSource interface {
	CreateSnapshotState() *core.SnapshotState
}

// Snapshotter saves a snapshot on a timer, or sooner once enough events
// have been persisted since the last one. A snapshot is only saved when
// every event it covers is durable.
type Snapshotter struct {
	manager   *SnapshotManager
	source    SnapshotSource
	durable   func() int64
	interval  time.Duration
	every     int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSaved int64
}

func NewSnapshotter(
	manager *SnapshotManager,
	source SnapshotSource,
	durable func() int64,
	interval time.Duration,
	everyEvents int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		manager:   manager,
		source:    source,
		durable:   durable,
		interval:  interval,
		every:     everyEvents,
		metrics:   metrics,
		logger:    logger.With().Str("component", "snapshotter").Logger(),
		lastSaved: -1,
	}
}

// Run blocks until ctx is cancelled, then takes a final snapshot.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Event-count trigger is polled at a finer grain than the interval.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := s.TakeSnapshot(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error().Err(err).Msg("final snapshot failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.TakeSnapshot(ctx); err != nil {
				s.logger.Error().Err(err).Msg("periodic snapshot failed")
			}
		case <-poll.C:
			if s.every > 0 && s.durable()-s.lastSaved >= s.every {
				if _, err := s.TakeSnapshot(ctx); err != nil {
					s.logger.Error().Err(err).Msg("snapshot failed")
				}
			}
		}
	}
}

// TakeSnapshot saves a snapshot if it covers only durable events and is
// newer than the last one. It reports whether a snapshot was written.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (bool, error) {
	snap := s.source.CreateSnapshotState()
	if snap.Sequence < 0 || snap.Sequence <= s.lastSaved {
		return false, nil
	}
	if durable := s.durable(); snap.Sequence > durable {
		s.logger.Debug().
			Int64("sequence", snap.Sequence).
			Int64("durable", durable).
			Msg("snapshot deferred until persistence catches up")
		return false, nil
	}

	size, err := s.manager.Save(ctx, snap)
	if err != nil {
		return false, err
	}
	s.lastSaved = snap.Sequence
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotSizeBytes.Set(float64(size))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return true, nil
}
