package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/ledger"

	"github.com/lib/pq"
)

const (
	pqUniqueViolation     = "23505"
	idempotencyConstraint = "idx_events_idem"
)

// IsPermanentWriteError reports whether err is a unique violation on the
// (event_type, idempotency_key) index. Retrying such a batch cannot succeed.
func IsPermanentWriteError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) &&
		pqErr.Code == pqUniqueViolation &&
		pqErr.Constraint == idempotencyConstraint
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	IdempotencyKey string
	EventType      string
	Partition      string
	SourceSequence int64
	Payload        []byte // JSON-encoded command
	Rejection      sql.NullString
	TimestampUs    int64
	StateHash      []byte
	PrevHash       []byte
}

// JournalRow is a row in event_log.journals. Amount is the decimal form of
// a uint256 and lands in a NUMERIC(78,0) column.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
	TimestampUs   int64
}

// Record is everything one core output writes.
type Record struct {
	Event    EventRow
	Journals []JournalRow
}

// NewRecord flattens a core output into rows.
func NewRecord(out core.CoreOutput) Record {
	env := out.Envelope
	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			IdempotencyKey: env.IdempotencyKey,
			EventType:      env.EventType.String(),
			Partition:      env.Partition,
			SourceSequence: env.SourceSequence,
			Payload:        env.Payload,
			Rejection:      sql.NullString{String: out.Rejection, Valid: out.Rejection != ""},
			TimestampUs:    env.Timestamp.UnixMicro(),
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
		},
	}
	if out.Batch == nil {
		return rec
	}

	rec.Journals = make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		asset, _ := ledger.GetAssetName(j.AssetID)
		rec.Journals = append(rec.Journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         asset,
			Amount:        j.Amount.Dec(),
			JournalType:   j.JournalType.String(),
			TimestampUs:   j.Timestamp,
		})
	}
	return rec
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals with multi-row INSERTs.
// Both inserts are idempotent, so a retried batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch writes events and journals in a single transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, records []Record) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	events := make([]EventRow, 0, len(records))
	var journals []JournalRow
	for _, r := range records {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
	}

	if err := w.WriteEvents(ctx, tx, events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := w.WriteJournals(ctx, tx, journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (w *EventLogWriter) WriteEvents(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.events
		(sequence, idempotency_key, event_type, partition, source_sequence, payload, rejection, timestamp_us, state_hash, prev_hash)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.IdempotencyKey, e.EventType, e.Partition, e.SourceSequence,
			e.Payload, e.Rejection, e.TimestampUs, e.StateHash, e.PrevHash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func (w *EventLogWriter) WriteJournals(ctx context.Context, ex execer, journals []JournalRow) error {
	// Postgres caps bind parameters at 65535 per statement.
	const cols = 10
	const chunk = 6000
	for start := 0; start < len(journals); start += chunk {
		end := min(start+chunk, len(journals))
		if err := w.writeJournalChunk(ctx, ex, journals[start:end], cols); err != nil {
			return err
		}
	}
	return nil
}

func (w *EventLogWriter) writeJournalChunk(ctx context.Context, ex execer, journals []JournalRow, cols int) error {
	query := `INSERT INTO event_log.journals
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp_us)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)
	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.TimestampUs,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}

// EventTime converts a stored timestamp back to UTC.
func (e EventRow) EventTime() time.Time {
	return time.UnixMicro(e.TimestampUs).UTC()
}
