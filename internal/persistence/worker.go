package persistence

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel with blocking semantics, so a slow worker
// stalls the core instead of losing events.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	lastWritten atomic.Int64

	// OnFlushed, when set, receives each output after its batch commits.
	OnFlushed func(core.CoreOutput)
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	pw := &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("component", "persistence").Logger(),
	}
	pw.lastWritten.Store(-1)
	return pw
}

// LastWritten is the highest sequence known to be durable, or -1.
func (pw *PersistenceWorker) LastWritten() int64 {
	return pw.lastWritten.Load()
}

// SetLastWritten seeds the durable watermark after recovery.
func (pw *PersistenceWorker) SetLastWritten(seq int64) {
	pw.lastWritten.Store(seq)
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("events", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// One last attempt outside the cancelled context.
			flush(context.WithoutCancel(ctx), "shutdown")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.WithoutCancel(ctx), "closed")
				return nil
			}
			if out.Envelope == nil {
				continue
			}
			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx ends. While the context is live a batch is dropped only when it
// collides with an already logged idempotency key.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	records := make([]Record, len(batch))
	for i, out := range batch {
		records[i] = NewRecord(out)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		err := pw.flush(ctx, records)
		if IsPermanentWriteError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		pw.logger.Warn().Err(err).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Int("events", len(records)).
			Msg("persistence retry")
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}
	if attempts > 1 {
		pw.logger.Info().Int("retries", attempts-1).Msg("persistence flush recovered")
	}

	pw.lastWritten.Store(batch[len(batch)-1].Envelope.Sequence)
	if pw.OnFlushed != nil {
		for _, out := range batch {
			pw.OnFlushed(out)
		}
	}
	return nil
}

func (pw *PersistenceWorker) flush(ctx context.Context, records []Record) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, records); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_batch").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		journals := 0
		for _, r := range records {
			journals += len(r.Journals)
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistEventsWritten.Add(float64(len(records)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistLastSequence.Set(float64(records[len(records)-1].Event.Sequence))
	}
	return nil
}
