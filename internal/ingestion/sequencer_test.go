package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/event"
	"CdpLedger/internal/ingestion"
	"CdpLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProcessor answers from a script and records arrival order.
type recordingProcessor struct {
	mu     sync.Mutex
	seen   []string
	answer func(evt event.Event) (*core.CoreOutput, error)
}

func (p *recordingProcessor) ProcessEvent(evt event.Event) (*core.CoreOutput, error) {
	p.mu.Lock()
	p.seen = append(p.seen, evt.IdempotencyKey())
	p.mu.Unlock()
	if p.answer == nil {
		return &core.CoreOutput{Envelope: &event.EventEnvelope{IdempotencyKey: evt.IdempotencyKey()}}, nil
	}
	return p.answer(evt)
}

func startSequencer(t *testing.T, proc ingestion.Processor) *ingestion.Sequencer {
	t.Helper()
	seq := ingestion.NewSequencer(proc, 16, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return seq
}

func claim() event.Event {
	return testutil.NewScript(time.Unix(0, 0)).ClaimSurplus(uuid.New())
}

// ============================================================================
// Test: Sequencer
// ============================================================================

func TestSequencer_ReturnsCoreResult(t *testing.T) {
	seq := startSequencer(t, &recordingProcessor{})
	evt := claim()

	res, err := seq.Submit(context.Background(), evt)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Output)
	assert.Equal(t, evt.IdempotencyKey(), res.Output.Envelope.IdempotencyKey)
	assert.False(t, res.Duplicate())
}

func TestSequencer_DuplicateAndRejection(t *testing.T) {
	rejected := errors.New("no surplus")
	calls := 0
	proc := &recordingProcessor{answer: func(evt event.Event) (*core.CoreOutput, error) {
		calls++
		if calls == 1 {
			return nil, nil
		}
		return &core.CoreOutput{Rejection: rejected.Error()}, fmt.Errorf("ClaimSurplus rejected: %w", rejected)
	}}
	seq := startSequencer(t, proc)

	res, err := seq.Submit(context.Background(), claim())
	require.NoError(t, err)
	assert.True(t, res.Duplicate())

	res, err = seq.Submit(context.Background(), claim())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, rejected)
	assert.Equal(t, "no surplus", res.Output.Rejection)
}

func TestSequencer_SerializesConcurrentSubmitters(t *testing.T) {
	proc := &recordingProcessor{}
	seq := startSequencer(t, proc)

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := seq.Submit(context.Background(), claim())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Len(t, proc.seen, n)
}

func TestSequencer_SubmitHonoursContext(t *testing.T) {
	// Not running: nothing drains the queue past its buffer.
	seq := ingestion.NewSequencer(&recordingProcessor{}, 0, nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := seq.Submit(ctx, claim())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================================
// Test: Disposition
// ============================================================================

func TestDisposition(t *testing.T) {
	assert.Equal(t, ingestion.Redeliver, ingestion.Disposition(fmt.Errorf("sequence validation failed: %w", core.ErrSequenceGap)))
	assert.Equal(t, ingestion.Settled, ingestion.Disposition(nil))
	assert.Equal(t, ingestion.Settled, ingestion.Disposition(core.ErrOutOfOrder))
	assert.Equal(t, ingestion.Settled, ingestion.Disposition(core.ErrStalePrice))
	assert.Equal(t, ingestion.Settled, ingestion.Disposition(errors.New("OpenCdp rejected: ICR below MCR")))
}
