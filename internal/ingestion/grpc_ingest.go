package ingestion

import (
	"context"
	"time"

	"CdpLedger/internal/event"
)

// GRPCIngestService turns RPC commands into core commands. Unlike the
// NATS path it stamps a fresh command id when the caller sends none, and
// it hands the core's result straight back to the caller.
type GRPCIngestService struct {
	sequencer *Sequencer
	now       func() time.Time
}

func NewGRPCIngestService(sequencer *Sequencer) *GRPCIngestService {
	return &GRPCIngestService{sequencer: sequencer, now: func() time.Time { return time.Now().UTC() }}
}

// Submit parses cmd as et and waits for the core. Parse failures are
// returned as errors without reaching the core.
func (s *GRPCIngestService) Submit(ctx context.Context, et event.EventType, cmd Command) (Result, error) {
	evt, err := cmd.ToEvent(et, s.now())
	if err != nil {
		return Result{}, err
	}
	return s.sequencer.Submit(ctx, evt)
}
