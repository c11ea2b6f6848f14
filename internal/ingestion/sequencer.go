package ingestion

import (
	"context"
	"errors"

	"CdpLedger/internal/core"
	"CdpLedger/internal/event"
	"CdpLedger/internal/observability"

	"github.com/rs/zerolog"
)

var ErrSequencerStopped = errors.New("ingestion: sequencer stopped")

// Processor applies one command. *core.CdpCore satisfies it.
type Processor interface {
	ProcessEvent(evt event.Event) (*core.CoreOutput, error)
}

// Result is the core's answer to one submitted command. Output is nil for
// duplicates and sequencing failures; Err carries rejections.
type Result struct {
	Output *core.CoreOutput
	Err    error
}

// Duplicate reports whether the command had already been applied.
func (r Result) Duplicate() bool { return r.Output == nil && r.Err == nil }

type submission struct {
	evt   event.Event
	reply chan Result
}

// Sequencer is the single writer in front of the core. Every ingest path
// (NATS, RPC, keeper) submits here, so commands reach the core in one
// arrival order.
type Sequencer struct {
	proc    Processor
	in      chan submission
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSequencer(proc Processor, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		proc:    proc,
		in:      make(chan submission, buffer),
		metrics: metrics,
		logger:  logger.With().Str("component", "sequencer").Logger(),
	}
}

// Submit queues evt and waits for the core's result. The error is non-nil
// only when ctx ends first.
func (s *Sequencer) Submit(ctx context.Context, evt event.Event) (Result, error) {
	sub := submission{evt: evt, reply: make(chan Result, 1)}
	select {
	case s.in <- sub:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-sub.reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run applies queued commands until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		if s.metrics != nil {
			s.metrics.SetChannelMetrics("sequencer", len(s.in))
		}
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case sub := <-s.in:
			out, err := s.proc.ProcessEvent(sub.evt)
			sub.reply <- Result{Output: out, Err: err}
		}
	}
}

// drain answers anything still queued so no submitter blocks forever.
func (s *Sequencer) drain() {
	dropped := 0
	for {
		select {
		case sub := <-s.in:
			sub.reply <- Result{Err: ErrSequencerStopped}
			dropped++
		default:
			if dropped > 0 {
				s.logger.Warn().Int("pending", dropped).Msg("sequencer stopped with queued commands")
			}
			return
		}
	}
}
