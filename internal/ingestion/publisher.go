package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"CdpLedger/internal/core"
	"CdpLedger/internal/event"
	"CdpLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream        = "CDP_EVENTS"
	EventSubjectPrefix = "cdp.events."
)

// streamPublisher is the slice of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutcomeMessage is published on cdp.events.<EventType> once the event is
// durable in the event log.
type OutcomeMessage struct {
	Sequence       int64              `json:"sequence"`
	EventType      string             `json:"event_type"`
	IdempotencyKey string             `json:"idempotency_key"`
	Partition      string             `json:"partition,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	StateHash      string             `json:"state_hash"`
	Rejection      string             `json:"rejection,omitempty"`
	Notices        []event.Notice     `json:"notices,omitempty"`
	Status         event.SystemStatus `json:"status"`
}

// NoticeMessage is published on cdp.events.notice.<NoticeType> for each
// notice, so consumers can subscribe to liquidations or grace changes
// alone.
type NoticeMessage struct {
	Sequence  int64        `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
	Notice    event.Notice `json:"notice"`
}

// OutboundPublisher publishes persisted outputs to NATS. Publishing is
// best effort: consumers that miss a message can read the event log.
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

func NewOutboundPublisher(js streamPublisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run publishes until ctx is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.Publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends the outcome message and one message per notice. Message
// ids derive from the sequence so JetStream drops republished copies.
func (op *OutboundPublisher) Publish(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	msg := OutcomeMessage{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Timestamp:      env.Timestamp,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Rejection:      out.Rejection,
		Notices:        out.Notices,
		Status:         out.Status,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	seq := strconv.FormatInt(env.Sequence, 10)
	if _, err := op.js.Publish(ctx, EventSubjectPrefix+msg.EventType, data, jetstream.WithMsgID(seq)); err != nil {
		return err
	}

	for i, n := range out.Notices {
		data, err := json.Marshal(NoticeMessage{Sequence: env.Sequence, Timestamp: env.Timestamp, Notice: n})
		if err != nil {
			return fmt.Errorf("marshal notice: %w", err)
		}
		subject := EventSubjectPrefix + "notice." + string(n.Type)
		id := seq + "-" + strconv.Itoa(i)
		if _, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(id)); err != nil {
			return err
		}
	}
	return nil
}

// Forwarder returns a non-blocking hand-off from the persistence worker to
// a publisher channel. Full channel drops are counted.
func Forwarder(ch chan<- core.CoreOutput, metrics *observability.Metrics) func(core.CoreOutput) {
	return func(out core.CoreOutput) {
		select {
		case ch <- out:
		default:
			if metrics != nil {
				metrics.PublishDrops.Inc()
			}
		}
	}
}
