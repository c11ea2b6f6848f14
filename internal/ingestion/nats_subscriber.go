package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CdpLedger/internal/core"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream        = "CDP_COMMANDS"
	CommandSubjectPrefix = "cdp.commands."
	commandConsumer      = "cdpledger-commands"

	// redeliverDelay gives the missing predecessor of a gapped command time
	// to arrive.
	redeliverDelay = 2 * time.Second
)

// RawEvent is an undecoded message from the command stream.
type RawEvent struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
}

// NATSSubscriber feeds the command stream into the sequencer. A single
// durable consumer over cdp.commands.> keeps stream order, which is what
// per-owner sequencing relies on.
type NATSSubscriber struct {
	js        jetstream.JetStream
	sequencer *Sequencer
	logger    zerolog.Logger
	consumer  jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, sequencer *Sequencer, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		sequencer: sequencer,
		logger:    logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates the durable consumer and starts delivery.
// Explicit ack, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       commandConsumer,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", commandConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ns.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", commandConsumer, err)
	}
	ns.consumer = cc
	ns.logger.Info().Str("subject", CommandSubjectPrefix+">").Str("consumer", commandConsumer).Msg("subscribed")
	return nil
}

func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	raw := RawEvent{Subject: msg.Subject(), Data: msg.Data(), ReceivedAt: time.Now().UTC()}

	evt, err := ParseRawEvent(raw)
	if err != nil {
		// Malformed commands never become valid; stop redelivery.
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		_ = msg.Term()
		return
	}

	res, err := ns.sequencer.Submit(ctx, evt)
	if err != nil {
		_ = msg.Nak()
		return
	}
	switch Disposition(res.Err) {
	case Redeliver:
		ns.logger.Debug().Err(res.Err).Str("key", evt.IdempotencyKey()).Msg("command out of sequence, redelivering")
		_ = msg.NakWithDelay(redeliverDelay)
	default:
		_ = msg.Ack()
	}
}

// Stop halts delivery.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// Outcome says what to do with a transport message after the core saw it.
type Outcome int

const (
	Settled   Outcome = iota // logged, rejected, duplicate or stale: ack
	Redeliver                // a predecessor is missing: retry later
)

// Disposition classifies a core result. Only a sequence gap is worth
// redelivering; every other outcome is final.
func Disposition(err error) Outcome {
	if errors.Is(err, core.ErrSequenceGap) {
		return Redeliver
	}
	return Settled
}

// EnsureStreams creates the command and event streams.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       CommandStream,
			Subjects:   []string{CommandSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS dials NATS with unlimited reconnects and returns a JetStream
// handle.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("cdpledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
