package ingestion

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream and subject layout for inbound commands.
const (
	CommandStream  = "BATTLE_COMMANDS"
	CommandSubject = "battle.commands.>"
)

// NATSSubscriber subscribes to the command stream and feeds raw messages
// to a CommandConsumer via eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded inbound message.
type RawEvent struct {
	Subject   string
	Data      []byte
	Consumer  string
	Sequence  uint64 // consumer sequence, 0 when unknown
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps a filter subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects gives each command type its own durable consumer so a
// backlog of trades never delays settlement commands.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "battle.commands.buy.>", ConsumerName: "battle-buy", StreamName: CommandStream},
		{Subject: "battle.commands.sell.>", ConsumerName: "battle-sell", StreamName: CommandStream},
		{Subject: "battle.commands.claim.>", ConsumerName: "battle-claim", StreamName: CommandStream},
		{Subject: "battle.commands.settle.>", ConsumerName: "battle-settle", StreamName: CommandStream},
		{Subject: "battle.commands.launch.>", ConsumerName: "battle-launch", StreamName: CommandStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		name := cfg.ConsumerName
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Consumer:  name,
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}
			if md, err := msg.Metadata(); err == nil {
				raw.Sequence = md.Sequence.Consumer
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
// FileStorage, retention=WorkQueue, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// CommandConsumer decodes and executes inbound commands. Final rejections
// are acked so they are not redelivered; retryable failures are nacked.
type CommandConsumer struct {
	svc     *CommandService
	seq     *SequenceTracker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewCommandConsumer(svc *CommandService, metrics *observability.Metrics, logger zerolog.Logger) *CommandConsumer {
	return &CommandConsumer{
		svc:     svc,
		seq:     NewSequenceTracker(),
		metrics: metrics,
		logger:  logger.With().Str("component", "command_consumer").Logger(),
	}
}

// Run processes raw messages until ctx is done or in closes.
func (cc *CommandConsumer) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			cc.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or nacks it.
func (cc *CommandConsumer) Handle(ctx context.Context, raw RawEvent) {
	if raw.Sequence > 0 {
		status := cc.seq.Observe(raw.Consumer, raw.Sequence)
		if cc.metrics != nil {
			cc.metrics.CommandSequence.WithLabelValues(raw.Consumer, status.String()).Inc()
		}
		if status == SequenceReplay {
			cc.logger.Debug().Str("consumer", raw.Consumer).Uint64("sequence", raw.Sequence).Msg("redelivered command")
		}
	}

	_, err := cc.process(ctx, raw)
	switch {
	case err == nil:
		ack(raw)
	case Retryable(err):
		cc.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command failed; will be redelivered")
		nak(raw)
	default:
		cc.logger.Info().Err(err).Str("subject", raw.Subject).Msg("command rejected")
		ack(raw)
	}
}

func (cc *CommandConsumer) process(ctx context.Context, raw RawEvent) (any, error) {
	cmdType, err := CommandTypeFromSubject(raw.Subject)
	if err != nil {
		cc.recordFailure("unknown", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if cc.metrics != nil {
		cc.metrics.CommandsReceived.WithLabelValues(string(cmdType), "nats").Inc()
	}

	cmd, err := ParseCommand(raw, cmdType)
	if err != nil {
		cc.recordFailure(string(cmdType), err)
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	res, err := cc.svc.Execute(ctx, cmd)
	if err != nil {
		cc.recordFailure(string(cmdType), err)
	}
	return res, err
}

func (cc *CommandConsumer) recordFailure(cmd string, err error) {
	if cc.metrics == nil {
		return
	}
	cc.metrics.CommandsFailed.WithLabelValues(cmd, core.KindOf(err).String()).Inc()
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
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
