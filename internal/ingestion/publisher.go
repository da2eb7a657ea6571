package ingestion

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Outbound stream layout.
const (
	EventStream       = "BATTLE_EVENTS"
	EventSubjectRoot  = "battle.events"
	eventStreamMaxAge = 72 * time.Hour
)

// StreamPublisher is the part of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes processed events to NATS for downstream
// consumers. It reads from the persistence worker's confirmed channel, so
// nothing is published before it is durable.
// Subjects follow the pattern: battle.events.{event_subject}.{battle_id}
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedEvent is the outbound wire form of an event.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	BattleID       uint64          `json:"battle_id"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash,omitempty"`
	PrevHash       string          `json:"prev_hash,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			// Non-fatal: downstream consumers can read the event log directly.
			if err := op.Publish(ctx, out); err != nil {
				var seq int64
				if out.Envelope != nil {
					seq = out.Envelope.Sequence
				}
				op.logger.Warn().Err(err).Int64("sequence", seq).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

// Publish sends one output. The message id lets JetStream drop duplicates
// if the same output is published twice.
func (op *OutboundPublisher) Publish(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	if env == nil {
		return errors.New("output without envelope")
	}
	data, err := json.Marshal(Outbound(env))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, SubjectFor(env.EventType.Subject(), env.BattleID), data,
		jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)),
	)
	return err
}

// Outbound converts an envelope to its wire form.
func Outbound(env *event.EventEnvelope) PublishedEvent {
	pe := PublishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		BattleID:       env.BattleID,
		Payload:        json.RawMessage(env.Payload),
		Timestamp:      env.Timestamp,
	}
	if len(pe.Payload) == 0 {
		pe.Payload = json.RawMessage("null")
	}
	var zero [32]byte
	if env.StateHash != zero {
		pe.StateHash = hex.EncodeToString(env.StateHash[:])
	}
	if env.PrevHash != zero {
		pe.PrevHash = hex.EncodeToString(env.PrevHash[:])
	}
	return pe
}

// SubjectFor builds battle.events.{event_subject}.{battle_id}.
func SubjectFor(eventSubject string, battleID uint64) string {
	return fmt.Sprintf("%s.%s.%d", EventSubjectRoot, eventSubject, battleID)
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      EventStream,
		Subjects:  []string{EventSubjectRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    eventStreamMaxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}
