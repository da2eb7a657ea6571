// Package content prepares the participant content a battle plays. The
// generator runs out of process behind a NATS request/reply subject.
package content

import (
	"BattleLedger/internal/lifecycle"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubject is the request subject the generator listens on.
const DefaultSubject = "battle.content.generate"

var (
	ErrGeneration = errors.New("content generation failed")
	ErrBadReply   = errors.New("malformed content reply")
)

// Requester is the part of *nats.Conn the provider needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Request is the generator request body.
type Request struct {
	ParticipantID string `json:"participant_id"`
}

// Reply is the generator reply body. A non-empty Error is a failed
// generation.
type Reply struct {
	URI             string  `json:"uri"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// NATSProvider generates content by request/reply.
type NATSProvider struct {
	nc      Requester
	subject string
	timeout time.Duration
	logger  zerolog.Logger
}

// NATSConfig configures a NATSProvider. Zero values take defaults.
type NATSConfig struct {
	Subject string
	Timeout time.Duration // per request; the caller's deadline still applies
	Logger  zerolog.Logger
}

func NewNATSProvider(nc Requester, cfg NATSConfig) *NATSProvider {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &NATSProvider{
		nc:      nc,
		subject: cfg.Subject,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With().Str("component", "content").Logger(),
	}
}

// Generate asks the generator for one participant's content.
func (p *NATSProvider) Generate(ctx context.Context, participantID string) (lifecycle.ContentRef, error) {
	body, err := json.Marshal(Request{ParticipantID: participantID})
	if err != nil {
		return lifecycle.ContentRef{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	msg, err := p.nc.RequestWithContext(ctx, p.subject, body)
	if err != nil {
		return lifecycle.ContentRef{}, fmt.Errorf("content request for %s: %w", participantID, err)
	}

	ref, err := decodeReply(participantID, msg.Data)
	if err != nil {
		return lifecycle.ContentRef{}, err
	}
	p.logger.Debug().
		Str("participant", participantID).
		Str("uri", ref.URI).
		Dur("duration", ref.Duration).
		Dur("took", time.Since(start)).
		Msg("content generated")
	return ref, nil
}

func decodeReply(participantID string, data []byte) (lifecycle.ContentRef, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return lifecycle.ContentRef{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	if r.Error != "" {
		return lifecycle.ContentRef{}, fmt.Errorf("%w for %s: %s", ErrGeneration, participantID, r.Error)
	}
	if r.URI == "" || r.DurationSeconds <= 0 {
		return lifecycle.ContentRef{}, fmt.Errorf("%w: uri %q duration %vs", ErrBadReply, r.URI, r.DurationSeconds)
	}
	return lifecycle.ContentRef{
		ParticipantID: participantID,
		URI:           r.URI,
		Duration:      time.Duration(r.DurationSeconds * float64(time.Second)),
	}, nil
}

// StaticProvider serves fixed content, for deployments without a generator.
type StaticProvider struct {
	BaseURI  string
	Duration time.Duration
	// Overrides replaces Duration for listed participants.
	Overrides map[string]time.Duration
}

func (p StaticProvider) Generate(ctx context.Context, participantID string) (lifecycle.ContentRef, error) {
	if err := ctx.Err(); err != nil {
		return lifecycle.ContentRef{}, err
	}
	d := p.Duration
	if o, ok := p.Overrides[participantID]; ok {
		d = o
	}
	if d <= 0 {
		return lifecycle.ContentRef{}, fmt.Errorf("%w: no duration for %s", ErrGeneration, participantID)
	}
	return lifecycle.ContentRef{
		ParticipantID: participantID,
		URI:           p.BaseURI + participantID,
		Duration:      d,
	}, nil
}

// Serve answers generation requests on subject with gen. Used by the
// in-process generator and tests.
func Serve(nc *nats.Conn, subject string, gen lifecycle.ContentProvider, logger zerolog.Logger) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var req Request
		var reply Reply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "bad request: " + err.Error()
		} else if ref, err := gen.Generate(context.Background(), req.ParticipantID); err != nil {
			reply.Error = err.Error()
		} else {
			reply.URI = ref.URI
			reply.DurationSeconds = ref.Duration.Seconds()
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			logger.Warn().Err(err).Str("subject", subject).Msg("content reply failed")
		}
	})
}
