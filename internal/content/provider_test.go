package content_test

import (
	"BattleLedger/internal/content"
	"BattleLedger/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// fakeRequester answers every request with reply, or fails with err.
type fakeRequester struct {
	reply   []byte
	err     error
	subject string
	sent    content.Request
}

func (f *fakeRequester) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject = subj
	if err := json.Unmarshal(data, &f.sent); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func replyJSON(t *testing.T, r content.Reply) []byte {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// Test: NATSProvider
// ============================================================================

func TestNATSProvider_Generate(t *testing.T) {
	fr := &fakeRequester{reply: replyJSON(t, content.Reply{URI: "s3://tracks/a.mp3", DurationSeconds: 95.5})}
	p := content.NewNATSProvider(fr, content.NATSConfig{Logger: zerolog.Nop()})

	ref, err := p.Generate(context.Background(), "artist-a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if fr.subject != content.DefaultSubject || fr.sent.ParticipantID != "artist-a" {
		t.Errorf("request: subject %q participant %q", fr.subject, fr.sent.ParticipantID)
	}
	if ref.ParticipantID != "artist-a" || ref.URI != "s3://tracks/a.mp3" {
		t.Errorf("ref: got %+v", ref)
	}
	if ref.Duration != 95*time.Second+500*time.Millisecond {
		t.Errorf("duration: got %v, want 1m35.5s", ref.Duration)
	}
}

func TestNATSProvider_Errors(t *testing.T) {
	tests := []struct {
		name  string
		fr    *fakeRequester
		check func(error) bool
	}{
		{
			name:  "transport",
			fr:    &fakeRequester{err: nats.ErrTimeout},
			check: func(err error) bool { return errors.Is(err, nats.ErrTimeout) },
		},
		{
			name:  "generator error",
			fr:    &fakeRequester{reply: replyJSON(t, content.Reply{Error: "model unavailable"})},
			check: func(err error) bool { return errors.Is(err, content.ErrGeneration) },
		},
		{
			name:  "not json",
			fr:    &fakeRequester{reply: []byte("ok")},
			check: func(err error) bool { return errors.Is(err, content.ErrBadReply) },
		},
		{
			name:  "zero duration",
			fr:    &fakeRequester{reply: replyJSON(t, content.Reply{URI: "x"})},
			check: func(err error) bool { return errors.Is(err, content.ErrBadReply) },
		},
	}
	for _, tt := range tests {
		p := content.NewNATSProvider(tt.fr, content.NATSConfig{Subject: "gen", Logger: zerolog.Nop()})
		_, err := p.Generate(context.Background(), "artist-b")
		if err == nil || !tt.check(err) {
			t.Errorf("%s: unexpected err %v", tt.name, err)
		}
		if tt.fr.subject != "gen" {
			t.Errorf("%s: subject %q, want gen", tt.name, tt.fr.subject)
		}
	}
}

// ============================================================================
// Test: StaticProvider
// ============================================================================

func TestStaticProvider(t *testing.T) {
	p := content.StaticProvider{
		BaseURI:   "static://",
		Duration:  3 * time.Minute,
		Overrides: map[string]time.Duration{"long": 5 * time.Minute},
	}
	ref, err := p.Generate(context.Background(), "short")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ref.URI != "static://short" || ref.Duration != 3*time.Minute {
		t.Errorf("ref: got %+v", ref)
	}
	ref, _ = p.Generate(context.Background(), "long")
	if ref.Duration != 5*time.Minute {
		t.Errorf("override: got %v, want 5m", ref.Duration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Generate(ctx, "short"); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled ctx err = %v", err)
	}
	if _, err := (content.StaticProvider{}).Generate(context.Background(), "x"); !errors.Is(err, content.ErrGeneration) {
		t.Errorf("no duration err = %v, want ErrGeneration", err)
	}
}

// ============================================================================
// Test: Request/reply round trip (integration)
// ============================================================================

func TestServe_RoundTrip_Integration(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	subject := "battle.content.test." + time.Now().Format("150405.000000")
	sub, err := content.Serve(nc, subject, content.StaticProvider{BaseURI: "mem://", Duration: 2 * time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer sub.Unsubscribe()

	p := content.NewNATSProvider(nc, content.NATSConfig{Subject: subject, Timeout: 5 * time.Second, Logger: zerolog.Nop()})
	ref, err := p.Generate(context.Background(), "artist-a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ref.URI != "mem://artist-a" || ref.Duration != 2*time.Minute {
		t.Errorf("ref: got %+v", ref)
	}
}
