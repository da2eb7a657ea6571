package lifecycle

import (
	"context"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the callback. Returns false if it already fired or
	// was already stopped.
	Stop() bool
}

// Scheduler is the manager's only source of time.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// RealScheduler runs callbacks on wall-clock timers.
type RealScheduler struct{}

func (RealScheduler) Now() time.Time { return time.Now() }

func (RealScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// ContentRef identifies one side's generated content.
type ContentRef struct {
	ParticipantID string        `json:"participant_id"`
	URI           string        `json:"uri"`
	Duration      time.Duration `json:"duration"`
}

// ContentProvider prepares a participant's content. Called once per side
// while a battle initializes; both sides run concurrently.
type ContentProvider interface {
	Generate(ctx context.Context, participantID string) (ContentRef, error)
}
