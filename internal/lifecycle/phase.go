package lifecycle

import (
	"fmt"
	"time"
)

// Phase is the coarse state of one battle's lifecycle.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseReady
	PhaseActive
	PhaseEnding
	PhaseSettled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	case PhaseSettled:
		return "settled"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// IsTerminal reports whether no further transition can leave p.
func (p Phase) IsTerminal() bool {
	return p == PhaseSettled || p == PhaseFailed
}

// CanTransitionTo validates phase transitions
func (p Phase) CanTransitionTo(next Phase) bool {
	validTransitions := map[Phase][]Phase{
		PhaseInitializing: {
			PhaseReady,
			PhaseFailed,
		},
		PhaseReady: {
			PhaseActive,
			PhaseFailed,
		},
		PhaseActive: {
			PhaseEnding,
		},
		PhaseEnding: {
			PhaseSettled, // Retries stay in ending
		},
	}

	allowed, ok := validTransitions[p]
	if !ok {
		return false
	}

	for _, a := range allowed {
		if a == next {
			return true
		}
	}
	return false
}

const (
	// DeadlineBuffer is how long after the end time automatic settlement
	// fires, leaving room for trades stamped right at the end.
	DeadlineBuffer = 5 * time.Second

	// RetryDelay separates automatic settlement attempts.
	RetryDelay = 10 * time.Second
)
