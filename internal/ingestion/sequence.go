package ingestion

import (
	"sync"
)

// SequenceStatus classifies an inbound stream sequence.
type SequenceStatus int

const (
	SequenceNext SequenceStatus = iota
	SequenceGap
	SequenceReplay
)

func (s SequenceStatus) String() string {
	switch s {
	case SequenceNext:
		return "next"
	case SequenceGap:
		return "gap"
	case SequenceReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// SequenceTracker follows the consumer sequence of each durable consumer.
// Replays are redeliveries of commands already seen; they still execute and
// rely on request-id idempotency. Gaps are tolerated and counted.
type SequenceTracker struct {
	mu      sync.Mutex
	lastSeq map[string]uint64 // partition -> highest sequence observed
	metrics *SequenceMetrics
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{
		lastSeq: make(map[string]uint64),
		metrics: NewSequenceMetrics(),
	}
}

// Observe records seq for partition and reports how it relates to the
// highest sequence seen so far.
func (st *SequenceTracker) Observe(partition string, seq uint64) SequenceStatus {
	st.mu.Lock()
	defer st.mu.Unlock()

	last, seen := st.lastSeq[partition]
	switch {
	case seen && seq <= last:
		st.metrics.replays[partition]++
		return SequenceReplay
	case seen && seq > last+1:
		st.metrics.gaps[partition]++
		st.lastSeq[partition] = seq
		return SequenceGap
	default:
		st.lastSeq[partition] = seq
		return SequenceNext
	}
}

// LastSequence returns the highest sequence observed for a partition.
func (st *SequenceTracker) LastSequence(partition string) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSeq[partition]
}

// SetLastSequence initializes a partition (used during recovery)
func (st *SequenceTracker) SetLastSequence(partition string, seq uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSeq[partition] = seq
}

// Gaps returns the gap count for a partition.
func (st *SequenceTracker) Gaps(partition string) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.metrics.gaps[partition]
}

// Replays returns the replay count for a partition.
func (st *SequenceTracker) Replays(partition string) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.metrics.replays[partition]
}

// --- Metrics ---

// SequenceMetrics tracks sequence stats. Guarded by SequenceTracker.mu.
type SequenceMetrics struct {
	gaps    map[string]int64 // partition -> gap count
	replays map[string]int64 // partition -> replay count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:    make(map[string]int64),
		replays: make(map[string]int64),
	}
}
