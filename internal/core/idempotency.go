package core

import (
	"container/list"
	"fmt"
	"sync"
)

// IdempotencyChecker implements two-tier request-id deduplication.
// Thread-safe: trades on different sides reserve keys concurrently.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU of applied keys
	lru *IdempotencyLRU

	// Keys reserved by an in-progress operation
	reserved map[string]struct{}

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(operation string, requestID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		reserved:  make(map[string]struct{}),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

func compositeKey(operation, requestID string) string {
	return fmt.Sprintf("%s:%s", operation, requestID)
}

// Reserve claims requestID for one in-progress operation. Returns false if
// the key was already applied or is reserved by a concurrent call. The
// caller must follow up with Commit or Release.
func (ic *IdempotencyChecker) Reserve(operation, requestID string) bool {
	key := compositeKey(operation, requestID)

	ic.mu.Lock()
	if ic.lru.Contains(key) {
		ic.metrics.RecordDuplicate(operation, "lru")
		ic.mu.Unlock()
		return false
	}
	if _, busy := ic.reserved[key]; busy {
		ic.metrics.RecordDuplicate(operation, "inflight")
		ic.mu.Unlock()
		return false
	}
	ic.reserved[key] = struct{}{}
	ic.mu.Unlock()

	if ic.dbChecker == nil {
		return true
	}

	// Tier 2 lookup runs outside the mutex; the reservation keeps
	// concurrent callers with the same key out.
	isDup, err := ic.dbChecker.IsDuplicate(operation, requestID)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	if err != nil {
		// Conservative: a DB issue must not block trading
		ic.metrics.RecordTier2Error()
		return true
	}
	if isDup {
		ic.metrics.RecordDuplicate(operation, "postgres")
		delete(ic.reserved, key)
		ic.lru.Add(key)
		return false
	}
	return true
}

// Commit marks a reserved key as applied.
func (ic *IdempotencyChecker) Commit(operation, requestID string) {
	key := compositeKey(operation, requestID)
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.reserved, key)
	ic.lru.Add(key)
}

// Release frees a reserved key after a rejected operation so the caller may
// retry with the same id.
func (ic *IdempotencyChecker) Release(operation, requestID string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.reserved, compositeKey(operation, requestID))
}

// IsDuplicate reports whether requestID has already been applied.
func (ic *IdempotencyChecker) IsDuplicate(operation, requestID string) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Contains(compositeKey(operation, requestID))
}

// Warm loads composite keys (as produced by Keys) into the LRU.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

// Keys returns the LRU contents, most recent first.
func (ic *IdempotencyChecker) Keys() []string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Keys()
}

// Stats returns duplicate counts for operation and the tier-2 error count.
func (ic *IdempotencyChecker) Stats(operation string) (lru, postgres, tier2Errors int64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	lru, postgres = ic.metrics.GetDuplicates(operation)
	return lru, postgres, ic.metrics.GetTier2Errors()
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; IdempotencyChecker serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of keys, oldest last, without disturbing
// existing entries. Used on restart from a snapshot.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.cache[key] = lru.lruList.PushFront(&lruEntry{key: key})
		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

// Keys lists entries most recent first.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*lruEntry).key)
	}
	return out
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats. Guarded by IdempotencyChecker.mu.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(operation string, tier string) {
	if tier == "postgres" {
		m.duplicatesPostgres[operation]++
	} else {
		m.duplicatesLRU[operation]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(operation string) (lru int64, postgres int64) {
	return m.duplicatesLRU[operation], m.duplicatesPostgres[operation]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
