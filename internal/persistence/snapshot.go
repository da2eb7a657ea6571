package persistence

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/observability"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// snapshotFormat is bumped whenever core.EngineSnapshot changes shape.
const snapshotFormat = 1

// replayPage bounds how many events are loaded per query during recovery.
const replayPage = 5000

// SnapshotManager handles creating and loading engine snapshots for
// recovery. A snapshot is only used for recovery once it has been verified.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Verifier checks a freshly taken snapshot before it is marked usable.
type Verifier func(*core.EngineSnapshot) error

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{
		db:      db,
		metrics: metrics,
		logger:  logger.With().Str("component", "snapshot").Logger(),
	}
}

// SaveSnapshot persists snap unverified and returns its state hash.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.EngineSnapshot) ([32]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return [32]byte{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash := sha256.Sum256(data)

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET
			data = EXCLUDED.data, state_hash = EXCLUDED.state_hash,
			size_bytes = EXCLUDED.size_bytes, verified = FALSE
	`, uuid.New(), snap.Sequence, string(data), hash[:], snapshotFormat, len(data), snap.CreatedAt)
	if err != nil {
		return [32]byte{}, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	if sm.metrics != nil {
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	}
	return hash, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.EngineSnapshot, error) {
	var (
		data    []byte
		hash    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, state_hash, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &hash, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d not supported", version)
	}

	var snap core.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	// JSONB normalizes whitespace and key order, so the stored hash is
	// checked against a re-encoding of the decoded value.
	reencoded, err := json.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("re-encode snapshot: %w", err)
	}
	if sum := sha256.Sum256(reencoded); len(hash) == len(sum) && string(hash) != string(sum[:]) {
		return nil, fmt.Errorf("snapshot %d: state hash mismatch", snap.Sequence)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events with sequence >= fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, battle_id, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.BattleID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Take snapshots engine, saves it, and marks it verified once verify
// accepts it. A nil verify marks it verified immediately.
func (sm *SnapshotManager) Take(ctx context.Context, engine *core.Engine, verify Verifier) (*core.EngineSnapshot, error) {
	start := time.Now()
	snap := engine.Snapshot()
	hash, err := sm.SaveSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	if verify != nil {
		if err := verify(snap); err != nil {
			return nil, fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
		}
	}
	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		return nil, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
	}
	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	}
	sm.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("battles", len(snap.Battles)).
		Hex("state_hash", hash[:8]).
		Msg("snapshot taken")
	return snap, nil
}

// Recover rebuilds the engine state from the latest verified snapshot plus
// every event logged after it. Returns nil when there is nothing to recover.
func (sm *SnapshotManager) Recover(ctx context.Context) (*core.EngineSnapshot, error) {
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	from := int64(1)
	if snap != nil {
		from = snap.Sequence + 1
	}

	replayed := 0
	for {
		events, err := sm.LoadEventsFrom(ctx, from, replayPage)
		if err != nil {
			return nil, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(events) == 0 {
			break
		}
		if snap, err = ReplayEvents(snap, events); err != nil {
			return nil, err
		}
		replayed += len(events)
		from = events[len(events)-1].Sequence + 1
		if len(events) < replayPage {
			break
		}
	}

	if snap == nil {
		sm.logger.Info().Msg("no snapshot or events; cold start")
		return nil, nil
	}
	sm.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("replayed", replayed).
		Int("battles", len(snap.Battles)).
		Msg("state recovered")
	return snap, nil
}
