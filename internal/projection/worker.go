package projection

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// WatermarkName identifies this worker's row in projections.watermark.
const WatermarkName = "battle"

// ProjectionWorker updates the in-memory projections and, when a database
// is configured, the projection tables. The projection channel is
// non-blocking with drop; if projections fall behind they can be rebuilt
// from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	stats     *StatsProjection
	trades    *TradeHistoryProjection
	lastSeq   atomic.Int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// WorkerConfig configures a ProjectionWorker. DB may be nil.
type WorkerConfig struct {
	DB      *sql.DB
	Stats   *StatsProjection
	Trades  *TradeHistoryProjection
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

func NewProjectionWorker(inputChan <-chan core.CoreOutput, cfg WorkerConfig) *ProjectionWorker {
	if cfg.Stats == nil {
		cfg.Stats = NewStatsProjection()
	}
	if cfg.Trades == nil {
		cfg.Trades = NewTradeHistoryProjection(0)
	}
	return &ProjectionWorker{
		db:        cfg.DB,
		inputChan: inputChan,
		stats:     cfg.Stats,
		trades:    cfg.Trades,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "projection_worker").Logger(),
	}
}

// Stats returns the battle stats projection.
func (pw *ProjectionWorker) Stats() *StatsProjection { return pw.stats }

// Trades returns the trade history projection.
func (pw *ProjectionWorker) Trades() *TradeHistoryProjection { return pw.trades }

// LastSequence returns the last sequence applied.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq.Load() }

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Process(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.Inc()
				}
			}
		}
	}
}

// Process applies one output. Outputs at or below the watermark are
// ignored.
func (pw *ProjectionWorker) Process(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence
	if seq <= pw.lastSeq.Load() {
		return nil
	}

	touched := pw.stats.Apply(output)
	var trade *TradeRecord
	if t, ok := output.Event.(*event.Trade); ok {
		rec := newTradeRecord(seq, t)
		pw.trades.AddEntry(rec)
		trade = &rec
	}

	if pw.db != nil {
		if err := pw.write(ctx, seq, touched, trade); err != nil {
			return err
		}
	}

	pw.lastSeq.Store(seq)
	if pw.metrics != nil {
		pw.metrics.ProjectionSequence.Set(float64(seq))
	}
	return nil
}

func (pw *ProjectionWorker) write(ctx context.Context, seq int64, st *BattleStats, trade *TradeRecord) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if st != nil {
		if err := upsertStats(ctx, tx, st); err != nil {
			return fmt.Errorf("battle stats: %w", err)
		}
	}
	if trade != nil {
		if err := insertTrade(ctx, tx, trade); err != nil {
			return fmt.Errorf("trade history: %w", err)
		}
	}
	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

// LoadWatermark restores the last applied sequence from Postgres.
func (pw *ProjectionWorker) LoadWatermark(ctx context.Context) error {
	if pw.db == nil {
		return nil
	}
	var seq int64
	err := pw.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, WatermarkName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq.Store(seq)
	return nil
}

// Warm rebuilds the in-memory projections from the event log without
// touching the projection tables. Used at startup so queries see history
// from before the restart.
func (pw *ProjectionWorker) Warm(ctx context.Context, sm *persistence.SnapshotManager) error {
	pw.stats.Reset()
	n, err := replayLog(ctx, sm, func(out core.CoreOutput) error {
		pw.stats.Apply(out)
		if t, ok := out.Event.(*event.Trade); ok {
			pw.trades.AddEntry(newTradeRecord(out.Envelope.Sequence, t))
		}
		return nil
	})
	if err != nil {
		return err
	}
	pw.logger.Info().Int("events", n).Int("battles", len(pw.stats.List())).Msg("projections warmed")
	return nil
}

// RebuildProjections truncates the projection tables and rebuilds them
// from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	for _, stmt := range []string{
		`TRUNCATE projections.battle_stats`,
		`TRUNCATE projections.trade_history`,
		`DELETE FROM projections.watermark WHERE projection_name = '` + WatermarkName + `'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Each event goes through the normal Process path, so the tables end
	// up exactly as a live worker would have left them.
	pw := NewProjectionWorker(nil, WorkerConfig{DB: db, Logger: logger})
	n, err := replayLog(ctx, persistence.NewSnapshotManager(db, nil, logger), func(out core.CoreOutput) error {
		return pw.Process(ctx, out)
	})
	if err != nil {
		return err
	}
	logger.Info().Int("events", n).Int64("sequence", pw.LastSequence()).Msg("projection rebuild complete")
	return nil
}

const rebuildPage = 5000

func replayLog(ctx context.Context, sm *persistence.SnapshotManager, fn func(core.CoreOutput) error) (int, error) {
	from, n := int64(1), 0
	for {
		rows, err := sm.LoadEventsFrom(ctx, from, rebuildPage)
		if err != nil {
			return n, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, row := range rows {
			out, err := OutputFromRow(row)
			if err != nil {
				return n, err
			}
			if err := fn(out); err != nil {
				return n, fmt.Errorf("apply event %d: %w", row.Sequence, err)
			}
			n++
		}
		if len(rows) < rebuildPage {
			return n, nil
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}

// OutputFromRow turns a logged event back into an engine output.
func OutputFromRow(row persistence.EventRow) (core.CoreOutput, error) {
	evt, err := persistence.DecodeEvent(row.EventType, row.Payload)
	if err != nil {
		return core.CoreOutput{}, fmt.Errorf("event %d: %w", row.Sequence, err)
	}
	env := &event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		EventType:      evt.EventType(),
		BattleID:       uint64(row.BattleID),
		Timestamp:      row.Timestamp,
		Payload:        row.Payload,
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return core.CoreOutput{Envelope: env, Event: evt}, nil
}

func upsertStats(ctx context.Context, tx *sql.Tx, s *BattleStats) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.battle_stats (
			battle_id, phase, buys, sells, volume_a, volume_b,
			artist_fees, platform_fees, pool_a, pool_b, supply_a, supply_b,
			claims, claimed, last_sequence, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (battle_id) DO UPDATE SET
			phase = EXCLUDED.phase, buys = EXCLUDED.buys, sells = EXCLUDED.sells,
			volume_a = EXCLUDED.volume_a, volume_b = EXCLUDED.volume_b,
			artist_fees = EXCLUDED.artist_fees, platform_fees = EXCLUDED.platform_fees,
			pool_a = EXCLUDED.pool_a, pool_b = EXCLUDED.pool_b,
			supply_a = EXCLUDED.supply_a, supply_b = EXCLUDED.supply_b,
			claims = EXCLUDED.claims, claimed = EXCLUDED.claimed,
			last_sequence = EXCLUDED.last_sequence, updated_at = EXCLUDED.updated_at
		WHERE projections.battle_stats.last_sequence < EXCLUDED.last_sequence
	`,
		int64(s.BattleID), s.Phase, int64(s.Buys), int64(s.Sells),
		s.Volume[0].Dec(), s.Volume[1].Dec(),
		s.ArtistFees.Dec(), s.PlatformFees.Dec(),
		s.Pool[0].Dec(), s.Pool[1].Dec(), s.Supply[0].Dec(), s.Supply[1].Dec(),
		int64(s.Claims), s.Claimed.Dec(), s.LastSequence, s.UpdatedAt,
	)
	return err
}

func insertTrade(ctx context.Context, tx *sql.Tx, t *TradeRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.trade_history
			(trade_id, battle_id, trader, side, kind, tokens, gross, net, sequence, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trade_id) DO NOTHING
	`,
		t.TradeID, int64(t.BattleID), t.Trader.Hex(), t.Side, t.Kind,
		t.Tokens.Dec(), t.Gross.Dec(), t.Net.Dec(), t.Sequence, t.ExecutedAt,
	)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WatermarkName, seq)
	return err
}
