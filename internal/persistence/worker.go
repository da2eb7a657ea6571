package persistence

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on that channel blocking, so if this worker falls behind
// the engine stalls and no event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	confirmed    chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

// WorkerConfig configures a PersistenceWorker.
type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	// Confirmed, if set, receives each output after its batch commits.
	// Sends are non-blocking; the outbound publisher is best-effort.
	Confirmed chan<- core.CoreOutput
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

func NewPersistenceWorker(db *sql.DB, inputChan <-chan core.CoreOutput, cfg WorkerConfig) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		confirmed:    cfg.Confirmed,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Str("component", "persistence_worker").Logger(),
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	var batch Records
	pending := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, why string) {
		if batch.Len() == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, &batch); err != nil {
			pw.logger.Error().Err(err).Str("trigger", why).Int("events", batch.Len()).Msg("batch flush failed")
		} else {
			pw.forward(pending)
		}
		batch.Reset()
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			batch.Add(output)
			pending = append(pending, output)

			if batch.Len() >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) forward(outs []core.CoreOutput) {
	if pw.confirmed == nil {
		return
	}
	for _, o := range outs {
		select {
		case pw.confirmed <- o:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// never drops events: it retries until the write succeeds or the context
// is cancelled, then makes one final attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *Records) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", batch.Len()).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *Records) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteRecords(ctx, tx, batch); err != nil {
		pw.countError("write")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(batch.Len()))
		pw.metrics.PersistEventsWritten.Add(float64(batch.Len()))
		pw.metrics.PersistLastSequence.Set(float64(batch.LastSequence()))
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

// Writer returns the underlying writer.
func (pw *PersistenceWorker) Writer() *EventLogWriter {
	return pw.writer
}
