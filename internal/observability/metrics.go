package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for BattleLedger.
type Metrics struct {
	// --- Market ---
	TradesApplied  *prometheus.CounterVec
	TradesRejected *prometheus.CounterVec
	TradeDuration  *prometheus.HistogramVec
	TradeVolume    *prometheus.CounterVec
	FeesCollected  *prometheus.CounterVec
	ActiveBattles  prometheus.Gauge
	CoreSequence   prometheus.Gauge

	// --- Settlement & Claims ---
	Settlements       *prometheus.CounterVec
	SettlementRejects *prometheus.CounterVec
	ClaimsPaid        prometheus.Counter
	ClaimRejects      *prometheus.CounterVec

	// --- Payouts ---
	PayoutsSent     *prometheus.CounterVec
	PayoutFailures  *prometheus.CounterVec
	PayoutsPending  prometheus.Gauge
	PayoutRetryRuns prometheus.Counter

	// --- Lifecycle ---
	PhaseTransitions *prometheus.CounterVec
	SettleRetries    prometheus.Counter
	ContentDuration  prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter
	ProjectionErrors    prometheus.Counter
	ProjectionSequence  prometheus.Gauge

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge

	// --- Ingestion ---
	CommandsReceived *prometheus.CounterVec
	CommandsFailed   *prometheus.CounterVec
	CommandSequence  *prometheus.CounterVec
	PublishErrors    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// Registration is global; call once per process.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		// Market
		TradesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_trades_applied_total",
			Help: "Buy/sell trades applied to a side pool",
		}, []string{"kind", "side"}),

		TradesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_trades_rejected_total",
			Help: "Trades rejected before mutation",
		}, []string{"kind", "reason"}),

		TradeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "battle_trade_duration_seconds",
			Help:    "Time to apply a trade including payout dispatch",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		TradeVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_trade_volume_total",
			Help: "Gross trade volume in smallest asset units (float approximation)",
		}, []string{"kind"}),

		FeesCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_fees_collected_total",
			Help: "Fees charged in smallest asset units (float approximation)",
		}, []string{"payee"}),

		ActiveBattles: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "battle_active_battles",
			Help: "Battles currently open for trading",
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "battle_core_sequence",
			Help: "Current engine-wide event sequence",
		}),

		// Settlement & Claims
		Settlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_settlements_total",
			Help: "Battles settled",
		}, []string{"winner"}),

		SettlementRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_settlement_rejects_total",
			Help: "Settlement attempts rejected",
		}, []string{"reason"}),

		ClaimsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_claims_paid_total",
			Help: "Successful claims",
		}),

		ClaimRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_claim_rejects_total",
			Help: "Claims rejected",
		}, []string{"reason"}),

		// Payouts
		PayoutsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_payouts_sent_total",
			Help: "Outgoing transfers delivered",
		}, []string{"kind"}),

		PayoutFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_payout_failures_total",
			Help: "Outgoing transfer attempts that failed",
		}, []string{"kind"}),

		PayoutsPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "battle_payouts_pending",
			Help: "Failed payouts awaiting retry",
		}),

		PayoutRetryRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_payout_retry_runs_total",
			Help: "Pending payout retry sweeps",
		}),

		// Lifecycle
		PhaseTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_phase_transitions_total",
			Help: "Lifecycle phase transitions",
		}, []string{"from", "to"}),

		SettleRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_settle_retries_total",
			Help: "Auto-settlement attempts rescheduled after failure",
		}),

		ContentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_content_generation_seconds",
			Help:    "Content preparation time for both sides",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "battle_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		ProjectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_projection_errors_total",
			Help: "Projection updates that failed to apply",
		}),

		ProjectionSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "battle_projection_last_sequence",
			Help: "Last sequence applied to projections",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_idempotency_duplicates_total",
			Help: "Duplicate request ids caught (lru/postgres)",
		}, []string{"operation", "tier"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "battle_persist_last_sequence",
			Help: "Last sequence written to Postgres",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_snapshot_taken_total",
			Help: "Engine snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "battle_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		// Ingestion
		CommandsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_commands_received_total",
			Help: "Inbound commands received",
		}, []string{"command", "source"}),

		CommandsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_commands_failed_total",
			Help: "Inbound commands that returned an error",
		}, []string{"command", "kind"}),

		CommandSequence: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_command_sequence_total",
			Help: "Inbound command deliveries by sequence status (next/gap/replay)",
		}, []string{"consumer", "status"}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_publish_errors_total",
			Help: "Outbound event publishes that failed",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "battle_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "error_type"}),
	}
}
