package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CdpLedger.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Protocol state ---
	ActiveCdps       prometheus.Gauge
	TCR              prometheus.Gauge
	RecoveryMode     prometheus.Gauge
	GraceTransitions *prometheus.CounterVec
	ParkedDebt       prometheus.Gauge

	// --- Liquidation & redemption ---
	CdpsLiquidated    *prometheus.CounterVec
	LiquidationSkips  *prometheus.CounterVec
	DebtOffset        prometheus.Counter
	DebtRedistributed prometheus.Counter
	CdpsRedeemed      prometheus.Counter

	// --- Channels ---
	ChannelSize     *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Projections ---
	ProjectionLastSequence prometheus.Gauge
	ProjectionErrors       prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Query & keeper ---
	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	CacheLookups   *prometheus.CounterVec
	KeeperAttempts *prometheus.CounterVec
}

// NewMetrics registers every metric on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_events_rejected_total",
			Help: "Events rejected (duplicate, sequence, precondition)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Current global sequence number",
		}),

		ActiveCdps: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_active_cdps",
			Help: "Active positions in the sorted registry",
		}),

		TCR: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_tcr_ratio",
			Help: "Total collateral ratio at the last valid price (1.0 = 100%)",
		}),

		RecoveryMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_recovery_mode",
			Help: "1 while TCR < CCR",
		}),

		GraceTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_grace_period_transitions_total",
			Help: "Grace period state transitions",
		}, []string{"transition"}),

		ParkedDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_parked_debt",
			Help: "Redistribution debt parked while no stake existed",
		}),

		CdpsLiquidated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidated_total",
			Help: "Positions liquidated",
		}, []string{"class"}),

		LiquidationSkips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidation_skips_total",
			Help: "Liquidation candidates skipped",
		}, []string{"reason"}),

		DebtOffset: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_debt_offset_total",
			Help: "Debt absorbed by the stability pool (debt-token units)",
		}),

		DebtRedistributed: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_debt_redistributed_total",
			Help: "Debt redistributed to active positions (debt-token units)",
		}),

		CdpsRedeemed: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_redeemed_total",
			Help: "Positions touched by redemptions",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Outputs dropped due to a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		ProjectionLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_projection_last_sequence",
			Help: "Last sequence applied to the read model",
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_projection_errors_total",
			Help: "Failed projection updates",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_replay_events_total",
			Help: "Events replayed on startup",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_cache_lookups_total",
			Help: "Redis read-through cache lookups",
		}, []string{"result"}),

		KeeperAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_keeper_attempts_total",
			Help: "Keeper liquidation attempts",
		}, []string{"outcome"}),
	}
}

// SetChannelMetrics records a channel's current depth.
func (m *Metrics) SetChannelMetrics(name string, size int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
}
