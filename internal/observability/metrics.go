package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TroveLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	CoreHalted         prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec
	PriceUpdatesIgnored   *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationCalls   *prometheus.CounterVec
	TrovesLiquidated   *prometheus.CounterVec
	LiquidationTroves  prometheus.Histogram
	ModeTransitions    prometheus.Counter
	TotalCollateralRat prometheus.Gauge
	RecoveryMode       prometheus.Gauge
	ActiveTroves       prometheus.Gauge

	// --- Pools ---
	PoolDeposits  prometheus.Gauge
	PoolScale     prometheus.Gauge
	PoolEpoch     prometheus.Gauge
	SurplusTotal  *prometheus.GaugeVec
	GasPoolUSDE   prometheus.Gauge
	DefaultDebt   prometheus.Gauge
	ActivePoolDbt prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_core_events_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_core_events_rejected_total",
			Help: "Commands rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_core_sequence",
			Help: "Current global sequence number",
		}),

		CoreHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_core_halted",
			Help: "1 when the engine stopped after an invariant violation",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PriceUpdatesIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_price_updates_ignored_total",
			Help: "Price updates older than the current quote",
		}, []string{"asset"}),

		// Liquidation
		LiquidationCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_liquidation_calls_total",
			Help: "Liquidation calls by entry point and result",
		}, []string{"entry", "result"}),

		TrovesLiquidated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_troves_liquidated_total",
			Help: "Troves liquidated by mode",
		}, []string{"mode"}),

		LiquidationTroves: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_liquidation_troves_per_call",
			Help:    "Troves liquidated per successful call",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		ModeTransitions: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_recovery_mode_exits_in_call_total",
			Help: "Liquidation calls that left Recovery Mode part way",
		}),

		TotalCollateralRat: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_tcr",
			Help: "Total collateral ratio after the last liquidation call",
		}),

		RecoveryMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_recovery_mode",
			Help: "1 when TCR < CCR after the last liquidation call",
		}),

		ActiveTroves: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_active_troves",
			Help: "Active troves in the registry",
		}),

		// Pools
		PoolDeposits: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_stability_pool_deposits",
			Help: "USDE held by the stability pool",
		}),

		PoolScale: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_stability_pool_scale",
			Help: "Current stability pool scale",
		}),

		PoolEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_stability_pool_epoch",
			Help: "Current stability pool epoch",
		}),

		SurplusTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_surplus_escrow_total",
			Help: "Unclaimed liquidation surplus per asset",
		}, []string{"asset"}),

		GasPoolUSDE: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_gas_pool_usde",
			Help: "USDE reserved for gas compensation",
		}),

		DefaultDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_default_pool_debt",
			Help: "Redistributed debt not yet applied to troves",
		}),

		ActivePoolDbt: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_active_pool_debt",
			Help: "Debt held by active troves",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_replay_events_total",
			Help: "Events replayed on startup",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// SetBool sets a gauge to 1 or 0.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
