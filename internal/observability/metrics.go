package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the challenge engine.
type Metrics struct {
	// --- Trade processing ---
	TradesProcessed   *prometheus.CounterVec
	TradeDuration     prometheus.Histogram
	ChallengesCreated prometheus.Counter

	// --- Concurrency ---
	LockWait         prometheus.Histogram
	LockTimeouts     prometheus.Counter
	VersionConflicts prometheus.Counter

	// --- Audit log ---
	AuditEventsAppended *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	ReplayRequests      prometheus.Counter
	ChainVerifyFailures prometheus.Counter

	// --- Ingestion ---
	SubmissionsReceived    *prometheus.CounterVec
	SubmissionRedeliveries prometheus.Counter

	// --- Publishing ---
	EventsPublished prometheus.Counter
	PublishFailures prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Channel occupancy ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	durationBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		TradesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chal_trades_processed_total",
			Help: "Trade submissions processed, by business outcome",
		}, []string{"outcome"}),

		TradeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chal_trade_duration_seconds",
			Help:    "End-to-end time for one trade step, lock wait included",
			Buckets: durationBuckets,
		}),

		ChallengesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chal_challenges_created_total",
			Help: "Challenges created",
		}),

		LockWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chal_lock_wait_seconds",
			Help:    "Time spent waiting for the per-challenge lock",
			Buckets: durationBuckets,
		}),

		LockTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chal_lock_timeouts_total",
			Help: "Lock acquisitions that timed out",
		}),

		VersionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chal_version_conflicts_total",
			Help: "Optimistic version check failures on commit",
		}),

		AuditEventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chal_audit_events_appended_total",
			Help: "Audit events appended, by kind",
		}, []string{"kind"}),

		StatusTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chal_status_transitions_total",
			Help: "Challenge lifecycle transitions",
		}, []string{"from", "to"}),

		ReplayRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chal_replay_requests_total",
			Help: "Full audit replays requested",
		}),

		ChainVerifyFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chal_chain_verify_failures_total",
			Help: "Audit chain verifications that found a broken link",
		}),

		SubmissionsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chal_submissions_received_total",
			Help: "Trade submissions received from the stream, by disposition",
		}, []string{"disposition"}),

		SubmissionRedeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chal_submission_redeliveries_total",
			Help: "Submissions negatively acknowledged for redelivery",
		}),

		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chal_events_published_total",
			Help: "Audit events published to the outbound stream",
		}),

		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chal_publish_failures_total",
			Help: "Outbound publish attempts that failed (best-effort, non-fatal)",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chal_publish_drops_total",
			Help: "Events dropped due to a full publish channel",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chal_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chal_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),
	}
}

// SetChannelMetrics updates channel occupancy gauges.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
