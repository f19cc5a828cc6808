package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoreMetrics holds the core's Prometheus metrics in one struct, with
// fields named by subsystem (lock, commit, sub, replay, generation).
type CoreMetrics struct {
	LockAcquireSeconds   prometheus.Histogram
	LockWaiters          prometheus.Gauge
	LockInconsistent      prometheus.Counter
	CommitPhaseSeconds   *prometheus.HistogramVec
	CommitOutcomes       *prometheus.CounterVec
	SubAckLatencySeconds prometheus.Histogram
	SubEventsDelivered   *prometheus.CounterVec
	ReplayAppended       prometheus.Counter
	ReplayReplayed       prometheus.Counter
	GenerationBumps      prometheus.Counter
}

// NewCoreMetrics registers every metric against reg (pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
func NewCoreMetrics(reg prometheus.Registerer) *CoreMetrics {
	factory := promauto.With(reg)
	return &CoreMetrics{
		LockAcquireSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "confcore",
			Subsystem: "locktable",
			Name:      "acquire_seconds",
			Help:      "Time spent waiting to acquire a module lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		LockWaiters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "confcore",
			Subsystem: "locktable",
			Name:      "waiters",
			Help:      "Current number of goroutines blocked waiting on a module lock.",
		}),
		LockInconsistent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "confcore",
			Subsystem: "locktable",
			Name:      "inconsistent_total",
			Help:      "Number of times a lock was found inconsistent after its owner's lease expired.",
		}),
		CommitPhaseSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "confcore",
			Subsystem: "commit",
			Name:      "phase_seconds",
			Help:      "Time spent in each commit phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		CommitOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confcore",
			Subsystem: "commit",
			Name:      "outcomes_total",
			Help:      "Commit outcomes by result code.",
		}, []string{"code"}),
		SubAckLatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "confcore",
			Subsystem: "subshm",
			Name:      "ack_latency_seconds",
			Help:      "Time between posting an event and the full membership acknowledging it.",
			Buckets:   prometheus.DefBuckets,
		}),
		SubEventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confcore",
			Subsystem: "subshm",
			Name:      "events_delivered_total",
			Help:      "Events delivered to subscribers by event type.",
		}, []string{"type"}),
		ReplayAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "confcore",
			Subsystem: "replay",
			Name:      "appended_total",
			Help:      "Notifications appended to the replay log.",
		}),
		ReplayReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "confcore",
			Subsystem: "replay",
			Name:      "replayed_total",
			Help:      "Notifications delivered from replay (not real-time).",
		}),
		GenerationBumps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "confcore",
			Subsystem: "shm",
			Name:      "generation_bumps_total",
			Help:      "Number of times the MAIN-SHM generation counter was bumped.",
		}),
	}
}
