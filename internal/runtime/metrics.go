package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gpsflow"

// Outcome labels.
const (
	OutcomeAccepted    = "accepted"
	OutcomeRejected    = "rejected"
	OutcomePublished   = "published"
	OutcomeFailed      = "failed"
	OutcomeBreakerOpen = "breaker_open"
	OutcomePersisted   = "persisted"
	OutcomeInvalid     = "invalid"
	OutcomeMalformed   = "malformed"
	OutcomeTransient   = "transient"
)

// PipelineMetrics counts what happens to samples on their way through the
// pipeline. A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	ingest        *prometheus.CounterVec
	publish       *prometheus.CounterVec
	consume       *prometheus.CounterVec
	purgeRuns     *prometheus.CounterVec
	purgedRecords prometheus.Counter
	storeDuration *prometheus.HistogramVec
	breakerState  prometheus.Gauge
}

// NewPipelineMetrics creates the pipeline collectors and registers them on reg.
func NewPipelineMetrics(reg prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ingest",
			Name:      "requests_total",
			Help:      "Ingest requests by outcome.",
		}, []string{"outcome"}),
		publish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "producer",
			Name:      "publish_total",
			Help:      "Envelopes handed to the broker by outcome.",
		}, []string{"outcome"}),
		consume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Consumed messages by outcome.",
		}, []string{"outcome"}),
		purgeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Retention purge runs by result.",
		}, []string{"result"}),
		purgedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "retention",
			Name:      "purged_records_total",
			Help:      "Records removed by the retention purge.",
		}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of storage gateway calls made by the pipeline.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "producer",
			Name:      "breaker_state",
			Help:      "Publish circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.ingest, m.publish, m.consume, m.purgeRuns,
		m.purgedRecords, m.storeDuration, m.breakerState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PipelineMetrics) ingestOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ingest.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) publishOutcome(outcome string) {
	if m == nil {
		return
	}
	m.publish.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) consumeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.consume.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) purgeRun(deleted int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.purgeRuns.WithLabelValues("error").Inc()
		return
	}
	m.purgeRuns.WithLabelValues("ok").Inc()
	m.purgedRecords.Add(float64(deleted))
}

func (m *PipelineMetrics) observeStore(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *PipelineMetrics) setBreakerState(state float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(state)
}
