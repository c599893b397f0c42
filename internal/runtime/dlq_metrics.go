package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead-lettered messages per source queue.
type DLQMetrics struct {
	mu sync.RWMutex

	queues map[string]*DLQQueueMetrics
	now    func() time.Time

	messagesTotal  *prometheus.CounterVec
	lastSeen       *prometheus.GaugeVec
	payloadBytes   *prometheus.HistogramVec
	ageSecondsHist *prometheus.HistogramVec
	deathCountHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQQueueMetrics holds the counters for one source queue.
type DLQQueueMetrics struct {
	MessagesReceived uint64            `json:"messages_received"`
	ByReason         map[string]uint64 `json:"by_reason"`
	FirstSeenAt      time.Time         `json:"first_seen_at"`
	LastSeenAt       time.Time         `json:"last_seen_at"`
	AvgDeathCount    float64           `json:"avg_death_count"`
	LastPayloadBytes int               `json:"last_payload_bytes"`
}

// DLQMetricsSnapshot is a point-in-time copy of DLQMetrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	Queues        map[string]*DLQQueueMetrics `json:"queues"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

func dlqOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: metricsNamespace,
		Subsystem: "dlq",
		Name:      name,
		Help:      help,
	}
}

func dlqHistogram(name, help string, buckets []float64) *prometheus.HistogramVec {
	o := dlqOpts(name, help)
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: o.Namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
		Buckets:   buckets,
	}, []string{"queue"})
}

// NewDLQMetrics creates a dead-letter metrics collector. Call Register to
// expose it.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		queues:        make(map[string]*DLQQueueMetrics),
		now:           time.Now,
		registerer:    registerer,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts(dlqOpts("messages_total", "Messages received on the dead-letter queue.")), []string{"queue", "reason"}),
		lastSeen:      prometheus.NewGaugeVec(prometheus.GaugeOpts(dlqOpts("last_seen_timestamp_seconds", "Unix time of the latest dead-lettered message.")), []string{"queue"}),
		payloadBytes:  dlqHistogram("payload_bytes", "Size of dead-lettered message bodies.", prometheus.ExponentialBuckets(64, 4, 8)),
		ageSecondsHist: dlqHistogram("message_age_seconds", "Time between publish and arrival on the dead-letter queue.",
			[]float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}),
		deathCountHist: dlqHistogram("death_count", "Deliveries recorded in the failure history.", []float64{1, 2, 3, 5, 10, 20}),
	}
}

// Register registers the collectors. Safe to call more than once.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range []prometheus.Collector{
		m.messagesTotal,
		m.lastSeen,
		m.payloadBytes,
		m.ageSecondsHist,
		m.deathCountHist,
	} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordDeadLetter records one message arriving on the dead-letter queue.
// A negative age means the publish time is unknown.
func (m *DLQMetrics) RecordDeadLetter(queue, reason string, deaths int64, payloadSize int, age time.Duration) {
	if m == nil {
		return
	}
	if queue == "" {
		queue = "unknown"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	q := m.queueLocked(queue)
	q.MessagesReceived++
	q.ByReason[reason]++
	if q.FirstSeenAt.IsZero() {
		q.FirstSeenAt = now
	}
	q.LastSeenAt = now
	q.LastPayloadBytes = payloadSize
	n := float64(q.MessagesReceived)
	q.AvgDeathCount = (q.AvgDeathCount*(n-1) + float64(deaths)) / n

	m.messagesTotal.WithLabelValues(queue, reason).Inc()
	m.lastSeen.WithLabelValues(queue).Set(float64(now.Unix()))
	m.payloadBytes.WithLabelValues(queue).Observe(float64(payloadSize))
	m.deathCountHist.WithLabelValues(queue).Observe(float64(deaths))
	if age >= 0 {
		m.ageSecondsHist.WithLabelValues(queue).Observe(age.Seconds())
	}
}

// GetSnapshot returns a copy of the per-queue counters.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		Queues:      make(map[string]*DLQQueueMetrics, len(m.queues)),
		CollectedAt: m.now(),
	}
	for name, q := range m.queues {
		snapshot.Queues[name] = q.clone()
		snapshot.TotalMessages += q.MessagesReceived
	}
	return snapshot
}

// GetQueueMetrics returns a copy of the counters for one queue, or nil.
func (m *DLQMetrics) GetQueueMetrics(queue string) *DLQQueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q, ok := m.queues[queue]; ok {
		return q.clone()
	}
	return nil
}

func (m *DLQMetrics) queueLocked(queue string) *DLQQueueMetrics {
	if q, ok := m.queues[queue]; ok {
		return q
	}
	q := &DLQQueueMetrics{ByReason: make(map[string]uint64)}
	m.queues[queue] = q
	return q
}

func (q *DLQQueueMetrics) clone() *DLQQueueMetrics {
	c := *q
	c.ByReason = make(map[string]uint64, len(q.ByReason))
	for k, v := range q.ByReason {
		c.ByReason[k] = v
	}
	return &c
}

// Reset clears all counters.
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string]*DLQQueueMetrics)
	m.messagesTotal.Reset()
	m.lastSeen.Reset()
	m.payloadBytes.Reset()
	m.ageSecondsHist.Reset()
	m.deathCountHist.Reset()
}
