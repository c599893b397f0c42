package runtime

import (
	"math"
	"runtime"
	"runtime/metrics"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerInfo describes a handler registered on the service router.
type HandlerInfo struct {
	Name         string        `json:"name"`
	ConsumeQueue string        `json:"consume_queue"`
	Stats        *HandlerStats `json:"stats"`
}

// HandlerStats aggregates the outcome of every message a handler finished,
// after retries.
type HandlerStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`

	latency    *latencyWindow
	throughput *throughputWindow
	sampler    *resourceTracker
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failures by pipeline error kind.
type ErrorBreakdown struct {
	ByKind    map[string]uint64 `json:"by_kind"`
	LastError string            `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

func newHandlerStats(sampler *resourceTracker) *HandlerStats {
	return &HandlerStats{
		Errors:     ErrorBreakdown{ByKind: make(map[string]uint64)},
		latency:    newLatencyWindow(latencySampleSize),
		throughput: &throughputWindow{horizon: throughputWindowSize},
		sampler:    sampler,
	}
}

func (h *HandlerStats) start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.InFlight++
	h.MaxInFlight = max(h.MaxInFlight, h.InFlight)
}

func (h *HandlerStats) finish(duration time.Duration, err error) {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.InFlight > 0 {
		h.InFlight--
	}
	h.MessagesProcessed++
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = now.UTC()

	h.latency.add(duration)
	h.Latency = h.latency.snapshot()
	h.Latency.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)

	h.Throughput = h.throughput.add(now)

	if err != nil {
		h.MessagesFailed++
		h.Errors.ByKind[errspkg.KindLabel(err)]++
		h.Errors.LastError = err.Error()
	}

	if h.sampler != nil {
		h.Resource = h.sampler.snapshot()
	}
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type plain HandlerStats
	return jsoncodec.Marshal((*plain)(h))
}

// StatsMiddleware feeds the per-handler statistics exposed by Handlers.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "handler_stats",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.statsMiddleware, nil
		},
	}
}

func (s *Service) statsMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		stats := s.handlerStats(message.HandlerNameFromCtx(msg.Context()))
		if stats == nil {
			return h(msg)
		}

		started := time.Now()
		stats.start()
		msgs, err := h(msg)
		stats.finish(time.Since(started), err)
		return msgs, err
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last, SampleSize: lw.filled}
	if lw.filled == 0 {
		return m
	}

	sorted := make([]int64, 0, lw.filled)
	if lw.filled < len(lw.samples) {
		sorted = append(sorted, lw.samples[:lw.filled]...)
	} else {
		sorted = append(sorted, lw.samples...)
	}
	slices.Sort(sorted)

	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

func (tw *throughputWindow) add(now time.Time) ThroughputMetrics {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	drop := 0
	for drop < len(tw.samples) && tw.samples[drop].Before(cutoff) {
		drop++
	}
	tw.samples = slices.Delete(tw.samples, 0, drop)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return ThroughputMetrics{
		CurrentRPS:       float64(len(tw.samples)) / span.Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: uint64(len(tw.samples)),
	}
}

// resourceTracker samples coarse process CPU and memory usage.
type resourceTracker struct {
	mu             sync.Mutex
	cpu            []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{cpu: []metrics.Sample{{Name: "/sched/cpu:seconds"}}}
}

func (r *resourceTracker) snapshot() ResourceUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.cpu)
	now := time.Now()

	var usage ResourceUsage
	if r.cpu[0].Value.Kind() == metrics.KindFloat64 {
		seconds := r.cpu[0].Value.Float64()
		if !r.lastSample.IsZero() {
			wall := now.Sub(r.lastSample).Seconds()
			if wall > 0 {
				usage.CPUPercent = (seconds - r.lastCPUSeconds) / wall / float64(runtime.NumCPU()) * 100
			}
		}
		r.lastCPUSeconds = seconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	usage.Goroutines = runtime.NumGoroutine()
	return usage
}
