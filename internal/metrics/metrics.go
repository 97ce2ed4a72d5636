package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Stream acquisition
	FramesRead    atomic.Uint64
	ReadErrors    atomic.Uint64
	ConnectErrors atomic.Uint64
	Reconnects    atomic.Uint64
	StreamState   atomic.Uint64 // stream.State value

	// Pipeline
	FramesProcessed  atomic.Uint64
	FramesSkipped    atomic.Uint64 // NextFrame returned no frame
	InferenceErrors  atomic.Uint64
	TrackedObjects   atomic.Uint64
	ReferenceRegions atomic.Uint64

	// Latency tracking
	FrameLatencyMs     atomic.Uint64 // capture to processed
	InferenceLatencyMs atomic.Uint64
	ProcessLatencyMs   atomic.Uint64

	// Output fan-out
	FramesPublished atomic.Uint64
	FramesDropped   atomic.Uint64 // dropped for slow subscribers
	ActiveClients   atomic.Uint64
	TotalClients    atomic.Uint64

	crossings  *prometheus.CounterVec
	deviations *prometheus.CounterVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		crossings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonemon_zone_crossings_total",
			Help: "Outside to inside zone transitions by object class",
		}, []string{"class"}),
		deviations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonemon_region_deviations_total",
			Help: "Classified segmentation regions by severity band",
		}, []string{"severity"}),
	}

	m.registerPrometheusMetrics()

	return m
}

type gauge struct {
	name, help string
	value      *atomic.Uint64
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []gauge{
		{"zonemon_frames_read_total", "Total frames read from the stream source", &m.FramesRead},
		{"zonemon_read_errors_total", "Total frame read failures", &m.ReadErrors},
		{"zonemon_connect_errors_total", "Total failed attempts to open the stream source", &m.ConnectErrors},
		{"zonemon_reconnects_total", "Connections torn down after consecutive read failures", &m.Reconnects},
		{"zonemon_stream_state", "Stream state (0=disconnected, 1=connecting, 2=connected, 3=failed)", &m.StreamState},
		{"zonemon_frames_processed_total", "Total frames run through the pipeline", &m.FramesProcessed},
		{"zonemon_frames_skipped_total", "Pipeline iterations without a frame", &m.FramesSkipped},
		{"zonemon_inference_errors_total", "Detector calls that failed or timed out", &m.InferenceErrors},
		{"zonemon_tracked_objects", "Tracks currently retained by the zone tracker", &m.TrackedObjects},
		{"zonemon_reference_regions", "Loaded reference regions", &m.ReferenceRegions},
		{"zonemon_frame_latency_ms", "Latency from capture to processed frame in milliseconds", &m.FrameLatencyMs},
		{"zonemon_inference_latency_ms", "Last detector call latency in milliseconds", &m.InferenceLatencyMs},
		{"zonemon_process_latency_ms", "Last per-frame processing latency in milliseconds", &m.ProcessLatencyMs},
		{"zonemon_frames_published_total", "Result frames handed to subscribers", &m.FramesPublished},
		{"zonemon_frames_dropped_total", "Result frames dropped for slow subscribers", &m.FramesDropped},
		{"zonemon_active_clients", "Number of active stream subscribers", &m.ActiveClients},
		{"zonemon_total_clients", "Total stream subscribers seen", &m.TotalClients},
	}

	for _, g := range gauges {
		value := g.value
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(value.Load()) },
		))
	}

	m.registry.MustRegister(m.crossings, m.deviations)
}

// ObserveCrossing counts one zone entry for class.
func (m *Metrics) ObserveCrossing(class string) {
	m.crossings.WithLabelValues(class).Inc()
}

// ObserveDeviation counts one classified region for severity.
func (m *Metrics) ObserveDeviation(severity string) {
	m.deviations.WithLabelValues(severity).Inc()
}

// UpdateFrameLatency updates the capture-to-processed latency
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	if captureTime.IsZero() {
		return
	}
	m.FrameLatencyMs.Store(uint64(time.Since(captureTime).Milliseconds()))
}

// UpdateInferenceLatency stores the last detector call duration
func (m *Metrics) UpdateInferenceLatency(duration time.Duration) {
	m.InferenceLatencyMs.Store(uint64(duration.Milliseconds()))
}

// UpdateProcessLatency updates the per-frame processing latency
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyMs.Store(uint64(duration.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
