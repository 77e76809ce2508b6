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
	// Live stream counters
	UpdatesReceived   atomic.Uint64
	UnknownEvents     atomic.Uint64
	MalformedEvents   atomic.Uint64
	ReconnectAttempts atomic.Uint64
	ConnState         atomic.Uint64 // types.ConnState value

	// Overlay counters
	FramesDrawn       atomic.Uint64
	BoxesDrawn        atomic.Uint64
	DetectionsSkipped atomic.Uint64
	LoopTicks         atomic.Uint64
	DrawLatencyUs     atomic.Uint64 // Last draw duration in microseconds

	// Fan-out tracking
	SSEClients    atomic.Int64
	MJPEGClients  atomic.Int64
	FramesSent    atomic.Uint64
	FramesDropped atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

type gauge struct {
	name string
	help string
	load func() float64
}

func u64(v *atomic.Uint64) func() float64 { return func() float64 { return float64(v.Load()) } }
func i64(v *atomic.Int64) func() float64  { return func() float64 { return float64(v.Load()) } }

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []gauge{
		{"overlay_live_updates_received_total", "processing_update events applied", u64(&m.UpdatesReceived)},
		{"overlay_live_unknown_events_total", "Events with an unrecognised type", u64(&m.UnknownEvents)},
		{"overlay_live_malformed_events_total", "Frames that could not be decoded", u64(&m.MalformedEvents)},
		{"overlay_live_reconnect_attempts_total", "Reconnect attempts scheduled", u64(&m.ReconnectAttempts)},
		{"overlay_live_connection_state", "Connection state (0=connecting 1=open 2=closed-retrying 3=closed-final 4=error)", u64(&m.ConnState)},
		{"overlay_frames_drawn_total", "Overlay frames rasterised", u64(&m.FramesDrawn)},
		{"overlay_boxes_drawn_total", "Bounding boxes drawn", u64(&m.BoxesDrawn)},
		{"overlay_detections_skipped_total", "Detections dropped at decode (unknown type or no box)", u64(&m.DetectionsSkipped)},
		{"overlay_loop_ticks_total", "Redraw loop ticks", u64(&m.LoopTicks)},
		{"overlay_draw_latency_us", "Last draw duration in microseconds", u64(&m.DrawLatencyUs)},
		{"overlay_sse_clients", "Connected status SSE clients", i64(&m.SSEClients)},
		{"overlay_mjpeg_clients", "Connected MJPEG clients", i64(&m.MJPEGClients)},
		{"overlay_frames_sent_total", "Overlay frames delivered to subscribers", u64(&m.FramesSent)},
		{"overlay_frames_dropped_total", "Overlay frames dropped on full subscriber buffers", u64(&m.FramesDropped)},
		{"overlay_recording_active", "Recording active (0=inactive, 1=active)", u64(&m.RecordingActive)},
		{"overlay_recording_bytes", "Total bytes written to recording", u64(&m.RecordingBytes)},
		{"overlay_recording_frames", "Total frames written to recording", u64(&m.RecordingFrames)},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.load,
		))
	}
}

// ObserveDraw records how long one overlay draw took.
func (m *Metrics) ObserveDraw(d time.Duration) {
	m.DrawLatencyUs.Store(uint64(d.Microseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
