package webmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/recorder"
	"github.com/traffic-vision/overlay-monitor/internal/stats"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

// maxLogLines bounds the activity log kept for the status payload.
const maxLogLines = 50

// Monitor collects what the status endpoints report. In live mode it is the
// livemonitor sink; in playback mode it follows the playback session.
type Monitor struct {
	mode     Mode
	playback PlaybackController
	recorder *recorder.Recorder
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	live    LiveStatus
	version uint64
	changed chan struct{}
}

// NewLiveMonitor returns a Monitor for a live session.
func NewLiveMonitor(sessionID string, rec *recorder.Recorder, m *metrics.Metrics) *Monitor {
	mon := newMonitor(ModeLive, rec, m)
	mon.live = LiveStatus{
		SessionID: sessionID,
		Counts:    stats.Counts{},
		Log:       []string{},
		Errors:    []string{},
	}
	return mon
}

// NewPlaybackMonitor returns a Monitor reporting the playback session.
func NewPlaybackMonitor(pc PlaybackController, rec *recorder.Recorder, m *metrics.Metrics) *Monitor {
	mon := newMonitor(ModePlayback, rec, m)
	mon.playback = pc
	return mon
}

func newMonitor(mode Mode, rec *recorder.Recorder, m *metrics.Metrics) *Monitor {
	return &Monitor{
		mode:     mode,
		recorder: rec,
		metrics:  m,
		now:      time.Now,
		changed:  make(chan struct{}, 1),
	}
}

// Mode reports whether the monitor is live or playback.
func (m *Monitor) Mode() Mode { return m.mode }

// Playback returns the playback controller, or nil in live mode.
func (m *Monitor) Playback() PlaybackController { return m.playback }

// Changed is signalled (coalesced) whenever the status moves.
func (m *Monitor) Changed() <-chan struct{} { return m.changed }

// Snapshot returns the current status.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	st := Status{
		Mode:      m.mode,
		Version:   m.version,
		Timestamp: float64(m.now().UnixMilli()) / 1000,
	}
	if m.mode == ModeLive {
		live := m.live
		live.Counts = m.live.Counts.Clone()
		live.Log = append([]string(nil), m.live.Log...)
		live.Errors = append([]string(nil), m.live.Errors...)
		st.Live = &live
	}
	m.mu.Unlock()

	if m.playback != nil {
		ps := m.playback.Status()
		st.Playback = &ps
	}
	if m.recorder != nil {
		rs := m.recorder.GetStatus()
		st.Recording = &rs
	}
	if m.metrics != nil {
		st.Clients = ClientStats{
			MJPEG: m.metrics.MJPEGClients.Load(),
			SSE:   m.metrics.SSEClients.Load(),
		}
	}
	return st
}

// FollowPlayback bumps the version on every playback position update until
// ctx is done.
func (m *Monitor) FollowPlayback(ctx context.Context) {
	if m.playback == nil {
		return
	}
	id, ch := m.playback.Subscribe()
	defer m.playback.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			m.update(func(*LiveStatus) {})
		}
	}
}

func (m *Monitor) update(f func(*LiveStatus)) {
	m.mu.Lock()
	f(&m.live)
	m.version++
	m.mu.Unlock()

	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// livemonitor sink

func (m *Monitor) State(state types.ConnState) {
	m.update(func(l *LiveStatus) { l.State = state })
}

func (m *Monitor) Progress(percent int) {
	m.update(func(l *LiveStatus) { l.Progress = percent })
}

func (m *Monitor) Counts(counts stats.Counts, rates stats.Rates) {
	m.update(func(l *LiveStatus) {
		l.Counts = counts.Clone()
		l.Total = counts.Total()
		l.Rates = rates
	})
}

func (m *Monitor) Detections(boxes []overlay.Box) {
	m.update(func(l *LiveStatus) { l.Boxes = len(boxes) })
}

func (m *Monitor) Log(message string) {
	m.update(func(l *LiveStatus) {
		l.Log = append(l.Log, message)
		if len(l.Log) > maxLogLines {
			l.Log = l.Log[len(l.Log)-maxLogLines:]
		}
	})
}

func (m *Monitor) Error(message string) {
	m.update(func(l *LiveStatus) { l.Errors = append(l.Errors, message) })
}

func (m *Monitor) Complete(resultsURL string) {
	m.update(func(l *LiveStatus) { l.ResultsURL = resultsURL })
}
