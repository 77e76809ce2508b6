// Package livemonitor follows a server-side processing job over a websocket
// stream: progress, cumulative counts and live detection batches, with
// bounded exponential backoff on unexpected disconnects.
package livemonitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/stats"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

var (
	// ErrRetriesExhausted ends a session whose reconnect budget ran out.
	ErrRetriesExhausted = errors.New("connection lost: reconnect attempts exhausted")
	// ErrProcessingFailed wraps a server-reported processing_error.
	ErrProcessingFailed = errors.New("processing failed")
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5

	// RefreshMessage is shown once the reconnect budget is spent.
	RefreshMessage = "Connection lost. Please refresh the page to try again."
)

// Drawer paints one live detection batch.
type Drawer interface {
	DrawLive(batch []types.Detection, hud string) []overlay.Box
}

// Config wires a Monitor to its collaborators.
type Config struct {
	ID          string // Optional; a fresh uuid when empty
	URL         string
	BaseDelay   time.Duration
	MaxAttempts int
	Dialer      Dialer
	Clock       Clock
	Drawer      Drawer           // Optional
	Sink        Sink             // Optional
	Metrics     *metrics.Metrics // Optional
}

// Result is the terminal outcome of a session.
type Result struct {
	SessionID  string          `json:"session_id"`
	State      types.ConnState `json:"state"`
	ResultsURL string          `json:"results_url,omitempty"`
	Message    string          `json:"message,omitempty"`
	Progress   int             `json:"progress"`
	Counts     stats.Counts    `json:"counts"`
	Rates      stats.Rates     `json:"rates"`
	ServerFPS  *float64        `json:"server_fps,omitempty"`
}

type event interface{}

type (
	evOpened struct {
		gen  uint64
		conn Conn
	}
	evDialFailed struct {
		gen uint64
		err error
	}
	evMessage struct {
		gen  uint64
		data []byte
	}
	evClosed struct {
		gen uint64
		err error
	}
	evRetry struct {
		gen uint64
	}
)

// Monitor is the stream state machine. All state is owned by the goroutine
// running Run; collaborators feed it through a single ordered inbox.
type Monitor struct {
	cfg    Config
	id     string
	log    logger.Component
	inbox  chan event
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	state    types.ConnState
	gen      uint64
	attempts int
	conn     Conn
	timer    Timer

	agg       *stats.Aggregator
	rates     *stats.RateTracker
	progress  int
	serverFPS *float64

	done   bool
	result Result
	err    error
}

// New validates cfg and returns a monitor ready to Run.
func New(cfg Config) (*Monitor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	switch {
	case cfg.MaxAttempts == 0:
		cfg.MaxAttempts = DefaultMaxAttempts
	case cfg.MaxAttempts < 0:
		cfg.MaxAttempts = 0 // never reconnect
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.Sink == nil {
		cfg.Sink = NewLogSink()
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Monitor{
		cfg:   cfg,
		id:    id,
		log:   logger.For("LiveMonitor"),
		inbox: make(chan event, 64),
		quit:  make(chan struct{}),
		agg:   stats.NewAggregator(),
		rates: stats.NewRateTracker(cfg.Clock.Now),
	}, nil
}

// SessionID identifies this monitoring session in logs and status output.
func (m *Monitor) SessionID() string { return m.id }

// Run connects and processes events until the session reaches a terminal
// state or ctx is cancelled. Cancellation abandons any pending reconnect
// timer and closes the live connection before Run returns.
func (m *Monitor) Run(ctx context.Context) (Result, error) {
	m.start(ctx)
	defer m.teardown()

	for !m.done {
		select {
		case <-ctx.Done():
			m.log.Info("Session %s cancelled", m.id)
			return m.snapshot(), ctx.Err()
		case ev := <-m.inbox:
			m.handle(ev)
		}
	}
	return m.result, m.err
}

func (m *Monitor) start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.log.Info("Session %s following %s", m.id, m.cfg.URL)
	m.connect()
}

func (m *Monitor) teardown() {
	close(m.quit)
	m.cancel()
	m.stopTimer()
	m.closeConn()
}

// post delivers an event unless the session has ended.
func (m *Monitor) post(ev event) {
	select {
	case m.inbox <- ev:
	case <-m.quit:
	}
}

func (m *Monitor) setState(s types.ConnState) {
	m.state = s
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ConnState.Store(uint64(s))
	}
	m.cfg.Sink.State(s)
}

func (m *Monitor) connect() {
	m.gen++
	gen := m.gen
	m.setState(types.StateConnecting)

	ctx := m.ctx
	go func() {
		conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
		if err != nil {
			m.post(evDialFailed{gen: gen, err: err})
			return
		}
		select {
		case m.inbox <- evOpened{gen: gen, conn: conn}:
		case <-m.quit:
			conn.Close()
		}
	}()
}

func (m *Monitor) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.post(evClosed{gen: gen, err: err})
			return
		}
		m.post(evMessage{gen: gen, data: data})
	}
}

// handle applies one event to completion.
func (m *Monitor) handle(ev event) {
	switch ev := ev.(type) {
	case evOpened:
		if m.done || ev.gen != m.gen {
			ev.conn.Close()
			return
		}
		m.conn = ev.conn
		m.attempts = 0
		m.setState(types.StateOpen)
		m.cfg.Sink.Log("Connected to processing server")
		go m.readLoop(ev.gen, ev.conn)

	case evDialFailed:
		if m.done || ev.gen != m.gen {
			return
		}
		m.log.Warn("Dial failed: %v", ev.err)
		m.onUnexpectedClose()

	case evClosed:
		if m.done || ev.gen != m.gen {
			return
		}
		m.log.Debug("Connection closed: %v", ev.err)
		m.conn = nil
		m.onUnexpectedClose()

	case evRetry:
		if m.done || ev.gen != m.gen || m.state != types.StateClosedRetrying {
			return
		}
		m.timer = nil
		m.connect()

	case evMessage:
		if m.done || ev.gen != m.gen {
			return
		}
		m.handleMessage(ev.data)
	}
}

func (m *Monitor) onUnexpectedClose() {
	m.cfg.Sink.Log("Disconnected from processing server")

	if m.attempts >= m.cfg.MaxAttempts {
		m.finish(types.StateError, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, m.attempts), RefreshMessage)
		return
	}

	delay := m.cfg.BaseDelay * time.Duration(1<<m.attempts)
	m.attempts++
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ReconnectAttempts.Add(1)
	}
	m.setState(types.StateClosedRetrying)
	m.cfg.Sink.Log(fmt.Sprintf("Attempting to reconnect in %s seconds...", formatSeconds(delay)))

	gen := m.gen
	m.timer = m.cfg.Clock.AfterFunc(delay, func() { m.post(evRetry{gen: gen}) })
}

func (m *Monitor) handleMessage(data []byte) {
	kind, err := peekType(data)
	if err != nil {
		m.log.Warn("Ignoring frame: %v", err)
		m.count(func(mt *metrics.Metrics) { mt.MalformedEvents.Add(1) })
		return
	}

	switch kind {
	case TypeUpdate:
		u, err := decodeUpdate(data)
		if err != nil {
			m.log.Warn("Ignoring %s: %v", kind, err)
			m.count(func(mt *metrics.Metrics) { mt.MalformedEvents.Add(1) })
			return
		}
		m.applyUpdate(u)

	case TypeComplete:
		url := decodeComplete(data)
		m.cfg.Sink.Log("Processing completed successfully")
		m.result.ResultsURL = url
		m.finish(types.StateClosedFinal, nil, "")
		m.cfg.Sink.Complete(url)

	case TypeError:
		msg := decodeError(data)
		m.finish(types.StateError, fmt.Errorf("%w: %s", ErrProcessingFailed, msg), msg)

	default:
		m.log.Info("Unknown message type: %s", kind)
		m.count(func(mt *metrics.Metrics) { mt.UnknownEvents.Add(1) })
	}
}

// applyUpdate replaces the counters and draws the batch in one step, so the
// draw always sees the counters of the same message.
func (m *Monitor) applyUpdate(u Update) {
	m.count(func(mt *metrics.Metrics) { mt.UpdatesReceived.Add(1) })

	m.progress = u.Percent()
	m.serverFPS = u.ServerFPS
	m.cfg.Sink.Progress(m.progress)
	m.cfg.Sink.Log(fmt.Sprintf("Processing: %d%% complete", m.progress))

	if len(u.UnknownCounts) > 0 {
		m.log.Debug("Dropped counts for unknown types %v", u.UnknownCounts)
	}
	m.agg.Replace(u.Counts)
	counts := m.agg.Snapshot()
	rates := m.rates.Observe(counts.Total())
	m.cfg.Sink.Counts(counts, rates)

	if !u.HasDetections {
		return
	}
	if u.Skipped > 0 {
		m.log.Debug("Skipped %d detections with unknown type or no box", u.Skipped)
		m.count(func(mt *metrics.Metrics) { mt.DetectionsSkipped.Add(uint64(u.Skipped)) })
	}
	if m.cfg.Drawer != nil {
		hud := fmt.Sprintf("Progress %d%%  Vehicles %d", m.progress, counts.Total())
		m.cfg.Sink.Detections(m.cfg.Drawer.DrawLive(u.Detections, hud))
	}
}

// finish moves to a terminal state: the retry timer is abandoned, the
// connection closed, and no later event changes anything.
func (m *Monitor) finish(state types.ConnState, err error, message string) {
	m.done = true
	m.stopTimer()
	m.closeConn()
	m.setState(state)
	if message != "" {
		m.cfg.Sink.Log("Error: " + message)
		m.cfg.Sink.Error(message)
	}
	m.err = err
	url := m.result.ResultsURL
	m.result = m.snapshot()
	m.result.ResultsURL = url
	m.result.Message = message
	m.log.Info("Session %s finished: %s", m.id, state)
}

func (m *Monitor) snapshot() Result {
	return Result{
		SessionID:  m.id,
		State:      m.state,
		ResultsURL: m.result.ResultsURL,
		Progress:   m.progress,
		Counts:     m.agg.Snapshot(),
		Rates:      m.rates.Rates(),
		ServerFPS:  m.serverFPS,
	}
}

func (m *Monitor) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) closeConn() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Monitor) count(f func(*metrics.Metrics)) {
	if m.cfg.Metrics != nil {
		f(m.cfg.Metrics)
	}
}

func percent(fraction float64) int {
	return int(math.Round(fraction * 100))
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%g", d.Seconds())
}
