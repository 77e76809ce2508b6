// Package playback replays a finished analysis: a simulated video clock, the
// overlay redraw loop and the current-frame statistics that follow it.
package playback

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/stats"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

// FramePublisher receives every encoded overlay frame.
type FramePublisher interface {
	Publish(frame types.OverlayFrame)
}

// Options configures a Session.
type Options struct {
	Detections         []types.Detection
	Duration           float64 // Seconds; 0 derives it from the last detection
	NativeWidth        int
	NativeHeight       int
	Renderer           *overlay.Renderer
	FPS                int
	TimeUpdateInterval time.Duration
	Publisher          FramePublisher   // Optional
	Metrics            *metrics.Metrics // Optional
	Now                func() time.Time
}

// Status is a point-in-time view of the session.
type Status struct {
	Position   float64           `json:"position"`
	Duration   float64           `json:"duration"`
	Playing    bool              `json:"playing"`
	Ended      bool              `json:"ended"`
	Rate       float64           `json:"rate"`
	TimeLabel  string            `json:"time_label"`
	FrameStats []stats.FrameStat `json:"frame_stats"`
	Totals     stats.Counts      `json:"totals"`
	Boxes      []overlay.Box     `json:"boxes"`
	Detections int               `json:"detections"`
}

// Session owns the clock, the redraw loop and the time-update loop. Close
// stops both loops; no draw happens after Close returns.
type Session struct {
	clock     *Clock
	renderer  *overlay.Renderer
	dets      []types.Detection
	totals    stats.Counts
	publisher FramePublisher
	metrics   *metrics.Metrics
	log       logger.Component

	drawLoop *overlay.Loop
	timeLoop *overlay.Loop

	mu         sync.Mutex
	ctx        context.Context
	lastPos    float64
	frameStats []stats.FrameStat
	timeLabel  string
	listeners  map[int]chan Status
	nextID     int
	closed     bool
}

// NewSession sorts a copy of the detections and prepares a paused session.
func NewSession(opts Options) (*Session, error) {
	if opts.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.TimeUpdateInterval <= 0 {
		opts.TimeUpdateInterval = 250 * time.Millisecond
	}

	dets := make([]types.Detection, len(opts.Detections))
	copy(dets, opts.Detections)
	overlay.SortByTime(dets)

	duration := opts.Duration
	if duration <= 0 && len(dets) > 0 {
		duration = dets[len(dets)-1].Timestamp
	}

	opts.Renderer.SetNativeSize(opts.NativeWidth, opts.NativeHeight)
	s := &Session{
		clock:     NewClock(duration, opts.NativeWidth, opts.NativeHeight, opts.Now),
		renderer:  opts.Renderer,
		dets:      dets,
		totals:    stats.Tally(dets),
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		log:       logger.For("Playback"),
		lastPos:   math.NaN(),
		listeners: make(map[int]chan Status),
	}
	s.drawLoop = overlay.NewLoop(time.Second/time.Duration(opts.FPS), s.drawTick)
	s.timeLoop = overlay.NewLoop(opts.TimeUpdateInterval, s.timeTick)
	s.refresh()
	return s, nil
}

// Start begins the redraw and time-update loops. They stop when ctx is
// cancelled or Close is called.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ctx = ctx
	s.timeLoop.Start(ctx)
	s.drawLoop.Start(ctx)
	s.log.Info("Session started: %d detections, duration %s", len(s.dets), formatTime(s.clock.Duration()))
}

// Close stops both loops and disconnects listeners. Loops are only started
// while holding s.mu with closed unset, so none can start after this.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.drawLoop.Stop()
	s.timeLoop.Stop()

	s.mu.Lock()
	for id, ch := range s.listeners {
		close(ch)
		delete(s.listeners, id)
	}
	s.mu.Unlock()
	s.log.Info("Session closed")
}

// Clock exposes the playback surface.
func (s *Session) Clock() *Clock { return s.clock }

// Play resumes playback, restarting the redraw loop if it stopped at the end.
func (s *Session) Play() {
	s.clock.Play()
	s.mu.Lock()
	if s.ctx != nil && !s.closed {
		s.drawLoop.Start(s.ctx)
	}
	s.mu.Unlock()
	s.refresh()
}

func (s *Session) Pause() {
	s.clock.Pause()
	s.refresh()
}

func (s *Session) Seek(t float64) {
	s.clock.Seek(t)
	s.refresh()
	s.redrawIfIdle()
}

func (s *Session) SetRate(rate float64) {
	s.clock.SetRate(rate)
}

// Resize resyncs the overlay to a new display size. A stopped session is
// redrawn at once so the canvas never sits blank with stale boxes.
func (s *Session) Resize(width, height int) {
	s.renderer.Resize(width, height)
	s.redrawIfIdle()
}

// DrawLoopRunning reports whether the redraw task is scheduled.
func (s *Session) DrawLoopRunning() bool { return s.drawLoop.Running() }

func (s *Session) drawTick(time.Time) {
	pos := s.clock.Position()
	s.renderer.DrawPlayback(s.dets, pos, s.hud(pos))
	if s.metrics != nil {
		s.metrics.LoopTicks.Add(1)
	}
	if s.publisher == nil {
		return
	}
	frame, err := s.renderer.Frame()
	if err != nil {
		s.log.Debug("Skipping frame: %v", err)
		return
	}
	s.publisher.Publish(frame)
}

// redrawIfIdle draws one frame when the redraw loop is not running, for
// example after playback ended. Holding s.mu keeps it ordered before Close.
func (s *Session) redrawIfIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.drawLoop.Running() {
		return
	}
	s.drawTick(time.Now())
}

func (s *Session) hud(pos float64) string {
	return fmt.Sprintf("%s  vehicles %d", formatTime(pos), len(overlay.Select(s.dets, pos)))
}

// timeTick plays the role of the video's position-changed notification.
func (s *Session) timeTick(time.Time) {
	s.refresh()
	if s.clock.Ended() && s.drawLoop.Running() {
		s.drawLoop.Stop()
		// One last frame at the final position.
		s.drawTick(time.Now())
		s.log.Info("Playback ended; redraw loop stopped")
	}
}

// refresh recomputes the time label and current-frame stats when the
// position changed, and notifies listeners.
func (s *Session) refresh() {
	pos := s.clock.Position()
	s.mu.Lock()
	if pos == s.lastPos {
		s.mu.Unlock()
		return
	}
	s.lastPos = pos
	s.frameStats = stats.FrameStats(overlay.Select(s.dets, pos))
	s.timeLabel = formatTime(pos) + " / " + formatTime(s.clock.Duration())
	s.mu.Unlock()

	st := s.Status()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- st:
		default:
		}
	}
}

// Status returns the current session view.
func (s *Session) Status() Status {
	s.mu.Lock()
	frameStats := append([]stats.FrameStat(nil), s.frameStats...)
	label := s.timeLabel
	s.mu.Unlock()

	return Status{
		Position:   s.clock.Position(),
		Duration:   s.clock.Duration(),
		Playing:    s.clock.Playing(),
		Ended:      s.clock.Ended(),
		Rate:       s.clock.Rate(),
		TimeLabel:  label,
		FrameStats: frameStats,
		Totals:     s.totals.Clone(),
		Boxes:      s.renderer.Boxes(),
		Detections: len(s.dets),
	}
}

// Subscribe returns a channel of status updates, sent whenever the position
// changes. Slow listeners miss updates.
func (s *Session) Subscribe() (int, <-chan Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Status, 2)
	if s.closed {
		close(ch)
		return id, ch
	}
	s.listeners[id] = ch
	return id, ch
}

func (s *Session) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.listeners[id]; ok {
		close(ch)
		delete(s.listeners, id)
	}
}

// Detections returns the time-sorted detection list.
func (s *Session) Detections() []types.Detection {
	return s.dets
}

// formatTime renders seconds as m:ss.
func formatTime(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		seconds = 0
	}
	total := int(math.Floor(seconds))
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
