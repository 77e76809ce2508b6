package livemonitor

import (
	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/stats"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

// Sink receives the user-visible effects of the stream. Calls are made from
// the monitor's event loop, one at a time, in event order.
type Sink interface {
	State(state types.ConnState)
	Progress(percent int)
	Counts(counts stats.Counts, rates stats.Rates)
	Detections(boxes []overlay.Box)
	Log(message string)
	// Error adds a visible error message. Earlier log lines and progress
	// stay visible.
	Error(message string)
	// Complete is called at most once per session.
	Complete(resultsURL string)
}

// LogSink writes every effect to the process logger.
type LogSink struct {
	log logger.Component
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.For("LiveMonitor")}
}

func (s *LogSink) State(state types.ConnState) { s.log.Debug("State: %s", state) }

func (s *LogSink) Progress(percent int) {}

func (s *LogSink) Counts(counts stats.Counts, rates stats.Rates) {
	s.log.Debug("Counts: total=%d fps=%d rate=%d%%", counts.Total(), rates.FPS, rates.DetectionRate)
}

func (s *LogSink) Detections(boxes []overlay.Box) {
	s.log.Debug("Drew %d boxes", len(boxes))
}

func (s *LogSink) Log(message string) { s.log.Info("%s", message) }

func (s *LogSink) Error(message string) { s.log.Error("%s", message) }

func (s *LogSink) Complete(resultsURL string) {
	s.log.Info("Results available at %s", resultsURL)
}

// Tee fans every call out to each sink in order.
type Tee []Sink

func (t Tee) State(state types.ConnState) {
	for _, s := range t {
		s.State(state)
	}
}

func (t Tee) Progress(percent int) {
	for _, s := range t {
		s.Progress(percent)
	}
}

func (t Tee) Counts(counts stats.Counts, rates stats.Rates) {
	for _, s := range t {
		s.Counts(counts.Clone(), rates)
	}
}

func (t Tee) Detections(boxes []overlay.Box) {
	for _, s := range t {
		s.Detections(boxes)
	}
}

func (t Tee) Log(message string) {
	for _, s := range t {
		s.Log(message)
	}
}

func (t Tee) Error(message string) {
	for _, s := range t {
		s.Error(message)
	}
}

func (t Tee) Complete(resultsURL string) {
	for _, s := range t {
		s.Complete(resultsURL)
	}
}
