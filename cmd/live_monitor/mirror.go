package main

import (
	"context"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/stats"
	"github.com/traffic-vision/overlay-monitor/internal/store"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

const mirrorTimeout = 5 * time.Second

// analysisStore is the slice of the store the mirror writes to.
type analysisStore interface {
	UpdateProgress(ctx context.Context, id string, progress float64) error
	SetStatus(ctx context.Context, id string, status store.Status, errMsg string) error
	InsertDetections(ctx context.Context, analysisID string, recs []store.Record) error
}

// mirrorSink copies a live session into a local analysis so it can be
// replayed by the annotator afterwards. Each drawn batch becomes one frame
// stamped with the seconds elapsed since the mirror started.
type mirrorSink struct {
	st      analysisStore
	id      string
	now     func() time.Time
	started time.Time
	frame   int
	log     logger.Component
}

func newMirrorSink(st analysisStore, analysisID string, now func() time.Time) *mirrorSink {
	if now == nil {
		now = time.Now
	}
	return &mirrorSink{
		st:      st,
		id:      analysisID,
		now:     now,
		started: now(),
		log:     logger.For("Mirror"),
	}
}

func (s *mirrorSink) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), mirrorTimeout)
}

func (s *mirrorSink) State(types.ConnState) {}

func (s *mirrorSink) Counts(stats.Counts, stats.Rates) {}

func (s *mirrorSink) Log(string) {}

func (s *mirrorSink) Progress(percent int) {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.st.UpdateProgress(ctx, s.id, float64(percent)); err != nil {
		s.log.Warn("Progress not stored: %v", err)
	}
}

func (s *mirrorSink) Detections(boxes []overlay.Box) {
	s.frame++
	if len(boxes) == 0 {
		return
	}
	ts := s.now().Sub(s.started).Seconds()
	recs := make([]store.Record, len(boxes))
	for i, b := range boxes {
		d := b.Detection
		d.Timestamp = ts
		recs[i] = store.Record{FrameNumber: s.frame, Detection: d}
	}

	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.st.InsertDetections(ctx, s.id, recs); err != nil {
		s.log.Warn("Batch %d not stored: %v", s.frame, err)
	}
}

func (s *mirrorSink) Error(message string) {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.st.SetStatus(ctx, s.id, store.StatusFailed, message); err != nil {
		s.log.Warn("Status not stored: %v", err)
	}
}

func (s *mirrorSink) Complete(string) {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.st.SetStatus(ctx, s.id, store.StatusCompleted, ""); err != nil {
		s.log.Warn("Status not stored: %v", err)
	}
}
