package webmonitor

import (
	"github.com/traffic-vision/overlay-monitor/internal/playback"
	"github.com/traffic-vision/overlay-monitor/internal/recorder"
	"github.com/traffic-vision/overlay-monitor/internal/stats"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

// Mode names what the server is showing.
type Mode string

const (
	ModeLive     Mode = "live"
	ModePlayback Mode = "playback"
)

// LiveStatus is the processing-page view of a live session.
type LiveStatus struct {
	SessionID  string          `json:"session_id"`
	State      types.ConnState `json:"state"`
	Progress   int             `json:"progress"`
	Counts     stats.Counts    `json:"counts"`
	Total      int             `json:"total"`
	Rates      stats.Rates     `json:"rates"`
	Boxes      int             `json:"boxes"`
	Log        []string        `json:"log"`
	Errors     []string        `json:"errors"`
	ResultsURL string          `json:"results_url,omitempty"`
}

// ClientStats counts connected stream consumers.
type ClientStats struct {
	MJPEG int64 `json:"mjpeg"`
	SSE   int64 `json:"sse"`
}

// Status is the payload of /api/status and of every status stream event.
type Status struct {
	Mode      Mode                      `json:"mode"`
	Version   uint64                    `json:"version"`
	Live      *LiveStatus               `json:"live,omitempty"`
	Playback  *playback.Status          `json:"playback,omitempty"`
	Recording *recorder.RecordingStatus `json:"recording,omitempty"`
	Clients   ClientStats               `json:"clients"`
	Timestamp float64                   `json:"timestamp"`
}

// PlaybackController is the playback surface the HTTP API drives.
type PlaybackController interface {
	Play()
	Pause()
	Seek(position float64)
	SetRate(rate float64)
	Resize(width, height int)
	Status() playback.Status
	Subscribe() (int, <-chan playback.Status)
	Unsubscribe(id int)
}
