package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/charts"
	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/recorder"
	"github.com/traffic-vision/overlay-monitor/internal/summary"
)

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 4 << 10

// ResultsFunc produces the results summary on demand.
type ResultsFunc func(ctx context.Context) (summary.Summary, error)

// Options wires a Server to the rest of the process.
type Options struct {
	Config   Config
	Monitor  *Monitor
	Frames   *FrameBroadcaster
	Renderer *overlay.Renderer  // Optional; enables /api/overlay.png
	Recorder *recorder.Recorder // Optional
	Metrics  *metrics.Metrics   // Optional
	Results  ResultsFunc        // Optional
}

// Server serves the overlay monitor endpoints.
type Server struct {
	cfg      Config
	monitor  *Monitor
	frames   *FrameBroadcaster
	status   *StatusBroadcaster
	renderer *overlay.Renderer
	recorder *recorder.Recorder
	metrics  *metrics.Metrics
	results  ResultsFunc
	blank    []byte
}

// NewServer returns a configured monitor server. Call Start before serving
// and Stop on shutdown.
func NewServer(opts Options) (*Server, error) {
	if opts.Monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.Title == "" {
		cfg.Title = def.Title
	}
	frames := opts.Frames
	if frames == nil {
		frames = NewFrameBroadcaster(opts.Metrics)
	}
	blank, err := blankJPEG(cfg.DisplayWidth, cfg.DisplayHeight)
	if err != nil {
		return nil, fmt.Errorf("render blank frame: %w", err)
	}

	return &Server{
		cfg:      cfg,
		monitor:  opts.Monitor,
		frames:   frames,
		status:   NewStatusBroadcaster(opts.Monitor, cfg.StatusInterval, opts.Metrics),
		renderer: opts.Renderer,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		results:  opts.Results,
		blank:    blank,
	}, nil
}

// Start launches the status broadcaster.
func (s *Server) Start() {
	s.status.Start()
}

// Stop disconnects every streaming client.
func (s *Server) Stop() {
	s.status.Stop()
	s.frames.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/overlay.png", s.handleOverlayPNG)
	mux.HandleFunc("GET /api/results", s.handleResults)
	mux.HandleFunc("GET /charts", charts.Handler(s.cfg.Title, func() (summary.Summary, error) {
		return s.loadResults(context.Background())
	}))
	mux.HandleFunc("POST /api/playback/play", s.handlePlay)
	mux.HandleFunc("POST /api/playback/pause", s.handlePause)
	mux.HandleFunc("POST /api/playback/seek", s.handleSeek)
	mux.HandleFunc("POST /api/playback/rate", s.handleRate)
	mux.HandleFunc("POST /api/playback/resize", s.handleResize)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("GET /api/recording/status", s.handleRecordingStatus)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, renderIndex(s.cfg.Title))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	if s.metrics != nil {
		s.metrics.MJPEGClients.Add(1)
		defer s.metrics.MJPEGClients.Add(-1)
	}
	streamMJPEGFromChannel(r.Context(), w, frameCh, s.blank)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)
	streamStatusEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r))
}

func (s *Server) handleOverlayPNG(w http.ResponseWriter, r *http.Request) {
	if s.renderer == nil {
		writeError(w, "overlay renderer is not configured", http.StatusNotFound)
		return
	}
	data, err := s.renderer.PNG()
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) loadResults(ctx context.Context) (summary.Summary, error) {
	if s.results == nil {
		return summary.Summary{}, errors.New("results are not available")
	}
	return s.results(ctx)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	sum, err := s.loadResults(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, sum)
}

// playback returns the controller or answers 409 when not in playback mode.
func (s *Server) playback(w http.ResponseWriter) (PlaybackController, bool) {
	pc := s.monitor.Playback()
	if pc == nil {
		writeError(w, "playback is not active", http.StatusConflict)
		return nil, false
	}
	return pc, true
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	pc, ok := s.playback(w)
	if !ok {
		return
	}
	pc.Play()
	writeJSON(w, pc.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	pc, ok := s.playback(w)
	if !ok {
		return
	}
	pc.Pause()
	writeJSON(w, pc.Status())
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	pc, ok := s.playback(w)
	if !ok {
		return
	}
	var req struct {
		Position *float64 `json:"position"`
	}
	if err := decodeBody(r, &req); err != nil || req.Position == nil || !isFinite(*req.Position) {
		writeError(w, "position (seconds) is required", http.StatusBadRequest)
		return
	}
	pc.Seek(*req.Position)
	writeJSON(w, pc.Status())
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	pc, ok := s.playback(w)
	if !ok {
		return
	}
	var req struct {
		Rate float64 `json:"rate"`
	}
	if err := decodeBody(r, &req); err != nil || req.Rate <= 0 || !isFinite(req.Rate) {
		writeError(w, "rate must be a positive number", http.StatusBadRequest)
		return
	}
	pc.SetRate(req.Rate)
	writeJSON(w, pc.Status())
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	pc, ok := s.playback(w)
	if !ok {
		return
	}
	var req struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := decodeBody(r, &req); err != nil || req.Width <= 0 || req.Height <= 0 {
		writeError(w, "width and height must be positive", http.StatusBadRequest)
		return
	}
	pc.Resize(req.Width, req.Height)
	logger.Debug("WebMonitor", "Overlay resized to %dx%d", req.Width, req.Height)
	writeJSON(w, pc.Status())
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, "recording is not configured", http.StatusNotFound)
		return
	}
	var req struct {
		Filename string `json:"filename"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	filename, err := s.recorder.Start(req.Filename)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, "recording is not configured", http.StatusNotFound)
		return
	}
	filename, err := s.recorder.Stop()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			status = http.StatusBadRequest
		}
		writeError(w, err.Error(), status)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      s.recorder.GetStatus(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.GetStatus())
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSONWithStatus(w, map[string]any{"error": msg}, status)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
