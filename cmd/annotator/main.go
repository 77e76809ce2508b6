// Command annotator replays stored detections over a simulated video clock
// and serves the overlay, playback controls and results charts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/config"
	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/playback"
	"github.com/traffic-vision/overlay-monitor/internal/recorder"
	"github.com/traffic-vision/overlay-monitor/internal/store"
	"github.com/traffic-vision/overlay-monitor/internal/summary"
	"github.com/traffic-vision/overlay-monitor/internal/webmonitor"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

func main() {
	cfg, err := config.Parse("annotator", os.Args[1:], (*config.Config).PlaybackFlags)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, os.Stderr, cfg.Log.Color)
	logger.Info("Main", "Annotator starting...")
	logger.Info("Main", "Log level: %s", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	dets, title, err := loadDetections(ctx, cfg, m)
	if err != nil {
		log.Fatalf("Failed to load detections: %v", err)
	}
	logger.Info("Main", "Loaded %d detections (%s)", len(dets), title)

	renderer := overlay.NewRenderer(overlay.Options{
		DisplayWidth:  cfg.Overlay.DisplayWidth,
		DisplayHeight: cfg.Overlay.DisplayHeight,
		NativeWidth:   cfg.Overlay.NativeWidth,
		NativeHeight:  cfg.Overlay.NativeHeight,
		JPEGQuality:   cfg.Overlay.JPEGQuality,
		Metrics:       m,
	})
	rec := recorder.NewRecorder(cfg.Recording.OutputDir, m)
	frames := webmonitor.NewFrameBroadcaster(m, rec)

	session, err := playback.NewSession(playback.Options{
		Detections:         dets,
		Duration:           cfg.Playback.Duration.Seconds(),
		NativeWidth:        cfg.Overlay.NativeWidth,
		NativeHeight:       cfg.Overlay.NativeHeight,
		Renderer:           renderer,
		FPS:                cfg.Overlay.FPS,
		TimeUpdateInterval: cfg.Playback.TimeUpdateInterval,
		Publisher:          frames,
		Metrics:            m,
	})
	if err != nil {
		log.Fatalf("Failed to create playback session: %v", err)
	}
	session.SetRate(cfg.Playback.Rate)
	if cfg.Playback.Autoplay {
		session.Play()
	}

	results := summary.Build(session.Detections())
	monitor := webmonitor.NewPlaybackMonitor(session, rec, m)
	srv, err := webmonitor.NewServer(webmonitor.Options{
		Config: webmonitor.Config{
			Addr:           cfg.HTTP.Addr,
			Title:          "Traffic Annotator · " + title,
			StatusInterval: cfg.HTTP.StatusInterval,
			DisplayWidth:   cfg.Overlay.DisplayWidth,
			DisplayHeight:  cfg.Overlay.DisplayHeight,
		},
		Monitor:  monitor,
		Frames:   frames,
		Renderer: renderer,
		Recorder: rec,
		Metrics:  m,
		Results: func(context.Context) (summary.Summary, error) {
			return results, nil
		},
	})
	if err != nil {
		log.Fatalf("Failed to create web monitor: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: srv.Handler(),
	}

	var wg sync.WaitGroup
	session.Start(ctx)
	srv.Start()
	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.FollowPlayback(ctx)
	}()
	go func() {
		defer wg.Done()
		logger.Info("Main", "Annotator listening on %s", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Main", "Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Streaming handlers only return once their channels close.
	srv.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}
	session.Close()
	if err := rec.Close(); err != nil {
		logger.Warn("Main", "Recorder close: %v", err)
	}
	wg.Wait()
	logger.Info("Main", "Annotator stopped")
}

// loadDetections reads the detection list from the JSON file when one is
// configured, otherwise from the store by analysis id. The returned title
// names the source.
func loadDetections(ctx context.Context, cfg config.Config, m *metrics.Metrics) ([]types.Detection, string, error) {
	if path := cfg.Playback.DetectionsPath; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", err
		}
		dets, skipped, err := types.DecodeDetections(data)
		if err != nil {
			return nil, "", fmt.Errorf("decode %s: %w", path, err)
		}
		if skipped > 0 {
			logger.Warn("Main", "Skipped %d detections with unknown type", skipped)
			m.DetectionsSkipped.Add(uint64(skipped))
		}
		return dets, path, nil
	}

	id := cfg.Playback.AnalysisID
	if id == "" {
		return nil, "", errors.New("either -detections or -analysis is required")
	}
	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, "", err
	}
	defer st.Close()

	a, err := st.Analysis(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if a.Status != store.StatusCompleted {
		logger.Warn("Main", "Analysis %s is %s (%.0f%%); showing what is stored", id, a.Status, a.Progress)
	}
	dets, err := st.Detections(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return dets, a.VideoName, nil
}
