// Command live_monitor follows a server-side processing job, drawing each
// live detection batch and serving the overlay and status over HTTP. It exits
// 0 after printing the results URL when processing completes, 1 otherwise.
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
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/traffic-vision/overlay-monitor/internal/config"
	"github.com/traffic-vision/overlay-monitor/internal/livemonitor"
	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/recorder"
	"github.com/traffic-vision/overlay-monitor/internal/store"
	"github.com/traffic-vision/overlay-monitor/internal/summary"
	"github.com/traffic-vision/overlay-monitor/internal/webmonitor"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	var mirror bool
	cfg, err := config.Parse("live_monitor", os.Args[1:], (*config.Config).LiveFlags,
		func(_ *config.Config, fs *flag.FlagSet) {
			fs.BoolVar(&mirror, "mirror", true, "Copy the session into the local database")
		})
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Printf("Invalid configuration: %v", err)
		return 1
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, os.Stderr, cfg.Log.Color)
	logger.Info("Main", "Live monitor starting...")
	logger.Info("Main", "Log level: %s", cfg.Log.Level)

	url, err := livemonitor.Endpoint(cfg.Live.PageURL, cfg.Live.AnalysisID)
	if err != nil {
		logger.Error("Main", "Invalid endpoint: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
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

	sessionID := uuid.NewString()
	status := webmonitor.NewLiveMonitor(sessionID, rec, m)
	sink := livemonitor.Tee{livemonitor.NewLogSink(), status}

	var results webmonitor.ResultsFunc
	if mirror {
		st, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			logger.Error("Main", "Failed to open store: %v", err)
			return 1
		}
		defer st.Close()
		a, err := st.CreateAnalysis(ctx, "live:"+cfg.Live.AnalysisID)
		if err != nil {
			logger.Error("Main", "Failed to create mirror analysis: %v", err)
			return 1
		}
		sink = append(sink, newMirrorSink(st, a.ID, nil))
		results = func(ctx context.Context) (summary.Summary, error) {
			dets, err := st.Detections(ctx, a.ID)
			if err != nil {
				return summary.Summary{}, err
			}
			return summary.Build(dets), nil
		}
		logger.Info("Main", "Mirroring session into analysis %s (%s)", a.ID, cfg.Store.Path)
		defer logger.Info("Main", "Replay with: annotator -db %s -analysis %s", cfg.Store.Path, a.ID)
	}

	lm, err := livemonitor.New(livemonitor.Config{
		ID:          sessionID,
		URL:         url,
		BaseDelay:   cfg.Live.BaseDelay,
		MaxAttempts: cfg.Live.MaxAttempts,
		Dialer:      livemonitor.WSDialer{HandshakeTimeout: cfg.Live.HandshakeTimeout},
		Drawer:      webmonitor.NewLiveDrawer(renderer, frames),
		Sink:        sink,
		Metrics:     m,
	})
	if err != nil {
		logger.Error("Main", "Failed to create live monitor: %v", err)
		return 1
	}

	srv, err := webmonitor.NewServer(webmonitor.Options{
		Config: webmonitor.Config{
			Addr:           cfg.HTTP.Addr,
			Title:          "Live Processing · " + cfg.Live.AnalysisID,
			StatusInterval: cfg.HTTP.StatusInterval,
			DisplayWidth:   cfg.Overlay.DisplayWidth,
			DisplayHeight:  cfg.Overlay.DisplayHeight,
		},
		Monitor:  status,
		Frames:   frames,
		Renderer: renderer,
		Recorder: rec,
		Metrics:  m,
		Results:  results,
	})
	if err != nil {
		logger.Error("Main", "Failed to create web monitor: %v", err)
		return 1
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: srv.Handler(),
	}
	srv.Start()
	go func() {
		logger.Info("Main", "Status page listening on %s", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Main", "HTTP shutdown: %v", err)
		}
		if err := rec.Close(); err != nil {
			logger.Warn("Main", "Recorder close: %v", err)
		}
	}()

	logger.Info("Main", "Session %s following %s", sessionID, url)
	res, err := lm.Run(ctx)
	switch {
	case err == nil && res.State == types.StateClosedFinal:
		fmt.Println(res.ResultsURL)
		logger.Info("Main", "Processing complete: %d vehicles", res.Counts.Total())
		return 0
	case errors.Is(err, context.Canceled):
		logger.Info("Main", "Interrupted at %d%%", res.Progress)
	case errors.Is(err, livemonitor.ErrRetriesExhausted):
		logger.Error("Main", "%s", livemonitor.RefreshMessage)
	default:
		logger.Error("Main", "Session ended: %v", err)
	}
	return 1
}
