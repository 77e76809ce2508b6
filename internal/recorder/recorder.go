package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// frameBuffer holds two seconds of overlay frames at 30 fps.
const frameBuffer = 60

// Recorder writes overlay JPEG frames back to back into an .mjpeg file
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	dropped      uint64
	startTime    time.Time
	frameChan    chan types.OverlayFrame
	stopChan     chan struct{}
	wg           sync.WaitGroup
	writeErr     error

	metrics *metrics.Metrics
	log     logger.Component
	now     func() time.Time
}

// NewRecorder creates a new recorder writing into basePath
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	return &Recorder{
		basePath: basePath,
		metrics:  m,
		log:      logger.For("Recorder"),
		now:      time.Now,
	}
}

// Start starts recording to a new file. An empty name gets a timestamped one.
func (r *Recorder) Start(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if name == "" {
		name = fmt.Sprintf("overlay_%s.mjpeg", r.now().Format("20060102_150405"))
	}
	name = filepath.Base(name)
	if !strings.HasSuffix(name, ".mjpeg") {
		name += ".mjpeg"
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(r.basePath, name)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = path
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.dropped = 0
	r.writeErr = nil
	r.startTime = r.now()
	r.frameChan = make(chan types.OverlayFrame, frameBuffer)
	r.stopChan = make(chan struct{})
	r.setGauges()

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	r.log.Info("Recording started: %s", path)
	return path, nil
}

// Stop stops recording, flushing queued frames, and returns the file path.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.setGauges()

	path := r.filename
	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return path, fmt.Errorf("failed to sync file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return path, fmt.Errorf("failed to close file: %w", err)
		}
		r.file = nil
	}
	r.log.Info("Recording stopped: %s (%d frames, %d bytes, %d dropped)",
		path, r.frameCount, r.bytesWritten, r.dropped)
	if r.writeErr != nil {
		return path, fmt.Errorf("recording incomplete: %w", r.writeErr)
	}
	return path, nil
}

// Publish queues a frame for writing (non-blocking). Frames arriving while
// idle or with a full queue are dropped.
func (r *Recorder) Publish(frame types.OverlayFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording || len(frame.Data) == 0 {
		return
	}
	select {
	case r.frameChan <- frame:
	default:
		r.dropped++
	}
}

// writeFrames drains frames until stop is closed, then flushes what is queued.
func (r *Recorder) writeFrames(frames <-chan types.OverlayFrame, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-frames:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-frames:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(frame types.OverlayFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil || r.writeErr != nil {
		return
	}
	n, err := r.file.Write(frame.Data)
	r.bytesWritten += uint64(n)
	if err != nil {
		r.writeErr = err
		r.log.Error("Write failed after %d frames: %v", r.frameCount, err)
		return
	}
	r.frameCount++
	r.setGauges()
}

func (r *Recorder) setGauges() {
	if r.metrics == nil {
		return
	}
	var active uint64
	if r.recording {
		active = 1
	}
	r.metrics.RecordingActive.Store(active)
	r.metrics.RecordingBytes.Store(r.bytesWritten)
	r.metrics.RecordingFrames.Store(r.frameCount)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = r.now().Sub(r.startTime)
	}

	return RecordingStatus{
		Recording:     r.recording,
		Filename:      r.filename,
		FrameCount:    r.frameCount,
		BytesWritten:  r.bytesWritten,
		FramesDropped: r.dropped,
		DurationMs:    duration.Milliseconds(),
		StartTime:     r.startTime,
	}
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording     bool      `json:"recording"`
	Filename      string    `json:"filename,omitempty"`
	FrameCount    uint64    `json:"frame_count"`
	BytesWritten  uint64    `json:"bytes_written"`
	FramesDropped uint64    `json:"frames_dropped"`
	DurationMs    int64     `json:"duration_ms"`
	StartTime     time.Time `json:"start_time"`
}
