package recorder

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

func fakeJPEG(n byte) []byte {
	return []byte{0xFF, 0xD8, n, 0xFF, 0xD9}
}

func TestRecordFrames(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	r := NewRecorder(dir, m)
	r.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC) }

	path, err := r.Start("")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if want := filepath.Join(dir, "overlay_20240301_123000.mjpeg"); path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	if m.RecordingActive.Load() != 1 {
		t.Fatalf("recording gauge not set")
	}

	for i := byte(0); i < 3; i++ {
		r.Publish(types.OverlayFrame{Data: fakeJPEG(i)})
	}
	r.Publish(types.OverlayFrame{}) // empty frames are ignored

	if _, err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(append(fakeJPEG(0), fakeJPEG(1)...), fakeJPEG(2)...)
	if !bytes.Equal(data, want) {
		t.Fatalf("file contents = %x, want %x", data, want)
	}

	st := r.GetStatus()
	if st.Recording || st.FrameCount != 3 || st.BytesWritten != uint64(len(want)) {
		t.Fatalf("unexpected status %+v", st)
	}
	if m.RecordingActive.Load() != 0 || m.RecordingFrames.Load() != 3 {
		t.Fatalf("metrics not updated: active=%d frames=%d", m.RecordingActive.Load(), m.RecordingFrames.Load())
	}
}

func TestStartTwice(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)
	if _, err := r.Start("a"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()
	if _, err := r.Start("b"); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start = %v, want ErrAlreadyRecording", err)
	}
}

func TestStopWhenIdle(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)
	if _, err := r.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop = %v, want ErrNotRecording", err)
	}
}

func TestFilenameIsConfinedToBasePath(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil)
	path, err := r.Start("../../etc/evil")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()
	if filepath.Dir(path) != dir || filepath.Base(path) != "evil.mjpeg" {
		t.Fatalf("path escaped base dir: %q", path)
	}
}

func TestPublishWhileIdleIsDropped(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)
	r.Publish(types.OverlayFrame{Data: fakeJPEG(1)})
	if st := r.GetStatus(); st.FrameCount != 0 {
		t.Fatalf("frame written while idle: %+v", st)
	}
}

func TestRestartResetsCounters(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)
	if _, err := r.Start("first"); err != nil {
		t.Fatal(err)
	}
	r.Publish(types.OverlayFrame{Data: fakeJPEG(1)})
	if _, err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start("second"); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if st := r.GetStatus(); st.FrameCount != 0 || st.BytesWritten != 0 {
		t.Fatalf("counters not reset: %+v", st)
	}
}
