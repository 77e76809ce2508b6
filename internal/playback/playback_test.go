package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

type manualTime struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualTime) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func TestClockAdvancesWithRate(t *testing.T) {
	mt := &manualTime{now: time.Unix(0, 0)}
	c := NewClock(10, 1920, 1080, mt.Now)

	require.Equal(t, 0.0, c.Position())
	c.Play()
	mt.advance(2 * time.Second)
	require.InDelta(t, 2.0, c.Position(), 1e-9)

	c.SetRate(2)
	mt.advance(time.Second)
	require.InDelta(t, 4.0, c.Position(), 1e-9)

	c.Pause()
	mt.advance(5 * time.Second)
	require.InDelta(t, 4.0, c.Position(), 1e-9)

	c.Seek(100)
	require.Equal(t, 10.0, c.Position())
	c.Seek(-3)
	require.Equal(t, 0.0, c.Position())

	c.SetRate(0)
	require.Equal(t, 2.0, c.Rate(), "non-positive rate ignored")
}

func TestClockEndsAtDuration(t *testing.T) {
	mt := &manualTime{now: time.Unix(0, 0)}
	c := NewClock(3, 640, 360, mt.Now)
	c.Play()
	mt.advance(5 * time.Second)

	require.Equal(t, 3.0, c.Position())
	require.True(t, c.Ended())
	require.False(t, c.Playing())

	c.Play()
	require.Equal(t, 0.0, c.Position(), "play at the end restarts")
}

func TestFormatTime(t *testing.T) {
	for in, want := range map[float64]string{
		0:    "0:00",
		9.99: "0:09",
		65.9: "1:05",
		3600: "60:00",
		-1:   "0:00",
	} {
		require.Equal(t, want, formatTime(in), "formatTime(%v)", in)
	}
}

func testDetections() []types.Detection {
	return []types.Detection{
		{Timestamp: 2.0, Type: types.Bus, X1: 10, Y1: 10, X2: 100, Y2: 100, Confidence: 0.6},
		{Timestamp: 1.0, Type: types.Car, X1: 10, Y1: 10, X2: 100, Y2: 100, Confidence: 0.9},
		{Timestamp: 1.05, Type: types.Car, X1: 200, Y1: 10, X2: 300, Y2: 100, Confidence: 0.8},
		{Timestamp: 1.02, Type: types.Truck, X1: 400, Y1: 10, X2: 500, Y2: 100, Confidence: 0.7},
	}
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Renderer == nil {
		opts.Renderer = overlay.NewRenderer(overlay.Options{DisplayWidth: 320, DisplayHeight: 180})
	}
	if opts.NativeWidth == 0 {
		opts.NativeWidth, opts.NativeHeight = 640, 360
	}
	s, err := NewSession(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSessionFrameStatsFollowSeek(t *testing.T) {
	mt := &manualTime{now: time.Unix(0, 0)}
	s := newTestSession(t, Options{Detections: testDetections(), Now: mt.Now})

	s.Seek(1.0)
	st := s.Status()
	require.Equal(t, "0:01 / 0:02", st.TimeLabel)
	require.Equal(t, 2.0, st.Duration, "duration derived from last detection")

	counts := map[types.VehicleType]int{}
	for _, fs := range st.FrameStats {
		counts[fs.Type] = fs.Count
	}
	require.Equal(t, 2, counts[types.Car])
	require.Equal(t, 1, counts[types.Truck])
	require.Equal(t, 0, counts[types.Bus])

	s.Seek(2.0)
	st = s.Status()
	require.Equal(t, "0:02 / 0:02", st.TimeLabel)
	for _, fs := range st.FrameStats {
		if fs.Type == types.Bus {
			require.Equal(t, 1, fs.Count)
			require.Equal(t, 100.0, fs.BarPercent)
		}
	}
	require.Equal(t, 2, st.Totals[types.Car])
}

func TestSessionSortsCopy(t *testing.T) {
	in := testDetections()
	s := newTestSession(t, Options{Detections: in})
	require.Equal(t, 2.0, in[0].Timestamp, "caller slice untouched")
	require.Equal(t, 1.0, s.Detections()[0].Timestamp)
}

type countingPublisher struct{ n atomic.Int64 }

func (p *countingPublisher) Publish(types.OverlayFrame) { p.n.Add(1) }

func TestSessionCloseStopsDrawing(t *testing.T) {
	pub := &countingPublisher{}
	s := newTestSession(t, Options{
		Detections:         testDetections(),
		Duration:           60,
		FPS:                200,
		TimeUpdateInterval: 5 * time.Millisecond,
		Publisher:          pub,
	})
	s.Start(context.Background())
	s.Play()

	require.Eventually(t, func() bool { return pub.n.Load() > 2 }, 2*time.Second, time.Millisecond)
	s.Close()
	require.False(t, s.DrawLoopRunning())

	after := pub.n.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, pub.n.Load(), "frame published after Close")
}

func TestSessionStopsLoopAtEnd(t *testing.T) {
	s := newTestSession(t, Options{
		Detections:         testDetections(),
		Duration:           0.05,
		FPS:                200,
		TimeUpdateInterval: 5 * time.Millisecond,
	})
	s.Start(context.Background())
	s.Play()

	require.Eventually(t, func() bool { return !s.DrawLoopRunning() }, 2*time.Second, time.Millisecond)
	require.True(t, s.Status().Ended)

	s.Play()
	require.True(t, s.DrawLoopRunning(), "play after the end restarts the loop")
}

func TestSessionSubscribe(t *testing.T) {
	s := newTestSession(t, Options{Detections: testDetections()})
	id, ch := s.Subscribe()
	s.Seek(1.0)

	select {
	case st := <-ch:
		require.Equal(t, 1.0, st.Position)
	case <-time.After(time.Second):
		t.Fatal("no status update after seek")
	}
	s.Unsubscribe(id)
	_, ok := <-ch
	require.False(t, ok)
}

func boxDetections(boxes []overlay.Box) []types.Detection {
	out := make([]types.Detection, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, b.Detection)
	}
	return out
}

func TestSessionRedrawsSeekAfterEnd(t *testing.T) {
	mt := &manualTime{now: time.Unix(0, 0)}
	dets := []types.Detection{
		{Timestamp: 0.2, Type: types.Car, X1: 10, Y1: 10, X2: 100, Y2: 100, Confidence: 0.9},
		{Timestamp: 0.5, Type: types.Truck, X1: 200, Y1: 10, X2: 300, Y2: 100, Confidence: 0.8},
	}
	pub := &countingPublisher{}
	s := newTestSession(t, Options{
		Detections:         dets,
		FPS:                200,
		TimeUpdateInterval: 5 * time.Millisecond,
		Publisher:          pub,
		Now:                mt.Now,
	})
	s.SetRate(4)
	s.Start(context.Background())
	s.Play()
	mt.advance(time.Second)

	require.Eventually(t, func() bool { return !s.DrawLoopRunning() }, 2*time.Second, time.Millisecond)
	require.Equal(t, []types.Detection{dets[1]}, boxDetections(s.Status().Boxes))

	s.Seek(0.2)
	st := s.Status()
	require.Equal(t, []types.Detection{dets[0]}, boxDetections(st.Boxes))
	require.ElementsMatch(t, overlay.Select(s.Detections(), 0.2), boxDetections(st.Boxes))
	require.False(t, s.DrawLoopRunning(), "seek redraws once without restarting the loop")

	before := st.Boxes[0].Rect
	s.Resize(160, 90)
	after := s.Status().Boxes
	require.Len(t, after, 1)
	require.InDelta(t, before.W/2, after[0].Rect.W, 0.01, "boxes follow the new display size")
}

func TestSessionNoDrawAfterClose(t *testing.T) {
	pub := &countingPublisher{}
	s := newTestSession(t, Options{Detections: testDetections(), Publisher: pub})
	s.Close()
	n := pub.n.Load()
	s.Seek(1.0)
	s.Resize(100, 50)
	s.Play()
	require.Equal(t, n, pub.n.Load())
	require.False(t, s.DrawLoopRunning())
}

func TestSessionPlayRacingClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		s, err := NewSession(Options{
			Detections:   testDetections(),
			Duration:     60,
			NativeWidth:  640,
			NativeHeight: 360,
			Renderer:     overlay.NewRenderer(overlay.Options{DisplayWidth: 32, DisplayHeight: 18}),
		})
		require.NoError(t, err)
		s.Start(context.Background())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Pause()
			s.Play()
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
		wg.Wait()
		require.False(t, s.DrawLoopRunning(), "redraw loop left running after Close (iteration %d)", i)
	}
}
