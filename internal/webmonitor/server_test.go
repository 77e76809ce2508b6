package webmonitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/playback"
	"github.com/traffic-vision/overlay-monitor/internal/recorder"
	"github.com/traffic-vision/overlay-monitor/internal/stats"
	"github.com/traffic-vision/overlay-monitor/internal/summary"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

// --- fakes ---

type fakePlayback struct {
	mu     sync.Mutex
	calls  []string
	status playback.Status
	subs   map[int]chan playback.Status
	next   int
}

func newFakePlayback() *fakePlayback {
	return &fakePlayback{
		status: playback.Status{Duration: 120, Rate: 1, TimeLabel: "0:00 / 2:00"},
		subs:   make(map[int]chan playback.Status),
	}
}

func (f *fakePlayback) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePlayback) Play() {
	f.record("play")
	f.set(func(s *playback.Status) { s.Playing = true })
}

func (f *fakePlayback) Pause() {
	f.record("pause")
	f.set(func(s *playback.Status) { s.Playing = false })
}

func (f *fakePlayback) Seek(p float64) {
	f.record(fmt.Sprintf("seek %g", p))
	f.set(func(s *playback.Status) { s.Position = p })
}

func (f *fakePlayback) SetRate(r float64) {
	f.record(fmt.Sprintf("rate %g", r))
	f.set(func(s *playback.Status) { s.Rate = r })
}

func (f *fakePlayback) Resize(w, h int) { f.record(fmt.Sprintf("resize %dx%d", w, h)) }

func (f *fakePlayback) Status() playback.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakePlayback) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fakePlayback) Subscribe() (int, <-chan playback.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan playback.Status, 2)
	f.subs[id] = ch
	return id, ch
}

func (f *fakePlayback) set(apply func(*playback.Status)) {
	f.mu.Lock()
	apply(&f.status)
	st := f.status
	subs := make([]chan playback.Status, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (f *fakePlayback) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames []types.OverlayFrame
}

func (p *recordingPublisher) Publish(f types.OverlayFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// --- helpers ---

type harness struct {
	server  *Server
	monitor *Monitor
	frames  *FrameBroadcaster
	metrics *metrics.Metrics
	handler http.Handler
}

func newHarness(t *testing.T, mon *Monitor, opts Options) *harness {
	t.Helper()
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	if opts.Frames == nil {
		opts.Frames = NewFrameBroadcaster(m)
	}
	opts.Monitor = mon
	opts.Metrics = m
	opts.Config.StatusInterval = 20 * time.Millisecond
	opts.Config.DisplayWidth, opts.Config.DisplayHeight = 64, 36

	srv, err := NewServer(opts)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Stop)
	return &harness{server: srv, monitor: mon, frames: opts.Frames, metrics: m, handler: srv.Handler()}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m), "body: %s", body)
	return m
}

// --- tests ---

func TestIndex(t *testing.T) {
	h := newHarness(t, NewLiveMonitor("s1", nil, nil), Options{Config: Config{Title: "Junction <4>"}})

	rec := h.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	html := rec.Body.String()
	for _, needle := range []string{
		"<title>Junction &lt;4&gt;</title>",
		"/assets/monitor.css",
		"/assets/monitor.js",
		`src="/stream"`,
	} {
		assert.Contains(t, html, needle)
	}

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/nope", "").Code)
}

func TestEmbeddedAssets(t *testing.T) {
	h := newHarness(t, NewLiveMonitor("s1", nil, nil), Options{})

	rec := h.do(t, http.MethodGet, "/assets/monitor.css", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")
	assert.Contains(t, rec.Body.String(), ":root")

	rec = h.do(t, http.MethodGet, "/assets/monitor.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/status/stream")
}

func TestLiveStatus(t *testing.T) {
	mon := NewLiveMonitor("session-1", nil, nil)
	h := newHarness(t, mon, Options{})

	mon.State(types.StateOpen)
	mon.Progress(42)
	mon.Counts(stats.Counts{types.Car: 3, types.Bus: 1}, stats.Rates{FPS: 5, DetectionRate: 80, ProcessedFrames: 5})
	mon.Log("Connected to processing server")
	mon.Detections(make([]overlay.Box, 2))

	rec := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotNil(t, st.Live)
	assert.Equal(t, ModeLive, st.Mode)
	assert.Nil(t, st.Playback)
	assert.Equal(t, "session-1", st.Live.SessionID)
	assert.Equal(t, types.StateOpen, st.Live.State)
	assert.Equal(t, 42, st.Live.Progress)
	assert.Equal(t, 4, st.Live.Total)
	assert.Equal(t, 3, st.Live.Counts[types.Car])
	assert.Equal(t, 2, st.Live.Boxes)
	assert.Equal(t, []string{"Connected to processing server"}, st.Live.Log)
	assert.Equal(t, uint64(5), st.Version)

	raw := decodeMap(t, rec.Body.Bytes())
	live := raw["live"].(map[string]any)
	assert.Equal(t, "open", live["state"])
	assert.Equal(t, float64(3), live["counts"].(map[string]any)["car"])
}

func TestActivityLogIsBounded(t *testing.T) {
	mon := NewLiveMonitor("s", nil, nil)
	for i := 0; i < maxLogLines+10; i++ {
		mon.Log(fmt.Sprintf("line %d", i))
	}
	st := mon.Snapshot()
	require.Len(t, st.Live.Log, maxLogLines)
	assert.Equal(t, "line 10", st.Live.Log[0])
	assert.Equal(t, fmt.Sprintf("line %d", maxLogLines+9), st.Live.Log[maxLogLines-1])
}

func TestCompleteAndErrorAreReported(t *testing.T) {
	mon := NewLiveMonitor("s", nil, nil)
	mon.Error("Processing failed")
	mon.Complete("/analysis/results/7/")
	st := mon.Snapshot()
	assert.Equal(t, []string{"Processing failed"}, st.Live.Errors)
	assert.Equal(t, "/analysis/results/7/", st.Live.ResultsURL)
}

func TestPlaybackControlsRejectedInLiveMode(t *testing.T) {
	h := newHarness(t, NewLiveMonitor("s", nil, nil), Options{})
	for _, path := range []string{"/api/playback/play", "/api/playback/pause", "/api/playback/seek", "/api/playback/rate", "/api/playback/resize"} {
		rec := h.do(t, http.MethodPost, path, `{}`)
		assert.Equal(t, http.StatusConflict, rec.Code, path)
	}
}

func TestPlaybackControls(t *testing.T) {
	pc := newFakePlayback()
	h := newHarness(t, NewPlaybackMonitor(pc, nil, nil), Options{})

	rec := h.do(t, http.MethodPost, "/api/playback/play", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec.Body.Bytes())["playing"])

	rec = h.do(t, http.MethodPost, "/api/playback/seek", `{"position": 12.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12.5, decodeMap(t, rec.Body.Bytes())["position"])

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/playback/rate", `{"rate": 2}`).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/playback/resize", `{"width": 640, "height": 360}`).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/playback/pause", "").Code)

	assert.Equal(t, []string{"play", "seek 12.5", "rate 2", "resize 640x360", "pause"}, pc.Calls())

	rec = h.do(t, http.MethodGet, "/api/status", "")
	raw := decodeMap(t, rec.Body.Bytes())
	assert.Equal(t, "playback", raw["mode"])
	assert.Equal(t, float64(2), raw["playback"].(map[string]any)["rate"])
}

func TestPlaybackControlValidation(t *testing.T) {
	pc := newFakePlayback()
	h := newHarness(t, NewPlaybackMonitor(pc, nil, nil), Options{})

	tests := []struct {
		path string
		body string
	}{
		{"/api/playback/seek", `{}`},
		{"/api/playback/seek", `not json`},
		{"/api/playback/rate", `{"rate": 0}`},
		{"/api/playback/rate", `{"rate": -1}`},
		{"/api/playback/resize", `{"width": 0, "height": 10}`},
	}
	for _, tt := range tests {
		rec := h.do(t, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", tt.path, tt.body)
	}
	assert.Empty(t, pc.Calls())

	assert.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodGet, "/api/playback/play", "").Code)
}

func TestPlaybackWithRealSession(t *testing.T) {
	r := overlay.NewRenderer(overlay.Options{DisplayWidth: 64, DisplayHeight: 36, JPEGQuality: 70})
	sess, err := playback.NewSession(playback.Options{
		Detections: []types.Detection{
			{Timestamp: 1.0, Type: types.Car, Confidence: 0.9, X1: 10, Y1: 10, X2: 50, Y2: 50},
			{Timestamp: 3.0, Type: types.Bus, Confidence: 0.7, X1: 10, Y1: 10, X2: 50, Y2: 50},
		},
		NativeWidth:  128,
		NativeHeight: 72,
		Renderer:     r,
	})
	require.NoError(t, err)
	defer sess.Close()

	h := newHarness(t, NewPlaybackMonitor(sess, nil, nil), Options{})
	rec := h.do(t, http.MethodPost, "/api/playback/seek", `{"position": 1.05}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var st playback.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "0:01 / 0:03", st.TimeLabel)
	for _, row := range st.FrameStats {
		want := 0
		if row.Type == types.Car {
			want = 1
		}
		assert.Equal(t, want, row.Count, row.Type.String())
	}
}

func TestRecordingEndpoints(t *testing.T) {
	m := metrics.New()
	rec := recorder.NewRecorder(t.TempDir(), m)
	h := newHarness(t, NewLiveMonitor("s", rec, m), Options{Recorder: rec, Metrics: m, Frames: NewFrameBroadcaster(m, rec)})

	res := h.do(t, http.MethodPost, "/api/recording/stop", "")
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPost, "/api/recording/start", `{"filename":"junction"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.True(t, strings.HasSuffix(decodeMap(t, res.Body.Bytes())["file"].(string), "junction.mjpeg"))

	res = h.do(t, http.MethodPost, "/api/recording/start", "")
	assert.Equal(t, http.StatusBadRequest, res.Code)

	h.frames.Publish(types.OverlayFrame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}})

	res = h.do(t, http.MethodPost, "/api/recording/stop", "")
	require.Equal(t, http.StatusOK, res.Code)
	statsPayload := decodeMap(t, res.Body.Bytes())["stats"].(map[string]any)
	assert.Equal(t, float64(1), statsPayload["frame_count"])

	res = h.do(t, http.MethodGet, "/api/recording/status", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, false, decodeMap(t, res.Body.Bytes())["recording"])
}

func TestRecordingNotConfigured(t *testing.T) {
	h := newHarness(t, NewLiveMonitor("s", nil, nil), Options{})
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/recording/start", "").Code)
	res := h.do(t, http.MethodGet, "/api/recording/status", "")
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, false, decodeMap(t, res.Body.Bytes())["recording"])
}

func TestResultsAndCharts(t *testing.T) {
	sum := summary.Build([]types.Detection{
		{Timestamp: 1, Type: types.Car, Confidence: 0.9},
		{Timestamp: 2, Type: types.Truck, Confidence: 0.8},
	})
	h := newHarness(t, NewLiveMonitor("s", nil, nil), Options{
		Results: func(context.Context) (summary.Summary, error) { return sum, nil },
	})

	rec := h.do(t, http.MethodGet, "/api/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	raw := decodeMap(t, rec.Body.Bytes())
	assert.Equal(t, float64(2), raw["total"])
	assert.Equal(t, float64(50), raw["vehicle_composition"].(map[string]any)["car"])

	rec = h.do(t, http.MethodGet, "/charts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Vehicle Distribution")
}

func TestResultsUnavailable(t *testing.T) {
	h := newHarness(t, NewLiveMonitor("s", nil, nil), Options{})
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/api/results", "").Code)

	h = newHarness(t, NewLiveMonitor("s", nil, nil), Options{
		Results: func(context.Context) (summary.Summary, error) { return summary.Summary{}, errors.New("boom") },
	})
	rec := h.do(t, http.MethodGet, "/charts", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOverlayPNG(t *testing.T) {
	r := overlay.NewRenderer(overlay.Options{DisplayWidth: 32, DisplayHeight: 18, NativeWidth: 32, NativeHeight: 18})
	r.DrawLive([]types.Detection{{Type: types.Car, Confidence: 0.9, X1: 2, Y1: 2, X2: 20, Y2: 15}}, "")
	h := newHarness(t, NewLiveMonitor("s", nil, nil), Options{Renderer: r})

	rec := h.do(t, http.MethodGet, "/api/overlay.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, NewLiveMonitor("s", nil, nil), Options{})
	rec := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "overlay_sse_clients")
	assert.Contains(t, rec.Body.String(), "overlay_frames_sent_total")
}

// readSSEData returns the payload of the next "data:" line.
func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			return data
		}
	}
}

func TestStatusStreamJSON(t *testing.T) {
	mon := NewLiveMonitor("s", nil, nil)
	h := newHarness(t, mon, Options{})
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))

	r := bufio.NewReader(resp.Body)
	var first Status
	require.NoError(t, json.Unmarshal([]byte(readSSEData(t, r)), &first))
	assert.Equal(t, ModeLive, first.Mode)

	mon.Progress(77)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var st Status
		require.NoError(t, json.Unmarshal([]byte(readSSEData(t, r)), &st))
		if st.Live.Progress == 77 {
			assert.Equal(t, int64(1), h.metrics.SSEClients.Load())
			return
		}
	}
	t.Fatal("progress update never reached the stream")
}

func TestStatusStreamProtobuf(t *testing.T) {
	h := newHarness(t, NewLiveMonitor("s", nil, nil), Options{})
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	req.Header.Set("Accept", "application/protobuf")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

	data := readSSEData(t, bufio.NewReader(resp.Body))
	raw, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)

	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	assert.Equal(t, "live", st.GetFields()["mode"].GetStringValue())
	live := st.GetFields()["live"].GetStructValue()
	require.NotNil(t, live)
	assert.Equal(t, "s", live.GetFields()["session_id"].GetStringValue())
}

func TestMJPEGStream(t *testing.T) {
	h := newHarness(t, NewLiveMonitor("s", nil, nil), Options{})
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	go func() {
		// Headers go out with the first part, so publish once subscribed.
		for h.metrics.MJPEGClients.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		h.frames.Publish(types.OverlayFrame{Data: frame})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}
	got := make([]byte, len(frame))
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestFrameBroadcasterFanout(t *testing.T) {
	m := metrics.New()
	tap := &recordingPublisher{}
	fb := NewFrameBroadcaster(m, tap)

	id1, ch1 := fb.Subscribe()
	_, ch2 := fb.Subscribe()

	for i := byte(0); i < 4; i++ {
		fb.Publish(types.OverlayFrame{Data: []byte{i}})
	}
	fb.Publish(types.OverlayFrame{}) // ignored

	assert.Equal(t, 4, tap.count())
	assert.Equal(t, []byte{0}, <-ch1)
	assert.Equal(t, []byte{0}, <-ch2)
	// buffer of 2 per client: frames 2 and 3 were dropped for both
	assert.Equal(t, uint64(4), m.FramesSent.Load())
	assert.Equal(t, uint64(4), m.FramesDropped.Load())

	fb.Unsubscribe(id1)
	<-ch1
	_, open := <-ch1
	assert.False(t, open)

	// late subscribers are primed with the latest frame
	_, ch3 := fb.Subscribe()
	assert.Equal(t, []byte{3}, <-ch3)

	fb.Stop()
	_, ch4 := fb.Subscribe()
	<-ch4 // primed frame
	_, open = <-ch4
	assert.False(t, open)
}

func TestLiveDrawerPublishes(t *testing.T) {
	r := overlay.NewRenderer(overlay.Options{DisplayWidth: 64, DisplayHeight: 36, NativeWidth: 64, NativeHeight: 36})
	pub := &recordingPublisher{}
	d := NewLiveDrawer(r, pub)

	boxes := d.DrawLive([]types.Detection{{Type: types.Truck, Confidence: 0.7, X1: 5, Y1: 5, X2: 40, Y2: 30}}, "Progress 10%")
	require.Len(t, boxes, 1)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 1, pub.frames[0].Boxes)
	assert.True(t, bytes.HasPrefix(pub.frames[0].Data, []byte{0xFF, 0xD8}))
}

func TestFollowPlaybackBumpsVersion(t *testing.T) {
	pc := newFakePlayback()
	mon := NewPlaybackMonitor(pc, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.FollowPlayback(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		return len(pc.subs) == 1
	}, time.Second, 5*time.Millisecond)

	pc.Seek(5)
	select {
	case <-mon.Changed():
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	assert.Equal(t, uint64(1), mon.Snapshot().Version)

	cancel()
	<-done
}
