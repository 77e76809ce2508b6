package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/internal/overlay"
	"github.com/traffic-vision/overlay-monitor/internal/playback"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

// fanout delivers values to subscribers without ever blocking the sender.
// Slow subscribers miss values.
type fanout[T any] struct {
	name    string
	mu      sync.Mutex
	clients map[string]chan T
	closed  bool
}

func newFanout[T any](name string) *fanout[T] {
	return &fanout[T]{name: name, clients: make(map[string]chan T)}
}

// subscribe adds a client; the channel is closed on unsubscribe or close.
// prime, if given, is queued before any broadcast value.
func (f *fanout[T]) subscribe(prime ...T) (string, <-chan T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan T, 2) // Buffer 2 values to avoid blocking
	for _, v := range prime[:min(len(prime), cap(ch))] {
		ch <- v
	}
	if f.closed {
		close(ch)
		return id, ch
	}
	f.clients[id] = ch
	logger.Debug(f.name, "Client %s subscribed (total clients: %d)", id, len(f.clients))
	return id, ch
}

func (f *fanout[T]) unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.clients[id]; ok {
		close(ch)
		delete(f.clients, id)
		logger.Debug(f.name, "Client %s unsubscribed (remaining clients: %d)", id, len(f.clients))
	}
}

// send returns how many clients received v and how many were skipped.
func (f *fanout[T]) send(v T) (sent, dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.clients {
		select {
		case ch <- v:
			sent++
		default:
			dropped++
		}
	}
	return sent, dropped
}

func (f *fanout[T]) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.clients {
		close(ch)
		delete(f.clients, id)
	}
}

// FrameBroadcaster fans encoded overlay frames out to MJPEG clients and to
// any taps (the recorder). It implements playback.FramePublisher.
type FrameBroadcaster struct {
	clients *fanout[[]byte]
	taps    []playback.FramePublisher
	metrics *metrics.Metrics

	mu     sync.Mutex
	latest []byte
}

// NewFrameBroadcaster creates a broadcaster; taps receive every frame.
func NewFrameBroadcaster(m *metrics.Metrics, taps ...playback.FramePublisher) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients: newFanout[[]byte]("FrameBroadcaster"),
		taps:    taps,
		metrics: m,
	}
}

// Subscribe adds a client and primes it with the latest frame.
func (fb *FrameBroadcaster) Subscribe() (string, <-chan []byte) {
	if latest := fb.Latest(); latest != nil {
		return fb.clients.subscribe(latest)
	}
	return fb.clients.subscribe()
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id string) {
	fb.clients.unsubscribe(id)
}

// Publish implements playback.FramePublisher.
func (fb *FrameBroadcaster) Publish(frame types.OverlayFrame) {
	if len(frame.Data) == 0 {
		return
	}
	fb.mu.Lock()
	fb.latest = frame.Data
	fb.mu.Unlock()

	for _, t := range fb.taps {
		t.Publish(frame)
	}
	sent, dropped := fb.clients.send(frame.Data)
	if fb.metrics != nil {
		fb.metrics.FramesSent.Add(uint64(sent))
		fb.metrics.FramesDropped.Add(uint64(dropped))
	}
}

// Latest returns the most recent frame, or nil before the first one.
func (fb *FrameBroadcaster) Latest() []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.latest
}

// Stop disconnects every client.
func (fb *FrameBroadcaster) Stop() {
	fb.clients.close()
}

// LiveDrawer draws live batches and publishes each result as a frame.
type LiveDrawer struct {
	renderer *overlay.Renderer
	out      playback.FramePublisher
}

func NewLiveDrawer(r *overlay.Renderer, out playback.FramePublisher) *LiveDrawer {
	return &LiveDrawer{renderer: r, out: out}
}

// DrawLive implements livemonitor.Drawer.
func (d *LiveDrawer) DrawLive(batch []types.Detection, hud string) []overlay.Box {
	boxes := d.renderer.DrawLive(batch, hud)
	frame, err := d.renderer.Frame()
	if err != nil {
		logger.Warn("LiveDrawer", "Frame encode failed: %v", err)
		return boxes
	}
	d.out.Publish(frame)
	return boxes
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized google.protobuf.Struct, base64 encoded for SSE
}

// StatusBroadcaster pushes status events to SSE clients whenever the
// monitor changes, and at least once per interval.
type StatusBroadcaster struct {
	clients  *fanout[*SerializedEvent]
	monitor  *Monitor
	metrics  *metrics.Metrics
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// NewStatusBroadcaster creates a broadcaster for status events.
func NewStatusBroadcaster(monitor *Monitor, interval time.Duration, m *metrics.Metrics) *StatusBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().StatusInterval
	}
	return &StatusBroadcaster{
		clients:  newFanout[*SerializedEvent]("StatusBroadcaster"),
		monitor:  monitor,
		metrics:  m,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe adds a client and primes it with the current status.
func (sb *StatusBroadcaster) Subscribe() (string, <-chan *SerializedEvent) {
	if sb.metrics != nil {
		sb.metrics.SSEClients.Add(1)
	}
	if ev := sb.generateSerializedEvent(); ev != nil {
		return sb.clients.subscribe(ev)
	}
	return sb.clients.subscribe()
}

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id string) {
	sb.clients.unsubscribe(id)
	if sb.metrics != nil {
		sb.metrics.SSEClients.Add(-1)
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.started || sb.stopped {
		return
	}
	sb.started = true
	go sb.run()
}

// Stop halts the loop and disconnects every client.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	if sb.stopped {
		sb.mu.Unlock()
		return
	}
	sb.stopped = true
	started := sb.started
	close(sb.stop)
	sb.mu.Unlock()

	if started {
		<-sb.done
	}
	sb.clients.close()
}

func (sb *StatusBroadcaster) run() {
	defer close(sb.done)
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
		case <-sb.monitor.Changed():
		}

		if sb.clients.count() == 0 {
			continue
		}
		if event := sb.generateSerializedEvent(); event != nil {
			sb.clients.send(event)
		}
	}
}

func (sb *StatusBroadcaster) generateSerializedEvent() *SerializedEvent {
	jsonData, err := json.Marshal(sb.monitor.Snapshot())
	if err != nil {
		logger.Error("StatusBroadcaster", "JSON marshal error: %v", err)
		return nil
	}

	pbData, err := statusProto(jsonData)
	if err != nil {
		logger.Error("StatusBroadcaster", "Protobuf marshal error: %v", err)
		return nil
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}
}

// statusProto re-encodes a JSON status document as a binary
// google.protobuf.Struct.
func statusProto(jsonData []byte) ([]byte, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(jsonData, &st); err != nil {
		return nil, err
	}
	return proto.Marshal(&st)
}
