// Package overlay rasterises detection boxes, labels and confidence rings
// onto a transparent canvas the size of the displayed video.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"sync"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/internal/metrics"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

var (
	white       = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	labelFill   = color.RGBA{A: 0xA0}
	hudFill     = color.RGBA{A: 0xC0}
	jpegBacking = color.RGBA{A: 0xFF}
)

// Options configures a Renderer.
type Options struct {
	DisplayWidth  int
	DisplayHeight int
	NativeWidth   int
	NativeHeight  int
	JPEGQuality   int
	Now           func() time.Time // Wall clock driving the corner pulse
	Metrics       *metrics.Metrics // Optional
}

// Renderer owns the overlay canvas. All methods are safe for concurrent use;
// each draw replaces the previous canvas contents.
type Renderer struct {
	mu       sync.Mutex
	displayW int
	displayH int
	nativeW  int
	nativeH  int
	canvas   *image.RGBA
	paint    painter
	face     font.Face
	quality  int
	now      func() time.Time
	metrics  *metrics.Metrics
	log      logger.Component

	boxes    []Box
	hud      string
	frameNum uint64
	drawnAt  time.Time
}

// NewRenderer creates a renderer with a cleared canvas.
func NewRenderer(opts Options) *Renderer {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 80
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Renderer{
		nativeW: opts.NativeWidth,
		nativeH: opts.NativeHeight,
		face:    basicfont.Face7x13,
		quality: opts.JPEGQuality,
		now:     opts.Now,
		metrics: opts.Metrics,
		log:     logger.For("Overlay"),
	}
	r.resizeLocked(opts.DisplayWidth, opts.DisplayHeight)
	return r
}

// Resize resyncs the canvas to the displayed video size. The next draw uses
// the new scale factors.
func (r *Renderer) Resize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if width == r.displayW && height == r.displayH {
		return
	}
	r.resizeLocked(width, height)
	r.log.Debug("Resized overlay to %dx%d", r.displayW, r.displayH)
}

func (r *Renderer) resizeLocked(width, height int) {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	r.displayW, r.displayH = width, height
	r.canvas = image.NewRGBA(image.Rect(0, 0, width, height))
	r.paint.dst = r.canvas
}

// SetNativeSize sets the source video resolution detections are expressed in.
func (r *Renderer) SetNativeSize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nativeW, r.nativeH = width, height
}

// Size returns the current canvas (display) size.
func (r *Renderer) Size() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.displayW, r.displayH
}

// Layout returns the geometry Draw would produce for dets at the current
// size, in paint order. It returns nil while the native size is unknown.
func (r *Renderer) Layout(dets []types.Detection) []Box {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := newScale(r.displayW, r.displayH, r.nativeW, r.nativeH)
	if !ok {
		return nil
	}
	return layout(dets, s, r.face)
}

// DrawPlayback draws the detections of a time-sorted list that are current
// at playback position t.
func (r *Renderer) DrawPlayback(sorted []types.Detection, t float64, hud string) []Box {
	return r.Draw(Select(sorted, t), hud)
}

// DrawLive draws one live batch. A new batch fully replaces the previous one.
func (r *Renderer) DrawLive(batch []types.Detection, hud string) []Box {
	return r.Draw(batch, hud)
}

// Draw clears the canvas and paints dets plus an optional HUD line.
func (r *Renderer) Draw(dets []types.Detection, hud string) []Box {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	clear(r.canvas.Pix)

	var boxes []Box
	if s, ok := newScale(r.displayW, r.displayH, r.nativeW, r.nativeH); ok {
		boxes = layout(dets, s, r.face)
		now := r.now()
		pulse := Pulse(float64(now.UnixNano()) / 1e9)
		for _, b := range boxes {
			r.drawBox(b, pulse)
		}
	}
	if hud != "" {
		r.paint.textWithBackground(r.face, 10, 10, hud, white, hudFill, 2)
	}

	r.boxes = boxes
	r.hud = hud
	r.frameNum++
	r.drawnAt = r.now()

	if r.metrics != nil {
		r.metrics.FramesDrawn.Add(1)
		r.metrics.BoxesDrawn.Add(uint64(len(boxes)))
		r.metrics.ObserveDraw(time.Since(start))
	}
	return boxes
}

func (r *Renderer) drawBox(b Box, pulse float64) {
	c := b.Detection.Type.Style().Color
	p := &r.paint

	p.strokeRect(b.Rect, outlineWidth, c)

	n := b.Rect.normalized()
	x0, y0, x1, y1 := n.X, n.Y, n.X+n.W, n.Y+n.H
	lw := 2 * pulse
	corners := [4][3]point{
		{{x0, y0 + cornerLength}, {x0, y0}, {x0 + cornerLength, y0}},
		{{x1 - cornerLength, y0}, {x1, y0}, {x1, y0 + cornerLength}},
		{{x1, y1 - cornerLength}, {x1, y1}, {x1 - cornerLength, y1}},
		{{x0 + cornerLength, y1}, {x0, y1}, {x0, y1 - cornerLength}},
	}
	for _, corner := range corners {
		p.polyline(corner[:], lw, c)
	}

	lr := b.LabelRect
	p.bubble(lr, labelRadius, 2, labelFill, c)
	if r.onCanvas(lr) {
		m := r.face.Metrics()
		baseline := lr.Y + lr.H/2 + float64((m.Ascent-m.Descent).Round())/2
		p.text(r.face, int(math.Round(lr.X+labelPadding)), int(math.Round(baseline)), b.text, white)
	}

	p.arc(b.RingX, b.RingY, ringRadius, -math.Pi/2, b.RingSweep, ringLineWidth, b.RingColor())
}

// onCanvas reports whether any part of rect is visible. Text positions are
// fixed-point and must stay in range.
func (r *Renderer) onCanvas(rect Rect) bool {
	if !finite(rect.X, rect.Y, rect.W, rect.H) {
		return false
	}
	return rect.X+rect.W > 0 && rect.Y+rect.H > 0 &&
		rect.X < float64(r.displayW) && rect.Y < float64(r.displayH)
}

// Boxes returns the geometry of the last draw.
func (r *Renderer) Boxes() []Box {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Box, len(r.boxes))
	copy(out, r.boxes)
	return out
}

// Image returns a copy of the canvas.
func (r *Renderer) Image() *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	img := image.NewRGBA(r.canvas.Bounds())
	copy(img.Pix, r.canvas.Pix)
	return img
}

// Frame encodes the canvas as JPEG over an opaque black backing.
func (r *Renderer) Frame() (types.OverlayFrame, error) {
	r.mu.Lock()
	bounds := r.canvas.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.NewUniform(jpegBacking), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, r.canvas, bounds.Min, draw.Over)
	frame := types.OverlayFrame{
		Timestamp: r.drawnAt,
		FrameNum:  r.frameNum,
		Width:     r.displayW,
		Height:    r.displayH,
		Boxes:     len(r.boxes),
	}
	quality := r.quality
	r.mu.Unlock()

	if bounds.Empty() {
		return frame, fmt.Errorf("overlay canvas is empty")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
		return frame, fmt.Errorf("encode overlay jpeg: %w", err)
	}
	frame.Data = buf.Bytes()
	return frame, nil
}

// PNG encodes the canvas with its transparency intact.
func (r *Renderer) PNG() ([]byte, error) {
	img := r.Image()
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("overlay canvas is empty")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode overlay png: %w", err)
	}
	return buf.Bytes(), nil
}
