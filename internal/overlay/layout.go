package overlay

import (
	"fmt"
	"image/color"
	"math"
	"sort"

	"github.com/traffic-vision/overlay-monitor/pkg/types"
	"golang.org/x/image/font"
)

// Epsilon is the playback matching window in seconds: a detection is current
// iff |timestamp - t| < Epsilon.
const Epsilon = 0.1

const (
	outlineWidth  = 3.0
	cornerLength  = 20.0
	labelHeight   = 28.0
	labelGap      = 5.0
	labelPadding  = 10.0
	labelRadius   = 5.0
	ringSpace     = 14.0
	ringRadius    = 4.0
	ringInset     = 15.0
	ringLineWidth = 2.0
)

// Rect is a rectangle in display pixels. W and H keep their sign so
// malformed boxes stay visible to callers.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// normalized flips negative extents so drawing code can rely on W, H >= 0.
func (r Rect) normalized() Rect {
	if r.W < 0 {
		r.X, r.W = r.X+r.W, -r.W
	}
	if r.H < 0 {
		r.Y, r.H = r.Y+r.H, -r.H
	}
	return r
}

// Box is the display geometry of one detection.
type Box struct {
	Detection types.Detection `json:"detection"`
	Rect      Rect            `json:"rect"`
	Label     string          `json:"label"`
	LabelRect Rect            `json:"label_rect"`
	RingX     float64         `json:"ring_x"`
	RingY     float64         `json:"ring_y"`
	RingSweep float64         `json:"ring_sweep"`
	Tier      types.Tier      `json:"tier"`

	text string // label without the icon, as rasterised
}

// SortByTime orders detections by timestamp, the precondition of Select.
func SortByTime(dets []types.Detection) {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Timestamp < dets[j].Timestamp })
}

// Select returns the detections of a time-sorted list that are current at t.
// The result is exactly {d : |d.Timestamp - t| < Epsilon}.
func Select(sorted []types.Detection, t float64) []types.Detection {
	start := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].Timestamp-t > -Epsilon
	})
	var out []types.Detection
	for i := start; i < len(sorted) && sorted[i].Timestamp-t < Epsilon; i++ {
		if math.Abs(sorted[i].Timestamp-t) < Epsilon {
			out = append(out, sorted[i])
		}
	}
	return out
}

// scale maps native video pixels to display pixels.
type scale struct {
	x, y float64
}

func newScale(displayW, displayH, nativeW, nativeH int) (scale, bool) {
	if nativeW <= 0 || nativeH <= 0 || displayW <= 0 || displayH <= 0 {
		return scale{}, false
	}
	return scale{
		x: float64(displayW) / float64(nativeW),
		y: float64(displayH) / float64(nativeH),
	}, true
}

// layout computes box geometry in draw order: ascending confidence, so the
// most confident box is painted last.
func layout(dets []types.Detection, s scale, face font.Face) []Box {
	ordered := make([]types.Detection, len(dets))
	copy(ordered, dets)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Confidence < ordered[j].Confidence })

	boxes := make([]Box, 0, len(ordered))
	for _, d := range ordered {
		boxes = append(boxes, layoutOne(d, s, face))
	}
	return boxes
}

func layoutOne(d types.Detection, s scale, face font.Face) Box {
	r := Rect{
		X: d.X1 * s.x,
		Y: d.Y1 * s.y,
		W: d.Width() * s.x,
		H: d.Height() * s.y,
	}
	style := d.Type.Style()
	pct := int(math.Round(d.Confidence * 100))
	text := fmt.Sprintf("%s %d%%", d.Type, pct)

	labelW := float64(font.MeasureString(face, text).Round()) + 2*labelPadding + ringSpace
	lr := Rect{X: r.X, Y: r.Y - labelHeight - labelGap, W: labelW, H: labelHeight}
	if lr.Y < 0 {
		lr.Y = r.Y + r.H + labelGap
	}

	conf := math.Max(0, math.Min(1, d.Confidence))
	return Box{
		Detection: d,
		Rect:      r,
		Label:     style.Icon + " " + text,
		LabelRect: lr,
		RingX:     lr.X + lr.W - ringInset,
		RingY:     lr.Y + lr.H/2,
		RingSweep: 2 * math.Pi * conf,
		Tier:      types.ConfidenceTier(d.Confidence),
		text:      text,
	}
}

// Pulse is the corner accent width multiplier at wall-clock second t.
// It only affects appearance.
func Pulse(t float64) float64 {
	return math.Sin(t*3)*0.5 + 1.5
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// RingColor returns the tier colour of the confidence ring.
func (b Box) RingColor() color.RGBA { return b.Tier.Color() }
