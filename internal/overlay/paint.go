package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

type point struct{ x, y float64 }

// shape is a set of closed polygons filled together. Overlapping polygons
// with opposite winding cancel, which is how strokes get their hollow centre.
type shape [][]point

func (s *shape) poly(pts ...point) { *s = append(*s, pts) }

// painter rasterises shapes onto an RGBA canvas. The rasteriser is sized to
// the clipped bounding box of each shape, never to the whole canvas.
type painter struct {
	dst *image.RGBA
	z   vector.Rasterizer
}

// slack keeps clamped vertices just outside the raster so clipped edges stay
// off the visible area.
const slack = 2

func (p *painter) fill(s shape, c color.RGBA) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, poly := range s {
		for _, pt := range poly {
			if !finite(pt.x, pt.y) {
				return
			}
			minX, maxX = math.Min(minX, pt.x), math.Max(maxX, pt.x)
			minY, maxY = math.Min(minY, pt.y), math.Max(maxY, pt.y)
		}
	}
	if minX > maxX {
		return
	}
	clip := image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	).Intersect(p.dst.Bounds())
	if clip.Empty() {
		return
	}

	w, h := float64(clip.Dx()), float64(clip.Dy())
	ox, oy := float64(clip.Min.X), float64(clip.Min.Y)
	at := func(pt point) (float32, float32) {
		return float32(clampf(pt.x-ox, -slack, w+slack)), float32(clampf(pt.y-oy, -slack, h+slack))
	}

	p.z.Reset(clip.Dx(), clip.Dy())
	for _, poly := range s {
		if len(poly) < 3 {
			continue
		}
		p.z.MoveTo(at(poly[0]))
		for _, pt := range poly[1:] {
			p.z.LineTo(at(pt))
		}
		p.z.ClosePath()
	}
	p.z.Draw(p.dst, clip, image.NewUniform(c), image.Point{})
}

func clampf(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func rectPoly(x, y, w, h float64) []point {
	return []point{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}}
}

func reversed(pts []point) []point {
	out := make([]point, len(pts))
	for i, pt := range pts {
		out[len(pts)-1-i] = pt
	}
	return out
}

// strokeRect outlines r with a line of width lw centred on its edges.
func (p *painter) strokeRect(r Rect, lw float64, c color.RGBA) {
	r = r.normalized()
	half := lw / 2
	var s shape
	s.poly(rectPoly(r.X-half, r.Y-half, r.W+lw, r.H+lw)...)
	if r.W > lw && r.H > lw {
		s.poly(reversed(rectPoly(r.X+half, r.Y+half, r.W-lw, r.H-lw))...)
	}
	p.fill(s, c)
}

// segment strokes a straight line with square caps. Zero-length segments
// draw nothing.
func (p *painter) segment(a, b point, lw float64, c color.RGBA) {
	dx, dy := b.x-a.x, b.y-a.y
	length := math.Hypot(dx, dy)
	if length == 0 || !finite(length) {
		return
	}
	ux, uy := dx/length*lw/2, dy/length*lw/2
	var s shape
	s.poly(
		point{a.x - ux - uy, a.y - uy + ux},
		point{b.x + ux - uy, b.y + uy + ux},
		point{b.x + ux + uy, b.y + uy - ux},
		point{a.x - ux + uy, a.y - uy - ux},
	)
	p.fill(s, c)
}

// polyline strokes consecutive segments.
func (p *painter) polyline(pts []point, lw float64, c color.RGBA) {
	for i := 1; i < len(pts); i++ {
		p.segment(pts[i-1], pts[i], lw, c)
	}
}

// roundedRect approximates a rounded rectangle outline as a polygon, with
// each corner a quadratic curve through the rectangle's corner point.
func roundedRect(r Rect, radius float64) []point {
	const steps = 4
	quad := func(p0, ctrl, p1 point) []point {
		pts := make([]point, 0, steps)
		for i := 1; i <= steps; i++ {
			t := float64(i) / steps
			mt := 1 - t
			pts = append(pts, point{
				mt*mt*p0.x + 2*mt*t*ctrl.x + t*t*p1.x,
				mt*mt*p0.y + 2*mt*t*ctrl.y + t*t*p1.y,
			})
		}
		return pts
	}
	x0, y0, x1, y1 := r.X, r.Y, r.X+r.W, r.Y+r.H
	pts := []point{{x0 + radius, y0}, {x1 - radius, y0}}
	pts = append(pts, quad(point{x1 - radius, y0}, point{x1, y0}, point{x1, y0 + radius})...)
	pts = append(pts, point{x1, y1 - radius})
	pts = append(pts, quad(point{x1, y1 - radius}, point{x1, y1}, point{x1 - radius, y1})...)
	pts = append(pts, point{x0 + radius, y1})
	pts = append(pts, quad(point{x0 + radius, y1}, point{x0, y1}, point{x0, y1 - radius})...)
	pts = append(pts, point{x0, y0 + radius})
	pts = append(pts, quad(point{x0, y0 + radius}, point{x0, y0}, point{x0 + radius, y0})...)
	return pts
}

func inset(r Rect, d float64) Rect {
	return Rect{X: r.X + d, Y: r.Y + d, W: r.W - 2*d, H: r.H - 2*d}
}

// bubble fills a rounded label background and strokes its outline.
func (p *painter) bubble(r Rect, radius, lw float64, fill, stroke color.RGBA) {
	var bg shape
	bg.poly(roundedRect(r, radius)...)
	p.fill(bg, fill)

	half := lw / 2
	var outline shape
	outline.poly(roundedRect(inset(r, -half), radius+half)...)
	outline.poly(reversed(roundedRect(inset(r, half), math.Max(0, radius-half)))...)
	p.fill(outline, stroke)
}

// arc strokes a circular arc starting at start and sweeping clockwise by
// sweep radians (screen coordinates, y down).
func (p *painter) arc(cx, cy, radius, start, sweep, lw float64, c color.RGBA) {
	if sweep <= 0 {
		return
	}
	steps := int(math.Ceil(sweep / (2 * math.Pi) * 32))
	if steps < 2 {
		steps = 2
	}
	outerR, innerR := radius+lw/2, math.Max(0, radius-lw/2)
	pts := make([]point, 0, 2*(steps+1))
	for i := 0; i <= steps; i++ {
		a := start + sweep*float64(i)/float64(steps)
		pts = append(pts, point{cx + outerR*math.Cos(a), cy + outerR*math.Sin(a)})
	}
	for i := steps; i >= 0; i-- {
		a := start + sweep*float64(i)/float64(steps)
		pts = append(pts, point{cx + innerR*math.Cos(a), cy + innerR*math.Sin(a)})
	}
	var s shape
	s.poly(pts...)
	p.fill(s, c)
}

// text draws s with its baseline at (x, y). Glyphs missing from the face
// are skipped.
func (p *painter) text(face font.Face, x, y int, s string, c color.RGBA) {
	d := font.Drawer{
		Dst:  p.dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// textWithBackground draws s inside a padded filled rectangle whose top-left
// corner is (x, y).
func (p *painter) textWithBackground(face font.Face, x, y int, s string, fg, bg color.RGBA, pad int) {
	m := face.Metrics()
	w := font.MeasureString(face, s).Round()
	h := (m.Ascent + m.Descent).Round()
	box := image.Rect(x, y, x+w+2*pad, y+h+2*pad)
	draw.Draw(p.dst, box, image.NewUniform(bg), image.Point{}, draw.Over)
	p.text(face, x+pad, y+pad+m.Ascent.Round(), s, fg)
}
