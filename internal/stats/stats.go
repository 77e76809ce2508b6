// Package stats holds the per-type counters shared by playback and live
// monitoring, plus the derived throughput and detection rates.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

// Counts maps vehicle type to number of vehicles.
type Counts map[types.VehicleType]int

// Total sums every type.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Clone returns an independent copy.
func (c Counts) Clone() Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// CountsFromWire converts a server counts object, dropping names outside the
// vehicle type set. The dropped names are returned sorted.
func CountsFromWire(raw map[string]int) (Counts, []string) {
	out := make(Counts, len(raw))
	var unknown []string
	for name, n := range raw {
		vt, ok := types.ParseVehicleType(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out[vt] = n
	}
	sort.Strings(unknown)
	return out, unknown
}

// Tally counts detections per type.
func Tally(dets []types.Detection) Counts {
	out := make(Counts, len(types.VehicleTypes))
	for _, d := range dets {
		out[d.Type]++
	}
	return out
}

// FrameStat is one row of the current-frame panel.
type FrameStat struct {
	Type       types.VehicleType `json:"type"`
	Count      int               `json:"count"`
	BarPercent float64           `json:"bar_percent"`
}

// FrameStats recomputes the current-frame panel for every vehicle type.
// Bar widths are relative to the most frequent type; all zero when empty.
func FrameStats(current []types.Detection) []FrameStat {
	counts := Tally(current)
	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	rows := make([]FrameStat, 0, len(types.VehicleTypes))
	for _, vt := range types.VehicleTypes {
		row := FrameStat{Type: vt, Count: counts[vt]}
		if max > 0 {
			row.BarPercent = float64(row.Count) / float64(max) * 100
		}
		rows = append(rows, row)
	}
	return rows
}

// Aggregator keeps the running counters of a live session. The server sends
// cumulative totals, so every update replaces the previous map.
type Aggregator struct {
	mu     sync.Mutex
	counts Counts
	log    logger.Component
}

func NewAggregator() *Aggregator {
	return &Aggregator{counts: Counts{}, log: logger.For("Stats")}
}

// Replace installs counts as the new totals and returns the types whose
// count went down. A decrease is applied but logged.
func (a *Aggregator) Replace(counts Counts) []types.VehicleType {
	a.mu.Lock()
	defer a.mu.Unlock()

	var decreased []types.VehicleType
	for _, vt := range types.VehicleTypes {
		if counts[vt] < a.counts[vt] {
			decreased = append(decreased, vt)
			a.log.Warn("%s count decreased %d -> %d", vt, a.counts[vt], counts[vt])
		}
	}
	a.counts = counts.Clone()
	return decreased
}

// Snapshot returns a copy of the current totals.
func (a *Aggregator) Snapshot() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts.Clone()
}

// Total returns the sum of all counters.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts.Total()
}

// Rates are the client-derived instrumentation values.
type Rates struct {
	FPS             int `json:"fps"`
	DetectionRate   int `json:"detection_rate"`
	ProcessedFrames int `json:"processed_frames"`
}

// RateTracker derives throughput (updates per wall-clock second, recomputed
// once per second) and detection rate (cumulative detections per processed
// update, as a percentage).
type RateTracker struct {
	now         func() time.Time
	windowStart time.Time
	frameCount  int
	rates       Rates
}

func NewRateTracker(now func() time.Time) *RateTracker {
	if now == nil {
		now = time.Now
	}
	return &RateTracker{now: now, windowStart: now()}
}

// Observe records one processed update carrying the given cumulative total.
func (r *RateTracker) Observe(totalDetections int) Rates {
	r.rates.ProcessedFrames++

	now := r.now()
	if elapsed := now.Sub(r.windowStart).Seconds(); elapsed >= 1 {
		r.rates.FPS = int(math.Round(float64(r.frameCount) / elapsed))
		r.frameCount = 0
		r.windowStart = now
	}
	r.frameCount++

	r.rates.DetectionRate = int(math.Round(float64(totalDetections) / float64(r.rates.ProcessedFrames) * 100))
	return r.rates
}

// Rates returns the last computed values.
func (r *RateTracker) Rates() Rates { return r.rates }
