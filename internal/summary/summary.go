// Package summary derives the results-page figures from a finished
// analysis: composition, peak hour, density and the advisory notes.
package summary

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/stats"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	PeakSlot      = time.Hour
	DensityWindow = 5 * time.Minute
	FlowBucket    = time.Minute

	// maxFlowPoints bounds gap filling for very sparse timelines.
	maxFlowPoints = 10000
)

// Note is a titled free-text entry (concern or recommendation).
type Note struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// PeakHours is the busiest one-hour slot of the video timeline.
type PeakHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Count int    `json:"count"`
}

// Density is vehicles per five-minute window.
type Density struct {
	Average float64 `json:"average"`
	Maximum int     `json:"maximum"`
}

// FlowPoint is one bucket of the traffic flow series.
type FlowPoint struct {
	Start float64 `json:"start"` // Seconds into the video
	Count int     `json:"count"`
}

// Summary is everything the charting collaborator consumes.
type Summary struct {
	Totals          stats.Counts                  `json:"totals"`
	Total           int                           `json:"total"`
	PeakHours       PeakHours                     `json:"peak_hours"`
	Composition     map[types.VehicleType]float64 `json:"vehicle_composition"`
	Density         Density                       `json:"traffic_density"`
	Concerns        []Note                        `json:"concerns"`
	Recommendations []Note                        `json:"recommendations"`
	Flow            []FlowPoint                   `json:"flow"`
}

var (
	noDetectionConcerns = []Note{{
		Title:       "No Detections",
		Description: "No vehicles were detected in the video.",
	}}
	noDetectionRecommendations = []Note{
		{Title: "Video Quality", Description: "Check if the video quality is sufficient for detection."},
		{Title: "Detection Settings", Description: "Verify that detection settings are properly configured."},
	}
	fallbackConcern = Note{
		Title:       "Traffic Volume Analysis",
		Description: "Insufficient data for detailed traffic pattern analysis.",
	}
	fallbackRecommendation = Note{
		Title:       "Data Collection",
		Description: "Continue collecting traffic data to establish baseline patterns for future analysis.",
	}
	compositionRecommendation = Note{
		Title:       "Vehicle Composition Analysis",
		Description: "Regular monitoring of vehicle type distribution to identify long-term traffic patterns.",
	}
)

// Build computes the summary of dets.
func Build(dets []types.Detection) Summary {
	s := Summary{
		Totals:      stats.Tally(dets),
		Composition: make(map[types.VehicleType]float64, len(types.VehicleTypes)),
	}
	for _, vt := range types.VehicleTypes {
		s.Composition[vt] = 0
	}
	if len(dets) == 0 {
		s.PeakHours = PeakHours{Start: "N/A", End: "N/A"}
		s.Concerns = append([]Note(nil), noDetectionConcerns...)
		s.Recommendations = append([]Note(nil), noDetectionRecommendations...)
		s.Flow = []FlowPoint{}
		return s
	}

	counts := make([]float64, len(types.VehicleTypes))
	for i, vt := range types.VehicleTypes {
		counts[i] = float64(s.Totals[vt])
	}
	total := floats.Sum(counts)
	s.Total = int(total)

	shares := make([]float64, len(counts))
	floats.ScaleTo(shares, 100/total, counts)
	for i, vt := range types.VehicleTypes {
		s.Composition[vt] = shares[i]
	}

	s.PeakHours = peakHours(dets)
	s.Density = density(dets)
	s.Flow = Flow(dets, FlowBucket)

	maxIdx, minIdx := floats.MaxIdx(shares), floats.MinIdx(shares)
	maxType, minType := types.VehicleTypes[maxIdx], types.VehicleTypes[minIdx]
	dominant := shares[maxIdx] > 50

	if dominant {
		s.Concerns = append(s.Concerns, Note{
			Title:       "Vehicle Type Distribution",
			Description: fmt.Sprintf("High proportion of %ss (%.1f%%) indicates potential traffic imbalance.", maxType, shares[maxIdx]),
		})
	}
	if shares[minIdx] < 10 && s.Total > 20 {
		s.Concerns = append(s.Concerns, Note{
			Title:       "Low Vehicle Type Presence",
			Description: fmt.Sprintf("Low proportion of %ss (%.1f%%) might indicate infrastructure limitations.", minType, shares[minIdx]),
		})
	}
	if len(s.Concerns) == 0 {
		s.Concerns = []Note{fallbackConcern}
	}

	if dominant {
		s.Recommendations = append(s.Recommendations, Note{
			Title:       "Infrastructure Adaptation",
			Description: fmt.Sprintf("Consider adapting road infrastructure to better accommodate high %s traffic.", maxType),
		})
	}
	s.Recommendations = append(s.Recommendations, compositionRecommendation)
	return s
}

// bucketCounts groups detections into fixed windows keyed by window index.
func bucketCounts(dets []types.Detection, window time.Duration) map[int]int {
	size := window.Seconds()
	out := make(map[int]int)
	for _, d := range dets {
		out[int(math.Floor(d.Timestamp/size))]++
	}
	return out
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// peakHours picks the slot with the most detections; ties go to the
// earliest slot.
func peakHours(dets []types.Detection) PeakHours {
	slots := bucketCounts(dets, PeakSlot)
	best, bestCount := 0, -1
	for _, k := range sortedKeys(slots) {
		if slots[k] > bestCount {
			best, bestCount = k, slots[k]
		}
	}
	return PeakHours{
		Start: clockLabel(time.Duration(best) * PeakSlot),
		End:   clockLabel(time.Duration(best+1) * PeakSlot),
		Count: bestCount,
	}
}

// clockLabel renders an offset into the video as a 12-hour clock time.
func clockLabel(offset time.Duration) string {
	return time.Unix(0, 0).UTC().Add(offset).Format("03:04 PM")
}

func density(dets []types.Detection) Density {
	windows := bucketCounts(dets, DensityWindow)
	values := make([]float64, 0, len(windows))
	for _, k := range sortedKeys(windows) {
		values = append(values, float64(windows[k]))
	}
	return Density{
		Average: stat.Mean(values, nil),
		Maximum: int(floats.Max(values)),
	}
}

// Flow returns detection counts per bucket from the first to the last
// occupied bucket, with empty buckets filled in.
func Flow(dets []types.Detection, bucket time.Duration) []FlowPoint {
	if len(dets) == 0 || bucket <= 0 {
		return []FlowPoint{}
	}
	counts := bucketCounts(dets, bucket)
	keys := sortedKeys(counts)
	first, last := keys[0], keys[len(keys)-1]

	if last-first >= maxFlowPoints {
		out := make([]FlowPoint, 0, len(keys))
		for _, k := range keys {
			out = append(out, FlowPoint{Start: float64(k) * bucket.Seconds(), Count: counts[k]})
		}
		return out
	}
	out := make([]FlowPoint, 0, last-first+1)
	for k := first; k <= last; k++ {
		out = append(out, FlowPoint{Start: float64(k) * bucket.Seconds(), Count: counts[k]})
	}
	return out
}
