package summary

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

func repeat(vt types.VehicleType, n int, start, step float64) []types.Detection {
	out := make([]types.Detection, n)
	for i := range out {
		out[i] = types.Detection{Type: vt, Timestamp: start + float64(i)*step, Confidence: 0.9}
	}
	return out
}

func TestBuildEmpty(t *testing.T) {
	s := Build(nil)
	require.Equal(t, PeakHours{Start: "N/A", End: "N/A"}, s.PeakHours)
	require.Equal(t, "No Detections", s.Concerns[0].Title)
	require.Len(t, s.Recommendations, 2)
	require.Equal(t, "Video Quality", s.Recommendations[0].Title)
	require.Len(t, s.Composition, len(types.VehicleTypes))
	require.Equal(t, 0, s.Total)
}

func TestBuildDominantType(t *testing.T) {
	var dets []types.Detection
	dets = append(dets, repeat(types.Car, 18, 0, 10)...)
	dets = append(dets, repeat(types.Truck, 4, 5, 10)...)
	dets = append(dets, repeat(types.Bus, 2, 400, 1)...)

	s := Build(dets)
	require.Equal(t, 24, s.Total)
	require.InDelta(t, 75.0, s.Composition[types.Car], 1e-9)
	require.InDelta(t, 0.0, s.Composition[types.Bicycle], 1e-9)

	titles := func(notes []Note) []string {
		var out []string
		for _, n := range notes {
			out = append(out, n.Title)
		}
		return out
	}
	if diff := cmp.Diff([]string{"Vehicle Type Distribution", "Low Vehicle Type Presence"}, titles(s.Concerns)); diff != "" {
		t.Fatalf("concerns mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "High proportion of cars (75.0%) indicates potential traffic imbalance.", s.Concerns[0].Description)
	require.Equal(t, "Low proportion of bicycles (0.0%) might indicate infrastructure limitations.", s.Concerns[1].Description)
	if diff := cmp.Diff([]string{"Infrastructure Adaptation", "Vehicle Composition Analysis"}, titles(s.Recommendations)); diff != "" {
		t.Fatalf("recommendations mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildBalancedSmallSample(t *testing.T) {
	var dets []types.Detection
	for _, vt := range types.VehicleTypes {
		dets = append(dets, repeat(vt, 2, 0, 1)...)
	}
	s := Build(dets)
	require.Equal(t, []Note{fallbackConcern}, s.Concerns)
	require.Equal(t, []Note{compositionRecommendation}, s.Recommendations)
}

func TestPeakHours(t *testing.T) {
	var dets []types.Detection
	dets = append(dets, repeat(types.Car, 3, 100, 1)...)
	dets = append(dets, repeat(types.Car, 5, 3700, 1)...)
	s := Build(dets)
	require.Equal(t, PeakHours{Start: "01:00 AM", End: "02:00 AM", Count: 5}, s.PeakHours)

	tie := Build(append(repeat(types.Car, 2, 10, 1), repeat(types.Bus, 2, 7300, 1)...))
	require.Equal(t, "12:00 AM", tie.PeakHours.Start, "ties go to the earliest slot")
}

func TestDensity(t *testing.T) {
	var dets []types.Detection
	dets = append(dets, repeat(types.Car, 6, 0, 10)...)   // window 0
	dets = append(dets, repeat(types.Car, 2, 310, 10)...) // window 1
	dets = append(dets, repeat(types.Car, 1, 1000, 1)...) // window 3
	s := Build(dets)
	require.InDelta(t, 3.0, s.Density.Average, 1e-9)
	require.Equal(t, 6, s.Density.Maximum)
}

func TestFlowFillsGaps(t *testing.T) {
	dets := []types.Detection{{Timestamp: 5}, {Timestamp: 10}, {Timestamp: 185}}
	want := []FlowPoint{{Start: 0, Count: 2}, {Start: 60, Count: 0}, {Start: 120, Count: 0}, {Start: 180, Count: 1}}
	if diff := cmp.Diff(want, Flow(dets, FlowBucket)); diff != "" {
		t.Fatalf("flow mismatch (-want +got):\n%s", diff)
	}
	require.Empty(t, Flow(nil, FlowBucket))
}
