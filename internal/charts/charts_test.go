package charts

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-vision/overlay-monitor/internal/summary"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

func sampleSummary() summary.Summary {
	dets := []types.Detection{
		{Timestamp: 1, Type: types.Car, Confidence: 0.9, X2: 10, Y2: 10},
		{Timestamp: 5, Type: types.Car, Confidence: 0.9, X2: 10, Y2: 10},
		{Timestamp: 70, Type: types.Truck, Confidence: 0.7, X2: 10, Y2: 10},
		{Timestamp: 130, Type: types.Bicycle, Confidence: 0.5, X2: 10, Y2: 10},
	}
	return summary.Build(dets)
}

func TestRenderContainsAllCharts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleSummary(), "Junction 4"))

	html := buf.String()
	assert.Contains(t, html, "<title>Junction 4</title>")
	assert.Contains(t, html, "Vehicle Distribution")
	assert.Contains(t, html, "Traffic Flow")
	assert.Contains(t, html, "Vehicle Composition")
	for _, vt := range types.VehicleTypes {
		assert.Contains(t, html, vt.Style().Hex, "missing palette colour for %s", vt)
	}
}

func TestTrafficFlowLabels(t *testing.T) {
	s := sampleSummary()
	line := TrafficFlow(s)
	require.Len(t, line.MultiSeries, 1)

	var buf bytes.Buffer
	require.NoError(t, line.Render(&buf))
	assert.Contains(t, buf.String(), `"0:00"`)
	assert.Contains(t, buf.String(), `"2:00"`)
}

func TestRenderEmptySummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, summary.Build(nil), ""))
	assert.Contains(t, buf.String(), "<title>Traffic Analysis</title>")
	assert.Contains(t, buf.String(), "0 vehicles detected")
}

func TestHandler(t *testing.T) {
	h := Handler("Results", func() (summary.Summary, error) { return sampleSummary(), nil })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/charts", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(rec.Body.String(), "echarts"))
}

func TestHandlerLoadError(t *testing.T) {
	h := Handler("Results", func() (summary.Summary, error) { return summary.Summary{}, errors.New("no analysis yet") })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/charts", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no analysis yet")
}

func TestRound1(t *testing.T) {
	assert.Equal(t, 33.3, round1(33.333))
	assert.Equal(t, 66.7, round1(66.666))
}
