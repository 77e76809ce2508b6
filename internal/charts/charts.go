// Package charts renders the results page figures as a self-contained
// ECharts HTML page.
package charts

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/traffic-vision/overlay-monitor/internal/summary"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

const (
	flowColor   = "#F59E0B"
	chartWidth  = "900px"
	chartHeight = "420px"
)

// Distribution returns the donut chart of vehicle totals.
func Distribution(s summary.Summary) *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Vehicle Distribution",
			Subtitle: fmt.Sprintf("%d vehicles detected", s.Total),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Bottom: "0"}),
	)

	data := make([]opts.PieData, 0, len(types.VehicleTypes))
	for _, vt := range types.VehicleTypes {
		style := vt.Style()
		data = append(data, opts.PieData{
			Name:      style.Label,
			Value:     s.Totals[vt],
			ItemStyle: &opts.ItemStyle{Color: style.Hex},
		})
	}
	pie.AddSeries("Vehicles", data,
		charts.WithPieChartOpts(opts.PieChart{Radius: []string{"40%", "70%"}}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}),
	)
	return pie
}

// TrafficFlow returns the vehicles-per-minute line chart.
func TrafficFlow(s summary.Summary) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Traffic Flow", Subtitle: "Vehicles per minute"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Vehicles"}),
		charts.WithColorsOpts(opts.Colors{flowColor}),
	)

	labels := make([]string, len(s.Flow))
	data := make([]opts.LineData, len(s.Flow))
	for i, p := range s.Flow {
		labels[i] = clock(p.Start)
		data[i] = opts.LineData{Value: p.Count}
	}
	line.SetXAxis(labels).AddSeries("Vehicles", data,
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.2)}),
	)
	return line
}

// Composition returns the per-type share bar chart.
func Composition(s summary.Summary) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Vehicle Composition", Subtitle: "Share of all detections (%)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "%", Max: 100}),
	)

	labels := make([]string, 0, len(types.VehicleTypes))
	data := make([]opts.BarData, 0, len(types.VehicleTypes))
	for _, vt := range types.VehicleTypes {
		style := vt.Style()
		labels = append(labels, style.Label)
		data = append(data, opts.BarData{
			Value:     round1(s.Composition[vt]),
			ItemStyle: &opts.ItemStyle{Color: style.Hex},
		})
	}
	bar.SetXAxis(labels).AddSeries("Share", data)
	return bar
}

// Render writes the full results page for s to w.
func Render(w io.Writer, s summary.Summary, title string) error {
	if title == "" {
		title = "Traffic Analysis"
	}
	page := components.NewPage()
	page.SetPageTitle(title)
	page.AddCharts(Distribution(s), TrafficFlow(s), Composition(s))
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render charts: %w", err)
	}
	return nil
}

// Handler serves the page for whatever load returns at request time.
func Handler(title string, load func() (summary.Summary, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := load()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := Render(w, s, title); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func clock(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
