// Package chart renders roast curves as interactive HTML (go-echarts) and
// static PNG (gonum/plot).
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/roast.report/internal/firstcrack"
	"github.com/banshee-data/roast.report/internal/units"
)

// AssetsHost is where the rendered page loads echarts.min.js from.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ErrNoData is returned when a roast has nothing to draw.
var ErrNoData = errors.New("no data points to plot")

// Marker is a labelled vertical line on the curve.
type Marker struct {
	Label string
	At    time.Time
}

// Roast is everything needed to draw one roast.
type Roast struct {
	Name    string
	Start   time.Time
	Points  []firstcrack.Point
	Markers []Marker
}

type xy struct {
	x, y float64
}

// series groups points per metric as (elapsed seconds, value), ordered by time.
func (r Roast) series() map[units.Metric][]xy {
	out := make(map[units.Metric][]xy, len(units.ValidMetrics))
	for _, p := range r.Points {
		out[p.Metric] = append(out[p.Metric], xy{x: r.elapsed(p.Timestamp), y: p.Value})
	}
	for _, s := range out {
		sort.SliceStable(s, func(i, j int) bool { return s[i].x < s[j].x })
	}
	return out
}

func (r Roast) elapsed(t time.Time) float64 {
	return math.Round(t.Sub(r.Start).Seconds()*10) / 10
}

// metricOrder returns the metrics present in s, temperature first.
func metricOrder(s map[units.Metric][]xy) []units.Metric {
	var out []units.Metric
	for _, m := range units.ValidMetrics {
		if len(s[m]) > 0 {
			out = append(out, m)
		}
	}
	return out
}

func seriesName(m units.Metric) string {
	if u := m.Unit(); u != "" {
		return fmt.Sprintf("%s (%s)", m, u)
	}
	return string(m)
}

// RenderHTML writes an interactive line chart of r to w. Temperature uses
// the left axis and the gas and humidity metrics share the right one.
func RenderHTML(w io.Writer, r Roast) error {
	byMetric := r.series()
	metrics := metricOrder(byMetric)
	if len(metrics) == 0 {
		return ErrNoData
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Roast " + r.Name, Width: "100%", Height: "640px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: r.Name, Subtitle: fmt.Sprintf("start=%s points=%d", r.Start.UTC().Format(time.RFC3339), len(r.Points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Elapsed (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Temperature (" + units.Celsius + ")"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.ExtendYAxis(opts.YAxis{Type: "value", Name: "Gas / RH"})

	for _, m := range metrics {
		pts := byMetric[m]
		data := make([]opts.LineData, 0, len(pts))
		for _, p := range pts {
			data = append(data, opts.LineData{Value: []interface{}{p.x, p.y}})
		}

		seriesOpts := []charts.SeriesOpts{
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false), YAxisIndex: yAxisIndex(m)}),
		}
		if m == units.Temperature {
			for _, mk := range r.Markers {
				seriesOpts = append(seriesOpts, charts.WithMarkLineNameXAxisItemOpts(opts.MarkLineNameXAxisItem{
					Name:  mk.Label,
					XAxis: r.elapsed(mk.At),
				}))
			}
		}
		line.AddSeries(seriesName(m), data, seriesOpts...)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func yAxisIndex(m units.Metric) int {
	if m == units.Temperature {
		return 0
	}
	return 1
}
