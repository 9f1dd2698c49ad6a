package chart

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"time"
)

var csvHeader = []string{"timestamp", "elapsed_s", "metric", "value", "unit"}

// WriteCSV writes the points of r in timestamp order, one row per point.
func WriteCSV(w io.Writer, r Roast) error {
	points := append(r.Points[:0:0], r.Points...)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, p := range points {
		row := []string{
			p.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(r.elapsed(p.Timestamp), 'f', 1, 64),
			string(p.Metric),
			strconv.FormatFloat(p.Value, 'f', -1, 64),
			p.Metric.Unit(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
