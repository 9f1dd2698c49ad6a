package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/roast.report/internal/chart"
	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/httputil"
	"github.com/banshee-data/roast.report/internal/security"
)

// LoadChartRoast assembles a roast, its points and its first-crack markers
// for rendering.
func LoadChartRoast(database *db.DB, id string) (chart.Roast, error) {
	r, err := database.GetRoastSession(id)
	if err != nil {
		return chart.Roast{}, err
	}
	data, err := database.RoastData(id)
	if err != nil {
		return chart.Roast{}, err
	}
	out := chart.Roast{Name: r.Name, Start: r.StartTime, Points: db.Points(data)}

	if e, err := database.GetFirstCrackEvent(id); err == nil {
		out.Markers = append(out.Markers, chart.Marker{Label: fmt.Sprintf("first crack (%s)", e.DetectionMethod), At: e.Timestamp})
	} else if !errors.Is(err, db.ErrNotFound) {
		return chart.Roast{}, err
	}
	if p, err := database.GetFirstCrackPrediction(id); err == nil {
		out.Markers = append(out.Markers, chart.Marker{Label: fmt.Sprintf("predicted (%.0f%%)", p.ConfidenceScore*100), At: p.Timestamp})
	} else if !errors.Is(err, db.ErrNotFound) {
		return chart.Roast{}, err
	}
	return out, nil
}

func (s *Server) renderRoast(w http.ResponseWriter, id, contentType string, render func(io.Writer, chart.Roast) error) {
	cr, err := LoadChartRoast(s.db, id)
	if err != nil {
		writeStoreError(w, err, "roast")
		return
	}
	var buf bytes.Buffer
	if err := render(&buf, cr); err != nil {
		if errors.Is(err, chart.ErrNoData) {
			httputil.NotFound(w, "roast has no data to plot")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	httputil.WriteBody(w, contentType, buf.Bytes())
}

func (s *Server) roastChartHTML(w http.ResponseWriter, r *http.Request, id string) {
	s.renderRoast(w, id, "text/html; charset=utf-8", chart.RenderHTML)
}

func (s *Server) roastChartPNG(w http.ResponseWriter, r *http.Request, id string) {
	s.renderRoast(w, id, "image/png", chart.RenderPNG)
}

func (s *Server) roastCSV(w http.ResponseWriter, r *http.Request, id string) {
	cr, err := LoadChartRoast(s.db, id)
	if err != nil {
		writeStoreError(w, err, "roast")
		return
	}
	var buf bytes.Buffer
	if err := chart.WriteCSV(&buf, cr); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to write csv: %v", err))
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", security.ExportFilename(cr.Name, cr.Start, "csv")))
	httputil.WriteBody(w, "text/csv", buf.Bytes())
}
