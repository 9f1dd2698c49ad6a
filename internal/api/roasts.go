package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/httputil"
	"github.com/banshee-data/roast.report/internal/monitoring"
)

const maxListLimit = 500

// writeStoreError maps persistence and lifecycle errors onto status codes.
func writeStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		httputil.NotFound(w, what+" not found")
	case errors.Is(err, db.ErrRoastActive):
		httputil.Conflict(w, err.Error())
	default:
		monitoring.Logf("api: %s: %v", what, err)
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load %s", what))
	}
}

// handleRoasts serves GET (list) and POST (start) on /api/roasts.
func (s *Server) handleRoasts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRoasts(w, r)
	case http.MethodPost:
		s.startRoast(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) listRoasts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			httputil.BadRequest(w, fmt.Sprintf("Invalid 'limit' parameter: must be 1-%d", maxListLimit))
			return
		}
		limit = n
	}
	roasts, err := s.db.ListRoastSessions(limit)
	if err != nil {
		writeStoreError(w, err, "roasts")
		return
	}
	if roasts == nil {
		roasts = []db.RoastSummary{}
	}
	httputil.WriteJSONOK(w, roasts)
}

// StartRoastRequest is the optional body of POST /api/roasts.
type StartRoastRequest struct {
	Name string `json:"name"`
}

func (s *Server) startRoast(w http.ResponseWriter, r *http.Request) {
	var req StartRoastRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	roast, err := s.roaster.StartRoast(strings.TrimSpace(req.Name))
	if err != nil {
		writeStoreError(w, err, "roast")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, roast)
}

func (s *Server) handleActiveRoast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	roast, err := s.db.GetActiveRoastSession()
	if err != nil {
		writeStoreError(w, err, "active roast")
		return
	}
	httputil.WriteJSONOK(w, roast)
}

// handleRoastByID dispatches /api/roasts/:id and /api/roasts/:id/:action.
func (s *Server) handleRoastByID(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/roasts/"), "/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		httputil.BadRequest(w, "Missing roast ID")
		return
	}
	if len(pathParts) > 2 {
		httputil.NotFound(w, "unknown roast endpoint")
		return
	}
	id := pathParts[0]
	action := ""
	if len(pathParts) == 2 {
		action = pathParts[1]
	}

	type route struct {
		action, method string
	}
	handlers := map[route]func(http.ResponseWriter, *http.Request, string){
		{"", http.MethodGet}:             s.getRoast,
		{"", http.MethodDelete}:          s.deleteRoast,
		{"stop", http.MethodPut}:         s.stopRoast,
		{"stop", http.MethodPost}:        s.stopRoast,
		{"data", http.MethodGet}:         s.roastData,
		{"latest", http.MethodGet}:       s.latestDataPoint,
		{"activity", http.MethodGet}:     s.roastActivity,
		{"first-crack", http.MethodGet}:  s.getFirstCrack,
		{"first-crack", http.MethodPost}: s.markFirstCrack,
		{"prediction", http.MethodGet}:   s.getPrediction,
		{"prediction", http.MethodPost}:  s.refreshPrediction,
		{"chart", http.MethodGet}:        s.roastChartHTML,
		{"chart.png", http.MethodGet}:    s.roastChartPNG,
		{"export.csv", http.MethodGet}:   s.roastCSV,
	}
	if h, ok := handlers[route{action, r.Method}]; ok {
		h(w, r, id)
		return
	}
	for rt := range handlers {
		if rt.action == action {
			httputil.MethodNotAllowed(w)
			return
		}
	}
	httputil.NotFound(w, "unknown roast endpoint")
}

// RoastDetail is a roast with its collection activity.
type RoastDetail struct {
	*db.RoastSession
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Activity       db.RoastActivity `json:"activity"`
}

func (s *Server) getRoast(w http.ResponseWriter, r *http.Request, id string) {
	roast, err := s.db.GetRoastSession(id)
	if err != nil {
		writeStoreError(w, err, "roast")
		return
	}
	now := s.clock.Now()
	activity, err := s.db.RoastActivity(id, now)
	if err != nil {
		writeStoreError(w, err, "roast activity")
		return
	}
	httputil.WriteJSONOK(w, RoastDetail{
		RoastSession:   roast,
		ElapsedSeconds: roast.Elapsed(now).Seconds(),
		Activity:       activity,
	})
}

func (s *Server) deleteRoast(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.db.DeleteRoastSession(id); err != nil {
		writeStoreError(w, err, "roast")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopRoast(w http.ResponseWriter, r *http.Request, id string) {
	roast, err := s.roaster.StopRoast(id)
	if err != nil {
		writeStoreError(w, err, "roast")
		return
	}
	httputil.WriteJSONOK(w, roast)
}

// roastData serves every point of a roast, or only those after ?since=
// (RFC 3339) for incremental polling.
func (s *Server) roastData(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.db.GetRoastSession(id); err != nil {
		writeStoreError(w, err, "roast")
		return
	}

	var (
		points []db.DataPoint
		err    error
	)
	if v := r.URL.Query().Get("since"); v != "" {
		since, perr := time.Parse(time.RFC3339Nano, v)
		if perr != nil {
			httputil.BadRequest(w, "Invalid 'since' parameter: expected RFC 3339 timestamp")
			return
		}
		points, err = s.db.DataSince(id, since)
	} else {
		points, err = s.db.RoastData(id)
	}
	if err != nil {
		writeStoreError(w, err, "roast data")
		return
	}
	if points == nil {
		points = []db.DataPoint{}
	}
	httputil.WriteJSONOK(w, points)
}

func (s *Server) latestDataPoint(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.db.LatestDataPoint(id)
	if err != nil {
		writeStoreError(w, err, "data point")
		return
	}
	httputil.WriteJSONOK(w, p)
}

func (s *Server) roastActivity(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.db.GetRoastSession(id); err != nil {
		writeStoreError(w, err, "roast")
		return
	}
	activity, err := s.db.RoastActivity(id, s.clock.Now())
	if err != nil {
		writeStoreError(w, err, "roast activity")
		return
	}
	httputil.WriteJSONOK(w, activity)
}

func (s *Server) getFirstCrack(w http.ResponseWriter, r *http.Request, id string) {
	e, err := s.db.GetFirstCrackEvent(id)
	if err != nil {
		writeStoreError(w, err, "first crack")
		return
	}
	httputil.WriteJSONOK(w, e)
}

// MarkFirstCrackRequest is the body of POST /api/roasts/:id/first-crack.
// Timestamp wins over ElapsedSeconds; with neither the mark is placed now.
type MarkFirstCrackRequest struct {
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	ElapsedSeconds *float64   `json:"elapsed_seconds,omitempty"`
	Temperature    *float64   `json:"temperature,omitempty"`
}

func (s *Server) markFirstCrack(w http.ResponseWriter, r *http.Request, id string) {
	var req MarkFirstCrackRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	roast, err := s.db.GetRoastSession(id)
	if err != nil {
		writeStoreError(w, err, "roast")
		return
	}

	at := s.clock.Now()
	switch {
	case req.Timestamp != nil:
		at = *req.Timestamp
	case req.ElapsedSeconds != nil:
		if *req.ElapsedSeconds < 0 {
			httputil.BadRequest(w, "elapsed_seconds must be non-negative")
			return
		}
		at = roast.StartTime.Add(time.Duration(*req.ElapsedSeconds * float64(time.Second)))
	}
	if at.Before(roast.StartTime) {
		httputil.BadRequest(w, "first crack cannot precede the roast start")
		return
	}

	e, err := s.roaster.MarkFirstCrack(id, at, req.Temperature)
	if err != nil {
		writeStoreError(w, err, "roast")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, e)
}

func (s *Server) getPrediction(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.db.GetFirstCrackPrediction(id)
	if err != nil {
		writeStoreError(w, err, "prediction")
		return
	}
	httputil.WriteJSONOK(w, p)
}

// PredictionResponse is returned by POST /api/roasts/:id/prediction.
type PredictionResponse struct {
	Updated    bool                     `json:"updated"`
	Prediction *db.FirstCrackPrediction `json:"prediction"`
}

// refreshPrediction re-runs the predictor now, or with ?async=1 queues the
// roast for the background prediction loop and returns 202.
func (s *Server) refreshPrediction(w http.ResponseWriter, r *http.Request, id string) {
	if r.URL.Query().Get("async") != "" {
		if _, err := s.db.GetRoastSession(id); err != nil {
			writeStoreError(w, err, "roast")
			return
		}
		s.roaster.TriggerPrediction(id)
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	p, updated, err := s.roaster.RefreshPrediction(id)
	if err != nil {
		writeStoreError(w, err, "roast")
		return
	}
	httputil.WriteJSONOK(w, PredictionResponse{Updated: updated, Prediction: p})
}
