package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/httputil"
	"github.com/banshee-data/roast.report/internal/monitoring"
	"github.com/banshee-data/roast.report/internal/notify"
	"github.com/banshee-data/roast.report/internal/roast"
	"github.com/banshee-data/roast.report/internal/sensor"
	"github.com/banshee-data/roast.report/internal/timeutil"
	"github.com/banshee-data/roast.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Roaster is the roast lifecycle the handlers drive.
type Roaster interface {
	StartRoast(name string) (*db.RoastSession, error)
	StopRoast(roastID string) (*db.RoastSession, error)
	MarkFirstCrack(roastID string, at time.Time, temperature *float64) (*db.FirstCrackEvent, error)
	RefreshPrediction(roastID string) (*db.FirstCrackPrediction, bool, error)
	TriggerPrediction(roastID string)
	PredictionStatus() roast.PredictionStatus
	Collecting() bool
}

// Sensors exposes the acquisition cache and health counters.
type Sensors interface {
	Readings() map[string]sensor.CacheEntry
	Health() []sensor.Health
}

type Server struct {
	db      *db.DB
	roaster Roaster
	sensors Sensors
	hub     *notify.Hub
	clock   timeutil.Clock
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the clock used for activity and uptime.
func WithClock(c timeutil.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithSensors exposes the sensor cache on /api/sensors.
func WithSensors(m Sensors) Option {
	return func(s *Server) { s.sensors = m }
}

// WithHub serves the event stream on /api/events.
func WithHub(h *notify.Hub) Option {
	return func(s *Server) { s.hub = h }
}

func NewServer(database *db.DB, roaster Roaster, opts ...Option) *Server {
	s := &Server{
		db:      database,
		roaster: roaster,
		clock:   timeutil.RealClock{},
	}
	for _, o := range opts {
		o(s)
	}
	s.started = s.clock.Now()
	if s.hub != nil {
		s.hub.SetGreeting(s.greeting)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/sensors", s.handleSensors)
	mux.HandleFunc("/api/roasts", s.handleRoasts)
	mux.HandleFunc("/api/roasts/active", s.handleActiveRoast)
	mux.HandleFunc("/api/roasts/", s.handleRoastByID)
	mux.HandleFunc("/api/predictions/status", s.handlePredictionStatus)
	if s.hub != nil {
		mux.Handle("/api/events", s.hub)
	}
	return mux
}

// greeting tells a newly connected stream client about the running roast.
func (s *Server) greeting() []notify.Event {
	r, err := s.db.GetActiveRoastSession()
	if err != nil {
		return nil
	}
	return []notify.Event{{Name: notify.RoastActive, Payload: r, At: s.clock.Now()}}
}

// StatusResponse is served on /api/status.
type StatusResponse struct {
	Version       string                 `json:"version"`
	GitSHA        string                 `json:"git_sha"`
	BuildTime     string                 `json:"build_time"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Collecting    bool                   `json:"collecting"`
	ActiveRoast   *db.RoastSession       `json:"active_roast"`
	Subscribers   int                    `json:"subscribers"`
	Predictions   roast.PredictionStatus `json:"predictions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := StatusResponse{
		Version:       version.Version,
		GitSHA:        version.GitSHA,
		BuildTime:     version.BuildTime,
		UptimeSeconds: s.clock.Since(s.started).Seconds(),
		Collecting:    s.roaster.Collecting(),
		Predictions:   s.roaster.PredictionStatus(),
	}
	if active, err := s.db.GetActiveRoastSession(); err == nil {
		resp.ActiveRoast = active
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Subscribers()
	}
	httputil.WriteJSONOK(w, resp)
}

// SensorsResponse is served on /api/sensors.
type SensorsResponse struct {
	Readings map[string]sensor.CacheEntry `json:"readings"`
	Health   []sensor.Health              `json:"health"`
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.sensors == nil {
		httputil.NotFound(w, "no sensors configured")
		return
	}
	httputil.WriteJSONOK(w, SensorsResponse{
		Readings: s.sensors.Readings(),
		Health:   s.sensors.Health(),
	})
}

func (s *Server) handlePredictionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.roaster.PredictionStatus())
}
