// Package roast ties a roast session's lifecycle to data collection and
// first-crack detection.
package roast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/roast.report/internal/collector"
	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/firstcrack"
	"github.com/banshee-data/roast.report/internal/monitoring"
	"github.com/banshee-data/roast.report/internal/notify"
	"github.com/banshee-data/roast.report/internal/timeutil"
	"github.com/banshee-data/roast.report/internal/units"
)

// DetectionLookback is how much recent data the online detector is given.
const DetectionLookback = 2 * time.Minute

// ErrNoActiveRoast is returned when an operation needs a running roast.
var ErrNoActiveRoast = errors.New("no active roast")

// Store is the persistence the service needs.
type Store interface {
	collector.Store
	CreateRoastSession(name string, start time.Time) (*db.RoastSession, error)
	GetActiveRoastSession() (*db.RoastSession, error)
	RoastData(roastID string) ([]db.DataPoint, error)
	DataSince(roastID string, since time.Time) ([]db.DataPoint, error)
	UpsertFirstCrackEvent(e *db.FirstCrackEvent) error
	GetFirstCrackEvent(roastID string) (*db.FirstCrackEvent, error)
	UpsertFirstCrackPrediction(p *db.FirstCrackPrediction) (bool, error)
	GetFirstCrackPrediction(roastID string) (*db.FirstCrackPrediction, error)
}

// Collector is the sampling loop the service drives.
type Collector interface {
	StartCollection(roastID string) bool
	ResumeCollection(roastID string) bool
	StopCollection() bool
	IsCollecting() bool
	ActiveRoastID() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for roast start and stop times.
func WithClock(c timeutil.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithNotifier sets where roast lifecycle and first-crack events are sent.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithDetector replaces the default online detector.
func WithDetector(d *firstcrack.Detector) Option {
	return func(s *Service) { s.detector = d }
}

// WithPredictor replaces the default offline predictor.
func WithPredictor(p *firstcrack.Predictor) Option {
	return func(s *Service) { s.predictor = p }
}

// WithMaxRoastTime sets the limit applied when resuming a roast after a
// restart.
func WithMaxRoastTime(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxRoastTime = d
		}
	}
}

// WithPredictionInterval sets how often the live prediction is refreshed.
func WithPredictionInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.predictionInterval = d
		}
	}
}

// Service starts and stops roasts and records their first crack.
type Service struct {
	store              Store
	collector          Collector
	clock              timeutil.Clock
	notifier           notify.Notifier
	detector           *firstcrack.Detector
	predictor          *firstcrack.Predictor
	maxRoastTime       time.Duration
	predictionInterval time.Duration

	mu       sync.Mutex
	detected map[string]bool

	predictions *predictionRunner
}

// NewService returns a Service using the default detector and predictor.
func NewService(store Store, col Collector, opts ...Option) *Service {
	s := &Service{
		store:              store,
		collector:          col,
		clock:              timeutil.RealClock{},
		notifier:           notify.Nop{},
		detector:           firstcrack.NewDetector(firstcrack.DefaultDetectorConfig()),
		predictor:          firstcrack.NewPredictor(firstcrack.DefaultPredictorConfig()),
		maxRoastTime:       collector.DefaultMaxRoastTime,
		predictionInterval: DefaultPredictionInterval,
		detected:           make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.predictions = newPredictionRunner(s)
	return s
}

// StartedEvent is the payload of notify.RoastStarted.
type StartedEvent struct {
	RoastID   string    `json:"roast_id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
}

// StoppedEvent is the payload of notify.RoastStopped.
type StoppedEvent struct {
	RoastID string    `json:"roast_id"`
	EndTime time.Time `json:"end_time"`
}

// StartRoast creates a new roast and starts sampling it. Only one roast may
// be active; otherwise db.ErrRoastActive is returned.
func (s *Service) StartRoast(name string) (*db.RoastSession, error) {
	if active, err := s.store.GetActiveRoastSession(); err == nil {
		return nil, fmt.Errorf("roast %s is running: %w", active.ID, db.ErrRoastActive)
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	r, err := s.store.CreateRoastSession(name, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !s.collector.StartCollection(r.ID) {
		monitoring.Warnf("roast %s created but collection did not start", r.ID)
	}
	monitoring.Logf("roast %s started (%s)", r.ID, r.Name)
	s.notifier.Emit(notify.RoastStarted, StartedEvent{RoastID: r.ID, Name: r.Name, StartTime: r.StartTime})
	return r, nil
}

// StopRoast ends an active roast, stops sampling and stores the hindsight
// prediction. It returns db.ErrNotFound when the roast does not exist or is
// already stopped.
func (s *Service) StopRoast(roastID string) (*db.RoastSession, error) {
	end := s.clock.Now()
	ok, err := s.store.EndRoastSession(roastID, end)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("roast %s not found or already stopped: %w", roastID, db.ErrNotFound)
	}
	if s.collector.ActiveRoastID() == roastID {
		s.collector.StopCollection()
	}
	monitoring.Logf("roast %s stopped", roastID)
	s.notifier.Emit(notify.RoastStopped, StoppedEvent{RoastID: roastID, EndTime: end})

	if _, _, err := s.RefreshPrediction(roastID); err != nil {
		monitoring.Logf("post-roast prediction for %s failed: %v", roastID, err)
	}
	return s.store.GetRoastSession(roastID)
}

// ResumeActive restarts collection for a roast left active by a previous
// run. A roast already past the maximum roast time is ended instead. It
// returns the resumed roast, or nil when there was nothing to resume.
func (s *Service) ResumeActive() (*db.RoastSession, error) {
	r, err := s.store.GetActiveRoastSession()
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if elapsed := now.Sub(r.StartTime); elapsed >= s.maxRoastTime {
		monitoring.Logf("active roast %s is %s old, ending it instead of resuming", r.ID, elapsed.Round(time.Second))
		end := r.StartTime.Add(s.maxRoastTime)
		if _, err := s.store.EndRoastSession(r.ID, end); err != nil {
			return nil, err
		}
		s.OnAutoStop(r.ID, end)
		return nil, nil
	}

	if !s.collector.ResumeCollection(r.ID) {
		return nil, fmt.Errorf("resume roast %s: collector busy with %s", r.ID, s.collector.ActiveRoastID())
	}
	return r, nil
}

// OnAutoStop queues the hindsight prediction for a roast the collector
// ended at the maximum roast time. It must not call back into the
// collector.
func (s *Service) OnAutoStop(roastID string, end time.Time) {
	monitoring.Logf("roast %s auto-stopped at %s", roastID, end.Format(time.RFC3339))
	s.TriggerPrediction(roastID)
}

// MarkFirstCrack records a manual first crack at the given time with full
// confidence. When temperature is nil the last bean temperature recorded at
// or before at is used.
func (s *Service) MarkFirstCrack(roastID string, at time.Time, temperature *float64) (*db.FirstCrackEvent, error) {
	if _, err := s.store.GetRoastSession(roastID); err != nil {
		return nil, err
	}
	if temperature == nil {
		t, err := s.temperatureAt(roastID, at)
		if err != nil {
			return nil, err
		}
		temperature = t
	}
	e := &db.FirstCrackEvent{
		RoastID:         roastID,
		Timestamp:       at.UTC(),
		DetectionMethod: firstcrack.Manual,
		ConfidenceScore: 1.0,
		Temperature:     temperature,
	}
	if err := s.store.UpsertFirstCrackEvent(e); err != nil {
		return nil, err
	}
	s.notifier.Emit(notify.FirstCrackMarked, e)
	return e, nil
}

func (s *Service) temperatureAt(roastID string, at time.Time) (*float64, error) {
	data, err := s.store.RoastData(roastID)
	if err != nil {
		return nil, err
	}
	var temp *float64
	for _, p := range data {
		if p.MetricType != units.Temperature || p.Timestamp.After(at) {
			continue
		}
		v := p.Value
		temp = &v
	}
	return temp, nil
}

// OnTick runs the online detector after each collected sample.
func (s *Service) OnTick(ctx context.Context, roastID string, now time.Time) {
	if _, err := s.DetectNow(roastID, now); err != nil {
		monitoring.Logf("first crack detection for %s failed: %v", roastID, err)
	}
}

// DetectNow scores the last DetectionLookback of data. Every firing
// replaces the stored event, including a manual mark. Only the detector's
// first firing for the roast is announced.
func (s *Service) DetectNow(roastID string, now time.Time) (*firstcrack.Result, error) {
	data, err := s.store.DataSince(roastID, now.Add(-DetectionLookback))
	if err != nil {
		return nil, err
	}
	res := s.detector.Analyze(db.Points(data), now)
	if res == nil {
		return nil, nil
	}

	temp := res.Temperature
	err = s.store.UpsertFirstCrackEvent(&db.FirstCrackEvent{
		RoastID:         roastID,
		Timestamp:       res.Timestamp,
		DetectionMethod: firstcrack.Automatic,
		ConfidenceScore: res.ConfidenceScore,
		Temperature:     &temp,
		SignalScores:    res.SignalScores,
	})
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	announce := !s.detected[roastID]
	s.detected[roastID] = true
	s.mu.Unlock()
	if announce {
		monitoring.Logf("first crack detected for %s at %.1f°C (confidence %.2f)", roastID, res.Temperature, res.ConfidenceScore)
		s.notifier.Emit(notify.FirstCrackDetected, DetectedEvent{RoastID: roastID, Result: *res})
	}
	return res, nil
}

// DetectedEvent is the payload of notify.FirstCrackDetected.
type DetectedEvent struct {
	RoastID string `json:"roast_id"`
	firstcrack.Result
}

// PredictFirstCrack runs the offline predictor over the whole roast without
// storing anything. It returns the result (nil below threshold) and the
// number of points analysed.
func (s *Service) PredictFirstCrack(roastID string) (*firstcrack.Result, int, error) {
	if _, err := s.store.GetRoastSession(roastID); err != nil {
		return nil, 0, err
	}
	data, err := s.store.RoastData(roastID)
	if err != nil {
		return nil, 0, err
	}
	return s.predictor.Predict(db.Points(data)), len(data), nil
}

// RefreshPrediction re-runs the predictor and replaces the stored
// prediction only when the new confidence is at least the stored one. The
// comparison happens in the store's write, so concurrent refreshes cannot
// regress it. It returns the prediction now on record and whether it was
// updated.
func (s *Service) RefreshPrediction(roastID string) (*db.FirstCrackPrediction, bool, error) {
	res, n, err := s.PredictFirstCrack(roastID)
	if err != nil {
		return nil, false, err
	}
	if res == nil {
		stored, err := s.storedPrediction(roastID)
		return stored, false, err
	}

	temp := res.Temperature
	p := &db.FirstCrackPrediction{
		RoastID:            roastID,
		Timestamp:          res.Timestamp,
		ConfidenceScore:    res.ConfidenceScore,
		Temperature:        &temp,
		SignalScores:       res.SignalScores,
		DataPointsAnalyzed: n,
	}
	written, err := s.store.UpsertFirstCrackPrediction(p)
	if err != nil {
		return nil, false, err
	}
	if !written {
		stored, err := s.storedPrediction(roastID)
		if stored != nil {
			monitoring.Debugf("prediction for %s not updated: %.2f < stored %.2f", roastID, res.ConfidenceScore, stored.ConfidenceScore)
		}
		return stored, false, err
	}
	s.notifier.Emit(notify.FirstCrackPredicted, p)
	return p, true, nil
}

// storedPrediction returns the roast's prediction, or nil when it has none.
func (s *Service) storedPrediction(roastID string) (*db.FirstCrackPrediction, error) {
	p, err := s.store.GetFirstCrackPrediction(roastID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// ActiveRoast returns the running roast or ErrNoActiveRoast.
func (s *Service) ActiveRoast() (*db.RoastSession, error) {
	r, err := s.store.GetActiveRoastSession()
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNoActiveRoast
	}
	return r, err
}

// Collecting reports whether samples are being taken.
func (s *Service) Collecting() bool { return s.collector.IsCollecting() }
