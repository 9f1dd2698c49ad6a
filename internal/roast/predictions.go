package roast

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/roast.report/internal/monitoring"
)

// DefaultPredictionInterval is how often the live prediction of the active
// roast is refreshed.
const DefaultPredictionInterval = 30 * time.Second

// PredictionRunInfo captures details about a single prediction pass.
type PredictionRunInfo struct {
	Trigger    string    `json:"trigger,omitempty"`
	RoastIDs   []string  `json:"roast_ids,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Updated    int       `json:"updated"`
	Error      string    `json:"error,omitempty"`
}

// PredictionStatus represents the current state of the prediction loop.
type PredictionStatus struct {
	Running      bool               `json:"running"`
	Interval     string             `json:"interval"`
	LastRunAt    time.Time          `json:"last_run_at,omitzero"`
	LastRunError string             `json:"last_run_error,omitempty"`
	RunCount     int64              `json:"run_count"`
	Pending      []string           `json:"pending,omitempty"`
	CurrentRun   *PredictionRunInfo `json:"current_run,omitempty"`
	LastRun      *PredictionRunInfo `json:"last_run,omitempty"`
}

// predictionRunner refreshes stored predictions periodically for the active
// roast and on demand for any roast.
type predictionRunner struct {
	s *Service

	// Buffered channel of size 1 to coalesce multiple rapid trigger requests.
	trigger chan struct{}

	mu           sync.Mutex
	running      bool
	pending      map[string]struct{}
	lastRunAt    time.Time
	lastRunError error
	runCount     int64
	currentRun   *PredictionRunInfo
	lastRun      *PredictionRunInfo
}

func newPredictionRunner(s *Service) *predictionRunner {
	return &predictionRunner{
		s:       s,
		trigger: make(chan struct{}, 1),
		pending: make(map[string]struct{}),
	}
}

// TriggerPrediction queues a prediction refresh for roastID. It never
// blocks; repeated triggers before the next pass are coalesced.
func (s *Service) TriggerPrediction(roastID string) {
	r := s.predictions
	r.mu.Lock()
	r.pending[roastID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.trigger <- struct{}{}:
	default:
		monitoring.Debugf("prediction trigger for %s coalesced (already pending)", roastID)
	}
}

// PredictionStatus returns the state of the prediction loop.
func (s *Service) PredictionStatus() PredictionStatus {
	r := s.predictions
	r.mu.Lock()
	defer r.mu.Unlock()

	status := PredictionStatus{
		Running:   r.running,
		Interval:  s.predictionInterval.String(),
		LastRunAt: r.lastRunAt,
		RunCount:  r.runCount,
	}
	if r.lastRunError != nil {
		status.LastRunError = r.lastRunError.Error()
	}
	for id := range r.pending {
		status.Pending = append(status.Pending, id)
	}
	if r.currentRun != nil {
		runCopy := *r.currentRun
		status.CurrentRun = &runCopy
	}
	if r.lastRun != nil {
		runCopy := *r.lastRun
		status.LastRun = &runCopy
	}
	return status
}

// RunPredictions runs the prediction loop until ctx is cancelled. It
// should be called in a goroutine.
func (s *Service) RunPredictions(ctx context.Context) error {
	r := s.predictions
	ticker := s.clock.NewTicker(s.predictionInterval)
	defer ticker.Stop()

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()
	monitoring.Logf("prediction loop started: interval=%s", s.predictionInterval)

	for {
		select {
		case <-ticker.C():
			r.runOnce("periodic")
		case <-r.trigger:
			r.runOnce("manual")
		case <-ctx.Done():
			monitoring.Logf("prediction loop terminated")
			return ctx.Err()
		}
	}
}

// runOnce refreshes every pending roast plus the roast being collected.
func (r *predictionRunner) runOnce(trigger string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending)+1)
	for id := range r.pending {
		ids = append(ids, id)
	}
	clear(r.pending)
	r.mu.Unlock()

	if active := r.s.collector.ActiveRoastID(); active != "" && !slices.Contains(ids, active) {
		ids = append(ids, active)
	}
	if len(ids) == 0 {
		return
	}

	r.startRun(trigger, ids)
	var lastErr error
	updated := 0
	for _, id := range ids {
		_, ok, err := r.s.RefreshPrediction(id)
		if err != nil {
			monitoring.Logf("prediction refresh for %s failed: %v", id, err)
			lastErr = err
			continue
		}
		if ok {
			updated++
		}
	}
	r.finishRun(updated, lastErr)
}

func (r *predictionRunner) startRun(trigger string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentRun = &PredictionRunInfo{
		Trigger:   trigger,
		RoastIDs:  ids,
		StartedAt: r.s.clock.Now(),
	}
}

func (r *predictionRunner) finishRun(updated int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.s.clock.Now()
	run := r.currentRun
	run.FinishedAt = now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	run.Updated = updated
	if err != nil {
		run.Error = err.Error()
	}
	r.lastRun = run
	r.currentRun = nil
	r.lastRunAt = now
	r.lastRunError = err
	r.runCount++
}
