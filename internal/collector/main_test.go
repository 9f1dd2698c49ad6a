package collector

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/monitoring"
	"github.com/banshee-data/roast.report/internal/sensor"
	"github.com/banshee-data/roast.report/internal/units"
)

var t0 = time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type storedPoint struct {
	RoastID    string
	SensorName string
	Metric     units.Metric
	Value      float64
	Unit       string
	Timestamp  time.Time
}

// memStore is an in-memory Store with failure injection.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*db.RoastSession
	points   []storedPoint
	ended    []string
	failAdd  map[units.Metric]bool
	getErr   error
}

func newMemStore(sessions ...*db.RoastSession) *memStore {
	s := &memStore{sessions: map[string]*db.RoastSession{}, failAdd: map[units.Metric]bool{}}
	for _, r := range sessions {
		s.sessions[r.ID] = r
	}
	return s
}

func activeRoast(id string, start time.Time) *db.RoastSession {
	return &db.RoastSession{ID: id, Name: id, StartTime: start, Status: db.RoastActive}
}

func (s *memStore) AddDataPoint(roastID, sensorName string, metric units.Metric, value float64, unit string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAdd[metric] {
		return errors.New("disk full")
	}
	s.points = append(s.points, storedPoint{roastID, sensorName, metric, value, unit, ts})
	return nil
}

func (s *memStore) GetRoastSession(id string) (*db.RoastSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	r, ok := s.sessions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) EndRoastSession(id string, end time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	if !ok || r.Status != db.RoastActive {
		return false, nil
	}
	r.Status = db.RoastCompleted
	r.EndTime = &end
	s.ended = append(s.ended, id)
	return true, nil
}

func (s *memStore) Points() []storedPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedPoint(nil), s.points...)
}

func (s *memStore) Ended() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ended...)
}

// fakeSensor returns a fixed reading from Read and counts calls.
type fakeSensor struct {
	name    string
	reading sensor.Reading
	err     error

	mu    sync.Mutex
	reads int
}

func (f *fakeSensor) Name() string { return f.name }

func (f *fakeSensor) Read(ctx context.Context) (sensor.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.reading.Clone(), f.err
}

func (f *fakeSensor) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// cachedSensor serves a fixed cache entry and fails direct reads.
type cachedSensor struct {
	fakeSensor
	entry sensor.CacheEntry
	ok    bool
}

func (c *cachedSensor) CachedReading() (sensor.CacheEntry, bool) {
	return c.entry, c.ok
}
