package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/roast.report/internal/monitoring"
	"github.com/banshee-data/roast.report/internal/timeutil"
)

const (
	// DefaultPollInterval is the pause between acquisition passes.
	DefaultPollInterval = 2 * time.Second
	// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
	DefaultStopTimeout = 5 * time.Second
	// UnhealthyAfter is the number of consecutive failures after which a
	// sensor is reported unhealthy.
	UnhealthyAfter = 5
)

// Health is the read history of one registered sensor.
type Health struct {
	Key                 string    `json:"key"`
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalReads          int64     `json:"total_reads"`
	TotalFailures       int64     `json:"total_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timestamps and the inter-pass wait.
func WithClock(c timeutil.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPollInterval sets the pause between acquisition passes.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithStopTimeout sets how long Stop waits for the loop to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

type registration struct {
	key    string
	sensor Sensor
	health Health
}

// Manager polls every registered sensor on one background goroutine and
// publishes successful readings to its Cache. It is the only writer to the
// cache.
type Manager struct {
	clock       timeutil.Clock
	interval    time.Duration
	stopTimeout time.Duration
	cache       *Cache

	mu     sync.Mutex
	order  []*registration
	byKey  map[string]*registration
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager returns a stopped Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:       timeutil.RealClock{},
		interval:    DefaultPollInterval,
		stopTimeout: DefaultStopTimeout,
		cache:       NewCache(),
		byKey:       make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds s under key and returns a handle whose CachedReading serves
// the cached value. Registering an existing key swaps the sensor but keeps
// its position in the polling order and its cache slot.
func (m *Manager) Register(key string, s Sensor) *Managed {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reg, ok := m.byKey[key]; ok {
		reg.sensor = s
		reg.health.Name = s.Name()
		monitoring.Logf("sensor %s re-registered", key)
		return &Managed{key: key, m: m}
	}

	reg := &registration{key: key, sensor: s, health: Health{Key: key, Name: s.Name()}}
	m.order = append(m.order, reg)
	m.byKey[key] = reg
	m.cache.Reserve(key)
	monitoring.Logf("sensor %s registered (%s)", key, s.Name())
	return &Managed{key: key, m: m}
}

// Keys returns the registered keys in polling order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, len(m.order))
	for i, reg := range m.order {
		keys[i] = reg.key
	}
	return keys
}

// Start launches the acquisition loop. It returns false and logs a warning
// when the loop is already running.
func (m *Manager) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		monitoring.Warnf("sensor manager already running")
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go m.run(ctx, done)
	monitoring.Logf("sensor manager started: %d sensors, every %s", len(m.order), m.interval)
	return true
}

// Stop signals the loop and waits up to the stop timeout for it to exit.
// It returns false, after logging a warning, when the loop did not exit in
// time. Stopping a stopped manager returns true.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if done == nil {
		return true
	}
	cancel()

	timer := time.NewTimer(m.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		monitoring.Logf("sensor manager stopped")
		return true
	case <-timer.C:
		monitoring.Warnf("sensor manager did not stop within %s", m.stopTimeout)
		return false
	}
}

// IsRunning reports whether the acquisition loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done != nil
}

// GetReading returns the cached entry for key without blocking on hardware.
func (m *Manager) GetReading(key string) (CacheEntry, bool) {
	return m.cache.Get(key)
}

// Readings returns every populated cache entry.
func (m *Manager) Readings() map[string]CacheEntry {
	return m.cache.Snapshot()
}

// Health returns a snapshot of every sensor's read history in polling order.
func (m *Manager) Health() []Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Health, len(m.order))
	for i, reg := range m.order {
		h := reg.health
		h.Healthy = h.ConsecutiveFailures < UnhealthyAfter
		out[i] = h
	}
	return out
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		m.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
		}
	}
}

// PollOnce reads every registered sensor once, in registration order.
func (m *Manager) PollOnce(ctx context.Context) {
	m.mu.Lock()
	regs := make([]registration, len(m.order))
	for i, reg := range m.order {
		regs[i] = registration{key: reg.key, sensor: reg.sensor}
	}
	m.mu.Unlock()

	for _, reg := range regs {
		if ctx.Err() != nil {
			return
		}
		m.poll(ctx, reg.key, reg.sensor)
	}
}

func (m *Manager) poll(ctx context.Context, key string, s Sensor) {
	data, err := safeRead(ctx, s)
	if err == nil && len(data) == 0 {
		err = ErrNoData
	}
	now := m.clock.Now()

	if err != nil {
		monitoring.Logf("sensor %s read failed: %v", key, err)
		m.record(key, now, err)
		return
	}
	m.cache.Store(key, data, now)
	m.record(key, now, nil)
}

func (m *Manager) record(key string, at time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.byKey[key]
	if !ok {
		return
	}
	h := &reg.health
	h.TotalReads++
	if err != nil {
		h.TotalFailures++
		h.ConsecutiveFailures++
		h.LastError = err.Error()
		if h.ConsecutiveFailures == UnhealthyAfter {
			monitoring.Warnf("sensor %s unhealthy after %d consecutive failures", key, UnhealthyAfter)
		}
		return
	}
	h.ConsecutiveFailures = 0
	h.LastError = ""
	h.LastSuccess = at
}

func safeRead(ctx context.Context, s Sensor) (data Reading, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("sensor %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Read(ctx)
}

// Managed is the handle returned by Register. Reads go straight to the
// device; CachedReading serves the manager's last good value.
type Managed struct {
	key string
	m   *Manager
}

// Name returns the registration key.
func (s *Managed) Name() string { return s.key }

// Read reads the underlying device directly.
func (s *Managed) Read(ctx context.Context) (Reading, error) {
	s.m.mu.Lock()
	var dev Sensor
	if reg, ok := s.m.byKey[s.key]; ok {
		dev = reg.sensor
	}
	s.m.mu.Unlock()
	if dev == nil {
		return nil, fmt.Errorf("sensor %s not registered", s.key)
	}
	return safeRead(ctx, dev)
}

// CachedReading returns the manager's last good reading for this sensor.
func (s *Managed) CachedReading() (CacheEntry, bool) {
	return s.m.GetReading(s.key)
}
