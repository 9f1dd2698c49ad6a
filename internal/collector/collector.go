// Package collector samples every sensor at a fixed rate during a roast and
// persists each metric as a data point.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/monitoring"
	"github.com/banshee-data/roast.report/internal/notify"
	"github.com/banshee-data/roast.report/internal/sensor"
	"github.com/banshee-data/roast.report/internal/timeutil"
	"github.com/banshee-data/roast.report/internal/units"
)

// Loop defaults.
const (
	// DefaultSampleRate is the pause between samples.
	DefaultSampleRate = time.Second
	// DefaultMaxRoastTime is when a forgotten roast is stopped.
	DefaultMaxRoastTime = 16 * time.Minute
	// DefaultStopTimeout bounds how long StopCollection waits for the loop.
	DefaultStopTimeout = 5 * time.Second
	// ErrorPause is how long the loop waits after a failed or panicking tick.
	ErrorPause = time.Second
)

// Store is the persistence the sampling loop needs.
type Store interface {
	AddDataPoint(roastID, sensorName string, metric units.Metric, value float64, unit string, ts time.Time) error
	GetRoastSession(id string) (*db.RoastSession, error)
	EndRoastSession(id string, end time.Time) (bool, error)
}

// SensorEvent is the payload of a notify.SensorData event.
type SensorEvent struct {
	RoastID    string       `json:"roast_id"`
	SensorName string       `json:"sensor_name"`
	MetricType units.Metric `json:"metric_type"`
	Value      float64      `json:"value"`
	Unit       string       `json:"unit"`
	Timestamp  time.Time    `json:"timestamp"`
}

// AutoStopEvent is the payload of a notify.RoastAutoStopped event.
type AutoStopEvent struct {
	RoastID        string    `json:"roast_id"`
	EndTime        time.Time `json:"end_time"`
	ElapsedMinutes float64   `json:"elapsed_minutes"`
	MaxMinutes     float64   `json:"max_minutes"`
}

// TickFunc runs after every completed sample of roastID.
type TickFunc func(ctx context.Context, roastID string, now time.Time)

// AutoStopFunc runs after the loop ended a roast that reached the maximum
// roast time.
type AutoStopFunc func(roastID string, end time.Time)

// Option configures a Collector.
type Option func(*Collector)

// WithClock sets the clock used for sample timestamps and pauses.
func WithClock(c timeutil.Clock) Option {
	return func(col *Collector) { col.clock = c }
}

// WithSampleRate sets the pause between samples.
func WithSampleRate(d time.Duration) Option {
	return func(col *Collector) {
		if d > 0 {
			col.rate = d
		}
	}
}

// WithMaxRoastTime sets the elapsed time at which a roast is stopped
// automatically.
func WithMaxRoastTime(d time.Duration) Option {
	return func(col *Collector) {
		if d > 0 {
			col.maxRoastTime = d
		}
	}
}

// WithStopTimeout sets how long StopCollection waits for the loop to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(col *Collector) {
		if d > 0 {
			col.stopTimeout = d
		}
	}
}

// WithNotifier sets where sensor data and auto-stop events are sent.
func WithNotifier(n notify.Notifier) Option {
	return func(col *Collector) {
		if n != nil {
			col.notifier = n
		}
	}
}

// WithOnTick installs a hook that runs after each sample.
func WithOnTick(f TickFunc) Option {
	return func(col *Collector) { col.onTick = f }
}

// WithOnAutoStop installs a hook that runs when a roast hits the maximum
// roast time.
func WithOnAutoStop(f AutoStopFunc) Option {
	return func(col *Collector) { col.onAutoStop = f }
}

// Collector runs the sampling loop for at most one roast at a time.
type Collector struct {
	store        Store
	sensors      []sensor.Sensor
	clock        timeutil.Clock
	rate         time.Duration
	maxRoastTime time.Duration
	stopTimeout  time.Duration
	notifier     notify.Notifier
	onTick       TickFunc
	onAutoStop   AutoStopFunc

	mu      sync.Mutex
	roastID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns an idle Collector sampling sensors in the given order. Sensors
// that also implement sensor.CachedReader are read from their cache.
func New(store Store, sensors []sensor.Sensor, opts ...Option) *Collector {
	c := &Collector{
		store:        store,
		sensors:      sensors,
		clock:        timeutil.RealClock{},
		rate:         DefaultSampleRate,
		maxRoastTime: DefaultMaxRoastTime,
		stopTimeout:  DefaultStopTimeout,
		notifier:     notify.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxRoastTime returns the configured automatic stop threshold.
func (c *Collector) MaxRoastTime() time.Duration { return c.maxRoastTime }

// StartCollection begins sampling roastID. It returns false when a roast is
// already being collected.
func (c *Collector) StartCollection(roastID string) bool {
	return c.start(roastID, "started")
}

// ResumeCollection restarts sampling for a roast that was active before a
// restart. It behaves like StartCollection.
func (c *Collector) ResumeCollection(roastID string) bool {
	return c.start(roastID, "resumed")
}

func (c *Collector) start(roastID, verb string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		monitoring.Warnf("data collection already running for roast %s", c.roastID)
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.roastID, c.cancel, c.done = roastID, cancel, done
	go c.run(ctx, roastID, done)
	monitoring.Logf("data collection %s for roast %s", verb, roastID)
	return true
}

// StopCollection signals the loop and waits up to the stop timeout for it to
// exit. It returns false when nothing was being collected.
func (c *Collector) StopCollection() bool {
	c.mu.Lock()
	cancel, done, roastID := c.cancel, c.done, c.roastID
	c.roastID, c.cancel, c.done = "", nil, nil
	c.mu.Unlock()

	if done == nil {
		monitoring.Warnf("data collection not running")
		return false
	}
	cancel()

	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		monitoring.Logf("data collection stopped for roast %s", roastID)
	case <-timer.C:
		monitoring.Warnf("data collection for roast %s did not stop within %s", roastID, c.stopTimeout)
	}
	return true
}

// IsCollecting reports whether a roast is being sampled.
func (c *Collector) IsCollecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done != nil
}

// ActiveRoastID returns the roast being sampled, or "".
func (c *Collector) ActiveRoastID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roastID
}

// release clears the running state if it still belongs to done.
func (c *Collector) release(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == done {
		c.cancel()
		c.roastID, c.cancel, c.done = "", nil, nil
	}
}

func (c *Collector) run(ctx context.Context, roastID string, done chan struct{}) {
	defer close(done)
	monitoring.Debugf("collection loop started for roast %s", roastID)
	for {
		finished, err := c.safeTick(ctx, roastID)
		if finished {
			c.release(done)
			return
		}
		wait := c.rate
		if err != nil {
			monitoring.Logf("collection tick for roast %s failed: %v", roastID, err)
			wait = ErrorPause
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}
	}
}

func (c *Collector) safeTick(ctx context.Context, roastID string) (finished bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			finished, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Tick(ctx, roastID)
}

// Tick takes one sample of roastID. It reports finished when the roast has
// ended, either because it was already completed or because it reached the
// maximum roast time and was stopped here.
func (c *Collector) Tick(ctx context.Context, roastID string) (finished bool, err error) {
	session, err := c.store.GetRoastSession(roastID)
	if errors.Is(err, db.ErrNotFound) {
		monitoring.Warnf("roast %s no longer exists, ending collection", roastID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if session.Status != db.RoastActive {
		monitoring.Logf("roast %s is %s, ending collection", roastID, session.Status)
		return true, nil
	}

	now := c.clock.Now()
	if elapsed := now.Sub(session.StartTime); elapsed >= c.maxRoastTime {
		c.autoStop(roastID, now, elapsed)
		return true, nil
	}

	for _, s := range c.sensors {
		if ctx.Err() != nil {
			return false, nil
		}
		c.sample(ctx, roastID, s)
	}

	if c.onTick != nil && ctx.Err() == nil {
		c.onTick(ctx, roastID, c.clock.Now())
	}
	return false, nil
}

func (c *Collector) autoStop(roastID string, now time.Time, elapsed time.Duration) {
	monitoring.Logf("roast %s reached %s (max %s), stopping", roastID, elapsed.Round(time.Second), c.maxRoastTime)
	ended, err := c.store.EndRoastSession(roastID, now)
	if err != nil {
		monitoring.Logf("failed to end roast %s: %v", roastID, err)
	}
	if !ended {
		return
	}
	c.notifier.Emit(notify.RoastAutoStopped, AutoStopEvent{
		RoastID:        roastID,
		EndTime:        now,
		ElapsedMinutes: elapsed.Minutes(),
		MaxMinutes:     c.maxRoastTime.Minutes(),
	})
	if c.onAutoStop != nil {
		c.onAutoStop(roastID, now)
	}
}

func (c *Collector) sample(ctx context.Context, roastID string, s sensor.Sensor) {
	name := s.Name()
	var data sensor.Reading
	if cr, ok := s.(sensor.CachedReader); ok {
		entry, ok := cr.CachedReading()
		if !ok {
			monitoring.Debugf("no cached data from sensor %s", name)
			return
		}
		data = entry.Data
	} else {
		var err error
		data, err = s.Read(ctx)
		if err != nil {
			monitoring.Logf("sensor %s read failed: %v", name, err)
			return
		}
	}
	if len(data) == 0 {
		monitoring.Debugf("no data from sensor %s", name)
		return
	}

	for _, metric := range data.Metrics() {
		value := data[metric]
		ts := c.clock.Now()
		unit := metric.Unit()
		if err := c.store.AddDataPoint(roastID, name, metric, value, unit, ts); err != nil {
			monitoring.Logf("failed to store %s %s: %v", name, metric, err)
			continue
		}
		monitoring.Debugf("stored %s %s=%.2f%s", name, metric, value, unit)
		c.notifier.Emit(notify.SensorData, SensorEvent{
			RoastID:    roastID,
			SensorName: name,
			MetricType: metric,
			Value:      value,
			Unit:       unit,
			Timestamp:  ts,
		})
	}
}
