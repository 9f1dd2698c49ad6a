// Package sensor polls roast sensors in the background and keeps the last
// good reading of each one in a Cache.
//
// Manager is the only writer to the cache. Readers (the sampling loop, the
// HTTP API) go through Manager.GetReading or the CachedReader returned by
// Manager.Register and never block on hardware.
package sensor

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/banshee-data/roast.report/internal/units"
)

// Reading maps each metric a sensor reports to its value in storage units.
type Reading map[units.Metric]float64

// Clone returns a copy of r.
func (r Reading) Clone() Reading {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Metrics returns the metrics in r in a stable order.
func (r Reading) Metrics() []units.Metric {
	keys := slices.Collect(maps.Keys(r))
	slices.Sort(keys)
	return keys
}

// Sensor is a single physical or simulated device. Read may block on
// hardware and may fail transiently.
type Sensor interface {
	Name() string
	Read(ctx context.Context) (Reading, error)
}

// CachedReader is implemented by sensors whose latest reading can be served
// without touching hardware.
type CachedReader interface {
	CachedReading() (CacheEntry, bool)
}

var (
	// ErrNoData is recorded when a read succeeds but reports no metrics.
	ErrNoData = errors.New("sensor returned no data")
	// ErrReadTimeout is returned when a device produced nothing before its
	// read deadline.
	ErrReadTimeout = errors.New("sensor read timed out")
)
