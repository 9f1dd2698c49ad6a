package sensor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/roast.report/internal/monitoring"
	"github.com/banshee-data/roast.report/internal/units"
)

// Family identifies a sensor hardware family.
type Family string

const (
	// SHT31 reports temperature and humidity.
	SHT31 Family = "sht31"
	// DHT22 reports temperature and humidity over a single-wire bus that
	// regularly drops reads.
	DHT22 Family = "dht22"
	// SGP30 reports equivalent CO2 and total VOC after a warm-up period.
	SGP30 Family = "sgp30"
	// MAX31855 is a thermocouple amplifier used for bean temperature.
	MAX31855 Family = "max31855"
)

// ErrOutOfRange is returned when a reading falls outside a family's hard
// limits.
var ErrOutOfRange = errors.New("reading out of range")

type limits struct {
	min, max float64
	// soft limits are logged but the reading is kept.
	soft bool
}

type familySpec struct {
	metrics []units.Metric
	limits  map[units.Metric]limits
	warmup  time.Duration
}

var families = map[Family]familySpec{
	SHT31: {
		metrics: []units.Metric{units.Temperature, units.Humidity},
		limits: map[units.Metric]limits{
			units.Temperature: {min: -40, max: 125},
			units.Humidity:    {min: 0, max: 100},
		},
	},
	DHT22: {
		metrics: []units.Metric{units.Temperature, units.Humidity},
		limits: map[units.Metric]limits{
			units.Temperature: {min: -40, max: 80},
			units.Humidity:    {min: 0, max: 100},
		},
	},
	SGP30: {
		metrics: []units.Metric{units.CO2, units.VOC},
		limits: map[units.Metric]limits{
			units.CO2: {min: 400, max: 60000, soft: true},
			units.VOC: {min: 0, max: 60000, soft: true},
		},
		warmup: 15 * time.Second,
	},
	MAX31855: {
		metrics: []units.Metric{units.Temperature},
		limits: map[units.Metric]limits{
			units.Temperature: {min: -200, max: 1350},
		},
	},
}

// ParseFamily resolves a configured family name.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := families[f]; !ok {
		return "", fmt.Errorf("unknown sensor family %q", s)
	}
	return f, nil
}

// Metrics returns the metrics the family reports.
func (f Family) Metrics() []units.Metric {
	return append([]units.Metric(nil), families[f].metrics...)
}

// Warmup returns how long the device reports placeholder values after
// power-up.
func (f Family) Warmup() time.Duration {
	return families[f].warmup
}

// Validate checks r against the family's limits. Values outside soft limits
// are logged and kept.
func (f Family) Validate(name string, r Reading) error {
	spec := families[f]
	for _, m := range r.Metrics() {
		lim, ok := spec.limits[m]
		if !ok {
			continue
		}
		v := r[m]
		if v >= lim.min && v <= lim.max {
			continue
		}
		if lim.soft {
			monitoring.Logf("sensor %s: %s %.1f%s outside expected range", name, m, v, m.Unit())
			continue
		}
		return fmt.Errorf("%s %s %.1f%s: %w", name, m, v, m.Unit(), ErrOutOfRange)
	}
	return nil
}
