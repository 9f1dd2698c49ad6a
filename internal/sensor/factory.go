package sensor

import (
	"context"
	"fmt"

	"github.com/banshee-data/roast.report/internal/timeutil"
	"github.com/banshee-data/roast.report/internal/units"
)

// Spec describes one configured sensor.
type Spec struct {
	Key      string
	Family   Family
	Simulate bool
	Port     string
	Options  PortOptions
	Command  string
	// Metrics restricts which of the family's metrics are reported. Empty
	// means all of them.
	Metrics []units.Metric
	Seed    uint64
	Noise   float64
}

// Build constructs the sensor described by spec. Simulated sensors follow
// curve; real ones open their serial port.
func Build(spec Spec, clock timeutil.Clock, curve *Curve) (Sensor, error) {
	if spec.Key == "" {
		return nil, fmt.Errorf("sensor key is required")
	}
	if _, err := ParseFamily(string(spec.Family)); err != nil {
		return nil, err
	}

	var s Sensor
	if spec.Simulate {
		if curve == nil {
			curve = NewCurve(clock.Now())
		}
		s = NewSimulated(spec.Key, spec.Family, curve, clock, spec.Seed, WithNoise(spec.Noise))
	} else {
		if spec.Port == "" {
			return nil, fmt.Errorf("sensor %s: serial port is required", spec.Key)
		}
		ss, err := OpenSerial(spec.Key, spec.Port, spec.Options, spec.Family, spec.Command)
		if err != nil {
			return nil, err
		}
		s = ss
	}

	if len(spec.Metrics) == 0 {
		return s, nil
	}
	allow := make(map[units.Metric]bool, len(spec.Metrics))
	for _, m := range spec.Metrics {
		allow[m] = true
	}
	return &filtered{Sensor: s, allow: allow}, nil
}

// filtered drops metrics a deployment does not want persisted, e.g. the
// exhaust temperature of an SHT31 when a thermocouple reports bean
// temperature.
type filtered struct {
	Sensor
	allow map[units.Metric]bool
}

func (f *filtered) Read(ctx context.Context) (Reading, error) {
	r, err := f.Sensor.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make(Reading, len(r))
	for m, v := range r {
		if f.allow[m] {
			out[m] = v
		}
	}
	return out, nil
}
