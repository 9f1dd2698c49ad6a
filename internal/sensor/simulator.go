package sensor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/roast.report/internal/timeutil"
	"github.com/banshee-data/roast.report/internal/units"
)

// Curve is a synthetic roast profile: bean temperature approaches first
// crack exponentially, stalls for a minute, then develops slowly. VOC, CO2
// and humidity step up over the twenty seconds after crack.
type Curve struct {
	Ambient   float64
	CrackAt   time.Duration
	CrackTemp float64
	Tau       time.Duration

	mu    sync.RWMutex
	start time.Time
}

// NewCurve returns a nine-minute-to-crack profile charged at start.
func NewCurve(start time.Time) *Curve {
	return &Curve{
		Ambient:   22,
		CrackAt:   9 * time.Minute,
		CrackTemp: 196,
		Tau:       5 * time.Minute,
		start:     start,
	}
}

// Restart recharges the roaster at t.
func (c *Curve) Restart(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = t
}

// Start returns the charge time.
func (c *Curve) Start() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.start
}

// At returns every metric of the profile at t, with bean temperature.
func (c *Curve) At(t time.Time) Reading {
	x := t.Sub(c.Start()).Seconds()
	if x < 0 {
		x = 0
	}
	fc := c.CrackAt.Seconds()
	tau := c.Tau.Seconds()

	var temp float64
	switch d := x - fc; {
	case d <= 0:
		temp = c.Ambient + (c.CrackTemp-c.Ambient)*(1-math.Exp(-x/tau))/(1-math.Exp(-fc/tau))
	case d <= 60:
		temp = c.CrackTemp - 0.04*d
	default:
		temp = c.CrackTemp - 2.4 + 2.0*(d-60)/60
	}

	progress := math.Min(1, x/fc)
	release := math.Max(0, math.Min(1, (x-fc)/20))
	return Reading{
		units.Temperature: temp,
		units.Humidity:    40 + 8*release,
		units.CO2:         450 + 50*progress + 270*release,
		units.VOC:         (120 + 30*progress) * (1 + 0.6*release),
	}
}

// Simulated is a deterministic stand-in for a hardware family, driven by a
// Curve.
type Simulated struct {
	name      string
	family    Family
	curve     *Curve
	clock     timeutil.Clock
	poweredOn time.Time
	noise     float64
	failEvery int

	mu    sync.Mutex
	rng   *rand.Rand
	reads int
}

// SimOption configures a Simulated sensor.
type SimOption func(*Simulated)

// WithNoise adds zero-mean Gaussian noise with the given standard deviation.
func WithNoise(stddev float64) SimOption {
	return func(s *Simulated) { s.noise = stddev }
}

// WithFailEvery makes every nth read fail.
func WithFailEvery(n int) SimOption {
	return func(s *Simulated) { s.failEvery = n }
}

// NewSimulated returns a simulated sensor of the given family. The same seed
// produces the same noise sequence.
func NewSimulated(name string, family Family, curve *Curve, clock timeutil.Clock, seed uint64, opts ...SimOption) *Simulated {
	s := &Simulated{
		name:      name,
		family:    family,
		curve:     curve,
		clock:     clock,
		poweredOn: clock.Now(),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	if family == DHT22 {
		s.failEvery = 7
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulated) Name() string { return s.name }

// Read samples the curve at the current clock time.
func (s *Simulated) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if s.failEvery > 0 && s.reads%s.failEvery == 0 {
		return nil, fmt.Errorf("%s: checksum mismatch", s.name)
	}

	now := s.clock.Now()
	if w := s.family.Warmup(); w > 0 && now.Sub(s.poweredOn) < w {
		// Placeholder values, distinguishable from real baselines.
		return Reading{units.CO2: 999, units.VOC: 99}, nil
	}

	profile := s.curve.At(now)
	out := make(Reading, len(s.family.Metrics()))
	for _, m := range s.family.Metrics() {
		v := profile[m]
		if m == units.Temperature && s.family != MAX31855 {
			// Ambient sensors sit in the exhaust, well below bean temperature.
			v = s.curve.Ambient + (v-s.curve.Ambient)*0.3
		}
		if s.noise > 0 {
			v += s.rng.NormFloat64() * s.noise
		}
		out[m] = v
	}
	if err := s.family.Validate(s.name, out); err != nil {
		return nil, err
	}
	return out, nil
}
