package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/roast.report/internal/firstcrack"
	"github.com/banshee-data/roast.report/internal/sensor"
	"github.com/banshee-data/roast.report/internal/units"
)

// DefaultConfigPath is the path to the checked-in defaults file.
const DefaultConfigPath = "config/roast.defaults.json"

// RoastConfig is the root configuration of the logger. Every field is
// optional; the Get* methods supply the defaults for anything omitted.
type RoastConfig struct {
	DBPath *string `json:"db_path,omitempty"`
	Listen *string `json:"listen,omitempty"`

	// Loop timing, as duration strings like "1s".
	SampleRate          *string `json:"sample_rate,omitempty"`
	AcquisitionInterval *string `json:"acquisition_interval,omitempty"`
	PredictionInterval  *string `json:"prediction_interval,omitempty"`

	MaxRoastTimeMinutes *float64 `json:"max_roast_time_minutes,omitempty"`

	// Simulate forces every sensor onto the built-in roast curve.
	Simulate *bool `json:"simulate,omitempty"`

	Detector  *DetectorTuning  `json:"detector,omitempty"`
	Predictor *PredictorTuning `json:"predictor,omitempty"`
	Sensors   []SensorConfig   `json:"sensors,omitempty"`
}

// DetectorTuning overrides the online detector thresholds. Windows are
// duration strings like "60s".
type DetectorTuning struct {
	TempRoRThreshold    *float64              `json:"temp_ror_threshold,omitempty"`
	VOC                 *firstcrack.SpikeRule `json:"voc,omitempty"`
	CO2                 *firstcrack.SpikeRule `json:"co2,omitempty"`
	Humidity            *firstcrack.SpikeRule `json:"humidity,omitempty"`
	ConfidenceThreshold *float64              `json:"confidence_threshold,omitempty"`
	MinTempForFC        *float64              `json:"min_temp_for_fc,omitempty"`
	Weights             *firstcrack.Weights   `json:"weights,omitempty"`
	RoRWindow           *string               `json:"ror_window,omitempty"`
	CurrentWindow       *string               `json:"current_window,omitempty"`
	BaselineWindow      *string               `json:"baseline_window,omitempty"`
}

// PredictorTuning overrides the offline predictor thresholds.
type PredictorTuning struct {
	VOCSpikeThreshold      *float64            `json:"voc_spike_threshold,omitempty"`
	CO2SpikeThreshold      *float64            `json:"co2_spike_threshold,omitempty"`
	HumiditySpikeThreshold *float64            `json:"humidity_spike_threshold,omitempty"`
	ConfidenceThreshold    *float64            `json:"confidence_threshold,omitempty"`
	MinTempForFC           *float64            `json:"min_temp_for_fc,omitempty"`
	MaxTempForFC           *float64            `json:"max_temp_for_fc,omitempty"`
	Weights                *firstcrack.Weights `json:"weights,omitempty"`
	PatternNear            *string             `json:"pattern_near,omitempty"`
	PatternFar             *string             `json:"pattern_far,omitempty"`
	SpikeBefore            *string             `json:"spike_before,omitempty"`
	SpikeAfter             *string             `json:"spike_after,omitempty"`
}

// SensorConfig describes one sensor entry.
type SensorConfig struct {
	Key      string             `json:"key"`
	Family   string             `json:"family"`
	Simulate bool               `json:"simulate,omitempty"`
	Port     string             `json:"port,omitempty"`
	Serial   sensor.PortOptions `json:"serial,omitempty"`
	Command  string             `json:"command,omitempty"`
	Metrics  []string           `json:"metrics,omitempty"`
	Seed     uint64             `json:"seed,omitempty"`
	Noise    float64            `json:"noise,omitempty"`
}

// Default values.
const (
	DefaultDBPath              = "roast.db"
	DefaultListen              = ":8080"
	DefaultSampleRate          = time.Second
	DefaultAcquisitionInterval = 2 * time.Second
	DefaultPredictionInterval  = 30 * time.Second
	DefaultMaxRoastTimeMinutes = 16.0
)

// DefaultSensors is used when the config lists none: a simulated SHT31 and
// SGP30 pair.
var DefaultSensors = []SensorConfig{
	{Key: "sht31", Family: string(sensor.SHT31), Simulate: true, Seed: 1, Noise: 0.2},
	{Key: "sgp30", Family: string(sensor.SGP30), Simulate: true, Seed: 2, Noise: 1},
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrBool(v bool) *bool          { return &v }

// LoadConfig loads a RoastConfig from a JSON file. The file must have a
// .json extension and be under 1MB. Omitted fields keep their defaults.
func LoadConfig(path string) (*RoastConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RoastConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up to the repository root. Panics if the file cannot be loaded;
// intended for tests.
func MustLoadDefaultConfig() *RoastConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func validateDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

func validateUnit(name string, v *float64) error {
	if v != nil && (*v < 0 || *v > 1) {
		return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
	}
	return nil
}

func validatePositive(name string, v *float64) error {
	if v != nil && *v <= 0 {
		return fmt.Errorf("%s must be positive, got %f", name, *v)
	}
	return nil
}

func validateSpikeRule(name string, r *firstcrack.SpikeRule) error {
	if r == nil {
		return nil
	}
	if r.Threshold <= 0 || r.Span <= 0 {
		return fmt.Errorf("%s threshold and span must be positive, got %f and %f", name, r.Threshold, r.Span)
	}
	return nil
}

// Sub-scores are each at most 1, so weights summing to at most 1 keep the
// combined confidence in [0,1].
const maxWeightSum = 1 + 1e-9

func validateWeights(name string, w *firstcrack.Weights) error {
	if w == nil {
		return nil
	}
	if w.Temperature < 0 || w.VOC < 0 || w.CO2 < 0 || w.Humidity < 0 {
		return fmt.Errorf("%s weights must be non-negative", name)
	}
	if sum := w.Temperature + w.VOC + w.CO2 + w.Humidity; sum > maxWeightSum {
		return fmt.Errorf("%s weights must sum to at most 1, got %f", name, sum)
	}
	return nil
}

func (d *DetectorTuning) validate() error {
	if err := validateUnit("detector.confidence_threshold", d.ConfidenceThreshold); err != nil {
		return err
	}
	if err := validateWeights("detector", d.Weights); err != nil {
		return err
	}
	for name, r := range map[string]*firstcrack.SpikeRule{
		"detector.voc":      d.VOC,
		"detector.co2":      d.CO2,
		"detector.humidity": d.Humidity,
	} {
		if err := validateSpikeRule(name, r); err != nil {
			return err
		}
	}
	for name, v := range map[string]*string{
		"detector.ror_window":      d.RoRWindow,
		"detector.current_window":  d.CurrentWindow,
		"detector.baseline_window": d.BaselineWindow,
	} {
		if err := validateDuration(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (p *PredictorTuning) validate() error {
	if err := validateUnit("predictor.confidence_threshold", p.ConfidenceThreshold); err != nil {
		return err
	}
	if err := validateWeights("predictor", p.Weights); err != nil {
		return err
	}
	for name, v := range map[string]*float64{
		"predictor.voc_spike_threshold":      p.VOCSpikeThreshold,
		"predictor.co2_spike_threshold":      p.CO2SpikeThreshold,
		"predictor.humidity_spike_threshold": p.HumiditySpikeThreshold,
	} {
		if err := validatePositive(name, v); err != nil {
			return err
		}
	}
	for name, v := range map[string]*string{
		"predictor.pattern_near": p.PatternNear,
		"predictor.pattern_far":  p.PatternFar,
		"predictor.spike_before": p.SpikeBefore,
		"predictor.spike_after":  p.SpikeAfter,
	} {
		if err := validateDuration(name, v); err != nil {
			return err
		}
	}
	if p.MinTempForFC != nil && p.MaxTempForFC != nil && *p.MinTempForFC >= *p.MaxTempForFC {
		return fmt.Errorf("predictor.min_temp_for_fc (%f) must be below max_temp_for_fc (%f)", *p.MinTempForFC, *p.MaxTempForFC)
	}
	return nil
}

// Validate checks that the configuration values are usable.
func (c *RoastConfig) Validate() error {
	if err := validateDuration("sample_rate", c.SampleRate); err != nil {
		return err
	}
	if err := validateDuration("acquisition_interval", c.AcquisitionInterval); err != nil {
		return err
	}
	if err := validateDuration("prediction_interval", c.PredictionInterval); err != nil {
		return err
	}
	if c.MaxRoastTimeMinutes != nil && *c.MaxRoastTimeMinutes <= 0 {
		return fmt.Errorf("max_roast_time_minutes must be positive, got %f", *c.MaxRoastTimeMinutes)
	}

	if d := c.Detector; d != nil {
		if err := d.validate(); err != nil {
			return err
		}
		if det := c.DetectorConfig(); det.CurrentWindow >= det.BaselineWindow {
			return fmt.Errorf("detector.current_window (%s) must be shorter than baseline_window (%s)", det.CurrentWindow, det.BaselineWindow)
		}
	}
	if p := c.Predictor; p != nil {
		if err := p.validate(); err != nil {
			return err
		}
		pred := c.PredictorConfig()
		if pred.PatternNear >= pred.PatternFar {
			return fmt.Errorf("predictor.pattern_near (%s) must be shorter than pattern_far (%s)", pred.PatternNear, pred.PatternFar)
		}
		if pred.SpikeBefore >= pred.PatternFar {
			return fmt.Errorf("predictor.spike_before (%s) must be shorter than pattern_far (%s)", pred.SpikeBefore, pred.PatternFar)
		}
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.Key == "" {
			return fmt.Errorf("sensors[%d]: key is required", i)
		}
		if seen[s.Key] {
			return fmt.Errorf("sensors[%d]: duplicate key %q", i, s.Key)
		}
		seen[s.Key] = true
		if _, err := sensor.ParseFamily(s.Family); err != nil {
			return fmt.Errorf("sensors[%d]: %w", i, err)
		}
		for _, m := range s.Metrics {
			if _, ok := units.ParseMetric(m); !ok {
				return fmt.Errorf("sensors[%d]: invalid metric %q, must be one of: %s", i, m, units.GetValidMetricsString())
			}
		}
		if !s.Simulate && !c.GetSimulate() && s.Port == "" {
			return fmt.Errorf("sensors[%d]: port is required unless simulate is set", i)
		}
		if _, err := s.Serial.Normalize(); err != nil {
			return fmt.Errorf("sensors[%d]: %w", i, err)
		}
	}
	return nil
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetDBPath returns the sqlite database path or the default.
func (c *RoastConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return DefaultDBPath
	}
	return *c.DBPath
}

// GetListen returns the HTTP listen address or the default.
func (c *RoastConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetSampleRate returns the collector tick interval.
func (c *RoastConfig) GetSampleRate() time.Duration {
	return parseDuration(c.SampleRate, DefaultSampleRate)
}

// GetAcquisitionInterval returns the delay between sensor polling passes.
func (c *RoastConfig) GetAcquisitionInterval() time.Duration {
	return parseDuration(c.AcquisitionInterval, DefaultAcquisitionInterval)
}

// GetPredictionInterval returns the period of the live prediction refresh.
func (c *RoastConfig) GetPredictionInterval() time.Duration {
	return parseDuration(c.PredictionInterval, DefaultPredictionInterval)
}

// GetMaxRoastTime returns the automatic stop cutoff.
func (c *RoastConfig) GetMaxRoastTime() time.Duration {
	minutes := DefaultMaxRoastTimeMinutes
	if c.MaxRoastTimeMinutes != nil && *c.MaxRoastTimeMinutes > 0 {
		minutes = *c.MaxRoastTimeMinutes
	}
	return time.Duration(minutes * float64(time.Minute))
}

// GetSimulate reports whether all sensors are forced onto the simulator.
func (c *RoastConfig) GetSimulate() bool {
	if c.Simulate == nil {
		return false
	}
	return *c.Simulate
}

// DetectorConfig returns the detector defaults with any overrides applied.
func (c *RoastConfig) DetectorConfig() firstcrack.DetectorConfig {
	cfg := firstcrack.DefaultDetectorConfig()
	d := c.Detector
	if d == nil {
		return cfg
	}
	if d.TempRoRThreshold != nil {
		cfg.TempRoRThreshold = *d.TempRoRThreshold
	}
	if d.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *d.ConfidenceThreshold
	}
	if d.MinTempForFC != nil {
		cfg.MinTempForFC = *d.MinTempForFC
	}
	if d.Weights != nil {
		cfg.Weights = *d.Weights
	}
	if d.VOC != nil {
		cfg.VOC = *d.VOC
	}
	if d.CO2 != nil {
		cfg.CO2 = *d.CO2
	}
	if d.Humidity != nil {
		cfg.Humidity = *d.Humidity
	}
	cfg.RoRWindow = parseDuration(d.RoRWindow, cfg.RoRWindow)
	cfg.CurrentWindow = parseDuration(d.CurrentWindow, cfg.CurrentWindow)
	cfg.BaselineWindow = parseDuration(d.BaselineWindow, cfg.BaselineWindow)
	return cfg
}

// PredictorConfig returns the predictor defaults with any overrides applied.
func (c *RoastConfig) PredictorConfig() firstcrack.PredictorConfig {
	cfg := firstcrack.DefaultPredictorConfig()
	p := c.Predictor
	if p == nil {
		return cfg
	}
	if p.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *p.ConfidenceThreshold
	}
	if p.MinTempForFC != nil {
		cfg.MinTempForFC = *p.MinTempForFC
	}
	if p.MaxTempForFC != nil {
		cfg.MaxTempForFC = *p.MaxTempForFC
	}
	if p.Weights != nil {
		cfg.Weights = *p.Weights
	}
	if p.VOCSpikeThreshold != nil {
		cfg.VOCSpikeThreshold = *p.VOCSpikeThreshold
	}
	if p.CO2SpikeThreshold != nil {
		cfg.CO2SpikeThreshold = *p.CO2SpikeThreshold
	}
	if p.HumiditySpikeThreshold != nil {
		cfg.HumiditySpikeThreshold = *p.HumiditySpikeThreshold
	}
	cfg.PatternNear = parseDuration(p.PatternNear, cfg.PatternNear)
	cfg.PatternFar = parseDuration(p.PatternFar, cfg.PatternFar)
	cfg.SpikeBefore = parseDuration(p.SpikeBefore, cfg.SpikeBefore)
	cfg.SpikeAfter = parseDuration(p.SpikeAfter, cfg.SpikeAfter)
	return cfg
}

// SensorSpecs converts the sensor entries, or DefaultSensors when there are
// none, into build specs.
func (c *RoastConfig) SensorSpecs() ([]sensor.Spec, error) {
	entries := c.Sensors
	if len(entries) == 0 {
		entries = DefaultSensors
	}
	specs := make([]sensor.Spec, 0, len(entries))
	for _, e := range entries {
		family, err := sensor.ParseFamily(e.Family)
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", e.Key, err)
		}
		spec := sensor.Spec{
			Key:      e.Key,
			Family:   family,
			Simulate: e.Simulate || c.GetSimulate(),
			Port:     e.Port,
			Options:  e.Serial,
			Command:  e.Command,
			Seed:     e.Seed,
			Noise:    e.Noise,
		}
		for _, name := range e.Metrics {
			m, ok := units.ParseMetric(name)
			if !ok {
				return nil, fmt.Errorf("sensor %s: invalid metric %q", e.Key, name)
			}
			spec.Metrics = append(spec.Metrics, m)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
