package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roast.report/internal/firstcrack"
	"github.com/banshee-data/roast.report/internal/sensor"
	"github.com/banshee-data/roast.report/internal/units"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := &RoastConfig{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultDBPath, cfg.GetDBPath())
	assert.Equal(t, DefaultListen, cfg.GetListen())
	assert.Equal(t, time.Second, cfg.GetSampleRate())
	assert.Equal(t, 2*time.Second, cfg.GetAcquisitionInterval())
	assert.Equal(t, 30*time.Second, cfg.GetPredictionInterval())
	assert.Equal(t, 16*time.Minute, cfg.GetMaxRoastTime())
	assert.False(t, cfg.GetSimulate())

	if diff := cmp.Diff(firstcrack.DefaultDetectorConfig(), cfg.DetectorConfig()); diff != "" {
		t.Errorf("detector config (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(firstcrack.DefaultPredictorConfig(), cfg.PredictorConfig()); diff != "" {
		t.Errorf("predictor config (-want +got):\n%s", diff)
	}

	specs, err := cfg.SensorSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, sensor.SHT31, specs[0].Family)
	assert.Equal(t, sensor.SGP30, specs[1].Family)
	assert.True(t, specs[0].Simulate)
}

func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	assert.Equal(t, DefaultDBPath, cfg.GetDBPath())
	assert.Equal(t, DefaultSampleRate, cfg.GetSampleRate())
	assert.Equal(t, DefaultAcquisitionInterval, cfg.GetAcquisitionInterval())
	assert.Equal(t, 16*time.Minute, cfg.GetMaxRoastTime())

	wantDetector := firstcrack.DefaultDetectorConfig()
	if diff := cmp.Diff(wantDetector, cfg.DetectorConfig()); diff != "" {
		t.Errorf("detector config drifted from defaults (-want +got):\n%s", diff)
	}
	wantPredictor := firstcrack.DefaultPredictorConfig()
	if diff := cmp.Diff(wantPredictor, cfg.PredictorConfig()); diff != "" {
		t.Errorf("predictor config drifted from defaults (-want +got):\n%s", diff)
	}

	specs, err := cfg.SensorSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "/dev/ttyUSB0", specs[0].Port)
	assert.False(t, specs[0].Simulate)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "roast.json", `{
  "db_path": "/var/lib/roast/roast.db",
  "sample_rate": "500ms",
  "max_roast_time_minutes": 14.5,
  "simulate": true,
  "detector": {"confidence_threshold": 0.6, "min_temp_for_fc": 175},
  "predictor": {"weights": {"temperature": 0.5, "voc": 0.5, "co2": 0, "humidity": 0}},
  "sensors": [
    {"key": "bean", "family": "max31855", "port": "/dev/ttyACM0", "metrics": ["Temperature"]}
  ]
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/roast/roast.db", cfg.GetDBPath())
	assert.Equal(t, 500*time.Millisecond, cfg.GetSampleRate())
	assert.Equal(t, 14*time.Minute+30*time.Second, cfg.GetMaxRoastTime())

	det := cfg.DetectorConfig()
	assert.Equal(t, 0.6, det.ConfidenceThreshold)
	assert.Equal(t, 175.0, det.MinTempForFC)
	assert.Equal(t, firstcrack.DefaultDetectorConfig().Weights, det.Weights)

	pred := cfg.PredictorConfig()
	assert.Equal(t, firstcrack.Weights{Temperature: 0.5, VOC: 0.5}, pred.Weights)
	assert.Equal(t, 0.50, pred.ConfidenceThreshold)

	specs, err := cfg.SensorSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, sensor.Spec{
		Key:      "bean",
		Family:   sensor.MAX31855,
		Simulate: true,
		Port:     "/dev/ttyACM0",
		Metrics:  []units.Metric{units.Temperature},
	}, specs[0])
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := LoadConfig("/nonexistent/path/to/config.json")
		assert.Error(t, err)
	})

	t.Run("extension", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "roast.yaml", `{}`))
		assert.ErrorContains(t, err, ".json extension")
	})

	t.Run("too large", func(t *testing.T) {
		body := `{"db_path": "` + strings.Repeat("a", 1024*1024) + `"}`
		_, err := LoadConfig(writeConfig(t, "big.json", body))
		assert.ErrorContains(t, err, "too large")
	})

	t.Run("bad json", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "bad.json", `{"sample_rate": 1`))
		assert.ErrorContains(t, err, "parse")
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "invalid.json", `{"sample_rate": "soon"}`))
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *RoastConfig
		wantErr string
	}{
		{"zero sample rate", &RoastConfig{SampleRate: ptrString("0s")}, "sample_rate must be positive"},
		{"bad acquisition interval", &RoastConfig{AcquisitionInterval: ptrString("fast")}, "acquisition_interval"},
		{"bad prediction interval", &RoastConfig{PredictionInterval: ptrString("-1s")}, "prediction_interval"},
		{"non-positive max time", &RoastConfig{MaxRoastTimeMinutes: ptrFloat64(0)}, "max_roast_time_minutes"},
		{"detector threshold", &RoastConfig{Detector: &DetectorTuning{ConfidenceThreshold: ptrFloat64(1.2)}}, "detector.confidence_threshold"},
		{"negative weights", &RoastConfig{Detector: &DetectorTuning{Weights: &firstcrack.Weights{VOC: -0.1}}}, "non-negative"},
		{"predictor range", &RoastConfig{Predictor: &PredictorTuning{MinTempForFC: ptrFloat64(220), MaxTempForFC: ptrFloat64(200)}}, "must be below"},
		{"detector weights over one", &RoastConfig{Detector: &DetectorTuning{Weights: &firstcrack.Weights{Temperature: 1, VOC: 1, CO2: 1, Humidity: 1}}}, "sum to at most 1"},
		{"predictor weights over one", &RoastConfig{Predictor: &PredictorTuning{Weights: &firstcrack.Weights{VOC: 0.8, CO2: 0.3}}}, "sum to at most 1"},
		{"zero spike span", &RoastConfig{Detector: &DetectorTuning{VOC: &firstcrack.SpikeRule{Threshold: 1.3}}}, "detector.voc"},
		{"bad ror window", &RoastConfig{Detector: &DetectorTuning{RoRWindow: ptrString("-5s")}}, "detector.ror_window"},
		{"current window not shorter", &RoastConfig{Detector: &DetectorTuning{CurrentWindow: ptrString("2m")}}, "current_window"},
		{"zero spike threshold", &RoastConfig{Predictor: &PredictorTuning{CO2SpikeThreshold: ptrFloat64(0)}}, "predictor.co2_spike_threshold"},
		{"bad spike after", &RoastConfig{Predictor: &PredictorTuning{SpikeAfter: ptrString("later")}}, "predictor.spike_after"},
		{"pattern near not shorter", &RoastConfig{Predictor: &PredictorTuning{PatternNear: ptrString("3m")}}, "pattern_near"},
		{"spike before past far", &RoastConfig{Predictor: &PredictorTuning{SpikeBefore: ptrString("2m")}}, "spike_before"},
		{"missing key", &RoastConfig{Sensors: []SensorConfig{{Family: "sht31", Simulate: true}}}, "key is required"},
		{"duplicate key", &RoastConfig{Sensors: []SensorConfig{
			{Key: "a", Family: "sht31", Simulate: true},
			{Key: "a", Family: "sgp30", Simulate: true},
		}}, "duplicate key"},
		{"unknown family", &RoastConfig{Sensors: []SensorConfig{{Key: "a", Family: "bme680", Simulate: true}}}, "sensors[0]"},
		{"unknown metric", &RoastConfig{Sensors: []SensorConfig{{Key: "a", Family: "sht31", Simulate: true, Metrics: []string{"pressure"}}}}, "invalid metric"},
		{"port required", &RoastConfig{Sensors: []SensorConfig{{Key: "a", Family: "sht31"}}}, "port is required"},
		{"bad parity", &RoastConfig{Sensors: []SensorConfig{{Key: "a", Family: "sht31", Port: "/dev/ttyUSB0", Serial: sensor.PortOptions{Parity: "mark"}}}}, "parity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.cfg.Validate(), tt.wantErr)
		})
	}

	t.Run("global simulate waives port", func(t *testing.T) {
		cfg := &RoastConfig{Simulate: ptrBool(true), Sensors: []SensorConfig{{Key: "a", Family: "sht31"}}}
		assert.NoError(t, cfg.Validate())
	})
}

func TestScorerTuning(t *testing.T) {
	path := writeConfig(t, "tuned.json", `{
  "detector": {
    "voc": {"threshold": 1.4, "span": 0.6},
    "humidity": {"threshold": 1.05, "span": 0.1},
    "ror_window": "45s",
    "current_window": "20s",
    "baseline_window": "80s"
  },
  "predictor": {
    "voc_spike_threshold": 1.3,
    "co2_spike_threshold": 1.25,
    "humidity_spike_threshold": 1.05,
    "pattern_near": "20s",
    "pattern_far": "90s",
    "spike_before": "15s",
    "spike_after": "45s"
  }
}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	wantDet := firstcrack.DefaultDetectorConfig()
	wantDet.VOC = firstcrack.SpikeRule{Threshold: 1.4, Span: 0.6}
	wantDet.Humidity = firstcrack.SpikeRule{Threshold: 1.05, Span: 0.1}
	wantDet.RoRWindow = 45 * time.Second
	wantDet.CurrentWindow = 20 * time.Second
	wantDet.BaselineWindow = 80 * time.Second
	if diff := cmp.Diff(wantDet, cfg.DetectorConfig()); diff != "" {
		t.Errorf("detector config (-want +got):\n%s", diff)
	}

	wantPred := firstcrack.DefaultPredictorConfig()
	wantPred.VOCSpikeThreshold = 1.3
	wantPred.CO2SpikeThreshold = 1.25
	wantPred.HumiditySpikeThreshold = 1.05
	wantPred.PatternNear = 20 * time.Second
	wantPred.PatternFar = 90 * time.Second
	wantPred.SpikeBefore = 15 * time.Second
	wantPred.SpikeAfter = 45 * time.Second
	if diff := cmp.Diff(wantPred, cfg.PredictorConfig()); diff != "" {
		t.Errorf("predictor config (-want +got):\n%s", diff)
	}
}

func TestGetDurationsFallBack(t *testing.T) {
	cfg := &RoastConfig{
		SampleRate:          ptrString("nonsense"),
		AcquisitionInterval: ptrString(""),
		MaxRoastTimeMinutes: ptrFloat64(-3),
	}
	assert.Equal(t, DefaultSampleRate, cfg.GetSampleRate())
	assert.Equal(t, DefaultAcquisitionInterval, cfg.GetAcquisitionInterval())
	assert.Equal(t, 16*time.Minute, cfg.GetMaxRoastTime())
}
