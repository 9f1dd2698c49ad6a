package firstcrack

import (
	"math"
	"time"

	"github.com/banshee-data/roast.report/internal/units"
)

const (
	minRoRPoints       = 4
	minRoRWindowPoints = 3
	minSpikePoints     = 5
)

// SpikeRule scores a current/baseline ratio: ratios at or above Threshold
// score (ratio-1)/Span, capped at 1.
type SpikeRule struct {
	Threshold float64 `json:"threshold"`
	Span      float64 `json:"span"`
}

func (r SpikeRule) score(ratio float64) float64 {
	if ratio < r.Threshold || r.Span <= 0 {
		return 0
	}
	return math.Min(1, (ratio-1)/r.Span)
}

// DetectorConfig holds the online detector thresholds.
type DetectorConfig struct {
	TempRoRThreshold    float64       `json:"temp_ror_threshold"`
	VOC                 SpikeRule     `json:"voc"`
	CO2                 SpikeRule     `json:"co2"`
	Humidity            SpikeRule     `json:"humidity"`
	Weights             Weights       `json:"weights"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	MinTempForFC        float64       `json:"min_temp_for_fc"`
	RoRWindow           time.Duration `json:"-"`
	// Samples between CurrentWindow and BaselineWindow ago form the
	// baseline; samples newer than CurrentWindow form the current window.
	CurrentWindow  time.Duration `json:"-"`
	BaselineWindow time.Duration `json:"-"`
}

// DefaultDetectorConfig returns the stock online thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		TempRoRThreshold:    -2.0,
		VOC:                 SpikeRule{Threshold: 1.3, Span: 0.5},
		CO2:                 SpikeRule{Threshold: 1.2, Span: 0.3},
		Humidity:            SpikeRule{Threshold: 1.15, Span: 0.2},
		Weights:             Weights{Temperature: 0.30, VOC: 0.40, CO2: 0.20, Humidity: 0.10},
		ConfidenceThreshold: 0.75,
		MinTempForFC:        180,
		RoRWindow:           60 * time.Second,
		CurrentWindow:       30 * time.Second,
		BaselineWindow:      90 * time.Second,
	}
}

// Detector is the online first-crack detector. It is safe for concurrent use.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector returns a Detector using cfg.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the detector configuration.
func (d *Detector) Config() DetectorConfig { return d.cfg }

// Analyze scores the window of points as of now. It returns nil when there
// is no temperature data, when the latest temperature is below MinTempForFC,
// or when the weighted confidence misses ConfidenceThreshold.
func (d *Detector) Analyze(points []Point, now time.Time) *Result {
	scores, current, ok := d.Score(points, now)
	if !ok {
		return nil
	}
	return d.evaluate(scores, current, now)
}

func (d *Detector) evaluate(scores SignalScores, current float64, now time.Time) *Result {
	confidence := clamp01(d.cfg.Weights.Combine(scores))
	if confidence < d.cfg.ConfidenceThreshold {
		return nil
	}
	return &Result{
		Timestamp:       now,
		ConfidenceScore: confidence,
		DetectionMethod: Automatic,
		SignalScores:    scores,
		Temperature:     current,
	}
}

// Score computes the sub-scores without applying the confidence threshold.
// ok is false when the temperature guard rejects the window.
func (d *Detector) Score(points []Point, now time.Time) (scores SignalScores, currentTemp float64, ok bool) {
	byMetric := groupByMetric(points)
	temps := byMetric[units.Temperature]
	if len(temps) == 0 {
		return SignalScores{}, 0, false
	}
	currentTemp = temps[len(temps)-1].value
	if currentTemp < d.cfg.MinTempForFC {
		return SignalScores{}, currentTemp, false
	}

	scores = SignalScores{
		TemperatureRoR:   d.scoreRoR(temps, now),
		VOCSpike:         d.scoreSpike(byMetric[units.VOC], now, d.cfg.VOC),
		CO2Pattern:       d.scoreSpike(byMetric[units.CO2], now, d.cfg.CO2),
		HumidityResponse: d.scoreSpike(byMetric[units.Humidity], now, d.cfg.Humidity),
	}
	return scores, currentTemp, true
}

func (d *Detector) scoreRoR(temps series, now time.Time) float64 {
	if len(temps) < minRoRPoints {
		return 0
	}
	recent := make(series, 0, len(temps))
	for _, s := range temps {
		if now.Sub(s.at) <= d.cfg.RoRWindow {
			recent = append(recent, s)
		}
	}
	if len(recent) < minRoRWindowPoints {
		return 0
	}
	ror, ok := averageRoR(recent)
	if !ok {
		return 0
	}
	return RoRScore(ror, d.cfg.TempRoRThreshold)
}

// RoRScore maps an average rate of rise to the online temperature score.
// A stall or drop scores highest.
func RoRScore(ror, threshold float64) float64 {
	switch {
	case ror <= threshold:
		return 1.0
	case ror <= 0:
		return 0.7
	case ror <= 2:
		return 0.3
	default:
		return 0
	}
}

func (d *Detector) scoreSpike(s series, now time.Time, rule SpikeRule) float64 {
	if len(s) < minSpikePoints {
		return 0
	}
	var baseline, current []float64
	for _, p := range s {
		ago := now.Sub(p.at)
		switch {
		case ago >= d.cfg.CurrentWindow && ago <= d.cfg.BaselineWindow:
			baseline = append(baseline, p.value)
		case ago <= d.cfg.CurrentWindow:
			current = append(current, p.value)
		}
	}
	if len(baseline) == 0 || len(current) == 0 {
		return 0
	}
	base := mean(baseline)
	if base <= 0 {
		return 0
	}
	return rule.score(mean(current) / base)
}
