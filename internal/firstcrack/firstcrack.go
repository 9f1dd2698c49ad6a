// Package firstcrack scores roast telemetry for the first-crack milestone.
//
// Detector runs online over a short trailing window and fires at most one
// automatic event per call. Predictor re-scans a full roast history and
// returns the single best candidate. Both are pure: they hold no state
// between calls and sort their input, so the same set of points always
// yields the same result.
package firstcrack

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/roast.report/internal/units"
)

// Method records how a first-crack timestamp was obtained.
type Method string

const (
	Manual    Method = "manual"
	Automatic Method = "automatic"
	Predicted Method = "predicted"
)

// Point is one persisted sensor sample.
type Point struct {
	Timestamp time.Time
	Metric    units.Metric
	Value     float64
}

// SignalScores holds the per-signal sub-scores, each in [0,1].
type SignalScores struct {
	TemperatureRoR   float64 `json:"temperature_ror"`
	VOCSpike         float64 `json:"voc_spike"`
	CO2Pattern       float64 `json:"co2_pattern"`
	HumidityResponse float64 `json:"humidity_response"`
}

// Weights combines SignalScores into a single confidence.
type Weights struct {
	Temperature float64 `json:"temperature"`
	VOC         float64 `json:"voc"`
	CO2         float64 `json:"co2"`
	Humidity    float64 `json:"humidity"`
}

// Combine returns the weighted sum of s.
func (w Weights) Combine(s SignalScores) float64 {
	return s.TemperatureRoR*w.Temperature +
		s.VOCSpike*w.VOC +
		s.CO2Pattern*w.CO2 +
		s.HumidityResponse*w.Humidity
}

// Result is a detection or prediction that met its confidence threshold.
type Result struct {
	Timestamp       time.Time    `json:"timestamp"`
	ConfidenceScore float64      `json:"confidence_score"`
	DetectionMethod Method       `json:"detection_method"`
	SignalScores    SignalScores `json:"signal_scores"`
	Temperature     float64      `json:"temperature"`
}

type sample struct {
	at    time.Time
	value float64
}

type series []sample

// groupByMetric splits points per metric, each sorted by timestamp. Ties on
// timestamp are broken by value so the order never depends on input order.
func groupByMetric(points []Point) map[units.Metric]series {
	out := make(map[units.Metric]series, 4)
	for _, p := range points {
		out[p.Metric] = append(out[p.Metric], sample{at: p.Timestamp, value: p.Value})
	}
	for _, s := range out {
		sort.Slice(s, func(i, j int) bool {
			if s[i].at.Equal(s[j].at) {
				return s[i].value < s[j].value
			}
			return s[i].at.Before(s[j].at)
		})
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// averageRoR returns the mean of the per-interval rates of rise in °C/min
// across consecutive samples of s. Intervals with no elapsed time are
// skipped. ok is false when no interval contributed.
func averageRoR(s series) (ror float64, ok bool) {
	if len(s) < 2 {
		return 0, false
	}
	rates := make([]float64, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		minutes := s[i].at.Sub(s[i-1].at).Minutes()
		if minutes <= 0 {
			continue
		}
		rates = append(rates, (s[i].value-s[i-1].value)/minutes)
	}
	if len(rates) == 0 {
		return 0, false
	}
	return mean(rates), true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
