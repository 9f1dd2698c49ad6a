package firstcrack

import (
	"time"

	"github.com/banshee-data/roast.report/internal/units"
)

const minPatternPoints = 2

// PredictorConfig holds the offline predictor thresholds.
type PredictorConfig struct {
	VOCSpikeThreshold      float64 `json:"voc_spike_threshold"`
	CO2SpikeThreshold      float64 `json:"co2_spike_threshold"`
	HumiditySpikeThreshold float64 `json:"humidity_spike_threshold"`
	Weights                Weights `json:"weights"`
	ConfidenceThreshold    float64 `json:"confidence_threshold"`
	MinTempForFC           float64 `json:"min_temp_for_fc"`
	MaxTempForFC           float64 `json:"max_temp_for_fc"`

	// Temperature pattern windows: [-PatternFar, -PatternNear] before the
	// candidate and (PatternNear, PatternFar] after it.
	PatternNear time.Duration `json:"-"`
	PatternFar  time.Duration `json:"-"`
	// Spike windows: baseline [-PatternFar, -SpikeBefore], spike
	// (-SpikeBefore, SpikeAfter].
	SpikeBefore time.Duration `json:"-"`
	SpikeAfter  time.Duration `json:"-"`
}

// DefaultPredictorConfig returns the stock offline thresholds.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		VOCSpikeThreshold:      1.2,
		CO2SpikeThreshold:      1.15,
		HumiditySpikeThreshold: 1.1,
		Weights:                Weights{Temperature: 0.25, VOC: 0.45, CO2: 0.20, Humidity: 0.10},
		ConfidenceThreshold:    0.50,
		MinTempForFC:           30,
		MaxTempForFC:           220,
		PatternNear:            30 * time.Second,
		PatternFar:             120 * time.Second,
		SpikeBefore:            30 * time.Second,
		SpikeAfter:             60 * time.Second,
	}
}

// Predictor re-scans a full roast history for the most likely first-crack
// timestamp. It is safe for concurrent use.
type Predictor struct {
	cfg PredictorConfig
}

// NewPredictor returns a Predictor using cfg.
func NewPredictor(cfg PredictorConfig) *Predictor {
	return &Predictor{cfg: cfg}
}

// Config returns the predictor configuration.
func (p *Predictor) Config() PredictorConfig { return p.cfg }

// Predict scores every temperature sample in [MinTempForFC, MaxTempForFC]
// in timestamp order and returns the highest-confidence candidate, or nil
// when the best score misses ConfidenceThreshold. Ties keep the earliest
// candidate.
//
// A candidate near the live edge of the data has no "after" window yet and
// is scored with a before-only heuristic; once later samples arrive the same
// candidate may score lower. Callers that store predictions decide whether
// a lower score may replace a stored one.
func (p *Predictor) Predict(points []Point) *Result {
	byMetric := groupByMetric(points)
	temps := byMetric[units.Temperature]
	if len(temps) == 0 {
		return nil
	}

	var (
		best      sample
		bestConf  float64
		bestFound bool
	)
	for _, c := range temps {
		if c.value < p.cfg.MinTempForFC || c.value > p.cfg.MaxTempForFC {
			continue
		}
		conf := p.confidence(p.scoresAt(c.at, byMetric))
		if conf > bestConf {
			best, bestConf, bestFound = c, conf, true
		}
	}
	if !bestFound || bestConf < p.cfg.ConfidenceThreshold {
		return nil
	}
	return &Result{
		Timestamp:       best.at,
		ConfidenceScore: bestConf,
		DetectionMethod: Predicted,
		SignalScores:    p.scoresAt(best.at, byMetric),
		Temperature:     best.value,
	}
}

// Candidates returns how many temperature samples fall in the candidate range.
func (p *Predictor) Candidates(points []Point) int {
	n := 0
	for _, pt := range points {
		if pt.Metric == units.Temperature && pt.Value >= p.cfg.MinTempForFC && pt.Value <= p.cfg.MaxTempForFC {
			n++
		}
	}
	return n
}

func (p *Predictor) confidence(s SignalScores) float64 {
	return clamp01(p.cfg.Weights.Combine(s))
}

func (p *Predictor) scoresAt(at time.Time, byMetric map[units.Metric]series) SignalScores {
	return SignalScores{
		TemperatureRoR:   p.scorePattern(at, byMetric[units.Temperature]),
		VOCSpike:         p.scoreSpike(at, byMetric[units.VOC], p.cfg.VOCSpikeThreshold),
		CO2Pattern:       p.scoreSpike(at, byMetric[units.CO2], p.cfg.CO2SpikeThreshold),
		HumidityResponse: p.scoreSpike(at, byMetric[units.Humidity], p.cfg.HumiditySpikeThreshold),
	}
}

// scorePattern compares the rate of rise before the candidate with the rate
// after it. Offsets in [-far, -near] are "before"; offsets in (near, far]
// are "after"; the band around the candidate itself is ignored.
func (p *Predictor) scorePattern(at time.Time, temps series) float64 {
	near, far := p.cfg.PatternNear, p.cfg.PatternFar
	var before, after series
	for _, s := range temps {
		diff := s.at.Sub(at)
		switch {
		case diff >= -far && diff <= -near:
			before = append(before, s)
		case diff >= -near && diff <= near:
			// around the candidate
		case diff >= near && diff <= far:
			after = append(after, s)
		}
	}
	if len(before) < minPatternPoints {
		return 0
	}
	beforeRoR, _ := averageRoR(before)

	if len(after) >= minPatternPoints {
		afterRoR, _ := averageRoR(after)
		change := beforeRoR - afterRoR
		switch {
		case change >= 2.0:
			return 1.0
		case change >= 1.0:
			return 0.8
		case change >= 0.3:
			return 0.6
		case change >= 0:
			return 0.4
		default:
			return 0.2
		}
	}

	switch {
	case beforeRoR >= 0 && beforeRoR <= 8:
		return 0.5
	case beforeRoR > 8:
		return 0.3
	default:
		return 0.1
	}
}

// scoreSpike compares samples in [-far, -before] with samples in
// (-before, after] around the candidate. The spike window starts before
// the candidate, not 30s after it.
func (p *Predictor) scoreSpike(at time.Time, s series, threshold float64) float64 {
	var baseline, spike []float64
	for _, pt := range s {
		diff := pt.at.Sub(at)
		switch {
		case diff >= -p.cfg.PatternFar && diff <= -p.cfg.SpikeBefore:
			baseline = append(baseline, pt.value)
		case diff >= -p.cfg.SpikeBefore && diff <= p.cfg.SpikeAfter:
			spike = append(spike, pt.value)
		}
	}
	if len(baseline) == 0 || len(spike) == 0 {
		return 0
	}
	base := mean(baseline)
	if base <= 0 {
		return 0
	}
	ratio := mean(spike) / base
	switch {
	case ratio >= threshold*1.5:
		return 1.0
	case ratio >= threshold:
		return 0.8
	case ratio >= threshold*0.8:
		return 0.4
	default:
		return 0
	}
}
