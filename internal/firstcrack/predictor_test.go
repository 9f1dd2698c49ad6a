package firstcrack

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roast.report/internal/units"
)

// roastProfile samples every 5s for ten minutes. Temperature rises at
// 6°C/min from 150°C and then slows to 0.6°C/min at 300s, where VOC, CO2
// and humidity step up.
func roastProfile() []Point {
	var points []Point
	for sec := 0; sec <= 600; sec += 5 {
		s := float64(sec)
		temp := 150 + 0.5*float64(sec/5)
		voc, co2, hum := 100.0, 400.0, 40.0
		if sec >= 300 {
			temp = 180 + 0.05*float64((sec-300)/5)
			voc, co2, hum = 200, 600, 50
		}
		points = append(points,
			pt(s, units.Temperature, temp),
			pt(s, units.VOC, voc),
			pt(s, units.CO2, co2),
			pt(s, units.Humidity, hum),
		)
	}
	return points
}

func TestPredictor_FindsStall(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())

	res := p.Predict(roastProfile())
	require.NotNil(t, res)

	assert.Equal(t, Predicted, res.DetectionMethod)
	assert.Equal(t, at(310), res.Timestamp)
	assert.InDelta(t, 180.1, res.Temperature, 1e-9)
	assert.InDelta(t, 0.94, res.ConfidenceScore, 1e-9)
	assert.Equal(t, SignalScores{
		TemperatureRoR:   1.0,
		VOCSpike:         1.0,
		CO2Pattern:       0.8,
		HumidityResponse: 0.8,
	}, res.SignalScores)
}

func TestPredictor_NoCandidates(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())

	var points []Point
	for sec := 0; sec <= 300; sec += 5 {
		s := float64(sec)
		points = append(points,
			pt(s, units.Temperature, 20+float64(sec)/60),
			pt(s, units.VOC, 100+float64(sec)),
			pt(s, units.CO2, 400+float64(sec)),
		)
	}

	assert.Zero(t, p.Candidates(points))
	assert.Nil(t, p.Predict(points))
	assert.Nil(t, p.Predict(nil))
}

func TestPredictor_CandidateRange(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	points := []Point{
		pt(0, units.Temperature, 29.9),
		pt(5, units.Temperature, 30),
		pt(10, units.Temperature, 220),
		pt(15, units.Temperature, 220.1),
		pt(20, units.VOC, 100),
	}
	assert.Equal(t, 2, p.Candidates(points))
}

func TestPredictor_NeverReturnsOutOfRange(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())

	shift := func(offset float64) []Point {
		var out []Point
		for _, pnt := range roastProfile() {
			if pnt.Metric == units.Temperature {
				pnt.Value += offset
			}
			out = append(out, pnt)
		}
		return out
	}

	t.Run("all above range", func(t *testing.T) {
		points := shift(71)
		conf := p.confidence(p.scoresAt(at(310), groupByMetric(points)))
		assert.GreaterOrEqual(t, conf, p.Config().ConfidenceThreshold)
		assert.Zero(t, p.Candidates(points))
		assert.Nil(t, p.Predict(points))
	})

	t.Run("all below range", func(t *testing.T) {
		assert.Nil(t, p.Predict(shift(-154)))
	})

	t.Run("best sample at 220.1", func(t *testing.T) {
		points := shift(40)
		res := p.Predict(points)
		if res == nil {
			return
		}
		assert.NotEqual(t, at(310), res.Timestamp)
		assert.GreaterOrEqual(t, res.Temperature, 30.0)
		assert.LessOrEqual(t, res.Temperature, 220.0)
	})
}

func TestPredictor_TieKeepsEarliest(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.Weights = Weights{Temperature: 1}
	cfg.ConfidenceThreshold = 0.3
	p := NewPredictor(cfg)

	// Steady 10°C/min heating: every candidate with full windows on both
	// sides scores 0.4, candidates near the end fall back to 0.3.
	var points []Point
	for i := 0; i <= 40; i++ {
		points = append(points, pt(float64(i*15), units.Temperature, 40+2.5*float64(i)))
	}

	for seed := uint64(0); seed <= 3; seed++ {
		in := points
		if seed > 0 {
			in = shuffled(points, seed)
		}
		res := p.Predict(in)
		require.NotNil(t, res)
		assert.Equal(t, at(45), res.Timestamp, "seed %d", seed)
		assert.Equal(t, 47.5, res.Temperature)
		assert.Equal(t, 0.4, res.ConfidenceScore)
	}
	assert.Equal(t, 0.4, p.confidence(p.scoresAt(at(300), groupByMetric(points))))
}

func TestPredictor_BelowThreshold(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())

	// Steady heating and flat gases: pattern 0.4 at best, no spikes.
	var points []Point
	for sec := 0; sec <= 600; sec += 5 {
		s := float64(sec)
		points = append(points,
			pt(s, units.Temperature, 150+0.5*float64(sec/5)),
			pt(s, units.VOC, 100),
		)
	}
	assert.Nil(t, p.Predict(points))
}

func TestPredictor_PatternScore(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	candidate := at(300)

	temps := func(pairs ...float64) series {
		var pts []Point
		for i := 0; i < len(pairs); i += 2 {
			pts = append(pts, pt(pairs[i], units.Temperature, pairs[i+1]))
		}
		return groupByMetric(pts)[units.Temperature]
	}

	tests := []struct {
		name  string
		temps series
		want  float64
	}{
		{"too few before", temps(200, 150, 300, 160), 0},
		{"fallback moderate heating", temps(200, 150, 260, 156), 0.5},
		{"fallback fast heating", temps(200, 150, 260, 162), 0.3},
		{"fallback cooling", temps(200, 150, 260, 149), 0.1},
		{"strong stall", temps(200, 150, 260, 156, 340, 160, 400, 160), 1.0},
		{"mild stall", temps(200, 150, 260, 156, 340, 160, 400, 164.5), 0.8},
		{"acceleration", temps(200, 150, 260, 156, 340, 160, 400, 170), 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.scorePattern(candidate, tt.temps))
		})
	}
}

func TestPredictor_SpikeBands(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	candidate := at(300)

	tests := []struct {
		spike float64
		want  float64
	}{
		{190, 1.0},
		{120, 0.8},
		{100, 0.4},
		{90, 0},
	}
	for _, tt := range tests {
		s := groupByMetric([]Point{
			pt(200, units.VOC, 100),
			pt(260, units.VOC, 100),
			pt(300, units.VOC, tt.spike),
			pt(340, units.VOC, tt.spike),
		})[units.VOC]
		assert.Equal(t, tt.want, p.scoreSpike(candidate, s, 1.2), "spike=%v", tt.spike)
	}
}

func TestPredictor_Deterministic(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	points := roastProfile()

	want := p.Predict(points)
	require.NotNil(t, want)
	for seed := uint64(1); seed <= 5; seed++ {
		got := p.Predict(shuffled(points, seed))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("seed %d: result mismatch (-want +got):\n%s", seed, diff)
		}
	}
}

func TestPredictor_LiveEdgeFallback(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())

	var partial []Point
	for _, pnt := range roastProfile() {
		if !pnt.Timestamp.After(at(180)) {
			partial = append(partial, pnt)
		}
	}
	live := groupByMetric(partial)[units.Temperature]
	full := groupByMetric(roastProfile())[units.Temperature]

	// With no samples after the candidate the before-only heuristic applies.
	// Once steady heating fills the "after" window the same candidate
	// scores lower.
	assert.Equal(t, 0.5, p.scorePattern(at(150), live))
	assert.Less(t, p.scorePattern(at(150), full), 0.5)
}
