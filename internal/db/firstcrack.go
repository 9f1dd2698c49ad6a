package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/roast.report/internal/firstcrack"
)

// FirstCrackEvent is the recorded first crack of a roast, marked by hand or
// fired by the online detector.
type FirstCrackEvent struct {
	RoastID         string                  `json:"roast_id"`
	Timestamp       time.Time               `json:"timestamp"`
	DetectionMethod firstcrack.Method       `json:"detection_method"`
	ConfidenceScore float64                 `json:"confidence_score"`
	Temperature     *float64                `json:"temperature"`
	SignalScores    firstcrack.SignalScores `json:"signal_scores"`
	CreatedAt       time.Time               `json:"created_at"`
}

// FirstCrackPrediction is the best hindsight estimate for a roast.
type FirstCrackPrediction struct {
	RoastID            string                  `json:"roast_id"`
	Timestamp          time.Time               `json:"timestamp"`
	ConfidenceScore    float64                 `json:"confidence_score"`
	Temperature        *float64                `json:"temperature"`
	SignalScores       firstcrack.SignalScores `json:"signal_scores"`
	DataPointsAnalyzed int                     `json:"data_points_analyzed"`
	CreatedAt          time.Time               `json:"created_at"`
}

// UpsertFirstCrackEvent stores e as the roast's first crack, replacing any
// earlier event whatever its detection method.
func (db *DB) UpsertFirstCrackEvent(e *FirstCrackEvent) error {
	if e.DetectionMethod != firstcrack.Manual && e.DetectionMethod != firstcrack.Automatic {
		return fmt.Errorf("invalid detection method %q", e.DetectionMethod)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s := e.SignalScores
	_, err := db.DB.Exec(`
		INSERT INTO first_crack_events (
			roast_id, timestamp, detection_method, confidence_score, temperature,
			temperature_ror_score, voc_spike_score, co2_pattern_score, humidity_response_score,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (roast_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			detection_method = excluded.detection_method,
			confidence_score = excluded.confidence_score,
			temperature = excluded.temperature,
			temperature_ror_score = excluded.temperature_ror_score,
			voc_spike_score = excluded.voc_spike_score,
			co2_pattern_score = excluded.co2_pattern_score,
			humidity_response_score = excluded.humidity_response_score,
			created_at = excluded.created_at
	`, e.RoastID, toNanos(e.Timestamp), string(e.DetectionMethod), e.ConfidenceScore, e.Temperature,
		s.TemperatureRoR, s.VOCSpike, s.CO2Pattern, s.HumidityResponse, toNanos(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to store first crack event: %w", err)
	}
	return nil
}

// GetFirstCrackEvent returns the roast's first crack, or ErrNotFound.
func (db *DB) GetFirstCrackEvent(roastID string) (*FirstCrackEvent, error) {
	var e FirstCrackEvent
	var ts, created int64
	var method string
	var temp sql.NullFloat64
	err := db.DB.QueryRow(`
		SELECT roast_id, timestamp, detection_method, confidence_score, temperature,
			temperature_ror_score, voc_spike_score, co2_pattern_score, humidity_response_score,
			created_at
		FROM first_crack_events
		WHERE roast_id = ?
	`, roastID).Scan(&e.RoastID, &ts, &method, &e.ConfidenceScore, &temp,
		&e.SignalScores.TemperatureRoR, &e.SignalScores.VOCSpike,
		&e.SignalScores.CO2Pattern, &e.SignalScores.HumidityResponse, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("first crack for roast %s: %w", roastID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get first crack event: %w", err)
	}
	e.Timestamp = fromNanos(ts)
	e.DetectionMethod = firstcrack.Method(method)
	e.CreatedAt = fromNanos(created)
	if temp.Valid {
		e.Temperature = &temp.Float64
	}
	return &e, nil
}

// UpsertFirstCrackPrediction stores p unless the roast already has a
// prediction with higher confidence. It reports whether p was written.
func (db *DB) UpsertFirstCrackPrediction(p *FirstCrackPrediction) (bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s := p.SignalScores
	res, err := db.DB.Exec(`
		INSERT INTO first_crack_predictions (
			roast_id, timestamp, confidence_score, temperature,
			temperature_ror_score, voc_spike_score, co2_pattern_score, humidity_response_score,
			data_points_analyzed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (roast_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			confidence_score = excluded.confidence_score,
			temperature = excluded.temperature,
			temperature_ror_score = excluded.temperature_ror_score,
			voc_spike_score = excluded.voc_spike_score,
			co2_pattern_score = excluded.co2_pattern_score,
			humidity_response_score = excluded.humidity_response_score,
			data_points_analyzed = excluded.data_points_analyzed,
			created_at = excluded.created_at
		WHERE excluded.confidence_score >= first_crack_predictions.confidence_score
	`, p.RoastID, toNanos(p.Timestamp), p.ConfidenceScore, p.Temperature,
		s.TemperatureRoR, s.VOCSpike, s.CO2Pattern, s.HumidityResponse,
		p.DataPointsAnalyzed, toNanos(p.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to store first crack prediction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to store first crack prediction: %w", err)
	}
	return n > 0, nil
}

// GetFirstCrackPrediction returns the roast's stored prediction, or
// ErrNotFound.
func (db *DB) GetFirstCrackPrediction(roastID string) (*FirstCrackPrediction, error) {
	var p FirstCrackPrediction
	var ts, created int64
	var temp sql.NullFloat64
	err := db.DB.QueryRow(`
		SELECT roast_id, timestamp, confidence_score, temperature,
			temperature_ror_score, voc_spike_score, co2_pattern_score, humidity_response_score,
			data_points_analyzed, created_at
		FROM first_crack_predictions
		WHERE roast_id = ?
	`, roastID).Scan(&p.RoastID, &ts, &p.ConfidenceScore, &temp,
		&p.SignalScores.TemperatureRoR, &p.SignalScores.VOCSpike,
		&p.SignalScores.CO2Pattern, &p.SignalScores.HumidityResponse,
		&p.DataPointsAnalyzed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prediction for roast %s: %w", roastID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get first crack prediction: %w", err)
	}
	p.Timestamp = fromNanos(ts)
	p.CreatedAt = fromNanos(created)
	if temp.Valid {
		p.Temperature = &temp.Float64
	}
	return &p, nil
}
