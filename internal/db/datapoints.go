package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/roast.report/internal/firstcrack"
	"github.com/banshee-data/roast.report/internal/units"
)

// ActiveWithin is how recent the last data point must be for a roast to
// count as recently active.
const ActiveWithin = 5 * time.Minute

// DataPoint is a single persisted sensor measurement.
type DataPoint struct {
	ID         int64        `json:"id"`
	RoastID    string       `json:"roast_id"`
	Timestamp  time.Time    `json:"timestamp"`
	SensorName string       `json:"sensor_name"`
	MetricType units.Metric `json:"metric_type"`
	Value      float64      `json:"value"`
	Unit       string       `json:"unit"`
}

// Points converts persisted data into detector input.
func Points(data []DataPoint) []firstcrack.Point {
	points := make([]firstcrack.Point, len(data))
	for i, d := range data {
		points[i] = firstcrack.Point{Timestamp: d.Timestamp, Metric: d.MetricType, Value: d.Value}
	}
	return points
}

// AddDataPoint appends one measurement to a roast.
func (db *DB) AddDataPoint(roastID, sensorName string, metric units.Metric, value float64, unit string, ts time.Time) error {
	_, err := db.DB.Exec(`
		INSERT INTO data_points (roast_id, timestamp, sensor_name, metric_type, value, unit)
		VALUES (?, ?, ?, ?, ?, ?)
	`, roastID, toNanos(ts), sensorName, string(metric), value, unit)
	if err != nil {
		return fmt.Errorf("failed to add data point: %w", err)
	}
	return nil
}

const dataPointColumns = `id, roast_id, timestamp, sensor_name, metric_type, value, unit`

func (db *DB) queryDataPoints(query string, args ...any) ([]DataPoint, error) {
	rows, err := db.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query data points: %w", err)
	}
	defer rows.Close()

	points := []DataPoint{}
	for rows.Next() {
		p, err := scanDataPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan data point: %w", err)
		}
		points = append(points, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating data points: %w", err)
	}
	return points, nil
}

func scanDataPoint(row rowScanner) (*DataPoint, error) {
	var p DataPoint
	var ts int64
	var metric string
	if err := row.Scan(&p.ID, &p.RoastID, &ts, &p.SensorName, &metric, &p.Value, &p.Unit); err != nil {
		return nil, err
	}
	p.Timestamp = fromNanos(ts)
	p.MetricType = units.Metric(metric)
	return &p, nil
}

// RoastData returns every data point of a roast in time order.
func (db *DB) RoastData(roastID string) ([]DataPoint, error) {
	return db.queryDataPoints(`
		SELECT `+dataPointColumns+`
		FROM data_points
		WHERE roast_id = ?
		ORDER BY timestamp, id
	`, roastID)
}

// DataSince returns data points recorded strictly after since.
func (db *DB) DataSince(roastID string, since time.Time) ([]DataPoint, error) {
	return db.queryDataPoints(`
		SELECT `+dataPointColumns+`
		FROM data_points
		WHERE roast_id = ? AND timestamp > ?
		ORDER BY timestamp, id
	`, roastID, toNanos(since))
}

// LatestDataPoint returns the most recent data point of a roast.
func (db *DB) LatestDataPoint(roastID string) (*DataPoint, error) {
	p, err := scanDataPoint(db.DB.QueryRow(`
		SELECT `+dataPointColumns+`
		FROM data_points
		WHERE roast_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, roastID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("data for roast %s: %w", roastID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest data point: %w", err)
	}
	return p, nil
}

// RoastActivity describes how recently a roast received data.
type RoastActivity struct {
	HasData              bool       `json:"has_data"`
	LastDataTime         *time.Time `json:"last_data_time"`
	MinutesSinceLastData *float64   `json:"minutes_since_last_data"`
	IsRecentlyActive     bool       `json:"is_recently_active"`
}

// RoastActivity reports whether the roast has recorded data within
// ActiveWithin of now.
func (db *DB) RoastActivity(roastID string, now time.Time) (RoastActivity, error) {
	p, err := db.LatestDataPoint(roastID)
	if errors.Is(err, ErrNotFound) {
		return RoastActivity{}, nil
	}
	if err != nil {
		return RoastActivity{}, err
	}
	since := now.Sub(p.Timestamp)
	minutes := since.Minutes()
	return RoastActivity{
		HasData:              true,
		LastDataTime:         &p.Timestamp,
		MinutesSinceLastData: &minutes,
		IsRecentlyActive:     since <= ActiveWithin,
	}, nil
}

// TruncatedRoast describes one roast shortened by TruncateRoastsToMaxTime.
type TruncatedRoast struct {
	RoastID         string     `json:"roast_id"`
	Name            string     `json:"name"`
	StartTime       time.Time  `json:"start_time"`
	OriginalEndTime *time.Time `json:"original_end_time"`
	NewEndTime      time.Time  `json:"new_end_time"`
	DeletedPoints   int64      `json:"deleted_points"`
	RemainingPoints int64      `json:"remaining_points"`
}

// TruncateReport summarises a TruncateRoastsToMaxTime run.
type TruncateReport struct {
	Processed int              `json:"processed"`
	Truncated int              `json:"truncated"`
	Errors    []string         `json:"errors"`
	Details   []TruncatedRoast `json:"details"`
}

// TruncateRoastsToMaxTime removes data recorded after start+max from every
// completed roast and clamps the recorded end time to that cutoff. The
// active roast is left alone; the collector enforces the limit on it.
func (db *DB) TruncateRoastsToMaxTime(maxTime time.Duration) (*TruncateReport, error) {
	if maxTime <= 0 {
		return nil, fmt.Errorf("max roast time must be positive, got %s", maxTime)
	}
	rows, err := db.DB.Query(`SELECT ` + roastColumns + ` FROM roast_sessions WHERE status = 'completed' ORDER BY start_time`)
	if err != nil {
		return nil, fmt.Errorf("failed to query roast sessions: %w", err)
	}
	var roasts []*RoastSession
	for rows.Next() {
		r, err := scanRoast(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan roast session: %w", err)
		}
		roasts = append(roasts, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roast sessions: %w", err)
	}

	report := &TruncateReport{Errors: []string{}, Details: []TruncatedRoast{}}
	for _, r := range roasts {
		report.Processed++
		detail, err := db.truncateRoast(r, r.StartTime.Add(maxTime))
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("roast %s: %v", r.ID, err))
			continue
		}
		if detail != nil {
			report.Truncated++
			report.Details = append(report.Details, *detail)
		}
	}
	return report, nil
}

func (db *DB) truncateRoast(r *RoastSession, cutoff time.Time) (*TruncatedRoast, error) {
	endOK := r.EndTime != nil && !r.EndTime.After(cutoff)

	tx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM data_points WHERE roast_id = ? AND timestamp > ?`, r.ID, toNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("delete data points: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if deleted == 0 && endOK {
		return nil, nil
	}

	newEnd := cutoff
	if endOK {
		newEnd = *r.EndTime
	}
	if _, err := tx.Exec(`UPDATE roast_sessions SET end_time = ? WHERE id = ?`, toNanos(newEnd), r.ID); err != nil {
		return nil, fmt.Errorf("update end time: %w", err)
	}
	var remaining int64
	if err := tx.QueryRow(`SELECT COUNT(*) FROM data_points WHERE roast_id = ?`, r.ID).Scan(&remaining); err != nil {
		return nil, fmt.Errorf("count data points: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &TruncatedRoast{
		RoastID:         r.ID,
		Name:            r.Name,
		StartTime:       r.StartTime,
		OriginalEndTime: r.EndTime,
		NewEndTime:      newEnd,
		DeletedPoints:   deleted,
		RemainingPoints: remaining,
	}, nil
}
