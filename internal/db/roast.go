package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RoastStatus is the lifecycle state of a roast session.
type RoastStatus string

const (
	RoastActive    RoastStatus = "active"
	RoastCompleted RoastStatus = "completed"
)

// RoastSession is one roast from start to end.
type RoastSession struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	StartTime time.Time   `json:"start_time"`
	EndTime   *time.Time  `json:"end_time"`
	Status    RoastStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Elapsed returns how long the roast has been running at now, or its total
// duration once ended.
func (r *RoastSession) Elapsed(now time.Time) time.Duration {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime)
	}
	return now.Sub(r.StartTime)
}

// RoastSummary is a roast session with aggregate data used for listings.
type RoastSummary struct {
	RoastSession
	DataCount int      `json:"data_count"`
	PeakTemp  *float64 `json:"peak_temp"`
}

// DefaultRoastName is used when a roast is started without a name.
func DefaultRoastName(start time.Time) string {
	return start.Local().Format("2006-01-02 15:04:05")
}

const roastColumns = `id, name, start_time, end_time, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoast(row rowScanner, extra ...any) (*RoastSession, error) {
	var r RoastSession
	var start, created int64
	var end sql.NullInt64
	var status string
	dest := append([]any{&r.ID, &r.Name, &start, &end, &status, &created}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.StartTime = fromNanos(start)
	r.EndTime = nullTime(end)
	r.Status = RoastStatus(status)
	r.CreatedAt = fromNanos(created)
	return &r, nil
}

// CreateRoastSession creates a new active roast starting at start. It
// returns ErrRoastActive if another roast is still active.
func (db *DB) CreateRoastSession(name string, start time.Time) (*RoastSession, error) {
	if name == "" {
		name = DefaultRoastName(start)
	}
	r := &RoastSession{
		ID:        uuid.NewString(),
		Name:      name,
		StartTime: start.UTC(),
		Status:    RoastActive,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.DB.Exec(`
		INSERT INTO roast_sessions (id, name, start_time, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Name, toNanos(r.StartTime), string(r.Status), toNanos(r.CreatedAt))
	if isUniqueViolation(err) {
		return nil, ErrRoastActive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create roast session: %w", err)
	}
	return r, nil
}

// GetRoastSession retrieves a roast by ID.
func (db *DB) GetRoastSession(id string) (*RoastSession, error) {
	r, err := scanRoast(db.DB.QueryRow(`SELECT `+roastColumns+` FROM roast_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("roast %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get roast session: %w", err)
	}
	return r, nil
}

// GetActiveRoastSession returns the active roast, or ErrNotFound when no
// roast is running.
func (db *DB) GetActiveRoastSession() (*RoastSession, error) {
	r, err := scanRoast(db.DB.QueryRow(`
		SELECT ` + roastColumns + `
		FROM roast_sessions
		WHERE status = 'active'
		ORDER BY start_time DESC
		LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active roast: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active roast session: %w", err)
	}
	return r, nil
}

// EndRoastSession completes an active roast at end. It reports false when
// the roast does not exist or has already been stopped.
func (db *DB) EndRoastSession(id string, end time.Time) (bool, error) {
	res, err := db.DB.Exec(`
		UPDATE roast_sessions
		SET end_time = ?, status = 'completed'
		WHERE id = ? AND status = 'active'
	`, toNanos(end), id)
	if err != nil {
		return false, fmt.Errorf("failed to end roast session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to end roast session: %w", err)
	}
	return n > 0, nil
}

// DeleteRoastSession removes a completed roast and everything recorded for
// it. Active roasts must be stopped first.
func (db *DB) DeleteRoastSession(id string) error {
	r, err := db.GetRoastSession(id)
	if err != nil {
		return err
	}
	if r.Status == RoastActive {
		return ErrRoastActive
	}
	if _, err := db.DB.Exec(`DELETE FROM roast_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete roast session: %w", err)
	}
	return nil
}

// ListRoastSessions returns the most recent roasts first, at most limit.
func (db *DB) ListRoastSessions(limit int) ([]RoastSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.DB.Query(`
		SELECT `+roastColumns+`,
			(SELECT COUNT(*) FROM data_points WHERE roast_id = roast_sessions.id) AS data_count,
			(SELECT MAX(value) FROM data_points
				WHERE roast_id = roast_sessions.id AND metric_type = 'temperature') AS peak_temp
		FROM roast_sessions
		ORDER BY start_time DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query roast sessions: %w", err)
	}
	defer rows.Close()

	roasts := []RoastSummary{}
	for rows.Next() {
		var count int
		var peak sql.NullFloat64
		r, err := scanRoast(rows, &count, &peak)
		if err != nil {
			return nil, fmt.Errorf("failed to scan roast session: %w", err)
		}
		s := RoastSummary{RoastSession: *r, DataCount: count}
		if peak.Valid {
			s.PeakTemp = &peak.Float64
		}
		roasts = append(roasts, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roast sessions: %w", err)
	}
	return roasts, nil
}
