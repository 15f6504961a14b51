package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNoHistory = errors.New("no recorded case durations")

// InitDB opens (and if needed creates) the per-case duration history
// database. Durations feed the ETA average before the first case of a fresh
// run completes.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS case_durations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			case_name TEXT NOT NULL,
			millis INTEGER NOT NULL,
			recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS case_durations_case ON case_durations (case_name)`,
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Record stores one completed case duration.
func Record(ctx context.Context, db *sql.DB, runID, caseName string, d time.Duration) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO case_durations (run_id, case_name, millis) VALUES (?,?,?)`,
		runID, caseName, d.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording case duration: %w", err)
	}
	return nil
}

// AverageDuration returns the mean duration over the most recent limit
// rows, or ErrNoHistory when nothing was recorded yet.
func AverageDuration(ctx context.Context, db *sql.DB, limit int) (time.Duration, error) {
	if limit <= 0 {
		limit = 100
	}
	row := db.QueryRowContext(ctx,
		`SELECT AVG(millis) FROM (
			SELECT millis FROM case_durations ORDER BY id DESC LIMIT ?
		)`, limit,
	)
	var avg sql.NullFloat64
	if err := row.Scan(&avg); err != nil {
		return 0, fmt.Errorf("querying case durations: %w", err)
	}
	if !avg.Valid {
		return 0, ErrNoHistory
	}
	return time.Duration(avg.Float64 * float64(time.Millisecond)), nil
}

// CaseAverage returns the mean recorded duration of one named case.
func CaseAverage(ctx context.Context, db *sql.DB, caseName string) (time.Duration, error) {
	row := db.QueryRowContext(ctx,
		`SELECT AVG(millis) FROM case_durations WHERE case_name=?`, caseName,
	)
	var avg sql.NullFloat64
	if err := row.Scan(&avg); err != nil {
		return 0, fmt.Errorf("querying case %q: %w", caseName, err)
	}
	if !avg.Valid {
		return 0, ErrNoHistory
	}
	return time.Duration(avg.Float64 * float64(time.Millisecond)), nil
}
