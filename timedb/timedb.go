// ABOUTME: SQLite-backed per-file duration history across runs.
// ABOUTME: Feeds ETA estimation; always rebuildable, never a source of truth for completion.
package timedb

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store records how long each input file took to process, keyed by basename
// and run ID. Durations accumulate across runs so estimates improve over time.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS file_timings (
			basename    TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			seconds     REAL NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (basename, run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_timings_basename ON file_timings(basename);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record upserts one file's processing duration for a run.
func (s *Store) Record(runID, basename string, seconds float64) error {
	_, err := s.db.Exec(
		`INSERT INTO file_timings (basename, run_id, seconds, recorded_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(basename, run_id) DO UPDATE SET
		   seconds = excluded.seconds,
		   recorded_at = excluded.recorded_at`,
		basename, runID, seconds, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record timing: %w", err)
	}
	return nil
}

// AverageSeconds returns the mean duration across all recorded files, or 0
// with ok=false when no history exists yet.
func (s *Store) AverageSeconds() (avg float64, ok bool, err error) {
	row := s.db.QueryRow(`SELECT COALESCE(AVG(seconds), 0), COUNT(*) FROM file_timings`)
	var count int
	if err := row.Scan(&avg, &count); err != nil {
		return 0, false, fmt.Errorf("average timing: %w", err)
	}
	return avg, count > 0, nil
}

// AverageFor returns the mean recorded duration for one basename, or
// ok=false if it has never been processed.
func (s *Store) AverageFor(basename string) (avg float64, ok bool, err error) {
	row := s.db.QueryRow(`SELECT COALESCE(AVG(seconds), 0), COUNT(*) FROM file_timings WHERE basename = ?`, basename)
	var count int
	if err := row.Scan(&avg, &count); err != nil {
		return 0, false, fmt.Errorf("average timing for %q: %w", basename, err)
	}
	return avg, count > 0, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
