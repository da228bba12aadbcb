// Package store persists venue layout and analytics output to SQLite and
// serves the read queries behind the HTTP API.
//
// Layout tables (ROIs, settings, links, alert rules) are authoritative: the
// engines reload from here on refresh. Analytics tables (visits, queue
// sessions, occupancy snapshots, ledger) are write-behind via Writer so the
// venue loop never blocks on disk. All timestamps are unix milliseconds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite handle. *sql.DB is embedded so debug tooling can
// drop to raw queries.
type Store struct {
	*sql.DB
	path string
}

// execer is the subset of *sql.DB and *sql.Tx the write helpers run on, so
// the same statement code serves both direct calls and writer transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open opens (creating if needed) the SQLite database at path and applies
// the session pragmas. It does not run migrations; see MigrateUp.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &Store{DB: db, path: path}, nil
}

// Path returns the filesystem path the store was opened with.
func (s *Store) Path() string { return s.path }

// Ping reports whether the database answers a trivial query. The health
// endpoint surfaces the result as dbOk.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Venues returns the distinct venue ids present in the layout and analytics
// tables, sorted.
func (s *Store) Venues(ctx context.Context) ([]string, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT venue_id FROM regions_of_interest
		UNION
		SELECT venue_id FROM zone_visits
		UNION
		SELECT venue_id FROM activity_ledger
		ORDER BY venue_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query venues: %w", err)
	}
	defer rows.Close()

	var venues []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan venue: %w", err)
		}
		venues = append(venues, v)
	}
	return venues, rows.Err()
}
