package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kestrel-data/floorsight/internal/analytics"
	"github.com/kestrel-data/floorsight/internal/occupancy"
)

// insertSnapshots writes a batch of occupancy snapshots. Snapshot ids are
// fresh uuids, so INSERT OR IGNORE makes writer retries harmless.
func insertSnapshots(ctx context.Context, e execer, snaps []occupancy.Snapshot) error {
	query := `
		INSERT OR IGNORE INTO occupancy_snapshots (id, venue_id, roi_id, occupancy, ts_ms)
		VALUES (?, ?, ?, ?, ?)
	`
	for i := range snaps {
		snap := &snaps[i]
		if _, err := e.ExecContext(ctx, query,
			snap.ID, snap.VenueID, snap.RoiID, snap.Occupancy, snap.TSUnixMillis,
		); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
		}
	}
	return nil
}

// InsertSnapshots writes a batch of occupancy snapshots in one transaction.
func (s *Store) InsertSnapshots(ctx context.Context, snaps []occupancy.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	if err := insertSnapshots(ctx, tx, snaps); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// SnapshotFilter narrows ListSnapshots; the window applies to ts_ms.
type SnapshotFilter struct {
	VenueID    string
	RoiID      string
	FromMillis int64
	ToMillis   int64
	Limit      int
}

// ListSnapshots returns the snapshot series oldest-first, for charting.
func (s *Store) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]occupancy.Snapshot, error) {
	query := `
		SELECT id, venue_id, roi_id, occupancy, ts_ms
		FROM occupancy_snapshots
		WHERE 1=1
	`
	var args []any
	if f.VenueID != "" {
		query += " AND venue_id = ?"
		args = append(args, f.VenueID)
	}
	if f.RoiID != "" {
		query += " AND roi_id = ?"
		args = append(args, f.RoiID)
	}
	if f.FromMillis > 0 {
		query += " AND ts_ms >= ?"
		args = append(args, f.FromMillis)
	}
	if f.ToMillis > 0 {
		query += " AND ts_ms <= ?"
		args = append(args, f.ToMillis)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " ORDER BY ts_ms ASC, roi_id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []occupancy.Snapshot
	for rows.Next() {
		var snap occupancy.Snapshot
		if err := rows.Scan(&snap.ID, &snap.VenueID, &snap.RoiID, &snap.Occupancy, &snap.TSUnixMillis); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// OccupancyAggregate returns the mean and peak occupancy over snapshots in
// the window. roiID may be empty to aggregate the whole venue.
func (s *Store) OccupancyAggregate(ctx context.Context, venueID, roiID string, fromMillis, toMillis int64) (analytics.OccupancyAggregate, error) {
	query := `
		SELECT AVG(occupancy), MAX(occupancy)
		FROM occupancy_snapshots
		WHERE venue_id = ? AND ts_ms >= ? AND ts_ms <= ?
	`
	args := []any{venueID, fromMillis, toMillis}
	if roiID != "" {
		query += " AND roi_id = ?"
		args = append(args, roiID)
	}

	var avg sql.NullFloat64
	var peak sql.NullInt64
	if err := s.QueryRowContext(ctx, query, args...).Scan(&avg, &peak); err != nil {
		return analytics.OccupancyAggregate{}, fmt.Errorf("query occupancy aggregate: %w", err)
	}
	return analytics.OccupancyAggregate{Avg: avg.Float64, Peak: int(peak.Int64)}, nil
}
