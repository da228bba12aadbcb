package store

import (
	"context"
	"fmt"

	"github.com/kestrel-data/floorsight/internal/analytics"
	"github.com/kestrel-data/floorsight/internal/visits"
)

// upsertVisit writes one visit row. The same id is written twice per visit
// (open, then close), so the statement is an idempotent upsert: writer
// retries and the open-then-close sequence both land on one row.
func upsertVisit(ctx context.Context, e execer, v *visits.Visit) error {
	query := `
		INSERT INTO zone_visits (
			id, venue_id, roi_id, track_key,
			start_time_ms, end_time_ms, duration_ms, is_dwell, is_engagement
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time_ms = excluded.end_time_ms,
			duration_ms = excluded.duration_ms,
			is_dwell = excluded.is_dwell,
			is_engagement = excluded.is_engagement
	`
	if _, err := e.ExecContext(ctx, query,
		v.ID, v.VenueID, v.RoiID, v.TrackKey,
		v.StartUnixMillis, v.EndUnixMillis, v.DurationMs, v.IsDwell, v.IsEngagement,
	); err != nil {
		return fmt.Errorf("upsert visit %s: %w", v.ID, err)
	}
	return nil
}

// UpsertVisit inserts or updates one visit row.
func (s *Store) UpsertVisit(ctx context.Context, v *visits.Visit) error {
	return upsertVisit(ctx, s.DB, v)
}

// VisitFilter narrows ListVisits. Zero fields are skipped; the time window
// applies to start_time_ms.
type VisitFilter struct {
	VenueID    string
	RoiID      string
	FromMillis int64
	ToMillis   int64
	Limit      int
}

// ListVisits returns visit rows newest-first.
func (s *Store) ListVisits(ctx context.Context, f VisitFilter) ([]visits.Visit, error) {
	query := `
		SELECT id, venue_id, roi_id, track_key,
			start_time_ms, end_time_ms, duration_ms, is_dwell, is_engagement
		FROM zone_visits
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
		query += " AND start_time_ms >= ?"
		args = append(args, f.FromMillis)
	}
	if f.ToMillis > 0 {
		query += " AND start_time_ms <= ?"
		args = append(args, f.ToMillis)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY start_time_ms DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	var out []visits.Visit
	for rows.Next() {
		var v visits.Visit
		if err := rows.Scan(
			&v.ID, &v.VenueID, &v.RoiID, &v.TrackKey,
			&v.StartUnixMillis, &v.EndUnixMillis, &v.DurationMs, &v.IsDwell, &v.IsEngagement,
		); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// VisitAggregate summarizes closed visits whose end falls in the window.
// roiID may be empty to aggregate the whole venue.
func (s *Store) VisitAggregate(ctx context.Context, venueID, roiID string, fromMillis, toMillis int64) (analytics.VisitAggregate, error) {
	query := `
		SELECT duration_ms, is_dwell, is_engagement
		FROM zone_visits
		WHERE venue_id = ? AND end_time_ms > 0
			AND end_time_ms >= ? AND end_time_ms <= ?
	`
	args := []any{venueID, fromMillis, toMillis}
	if roiID != "" {
		query += " AND roi_id = ?"
		args = append(args, roiID)
	}

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return analytics.VisitAggregate{}, fmt.Errorf("query visit aggregate: %w", err)
	}
	defer rows.Close()

	var agg analytics.VisitAggregate
	for rows.Next() {
		var durationMs float64
		var isDwell, isEngagement bool
		if err := rows.Scan(&durationMs, &isDwell, &isEngagement); err != nil {
			return analytics.VisitAggregate{}, fmt.Errorf("scan visit aggregate: %w", err)
		}
		agg.DurationsMs = append(agg.DurationsMs, durationMs)
		if isDwell {
			agg.DwellCount++
		}
		if isEngagement {
			agg.EngagementCount++
		}
	}
	return agg, rows.Err()
}
