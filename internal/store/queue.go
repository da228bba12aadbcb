package store

import (
	"context"
	"fmt"

	"github.com/kestrel-data/floorsight/internal/analytics"
	"github.com/kestrel-data/floorsight/internal/queueing"
)

// upsertQueueSession writes one session row. A session's id is written on
// open and again on every update and close, so the statement upserts.
func upsertQueueSession(ctx context.Context, e execer, qs *queueing.Session) error {
	query := `
		INSERT INTO queue_sessions (
			id, venue_id, queue_roi_id, service_roi_id, track_key,
			queue_entry_ms, queue_exit_ms, waiting_time_ms,
			service_entry_ms, service_exit_ms, is_abandoned
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			queue_exit_ms = excluded.queue_exit_ms,
			waiting_time_ms = excluded.waiting_time_ms,
			service_entry_ms = excluded.service_entry_ms,
			service_exit_ms = excluded.service_exit_ms,
			is_abandoned = excluded.is_abandoned
	`
	if _, err := e.ExecContext(ctx, query,
		qs.ID, qs.VenueID, qs.QueueRoiID, qs.ServiceRoiID, qs.TrackKey,
		qs.QueueEntryUnixMillis, qs.QueueExitUnixMillis, qs.WaitingTimeMs,
		qs.ServiceEntryUnixMillis, qs.ServiceExitUnixMillis, qs.IsAbandoned,
	); err != nil {
		return fmt.Errorf("upsert queue session %s: %w", qs.ID, err)
	}
	return nil
}

// UpsertQueueSession inserts or updates one queue session row.
func (s *Store) UpsertQueueSession(ctx context.Context, qs *queueing.Session) error {
	return upsertQueueSession(ctx, s.DB, qs)
}

// QueueSessionFilter narrows ListQueueSessions. RoiID matches the queue
// lane; the time window applies to queue_entry_ms. Abandoned nil means both.
type QueueSessionFilter struct {
	VenueID    string
	RoiID      string
	FromMillis int64
	ToMillis   int64
	Abandoned  *bool
	Limit      int
}

// ListQueueSessions returns session rows newest-first by queue entry.
func (s *Store) ListQueueSessions(ctx context.Context, f QueueSessionFilter) ([]queueing.Session, error) {
	query := `
		SELECT id, venue_id, queue_roi_id, service_roi_id, track_key,
			queue_entry_ms, queue_exit_ms, waiting_time_ms,
			service_entry_ms, service_exit_ms, is_abandoned
		FROM queue_sessions
		WHERE 1=1
	`
	var args []any
	if f.VenueID != "" {
		query += " AND venue_id = ?"
		args = append(args, f.VenueID)
	}
	if f.RoiID != "" {
		query += " AND queue_roi_id = ?"
		args = append(args, f.RoiID)
	}
	if f.FromMillis > 0 {
		query += " AND queue_entry_ms >= ?"
		args = append(args, f.FromMillis)
	}
	if f.ToMillis > 0 {
		query += " AND queue_entry_ms <= ?"
		args = append(args, f.ToMillis)
	}
	if f.Abandoned != nil {
		query += " AND is_abandoned = ?"
		args = append(args, *f.Abandoned)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY queue_entry_ms DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue sessions: %w", err)
	}
	defer rows.Close()

	var out []queueing.Session
	for rows.Next() {
		var qs queueing.Session
		if err := rows.Scan(
			&qs.ID, &qs.VenueID, &qs.QueueRoiID, &qs.ServiceRoiID, &qs.TrackKey,
			&qs.QueueEntryUnixMillis, &qs.QueueExitUnixMillis, &qs.WaitingTimeMs,
			&qs.ServiceEntryUnixMillis, &qs.ServiceExitUnixMillis, &qs.IsAbandoned,
		); err != nil {
			return nil, fmt.Errorf("scan queue session: %w", err)
		}
		out = append(out, qs)
	}
	return out, rows.Err()
}

// QueueAggregate counts sessions entered in the window and how many of them
// were abandoned. roiID may be empty to aggregate the whole venue.
func (s *Store) QueueAggregate(ctx context.Context, venueID, roiID string, fromMillis, toMillis int64) (analytics.QueueAggregate, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(is_abandoned), 0)
		FROM queue_sessions
		WHERE venue_id = ? AND queue_entry_ms >= ? AND queue_entry_ms <= ?
	`
	args := []any{venueID, fromMillis, toMillis}
	if roiID != "" {
		query += " AND queue_roi_id = ?"
		args = append(args, roiID)
	}

	var agg analytics.QueueAggregate
	if err := s.QueryRowContext(ctx, query, args...).Scan(&agg.Sessions, &agg.Abandoned); err != nil {
		return analytics.QueueAggregate{}, fmt.Errorf("query queue aggregate: %w", err)
	}
	return agg, nil
}
