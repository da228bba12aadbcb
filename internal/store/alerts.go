package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kestrel-data/floorsight/internal/occupancy"
)

// UpsertAlertRule inserts or updates an alert rule.
func (s *Store) UpsertAlertRule(ctx context.Context, r *occupancy.Rule) error {
	query := `
		INSERT INTO zone_alert_rules (
			id, venue_id, roi_id, metric, operator,
			threshold, enabled, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			roi_id = excluded.roi_id,
			metric = excluded.metric,
			operator = excluded.operator,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			updated_at_ms = excluded.updated_at_ms
	`
	if _, err := s.ExecContext(ctx, query,
		r.ID, r.VenueID, r.RoiID, string(r.Metric), string(r.Operator),
		r.Threshold, r.Enabled, r.CreatedUnixMillis, r.UpdatedUnixMillis,
	); err != nil {
		return fmt.Errorf("upsert alert rule %s: %w", r.ID, err)
	}
	return nil
}

// GetAlertRule returns one rule by id, or ErrNotFound.
func (s *Store) GetAlertRule(ctx context.Context, id string) (*occupancy.Rule, error) {
	query := `
		SELECT id, venue_id, roi_id, metric, operator,
			threshold, enabled, created_at_ms, updated_at_ms
		FROM zone_alert_rules
		WHERE id = ?
	`
	r, err := scanAlertRule(s.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert rule %s: %w", id, err)
	}
	return r, nil
}

// ListAlertRules returns a venue's rules ordered by id. An empty venueID
// returns every rule.
func (s *Store) ListAlertRules(ctx context.Context, venueID string) ([]occupancy.Rule, error) {
	query := `
		SELECT id, venue_id, roi_id, metric, operator,
			threshold, enabled, created_at_ms, updated_at_ms
		FROM zone_alert_rules
	`
	var args []any
	if venueID != "" {
		query += " WHERE venue_id = ?"
		args = append(args, venueID)
	}
	query += " ORDER BY id"

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var out []occupancy.Rule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteAlertRule removes a rule by id, or returns ErrNotFound.
func (s *Store) DeleteAlertRule(ctx context.Context, id string) error {
	res, err := s.ExecContext(ctx, `DELETE FROM zone_alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete alert rule %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAlertRule(row rowScanner) (*occupancy.Rule, error) {
	var r occupancy.Rule
	var metric, operator string
	if err := row.Scan(
		&r.ID, &r.VenueID, &r.RoiID, &metric, &operator,
		&r.Threshold, &r.Enabled, &r.CreatedUnixMillis, &r.UpdatedUnixMillis,
	); err != nil {
		return nil, err
	}
	r.Metric = occupancy.Metric(metric)
	r.Operator = occupancy.Operator(operator)
	return &r, nil
}
