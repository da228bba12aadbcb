package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kestrel-data/floorsight/internal/geo"
	"github.com/kestrel-data/floorsight/internal/roi"
)

// upsertROI runs against the DB or a seeding transaction. ON CONFLICT DO
// UPDATE keeps the row's identity, so settings and links that reference it
// survive an update (INSERT OR REPLACE would cascade-delete them).
func upsertROI(ctx context.Context, e execer, r *roi.ROI) error {
	polygonJSON, err := json.Marshal(r.Polygon)
	if err != nil {
		return fmt.Errorf("marshal polygon for roi %s: %w", r.ID, err)
	}

	query := `
		INSERT INTO regions_of_interest (
			id, venue_id, name, zone_type, polygon_json,
			color, is_open, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			venue_id = excluded.venue_id,
			name = excluded.name,
			zone_type = excluded.zone_type,
			polygon_json = excluded.polygon_json,
			color = excluded.color,
			is_open = excluded.is_open,
			updated_at_ms = excluded.updated_at_ms
	`
	if _, err := e.ExecContext(ctx, query,
		r.ID, r.VenueID, r.Name, string(r.ZoneType), string(polygonJSON),
		r.Color, r.IsOpen, r.CreatedUnixMillis, r.UpdatedUnixMillis,
	); err != nil {
		return fmt.Errorf("upsert roi %s: %w", r.ID, err)
	}
	return nil
}

// UpsertROI inserts or updates a region of interest.
func (s *Store) UpsertROI(ctx context.Context, r *roi.ROI) error {
	return upsertROI(ctx, s.DB, r)
}

// GetROI returns one ROI by id, or ErrNotFound.
func (s *Store) GetROI(ctx context.Context, id string) (*roi.ROI, error) {
	query := `
		SELECT id, venue_id, name, zone_type, polygon_json,
			color, is_open, created_at_ms, updated_at_ms
		FROM regions_of_interest
		WHERE id = ?
	`
	r, err := scanROI(s.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get roi %s: %w", id, err)
	}
	return r, nil
}

// ListROIs returns all ROIs for a venue ordered by id. Satisfies the ROI
// index loader.
func (s *Store) ListROIs(ctx context.Context, venueID string) ([]roi.ROI, error) {
	query := `
		SELECT id, venue_id, name, zone_type, polygon_json,
			color, is_open, created_at_ms, updated_at_ms
		FROM regions_of_interest
		WHERE venue_id = ?
		ORDER BY id
	`
	rows, err := s.QueryContext(ctx, query, venueID)
	if err != nil {
		return nil, fmt.Errorf("list rois for venue %s: %w", venueID, err)
	}
	defer rows.Close()

	var out []roi.ROI
	for rows.Next() {
		r, err := scanROI(rows)
		if err != nil {
			return nil, fmt.Errorf("scan roi: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteROI removes an ROI. Zone settings and links referencing it go with
// it via foreign key cascade. Historical visit rows are kept.
func (s *Store) DeleteROI(ctx context.Context, id string) error {
	res, err := s.ExecContext(ctx, `DELETE FROM regions_of_interest WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete roi %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete roi %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLaneOpen flips the is_open flag on an ROI.
func (s *Store) SetLaneOpen(ctx context.Context, id string, open bool, nowMillis int64) error {
	res, err := s.ExecContext(ctx,
		`UPDATE regions_of_interest SET is_open = ?, updated_at_ms = ? WHERE id = ?`,
		open, nowMillis, id)
	if err != nil {
		return fmt.Errorf("set lane open %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set lane open %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanROI(row rowScanner) (*roi.ROI, error) {
	var r roi.ROI
	var zoneType, polygonJSON string
	if err := row.Scan(
		&r.ID, &r.VenueID, &r.Name, &zoneType, &polygonJSON,
		&r.Color, &r.IsOpen, &r.CreatedUnixMillis, &r.UpdatedUnixMillis,
	); err != nil {
		return nil, err
	}
	r.ZoneType = roi.ZoneType(zoneType)
	var polygon geo.Polygon
	if err := json.Unmarshal([]byte(polygonJSON), &polygon); err != nil {
		return nil, fmt.Errorf("unmarshal polygon for roi %s: %w", r.ID, err)
	}
	r.Polygon = polygon
	return &r, nil
}

// UpsertZoneSettings inserts or updates the per-zone threshold overrides.
// Nil fields store as NULL, meaning "inherit".
func (s *Store) UpsertZoneSettings(ctx context.Context, zs *roi.ZoneSettings) error {
	query := `
		INSERT INTO zone_settings (
			roi_id, dwell_threshold_sec, engagement_threshold_sec,
			visit_end_grace_sec, min_visit_duration_sec
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(roi_id) DO UPDATE SET
			dwell_threshold_sec = excluded.dwell_threshold_sec,
			engagement_threshold_sec = excluded.engagement_threshold_sec,
			visit_end_grace_sec = excluded.visit_end_grace_sec,
			min_visit_duration_sec = excluded.min_visit_duration_sec
	`
	if _, err := s.ExecContext(ctx, query,
		zs.RoiID,
		nullableInt(zs.DwellThresholdSec),
		nullableInt(zs.EngagementThresholdSec),
		nullableInt(zs.VisitEndGraceSec),
		nullableInt(zs.MinVisitDurationSec),
	); err != nil {
		return fmt.Errorf("upsert zone settings %s: %w", zs.RoiID, err)
	}
	return nil
}

// GetZoneSettings returns the settings row for one ROI, or ErrNotFound when
// the zone has no overrides.
func (s *Store) GetZoneSettings(ctx context.Context, roiID string) (*roi.ZoneSettings, error) {
	query := `
		SELECT roi_id, dwell_threshold_sec, engagement_threshold_sec,
			visit_end_grace_sec, min_visit_duration_sec
		FROM zone_settings
		WHERE roi_id = ?
	`
	zs, err := scanZoneSettings(s.QueryRowContext(ctx, query, roiID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get zone settings %s: %w", roiID, err)
	}
	return zs, nil
}

// ListZoneSettings returns the settings rows for all of a venue's zones.
// Satisfies the visit engine's settings loader.
func (s *Store) ListZoneSettings(ctx context.Context, venueID string) ([]roi.ZoneSettings, error) {
	query := `
		SELECT zs.roi_id, zs.dwell_threshold_sec, zs.engagement_threshold_sec,
			zs.visit_end_grace_sec, zs.min_visit_duration_sec
		FROM zone_settings zs
		JOIN regions_of_interest r ON zs.roi_id = r.id
		WHERE r.venue_id = ?
		ORDER BY zs.roi_id
	`
	rows, err := s.QueryContext(ctx, query, venueID)
	if err != nil {
		return nil, fmt.Errorf("list zone settings for venue %s: %w", venueID, err)
	}
	defer rows.Close()

	var out []roi.ZoneSettings
	for rows.Next() {
		zs, err := scanZoneSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("scan zone settings: %w", err)
		}
		out = append(out, *zs)
	}
	return out, rows.Err()
}

// DeleteZoneSettings removes a zone's overrides, reverting it to inherited
// thresholds. Deleting a missing row is not an error.
func (s *Store) DeleteZoneSettings(ctx context.Context, roiID string) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM zone_settings WHERE roi_id = ?`, roiID); err != nil {
		return fmt.Errorf("delete zone settings %s: %w", roiID, err)
	}
	return nil
}

func scanZoneSettings(row rowScanner) (*roi.ZoneSettings, error) {
	var zs roi.ZoneSettings
	var dwell, engagement, grace, minVisit sql.NullInt64
	if err := row.Scan(&zs.RoiID, &dwell, &engagement, &grace, &minVisit); err != nil {
		return nil, err
	}
	zs.DwellThresholdSec = intPtr(dwell)
	zs.EngagementThresholdSec = intPtr(engagement)
	zs.VisitEndGraceSec = intPtr(grace)
	zs.MinVisitDurationSec = intPtr(minVisit)
	return &zs, nil
}

// UpsertVenueSettings inserts or updates the venue-level threshold defaults.
func (s *Store) UpsertVenueSettings(ctx context.Context, vs *roi.VenueSettings) error {
	query := `
		INSERT INTO venue_settings (venue_id, dwell_default_sec, engagement_default_sec)
		VALUES (?, ?, ?)
		ON CONFLICT(venue_id) DO UPDATE SET
			dwell_default_sec = excluded.dwell_default_sec,
			engagement_default_sec = excluded.engagement_default_sec
	`
	if _, err := s.ExecContext(ctx, query,
		vs.VenueID,
		nullableInt(vs.DwellDefaultSec),
		nullableInt(vs.EngagementDefaultSec),
	); err != nil {
		return fmt.Errorf("upsert venue settings %s: %w", vs.VenueID, err)
	}
	return nil
}

// GetVenueSettings returns the venue's defaults row. A venue with no row
// returns (nil, nil): the threshold chain falls through to system defaults.
func (s *Store) GetVenueSettings(ctx context.Context, venueID string) (*roi.VenueSettings, error) {
	query := `
		SELECT venue_id, dwell_default_sec, engagement_default_sec
		FROM venue_settings
		WHERE venue_id = ?
	`
	var vs roi.VenueSettings
	var dwell, engagement sql.NullInt64
	err := s.QueryRowContext(ctx, query, venueID).Scan(&vs.VenueID, &dwell, &engagement)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get venue settings %s: %w", venueID, err)
	}
	vs.DwellDefaultSec = intPtr(dwell)
	vs.EngagementDefaultSec = intPtr(engagement)
	return &vs, nil
}

// CreateZoneLink inserts a queue-to-service pairing. The (queue, service)
// pair is unique; re-linking the same pair fails.
func (s *Store) CreateZoneLink(ctx context.Context, l *roi.ZoneLink) error {
	query := `
		INSERT INTO zone_links (id, venue_id, queue_roi_id, service_roi_id)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.ExecContext(ctx, query, l.ID, l.VenueID, l.QueueRoiID, l.ServiceRoiID); err != nil {
		return fmt.Errorf("create zone link %s: %w", l.ID, err)
	}
	return nil
}

// GetZoneLink returns one link by id, or ErrNotFound.
func (s *Store) GetZoneLink(ctx context.Context, id string) (*roi.ZoneLink, error) {
	query := `
		SELECT id, venue_id, queue_roi_id, service_roi_id
		FROM zone_links
		WHERE id = ?
	`
	var l roi.ZoneLink
	err := s.QueryRowContext(ctx, query, id).Scan(&l.ID, &l.VenueID, &l.QueueRoiID, &l.ServiceRoiID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get zone link %s: %w", id, err)
	}
	return &l, nil
}

// ListZoneLinks returns a venue's queue-to-service links ordered by id.
func (s *Store) ListZoneLinks(ctx context.Context, venueID string) ([]roi.ZoneLink, error) {
	query := `
		SELECT id, venue_id, queue_roi_id, service_roi_id
		FROM zone_links
		WHERE venue_id = ?
		ORDER BY id
	`
	rows, err := s.QueryContext(ctx, query, venueID)
	if err != nil {
		return nil, fmt.Errorf("list zone links for venue %s: %w", venueID, err)
	}
	defer rows.Close()

	var out []roi.ZoneLink
	for rows.Next() {
		var l roi.ZoneLink
		if err := rows.Scan(&l.ID, &l.VenueID, &l.QueueRoiID, &l.ServiceRoiID); err != nil {
			return nil, fmt.Errorf("scan zone link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteZoneLink removes a link by id, or returns ErrNotFound.
func (s *Store) DeleteZoneLink(ctx context.Context, id string) error {
	res, err := s.ExecContext(ctx, `DELETE FROM zone_links WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete zone link %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete zone link %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
