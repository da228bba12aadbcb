package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrel-data/floorsight/internal/geo"
	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/roi"
)

// SeedDemo writes a small demo floor plan into venueID: an entrance, two
// browse zones, a checkout lane linked to a service counter, per-zone
// thresholds for the apparel zone, and a crowding alert rule. Fixed ids and
// upserts make reseeding idempotent.
func (s *Store) SeedDemo(ctx context.Context, venueID string, nowMillis int64) error {
	rois := []roi.ROI{
		{
			ID:       "roi_demo_entrance",
			Name:     "Entrance",
			ZoneType: roi.ZoneEntrance,
			Polygon:  rect(6, 0, 14, 3),
			Color:    "#4f9de0",
		},
		{
			ID:       "roi_demo_apparel",
			Name:     "Apparel",
			ZoneType: roi.ZoneBrowse,
			Polygon:  rect(1, 4, 9, 9),
			Color:    "#53c07a",
		},
		{
			ID:       "roi_demo_electronics",
			Name:     "Electronics",
			ZoneType: roi.ZoneBrowse,
			Polygon:  rect(11, 4, 19, 9),
			Color:    "#53c07a",
		},
		{
			ID:       "roi_demo_checkout_queue",
			Name:     "Checkout Queue 1",
			ZoneType: roi.ZoneQueue,
			Polygon:  rect(4, 10, 6, 14),
			Color:    "#e0b24f",
		},
		{
			ID:       "roi_demo_checkout_counter",
			Name:     "Checkout Counter 1",
			ZoneType: roi.ZoneService,
			Polygon:  rect(6.5, 12, 9.5, 14),
			Color:    "#e06c4f",
		},
	}
	for i := range rois {
		r := &rois[i]
		r.VenueID = venueID
		r.IsOpen = true
		r.CreatedUnixMillis = nowMillis
		r.UpdatedUnixMillis = nowMillis
		if err := s.UpsertROI(ctx, r); err != nil {
			return fmt.Errorf("seed demo: %w", err)
		}
	}

	dwell, engagement := 45, 90
	if err := s.UpsertZoneSettings(ctx, &roi.ZoneSettings{
		RoiID:                  "roi_demo_apparel",
		DwellThresholdSec:      &dwell,
		EngagementThresholdSec: &engagement,
	}); err != nil {
		return fmt.Errorf("seed demo: %w", err)
	}

	if err := s.CreateZoneLink(ctx, &roi.ZoneLink{
		ID:           "zl_demo_checkout_1",
		VenueID:      venueID,
		QueueRoiID:   "roi_demo_checkout_queue",
		ServiceRoiID: "roi_demo_checkout_counter",
	}); err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("seed demo: %w", err)
	}

	if err := s.UpsertAlertRule(ctx, &occupancy.Rule{
		ID:                "rule_demo_queue_depth",
		VenueID:           venueID,
		RoiID:             "roi_demo_checkout_queue",
		Metric:            occupancy.MetricOccupancy,
		Operator:          occupancy.OpGT,
		Threshold:         8,
		Enabled:           true,
		CreatedUnixMillis: nowMillis,
		UpdatedUnixMillis: nowMillis,
	}); err != nil {
		return fmt.Errorf("seed demo: %w", err)
	}

	if err := s.AppendLedger(ctx, &LedgerEntry{
		VenueID:      venueID,
		Category:     LedgerSystem,
		Message:      "demo layout seeded",
		TSUnixMillis: nowMillis,
	}); err != nil {
		return fmt.Errorf("seed demo: %w", err)
	}
	return nil
}

func rect(minX, minZ, maxX, maxZ float64) geo.Polygon {
	return geo.Polygon{
		{X: minX, Z: minZ},
		{X: maxX, Z: minZ},
		{X: maxX, Z: maxZ},
		{X: minX, Z: maxZ},
	}
}

// isUniqueViolation matches the sqlite unique constraint error on reseed;
// the link row already existing is the outcome we want.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
