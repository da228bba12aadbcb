package visits

import (
	"context"
	"sync"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/roi"
)

// SettingsLoader fetches per-zone and per-venue threshold overrides. The
// store implements it. GetVenueSettings returns nil when the venue has no
// settings row.
type SettingsLoader interface {
	ListZoneSettings(ctx context.Context, venueID string) ([]roi.ZoneSettings, error)
	GetVenueSettings(ctx context.Context, venueID string) (*roi.VenueSettings, error)
}

// Thresholds is the effective parameter set for one ROI after walking the
// zone -> venue -> system default chain.
type Thresholds struct {
	DwellSec      int
	EngagementSec int
	GraceMs       int64
	MinVisitMs    int64
}

// ThresholdCache resolves visit thresholds with one store round-trip per
// venue. Settings and venue-default writes call Invalidate; the next Resolve
// reloads.
type ThresholdCache struct {
	loader SettingsLoader
	rt     *config.Runtime

	mu     sync.RWMutex
	venues map[string]*venueOverrides
}

type venueOverrides struct {
	zones map[string]roi.ZoneSettings
	venue *roi.VenueSettings
}

// NewThresholdCache returns a cache backed by the given loader, falling back
// to the runtime tunables for anything unset.
func NewThresholdCache(loader SettingsLoader, rt *config.Runtime) *ThresholdCache {
	return &ThresholdCache{
		loader: loader,
		rt:     rt,
		venues: make(map[string]*venueOverrides),
	}
}

// Resolve returns the effective thresholds for one ROI. A load failure
// resolves to system defaults and is logged rather than propagated; visit
// bookkeeping must not stall on the database.
func (c *ThresholdCache) Resolve(ctx context.Context, venueID, roiID string) Thresholds {
	t := Thresholds{
		DwellSec:      c.rt.DwellDefaultSec(),
		EngagementSec: c.rt.EngagementDefaultSec(),
		GraceMs:       c.rt.GraceMs(),
		MinVisitMs:    c.rt.MinVisitMs(),
	}
	ov := c.overrides(ctx, venueID)
	if ov.venue != nil {
		if v := ov.venue.DwellDefaultSec; v != nil {
			t.DwellSec = *v
		}
		if v := ov.venue.EngagementDefaultSec; v != nil {
			t.EngagementSec = *v
		}
	}
	if zs, ok := ov.zones[roiID]; ok {
		if v := zs.DwellThresholdSec; v != nil {
			t.DwellSec = *v
		}
		if v := zs.EngagementThresholdSec; v != nil {
			t.EngagementSec = *v
		}
		if v := zs.VisitEndGraceSec; v != nil {
			t.GraceMs = int64(*v) * 1000
		}
		if v := zs.MinVisitDurationSec; v != nil {
			t.MinVisitMs = int64(*v) * 1000
		}
	}
	return t
}

func (c *ThresholdCache) overrides(ctx context.Context, venueID string) *venueOverrides {
	c.mu.RLock()
	ov, ok := c.venues[venueID]
	c.mu.RUnlock()
	if ok {
		return ov
	}

	ov = &venueOverrides{zones: make(map[string]roi.ZoneSettings)}
	zs, err := c.loader.ListZoneSettings(ctx, venueID)
	if err != nil {
		monitoring.Logf("visits: load zone settings venue=%s: %v (using defaults)", venueID, err)
	}
	for _, s := range zs {
		ov.zones[s.RoiID] = s
	}
	vs, err := c.loader.GetVenueSettings(ctx, venueID)
	if err != nil {
		monitoring.Logf("visits: load venue settings venue=%s: %v (using defaults)", venueID, err)
	} else {
		ov.venue = vs
	}

	c.mu.Lock()
	c.venues[venueID] = ov
	c.mu.Unlock()
	return ov
}

// Invalidate drops the cached overrides for a venue.
func (c *ThresholdCache) Invalidate(venueID string) {
	c.mu.Lock()
	delete(c.venues, venueID)
	c.mu.Unlock()
}
