package roi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kestrel-data/floorsight/internal/geo"
	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/timeutil"
)

// Loader supplies the persisted ROIs for a venue. Implemented by the store.
type Loader interface {
	ListROIs(ctx context.Context, venueID string) ([]ROI, error)
}

// CompiledROI is an ROI prepared for classification: polygon validated and
// bounding box precomputed.
type CompiledROI struct {
	ROI
	Bounds geo.AABB
}

// VenueSnapshot is an immutable view of a venue's compiled ROIs. Snapshots
// are replaced wholesale on refresh; holders may keep reading an old one.
type VenueSnapshot struct {
	VenueID     string
	ROIs        []CompiledROI
	RefreshedAt time.Time
}

// Classify returns the IDs of every ROI containing (x, z), in ID order.
// Overlapping ROIs all match; a point on a shared edge belongs to both.
func (s *VenueSnapshot) Classify(x, z float64) []string {
	if s == nil {
		return nil
	}
	var ids []string
	for i := range s.ROIs {
		r := &s.ROIs[i]
		if !r.Bounds.Contains(x, z) {
			continue
		}
		if r.Polygon.Contains(x, z) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Get returns the compiled ROI by ID.
func (s *VenueSnapshot) Get(roiID string) (*CompiledROI, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.ROIs {
		if s.ROIs[i].ID == roiID {
			return &s.ROIs[i], true
		}
	}
	return nil, false
}

// Index holds the per-venue snapshots. Refresh loads from the store and
// swaps; Classify and Snapshot never block on a refresh in flight.
type Index struct {
	loader Loader
	clock  timeutil.Clock

	// OnInvalid, when set, is called for each polygon rejected during a
	// refresh. Used to surface ledger warnings.
	OnInvalid func(r ROI, err error)

	mu     sync.RWMutex
	venues map[string]*VenueSnapshot
}

// NewIndex returns an empty index backed by the loader.
func NewIndex(loader Loader, clock timeutil.Clock) *Index {
	return &Index{
		loader: loader,
		clock:  clock,
		venues: make(map[string]*VenueSnapshot),
	}
}

// Refresh rebuilds the venue's snapshot from the store and publishes it.
// Invalid polygons are excluded from the snapshot, logged, and reported via
// OnInvalid; they never fail the refresh.
func (ix *Index) Refresh(ctx context.Context, venueID string) (*VenueSnapshot, error) {
	rois, err := ix.loader.ListROIs(ctx, venueID)
	if err != nil {
		return nil, fmt.Errorf("load rois for venue %s: %w", venueID, err)
	}

	snap := &VenueSnapshot{
		VenueID:     venueID,
		ROIs:        make([]CompiledROI, 0, len(rois)),
		RefreshedAt: ix.clock.Now(),
	}
	for _, r := range rois {
		if err := r.Polygon.Validate(); err != nil {
			monitoring.Logf("roi index: excluding %s (%s) from venue %s: %v", r.ID, r.Name, venueID, err)
			if ix.OnInvalid != nil {
				ix.OnInvalid(r, err)
			}
			continue
		}
		snap.ROIs = append(snap.ROIs, CompiledROI{ROI: r, Bounds: r.Polygon.Bounds()})
	}
	sort.Slice(snap.ROIs, func(i, j int) bool { return snap.ROIs[i].ID < snap.ROIs[j].ID })

	ix.mu.Lock()
	ix.venues[venueID] = snap
	ix.mu.Unlock()
	return snap, nil
}

// Snapshot returns the current snapshot for the venue, or nil if it has
// never been refreshed.
func (ix *Index) Snapshot(venueID string) *VenueSnapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.venues[venueID]
}

// Classify is shorthand for Snapshot(venueID).Classify(x, z).
func (ix *Index) Classify(venueID string, x, z float64) []string {
	return ix.Snapshot(venueID).Classify(x, z)
}

// Age returns how long ago the venue's snapshot was refreshed. Returns a
// very large value for venues never refreshed, so staleness checks fire.
func (ix *Index) Age(venueID string) time.Duration {
	snap := ix.Snapshot(venueID)
	if snap == nil {
		return time.Duration(1<<63 - 1)
	}
	return ix.clock.Since(snap.RefreshedAt)
}

// Drop discards a venue's snapshot. Called when its pipeline stops.
func (ix *Index) Drop(venueID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.venues, venueID)
}
