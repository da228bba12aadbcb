// Package occupancy maintains the live per-ROI occupancy of a venue together
// with the rolling metrics the alert rules read: visit opens and mean time
// spent over a trailing window. Occupancy is defined as the number of
// currently open visits, so the tracker is driven purely by visit lifecycle
// events.
package occupancy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/visits"
)

// metricWindowMs is the trailing window for the visits and avgTimeSpent
// metrics.
const metricWindowMs = 10 * 60 * 1000

// Snapshot is one persisted occupancy reading.
type Snapshot struct {
	ID           string `json:"id"`
	VenueID      string `json:"venueId"`
	RoiID        string `json:"roiId"`
	Occupancy    int    `json:"occupancy"`
	TSUnixMillis int64  `json:"ts"`
}

type durSample struct {
	closeTs    int64
	durationMs int64
}

// Tracker follows visit events for one venue. The venue loop is the sole
// writer; read accessors are safe from other goroutines.
type Tracker struct {
	venueID string

	mu        sync.RWMutex
	counts    map[string]int         // roiID -> open visits
	opens     map[string][]int64     // roiID -> open timestamps, trailing window
	durations map[string][]durSample // roiID -> closed visits, trailing window
}

// NewTracker returns an occupancy tracker for one venue.
func NewTracker(venueID string) *Tracker {
	return &Tracker{
		venueID:   venueID,
		counts:    make(map[string]int),
		opens:     make(map[string][]int64),
		durations: make(map[string][]durSample),
	}
}

// OnVisitEvent applies one visit lifecycle event and returns the ROI's new
// occupancy.
func (t *Tracker) OnVisitEvent(ev visits.Event) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	roiID := ev.Visit.RoiID
	switch ev.Type {
	case visits.EventVisitOpened:
		t.counts[roiID]++
		t.opens[roiID] = pruneOpens(append(t.opens[roiID], ev.TSUnixMillis), ev.TSUnixMillis)
	case visits.EventVisitClosed:
		if t.counts[roiID] <= 0 {
			// Open/close events are paired by construction; a decrement
			// below zero means a bug upstream.
			monitoring.Logf("occupancy: venue=%s roi=%s close without open, clamping at 0", t.venueID, roiID)
			t.counts[roiID] = 0
		} else {
			t.counts[roiID]--
		}
		t.durations[roiID] = pruneDurations(append(t.durations[roiID], durSample{
			closeTs:    ev.Visit.EndUnixMillis,
			durationMs: ev.Visit.DurationMs,
		}), ev.TSUnixMillis)
	}
	return t.counts[roiID]
}

// Count returns the current occupancy of one ROI.
func (t *Tracker) Count(roiID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[roiID]
}

// Counts returns a copy of every nonzero occupancy count.
func (t *Tracker) Counts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// VisitsInWindow returns the number of visits opened on the ROI in the
// trailing window ending at nowMillis.
func (t *Tracker) VisitsInWindow(roiID string, nowMillis int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.opens[roiID] = pruneOpens(t.opens[roiID], nowMillis)
	return len(t.opens[roiID])
}

// AvgTimeSpentMs returns the mean duration of visits closed on the ROI in
// the trailing window ending at nowMillis, or 0 when none closed.
func (t *Tracker) AvgTimeSpentMs(roiID string, nowMillis int64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.durations[roiID] = pruneDurations(t.durations[roiID], nowMillis)
	ds := t.durations[roiID]
	if len(ds) == 0 {
		return 0
	}
	var sum int64
	for _, d := range ds {
		sum += d.durationMs
	}
	return float64(sum) / float64(len(ds))
}

// Snapshots builds one snapshot row per given ROI, zeros included, sorted by
// ROI ID. The caller supplies the venue's full ROI list so empty zones are
// recorded too.
func (t *Tracker) Snapshots(roiIDs []string, tsMillis int64) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := append([]string(nil), roiIDs...)
	sort.Strings(ids)

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, Snapshot{
			ID:           fmt.Sprintf("snap_%s", uuid.NewString()),
			VenueID:      t.venueID,
			RoiID:        id,
			Occupancy:    t.counts[id],
			TSUnixMillis: tsMillis,
		})
	}
	return out
}

// Reset drops ROIs that no longer exist so deleted zones stop appearing in
// live occupancy reads.
func (t *Tracker) Reset(keep func(roiID string) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.counts {
		if !keep(id) {
			delete(t.counts, id)
			delete(t.opens, id)
			delete(t.durations, id)
		}
	}
}

func pruneOpens(ts []int64, nowMillis int64) []int64 {
	cutoff := nowMillis - metricWindowMs
	i := 0
	for i < len(ts) && ts[i] < cutoff {
		i++
	}
	return ts[i:]
}

func pruneDurations(ds []durSample, nowMillis int64) []durSample {
	cutoff := nowMillis - metricWindowMs
	i := 0
	for i < len(ds) && ds[i].closeTs < cutoff {
		i++
	}
	return ds[i:]
}
