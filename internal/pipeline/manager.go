package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/queueing"
	"github.com/kestrel-data/floorsight/internal/roi"
	"github.com/kestrel-data/floorsight/internal/source"
	"github.com/kestrel-data/floorsight/internal/store"
	"github.com/kestrel-data/floorsight/internal/timeutil"
	"github.com/kestrel-data/floorsight/internal/visits"
)

// venueStopLinger is how long a dynamic venue keeps running after its last
// live subscriber leaves, so a page reload does not tear the pipeline down.
const venueStopLinger = 10 * time.Second

// ManagerConfig carries the shared dependencies every venue pipeline wires
// into.
type ManagerConfig struct {
	Config     config.Config
	Runtime    *config.Runtime
	Store      *store.Store
	Index      *roi.Index
	Thresholds *visits.ThresholdCache
	Hub        Broadcaster
	Sources    []source.Source
	Clock      timeutil.Clock
}

type managedVenue struct {
	venue  *Venue
	refs   int
	static bool
	stop   *time.Timer
}

// Manager owns the venue pipelines. Statically configured venues start at
// construction and run until Close; dynamic venues start on the first
// Acquire and stop a linger after the last Release. Manager implements the
// hub's venue provider.
type Manager struct {
	mc     ManagerConfig
	linger time.Duration

	mu     sync.Mutex
	venues map[string]*managedVenue
	closed bool
}

// NewManager starts a manager and the pipelines of the statically configured
// venues.
func NewManager(mc ManagerConfig) *Manager {
	if mc.Clock == nil {
		mc.Clock = timeutil.NewRealClock()
	}
	m := &Manager{
		mc:     mc,
		linger: venueStopLinger,
		venues: make(map[string]*managedVenue),
	}
	for _, venueID := range mc.Config.Venues {
		m.mu.Lock()
		if _, ok := m.venues[venueID]; !ok {
			mv := m.startLocked(venueID)
			mv.static = true
		}
		m.mu.Unlock()
	}
	return m
}

func (m *Manager) startLocked(venueID string) *managedVenue {
	mv := &managedVenue{venue: startVenue(venueID, m.mc)}
	m.venues[venueID] = mv
	return mv
}

// Acquire registers a live subscriber on a venue, starting its pipeline when
// it is not yet running.
func (m *Manager) Acquire(venueID string) error {
	if venueID == "" {
		return fmt.Errorf("venue id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("venue manager is shut down")
	}

	mv := m.venues[venueID]
	if mv == nil {
		mv = m.startLocked(venueID)
	}
	if mv.stop != nil {
		mv.stop.Stop()
		mv.stop = nil
	}
	mv.refs++
	return nil
}

// Release drops one subscriber reference. When a dynamic venue's last
// reference goes, its pipeline stops after the linger.
func (m *Manager) Release(venueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mv := m.venues[venueID]
	if mv == nil {
		return
	}
	if mv.refs > 0 {
		mv.refs--
	} else {
		opsf("[%s] release without acquire", venueID)
	}
	if mv.refs == 0 && !mv.static && !m.closed {
		if mv.stop != nil {
			mv.stop.Stop()
		}
		mv.stop = time.AfterFunc(m.linger, func() { m.stopIfIdle(venueID) })
	}
}

// stopIfIdle stops a venue whose linger expired with no new subscribers.
func (m *Manager) stopIfIdle(venueID string) {
	m.mu.Lock()
	mv := m.venues[venueID]
	if mv == nil || mv.refs > 0 || mv.static || m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.venues, venueID)
	m.mu.Unlock()

	mv.venue.stop()
}

// lookup returns the running venue or nil.
func (m *Manager) lookup(venueID string) *Venue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mv := m.venues[venueID]; mv != nil {
		return mv.venue
	}
	return nil
}

// CurrentOccupancy returns the venue's per-ROI occupancy at this instant, or
// nil when the venue is not running.
func (m *Manager) CurrentOccupancy(venueID string) []occupancy.Snapshot {
	if v := m.lookup(venueID); v != nil {
		return v.CurrentOccupancy()
	}
	return nil
}

// LaneStats returns the venue's live queue lane statistics, or nil when the
// venue is not running.
func (m *Manager) LaneStats(venueID string) []queueing.LaneStats {
	if v := m.lookup(venueID); v != nil {
		return v.LaneStats()
	}
	return nil
}

// OpenVisits returns the venue's currently active visits, or nil when the
// venue is not running.
func (m *Manager) OpenVisits(venueID string) []visits.Visit {
	if v := m.lookup(venueID); v != nil {
		return v.OpenVisits()
	}
	return nil
}

// Invalidate asks a running venue to re-pull its layout and alert rules.
// No-op for venues that are not running; they refresh on start.
func (m *Manager) Invalidate(venueID string) {
	if v := m.lookup(venueID); v != nil {
		v.Invalidate()
	}
}

// Running reports whether the venue's pipeline is up.
func (m *Manager) Running(venueID string) bool {
	return m.lookup(venueID) != nil
}

// VenueIDs returns the running venue ids, sorted.
func (m *Manager) VenueIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.venues))
	for id := range m.venues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns per-venue statistics sorted by venue id.
func (m *Manager) Stats() []VenueStats {
	m.mu.Lock()
	type entry struct {
		v      *Venue
		refs   int
		static bool
	}
	entries := make([]entry, 0, len(m.venues))
	for _, mv := range m.venues {
		entries = append(entries, entry{v: mv.venue, refs: mv.refs, static: mv.static})
	}
	m.mu.Unlock()

	out := make([]VenueStats, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.v.stats(e.refs, e.static))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueID < out[j].VenueID })
	return out
}

// PersistDegraded reports whether any venue's store writer is currently
// degraded. Surfaces in /api/health.
func (m *Manager) PersistDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range m.venues {
		if mv.venue.writer.Degraded() {
			return true
		}
	}
	return false
}

// Close stops every venue pipeline and rejects further Acquires. Venues
// drain concurrently; Close returns when all have flushed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stopping := make([]*Venue, 0, len(m.venues))
	for id, mv := range m.venues {
		if mv.stop != nil {
			mv.stop.Stop()
		}
		stopping = append(stopping, mv.venue)
		delete(m.venues, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, v := range stopping {
		wg.Add(1)
		go func(v *Venue) {
			defer wg.Done()
			v.stop()
		}(v)
	}
	wg.Wait()
}
