// Package visits derives zone visits from classified track observations.
//
// A visit is one continuous stay of a track inside a region of interest.
// Every (trackKey, roiID) pair runs an independent state machine:
//
//	absent -> tentative -> active -> closed
//
// A machine is created on the first in-ROI sample, promoted to active once
// the stay spans the minimum visit duration, and closed when the track stays
// outside the ROI beyond the end grace. Leaving and re-entering within grace
// continues the same visit. All boundaries are decided on the track's own
// sample clock; wall time only drives eviction, and an evicted machine still
// closes at its last in-ROI sample timestamp.
package visits

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrel-data/floorsight/internal/track"
)

// EventType identifies a visit lifecycle event.
type EventType string

const (
	EventVisitOpened EventType = "visit_opened"
	EventVisitClosed EventType = "visit_closed"
)

// Visit is one stay of a track inside an ROI. EndUnixMillis and DurationMs
// are zero while the visit is open; the dwell and engagement flags are only
// meaningful after close.
type Visit struct {
	ID              string `json:"id"`
	VenueID         string `json:"venueId"`
	RoiID           string `json:"roiId"`
	TrackKey        string `json:"trackKey"`
	StartUnixMillis int64  `json:"startTimeMs"`
	EndUnixMillis   int64  `json:"endTimeMs,omitempty"`
	DurationMs      int64  `json:"durationMs,omitempty"`
	IsDwell         bool   `json:"isDwell"`
	IsEngagement    bool   `json:"isEngagement"`
}

// Event is a visit lifecycle transition. TSUnixMillis is the sample timestamp
// at which the transition took effect: the promoting sample for an open, the
// last in-ROI sample for a close.
type Event struct {
	Type         EventType
	TSUnixMillis int64
	Visit        Visit
}

type state uint8

const (
	stateTentative state = iota
	stateActive
)

// machine tracks one (trackKey, roiID) pair. Grace and minimum duration are
// pinned when the machine is created so a settings change mid-visit does not
// move the goalposts under it; dwell/engagement thresholds are resolved at
// close time instead.
//
// graceArmed is set when the track is actually observed outside the ROI. A
// silent gap between two in-ROI samples never splits a visit; only an armed
// grace that runs out does (eviction handles tracks that go silent for good).
type machine struct {
	state        state
	visitID      string
	trackKey     string
	roiID        string
	firstInRoiTs int64
	lastInRoiTs  int64
	graceMs      int64
	minVisitMs   int64
	graceArmed   bool
}

func (m *machine) openVisit(venueID string) Visit {
	return Visit{
		ID:              m.visitID,
		VenueID:         venueID,
		RoiID:           m.roiID,
		TrackKey:        m.trackKey,
		StartUnixMillis: m.firstInRoiTs,
	}
}

// Engine owns the visit machines for one venue. The venue loop is the sole
// writer; the read accessors are safe from other goroutines.
type Engine struct {
	venueID    string
	thresholds *ThresholdCache

	mu       sync.RWMutex
	machines map[string]map[string]*machine // trackKey -> roiID -> machine

	opened    uint64
	closed    uint64
	discarded uint64
}

// EngineStats is a point-in-time counter snapshot.
type EngineStats struct {
	VisitsOpened       uint64 `json:"visitsOpened"`
	VisitsClosed       uint64 `json:"visitsClosed"`
	TentativeDiscarded uint64 `json:"tentativeDiscarded"`
	MachinesLive       int    `json:"machinesLive"`
}

// NewEngine returns a visit engine for one venue.
func NewEngine(venueID string, thresholds *ThresholdCache) *Engine {
	return &Engine{
		venueID:    venueID,
		thresholds: thresholds,
		machines:   make(map[string]map[string]*machine),
	}
}

func newVisitID() string {
	return fmt.Sprintf("visit_%s", uuid.NewString())
}

// Observe advances every machine belonging to the observed track and returns
// the resulting lifecycle events. ROIs the sample is inside are handled first
// in the observation's set order (a re-entry whose grace already ran out
// closes the old visit before the new stay begins), then machines the sample
// is outside arm or expire their grace, in ROI ID order.
//
// The aggregator has already rejected out-of-order samples, so timestamps
// seen here are nondecreasing per track.
func (e *Engine) Observe(ctx context.Context, obs track.Observation) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	ms := e.machines[obs.Key]

	for _, roiID := range obs.RoiSet {
		m := ms[roiID]
		if m != nil && m.graceArmed && obs.TSUnixMillis > m.lastInRoiTs+m.graceMs {
			// Re-entry after grace ran out: the old stay is over and a new
			// one starts at this sample.
			if m.state == stateActive {
				events = append(events, e.closeEvent(ctx, m))
			} else {
				e.discarded++
			}
			delete(ms, roiID)
			m = nil
		}
		if m == nil {
			th := e.thresholds.Resolve(ctx, e.venueID, roiID)
			m = &machine{
				trackKey:     obs.Key,
				roiID:        roiID,
				firstInRoiTs: obs.TSUnixMillis,
				lastInRoiTs:  obs.TSUnixMillis,
				graceMs:      th.GraceMs,
				minVisitMs:   th.MinVisitMs,
			}
			if ms == nil {
				ms = make(map[string]*machine)
				e.machines[obs.Key] = ms
			}
			ms[roiID] = m
		} else {
			m.graceArmed = false
			m.lastInRoiTs = obs.TSUnixMillis
		}
		if m.state == stateTentative && obs.TSUnixMillis-m.firstInRoiTs >= m.minVisitMs {
			m.state = stateActive
			m.visitID = newVisitID()
			e.opened++
			events = append(events, Event{
				Type:         EventVisitOpened,
				TSUnixMillis: obs.TSUnixMillis,
				Visit:        m.openVisit(e.venueID),
			})
		}
	}

	// Machines for ROIs this sample is outside: arm grace, or expire it on
	// the track's own clock. A sample at exactly the deadline still keeps
	// the visit alive.
	var expired []string
	for roiID, m := range ms {
		if containsID(obs.RoiSet, roiID) {
			continue
		}
		if obs.TSUnixMillis > m.lastInRoiTs+m.graceMs {
			expired = append(expired, roiID)
		} else {
			m.graceArmed = true
		}
	}
	sort.Strings(expired)
	for _, roiID := range expired {
		m := ms[roiID]
		delete(ms, roiID)
		if m.state == stateActive {
			events = append(events, e.closeEvent(ctx, m))
		} else {
			e.discarded++
		}
	}
	if len(ms) == 0 {
		delete(e.machines, obs.Key)
	}
	return events
}

// EvictTrack closes every machine of an evicted track. Active visits close at
// their last in-ROI timestamp; tentative machines leave no trace.
func (e *Engine) EvictTrack(ctx context.Context, trackKey string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropTrackLocked(ctx, trackKey)
}

// CloseAll closes every active visit and discards every tentative machine.
// Called on venue shutdown.
func (e *Engine) CloseAll(ctx context.Context) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, 0, len(e.machines))
	for k := range e.machines {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var events []Event
	for _, k := range keys {
		events = append(events, e.dropTrackLocked(ctx, k)...)
	}
	return events
}

func (e *Engine) dropTrackLocked(ctx context.Context, trackKey string) []Event {
	ms := e.machines[trackKey]
	if len(ms) == 0 {
		delete(e.machines, trackKey)
		return nil
	}
	roiIDs := make([]string, 0, len(ms))
	for id := range ms {
		roiIDs = append(roiIDs, id)
	}
	sort.Strings(roiIDs)

	var events []Event
	for _, roiID := range roiIDs {
		m := ms[roiID]
		if m.state == stateActive {
			events = append(events, e.closeEvent(ctx, m))
		} else {
			e.discarded++
		}
	}
	delete(e.machines, trackKey)
	return events
}

func (e *Engine) closeEvent(ctx context.Context, m *machine) Event {
	th := e.thresholds.Resolve(ctx, e.venueID, m.roiID)
	endTs := m.lastInRoiTs
	d := endTs - m.firstInRoiTs
	e.closed++
	return Event{
		Type:         EventVisitClosed,
		TSUnixMillis: endTs,
		Visit: Visit{
			ID:              m.visitID,
			VenueID:         e.venueID,
			RoiID:           m.roiID,
			TrackKey:        m.trackKey,
			StartUnixMillis: m.firstInRoiTs,
			EndUnixMillis:   endTs,
			DurationMs:      d,
			IsDwell:         d >= int64(th.DwellSec)*1000,
			IsEngagement:    d >= int64(th.EngagementSec)*1000,
		},
	}
}

// OpenVisits returns the currently active visits sorted by ROI then track.
func (e *Engine) OpenVisits() []Visit {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Visit
	for _, ms := range e.machines {
		for _, m := range ms {
			if m.state == stateActive {
				out = append(out, m.openVisit(e.venueID))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoiID != out[j].RoiID {
			return out[i].RoiID < out[j].RoiID
		}
		return out[i].TrackKey < out[j].TrackKey
	})
	return out
}

// Stats returns a counter snapshot.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, ms := range e.machines {
		n += len(ms)
	}
	return EngineStats{
		VisitsOpened:       e.opened,
		VisitsClosed:       e.closed,
		TentativeDiscarded: e.discarded,
		MachinesLive:       n,
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
