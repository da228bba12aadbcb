// Package queueing specializes visits on queue-typed ROIs into queue
// sessions: entry and exit through the queue lane, optional hand-off into a
// linked service ROI, and completion versus abandonment.
//
// The engine consumes visit lifecycle events plus raw track observations.
// Observations only advance per-track watch deadlines; all session timing
// uses sample timestamps, so a venue replayed from the same samples produces
// the same sessions.
package queueing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/roi"
	"github.com/kestrel-data/floorsight/internal/track"
	"github.com/kestrel-data/floorsight/internal/visits"
)

// laneWindowMs is the trailing window for live lane wait statistics.
const laneWindowMs = 10 * 60 * 1000

// EventType identifies a queue session lifecycle event.
type EventType string

const (
	EventSessionOpened  EventType = "queue_session_opened"
	EventSessionUpdated EventType = "queue_session_updated"
	EventSessionClosed  EventType = "queue_session_closed"
)

// Session is one pass of a track through a queue lane. Millisecond fields
// are zero until the corresponding boundary has been observed.
type Session struct {
	ID                     string `json:"id"`
	VenueID                string `json:"venueId"`
	QueueRoiID             string `json:"queueRoiId"`
	ServiceRoiID           string `json:"serviceRoiId,omitempty"`
	TrackKey               string `json:"trackKey"`
	QueueEntryUnixMillis   int64  `json:"queueEntryMs"`
	QueueExitUnixMillis    int64  `json:"queueExitMs,omitempty"`
	WaitingTimeMs          int64  `json:"waitingTimeMs,omitempty"`
	ServiceEntryUnixMillis int64  `json:"serviceEntryMs,omitempty"`
	ServiceExitUnixMillis  int64  `json:"serviceExitMs,omitempty"`
	IsAbandoned            bool   `json:"isAbandoned"`
}

// Event is a session lifecycle transition.
type Event struct {
	Type         EventType
	TSUnixMillis int64
	Session      Session
}

type phase uint8

const (
	// phaseQueueing: the queue visit is still open.
	phaseQueueing phase = iota
	// phaseWatching: queue exited, waiting for a service entry within the
	// linger window.
	phaseWatching
	// phaseInService: service entry recorded, waiting for the service exit.
	phaseInService
)

type session struct {
	Session
	phase          phase
	deadline       int64 // sample-clock watch deadline (watching only)
	serviceVisitID string
}

// serviceVisit is the latest visit a track made to a linked service ROI,
// kept so a service entry that precedes the queue close decision (close lags
// by grace) can still complete the session.
type serviceVisit struct {
	visitID string
	startTs int64
	endTs   int64
}

type laneInfo struct {
	serviceRoiID string
	isOpen       bool
}

// waitSample feeds the trailing-window lane statistics.
type waitSample struct {
	exitTs    int64
	waitingMs int64
	abandoned bool
}

// LaneStats is the live view of one queue lane.
type LaneStats struct {
	QueueRoiID     string  `json:"queueRoiId"`
	ServiceRoiID   string  `json:"serviceRoiId,omitempty"`
	IsOpen         bool    `json:"isOpen"`
	OpenSessions   int     `json:"openSessions"`
	AvgWaitMs      float64 `json:"avgWaitMs"`
	CompletedCount int     `json:"completedCount"`
	AbandonedCount int     `json:"abandonedCount"`
	AbandonRate    float64 `json:"abandonRate"`
}

// EngineStats is a point-in-time counter snapshot.
type EngineStats struct {
	SessionsOpened    uint64 `json:"sessionsOpened"`
	SessionsCompleted uint64 `json:"sessionsCompleted"`
	SessionsAbandoned uint64 `json:"sessionsAbandoned"`
	SessionsLive      int    `json:"sessionsLive"`
}

// Engine owns the queue sessions for one venue. The venue loop is the sole
// writer; read accessors are safe from other goroutines.
type Engine struct {
	venueID string
	rt      *config.Runtime

	mu              sync.RWMutex
	lanes           map[string]laneInfo            // queue roi -> lane
	serviceToQueues map[string][]string            // service roi -> queue rois linking to it
	sessions        map[string]map[string]*session // trackKey -> queue roi -> open session
	service         map[string]map[string]*serviceVisit
	recent          map[string][]waitSample // queue roi -> trailing window

	opened    uint64
	completed uint64
	abandoned uint64
}

// NewEngine returns a queue engine for one venue.
func NewEngine(venueID string, rt *config.Runtime) *Engine {
	return &Engine{
		venueID:         venueID,
		rt:              rt,
		lanes:           make(map[string]laneInfo),
		serviceToQueues: make(map[string][]string),
		sessions:        make(map[string]map[string]*session),
		service:         make(map[string]map[string]*serviceVisit),
		recent:          make(map[string][]waitSample),
	}
}

func newSessionID() string {
	return fmt.Sprintf("qs_%s", uuid.NewString())
}

// SetLayout replaces the lane and link view. Called whenever the venue's ROI
// snapshot refreshes; sessions in flight keep the link they were created
// with.
func (e *Engine) SetLayout(rois []roi.ROI, links []roi.ZoneLink) {
	lanes := make(map[string]laneInfo)
	for _, r := range rois {
		if r.ZoneType == roi.ZoneQueue {
			lanes[r.ID] = laneInfo{isOpen: r.IsOpen}
		}
	}
	s2q := make(map[string][]string)
	for _, l := range links {
		lane, ok := lanes[l.QueueRoiID]
		if !ok {
			continue
		}
		lane.serviceRoiID = l.ServiceRoiID
		lanes[l.QueueRoiID] = lane
		s2q[l.ServiceRoiID] = append(s2q[l.ServiceRoiID], l.QueueRoiID)
	}

	e.mu.Lock()
	e.lanes = lanes
	e.serviceToQueues = s2q
	e.mu.Unlock()
}

// OnVisitEvent feeds one visit lifecycle event through the session machines.
func (e *Engine) OnVisitEvent(ev visits.Event) []Event {
	switch ev.Type {
	case visits.EventVisitOpened:
		return e.visitOpened(ev)
	case visits.EventVisitClosed:
		return e.visitClosed(ev)
	}
	return nil
}

func (e *Engine) visitOpened(ev visits.Event) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := ev.Visit
	var events []Event

	if lane, ok := e.lanes[v.RoiID]; ok && lane.isOpen {
		if old := e.sessionFor(v.TrackKey, v.RoiID); old != nil {
			// The track rejoined the lane before its previous session
			// resolved; that attempt is over.
			events = append(events, e.finishLocked(old, ev.TSUnixMillis, old.ServiceEntryUnixMillis == 0))
		}
		s := &session{
			Session: Session{
				ID:                   newSessionID(),
				VenueID:              e.venueID,
				QueueRoiID:           v.RoiID,
				ServiceRoiID:         lane.serviceRoiID,
				TrackKey:             v.TrackKey,
				QueueEntryUnixMillis: v.StartUnixMillis,
			},
			phase: phaseQueueing,
		}
		byRoi := e.sessions[v.TrackKey]
		if byRoi == nil {
			byRoi = make(map[string]*session)
			e.sessions[v.TrackKey] = byRoi
		}
		byRoi[v.RoiID] = s
		e.opened++
		events = append(events, Event{Type: EventSessionOpened, TSUnixMillis: ev.TSUnixMillis, Session: s.Session})
	}

	if queues := e.serviceToQueues[v.RoiID]; len(queues) > 0 {
		recs := e.service[v.TrackKey]
		if recs == nil {
			recs = make(map[string]*serviceVisit)
			e.service[v.TrackKey] = recs
		}
		recs[v.RoiID] = &serviceVisit{visitID: v.ID, startTs: v.StartUnixMillis}

		for _, q := range queues {
			s := e.sessionFor(v.TrackKey, q)
			if s == nil || s.phase != phaseWatching || s.ServiceRoiID != v.RoiID {
				continue
			}
			if inLinger(v.StartUnixMillis, s.QueueExitUnixMillis, s.deadline) {
				s.ServiceEntryUnixMillis = v.StartUnixMillis
				s.serviceVisitID = v.ID
				s.phase = phaseInService
				events = append(events, Event{Type: EventSessionUpdated, TSUnixMillis: ev.TSUnixMillis, Session: s.Session})
			}
		}
	}

	return events
}

func (e *Engine) visitClosed(ev visits.Event) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := ev.Visit
	var events []Event

	if s := e.sessionFor(v.TrackKey, v.RoiID); s != nil && s.phase == phaseQueueing {
		s.QueueExitUnixMillis = v.EndUnixMillis
		s.WaitingTimeMs = v.EndUnixMillis - s.QueueEntryUnixMillis

		switch {
		case s.ServiceRoiID == "":
			// No linked service: the session completes at queue exit.
			events = append(events, e.finishLocked(s, ev.TSUnixMillis, false))
		default:
			linger := e.rt.LingerMs()
			s.deadline = s.QueueExitUnixMillis + linger
			rec := e.serviceRec(v.TrackKey, s.ServiceRoiID)
			if rec != nil && inLinger(rec.startTs, s.QueueExitUnixMillis, s.deadline) {
				s.ServiceEntryUnixMillis = rec.startTs
				s.serviceVisitID = rec.visitID
				if rec.endTs != 0 {
					s.ServiceExitUnixMillis = rec.endTs
					events = append(events, e.finishLocked(s, ev.TSUnixMillis, false))
				} else {
					s.phase = phaseInService
					events = append(events, Event{Type: EventSessionUpdated, TSUnixMillis: ev.TSUnixMillis, Session: s.Session})
				}
			} else {
				s.phase = phaseWatching
				events = append(events, Event{Type: EventSessionUpdated, TSUnixMillis: ev.TSUnixMillis, Session: s.Session})
			}
		}
	}

	if queues := e.serviceToQueues[v.RoiID]; len(queues) > 0 {
		if rec := e.serviceRec(v.TrackKey, v.RoiID); rec != nil && rec.visitID == v.ID {
			rec.endTs = v.EndUnixMillis
		}
		for _, q := range queues {
			s := e.sessionFor(v.TrackKey, q)
			if s != nil && s.phase == phaseInService && s.serviceVisitID == v.ID {
				s.ServiceExitUnixMillis = v.EndUnixMillis
				events = append(events, e.finishLocked(s, ev.TSUnixMillis, false))
			}
		}
	}

	return events
}

// Observe advances the watch deadlines of the observed track. Sessions whose
// linger window the track's own clock has passed close as abandoned.
func (e *Engine) Observe(obs track.Observation) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for _, q := range sortedKeys(e.sessions[obs.Key]) {
		s := e.sessions[obs.Key][q]
		if s.phase == phaseWatching && obs.TSUnixMillis > s.deadline {
			events = append(events, e.finishLocked(s, obs.TSUnixMillis, true))
		}
	}
	return events
}

// EvictTrack resolves every session of an evicted track: a session still
// waiting for service abandons; one already in service closes with what was
// observed. Called after the track's visit-close events have been fed.
func (e *Engine) EvictTrack(trackKey string, lastSeenTs int64) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropTrackLocked(trackKey, lastSeenTs)
}

// StopAll resolves every open session for venue shutdown.
func (e *Engine) StopAll(tsMillis int64) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, 0, len(e.sessions))
	for k := range e.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var events []Event
	for _, k := range keys {
		events = append(events, e.dropTrackLocked(k, tsMillis)...)
	}
	return events
}

func (e *Engine) dropTrackLocked(trackKey string, tsMillis int64) []Event {
	var events []Event
	for _, q := range sortedKeys(e.sessions[trackKey]) {
		s := e.sessions[trackKey][q]
		events = append(events, e.finishLocked(s, tsMillis, s.ServiceEntryUnixMillis == 0))
	}
	delete(e.sessions, trackKey)
	delete(e.service, trackKey)
	return events
}

// finishLocked closes a session, records its wait sample and returns the
// terminal event.
func (e *Engine) finishLocked(s *session, tsMillis int64, abandoned bool) Event {
	s.IsAbandoned = abandoned
	if abandoned {
		e.abandoned++
	} else {
		e.completed++
	}

	if byRoi := e.sessions[s.TrackKey]; byRoi != nil {
		delete(byRoi, s.QueueRoiID)
		if len(byRoi) == 0 {
			delete(e.sessions, s.TrackKey)
		}
	}

	if s.QueueExitUnixMillis != 0 {
		e.recent[s.QueueRoiID] = pruneWaits(append(e.recent[s.QueueRoiID], waitSample{
			exitTs:    s.QueueExitUnixMillis,
			waitingMs: s.WaitingTimeMs,
			abandoned: abandoned,
		}), tsMillis)
	}

	return Event{Type: EventSessionClosed, TSUnixMillis: tsMillis, Session: s.Session}
}

// OpenSessions returns the currently open sessions sorted by lane then track.
func (e *Engine) OpenSessions() []Session {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Session
	for _, byRoi := range e.sessions {
		for _, s := range byRoi {
			out = append(out, s.Session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueueRoiID != out[j].QueueRoiID {
			return out[i].QueueRoiID < out[j].QueueRoiID
		}
		return out[i].TrackKey < out[j].TrackKey
	})
	return out
}

// LaneStats returns the live per-lane statistics over the trailing window
// ending at nowMillis, sorted by lane ID.
func (e *Engine) LaneStats(nowMillis int64) []LaneStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	openByLane := make(map[string]int)
	for _, byRoi := range e.sessions {
		for q := range byRoi {
			openByLane[q]++
		}
	}

	ids := make([]string, 0, len(e.lanes))
	for id := range e.lanes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]LaneStats, 0, len(ids))
	for _, id := range ids {
		lane := e.lanes[id]
		e.recent[id] = pruneWaits(e.recent[id], nowMillis)

		ls := LaneStats{
			QueueRoiID:   id,
			ServiceRoiID: lane.serviceRoiID,
			IsOpen:       lane.isOpen,
			OpenSessions: openByLane[id],
		}
		var waitSum int64
		for _, w := range e.recent[id] {
			waitSum += w.waitingMs
			if w.abandoned {
				ls.AbandonedCount++
			} else {
				ls.CompletedCount++
			}
		}
		if n := ls.CompletedCount + ls.AbandonedCount; n > 0 {
			ls.AvgWaitMs = float64(waitSum) / float64(n)
			ls.AbandonRate = float64(ls.AbandonedCount) / float64(n)
		}
		out = append(out, ls)
	}
	return out
}

// Stats returns a counter snapshot.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, byRoi := range e.sessions {
		n += len(byRoi)
	}
	return EngineStats{
		SessionsOpened:    e.opened,
		SessionsCompleted: e.completed,
		SessionsAbandoned: e.abandoned,
		SessionsLive:      n,
	}
}

func (e *Engine) sessionFor(trackKey, queueRoiID string) *session {
	if byRoi := e.sessions[trackKey]; byRoi != nil {
		return byRoi[queueRoiID]
	}
	return nil
}

func (e *Engine) serviceRec(trackKey, serviceRoiID string) *serviceVisit {
	if recs := e.service[trackKey]; recs != nil {
		return recs[serviceRoiID]
	}
	return nil
}

// inLinger reports whether a service entry at ts completes a session that
// exited its queue at exitTs. The window is open at the exit instant and
// closed at the deadline.
func inLinger(ts, exitTs, deadline int64) bool {
	return ts > exitTs && ts <= deadline
}

func pruneWaits(ws []waitSample, nowMillis int64) []waitSample {
	cutoff := nowMillis - laneWindowMs
	i := 0
	for i < len(ws) && ws[i].exitTs < cutoff {
		i++
	}
	return ws[i:]
}

func sortedKeys(m map[string]*session) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
