package queueing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/roi"
	"github.com/kestrel-data/floorsight/internal/track"
	"github.com/kestrel-data/floorsight/internal/visits"
)

func newTestQueue() *Engine {
	e := NewEngine("v1", config.NewRuntime(config.Default().Tunables))
	e.SetLayout(
		[]roi.ROI{
			{ID: "q1", VenueID: "v1", ZoneType: roi.ZoneQueue, IsOpen: true},
			{ID: "s1", VenueID: "v1", ZoneType: roi.ZoneService},
		},
		[]roi.ZoneLink{{ID: "zl1", VenueID: "v1", QueueRoiID: "q1", ServiceRoiID: "s1"}},
	)
	return e
}

func opened(id, roiID, key string, startTs, ts int64) visits.Event {
	return visits.Event{
		Type:         visits.EventVisitOpened,
		TSUnixMillis: ts,
		Visit:        visits.Visit{ID: id, VenueID: "v1", RoiID: roiID, TrackKey: key, StartUnixMillis: startTs},
	}
}

func closed(id, roiID, key string, startTs, endTs int64) visits.Event {
	return visits.Event{
		Type:         visits.EventVisitClosed,
		TSUnixMillis: endTs,
		Visit: visits.Visit{
			ID: id, VenueID: "v1", RoiID: roiID, TrackKey: key,
			StartUnixMillis: startTs, EndUnixMillis: endTs, DurationMs: endTs - startTs,
		},
	}
}

// A queue pass followed by a service entry inside the linger window
// completes the session. The service visit opens before the queue close is
// decided (close lags by grace), which must not confuse the pairing.
func TestQueueServiceCompletion(t *testing.T) {
	e := newTestQueue()

	evs := e.OnVisitEvent(opened("visit_q", "q1", "s1:7", 0, 5000))
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionOpened, evs[0].Type)
	assert.Equal(t, int64(0), evs[0].Session.QueueEntryUnixMillis)
	assert.Equal(t, "s1", evs[0].Session.ServiceRoiID)

	// Service visit opens while the queue visit is still open.
	evs = e.OnVisitEvent(opened("visit_s", "s1", "s1:7", 7000, 8000))
	assert.Empty(t, evs, "nothing to report until the queue exit is known")

	// Queue visit closes at its last in-queue sample.
	evs = e.OnVisitEvent(closed("visit_q", "q1", "s1:7", 0, 5000))
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionUpdated, evs[0].Type)
	s := evs[0].Session
	assert.Equal(t, int64(5000), s.QueueExitUnixMillis)
	assert.Equal(t, int64(5000), s.WaitingTimeMs)
	assert.Equal(t, int64(7000), s.ServiceEntryUnixMillis)

	// Service visit closes; the session is complete.
	evs = e.OnVisitEvent(closed("visit_s", "s1", "s1:7", 7000, 8000))
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionClosed, evs[0].Type)
	s = evs[0].Session
	assert.Equal(t, int64(8000), s.ServiceExitUnixMillis)
	assert.False(t, s.IsAbandoned)

	assert.Empty(t, e.OpenSessions())
	assert.Equal(t, uint64(1), e.Stats().SessionsCompleted)
}

// The service visit closing before the queue visit in the same eviction
// batch still pairs correctly.
func TestServiceCloseBeforeQueueClose(t *testing.T) {
	e := newTestQueue()

	e.OnVisitEvent(opened("visit_q", "q1", "s1:7", 0, 5000))
	e.OnVisitEvent(opened("visit_s", "s1", "s1:7", 7000, 8000))
	e.OnVisitEvent(closed("visit_s", "s1", "s1:7", 7000, 8000))

	evs := e.OnVisitEvent(closed("visit_q", "q1", "s1:7", 0, 5000))
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionClosed, evs[0].Type)
	s := evs[0].Session
	assert.Equal(t, int64(7000), s.ServiceEntryUnixMillis)
	assert.Equal(t, int64(8000), s.ServiceExitUnixMillis)
	assert.False(t, s.IsAbandoned)
}

// No service entry within the linger window: the session abandons when the
// track's own sample clock passes the deadline.
func TestQueueAbandonment(t *testing.T) {
	e := newTestQueue()

	e.OnVisitEvent(opened("visit_q", "q1", "s1:7", 0, 20000))
	evs := e.OnVisitEvent(closed("visit_q", "q1", "s1:7", 0, 20000))
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionUpdated, evs[0].Type, "queue exit recorded, watching for service")

	// Samples keep arriving while the shopper wanders elsewhere.
	evs = e.Observe(track.Observation{Key: "s1:7", VenueID: "v1", TSUnixMillis: 50000})
	assert.Empty(t, evs, "deadline is queueExit + 30s, not yet passed")

	evs = e.Observe(track.Observation{Key: "s1:7", VenueID: "v1", TSUnixMillis: 51000})
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionClosed, evs[0].Type)
	s := evs[0].Session
	assert.Equal(t, int64(20000), s.QueueExitUnixMillis)
	assert.Equal(t, int64(20000), s.WaitingTimeMs)
	assert.Zero(t, s.ServiceEntryUnixMillis)
	assert.True(t, s.IsAbandoned)
	assert.Equal(t, uint64(1), e.Stats().SessionsAbandoned)
}

// A service entry after the linger window does not rescue the session.
func TestServiceEntryAfterLingerDoesNotCount(t *testing.T) {
	e := newTestQueue()

	e.OnVisitEvent(opened("visit_q", "q1", "s1:7", 0, 2000))
	e.OnVisitEvent(closed("visit_q", "q1", "s1:7", 0, 2000))

	// Entry at 40s, window closed at 32s.
	evs := e.OnVisitEvent(opened("visit_s", "s1", "s1:7", 40000, 41000))
	assert.Empty(t, evs)

	evs = e.Observe(track.Observation{Key: "s1:7", VenueID: "v1", TSUnixMillis: 41000})
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Session.IsAbandoned)
}

// Eviction resolves watching sessions as abandoned.
func TestEvictionAbandonsWatchingSession(t *testing.T) {
	e := newTestQueue()

	e.OnVisitEvent(opened("visit_q", "q1", "s1:7", 0, 2000))
	e.OnVisitEvent(closed("visit_q", "q1", "s1:7", 0, 2000))

	evs := e.EvictTrack("s1:7", 2000)
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionClosed, evs[0].Type)
	assert.True(t, evs[0].Session.IsAbandoned)
	assert.Empty(t, e.OpenSessions())
}

// A lane with no configured link completes at queue exit.
func TestNoLinkCompletesAtExit(t *testing.T) {
	e := NewEngine("v1", config.NewRuntime(config.Default().Tunables))
	e.SetLayout([]roi.ROI{{ID: "q1", VenueID: "v1", ZoneType: roi.ZoneQueue, IsOpen: true}}, nil)

	e.OnVisitEvent(opened("visit_q", "q1", "s1:7", 0, 2000))
	evs := e.OnVisitEvent(closed("visit_q", "q1", "s1:7", 0, 2000))
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionClosed, evs[0].Type)
	s := evs[0].Session
	assert.False(t, s.IsAbandoned)
	assert.Empty(t, s.ServiceRoiID)
	assert.Equal(t, int64(2000), s.WaitingTimeMs)
}

// A closed lane creates no sessions; the zone visit itself is C4's business.
func TestClosedLaneCreatesNoSession(t *testing.T) {
	e := NewEngine("v1", config.NewRuntime(config.Default().Tunables))
	e.SetLayout([]roi.ROI{{ID: "q1", VenueID: "v1", ZoneType: roi.ZoneQueue, IsOpen: false}}, nil)

	evs := e.OnVisitEvent(opened("visit_q", "q1", "s1:7", 0, 2000))
	assert.Empty(t, evs)
	assert.Empty(t, e.OpenSessions())
}

// Visits on non-queue ROIs never create sessions.
func TestBrowseVisitIgnored(t *testing.T) {
	e := newTestQueue()
	evs := e.OnVisitEvent(opened("visit_b", "b1", "s1:7", 0, 2000))
	assert.Empty(t, evs)
}

// Rejoining the lane before the previous session resolved closes that
// session and starts a fresh one.
func TestRejoinStartsNewSession(t *testing.T) {
	e := newTestQueue()

	e.OnVisitEvent(opened("visit_q1", "q1", "s1:7", 0, 2000))
	e.OnVisitEvent(closed("visit_q1", "q1", "s1:7", 0, 2000))

	evs := e.OnVisitEvent(opened("visit_q2", "q1", "s1:7", 10000, 11000))
	require.Len(t, evs, 2)
	assert.Equal(t, EventSessionClosed, evs[0].Type)
	assert.True(t, evs[0].Session.IsAbandoned)
	assert.Equal(t, EventSessionOpened, evs[1].Type)
	assert.Equal(t, int64(10000), evs[1].Session.QueueEntryUnixMillis)
	assert.NotEqual(t, evs[0].Session.ID, evs[1].Session.ID)
}

func TestLaneStats(t *testing.T) {
	e := newTestQueue()

	// One completed pass: waited 5s.
	e.OnVisitEvent(opened("visit_q1", "q1", "a:1", 0, 5000))
	e.OnVisitEvent(opened("visit_s1", "s1", "a:1", 7000, 8000))
	e.OnVisitEvent(closed("visit_q1", "q1", "a:1", 0, 5000))
	e.OnVisitEvent(closed("visit_s1", "s1", "a:1", 7000, 8000))

	// One abandoned pass: waited 9s.
	e.OnVisitEvent(opened("visit_q2", "q1", "b:2", 1000, 2000))
	e.OnVisitEvent(closed("visit_q2", "q1", "b:2", 1000, 10000))
	e.Observe(track.Observation{Key: "b:2", VenueID: "v1", TSUnixMillis: 45000})

	// One still queueing.
	e.OnVisitEvent(opened("visit_q3", "q1", "c:3", 40000, 41000))

	stats := e.LaneStats(60000)
	require.Len(t, stats, 1)
	ls := stats[0]
	assert.Equal(t, "q1", ls.QueueRoiID)
	assert.Equal(t, "s1", ls.ServiceRoiID)
	assert.True(t, ls.IsOpen)
	assert.Equal(t, 1, ls.OpenSessions)
	assert.Equal(t, 1, ls.CompletedCount)
	assert.Equal(t, 1, ls.AbandonedCount)
	assert.InDelta(t, 7000, ls.AvgWaitMs, 0.001, "(5000+9000)/2")
	assert.InDelta(t, 0.5, ls.AbandonRate, 0.001)

	// Outside the trailing window the samples age out.
	stats = e.LaneStats(10 * 60 * 1000 * 2)
	assert.Equal(t, 0, stats[0].CompletedCount+stats[0].AbandonedCount)
}

func TestStopAllAbandonsOpenWatches(t *testing.T) {
	e := newTestQueue()

	e.OnVisitEvent(opened("visit_q", "q1", "s1:7", 0, 2000))
	e.OnVisitEvent(closed("visit_q", "q1", "s1:7", 0, 2000))

	evs := e.StopAll(3000)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Session.IsAbandoned)
	if got := e.Stats().SessionsLive; got != 0 {
		t.Errorf("SessionsLive = %d after StopAll, want 0", got)
	}
}
