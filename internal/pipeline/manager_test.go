package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/roi"
	"github.com/kestrel-data/floorsight/internal/source"
	"github.com/kestrel-data/floorsight/internal/store"
	"github.com/kestrel-data/floorsight/internal/timeutil"
	"github.com/kestrel-data/floorsight/internal/track"
	"github.com/kestrel-data/floorsight/internal/visits"
)

// stubSource hands out subscriber channels and lets the test push samples.
type stubSource struct {
	mu   sync.Mutex
	next int
	subs map[string]chan track.Sample
}

func newStubSource() *stubSource {
	return &stubSource{subs: make(map[string]chan track.Sample)}
}

func (s *stubSource) Subscribe(venueID string) (string, <-chan track.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("%s/%d", venueID, s.next)
	ch := make(chan track.Sample, 64)
	s.subs[id] = ch
	return id, ch
}

func (s *stubSource) Unsubscribe(venueID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *stubSource) Name() string        { return "stub" }
func (s *stubSource) Stats() source.Stats { return source.Stats{Name: "stub"} }
func (s *stubSource) Close() error        { return nil }

func (s *stubSource) emit(sample track.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		ch <- sample
	}
}

func newManagerConfig(t *testing.T, st *store.Store, clock timeutil.Clock, hub Broadcaster, srcs ...source.Source) ManagerConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Venues = nil
	rt := config.NewRuntime(cfg.Tunables)
	return ManagerConfig{
		Config:     cfg,
		Runtime:    rt,
		Store:      st,
		Index:      roi.NewIndex(st, clock),
		Thresholds: visits.NewThresholdCache(st, rt),
		Hub:        hub,
		Sources:    srcs,
		Clock:      clock,
	}
}

func TestManagerStaticVenuesStartAtBoot(t *testing.T) {
	st := openTestStore(t)
	clock := timeutil.NewFakeClock(time.UnixMilli(1_000_000))

	mc := newManagerConfig(t, st, clock, &stubHub{})
	mc.Config.Venues = []string{"venue-a", "venue-b"}
	m := NewManager(mc)
	m.linger = 25 * time.Millisecond
	defer m.Close()

	assert.True(t, m.Running("venue-a"))
	assert.True(t, m.Running("venue-b"))
	assert.Equal(t, []string{"venue-a", "venue-b"}, m.VenueIDs())

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "venue-a", stats[0].VenueID)
	assert.True(t, stats[0].Static)

	// Static venues ignore the refcount lifecycle.
	require.NoError(t, m.Acquire("venue-a"))
	m.Release("venue-a")
	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.Running("venue-a"))
}

func TestManagerStopsIdleVenueAfterLinger(t *testing.T) {
	st := openTestStore(t)
	clock := timeutil.NewFakeClock(time.UnixMilli(1_000_000))

	m := NewManager(newManagerConfig(t, st, clock, &stubHub{}))
	m.linger = 25 * time.Millisecond
	defer m.Close()

	require.NoError(t, m.Acquire("venue-a"))
	assert.True(t, m.Running("venue-a"))

	m.Release("venue-a")
	require.Eventually(t, func() bool { return !m.Running("venue-a") },
		time.Second, 5*time.Millisecond)

	// The stop flushed the writer: both lifecycle entries are durable.
	require.Eventually(t, func() bool {
		started, err := st.ListLedger(context.Background(), store.LedgerFilter{
			VenueID: "venue-a", Category: store.LedgerVenueStarted,
		})
		if err != nil || len(started) != 1 {
			return false
		}
		stopped, err := st.ListLedger(context.Background(), store.LedgerFilter{
			VenueID: "venue-a", Category: store.LedgerVenueStopped,
		})
		return err == nil && len(stopped) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManagerReacquireCancelsLinger(t *testing.T) {
	st := openTestStore(t)
	clock := timeutil.NewFakeClock(time.UnixMilli(1_000_000))

	m := NewManager(newManagerConfig(t, st, clock, &stubHub{}))
	m.linger = 25 * time.Millisecond
	defer m.Close()

	require.NoError(t, m.Acquire("venue-a"))
	m.Release("venue-a")
	require.NoError(t, m.Acquire("venue-a"))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.Running("venue-a"), "re-acquire must cancel the pending stop")
}

func TestManagerAcquireValidation(t *testing.T) {
	st := openTestStore(t)
	clock := timeutil.NewFakeClock(time.UnixMilli(1_000_000))

	m := NewManager(newManagerConfig(t, st, clock, &stubHub{}))

	err := m.Acquire("")
	require.Error(t, err)

	m.Close()
	err = m.Acquire("venue-a")
	require.Error(t, err)
	assert.ErrorContains(t, err, "shut down")
}

func TestManagerLookupsForUnknownVenue(t *testing.T) {
	st := openTestStore(t)
	clock := timeutil.NewFakeClock(time.UnixMilli(1_000_000))

	m := NewManager(newManagerConfig(t, st, clock, &stubHub{}))
	defer m.Close()

	assert.Nil(t, m.CurrentOccupancy("nowhere"))
	assert.Nil(t, m.LaneStats("nowhere"))
	assert.Nil(t, m.OpenVisits("nowhere"))
	assert.False(t, m.Running("nowhere"))
	assert.Empty(t, m.VenueIDs())
}

// End to end: samples emitted by a source surface as live frames, visit
// events and occupancy through the manager.
func TestManagerLiveFlow(t *testing.T) {
	st := openTestStore(t)
	seedROI(t, st, "R1", roi.ZoneBrowse, true, rect(0, 0, 4, 4))

	hub := &stubHub{}
	src := newStubSource()
	mc := newManagerConfig(t, st, timeutil.NewRealClock(), hub, src)
	mc.Config.Venues = []string{testVenue}
	m := NewManager(mc)

	// Layout loads asynchronously; wait for it before feeding samples.
	require.Eventually(t, func() bool {
		return len(m.CurrentOccupancy(testVenue)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	src.emit(sampleAt("s1:7", 1, 2, 2))
	src.emit(sampleAt("s1:7", 1500, 2, 2))

	require.Eventually(t, func() bool {
		return len(hub.eventsOf("visit_opened")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		occ := m.CurrentOccupancy(testVenue)
		return len(occ) == 1 && occ[0].RoiID == "R1" && occ[0].Occupancy == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		for _, f := range hub.frames {
			if len(f.Tracks) == 1 && f.Tracks[0].Key == "s1:7" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	m.Close()
	assert.False(t, m.Running(testVenue))

	// Close drained the writer: the shutdown-closed visit is persisted.
	rows, err := st.ListVisits(context.Background(), store.VisitFilter{VenueID: testVenue})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1500), rows[0].EndUnixMillis)
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	clock := timeutil.NewFakeClock(time.UnixMilli(1_000_000))

	mc := newManagerConfig(t, st, clock, &stubHub{})
	mc.Config.Venues = []string{"venue-a"}
	m := NewManager(mc)

	m.Close()
	m.Close()
	assert.False(t, m.Running("venue-a"))
	assert.Empty(t, m.VenueIDs())
}
