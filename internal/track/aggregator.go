package track

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-data/floorsight/internal/timeutil"
)

// Aggregator owns the unified track table for one venue. The venue pipeline
// is the only writer; HTTP handlers may read concurrently through the
// snapshot methods.
//
// Two clocks are in play. Sample timestamps drive everything that becomes
// analytics (visit durations, grace, linger). The wall clock only schedules:
// a track is evicted when no sample has arrived for the TTL, measured from
// receipt time, so a paused sensor clock cannot pin tracks alive.
type Aggregator struct {
	venueID string
	ttl     time.Duration
	clock   timeutil.Clock

	mu     sync.RWMutex
	tracks map[string]*UnifiedTrack

	samplesIn     atomic.Int64
	samplesStale  atomic.Int64
	tracksCreated atomic.Int64
	tracksEvicted atomic.Int64
}

// NewAggregator returns an empty aggregator for the venue.
func NewAggregator(venueID string, ttl time.Duration, clock timeutil.Clock) *Aggregator {
	return &Aggregator{
		venueID: venueID,
		ttl:     ttl,
		clock:   clock,
		tracks:  make(map[string]*UnifiedTrack),
	}
}

// Ingest applies one sample and returns the resulting observation. The
// roiSet must be the classification of this sample's position. Returns
// ok=false for stale samples (older than the track's latest), which update
// nothing but the sample counter.
func (a *Aggregator) Ingest(s Sample, roiSet []string) (Observation, bool) {
	a.samplesIn.Add(1)
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	key := s.Key()
	tr, exists := a.tracks[key]
	if exists && s.TSUnixMillis < tr.LastSeenUnixMillis {
		tr.SampleCount++
		a.samplesStale.Add(1)
		return Observation{}, false
	}

	if !exists {
		tr = &UnifiedTrack{
			Key:                 key,
			VenueID:             a.venueID,
			SensorID:            s.SensorID,
			TrackID:             s.TrackID,
			FirstSeenUnixMillis: s.TSUnixMillis,
		}
		a.tracks[key] = tr
		a.tracksCreated.Add(1)
	}

	tr.X, tr.Z = s.X, s.Z
	tr.VX, tr.VZ = s.VX, s.VZ
	tr.LastSeenUnixMillis = s.TSUnixMillis
	tr.lastSeenWall = now
	tr.SampleCount++
	tr.RoiSet = append(tr.RoiSet[:0], roiSet...)

	return Observation{
		Key:          key,
		VenueID:      a.venueID,
		TSUnixMillis: s.TSUnixMillis,
		RoiSet:       append([]string(nil), roiSet...),
		X:            s.X,
		Z:            s.Z,
		SpeedMps:     tr.SpeedMps(),
		Created:      !exists,
	}, true
}

// EvictExpired removes tracks whose last sample is older than the TTL on
// the wall clock and returns copies of them. Downstream engines close the
// evicted tracks' visits at their last sample timestamps.
func (a *Aggregator) EvictExpired() []UnifiedTrack {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	var evicted []UnifiedTrack
	for key, tr := range a.tracks {
		if now.Sub(tr.lastSeenWall) > a.ttl {
			evicted = append(evicted, tr.clone())
			delete(a.tracks, key)
		}
	}
	if len(evicted) > 0 {
		a.tracksEvicted.Add(int64(len(evicted)))
		sort.Slice(evicted, func(i, j int) bool { return evicted[i].Key < evicted[j].Key })
	}
	return evicted
}

// Snapshot assembles the frame for one tick. Track state is deep-copied so
// the caller can hand the frame to other goroutines.
func (a *Aggregator) Snapshot(tsMillis int64, dropped uint64) Frame {
	a.mu.RLock()
	defer a.mu.RUnlock()

	frame := Frame{
		VenueID:      a.venueID,
		TSUnixMillis: tsMillis,
		Tracks:       make([]FrameTrack, 0, len(a.tracks)),
		Dropped:      dropped,
	}
	for _, tr := range a.tracks {
		frame.Tracks = append(frame.Tracks, FrameTrack{
			Key:      tr.Key,
			SensorID: tr.SensorID,
			TrackID:  tr.TrackID,
			X:        tr.X,
			Z:        tr.Z,
			VX:       tr.VX,
			VZ:       tr.VZ,
			RoiIDs:   append([]string(nil), tr.RoiSet...),
			AgeMs:    tsMillis - tr.FirstSeenUnixMillis,
		})
	}
	sort.Slice(frame.Tracks, func(i, j int) bool { return frame.Tracks[i].Key < frame.Tracks[j].Key })
	return frame
}

// TrackCount returns the number of live tracks.
func (a *Aggregator) TrackCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tracks)
}

// MeanSpeedInROI returns the mean speed of tracks currently classified into
// the ROI, and how many there are. Feeds the velocity alert metric.
func (a *Aggregator) MeanSpeedInROI(roiID string) (float64, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var sum float64
	var n int
	for _, tr := range a.tracks {
		for _, id := range tr.RoiSet {
			if id == roiID {
				sum += tr.SpeedMps()
				n++
				break
			}
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// Stats reports the aggregator counters.
func (a *Aggregator) Stats() AggregatorStats {
	return AggregatorStats{
		SamplesIn:     a.samplesIn.Load(),
		SamplesStale:  a.samplesStale.Load(),
		TracksCreated: a.tracksCreated.Load(),
		TracksEvicted: a.tracksEvicted.Load(),
		TracksLive:    int64(a.TrackCount()),
	}
}

// AggregatorStats is a point-in-time counter snapshot.
type AggregatorStats struct {
	SamplesIn     int64 `json:"samplesIn"`
	SamplesStale  int64 `json:"samplesStale"`
	TracksCreated int64 `json:"tracksCreated"`
	TracksEvicted int64 `json:"tracksEvicted"`
	TracksLive    int64 `json:"tracksLive"`
}
