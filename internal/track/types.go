// Package track defines the unified track model and the per-venue
// aggregator that fuses raw sensor samples into live tracks.
package track

import (
	"fmt"
	"math"
	"time"
)

// Sample is one raw observation of a person from any source. Coordinates
// are metres on the venue ground plane; timestamps are Unix milliseconds
// from the sensor clock.
type Sample struct {
	VenueID      string  `json:"venueId"`
	SensorID     string  `json:"sensorId"`
	TrackID      string  `json:"trackId"`
	X            float64 `json:"x"`
	Z            float64 `json:"z"`
	VX           float64 `json:"vx,omitempty"`
	VZ           float64 `json:"vz,omitempty"`
	TSUnixMillis int64   `json:"ts"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// Key returns the venue-scoped track identity. Track IDs are only unique
// per sensor; there is no cross-sensor re-identification.
func (s Sample) Key() string {
	return s.SensorID + ":" + s.TrackID
}

// Validate rejects samples that cannot be placed on the plane.
func (s Sample) Validate() error {
	if s.VenueID == "" {
		return fmt.Errorf("sample missing venueId")
	}
	if s.SensorID == "" || s.TrackID == "" {
		return fmt.Errorf("sample missing sensorId or trackId")
	}
	if !finite(s.X) || !finite(s.Z) || !finite(s.VX) || !finite(s.VZ) {
		return fmt.Errorf("sample for %s has non-finite coordinates", s.Key())
	}
	if s.TSUnixMillis <= 0 {
		return fmt.Errorf("sample for %s has non-positive timestamp %d", s.Key(), s.TSUnixMillis)
	}
	return nil
}

// UnifiedTrack is the live fused state of one person. RoiSet always
// reflects the classification of the latest accepted sample.
type UnifiedTrack struct {
	Key                 string   `json:"key"`
	VenueID             string   `json:"venueId"`
	SensorID            string   `json:"sensorId"`
	TrackID             string   `json:"trackId"`
	X                   float64  `json:"x"`
	Z                   float64  `json:"z"`
	VX                  float64  `json:"vx"`
	VZ                  float64  `json:"vz"`
	RoiSet              []string `json:"roiIds"`
	FirstSeenUnixMillis int64    `json:"firstSeen"`
	LastSeenUnixMillis  int64    `json:"lastSeen"`
	SampleCount         int64    `json:"sampleCount"`

	lastSeenWall time.Time
}

// SpeedMps returns the planar speed of the track in metres per second.
func (t *UnifiedTrack) SpeedMps() float64 {
	return math.Hypot(t.VX, t.VZ)
}

// clone returns a deep copy safe to hand outside the aggregator.
func (t *UnifiedTrack) clone() UnifiedTrack {
	cp := *t
	cp.RoiSet = append([]string(nil), t.RoiSet...)
	return cp
}

// Frame is the periodic venue snapshot broadcast to live subscribers.
type Frame struct {
	VenueID      string       `json:"venueId"`
	TSUnixMillis int64        `json:"ts"`
	Tracks       []FrameTrack `json:"tracks"`
	Dropped      uint64       `json:"dropped,omitempty"`
}

// FrameTrack is one track inside a Frame.
type FrameTrack struct {
	Key      string   `json:"key"`
	SensorID string   `json:"sensorId"`
	TrackID  string   `json:"trackId"`
	X        float64  `json:"x"`
	Z        float64  `json:"z"`
	VX       float64  `json:"vx"`
	VZ       float64  `json:"vz"`
	RoiIDs   []string `json:"roiIds"`
	AgeMs    int64    `json:"ageMs"`
}

// Observation is what one accepted sample contributes to the downstream
// engines: identity, sample clock and the classification of that sample.
type Observation struct {
	Key          string
	VenueID      string
	TSUnixMillis int64
	RoiSet       []string
	X, Z         float64
	SpeedMps     float64
	Created      bool
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
