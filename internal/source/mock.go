package source

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/kestrel-data/floorsight/internal/track"
)

// Mock floor bounds in metres. Spawn is the entrance strip shoppers appear
// in; waypoints range over the whole floor.
const (
	mockFloorMaxX = 20.0
	mockFloorMaxZ = 15.0
	mockSpawnMinX = 6.0
	mockSpawnMaxX = 14.0
	mockSpawnMaxZ = 3.0
)

// MockConfig configures the deterministic shopper generator.
type MockConfig struct {
	Venues   []string
	Tracks   int           // simulated shoppers per venue
	Seed     int64         // fixed seed gives reproducible walks
	Interval time.Duration // frame cadence
	Status   StatusSink
}

// Mock generates random-walking shopper tracks. All randomness comes from a
// single seeded generator owned by the run goroutine, so a fixed seed
// reproduces the same walk sequence.
type Mock struct {
	*fanout
	status StatusSink
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMock starts the generator. Close stops it.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Tracks <= 0 {
		cfg.Tracks = 6
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mock{
		fanout: newFanout(),
		status: cfg.Status,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(ctx, cfg)
	return m
}

func (m *Mock) Name() string { return "mock" }

// Stats returns the generator's counters.
func (m *Mock) Stats() Stats {
	return Stats{
		Name:        m.Name(),
		Samples:     m.samples.Load(),
		Dropped:     m.dropped.Load(),
		Subscribers: m.subscriberCount(),
	}
}

// Close stops the generator and closes all subscriber channels.
func (m *Mock) Close() error {
	m.cancel()
	<-m.done
	if !m.closeAll() {
		return ErrSourceClosed
	}
	m.emit(StatusEvent{Source: m.Name(), State: StateOffline, TSUnixMillis: time.Now().UnixMilli()})
	return nil
}

func (m *Mock) emit(ev StatusEvent) {
	if m.status != nil {
		m.status(ev)
	}
}

func (m *Mock) run(ctx context.Context, cfg MockConfig) {
	defer close(m.done)

	rng := rand.New(rand.NewSource(cfg.Seed))
	dt := cfg.Interval.Seconds()

	serial := 0
	var shoppers []*shopper
	for _, venueID := range cfg.Venues {
		for i := 0; i < cfg.Tracks; i++ {
			serial++
			shoppers = append(shoppers, newShopper(rng, venueID, serial))
		}
	}

	m.emit(StatusEvent{Source: m.Name(), State: StateOnline, TSUnixMillis: time.Now().UnixMilli()})

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for i, sh := range shoppers {
				if sh.step(rng, dt) {
					// Retired at a waypoint; a new shopper takes the slot
					// with a fresh identity.
					serial++
					shoppers[i] = newShopper(rng, sh.venueID, serial)
					continue
				}
				m.publish(sh.sample(now))
			}
		}
	}
}

// shopper is one simulated track walking waypoint to waypoint.
type shopper struct {
	venueID string
	trackID string
	x, z    float64
	vx, vz  float64
	wx, wz  float64 // current waypoint
	speed   float64 // m/s
	dwell   int     // ticks left standing at the waypoint
	visited int     // waypoints reached so far
}

func newShopper(rng *rand.Rand, venueID string, serial int) *shopper {
	sh := &shopper{
		venueID: venueID,
		trackID: fmt.Sprintf("sim-%04d", serial),
		x:       mockSpawnMinX + rng.Float64()*(mockSpawnMaxX-mockSpawnMinX),
		z:       rng.Float64() * mockSpawnMaxZ,
		speed:   0.5 + rng.Float64(),
	}
	sh.pickWaypoint(rng)
	return sh
}

func (sh *shopper) pickWaypoint(rng *rand.Rand) {
	sh.wx = rng.Float64() * mockFloorMaxX
	sh.wz = rng.Float64() * mockFloorMaxZ
}

// step advances one tick and reports whether the shopper retired.
func (sh *shopper) step(rng *rand.Rand, dt float64) bool {
	if sh.dwell > 0 {
		sh.dwell--
		sh.vx, sh.vz = 0, 0
		return false
	}

	dx, dz := sh.wx-sh.x, sh.wz-sh.z
	dist := math.Hypot(dx, dz)
	stepLen := sh.speed * dt
	if dist <= stepLen || dist < 0.3 {
		sh.x, sh.z = sh.wx, sh.wz
		sh.vx, sh.vz = 0, 0
		sh.visited++
		// After a few stops a shopper may leave the floor.
		if sh.visited >= 2 && rng.Float64() < 0.15 {
			return true
		}
		sh.dwell = 20 + rng.Intn(280) // 2s..30s at the 100ms cadence
		sh.pickWaypoint(rng)
		return false
	}

	sh.vx = dx / dist * sh.speed
	sh.vz = dz / dist * sh.speed
	sh.x += sh.vx * dt
	sh.z += sh.vz * dt
	return false
}

func (sh *shopper) sample(nowMillis int64) track.Sample {
	return track.Sample{
		VenueID:      sh.venueID,
		SensorID:     "mock",
		TrackID:      sh.trackID,
		X:            sh.x,
		Z:            sh.z,
		VX:           sh.vx,
		VZ:           sh.vz,
		TSUnixMillis: nowMillis,
		Confidence:   0.95,
	}
}
