// Package source feeds track samples into the venue pipelines. A source
// owns its transport (TCP concentrator pool, MQTT broker, or the in-process
// mock) and fans decoded samples out to per-venue subscribers. Producers
// never block on a slow subscriber: sends are select/default and drops are
// counted.
package source

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kestrel-data/floorsight/internal/track"
)

// ErrSourceClosed is returned by Close on a source that is already closed.
var ErrSourceClosed = errors.New("source closed")

// Source is the uniform contract the venue manager consumes.
type Source interface {
	// Subscribe creates a buffered channel receiving the venue's samples.
	// The returned id identifies the channel for Unsubscribe.
	Subscribe(venueID string) (string, <-chan track.Sample)
	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(venueID, id string)
	// Name identifies the source in status events and /api/sources.
	Name() string
	// Stats returns the source's counters.
	Stats() Stats
	// Close stops the transport and closes all subscriber channels.
	Close() error
}

// Connection states carried by StatusEvent.
const (
	StateConnecting = "connecting"
	StateOnline     = "online"
	StateOffline    = "offline"
	StateError      = "error"
)

// StatusEvent is a source connection transition. The runtime forwards these
// to the live hub as lidar_status events and to the ledger on errors.
type StatusEvent struct {
	Source       string `json:"source"`
	VenueID      string `json:"venueId,omitempty"`
	State        string `json:"state"`
	Detail       string `json:"detail,omitempty"`
	TSUnixMillis int64  `json:"ts"`
}

// StatusSink receives status events. Sinks must not block; they are called
// from source goroutines. A nil sink drops events.
type StatusSink func(StatusEvent)

// Stats is a point-in-time counter snapshot for one source.
type Stats struct {
	Name         string            `json:"name"`
	Samples      uint64            `json:"samples"`
	Dropped      uint64            `json:"dropped"`
	DecodeErrors uint64            `json:"decodeErrors,omitempty"`
	Rejected     uint64            `json:"rejected,omitempty"`
	Mismatches   uint64            `json:"mismatches,omitempty"`
	Subscribers  int               `json:"subscribers"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
}

// subscriberBuffer is the per-subscriber channel depth. The pipeline drains
// quickly; the buffer only has to ride out scheduling jitter.
const subscriberBuffer = 1024

// randomID generates a random subscriber ID (8 byte random hex encoded value).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// fanout is the per-venue subscriber registry shared by every source.
type fanout struct {
	mu      sync.Mutex
	subs    map[string]map[string]chan track.Sample
	closed  bool
	samples atomic.Uint64
	dropped atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]map[string]chan track.Sample)}
}

func (f *fanout) Subscribe(venueID string) (string, <-chan track.Sample) {
	id := randomID()
	ch := make(chan track.Sample, subscriberBuffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return id, ch
	}
	venue := f.subs[venueID]
	if venue == nil {
		venue = make(map[string]chan track.Sample)
		f.subs[venueID] = venue
	}
	venue[id] = ch
	return id, ch
}

func (f *fanout) Unsubscribe(venueID, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	venue := f.subs[venueID]
	if ch, ok := venue[id]; ok {
		close(ch)
		delete(venue, id)
		if len(venue) == 0 {
			delete(f.subs, venueID)
		}
	}
}

// publish delivers one sample to the venue's subscribers. Full channels are
// skipped so the producer never blocks; zero subscribers is a cheap no-op.
func (f *fanout) publish(s track.Sample) {
	f.samples.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[s.VenueID] {
		select {
		case ch <- s:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *fanout) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, venue := range f.subs {
		n += len(venue)
	}
	return n
}

// closeAll closes every subscriber channel and rejects future subscribes.
// It reports whether this call did the closing; false means the fanout was
// already closed.
func (f *fanout) closeAll() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	for venueID, venue := range f.subs {
		for id, ch := range venue {
			close(ch)
			delete(venue, id)
		}
		delete(f.subs, venueID)
	}
	return true
}
