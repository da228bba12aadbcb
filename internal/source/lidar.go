package source

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/track"
)

// Reconnect backoff bounds for concentrator connections.
const (
	lidarBackoffMin = time.Second
	lidarBackoffMax = 30 * time.Second
)

// lidarScanBuffer sizes the line scanner. A concentrator frame carries every
// live track in one line, so the default 64K token limit is too small.
const lidarScanBuffer = 1024 * 1024

// lidarMessage is one newline-delimited frame from a concentrator.
type lidarMessage struct {
	VenueID string         `json:"venueId,omitempty"`
	TS      int64          `json:"ts,omitempty"`
	Tracks  []track.Sample `json:"tracks"`
}

// Lidar maintains one reader goroutine per configured concentrator endpoint,
// reconnecting with exponential backoff.
type Lidar struct {
	*fanout
	status StatusSink
	cancel context.CancelFunc
	wg     sync.WaitGroup

	decodeErrors atomic.Uint64
	rejected     atomic.Uint64

	mu     sync.Mutex
	states map[string]string // endpoint addr -> connection state
}

// NewLidar starts a connection goroutine per endpoint. Close stops them.
func NewLidar(endpoints []config.LidarEndpoint, status StatusSink) *Lidar {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lidar{
		fanout: newFanout(),
		status: status,
		cancel: cancel,
		states: make(map[string]string, len(endpoints)),
	}
	for _, ep := range endpoints {
		l.wg.Add(1)
		go l.run(ctx, ep)
	}
	return l
}

func (l *Lidar) Name() string { return "lidar" }

// Stats returns the pool's counters and per-endpoint connection states.
func (l *Lidar) Stats() Stats {
	l.mu.Lock()
	endpoints := make(map[string]string, len(l.states))
	for addr, state := range l.states {
		endpoints[addr] = state
	}
	l.mu.Unlock()

	return Stats{
		Name:         l.Name(),
		Samples:      l.samples.Load(),
		Dropped:      l.dropped.Load(),
		DecodeErrors: l.decodeErrors.Load(),
		Rejected:     l.rejected.Load(),
		Subscribers:  l.subscriberCount(),
		Endpoints:    endpoints,
	}
}

// Close stops all connection goroutines and closes subscriber channels.
func (l *Lidar) Close() error {
	l.cancel()
	l.wg.Wait()
	if !l.closeAll() {
		return ErrSourceClosed
	}
	return nil
}

func (l *Lidar) setState(ep config.LidarEndpoint, state, detail string) {
	l.mu.Lock()
	l.states[ep.Addr] = state
	l.mu.Unlock()
	if l.status != nil {
		l.status(StatusEvent{
			Source:       l.Name(),
			VenueID:      ep.VenueID,
			State:        state,
			Detail:       detail,
			TSUnixMillis: time.Now().UnixMilli(),
		})
	}
}

// run owns one endpoint: dial, read until failure, back off, repeat.
func (l *Lidar) run(ctx context.Context, ep config.LidarEndpoint) {
	defer l.wg.Done()

	var dialer net.Dialer
	backoff := lidarBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		l.setState(ep, StateConnecting, "")

		conn, err := dialer.DialContext(ctx, "tcp", ep.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.setState(ep, StateError, err.Error())
			monitoring.Logf("lidar source: connect %s failed, retrying in %v: %v", ep.Addr, backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > lidarBackoffMax {
				backoff = lidarBackoffMax
			}
			continue
		}

		backoff = lidarBackoffMin
		l.setState(ep, StateOnline, "")

		err = l.readLoop(ctx, conn, ep)
		conn.Close()
		if ctx.Err() != nil {
			l.setState(ep, StateOffline, "shutdown")
			return
		}
		detail := "connection closed"
		if err != nil {
			detail = err.Error()
		}
		l.setState(ep, StateOffline, detail)
	}
}

// readLoop scans newline-delimited frames until the connection drops or ctx
// is cancelled. Cancellation forces a past read deadline so the blocked scan
// returns promptly.
func (l *Lidar) readLoop(ctx context.Context, conn net.Conn, ep config.LidarEndpoint) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), lidarScanBuffer)
	for scanner.Scan() {
		l.handleLine(ep, scanner.Bytes())
	}
	return scanner.Err()
}

func (l *Lidar) handleLine(ep config.LidarEndpoint, line []byte) {
	if len(line) == 0 {
		return
	}
	var msg lidarMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		l.decodeErrors.Add(1)
		return
	}
	if len(msg.Tracks) == 0 {
		return
	}

	now := time.Now().UnixMilli()
	for _, s := range msg.Tracks {
		if s.VenueID == "" {
			s.VenueID = msg.VenueID
		}
		if s.VenueID == "" {
			s.VenueID = ep.VenueID
		}
		if s.TSUnixMillis == 0 {
			if msg.TS != 0 {
				s.TSUnixMillis = msg.TS
			} else {
				s.TSUnixMillis = now
			}
		}
		if err := s.Validate(); err != nil {
			l.rejected.Add(1)
			continue
		}
		l.publish(s)
	}
}
