// Package live fans venue frames and lifecycle events out to WebSocket
// clients. Frames are lossy per client (latest wins); events are ordered and
// never silently skipped: a client that cannot drain its event queue within
// the backpressure timeout is disconnected instead.
package live

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/track"
)

// Server to client event types.
const (
	EventTrackFrame   = "track_frame"
	EventTrackRemoved = "track_removed"
	EventVisitOpened  = "visit_opened"
	EventVisitClosed  = "visit_closed"
	EventQueueOpened  = "queue_session_opened"
	EventQueueUpdated = "queue_session_updated"
	EventQueueClosed  = "queue_session_closed"
	EventOccupancy    = "occupancy"
	EventAlert        = "alert_triggered"
	EventLidarStatus  = "lidar_status"
	EventRoiUpdated   = "roi_updated"
	eventPong         = "pong"
	eventError        = "error"
	eventSubscribed   = "subscribed"
	eventUnsubscribed = "unsubscribed"
)

// ErrSlowClient is the disconnect cause for a client whose event queue
// stayed full past the backpressure timeout.
var ErrSlowClient = errors.New("client event queue blocked")

const (
	defaultSendBuffer          = 256
	defaultBackpressureTimeout = 5 * time.Second
	intakeBuffer               = 512
)

// Envelope is the wire shape of every server to client message.
type Envelope struct {
	Type    string `json:"type"`
	VenueID string `json:"venueId,omitempty"`
	TS      int64  `json:"ts,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// clientMessage is the wire shape of every client to server message.
type clientMessage struct {
	Type    string `json:"type"`
	VenueID string `json:"venueId"`
}

type errorBody struct {
	Message string `json:"message"`
}

// VenueProvider starts and stops venue pipelines on demand and answers the
// current occupancy a fresh subscriber is primed with.
type VenueProvider interface {
	Acquire(venueID string) error
	Release(venueID string)
	CurrentOccupancy(venueID string) []occupancy.Snapshot
}

// Config configures a Hub. Zero values take the defaults above. Venues may
// be nil at construction and installed later with SetVenueProvider; the hub
// and the venue manager reference each other, so one side binds late.
type Config struct {
	Venues              VenueProvider
	SendBuffer          int
	BackpressureTimeout time.Duration
}

type broadcastMsg struct {
	venueID string
	frame   bool
	payload []byte
}

type controlMsg struct {
	c       *client
	action  string
	venueID string
}

// Hub owns every room and client registration. All of that state is mutated
// only by the run goroutine; the rest of the process talks to it through
// channels.
type Hub struct {
	cfg Config

	venueMu sync.RWMutex
	venues  VenueProvider

	register   chan *client
	unregister chan *client
	control    chan controlMsg
	intake     chan broadcastMsg
	stopCh     chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	// run goroutine only.
	rooms   map[string]map[*client]bool
	clients map[*client]bool

	// subCounts mirrors room sizes for cheap reads off the run goroutine.
	subMu     sync.RWMutex
	subCounts map[string]int
	nClients  int

	framesSent    atomic.Uint64
	framesElided  atomic.Uint64
	eventsSent    atomic.Uint64
	intakeDropped atomic.Uint64
	slowDrops     atomic.Uint64
}

// HubStats is the counter snapshot surfaced on /api/health.
type HubStats struct {
	Clients       int    `json:"clients"`
	Subscriptions int    `json:"subscriptions"`
	FramesSent    uint64 `json:"framesSent"`
	FramesElided  uint64 `json:"framesElided"`
	EventsSent    uint64 `json:"eventsSent"`
	IntakeDropped uint64 `json:"intakeDropped"`
	SlowDrops     uint64 `json:"slowClientDrops"`
}

// NewHub starts the broadcast goroutine. Close stops it and disconnects
// every client.
func NewHub(cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.BackpressureTimeout <= 0 {
		cfg.BackpressureTimeout = defaultBackpressureTimeout
	}
	h := &Hub{
		cfg:        cfg,
		venues:     cfg.Venues,
		register:   make(chan *client),
		unregister: make(chan *client),
		control:    make(chan controlMsg),
		intake:     make(chan broadcastMsg, intakeBuffer),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*client]bool),
		clients:    make(map[*client]bool),
		subCounts:  make(map[string]int),
	}
	go h.run()
	return h
}

// SetVenueProvider installs the venue manager. Must be called before the
// handler starts accepting clients.
func (h *Hub) SetVenueProvider(p VenueProvider) {
	h.venueMu.Lock()
	h.venues = p
	h.venueMu.Unlock()
}

func (h *Hub) venueProvider() VenueProvider {
	h.venueMu.RLock()
	defer h.venueMu.RUnlock()
	return h.venues
}

// Close disconnects all clients and stops the broadcast goroutine.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() HubStats {
	h.subMu.RLock()
	clients := h.nClients
	subs := 0
	for _, n := range h.subCounts {
		subs += n
	}
	h.subMu.RUnlock()

	return HubStats{
		Clients:       clients,
		Subscriptions: subs,
		FramesSent:    h.framesSent.Load(),
		FramesElided:  h.framesElided.Load(),
		EventsSent:    h.eventsSent.Load(),
		IntakeDropped: h.intakeDropped.Load(),
		SlowDrops:     h.slowDrops.Load(),
	}
}

// VenueHasClients reports whether any client is subscribed to the venue.
// Venue loops use it to skip frame assembly for empty rooms.
func (h *Hub) VenueHasClients(venueID string) bool {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return h.subCounts[venueID] > 0
}

// BroadcastFrame offers a venue frame to the hub. Frames are disposable:
// when the intake is full the frame is simply skipped.
func (h *Hub) BroadcastFrame(frame *track.Frame) {
	if frame == nil || !h.VenueHasClients(frame.VenueID) {
		return
	}
	payload, err := json.Marshal(Envelope{
		Type:    EventTrackFrame,
		VenueID: frame.VenueID,
		TS:      frame.TSUnixMillis,
		Data:    frame,
	})
	if err != nil {
		monitoring.Logf("live: marshal frame for venue=%s: %v", frame.VenueID, err)
		return
	}
	select {
	case h.intake <- broadcastMsg{venueID: frame.VenueID, frame: true, payload: payload}:
	default:
		h.framesElided.Add(1)
	}
}

// BroadcastEvent offers a lifecycle event to the hub. Events wait for intake
// room up to the backpressure timeout; a drop here means the hub itself is
// wedged and is ops-logged.
func (h *Hub) BroadcastEvent(venueID, eventType string, tsMillis int64, data any) {
	payload, err := json.Marshal(Envelope{
		Type:    eventType,
		VenueID: venueID,
		TS:      tsMillis,
		Data:    data,
	})
	if err != nil {
		monitoring.Logf("live: marshal %s event for venue=%s: %v", eventType, venueID, err)
		return
	}
	msg := broadcastMsg{venueID: venueID, payload: payload}
	select {
	case h.intake <- msg:
		return
	case <-h.stopCh:
		return
	default:
	}
	t := time.NewTimer(h.cfg.BackpressureTimeout)
	defer t.Stop()
	select {
	case h.intake <- msg:
	case <-h.stopCh:
	case <-t.C:
		h.intakeDropped.Add(1)
		monitoring.Logf("live: intake blocked %v, dropped %s event for venue=%s", h.cfg.BackpressureTimeout, eventType, venueID)
	}
}

// Handler upgrades HTTP requests into tracking clients.
func (h *Hub) Handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			monitoring.Logf("live: upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		c := newClient(h, conn)
		select {
		case h.register <- c:
		case <-h.stopCh:
			conn.Close()
			return
		}
		go c.writePump()
		go c.readPump()
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stopCh:
			for c := range h.clients {
				h.dropClient(c, nil)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.setClientCount(len(h.clients))
			monitoring.Logf("live: client %s connected from %s (total %d)", c.id, c.remote, len(h.clients))
		case c := <-h.unregister:
			if h.clients[c] {
				h.dropClient(c, nil)
				monitoring.Logf("live: client %s disconnected (remaining %d)", c.id, len(h.clients))
			}
		case cm := <-h.control:
			h.handleControl(cm)
		case bm := <-h.intake:
			h.deliver(bm)
		}
	}
}

func (h *Hub) handleControl(cm controlMsg) {
	c := cm.c
	if !h.clients[c] {
		return
	}
	now := time.Now().UnixMilli()

	switch cm.action {
	case "subscribe":
		if cm.venueID == "" {
			h.enqueueEvent(c, h.errorPayload("subscribe requires venueId"))
			return
		}
		vp := h.venueProvider()
		if vp == nil {
			h.enqueueEvent(c, h.errorPayload("venue manager not ready"))
			return
		}
		if !c.venues[cm.venueID] {
			if err := vp.Acquire(cm.venueID); err != nil {
				h.enqueueEvent(c, h.errorPayload("venue "+cm.venueID+": "+err.Error()))
				return
			}
			room := h.rooms[cm.venueID]
			if room == nil {
				room = make(map[*client]bool)
				h.rooms[cm.venueID] = room
			}
			room[c] = true
			c.venues[cm.venueID] = true
			h.setSubCount(cm.venueID, len(room))
		}
		h.enqueueEvent(c, mustEnvelope(eventSubscribed, cm.venueID, now, nil))
		// Prime the subscriber with the venue's occupancy so dashboards
		// render without waiting for the next snapshot tick.
		snaps := vp.CurrentOccupancy(cm.venueID)
		if snaps == nil {
			snaps = []occupancy.Snapshot{}
		}
		h.enqueueEvent(c, mustEnvelope(EventOccupancy, cm.venueID, now, snaps))

	case "unsubscribe":
		if c.venues[cm.venueID] {
			h.leaveRoom(c, cm.venueID)
		}
		h.enqueueEvent(c, mustEnvelope(eventUnsubscribed, cm.venueID, now, nil))

	case "ping":
		h.enqueueEvent(c, mustEnvelope(eventPong, "", now, nil))

	case "invalid":
		h.enqueueEvent(c, h.errorPayload("malformed message"))

	default:
		h.enqueueEvent(c, h.errorPayload("unknown message type "+cm.action))
	}
}

func (h *Hub) deliver(bm broadcastMsg) {
	if bm.frame {
		for c := range h.rooms[bm.venueID] {
			if c.offerFrame(bm.venueID, bm.payload) {
				h.framesElided.Add(1)
			}
		}
		return
	}

	if bm.venueID == "" {
		// Venue-less events (source status) go to every client.
		for c := range h.clients {
			h.enqueueEvent(c, bm.payload)
		}
		return
	}
	for c := range h.rooms[bm.venueID] {
		h.enqueueEvent(c, bm.payload)
	}
}

// enqueueEvent delivers one ordered event to a client, waiting up to the
// backpressure timeout before giving up on the peer entirely.
func (h *Hub) enqueueEvent(c *client, payload []byte) {
	select {
	case c.events <- payload:
		h.eventsSent.Add(1)
		return
	default:
	}
	t := time.NewTimer(h.cfg.BackpressureTimeout)
	defer t.Stop()
	select {
	case c.events <- payload:
		h.eventsSent.Add(1)
	case <-t.C:
		h.slowDrops.Add(1)
		monitoring.Logf("live: client %s from %s: %v, disconnecting", c.id, c.remote, ErrSlowClient)
		h.dropClient(c, ErrSlowClient)
	}
}

// dropClient tears a client down: rooms left, venues released, connection
// closed. Safe to call for already-dropped clients.
func (h *Hub) dropClient(c *client, cause error) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	h.setClientCount(len(h.clients))
	for venueID := range c.venues {
		h.leaveRoom(c, venueID)
	}
	c.close(cause)
}

func (h *Hub) leaveRoom(c *client, venueID string) {
	room := h.rooms[venueID]
	if !room[c] {
		return
	}
	delete(room, c)
	delete(c.venues, venueID)
	if len(room) == 0 {
		delete(h.rooms, venueID)
	}
	h.setSubCount(venueID, len(room))
	if vp := h.venueProvider(); vp != nil {
		vp.Release(venueID)
	}
}

func (h *Hub) setClientCount(n int) {
	h.subMu.Lock()
	h.nClients = n
	h.subMu.Unlock()
}

func (h *Hub) setSubCount(venueID string, n int) {
	h.subMu.Lock()
	if n == 0 {
		delete(h.subCounts, venueID)
	} else {
		h.subCounts[venueID] = n
	}
	h.subMu.Unlock()
}

func (h *Hub) errorPayload(msg string) []byte {
	return mustEnvelope(eventError, "", time.Now().UnixMilli(), errorBody{Message: msg})
}

// mustEnvelope marshals an envelope built from known-good values.
func mustEnvelope(eventType, venueID string, tsMillis int64, data any) []byte {
	payload, err := json.Marshal(Envelope{
		Type:    eventType,
		VenueID: venueID,
		TS:      tsMillis,
		Data:    data,
	})
	if err != nil {
		monitoring.Logf("live: marshal %s envelope: %v", eventType, err)
		return []byte(`{"type":"error","data":{"message":"internal encode failure"}}`)
	}
	return payload
}

func newClientID() string {
	return "c_" + uuid.NewString()[:8]
}
