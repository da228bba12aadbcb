package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-data/floorsight/internal/monitoring"
)

const (
	// writeWait bounds every write to the peer.
	writeWait = 10 * time.Second
	// pongWait is how long a peer may go silent before the read fails.
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// maxMessageSize caps client messages; they are tiny control JSON.
	maxMessageSize = 1024
)

// client is one WebSocket peer. The events channel is written only by the
// hub's run goroutine; frames live in a per-venue slot the write pump drains
// on wake, so a slow reader skips frames instead of queueing them.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	remote string

	// venues is owned by the hub's run goroutine.
	venues map[string]bool

	events chan []byte
	done   chan struct{}

	frameMu   sync.Mutex
	frames    map[string][]byte
	frameWake chan struct{}

	closeOnce sync.Once
	causeMu   sync.Mutex
	cause     error
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:       h,
		conn:      conn,
		id:        newClientID(),
		remote:    conn.RemoteAddr().String(),
		venues:    make(map[string]bool),
		events:    make(chan []byte, h.cfg.SendBuffer),
		done:      make(chan struct{}),
		frames:    make(map[string][]byte),
		frameWake: make(chan struct{}, 1),
	}
}

// close is called by the hub exactly once per drop; the connection close
// unblocks both pumps.
func (c *client) close(cause error) {
	c.closeOnce.Do(func() {
		c.causeMu.Lock()
		c.cause = cause
		c.causeMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) closeCause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.cause
}

// offerFrame replaces the venue's pending frame and reports whether an
// undelivered one was overwritten.
func (c *client) offerFrame(venueID string, payload []byte) bool {
	c.frameMu.Lock()
	_, elided := c.frames[venueID]
	c.frames[venueID] = payload
	c.frameMu.Unlock()

	select {
	case c.frameWake <- struct{}{}:
	default:
	}
	return elided
}

// takeFrames drains every pending frame slot.
func (c *client) takeFrames() map[string][]byte {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	out := c.frames
	c.frames = make(map[string][]byte)
	return out
}

func (c *client) unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.stopCh:
	}
}

// readPump parses client control messages and forwards them to the hub. It
// owns the read side: deadlines, size limit, pong handling.
func (c *client) readPump() {
	defer func() {
		c.unregister()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closeCause() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				monitoring.Logf("live: client %s read: %v", c.id, err)
			}
			return
		}

		var msg clientMessage
		action := "invalid"
		if err := json.Unmarshal(data, &msg); err == nil && msg.Type != "" {
			action = msg.Type
		}
		select {
		case c.hub.control <- controlMsg{c: c, action: action, venueID: msg.VenueID}:
		case <-c.done:
			return
		case <-c.hub.stopCh:
			return
		}
	}
}

// writePump owns the connection's write side: ordered events first-class,
// pending frames on wake, pings on the keepalive ticker.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.unregister()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.events:
			if !c.write(websocket.TextMessage, payload) {
				return
			}
		case <-c.frameWake:
			for _, payload := range c.takeFrames() {
				if !c.write(websocket.TextMessage, payload) {
					return
				}
				c.hub.framesSent.Add(1)
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			// Drop with a close frame; the peer was disconnected by the
			// hub (shutdown or backpressure).
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (c *client) write(messageType int, payload []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		if c.closeCause() == nil {
			monitoring.Logf("live: client %s write: %v", c.id, err)
		}
		return false
	}
	return true
}
