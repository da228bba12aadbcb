package live

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/track"
)

type stubProvider struct {
	mu       sync.Mutex
	acquires map[string]int
	releases map[string]int
	occ      []occupancy.Snapshot
	err      error
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		acquires: make(map[string]int),
		releases: make(map[string]int),
	}
}

func (p *stubProvider) Acquire(venueID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.acquires[venueID]++
	return nil
}

func (p *stubProvider) Release(venueID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases[venueID]++
}

func (p *stubProvider) CurrentOccupancy(string) []occupancy.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.occ
}

func (p *stubProvider) counts(venueID string) (acquires, releases int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires[venueID], p.releases[venueID]
}

// newTestHub wires a hub behind an httptest server and returns a dialer.
func newTestHub(t *testing.T, provider *stubProvider) (*Hub, func() *websocket.Conn) {
	t.Helper()
	h := NewHub(Config{Venues: provider})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})

	dial := func() *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", url, err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	return h, dial
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func subscribe(t *testing.T, conn *websocket.Conn, venueID string) {
	t.Helper()
	if err := conn.WriteJSON(clientMessage{Type: "subscribe", VenueID: venueID}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != eventSubscribed || env.VenueID != venueID {
		t.Fatalf("expected subscribed ack for %s, got %+v", venueID, env)
	}
	if env := readEnvelope(t, conn); env.Type != EventOccupancy {
		t.Fatalf("expected occupancy priming event, got %+v", env)
	}
}

func TestHubSubscribeAcquiresVenueOnce(t *testing.T) {
	provider := newStubProvider()
	provider.occ = []occupancy.Snapshot{{ID: "snap_1", VenueID: "venue-a", RoiID: "roi_x", Occupancy: 2, TSUnixMillis: 100}}
	h, dial := newTestHub(t, provider)
	conn := dial()

	if err := conn.WriteJSON(clientMessage{Type: "subscribe", VenueID: "venue-a"}); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, conn); env.Type != eventSubscribed || env.VenueID != "venue-a" {
		t.Fatalf("expected subscribed ack, got %+v", env)
	}

	env := readEnvelope(t, conn)
	if env.Type != EventOccupancy || env.VenueID != "venue-a" {
		t.Fatalf("expected occupancy event, got %+v", env)
	}
	snaps, ok := env.Data.([]any)
	if !ok || len(snaps) != 1 {
		t.Fatalf("expected 1 occupancy snapshot, got %#v", env.Data)
	}
	first, _ := snaps[0].(map[string]any)
	if first["roiId"] != "roi_x" {
		t.Errorf("snapshot roiId = %v, expected roi_x", first["roiId"])
	}

	if !h.VenueHasClients("venue-a") {
		t.Error("VenueHasClients = false after subscribe")
	}

	// Re-subscribing acks again without re-acquiring the pipeline.
	if err := conn.WriteJSON(clientMessage{Type: "subscribe", VenueID: "venue-a"}); err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, conn) // subscribed
	readEnvelope(t, conn) // occupancy

	if acq, _ := provider.counts("venue-a"); acq != 1 {
		t.Errorf("acquires = %d, expected 1", acq)
	}
}

func TestHubUnsubscribeReleasesVenue(t *testing.T) {
	provider := newStubProvider()
	h, dial := newTestHub(t, provider)
	conn := dial()

	subscribe(t, conn, "venue-a")

	if err := conn.WriteJSON(clientMessage{Type: "unsubscribe", VenueID: "venue-a"}); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, conn); env.Type != eventUnsubscribed || env.VenueID != "venue-a" {
		t.Fatalf("expected unsubscribed ack, got %+v", env)
	}

	if _, rel := provider.counts("venue-a"); rel != 1 {
		t.Errorf("releases = %d, expected 1", rel)
	}
	if h.VenueHasClients("venue-a") {
		t.Error("VenueHasClients = true after unsubscribe")
	}
}

func TestHubDisconnectReleasesVenues(t *testing.T) {
	provider := newStubProvider()
	h, dial := newTestHub(t, provider)
	conn := dial()

	subscribe(t, conn, "venue-a")
	subscribe(t, conn, "venue-b")
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, relA := provider.counts("venue-a")
		_, relB := provider.counts("venue-b")
		if relA == 1 && relB == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, relA := provider.counts("venue-a")
	_, relB := provider.counts("venue-b")
	if relA != 1 || relB != 1 {
		t.Errorf("releases = %d/%d after disconnect, expected 1/1", relA, relB)
	}
	if h.VenueHasClients("venue-a") || h.VenueHasClients("venue-b") {
		t.Error("rooms not emptied after disconnect")
	}
}

func TestHubSubscribeErrors(t *testing.T) {
	provider := newStubProvider()
	provider.err = errors.New("venue offline")
	_, dial := newTestHub(t, provider)
	conn := dial()

	if err := conn.WriteJSON(clientMessage{Type: "subscribe", VenueID: "venue-a"}); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, conn)
	if env.Type != eventError {
		t.Fatalf("expected error envelope, got %+v", env)
	}
	body, _ := env.Data.(map[string]any)
	if msg, _ := body["message"].(string); !strings.Contains(msg, "venue offline") {
		t.Errorf("error message = %q, expected provider error", msg)
	}
}

func TestHubControlMessages(t *testing.T) {
	provider := newStubProvider()
	_, dial := newTestHub(t, provider)
	conn := dial()

	// Ping.
	if err := conn.WriteJSON(clientMessage{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, conn); env.Type != eventPong {
		t.Fatalf("expected pong, got %+v", env)
	}

	// Subscribe without a venue.
	if err := conn.WriteJSON(clientMessage{Type: "subscribe"}); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, conn); env.Type != eventError {
		t.Fatalf("expected error for missing venueId, got %+v", env)
	}

	// Unknown type.
	if err := conn.WriteJSON(clientMessage{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, conn); env.Type != eventError {
		t.Fatalf("expected error for unknown type, got %+v", env)
	}

	// Malformed JSON.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, conn); env.Type != eventError {
		t.Fatalf("expected error for malformed message, got %+v", env)
	}
}

func TestHubBroadcastFrameToRoom(t *testing.T) {
	provider := newStubProvider()
	h, dial := newTestHub(t, provider)

	connA := dial()
	subscribe(t, connA, "venue-a")
	connB := dial()
	subscribe(t, connB, "venue-b")

	h.BroadcastFrame(&track.Frame{
		VenueID:      "venue-a",
		TSUnixMillis: 12345,
		Tracks:       []track.FrameTrack{{Key: "mock:t1", X: 1, Z: 2}},
	})

	env := readEnvelope(t, connA)
	if env.Type != EventTrackFrame || env.VenueID != "venue-a" || env.TS != 12345 {
		t.Fatalf("expected venue-a track_frame, got %+v", env)
	}

	// venue-b's subscriber must not see venue-a frames.
	connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray Envelope
	if err := connB.ReadJSON(&stray); err == nil {
		t.Fatalf("venue-b received stray envelope %+v", stray)
	}
}

func TestHubBroadcastFrameSkipsEmptyRooms(t *testing.T) {
	provider := newStubProvider()
	h, _ := newTestHub(t, provider)

	h.BroadcastFrame(&track.Frame{VenueID: "venue-a", TSUnixMillis: 1})

	if got := h.Stats().FramesSent; got != 0 {
		t.Errorf("FramesSent = %d with no clients, expected 0", got)
	}
}

func TestHubEventsArriveInOrder(t *testing.T) {
	provider := newStubProvider()
	h, dial := newTestHub(t, provider)
	conn := dial()
	subscribe(t, conn, "venue-a")

	type seq struct {
		I int `json:"i"`
	}
	for i := 0; i < 10; i++ {
		h.BroadcastEvent("venue-a", EventVisitOpened, int64(1000+i), seq{I: i})
	}

	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Type != EventVisitOpened {
			t.Fatalf("event %d type = %s, expected visit_opened", i, env.Type)
		}
		body, _ := env.Data.(map[string]any)
		if got, _ := body["i"].(float64); int(got) != i {
			t.Fatalf("event order broken: got %v at position %d", body["i"], i)
		}
	}
}

func TestHubVenuelessEventReachesAllClients(t *testing.T) {
	provider := newStubProvider()
	h, dial := newTestHub(t, provider)

	connA := dial()
	subscribe(t, connA, "venue-a")
	connB := dial()
	subscribe(t, connB, "venue-b")

	h.BroadcastEvent("", EventLidarStatus, 777, map[string]string{"state": "offline"})

	for _, conn := range []*websocket.Conn{connA, connB} {
		env := readEnvelope(t, conn)
		if env.Type != EventLidarStatus || env.TS != 777 {
			t.Fatalf("expected lidar_status broadcast, got %+v", env)
		}
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	provider := newStubProvider()
	h, dial := newTestHub(t, provider)
	conn := dial()
	subscribe(t, conn, "venue-a")

	h.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	if _, rel := provider.counts("venue-a"); rel != 1 {
		t.Errorf("releases = %d after Close, expected 1", rel)
	}
}

func TestHubSlowClientIsDropped(t *testing.T) {
	provider := newStubProvider()

	// Hand-built hub: no run goroutine, so enqueueEvent can be driven
	// directly against a full client queue with no write pump draining it.
	h := &Hub{
		cfg:       Config{Venues: provider, SendBuffer: 1, BackpressureTimeout: 50 * time.Millisecond},
		venues:    provider,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		rooms:     make(map[string]map[*client]bool),
		clients:   make(map[*client]bool),
		subCounts: make(map[string]int),
	}

	// Park a real server-side connection for the client to close.
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	defer srv.Close()
	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	var serverConn *websocket.Conn
	select {
	case serverConn = <-connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no server-side connection")
	}

	c := newClient(h, serverConn)
	h.clients[c] = true
	c.venues["venue-a"] = true
	h.rooms["venue-a"] = map[*client]bool{c: true}
	h.subCounts["venue-a"] = 1

	// Fill the queue; nothing drains it because this test owns the client.
	c.events <- []byte(`{"type":"x"}`)

	start := time.Now()
	h.enqueueEvent(c, []byte(`{"type":"y"}`))
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("enqueueEvent returned in %v, expected to wait out the backpressure timeout", elapsed)
	}
	if h.clients[c] {
		t.Error("slow client still registered")
	}
	if got := h.slowDrops.Load(); got != 1 {
		t.Errorf("slowDrops = %d, expected 1", got)
	}
	if _, rel := provider.counts("venue-a"); rel != 1 {
		t.Errorf("releases = %d, expected 1", rel)
	}
	select {
	case <-c.done:
	default:
		t.Error("client done channel not closed")
	}
}

func TestClientFrameSlotLatestWins(t *testing.T) {
	c := &client{
		frames:    make(map[string][]byte),
		frameWake: make(chan struct{}, 1),
	}

	if elided := c.offerFrame("venue-a", []byte("f1")); elided {
		t.Error("first frame reported as elided")
	}
	if elided := c.offerFrame("venue-a", []byte("f2")); !elided {
		t.Error("overwrite not reported as elided")
	}
	c.offerFrame("venue-b", []byte("g1"))

	frames := c.takeFrames()
	if string(frames["venue-a"]) != "f2" {
		t.Errorf("venue-a slot = %q, expected latest frame f2", frames["venue-a"])
	}
	if string(frames["venue-b"]) != "g1" {
		t.Errorf("venue-b slot = %q, expected g1", frames["venue-b"])
	}
	if again := c.takeFrames(); again != nil {
		t.Errorf("second take returned %v, expected nil", again)
	}

	select {
	case <-c.frameWake:
	default:
		t.Error("no wake signal pending after offers")
	}
}
