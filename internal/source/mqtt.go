package source

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kestrel-data/floorsight/internal/monitoring"
)

// mqttTrackTopic matches per-venue track publications. The venue id is the
// third topic segment.
const mqttTrackTopic = "floorsight/venues/+/tracks"

// MQTT subscribes to a broker's venue track topics. QoS 0: late or duplicate
// frames are tolerated downstream, so at-most-once is enough.
type MQTT struct {
	*fanout
	client mqtt.Client
	status StatusSink
	broker string

	decodeErrors atomic.Uint64
	rejected     atomic.Uint64
	mismatches   atomic.Uint64
}

// NewMQTT connects in the background; paho retries both the initial connect
// and any reconnect on its own.
func NewMQTT(brokerURL string, status StatusSink) *MQTT {
	m := &MQTT{
		fanout: newFanout(),
		status: status,
		broker: brokerURL,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("floorsight-" + randomID()).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost).
		SetReconnectingHandler(m.onReconnecting)
	m.client = mqtt.NewClient(opts)

	m.emit(StateConnecting, "")
	token := m.client.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			monitoring.Logf("mqtt source: connect %s failed: %v", brokerURL, token.Error())
			m.emit(StateError, token.Error().Error())
		}
	}()
	return m
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Stats() Stats {
	state := StateOffline
	if m.client.IsConnectionOpen() {
		state = StateOnline
	}
	return Stats{
		Name:         m.Name(),
		Samples:      m.samples.Load(),
		Dropped:      m.dropped.Load(),
		DecodeErrors: m.decodeErrors.Load(),
		Rejected:     m.rejected.Load(),
		Mismatches:   m.mismatches.Load(),
		Subscribers:  m.subscriberCount(),
		Endpoints:    map[string]string{m.broker: state},
	}
}

// Close disconnects from the broker and closes subscriber channels.
func (m *MQTT) Close() error {
	if !m.closeAll() {
		return ErrSourceClosed
	}
	m.client.Disconnect(250)
	m.emit(StateOffline, "shutdown")
	return nil
}

func (m *MQTT) emit(state, detail string) {
	if m.status == nil {
		return
	}
	m.status(StatusEvent{
		Source:       m.Name(),
		State:        state,
		Detail:       detail,
		TSUnixMillis: time.Now().UnixMilli(),
	})
}

// onConnect runs on every (re)connect. Subscriptions do not survive a clean
// session reconnect, so resubscribe each time.
func (m *MQTT) onConnect(c mqtt.Client) {
	token := c.Subscribe(mqttTrackTopic, 0, m.onMessage)
	go func() {
		if token.Wait() && token.Error() != nil {
			monitoring.Logf("mqtt source: subscribe %s failed: %v", mqttTrackTopic, token.Error())
			m.emit(StateError, token.Error().Error())
			return
		}
		m.emit(StateOnline, "")
	}()
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	monitoring.Logf("mqtt source: connection lost: %v", err)
	m.emit(StateOffline, detail)
}

func (m *MQTT) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	m.emit(StateConnecting, "")
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.handlePayload(topicVenue(msg.Topic()), msg.Payload())
}

// handlePayload decodes one publication. A payload naming a different venue
// than its topic is a misconfigured publisher; those samples are dropped
// rather than cross-wired into the wrong venue.
func (m *MQTT) handlePayload(topicVenueID string, payload []byte) {
	var frame lidarMessage
	if err := json.Unmarshal(payload, &frame); err != nil {
		m.decodeErrors.Add(1)
		return
	}

	now := time.Now().UnixMilli()
	for _, s := range frame.Tracks {
		if s.VenueID == "" {
			s.VenueID = frame.VenueID
		}
		if s.VenueID == "" {
			s.VenueID = topicVenueID
		}
		if topicVenueID != "" && s.VenueID != topicVenueID {
			m.mismatches.Add(1)
			continue
		}
		if s.TSUnixMillis == 0 {
			if frame.TS != 0 {
				s.TSUnixMillis = frame.TS
			} else {
				s.TSUnixMillis = now
			}
		}
		if err := s.Validate(); err != nil {
			m.rejected.Add(1)
			continue
		}
		m.publish(s)
	}
}

// topicVenue extracts the venue id from a track topic, or "" when the topic
// does not have the expected shape.
func topicVenue(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "floorsight" || parts[1] != "venues" || parts[3] != "tracks" {
		return ""
	}
	return parts[2]
}
