// Package config defines the floorsight runtime configuration. Values are
// resolved in three layers: compiled defaults, environment variables, then
// command-line flags on the binary. A small subset is runtime-tunable via
// the config API; see Runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LidarEndpoint names one concentrator TCP feed and the venue its tracks
// belong to.
type LidarEndpoint struct {
	VenueID string `json:"venueId"`
	Addr    string `json:"addr"` // host:port
}

// Config is the full configuration record for a floorsight process.
type Config struct {
	// ListenAddr is the HTTP listen address (PORT env sets the port part).
	ListenAddr string `json:"listenAddr"`

	// DBPath is the SQLite database file path.
	DBPath string `json:"dbPath"`

	// FrameIntervalMs is the aggregator tick and frame emission cadence.
	FrameIntervalMs int `json:"frameIntervalMs"`

	// TrackTTLMs evicts a track after this long without a sample.
	TrackTTLMs int `json:"trackTtlMs"`

	// OccupancySnapshotIntervalMs is the cadence of persisted occupancy rows.
	OccupancySnapshotIntervalMs int `json:"occupancySnapshotIntervalMs"`

	// IngestBufferSize bounds the per-venue sample queue. Overflow drops
	// the oldest sample.
	IngestBufferSize int `json:"ingestBufferSize"`

	// ClientSendBufferSize bounds each live client's ordered event queue.
	ClientSendBufferSize int `json:"clientSendBufferSize"`

	// ClientBackpressureTimeoutMs disconnects a live client that cannot
	// drain its event queue within this window.
	ClientBackpressureTimeoutMs int `json:"clientBackpressureTimeoutMs"`

	// MockLidar enables the deterministic in-process track generator.
	MockLidar bool `json:"mockLidar"`

	// MockSeed seeds the generator; fixed seed gives reproducible walks.
	MockSeed int64 `json:"mockSeed"`

	// MockTracks is the simulated shopper count per venue.
	MockTracks int `json:"mockTracks"`

	// MQTTEnabled enables the MQTT trajectory source.
	MQTTEnabled bool `json:"mqttEnabled"`

	// MQTTBrokerURL is the broker address, e.g. tcp://localhost:1883.
	MQTTBrokerURL string `json:"mqttBrokerUrl"`

	// LidarEndpoints lists concentrator feeds ("venue@host:port", comma
	// separated in the LIDAR_ENDPOINTS env var).
	LidarEndpoints []LidarEndpoint `json:"lidarEndpoints"`

	// Venues lists statically configured venues. Their pipelines start at
	// boot and run until shutdown regardless of live subscribers.
	Venues []string `json:"venues"`

	// Tunables holds the initial values of the runtime-tunable subset.
	Tunables Tunables `json:"tunables"`
}

// Tunables is the runtime-adjustable subset of the configuration. All
// values are seconds.
type Tunables struct {
	// VisitEndGraceSec keeps a visit open across short excursions out of
	// its ROI.
	VisitEndGraceSec int `json:"visitEndGraceSec"`

	// MinVisitDurationSec is the minimum in-ROI span before a visit is
	// recorded at all.
	MinVisitDurationSec int `json:"minVisitDurationSec"`

	// ServiceLingerSec is the window after queue exit within which a
	// service-ROI entry counts as being served.
	ServiceLingerSec int `json:"serviceLingerSec"`

	// DwellDefaultSec is the system default dwell threshold.
	DwellDefaultSec int `json:"dwellDefaultSec"`

	// EngagementDefaultSec is the system default engagement threshold.
	EngagementDefaultSec int `json:"engagementDefaultSec"`

	// AlertRearmSec is how long an alert predicate must read false before
	// the rule can fire again.
	AlertRearmSec int `json:"alertRearmSec"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		ListenAddr:                  ":8080",
		DBPath:                      "floorsight.db",
		FrameIntervalMs:             100,
		TrackTTLMs:                  2000,
		OccupancySnapshotIntervalMs: 2000,
		IngestBufferSize:            10000,
		ClientSendBufferSize:        256,
		ClientBackpressureTimeoutMs: 5000,
		MockLidar:                   false,
		MockSeed:                    1,
		MockTracks:                  6,
		MQTTEnabled:                 false,
		MQTTBrokerURL:               "tcp://localhost:1883",
		Venues:                      nil,
		Tunables: Tunables{
			VisitEndGraceSec:     3,
			MinVisitDurationSec:  1,
			ServiceLingerSec:     30,
			DwellDefaultSec:      60,
			EngagementDefaultSec: 120,
			AlertRearmSec:        30,
		},
	}
}

// FromEnv returns the default configuration with environment overrides
// applied. Unset variables keep their defaults; malformed values are an
// error rather than a silent fallback.
func FromEnv() (Config, error) {
	cfg := Default()

	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return cfg, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.ListenAddr = ":" + port
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	var err error
	if cfg.FrameIntervalMs, err = envInt("FRAME_INTERVAL_MS", cfg.FrameIntervalMs); err != nil {
		return cfg, err
	}
	if cfg.TrackTTLMs, err = envInt("TRACK_TTL_MS", cfg.TrackTTLMs); err != nil {
		return cfg, err
	}
	if cfg.OccupancySnapshotIntervalMs, err = envInt("OCCUPANCY_SNAPSHOT_INTERVAL_MS", cfg.OccupancySnapshotIntervalMs); err != nil {
		return cfg, err
	}
	if cfg.IngestBufferSize, err = envInt("INGEST_BUFFER_SIZE", cfg.IngestBufferSize); err != nil {
		return cfg, err
	}
	if cfg.ClientSendBufferSize, err = envInt("CLIENT_SEND_BUFFER_SIZE", cfg.ClientSendBufferSize); err != nil {
		return cfg, err
	}
	if cfg.ClientBackpressureTimeoutMs, err = envInt("CLIENT_BACKPRESSURE_TIMEOUT_MS", cfg.ClientBackpressureTimeoutMs); err != nil {
		return cfg, err
	}
	if cfg.Tunables.ServiceLingerSec, err = envInt("SERVICE_LINGER_SEC", cfg.Tunables.ServiceLingerSec); err != nil {
		return cfg, err
	}
	if cfg.Tunables.VisitEndGraceSec, err = envInt("VISIT_END_GRACE_SEC", cfg.Tunables.VisitEndGraceSec); err != nil {
		return cfg, err
	}
	if cfg.Tunables.MinVisitDurationSec, err = envInt("MIN_VISIT_DURATION_SEC", cfg.Tunables.MinVisitDurationSec); err != nil {
		return cfg, err
	}

	if cfg.MockLidar, err = envBool("MOCK_LIDAR", cfg.MockLidar); err != nil {
		return cfg, err
	}
	if cfg.MQTTEnabled, err = envBool("MQTT_ENABLED", cfg.MQTTEnabled); err != nil {
		return cfg, err
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		cfg.MQTTBrokerURL = v
	}
	if v := os.Getenv("VENUES"); v != "" {
		cfg.Venues = splitNonEmpty(v)
	}
	if v := os.Getenv("LIDAR_ENDPOINTS"); v != "" {
		eps, err := ParseLidarEndpoints(v)
		if err != nil {
			return cfg, err
		}
		cfg.LidarEndpoints = eps
	}

	return cfg, nil
}

// ParseLidarEndpoints parses a comma-separated list of "venue@host:port"
// entries.
func ParseLidarEndpoints(s string) ([]LidarEndpoint, error) {
	var eps []LidarEndpoint
	for _, part := range splitNonEmpty(s) {
		venue, addr, ok := strings.Cut(part, "@")
		if !ok || venue == "" || addr == "" {
			return nil, fmt.Errorf("invalid lidar endpoint %q (want venue@host:port)", part)
		}
		if !strings.Contains(addr, ":") {
			return nil, fmt.Errorf("invalid lidar endpoint address %q (missing port)", addr)
		}
		eps = append(eps, LidarEndpoint{VenueID: venue, Addr: addr})
	}
	return eps, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path must not be empty")
	}
	for name, v := range map[string]int{
		"frame_interval_ms":              c.FrameIntervalMs,
		"track_ttl_ms":                   c.TrackTTLMs,
		"occupancy_snapshot_interval_ms": c.OccupancySnapshotIntervalMs,
		"ingest_buffer_size":             c.IngestBufferSize,
		"client_send_buffer_size":        c.ClientSendBufferSize,
		"client_backpressure_timeout_ms": c.ClientBackpressureTimeoutMs,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.TrackTTLMs < c.FrameIntervalMs {
		return fmt.Errorf("track_ttl_ms (%d) must be at least frame_interval_ms (%d)", c.TrackTTLMs, c.FrameIntervalMs)
	}
	return c.Tunables.Validate()
}

// Validate checks the tunable values.
func (t *Tunables) Validate() error {
	for name, v := range map[string]int{
		"visit_end_grace_sec":    t.VisitEndGraceSec,
		"service_linger_sec":     t.ServiceLingerSec,
		"dwell_default_sec":      t.DwellDefaultSec,
		"engagement_default_sec": t.EngagementDefaultSec,
		"alert_rearm_sec":        t.AlertRearmSec,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if t.MinVisitDurationSec < 0 {
		return fmt.Errorf("min_visit_duration_sec must be non-negative, got %d", t.MinVisitDurationSec)
	}
	return nil
}

// FrameInterval returns FrameIntervalMs as a duration.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.FrameIntervalMs) * time.Millisecond
}

// TrackTTL returns TrackTTLMs as a duration.
func (c *Config) TrackTTL() time.Duration {
	return time.Duration(c.TrackTTLMs) * time.Millisecond
}

// SnapshotInterval returns OccupancySnapshotIntervalMs as a duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.OccupancySnapshotIntervalMs) * time.Millisecond
}

// BackpressureTimeout returns ClientBackpressureTimeoutMs as a duration.
func (c *Config) BackpressureTimeout() time.Duration {
	return time.Duration(c.ClientBackpressureTimeoutMs) * time.Millisecond
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return b, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
