// Command floorsight runs the spatial analytics server: track sources in,
// venue pipelines in the middle, HTTP API and live WebSocket out.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kestrel-data/floorsight/internal/api"
	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/live"
	"github.com/kestrel-data/floorsight/internal/pipeline"
	"github.com/kestrel-data/floorsight/internal/roi"
	"github.com/kestrel-data/floorsight/internal/source"
	"github.com/kestrel-data/floorsight/internal/store"
	"github.com/kestrel-data/floorsight/internal/timeutil"
	"github.com/kestrel-data/floorsight/internal/version"
	"github.com/kestrel-data/floorsight/internal/visits"
)

var (
	port        = flag.String("port", "", "HTTP listen port (overrides PORT env)")
	dbFile      = flag.String("db", "", "SQLite database file (overrides DB_PATH env)")
	autoMigrate = flag.Bool("auto-migrate", true, "apply pending schema migrations at startup")
	venueList   = flag.String("venues", "", "comma-separated venue ids whose pipelines start at boot")
	mock        = flag.Bool("mock", false, "enable the in-process mock track generator")
	mockSeed    = flag.Int64("mock-seed", 0, "mock generator seed (0 keeps the configured seed)")
	mqttOn      = flag.Bool("mqtt", false, "enable the MQTT trajectory source")
	mqttBroker  = flag.String("broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (implies -mqtt)")
	lidarFeeds  = flag.String("lidar", "", `lidar concentrator feeds, comma-separated "venue@host:port"`)
	seedDemo    = flag.Bool("seed-demo", false, "seed the demo floor plan into the first configured venue and continue")
	verbose     = flag.Bool("verbose", false, "enable diagnostic logging")
	traceLog    = flag.Bool("trace", false, "enable per-sample trace logging (implies -verbose)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("floorsight %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if flag.Arg(0) == "migrate" {
		store.RunMigrateCommand(flag.Args()[1:], cfg.DBPath)
		return
	}

	// Ops warnings always go to stderr; diag and trace are opt-in because
	// trace logs per sample.
	var diagW, traceW io.Writer
	if *verbose || *traceLog {
		diagW = os.Stderr
	}
	if *traceLog {
		traceW = os.Stderr
	}
	pipeline.SetLogWriters(os.Stderr, diagW, traceW)

	log.Printf("floorsight %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", cfg.DBPath, err)
	}
	defer st.Close()
	if *autoMigrate {
		if err := st.MigrateUp(); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
	}
	log.Printf("database ready at %s", st.Path())

	if *seedDemo {
		venue := "demo"
		if len(cfg.Venues) > 0 {
			venue = cfg.Venues[0]
		}
		if err := st.SeedDemo(context.Background(), venue, time.Now().UnixMilli()); err != nil {
			log.Fatalf("failed to seed demo layout: %v", err)
		}
		log.Printf("seeded demo layout into venue %q", venue)
	}

	rt := config.NewRuntime(cfg.Tunables)
	thresholds := visits.NewThresholdCache(st, rt)

	idx := roi.NewIndex(st, timeutil.NewRealClock())
	idx.OnInvalid = func(r roi.ROI, err error) {
		details, _ := json.Marshal(map[string]string{"id": r.ID, "name": r.Name, "error": err.Error()})
		lerr := st.AppendLedger(context.Background(), &store.LedgerEntry{
			VenueID:      r.VenueID,
			Category:     store.LedgerRoiInvalid,
			Severity:     store.SeverityWarning,
			Message:      fmt.Sprintf("roi %q excluded from classification: %v", r.Name, err),
			Details:      details,
			TSUnixMillis: time.Now().UnixMilli(),
		})
		if lerr != nil {
			log.Printf("failed to record invalid roi %s: %v", r.ID, lerr)
		}
	}

	hub := live.NewHub(live.Config{
		SendBuffer:          cfg.ClientSendBufferSize,
		BackpressureTimeout: cfg.BackpressureTimeout(),
	})

	// Source status transitions go to live clients as lidar_status events;
	// error states also land in the ledger for later triage.
	statusSink := func(ev source.StatusEvent) {
		hub.BroadcastEvent(ev.VenueID, live.EventLidarStatus, ev.TSUnixMillis, ev)
		if ev.State != source.StateError {
			return
		}
		details, _ := json.Marshal(ev)
		if err := st.AppendLedger(context.Background(), &store.LedgerEntry{
			VenueID:      ev.VenueID,
			Category:     store.LedgerSourceError,
			Severity:     store.SeverityError,
			Message:      fmt.Sprintf("source %s: %s", ev.Source, ev.Detail),
			Details:      details,
			TSUnixMillis: ev.TSUnixMillis,
		}); err != nil {
			log.Printf("failed to record source error: %v", err)
		}
	}

	var sources []source.Source
	if cfg.MockLidar {
		if len(cfg.Venues) == 0 {
			// The generator needs at least one venue to walk shoppers in.
			cfg.Venues = []string{"demo"}
			log.Printf("mock source enabled with no venues configured; using venue %q", "demo")
		}
		sources = append(sources, source.NewMock(source.MockConfig{
			Venues:   cfg.Venues,
			Tracks:   cfg.MockTracks,
			Seed:     cfg.MockSeed,
			Interval: cfg.FrameInterval(),
			Status:   statusSink,
		}))
	}
	if len(cfg.LidarEndpoints) > 0 {
		sources = append(sources, source.NewLidar(cfg.LidarEndpoints, statusSink))
	}
	if cfg.MQTTEnabled {
		sources = append(sources, source.NewMQTT(cfg.MQTTBrokerURL, statusSink))
	}
	if len(sources) == 0 {
		log.Printf("no track sources configured; layout and analytics APIs still work (use -mock, -mqtt or -lidar for live data)")
	}

	manager := pipeline.NewManager(pipeline.ManagerConfig{
		Config:     cfg,
		Runtime:    rt,
		Store:      st,
		Index:      idx,
		Thresholds: thresholds,
		Hub:        hub,
		Sources:    sources,
	})
	hub.SetVenueProvider(manager)

	srv := api.NewServer(api.ServerConfig{
		Store:      st,
		Manager:    manager,
		Hub:        hub,
		Runtime:    rt,
		Thresholds: thresholds,
		Sources:    sources,
		Config:     cfg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx, cfg.ListenAddr); err != nil {
		log.Printf("http server error: %v", err)
	}

	// Shutdown order: stop the feeds, drain the pipelines, then drop the
	// live clients once the last events are out.
	for _, src := range sources {
		if err := src.Close(); err != nil {
			log.Printf("failed to close source %s: %v", src.Name(), err)
		}
	}
	manager.Close()
	hub.Close()
	log.Printf("graceful shutdown complete")
}

// applyFlags layers command-line overrides onto the environment-resolved
// configuration.
func applyFlags(cfg *config.Config) {
	if *port != "" {
		if _, err := strconv.Atoi(*port); err != nil {
			log.Fatalf("invalid -port value %q: %v", *port, err)
		}
		cfg.ListenAddr = ":" + *port
	}
	if *dbFile != "" {
		cfg.DBPath = *dbFile
	}
	if *venueList != "" {
		cfg.Venues = nil
		for _, v := range strings.Split(*venueList, ",") {
			if v = strings.TrimSpace(v); v != "" {
				cfg.Venues = append(cfg.Venues, v)
			}
		}
	}
	if *mock {
		cfg.MockLidar = true
	}
	if *mockSeed != 0 {
		cfg.MockSeed = *mockSeed
	}
	if *mqttOn {
		cfg.MQTTEnabled = true
	}
	if *mqttBroker != "" {
		cfg.MQTTEnabled = true
		cfg.MQTTBrokerURL = *mqttBroker
	}
	if *lidarFeeds != "" {
		eps, err := config.ParseLidarEndpoints(*lidarFeeds)
		if err != nil {
			log.Fatalf("invalid -lidar value: %v", err)
		}
		cfg.LidarEndpoints = eps
	}
}
