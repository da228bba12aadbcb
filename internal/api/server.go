// Package api serves the floorsight HTTP surface: ROI and alert-rule
// management, analytics reads, runtime config, health, the live tracking
// WebSocket mount and the /debug pages. Handlers stay thin; domain work
// lives in the engine and store packages.
package api

import (
	"context"
	_ "embed"
	"expvar"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/live"
	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/pipeline"
	"github.com/kestrel-data/floorsight/internal/source"
	"github.com/kestrel-data/floorsight/internal/store"
	"github.com/kestrel-data/floorsight/internal/visits"
)

// ANSI escape codes for the request log.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

//go:embed index.html
var indexHTML []byte

// ServerConfig carries the server's dependencies.
type ServerConfig struct {
	Store      *store.Store
	Manager    *pipeline.Manager
	Hub        *live.Hub
	Runtime    *config.Runtime
	Thresholds *visits.ThresholdCache
	Sources    []source.Source
	Config     config.Config
}

// Server is the floorsight HTTP API.
type Server struct {
	store      *store.Store
	manager    *pipeline.Manager
	hub        *live.Hub
	runtime    *config.Runtime
	thresholds *visits.ThresholdCache
	sources    []source.Source
	cfg        config.Config
	startTime  time.Time
}

func NewServer(sc ServerConfig) *Server {
	s := &Server{
		store:      sc.Store,
		manager:    sc.Manager,
		hub:        sc.Hub,
		runtime:    sc.Runtime,
		thresholds: sc.Thresholds,
		sources:    sc.Sources,
		cfg:        sc.Config,
		startTime:  time.Now(),
	}
	expvarServer.Store(s)
	publishExpvars()
	return s
}

// expvar names are process-global, so the counters read through an atomic
// pointer to the most recently constructed server.
var (
	expvarServer atomic.Pointer[Server]
	expvarOnce   sync.Once
)

func publishExpvars() {
	expvarOnce.Do(func() {
		expvar.Publish("floorsight_hub", expvar.Func(func() any {
			s := expvarServer.Load()
			if s == nil || s.hub == nil {
				return nil
			}
			return s.hub.Stats()
		}))
		expvar.Publish("floorsight_venues", expvar.Func(func() any {
			s := expvarServer.Load()
			if s == nil || s.manager == nil {
				return nil
			}
			return s.manager.Stats()
		}))
		expvar.Publish("floorsight_sources", expvar.Func(func() any {
			s := expvarServer.Load()
			if s == nil {
				return nil
			}
			stats := make([]source.Stats, 0, len(s.sources))
			for _, src := range s.sources {
				stats = append(stats, src.Stats())
			}
			return stats
		}))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/roi", s.listROIs)
	mux.HandleFunc("POST /api/roi", s.createROI)
	mux.HandleFunc("PUT /api/roi/{id}", s.updateROI)
	mux.HandleFunc("DELETE /api/roi/{id}", s.deleteROI)
	mux.HandleFunc("GET /api/roi/{id}/settings", s.getZoneSettings)
	mux.HandleFunc("PUT /api/roi/{id}/settings", s.putZoneSettings)
	mux.HandleFunc("PUT /api/roi/{id}/open", s.setLaneOpen)
	mux.HandleFunc("GET /api/zone-links", s.listZoneLinks)
	mux.HandleFunc("POST /api/zone-links", s.createZoneLink)
	mux.HandleFunc("DELETE /api/zone-links/{id}", s.deleteZoneLink)

	mux.HandleFunc("GET /api/analytics/visits", s.listVisits)
	mux.HandleFunc("GET /api/analytics/queue-sessions", s.listQueueSessions)
	mux.HandleFunc("GET /api/analytics/occupancy", s.listOccupancy)
	mux.HandleFunc("GET /api/analytics/occupancy/live", s.liveOccupancy)
	mux.HandleFunc("GET /api/analytics/kpis", s.listKPIs)
	mux.HandleFunc("GET /api/analytics/checkout/live", s.liveCheckout)
	mux.HandleFunc("GET /api/ledger", s.listLedger)

	mux.HandleFunc("GET /api/alert-rules", s.listAlertRules)
	mux.HandleFunc("POST /api/alert-rules", s.createAlertRule)
	mux.HandleFunc("PUT /api/alert-rules/{id}", s.updateAlertRule)
	mux.HandleFunc("DELETE /api/alert-rules/{id}", s.deleteAlertRule)

	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/config", s.getConfig)
	mux.HandleFunc("PUT /api/config", s.putConfig)
	mux.HandleFunc("GET /api/sources", s.listSources)
	mux.HandleFunc("GET /api/venues", s.listVenues)
	mux.HandleFunc("GET /api/venues/{id}/settings", s.getVenueSettings)
	mux.HandleFunc("PUT /api/venues/{id}/settings", s.putVenueSettings)

	if s.hub != nil {
		mux.Handle("GET /tracking", s.hub.Handler())
	}

	mux.HandleFunc("GET /debug/charts/occupancy", s.chartOccupancy)
	mux.HandleFunc("GET /debug/charts/visits", s.chartVisits)
	mux.Handle("GET /debug/vars", expvar.Handler())
	s.store.AttachAdminRoutes(mux)

	mux.HandleFunc("GET /{$}", s.index)
	return mux
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(s.Routes()),
		ReadHeaderTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("http: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	monitoring.Logf("http: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("http: shutdown error: %v", err)
		return srv.Close()
	}
	return nil
}

// queryInt64 parses an int64 query parameter, returning def when absent and
// ok=false when malformed.
func queryInt64(r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
