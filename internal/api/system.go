package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/httputil"
	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/pipeline"
	"github.com/kestrel-data/floorsight/internal/source"
	"github.com/kestrel-data/floorsight/internal/store"
	"github.com/kestrel-data/floorsight/internal/version"
)

type healthResponse struct {
	Status          string                `json:"status"`
	Version         string                `json:"version"`
	GitSHA          string                `json:"gitSha"`
	BuildTime       string                `json:"buildTime"`
	UptimeSec       int64                 `json:"uptimeSec"`
	DBOk            bool                  `json:"dbOk"`
	PersistDegraded bool                  `json:"persistDegraded"`
	Venues          []pipeline.VenueStats `json:"venues"`
	Sources         []source.Stats        `json:"sources"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		BuildTime: version.BuildTime,
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
		DBOk:      true,
		Venues:    []pipeline.VenueStats{},
		Sources:   []source.Stats{},
	}

	if err := s.store.Ping(r.Context()); err != nil {
		resp.DBOk = false
		resp.Status = "degraded"
	}
	if s.manager != nil {
		if s.manager.PersistDegraded() {
			resp.PersistDegraded = true
			resp.Status = "degraded"
		}
		if vs := s.manager.Stats(); vs != nil {
			resp.Venues = vs
		}
	}
	for _, src := range s.sources {
		resp.Sources = append(resp.Sources, src.Stats())
	}

	httputil.WriteJSONOK(w, resp)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.runtime.Snapshot())
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	// Reject rather than silently drop fields that are not tunable at
	// runtime, so a typo'd key is visible to the caller.
	dec.DisallowUnknownFields()

	var patch config.TunablesPatch
	if err := dec.Decode(&patch); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "unknown field") {
			httputil.BadRequest(w, fmt.Sprintf("not a runtime tunable: %s", msg))
			return
		}
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}

	applied, err := s.runtime.Apply(patch)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	var raw json.RawMessage
	if b, err := json.Marshal(applied); err == nil {
		raw = b
	}
	if err := s.store.AppendLedger(r.Context(), &store.LedgerEntry{
		Category:     store.LedgerSettings,
		Message:      "runtime tunables updated",
		Details:      raw,
		TSUnixMillis: time.Now().UnixMilli(),
	}); err != nil {
		monitoring.Logf("api: ledger append failed: %v", err)
	}

	httputil.WriteJSONOK(w, applied)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	out := make([]source.Stats, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.Stats())
	}
	httputil.WriteJSONOK(w, out)
}

type venueInfo struct {
	VenueID string `json:"venueId"`
	Running bool   `json:"running"`
}

// listVenues merges venues known to the store with venues currently running,
// so freshly configured venues show up before their first persisted row.
func (s *Server) listVenues(w http.ResponseWriter, r *http.Request) {
	known, err := s.store.Venues(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list venues: %v", err))
		return
	}

	running := map[string]bool{}
	if s.manager != nil {
		for _, id := range s.manager.VenueIDs() {
			running[id] = true
		}
	}

	seen := make(map[string]bool, len(known))
	ids := make([]string, 0, len(known)+len(running))
	for _, id := range known {
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range running {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]venueInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, venueInfo{VenueID: id, Running: running[id]})
	}
	httputil.WriteJSONOK(w, out)
}
