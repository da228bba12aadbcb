package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/roi"
	"github.com/kestrel-data/floorsight/internal/store"
	"github.com/kestrel-data/floorsight/internal/testutil"
)

// TestHealth checks the health payload shape with an idle server.
func TestHealth(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/health", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)

	var resp healthResponse
	testutil.DecodeJSON(t, rec, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, expected ok", resp.Status)
	}
	if !resp.DBOk {
		t.Error("dbOk = false with a healthy database")
	}
	if resp.Version != "dev" {
		t.Errorf("version = %q, expected dev", resp.Version)
	}
	if resp.Venues == nil || resp.Sources == nil {
		t.Error("venues and sources should be empty arrays, not null")
	}
}

// TestConfigRoundtrip reads the defaults, applies a patch and checks both
// the applied response and a follow-up read.
func TestConfigRoundtrip(t *testing.T) {
	mux, st := newTestServer(t)

	var tun config.Tunables
	rec := do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/config", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	testutil.DecodeJSON(t, rec, &tun)
	if tun.VisitEndGraceSec != 3 {
		t.Errorf("default visitEndGraceSec = %d, expected 3", tun.VisitEndGraceSec)
	}
	if tun.DwellDefaultSec != 60 {
		t.Errorf("default dwellDefaultSec = %d, expected 60", tun.DwellDefaultSec)
	}

	rec = do(mux, testutil.NewJSONRequest(t, http.MethodPut, "/api/config",
		map[string]any{"visitEndGraceSec": 10}))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	testutil.DecodeJSON(t, rec, &tun)
	if tun.VisitEndGraceSec != 10 {
		t.Errorf("applied visitEndGraceSec = %d, expected 10", tun.VisitEndGraceSec)
	}
	if tun.DwellDefaultSec != 60 {
		t.Errorf("dwellDefaultSec changed to %d by an unrelated patch", tun.DwellDefaultSec)
	}

	t.Run("unknown_field_rejected", func(t *testing.T) {
		rec := do(mux, testutil.NewJSONRequest(t, http.MethodPut, "/api/config",
			map[string]any{"frameIntervalMs": 50}))
		testutil.AssertStatusCode(t, rec, http.StatusBadRequest)
		if !strings.Contains(rec.Body.String(), "not a runtime tunable") {
			t.Errorf("error body = %q, expected it to name the rejected field", rec.Body.String())
		}
	})

	t.Run("invalid_value_rejected", func(t *testing.T) {
		rec := do(mux, testutil.NewJSONRequest(t, http.MethodPut, "/api/config",
			map[string]any{"visitEndGraceSec": -1}))
		testutil.AssertStatusCode(t, rec, http.StatusBadRequest)
	})

	// Failed patches must not leave partial state behind.
	rec = do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/config", nil))
	testutil.DecodeJSON(t, rec, &tun)
	if tun.VisitEndGraceSec != 10 {
		t.Errorf("visitEndGraceSec = %d after rejected patches, expected 10", tun.VisitEndGraceSec)
	}

	entries, err := st.ListLedger(context.Background(), store.LedgerFilter{Category: store.LedgerSettings})
	testutil.AssertNoError(t, err)
	if len(entries) != 1 {
		t.Errorf("settings_changed ledger entries = %d, expected 1 (only the accepted patch)", len(entries))
	}
}

// TestAlertRulesCRUD exercises the alert rule lifecycle.
func TestAlertRulesCRUD(t *testing.T) {
	mux, st := newTestServer(t)
	seedROI(t, st, "roi-1", roi.ZoneBrowse, rect(0, 0, 4, 4))

	body := map[string]any{
		"venueId":   testVenue,
		"roiId":     "roi-1",
		"metric":    "occupancy",
		"operator":  "gte",
		"threshold": 10,
	}
	rec := do(mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/alert-rules", body))
	testutil.AssertStatusCode(t, rec, http.StatusCreated)
	var rule occupancy.Rule
	testutil.DecodeJSON(t, rec, &rule)
	if !strings.HasPrefix(rule.ID, "rule_") {
		t.Errorf("id = %q, expected rule_ prefix", rule.ID)
	}
	if !rule.Enabled {
		t.Error("new rule not enabled by default")
	}

	t.Run("invalid_metric_rejected", func(t *testing.T) {
		bad := map[string]any{"venueId": testVenue, "roiId": "roi-1", "metric": "sentiment", "operator": "gt", "threshold": 1}
		rec := do(mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/alert-rules", bad))
		testutil.AssertStatusCode(t, rec, http.StatusBadRequest)
	})

	rec = do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/alert-rules?venue_id="+testVenue, nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	var rules []occupancy.Rule
	testutil.DecodeJSON(t, rec, &rules)
	if len(rules) != 1 {
		t.Fatalf("listed %d rules, expected 1", len(rules))
	}

	rec = do(mux, testutil.NewJSONRequest(t, http.MethodPut, "/api/alert-rules/"+rule.ID,
		map[string]any{"threshold": 25, "enabled": false}))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	testutil.DecodeJSON(t, rec, &rule)
	if rule.Threshold != 25 {
		t.Errorf("threshold = %v, expected 25", rule.Threshold)
	}
	if rule.Enabled {
		t.Error("rule still enabled after disable")
	}
	if rule.Metric != occupancy.MetricOccupancy {
		t.Errorf("metric = %q, partial update should have kept occupancy", rule.Metric)
	}

	rec = do(mux, testutil.NewJSONRequest(t, http.MethodDelete, "/api/alert-rules/"+rule.ID, nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	rec = do(mux, testutil.NewJSONRequest(t, http.MethodDelete, "/api/alert-rules/"+rule.ID, nil))
	testutil.AssertStatusCode(t, rec, http.StatusNotFound)

	if n := ledgerCount(t, st, store.LedgerRuleChanged); n != 3 {
		t.Errorf("rule_changed ledger entries = %d, expected 3 (create, update, delete)", n)
	}
}

// TestListVenues checks venue discovery through stored layout rows.
func TestListVenues(t *testing.T) {
	mux, st := newTestServer(t)

	var venues []venueInfo
	rec := do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/venues", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	testutil.DecodeJSON(t, rec, &venues)
	if len(venues) != 0 {
		t.Errorf("fresh store listed %d venues, expected 0", len(venues))
	}

	seedROI(t, st, "roi-1", roi.ZoneBrowse, rect(0, 0, 4, 4))
	rec = do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/venues", nil))
	testutil.DecodeJSON(t, rec, &venues)
	if len(venues) != 1 || venues[0].VenueID != testVenue {
		t.Fatalf("venues = %+v, expected just %q", venues, testVenue)
	}
	if venues[0].Running {
		t.Error("venue reported running with no pipeline manager")
	}
}

// TestListSources returns an empty array when no sources are configured.
func TestListSources(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/sources", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, expected []", body)
	}
}

// TestIndexPage serves the HTML endpoint map at the root only.
func TestIndexPage(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "floorsight") {
		t.Error("index page missing the service name")
	}

	rec = do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/nope", nil))
	testutil.AssertStatusCode(t, rec, http.StatusNotFound)
}

// TestDebugVars checks the expvar endpoint is mounted.
func TestDebugVars(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := do(mux, testutil.NewJSONRequest(t, http.MethodGet, "/debug/vars", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "cmdline") {
		t.Error("expvar output missing the cmdline key")
	}
}
