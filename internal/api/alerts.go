package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-data/floorsight/internal/httputil"
	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/store"
)

// ruleChanged ledgers a rule mutation and signals the venue pipeline so the
// evaluator reloads its rule set on the next refresh.
func (s *Server) ruleChanged(r *http.Request, venueID, message string, details any) {
	var raw json.RawMessage
	if b, err := json.Marshal(details); err == nil {
		raw = b
	}
	if err := s.store.AppendLedger(r.Context(), &store.LedgerEntry{
		VenueID:      venueID,
		Category:     store.LedgerRuleChanged,
		Message:      message,
		Details:      raw,
		TSUnixMillis: time.Now().UnixMilli(),
	}); err != nil {
		monitoring.Logf("api: ledger append failed: %v", err)
	}
	if s.manager != nil {
		s.manager.Invalidate(venueID)
	}
}

func (s *Server) listAlertRules(w http.ResponseWriter, r *http.Request) {
	venueID := r.URL.Query().Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	rules, err := s.store.ListAlertRules(r.Context(), venueID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list alert rules: %v", err))
		return
	}
	if rules == nil {
		rules = []occupancy.Rule{}
	}
	httputil.WriteJSONOK(w, rules)
}

func (s *Server) createAlertRule(w http.ResponseWriter, r *http.Request) {
	// Rules are live unless the body opts out.
	rule := occupancy.Rule{Enabled: true}
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("rule_%s", uuid.NewString())
	}
	if err := rule.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	now := time.Now().UnixMilli()
	rule.CreatedUnixMillis = now
	rule.UpdatedUnixMillis = now
	if err := s.store.UpsertAlertRule(r.Context(), &rule); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("create alert rule: %v", err))
		return
	}

	s.ruleChanged(r, rule.VenueID,
		fmt.Sprintf("alert rule created: %s %s %g on %s", rule.Metric, rule.Operator, rule.Threshold, rule.RoiID),
		rule)
	httputil.WriteJSONCreated(w, rule)
}

func (s *Server) updateAlertRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetAlertRule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("alert rule %q not found", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get alert rule: %v", err))
		return
	}

	updated := *existing
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	updated.ID = existing.ID
	updated.VenueID = existing.VenueID
	updated.CreatedUnixMillis = existing.CreatedUnixMillis
	if err := updated.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	updated.UpdatedUnixMillis = time.Now().UnixMilli()
	if err := s.store.UpsertAlertRule(r.Context(), &updated); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("update alert rule: %v", err))
		return
	}

	s.ruleChanged(r, updated.VenueID, fmt.Sprintf("alert rule %s updated", id), updated)
	httputil.WriteJSONOK(w, updated)
}

func (s *Server) deleteAlertRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetAlertRule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("alert rule %q not found", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get alert rule: %v", err))
		return
	}

	if err := s.store.DeleteAlertRule(r.Context(), id); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("delete alert rule: %v", err))
		return
	}

	s.ruleChanged(r, existing.VenueID, fmt.Sprintf("alert rule %s deleted", id),
		map[string]string{"id": id})
	httputil.WriteJSONOK(w, map[string]string{"status": "deleted", "id": id})
}
