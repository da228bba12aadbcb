package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-data/floorsight/internal/httputil"
	"github.com/kestrel-data/floorsight/internal/live"
	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/roi"
	"github.com/kestrel-data/floorsight/internal/store"
)

// roiView is the list representation: the ROI row plus its threshold
// overrides when any exist.
type roiView struct {
	roi.ROI
	Settings *roi.ZoneSettings `json:"settings,omitempty"`
}

// layoutChanged records a layout mutation in the ledger, tells the venue
// pipeline to re-pull its ROI snapshot and mirrors the change to live
// subscribers.
func (s *Server) layoutChanged(r *http.Request, venueID, category, message string, details any) {
	now := time.Now().UnixMilli()

	var raw json.RawMessage
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			raw = b
		}
	}
	if err := s.store.AppendLedger(r.Context(), &store.LedgerEntry{
		VenueID:      venueID,
		Category:     category,
		Message:      message,
		Details:      raw,
		TSUnixMillis: now,
	}); err != nil {
		monitoring.Logf("api: ledger append failed: %v", err)
	}

	if s.manager != nil {
		s.manager.Invalidate(venueID)
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(venueID, live.EventRoiUpdated, now, details)
	}
}

func (s *Server) listROIs(w http.ResponseWriter, r *http.Request) {
	venueID := r.URL.Query().Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}

	rois, err := s.store.ListROIs(r.Context(), venueID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list rois: %v", err))
		return
	}
	settings, err := s.store.ListZoneSettings(r.Context(), venueID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list zone settings: %v", err))
		return
	}
	byRoi := make(map[string]*roi.ZoneSettings, len(settings))
	for i := range settings {
		byRoi[settings[i].RoiID] = &settings[i]
	}

	out := make([]roiView, 0, len(rois))
	for _, rr := range rois {
		out = append(out, roiView{ROI: rr, Settings: byRoi[rr.ID]})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) createROI(w http.ResponseWriter, r *http.Request) {
	// Lanes start open unless the body says otherwise.
	body := roi.ROI{IsOpen: true}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if body.ID == "" {
		body.ID = fmt.Sprintf("roi_%s", uuid.NewString())
	}
	if err := body.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	now := time.Now().UnixMilli()
	body.CreatedUnixMillis = now
	body.UpdatedUnixMillis = now
	if err := s.store.UpsertROI(r.Context(), &body); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("create roi: %v", err))
		return
	}

	s.layoutChanged(r, body.VenueID, store.LedgerRoiCreated,
		fmt.Sprintf("roi %q created", body.Name), body)
	httputil.WriteJSONCreated(w, body)
}

func (s *Server) updateROI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetROI(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("roi %q not found", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get roi: %v", err))
		return
	}

	// Decode over a copy of the stored row so absent fields keep their
	// current values.
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
	if err := s.store.UpsertROI(r.Context(), &updated); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("update roi: %v", err))
		return
	}

	s.layoutChanged(r, updated.VenueID, store.LedgerRoiUpdated,
		fmt.Sprintf("roi %q updated", updated.Name), updated)
	httputil.WriteJSONOK(w, updated)
}

func (s *Server) deleteROI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetROI(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("roi %q not found", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get roi: %v", err))
		return
	}

	if err := s.store.DeleteROI(r.Context(), id); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("delete roi: %v", err))
		return
	}

	s.layoutChanged(r, existing.VenueID, store.LedgerRoiDeleted,
		fmt.Sprintf("roi %q deleted", existing.Name), map[string]string{"id": id})
	httputil.WriteJSONOK(w, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) getZoneSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetROI(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("roi %q not found", id))
		return
	} else if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get roi: %v", err))
		return
	}

	zs, err := s.store.GetZoneSettings(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		// No overrides yet: an empty row means "inherit everything".
		httputil.WriteJSONOK(w, roi.ZoneSettings{RoiID: id})
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get zone settings: %v", err))
		return
	}
	httputil.WriteJSONOK(w, zs)
}

func (s *Server) putZoneSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetROI(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("roi %q not found", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get roi: %v", err))
		return
	}

	var zs roi.ZoneSettings
	if err := json.NewDecoder(r.Body).Decode(&zs); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	zs.RoiID = id
	if err := s.store.UpsertZoneSettings(r.Context(), &zs); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("upsert zone settings: %v", err))
		return
	}

	// New thresholds apply to machines created from now on.
	if s.thresholds != nil {
		s.thresholds.Invalidate(existing.VenueID)
	}
	s.layoutChanged(r, existing.VenueID, store.LedgerSettings,
		fmt.Sprintf("zone settings for %q updated", existing.Name), zs)
	httputil.WriteJSONOK(w, zs)
}

func (s *Server) setLaneOpen(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetROI(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("roi %q not found", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get roi: %v", err))
		return
	}

	var body struct {
		IsOpen *bool `json:"isOpen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IsOpen == nil {
		httputil.BadRequest(w, "body must be {\"isOpen\": bool}")
		return
	}

	if err := s.store.SetLaneOpen(r.Context(), id, *body.IsOpen, time.Now().UnixMilli()); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("set lane open: %v", err))
		return
	}

	category := store.LedgerLaneClosed
	verb := "closed"
	if *body.IsOpen {
		category = store.LedgerLaneOpen
		verb = "opened"
	}
	s.layoutChanged(r, existing.VenueID, category,
		fmt.Sprintf("lane %q %s", existing.Name, verb),
		map[string]any{"id": id, "isOpen": *body.IsOpen})
	httputil.WriteJSONOK(w, map[string]any{"id": id, "isOpen": *body.IsOpen})
}

func (s *Server) listZoneLinks(w http.ResponseWriter, r *http.Request) {
	venueID := r.URL.Query().Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	links, err := s.store.ListZoneLinks(r.Context(), venueID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list zone links: %v", err))
		return
	}
	if links == nil {
		links = []roi.ZoneLink{}
	}
	httputil.WriteJSONOK(w, links)
}

func (s *Server) createZoneLink(w http.ResponseWriter, r *http.Request) {
	var link roi.ZoneLink
	if err := json.NewDecoder(r.Body).Decode(&link); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if link.VenueID == "" || link.QueueRoiID == "" || link.ServiceRoiID == "" {
		httputil.BadRequest(w, "venueId, queueRoiId and serviceRoiId are required")
		return
	}
	if link.ID == "" {
		link.ID = fmt.Sprintf("lnk_%s", uuid.NewString())
	}

	// Both ends must exist; a dangling link would never resolve a session.
	for _, roiID := range []string{link.QueueRoiID, link.ServiceRoiID} {
		if _, err := s.store.GetROI(r.Context(), roiID); errors.Is(err, store.ErrNotFound) {
			httputil.BadRequest(w, fmt.Sprintf("roi %q not found", roiID))
			return
		} else if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("get roi: %v", err))
			return
		}
	}

	if err := s.store.CreateZoneLink(r.Context(), &link); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("create zone link: %v", err))
		return
	}

	s.layoutChanged(r, link.VenueID, store.LedgerRoiUpdated,
		fmt.Sprintf("zone link %s -> %s created", link.QueueRoiID, link.ServiceRoiID), link)
	httputil.WriteJSONCreated(w, link)
}

func (s *Server) deleteZoneLink(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	link, err := s.store.GetZoneLink(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("zone link %q not found", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get zone link: %v", err))
		return
	}

	if err := s.store.DeleteZoneLink(r.Context(), id); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("delete zone link: %v", err))
		return
	}

	s.layoutChanged(r, link.VenueID, store.LedgerRoiUpdated,
		fmt.Sprintf("zone link %s -> %s deleted", link.QueueRoiID, link.ServiceRoiID),
		map[string]string{"id": id})
	httputil.WriteJSONOK(w, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) getVenueSettings(w http.ResponseWriter, r *http.Request) {
	venueID := r.PathValue("id")
	vs, err := s.store.GetVenueSettings(r.Context(), venueID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get venue settings: %v", err))
		return
	}
	if vs == nil {
		vs = &roi.VenueSettings{VenueID: venueID}
	}
	httputil.WriteJSONOK(w, vs)
}

func (s *Server) putVenueSettings(w http.ResponseWriter, r *http.Request) {
	venueID := r.PathValue("id")

	var vs roi.VenueSettings
	if err := json.NewDecoder(r.Body).Decode(&vs); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	vs.VenueID = venueID
	if err := s.store.UpsertVenueSettings(r.Context(), &vs); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("upsert venue settings: %v", err))
		return
	}

	if s.thresholds != nil {
		s.thresholds.Invalidate(venueID)
	}
	s.layoutChanged(r, venueID, store.LedgerSettings, "venue default thresholds updated", vs)
	httputil.WriteJSONOK(w, vs)
}
