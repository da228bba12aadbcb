package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kestrel-data/floorsight/internal/analytics"
	"github.com/kestrel-data/floorsight/internal/httputil"
	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/queueing"
	"github.com/kestrel-data/floorsight/internal/store"
	"github.com/kestrel-data/floorsight/internal/visits"
)

func (s *Server) listVisits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	venueID := q.Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	from, ok1 := queryInt64(r, "from_ms", 0)
	to, ok2 := queryInt64(r, "to_ms", 0)
	limit, ok3 := queryInt(r, "limit", 0)
	if !ok1 || !ok2 || !ok3 {
		httputil.BadRequest(w, "from_ms, to_ms and limit must be integers")
		return
	}

	rows, err := s.store.ListVisits(r.Context(), store.VisitFilter{
		VenueID:    venueID,
		RoiID:      q.Get("roi_id"),
		FromMillis: from,
		ToMillis:   to,
		Limit:      limit,
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list visits: %v", err))
		return
	}
	if rows == nil {
		rows = []visits.Visit{}
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) listQueueSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	venueID := q.Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	from, ok1 := queryInt64(r, "from_ms", 0)
	to, ok2 := queryInt64(r, "to_ms", 0)
	limit, ok3 := queryInt(r, "limit", 0)
	if !ok1 || !ok2 || !ok3 {
		httputil.BadRequest(w, "from_ms, to_ms and limit must be integers")
		return
	}

	var abandoned *bool
	switch q.Get("abandoned") {
	case "":
	case "true":
		v := true
		abandoned = &v
	case "false":
		v := false
		abandoned = &v
	default:
		httputil.BadRequest(w, "abandoned must be 'true' or 'false'")
		return
	}

	rows, err := s.store.ListQueueSessions(r.Context(), store.QueueSessionFilter{
		VenueID:    venueID,
		RoiID:      q.Get("roi_id"),
		FromMillis: from,
		ToMillis:   to,
		Abandoned:  abandoned,
		Limit:      limit,
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list queue sessions: %v", err))
		return
	}
	if rows == nil {
		rows = []queueing.Session{}
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) listOccupancy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	venueID := q.Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	from, ok1 := queryInt64(r, "from_ms", 0)
	to, ok2 := queryInt64(r, "to_ms", 0)
	limit, ok3 := queryInt(r, "limit", 0)
	if !ok1 || !ok2 || !ok3 {
		httputil.BadRequest(w, "from_ms, to_ms and limit must be integers")
		return
	}

	rows, err := s.store.ListSnapshots(r.Context(), store.SnapshotFilter{
		VenueID:    venueID,
		RoiID:      q.Get("roi_id"),
		FromMillis: from,
		ToMillis:   to,
		Limit:      limit,
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list snapshots: %v", err))
		return
	}
	if rows == nil {
		rows = []occupancy.Snapshot{}
	}
	httputil.WriteJSONOK(w, rows)
}

// liveOccupancy reads the venue's in-memory occupancy. No DB involved, so
// it only answers for venues with a running pipeline.
func (s *Server) liveOccupancy(w http.ResponseWriter, r *http.Request) {
	venueID := r.URL.Query().Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	if s.manager == nil || !s.manager.Running(venueID) {
		httputil.NotFound(w, fmt.Sprintf("venue %q is not running", venueID))
		return
	}
	snaps := s.manager.CurrentOccupancy(venueID)
	if snaps == nil {
		snaps = []occupancy.Snapshot{}
	}
	httputil.WriteJSONOK(w, snaps)
}

func (s *Server) listKPIs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	venueID := q.Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	period := analytics.Period(q.Get("period"))
	if period == "" {
		period = analytics.PeriodHour
	}

	var roiIDs []string
	if roiID := q.Get("roi_id"); roiID != "" {
		roiIDs = []string{roiID}
	} else {
		rois, err := s.store.ListROIs(r.Context(), venueID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("list rois: %v", err))
			return
		}
		for _, rr := range rois {
			roiIDs = append(roiIDs, rr.ID)
		}
	}

	now := time.Now()
	out := make([]analytics.KPI, 0, len(roiIDs))
	for _, roiID := range roiIDs {
		kpi, err := analytics.Compute(r.Context(), s.store, venueID, roiID, period, now)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		out = append(out, kpi)
	}
	httputil.WriteJSONOK(w, out)
}

// checkoutLane is one queue lane's live picture: the engine's rolling stats
// plus the instantaneous occupancy of the queue ROI.
type checkoutLane struct {
	queueing.LaneStats
	QueueOccupancy int `json:"queueOccupancy"`
}

func (s *Server) liveCheckout(w http.ResponseWriter, r *http.Request) {
	venueID := r.URL.Query().Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	if s.manager == nil || !s.manager.Running(venueID) {
		httputil.NotFound(w, fmt.Sprintf("venue %q is not running", venueID))
		return
	}

	occByRoi := make(map[string]int)
	for _, snap := range s.manager.CurrentOccupancy(venueID) {
		occByRoi[snap.RoiID] = snap.Occupancy
	}

	lanes := s.manager.LaneStats(venueID)
	out := make([]checkoutLane, 0, len(lanes))
	for _, lane := range lanes {
		out = append(out, checkoutLane{
			LaneStats:      lane,
			QueueOccupancy: occByRoi[lane.QueueRoiID],
		})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, ok1 := queryInt64(r, "from_ms", 0)
	to, ok2 := queryInt64(r, "to_ms", 0)
	limit, ok3 := queryInt(r, "limit", 0)
	if !ok1 || !ok2 || !ok3 {
		httputil.BadRequest(w, "from_ms, to_ms and limit must be integers")
		return
	}

	rows, err := s.store.ListLedger(r.Context(), store.LedgerFilter{
		VenueID:    q.Get("venue_id"),
		Category:   q.Get("category"),
		Severity:   q.Get("severity"),
		FromMillis: from,
		ToMillis:   to,
		Limit:      limit,
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list ledger: %v", err))
		return
	}
	if rows == nil {
		rows = []store.LedgerEntry{}
	}
	httputil.WriteJSONOK(w, rows)
}
