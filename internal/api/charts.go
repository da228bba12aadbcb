package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/kestrel-data/floorsight/internal/httputil"
	"github.com/kestrel-data/floorsight/internal/store"
)

// chartOccupancy renders the persisted occupancy series as a line chart
// (HTML). Debugging-only endpoint; the real UI reads the JSON API.
// Query params:
//   - venue_id (required)
//   - roi_id (optional; defaults to all ROIs, one series each)
//   - hours (optional; default 24, max 720)
func (s *Server) chartOccupancy(w http.ResponseWriter, r *http.Request) {
	venueID := r.URL.Query().Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	hours, ok := queryInt(r, "hours", 24)
	if !ok || hours < 1 {
		httputil.BadRequest(w, "hours must be a positive integer")
		return
	}
	if hours > 720 {
		hours = 720
	}

	now := time.Now()
	snaps, err := s.store.ListSnapshots(r.Context(), store.SnapshotFilter{
		VenueID:    venueID,
		RoiID:      r.URL.Query().Get("roi_id"),
		FromMillis: now.Add(-time.Duration(hours) * time.Hour).UnixMilli(),
		ToMillis:   now.UnixMilli(),
		Limit:      50000,
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list snapshots: %v", err))
		return
	}
	if len(snaps) == 0 {
		httputil.NotFound(w, "no occupancy snapshots in window")
		return
	}

	// Snapshot passes write every ROI at the same ts, so the series align
	// on the shared timestamp axis.
	tsSet := make(map[int64]struct{})
	byRoi := make(map[string]map[int64]int)
	for _, snap := range snaps {
		tsSet[snap.TSUnixMillis] = struct{}{}
		if byRoi[snap.RoiID] == nil {
			byRoi[snap.RoiID] = make(map[int64]int)
		}
		byRoi[snap.RoiID][snap.TSUnixMillis] = snap.Occupancy
	}

	timestamps := make([]int64, 0, len(tsSet))
	for ts := range tsSet {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	layout := "15:04:05"
	if hours > 24 {
		layout = "01-02 15:04"
	}
	x := make([]string, 0, len(timestamps))
	for _, ts := range timestamps {
		x = append(x, time.UnixMilli(ts).Format(layout))
	}

	roiIDs := make([]string, 0, len(byRoi))
	for id := range byRoi {
		roiIDs = append(roiIDs, id)
	}
	sort.Strings(roiIDs)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Occupancy", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Zone Occupancy", Subtitle: fmt.Sprintf("venue=%s window=%dh points=%d", venueID, hours, len(snaps))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	line.SetXAxis(x)
	for _, roiID := range roiIDs {
		series := make([]opts.LineData, 0, len(timestamps))
		for _, ts := range timestamps {
			series = append(series, opts.LineData{Value: byRoi[roiID][ts]})
		}
		line.AddSeries(roiID, series)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// chartVisits renders closed visit counts bucketed per day as a bar chart
// (HTML). Query params:
//   - venue_id (required)
//   - days (optional; default 7, max 90)
func (s *Server) chartVisits(w http.ResponseWriter, r *http.Request) {
	venueID := r.URL.Query().Get("venue_id")
	if venueID == "" {
		httputil.BadRequest(w, "missing 'venue_id' parameter")
		return
	}
	days, ok := queryInt(r, "days", 7)
	if !ok || days < 1 {
		httputil.BadRequest(w, "days must be a positive integer")
		return
	}
	if days > 90 {
		days = 90
	}

	now := time.Now()
	from := now.AddDate(0, 0, -days+1)
	rows, err := s.store.ListVisits(r.Context(), store.VisitFilter{
		VenueID:    venueID,
		FromMillis: time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location()).UnixMilli(),
		ToMillis:   now.UnixMilli(),
		Limit:      20000,
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list visits: %v", err))
		return
	}

	const dayLayout = "2006-01-02"
	totals := make(map[string]int)
	dwells := make(map[string]int)
	for _, v := range rows {
		if v.EndUnixMillis == 0 {
			continue
		}
		day := time.UnixMilli(v.StartUnixMillis).Format(dayLayout)
		totals[day]++
		if v.IsDwell {
			dwells[day]++
		}
	}

	// Every day in the window gets a bucket, zero or not, so gaps are
	// visible in the chart.
	x := make([]string, 0, days)
	totalSeries := make([]opts.BarData, 0, days)
	dwellSeries := make([]opts.BarData, 0, days)
	for i := 0; i < days; i++ {
		day := from.AddDate(0, 0, i).Format(dayLayout)
		x = append(x, day)
		totalSeries = append(totalSeries, opts.BarData{Value: totals[day]})
		dwellSeries = append(dwellSeries, opts.BarData{Value: dwells[day]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Visits", Theme: "dark", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Zone Visits Per Day", Subtitle: fmt.Sprintf("venue=%s window=%dd", venueID, days)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("visits", totalSeries,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("dwells", dwellSeries)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
