// Package analytics computes the read-path KPIs served by the HTTP API. The
// live engines keep only trailing-window state; anything aggregated over
// hours or days comes from the store.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Period is a KPI aggregation window.
type Period string

const (
	PeriodHour Period = "hour"
	PeriodDay  Period = "day"
	PeriodWeek Period = "week"
)

// Duration returns the window length.
func (p Period) Duration() (time.Duration, error) {
	switch p {
	case PeriodHour:
		return time.Hour, nil
	case PeriodDay:
		return 24 * time.Hour, nil
	case PeriodWeek:
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown period %q (want hour, day or week)", string(p))
}

// VisitAggregate is the raw visit material for one ROI and window.
type VisitAggregate struct {
	DurationsMs     []float64
	DwellCount      int
	EngagementCount int
}

// QueueAggregate summarizes queue sessions for one ROI and window.
type QueueAggregate struct {
	Sessions  int
	Abandoned int
}

// OccupancyAggregate summarizes occupancy snapshots for one ROI and window.
type OccupancyAggregate struct {
	Avg  float64
	Peak int
}

// Store is the persistence surface the calculator reads.
type Store interface {
	VisitAggregate(ctx context.Context, venueID, roiID string, fromMillis, toMillis int64) (VisitAggregate, error)
	QueueAggregate(ctx context.Context, venueID, roiID string, fromMillis, toMillis int64) (QueueAggregate, error)
	OccupancyAggregate(ctx context.Context, venueID, roiID string, fromMillis, toMillis int64) (OccupancyAggregate, error)
}

// KPI is the per-ROI KPI block.
type KPI struct {
	VenueID         string  `json:"venueId"`
	RoiID           string  `json:"roiId"`
	Period          string  `json:"period"`
	FromUnixMillis  int64   `json:"fromMs"`
	ToUnixMillis    int64   `json:"toMs"`
	TotalVisits     int     `json:"totalVisits"`
	AvgDurationMs   float64 `json:"avgDurationMs"`
	P50DurationMs   float64 `json:"p50DurationMs"`
	P85DurationMs   float64 `json:"p85DurationMs"`
	P95DurationMs   float64 `json:"p95DurationMs"`
	DwellCount      int     `json:"dwellCount"`
	EngagementCount int     `json:"engagementCount"`
	QueueSessions   int     `json:"queueSessions"`
	AbandonRate     float64 `json:"abandonRate"`
	AvgOccupancy    float64 `json:"avgOccupancy"`
	PeakOccupancy   int     `json:"peakOccupancy"`
}

// Compute assembles the KPI block for one ROI over the period ending at now.
func Compute(ctx context.Context, st Store, venueID, roiID string, period Period, now time.Time) (KPI, error) {
	d, err := period.Duration()
	if err != nil {
		return KPI{}, err
	}
	toMillis := now.UnixMilli()
	fromMillis := now.Add(-d).UnixMilli()

	va, err := st.VisitAggregate(ctx, venueID, roiID, fromMillis, toMillis)
	if err != nil {
		return KPI{}, fmt.Errorf("visit aggregate: %w", err)
	}
	qa, err := st.QueueAggregate(ctx, venueID, roiID, fromMillis, toMillis)
	if err != nil {
		return KPI{}, fmt.Errorf("queue aggregate: %w", err)
	}
	oa, err := st.OccupancyAggregate(ctx, venueID, roiID, fromMillis, toMillis)
	if err != nil {
		return KPI{}, fmt.Errorf("occupancy aggregate: %w", err)
	}

	k := KPI{
		VenueID:         venueID,
		RoiID:           roiID,
		Period:          string(period),
		FromUnixMillis:  fromMillis,
		ToUnixMillis:    toMillis,
		TotalVisits:     len(va.DurationsMs),
		DwellCount:      va.DwellCount,
		EngagementCount: va.EngagementCount,
		QueueSessions:   qa.Sessions,
		AvgOccupancy:    oa.Avg,
		PeakOccupancy:   oa.Peak,
	}
	if len(va.DurationsMs) > 0 {
		ds := append([]float64(nil), va.DurationsMs...)
		sort.Float64s(ds)
		k.AvgDurationMs = stat.Mean(ds, nil)
		k.P50DurationMs = stat.Quantile(0.50, stat.Empirical, ds, nil)
		k.P85DurationMs = stat.Quantile(0.85, stat.Empirical, ds, nil)
		k.P95DurationMs = stat.Quantile(0.95, stat.Empirical, ds, nil)
	}
	if qa.Sessions > 0 {
		k.AbandonRate = float64(qa.Abandoned) / float64(qa.Sessions)
	}
	return k, nil
}
