package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/queueing"
	"github.com/kestrel-data/floorsight/internal/visits"
)

func TestVisitOpenThenCloseUpdatesOneRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	open := visits.Visit{
		ID: "visit_1", VenueID: "venue-a", RoiID: "roi_1", TrackKey: "t1",
		StartUnixMillis: 1000,
	}
	require.NoError(t, s.UpsertVisit(ctx, &open))

	closed := open
	closed.EndUnixMillis = 61000
	closed.DurationMs = 60000
	closed.IsDwell = true
	require.NoError(t, s.UpsertVisit(ctx, &closed))

	got, err := s.ListVisits(ctx, VisitFilter{VenueID: "venue-a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, closed, got[0])
}

func TestListVisitsFiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rows := []visits.Visit{
		{ID: "visit_1", VenueID: "venue-a", RoiID: "roi_1", TrackKey: "t1", StartUnixMillis: 1000, EndUnixMillis: 2000, DurationMs: 1000},
		{ID: "visit_2", VenueID: "venue-a", RoiID: "roi_2", TrackKey: "t1", StartUnixMillis: 3000, EndUnixMillis: 4000, DurationMs: 1000},
		{ID: "visit_3", VenueID: "venue-a", RoiID: "roi_1", TrackKey: "t2", StartUnixMillis: 5000},
		{ID: "visit_4", VenueID: "venue-b", RoiID: "roi_9", TrackKey: "t3", StartUnixMillis: 6000},
	}
	for i := range rows {
		require.NoError(t, s.UpsertVisit(ctx, &rows[i]))
	}

	got, err := s.ListVisits(ctx, VisitFilter{VenueID: "venue-a"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "visit_3", got[0].ID) // newest first
	assert.Equal(t, "visit_1", got[2].ID)

	got, err = s.ListVisits(ctx, VisitFilter{VenueID: "venue-a", RoiID: "roi_1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListVisits(ctx, VisitFilter{VenueID: "venue-a", FromMillis: 2500, ToMillis: 5500})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "visit_3", got[0].ID)
	assert.Equal(t, "visit_2", got[1].ID)

	got, err = s.ListVisits(ctx, VisitFilter{VenueID: "venue-a", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestVisitAggregateClosedOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rows := []visits.Visit{
		{ID: "visit_1", VenueID: "venue-a", RoiID: "roi_1", TrackKey: "t1", StartUnixMillis: 1000, EndUnixMillis: 61000, DurationMs: 60000, IsDwell: true},
		{ID: "visit_2", VenueID: "venue-a", RoiID: "roi_1", TrackKey: "t2", StartUnixMillis: 2000, EndUnixMillis: 152000, DurationMs: 150000, IsDwell: true, IsEngagement: true},
		{ID: "visit_3", VenueID: "venue-a", RoiID: "roi_1", TrackKey: "t3", StartUnixMillis: 5000}, // still open
		{ID: "visit_4", VenueID: "venue-a", RoiID: "roi_2", TrackKey: "t4", StartUnixMillis: 1000, EndUnixMillis: 3000, DurationMs: 2000},
		{ID: "visit_5", VenueID: "venue-a", RoiID: "roi_1", TrackKey: "t5", StartUnixMillis: 1000, EndUnixMillis: 999000, DurationMs: 998000}, // outside window
	}
	for i := range rows {
		require.NoError(t, s.UpsertVisit(ctx, &rows[i]))
	}

	agg, err := s.VisitAggregate(ctx, "venue-a", "roi_1", 0, 200000)
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{60000, 150000}, agg.DurationsMs)
	assert.Equal(t, 2, agg.DwellCount)
	assert.Equal(t, 1, agg.EngagementCount)

	// Empty roiID aggregates the venue.
	agg, err = s.VisitAggregate(ctx, "venue-a", "", 0, 200000)
	require.NoError(t, err)
	assert.Len(t, agg.DurationsMs, 3)
}

func TestQueueSessionRoundTripAndFilters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	open := queueing.Session{
		ID: "qs_1", VenueID: "venue-a", QueueRoiID: "roi_q", ServiceRoiID: "roi_s",
		TrackKey: "t1", QueueEntryUnixMillis: 1000,
	}
	require.NoError(t, s.UpsertQueueSession(ctx, &open))

	done := open
	done.QueueExitUnixMillis = 6000
	done.WaitingTimeMs = 5000
	done.ServiceEntryUnixMillis = 7000
	done.ServiceExitUnixMillis = 30000
	require.NoError(t, s.UpsertQueueSession(ctx, &done))

	abandoned := queueing.Session{
		ID: "qs_2", VenueID: "venue-a", QueueRoiID: "roi_q", TrackKey: "t2",
		QueueEntryUnixMillis: 2000, QueueExitUnixMillis: 4000, WaitingTimeMs: 2000,
		IsAbandoned: true,
	}
	require.NoError(t, s.UpsertQueueSession(ctx, &abandoned))

	got, err := s.ListQueueSessions(ctx, QueueSessionFilter{VenueID: "venue-a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "qs_2", got[0].ID) // newest entry first
	assert.Equal(t, done, got[1])

	yes := true
	got, err = s.ListQueueSessions(ctx, QueueSessionFilter{VenueID: "venue-a", Abandoned: &yes})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "qs_2", got[0].ID)

	no := false
	got, err = s.ListQueueSessions(ctx, QueueSessionFilter{VenueID: "venue-a", Abandoned: &no, RoiID: "roi_q"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "qs_1", got[0].ID)

	agg, err := s.QueueAggregate(ctx, "venue-a", "roi_q", 0, 10000)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Sessions)
	assert.Equal(t, 1, agg.Abandoned)
}

func TestSnapshotSeriesAndAggregate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	snaps := []occupancy.Snapshot{
		{ID: "snap_1", VenueID: "venue-a", RoiID: "roi_1", Occupancy: 2, TSUnixMillis: 1000},
		{ID: "snap_2", VenueID: "venue-a", RoiID: "roi_2", Occupancy: 0, TSUnixMillis: 1000},
		{ID: "snap_3", VenueID: "venue-a", RoiID: "roi_1", Occupancy: 6, TSUnixMillis: 3000},
	}
	require.NoError(t, s.InsertSnapshots(ctx, snaps))
	// Replaying the same batch (writer retry) must not duplicate.
	require.NoError(t, s.InsertSnapshots(ctx, snaps))

	got, err := s.ListSnapshots(ctx, SnapshotFilter{VenueID: "venue-a"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "snap_1", got[0].ID) // oldest first
	assert.Equal(t, "snap_3", got[2].ID)

	got, err = s.ListSnapshots(ctx, SnapshotFilter{VenueID: "venue-a", RoiID: "roi_1", FromMillis: 2000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 6, got[0].Occupancy)

	agg, err := s.OccupancyAggregate(ctx, "venue-a", "roi_1", 0, 10000)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, agg.Avg, 1e-9)
	assert.Equal(t, 6, agg.Peak)

	// No rows in window: zero aggregate, no error.
	agg, err = s.OccupancyAggregate(ctx, "venue-a", "roi_1", 100000, 200000)
	require.NoError(t, err)
	assert.Zero(t, agg.Avg)
	assert.Zero(t, agg.Peak)
}
