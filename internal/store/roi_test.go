package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-data/floorsight/internal/roi"
)

func testROI(id, venueID string, zt roi.ZoneType) *roi.ROI {
	return &roi.ROI{
		ID:                id,
		VenueID:           venueID,
		Name:              "Zone " + id,
		ZoneType:          zt,
		Polygon:           rect(0, 0, 4, 4),
		Color:             "#abcdef",
		IsOpen:            true,
		CreatedUnixMillis: 1000,
		UpdatedUnixMillis: 1000,
	}
}

func TestROIRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	want := testROI("roi_1", "venue-a", roi.ZoneBrowse)
	require.NoError(t, s.UpsertROI(ctx, want))

	got, err := s.GetROI(ctx, "roi_1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Update keeps identity and created timestamp.
	want.Name = "Renamed"
	want.UpdatedUnixMillis = 2000
	require.NoError(t, s.UpsertROI(ctx, want))

	got, err = s.GetROI(ctx, "roi_1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, int64(1000), got.CreatedUnixMillis)
	assert.Equal(t, int64(2000), got.UpdatedUnixMillis)
}

func TestGetROINotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetROI(context.Background(), "roi_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListROIsScopedToVenue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertROI(ctx, testROI("roi_b", "venue-a", roi.ZoneBrowse)))
	require.NoError(t, s.UpsertROI(ctx, testROI("roi_a", "venue-a", roi.ZoneQueue)))
	require.NoError(t, s.UpsertROI(ctx, testROI("roi_c", "venue-b", roi.ZoneBrowse)))

	got, err := s.ListROIs(ctx, "venue-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "roi_a", got[0].ID)
	assert.Equal(t, "roi_b", got[1].ID)
}

func TestDeleteROICascadesSettingsAndLinks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertROI(ctx, testROI("roi_q", "venue-a", roi.ZoneQueue)))
	require.NoError(t, s.UpsertROI(ctx, testROI("roi_s", "venue-a", roi.ZoneService)))

	grace := 5
	require.NoError(t, s.UpsertZoneSettings(ctx, &roi.ZoneSettings{
		RoiID:            "roi_q",
		VisitEndGraceSec: &grace,
	}))
	require.NoError(t, s.CreateZoneLink(ctx, &roi.ZoneLink{
		ID: "zl_1", VenueID: "venue-a", QueueRoiID: "roi_q", ServiceRoiID: "roi_s",
	}))

	require.NoError(t, s.DeleteROI(ctx, "roi_q"))

	_, err := s.GetROI(ctx, "roi_q")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetZoneSettings(ctx, "roi_q")
	assert.ErrorIs(t, err, ErrNotFound)

	links, err := s.ListZoneLinks(ctx, "venue-a")
	require.NoError(t, err)
	assert.Empty(t, links)

	assert.ErrorIs(t, s.DeleteROI(ctx, "roi_q"), ErrNotFound)
}

func TestZoneSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertROI(ctx, testROI("roi_1", "venue-a", roi.ZoneBrowse)))

	dwell, minVisit := 30, 2
	want := &roi.ZoneSettings{
		RoiID:               "roi_1",
		DwellThresholdSec:   &dwell,
		MinVisitDurationSec: &minVisit,
	}
	require.NoError(t, s.UpsertZoneSettings(ctx, want))

	got, err := s.GetZoneSettings(ctx, "roi_1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Nil(t, got.EngagementThresholdSec)
	assert.Nil(t, got.VisitEndGraceSec)

	// Partial update replaces the whole row; cleared fields revert to NULL.
	engagement := 120
	require.NoError(t, s.UpsertZoneSettings(ctx, &roi.ZoneSettings{
		RoiID:                  "roi_1",
		EngagementThresholdSec: &engagement,
	}))
	got, err = s.GetZoneSettings(ctx, "roi_1")
	require.NoError(t, err)
	assert.Nil(t, got.DwellThresholdSec)
	require.NotNil(t, got.EngagementThresholdSec)
	assert.Equal(t, 120, *got.EngagementThresholdSec)

	list, err := s.ListZoneSettings(ctx, "venue-a")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteZoneSettings(ctx, "roi_1"))
	_, err = s.GetZoneSettings(ctx, "roi_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVenueSettings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// No row means nil, not an error: the threshold chain falls through.
	vs, err := s.GetVenueSettings(ctx, "venue-a")
	require.NoError(t, err)
	assert.Nil(t, vs)

	dwell := 90
	require.NoError(t, s.UpsertVenueSettings(ctx, &roi.VenueSettings{
		VenueID:         "venue-a",
		DwellDefaultSec: &dwell,
	}))

	vs, err = s.GetVenueSettings(ctx, "venue-a")
	require.NoError(t, err)
	require.NotNil(t, vs)
	require.NotNil(t, vs.DwellDefaultSec)
	assert.Equal(t, 90, *vs.DwellDefaultSec)
	assert.Nil(t, vs.EngagementDefaultSec)
}

func TestZoneLinkUniquePair(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertROI(ctx, testROI("roi_q", "venue-a", roi.ZoneQueue)))
	require.NoError(t, s.UpsertROI(ctx, testROI("roi_s", "venue-a", roi.ZoneService)))

	require.NoError(t, s.CreateZoneLink(ctx, &roi.ZoneLink{
		ID: "zl_1", VenueID: "venue-a", QueueRoiID: "roi_q", ServiceRoiID: "roi_s",
	}))
	err := s.CreateZoneLink(ctx, &roi.ZoneLink{
		ID: "zl_2", VenueID: "venue-a", QueueRoiID: "roi_q", ServiceRoiID: "roi_s",
	})
	assert.Error(t, err)

	require.NoError(t, s.DeleteZoneLink(ctx, "zl_1"))
	assert.ErrorIs(t, s.DeleteZoneLink(ctx, "zl_1"), ErrNotFound)
}

func TestSetLaneOpen(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertROI(ctx, testROI("roi_q", "venue-a", roi.ZoneQueue)))

	require.NoError(t, s.SetLaneOpen(ctx, "roi_q", false, 5000))
	got, err := s.GetROI(ctx, "roi_q")
	require.NoError(t, err)
	assert.False(t, got.IsOpen)
	assert.Equal(t, int64(5000), got.UpdatedUnixMillis)

	assert.ErrorIs(t, s.SetLaneOpen(ctx, "roi_nope", true, 5000), ErrNotFound)
}
