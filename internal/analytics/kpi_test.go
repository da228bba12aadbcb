package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	visits VisitAggregate
	queue  QueueAggregate
	occ    OccupancyAggregate

	fromMillis, toMillis int64
}

func (f *fakeStore) VisitAggregate(_ context.Context, _, _ string, from, to int64) (VisitAggregate, error) {
	f.fromMillis, f.toMillis = from, to
	return f.visits, nil
}

func (f *fakeStore) QueueAggregate(_ context.Context, _, _ string, _, _ int64) (QueueAggregate, error) {
	return f.queue, nil
}

func (f *fakeStore) OccupancyAggregate(_ context.Context, _, _ string, _, _ int64) (OccupancyAggregate, error) {
	return f.occ, nil
}

func TestComputeKPIs(t *testing.T) {
	durations := make([]float64, 0, 10)
	for i := 1; i <= 10; i++ {
		durations = append(durations, float64(i*1000))
	}
	st := &fakeStore{
		visits: VisitAggregate{DurationsMs: durations, DwellCount: 4, EngagementCount: 1},
		queue:  QueueAggregate{Sessions: 8, Abandoned: 2},
		occ:    OccupancyAggregate{Avg: 2.5, Peak: 7},
	}
	now := time.UnixMilli(10_000_000)

	k, err := Compute(context.Background(), st, "v1", "R1", PeriodHour, now)
	require.NoError(t, err)

	assert.Equal(t, 10, k.TotalVisits)
	assert.InDelta(t, 5500, k.AvgDurationMs, 0.001)
	assert.Equal(t, float64(5000), k.P50DurationMs)
	assert.Equal(t, float64(9000), k.P85DurationMs)
	assert.Equal(t, float64(10000), k.P95DurationMs)
	assert.Equal(t, 4, k.DwellCount)
	assert.Equal(t, 1, k.EngagementCount)
	assert.Equal(t, 8, k.QueueSessions)
	assert.InDelta(t, 0.25, k.AbandonRate, 0.001)
	assert.InDelta(t, 2.5, k.AvgOccupancy, 0.001)
	assert.Equal(t, 7, k.PeakOccupancy)

	// Window bounds follow the period.
	assert.Equal(t, now.UnixMilli(), st.toMillis)
	assert.Equal(t, now.Add(-time.Hour).UnixMilli(), st.fromMillis)
}

func TestComputeEmptyWindow(t *testing.T) {
	st := &fakeStore{}
	k, err := Compute(context.Background(), st, "v1", "R1", PeriodDay, time.Now())
	require.NoError(t, err)

	assert.Zero(t, k.TotalVisits)
	assert.Zero(t, k.AvgDurationMs)
	assert.Zero(t, k.P95DurationMs)
	assert.Zero(t, k.AbandonRate)
}

func TestPeriodParsing(t *testing.T) {
	for p, want := range map[Period]time.Duration{
		PeriodHour: time.Hour,
		PeriodDay:  24 * time.Hour,
		PeriodWeek: 7 * 24 * time.Hour,
	} {
		d, err := p.Duration()
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if d != want {
			t.Errorf("%s = %v, want %v", p, d, want)
		}
	}

	if _, err := Period("month").Duration(); err == nil {
		t.Error("unknown period accepted")
	}
}
