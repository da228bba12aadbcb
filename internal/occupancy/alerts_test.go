package occupancy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/visits"
)

func newEvaluator(rules ...Rule) *Evaluator {
	e := NewEvaluator("v1", config.NewRuntime(config.Default().Tunables))
	e.SetRules(rules)
	return e
}

func occRule(id string, op Operator, threshold float64) Rule {
	return Rule{ID: id, VenueID: "v1", RoiID: "R1", Metric: MetricOccupancy, Operator: op, Threshold: threshold, Enabled: true}
}

func TestAlertFiresOnTransitionOnly(t *testing.T) {
	e := newEvaluator(occRule("rule_1", OpGT, 3))

	assert.Empty(t, e.OnOccupancyChange("R1", 3, 1000))

	alerts := e.OnOccupancyChange("R1", 4, 2000)
	require.Len(t, alerts, 1)
	assert.Equal(t, "rule_1", alerts[0].RuleID)
	assert.Equal(t, float64(4), alerts[0].Value)

	// Still true: no repeat while the predicate holds.
	assert.Empty(t, e.OnOccupancyChange("R1", 5, 3000))
	assert.Empty(t, e.OnOccupancyChange("R1", 6, 4000))
}

func TestAlertRearmsAfterQuietPeriod(t *testing.T) {
	e := newEvaluator(occRule("rule_1", OpGT, 3))

	require.Len(t, e.OnOccupancyChange("R1", 4, 0), 1)

	// Drops below threshold, but not for long enough.
	assert.Empty(t, e.OnOccupancyChange("R1", 2, 10_000))
	assert.Empty(t, e.OnOccupancyChange("R1", 5, 15_000), "only 10s of quiet")

	// Below threshold for the full re-arm window.
	assert.Empty(t, e.OnOccupancyChange("R1", 2, 20_000))
	assert.Empty(t, e.OnOccupancyChange("R1", 2, 45_000))
	alerts := e.OnOccupancyChange("R1", 4, 60_000)
	require.Len(t, alerts, 1, "re-armed after 30s below threshold")
}

func TestAlertRefiresWhenQuietSpansReadings(t *testing.T) {
	e := newEvaluator(occRule("rule_1", OpGT, 3))

	require.Len(t, e.OnOccupancyChange("R1", 4, 0), 1)
	assert.Empty(t, e.OnOccupancyChange("R1", 1, 1000))

	// Next reading is already past the re-arm window and true again.
	alerts := e.OnOccupancyChange("R1", 9, 40_000)
	require.Len(t, alerts, 1)
	assert.Equal(t, float64(9), alerts[0].Value)
}

func TestOperators(t *testing.T) {
	cases := []struct {
		op    Operator
		value float64
		want  bool
	}{
		{OpGT, 5, true}, {OpGT, 4, false},
		{OpGTE, 4, true}, {OpGTE, 3.9, false},
		{OpLT, 3, true}, {OpLT, 4, false},
		{OpLTE, 4, true}, {OpLTE, 4.1, false},
		{OpEQ, 4, true}, {OpEQ, 5, false},
	}
	for _, tc := range cases {
		if got := compare(tc.op, tc.value, 4); got != tc.want {
			t.Errorf("compare(%s, %v, 4) = %v, want %v", tc.op, tc.value, got, tc.want)
		}
	}
}

func TestDwellTimeRule(t *testing.T) {
	e := newEvaluator(Rule{
		ID: "rule_d", VenueID: "v1", RoiID: "R1",
		Metric: MetricDwellTime, Operator: OpGTE, Threshold: 60, Enabled: true,
	})

	v := visits.Visit{ID: "visit_1", VenueID: "v1", RoiID: "R1", DurationMs: 70_500}
	alerts := e.OnVisitClosed(v, 70_500)
	require.Len(t, alerts, 1)
	assert.InDelta(t, 70.5, alerts[0].Value, 0.001)

	short := visits.Visit{ID: "visit_2", VenueID: "v1", RoiID: "R1", DurationMs: 5000}
	// A 5s visit resets nothing; the rule stays fired until quiet long enough.
	assert.Empty(t, e.OnVisitClosed(short, 71_000))
}

type fakeSource struct {
	visits int
	avgMs  float64
	speed  float64
	tracks int
}

func (f fakeSource) VisitsInWindow(string, int64) int     { return f.visits }
func (f fakeSource) AvgTimeSpentMs(string, int64) float64 { return f.avgMs }
func (f fakeSource) MeanSpeedInROI(string) (float64, int) { return f.speed, f.tracks }

func TestTickMetrics(t *testing.T) {
	e := newEvaluator(
		Rule{ID: "rule_v", VenueID: "v1", RoiID: "R1", Metric: MetricVisits, Operator: OpGTE, Threshold: 10, Enabled: true},
		Rule{ID: "rule_a", VenueID: "v1", RoiID: "R1", Metric: MetricAvgTimeSpent, Operator: OpGT, Threshold: 30, Enabled: true},
		Rule{ID: "rule_s", VenueID: "v1", RoiID: "R1", Metric: MetricVelocity, Operator: OpLT, Threshold: 0.2, Enabled: true},
	)

	alerts := e.OnTick(fakeSource{visits: 12, avgMs: 45_000, speed: 0.1, tracks: 3}, 1000)
	require.Len(t, alerts, 3)
	assert.Equal(t, float64(12), alerts[0].Value)
	assert.InDelta(t, 45, alerts[1].Value, 0.001, "avgTimeSpent compares in seconds")
	assert.InDelta(t, 0.1, alerts[2].Value, 0.001)
}

func TestVelocitySkippedWithNoTracks(t *testing.T) {
	e := newEvaluator(Rule{
		ID: "rule_s", VenueID: "v1", RoiID: "R1",
		Metric: MetricVelocity, Operator: OpLT, Threshold: 0.2, Enabled: true,
	})
	// An empty ROI would trivially satisfy "slower than X"; it must not fire.
	assert.Empty(t, e.OnTick(fakeSource{speed: 0, tracks: 0}, 1000))
}

func TestDisabledRuleNeverFires(t *testing.T) {
	r := occRule("rule_1", OpGT, 0)
	r.Enabled = false
	e := newEvaluator(r)
	assert.Empty(t, e.OnOccupancyChange("R1", 100, 1000))
}

func TestSetRulesKeepsSurvivorState(t *testing.T) {
	e := newEvaluator(occRule("rule_1", OpGT, 3), occRule("rule_2", OpGT, 50))

	require.Len(t, e.OnOccupancyChange("R1", 4, 1000), 1)

	// Reload with rule_1 surviving: it must not re-fire on the same state.
	e.SetRules([]Rule{occRule("rule_1", OpGT, 3)})
	assert.Empty(t, e.OnOccupancyChange("R1", 4, 2000))

	// A removed and re-added rule starts fresh.
	e.SetRules(nil)
	e.SetRules([]Rule{occRule("rule_1", OpGT, 3)})
	require.Len(t, e.OnOccupancyChange("R1", 4, 3000), 1)
}

func TestRuleValidate(t *testing.T) {
	good := occRule("rule_1", OpGT, 3)
	if err := good.Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	bad := good
	bad.Metric = "temperature"
	assert.Error(t, bad.Validate())

	bad = good
	bad.Operator = "between"
	assert.Error(t, bad.Validate())

	bad = good
	bad.RoiID = ""
	assert.Error(t, bad.Validate())
}
