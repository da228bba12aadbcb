package occupancy

import (
	"fmt"
	"sync"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/visits"
)

// Metric names a value an alert rule can watch.
type Metric string

const (
	MetricOccupancy    Metric = "occupancy"
	MetricDwellTime    Metric = "dwellTime"    // seconds, per closed visit
	MetricVisits       Metric = "visits"       // opens in the trailing window
	MetricAvgTimeSpent Metric = "avgTimeSpent" // seconds, trailing window
	MetricVelocity     Metric = "velocity"     // mean m/s of tracks in the ROI
)

// Valid reports whether the metric is one of the known values.
func (m Metric) Valid() bool {
	switch m {
	case MetricOccupancy, MetricDwellTime, MetricVisits, MetricAvgTimeSpent, MetricVelocity:
		return true
	}
	return false
}

// Operator is the comparison an alert rule applies.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
)

// Valid reports whether the operator is one of the known values.
func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
		return true
	}
	return false
}

// Rule is one configured alert condition on an ROI metric.
type Rule struct {
	ID                string   `json:"id"`
	VenueID           string   `json:"venueId"`
	RoiID             string   `json:"roiId"`
	Metric            Metric   `json:"metric"`
	Operator          Operator `json:"operator"`
	Threshold         float64  `json:"threshold"`
	Enabled           bool     `json:"enabled"`
	CreatedUnixMillis int64    `json:"createdAt"`
	UpdatedUnixMillis int64    `json:"updatedAt"`
}

// Validate checks the rule fields.
func (r *Rule) Validate() error {
	if r.VenueID == "" {
		return fmt.Errorf("venueId must not be empty")
	}
	if r.RoiID == "" {
		return fmt.Errorf("roiId must not be empty")
	}
	if !r.Metric.Valid() {
		return fmt.Errorf("unknown metric %q", r.Metric)
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", r.Operator)
	}
	return nil
}

// Alert is one rule firing.
type Alert struct {
	RuleID       string   `json:"ruleId"`
	VenueID      string   `json:"venueId"`
	RoiID        string   `json:"roiId"`
	Metric       Metric   `json:"metric"`
	Operator     Operator `json:"operator"`
	Threshold    float64  `json:"threshold"`
	Value        float64  `json:"value"`
	TSUnixMillis int64    `json:"ts"`
}

// Message renders the ledger line for the alert.
func (a Alert) Message() string {
	return fmt.Sprintf("%s %s %s %g (value %g)", a.RoiID, a.Metric, a.Operator, a.Threshold, a.Value)
}

// MetricSource provides the tick-evaluated metric values. The tracker covers
// visits and avgTimeSpent; the aggregator covers velocity.
type MetricSource interface {
	VisitsInWindow(roiID string, nowMillis int64) int
	AvgTimeSpentMs(roiID string, nowMillis int64) float64
	MeanSpeedInROI(roiID string) (float64, int)
}

// ruleState carries the hysteresis of one rule. A rule fires on the
// false-to-true transition of its predicate and stays quiet until the
// predicate has read false for the re-arm window.
type ruleState struct {
	fired      bool
	falseSince int64
}

// Evaluator evaluates alert rules for one venue. The venue loop is the sole
// caller; SetRules may be called from the refresher goroutine.
type Evaluator struct {
	venueID string
	rt      *config.Runtime

	mu    sync.Mutex
	rules []Rule
	state map[string]*ruleState
}

// NewEvaluator returns an evaluator with no rules loaded.
func NewEvaluator(venueID string, rt *config.Runtime) *Evaluator {
	return &Evaluator{
		venueID: venueID,
		rt:      rt,
		state:   make(map[string]*ruleState),
	}
}

// SetRules replaces the rule set. Hysteresis state survives for rule IDs
// that remain.
func (e *Evaluator) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keep := make(map[string]bool, len(rules))
	for _, r := range rules {
		keep[r.ID] = true
	}
	for id := range e.state {
		if !keep[id] {
			delete(e.state, id)
		}
	}
	e.rules = append(e.rules[:0], rules...)
}

// OnOccupancyChange evaluates the occupancy rules of one ROI.
func (e *Evaluator) OnOccupancyChange(roiID string, occ int, tsMillis int64) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var alerts []Alert
	for _, r := range e.rules {
		if !r.Enabled || r.Metric != MetricOccupancy || r.RoiID != roiID {
			continue
		}
		if a := e.evalLocked(r, float64(occ), tsMillis); a != nil {
			alerts = append(alerts, *a)
		}
	}
	return alerts
}

// OnVisitClosed evaluates the dwellTime rules against the closed visit's
// duration in seconds.
func (e *Evaluator) OnVisitClosed(v visits.Visit, tsMillis int64) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var alerts []Alert
	for _, r := range e.rules {
		if !r.Enabled || r.Metric != MetricDwellTime || r.RoiID != v.RoiID {
			continue
		}
		if a := e.evalLocked(r, float64(v.DurationMs)/1000, tsMillis); a != nil {
			alerts = append(alerts, *a)
		}
	}
	return alerts
}

// OnTick evaluates the windowed metrics: visits, avgTimeSpent and velocity.
func (e *Evaluator) OnTick(src MetricSource, nowMillis int64) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var alerts []Alert
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		var value float64
		switch r.Metric {
		case MetricVisits:
			value = float64(src.VisitsInWindow(r.RoiID, nowMillis))
		case MetricAvgTimeSpent:
			value = src.AvgTimeSpentMs(r.RoiID, nowMillis) / 1000
		case MetricVelocity:
			speed, n := src.MeanSpeedInROI(r.RoiID)
			if n == 0 {
				continue // no tracks inside, nothing to compare
			}
			value = speed
		default:
			continue
		}
		if a := e.evalLocked(r, value, nowMillis); a != nil {
			alerts = append(alerts, *a)
		}
	}
	return alerts
}

func (e *Evaluator) evalLocked(r Rule, value float64, tsMillis int64) *Alert {
	st := e.state[r.ID]
	if st == nil {
		st = &ruleState{}
		e.state[r.ID] = st
	}
	pred := compare(r.Operator, value, r.Threshold)

	if st.fired {
		if !pred {
			if st.falseSince == 0 {
				st.falseSince = tsMillis
			} else if tsMillis-st.falseSince >= e.rt.RearmMs() {
				st.fired = false
				st.falseSince = 0
			}
			return nil
		}
		if st.falseSince != 0 && tsMillis-st.falseSince >= e.rt.RearmMs() {
			// Quiet long enough between readings; this is a fresh firing.
			st.falseSince = 0
			return e.alert(r, value, tsMillis)
		}
		st.falseSince = 0
		return nil
	}

	if pred {
		st.fired = true
		st.falseSince = 0
		return e.alert(r, value, tsMillis)
	}
	return nil
}

func (e *Evaluator) alert(r Rule, value float64, tsMillis int64) *Alert {
	return &Alert{
		RuleID:       r.ID,
		VenueID:      e.venueID,
		RoiID:        r.RoiID,
		Metric:       r.Metric,
		Operator:     r.Operator,
		Threshold:    r.Threshold,
		Value:        value,
		TSUnixMillis: tsMillis,
	}
}

func compare(op Operator, value, threshold float64) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	}
	return false
}
