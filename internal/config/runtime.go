package config

import (
	"fmt"
	"sync"
)

// TunablesPatch is a partial update to the runtime tunables. Nil fields are
// left unchanged, so partial JSON bodies are safe.
type TunablesPatch struct {
	VisitEndGraceSec     *int `json:"visitEndGraceSec,omitempty"`
	MinVisitDurationSec  *int `json:"minVisitDurationSec,omitempty"`
	ServiceLingerSec     *int `json:"serviceLingerSec,omitempty"`
	DwellDefaultSec      *int `json:"dwellDefaultSec,omitempty"`
	EngagementDefaultSec *int `json:"engagementDefaultSec,omitempty"`
	AlertRearmSec        *int `json:"alertRearmSec,omitempty"`
}

// Runtime holds the tunables that may change while the process runs. Engines
// read through the millisecond getters on every use, so updates take effect
// on the next sample without a restart.
type Runtime struct {
	mu sync.RWMutex
	t  Tunables
}

// NewRuntime returns a Runtime seeded with the given tunables.
func NewRuntime(t Tunables) *Runtime {
	return &Runtime{t: t}
}

// Snapshot returns a copy of the current tunables.
func (r *Runtime) Snapshot() Tunables {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.t
}

// Apply merges the patch into the current tunables after validation. The
// update is all-or-nothing.
func (r *Runtime) Apply(p TunablesPatch) (Tunables, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.t
	if p.VisitEndGraceSec != nil {
		next.VisitEndGraceSec = *p.VisitEndGraceSec
	}
	if p.MinVisitDurationSec != nil {
		next.MinVisitDurationSec = *p.MinVisitDurationSec
	}
	if p.ServiceLingerSec != nil {
		next.ServiceLingerSec = *p.ServiceLingerSec
	}
	if p.DwellDefaultSec != nil {
		next.DwellDefaultSec = *p.DwellDefaultSec
	}
	if p.EngagementDefaultSec != nil {
		next.EngagementDefaultSec = *p.EngagementDefaultSec
	}
	if p.AlertRearmSec != nil {
		next.AlertRearmSec = *p.AlertRearmSec
	}
	if err := next.Validate(); err != nil {
		return r.t, fmt.Errorf("rejected config update: %w", err)
	}
	r.t = next
	return next, nil
}

// GraceMs returns the visit end grace in milliseconds.
func (r *Runtime) GraceMs() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(r.t.VisitEndGraceSec) * 1000
}

// MinVisitMs returns the minimum visit duration in milliseconds.
func (r *Runtime) MinVisitMs() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(r.t.MinVisitDurationSec) * 1000
}

// LingerMs returns the service linger window in milliseconds.
func (r *Runtime) LingerMs() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(r.t.ServiceLingerSec) * 1000
}

// DwellDefaultSec returns the system default dwell threshold in seconds.
func (r *Runtime) DwellDefaultSec() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.t.DwellDefaultSec
}

// EngagementDefaultSec returns the system default engagement threshold in
// seconds.
func (r *Runtime) EngagementDefaultSec() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.t.EngagementDefaultSec
}

// RearmMs returns the alert re-arm quiescence window in milliseconds.
func (r *Runtime) RearmMs() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(r.t.AlertRearmSec) * 1000
}
