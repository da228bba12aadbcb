// Package roi defines regions of interest and the venue classification
// index. The index is rebuilt from the store on a refresh cadence and
// swapped atomically, so classification never blocks on a reload.
package roi

import (
	"fmt"

	"github.com/kestrel-data/floorsight/internal/geo"
)

// ZoneType categorises what an ROI means to the analytics engines.
type ZoneType string

const (
	ZoneBrowse   ZoneType = "browse"
	ZoneQueue    ZoneType = "queue"
	ZoneService  ZoneType = "service"
	ZoneEntrance ZoneType = "entrance"
	ZoneCustom   ZoneType = "custom"
)

// Valid reports whether the zone type is one of the known values.
func (z ZoneType) Valid() bool {
	switch z {
	case ZoneBrowse, ZoneQueue, ZoneService, ZoneEntrance, ZoneCustom:
		return true
	}
	return false
}

// ROI is a named polygon on a venue floor. IsOpen is meaningful for queue
// and service lanes; closed lanes still record visits but never open queue
// sessions.
type ROI struct {
	ID                string      `json:"id"`
	VenueID           string      `json:"venueId"`
	Name              string      `json:"name"`
	ZoneType          ZoneType    `json:"zoneType"`
	Polygon           geo.Polygon `json:"polygon"`
	Color             string      `json:"color,omitempty"`
	IsOpen            bool        `json:"isOpen"`
	CreatedUnixMillis int64       `json:"createdAt"`
	UpdatedUnixMillis int64       `json:"updatedAt"`
}

// Validate checks the fields a caller can get wrong on create or update.
func (r *ROI) Validate() error {
	if r.VenueID == "" {
		return fmt.Errorf("roi missing venueId")
	}
	if r.Name == "" {
		return fmt.Errorf("roi missing name")
	}
	if !r.ZoneType.Valid() {
		return fmt.Errorf("unknown zone type %q", r.ZoneType)
	}
	if err := r.Polygon.Validate(); err != nil {
		return fmt.Errorf("roi %q polygon: %w", r.Name, err)
	}
	return nil
}

// ZoneSettings are the per-ROI analytics thresholds. Nil fields fall back
// to venue defaults, then system defaults.
type ZoneSettings struct {
	RoiID                  string `json:"roiId"`
	DwellThresholdSec      *int   `json:"dwellThresholdSec,omitempty"`
	EngagementThresholdSec *int   `json:"engagementThresholdSec,omitempty"`
	VisitEndGraceSec       *int   `json:"visitEndGraceSec,omitempty"`
	MinVisitDurationSec    *int   `json:"minVisitDurationSec,omitempty"`
}

// VenueSettings are the venue-level threshold defaults, the middle layer of
// the resolution chain.
type VenueSettings struct {
	VenueID              string `json:"venueId"`
	DwellDefaultSec      *int   `json:"dwellDefaultSec,omitempty"`
	EngagementDefaultSec *int   `json:"engagementDefaultSec,omitempty"`
}

// ZoneLink pairs a queue ROI with the service ROI it feeds.
type ZoneLink struct {
	ID           string `json:"id"`
	VenueID      string `json:"venueId"`
	QueueRoiID   string `json:"queueRoiId"`
	ServiceRoiID string `json:"serviceRoiId"`
}
