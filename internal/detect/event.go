// Package detect turns the inertial sample stream into discrete driving
// events.
package detect

import (
	"github.com/google/uuid"

	"github.com/rallykit/dashd/internal/imu"
)

// EventType is a closed enum of detectable driving events.
type EventType int

const (
	// EventHardBrake fires on sustained forward deceleration.
	EventHardBrake EventType = iota

	// EventBigCorner fires on sustained lateral acceleration.
	EventBigCorner

	// EventHighG fires on combined lateral+longitudinal magnitude.
	EventHighG

	// EventRoughRoad fires on sustained vertical-axis variance.
	EventRoughRoad

	// EventManual is synthesized for a button or signal trigger.
	EventManual

	// EventBoot is synthesized once at startup.
	EventBoot
)

// String returns the wire/storage name of the event type.
func (t EventType) String() string {
	switch t {
	case EventHardBrake:
		return "hard_brake"
	case EventBigCorner:
		return "big_corner"
	case EventHighG:
		return "high_g"
	case EventRoughRoad:
		return "rough_road"
	case EventManual:
		return "manual"
	case EventBoot:
		return "boot"
	default:
		return "unknown"
	}
}

// Event is one completed driving event. The detector fills the kinematic
// fields; the engine and its collaborators attach context afterwards.
type Event struct {
	ID   string
	Type EventType

	// StartTime and EndTime are sample timestamps in Unix seconds.
	StartTime float64
	EndTime   float64

	// PeakValue is the peak magnitude of the triggering signal, in the
	// signal's own units (g for the threshold types, g of stddev for
	// rough road).
	PeakValue float64

	// PeakAX, PeakAY, PeakAZ are the acceleration axes at the peak
	// sample.
	PeakAX float64
	PeakAY float64
	PeakAZ float64

	// Samples is the pre-event lookback window from the ring buffer,
	// extended by the engine with post-event samples before persisting.
	Samples []imu.Sample

	// Enrichment attached by the location collaborator; nil when
	// unavailable.
	Latitude   *float64
	Longitude  *float64
	SpeedKPH   *float64
	DistFromKM *float64
	DistToKM   *float64
}

// NewSyntheticEvent builds a manual or boot event at the given time.
func NewSyntheticEvent(t EventType, ts float64) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		StartTime: ts,
		EndTime:   ts,
	}
}
