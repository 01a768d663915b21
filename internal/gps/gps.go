// Package gps supplies vehicle position from either a gpsd daemon or a
// raw NMEA serial device. Position data is best effort; every consumer
// must cope with no fix.
package gps

import (
	"math"
	"sync"
)

// Position is one location fix.
type Position struct {
	Latitude   float64
	Longitude  float64
	SpeedKPH   float64
	HeadingDeg float64

	// Timestamp is Unix seconds of when the fix was received.
	Timestamp float64
}

// Provider serves the most recent fix. Implementations run their own
// read loop between Start and Stop.
type Provider interface {
	Start() error
	Stop()

	// Position returns the latest fix and whether one exists.
	Position() (Position, bool)
}

// DistanceKM returns the great-circle distance between two points in
// kilometres.
func DistanceKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	dlat := radians(lat2 - lat1)
	dlon := radians(lon2 - lon1)
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dlon/2)*math.Sin(dlon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// fixHolder is the shared latest-fix state embedded by providers.
type fixHolder struct {
	mu     sync.Mutex
	pos    Position
	hasFix bool
}

func (h *fixHolder) setFix(pos Position) {
	h.mu.Lock()
	h.pos = pos
	h.hasFix = true
	h.mu.Unlock()
}

func (h *fixHolder) clearFix() {
	h.mu.Lock()
	h.hasFix = false
	h.mu.Unlock()
}

func (h *fixHolder) Position() (Position, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos, h.hasFix
}
