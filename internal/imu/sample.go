// Package imu samples a 6-axis inertial sensor at high rate and keeps a
// bounded window of recent history for event detection.
package imu

// Sample is one timestamped 6-axis inertial reading. Acceleration is in
// g, rotation rate in degrees per second. Immutable once created.
type Sample struct {
	// Timestamp is seconds since the Unix epoch, with sub-millisecond
	// precision.
	Timestamp float64 `json:"ts"`

	AX float64 `json:"ax"`
	AY float64 `json:"ay"`
	AZ float64 `json:"az"`

	GX float64 `json:"gx"`
	GY float64 `json:"gy"`
	GZ float64 `json:"gz"`
}
