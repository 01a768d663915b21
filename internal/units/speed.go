// Package units converts between the speed units the daemon meets:
// gpsd reports metres per second, NMEA sentences carry knots, and
// everything stored or published uses km/h.
package units

const (
	mpsToKPH   = 3.6
	knotsToKPH = 1.852
	kphToMPH   = 0.621371
)

// KPHFromMPS converts metres per second to km/h.
func KPHFromMPS(mps float64) float64 { return mps * mpsToKPH }

// KPHFromKnots converts knots to km/h.
func KPHFromKnots(knots float64) float64 { return knots * knotsToKPH }

// MPHFromKPH converts km/h to miles per hour, for display surfaces
// configured with imperial units.
func MPHFromKPH(kph float64) float64 { return kph * kphToMPH }
