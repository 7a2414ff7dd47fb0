package physics

import (
	"math"
	"time"

	geo "github.com/kellydunn/golang-geo"
	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// Conversion factors used by the beacon decoder
const (
	KnotsToKmh       = 1.852   // Knots to kilometers per hour
	FeetToMeters     = 0.3048  // Feet to meters
	FpmToMs          = 0.00508 // Feet per minute to meters per second
	RotToTurnsPerMin = 0.5     // OGN turn rate is reported in turns per 2 minutes

	EarthRadiusKm = 6371.0 // Mean earth radius used by the great-circle distance
)

// KnotsToKilometersPerHour converts a speed in knots to km/h
func KnotsToKilometersPerHour(knots float64) float64 {
	return knots * KnotsToKmh
}

// FeetToMetres converts an altitude in feet to meters
func FeetToMetres(feet float64) float64 {
	return feet * FeetToMeters
}

// FeetPerMinuteToMetersPerSecond converts a vertical speed in ft/min to m/s
func FeetPerMinuteToMetersPerSecond(fpm float64) float64 {
	return fpm * FpmToMs
}

// TurnRate converts an OGN turn rate (turns per 2 minutes) to turns per minute.
// The direction of the turn is not preserved.
func TurnRate(rot float64) float64 {
	return math.Abs(rot * RotToTurnsPerMin)
}

// ------------------------------------------------------------------------------------------------
// GEODESY
// ------------------------------------------------------------------------------------------------

// DistanceMeters returns the great-circle (haversine) distance between two
// positions in meters, on a sphere of radius EarthRadiusKm
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.NewPoint(lat1, lon1).GreatCircleDistance(geo.NewPoint(lat2, lon2)) * 1000
}

// CalculateMagneticVariation calculates the magnetic declination for a given position and time
// Returns declination in degrees (+East, -West)
func CalculateMagneticVariation(lat, lon, altM float64, date time.Time) float64 {
	loc := egm96.NewLocationGeodetic(lat, lon, altM)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		// Outside the model's validity: treat as no variation
		return 0.0
	}

	return mag.D()
}

// MagneticCourse converts a true course to a magnetic course using the local variation
func MagneticCourse(trueCourse, lat, lon, altM float64, date time.Time) float64 {
	heading := trueCourse - CalculateMagneticVariation(lat, lon, altM, date)

	// Normalize to 0-360
	heading = math.Mod(heading, 360)
	if heading < 0 {
		heading += 360
	}
	return heading
}
