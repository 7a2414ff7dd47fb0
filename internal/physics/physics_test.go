package physics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnitConversions(t *testing.T) {
	assert.InDelta(t, 18.52, KnotsToKilometersPerHour(10), 1e-9)
	assert.InDelta(t, 304.8, FeetToMetres(1000), 1e-9)
	assert.InDelta(t, 2.54, FeetPerMinuteToMetersPerSecond(500), 1e-9)
	assert.InDelta(t, 0.5, TurnRate(1), 1e-9)
	assert.InDelta(t, 0.5, TurnRate(-1), 1e-9)
	assert.GreaterOrEqual(t, TurnRate(-3.2), 0.0)
}

func TestDistanceMeters(t *testing.T) {
	// One minute of latitude is one nautical mile
	d := DistanceMeters(47.0, 8.0, 47.0+1.0/60.0, 8.0)
	assert.InDelta(t, 1853.2, d, 1.0)

	assert.Zero(t, DistanceMeters(47.3, 16.2, 47.3, 16.2))
}

func TestMagneticCourseIsNormalized(t *testing.T) {
	date := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, course := range []float64{0, 1, 180, 359} {
		c := MagneticCourse(course, 47.3, 16.2, 300, date)
		assert.GreaterOrEqual(t, c, 0.0)
		assert.Less(t, c, 360.0)
	}
}
