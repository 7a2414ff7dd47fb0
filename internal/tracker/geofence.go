package tracker

import (
	geo "github.com/kellydunn/golang-geo"

	"github.com/yegors/co-ogn/internal/config"
	"github.com/yegors/co-ogn/internal/physics"
)

// Geofence decides which positions are recorded in the path history. A
// configured polygon takes precedence over the radius around the airfield.
type Geofence struct {
	polygon  *geo.Polygon
	lat, lon float64
	radiusM  float64
}

// NewGeofence builds the geofence from the airfield settings
func NewGeofence(af config.AirfieldConfig) *Geofence {
	g := &Geofence{
		lat:     af.Latitude,
		lon:     af.Longitude,
		radiusM: af.GeofenceRadiusKm * 1000,
	}

	if len(af.GeofencePolygon) >= 3 {
		points := make([]*geo.Point, 0, len(af.GeofencePolygon))
		for _, p := range af.GeofencePolygon {
			points = append(points, geo.NewPoint(p[0], p[1]))
		}
		g.polygon = geo.NewPolygon(points)
	}

	return g
}

// Contains reports whether a position lies inside the geofence
func (g *Geofence) Contains(lat, lon float64) bool {
	if g.polygon != nil {
		return g.polygon.Contains(geo.NewPoint(lat, lon))
	}
	return physics.DistanceMeters(g.lat, g.lon, lat, lon) <= g.radiusM
}
