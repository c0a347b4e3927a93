package geo

import (
	"math"

	"github.com/example/taxi-dispatch/internal/models"
)

// Locate returns the id of the first district whose polygon contains the
// point. Districts are checked in slice order; when polygons overlap the
// earlier one wins, so the catalog order is the priority order. A polygon
// with fewer than 3 vertices is malformed and never matches.
func Locate(p models.Coord, districts []models.District) (string, bool) {
	for _, d := range districts {
		if Contains(d.Polygon, p) {
			return d.ID, true
		}
	}
	return "", false
}

// Contains reports whether the polygon contains the point, by ray casting.
// Points exactly on an edge may fall on either side.
func Contains(polygon []models.Coord, p models.Coord) bool {
	if len(polygon) < 3 {
		return false
	}
	inside := false
	j := len(polygon) - 1
	for i := 0; i < len(polygon); i++ {
		a, b := polygon[i], polygon[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
