// Package geo measures great-circle distances between transaction locations.
package geo

import (
	"math"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/fraud-analyst/internal/model"
)

// EarthRadiusKM is the mean Earth radius used by Haversine.
const EarthRadiusKM = 6371.0

// Point converts a location to a go-geom point in (long, lat) order.
func Point(loc model.Location) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{loc.Long, loc.Lat})
}

// Haversine returns the great-circle distance in kilometers between two
// XY points whose coordinates are longitude and latitude in degrees:
// d = 2r·asin(√(sin²(Δφ/2) + cosφ1·cosφ2·sin²(Δλ/2))).
func Haversine(a, b *geom.Point) float64 {
	phi1 := radians(a.Y())
	phi2 := radians(b.Y())
	dPhi := radians(b.Y() - a.Y())
	dLambda := radians(b.X() - a.X())

	h := math.Pow(math.Sin(dPhi/2), 2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Pow(math.Sin(dLambda/2), 2)
	// Rounding can push h a hair above 1 for antipodal points.
	h = math.Min(1, h)
	return 2 * EarthRadiusKM * math.Asin(math.Sqrt(h))
}

// DistanceKM is Haversine over two model locations.
func DistanceKM(a, b model.Location) float64 {
	return Haversine(Point(a), Point(b))
}

// TravelSpeedKMH returns the speed needed to cover km in elapsed. A
// non-positive elapsed time yields +Inf for any non-zero distance.
func TravelSpeedKMH(km float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		if km == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return km / elapsed.Hours()
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
