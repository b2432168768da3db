// Package geo holds the great-circle helpers used by scan validation and
// fraud detection.
package geo

import (
	"math"
	"time"
)

// EarthRadiusMeters is the mean earth radius of the spherical model.
const EarthRadiusMeters = 6371000.0

// unknownEpsilon treats coordinates this close to (0,0) as missing.
const unknownEpsilon = 1e-9

// DistanceMeters returns the haversine distance between two coordinates.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// SpeedKmH converts a distance covered in elapsed time to km/h.
// A non-positive elapsed time yields +Inf for any non-zero distance.
func SpeedKmH(distanceMeters float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		if distanceMeters == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return (distanceMeters / 1000) / elapsed.Hours()
}

// IsUnknown reports whether a coordinate pair is the null island placeholder
// clients send when no fix is available.
func IsUnknown(lat, lon float64) bool {
	return math.Abs(lat) < unknownEpsilon && math.Abs(lon) < unknownEpsilon
}

// Near reports whether two coordinates match within tolerance degrees on both axes.
func Near(lat1, lon1, lat2, lon2, toleranceDeg float64) bool {
	return math.Abs(lat1-lat2) < toleranceDeg && math.Abs(lon1-lon2) < toleranceDeg
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

// Destination returns the point reached by travelling distanceMeters from
// (lat, lon) along the initial bearing in degrees clockwise from north.
func Destination(lat, lon, bearingDeg, distanceMeters float64) (float64, float64) {
	delta := distanceMeters / EarthRadiusMeters
	theta := toRadians(bearingDeg)
	phi1 := toRadians(lat)
	lambda1 := toRadians(lon)

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2),
	)
	return phi2 * 180 / math.Pi, lambda2 * 180 / math.Pi
}
