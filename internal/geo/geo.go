// Package geo computes incremental distances between consecutive position samples.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371008.8

// Anomaly flags a sample whose increment could not be computed normally.
type Anomaly int

const (
	AnomalyNone Anomaly = iota
	// AnomalyOdometerRegression means the odometer went backwards (reset or corrupt reading).
	AnomalyOdometerRegression
	// AnomalyInvalidCoordinates means one of the fixes was not a valid lat/lon pair.
	AnomalyInvalidCoordinates
)

// String returns the label used in logs and metrics.
func (a Anomaly) String() string {
	switch a {
	case AnomalyOdometerRegression:
		return "odometer_regression"
	case AnomalyInvalidCoordinates:
		return "invalid_coordinates"
	default:
		return "none"
	}
}

// Sample is the subset of a position needed to measure distance.
type Sample struct {
	Latitude  float64
	Longitude float64
	Odometer  *float64 // meters
}

// Haversine returns the great-circle distance in meters between two fixes.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// ValidCoordinates reports whether lat/lon are finite and inside their ranges.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Increment returns the distance in meters to add to a trip when moving from
// prev to next. The odometer delta wins when both samples carry one; a
// negative delta is clamped to zero and flagged. Otherwise the haversine
// distance is used. Invalid coordinates yield zero and a flag.
func Increment(prev, next Sample) (float64, Anomaly) {
	if prev.Odometer != nil && next.Odometer != nil {
		delta := *next.Odometer - *prev.Odometer
		if math.IsNaN(delta) || math.IsInf(delta, 0) {
			return 0, AnomalyOdometerRegression
		}
		if delta < 0 {
			return 0, AnomalyOdometerRegression
		}
		return delta, AnomalyNone
	}

	if !ValidCoordinates(prev.Latitude, prev.Longitude) || !ValidCoordinates(next.Latitude, next.Longitude) {
		return 0, AnomalyInvalidCoordinates
	}

	return Haversine(prev.Latitude, prev.Longitude, next.Latitude, next.Longitude), AnomalyNone
}

// OffsetNorth returns the latitude reached by moving meters due north from lat.
// Used to lay out synthetic tracks with known spacing.
func OffsetNorth(lat, meters float64) float64 {
	return lat + (meters/EarthRadiusMeters)*180/math.Pi
}
