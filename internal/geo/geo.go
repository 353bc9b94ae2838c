// Package geo implements the spherical-earth navigation math used by the bus:
// great-circle distance and bearing, cross-track error, forward projection and
// angle normalization. Distances are meters, angles are degrees.
package geo

import (
	"fmt"
	"math"
)

const (
	// EarthRadius is the mean earth radius in meters.
	EarthRadius = 6371000.0

	MetersPerNauticalMile = 1852.0
	// KnotsToMetersPerSecond converts a speed in knots to m/s.
	KnotsToMetersPerSecond = MetersPerNauticalMile / 3600.0

	rad = math.Pi / 180.0
)

// Position is a point on the earth surface in decimal degrees (WGS84).
type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Valid reports whether the coordinates are inside their ranges.
func (p Position) Valid() bool {
	return !math.IsNaN(p.Latitude) && !math.IsNaN(p.Longitude) &&
		p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

func (p Position) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Latitude, p.Longitude)
}

// Equal compares with a tolerance of about one centimeter.
func (p Position) Equal(o Position) bool {
	return math.Abs(p.Latitude-o.Latitude) < 1e-7 && math.Abs(p.Longitude-o.Longitude) < 1e-7
}

// DistanceAndBearing returns the great-circle distance from a to b and the initial bearing at a.
func DistanceAndBearing(a, b Position) (meters, bearing float64) {
	return Distance(a, b), Bearing(a, b)
}

// Distance is the haversine distance in meters.
func Distance(a, b Position) float64 {
	dlat := (b.Latitude - a.Latitude) * rad
	dlon := (b.Longitude - a.Longitude) * rad
	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(a.Latitude*rad)*math.Cos(b.Latitude*rad)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadius * c
}

// Bearing is the initial great-circle bearing from a to b, in [0, 360).
func Bearing(a, b Position) float64 {
	φ1 := a.Latitude * rad
	φ2 := b.Latitude * rad
	Δλ := (b.Longitude - a.Longitude) * rad
	y := math.Sin(Δλ) * math.Cos(φ2)
	x := math.Cos(φ1)*math.Sin(φ2) - math.Sin(φ1)*math.Cos(φ2)*math.Cos(Δλ)
	return Normalize360(math.Atan2(y, x) / rad)
}

// ProjectForward returns the position reached from p after distance meters on the initial bearing.
func ProjectForward(p Position, bearing, distance float64) Position {
	δ := distance / EarthRadius
	θ := bearing * rad
	φ1 := p.Latitude * rad
	λ1 := p.Longitude * rad

	φ2 := math.Asin(math.Sin(φ1)*math.Cos(δ) + math.Cos(φ1)*math.Sin(δ)*math.Cos(θ))
	λ2 := λ1 + math.Atan2(math.Sin(θ)*math.Sin(δ)*math.Cos(φ1), math.Cos(δ)-math.Sin(φ1)*math.Sin(φ2))

	return Position{
		Latitude:  φ2 / rad,
		Longitude: Normalize180(λ2 / rad),
	}
}

// CrossTrackError returns the signed distance of pos from the great circle through start and end
// (positive when pos is right of the track) and the remaining along-track distance to end.
func CrossTrackError(start, end, pos Position) (xte, distanceToGo float64) {
	d13 := Distance(start, pos) / EarthRadius
	θ13 := Bearing(start, pos) * rad
	θ12 := Bearing(start, end) * rad

	dxt := math.Asin(math.Sin(d13) * math.Sin(θ13-θ12))
	// Along-track distance from start to the closest point on the track.
	cos := math.Cos(dxt)
	dat := 0.0
	if cos != 0 {
		v := math.Cos(d13) / cos
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		dat = math.Acos(v)
		if math.Abs(Normalize180((θ13-θ12)/rad)) > 90 {
			dat = -dat
		}
	}
	total := Distance(start, end)
	return dxt * EarthRadius, total - dat*EarthRadius
}

// VelocityTowardsTarget returns the component of the speed over ground (any unit) that
// closes on target, given the vessel position and its track.
func VelocityTowardsTarget(target, pos Position, sog, track float64) float64 {
	b := Bearing(pos, target)
	return sog * math.Cos(Difference(track, b)*rad)
}

// Normalize360 maps an angle to [0, 360).
func Normalize360(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a -= 360
	}
	return a
}

// Normalize180 maps an angle to [-180, 180).
func Normalize180(a float64) float64 {
	a = Normalize360(a)
	if a >= 180 {
		a -= 360
	}
	return a
}

// Difference returns a-b normalized to [-180, 180).
func Difference(a, b float64) float64 {
	return Normalize180(a - b)
}

// TrueToMagnetic converts a true bearing using declination (east positive).
func TrueToMagnetic(trueBearing, declination float64) float64 {
	return Normalize360(trueBearing - declination)
}

// MagneticToTrue converts a magnetic bearing using declination (east positive).
func MagneticToTrue(magnetic, declination float64) float64 {
	return Normalize360(magnetic + declination)
}
