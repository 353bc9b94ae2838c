// Package nav derives navigation state from the sentence cache: the best current position,
// the active route and the autopilot control loop that steers along it.
package nav

import (
	"errors"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"nmea-bus/internal/geo"
)

var log = logging.Logger("nmea-bus/nav")

var (
	ErrDuplicateWaypoint = errors.New("waypoint names in a route must be unique")
	ErrInvalidWaypoint   = errors.New("waypoint must have a name and a valid position")
	ErrEmptyRoute        = errors.New("route must have at least one point")
)

// RoutePoint is one waypoint of a Route. Two points are equal when name and position match.
type RoutePoint struct {
	RouteName   string       `json:"route"`
	Name        string       `json:"name"`
	Position    geo.Position `json:"position"`
	Index       int          `json:"index"`
	TotalPoints int          `json:"total"`
	// Bearing and distance to the following point; zero on the last point.
	BearingToNext  float64 `json:"bearing_to_next"`
	DistanceToNext float64 `json:"distance_to_next_m"`
	HasNext        bool    `json:"has_next"`
}

func (p RoutePoint) Equal(o RoutePoint) bool {
	return p.Name == o.Name && p.Position.Equal(o.Position)
}

func (p RoutePoint) valid() bool {
	return strings.TrimSpace(p.Name) != "" && p.Position.Valid()
}

// Route is an ordered list of uniquely named waypoints with a cursor on the next one.
// Route is not safe for concurrent mutation.
type Route struct {
	name   string
	points []RoutePoint
	next   int
}

// NewRoute validates points and computes the leg metadata. The cursor starts on the first point.
func NewRoute(name string, points []RoutePoint) (*Route, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("route name must not be empty")
	}
	if len(points) == 0 {
		return nil, ErrEmptyRoute
	}
	pts := make([]RoutePoint, len(points))
	copy(pts, points)
	if err := checkPoints(pts); err != nil {
		return nil, err
	}
	computeMetadata(name, pts)
	return &Route{name: name, points: pts}, nil
}

// NewRouteFromPositions names the points WP0, WP1, ...
func NewRouteFromPositions(name string, positions ...geo.Position) (*Route, error) {
	pts := make([]RoutePoint, len(positions))
	for i, p := range positions {
		pts[i] = RoutePoint{Name: fmt.Sprintf("WP%d", i), Position: p}
	}
	return NewRoute(name, pts)
}

func checkPoints(pts []RoutePoint) error {
	seen := make(map[string]bool, len(pts))
	for _, p := range pts {
		if !p.valid() {
			return fmt.Errorf("%w: %q", ErrInvalidWaypoint, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateWaypoint, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func computeMetadata(routeName string, pts []RoutePoint) {
	for i := range pts {
		pts[i].RouteName = routeName
		pts[i].Index = i
		pts[i].TotalPoints = len(pts)
		pts[i].HasNext = i < len(pts)-1
		pts[i].BearingToNext, pts[i].DistanceToNext = 0, 0
		if pts[i].HasNext {
			pts[i].DistanceToNext, pts[i].BearingToNext = geo.DistanceAndBearing(pts[i].Position, pts[i+1].Position)
		}
	}
}

func (r *Route) Name() string { return r.name }

// Points returns a copy of the waypoints.
func (r *Route) Points() []RoutePoint {
	out := make([]RoutePoint, len(r.points))
	copy(out, r.points)
	return out
}

func (r *Route) Len() int { return len(r.points) }

// StartPoint is the first waypoint.
func (r *Route) StartPoint() RoutePoint { return r.points[0] }

// NextPoint returns the point under the cursor.
func (r *Route) NextPoint() (RoutePoint, bool) {
	if r.next < 0 || r.next >= len(r.points) {
		return RoutePoint{}, false
	}
	return r.points[r.next], true
}

// SetNextPoint moves the cursor to the point at pos. It reports false if no point matches.
func (r *Route) SetNextPoint(pos geo.Position) bool {
	for i, p := range r.points {
		if p.Position.Equal(pos) {
			r.next = i
			return true
		}
	}
	return false
}

// AddPoint appends p. The route is unchanged if p is invalid or its name is taken.
func (r *Route) AddPoint(p RoutePoint) error {
	next := make([]RoutePoint, len(r.points), len(r.points)+1)
	copy(next, r.points)
	next = append(next, p)
	if err := checkPoints(next); err != nil {
		return err
	}
	computeMetadata(r.name, next)
	r.points = next
	return nil
}
