package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"nmea-bus/internal/geo"
	"nmea-bus/internal/nav"
)

// ScenarioScript is a deterministic, script-driven voyage.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10m").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 30m
//	vessel:
//	  keyframes:
//	    - t: 0s
//	      lat_deg: 47.0
//	      lon_deg: 9.0
//	      speed_kt: 6
//	      track_deg: 90
//	      heading_deg: 85   # optional, defaults to track_deg
//	route:
//	  name: R1
//	  waypoints:
//	    - name: A
//	      lat_deg: 47.0
//	      lon_deg: 9.1
//
// Keyframes must use non-decreasing t values. The route is optional and is announced
// as WPL and RTE sentences by the simulator.
type ScenarioScript struct {
	Version  int            `yaml:"version"`
	Duration time.Duration  `yaml:"duration"`
	Vessel   ScenarioVessel `yaml:"vessel"`
	Route    *ScenarioRoute `yaml:"route"`
}

type ScenarioVessel struct {
	Keyframes []Keyframe `yaml:"keyframes"`
}

// Keyframe is a time-stamped vessel state.
type Keyframe struct {
	T          time.Duration `yaml:"t"`
	LatDeg     float64       `yaml:"lat_deg"`
	LonDeg     float64       `yaml:"lon_deg"`
	SpeedKt    float64       `yaml:"speed_kt"`
	TrackDeg   float64       `yaml:"track_deg"`
	HeadingDeg *float64      `yaml:"heading_deg"`
}

type ScenarioRoute struct {
	Name      string             `yaml:"name"`
	Waypoints []ScenarioWaypoint `yaml:"waypoints"`
}

type ScenarioWaypoint struct {
	Name   string  `yaml:"name"`
	LatDeg float64 `yaml:"lat_deg"`
	LonDeg float64 `yaml:"lon_deg"`
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
	route    *nav.Route
	// Loop wraps elapsed time around Duration when used as a Motion.
	Loop bool
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	kfs := script.Vessel.Keyframes
	if len(kfs) == 0 {
		return nil, fmt.Errorf("vessel.keyframes is required")
	}
	for i := range kfs {
		if kfs[i].T < 0 {
			return nil, fmt.Errorf("vessel.keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kfs[i].T < kfs[i-1].T {
			return nil, fmt.Errorf("vessel.keyframes must be sorted by t (index %d)", i)
		}
		if !(geo.Position{Latitude: kfs[i].LatDeg, Longitude: kfs[i].LonDeg}).Valid() {
			return nil, fmt.Errorf("vessel.keyframes[%d] has an invalid position", i)
		}
		if kfs[i].SpeedKt < 0 {
			return nil, fmt.Errorf("vessel.keyframes[%d].speed_kt must be >= 0", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = kfs[len(kfs)-1].T
	}
	if dur <= 0 && len(kfs) > 1 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}

	s := &Scenario{script: script, duration: dur}
	if r := script.Route; r != nil {
		points := make([]nav.RoutePoint, 0, len(r.Waypoints))
		for i, wp := range r.Waypoints {
			if wp.Name == "" {
				return nil, fmt.Errorf("route.waypoints[%d].name is required", i)
			}
			points = append(points, nav.RoutePoint{
				Name:     wp.Name,
				Position: geo.Position{Latitude: wp.LatDeg, Longitude: wp.LonDeg},
			})
		}
		route, err := nav.NewRoute(r.Name, points)
		if err != nil {
			return nil, fmt.Errorf("route: %w", err)
		}
		s.route = route
	}
	return s, nil
}

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// Route is the scripted route, nil when the script has none.
func (s *Scenario) Route() *nav.Route {
	if s == nil {
		return nil
	}
	return s.route
}

// StateAt computes the vessel state at elapsed.
//
// If Loop is set, elapsed wraps around Duration(). Otherwise elapsed is clamped
// to [0, Duration()].
func (s *Scenario) StateAt(elapsed time.Duration) State {
	if s == nil {
		return State{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if s.Loop {
			elapsed = elapsed % s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}

	kf0, kf1, alpha := selectSegment(s.script.Vessel.Keyframes, elapsed)
	track := lerpAngleDeg(kf0.TrackDeg, kf1.TrackDeg, alpha)
	heading := lerpAngleDeg(headingOf(kf0), headingOf(kf1), alpha)
	return State{
		Position: geo.Position{
			Latitude:  lerp(kf0.LatDeg, kf1.LatDeg, alpha),
			Longitude: lerp(kf0.LonDeg, kf1.LonDeg, alpha),
		},
		SpeedKnots: lerp(kf0.SpeedKt, kf1.SpeedKt, alpha),
		Track:      track,
		Heading:    heading,
	}
}

func headingOf(k Keyframe) float64 {
	if k.HeadingDeg != nil {
		return *k.HeadingDeg
	}
	return k.TrackDeg
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerpAngleDeg interpolates along the shorter arc.
func lerpAngleDeg(a0, a1, t float64) float64 {
	a0 = geo.Normalize360(a0)
	a1 = geo.Normalize360(a1)
	return geo.Normalize360(a0 + geo.Difference(a1, a0)*t)
}
