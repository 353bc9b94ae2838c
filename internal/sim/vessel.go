// Package sim produces synthetic vessel data for running the bus without instruments.
package sim

import (
	"math"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"nmea-bus/internal/geo"
)

var log = logging.Logger("nmea-bus/sim")

// State is the simulated vessel at one instant.
type State struct {
	Position   geo.Position
	SpeedKnots float64
	// Track is the course over ground, Heading the direction the bow points. Both true.
	Track   float64
	Heading float64
}

// Motion yields the vessel state elapsed after the start of the simulation.
type Motion interface {
	StateAt(elapsed time.Duration) State
}

// FigureEight sails a deterministic figure-eight around Center.
type FigureEight struct {
	Center   geo.Position
	RadiusNm float64
	Period   time.Duration
}

func (s FigureEight) defaults() (time.Duration, float64) {
	period := s.Period
	if period <= 0 {
		period = 20 * time.Minute
	}
	radiusNm := s.RadiusNm
	if radiusNm <= 0 {
		radiusNm = 0.5
	}
	return period, radiusNm
}

// StateAt follows x = cos(2πt), y = 0.5*sin(4πt) scaled to the radius, so the vessel stays
// within RadiusNm of the center. Speed and track come from the instantaneous velocity.
func (s FigureEight) StateAt(elapsed time.Duration) State {
	period, radiusNm := s.defaults()
	radiusDeg := radiusNm / 60.0

	phase := float64(elapsed.Nanoseconds()%period.Nanoseconds()) / float64(period.Nanoseconds())
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	lat := s.Center.Latitude + radiusDeg*y
	lon := s.Center.Longitude + (radiusDeg*x)/math.Cos(s.Center.Latitude*math.Pi/180.0)

	// d/dt of the unit path, in cycles per period.
	vx := -2 * math.Pi * math.Sin(w)
	vy := 2 * math.Pi * math.Cos(2*w)
	track := geo.Normalize360(math.Atan2(vx, vy) * 180 / math.Pi)
	speed := radiusNm * math.Hypot(vx, vy) / period.Hours()

	return State{
		Position:   geo.Position{Latitude: lat, Longitude: lon},
		SpeedKnots: speed,
		Track:      track,
		Heading:    track,
	}
}

// DeadReckoning moves at constant speed on a track that can be changed while running, the
// way a vessel reacts to a steering command.
type DeadReckoning struct {
	mu      sync.Mutex
	pos     geo.Position
	speed   float64
	track   float64
	elapsed time.Duration
}

func NewDeadReckoning(start geo.Position, speedKnots, track float64) *DeadReckoning {
	return &DeadReckoning{pos: start, speed: speedKnots, track: geo.Normalize360(track)}
}

// StateAt advances the vessel from the previously requested instant. Earlier instants
// return the current state unchanged.
func (d *DeadReckoning) StateAt(elapsed time.Duration) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dt := elapsed - d.elapsed; dt > 0 {
		meters := d.speed * geo.KnotsToMetersPerSecond * dt.Seconds()
		d.pos = geo.ProjectForward(d.pos, d.track, meters)
		d.elapsed = elapsed
	}
	return State{Position: d.pos, SpeedKnots: d.speed, Track: d.track, Heading: d.track}
}

// Steer changes the track for the following movement.
func (d *DeadReckoning) Steer(track float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.track = geo.Normalize360(track)
}

func (d *DeadReckoning) SetSpeed(knots float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speed = knots
}
