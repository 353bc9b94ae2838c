package nav

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/cache"
	"nmea-bus/internal/geo"
	"nmea-bus/internal/nmea"
)

// ErrorState describes the outcome of the last navigation cycle.
type ErrorState int

const (
	Unknown ErrorState = iota
	NoRoute
	RoutePresent
	WaypointsWithoutPosition
	RouteWithDuplicateWaypoints
	NoPosition
	OperatingAsMaster
	OperatingAsSlave
	DirectGoto
	InvalidNextWaypoint
)

var errorStateNames = [...]string{
	Unknown:                     "Unknown",
	NoRoute:                     "NoRoute",
	RoutePresent:                "RoutePresent",
	WaypointsWithoutPosition:    "WaypointsWithoutPosition",
	RouteWithDuplicateWaypoints: "RouteWithDuplicateWaypoints",
	NoPosition:                  "NoPosition",
	OperatingAsMaster:           "OperatingAsMaster",
	OperatingAsSlave:            "OperatingAsSlave",
	DirectGoto:                  "DirectGoto",
	InvalidNextWaypoint:         "InvalidNextWaypoint",
}

func (e ErrorState) String() string {
	if e >= 0 && int(e) < len(errorStateNames) {
		return errorStateNames[e]
	}
	return fmt.Sprintf("ErrorState(%d)", int(e))
}

func (e ErrorState) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *ErrorState) UnmarshalText(b []byte) error {
	for i, n := range errorStateNames {
		if n == string(b) {
			*e = ErrorState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown error state %q", b)
}

const (
	DefaultPeriod                 = 200 * time.Millisecond
	DefaultWaypointSwitchDistance = 200.0

	declinationRefreshLoops = 100
	declinationWarnLoops    = 50
)

type AutopilotConfig struct {
	// Period between two navigation cycles.
	Period time.Duration
	// WaypointSwitchDistance is the arrival radius in meters.
	WaypointSwitchDistance float64
	// Source restricts the position input to one endpoint. Empty accepts all.
	Source string
	// Talker of the generated sentences, defaults to nmea.OwnTalker.
	Talker nmea.TalkerID
	Now    func() time.Time
}

// AutopilotStatus is a snapshot of the controller for display.
type AutopilotStatus struct {
	State        ErrorState  `json:"state"`
	Running      bool        `json:"running"`
	Next         *RoutePoint `json:"next,omitempty"`
	Origin       *RoutePoint `json:"origin,omitempty"`
	Route        string      `json:"route,omitempty"`
	DistanceNm   float64     `json:"distance_nm"`
	BearingTrue  float64     `json:"bearing_true"`
	CrossTrackNm float64     `json:"xte_nm"`
	Declination  *float64    `json:"declination,omitempty"`
	Fix          *Fix        `json:"fix,omitempty"`
	Loops        int         `json:"loops"`
}

// AutopilotController follows a route and publishes the navigation sentences an autopilot
// needs (RMB, XTE, VTG, BWC, BOD, plus WPL and RTE). When another device already publishes
// RMB it only fills in what is missing.
type AutopilotController struct {
	cfg       AutopilotConfig
	output    bus.SinkSource
	cache     *cache.SentenceCache
	ownsCache bool
	provider  *PositionProvider

	mu            sync.Mutex
	state         ErrorState
	declination   *float64
	selfNav       bool
	manualNext    *RoutePoint
	activeRoute   *Route
	currentOrigin *RoutePoint
	knownNext     *RoutePoint
	status        AutopilotStatus

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewAutopilotController reads from c and writes to output. When c is nil the controller
// builds its own cache attached to input, and clears it on Stop.
func NewAutopilotController(input, output bus.SinkSource, c *cache.SentenceCache, cfg AutopilotConfig) *AutopilotController {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.WaypointSwitchDistance <= 0 {
		cfg.WaypointSwitchDistance = DefaultWaypointSwitchDistance
	}
	if cfg.Talker == "" {
		cfg.Talker = nmea.OwnTalker
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	a := &AutopilotController{cfg: cfg, output: output, cache: c}
	if a.cache == nil {
		a.cache = cache.New(cache.Config{Now: cfg.Now})
		a.ownsCache = true
		if input != nil {
			a.cache.Attach(input)
		}
	}
	a.provider = NewPositionProvider(a.cache)
	return a
}

func (a *AutopilotController) Cache() *cache.SentenceCache { return a.cache }

// Start runs the navigation loop until ctx is cancelled or Stop is called.
func (a *AutopilotController) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return bus.ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	go a.loop(ctx, a.done)
	log.Infof("autopilot controller started, period %s", a.cfg.Period)
	return nil
}

func (a *AutopilotController) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(a.cfg.Period)
	defer t.Stop()
	loops := 0
	for {
		a.CalculateNewStatus(loops, a.cfg.Now())
		loops++
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Stop waits for the loop to exit. It is a no-op when not running.
func (a *AutopilotController) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done

	if a.ownsCache {
		a.cache.Detach()
		a.cache.Clear()
	}
	a.mu.Lock()
	a.declination = nil
	a.mu.Unlock()
	log.Infof("autopilot controller stopped")
	return nil
}

// ActivateRoute makes the controller follow r, starting at its next point.
func (a *AutopilotController) ActivateRoute(r *Route) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeRoute = r
	next, ok := r.NextPoint()
	if !ok {
		next = r.StartPoint()
	}
	a.manualNext = &next
}

// DisableActiveRoute returns to following the route found on the bus.
func (a *AutopilotController) DisableActiveRoute() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeRoute = nil
	a.manualNext = nil
}

func (a *AutopilotController) State() ErrorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AutopilotController) Status() AutopilotStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.status
	st.State = a.state
	st.Running = a.running
	if a.declination != nil {
		d := *a.declination
		st.Declination = &d
	}
	return st
}

func (a *AutopilotController) send(s nmea.Sentence) {
	if err := a.output.Send(nil, s); err != nil {
		log.Debugf("autopilot output %s: %v", s.ID(), err)
	}
}

// CalculateNewStatus runs one navigation cycle. loops counts the cycles since Start.
func (a *AutopilotController) CalculateNewStatus(loops int, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.Loops = loops

	var leg *nmea.RMB
	passedWp := false
	if s, ok := a.cache.LastSentence(nmea.IDRMB); ok {
		if rmb, ok := s.(*nmea.RMB); ok && rmb.Valid() {
			leg = rmb
			passedWp = rmb.Arrived
			if a.selfNav {
				a.manualNext = nil
				a.selfNav = false
			}
			a.state = OperatingAsSlave
		}
	}

	if a.declination == nil || loops%declinationRefreshLoops == 0 {
		a.declination = a.findDeclination()
	}
	if a.declination == nil {
		if loops%declinationWarnLoops == 0 {
			log.Warnf("autopilot: no magnetic variation known, waiting for HDG or RMC")
		}
		return
	}
	decl := *a.declination

	fix, ok := a.provider.CurrentPosition(a.cfg.Source, false, now)
	if !ok {
		a.state = NoPosition
		return
	}
	a.status.Fix = &fix

	var route []RoutePoint
	if a.activeRoute != nil {
		route = a.activeRoute.Points()
	} else {
		var rs ErrorState
		rs, route = a.provider.CurrentRoute()
		if rs != RoutePresent {
			route = nil
		}
	}

	var previousName, nextName string
	var next, previous *RoutePoint
	switch {
	case len(route) == 0 && leg == nil:
		a.state = NoRoute
		a.status.Next, a.status.Origin, a.status.Route = nil, nil, ""
		return
	case len(route) == 0:
		if leg.Target == nil {
			a.state = InvalidNextWaypoint
			return
		}
		a.state = DirectGoto
		p := RoutePoint{RouteName: "Goto", Name: leg.Destination, Position: *leg.Target, TotalPoints: 1}
		next = &p
		previousName, nextName = leg.Origin, leg.Destination
	case leg != nil:
		previousName, nextName = leg.Origin, leg.Destination
		if leg.Target != nil {
			for i := range route {
				if route[i].Position.Equal(*leg.Target) {
					next = &route[i]
					break
				}
			}
		}
	default:
		a.selfNav = true
		if a.manualNext == nil {
			first := route[0]
			a.manualNext = &first
		} else if a.hasPassedWaypoint(fix.Position, fix.Track, route) {
			passedWp = true
			if a.manualNext == nil {
				log.Infof("autopilot: end of route %s reached", route[len(route)-1].RouteName)
			}
		}
		if a.manualNext != nil {
			for i := range route {
				if route[i].Equal(*a.manualNext) {
					next = &route[i]
					break
				}
			}
			if next != nil && next.Index > 0 {
				previousName = route[next.Index-1].Name
			}
			if next != nil {
				nextName = next.Name
			}
		}
		a.state = OperatingAsMaster
	}

	if next != nil && (a.knownNext == nil || !a.knownNext.Position.Equal(next.Position)) {
		n := *next
		a.knownNext = &n
		a.currentOrigin = nil
	}

	for i := range route {
		if previousName != "" && route[i].Name == previousName {
			previous = &route[i]
			break
		}
	}
	if previous == nil {
		if a.currentOrigin == nil {
			a.currentOrigin = &RoutePoint{RouteName: "Goto", Name: "Origin", Position: fix.Position, TotalPoints: 1}
		}
		previous = a.currentOrigin
	} else {
		a.currentOrigin = nil
	}

	if next == nil {
		a.state = InvalidNextWaypoint
		a.status.Next = nil
		return
	}
	if previousName == "" {
		previousName = previous.Name
	}
	if nextName == "" {
		nextName = next.Name
	}

	distance, bearing := geo.DistanceAndBearing(fix.Position, next.Position)
	approach := geo.VelocityTowardsTarget(next.Position, fix.Position, fix.SpeedKnots, fix.Track)
	legBearing := geo.Bearing(previous.Position, next.Position)
	xte, _ := geo.CrossTrackError(previous.Position, next.Position, fix.Position)

	distanceNm := distance / geo.MetersPerNauticalMile
	xteNm := xte / geo.MetersPerNauticalMile
	bearingMag := geo.TrueToMagnetic(bearing, decl)
	legBearingMag := geo.TrueToMagnetic(legBearing, decl)
	target := next.Position

	talker := a.cfg.Talker
	a.send(&nmea.RMB{
		Header:          nmea.NewHeader(talker, now),
		CrossTrackError: xteNm,
		Origin:          previousName,
		Destination:     nextName,
		Target:          &target,
		DistanceNm:      &distanceNm,
		BearingTrue:     &bearing,
		ApproachSpeed:   &approach,
		Arrived:         passedWp,
	})
	a.send(&nmea.XTE{Header: nmea.NewHeader(talker, now), CrossTrackError: xteNm})
	a.send(nmea.NewVTG(talker, now, fix.Track, geo.TrueToMagnetic(fix.Track, decl), fix.SpeedKnots))
	a.send(&nmea.BWC{
		Header:          nmea.NewHeader(talker, now),
		Target:          &target,
		BearingTrue:     &bearing,
		BearingMagnetic: &bearingMag,
		DistanceNm:      &distanceNm,
		Waypoint:        nextName,
	})
	a.send(&nmea.BOD{
		Header:          nmea.NewHeader(talker, now),
		BearingTrue:     &legBearing,
		BearingMagnetic: &legBearingMag,
		Destination:     nextName,
		Origin:          previousName,
	})

	if loops%2 == 0 {
		points := route
		if len(points) == 0 {
			points = []RoutePoint{*previous, *next}
		}
		for _, s := range RouteSentences(talker, now, points) {
			a.send(s)
		}
	}

	n, o := *next, *previous
	a.status.Next, a.status.Origin = &n, &o
	a.status.Route = next.RouteName
	a.status.DistanceNm = distanceNm
	a.status.BearingTrue = bearing
	a.status.CrossTrackNm = xteNm
}

// findDeclination prefers HDG and falls back to the RMC variation.
func (a *AutopilotController) findDeclination() *float64 {
	if s, ok := a.cache.LastSentence(nmea.IDHDG); ok {
		if hdg, ok := s.(*nmea.HDG); ok && hdg.Declination != nil {
			d := *hdg.Declination
			return &d
		}
	}
	if s, ok := a.cache.LastSentence(nmea.IDRMC); ok {
		if rmc, ok := s.(*nmea.RMC); ok && rmc.Variation != nil {
			d := *rmc.Variation
			return &d
		}
	}
	return nil
}

// RouteSentences produces a WPL per point and the route as RTE fragments of three names.
func RouteSentences(talker nmea.TalkerID, now time.Time, points []RoutePoint) []nmea.Sentence {
	const perFragment = 3
	out := make([]nmea.Sentence, 0, len(points)+len(points)/perFragment+1)
	for _, p := range points {
		out = append(out, nmea.NewWPL(talker, now, p.Position, p.Name))
	}
	total := int(math.Ceil(float64(len(points)) / perFragment))
	for seq := 1; seq <= total; seq++ {
		end := seq * perFragment
		if end > len(points) {
			end = len(points)
		}
		names := make([]string, 0, perFragment)
		for _, p := range points[(seq-1)*perFragment : end] {
			names = append(names, p.Name)
		}
		out = append(out, nmea.NewRTE(talker, now, total, seq, points[0].RouteName, names))
	}
	return out
}

// HasPassedWaypoint reports whether the vessel at pos, moving on cog, has reached the
// current target of the route and advances the target if so. It must not be called
// concurrently with a running controller.
func (a *AutopilotController) HasPassedWaypoint(pos geo.Position, cog float64, route []RoutePoint) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasPassedWaypoint(pos, cog, route)
}

// SetNextWaypoint sets the current target used by HasPassedWaypoint.
func (a *AutopilotController) SetNextWaypoint(p *RoutePoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.manualNext = p
}

func (a *AutopilotController) NextWaypoint() *RoutePoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.manualNext == nil {
		return nil
	}
	p := *a.manualNext
	return &p
}

// hasPassedWaypoint: the target counts as reached inside the switch distance, or when the
// vessel is closer to the following leg than to the current one while heading away from
// the target. On reaching the last point the target becomes nil.
func (a *AutopilotController) hasPassedWaypoint(pos geo.Position, cog float64, route []RoutePoint) bool {
	if a.manualNext == nil {
		return false
	}
	idx := -1
	for i := range route {
		if route[i].Equal(*a.manualNext) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	next := route[idx]

	var previous, afterNext *RoutePoint
	if idx == 0 {
		previous = a.currentOrigin
	} else {
		previous = &route[idx-1]
	}
	if idx < len(route)-1 {
		afterNext = &route[idx+1]
	}

	advance := func() {
		if afterNext != nil {
			p := *afterNext
			a.manualNext = &p
		} else {
			a.manualNext = nil
		}
	}

	distance, bearingToNext := geo.DistanceAndBearing(pos, next.Position)
	if distance < a.cfg.WaypointSwitchDistance {
		advance()
		return true
	}
	if previous != nil && afterNext != nil {
		xteCurrent, _ := geo.CrossTrackError(previous.Position, next.Position, pos)
		xteNext, _ := geo.CrossTrackError(next.Position, afterNext.Position, pos)
		if math.Abs(xteCurrent) > math.Abs(xteNext) && math.Abs(geo.Difference(cog, bearingToNext)) > 90 {
			advance()
			return true
		}
	}
	return false
}
