package nav

import (
	"sort"
	"time"

	"nmea-bus/internal/cache"
	"nmea-bus/internal/geo"
	"nmea-bus/internal/nmea"
)

// fallbackAge is how old a preferred fix may be before the next family is considered.
const fallbackAge = 2 * time.Second

// Fix is the best current estimate of the own position and movement.
type Fix struct {
	Position geo.Position `json:"position"`
	// Altitude is above the WGS84 ellipsoid, from GGA.
	Altitude   *float64  `json:"altitude,omitempty"`
	Track      float64   `json:"track"`
	SpeedKnots float64   `json:"sog"`
	Heading    *float64  `json:"heading,omitempty"`
	Time       time.Time `json:"time"`
	// Source is the sentence the position was taken from.
	Source nmea.SentenceID `json:"source"`
	Age    time.Duration   `json:"age"`
}

// PositionProvider answers navigation queries from a cache.
type PositionProvider struct {
	cache *cache.SentenceCache
}

func NewPositionProvider(c *cache.SentenceCache) *PositionProvider {
	return &PositionProvider{cache: c}
}

func (p *PositionProvider) last(source string, id nmea.SentenceID) nmea.Sentence {
	var (
		s  nmea.Sentence
		ok bool
	)
	if source == "" {
		s, ok = p.cache.LastSentence(id)
	} else {
		s, ok = p.cache.LastSentenceFrom(source, id)
	}
	if !ok || nmea.IsRaw(s) {
		return nil
	}
	return s
}

type candidate struct {
	pos geo.Position
	at  time.Time
	id  nmea.SentenceID
}

// CurrentPosition returns the freshest valid position of GLL, GGA and RMC. GGA is only
// consulted when GLL is missing or older than two seconds, RMC only when GGA is too.
// Speed and track come from RMC, else VTG; without either the call fails. With extrapolate
// the position is projected forward along the track by the age of the fix.
// An empty source accepts sentences from any endpoint.
func (p *PositionProvider) CurrentPosition(source string, extrapolate bool, now time.Time) (Fix, bool) {
	gll, _ := p.last(source, nmea.IDGLL).(*nmea.GLL)
	gga, _ := p.last(source, nmea.IDGGA).(*nmea.GGA)
	rmc, _ := p.last(source, nmea.IDRMC).(*nmea.RMC)
	vtg, _ := p.last(source, nmea.IDVTG).(*nmea.VTG)
	hdt, _ := p.last(source, nmea.IDHDT).(*nmea.HDT)

	var cands []candidate
	if gll != nil && gll.Valid() {
		cands = append(cands, candidate{gll.Position, gll.At, nmea.IDGLL})
	}
	if gll == nil || nmea.Age(gll, now) > fallbackAge {
		if gga != nil && gga.Valid() {
			cands = append(cands, candidate{gga.Position, gga.At, nmea.IDGGA})
		}
		if gga == nil || nmea.Age(gga, now) > fallbackAge {
			if rmc != nil && rmc.Valid() {
				cands = append(cands, candidate{rmc.Position, rmc.At, nmea.IDRMC})
			}
		}
	}
	if len(cands) == 0 {
		return Fix{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.at.After(best.at) {
			best = c
		}
	}

	fix := Fix{Position: best.pos, Time: best.at, Source: best.id, Age: now.Sub(best.at)}
	if fix.Age < 0 {
		fix.Age = 0
	}
	if gga != nil {
		if alt, ok := gga.EllipsoidAltitude(); ok {
			fix.Altitude = &alt
		}
	}
	switch {
	case rmc != nil && rmc.Valid() && rmc.SpeedKnots != nil && rmc.TrackTrue != nil:
		fix.SpeedKnots, fix.Track = *rmc.SpeedKnots, *rmc.TrackTrue
	case vtg != nil && vtg.Valid():
		fix.SpeedKnots, fix.Track = *vtg.SpeedKnots, *vtg.TrackTrue
	default:
		return Fix{}, false
	}
	if hdt != nil && hdt.Valid() {
		h := hdt.Heading
		fix.Heading = &h
	}
	if extrapolate && fix.Age > 0 {
		dist := fix.SpeedKnots * geo.KnotsToMetersPerSecond * fix.Age.Seconds()
		fix.Position = geo.ProjectForward(fix.Position, fix.Track, dist)
	}
	return fix, true
}

// CurrentRoute assembles the newest complete set of RTE fragments and resolves its
// waypoints from WPL. The state tells why no route is returned.
func (p *PositionProvider) CurrentRoute() (ErrorState, []RoutePoint) {
	frags := p.cache.Routes()
	if len(frags) == 0 {
		return NoRoute, nil
	}
	set := newestCompleteRoute(frags)
	if set == nil {
		return WaypointsWithoutPosition, nil
	}

	var names []string
	for _, f := range set {
		names = append(names, f.Waypoints...)
	}
	if len(names) == 0 {
		return WaypointsWithoutPosition, nil
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return RouteWithDuplicateWaypoints, nil
		}
		seen[n] = true
	}

	pts := make([]RoutePoint, 0, len(names))
	for _, n := range names {
		wpl, ok := p.cache.Waypoint(n)
		if !ok {
			log.Debugf("route %s: no position for waypoint %s", set[0].RouteName, n)
			return WaypointsWithoutPosition, nil
		}
		pts = append(pts, RoutePoint{Name: n, Position: wpl.Position})
	}
	computeMetadata(set[0].RouteName, pts)
	return RoutePresent, pts
}

// newestCompleteRoute takes the fragments newest first. The newest first part names the
// candidate; when its set is incomplete every fragment up to and including that part is
// dropped and the next older candidate is tried.
func newestCompleteRoute(frags []*nmea.RTE) []*nmea.RTE {
	for len(frags) > 0 {
		head := -1
		for i, f := range frags {
			if f.Sequence == 1 {
				head = i
				break
			}
		}
		if head < 0 {
			return nil
		}
		h := frags[head]
		if h.Total > len(frags) {
			// Not enough fragments left to ever complete this set.
			frags = frags[head+1:]
			continue
		}
		parts := make([]*nmea.RTE, h.Total)
		missing := h.Total
		for _, f := range frags {
			if f.RouteName != h.RouteName || f.Total != h.Total || f.Sequence < 1 || f.Sequence > h.Total {
				continue
			}
			if parts[f.Sequence-1] == nil {
				parts[f.Sequence-1] = f
				missing--
			}
			if missing == 0 {
				return parts
			}
		}
		frags = frags[head+1:]
	}
	return nil
}

// SatellitesInView merges the cached GSV fragments, one per fragment number and talker,
// into a list of unique satellites sorted by PRN. total is the larger of the advertised
// count and the number of satellites listed.
func (p *PositionProvider) SatellitesInView() (sats []nmea.Satellite, total int) {
	type key struct {
		seq    int
		talker nmea.TalkerID
	}
	seenFrag := make(map[key]bool)
	seenPRN := make(map[int]bool)
	for _, g := range p.cache.Satellites() {
		k := key{g.Sequence, g.Talker()}
		if seenFrag[k] {
			continue
		}
		seenFrag[k] = true
		if g.InView > total {
			total = g.InView
		}
		for _, s := range g.Satellites {
			if seenPRN[s.PRN] {
				continue
			}
			seenPRN[s.PRN] = true
			sats = append(sats, s)
		}
	}
	sort.Slice(sats, func(i, j int) bool { return sats[i].PRN < sats[j].PRN })
	if len(sats) > total {
		total = len(sats)
	}
	return sats, total
}
