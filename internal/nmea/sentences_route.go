package nmea

import (
	"math"
	"strconv"
	"time"

	"nmea-bus/internal/geo"
)

const (
	IDRMB SentenceID = "RMB"
	IDXTE SentenceID = "XTE"
	IDBWC SentenceID = "BWC"
	IDBOD SentenceID = "BOD"
	IDRTE SentenceID = "RTE"
	IDWPL SentenceID = "WPL"
)

// RMB: Recommended minimum navigation information, the active leg.
// Fields:
//
//	0: status (A=valid)
//	1: cross track error (nm)
//	2: direction to steer (L/R)
//	3: origin waypoint
//	4: destination waypoint
//	5: destination latitude
//	6: N/S
//	7: destination longitude
//	8: E/W
//	9: range to destination (nm)
//
// 10: bearing to destination (true)
// 11: closing velocity (knots)
// 12: arrival status (A=arrived)
// 13: mode
type RMB struct {
	Header
	// CrossTrackError is in nautical miles, positive when the vessel is right of the track.
	CrossTrackError float64
	Origin          string
	Destination     string
	Target          *geo.Position
	DistanceNm      *float64
	BearingTrue     *float64
	ApproachSpeed   *float64
	Arrived         bool
}

func (s *RMB) ID() SentenceID              { return IDRMB }
func (s *RMB) ReplacesOlderInstance() bool { return true }

func (s *RMB) Fields() []string {
	status := "V"
	if s.IsValid {
		status = "A"
	}
	xte, dir := formatFloat(math.Abs(s.CrossTrackError), 3), "L"
	if s.CrossTrackError < 0 {
		dir = "R"
	}
	lat, ns, lon, ew := optLatLon(s.Target)
	arrived := "V"
	if s.Arrived {
		arrived = "A"
	}
	return fitNames([]string{
		status, xte, dir, s.Origin, s.Destination, lat, ns, lon, ew,
		formatOpt(s.DistanceNm, 3), formatOpt(s.BearingTrue, 1), formatOpt(s.ApproachSpeed, 1),
		arrived, "D",
	}, 3, 4)
}

func decodeRMB(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &RMB{Header: Header{TalkerID: r.talker, At: r.at}}
	if v, ok := parseFloat(field(f, 1)); ok {
		s.CrossTrackError = v * directionSign(field(f, 2), "R")
	}
	s.Origin = field(f, 3)
	s.Destination = field(f, 4)
	s.Target = parseOptPosition(f, 5)
	s.DistanceNm = optFloat(field(f, 9))
	s.BearingTrue = optFloat(field(f, 10))
	s.ApproachSpeed = optFloat(field(f, 11))
	s.Arrived = field(f, 12) == "A"
	s.IsValid = field(f, 0) == "A"
	return s, nil
}

// XTE: Cross track error, measured.
// Fields: status, cycle lock status, magnitude, direction to steer (L/R), N, mode
type XTE struct {
	Header
	// CrossTrackError is in nautical miles, positive when the vessel is right of the track.
	CrossTrackError float64
}

func (s *XTE) ID() SentenceID              { return IDXTE }
func (s *XTE) ReplacesOlderInstance() bool { return true }

func (s *XTE) Fields() []string {
	dir := "L"
	if s.CrossTrackError < 0 {
		dir = "R"
	}
	return []string{"A", "A", formatFloat(math.Abs(s.CrossTrackError), 3), dir, "N", "D"}
}

func decodeXTE(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &XTE{Header: Header{TalkerID: r.talker, At: r.at}}
	v, ok := parseFloat(field(f, 2))
	s.CrossTrackError = v * directionSign(field(f, 3), "R")
	s.IsValid = ok && field(f, 0) == "A" && field(f, 1) == "A"
	return s, nil
}

// BWC: Bearing and distance to waypoint, great circle.
// Fields: time, lat, N/S, lon, E/W, bearing true, T, bearing magnetic, M, distance, N, waypoint, mode
type BWC struct {
	Header
	Target          *geo.Position
	BearingTrue     *float64
	BearingMagnetic *float64
	DistanceNm      *float64
	Waypoint        string
}

func (s *BWC) ID() SentenceID              { return IDBWC }
func (s *BWC) ReplacesOlderInstance() bool { return true }

func (s *BWC) Fields() []string {
	lat, ns, lon, ew := optLatLon(s.Target)
	return fitNames([]string{
		formatTimeOfDay(s.At), lat, ns, lon, ew,
		formatOpt(s.BearingTrue, 1), "T", formatOpt(s.BearingMagnetic, 1), "M",
		formatOpt(s.DistanceNm, 3), "N", s.Waypoint, "D",
	}, 11)
}

func decodeBWC(r *Raw, last time.Time) (Sentence, error) {
	f := r.fields
	s := &BWC{Header: Header{TalkerID: r.talker, At: r.at}}
	if t, ok := parseTimeOfDay(field(f, 0), last); ok {
		s.At = t
	}
	s.Target = parseOptPosition(f, 1)
	s.BearingTrue = optFloat(field(f, 5))
	s.BearingMagnetic = optFloat(field(f, 7))
	s.DistanceNm = optFloat(field(f, 9))
	s.Waypoint = field(f, 11)
	s.IsValid = s.Waypoint != ""
	return s, nil
}

// BOD: Bearing, origin to destination.
// Fields: bearing true, T, bearing magnetic, M, destination, origin
type BOD struct {
	Header
	BearingTrue     *float64
	BearingMagnetic *float64
	Destination     string
	Origin          string
}

func (s *BOD) ID() SentenceID              { return IDBOD }
func (s *BOD) ReplacesOlderInstance() bool { return true }

func (s *BOD) Fields() []string {
	return fitNames([]string{
		formatOpt(s.BearingTrue, 1), "T", formatOpt(s.BearingMagnetic, 1), "M",
		s.Destination, s.Origin,
	}, 4, 5)
}

func decodeBOD(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &BOD{Header: Header{TalkerID: r.talker, At: r.at}}
	s.BearingTrue = optFloat(field(f, 0))
	s.BearingMagnetic = optFloat(field(f, 2))
	s.Destination = field(f, 4)
	s.Origin = field(f, 5)
	s.IsValid = s.Destination != ""
	return s, nil
}

// MaxRouteParts is the largest fragment count an RTE set may announce.
const MaxRouteParts = 100

// RTE: Route, one fragment of a list of waypoint names.
// Fields: total fragments, fragment number, type (c=complete, w=working), route name, waypoints...
type RTE struct {
	Header
	Total     int
	Sequence  int
	Complete  bool
	RouteName string
	Waypoints []string
}

// NewRTE builds one outgoing route fragment.
func NewRTE(talker TalkerID, at time.Time, total, seq int, routeName string, waypoints []string) *RTE {
	w := make([]string, len(waypoints))
	copy(w, waypoints)
	return &RTE{Header: NewHeader(talker, at), Total: total, Sequence: seq, Complete: true, RouteName: routeName, Waypoints: w}
}

func (s *RTE) ID() SentenceID { return IDRTE }

func (s *RTE) Fields() []string {
	kind := "w"
	if s.Complete {
		kind = "c"
	}
	out := []string{strconv.Itoa(s.Total), strconv.Itoa(s.Sequence), kind, s.RouteName}
	return append(out, s.Waypoints...)
}

func decodeRTE(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &RTE{Header: Header{TalkerID: r.talker, At: r.at}}
	var ok1, ok2 bool
	s.Total, ok1 = parseInt(field(f, 0))
	s.Sequence, ok2 = parseInt(field(f, 1))
	s.Complete = field(f, 2) != "w"
	s.RouteName = field(f, 3)
	for i := 4; i < len(f); i++ {
		if name := field(f, i); name != "" {
			s.Waypoints = append(s.Waypoints, name)
		}
	}
	s.IsValid = ok1 && ok2 && s.Total >= 1 && s.Total <= MaxRouteParts && s.Sequence >= 1 && s.Sequence <= s.Total
	return s, nil
}

// WPL: Waypoint location. Fields: lat, N/S, lon, E/W, name
type WPL struct {
	Header
	Position geo.Position
	Name     string
}

// NewWPL builds an outgoing WPL.
func NewWPL(talker TalkerID, at time.Time, pos geo.Position, name string) *WPL {
	return &WPL{Header: NewHeader(talker, at), Position: pos, Name: name}
}

func (s *WPL) ID() SentenceID { return IDWPL }

func (s *WPL) Fields() []string {
	lat, ns := formatLatLon(s.Position.Latitude, 2, "N", "S")
	lon, ew := formatLatLon(s.Position.Longitude, 3, "E", "W")
	return fitNames([]string{lat, ns, lon, ew, s.Name}, 4)
}

func decodeWPL(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &WPL{Header: Header{TalkerID: r.talker, At: r.at}}
	lat, latOK := parseLatLon(field(f, 0), field(f, 1))
	lon, lonOK := parseLatLon(field(f, 2), field(f, 3))
	s.Position = geo.Position{Latitude: lat, Longitude: lon}
	s.Name = field(f, 4)
	s.IsValid = latOK && lonOK && s.Name != ""
	return s, nil
}

func parseOptPosition(f []string, i int) *geo.Position {
	lat, latOK := parseLatLon(field(f, i), field(f, i+1))
	lon, lonOK := parseLatLon(field(f, i+2), field(f, i+3))
	if !latOK || !lonOK {
		return nil
	}
	return &geo.Position{Latitude: lat, Longitude: lon}
}

func optLatLon(p *geo.Position) (lat, ns, lon, ew string) {
	if p == nil {
		return "", "", "", ""
	}
	lat, ns = formatLatLon(p.Latitude, 2, "N", "S")
	lon, ew = formatLatLon(p.Longitude, 3, "E", "W")
	return lat, ns, lon, ew
}
