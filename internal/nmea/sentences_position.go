package nmea

import (
	"strconv"
	"time"

	"nmea-bus/internal/geo"
)

const (
	IDRMC SentenceID = "RMC"
	IDGGA SentenceID = "GGA"
	IDGLL SentenceID = "GLL"
	IDVTG SentenceID = "VTG"
	IDZDA SentenceID = "ZDA"
	IDGSV SentenceID = "GSV"
)

// RMC: Recommended Minimum Specific GNSS Data
// Fields:
//
//	0: time (hhmmss.sss)
//	1: status (A=active, V=void)
//	2: latitude (ddmm.mmmm)
//	3: N/S
//	4: longitude (dddmm.mmmm)
//	5: E/W
//	6: speed over ground (knots)
//	7: course over ground (deg true)
//	8: date (ddmmyy)
//	9: magnetic variation (deg)
//
// 10: E/W
// 11: mode (optional)
type RMC struct {
	Header
	Status     string
	Position   geo.Position
	SpeedKnots *float64
	TrackTrue  *float64
	// Variation is east positive.
	Variation *float64
	Mode      string

	hasDate bool
}

// NewRMC builds an outgoing RMC.
func NewRMC(talker TalkerID, at time.Time, pos geo.Position, speedKnots, trackTrue float64, variation *float64) *RMC {
	return &RMC{
		Header:     NewHeader(talker, at),
		Status:     "A",
		Position:   pos,
		SpeedKnots: &speedKnots,
		TrackTrue:  &trackTrue,
		Variation:  variation,
		Mode:       "A",
		hasDate:    true,
	}
}

func (s *RMC) ID() SentenceID              { return IDRMC }
func (s *RMC) ReplacesOlderInstance() bool { return true }

func (s *RMC) Fields() []string {
	lat, ns := formatLatLon(s.Position.Latitude, 2, "N", "S")
	lon, ew := formatLatLon(s.Position.Longitude, 3, "E", "W")
	variation, varDir := "", ""
	if s.Variation != nil {
		v := *s.Variation
		varDir = "E"
		if v < 0 {
			varDir = "W"
			v = -v
		}
		variation = formatFloat(v, 1)
	}
	return []string{
		formatTimeOfDay(s.At), s.Status, lat, ns, lon, ew,
		formatOpt(s.SpeedKnots, 3), formatOpt(s.TrackTrue, 3),
		formatDate(s.At), variation, varDir, s.Mode,
	}
}

func decodeRMC(r *Raw, last time.Time) (Sentence, error) {
	f := r.fields
	s := &RMC{Header: Header{TalkerID: r.talker, At: r.at}}

	day, hasDate := parseDate(field(f, 8))
	if !hasDate {
		day = last
	}
	if t, ok := parseTimeOfDay(field(f, 0), day); ok {
		s.At = t
		s.hasDate = hasDate
	}
	s.Status = field(f, 1)
	lat, latOK := parseLatLon(field(f, 2), field(f, 3))
	lon, lonOK := parseLatLon(field(f, 4), field(f, 5))
	s.Position = geo.Position{Latitude: lat, Longitude: lon}
	s.SpeedKnots = optFloat(field(f, 6))
	s.TrackTrue = optFloat(field(f, 7))
	if v, ok := parseFloat(field(f, 9)); ok {
		v *= directionSign(field(f, 10), "W")
		s.Variation = &v
	}
	s.Mode = field(f, 11)
	s.IsValid = latOK && lonOK
	return s, nil
}

// GGA: Global Positioning System Fix Data
// Fields:
//
//	0: time
//	1: latitude
//	2: N/S
//	3: longitude
//	4: E/W
//	5: fix quality (0=invalid)
//	6: number of satellites
//	7: HDOP
//	8: altitude above geoid (meters)
//	9: units (M)
//
// 10: geoid separation (meters)
// 11: units (M)
type GGA struct {
	Header
	Position   geo.Position
	Quality    int
	Satellites int
	HDOP       *float64
	// GeoidAltitude is the altitude above mean sea level.
	GeoidAltitude *float64
	Undulation    *float64
}

func (s *GGA) ID() SentenceID              { return IDGGA }
func (s *GGA) ReplacesOlderInstance() bool { return true }

// EllipsoidAltitude is the height above the WGS84 ellipsoid, when both parts are known.
func (s *GGA) EllipsoidAltitude() (float64, bool) {
	if s.GeoidAltitude == nil || s.Undulation == nil {
		return 0, false
	}
	return *s.GeoidAltitude + *s.Undulation, true
}

func (s *GGA) Fields() []string {
	lat, ns := formatLatLon(s.Position.Latitude, 2, "N", "S")
	lon, ew := formatLatLon(s.Position.Longitude, 3, "E", "W")
	return []string{
		formatTimeOfDay(s.At), lat, ns, lon, ew,
		strconv.Itoa(s.Quality), strconv.Itoa(s.Satellites), formatOpt(s.HDOP, 1),
		formatOpt(s.GeoidAltitude, 1), "M", formatOpt(s.Undulation, 1), "M", "", "",
	}
}

func decodeGGA(r *Raw, last time.Time) (Sentence, error) {
	f := r.fields
	s := &GGA{Header: Header{TalkerID: r.talker, At: r.at}}
	if t, ok := parseTimeOfDay(field(f, 0), last); ok {
		s.At = t
	}
	lat, latOK := parseLatLon(field(f, 1), field(f, 2))
	lon, lonOK := parseLatLon(field(f, 3), field(f, 4))
	s.Position = geo.Position{Latitude: lat, Longitude: lon}
	s.Quality, _ = parseInt(field(f, 5))
	s.Satellites, _ = parseInt(field(f, 6))
	s.HDOP = optFloat(field(f, 7))
	s.GeoidAltitude = optFloat(field(f, 8))
	s.Undulation = optFloat(field(f, 10))
	s.IsValid = latOK && lonOK
	return s, nil
}

// GLL: Geographic Position, the high rate fix of many receivers.
// Fields: lat, N/S, lon, E/W, time, status, mode
type GLL struct {
	Header
	Position geo.Position
	Status   string
	Mode     string
}

func (s *GLL) ID() SentenceID              { return IDGLL }
func (s *GLL) ReplacesOlderInstance() bool { return true }

func (s *GLL) Fields() []string {
	lat, ns := formatLatLon(s.Position.Latitude, 2, "N", "S")
	lon, ew := formatLatLon(s.Position.Longitude, 3, "E", "W")
	return []string{lat, ns, lon, ew, formatTimeOfDay(s.At), s.Status, s.Mode}
}

func decodeGLL(r *Raw, last time.Time) (Sentence, error) {
	f := r.fields
	s := &GLL{Header: Header{TalkerID: r.talker, At: r.at}}
	lat, latOK := parseLatLon(field(f, 0), field(f, 1))
	lon, lonOK := parseLatLon(field(f, 2), field(f, 3))
	s.Position = geo.Position{Latitude: lat, Longitude: lon}
	if t, ok := parseTimeOfDay(field(f, 4), last); ok {
		s.At = t
	}
	s.Status = field(f, 5)
	s.Mode = field(f, 6)
	s.IsValid = latOK && lonOK && s.Status != "V"
	return s, nil
}

// VTG: Track made good and ground speed.
// Fields: track true, T, track magnetic, M, speed knots, N, speed km/h, K, mode
type VTG struct {
	Header
	TrackTrue     *float64
	TrackMagnetic *float64
	SpeedKnots    *float64
}

// NewVTG builds an outgoing VTG.
func NewVTG(talker TalkerID, at time.Time, trackTrue, trackMagnetic, speedKnots float64) *VTG {
	return &VTG{Header: NewHeader(talker, at), TrackTrue: &trackTrue, TrackMagnetic: &trackMagnetic, SpeedKnots: &speedKnots}
}

func (s *VTG) ID() SentenceID              { return IDVTG }
func (s *VTG) ReplacesOlderInstance() bool { return true }

func (s *VTG) Fields() []string {
	kmh := ""
	if s.SpeedKnots != nil {
		kmh = formatFloat(*s.SpeedKnots*1.852, 1)
	}
	return []string{
		formatOpt(s.TrackTrue, 1), "T", formatOpt(s.TrackMagnetic, 1), "M",
		formatOpt(s.SpeedKnots, 1), "N", kmh, "K", "A",
	}
}

func decodeVTG(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &VTG{Header: Header{TalkerID: r.talker, At: r.at}}
	s.TrackTrue = optFloat(field(f, 0))
	s.TrackMagnetic = optFloat(field(f, 2))
	s.SpeedKnots = optFloat(field(f, 4))
	if s.SpeedKnots == nil {
		if kmh, ok := parseFloat(field(f, 6)); ok {
			kn := kmh / 1.852
			s.SpeedKnots = &kn
		}
	}
	s.IsValid = s.TrackTrue != nil && s.SpeedKnots != nil
	return s, nil
}

// ZDA: Time and date.
// Fields: time, day, month, year, local zone hours, local zone minutes
type ZDA struct {
	Header
	ZoneOffset time.Duration
}

// NewZDA builds an outgoing ZDA for t.
func NewZDA(talker TalkerID, t time.Time) *ZDA {
	return &ZDA{Header: NewHeader(talker, t.UTC())}
}

func (s *ZDA) ID() SentenceID { return IDZDA }

func (s *ZDA) Fields() []string {
	t := s.At.UTC()
	h := int(s.ZoneOffset / time.Hour)
	m := int((s.ZoneOffset % time.Hour) / time.Minute)
	if m < 0 {
		m = -m
	}
	return []string{
		formatTimeOfDay(t), t.Format("02"), t.Format("01"), t.Format("2006"),
		strconv.Itoa(h), strconv.Itoa(m),
	}
}

func decodeZDA(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &ZDA{Header: Header{TalkerID: r.talker, At: r.at}}
	d, okD := parseInt(field(f, 1))
	mo, okM := parseInt(field(f, 2))
	y, okY := parseInt(field(f, 3))
	if !okD || !okM || !okY {
		return s, nil
	}
	day := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	t, ok := parseTimeOfDay(field(f, 0), day)
	if !ok {
		return s, nil
	}
	s.At = t
	zh, _ := parseInt(field(f, 4))
	zm, _ := parseInt(field(f, 5))
	if zh < 0 {
		zm = -zm
	}
	s.ZoneOffset = time.Duration(zh)*time.Hour + time.Duration(zm)*time.Minute
	s.IsValid = true
	return s, nil
}

// Satellite is one entry of a GSV fragment.
type Satellite struct {
	PRN       int      `json:"prn"`
	Elevation *float64 `json:"elevation,omitempty"`
	Azimuth   *float64 `json:"azimuth,omitempty"`
	SNR       *float64 `json:"snr,omitempty"`
}

// GSV: Satellites in view, split over several fragments of up to four satellites.
// Fields: total fragments, fragment number, satellites in view, then 4 fields per satellite.
type GSV struct {
	Header
	Total      int
	Sequence   int
	InView     int
	Satellites []Satellite
}

func (s *GSV) ID() SentenceID { return IDGSV }

func (s *GSV) Fields() []string {
	out := []string{strconv.Itoa(s.Total), strconv.Itoa(s.Sequence), strconv.Itoa(s.InView)}
	for _, sat := range s.Satellites {
		out = append(out, strconv.Itoa(sat.PRN), formatOpt(sat.Elevation, 0), formatOpt(sat.Azimuth, 0), formatOpt(sat.SNR, 0))
	}
	return out
}

func decodeGSV(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &GSV{Header: Header{TalkerID: r.talker, At: r.at}}
	var ok1, ok2 bool
	s.Total, ok1 = parseInt(field(f, 0))
	s.Sequence, ok2 = parseInt(field(f, 1))
	s.InView, _ = parseInt(field(f, 2))
	for i := 3; i < len(f); i += 4 {
		prn, ok := parseInt(field(f, i))
		if !ok {
			continue
		}
		s.Satellites = append(s.Satellites, Satellite{
			PRN:       prn,
			Elevation: optFloat(field(f, i+1)),
			Azimuth:   optFloat(field(f, i+2)),
			SNR:       optFloat(field(f, i+3)),
		})
	}
	s.IsValid = ok1 && ok2 && s.Sequence >= 1 && s.Sequence <= s.Total
	return s, nil
}
