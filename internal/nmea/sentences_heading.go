package nmea

import (
	"time"
)

const (
	IDHDT SentenceID = "HDT"
	IDHDM SentenceID = "HDM"
	IDHDG SentenceID = "HDG"
	IDHTC SentenceID = "HTC"
	IDHTD SentenceID = "HTD"
	IDMWV SentenceID = "MWV"
	IDDBT SentenceID = "DBT"
)

// HDT: Heading true. Fields: heading, T
type HDT struct {
	Header
	Heading float64
}

// NewHDT builds an outgoing HDT.
func NewHDT(talker TalkerID, at time.Time, heading float64) *HDT {
	return &HDT{Header: NewHeader(talker, at), Heading: heading}
}

func (s *HDT) ID() SentenceID              { return IDHDT }
func (s *HDT) ReplacesOlderInstance() bool { return true }
func (s *HDT) Fields() []string            { return []string{formatFloat(s.Heading, 1), "T"} }

func decodeHDT(r *Raw, _ time.Time) (Sentence, error) {
	s := &HDT{Header: Header{TalkerID: r.talker, At: r.at}}
	s.Heading, s.IsValid = parseFloat(field(r.fields, 0))
	return s, nil
}

// HDM: Heading magnetic. Fields: heading, M
type HDM struct {
	Header
	Heading float64
}

func (s *HDM) ID() SentenceID              { return IDHDM }
func (s *HDM) ReplacesOlderInstance() bool { return true }
func (s *HDM) Fields() []string            { return []string{formatFloat(s.Heading, 1), "M"} }

func decodeHDM(r *Raw, _ time.Time) (Sentence, error) {
	s := &HDM{Header: Header{TalkerID: r.talker, At: r.at}}
	s.Heading, s.IsValid = parseFloat(field(r.fields, 0))
	return s, nil
}

// HDG: Heading, deviation and variation.
// Fields: magnetic sensor heading, deviation, E/W, variation, E/W
type HDG struct {
	Header
	Heading   float64
	Deviation *float64
	// Declination is the magnetic variation, east positive.
	Declination *float64
}

func (s *HDG) ID() SentenceID              { return IDHDG }
func (s *HDG) ReplacesOlderInstance() bool { return true }

func (s *HDG) Fields() []string {
	dev, devDir := signedField(s.Deviation, 1)
	decl, declDir := signedField(s.Declination, 1)
	return []string{formatFloat(s.Heading, 1), dev, devDir, decl, declDir}
}

func decodeHDG(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &HDG{Header: Header{TalkerID: r.talker, At: r.at}}
	s.Heading, s.IsValid = parseFloat(field(f, 0))
	if v, ok := parseFloat(field(f, 1)); ok {
		v *= directionSign(field(f, 2), "W")
		s.Deviation = &v
	}
	if v, ok := parseFloat(field(f, 3)); ok {
		v *= directionSign(field(f, 4), "W")
		s.Declination = &v
	}
	return s, nil
}

func signedField(v *float64, prec int) (string, string) {
	if v == nil {
		return "", ""
	}
	if *v < 0 {
		return formatFloat(-*v, prec), "W"
	}
	return formatFloat(*v, prec), "E"
}

// AutopilotControl holds the fields shared by HTC (command) and HTD (status).
type AutopilotControl struct {
	// Status is the steering mode: M standby, S auto, H external, T track, R remote, W wind.
	Status               string
	CommandedRudderAngle *float64
	CommandedRudderDir   string
	TurnMode             string
	RudderLimit          *float64
	OffHeadingLimit      *float64
	TurnRadius           *float64
	RateOfTurn           *float64
	DesiredHeading       *float64
	OffTrackLimit        *float64
	CommandedTrack       *float64
	HeadingIsTrue        bool
}

func (c AutopilotControl) fields() []string {
	override := "V"
	if c.Status == "M" {
		override = "A"
	}
	ref := "M"
	if c.HeadingIsTrue {
		ref = "T"
	}
	return []string{
		override, formatOpt(c.CommandedRudderAngle, 1), c.CommandedRudderDir, c.Status, c.TurnMode,
		formatOpt(c.RudderLimit, 1), formatOpt(c.OffHeadingLimit, 1), formatOpt(c.TurnRadius, 1),
		formatOpt(c.RateOfTurn, 1), formatOpt(c.DesiredHeading, 1), formatOpt(c.OffTrackLimit, 1),
		formatOpt(c.CommandedTrack, 1), ref,
	}
}

func parseAutopilotControl(f []string) AutopilotControl {
	c := AutopilotControl{
		CommandedRudderAngle: optFloat(field(f, 1)),
		CommandedRudderDir:   field(f, 2),
		Status:               field(f, 3),
		TurnMode:             field(f, 4),
		RudderLimit:          optFloat(field(f, 5)),
		OffHeadingLimit:      optFloat(field(f, 6)),
		TurnRadius:           optFloat(field(f, 7)),
		RateOfTurn:           optFloat(field(f, 8)),
		DesiredHeading:       optFloat(field(f, 9)),
		OffTrackLimit:        optFloat(field(f, 10)),
		CommandedTrack:       optFloat(field(f, 11)),
		HeadingIsTrue:        field(f, 12) == "T",
	}
	// Manual override active means the pilot is in standby.
	if field(f, 0) == "A" {
		c.Status = "M"
	}
	return c
}

// UserState names the steering mode.
func (c AutopilotControl) UserState() string {
	switch c.Status {
	case "M":
		return "Standby"
	case "S":
		return "Auto"
	case "H":
		return "External"
	case "T":
		return "Track"
	case "R":
		return "Remote"
	case "W":
		return "Wind"
	default:
		return "Unknown"
	}
}

// HTC: Heading and track control command.
type HTC struct {
	Header
	AutopilotControl
}

func (s *HTC) ID() SentenceID              { return IDHTC }
func (s *HTC) ReplacesOlderInstance() bool { return true }
func (s *HTC) Fields() []string            { return s.fields() }

func decodeHTC(r *Raw, _ time.Time) (Sentence, error) {
	return &HTC{
		Header:           Header{TalkerID: r.talker, At: r.at, IsValid: true},
		AutopilotControl: parseAutopilotControl(r.fields),
	}, nil
}

// HTD: Heading and track control status. HTC fields plus limit flags and actual heading.
type HTD struct {
	Header
	AutopilotControl
	RudderLimitExceeded  bool
	HeadingLimitExceeded bool
	TrackLimitExceeded   bool
	ActualHeading        *float64
}

func (s *HTD) ID() SentenceID              { return IDHTD }
func (s *HTD) ReplacesOlderInstance() bool { return true }

func (s *HTD) Fields() []string {
	flag := func(b bool) string {
		if b {
			return "V"
		}
		return "A"
	}
	return append(s.fields(),
		flag(s.RudderLimitExceeded), flag(s.HeadingLimitExceeded), flag(s.TrackLimitExceeded),
		formatOpt(s.ActualHeading, 1))
}

func decodeHTD(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	return &HTD{
		Header:               Header{TalkerID: r.talker, At: r.at, IsValid: true},
		AutopilotControl:     parseAutopilotControl(f),
		RudderLimitExceeded:  field(f, 13) == "V",
		HeadingLimitExceeded: field(f, 14) == "V",
		TrackLimitExceeded:   field(f, 15) == "V",
		ActualHeading:        optFloat(field(f, 16)),
	}, nil
}

// MWV: Wind speed and angle. Fields: angle, R/T, speed, unit (K/M/N), status
type MWV struct {
	Header
	Angle     float64
	Relative  bool
	Speed     float64
	SpeedUnit string
}

func (s *MWV) ID() SentenceID              { return IDMWV }
func (s *MWV) ReplacesOlderInstance() bool { return true }

func (s *MWV) Fields() []string {
	ref := "T"
	if s.Relative {
		ref = "R"
	}
	return []string{formatFloat(s.Angle, 1), ref, formatFloat(s.Speed, 1), s.SpeedUnit, "A"}
}

func decodeMWV(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &MWV{Header: Header{TalkerID: r.talker, At: r.at}}
	var okA, okS bool
	s.Angle, okA = parseFloat(field(f, 0))
	s.Relative = field(f, 1) == "R"
	s.Speed, okS = parseFloat(field(f, 2))
	s.SpeedUnit = field(f, 3)
	s.IsValid = okA && okS && field(f, 4) == "A"
	return s, nil
}

// DBT: Depth below transducer. Fields: feet, f, meters, M, fathoms, F
type DBT struct {
	Header
	Meters float64
}

func (s *DBT) ID() SentenceID { return IDDBT }

func (s *DBT) Fields() []string {
	return []string{
		formatFloat(s.Meters/0.3048, 1), "f", formatFloat(s.Meters, 1), "M",
		formatFloat(s.Meters/1.8288, 1), "F",
	}
}

func decodeDBT(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &DBT{Header: Header{TalkerID: r.talker, At: r.at}}
	if m, ok := parseFloat(field(f, 2)); ok {
		s.Meters, s.IsValid = m, true
	} else if ft, ok := parseFloat(field(f, 0)); ok {
		s.Meters, s.IsValid = ft*0.3048, true
	}
	return s, nil
}
