package nmea

import (
	"strconv"
	"strings"
	"time"
)

const (
	IDXDR SentenceID = "XDR"
	// IDDIN is the SeaSmart proprietary sentence ($PCDIN) carrying NMEA2000 PGNs.
	IDDIN SentenceID = "DIN"
)

// Measurement is one quadruple of an XDR sentence.
type Measurement struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	Name  string  `json:"name"`
}

// XDR: Transducer measurements. Fields: (type, value, unit, name) repeated.
type XDR struct {
	Header
	Measurements []Measurement
}

// NewXDR builds an outgoing XDR.
func NewXDR(talker TalkerID, at time.Time, m ...Measurement) *XDR {
	return &XDR{Header: NewHeader(talker, at), Measurements: append([]Measurement(nil), m...)}
}

func (s *XDR) ID() SentenceID { return IDXDR }

func (s *XDR) Fields() []string {
	out := make([]string, 0, 4*len(s.Measurements))
	for _, m := range s.Measurements {
		out = append(out, m.Type, formatFloat(m.Value, 1), m.Unit, m.Name)
	}
	return out
}

func decodeXDR(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &XDR{Header: Header{TalkerID: r.talker, At: r.at}}
	for i := 0; i+3 < len(f); i += 4 {
		v, ok := parseFloat(field(f, i+1))
		name := field(f, i+3)
		if !ok || name == "" {
			continue
		}
		s.Measurements = append(s.Measurements, Measurement{
			Type: field(f, i), Value: v, Unit: field(f, i+2), Name: name,
		})
	}
	s.IsValid = len(s.Measurements) > 0
	return s, nil
}

// DIN: SeaSmart encapsulated NMEA2000 message.
// Fields: PGN (hex), timestamp (hex), source, payload (hex)
type DIN struct {
	Header
	PGN       int
	Timestamp uint32
	Source    string
	Data      string
}

func (s *DIN) ID() SentenceID { return IDDIN }

func (s *DIN) Fields() []string {
	return []string{
		strings.ToUpper(strconv.FormatInt(int64(s.PGN), 16)),
		strings.ToUpper(strconv.FormatUint(uint64(s.Timestamp), 16)),
		s.Source, s.Data,
	}
}

func decodeDIN(r *Raw, _ time.Time) (Sentence, error) {
	f := r.fields
	s := &DIN{Header: Header{TalkerID: r.talker, At: r.at}}
	pgn, err := strconv.ParseInt(field(f, 0), 16, 32)
	if err != nil {
		return s, nil
	}
	s.PGN = int(pgn)
	if ts, err := strconv.ParseUint(field(f, 1), 16, 32); err == nil {
		s.Timestamp = uint32(ts)
	}
	s.Source = field(f, 2)
	s.Data = field(f, 3)
	s.IsValid = true
	return s, nil
}
