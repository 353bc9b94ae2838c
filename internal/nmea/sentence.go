package nmea

import "time"

// Sentence is one decoded NMEA message. Implementations are immutable once built.
//
// The set of implementations is closed: *Raw plus the typed sentences in this package, all
// produced through the decoder registry.
type Sentence interface {
	Talker() TalkerID
	ID() SentenceID
	// Fields returns the payload fields in wire order, without the address field.
	Fields() []string
	Valid() bool
	Time() time.Time
	// ReplacesOlderInstance marks sentences whose queued older copies may be dropped before sending.
	ReplacesOlderInstance() bool
}

// Age returns now minus the sentence time. Invalid sentences have age zero.
func Age(s Sentence, now time.Time) time.Duration {
	if s == nil || !s.Valid() {
		return 0
	}
	return now.Sub(s.Time())
}

// Header carries the attributes shared by every typed sentence.
type Header struct {
	TalkerID TalkerID
	At       time.Time
	IsValid  bool
}

func (h Header) Talker() TalkerID            { return h.TalkerID }
func (h Header) Time() time.Time             { return h.At }
func (h Header) Valid() bool                 { return h.IsValid }
func (h Header) ReplacesOlderInstance() bool { return false }

// NewHeader returns a valid header for an outgoing sentence. Empty talker means OwnTalker,
// zero time means now.
func NewHeader(talker TalkerID, at time.Time) Header {
	if talker == "" {
		talker = OwnTalker
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Header{TalkerID: talker, At: at, IsValid: true}
}

// Raw is the untyped form of a sentence. Every line that passes the codec has one.
type Raw struct {
	talker TalkerID
	id     SentenceID
	fields []string
	at     time.Time
	// encapsulated is set for '!' lines (AIS), which are forwarded verbatim.
	encapsulated bool
}

// NewRaw builds a raw sentence. fields is copied.
func NewRaw(talker TalkerID, id SentenceID, fields []string, at time.Time) *Raw {
	f := make([]string, len(fields))
	copy(f, fields)
	return &Raw{talker: talker, id: id, fields: f, at: at}
}

func (r *Raw) Talker() TalkerID            { return r.talker }
func (r *Raw) ID() SentenceID              { return r.id }
func (r *Raw) Valid() bool                 { return true }
func (r *Raw) Time() time.Time             { return r.at }
func (r *Raw) ReplacesOlderInstance() bool { return false }

// Encapsulated reports whether the line started with '!'.
func (r *Raw) Encapsulated() bool { return r.encapsulated }

func (r *Raw) Fields() []string {
	out := make([]string, len(r.fields))
	copy(out, r.fields)
	return out
}

// Field returns field i or "" when out of range.
func (r *Raw) Field(i int) string {
	if i < 0 || i >= len(r.fields) {
		return ""
	}
	return r.fields[i]
}

// NumFields returns the number of payload fields.
func (r *Raw) NumFields() int { return len(r.fields) }

// WithTime returns a copy of r stamped with t.
func (r *Raw) WithTime(t time.Time) *Raw {
	c := *r
	c.at = t
	return &c
}

// AsRaw returns the untyped form of any sentence, re-encoding typed fields.
func AsRaw(s Sentence) *Raw {
	if r, ok := s.(*Raw); ok {
		return r
	}
	return &Raw{talker: s.Talker(), id: s.ID(), fields: s.Fields(), at: s.Time()}
}

// IsRaw reports whether s is the untyped variant.
func IsRaw(s Sentence) bool {
	_, ok := s.(*Raw)
	return ok
}
