package nmea

import (
	"sync"
	"time"
)

// DecodeFunc turns a raw sentence into its typed form. last is the most recent absolute time seen
// on the stream and supplies the date for sentences that only carry a time of day. A decoder may
// return ErrIgnore to drop the line silently.
type DecodeFunc func(r *Raw, last time.Time) (Sentence, error)

var registry = struct {
	sync.RWMutex
	decoders map[SentenceID]DecodeFunc
}{decoders: make(map[SentenceID]DecodeFunc)}

// RegisterDecoder installs fn for id, replacing any previous decoder.
func RegisterDecoder(id SentenceID, fn DecodeFunc) {
	registry.Lock()
	defer registry.Unlock()
	if fn == nil {
		delete(registry.decoders, id)
		return
	}
	registry.decoders[id] = fn
}

// Registered reports whether a typed decoder exists for id.
func Registered(id SentenceID) bool {
	registry.RLock()
	defer registry.RUnlock()
	_, ok := registry.decoders[id]
	return ok
}

// Decode returns the typed form of r, or r itself when no decoder is registered.
func Decode(r *Raw, last time.Time) (Sentence, error) {
	if r.encapsulated {
		return r, nil
	}
	registry.RLock()
	fn := registry.decoders[r.id]
	registry.RUnlock()
	if fn == nil {
		return r, nil
	}
	return fn(r, last)
}

// ParseSentence runs Parse and Decode on one line.
func ParseSentence(line string, at time.Time) (Sentence, error) {
	r, err := Parse(line, at)
	if err != nil {
		return nil, err
	}
	return Decode(r, at)
}

// CarriesOwnTime reports whether s declares an absolute timestamp of its own that can be
// compared against the local clock.
func CarriesOwnTime(s Sentence) bool {
	switch s.(type) {
	case *ZDA, *GGA:
		return true
	}
	return false
}

// UpdatesClock returns the absolute date and time carried by s, used as reference for
// following sentences that only contain a time of day.
func UpdatesClock(s Sentence) (time.Time, bool) {
	if !s.Valid() {
		return time.Time{}, false
	}
	switch v := s.(type) {
	case *ZDA:
		return v.At, true
	case *RMC:
		if v.hasDate {
			return v.At, true
		}
	}
	return time.Time{}, false
}

func init() {
	RegisterDecoder(IDRMC, decodeRMC)
	RegisterDecoder(IDGGA, decodeGGA)
	RegisterDecoder(IDGLL, decodeGLL)
	RegisterDecoder(IDVTG, decodeVTG)
	RegisterDecoder(IDZDA, decodeZDA)
	RegisterDecoder(IDGSV, decodeGSV)
	RegisterDecoder(IDHDT, decodeHDT)
	RegisterDecoder(IDHDM, decodeHDM)
	RegisterDecoder(IDHDG, decodeHDG)
	RegisterDecoder(IDHTC, decodeHTC)
	RegisterDecoder(IDHTD, decodeHTD)
	RegisterDecoder(IDMWV, decodeMWV)
	RegisterDecoder(IDDBT, decodeDBT)
	RegisterDecoder(IDRMB, decodeRMB)
	RegisterDecoder(IDXTE, decodeXTE)
	RegisterDecoder(IDBWC, decodeBWC)
	RegisterDecoder(IDBOD, decodeBOD)
	RegisterDecoder(IDRTE, decodeRTE)
	RegisterDecoder(IDWPL, decodeWPL)
	RegisterDecoder(IDXDR, decodeXDR)
	RegisterDecoder(IDDIN, decodeDIN)
}
