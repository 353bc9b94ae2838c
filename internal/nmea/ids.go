package nmea

import (
	"fmt"
	"strings"
)

// TalkerID is the two character prefix naming the class of the transmitting device.
type TalkerID string

// SentenceID is the three character code naming a message type.
type SentenceID string

const (
	// TalkerAny matches every talker in filters.
	TalkerAny TalkerID = "**"
	// SentenceAny matches every sentence id in filters.
	SentenceAny SentenceID = "***"
)

// Well known talkers.
const (
	TalkerGPS            TalkerID = "GP"
	TalkerGNSS           TalkerID = "GN"
	TalkerGlonass        TalkerID = "GL"
	TalkerGalileo        TalkerID = "GA"
	TalkerIntegrated     TalkerID = "II"
	TalkerIntegratedNav  TalkerID = "IN"
	TalkerCompass        TalkerID = "HC"
	TalkerAutopilot      TalkerID = "AP"
	TalkerComputer       TalkerID = "EC"
	TalkerTransducer     TalkerID = "YX"
	TalkerWeather        TalkerID = "WI"
	TalkerProprietaryCDI TalkerID = "PC"
)

// OwnTalker is used for sentences generated by this process.
var OwnTalker = TalkerComputer

// ParseTalkerID validates a two character talker id.
func ParseTalkerID(s string) (TalkerID, error) {
	if s == "" || s == "*" || s == string(TalkerAny) {
		return TalkerAny, nil
	}
	if len(s) != 2 {
		return "", fmt.Errorf("nmea: talker id %q must be 2 characters", s)
	}
	return TalkerID(strings.ToUpper(s)), nil
}

// ParseSentenceID validates a three character sentence id.
func ParseSentenceID(s string) (SentenceID, error) {
	if s == "" || s == "*" || s == string(SentenceAny) {
		return SentenceAny, nil
	}
	if len(s) != 3 {
		return "", fmt.Errorf("nmea: sentence id %q must be 3 characters", s)
	}
	return SentenceID(strings.ToUpper(s)), nil
}

// Matches reports whether t equals other, treating TalkerAny on either side as a wildcard.
func (t TalkerID) Matches(other TalkerID) bool {
	return t == TalkerAny || other == TalkerAny || t == other
}

// Matches reports whether id equals other, treating SentenceAny on either side as a wildcard.
func (id SentenceID) Matches(other SentenceID) bool {
	return id == SentenceAny || other == SentenceAny || id == other
}
