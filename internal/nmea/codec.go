package nmea

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MinLength is the shortest line that can hold a sync byte, an address and a checksum.
	MinLength = 7
	// MaxLength is the longest line allowed by NMEA0183, excluding the terminator.
	MaxLength = 81
)

// Checksum returns the XOR of all bytes of payload (the text between '$' and '*').
func Checksum(payload string) byte {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

// Parse decodes one line (without CR/LF) into its raw form. at stamps the result.
func Parse(line string, at time.Time) (*Raw, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < MinLength {
		return nil, &ParseError{Kind: MessageTooShort, Line: line}
	}
	if len(line) > MaxLength {
		return nil, &ParseError{Kind: MessageTooLong, Line: line}
	}
	if line[0] != '$' && line[0] != '!' {
		return nil, &ParseError{Kind: NoSyncByte, Line: line}
	}

	payload := line[1:]
	if star := strings.LastIndexByte(line, '*'); star != -1 {
		payload = line[1:star]
		ck := strings.TrimSpace(line[star+1:])
		if len(ck) < 2 {
			return nil, &ParseError{Kind: InvalidChecksum, Line: line}
		}
		want, err := strconv.ParseUint(ck[:2], 16, 8)
		if err != nil || byte(want) != Checksum(payload) {
			return nil, &ParseError{Kind: InvalidChecksum, Line: line}
		}
	}
	if len(payload) < 5 {
		return nil, &ParseError{Kind: MessageTooShort, Line: line}
	}

	address := payload[:5]
	var fields []string
	if rest := payload[5:]; rest != "" {
		if rest[0] != ',' {
			return nil, &ParseError{Kind: NoSyncByte, Line: line}
		}
		fields = strings.Split(rest[1:], ",")
	}
	return &Raw{
		talker:       TalkerID(address[:2]),
		id:           SentenceID(address[2:5]),
		fields:       fields,
		at:           at,
		encapsulated: line[0] == '!',
	}, nil
}

// Encode serializes s to its wire form (without CR/LF), always recomputing the checksum.
func Encode(s Sentence) string {
	var b strings.Builder
	b.WriteString(string(s.Talker()))
	b.WriteString(string(s.ID()))
	for _, f := range s.Fields() {
		b.WriteByte(',')
		b.WriteString(f)
	}
	payload := b.String()
	sync := "$"
	if r, ok := s.(*Raw); ok && r.encapsulated {
		sync = "!"
	}
	return fmt.Sprintf("%s%s*%02X", sync, payload, Checksum(payload))
}

// Query asks Device to send its latest Sentence, on behalf of Requester.
type Query struct {
	Requester TalkerID
	Device    TalkerID
	Sentence  SentenceID
}

// QueryLength is the fixed length of a query line.
const QueryLength = 10

// ParseQuery decodes the fixed-width form $RRDDQ,SSS.
func ParseQuery(line string) (Query, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < QueryLength {
		return Query{}, &ParseError{Kind: MessageTooShort, Line: line}
	}
	if len(line) > QueryLength {
		return Query{}, &ParseError{Kind: MessageTooLong, Line: line}
	}
	if line[0] != '$' {
		return Query{}, &ParseError{Kind: NoSyncByte, Line: line}
	}
	if line[5] != 'Q' || line[6] != ',' {
		return Query{}, fmt.Errorf("nmea: not a query sentence: %q", line)
	}
	return Query{
		Requester: TalkerID(line[1:3]),
		Device:    TalkerID(line[3:5]),
		Sentence:  SentenceID(line[7:10]),
	}, nil
}

func (q Query) String() string {
	return "$" + string(q.Requester) + string(q.Device) + "Q," + string(q.Sentence)
}
