package nmea

import (
	"errors"
	"fmt"
)

// ErrorKind classifies wire and transport failures reported on the parse-error stream.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	MessageTooShort
	MessageTooLong
	NoSyncByte
	InvalidChecksum
	PortClosed
	MessageDelayed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case MessageTooShort:
		return "message_too_short"
	case MessageTooLong:
		return "message_too_long"
	case NoSyncByte:
		return "no_sync_byte"
	case InvalidChecksum:
		return "invalid_checksum"
	case PortClosed:
		return "port_closed"
	case MessageDelayed:
		return "message_delayed"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// ParseError is returned by the codec for lines that cannot be decoded.
type ParseError struct {
	Kind ErrorKind
	Line string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return "nmea: " + e.Kind.String()
	}
	return fmt.Sprintf("nmea: %s: %q", e.Kind, e.Line)
}

// Is lets errors.Is match on the kind only.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrMessageTooShort = &ParseError{Kind: MessageTooShort}
	ErrMessageTooLong  = &ParseError{Kind: MessageTooLong}
	ErrNoSyncByte      = &ParseError{Kind: NoSyncByte}
	ErrInvalidChecksum = &ParseError{Kind: InvalidChecksum}
)

// ErrIgnore is returned by decoders for lines that are well formed but should not be dispatched.
var ErrIgnore = errors.New("nmea: sentence ignored")

// KindOf extracts the ErrorKind from err, or ErrorNone.
func KindOf(err error) ErrorKind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorNone
}
