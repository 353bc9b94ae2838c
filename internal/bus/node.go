// Package bus contains the endpoint abstraction of the message bus, the stream parser that
// backs every transport and the rule based router joining endpoints.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"nmea-bus/internal/geo"
	"nmea-bus/internal/nmea"
)

var log = logging.Logger("nmea-bus/bus")

var (
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrClosed         = errors.New("closed")
)

// PositionUpdate is derived from every valid position-bearing sentence.
type PositionUpdate struct {
	Position geo.Position
	// Track and SpeedKnots are only meaningful when HasVelocity is set.
	Track       float64
	SpeedKnots  float64
	HasVelocity bool
	Time        time.Time
}

type (
	SentenceHandler   func(src SinkSource, s nmea.Sentence)
	PositionHandler   func(src SinkSource, p PositionUpdate)
	TimeHandler       func(src SinkSource, t time.Time)
	ParseErrorHandler func(src SinkSource, msg string, kind nmea.ErrorKind)
)

// Handle identifies one registered handler.
type Handle uint64

// SinkSource is implemented by every endpoint of the bus.
//
// Handlers are invoked synchronously on the delivering goroutine, in arrival order. A handler
// must return quickly; it may call Send on any endpoint but must not call Stop on the endpoint
// that is delivering to it.
type SinkSource interface {
	Name() string
	Start(ctx context.Context) error
	// Stop discards undelivered output and releases the underlying resources.
	Stop() error
	// Send queues s for output. A nil src means the endpoint itself.
	Send(src SinkSource, s nmea.Sentence) error

	OnSentence(fn SentenceHandler) Handle
	OnPosition(fn PositionHandler) Handle
	OnTime(fn TimeHandler) Handle
	OnParseError(fn ParseErrorHandler) Handle
	Unsubscribe(h Handle)
}

type handler[T any] struct {
	id Handle
	fn T
}

// Node implements the observer half of SinkSource. Endpoints embed it and call Init.
type Node struct {
	name string
	self SinkSource

	mu       sync.RWMutex
	next     Handle
	sentence []handler[SentenceHandler]
	position []handler[PositionHandler]
	times    []handler[TimeHandler]
	errs     []handler[ParseErrorHandler]
}

// Init sets the endpoint name and the value passed as source to handlers.
func (n *Node) Init(name string, self SinkSource) {
	n.name = name
	n.self = self
}

func (n *Node) Name() string { return n.name }

// Self returns the endpoint that embeds n.
func (n *Node) Self() SinkSource { return n.self }

func (n *Node) OnSentence(fn SentenceHandler) Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.sentence = append(n.sentence, handler[SentenceHandler]{id: n.next, fn: fn})
	return n.next
}

func (n *Node) OnPosition(fn PositionHandler) Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.position = append(n.position, handler[PositionHandler]{id: n.next, fn: fn})
	return n.next
}

func (n *Node) OnTime(fn TimeHandler) Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.times = append(n.times, handler[TimeHandler]{id: n.next, fn: fn})
	return n.next
}

func (n *Node) OnParseError(fn ParseErrorHandler) Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.errs = append(n.errs, handler[ParseErrorHandler]{id: n.next, fn: fn})
	return n.next
}

func (n *Node) Unsubscribe(h Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sentence = without(n.sentence, h)
	n.position = without(n.position, h)
	n.times = without(n.times, h)
	n.errs = without(n.errs, h)
}

// without returns a new slice so that dispatch snapshots stay intact.
func without[T any](list []handler[T], h Handle) []handler[T] {
	out := make([]handler[T], 0, len(list))
	for _, e := range list {
		if e.id != h {
			out = append(out, e)
		}
	}
	return out
}

// DispatchSentence delivers s to the sentence handlers with src as origin (nil means this node)
// and derives position and time events from it.
func (n *Node) DispatchSentence(src SinkSource, s nmea.Sentence) {
	if src == nil {
		src = n.self
	}
	n.mu.RLock()
	list := n.sentence
	n.mu.RUnlock()
	for _, e := range list {
		e.fn(src, s)
	}

	if !s.Valid() {
		return
	}
	if p, ok := positionOf(s); ok {
		n.mu.RLock()
		plist := n.position
		n.mu.RUnlock()
		for _, e := range plist {
			e.fn(src, p)
		}
	}
	if t, ok := nmea.UpdatesClock(s); ok {
		n.mu.RLock()
		tlist := n.times
		n.mu.RUnlock()
		for _, e := range tlist {
			e.fn(src, t)
		}
	}
}

// DispatchParseError reports a decode or transport problem.
func (n *Node) DispatchParseError(msg string, kind nmea.ErrorKind) {
	n.mu.RLock()
	list := n.errs
	n.mu.RUnlock()
	for _, e := range list {
		e.fn(n.self, msg, kind)
	}
}

func positionOf(s nmea.Sentence) (PositionUpdate, bool) {
	switch v := s.(type) {
	case *nmea.RMC:
		p := PositionUpdate{Position: v.Position, Time: v.Time()}
		if v.TrackTrue != nil && v.SpeedKnots != nil {
			p.Track, p.SpeedKnots, p.HasVelocity = *v.TrackTrue, *v.SpeedKnots, true
		}
		return p, true
	case *nmea.GGA:
		return PositionUpdate{Position: v.Position, Time: v.Time()}, true
	case *nmea.GLL:
		return PositionUpdate{Position: v.Position, Time: v.Time()}, true
	}
	return PositionUpdate{}, false
}
