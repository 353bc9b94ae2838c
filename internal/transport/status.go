// Package transport binds the bus to byte streams: a TCP server and client, UDP broadcast
// and serial ports. Every endpoint decodes through one or more bus.Parser instances.
package transport

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

var log = logging.Logger("nmea-bus/transport")

// Snapshot is the connection state of an endpoint, for status pages.
type Snapshot struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Addr        string `json:"addr,omitempty"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Sentences   uint64 `json:"sentences"`
	Clients     int    `json:"clients,omitempty"`
}

// Snapshotter is implemented by every endpoint of this package.
type Snapshotter interface {
	Snapshot() Snapshot
}

type status struct {
	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
}

func (s *status) setState(state string, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	} else if state == "connected" || state == "connecting" || state == "listening" || state == "stopped" {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

func (s *status) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *status) seen() {
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastSeen = now
	s.count++
	s.mu.Unlock()
}

func (s *status) snapshot(name, kind, addr string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Name:      name,
		Kind:      kind,
		Addr:      addr,
		State:     s.state,
		LastError: s.lastErr,
		Sentences: s.count,
	}
	if out.State == "" {
		out.State = "stopped"
	}
	if !s.lastSeen.IsZero() {
		out.LastSeenUTC = s.lastSeen.Format(time.RFC3339Nano)
	}
	return out
}

// relay re-publishes the events of child through parent, with parent as the origin.
// Every received line is counted once, on its raw form.
func relay(parent *bus.Node, child bus.SinkSource, st *status) {
	child.OnSentence(func(_ bus.SinkSource, s nmea.Sentence) {
		if nmea.IsRaw(s) {
			st.seen()
		}
		parent.DispatchSentence(nil, s)
	})
	child.OnParseError(func(_ bus.SinkSource, msg string, kind nmea.ErrorKind) {
		if kind != nmea.PortClosed {
			st.setError(msg)
		}
		parent.DispatchParseError(msg, kind)
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
