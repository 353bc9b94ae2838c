package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
	"nmea-bus/internal/transport"
)

// Status counts the traffic of the watched endpoints.
type Status struct {
	startUnixNano int64
	sentences     uint64
	parseErrors   uint64
	lastSeenNano  int64
	lastError     atomic.Value // string
	router        *bus.Router
}

func NewStatus(router *bus.Router) *Status {
	s := &Status{router: router}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.lastError.Store("")
	return s
}

// Watch counts the raw sentences and parse errors of ep.
func (s *Status) Watch(ep bus.SinkSource) {
	ep.OnSentence(func(_ bus.SinkSource, sen nmea.Sentence) {
		if !nmea.IsRaw(sen) {
			return
		}
		atomic.AddUint64(&s.sentences, 1)
		atomic.StoreInt64(&s.lastSeenNano, time.Now().UTC().UnixNano())
	})
	ep.OnParseError(func(src bus.SinkSource, msg string, kind nmea.ErrorKind) {
		if kind == nmea.PortClosed {
			return
		}
		atomic.AddUint64(&s.parseErrors, 1)
		s.lastError.Store(src.Name() + ": " + msg)
	})
}

type StatusSnapshot struct {
	Service          string               `json:"service"`
	Version          string               `json:"version,omitempty"`
	GoVersion        string               `json:"go_version"`
	NowUTC           string               `json:"now_utc"`
	UptimeSec        int64                `json:"uptime_sec"`
	SentencesTotal   uint64               `json:"sentences_total"`
	ParseErrorsTotal uint64               `json:"parse_errors_total"`
	LastError        string               `json:"last_error,omitempty"`
	LastSentenceUTC  string               `json:"last_sentence_utc,omitempty"`
	LocalAddrs       []string             `json:"local_addrs"`
	Endpoints        []transport.Snapshot `json:"endpoints"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:          "nmea-bus",
		GoVersion:        runtime.Version(),
		NowUTC:           nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:        int64(nowUTC.Sub(start).Seconds()),
		SentencesTotal:   atomic.LoadUint64(&s.sentences),
		ParseErrorsTotal: atomic.LoadUint64(&s.parseErrors),
		LastError:        s.lastError.Load().(string),
		LocalAddrs:       localInterfaceAddrs(),
		Endpoints:        []transport.Snapshot{},
	}
	if snap.LocalAddrs == nil {
		snap.LocalAddrs = []string{}
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		snap.Version = bi.Main.Version
	}
	if last := atomic.LoadInt64(&s.lastSeenNano); last != 0 {
		snap.LastSentenceUTC = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
	}
	if s.router == nil {
		return snap
	}
	for _, name := range s.router.EndpointNames() {
		if name == bus.LocalName {
			continue
		}
		ep, ok := s.router.Endpoint(name)
		if !ok {
			continue
		}
		if sn, ok := ep.(transport.Snapshotter); ok {
			snap.Endpoints = append(snap.Endpoints, sn.Snapshot())
			continue
		}
		snap.Endpoints = append(snap.Endpoints, transport.Snapshot{Name: name, Kind: kindOf(ep), State: "running"})
	}
	return snap
}

func kindOf(ep bus.SinkSource) string {
	if _, ok := ep.(*bus.Discard); ok {
		return "discard"
	}
	return "endpoint"
}
