// Package cache keeps the most recent sentences seen on the bus, globally and per source, and
// reassembles sentence families that arrive in several parts.
package cache

import (
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

var log = logging.Logger("nmea-bus/cache")

const (
	// MaxRouteFragments bounds the route fragment ring.
	MaxRouteFragments = nmea.MaxRouteParts
	// MaxSatelliteFragments bounds the satellites-in-view ring.
	MaxSatelliteFragments = 20
)

var groupedIDs = map[nmea.SentenceID]bool{
	nmea.IDGSV: true,
	nmea.IDRTE: true,
	nmea.IDWPL: true,
	nmea.IDXDR: true,
	nmea.IDDIN: true,
}

type Config struct {
	// MaxAge is how long a sentence stays retrievable. Default 30s.
	MaxAge time.Duration
	// SweepInterval is the minimum time between two purges of stale entries. Default 5s.
	SweepInterval time.Duration
	// StoreRawSentences also keeps the untyped form of every sentence.
	StoreRawSentences bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type transducer struct {
	m  nmea.Measurement
	at time.Time
}

// SentenceCache is safe for concurrent use. Returned slices and maps are copies.
type SentenceCache struct {
	cfg Config

	mu          sync.Mutex
	latest      map[nmea.SentenceID]nmea.Sentence
	raw         map[nmea.SentenceID]*nmea.Raw
	bySource    map[string]map[nmea.SentenceID]nmea.Sentence
	routes      []*nmea.RTE
	satellites  []*nmea.GSV
	waypoints   map[string]*nmea.WPL
	transducers map[string]transducer
	proprietary map[int]*nmea.DIN
	lastSweep   time.Time

	subs []subscription
}

type subscription struct {
	ep bus.SinkSource
	h  bus.Handle
}

func New(cfg Config) *SentenceCache {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	c := &SentenceCache{cfg: cfg}
	c.reset()
	return c
}

func (c *SentenceCache) reset() {
	c.latest = make(map[nmea.SentenceID]nmea.Sentence)
	c.raw = make(map[nmea.SentenceID]*nmea.Raw)
	c.bySource = make(map[string]map[nmea.SentenceID]nmea.Sentence)
	c.routes = nil
	c.satellites = nil
	c.waypoints = make(map[string]*nmea.WPL)
	c.transducers = make(map[string]transducer)
	c.proprietary = make(map[int]*nmea.DIN)
	c.lastSweep = c.cfg.Now()
}

// MaxAge returns the configured retention.
func (c *SentenceCache) MaxAge() time.Duration { return c.cfg.MaxAge }

// Attach stores every sentence ep delivers.
func (c *SentenceCache) Attach(ep bus.SinkSource) {
	h := ep.OnSentence(func(src bus.SinkSource, s nmea.Sentence) {
		name := bus.LocalName
		if src != nil {
			name = src.Name()
		}
		c.Add(name, s)
	})
	c.mu.Lock()
	c.subs = append(c.subs, subscription{ep: ep, h: h})
	c.mu.Unlock()
}

// Detach undoes every Attach.
func (c *SentenceCache) Detach() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.ep.Unsubscribe(s.h)
	}
}

// Add stores s as received from source. An empty source means the local endpoint.
func (c *SentenceCache) Add(source string, s nmea.Sentence) {
	if s == nil || !s.Valid() {
		return
	}
	if source == "" {
		source = bus.LocalName
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := s.(*nmea.Raw); ok {
		if c.cfg.StoreRawSentences {
			c.raw[r.ID()] = r
		}
		return
	}

	if !groupedIDs[s.ID()] {
		c.latest[s.ID()] = s
		bucket := c.bySource[source]
		if bucket == nil {
			bucket = make(map[nmea.SentenceID]nmea.Sentence)
			c.bySource[source] = bucket
		}
		bucket[s.ID()] = s
		return
	}

	switch v := s.(type) {
	case *nmea.RTE:
		c.routes = append(c.routes, v)
		if n := len(c.routes); n > MaxRouteFragments {
			c.routes = append([]*nmea.RTE(nil), c.routes[n-MaxRouteFragments:]...)
		}
	case *nmea.GSV:
		c.satellites = append(c.satellites, v)
		if n := len(c.satellites); n > MaxSatelliteFragments {
			c.satellites = append([]*nmea.GSV(nil), c.satellites[n-MaxSatelliteFragments:]...)
		}
	case *nmea.WPL:
		c.waypoints[v.Name] = v
	case *nmea.XDR:
		for _, m := range v.Measurements {
			c.transducers[m.Name] = transducer{m: m, at: v.Time()}
		}
	case *nmea.DIN:
		c.proprietary[v.PGN] = v
	default:
		log.Debugf("grouped sentence with unexpected type id=%s type=%T", s.ID(), s)
	}
}

// sweep must be called with c.mu held.
func (c *SentenceCache) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < c.cfg.SweepInterval {
		return
	}
	c.lastSweep = now
	stale := func(s nmea.Sentence) bool { return nmea.Age(s, now) > c.cfg.MaxAge }

	for id, s := range c.latest {
		if stale(s) {
			delete(c.latest, id)
		}
	}
	for id, s := range c.raw {
		if stale(s) {
			delete(c.raw, id)
		}
	}
	for src, bucket := range c.bySource {
		for id, s := range bucket {
			if stale(s) {
				delete(bucket, id)
			}
		}
		if len(bucket) == 0 {
			delete(c.bySource, src)
		}
	}
	allStale := true
	for _, r := range c.routes {
		if !stale(r) {
			allStale = false
			break
		}
	}
	if allStale {
		c.routes = nil
	}
	allStale = true
	for _, g := range c.satellites {
		if !stale(g) {
			allStale = false
			break
		}
	}
	if allStale {
		c.satellites = nil
	}
}

func (c *SentenceCache) fresh(s nmea.Sentence, now time.Time, maxAge time.Duration) bool {
	return s != nil && nmea.Age(s, now) <= maxAge
}

// LastSentence returns the newest sentence with id from any source.
func (c *SentenceCache) LastSentence(id nmea.SentenceID) (nmea.Sentence, bool) {
	return c.LastSentenceMaxAge(id, c.cfg.MaxAge)
}

// LastSentenceMaxAge is LastSentence with a tighter age limit.
func (c *SentenceCache) LastSentenceMaxAge(id nmea.SentenceID, maxAge time.Duration) (nmea.Sentence, bool) {
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(now)
	s, ok := c.latest[id]
	if !ok || !c.fresh(s, now, maxAge) {
		return nil, false
	}
	return s, true
}

// LastSentenceFrom returns the newest sentence with id received from source.
func (c *SentenceCache) LastSentenceFrom(source string, id nmea.SentenceID) (nmea.Sentence, bool) {
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(now)
	s, ok := c.bySource[source][id]
	if !ok || !c.fresh(s, now, c.cfg.MaxAge) {
		return nil, false
	}
	return s, true
}

// LastRawSentence returns the newest raw sentence with id. Requires StoreRawSentences.
func (c *SentenceCache) LastRawSentence(id nmea.SentenceID) (*nmea.Raw, bool) {
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(now)
	r, ok := c.raw[id]
	if !ok || !c.fresh(r, now, c.cfg.MaxAge) {
		return nil, false
	}
	return r, true
}

// Routes returns the cached route fragments, newest first.
func (c *SentenceCache) Routes() []*nmea.RTE {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(c.cfg.Now())
	out := make([]*nmea.RTE, len(c.routes))
	for i, r := range c.routes {
		out[len(out)-1-i] = r
	}
	return out
}

// Satellites returns the cached satellites-in-view fragments, newest first.
func (c *SentenceCache) Satellites() []*nmea.GSV {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(c.cfg.Now())
	out := make([]*nmea.GSV, len(c.satellites))
	for i, g := range c.satellites {
		out[len(out)-1-i] = g
	}
	return out
}

// Waypoint returns the waypoint named name.
func (c *SentenceCache) Waypoint(name string) (*nmea.WPL, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waypoints[name]
	return w, ok
}

// Waypoints returns all known waypoints sorted by name.
func (c *SentenceCache) Waypoints() []*nmea.WPL {
	c.mu.Lock()
	out := make([]*nmea.WPL, 0, len(c.waypoints))
	for _, w := range c.waypoints {
		out = append(out, w)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RemoveWaypoint forgets the waypoint named name.
func (c *SentenceCache) RemoveWaypoint(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waypoints, name)
}

// Transducer returns the latest XDR measurement named name and when it was received.
func (c *SentenceCache) Transducer(name string) (nmea.Measurement, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transducers[name]
	return t.m, t.at, ok
}

// Proprietary returns the latest DIN sentence carrying pgn.
func (c *SentenceCache) Proprietary(pgn int) (*nmea.DIN, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.proprietary[pgn]
	return d, ok
}

// Snapshot returns the fresh standalone sentences from all sources, keyed by id.
func (c *SentenceCache) Snapshot() map[nmea.SentenceID]nmea.Sentence {
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(now)
	out := make(map[nmea.SentenceID]nmea.Sentence, len(c.latest))
	for id, s := range c.latest {
		if c.fresh(s, now, c.cfg.MaxAge) {
			out[id] = s
		}
	}
	return out
}

// Sources lists the names of endpoints with at least one cached sentence.
func (c *SentenceCache) Sources() []string {
	c.mu.Lock()
	c.sweep(c.cfg.Now())
	out := make([]string, 0, len(c.bySource))
	for name := range c.bySource {
		out = append(out, name)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Clear drops everything.
func (c *SentenceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}
