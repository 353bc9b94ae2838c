package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"nmea-bus/internal/nmea"
)

const (
	// LocalName is the reserved endpoint name of the router itself. Sentences routed to it are
	// delivered to the router's own handlers; sentences sent into the router originate from it.
	LocalName = "local"
	// LoggerName is the reserved endpoint name of the traffic logger.
	LoggerName = "logger"

	// AnySource matches every source in a rule.
	AnySource = "*"
)

// TransformFunc may replace a sentence before it reaches dst. Returning false suppresses it.
type TransformFunc func(src, dst SinkSource, s nmea.Sentence) (nmea.Sentence, bool)

// FilterRule selects sentences by origin and address and forwards them to Sinks.
type FilterRule struct {
	// Source is an endpoint name, or AnySource / empty for all.
	Source   string
	Talker   nmea.TalkerID
	Sentence nmea.SentenceID
	// IncludeTyped also matches the typed form of a sentence. By default only the raw form
	// matches, so each line is delivered once.
	IncludeTyped bool
	Sinks        []string
	Transform    TransformFunc
	// ContinueAfterMatch evaluates later rules as well after this one matched.
	ContinueAfterMatch bool
}

func (f FilterRule) matches(srcName string, s nmea.Sentence) bool {
	if !s.Valid() {
		return false
	}
	if !f.IncludeTyped && !nmea.IsRaw(s) {
		return false
	}
	if f.Source != "" && f.Source != AnySource && f.Source != srcName {
		return false
	}
	talker := f.Talker
	if talker == "" {
		talker = nmea.TalkerAny
	}
	id := f.Sentence
	if id == "" {
		id = nmea.SentenceAny
	}
	return talker.Matches(s.Talker()) && id.Matches(s.ID())
}

// Router forwards sentences between named endpoints according to an ordered rule list.
type Router struct {
	Node

	mu        sync.RWMutex
	endpoints map[string]SinkSource
	subs      map[string]Handle

	// Published as an immutable snapshot, replaced on every change.
	rules   atomic.Pointer[[]FilterRule]
	rulesMu sync.Mutex

	started atomic.Bool
}

// NewRouter creates a router. logger receives sentences routed to LoggerName; nil discards them.
func NewRouter(logger SinkSource) *Router {
	r := &Router{
		endpoints: make(map[string]SinkSource),
		subs:      make(map[string]Handle),
	}
	r.Node.Init(LocalName, r)
	empty := []FilterRule{}
	r.rules.Store(&empty)
	if logger == nil {
		logger = NewDiscard(LoggerName)
	}
	r.endpoints[LocalName] = r
	r.endpoints[LoggerName] = logger
	return r
}

// AddEndpoint registers ep under its name and starts routing its sentences.
func (r *Router) AddEndpoint(ep SinkSource) error {
	name := ep.Name()
	if name == "" || name == AnySource {
		return fmt.Errorf("router: invalid endpoint name %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[name]; ok {
		return fmt.Errorf("router: endpoint %q already registered", name)
	}
	r.endpoints[name] = ep
	r.subs[name] = ep.OnSentence(func(src SinkSource, s nmea.Sentence) {
		r.route(ep, s)
	})
	return nil
}

// RemoveEndpoint unregisters name. Rules naming it stay but no longer deliver.
func (r *Router) RemoveEndpoint(name string) (SinkSource, bool) {
	if name == LocalName || name == LoggerName {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return nil, false
	}
	ep.Unsubscribe(r.subs[name])
	delete(r.subs, name)
	delete(r.endpoints, name)
	return ep, true
}

// Endpoint returns the endpoint registered as name.
func (r *Router) Endpoint(name string) (SinkSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

// EndpointNames lists all registered names, including the reserved ones.
func (r *Router) EndpointNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) validate(rule FilterRule) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rule.Source != "" && rule.Source != AnySource {
		if _, ok := r.endpoints[rule.Source]; !ok {
			return fmt.Errorf("router: unknown source %q", rule.Source)
		}
	}
	if len(rule.Sinks) == 0 {
		return fmt.Errorf("router: rule has no sinks")
	}
	for _, name := range rule.Sinks {
		if _, ok := r.endpoints[name]; !ok {
			return fmt.Errorf("router: unknown sink %q", name)
		}
	}
	return nil
}

// AddFilterRule appends rule after validating the names it references.
func (r *Router) AddFilterRule(rule FilterRule) error {
	if err := r.validate(rule); err != nil {
		return err
	}
	rule.Sinks = append([]string(nil), rule.Sinks...)

	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	cur := *r.rules.Load()
	next := make([]FilterRule, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, rule)
	r.rules.Store(&next)
	return nil
}

// SetFilterRules replaces all rules. Nothing changes if any rule is invalid.
func (r *Router) SetFilterRules(rules []FilterRule) error {
	next := make([]FilterRule, 0, len(rules))
	for i, rule := range rules {
		if err := r.validate(rule); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		rule.Sinks = append([]string(nil), rule.Sinks...)
		next = append(next, rule)
	}
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	r.rules.Store(&next)
	return nil
}

// FilterRules returns the current rule list.
func (r *Router) FilterRules() []FilterRule {
	cur := *r.rules.Load()
	out := make([]FilterRule, len(cur))
	copy(out, cur)
	return out
}

// Start starts every registered endpoint.
func (r *Router) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("router: %w", ErrAlreadyStarted)
	}
	for _, name := range r.EndpointNames() {
		if name == LocalName {
			continue
		}
		ep, ok := r.Endpoint(name)
		if !ok {
			continue
		}
		if err := ep.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			return fmt.Errorf("router: start %s: %w", name, err)
		}
		log.Debugf("endpoint started name=%s", name)
	}
	return nil
}

// Stop stops every registered endpoint.
func (r *Router) Stop() error {
	if !r.started.CompareAndSwap(true, false) {
		return nil
	}
	var errs []error
	for _, name := range r.EndpointNames() {
		if name == LocalName {
			continue
		}
		if ep, ok := r.Endpoint(name); ok {
			if err := ep.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Send routes s as if it arrived from src. A nil src means the local endpoint.
func (r *Router) Send(src SinkSource, s nmea.Sentence) error {
	if src == nil {
		src = r
	}
	r.route(src, s)
	return nil
}

func (r *Router) route(src SinkSource, s nmea.Sentence) {
	srcName := src.Name()
	if src == SinkSource(r) {
		srcName = LocalName
	}
	rules := *r.rules.Load()
	for _, rule := range rules {
		if !rule.matches(srcName, s) {
			continue
		}
		for _, dstName := range rule.Sinks {
			if dstName == LocalName && srcName == LocalName {
				continue
			}
			dst, ok := r.Endpoint(dstName)
			if !ok {
				continue
			}
			out := s
			if rule.Transform != nil {
				var keep bool
				out, keep = rule.Transform(src, dst, s)
				if !keep || out == nil {
					continue
				}
			}
			if dstName == LocalName {
				r.DispatchSentence(src, out)
				continue
			}
			if err := dst.Send(src, out); err != nil {
				log.Debugf("forward failed src=%s dst=%s err=%v", srcName, dstName, err)
			}
		}
		if !rule.ContinueAfterMatch {
			break
		}
	}
}

// Discard is a SinkSource that drops everything sent to it.
type Discard struct {
	Node
}

// NewDiscard returns a Discard endpoint named name.
func NewDiscard(name string) *Discard {
	d := &Discard{}
	d.Node.Init(name, d)
	return d
}

func (d *Discard) Start(context.Context) error          { return nil }
func (d *Discard) Stop() error                          { return nil }
func (d *Discard) Send(SinkSource, nmea.Sentence) error { return nil }
