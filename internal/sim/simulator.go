package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/geo"
	"nmea-bus/internal/nav"
	"nmea-bus/internal/nmea"
)

const (
	DefaultPeriod     = time.Second
	DefaultRouteEvery = 10
)

type Config struct {
	Name string
	// Talker defaults to GP.
	Talker nmea.TalkerID
	Period time.Duration
	Motion Motion
	// Route, when set, is announced as WPL and RTE every RouteEvery ticks.
	Route      *nav.Route
	RouteEvery int
	// Variation is the magnetic variation reported in RMC, east positive.
	Variation  *float64
	Satellites int
	Now        func() time.Time
}

// Steerable motions follow steering commands received through Send.
type Steerable interface {
	Steer(track float64)
}

// Simulator is a source that emits RMC, GGA, VTG, HDT and ZDA for a simulated vessel.
// Sending it RMB or HTC steers a Steerable motion.
type Simulator struct {
	bus.Node

	cfg Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	start   time.Time
	ticks   int
	running bool
	stopped bool
}

func New(cfg Config) (*Simulator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("simulator name is required")
	}
	if cfg.Motion == nil {
		return nil, fmt.Errorf("simulator %s: motion is required", cfg.Name)
	}
	if cfg.Talker == "" {
		cfg.Talker = nmea.TalkerGPS
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.RouteEvery <= 0 {
		cfg.RouteEvery = DefaultRouteEvery
	}
	if cfg.Satellites <= 0 {
		cfg.Satellites = 8
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	s := &Simulator{cfg: cfg}
	s.Init(cfg.Name, s)
	return s, nil
}

func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%s: %w", s.Name(), bus.ErrAlreadyStarted)
	}
	if s.stopped {
		return fmt.Errorf("%s: %w", s.Name(), bus.ErrClosed)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel, s.done, s.running = cancel, make(chan struct{}), true
	if s.start.IsZero() {
		s.start = s.cfg.Now()
	}
	go s.loop(ctx, s.done)
	log.Infof("simulator %s started period=%s", s.Name(), s.cfg.Period)
	return nil
}

func (s *Simulator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.cfg.Now())
		}
	}
}

// Tick emits one set of sentences for now. The first call fixes the simulation start
// when Start has not done so.
func (s *Simulator) Tick(now time.Time) {
	s.mu.Lock()
	if s.start.IsZero() {
		s.start = now
	}
	elapsed := now.Sub(s.start)
	tick := s.ticks
	s.ticks++
	s.mu.Unlock()

	st := s.cfg.Motion.StateAt(elapsed)
	out := s.Sentences(st, now)
	if s.cfg.Route != nil && tick%s.cfg.RouteEvery == 0 {
		out = append(out, nav.RouteSentences(s.cfg.Talker, now, s.cfg.Route.Points())...)
	}
	for _, sen := range out {
		s.DispatchSentence(nil, sen)
		s.DispatchSentence(nil, nmea.AsRaw(sen))
	}
}

// Sentences renders st as the sentence set of one tick.
func (s *Simulator) Sentences(st State, now time.Time) []nmea.Sentence {
	talker := s.cfg.Talker
	hdop, alt := 0.9, 0.0
	gga := &nmea.GGA{
		Header:        nmea.NewHeader(talker, now),
		Position:      st.Position,
		Quality:       1,
		Satellites:    s.cfg.Satellites,
		HDOP:          &hdop,
		GeoidAltitude: &alt,
	}
	magnetic := st.Track
	if s.cfg.Variation != nil {
		magnetic = geo.Normalize360(geo.TrueToMagnetic(st.Track, *s.cfg.Variation))
	}
	return []nmea.Sentence{
		nmea.NewRMC(talker, now, st.Position, st.SpeedKnots, st.Track, s.cfg.Variation),
		gga,
		nmea.NewVTG(talker, now, st.Track, magnetic, st.SpeedKnots),
		nmea.NewHDT(nmea.TalkerCompass, now, st.Heading),
		nmea.NewZDA(talker, now),
	}
}

// Send applies steering commands to a Steerable motion and ignores everything else.
func (s *Simulator) Send(_ bus.SinkSource, sen nmea.Sentence) error {
	steer, ok := s.cfg.Motion.(Steerable)
	if !ok || sen == nil || !sen.Valid() {
		return nil
	}
	var track *float64
	switch v := sen.(type) {
	case *nmea.RMB:
		track = v.BearingTrue
	case *nmea.HTC:
		if v.CommandedTrack != nil {
			track = v.CommandedTrack
		} else if v.HeadingIsTrue {
			track = v.DesiredHeading
		}
	}
	if track != nil {
		log.Debugf("simulator %s steering to %.1f", s.Name(), *track)
		steer.Steer(*track)
	}
	return nil
}

func (s *Simulator) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped, s.running = true, false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
