package replay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

type SourceConfig struct {
	Name string
	Path string
	// Realtime keeps the recorded pacing; otherwise lines are delivered as fast as possible.
	Realtime bool
	// Speed scales the pacing in realtime mode, default 1.
	Speed float64
	Loop  bool
	// Sleeper overrides the pacing clock, for tests.
	Sleeper Sleeper
}

// Source plays a recording onto the bus. Sentences keep their recorded time stamps.
type Source struct {
	bus.Node

	cfg     SourceConfig
	records []Record

	mu       sync.Mutex
	parser   *bus.Parser
	pw       *io.PipeWriter
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	finished chan struct{}
	running  bool
	stopped  bool
}

// NewSource reads the recording at cfg.Path.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("replay source name is required")
	}
	recs, err := ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", cfg.Name, err)
	}
	return newSource(cfg, recs), nil
}

func newSource(cfg SourceConfig, recs []Record) *Source {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	s := &Source{cfg: cfg, records: recs, finished: make(chan struct{})}
	s.Init(cfg.Name, s)
	return s
}

// Done is closed once a non-looping playback has been delivered completely.
func (s *Source) Done() <-chan struct{} { return s.finished }

func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%s: %w", s.Name(), bus.ErrAlreadyStarted)
	}
	if s.stopped {
		return fmt.Errorf("%s: %w", s.Name(), bus.ErrClosed)
	}

	pr, pw := io.Pipe()
	p := bus.NewParser(s.Name(), pr, nil, bus.ParserOptions{SupportLogReading: true})
	var once sync.Once
	p.OnSentence(func(_ bus.SinkSource, sen nmea.Sentence) { s.DispatchSentence(nil, sen) })
	p.OnParseError(func(_ bus.SinkSource, msg string, kind nmea.ErrorKind) {
		if kind == nmea.PortClosed {
			once.Do(func() { close(s.finished) })
			return
		}
		s.DispatchParseError(msg, kind)
	})

	ctx, cancel := context.WithCancel(ctx)
	s.parser, s.pw, s.cancel, s.running = p, pw, cancel, true
	if err := p.Start(ctx); err != nil {
		cancel()
		return err
	}

	var sleeper Sleeper = noSleep{}
	if s.cfg.Realtime {
		sleeper = s.cfg.Sleeper
		if sleeper == nil {
			sleeper = ctxSleeper{ctx}
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer pw.Close()
		err := Play(s.records, s.cfg.Speed, s.cfg.Loop, sleeper, func(r Record) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			line := r.Line
			if !r.Time.IsZero() {
				line = r.Time.Format(time.RFC3339Nano) + "|" + r.Source + "|" + r.Line
			}
			_, err := io.WriteString(pw, line+"\n")
			return err
		})
		if err != nil && ctx.Err() == nil {
			log.Warnf("replay %s: %v", s.Name(), err)
		}
	}()
	log.Infof("replay %s started records=%d realtime=%v loop=%v", s.Name(), len(s.records), s.cfg.Realtime, s.cfg.Loop)
	return nil
}

// Send is a no-op, a recording cannot be written to.
func (s *Source) Send(bus.SinkSource, nmea.Sentence) error { return nil }

func (s *Source) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped, s.running = true, false
	p, pw, cancel := s.parser, s.pw, s.cancel
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	cancel()
	_ = pw.CloseWithError(io.ErrClosedPipe)
	err := p.Stop()
	s.wg.Wait()
	return err
}

type noSleep struct{}

func (noSleep) Sleep(time.Duration) {}

type ctxSleeper struct{ ctx context.Context }

func (c ctxSleeper) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
	case <-t.C:
	}
}
