package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"nmea-bus/internal/nmea"
)

// maxLineBuffer bounds the bytes buffered while looking for a line terminator.
const maxLineBuffer = 4096

// ParserOptions tunes a Parser. The zero value is usable.
type ParserOptions struct {
	// ExclusiveTalker drops every sentence of another talker. Empty or TalkerAny accepts all.
	ExclusiveTalker nmea.TalkerID
	// SupportLogReading accepts "<time>|<source>|<sentence>" log lines and takes the time
	// reference from the log instead of the local clock.
	SupportLogReading bool
	// ForwardOutdated disables dropping queued sentences that have been superseded.
	ForwardOutdated bool
	// ClosedRetry is the pause after end of stream before reading again (default 50ms).
	ClosedRetry time.Duration
	// MaxDelay is the age above which MessageDelayed is reported (default 5s).
	MaxDelay time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Parser is a SinkSource backed by a byte stream. It decodes lines on one goroutine and writes
// queued sentences on another.
type Parser struct {
	Node

	opts ParserOptions
	r    io.Reader
	w    io.Writer

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []nmea.Sentence
	writeErr error
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Only touched by the decode goroutine after Start.
	lastPacketTime time.Time
}

// NewParser wraps r (decode side) and w (send side, may be nil or the same stream as r).
func NewParser(name string, r io.Reader, w io.Writer, opts ParserOptions) *Parser {
	if opts.ClosedRetry <= 0 {
		opts.ClosedRetry = 50 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.ExclusiveTalker == "" {
		opts.ExclusiveTalker = nmea.TalkerAny
	}
	p := &Parser{opts: opts, r: r, w: w}
	p.cond = sync.NewCond(&p.mu)
	p.lastPacketTime = opts.Now()
	p.Node.Init(name, p)
	return p
}

// SetLastPacketTime sets the reference date for sentences without one. Call before Start.
func (p *Parser) SetLastPacketTime(t time.Time) {
	p.lastPacketTime = t
}

func (p *Parser) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("%s: nil context", p.Name())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("%s: %w", p.Name(), ErrAlreadyStarted)
	}
	if p.stopped {
		return fmt.Errorf("%s: %w", p.Name(), ErrClosed)
	}
	p.running = true
	childCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.decodeLoop(childCtx)
	}()
	go func() {
		defer p.wg.Done()
		p.sendLoop(childCtx)
	}()
	// Wake the sender when the parent context ends without Stop.
	go func() {
		<-childCtx.Done()
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	return nil
}

// Stop cancels both loops, closes the streams and waits for the loops to exit. No events fire
// after Stop returns.
func (p *Parser) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	wasRunning := p.running
	p.running = false
	p.stopped = true
	p.queue = nil
	if p.cancel != nil {
		p.cancel()
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	err := p.closeStreams()
	if wasRunning {
		p.wg.Wait()
	}
	return err
}

func (p *Parser) closeStreams() error {
	var errs []error
	rc, _ := p.r.(io.Closer)
	if rc != nil {
		errs = append(errs, rc.Close())
	}
	if wc, ok := p.w.(io.Closer); ok && wc != rc {
		errs = append(errs, wc.Close())
	}
	return errors.Join(errs...)
}

// Send queues s. A write failure of an earlier sentence is returned here instead.
func (p *Parser) Send(_ SinkSource, s nmea.Sentence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	if p.stopped {
		return fmt.Errorf("%s: %w", p.Name(), ErrClosed)
	}
	if p.w == nil {
		return nil
	}
	p.queue = append(p.queue, s)
	p.cond.Signal()
	return nil
}

func (p *Parser) decodeLoop(ctx context.Context) {
	br := bufio.NewReaderSize(p.r, maxLineBuffer)
	// overlong is set while the rest of an unterminated oversized line is skipped.
	overlong := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !overlong {
				overlong = true
				p.DispatchParseError(fmt.Sprintf("no line terminator within %d bytes, discarding input", maxLineBuffer), nmea.MessageTooLong)
			}
			continue
		}
		switch {
		case overlong:
			overlong = err != nil
		case len(chunk) > 0:
			p.handleLine(ctx, string(chunk))
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			p.DispatchParseError("end of stream detected", nmea.PortClosed)
		} else {
			p.DispatchParseError(err.Error(), nmea.PortClosed)
		}
		if !sleepCtx(ctx, p.opts.ClosedRetry) {
			return
		}
	}
}

func (p *Parser) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if p.opts.SupportLogReading && strings.Contains(line, "|") {
		// time|source|sentence
		parts := strings.Split(line, "|")
		if len(parts) >= 3 {
			if t, err := time.Parse(time.RFC3339Nano, parts[0]); err == nil {
				p.lastPacketTime = t.UTC()
			}
			line = parts[2]
		}
	}

	now := p.opts.Now()
	stamp := now
	if p.opts.SupportLogReading {
		stamp = p.lastPacketTime
	}
	raw, err := nmea.Parse(line, stamp)
	if err != nil {
		p.DispatchParseError(fmt.Sprintf("received invalid sentence %s: %v", line, err), nmea.KindOf(err))
		return
	}
	if !p.opts.ExclusiveTalker.Matches(raw.Talker()) {
		return
	}
	typed, err := nmea.Decode(raw, p.lastPacketTime)
	if errors.Is(err, nmea.ErrIgnore) {
		return
	}
	if err != nil {
		p.DispatchParseError(fmt.Sprintf("cannot decode %s: %v", line, err), nmea.ErrorNone)
		return
	}
	if t, ok := nmea.UpdatesClock(typed); ok {
		p.lastPacketTime = t
	}

	// Only sentences with their own absolute time are checked, a wrong local clock
	// would otherwise flag everything.
	if !p.opts.SupportLogReading && nmea.CarriesOwnTime(typed) && typed.Valid() {
		if age := nmea.Age(typed, now); age > p.opts.MaxDelay {
			p.DispatchParseError(fmt.Sprintf("message %s%s is already %s old when it is processed", typed.Talker(), typed.ID(), age.Round(time.Millisecond)), nmea.MessageDelayed)
		}
	}

	if ctx.Err() != nil {
		return
	}
	p.DispatchSentence(nil, typed)
	if !nmea.IsRaw(typed) {
		p.DispatchSentence(nil, raw)
	}
}

func (p *Parser) sendLoop(ctx context.Context) {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && ctx.Err() == nil {
			p.cond.Wait()
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		s := p.queue[0]
		p.queue = p.queue[1:]
		superseded := false
		if s.ReplacesOlderInstance() && !p.opts.ForwardOutdated {
			for _, q := range p.queue {
				if q.ID() == s.ID() && q.Talker() == s.Talker() {
					superseded = true
					break
				}
			}
		}
		p.mu.Unlock()

		if superseded || !s.Valid() {
			continue
		}
		if _, err := io.WriteString(p.w, nmea.Encode(s)+"\r\n"); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("write failed endpoint=%s err=%v", p.Name(), err)
			p.mu.Lock()
			p.writeErr = fmt.Errorf("%s: write: %w", p.Name(), err)
			p.mu.Unlock()
		}
	}
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
