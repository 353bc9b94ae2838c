package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"nmea-bus/internal/nmea"
)

const rmcExample = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"

func nmeaLine(payload string) string {
	return fmt.Sprintf("$%s*%02X", payload, nmea.Checksum(payload))
}

type parseEvent struct {
	msg  string
	kind nmea.ErrorKind
}

type recorder struct {
	sentences chan nmea.Sentence
	errs      chan parseEvent
}

func record(ep SinkSource) *recorder {
	r := &recorder{sentences: make(chan nmea.Sentence, 64), errs: make(chan parseEvent, 64)}
	ep.OnSentence(func(_ SinkSource, s nmea.Sentence) {
		select {
		case r.sentences <- s:
		default:
		}
	})
	ep.OnParseError(func(_ SinkSource, msg string, kind nmea.ErrorKind) {
		select {
		case r.errs <- parseEvent{msg, kind}:
		default:
		}
	})
	return r
}

func (r *recorder) nextSentence(t *testing.T) nmea.Sentence {
	t.Helper()
	select {
	case s := <-r.sentences:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for sentence")
		return nil
	}
}

func (r *recorder) nextError(t *testing.T) parseEvent {
	t.Helper()
	select {
	case e := <-r.errs:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for parse error")
		return parseEvent{}
	}
}

// syncBuffer is a goroutine safe writer that reports each write.
type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes chan struct{}
	err    error
}

func newSyncBuffer() *syncBuffer { return &syncBuffer{writes: make(chan struct{}, 64)} }

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.buf.Write(p)
	select {
	case b.writes <- struct{}{}:
	default:
	}
	return n, err
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParser_DispatchesTypedAndRaw(t *testing.T) {
	pr, pw := io.Pipe()
	p := NewParser("gps", pr, nil, ParserOptions{})
	rec := record(p)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	go pw.Write([]byte(rmcExample + "\r\n"))

	first := rec.nextSentence(t)
	rmc, ok := first.(*nmea.RMC)
	if !ok {
		t.Fatalf("first=%T want *nmea.RMC", first)
	}
	if math.Abs(rmc.Position.Latitude-48.1173) > 1e-4 || math.Abs(rmc.Position.Longitude-11.516667) > 1e-4 {
		t.Fatalf("pos=%s", rmc.Position)
	}
	if *rmc.SpeedKnots != 22.4 || *rmc.TrackTrue != 84.4 {
		t.Fatalf("speed=%f track=%f", *rmc.SpeedKnots, *rmc.TrackTrue)
	}
	second := rec.nextSentence(t)
	if !nmea.IsRaw(second) || second.ID() != nmea.IDRMC {
		t.Fatalf("second=%T %s want raw RMC", second, second.ID())
	}
	select {
	case s := <-rec.sentences:
		t.Fatalf("unexpected extra sentence %T", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParser_ReportsParseErrorsAndContinues(t *testing.T) {
	bad := rmcExample[:len(rmcExample)-2] + "00"
	input := strings.Join([]string{"$GP", bad, "GPRMC,1,2,3", nmeaLine("HCHDT,12.5,T")}, "\r\n") + "\r\n"
	p := NewParser("in", io.NopCloser(strings.NewReader(input)), nil, ParserOptions{})
	rec := record(p)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	want := []nmea.ErrorKind{nmea.MessageTooShort, nmea.InvalidChecksum, nmea.NoSyncByte}
	for _, k := range want {
		if e := rec.nextError(t); e.kind != k {
			t.Fatalf("kind=%s want %s (%s)", e.kind, k, e.msg)
		}
	}
	if s := rec.nextSentence(t); s.ID() != nmea.IDHDT {
		t.Fatalf("id=%s want HDT", s.ID())
	}
	if e := rec.nextError(t); e.kind != nmea.PortClosed {
		t.Fatalf("kind=%s want port_closed", e.kind)
	}
}

func TestParser_MessageDelayed(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)
	line := nmeaLine("GPZDA,120000.00,01,03,2024,00,00")
	p := NewParser("in", strings.NewReader(line+"\n"), nil, ParserOptions{Now: func() time.Time { return now }})
	rec := record(p)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if e := rec.nextError(t); e.kind != nmea.MessageDelayed {
		t.Fatalf("kind=%s want message_delayed", e.kind)
	}
	if s := rec.nextSentence(t); s.ID() != nmea.IDZDA || nmea.IsRaw(s) {
		t.Fatalf("got %T %s, want typed ZDA still dispatched", s, s.ID())
	}
}

func TestParser_ExclusiveTalker(t *testing.T) {
	input := nmeaLine("GPHDT,1.0,T") + "\n" + nmeaLine("HCHDT,2.0,T") + "\n"
	p := NewParser("in", strings.NewReader(input), nil, ParserOptions{ExclusiveTalker: nmea.TalkerCompass})
	rec := record(p)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	s := rec.nextSentence(t)
	if s.Talker() != nmea.TalkerCompass {
		t.Fatalf("talker=%s want HC", s.Talker())
	}
}

func TestParser_StartTwice(t *testing.T) {
	pr, _ := io.Pipe()
	p := NewParser("x", pr, nil, ParserOptions{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err=%v want ErrAlreadyStarted", err)
	}
}

func TestParser_StopJoinsAndSilences(t *testing.T) {
	pr, pw := io.Pipe()
	p := NewParser("x", pr, nil, ParserOptions{})
	var mu sync.Mutex
	count := 0
	p.OnSentence(func(SinkSource, nmea.Sentence) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// The reader is closed, so writes fail and nothing is dispatched.
	if _, err := pw.Write([]byte(nmeaLine("GPHDT,1.0,T") + "\n")); err == nil {
		t.Fatalf("expected write to closed pipe to fail")
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("count=%d want 0", count)
	}
	if err := p.Send(nil, nmea.NewHDT("", time.Time{}, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}

func TestParser_SupersededSentencesAreDropped(t *testing.T) {
	pr, _ := io.Pipe()
	out := newSyncBuffer()
	p := NewParser("ap", pr, out, ParserOptions{})

	now := time.Now().UTC()
	first := &nmea.XTE{Header: nmea.NewHeader(nmea.TalkerAutopilot, now), CrossTrackError: 0.1}
	other := nmea.NewHDT(nmea.TalkerAutopilot, now, 10)
	second := &nmea.XTE{Header: nmea.NewHeader(nmea.TalkerAutopilot, now), CrossTrackError: 0.2}
	invalid := &nmea.XTE{Header: nmea.Header{TalkerID: nmea.TalkerAutopilot, At: now}}
	// Queued before Start so the sender sees all of them at once.
	for _, s := range []nmea.Sentence{invalid, first, other, second} {
		if err := p.Send(nil, s); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-out.writes:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for write %d", i)
		}
	}
	time.Sleep(20 * time.Millisecond)
	lines := strings.Split(strings.TrimSpace(out.String()), "\r\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%q want 2", lines)
	}
	if lines[0] != nmea.Encode(other) || lines[1] != nmea.Encode(second) {
		t.Fatalf("lines=%q", lines)
	}
}

func TestParser_WriteErrorSurfacesOnNextSend(t *testing.T) {
	pr, _ := io.Pipe()
	out := newSyncBuffer()
	out.err = errors.New("broken pipe")
	p := NewParser("tcp", pr, out, ParserOptions{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := p.Send(nil, nmea.NewHDT("", time.Time{}, 1)); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := p.Send(nil, nmea.NewHDT("", time.Time{}, 2)); err != nil {
			if !strings.Contains(err.Error(), "broken pipe") {
				t.Fatalf("err=%v", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("write error never surfaced")
}

func TestParser_LogReading(t *testing.T) {
	line := "2024-03-01T12:00:00Z|gps|" + nmeaLine("GPGGA,115959,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")
	p := NewParser("log", strings.NewReader(line+"\n"), nil, ParserOptions{SupportLogReading: true})
	rec := record(p)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	s := rec.nextSentence(t)
	want := time.Date(2024, 3, 1, 11, 59, 59, 0, time.UTC)
	if !s.Time().Equal(want) {
		t.Fatalf("time=%s want %s", s.Time(), want)
	}
	if raw := rec.nextSentence(t); !raw.Time().Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("raw time=%s", raw.Time())
	}
}

func TestParser_UnterminatedGarbageIsBounded(t *testing.T) {
	pr, pw := io.Pipe()
	p := NewParser("gps", pr, nil, ParserOptions{})
	rec := record(p)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	go func() {
		_, _ = pw.Write(bytes.Repeat([]byte{0xA5}, 3*maxLineBuffer))
		_, _ = pw.Write([]byte("tail\r\n" + rmcExample + "\r\n"))
	}()

	e := rec.nextError(t)
	if e.kind != nmea.MessageTooLong {
		t.Fatalf("kind=%v want MessageTooLong (%s)", e.kind, e.msg)
	}
	if _, ok := rec.nextSentence(t).(*nmea.RMC); !ok {
		t.Fatalf("sentence after garbage was not decoded")
	}
	select {
	case e := <-rec.errs:
		t.Fatalf("unexpected second error %v: %s", e.kind, e.msg)
	default:
	}
}
