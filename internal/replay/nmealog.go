// Package replay records bus traffic to a file and plays recordings back as a bus source.
package replay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/klauspost/compress/zstd"
)

var log = logging.Logger("nmea-bus/replay")

// Log format: line-oriented text, optionally zstd compressed as a whole.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START <unix_ns>" resets the origin; the wall clock time is optional.
// - Data lines are: <t_ns>,<source>,<sentence>
//   where t_ns is nanoseconds since START and sentence is the encoded NMEA line.

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Record is one recorded line. A record with an empty Line is a START marker.
type Record struct {
	At     time.Duration
	Source string
	Line   string
	// Time is the wall clock time of the record, zero when the START marker carried none.
	Time time.Time
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	br := bufio.NewReader(rr.r)
	var src io.Reader = br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	s := bufio.NewScanner(src)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	var base time.Time
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" || strings.HasPrefix(line, "START ") {
			base = time.Time{}
			if ts := strings.TrimSpace(strings.TrimPrefix(line, "START")); ts != "" {
				ns, err := strconv.ParseInt(ts, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid replay start time %q: %w", ts, err)
				}
				base = time.Unix(0, ns).UTC()
			}
			recs = append(recs, Record{Time: base})
			continue
		}

		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid replay line (missing comma): %q", line)
		}
		tsStr := strings.TrimSpace(parts[0])
		sentence := strings.TrimSpace(parts[2])
		if tsStr == "" || sentence == "" {
			return nil, fmt.Errorf("invalid replay line (empty field): %q", line)
		}
		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid replay timestamp %q: %w", tsStr, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("invalid replay timestamp (negative): %d", tsNs)
		}
		rec := Record{At: time.Duration(tsNs), Source: strings.TrimSpace(parts[1]), Line: sentence}
		if !base.IsZero() {
			rec.Time = base.Add(rec.At)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadFile reads a recording, compressed or not.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

type Writer struct {
	f      *os.File
	z      *zstd.Encoder
	w      *bufio.Writer
	start  time.Time
	closed bool
}

// CreateWriter truncates path and writes the START header for start.
func CreateWriter(path string, start time.Time, compress bool) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	ww := &Writer{f: f, start: start}
	var out io.Writer = f
	if compress {
		z, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		ww.z = z
		out = z
	}
	ww.w = bufio.NewWriterSize(out, 64*1024)
	if _, err := fmt.Fprintf(ww.w, "START %d\n", start.UnixNano()); err != nil {
		_ = ww.Close()
		return nil, err
	}
	return ww, nil
}

func (ww *Writer) WriteLine(now time.Time, source, sentence string) error {
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	if sentence == "" {
		return errors.New("sentence is empty")
	}
	if strings.ContainsAny(source, ",\n") {
		return fmt.Errorf("invalid source name %q", source)
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%s,%s\n", d.Nanoseconds(), source, sentence)
	return err
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	if err := ww.w.Flush(); err != nil {
		return err
	}
	if ww.z != nil {
		return ww.z.Flush()
	}
	return nil
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	errs := []error{ww.w.Flush()}
	if ww.z != nil {
		errs = append(errs, ww.z.Close())
	}
	errs = append(errs, ww.f.Close())
	return errors.Join(errs...)
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play replays records with their relative timing.
//
// The callback is invoked for each data record. START markers reset the origin.
//
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
func Play(records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(r Record) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var origin time.Duration
		var lastAt time.Duration
		var haveLast bool

		for _, r := range records {
			if r.Line == "" {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				wait := at - lastAt
				if wait < 0 {
					wait = 0
				}
				wait = time.Duration(float64(wait) / speedMultiplier)
				if wait > 0 {
					sleeper.Sleep(wait)
				}
			}

			if err := cb(r); err != nil {
				return err
			}

			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}
