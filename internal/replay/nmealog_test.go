package replay

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(d time.Duration) {
	fs.slept = append(fs.slept, d)
}

func TestReaderReadAll(t *testing.T) {
	in := strings.NewReader(`
# comment

START 1000000000
0,gps,$GPHDT,1.0,T*00
10, compass ,$HCHDT,2.0,T*00
`)

	recs, err := NewReader(in).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Line != "" || !recs[0].Time.Equal(time.Unix(1, 0)) {
		t.Fatalf("expected START marker at 1s, got %+v", recs[0])
	}
	if recs[1].At != 0 || recs[1].Source != "gps" || recs[1].Line != "$GPHDT,1.0,T*00" {
		t.Fatalf("unexpected record 1: %+v", recs[1])
	}
	if recs[2].At != 10*time.Nanosecond || recs[2].Source != "compass" {
		t.Fatalf("unexpected record 2: %+v", recs[2])
	}
	if !recs[2].Time.Equal(time.Unix(1, 10)) {
		t.Fatalf("record 2 time=%s", recs[2].Time)
	}
}

func TestReaderReadAll_PlainStart(t *testing.T) {
	recs, err := NewReader(strings.NewReader("START\n5,a,$GPHDT,1.0,T*00\n")).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 2 || !recs[1].Time.IsZero() {
		t.Fatalf("records=%+v", recs)
	}
}

func TestReaderReadAll_InvalidLine(t *testing.T) {
	for _, in := range []string{"not-a-valid-line\n", "x,src,$GPHDT\n", "-5,src,$GPHDT\n", "START abc\n"} {
		if _, err := NewReader(strings.NewReader(in)).ReadAll(); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestPlay_RespectsTimingAndStart(t *testing.T) {
	var lines []string
	fs := &fakeSleeper{}

	recs := []Record{
		{At: 1 * time.Second},
		{At: 1 * time.Second, Line: "a"},
		{At: 1*time.Second + 100*time.Nanosecond, Line: "b"},
		{At: 2 * time.Second},
		{At: 2*time.Second + 50*time.Nanosecond, Line: "c"},
	}

	err := Play(recs, 1.0, false, fs, func(r Record) error {
		lines = append(lines, r.Line)
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"a", "b", "c"}) {
		t.Fatalf("lines = %v", lines)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{100 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [100ns]", fs.slept)
	}
}

func TestPlay_SpeedMultiplier(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{At: 0, Line: "a"},
		{At: 100 * time.Nanosecond, Line: "b"},
	}

	if err := Play(recs, 2.0, false, fs, func(Record) error { return nil }); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{50 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [50ns]", fs.slept)
	}
}

func TestPlay_InvalidArguments(t *testing.T) {
	recs := []Record{{At: 0, Line: "a"}}
	if err := Play(recs, 0, false, nil, func(Record) error { return nil }); err == nil {
		t.Fatalf("expected error for zero speed")
	}
	if err := Play(nil, 1, false, nil, func(Record) error { return nil }); err == nil {
		t.Fatalf("expected error for no records")
	}
}

func TestWriter_WritesExpectedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	w, err := CreateWriter(path, time.Unix(0, 0), false)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	if err := w.WriteLine(time.Unix(0, 20), "gps", "$GPHDT,1.0,T*00"); err != nil {
		t.Fatalf("WriteLine() error: %v", err)
	}
	if err := w.WriteLine(time.Unix(0, 30), "bad,name", "$GPHDT,1.0,T*00"); err == nil {
		t.Fatalf("expected error for a source name with a comma")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.WriteLine(time.Unix(0, 40), "gps", "x"); err == nil {
		t.Fatalf("expected error after Close")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(b) != "START 0\n20,gps,$GPHDT,1.0,T*00\n" {
		t.Fatalf("unexpected file contents: %q", string(b))
	}
}

func TestWriter_CompressedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log.zst")
	start := time.Unix(100, 0)
	w, err := CreateWriter(path, start, true)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	in := []string{"$GPHDT,1.0,T*00", "$GPHDT,2.0,T*00", "$GPHDT,3.0,T*00"}
	for i, l := range in {
		if err := w.WriteLine(start.Add(time.Duration(i)*time.Second), "gps", l); err != nil {
			t.Fatalf("WriteLine() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "GPHDT") {
		t.Fatalf("expected compressed file contents")
	}
	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("records=%d want 4", len(recs))
	}
	for i, l := range in {
		r := recs[i+1]
		if r.Line != l || r.At != time.Duration(i)*time.Second || !r.Time.Equal(start.Add(r.At)) {
			t.Fatalf("record %d=%+v", i, r)
		}
	}
}
