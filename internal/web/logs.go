package web

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

const (
	defaultLogTail = 200
	maxLogTail     = 5000
	maxLogLine     = 4096
)

// LogBuffer is a ring of the most recent log lines. It implements io.Writer and
// reassembles lines split across writes.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []string
	next    int
	full    bool
	pending []byte
	dropped uint64
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 2000
	}
	return &LogBuffer{ring: make([]string, size)}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := p
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		b.pending = append(b.pending, rest[:i]...)
		b.push(string(bytes.TrimRight(b.pending, "\r")))
		b.pending = b.pending[:0]
		rest = rest[i+1:]
	}
	b.pending = append(b.pending, rest...)
	if len(b.pending) > maxLogLine {
		b.push(string(b.pending))
		b.pending = b.pending[:0]
	}
	return len(p), nil
}

func (b *LogBuffer) push(line string) {
	if line == "" {
		return
	}
	if b.full {
		b.dropped++
	}
	b.ring[b.next] = line
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
}

// Snapshot returns up to tail of the newest lines, oldest first, and the number of lines
// that fell out of the ring so far.
func (b *LogBuffer) Snapshot(tail int) ([]string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.next
	if b.full {
		n = len(b.ring)
	}
	if tail <= 0 || tail > n {
		tail = n
	}
	out := make([]string, 0, tail)
	for i := n - tail; i < n; i++ {
		idx := i
		if b.full {
			idx = (b.next + i) % len(b.ring)
		}
		out = append(out, b.ring[idx])
	}
	return out, b.dropped
}

type LogsResponse struct {
	Time    string   `json:"time"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (a *api) handleLogs(w http.ResponseWriter, r *http.Request) {
	tail := defaultLogTail
	if s := r.URL.Query().Get("tail"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > maxLogTail {
			writeError(w, http.StatusBadRequest, "tail must be between 1 and "+strconv.Itoa(maxLogTail))
			return
		}
		tail = v
	}
	lines, dropped := a.opts.Logs.Snapshot(tail)
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, strings.Join(lines, "\n")+"\n")
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{
		Time:    a.opts.Now().UTC().Format(time.RFC3339Nano),
		Dropped: dropped,
		Lines:   lines,
	})
}

// CaptureLogs copies the output of every logger into b until ctx ends. The returned channel
// is closed once capturing has stopped.
func CaptureLogs(ctx context.Context, b *LogBuffer) <-chan struct{} {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	done := make(chan struct{})
	go func() {
		defer close(done)
		// The pipe is synchronous: it must be drained for logging to make progress.
		_, _ = io.Copy(b, pr)
	}()
	go func() {
		<-ctx.Done()
		_ = pr.Close()
	}()
	return done
}
