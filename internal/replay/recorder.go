package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

// Recorder is a sink that writes everything sent to it into a recording. It is meant to be
// the router's logger endpoint.
type Recorder struct {
	bus.Node

	mu     sync.Mutex
	w      *Writer
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder creates the file at path. An empty name means bus.LoggerName.
func NewRecorder(name, path string, compress bool) (*Recorder, error) {
	if name == "" {
		name = bus.LoggerName
	}
	now := func() time.Time { return time.Now().UTC() }
	w, err := CreateWriter(path, now(), compress)
	if err != nil {
		return nil, fmt.Errorf("recorder %s: %w", name, err)
	}
	r := &Recorder{w: w, now: now}
	r.Init(name, r)
	return r, nil
}

// Start flushes the file once per second until Stop.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return fmt.Errorf("%s: %w", r.Name(), bus.ErrAlreadyStarted)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.mu.Lock()
				if err := r.w.Flush(); err != nil {
					log.Warnf("recorder %s flush: %v", r.Name(), err)
				}
				r.mu.Unlock()
			}
		}
	}(r.done)
	return nil
}

func (r *Recorder) Send(src bus.SinkSource, s nmea.Sentence) error {
	name := bus.LocalName
	if src != nil {
		name = src.Name()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.WriteLine(r.now(), name, nmea.Encode(s))
}

// Stop flushes and closes the recording.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Close()
}
