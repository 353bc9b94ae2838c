package transport

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

type ProcessConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	// Restart runs the command again after it exits, backing off exponentially.
	Restart        bool
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// StderrTailLines of the command's stderr are kept for the snapshot. Default 20.
	StderrTailLines int
	Parser          bus.ParserOptions
}

// ProcessEndpoint runs a command, decodes its stdout and writes sent sentences to its stdin.
// It suits helpers such as "gpspipe -r" or a radio decoder that prints NMEA.
type ProcessEndpoint struct {
	bus.Node

	cfg    ProcessConfig
	st     status
	stderr *tailBuffer

	mu      sync.Mutex
	cur     *bus.Parser
	pid     int
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewProcessEndpoint(cfg ProcessConfig) (*ProcessEndpoint, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Command = strings.TrimSpace(cfg.Command)
	if cfg.Name == "" {
		return nil, fmt.Errorf("process endpoint name is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("process endpoint %s: command is required", cfg.Name)
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.StderrTailLines <= 0 {
		cfg.StderrTailLines = 20
	}
	e := &ProcessEndpoint{
		cfg:    cfg,
		stderr: newTailBuffer(cfg.StderrTailLines, 0),
		done:   make(chan struct{}),
	}
	e.Init(cfg.Name, e)
	return e, nil
}

func (e *ProcessEndpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%s: %w", e.Name(), bus.ErrClosed)
	}
	if e.running {
		return fmt.Errorf("%s: %w", e.Name(), bus.ErrAlreadyStarted)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.st.setState("starting", "")
	go func() {
		defer close(e.done)
		e.runLoop(runCtx)
	}()
	return nil
}

func (e *ProcessEndpoint) runLoop(ctx context.Context) {
	backoff := e.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			e.st.setState("stopped", "")
			return
		}
		exitErr := e.runOnce(ctx)
		if ctx.Err() != nil {
			e.st.setState("stopped", "")
			return
		}
		if exitErr != nil {
			e.st.setState("exited", exitErr.Error())
			log.Warnf("process %s exited: %v", e.Name(), exitErr)
		} else {
			e.st.setState("exited", "")
			log.Infof("process %s exited", e.Name())
		}
		if !e.cfg.Restart {
			return
		}
		if !sleepCtx(ctx, backoff) {
			e.st.setState("stopped", "")
			return
		}
		backoff *= 2
		if backoff > e.cfg.BackoffMax {
			backoff = e.cfg.BackoffMax
		}
		e.st.setState("restarting", "")
	}
}

func (e *ProcessEndpoint) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...)
	if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}
	if len(e.cfg.Env) > 0 {
		env := cmd.Environ()
		for k, v := range e.cfg.Env {
			if k = strings.TrimSpace(k); k != "" {
				env = append(env, k+"="+v)
			}
		}
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	p := bus.NewParser(e.Name(), stdout, stdin, e.cfg.Parser)
	relay(&e.Node, p, &e.st)
	lost := make(chan struct{})
	var once sync.Once
	p.OnParseError(func(_ bus.SinkSource, _ string, kind nmea.ErrorKind) {
		if kind == nmea.PortClosed {
			once.Do(func() { close(lost) })
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.stderr.readLines(stderr)
	}()

	if err := p.Start(ctx); err == nil {
		e.mu.Lock()
		e.cur, e.pid = p, cmd.Process.Pid
		e.mu.Unlock()
		e.st.setState("running", "")
		log.Infof("process %s started pid=%d", e.Name(), cmd.Process.Pid)

		select {
		case <-ctx.Done():
		case <-lost:
		}
	}

	e.mu.Lock()
	e.cur, e.pid = nil, 0
	e.mu.Unlock()
	_ = p.Stop()

	waitErr := cmd.Wait()
	wg.Wait()
	if waitErr == nil || errors.Is(waitErr, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return waitErr
}

func (e *ProcessEndpoint) Send(_ bus.SinkSource, s nmea.Sentence) error {
	e.mu.Lock()
	p := e.cur
	e.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Send(nil, s)
}

// Stop kills the command and waits for the supervision loop to exit.
func (e *ProcessEndpoint) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	wasRunning := e.running
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	if !wasRunning {
		return nil
	}
	cancel()
	<-e.done
	return nil
}

// PID returns the process id of the running command, 0 when none runs.
func (e *ProcessEndpoint) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

// Stderr returns the last lines the command wrote to stderr.
func (e *ProcessEndpoint) Stderr() []string {
	return e.stderr.snapshot()
}

func (e *ProcessEndpoint) Snapshot() Snapshot {
	addr := strings.TrimSpace(e.cfg.Command + " " + strings.Join(e.cfg.Args, " "))
	return e.st.snapshot(e.Name(), "exec", addr)
}
