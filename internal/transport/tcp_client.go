package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

type TCPClientConfig struct {
	Name string
	Addr string

	ReconnectDelay time.Duration
	// DialTimeout is used for every TCP connect.
	DialTimeout time.Duration
	// Hello is written after every connect.
	Hello string
	// SkipJSON drops received lines that start with '{'.
	SkipJSON bool
	// Kind labels the endpoint in snapshots, default "tcp-client".
	Kind   string
	Parser bus.ParserOptions
}

// TCPClient keeps a connection to a remote NMEA server and reconnects after failures.
// Sentences sent while disconnected are dropped.
type TCPClient struct {
	bus.Node

	cfg TCPClientConfig
	st  status

	mu      sync.Mutex
	cur     *bus.Parser
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTCPClient(cfg TCPClientConfig) (*TCPClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tcp client name is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("tcp client addr is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.Kind == "" {
		cfg.Kind = "tcp-client"
	}
	c := &TCPClient{cfg: cfg, done: make(chan struct{})}
	c.Init(cfg.Name, c)
	return c, nil
}

func (c *TCPClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s: %w", c.Name(), bus.ErrClosed)
	}
	if c.running {
		return fmt.Errorf("%s: %w", c.Name(), bus.ErrAlreadyStarted)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.st.setState("connecting", "")

	go func() {
		defer close(c.done)
		c.runLoop(runCtx)
	}()
	return nil
}

func (c *TCPClient) runLoop(ctx context.Context) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		if ctx.Err() != nil {
			c.st.setState("stopped", "")
			return
		}

		c.st.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.st.setState("error", err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.st.setState("stopped", "")
				return
			}
			continue
		}

		c.st.setState("connected", "")
		log.Infof("tcp client %s connected to %s", c.Name(), c.cfg.Addr)
		c.serve(ctx, conn)

		if ctx.Err() != nil {
			c.st.setState("stopped", "")
			return
		}
		c.st.setState("disconnected", "")
		log.Infof("tcp client %s lost connection to %s", c.Name(), c.cfg.Addr)
		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.st.setState("stopped", "")
			return
		}
	}
}

// serve runs one connection until it ends or ctx is cancelled.
func (c *TCPClient) serve(ctx context.Context, conn net.Conn) {
	if c.cfg.Hello != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
		if _, err := io.WriteString(conn, c.cfg.Hello); err != nil {
			c.st.setError(err.Error())
			_ = conn.Close()
			return
		}
		_ = conn.SetWriteDeadline(time.Time{})
	}
	var r io.Reader = conn
	if c.cfg.SkipJSON {
		r = &jsonLineFilter{br: bufio.NewReader(conn)}
	}
	p := bus.NewParser(c.Name(), r, conn, c.cfg.Parser)
	relay(&c.Node, p, &c.st)
	lost := make(chan struct{})
	var once sync.Once
	p.OnParseError(func(_ bus.SinkSource, _ string, kind nmea.ErrorKind) {
		if kind == nmea.PortClosed {
			once.Do(func() { close(lost) })
		}
	})
	if err := p.Start(ctx); err != nil {
		_ = p.Stop()
		return
	}
	c.mu.Lock()
	c.cur = p
	c.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-lost:
	}

	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
	_ = p.Stop()
}

func (c *TCPClient) Send(_ bus.SinkSource, s nmea.Sentence) error {
	c.mu.Lock()
	p := c.cur
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Send(nil, s)
}

// Stop closes the connection and waits for the reconnect loop to exit.
func (c *TCPClient) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasRunning := c.running
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if !wasRunning {
		return nil
	}
	cancel()
	<-c.done
	return nil
}

// Connected reports whether a connection is currently up.
func (c *TCPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

func (c *TCPClient) Snapshot() Snapshot {
	return c.st.snapshot(c.Name(), c.cfg.Kind, c.cfg.Addr)
}
