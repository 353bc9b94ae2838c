package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

const DefaultTCPAddr = ":10110"

type TCPServerConfig struct {
	Name string
	// Addr is the listen address, default ":10110".
	Addr   string
	Parser bus.ParserOptions
}

// TCPServer accepts any number of clients. Every client gets its own Parser; received
// sentences are published with the server as origin and Send goes to all clients.
type TCPServer struct {
	bus.Node

	cfg TCPServerConfig
	st  status

	mu      sync.Mutex
	ln      net.Listener
	clients map[*bus.Parser]string
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewTCPServer(cfg TCPServerConfig) (*TCPServer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tcp server name is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultTCPAddr
	}
	s := &TCPServer{cfg: cfg, clients: make(map[*bus.Parser]string)}
	s.Init(cfg.Name, s)
	return s, nil
}

func (s *TCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%s: %w", s.Name(), bus.ErrAlreadyStarted)
	}
	if s.stopped {
		return fmt.Errorf("%s: %w", s.Name(), bus.ErrClosed)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		s.st.setState("error", err.Error())
		return fmt.Errorf("%s: listen %s: %w", s.Name(), s.cfg.Addr, err)
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.ln, s.cancel, s.running = ln, cancel, true
	s.st.setState("listening", "")
	log.Infof("tcp server %s listening on %s", s.Name(), ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(childCtx, ln)
	}()
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *TCPServer) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("tcp server %s accept: %v", s.Name(), err)
			if !sleepCtx(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		s.addClient(ctx, conn)
	}
}

func (s *TCPServer) addClient(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	p := bus.NewParser(s.Name()+"/"+remote, conn, conn, s.cfg.Parser)
	relay(&s.Node, p, &s.st)
	var once sync.Once
	p.OnParseError(func(_ bus.SinkSource, _ string, kind nmea.ErrorKind) {
		if kind == nmea.PortClosed {
			// Stop must not run on the delivering goroutine.
			once.Do(func() { go s.dropClient(p) })
		}
	})

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[p] = remote
	// Counted before unlocking so Stop waits for a concurrent drop.
	s.wg.Add(1)
	s.mu.Unlock()

	log.Infof("tcp server %s: client %s connected", s.Name(), remote)
	if err := p.Start(ctx); err != nil {
		log.Warnf("tcp server %s: client %s: %v", s.Name(), remote, err)
	}
	s.wg.Done()
}

func (s *TCPServer) dropClient(p *bus.Parser) {
	s.mu.Lock()
	remote, ok := s.clients[p]
	delete(s.clients, p)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = p.Stop()
	log.Infof("tcp server %s: client %s disconnected", s.Name(), remote)
}

// Send queues s for every connected client. Clients whose connection failed are dropped.
func (s *TCPServer) Send(_ bus.SinkSource, sen nmea.Sentence) error {
	s.mu.Lock()
	clients := make([]*bus.Parser, 0, len(s.clients))
	for p := range s.clients {
		clients = append(clients, p)
	}
	s.mu.Unlock()
	for _, p := range clients {
		if err := p.Send(nil, sen); err != nil {
			log.Debugf("tcp server %s: %v", s.Name(), err)
			s.dropClient(p)
		}
	}
	return nil
}

// Stop closes the listener and every client connection.
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped, s.running = true, false
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	clients := s.clients
	s.clients = make(map[*bus.Parser]string)
	s.mu.Unlock()

	s.wg.Wait()
	for p := range clients {
		_ = p.Stop()
	}
	s.st.setState("stopped", "")
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *TCPServer) Snapshot() Snapshot {
	out := s.st.snapshot(s.Name(), "tcp-server", s.cfg.Addr)
	s.mu.Lock()
	out.Clients = len(s.clients)
	s.mu.Unlock()
	return out
}
