package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

const DefaultUDPPort = 10110

type UDPConfig struct {
	Name string
	// Port to listen on, default 10110.
	Port int
	// Listen overrides Port with a full local address, e.g. "127.0.0.1:0".
	Listen string
	// Target receives outgoing sentences, default the broadcast address on Port.
	Target string
	Parser bus.ParserOptions
}

// UDPEndpoint receives NMEA datagrams on a shared port and broadcasts outgoing sentences.
// Datagrams sent by this endpoint itself are ignored.
type UDPEndpoint struct {
	bus.Node

	cfg UDPConfig
	st  status

	mu      sync.Mutex
	conn    *net.UDPConn
	parser  *bus.Parser
	pw      *io.PipeWriter
	own     map[string]bool
	running bool
	stopped bool
	wg      sync.WaitGroup
}

func NewUDPEndpoint(cfg UDPConfig) (*UDPEndpoint, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("udp endpoint name is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultUDPPort
	}
	if cfg.Listen == "" {
		cfg.Listen = ":" + strconv.Itoa(cfg.Port)
	}
	if cfg.Target == "" {
		cfg.Target = net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(cfg.Port))
	}
	u := &UDPEndpoint{cfg: cfg}
	u.Init(cfg.Name, u)
	return u, nil
}

func (u *UDPEndpoint) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return fmt.Errorf("%s: %w", u.Name(), bus.ErrAlreadyStarted)
	}
	if u.stopped {
		return fmt.Errorf("%s: %w", u.Name(), bus.ErrClosed)
	}

	dst, err := net.ResolveUDPAddr("udp4", u.cfg.Target)
	if err != nil {
		return fmt.Errorf("%s: resolve target: %w", u.Name(), err)
	}
	lc := net.ListenConfig{Control: controlBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", u.cfg.Listen)
	if err != nil {
		u.st.setState("error", err.Error())
		return fmt.Errorf("%s: listen %s: %w", u.Name(), u.cfg.Listen, err)
	}
	conn := pc.(*net.UDPConn)

	pr, pw := io.Pipe()
	u.conn, u.pw = conn, pw
	u.own = localAddresses()
	u.parser = bus.NewParser(u.Name(), pr, &datagramWriter{conn: conn, dst: dst}, u.cfg.Parser)
	relay(&u.Node, u.parser, &u.st)
	u.running = true

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.receiveLoop(conn, pw)
	}()
	if err := u.parser.Start(ctx); err != nil {
		return err
	}
	u.st.setState("listening", "")
	log.Infof("udp endpoint %s listening on %s, sending to %s", u.Name(), conn.LocalAddr(), dst)
	return nil
}

// LocalAddr returns the bound address, or nil before Start.
func (u *UDPEndpoint) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDPEndpoint) receiveLoop(conn *net.UDPConn, pw *io.PipeWriter) {
	self := conn.LocalAddr().(*net.UDPAddr)
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if from.Port == self.Port && (u.own[from.IP.String()] || from.IP.Equal(self.IP)) {
			continue
		}
		data := buf[:n]
		if n > 0 && data[n-1] != '\n' {
			data = append(data, '\r', '\n')
		}
		if _, err := pw.Write(data); err != nil {
			return
		}
	}
}

func (u *UDPEndpoint) Send(_ bus.SinkSource, s nmea.Sentence) error {
	u.mu.Lock()
	p := u.parser
	u.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%s: %w", u.Name(), bus.ErrNotStarted)
	}
	return p.Send(nil, s)
}

func (u *UDPEndpoint) Stop() error {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return nil
	}
	u.stopped, u.running = true, false
	p, pw := u.parser, u.pw
	u.mu.Unlock()

	var err error
	if p != nil {
		// Closes the pipe reader and the socket, which ends the receive loop.
		err = p.Stop()
		_ = pw.Close()
	}
	u.wg.Wait()
	u.st.setState("stopped", "")
	return err
}

func (u *UDPEndpoint) Snapshot() Snapshot {
	return u.st.snapshot(u.Name(), "udp", u.cfg.Listen)
}

// datagramWriter sends every Write as one datagram.
type datagramWriter struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

func (w *datagramWriter) Write(b []byte) (int, error) {
	return w.conn.WriteToUDP(b, w.dst)
}

func (w *datagramWriter) Close() error { return w.conn.Close() }

func localAddresses() map[string]bool {
	out := map[string]bool{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Debugf("interface addresses: %v", err)
		return out
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			out[ipn.IP.String()] = true
		}
	}
	return out
}
