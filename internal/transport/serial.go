package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.bug.st/serial"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

const DefaultBaud = 4800

type SerialConfig struct {
	Name string
	// Device may be empty to auto-detect.
	Device string
	// Baud must be a supported rate by the platform implementation. Default 4800.
	Baud   int
	Parser bus.ParserOptions
}

// SerialEndpoint reads and writes NMEA on a serial port.
type SerialEndpoint struct {
	bus.Node

	cfg SerialConfig
	st  status

	mu      sync.Mutex
	device  string
	parser  *bus.Parser
	running bool
	stopped bool
}

func NewSerialEndpoint(cfg SerialConfig) (*SerialEndpoint, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("serial endpoint name is required")
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	s := &SerialEndpoint{cfg: cfg, device: strings.TrimSpace(cfg.Device)}
	s.Init(cfg.Name, s)
	return s, nil
}

func (s *SerialEndpoint) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%s: %w", s.Name(), bus.ErrAlreadyStarted)
	}
	if s.stopped {
		return fmt.Errorf("%s: %w", s.Name(), bus.ErrClosed)
	}

	device := s.device
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.st.setState("error", "serial auto-detect failed: no port found")
			return fmt.Errorf("%s: serial auto-detect failed", s.Name())
		}
		s.device = device
	}
	port, err := openSerial(device, s.cfg.Baud)
	if err != nil {
		s.st.setState("error", err.Error())
		return fmt.Errorf("%s: open %s baud=%d: %w", s.Name(), device, s.cfg.Baud, err)
	}
	return s.startLocked(ctx, port)
}

// startLocked runs the parser over an already open port.
func (s *SerialEndpoint) startLocked(ctx context.Context, port io.ReadWriteCloser) error {
	s.parser = bus.NewParser(s.Name(), port, port, s.cfg.Parser)
	relay(&s.Node, s.parser, &s.st)
	if err := s.parser.Start(ctx); err != nil {
		_ = s.parser.Stop()
		return err
	}
	s.running = true
	s.st.setState("connected", "")
	log.Infof("serial %s enabled device=%s baud=%d", s.Name(), s.device, s.cfg.Baud)
	return nil
}

func (s *SerialEndpoint) Send(_ bus.SinkSource, sen nmea.Sentence) error {
	s.mu.Lock()
	p := s.parser
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%s: %w", s.Name(), bus.ErrNotStarted)
	}
	return p.Send(nil, sen)
}

func (s *SerialEndpoint) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped, s.running = true, false
	p := s.parser
	s.mu.Unlock()
	s.st.setState("stopped", "")
	if p == nil {
		return nil
	}
	return p.Stop()
}

func (s *SerialEndpoint) Snapshot() Snapshot {
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()
	return s.st.snapshot(s.Name(), "serial", device)
}

// Ports lists the serial ports of the system.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if ports, err := Ports(); err == nil && len(ports) > 0 {
		return ports[0]
	}
	return ""
}
