package web

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
	"nmea-bus/internal/transport"
)

var log = logging.Logger("nmea-bus/web")

const wsWriteTimeout = 10 * time.Second

// Hub is the websocket endpoint of the bus. Every text message a client sends is decoded as
// one or more sentence lines; sentences sent to the hub reach every client, one line per
// message.
type Hub struct {
	bus.Node

	opts     bus.ParserOptions
	upgrader websocket.Upgrader

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	clients  map[*bus.Parser]string
	running  bool
	stopped  bool
	wg       sync.WaitGroup
	count    atomic.Uint64
	lastSeen atomic.Int64
	lastErr  atomic.Value // string
}

func NewHub(name string, opts bus.ParserOptions) *Hub {
	h := &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*bus.Parser]string),
	}
	h.lastErr.Store("")
	h.Init(name, h)
	return h
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("%s: %w", h.Name(), bus.ErrAlreadyStarted)
	}
	if h.stopped {
		return fmt.Errorf("%s: %w", h.Name(), bus.ErrClosed)
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true
	return nil
}

// ServeHTTP upgrades the request and attaches the client until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		http.Error(w, "websocket endpoint not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed: %v", err)
		return
	}
	h.addClient(conn)
}

func (h *Hub) addClient(conn *websocket.Conn) {
	remote := conn.RemoteAddr().String()
	stream := &wsStream{conn: conn}
	p := bus.NewParser(h.Name()+"/"+remote, stream, stream, h.opts)
	p.OnSentence(func(_ bus.SinkSource, s nmea.Sentence) {
		if nmea.IsRaw(s) {
			h.count.Add(1)
			h.lastSeen.Store(time.Now().UTC().UnixNano())
		}
		h.DispatchSentence(nil, s)
	})
	var once sync.Once
	p.OnParseError(func(_ bus.SinkSource, msg string, kind nmea.ErrorKind) {
		if kind == nmea.PortClosed {
			once.Do(func() { go h.dropClient(p) })
			return
		}
		h.lastErr.Store(msg)
		h.DispatchParseError(msg, kind)
	})

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[p] = remote
	ctx := h.ctx
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	log.Infof("websocket %s: client %s connected", h.Name(), remote)
	if err := p.Start(ctx); err != nil {
		log.Warnf("websocket %s: client %s: %v", h.Name(), remote, err)
	}
}

func (h *Hub) dropClient(p *bus.Parser) {
	h.mu.Lock()
	remote, ok := h.clients[p]
	delete(h.clients, p)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = p.Stop()
	log.Infof("websocket %s: client %s disconnected", h.Name(), remote)
}

// Clients returns the number of attached clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Send(_ bus.SinkSource, sen nmea.Sentence) error {
	h.mu.Lock()
	clients := make([]*bus.Parser, 0, len(h.clients))
	for p := range h.clients {
		clients = append(clients, p)
	}
	h.mu.Unlock()
	for _, p := range clients {
		if err := p.Send(nil, sen); err != nil {
			log.Debugf("websocket %s: %v", h.Name(), err)
			h.dropClient(p)
		}
	}
	return nil
}

func (h *Hub) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped, h.running = true, false
	if h.cancel != nil {
		h.cancel()
	}
	clients := h.clients
	h.clients = make(map[*bus.Parser]string)
	h.mu.Unlock()

	h.wg.Wait()
	for p := range clients {
		_ = p.Stop()
	}
	return nil
}

func (h *Hub) Snapshot() transport.Snapshot {
	h.mu.Lock()
	state := "stopped"
	if h.running {
		state = "listening"
	}
	clients := len(h.clients)
	h.mu.Unlock()
	out := transport.Snapshot{
		Name:      h.Name(),
		Kind:      "websocket",
		State:     state,
		LastError: h.lastErr.Load().(string),
		Sentences: h.count.Load(),
		Clients:   clients,
	}
	if last := h.lastSeen.Load(); last != 0 {
		out.LastSeenUTC = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
	}
	return out
}

// wsStream adapts a websocket connection to the line stream a Parser expects.
type wsStream struct {
	conn    *websocket.Conn
	buf     []byte
	readErr error
}

// Read is only called from the parser's decode goroutine.
func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		typ, msg, err := s.conn.ReadMessage()
		if err != nil {
			// gorilla panics on repeated reads after a failure.
			s.readErr = err
			return 0, err
		}
		if typ != websocket.TextMessage || len(msg) == 0 {
			continue
		}
		if msg[len(msg)-1] != '\n' {
			msg = append(msg, '\n')
		}
		s.buf = msg
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Write sends one encoded sentence as a text message. It is only called from the parser's
// send goroutine.
func (s *wsStream) Write(p []byte) (int, error) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(p, "\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
