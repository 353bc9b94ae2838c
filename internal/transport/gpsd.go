package transport

import (
	"bufio"
	"bytes"

	"nmea-bus/internal/bus"
)

const DefaultGPSDAddr = "127.0.0.1:2947"

// gpsdWatch asks gpsd to relay the NMEA of every device it manages.
const gpsdWatch = "?WATCH={\"enable\":true,\"nmea\":true}\n"

// NewGPSDClient connects to a gpsd daemon and publishes the NMEA it relays. The JSON reports
// gpsd sends alongside (VERSION, DEVICES, WATCH) are dropped.
func NewGPSDClient(name, addr string, parser bus.ParserOptions) (*TCPClient, error) {
	if addr == "" {
		addr = DefaultGPSDAddr
	}
	return NewTCPClient(TCPClientConfig{
		Name:     name,
		Addr:     addr,
		Hello:    gpsdWatch,
		SkipJSON: true,
		Kind:     "gpsd",
		Parser:   parser,
	})
}

// jsonLineFilter passes whole lines through, except those holding a JSON object.
type jsonLineFilter struct {
	br  *bufio.Reader
	buf []byte
}

func (f *jsonLineFilter) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		line, err := f.br.ReadBytes('\n')
		if len(line) > 0 && !bytes.HasPrefix(bytes.TrimSpace(line), []byte("{")) {
			f.buf = line
		}
		if err != nil {
			if len(f.buf) == 0 {
				return 0, err
			}
			break
		}
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}
