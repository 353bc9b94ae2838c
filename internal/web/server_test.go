package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/cache"
	"nmea-bus/internal/geo"
	"nmea-bus/internal/nav"
	"nmea-bus/internal/nmea"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type captureEndpoint struct {
	bus.Node
	mu   sync.Mutex
	sent []nmea.Sentence
}

func newCapture(name string) *captureEndpoint {
	c := &captureEndpoint{}
	c.Init(name, c)
	return c
}

func (c *captureEndpoint) Start(context.Context) error { return nil }
func (c *captureEndpoint) Stop() error                 { return nil }
func (c *captureEndpoint) Send(_ bus.SinkSource, s nmea.Sentence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, s)
	return nil
}

func (c *captureEndpoint) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, s := range c.sent {
		out = append(out, nmea.Encode(s))
	}
	return out
}

type fakeAutopilot struct {
	mu    sync.Mutex
	route *nav.Route
}

func (f *fakeAutopilot) Status() nav.AutopilotStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.route == nil {
		return nav.AutopilotStatus{State: nav.NoRoute}
	}
	return nav.AutopilotStatus{State: nav.OperatingAsMaster, Route: f.route.Name()}
}

func (f *fakeAutopilot) ActivateRoute(r *nav.Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.route = r
}

func (f *fakeAutopilot) active() *nav.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.route
}

func (f *fakeAutopilot) DisableActiveRoute() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.route = nil
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0.Add(time.Second) }
	}
	ts := httptest.NewServer(Handler(opts))
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, wantCode int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s status code=%d want %d body=%s", url, resp.StatusCode, wantCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode json: %v", err)
		}
	}
}

func do(t *testing.T, method, url, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestAPIStatus(t *testing.T) {
	router := bus.NewRouter(nil)
	d := bus.NewDiscard("d")
	if err := router.AddEndpoint(d); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	st := NewStatus(router)
	st.Watch(d)
	d.DispatchSentence(nil, nmea.NewRaw(nmea.TalkerGPS, nmea.IDRMC, []string{"x"}, t0))
	d.DispatchParseError("bad checksum", nmea.InvalidChecksum)
	d.DispatchParseError("end of stream detected", nmea.PortClosed)

	ts := newTestServer(t, Options{Router: router, Status: st})
	var snap StatusSnapshot
	getJSON(t, ts.URL+"/api/status", http.StatusOK, &snap)
	if snap.Service != "nmea-bus" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.SentencesTotal != 1 || snap.ParseErrorsTotal != 1 {
		t.Fatalf("sentences=%d parse_errors=%d want 1 and 1", snap.SentencesTotal, snap.ParseErrorsTotal)
	}
	if snap.LastError != "d: bad checksum" {
		t.Fatalf("last_error=%q", snap.LastError)
	}
	found := false
	for _, ep := range snap.Endpoints {
		if ep.Name == "d" && ep.Kind == "discard" {
			found = true
		}
	}
	if !found {
		t.Fatalf("endpoint d missing: %+v", snap.Endpoints)
	}
}

func TestRootPage(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, body := do(t, http.MethodGet, ts.URL+"/", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("/api/status")) {
		t.Fatalf("root page without links: %s", body)
	}
	if resp, _ := do(t, http.MethodPost, ts.URL+"/api/status", "", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/status code=%d want 405", resp.StatusCode)
	}
}

func TestAPICacheAndPosition(t *testing.T) {
	c := cache.New(cache.Config{Now: func() time.Time { return t0.Add(time.Second) }})
	ts := newTestServer(t, Options{Cache: c})

	getJSON(t, ts.URL+"/api/position", http.StatusNotFound, nil)

	pos := geo.Position{Latitude: 47.5, Longitude: 9.25}
	c.Add("gps", nmea.NewRMC(nmea.TalkerGPS, t0, pos, 6, 90, nil))

	var cr CacheResponse
	getJSON(t, ts.URL+"/api/cache", http.StatusOK, &cr)
	if len(cr.Entries) != 1 || cr.Entries[0].ID != nmea.IDRMC || cr.Entries[0].AgeMs != 1000 {
		t.Fatalf("cache=%+v", cr)
	}
	if !strings.HasPrefix(cr.Entries[0].Line, "$GPRMC,") {
		t.Fatalf("line=%q", cr.Entries[0].Line)
	}

	var fix nav.Fix
	getJSON(t, ts.URL+"/api/position", http.StatusOK, &fix)
	if !fix.Position.Equal(pos) || fix.SpeedKnots != 6 || fix.Source != nmea.IDRMC {
		t.Fatalf("fix=%+v", fix)
	}
	var moved nav.Fix
	getJSON(t, ts.URL+"/api/position?extrapolate=true", http.StatusOK, &moved)
	if moved.Position.Longitude <= pos.Longitude {
		t.Fatalf("extrapolated lon=%v want east of %v", moved.Position.Longitude, pos.Longitude)
	}
	getJSON(t, ts.URL+"/api/position?extrapolate=maybe", http.StatusBadRequest, nil)

	var route RouteResponse
	getJSON(t, ts.URL+"/api/route", http.StatusOK, &route)
	if route.State != nav.NoRoute || len(route.Points) != 0 {
		t.Fatalf("route=%+v", route)
	}
	var sats SatellitesResponse
	getJSON(t, ts.URL+"/api/satellites", http.StatusOK, &sats)
	if sats.InView != 0 || sats.Satellites == nil {
		t.Fatalf("satellites=%+v", sats)
	}
}

func TestAPIInject(t *testing.T) {
	router := bus.NewRouter(nil)
	capt := newCapture("cap")
	if err := router.AddEndpoint(capt); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	if err := router.AddFilterRule(bus.FilterRule{Source: bus.LocalName, Sinks: []string{"cap"}}); err != nil {
		t.Fatalf("AddFilterRule: %v", err)
	}
	ts := newTestServer(t, Options{Router: router})

	line := nmea.Encode(nmea.NewHDT(nmea.TalkerCompass, t0, 5))
	resp, body := do(t, http.MethodPost, ts.URL+"/api/sentences", "text/plain", line+"\r\n\n$GPXXX,garbage*00\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var out InjectResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Accepted != 1 || len(out.Errors) != 1 {
		t.Fatalf("inject=%+v", out)
	}
	// Rules without typed forward only the raw form.
	if got := capt.lines(); len(got) != 1 || got[0] != line {
		t.Fatalf("forwarded=%v want [%s]", got, line)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/sentences", "text/plain", "nonsense\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("all-invalid status=%d want 400", resp.StatusCode)
	}
}

func TestAPIRules(t *testing.T) {
	router := bus.NewRouter(nil)
	if err := router.AddEndpoint(newCapture("cap")); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("endpoints:\n  - {type: udp, name: cap}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ts := newTestServer(t, Options{Router: router, ConfigPath: cfgPath})

	var rules []map[string]any
	getJSON(t, ts.URL+"/api/rules", http.StatusOK, &rules)
	if len(rules) != 0 {
		t.Fatalf("rules=%v want none", rules)
	}

	resp, body := do(t, http.MethodPut, ts.URL+"/api/rules", "application/json",
		`[{"source":"local","sentence":"RMB","typed":true,"sinks":["cap"],"continue":true}]`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status=%d body=%s", resp.StatusCode, body)
	}
	got := router.FilterRules()
	if len(got) != 1 || got[0].Sentence != nmea.IDRMB || !got[0].IncludeTyped || !got[0].ContinueAfterMatch {
		t.Fatalf("router rules=%+v", got)
	}
	saved, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Contains(saved, []byte("sentence: RMB")) {
		t.Fatalf("rules not persisted:\n%s", saved)
	}

	cases := []struct {
		name string
		ct   string
		body string
		code int
	}{
		{"UnknownSink", "application/json", `[{"sinks":["nope"]}]`, http.StatusBadRequest},
		{"UnknownField", "application/json", `[{"sinks":["cap"],"raw_only":true}]`, http.StatusBadRequest},
		{"NoSinks", "application/json", `[{"source":"cap"}]`, http.StatusBadRequest},
		{"Trailing", "application/json", `[] []`, http.StatusBadRequest},
		{"Null", "application/json", `null`, http.StatusBadRequest},
		{"ContentType", "text/plain", `[]`, http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPut, ts.URL+"/api/rules", tc.ct, tc.body)
			if resp.StatusCode != tc.code {
				t.Fatalf("status=%d want %d body=%s", resp.StatusCode, tc.code, body)
			}
			if len(router.FilterRules()) != 1 {
				t.Fatalf("rules changed by rejected request")
			}
		})
	}
}

func TestAPIRules_SaveFailureRollsBack(t *testing.T) {
	router := bus.NewRouter(nil)
	if err := router.AddEndpoint(newCapture("cap")); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	// The file does not know the endpoint, so saving fails validation.
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ts := newTestServer(t, Options{Router: router, ConfigPath: cfgPath})

	resp, _ := do(t, http.MethodPut, ts.URL+"/api/rules", "application/json", `[{"sinks":["cap"]}]`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", resp.StatusCode)
	}
	if len(router.FilterRules()) != 0 {
		t.Fatalf("rules not rolled back: %+v", router.FilterRules())
	}
}

func TestAPIAutopilot(t *testing.T) {
	ts := newTestServer(t, Options{})
	getJSON(t, ts.URL+"/api/autopilot", http.StatusNotFound, nil)

	ap := &fakeAutopilot{}
	c := cache.New(cache.Config{Now: func() time.Time { return t0 }})
	ts = newTestServer(t, Options{Autopilot: ap, Cache: c})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/autopilot/route", "application/json",
		`{"name":"R1","waypoints":[{"name":"A","lat":47,"lon":9},{"name":"B","lat":47.1,"lon":9}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var st nav.AutopilotStatus
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.State != nav.OperatingAsMaster || st.Route != "R1" {
		t.Fatalf("status=%+v", st)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/autopilot/route", "application/json",
		`{"name":"R2","waypoints":[{"name":"A","lat":47,"lon":9},{"name":"A","lat":47.1,"lon":9}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate waypoints status=%d want 400", resp.StatusCode)
	}

	// Without waypoints the route on the bus is used; there is none.
	resp, _ = do(t, http.MethodPost, ts.URL+"/api/autopilot/route", "application/json", `{}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("route from bus status=%d want 409", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/autopilot/route", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status=%d", resp.StatusCode)
	}
	getJSON(t, ts.URL+"/api/autopilot", http.StatusOK, &st)
	if st.State != nav.NoRoute {
		t.Fatalf("state=%v want NoRoute", st.State)
	}
}

func TestAPIAutopilot_RouteFromBus(t *testing.T) {
	ap := &fakeAutopilot{}
	c := cache.New(cache.Config{Now: func() time.Time { return t0 }})
	for _, s := range []nmea.Sentence{
		nmea.NewWPL(nmea.TalkerGPS, t0, geo.Position{Latitude: 47, Longitude: 9}, "A"),
		nmea.NewWPL(nmea.TalkerGPS, t0, geo.Position{Latitude: 47.1, Longitude: 9}, "B"),
		nmea.NewRTE(nmea.TalkerGPS, t0, 1, 1, "BUS", []string{"A", "B"}),
	} {
		c.Add("plotter", s)
	}
	ts := newTestServer(t, Options{Autopilot: ap, Cache: c})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/autopilot/route", "application/json", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if r := ap.active(); r == nil || r.Name() != "BUS" || r.Len() != 2 {
		t.Fatalf("activated=%+v", r)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_RoundTrip(t *testing.T) {
	hub := NewHub("ws", bus.ParserOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = hub.Stop() }()

	got := make(chan nmea.Sentence, 8)
	hub.OnSentence(func(_ bus.SinkSource, s nmea.Sentence) {
		if nmea.IsRaw(s) {
			got <- s
		}
	})

	ts := newTestServer(t, Options{Hub: hub})
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "client to attach", func() bool { return hub.Clients() == 1 })

	in := nmea.Encode(nmea.NewHDT(nmea.TalkerCompass, t0, 5))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(in)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	select {
	case s := <-got:
		if nmea.Encode(s) != in {
			t.Fatalf("hub received %q want %q", nmea.Encode(s), in)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client sentence")
	}

	out := nmea.NewHDT(nmea.TalkerCompass, t0, 90)
	if err := hub.Send(nil, out); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != nmea.Encode(out) {
		t.Fatalf("client received %q want %q", msg, nmea.Encode(out))
	}

	if snap := hub.Snapshot(); snap.Kind != "websocket" || snap.State != "listening" || snap.Sentences != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}

	_ = conn.Close()
	waitFor(t, "client to detach", func() bool { return hub.Clients() == 0 })
}

func TestHub_NotRunning(t *testing.T) {
	hub := NewHub("ws", bus.ParserOptions{})
	ts := newTestServer(t, Options{Hub: hub})
	resp, _ := do(t, http.MethodGet, ts.URL+"/ws", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", resp.StatusCode)
	}
}

func TestCaptureLogs(t *testing.T) {
	buf := NewLogBuffer(100)
	ctx, cancel := context.WithCancel(context.Background())
	done := CaptureLogs(ctx, buf)

	log.Errorf("capture-marker %d", 42)
	waitFor(t, "captured log line", func() bool {
		lines, _ := buf.Snapshot(100)
		for _, l := range lines {
			if strings.Contains(l, "capture-marker 42") {
				return true
			}
		}
		return false
	})

	ts := newTestServer(t, Options{Logs: buf})
	var lr LogsResponse
	getJSON(t, ts.URL+"/api/logs?tail=10", http.StatusOK, &lr)
	if len(lr.Lines) == 0 {
		t.Fatalf("no lines served")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("capture did not stop")
	}
}
