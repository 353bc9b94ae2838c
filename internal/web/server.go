// Package web serves the HTTP status API of the bus and its websocket endpoint.
package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/cache"
	"nmea-bus/internal/geo"
	"nmea-bus/internal/nav"
	"nmea-bus/internal/nmea"
)

// Autopilot is the part of nav.AutopilotController the API drives.
type Autopilot interface {
	Status() nav.AutopilotStatus
	ActivateRoute(r *nav.Route)
	DisableActiveRoute()
}

type Options struct {
	Router *bus.Router
	Cache  *cache.SentenceCache
	// Autopilot, Hub and Logs are optional.
	Autopilot Autopilot
	Hub       *Hub
	Status    *Status
	Logs      *LogBuffer
	// ConfigPath enables persisting rule changes.
	ConfigPath string
	Now        func() time.Time
}

type api struct {
	opts     Options
	position *nav.PositionProvider
}

func Handler(opts Options) http.Handler {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Status == nil {
		opts.Status = NewStatus(opts.Router)
	}
	a := &api{opts: opts}
	if opts.Cache != nil {
		a.position = nav.NewPositionProvider(opts.Cache)
	}

	r := mux.NewRouter()
	sub := r.PathPrefix("/api").Subrouter()
	sub.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	sub.HandleFunc("/cache", a.handleCache).Methods(http.MethodGet)
	sub.HandleFunc("/position", a.handlePosition).Methods(http.MethodGet)
	sub.HandleFunc("/route", a.handleRoute).Methods(http.MethodGet)
	sub.HandleFunc("/satellites", a.handleSatellites).Methods(http.MethodGet)
	sub.HandleFunc("/autopilot", a.handleAutopilot).Methods(http.MethodGet)
	sub.HandleFunc("/autopilot/route", a.handleActivateRoute).Methods(http.MethodPost)
	sub.HandleFunc("/autopilot/route", a.handleDisableRoute).Methods(http.MethodDelete)
	sub.HandleFunc("/sentences", a.handleInject).Methods(http.MethodPost)
	if opts.Router != nil {
		sub.Handle("/rules", RulesStore{Router: opts.Router, ConfigPath: opts.ConfigPath}.Handler()).
			Methods(http.MethodGet, http.MethodPut)
	}
	if opts.Logs != nil {
		sub.HandleFunc("/logs", a.handleLogs).Methods(http.MethodGet)
	}
	if opts.Hub != nil {
		r.Handle("/ws", opts.Hub)
	}
	r.HandleFunc("/", a.handleRoot).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.opts.Status.Snapshot(a.opts.Now()))
}

type CacheEntry struct {
	ID     nmea.SentenceID `json:"id"`
	Talker nmea.TalkerID   `json:"talker"`
	Line   string          `json:"line"`
	Time   time.Time       `json:"time"`
	AgeMs  int64           `json:"age_ms"`
	Valid  bool            `json:"valid"`
}

type CacheResponse struct {
	Sources []string     `json:"sources"`
	Entries []CacheEntry `json:"entries"`
}

func (a *api) handleCache(w http.ResponseWriter, _ *http.Request) {
	if a.opts.Cache == nil {
		writeError(w, http.StatusNotFound, "cache unavailable")
		return
	}
	now := a.opts.Now()
	snap := a.opts.Cache.Snapshot()
	resp := CacheResponse{Sources: a.opts.Cache.Sources(), Entries: make([]CacheEntry, 0, len(snap))}
	for id, s := range snap {
		resp.Entries = append(resp.Entries, CacheEntry{
			ID:     id,
			Talker: s.Talker(),
			Line:   nmea.Encode(s),
			Time:   s.Time(),
			AgeMs:  nmea.Age(s, now).Milliseconds(),
			Valid:  s.Valid(),
		})
	}
	sort.Slice(resp.Entries, func(i, j int) bool { return resp.Entries[i].ID < resp.Entries[j].ID })
	if resp.Sources == nil {
		resp.Sources = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handlePosition(w http.ResponseWriter, r *http.Request) {
	if a.position == nil {
		writeError(w, http.StatusNotFound, "cache unavailable")
		return
	}
	q := r.URL.Query()
	extrapolate := false
	if v := strings.TrimSpace(q.Get("extrapolate")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "extrapolate must be a boolean")
			return
		}
		extrapolate = b
	}
	fix, ok := a.position.CurrentPosition(q.Get("source"), extrapolate, a.opts.Now())
	if !ok {
		writeError(w, http.StatusNotFound, "no position")
		return
	}
	writeJSON(w, http.StatusOK, fix)
}

type RouteResponse struct {
	State  nav.ErrorState   `json:"state"`
	Points []nav.RoutePoint `json:"points"`
}

func (a *api) handleRoute(w http.ResponseWriter, _ *http.Request) {
	if a.position == nil {
		writeError(w, http.StatusNotFound, "cache unavailable")
		return
	}
	state, points := a.position.CurrentRoute()
	if points == nil {
		points = []nav.RoutePoint{}
	}
	writeJSON(w, http.StatusOK, RouteResponse{State: state, Points: points})
}

type SatellitesResponse struct {
	InView     int              `json:"in_view"`
	Satellites []nmea.Satellite `json:"satellites"`
}

func (a *api) handleSatellites(w http.ResponseWriter, _ *http.Request) {
	if a.position == nil {
		writeError(w, http.StatusNotFound, "cache unavailable")
		return
	}
	sats, total := a.position.SatellitesInView()
	if sats == nil {
		sats = []nmea.Satellite{}
	}
	writeJSON(w, http.StatusOK, SatellitesResponse{InView: total, Satellites: sats})
}

func (a *api) handleAutopilot(w http.ResponseWriter, _ *http.Request) {
	if a.opts.Autopilot == nil {
		writeError(w, http.StatusNotFound, "autopilot disabled")
		return
	}
	writeJSON(w, http.StatusOK, a.opts.Autopilot.Status())
}

// RouteRequest activates a route. Without waypoints the route currently announced on the bus
// is used.
type RouteRequest struct {
	Name      string `json:"name"`
	Waypoints []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"lat"`
		Longitude float64 `json:"lon"`
	} `json:"waypoints"`
}

func (a *api) handleActivateRoute(w http.ResponseWriter, r *http.Request) {
	if a.opts.Autopilot == nil {
		writeError(w, http.StatusNotFound, "autopilot disabled")
		return
	}
	var req RouteRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}

	var route *nav.Route
	var err error
	if len(req.Waypoints) == 0 {
		if a.position == nil {
			writeError(w, http.StatusNotFound, "cache unavailable")
			return
		}
		state, points := a.position.CurrentRoute()
		if state != nav.RoutePresent {
			writeError(w, http.StatusConflict, "no complete route on the bus: "+state.String())
			return
		}
		name := req.Name
		if name == "" {
			name = points[0].RouteName
		}
		route, err = nav.NewRoute(name, points)
	} else {
		points := make([]nav.RoutePoint, 0, len(req.Waypoints))
		for _, wp := range req.Waypoints {
			points = append(points, nav.RoutePoint{
				Name:     wp.Name,
				Position: geo.Position{Latitude: wp.Latitude, Longitude: wp.Longitude},
			})
		}
		route, err = nav.NewRoute(req.Name, points)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.opts.Autopilot.ActivateRoute(route)
	log.Infof("route %s activated via api points=%d", route.Name(), route.Len())
	writeJSON(w, http.StatusOK, a.opts.Autopilot.Status())
}

func (a *api) handleDisableRoute(w http.ResponseWriter, _ *http.Request) {
	if a.opts.Autopilot == nil {
		writeError(w, http.StatusNotFound, "autopilot disabled")
		return
	}
	a.opts.Autopilot.DisableActiveRoute()
	writeJSON(w, http.StatusOK, a.opts.Autopilot.Status())
}

type InjectResponse struct {
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

// handleInject routes the posted lines as if they came from the router itself.
func (a *api) handleInject(w http.ResponseWriter, r *http.Request) {
	if a.opts.Router == nil {
		writeError(w, http.StatusNotFound, "router unavailable")
		return
	}
	now := a.opts.Now()
	var resp InjectResponse
	sc := bufio.NewScanner(io.LimitReader(r.Body, 1<<20))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		raw, err := nmea.Parse(line, now)
		if err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		typed, err := nmea.Decode(raw, now)
		if err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		if !nmea.IsRaw(typed) {
			_ = a.opts.Router.Send(nil, typed)
		}
		_ = a.opts.Router.Send(nil, raw)
		resp.Accepted++
	}
	code := http.StatusOK
	if resp.Accepted == 0 && len(resp.Errors) > 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}

func (a *api) handleRoot(w http.ResponseWriter, _ *http.Request) {
	snap := a.opts.Status.Snapshot(a.opts.Now())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>nmea-bus</title></head><body>")
	_, _ = fmt.Fprintf(w, "<h1>nmea-bus</h1><ul>")
	for _, p := range []string{"status", "cache", "position", "route", "satellites", "autopilot", "rules", "logs"} {
		_, _ = fmt.Fprintf(w, "<li><a href=\"/api/%s\">/api/%s</a></li>", p, p)
	}
	_, _ = fmt.Fprintf(w, "</ul><pre>uptime_sec=%d\nsentences_total=%d\nparse_errors_total=%d\nendpoints=%d</pre>",
		snap.UptimeSec, snap.SentencesTotal, snap.ParseErrorsTotal, len(snap.Endpoints))
	_, _ = fmt.Fprintf(w, "</body></html>")
}

// Serve runs the HTTP server until ctx ends.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Infof("web listening on %s", listenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
