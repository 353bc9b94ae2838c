package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/cache"
	"nmea-bus/internal/config"
	"nmea-bus/internal/geo"
	"nmea-bus/internal/nav"
	"nmea-bus/internal/nmea"
	"nmea-bus/internal/replay"
	"nmea-bus/internal/sim"
	"nmea-bus/internal/transport"
	"nmea-bus/internal/web"
)

type busRuntime struct {
	cfg        config.Config
	configPath string

	cache     *cache.SentenceCache
	router    *bus.Router
	recorder  *replay.Recorder
	autopilot *nav.AutopilotController
	hub       *web.Hub
	status    *web.Status
	logs      *web.LogBuffer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func setupLogging(lc config.LogConfig, debug bool) error {
	lvl, err := logging.LevelFromString(lc.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if debug {
		lvl = logging.LevelDebug
	}
	subs := make(map[string]logging.LogLevel, len(lc.Subsystems))
	for name, l := range lc.Subsystems {
		sl, err := logging.LevelFromString(l)
		if err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
		subs[name] = sl
	}
	lcfg := logging.GetConfig()
	lcfg.Level = lvl
	lcfg.SubsystemLevels = subs
	lcfg.Stderr = true
	logging.SetupLogging(lcfg)
	return nil
}

func parserOptions(ep config.EndpointConfig) bus.ParserOptions {
	return bus.ParserOptions{
		ExclusiveTalker: nmea.TalkerID(ep.ExclusiveTalker),
		ForwardOutdated: ep.ForwardOutdated,
	}
}

func newEndpoint(ep config.EndpointConfig) (bus.SinkSource, error) {
	switch ep.Type {
	case config.TypeTCPServer:
		return transport.NewTCPServer(transport.TCPServerConfig{Name: ep.Name, Addr: ep.Addr, Parser: parserOptions(ep)})
	case config.TypeTCPClient:
		return transport.NewTCPClient(transport.TCPClientConfig{Name: ep.Name, Addr: ep.Addr, Parser: parserOptions(ep)})
	case config.TypeGPSD:
		return transport.NewGPSDClient(ep.Name, ep.Addr, parserOptions(ep))
	case config.TypeExec:
		return transport.NewProcessEndpoint(transport.ProcessConfig{
			Name:    ep.Name,
			Command: ep.Command,
			Args:    ep.Args,
			Env:     ep.Env,
			Restart: ep.Restart,
			Parser:  parserOptions(ep),
		})
	case config.TypeUDP:
		return transport.NewUDPEndpoint(transport.UDPConfig{
			Name:   ep.Name,
			Port:   ep.Port,
			Listen: ep.Listen,
			Target: ep.Target,
			Parser: parserOptions(ep),
		})
	case config.TypeSerial:
		return transport.NewSerialEndpoint(transport.SerialConfig{
			Name:   ep.Name,
			Device: ep.Device,
			Baud:   ep.Baud,
			Parser: parserOptions(ep),
		})
	case config.TypeReplay:
		return replay.NewSource(replay.SourceConfig{
			Name:     ep.Name,
			Path:     ep.File,
			Realtime: ep.Realtime,
			Speed:    ep.Speed,
			Loop:     ep.Loop,
		})
	case config.TypeSim:
		return newSimulator(ep)
	default:
		return nil, fmt.Errorf("endpoint %s: unsupported type %q", ep.Name, ep.Type)
	}
}

func newSimulator(ep config.EndpointConfig) (*sim.Simulator, error) {
	sc := ep.Sim
	center := geo.Position{Latitude: sc.CenterLatDeg, Longitude: sc.CenterLonDeg}
	var (
		motion sim.Motion
		route  *nav.Route
	)
	switch sc.Motion {
	case config.SimFigureEight:
		motion = sim.FigureEight{Center: center, RadiusNm: sc.RadiusNm, Period: sc.Period}
	case config.SimDeadReckoning:
		motion = sim.NewDeadReckoning(center, sc.SpeedKt, sc.TrackDeg)
	case config.SimScenario:
		script, err := sim.LoadScenarioScript(sc.Scenario)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}
		scn, err := sim.NewScenario(script)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}
		scn.Loop = sc.Loop
		motion = scn
		route = scn.Route()
	default:
		return nil, fmt.Errorf("endpoint %s: unsupported motion %q", ep.Name, sc.Motion)
	}
	return sim.New(sim.Config{
		Name:      ep.Name,
		Talker:    nmea.TalkerID(sc.Talker),
		Period:    sc.Interval,
		Motion:    motion,
		Route:     route,
		Variation: sc.Variation,
	})
}

// newBusRuntime builds every component of cfg without starting anything.
func newBusRuntime(cfg config.Config, configPath string) (*busRuntime, error) {
	r := &busRuntime{cfg: cfg, configPath: configPath}
	r.cache = cache.New(cache.Config{
		MaxAge:            cfg.Cache.MaxAge,
		SweepInterval:     cfg.Cache.SweepInterval,
		StoreRawSentences: cfg.Cache.StoreRaw,
	})

	var logger bus.SinkSource
	if cfg.Record.Enable {
		rec, err := replay.NewRecorder(bus.LoggerName, cfg.Record.Path, cfg.Record.Compress)
		if err != nil {
			return nil, err
		}
		r.recorder = rec
		logger = rec
	}
	r.router = bus.NewRouter(logger)
	r.status = web.NewStatus(r.router)

	for _, epc := range cfg.Endpoints {
		ep, err := newEndpoint(epc)
		if err == nil {
			err = r.router.AddEndpoint(ep)
		}
		if err != nil {
			r.close()
			return nil, err
		}
		r.status.Watch(ep)
	}
	if cfg.Web.Enable {
		r.hub = web.NewHub(config.WebEndpointName, bus.ParserOptions{})
		if err := r.router.AddEndpoint(r.hub); err != nil {
			r.close()
			return nil, err
		}
		r.status.Watch(r.hub)
		r.logs = web.NewLogBuffer(2000)
	}

	if err := r.router.SetFilterRules(cfg.FilterRules()); err != nil {
		r.close()
		return nil, fmt.Errorf("rules: %w", err)
	}
	r.cache.Attach(r.router)

	if ap := cfg.Autopilot; ap.Enable {
		input, ok := r.router.Endpoint(ap.Input)
		if !ok {
			r.close()
			return nil, fmt.Errorf("autopilot input %q not found", ap.Input)
		}
		output, ok := r.router.Endpoint(ap.Output)
		if !ok {
			r.close()
			return nil, fmt.Errorf("autopilot output %q not found", ap.Output)
		}
		// Sentences routed to local are already cached; other inputs get their own cache.
		var c *cache.SentenceCache
		if ap.Input == bus.LocalName {
			c = r.cache
		}
		r.autopilot = nav.NewAutopilotController(input, output, c, nav.AutopilotConfig{
			Period:                 ap.Period,
			WaypointSwitchDistance: ap.SwitchDistance,
			Source:                 ap.Source,
			Talker:                 nmea.TalkerID(ap.Talker),
		})
	}
	return r, nil
}

// close releases what newBusRuntime opened when it fails half way.
func (r *busRuntime) close() {
	if r.recorder != nil {
		_ = r.recorder.Stop()
	}
}

func (r *busRuntime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.logs != nil {
		done := web.CaptureLogs(ctx, r.logs)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			<-done
		}()
	}
	if err := r.router.Start(ctx); err != nil {
		cancel()
		_ = r.router.Stop()
		return err
	}
	if r.autopilot != nil {
		if err := r.autopilot.Start(ctx); err != nil {
			cancel()
			_ = r.router.Stop()
			return err
		}
	}
	if r.cfg.Web.Enable {
		opts := web.Options{
			Router:     r.router,
			Cache:      r.cache,
			Hub:        r.hub,
			Status:     r.status,
			Logs:       r.logs,
			ConfigPath: r.configPath,
		}
		if r.autopilot != nil {
			opts.Autopilot = r.autopilot
		}
		h := web.Handler(opts)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := web.Serve(ctx, r.cfg.Web.Listen, h); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("web server stopped: %v", err)
			}
		}()
	}
	log.Infof("bus started endpoints=%d rules=%d", len(r.cfg.Endpoints), len(r.cfg.Rules))
	return nil
}

func (r *busRuntime) Stop() error {
	var errs []error
	if r.autopilot != nil {
		errs = append(errs, r.autopilot.Stop())
	}
	errs = append(errs, r.router.Stop())
	r.cache.Detach()
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	log.Infof("bus stopped")
	return errors.Join(errs...)
}
