// Package config loads the YAML description of a bus: its endpoints, routing rules and the
// services attached to it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint types.
const (
	TypeTCPServer = "tcp-server"
	TypeTCPClient = "tcp-client"
	TypeUDP       = "udp"
	TypeSerial    = "serial"
	TypeReplay    = "replay"
	TypeSim       = "sim"
	TypeGPSD      = "gpsd"
	TypeExec      = "exec"
)

// Simulator motions.
const (
	SimFigureEight   = "figure8"
	SimDeadReckoning = "dead-reckoning"
	SimScenario      = "scenario"
)

// Names that endpoints cannot use.
const (
	reservedLocal  = "local"
	reservedLogger = "logger"
	// WebEndpointName is the websocket endpoint, registered when web.enable is true.
	WebEndpointName = "web"
)

type Config struct {
	Log       LogConfig        `yaml:"log"`
	Cache     CacheConfig      `yaml:"cache"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Rules     []RuleConfig     `yaml:"rules"`
	Autopilot AutopilotConfig  `yaml:"autopilot"`
	Web       WebConfig        `yaml:"web"`
	Record    RecordConfig     `yaml:"record"`
}

type LogConfig struct {
	// Level is a go-log level name: debug, info, warn, error.
	Level string `yaml:"level"`
	// Subsystems overrides the level per logger, e.g. "nmea-bus/bus": debug.
	Subsystems map[string]string `yaml:"subsystems"`
}

type CacheConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StoreRaw      bool          `yaml:"store_raw"`
}

// EndpointConfig describes one endpoint. Which fields apply depends on Type.
type EndpointConfig struct {
	Type string `yaml:"type"`
	Name string `yaml:"name"`

	// tcp-server, tcp-client, gpsd
	Addr string `yaml:"addr"`
	// udp
	Port   int    `yaml:"port"`
	Listen string `yaml:"listen"`
	Target string `yaml:"target"`
	// serial; an empty device is auto-detected
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	// replay
	File     string  `yaml:"file"`
	Loop     bool    `yaml:"loop"`
	Realtime bool    `yaml:"realtime"`
	Speed    float64 `yaml:"speed"`
	// sim
	Sim SimConfig `yaml:"sim"`
	// exec
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Restart bool              `yaml:"restart"`

	// ExclusiveTalker drops sentences of every other talker.
	ExclusiveTalker string `yaml:"exclusive_talker"`
	ForwardOutdated bool   `yaml:"forward_outdated"`
}

type SimConfig struct {
	Motion       string        `yaml:"motion"`
	Interval     time.Duration `yaml:"interval"`
	Talker       string        `yaml:"talker"`
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	RadiusNm     float64       `yaml:"radius_nm"`
	Period       time.Duration `yaml:"period"`
	SpeedKt      float64       `yaml:"speed_kt"`
	TrackDeg     float64       `yaml:"track_deg"`
	Variation    *float64      `yaml:"variation_deg"`
	Scenario     string        `yaml:"scenario"`
	Loop         bool          `yaml:"loop"`
}

// RuleConfig is a routing rule. It is also the JSON form used by the web API.
type RuleConfig struct {
	// Source is an endpoint name, "local" or "*". Empty means any.
	Source   string   `yaml:"source,omitempty" json:"source"`
	Talker   string   `yaml:"talker,omitempty" json:"talker"`
	Sentence string   `yaml:"sentence,omitempty" json:"sentence"`
	Typed    bool     `yaml:"typed,omitempty" json:"typed"`
	Sinks    []string `yaml:"sinks" json:"sinks"`
	Continue bool     `yaml:"continue,omitempty" json:"continue"`
}

type AutopilotConfig struct {
	Enable bool `yaml:"enable"`
	// Input and Output name endpoints; "local" is the router itself.
	Input          string        `yaml:"input"`
	Output         string        `yaml:"output"`
	Period         time.Duration `yaml:"period"`
	SwitchDistance float64       `yaml:"switch_distance_m"`
	Talker         string        `yaml:"talker"`
	// Source restricts position input to one endpoint.
	Source string `yaml:"source"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type RecordConfig struct {
	Enable   bool   `yaml:"enable"`
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes and validates a configuration document, filling in defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && unknownFieldsOnly(te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(te.Errors, "; "))
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func unknownFieldsOnly(te *yaml.TypeError) bool {
	for _, e := range te.Errors {
		if !strings.Contains(e, "not found in type") {
			return false
		}
	}
	return len(te.Errors) > 0
}

func (cfg *Config) validate() error {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Cache.MaxAge <= 0 {
		cfg.Cache.MaxAge = 30 * time.Second
	}
	if cfg.Cache.SweepInterval <= 0 {
		cfg.Cache.SweepInterval = 5 * time.Second
	}

	names := map[string]bool{reservedLocal: true}
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if err := ep.validate(i); err != nil {
			return err
		}
		if ep.Name == reservedLocal || ep.Name == reservedLogger {
			return fmt.Errorf("endpoints[%d].name %q is reserved", i, ep.Name)
		}
		if names[ep.Name] {
			return fmt.Errorf("endpoints[%d].name %q is used twice", i, ep.Name)
		}
		names[ep.Name] = true
	}

	if cfg.Record.Enable {
		if cfg.Record.Path == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		names[reservedLogger] = true
	}
	if cfg.Web.Enable {
		if names[WebEndpointName] {
			return fmt.Errorf("endpoint name %q is reserved when web.enable is true", WebEndpointName)
		}
		names[WebEndpointName] = true
	}

	for i, r := range cfg.Rules {
		if r.Source != "" && r.Source != "*" && !names[r.Source] {
			return fmt.Errorf("rules[%d].source %q is not an endpoint", i, r.Source)
		}
		if err := r.Check(i); err != nil {
			return err
		}
		for _, s := range r.Sinks {
			if !names[s] {
				return fmt.Errorf("rules[%d].sinks: %q is not an endpoint", i, s)
			}
		}
	}

	if ap := &cfg.Autopilot; ap.Enable {
		if ap.Input == "" {
			ap.Input = reservedLocal
		}
		if ap.Output == "" {
			ap.Output = reservedLocal
		}
		if !names[ap.Input] {
			return fmt.Errorf("autopilot.input %q is not an endpoint", ap.Input)
		}
		if !names[ap.Output] {
			return fmt.Errorf("autopilot.output %q is not an endpoint", ap.Output)
		}
		if ap.Period <= 0 {
			ap.Period = 200 * time.Millisecond
		}
		if ap.SwitchDistance <= 0 {
			ap.SwitchDistance = 200
		}
		if ap.Talker != "" && len(ap.Talker) != 2 {
			return fmt.Errorf("autopilot.talker must be two characters")
		}
	}

	if cfg.Web.Enable && cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	return nil
}

func (ep *EndpointConfig) validate(i int) error {
	if ep.Name == "" {
		return fmt.Errorf("endpoints[%d].name is required", i)
	}
	if ep.ExclusiveTalker != "" && len(ep.ExclusiveTalker) != 2 {
		return fmt.Errorf("endpoints[%d].exclusive_talker must be two characters", i)
	}
	switch ep.Type {
	case TypeTCPServer:
		if ep.Addr == "" {
			ep.Addr = ":10110"
		}
	case TypeTCPClient:
		if ep.Addr == "" {
			return fmt.Errorf("endpoints[%d].addr is required", i)
		}
	case TypeGPSD:
		if ep.Addr == "" {
			ep.Addr = "127.0.0.1:2947"
		}
	case TypeExec:
		if strings.TrimSpace(ep.Command) == "" {
			return fmt.Errorf("endpoints[%d].command is required", i)
		}
	case TypeUDP:
		if ep.Port == 0 {
			ep.Port = 10110
		}
		if ep.Port < 0 || ep.Port > 65535 {
			return fmt.Errorf("endpoints[%d].port must be in 1..65535", i)
		}
	case TypeSerial:
		if ep.Baud == 0 {
			ep.Baud = 4800
		}
		if ep.Baud < 0 {
			return fmt.Errorf("endpoints[%d].baud must be > 0", i)
		}
	case TypeReplay:
		if ep.File == "" {
			return fmt.Errorf("endpoints[%d].file is required", i)
		}
		if ep.Speed == 0 {
			ep.Speed = 1
		}
		if ep.Speed < 0 {
			return fmt.Errorf("endpoints[%d].speed must be > 0", i)
		}
	case TypeSim:
		return ep.Sim.validate(i)
	case "":
		return fmt.Errorf("endpoints[%d].type is required", i)
	default:
		return fmt.Errorf("endpoints[%d].type %q is not supported", i, ep.Type)
	}
	return nil
}

func (s *SimConfig) validate(i int) error {
	if s.Motion == "" {
		s.Motion = SimFigureEight
	}
	if s.Interval <= 0 {
		s.Interval = time.Second
	}
	if s.Talker != "" && len(s.Talker) != 2 {
		return fmt.Errorf("endpoints[%d].sim.talker must be two characters", i)
	}
	switch s.Motion {
	case SimFigureEight:
		if s.RadiusNm <= 0 {
			s.RadiusNm = 0.5
		}
		if s.Period <= 0 {
			s.Period = 20 * time.Minute
		}
	case SimDeadReckoning:
		if s.SpeedKt <= 0 {
			s.SpeedKt = 6
		}
	case SimScenario:
		if s.Scenario == "" {
			return fmt.Errorf("endpoints[%d].sim.scenario is required when sim.motion is '%s'", i, SimScenario)
		}
	default:
		return fmt.Errorf("endpoints[%d].sim.motion %q is not supported", i, s.Motion)
	}
	if s.CenterLatDeg < -90 || s.CenterLatDeg > 90 || s.CenterLonDeg < -180 || s.CenterLonDeg > 180 {
		return fmt.Errorf("endpoints[%d].sim center is not a valid position", i)
	}
	return nil
}
