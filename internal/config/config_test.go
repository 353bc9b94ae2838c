package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

const fullConfig = `
log:
  level: debug
  subsystems:
    nmea-bus/bus: warn
cache:
  max_age: 10s
  store_raw: true
endpoints:
  - type: tcp-server
    name: opencpn
  - type: tcp-client
    name: plotter
    addr: 192.168.1.10:10110
  - type: udp
    name: lan
  - type: serial
    name: gps
    device: /dev/ttyUSB0
    exclusive_talker: GP
  - type: replay
    name: trip
    file: trip.nmea.zst
    realtime: true
  - type: sim
    name: sim
    sim:
      motion: dead-reckoning
      center_lat_deg: 47
      center_lon_deg: 9
      track_deg: 90
rules:
  - source: gps
    sinks: [local, opencpn]
    continue: true
  - source: "*"
    sentence: RMB
    typed: true
    sinks: [sim, logger]
autopilot:
  enable: true
web:
  enable: true
record:
  enable: true
  path: bus.log
  compress: true
`

func TestLoad_Full(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Subsystems["nmea-bus/bus"] != "warn" {
		t.Fatalf("log=%+v", cfg.Log)
	}
	if cfg.Cache.MaxAge != 10*time.Second || cfg.Cache.SweepInterval != 5*time.Second || !cfg.Cache.StoreRaw {
		t.Fatalf("cache=%+v", cfg.Cache)
	}
	if len(cfg.Endpoints) != 6 {
		t.Fatalf("endpoints=%d want 6", len(cfg.Endpoints))
	}
	if got := cfg.Endpoints[0].Addr; got != ":10110" {
		t.Fatalf("tcp-server addr=%q want :10110", got)
	}
	if got := cfg.Endpoints[2].Port; got != 10110 {
		t.Fatalf("udp port=%d want 10110", got)
	}
	if got := cfg.Endpoints[3].Baud; got != 4800 {
		t.Fatalf("serial baud=%d want 4800", got)
	}
	if got := cfg.Endpoints[4].Speed; got != 1 {
		t.Fatalf("replay speed=%v want 1", got)
	}
	sim := cfg.Endpoints[5].Sim
	if sim.Motion != SimDeadReckoning || sim.SpeedKt != 6 || sim.Interval != time.Second {
		t.Fatalf("sim=%+v", sim)
	}
	if !cfg.Rules[1].Typed || cfg.Rules[1].Sentence != "RMB" || !cfg.Rules[0].Continue {
		t.Fatalf("rules=%+v", cfg.Rules)
	}
	ap := cfg.Autopilot
	if ap.Input != "local" || ap.Output != "local" || ap.Period != 200*time.Millisecond || ap.SwitchDistance != 200 {
		t.Fatalf("autopilot=%+v", ap)
	}
	if cfg.Web.Listen != ":8080" {
		t.Fatalf("web listen=%q want :8080", cfg.Web.Listen)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "endpoints:\n  - {type: sim, name: s}\n  - {type: gpsd, name: g}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("level=%q want info", cfg.Log.Level)
	}
	if cfg.Cache.MaxAge != 30*time.Second {
		t.Fatalf("max_age=%s want 30s", cfg.Cache.MaxAge)
	}
	sim := cfg.Endpoints[0].Sim
	if sim.Motion != SimFigureEight || sim.RadiusNm != 0.5 || sim.Period != 20*time.Minute {
		t.Fatalf("sim defaults=%+v", sim)
	}
	if addr := cfg.Endpoints[1].Addr; addr != "127.0.0.1:2947" {
		t.Fatalf("gpsd addr=%q want 127.0.0.1:2947", addr)
	}
	if cfg.Web.Listen != "" {
		t.Fatalf("web listen set while disabled: %q", cfg.Web.Listen)
	}
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Endpoints) != 0 || cfg.Log.Level != "info" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "MissingName",
			body: "endpoints:\n  - type: udp\n",
			want: "endpoints[0].name is required",
		},
		{
			name: "MissingType",
			body: "endpoints:\n  - name: x\n",
			want: "endpoints[0].type is required",
		},
		{
			name: "UnknownType",
			body: "endpoints:\n  - {name: x, type: can}\n",
			want: `endpoints[0].type "can" is not supported`,
		},
		{
			name: "WebNameReserved",
			body: "web: {enable: true}\nendpoints:\n  - {name: web, type: udp}\n",
			want: `endpoint name "web" is reserved when web.enable is true`,
		},
		{
			name: "ClientNeedsAddr",
			body: "endpoints:\n  - {name: x, type: tcp-client}\n",
			want: "endpoints[0].addr is required",
		},
		{
			name: "ExecNeedsCommand",
			body: "endpoints:\n  - {name: x, type: exec}\n",
			want: "endpoints[0].command is required",
		},
		{
			name: "ReplayNeedsFile",
			body: "endpoints:\n  - {name: x, type: replay}\n",
			want: "endpoints[0].file is required",
		},
		{
			name: "ReplayNegativeSpeed",
			body: "endpoints:\n  - {name: x, type: replay, file: a.log, speed: -1}\n",
			want: "endpoints[0].speed must be > 0",
		},
		{
			name: "BadPort",
			body: "endpoints:\n  - {name: x, type: udp, port: 70000}\n",
			want: "endpoints[0].port must be in 1..65535",
		},
		{
			name: "Reserved",
			body: "endpoints:\n  - {name: local, type: udp}\n",
			want: `endpoints[0].name "local" is reserved`,
		},
		{
			name: "Duplicate",
			body: "endpoints:\n  - {name: x, type: udp}\n  - {name: x, type: tcp-server}\n",
			want: `endpoints[1].name "x" is used twice`,
		},
		{
			name: "ScenarioNeedsFile",
			body: "endpoints:\n  - {name: s, type: sim, sim: {motion: scenario}}\n",
			want: "endpoints[0].sim.scenario is required when sim.motion is 'scenario'",
		},
		{
			name: "UnknownMotion",
			body: "endpoints:\n  - {name: s, type: sim, sim: {motion: circle}}\n",
			want: `endpoints[0].sim.motion "circle" is not supported`,
		},
		{
			name: "ExclusiveTalker",
			body: "endpoints:\n  - {name: x, type: udp, exclusive_talker: GPS}\n",
			want: "endpoints[0].exclusive_talker must be two characters",
		},
		{
			name: "RuleUnknownSource",
			body: "rules:\n  - {source: gps, sinks: [local]}\n",
			want: `rules[0].source "gps" is not an endpoint`,
		},
		{
			name: "RuleNoSinks",
			body: "rules:\n  - {source: local}\n",
			want: "rules[0].sinks is required",
		},
		{
			name: "RuleUnknownSink",
			body: "rules:\n  - {sinks: [logger]}\n",
			want: `rules[0].sinks: "logger" is not an endpoint`,
		},
		{
			name: "RuleTalker",
			body: "rules:\n  - {talker: G, sinks: [local]}\n",
			want: "rules[0].talker must be two characters",
		},
		{
			name: "RuleSentence",
			body: "rules:\n  - {sentence: RM, sinks: [local]}\n",
			want: "rules[0].sentence must be three characters",
		},
		{
			name: "AutopilotOutput",
			body: "autopilot:\n  enable: true\n  output: plotter\n",
			want: `autopilot.output "plotter" is not an endpoint`,
		},
		{
			name: "RecordNeedsPath",
			body: "record:\n  enable: true\n",
			want: "record.path is required when record.enable is true",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.body)
			_, err := Load(path)
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "web:\n  enable: true\n  port: 80\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "config contains unknown fields: ") || !strings.Contains(err.Error(), "field port not found in type config.WebConfig") {
		t.Fatalf("error=%q", err.Error())
	}
}

func TestLoad_TypeMismatch(t *testing.T) {
	path := writeTempConfig(t, "cache:\n  max_age: soon\n")
	_, err := Load(path)
	if err == nil || strings.Contains(err.Error(), "unknown fields") {
		t.Fatalf("error=%v want a type error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !os.IsNotExist(err) {
		t.Fatalf("error=%v want not exist", err)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := writeTempConfig(t, fullConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.Rules = []RuleConfig{{Source: "sim", Sentence: "RMC", Sinks: []string{"opencpn", "lan"}}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after Save error: %v", err)
	}
	if len(got.Rules) != 1 || got.Rules[0].Source != "sim" || len(got.Rules[0].Sinks) != 2 {
		t.Fatalf("rules=%+v", got.Rules)
	}
	if got.Cache.MaxAge != 10*time.Second || len(got.Endpoints) != 6 || got.Endpoints[5].Sim.Motion != SimDeadReckoning {
		t.Fatalf("config changed on save: %+v", got)
	}
	if entries, _ := os.ReadDir(filepath.Dir(path)); len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg := Config{Rules: []RuleConfig{{Source: "nope", Sinks: []string{"local"}}}}
	if err := Save(path, cfg); err == nil {
		t.Fatalf("expected error")
	}
	if b, _ := os.ReadFile(path); len(b) != 0 {
		t.Fatalf("file modified: %q", b)
	}
}

func TestRuleConversion(t *testing.T) {
	r := RuleConfig{Source: "gps", Talker: "GP", Sentence: "RMC", Typed: true, Sinks: []string{"local"}, Continue: true}
	f := r.FilterRule()
	if f.Source != "gps" || f.Talker != "GP" || f.Sentence != "RMC" || !f.IncludeTyped || !f.ContinueAfterMatch {
		t.Fatalf("filter=%+v", f)
	}
	back := RuleFromFilter(f)
	if back.Source != r.Source || back.Talker != r.Talker || back.Sentence != r.Sentence || back.Typed != r.Typed || back.Continue != r.Continue || back.Sinks[0] != "local" {
		t.Fatalf("round trip=%+v want %+v", back, r)
	}
	f.Talker, f.Sentence = "**", "***"
	if back := RuleFromFilter(f); back.Talker != "" || back.Sentence != "" {
		t.Fatalf("wildcards not cleared: %+v", back)
	}
}
