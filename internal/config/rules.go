package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/nmea"
)

// Check validates the fields of a rule that do not depend on the endpoint list.
func (r RuleConfig) Check(i int) error {
	if r.Talker != "" && len(r.Talker) != 2 {
		return fmt.Errorf("rules[%d].talker must be two characters", i)
	}
	if r.Sentence != "" && len(r.Sentence) != 3 {
		return fmt.Errorf("rules[%d].sentence must be three characters", i)
	}
	if len(r.Sinks) == 0 {
		return fmt.Errorf("rules[%d].sinks is required", i)
	}
	return nil
}

func (r RuleConfig) FilterRule() bus.FilterRule {
	return bus.FilterRule{
		Source:             r.Source,
		Talker:             nmea.TalkerID(r.Talker),
		Sentence:           nmea.SentenceID(r.Sentence),
		IncludeTyped:       r.Typed,
		Sinks:              append([]string(nil), r.Sinks...),
		ContinueAfterMatch: r.Continue,
	}
}

// RuleFromFilter is the inverse of FilterRule. Transforms have no configuration form and
// are dropped.
func RuleFromFilter(f bus.FilterRule) RuleConfig {
	r := RuleConfig{
		Source:   f.Source,
		Talker:   string(f.Talker),
		Sentence: string(f.Sentence),
		Typed:    f.IncludeTyped,
		Sinks:    append([]string(nil), f.Sinks...),
		Continue: f.ContinueAfterMatch,
	}
	if f.Talker == nmea.TalkerAny {
		r.Talker = ""
	}
	if f.Sentence == nmea.SentenceAny {
		r.Sentence = ""
	}
	return r
}

// FilterRules converts the configured rules in order.
func (cfg Config) FilterRules() []bus.FilterRule {
	out := make([]bus.FilterRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		out = append(out, r.FilterRule())
	}
	return out
}

// Save validates cfg and writes it to path.
func Save(path string, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	// Write atomically to avoid corrupting config on crash/power loss.
	// Use a temp file in the same directory so os.Rename is atomic.
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
