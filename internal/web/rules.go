package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/config"
)

// RulesStore reads and replaces the routing rules of a running router. With a ConfigPath the
// new rules are also written to the configuration file.
type RulesStore struct {
	Router     *bus.Router
	ConfigPath string
}

func decodeRulesStrict(body []byte) ([]config.RuleConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var rules []config.RuleConfig
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("invalid json: trailing data")
	}
	if rules == nil {
		return nil, errors.New("invalid json: expected an array of rules")
	}
	for i, r := range rules {
		if err := r.Check(i); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func (s RulesStore) current() []config.RuleConfig {
	filters := s.Router.FilterRules()
	out := make([]config.RuleConfig, 0, len(filters))
	for _, f := range filters {
		out = append(out, config.RuleFromFilter(f))
	}
	return out
}

func (s RulesStore) save(rules []config.RuleConfig) error {
	cfg, err := config.Load(s.ConfigPath)
	if err != nil {
		return err
	}
	cfg.Rules = rules
	return config.Save(s.ConfigPath, cfg)
}

func (s RulesStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, s.current())

		case http.MethodPut:
			if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
				http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
				return
			}
			rules, err := decodeRulesStrict(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			old := s.Router.FilterRules()
			filters := make([]bus.FilterRule, 0, len(rules))
			for _, rule := range rules {
				filters = append(filters, rule.FilterRule())
			}
			if err := s.Router.SetFilterRules(filters); err != nil {
				http.Error(w, fmt.Sprintf("invalid rules: %v", err), http.StatusBadRequest)
				return
			}
			if strings.TrimSpace(s.ConfigPath) != "" {
				if err := s.save(rules); err != nil {
					// Keep the running rules consistent with disk.
					_ = s.Router.SetFilterRules(old)
					http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
					return
				}
			}
			log.Infof("routing rules replaced count=%d", len(rules))
			writeJSON(w, http.StatusOK, s.current())

		default:
			w.Header().Set("Allow", "GET, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
