package config

import (
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func parseMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func baseVars() map[string]string {
	return map[string]string{
		"FEATUREHUB_EDGE_URL": "http://localhost:8085",
		"FEATUREHUB_API_KEYS": "env/key",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := parseMap(baseVars())
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if cfg.Transport != TransportStreaming {
		t.Errorf("Transport = %q, want %q", cfg.Transport, TransportStreaming)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
	}
	if cfg.PollHTTPTimeout != 12*time.Second {
		t.Errorf("PollHTTPTimeout = %v, want 12s", cfg.PollHTTPTimeout)
	}
	if cfg.ReadyTimeout != 10*time.Second {
		t.Errorf("ReadyTimeout = %v, want 10s", cfg.ReadyTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want :9090", cfg.GRPCAddr)
	}
}

func TestLoad_FromProcessEnvironment(t *testing.T) {
	t.Setenv("FEATUREHUB_EDGE_URL", "https://edge.example.com")
	t.Setenv("FEATUREHUB_API_KEYS", "a/b*c")
	t.Setenv("FEATUREHUB_TRANSPORT", "polling")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EdgeURL != "https://edge.example.com" {
		t.Errorf("EdgeURL = %q", cfg.EdgeURL)
	}
	if cfg.Transport != TransportPolling {
		t.Errorf("Transport = %q, want polling", cfg.Transport)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, name := range []string{"FEATUREHUB_EDGE_URL", "FEATUREHUB_API_KEYS"} {
		t.Run(name, func(t *testing.T) {
			vars := baseVars()
			delete(vars, name)
			_, err := parseMap(vars)
			if err == nil {
				t.Fatalf("parse() should fail without %s", name)
			}
			if !strings.Contains(err.Error(), name) {
				t.Fatalf("error %q does not name %s", err, name)
			}
		})
	}
}

func TestLoad_APIKeysSplitAndTrimmed(t *testing.T) {
	vars := baseVars()
	vars["FEATUREHUB_API_KEYS"] = " env/one , ,env/two "

	cfg, err := parseMap(vars)
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "env/one" || cfg.APIKeys[1] != "env/two" {
		t.Fatalf("APIKeys = %q, want [env/one env/two]", cfg.APIKeys)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "relative edge url", key: "FEATUREHUB_EDGE_URL", value: "/edge"},
		{name: "non http edge url", key: "FEATUREHUB_EDGE_URL", value: "ftp://edge"},
		{name: "blank api keys", key: "FEATUREHUB_API_KEYS", value: " , "},
		{name: "unknown transport", key: "FEATUREHUB_TRANSPORT", value: "carrier-pigeon"},
		{name: "zero poll interval", key: "FEATUREHUB_POLL_INTERVAL", value: "0s"},
		{name: "negative poll interval", key: "FEATUREHUB_POLL_INTERVAL", value: "-1s"},
		{name: "bad poll interval", key: "FEATUREHUB_POLL_INTERVAL", value: "soon"},
		{name: "zero http timeout", key: "FEATUREHUB_POLL_HTTP_TIMEOUT", value: "0s"},
		{name: "zero ready timeout", key: "FEATUREHUB_READY_TIMEOUT", value: "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := baseVars()
			vars[tt.key] = tt.value
			if _, err := parseMap(vars); err == nil {
				t.Fatalf("parse() should fail for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_TransportIsCaseInsensitive(t *testing.T) {
	vars := baseVars()
	vars["FEATUREHUB_TRANSPORT"] = " Polling "

	cfg, err := parseMap(vars)
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if cfg.Transport != TransportPolling {
		t.Fatalf("Transport = %q, want polling", cfg.Transport)
	}
}

func FuzzLoadPollInterval(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, interval string) {
		vars := baseVars()
		if interval != "" {
			vars["FEATUREHUB_POLL_INTERVAL"] = interval
		}

		cfg, err := parseMap(vars)
		if interval == "" {
			if err != nil {
				t.Fatalf("parse() error = %v for default interval", err)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(interval)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("parse() error = nil for invalid interval %q", interval)
			}
			return
		}
		if err != nil {
			t.Fatalf("parse() error = %v for valid interval %q", err, interval)
		}
		if cfg.PollInterval != parsed {
			t.Fatalf("PollInterval = %v, want %v", cfg.PollInterval, parsed)
		}
	})
}
