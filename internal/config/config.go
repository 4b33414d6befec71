// Package config loads process configuration for the featurehub CLI from the
// environment. A .env file in the working directory, if present, is loaded
// first; variables already set in the environment win.
//
// Required variables:
//   - FEATUREHUB_EDGE_URL: base URL of the FeatureHub edge server.
//   - FEATUREHUB_API_KEYS: comma-separated API keys.
//
// Optional variables:
//   - FEATUREHUB_TRANSPORT: "streaming" (default) or "polling".
//   - FEATUREHUB_POLL_INTERVAL: polling interval (default "30s", must be > 0).
//   - FEATUREHUB_POLL_HTTP_TIMEOUT: per-request timeout for polling
//     (default "12s", must be > 0).
//   - FEATUREHUB_READY_TIMEOUT: how long commands wait for the first feature
//     set (default "10s", must be > 0).
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - HTTP_ADDR: diagnostics HTTP listen address (default ":8080").
//   - GRPC_ADDR: gRPC health listen address (default ":9090").
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Transports accepted by FEATUREHUB_TRANSPORT.
const (
	TransportStreaming = "streaming"
	TransportPolling   = "polling"
)

// Config holds the runtime configuration for the featurehub CLI.
type Config struct {
	EdgeURL         string        `env:"FEATUREHUB_EDGE_URL,required"`
	APIKeys         []string      `env:"FEATUREHUB_API_KEYS,required" envSeparator:","`
	Transport       string        `env:"FEATUREHUB_TRANSPORT" envDefault:"streaming"`
	PollInterval    time.Duration `env:"FEATUREHUB_POLL_INTERVAL" envDefault:"30s"`
	PollHTTPTimeout time.Duration `env:"FEATUREHUB_POLL_HTTP_TIMEOUT" envDefault:"12s"`
	ReadyTimeout    time.Duration `env:"FEATUREHUB_READY_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string        `env:"GRPC_ADDR" envDefault:":9090"`
}

// Load reads configuration from the environment, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// values fail validation.
func Load() (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.EdgeURL = strings.TrimSpace(c.EdgeURL)
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.LogLevel = strings.TrimSpace(c.LogLevel)

	keys := c.APIKeys[:0]
	for _, k := range c.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	c.APIKeys = keys
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	u, err := url.Parse(c.EdgeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FEATUREHUB_EDGE_URL must be an absolute http(s) URL, got %q", c.EdgeURL)
	}
	if len(c.APIKeys) == 0 {
		return errors.New("FEATUREHUB_API_KEYS must contain at least one key")
	}
	switch c.Transport {
	case TransportStreaming, TransportPolling:
	default:
		return fmt.Errorf("FEATUREHUB_TRANSPORT must be %q or %q, got %q", TransportStreaming, TransportPolling, c.Transport)
	}
	if c.PollInterval <= 0 {
		return errors.New("FEATUREHUB_POLL_INTERVAL must be > 0")
	}
	if c.PollHTTPTimeout <= 0 {
		return errors.New("FEATUREHUB_POLL_HTTP_TIMEOUT must be > 0")
	}
	if c.ReadyTimeout <= 0 {
		return errors.New("FEATUREHUB_READY_TIMEOUT must be > 0")
	}
	return nil
}
