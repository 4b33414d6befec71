// Package featurehub is the public entry point of the SDK. A [Config] owns
// the feature repository and the edge transport that keeps it current;
// [ClientContext] values built from it evaluate features for one user.
//
//	cfg, err := featurehub.NewConfig("https://edge.example.com", []string{"env/key*secret"})
//	if err != nil {
//		return err
//	}
//	defer cfg.Close()
//	cfg.Init()
//
//	ctx := cfg.NewContext().UserKey("user-1").Country("nz").Build()
//	if ctx.Enabled("new_checkout") {
//		// ...
//	}
package featurehub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/featurehub-go/internal/core"
	"github.com/matt-riley/featurehub-go/internal/edge"
	"github.com/matt-riley/featurehub-go/internal/logging"
	"github.com/matt-riley/featurehub-go/internal/metrics"
	"github.com/matt-riley/featurehub-go/internal/repository"
	"github.com/matt-riley/featurehub-go/internal/tracing"
)

// Version is the SDK version reported to the edge.
const Version = edge.SDKVersion

// DefaultPollTimeout bounds a single polling request.
const DefaultPollTimeout = 12 * time.Second

// Configuration errors returned by NewConfig.
var (
	ErrInvalidEdgeURL = errors.New("featurehub: edge url must be an absolute http(s) url")
	ErrNoAPIKeys      = errors.New("featurehub: at least one api key is required")
	ErrMixedAPIKeys   = errors.New("featurehub: api keys must all be client evaluated or all server evaluated")
)

// EdgeProvider builds the transport for a config.
type EdgeProvider func(repo *Repository, apiKeys []string, edgeURL string) EdgeService

type transport int

const (
	transportStreaming transport = iota
	transportPolling
)

// Config holds the validated edge location and keys, the repository, and the
// lazily created edge service.
type Config struct {
	edgeURL         string
	apiKeys         []string
	clientEvaluated bool

	repo         *Repository
	provider     EdgeProvider
	logger       *slog.Logger
	httpClient   *http.Client
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	interceptors []Interceptor
	evalOpts     []core.EvaluatorOption
	transport    transport
	pollInterval time.Duration
	pollTimeout  time.Duration

	mu   sync.Mutex
	edge EdgeService
}

// Option configures a Config.
type Option func(*Config)

// WithRepository uses repo instead of a fresh repository.
func WithRepository(repo *Repository) Option {
	return func(c *Config) { c.repo = repo }
}

// WithEdgeProvider replaces the built-in transports.
func WithEdgeProvider(provider EdgeProvider) Option {
	return func(c *Config) { c.provider = provider }
}

// WithLogger sets the logger shared by the repository and transports.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.logger = logging.OrNop(logger) }
}

// WithPolling selects the polling transport with the given interval.
func WithPolling(interval time.Duration) Option {
	return func(c *Config) {
		c.transport = transportPolling
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithPollTimeout bounds each polling request. It has no effect on streaming.
func WithPollTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.pollTimeout = timeout
		}
	}
}

// WithStreaming selects the streaming transport. This is the default.
func WithStreaming() Option {
	return func(c *Config) { c.transport = transportStreaming }
}

// WithHTTPClient sets the client used to reach the edge. Its Timeout should be
// zero; polling applies its own per-request timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithPrometheusRegistry records repository and transport metrics in reg.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) { c.registry = reg }
}

// WithInterceptor adds an interceptor to the repository's chain.
func WithInterceptor(interceptor Interceptor) Option {
	return func(c *Config) {
		if interceptor != nil {
			c.interceptors = append(c.interceptors, interceptor)
		}
	}
}

// WithPercentageCalculator replaces the hash that places a context in a
// percentage rollout. It has no effect with WithRepository.
func WithPercentageCalculator(calc PercentageCalculator) Option {
	return func(c *Config) {
		if calc != nil {
			c.evalOpts = append(c.evalOpts, core.WithPercentageCalculator(calc))
		}
	}
}

// WithClock sets the time source for date and datetime strategies. It has no
// effect with WithRepository.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.evalOpts = append(c.evalOpts, core.WithClock(now))
		}
	}
}

// NewConfig validates edgeURL and apiKeys. Keys containing "*" select client
// side evaluation; all keys must be of the same kind.
func NewConfig(edgeURL string, apiKeys []string, opts ...Option) (*Config, error) {
	normalized, err := normalizeEdgeURL(edgeURL)
	if err != nil {
		return nil, err
	}
	clientEvaluated, err := detectClientEvaluated(apiKeys)
	if err != nil {
		return nil, err
	}

	c := &Config{
		edgeURL:         normalized,
		apiKeys:         append([]string(nil), apiKeys...),
		clientEvaluated: clientEvaluated,
		logger:          logging.Nop(),
		httpClient:      &http.Client{Transport: tracing.Transport(nil)},
		pollInterval:    edge.DefaultPollInterval,
		pollTimeout:     DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.registry != nil {
		c.metrics = metrics.NewWithRegistry(c.registry)
	}

	if c.repo == nil {
		repoOpts := []repository.Option{repository.WithLogger(c.logger)}
		if c.metrics != nil {
			repoOpts = append(repoOpts, repository.WithRecorder(c.metrics))
		}
		for _, i := range c.interceptors {
			repoOpts = append(repoOpts, repository.WithInterceptor(i))
		}
		if len(c.evalOpts) > 0 {
			repoOpts = append(repoOpts, repository.WithEvaluator(core.NewEvaluator(c.evalOpts...)))
		}
		c.repo = repository.New(repoOpts...)
	} else {
		for _, i := range c.interceptors {
			c.repo.RegisterInterceptor(i)
		}
		if c.metrics != nil {
			c.repo.OnReadyChange(c.metrics.SetReady)
		}
	}

	if c.registry != nil {
		metrics.RegisterFeatureCollector(c.registry, c.repo)
	}
	return c, nil
}

// Init starts synchronization.
func (c *Config) Init() *Config {
	c.EdgeService().Poll()
	return c
}

// WaitReady blocks until the repository is ready or ctx is done.
func (c *Config) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for !c.repo.Ready() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for features: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// NewContext returns an empty context bound to this config's repository and
// edge service.
func (c *Config) NewContext() *ClientContext {
	return newClientContext(c.repo, c.EdgeService(), c.clientEvaluated)
}

// Repository returns the feature repository.
func (c *Config) Repository() *Repository { return c.repo }

// Metrics returns the metrics recorder, or nil without a registry.
func (c *Config) Metrics() *metrics.Metrics { return c.metrics }

// EdgeURL returns the normalized edge URL, always ending in "/".
func (c *Config) EdgeURL() string { return c.edgeURL }

// APIKeys returns a copy of the configured keys.
func (c *Config) APIKeys() []string { return append([]string(nil), c.apiKeys...) }

// ClientEvaluated reports whether strategies are evaluated locally.
func (c *Config) ClientEvaluated() bool { return c.clientEvaluated }

// EdgeService returns the current edge service, creating it on first use.
func (c *Config) EdgeService() EdgeService {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.edge == nil {
		c.edge = c.newEdgeService()
	}
	return c.edge
}

// ForceNewEdgeService closes the current edge service and creates another.
func (c *Config) ForceNewEdgeService() EdgeService {
	c.mu.Lock()
	old := c.edge
	c.edge = c.newEdgeService()
	svc := c.edge
	c.mu.Unlock()

	c.closeEdge(old)
	return svc
}

// SetEdgeProvider replaces the provider and closes the current edge service.
// The next EdgeService call uses the new provider.
func (c *Config) SetEdgeProvider(provider EdgeProvider) {
	c.mu.Lock()
	old := c.edge
	c.provider = provider
	c.edge = nil
	c.mu.Unlock()

	c.closeEdge(old)
}

// Close stops the edge service. It is safe to call more than once.
func (c *Config) Close() error {
	c.mu.Lock()
	old := c.edge
	c.edge = nil
	c.mu.Unlock()

	if old == nil {
		return nil
	}
	if err := old.Close(); err != nil {
		return fmt.Errorf("close edge service: %w", err)
	}
	return nil
}

func (c *Config) closeEdge(svc EdgeService) {
	if svc == nil {
		return
	}
	if err := svc.Close(); err != nil {
		c.logger.Warn("close edge service", "error", err)
	}
}

func (c *Config) newEdgeService() EdgeService {
	if c.provider != nil {
		return c.provider(c.repo, c.APIKeys(), c.edgeURL)
	}

	opts := []edge.Option{edge.WithLogger(c.logger)}
	if c.metrics != nil {
		opts = append(opts, edge.WithRecorder(c.metrics))
	}

	if c.transport == transportPolling {
		client := *c.httpClient
		client.Timeout = c.pollTimeout
		opts = append(opts, edge.WithHTTPClient(&client), edge.WithInterval(c.pollInterval))
		return edge.NewPollingService(c.repo, c.edgeURL, c.APIKeys(), opts...)
	}
	opts = append(opts, edge.WithHTTPClient(c.httpClient))
	return edge.NewStreamingService(c.repo, c.edgeURL, c.APIKeys(), opts...)
}

func normalizeEdgeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEdgeURL, raw)
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return raw, nil
}

func detectClientEvaluated(apiKeys []string) (bool, error) {
	if len(apiKeys) == 0 {
		return false, ErrNoAPIKeys
	}
	clientEvaluated := strings.Contains(apiKeys[0], "*")
	for i, k := range apiKeys {
		if strings.TrimSpace(k) == "" {
			return false, fmt.Errorf("%w: key %d is blank", ErrNoAPIKeys, i)
		}
		if strings.Contains(k, "*") != clientEvaluated {
			return false, ErrMixedAPIKeys
		}
	}
	return clientEvaluated, nil
}
