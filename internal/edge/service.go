// Package edge synchronizes a feature repository with a FeatureHub edge
// server. Two transports are provided: [PollingService] performs conditional
// GETs on an adaptive interval, and [StreamingService] holds a server-sent
// events connection open and reconnects with exponential backoff.
//
// Both transports own exactly one background goroutine, never block the
// caller on network I/O, and guarantee that no notification reaches the
// repository once Close has returned.
package edge

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/matt-riley/featurehub-go/internal/logging"
	"github.com/matt-riley/featurehub-go/internal/repository"
)

// SDKVersion is sent in the X-SDK-Version header.
const SDKVersion = "1.0.0"

const sdkName = "Go"

// DefaultPollInterval is used when no interval option is supplied.
const DefaultPollInterval = 30 * time.Second

// ErrStopped is returned by a refresh once the transport has been stopped,
// either by Close or by a terminal response from the edge.
var ErrStopped = errors.New("edge service stopped")

// Service is the transport contract used by contexts and configs.
type Service interface {
	// Poll starts synchronization if it is not already running.
	Poll()
	// ContextChange pushes a new server-evaluation context header.
	ContextChange(header string)
	// Close stops synchronization. It is idempotent.
	Close() error
}

// Notifier receives raw updates from a transport.
type Notifier interface {
	Notify(status repository.Status, payload []byte) error
}

// Recorder receives transport metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	ObservePoll(status string, d time.Duration)
	RecordStreamConnect(result string)
	RecordStreamEvent(event string)
	SetStreamConnected(connected bool)
	SetBreakerOpen(open bool)
}

// APIError is returned when the edge responds with an unexpected status.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("edge: HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

type nopRecorder struct{}

func (nopRecorder) ObservePoll(string, time.Duration) {}
func (nopRecorder) RecordStreamConnect(string)        {}
func (nopRecorder) RecordStreamEvent(string)          {}
func (nopRecorder) SetStreamConnected(bool)           {}
func (nopRecorder) SetBreakerOpen(bool)               {}

type settings struct {
	logger     *slog.Logger
	client     *http.Client
	recorder   Recorder
	interval   time.Duration
	newBackOff func() backoff.BackOff
}

// Option configures a transport.
type Option func(*settings)

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logging.OrNop(logger)
	}
}

// WithHTTPClient sets the HTTP client. Streaming connections are long lived,
// so a client used for streaming should not carry an overall Timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) {
		if client != nil {
			s.client = client
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(s *settings) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithInterval sets the initial polling interval. Non-positive values are
// ignored.
func WithInterval(interval time.Duration) Option {
	return func(s *settings) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithBackOff sets the reconnect policy for streaming. The factory is called
// once per connection loop.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *settings) {
		if factory != nil {
			s.newBackOff = factory
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:     logging.Nop(),
		client:     http.DefaultClient,
		recorder:   nopRecorder{},
		interval:   DefaultPollInterval,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func setSDKHeaders(req *http.Request, accept string) {
	req.Header.Set("Accept", accept)
	req.Header.Set("X-SDK", sdkName)
	req.Header.Set("X-SDK-Version", SDKVersion)
}
