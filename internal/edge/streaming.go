package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/matt-riley/featurehub-go/internal/repository"
)

const configEvent = "config"

// errStale is returned when the edge marks itself stale. The stream is torn
// down and never reopened.
var errStale = errors.New("edge reported stale")

// StreamingService keeps a server-sent events connection to the edge.
type StreamingService struct {
	notifier   Notifier
	url        string
	client     *http.Client
	logger     *slog.Logger
	recorder   Recorder
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	header  string
	running bool
	stopped bool
	closed  bool
	active  bool
	cancel  context.CancelFunc
	done    chan struct{}

	notifyMu sync.Mutex
}

var _ Service = (*StreamingService)(nil)

// NewStreamingService returns a streaming transport subscribed with the first
// of apiKeys. edgeURL must end with "/".
func NewStreamingService(notifier Notifier, edgeURL string, apiKeys []string, opts ...Option) *StreamingService {
	s := newSettings(opts)
	var key string
	if len(apiKeys) > 0 {
		key = apiKeys[0]
	}
	return &StreamingService{
		notifier:   notifier,
		url:        edgeURL + "features/" + key,
		client:     s.client,
		logger:     s.logger.With("component", "edge.streaming"),
		recorder:   s.recorder,
		newBackOff: s.newBackOff,
	}
}

// Poll opens the stream if it is not already open.
func (s *StreamingService) Poll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

// ContextChange reopens the stream against a context-qualified URL. A changed
// header marks the notifier failed, and events still arriving on the old
// connection are dropped.
func (s *StreamingService) ContextChange(header string) {
	s.notifyMu.Lock()
	s.mu.Lock()
	if header == s.header && s.running {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return
	}
	changed := header != s.header
	s.header = header
	cancel, done := s.cancel, s.done
	wasRunning := s.running
	closed := s.closed
	s.mu.Unlock()
	if changed && !closed {
		if err := s.notifier.Notify(repository.StatusFailed, nil); err != nil {
			s.logger.Warn("notify context change", "error", err)
		}
	}
	s.notifyMu.Unlock()

	if wasRunning {
		cancel()
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

// Close tears down the stream. No notification is delivered after Close
// returns.
func (s *StreamingService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.notifyMu.Lock()
	s.notifyMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Active reports whether a connection is currently open.
func (s *StreamingService) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && !s.closed
}

// Stopped reports whether the stream ended terminally.
func (s *StreamingService) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *StreamingService) startLocked() {
	if s.running || s.stopped || s.closed {
		return
	}
	target := s.url
	if s.header != "" {
		target += "?" + s.header
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.header, target, s.done)
}

func (s *StreamingService) run(ctx context.Context, header, target string, done chan<- struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	bo := backoff.WithContext(s.newBackOff(), ctx)
	bo.Reset()

	for {
		connected, err := s.connect(ctx, header, target)
		if ctx.Err() != nil {
			return
		}
		var apiErr *APIError
		if errors.Is(err, errStale) || (errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound) {
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			return
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			s.logger.Error("stream reconnect abandoned", "error", err)
			return
		}
		s.logger.Warn("stream disconnected, reconnecting", "error", err, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect holds one connection open for header until it ends. connected
// reports whether the edge accepted the subscription.
func (s *StreamingService) connect(ctx context.Context, header, target string) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("create stream request: %w", err)
	}
	setSDKHeaders(req, "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		s.recorder.RecordStreamConnect("error")
		return false, fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.recorder.RecordStreamConnect(strconv.Itoa(resp.StatusCode))
		if resp.StatusCode == http.StatusNotFound {
			s.logger.Error("api key not found, streaming stopped")
			s.deliver(repository.StatusFailure, nil, header)
		}
		return false, &APIError{StatusCode: resp.StatusCode}
	}

	s.recorder.RecordStreamConnect("ok")
	s.setActive(true)
	defer s.setActive(false)
	s.logger.Info("stream connected", "url", target)

	events := newEventReader(resp.Body)
	for {
		ev, err := events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true, io.ErrUnexpectedEOF
			}
			return true, fmt.Errorf("read stream: %w", err)
		}
		s.recorder.RecordStreamEvent(ev.Type)
		if ev.Type == configEvent {
			if isStale(ev.Data) {
				s.logger.Warn("edge is stale, streaming stopped")
				return true, errStale
			}
			continue
		}
		s.deliver(repository.Status(ev.Type), ev.Data, header)
	}
}

// deliver forwards an event received on a connection opened for header.
func (s *StreamingService) deliver(status repository.Status, payload []byte, header string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	closed, current := s.closed, s.header
	s.mu.Unlock()
	if closed {
		return
	}
	if header != current {
		s.logger.Debug("dropped stream event for a previous context", "event", string(status))
		return
	}
	if err := s.notifier.Notify(status, payload); err != nil {
		s.logger.Warn("rejected stream event", "event", string(status), "error", err)
	}
}

func (s *StreamingService) setActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
	s.recorder.SetStreamConnected(active)
}

func isStale(data []byte) bool {
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return false
	}
	stale, _ := cfg["edge.stale"].(bool)
	return stale
}
