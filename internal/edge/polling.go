package edge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/matt-riley/featurehub-go/internal/repository"
)

// StatusStopPolling is the edge's instruction to apply the payload and never
// poll again.
const StatusStopPolling = 236

// breakerFailures is the number of consecutive transport failures that opens
// the poll breaker. HTTP responses, 5xx included, never count.
const breakerFailures = 5

type pollResponse struct {
	status int
	header http.Header
	body   []byte
}

type environment struct {
	Features json.RawMessage `json:"features"`
}

// PollingService fetches features on an adaptive interval.
type PollingService struct {
	notifier Notifier
	url      string
	client   *http.Client
	logger   *slog.Logger
	recorder Recorder
	breaker  *gobreaker.CircuitBreaker[pollResponse]
	group    singleflight.Group

	mu       sync.Mutex
	interval time.Duration
	etag     string
	header   string
	running  bool
	stopped  bool
	closed   bool
	kick     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	// notifyMu is held while updates are delivered so Close can wait them out.
	notifyMu sync.Mutex
}

var _ Service = (*PollingService)(nil)

// NewPollingService returns a polling transport for apiKeys against edgeURL.
// edgeURL must end with "/". Nothing is fetched until Poll or ContextChange.
func NewPollingService(notifier Notifier, edgeURL string, apiKeys []string, opts ...Option) *PollingService {
	s := newSettings(opts)

	q := make([]string, 0, len(apiKeys))
	for _, k := range apiKeys {
		q = append(q, "apiKey="+url.QueryEscape(k))
	}

	p := &PollingService{
		notifier: notifier,
		url:      edgeURL + "features?" + strings.Join(q, "&"),
		client:   s.client,
		logger:   s.logger.With("component", "edge.polling"),
		recorder: s.recorder,
		interval: s.interval,
	}
	p.breaker = gobreaker.NewCircuitBreaker[pollResponse](gobreaker.Settings{
		Name:        "featurehub-poll",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("poll breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			p.recorder.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	})
	return p
}

// Poll starts the polling loop if it is not already running. It is a no-op
// once the service has been closed or told to stop by the edge.
func (p *PollingService) Poll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked(false)
}

// ContextChange records a new context header. A running loop fetches
// immediately; an idle service starts its loop. A changed header marks the
// notifier failed, and responses still in flight for the old header are
// dropped. Context fetches bypass the breaker.
func (p *PollingService) ContextChange(header string) {
	p.notifyMu.Lock()
	p.mu.Lock()
	changed := header != p.header
	closed := p.closed
	if changed {
		p.header = header
		p.etag = ""
	}
	p.mu.Unlock()
	if changed && !closed {
		if err := p.notifier.Notify(repository.StatusFailed, nil); err != nil {
			p.logger.Warn("notify context change", "error", err)
		}
	}
	p.notifyMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		p.startLocked(changed)
		return
	}
	if changed {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// Close stops the loop and waits for it to exit. No notification is delivered
// after Close returns.
func (p *PollingService) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	// Wait for an in-flight delivery to finish; later ones observe closed.
	p.notifyMu.Lock()
	p.notifyMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Refresh performs one fetch synchronously. Concurrent refreshes share a
// single request.
func (p *PollingService) Refresh(ctx context.Context) error {
	return p.refresh(ctx, false)
}

// refresh collapses concurrent fetches of the same kind. Forced fetches skip
// the breaker and never share a request with a breaker-guarded one.
func (p *PollingService) refresh(ctx context.Context, force bool) error {
	key := "poll"
	if force {
		key = "poll-context"
	}
	_, err, _ := p.group.Do(key, func() (any, error) {
		return nil, p.fetch(ctx, force)
	})
	return err
}

// Interval reports the current polling interval.
func (p *PollingService) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// ETag reports the entity tag of the last applied response.
func (p *PollingService) ETag() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.etag
}

// Stopped reports whether the edge has permanently stopped polling.
func (p *PollingService) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *PollingService) startLocked(force bool) {
	if p.running || p.stopped || p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.kick = make(chan struct{}, 1)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, force, p.kick, p.done)
}

func (p *PollingService) run(ctx context.Context, force bool, kick <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.tick(ctx, force)
	current := p.Interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		if p.Stopped() {
			return
		}
		if iv := p.Interval(); iv != current {
			current = iv
			ticker.Reset(current)
			p.logger.Debug("poll interval changed", "interval", current)
		}
		force = false
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
			force = true
		}
		p.tick(ctx, force)
	}
}

func (p *PollingService) tick(ctx context.Context, force bool) {
	err := p.refresh(ctx, force)
	switch {
	case err == nil, ctx.Err() != nil, errors.Is(err, ErrStopped):
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.logger.Debug("poll skipped, breaker open")
	default:
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			p.logger.Debug("edge busy, retrying on next tick")
			return
		}
		p.logger.Warn("poll failed", "error", err)
	}
}

func (p *PollingService) fetch(ctx context.Context, force bool) error {
	p.mu.Lock()
	if p.closed || p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	header, etag := p.header, p.etag
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"&contextSha="+contextSHA(header), nil)
	if err != nil {
		return fmt.Errorf("create poll request: %w", err)
	}
	setSDKHeaders(req, "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if header != "" {
		req.Header.Set("x-featurehub", header)
	}

	start := time.Now()
	var resp pollResponse
	if force {
		resp, err = p.do(req)
	} else {
		resp, err = p.breaker.Execute(func() (pollResponse, error) {
			return p.do(req)
		})
	}
	if err != nil {
		p.recorder.ObservePoll("error", time.Since(start))
		return fmt.Errorf("poll edge: %w", err)
	}
	p.recorder.ObservePoll(strconv.Itoa(resp.status), time.Since(start))

	return p.handle(resp, header)
}

// do executes req. Only failures to get a response are errors; every status
// code is left to handle.
func (p *PollingService) do(req *http.Request) (pollResponse, error) {
	httpResp, err := p.client.Do(req)
	if err != nil {
		return pollResponse{}, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return pollResponse{}, fmt.Errorf("read poll body: %w", err)
	}
	return pollResponse{status: httpResp.StatusCode, header: httpResp.Header, body: body}, nil
}

// handle applies resp, fetched for header. A response for a header that has
// since been replaced is discarded.
func (p *PollingService) handle(resp pollResponse, header string) error {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.mu.Lock()
	closed, current := p.closed, p.header
	p.mu.Unlock()
	if closed {
		return ErrStopped
	}
	if header != current {
		p.logger.Debug("dropped poll response for a previous context", "status", resp.status)
		return nil
	}

	switch resp.status {
	case http.StatusOK, StatusStopPolling:
		var envs []*environment
		if err := json.Unmarshal(resp.body, &envs); err != nil {
			return fmt.Errorf("decode poll body: %w", err)
		}
		for _, env := range envs {
			if env == nil {
				continue
			}
			if err := p.notifier.Notify(repository.StatusFeatures, env.Features); err != nil {
				p.logger.Warn("rejected environment features", "error", err)
			}
		}

		maxAge, hasMaxAge := parseMaxAge(resp.header.Get("Cache-Control"))
		p.mu.Lock()
		p.etag = resp.header.Get("ETag")
		if hasMaxAge {
			p.interval = maxAge
		}
		if resp.status == StatusStopPolling {
			p.stopped = true
		}
		p.mu.Unlock()

		if resp.status == StatusStopPolling {
			p.logger.Info("edge requested polling stop")
		}
		return nil
	case http.StatusNotModified:
		return nil
	case http.StatusNotFound:
		p.logger.Error("api key not found, polling stopped")
		if err := p.notifier.Notify(repository.StatusFailed, nil); err != nil {
			p.logger.Warn("notify failure", "error", err)
		}
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		return &APIError{StatusCode: resp.status}
	default:
		return &APIError{StatusCode: resp.status}
	}
}

// contextSHA returns the hex SHA-256 of header, or "0" when there is none.
func contextSHA(header string) string {
	if header == "" {
		return "0"
	}
	sum := sha256.Sum256([]byte(header))
	return hex.EncodeToString(sum[:])
}

// parseMaxAge extracts a positive max-age directive in seconds.
func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
