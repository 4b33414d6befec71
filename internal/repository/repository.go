// Package repository holds the in-memory feature cache that the edge
// transports feed. Updates arrive through [Repository.Notify] and are applied
// under versioning rules; evaluation reads never take a lock.
package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/matt-riley/featurehub-go/internal/core"
	"github.com/matt-riley/featurehub-go/internal/logging"
)

// Status names an inbound update. The values match the edge event types.
type Status string

const (
	StatusFailed        Status = "failed"
	StatusFailure       Status = "failure"
	StatusFeatures      Status = "features"
	StatusFeature       Status = "feature"
	StatusDeleteFeature Status = "delete_feature"
)

// Update outcomes reported to the Recorder.
const (
	UpdateApplied   = "applied"
	UpdateStale     = "stale"
	UpdateUnchanged = "unchanged"
	UpdateRejected  = "rejected"
	UpdateDeleted   = "deleted"
)

var ErrInvalidPayload = errors.New("invalid feature payload")

// Recorder receives repository events for instrumentation.
type Recorder interface {
	RecordFeatureUpdate(result string)
	SetCachedFeatures(n int)
	SetReady(ready bool)
}

type Repository struct {
	features *xsync.MapOf[string, *FeatureState]
	ready    atomic.Bool

	// mu serializes every mutation of feature snapshots.
	mu sync.Mutex

	interceptorsMu sync.RWMutex
	interceptors   []Interceptor

	listenersMu    sync.RWMutex
	readyListeners []func(ready bool)

	evaluator *core.Evaluator
	logger    *slog.Logger
	recorder  Recorder
}

type Option func(*Repository)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logging.OrNop(logger)
	}
}

func WithEvaluator(evaluator *core.Evaluator) Option {
	return func(r *Repository) {
		if evaluator != nil {
			r.evaluator = evaluator
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(r *Repository) {
		r.recorder = recorder
	}
}

// WithReadyListener registers fn to be called whenever the ready flag flips.
// fn runs synchronously and must not call Notify.
func WithReadyListener(fn func(ready bool)) Option {
	return func(r *Repository) {
		if fn != nil {
			r.readyListeners = append(r.readyListeners, fn)
		}
	}
}

func WithInterceptor(interceptor Interceptor) Option {
	return func(r *Repository) {
		if interceptor != nil {
			r.interceptors = append(r.interceptors, interceptor)
		}
	}
}

func New(opts ...Option) *Repository {
	r := &Repository{
		features:  xsync.NewMapOf[string, *FeatureState](),
		evaluator: core.NewEvaluator(),
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify applies one inbound update. Unknown statuses are ignored. A payload
// that cannot be decoded at all returns an error wrapping ErrInvalidPayload
// and leaves the repository untouched; a bulk update skips bad entries and
// applies the rest.
func (r *Repository) Notify(status Status, payload []byte) error {
	switch status {
	case StatusFailed, StatusFailure:
		r.setReady(false)
		return nil
	case StatusFeatures, StatusFeature, StatusDeleteFeature:
	default:
		return nil
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch status {
	case StatusFeatures:
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return fmt.Errorf("decode features: %w: %w", ErrInvalidPayload, err)
		}
		for _, item := range items {
			def, err := decodeFeature(item)
			if err != nil {
				r.logger.Warn("rejected feature update", slog.String("error", err.Error()))
				r.record(UpdateRejected)
				continue
			}
			r.upsert(def)
		}
		r.setReady(true)
	case StatusFeature:
		def, err := decodeFeature(payload)
		if err != nil {
			r.record(UpdateRejected)
			return err
		}
		r.upsert(def)
		r.setReady(true)
	case StatusDeleteFeature:
		var ref struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(payload, &ref); err != nil {
			return fmt.Errorf("decode deleted feature: %w: %w", ErrInvalidPayload, err)
		}
		r.delete(ref.Key)
	}

	if r.recorder != nil {
		r.recorder.SetCachedFeatures(r.countExisting())
	}
	return nil
}

// Feature returns the slot for key, creating an empty one on first lookup.
// The same slot is returned for the lifetime of the repository.
func (r *Repository) Feature(key string) *FeatureState {
	fs, _ := r.features.LoadOrCompute(key, func() *FeatureState {
		return &FeatureState{key: key, repo: r}
	})
	return fs
}

// ExtractFeatureState returns a copy of every feature that currently exists,
// sorted by key.
func (r *Repository) ExtractFeatureState() []core.FeatureDefinition {
	var out []core.FeatureDefinition
	r.features.Range(func(_ string, fs *FeatureState) bool {
		if def := fs.def.Load(); def != nil {
			out = append(out, *def)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Repository) Ready() bool {
	return r.ready.Load()
}

// NotReady marks the cache as stale until the next successful update.
func (r *Repository) NotReady() {
	r.setReady(false)
}

// OnReadyChange registers fn to be called whenever the ready flag flips.
func (r *Repository) OnReadyChange(fn func(ready bool)) {
	if fn == nil {
		return
	}
	r.listenersMu.Lock()
	r.readyListeners = append(r.readyListeners, fn)
	r.listenersMu.Unlock()
}

func (r *Repository) RegisterInterceptor(interceptor Interceptor) {
	if interceptor == nil {
		return
	}
	r.interceptorsMu.Lock()
	r.interceptors = append(r.interceptors, interceptor)
	r.interceptorsMu.Unlock()
}

func (r *Repository) Evaluator() *core.Evaluator {
	return r.evaluator
}

func (r *Repository) intercept(key string) (InterceptorValue, bool) {
	r.interceptorsMu.RLock()
	defer r.interceptorsMu.RUnlock()
	for _, interceptor := range r.interceptors {
		if v, ok := interceptor.InterceptedValue(key); ok {
			return v, true
		}
	}
	return InterceptorValue{}, false
}

func (r *Repository) upsert(def *core.FeatureDefinition) {
	fs := r.Feature(def.Key)
	if current := fs.def.Load(); current != nil {
		if def.Version < current.Version {
			r.logger.Debug("ignored stale feature",
				slog.String("feature_key", def.Key),
				slog.Int64("version", def.Version),
				slog.Int64("current_version", current.Version),
			)
			r.record(UpdateStale)
			return
		}
		if def.Version == current.Version && reflect.DeepEqual(def.Value, current.Value) {
			r.record(UpdateUnchanged)
			return
		}
	}
	fs.def.Store(def)
	r.record(UpdateApplied)
}

func (r *Repository) delete(key string) {
	if key == "" {
		return
	}
	fs, ok := r.features.Load(key)
	if !ok {
		return
	}
	if fs.def.Swap(nil) != nil {
		r.record(UpdateDeleted)
	}
}

func (r *Repository) setReady(ready bool) {
	if r.ready.Swap(ready) == ready {
		return
	}
	if r.recorder != nil {
		r.recorder.SetReady(ready)
	}
	r.listenersMu.RLock()
	listeners := r.readyListeners
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ready)
	}
}

func (r *Repository) countExisting() int {
	n := 0
	r.features.Range(func(_ string, fs *FeatureState) bool {
		if fs.def.Load() != nil {
			n++
		}
		return true
	})
	return n
}

func (r *Repository) record(result string) {
	if r.recorder != nil {
		r.recorder.RecordFeatureUpdate(result)
	}
}

func decodeFeature(raw []byte) (*core.FeatureDefinition, error) {
	var def core.FeatureDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode feature: %w: %w", ErrInvalidPayload, err)
	}
	if def.Key == "" {
		return nil, fmt.Errorf("%w: feature has no key", ErrInvalidPayload)
	}
	if !valueMatchesType(def.Type, def.Value) {
		return nil, fmt.Errorf("%w: feature %q value %T does not match type %s", ErrInvalidPayload, def.Key, def.Value, def.Type)
	}
	return &def, nil
}

func valueMatchesType(t core.FeatureType, v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case core.FeatureBoolean:
		_, ok := v.(bool)
		return ok
	case core.FeatureNumber:
		_, ok := v.(float64)
		return ok
	case core.FeatureString:
		_, ok := v.(string)
		return ok
	case core.FeatureJSON, "":
		return true
	default:
		return false
	}
}
