// Package server exposes the diagnostics surface of a running featurehub
// process: readiness, metrics and read-only views of the feature cache over
// HTTP, and the standard gRPC health service.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/matt-riley/featurehub-go/internal/core"
	"github.com/matt-riley/featurehub-go/internal/logging"
	"github.com/matt-riley/featurehub-go/internal/metrics"
	"github.com/matt-riley/featurehub-go/internal/repository"
)

// AttrParam is the repeatable query parameter carrying custom attributes as
// name:value pairs.
const AttrParam = "attr"

var errMalformedAttr = errors.New("attr must be name:value")

var reservedParams = []string{
	core.ContextUserKey,
	core.ContextSession,
	core.ContextCountry,
	core.ContextPlatform,
	core.ContextDevice,
	core.ContextVersion,
}

type httpServer struct {
	repo    *repository.Repository
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type healthResponse struct {
	Status string `json:"status"`
}

type featuresResponse struct {
	Ready    bool                     `json:"ready"`
	Features []core.FeatureDefinition `json:"features"`
}

type featureResponse struct {
	Key     string           `json:"key"`
	Exists  bool             `json:"exists"`
	Type    core.FeatureType `json:"type,omitempty"`
	Version int64            `json:"version"`
	Locked  bool             `json:"locked"`
	Value   any              `json:"value"`
}

// NewHTTPHandler returns the diagnostics router for repo. m may be nil, in
// which case /metrics is not served.
func NewHTTPHandler(repo *repository.Repository, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	if repo == nil {
		panic("repository is nil")
	}
	s := &httpServer{repo: repo, metrics: m, logger: logging.OrNop(logger)}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(HTTPRequestLogging(s.logger))
	r.Use(s.observe)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealthz)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/features", s.handleListFeatures)
		r.Get("/features/{key}", s.handleGetFeature)
	})
	return r
}

// observe records request metrics labelled by the matched route pattern, so
// feature keys never become label values.
func (s *httpServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.ObserveHTTP(r.Method, route, wrapped.statusCode, time.Since(start))
	})
}

func (s *httpServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.repo.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
}

func (s *httpServer) handleListFeatures(w http.ResponseWriter, _ *http.Request) {
	features := s.repo.ExtractFeatureState()
	if features == nil {
		features = []core.FeatureDefinition{}
	}
	writeJSON(w, http.StatusOK, featuresResponse{Ready: s.repo.Ready(), Features: features})
}

func (s *httpServer) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	evalCtx, err := contextFromQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	fs := s.repo.Feature(key).WithContext(evalCtx)
	value := fs.Value()
	if !fs.Exists() && value == nil {
		writeJSONError(w, http.StatusNotFound, "feature not found")
		return
	}

	LoggerFromContext(r.Context(), s.logger).Debug("evaluated feature",
		slog.String("feature_key", key),
		slog.Int("attributes", evalCtx.Len()),
	)
	writeJSON(w, http.StatusOK, featureResponse{
		Key:     key,
		Exists:  fs.Exists(),
		Type:    fs.Type(),
		Version: fs.Version(),
		Locked:  fs.Locked(),
		Value:   value,
	})
}

// contextFromQuery builds an evaluation context from the reserved attribute
// parameters and any number of attr=name:value pairs.
func contextFromQuery(r *http.Request) (*core.EvaluationContext, error) {
	query := r.URL.Query()
	evalCtx := core.NewEvaluationContext()
	for _, name := range reservedParams {
		if v := query.Get(name); v != "" {
			evalCtx.Set(name, v)
		}
	}
	for _, pair := range query[AttrParam] {
		name, value, ok := strings.Cut(pair, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errMalformedAttr
		}
		evalCtx.Set(name, append(slices.Clone(evalCtx.Values(name)), value)...)
	}
	return evalCtx, nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
