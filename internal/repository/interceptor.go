package repository

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/matt-riley/featurehub-go/internal/core"
)

const (
	overrideFeaturesEnv = "FEATUREHUB_OVERRIDE_FEATURES"
	featureEnvPrefix    = "FEATUREHUB_"
)

// Interceptor overrides the value of unlocked features. The first registered
// interceptor that reports a value wins.
type Interceptor interface {
	InterceptedValue(featureKey string) (InterceptorValue, bool)
}

// InterceptorFunc adapts a plain function to Interceptor.
type InterceptorFunc func(featureKey string) (InterceptorValue, bool)

func (f InterceptorFunc) InterceptedValue(featureKey string) (InterceptorValue, bool) {
	return f(featureKey)
}

// InterceptorValue is an untyped override converted on read.
type InterceptorValue struct {
	raw any
}

func NewInterceptorValue(v any) InterceptorValue {
	return InterceptorValue{raw: v}
}

// Cast converts the value to the Go type used for t: bool for BOOLEAN,
// float64 for NUMBER and string otherwise. A NUMBER that does not parse casts
// to nil. An empty t returns the raw value.
func (v InterceptorValue) Cast(t core.FeatureType) any {
	if v.raw == nil || t == "" {
		return v.raw
	}
	s, _ := core.FormatValue(v.raw)

	switch t {
	case core.FeatureBoolean:
		if b, ok := v.raw.(bool); ok {
			return b
		}
		return strings.ToLower(strings.TrimSpace(s)) == "true"
	case core.FeatureNumber:
		if n, ok := v.raw.(float64); ok {
			return n
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		return n
	case core.FeatureJSON:
		if _, ok := v.raw.(string); !ok {
			if raw, err := json.Marshal(v.raw); err == nil {
				return string(raw)
			}
		}
		return s
	default:
		return s
	}
}

// EnvironmentInterceptor reads overrides from FEATUREHUB_<key> environment
// variables, with spaces in the key replaced by underscores. It is inert
// unless FEATUREHUB_OVERRIDE_FEATURES is "true".
type EnvironmentInterceptor struct {
	enabled bool
	lookup  func(string) (string, bool)
}

func NewEnvironmentInterceptor() *EnvironmentInterceptor {
	return &EnvironmentInterceptor{
		enabled: os.Getenv(overrideFeaturesEnv) == "true",
		lookup:  os.LookupEnv,
	}
}

func (e *EnvironmentInterceptor) Enabled() bool {
	return e.enabled
}

func (e *EnvironmentInterceptor) InterceptedValue(featureKey string) (InterceptorValue, bool) {
	if !e.enabled {
		return InterceptorValue{}, false
	}
	value, ok := e.lookup(featureEnvPrefix + strings.ReplaceAll(featureKey, " ", "_"))
	if !ok {
		return InterceptorValue{}, false
	}
	return NewInterceptorValue(value), true
}
