package featurehub

import (
	"github.com/matt-riley/featurehub-go/internal/core"
	"github.com/matt-riley/featurehub-go/internal/edge"
	"github.com/matt-riley/featurehub-go/internal/repository"
)

type (
	// Repository caches feature definitions delivered by the edge.
	Repository = repository.Repository
	// Feature is the read surface of one feature.
	Feature = repository.Feature
	// EdgeService keeps a Repository synchronized.
	EdgeService = edge.Service
	// Interceptor overrides unlocked feature values.
	Interceptor = repository.Interceptor
	// InterceptorFunc adapts a function to Interceptor.
	InterceptorFunc = repository.InterceptorFunc
	// InterceptorValue is an override that casts to the feature's type.
	InterceptorValue = repository.InterceptorValue
	// FeatureDefinition is the cached wire form of a feature.
	FeatureDefinition = core.FeatureDefinition
	// Status is the kind of an inbound repository update.
	Status = repository.Status
	// PercentageCalculator places a context key in [0, 1000000) for a
	// feature's percentage rollout.
	PercentageCalculator = core.PercentageCalculator
	// PercentageFunc adapts a function to PercentageCalculator.
	PercentageFunc = core.PercentageFunc
)

// NewRepository returns an empty repository, for use with WithRepository.
func NewRepository() *Repository {
	return repository.New()
}

// NewInterceptorValue wraps raw for return from an Interceptor.
func NewInterceptorValue(raw any) InterceptorValue {
	return repository.NewInterceptorValue(raw)
}

// NewEnvironmentInterceptor returns an interceptor that reads
// FEATUREHUB_<key> overrides when FEATUREHUB_OVERRIDE_FEATURES=true.
func NewEnvironmentInterceptor() Interceptor {
	return repository.NewEnvironmentInterceptor()
}
