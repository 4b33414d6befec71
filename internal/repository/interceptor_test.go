package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/matt-riley/featurehub-go/internal/core"
)

func TestInterceptorValueCast(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		typ  core.FeatureType
		want any
	}{
		{name: "bool from string", raw: " True ", typ: core.FeatureBoolean, want: true},
		{name: "bool from other string", raw: "yes", typ: core.FeatureBoolean, want: false},
		{name: "bool passthrough", raw: true, typ: core.FeatureBoolean, want: true},
		{name: "number from string", raw: "12.5", typ: core.FeatureNumber, want: 12.5},
		{name: "number passthrough", raw: 3.0, typ: core.FeatureNumber, want: 3.0},
		{name: "unparseable number", raw: "abc", typ: core.FeatureNumber, want: nil},
		{name: "string from number", raw: 10.0, typ: core.FeatureString, want: "10"},
		{name: "string from bool", raw: false, typ: core.FeatureString, want: "false"},
		{name: "json from object", raw: map[string]any{"a": 1.0}, typ: core.FeatureJSON, want: `{"a":1}`},
		{name: "json from string", raw: `{"a":1}`, typ: core.FeatureJSON, want: `{"a":1}`},
		{name: "untyped returns raw", raw: "raw", typ: "", want: "raw"},
		{name: "nil stays nil", raw: nil, typ: core.FeatureBoolean, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewInterceptorValue(tt.raw).Cast(tt.typ))
		})
	}
}

func TestEnvironmentInterceptorDisabledByDefault(t *testing.T) {
	t.Setenv("FEATUREHUB_OVERRIDE_FEATURES", "")
	t.Setenv("FEATUREHUB_banner", "true")

	e := NewEnvironmentInterceptor()
	assert.False(t, e.Enabled())
	_, ok := e.InterceptedValue("banner")
	assert.False(t, ok)
}

func TestEnvironmentInterceptorReadsSanitizedKey(t *testing.T) {
	t.Setenv("FEATUREHUB_OVERRIDE_FEATURES", "true")
	t.Setenv("FEATUREHUB_new_banner", "true")

	e := NewEnvironmentInterceptor()
	assert.True(t, e.Enabled())

	v, ok := e.InterceptedValue("new banner")
	assert.True(t, ok)
	assert.Equal(t, true, v.Cast(core.FeatureBoolean))

	_, ok = e.InterceptedValue("unset feature")
	assert.False(t, ok)
}

func TestEnvironmentInterceptorInRepository(t *testing.T) {
	t.Setenv("FEATUREHUB_OVERRIDE_FEATURES", "true")
	t.Setenv("FEATUREHUB_max_items", "25")

	repo := New(WithInterceptor(NewEnvironmentInterceptor()))
	_ = repo.Notify(StatusFeature, []byte(`{"id":"1","key":"max_items","version":1,"type":"NUMBER","value":5}`))

	n, ok := repo.Feature("max_items").NumberValue()
	assert.True(t, ok)
	assert.Equal(t, 25.0, n)
}
