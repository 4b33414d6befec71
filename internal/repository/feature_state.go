package repository

import (
	"encoding/json"
	"sync/atomic"

	"github.com/matt-riley/featurehub-go/internal/core"
)

// Feature is the read surface shared by plain and context-bound features.
type Feature interface {
	Key() string
	ID() string
	Exists() bool
	Locked() bool
	Version() int64
	Type() core.FeatureType
	Properties() map[string]string

	Value() any
	StringValue() (string, bool)
	NumberValue() (float64, bool)
	BoolValue() (bool, bool)
	Flag() (bool, bool)
	RawJSON() (string, bool)
	Enabled() bool
	IsSet() bool
}

// FeatureState is the repository slot for one feature key. The definition is
// swapped atomically on update; a nil definition means the feature does not
// exist.
type FeatureState struct {
	key  string
	repo *Repository
	def  atomic.Pointer[core.FeatureDefinition]
}

var (
	_ Feature = (*FeatureState)(nil)
	_ Feature = ContextualFeature{}
)

func (f *FeatureState) Key() string { return f.key }

func (f *FeatureState) ID() string {
	if def := f.def.Load(); def != nil {
		return def.ID
	}
	return ""
}

func (f *FeatureState) Exists() bool {
	return f.def.Load() != nil
}

func (f *FeatureState) Locked() bool {
	def := f.def.Load()
	return def != nil && def.Locked
}

// Version is -1 until the feature has been seen.
func (f *FeatureState) Version() int64 {
	if def := f.def.Load(); def != nil {
		return def.Version
	}
	return -1
}

func (f *FeatureState) Type() core.FeatureType {
	if def := f.def.Load(); def != nil {
		return def.Type
	}
	return ""
}

func (f *FeatureState) Properties() map[string]string {
	def := f.def.Load()
	if def == nil || len(def.Properties) == 0 {
		return nil
	}
	out := make(map[string]string, len(def.Properties))
	for k, v := range def.Properties {
		out[k] = v
	}
	return out
}

// Definition returns a copy of the current snapshot.
func (f *FeatureState) Definition() (core.FeatureDefinition, bool) {
	if def := f.def.Load(); def != nil {
		return *def, true
	}
	return core.FeatureDefinition{}, false
}

// WithContext binds ctx to this slot. Later updates to the slot are visible
// through the returned value; ctx is copied so the caller may keep mutating
// its own.
func (f *FeatureState) WithContext(ctx *core.EvaluationContext) ContextualFeature {
	return ContextualFeature{FeatureState: f, ctx: ctx.Clone()}
}

func (f *FeatureState) Value() any                   { return f.resolve("", nil) }
func (f *FeatureState) StringValue() (string, bool)  { return asString(f.resolve(core.FeatureString, nil)) }
func (f *FeatureState) NumberValue() (float64, bool) { return asNumber(f.resolve(core.FeatureNumber, nil)) }
func (f *FeatureState) BoolValue() (bool, bool)      { return asBool(f.resolve(core.FeatureBoolean, nil)) }
func (f *FeatureState) Flag() (bool, bool)           { return f.BoolValue() }
func (f *FeatureState) RawJSON() (string, bool)      { return asJSON(f.resolve(core.FeatureJSON, nil)) }
func (f *FeatureState) Enabled() bool                { return isTrue(f.BoolValue()) }
func (f *FeatureState) IsSet() bool                  { return f.Value() != nil }

// ContextualFeature evaluates a feature's strategies against a fixed context.
type ContextualFeature struct {
	*FeatureState
	ctx *core.EvaluationContext
}

func (c ContextualFeature) Context() *core.EvaluationContext { return c.ctx }

func (c ContextualFeature) Value() any { return c.resolve("", c.ctx) }
func (c ContextualFeature) StringValue() (string, bool) {
	return asString(c.resolve(core.FeatureString, c.ctx))
}
func (c ContextualFeature) NumberValue() (float64, bool) {
	return asNumber(c.resolve(core.FeatureNumber, c.ctx))
}
func (c ContextualFeature) BoolValue() (bool, bool) {
	return asBool(c.resolve(core.FeatureBoolean, c.ctx))
}
func (c ContextualFeature) Flag() (bool, bool)      { return c.BoolValue() }
func (c ContextualFeature) RawJSON() (string, bool) { return asJSON(c.resolve(core.FeatureJSON, c.ctx)) }
func (c ContextualFeature) Enabled() bool           { return isTrue(c.BoolValue()) }
func (c ContextualFeature) IsSet() bool             { return c.Value() != nil }

// resolve returns the value for the requested type, or nil. An empty want
// means "whatever type the feature declares".
func (f *FeatureState) resolve(want core.FeatureType, ctx *core.EvaluationContext) any {
	def := f.def.Load()
	if want == "" && def != nil {
		want = def.Type
	}

	if def == nil || !def.Locked {
		if v, ok := f.repo.intercept(f.key); ok {
			return v.Cast(want)
		}
	}

	if def == nil || def.Type != want {
		return nil
	}

	if ctx != nil {
		if applied := f.repo.evaluator.Apply(def.Strategies, def.ID, ctx); applied.Matched {
			return NewInterceptorValue(applied.Value).Cast(def.Type)
		}
	}
	return def.Value
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asNumber(v any) (float64, bool) {
	n, ok := v.(float64)
	return n, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asJSON(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}

func isTrue(b, ok bool) bool {
	return ok && b
}
