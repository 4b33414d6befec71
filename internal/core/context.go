package core

import "slices"

// Reserved context attribute names shared with the edge.
const (
	ContextUserKey  = "userkey"
	ContextSession  = "session"
	ContextCountry  = "country"
	ContextPlatform = "platform"
	ContextDevice   = "device"
	ContextVersion  = "version"
)

// EvaluationContext maps attribute names to one or more values, preserving
// insertion order. It is not safe for concurrent mutation; use Clone to hand
// a stable copy to another goroutine.
type EvaluationContext struct {
	keys   []string
	values map[string][]string
}

func NewEvaluationContext() *EvaluationContext {
	return &EvaluationContext{values: make(map[string][]string)}
}

// Set replaces the values for name. An empty value list deletes the attribute.
func (c *EvaluationContext) Set(name string, values ...string) {
	if len(values) == 0 {
		c.Delete(name)
		return
	}
	if c.values == nil {
		c.values = make(map[string][]string)
	}
	if _, ok := c.values[name]; !ok {
		c.keys = append(c.keys, name)
	}
	c.values[name] = slices.Clone(values)
}

func (c *EvaluationContext) Delete(name string) {
	if _, ok := c.values[name]; !ok {
		return
	}
	delete(c.values, name)
	c.keys = slices.DeleteFunc(c.keys, func(k string) bool { return k == name })
}

func (c *EvaluationContext) Values(name string) []string {
	if c == nil {
		return nil
	}
	return c.values[name]
}

// First returns the first value for name, or fallback when the attribute is
// absent.
func (c *EvaluationContext) First(name, fallback string) string {
	if vals := c.Values(name); len(vals) > 0 {
		return vals[0]
	}
	return fallback
}

func (c *EvaluationContext) Keys() []string {
	if c == nil {
		return nil
	}
	return slices.Clone(c.keys)
}

func (c *EvaluationContext) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

func (c *EvaluationContext) Clear() {
	c.keys = nil
	c.values = make(map[string][]string)
}

func (c *EvaluationContext) Clone() *EvaluationContext {
	out := NewEvaluationContext()
	if c == nil {
		return out
	}
	out.keys = slices.Clone(c.keys)
	for k, v := range c.values {
		out.values[k] = slices.Clone(v)
	}
	return out
}

// DefaultPercentageKey is the session when present, otherwise the user key.
func (c *EvaluationContext) DefaultPercentageKey() (string, bool) {
	if v := c.First(ContextSession, ""); v != "" {
		return v, true
	}
	if v := c.First(ContextUserKey, ""); v != "" {
		return v, true
	}
	return "", false
}
