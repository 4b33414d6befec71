package featurehub

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/matt-riley/featurehub-go/internal/core"
)

// ClientContext holds the attributes of one user and evaluates features for
// them. Mutators return the receiver so calls can be chained; Build applies
// the attributes to the edge. A ClientContext is safe for concurrent use.
//
// With client-evaluated keys, strategies run locally against a snapshot of
// the attributes on every lookup. With server-evaluated keys, attributes are
// sent to the edge and lookups return the values it resolved.
type ClientContext struct {
	repo            *Repository
	edge            EdgeService
	clientEvaluated bool

	mu     sync.Mutex
	attrs  *core.EvaluationContext
	sent   bool
	header string
}

func newClientContext(repo *Repository, edge EdgeService, clientEvaluated bool) *ClientContext {
	return &ClientContext{
		repo:            repo,
		edge:            edge,
		clientEvaluated: clientEvaluated,
		attrs:           core.NewEvaluationContext(),
	}
}

func (c *ClientContext) UserKey(value string) *ClientContext {
	return c.AttributeValue(core.ContextUserKey, value)
}

func (c *ClientContext) SessionKey(value string) *ClientContext {
	return c.AttributeValue(core.ContextSession, value)
}

func (c *ClientContext) Country(value string) *ClientContext {
	return c.AttributeValue(core.ContextCountry, value)
}

func (c *ClientContext) Device(value string) *ClientContext {
	return c.AttributeValue(core.ContextDevice, value)
}

func (c *ClientContext) Platform(value string) *ClientContext {
	return c.AttributeValue(core.ContextPlatform, value)
}

func (c *ClientContext) Version(value string) *ClientContext {
	return c.AttributeValue(core.ContextVersion, value)
}

// AttributeValue sets a custom attribute. Calling it with no values removes
// the attribute.
func (c *ClientContext) AttributeValue(key string, values ...string) *ClientContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs.Set(key, values...)
	return c
}

// Clear removes every attribute.
func (c *ClientContext) Clear() *ClientContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs.Clear()
	return c
}

// Attribute returns the first value of key, or fallback.
func (c *ClientContext) Attribute(key, fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs.First(key, fallback)
}

// Attributes returns a snapshot of the current attributes.
func (c *ClientContext) Attributes() *core.EvaluationContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs.Clone()
}

// Build pushes the attributes to the edge. For client evaluation it only
// makes sure synchronization is running. For server evaluation a changed
// attribute set marks the repository not ready until the edge resends
// features for the new context.
func (c *ClientContext) Build() *ClientContext {
	if c.clientEvaluated {
		c.edge.Poll()
		return c
	}

	c.mu.Lock()
	header := c.encodeHeader()
	switch {
	case !c.sent && header == "":
		c.mu.Unlock()
		c.edge.Poll()
	case !c.sent || header != c.header:
		c.sent = true
		c.header = header
		c.mu.Unlock()
		c.repo.NotReady()
		c.edge.ContextChange(header)
	default:
		c.mu.Unlock()
		c.edge.Poll()
	}
	return c
}

// Header returns the server-evaluation header for the current attributes.
func (c *ClientContext) Header() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encodeHeader()
}

func (c *ClientContext) encodeHeader() string {
	keys := c.attrs.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(strings.Join(c.attrs.Values(k), ",")))
	}
	return strings.Join(parts, "&")
}

// Feature returns the feature for key. For client evaluation it is bound to
// a snapshot of the current attributes.
func (c *ClientContext) Feature(key string) Feature {
	fs := c.repo.Feature(key)
	if !c.clientEvaluated {
		return fs
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return fs.WithContext(c.attrs)
}

func (c *ClientContext) Enabled(key string) bool { return c.Feature(key).Enabled() }
func (c *ClientContext) IsSet(key string) bool   { return c.Feature(key).IsSet() }
func (c *ClientContext) Exists(key string) bool  { return c.Feature(key).Exists() }

func (c *ClientContext) String(key string) (string, bool)  { return c.Feature(key).StringValue() }
func (c *ClientContext) Number(key string) (float64, bool) { return c.Feature(key).NumberValue() }
func (c *ClientContext) Boolean(key string) (bool, bool)   { return c.Feature(key).BoolValue() }
func (c *ClientContext) Flag(key string) (bool, bool)      { return c.Feature(key).Flag() }
func (c *ClientContext) RawJSON(key string) (string, bool) { return c.Feature(key).RawJSON() }

// JSON decodes a JSON feature into dst. It reports false when the feature is
// absent, not JSON, or does not decode.
func (c *ClientContext) JSON(key string, dst any) bool {
	raw, ok := c.RawJSON(key)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), dst) == nil
}
