package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ProviderAdapter performs one completion against a concrete provider.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// CompleteFunc is the signature wrapped by middleware.
type CompleteFunc func(ctx context.Context, req Request) (Response, error)

// Middleware decorates a completion call.
type Middleware func(next CompleteFunc) CompleteFunc

// Client routes requests to registered adapters. It never retries; retries
// belong to the Generator.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

// Register adds an adapter. The first registered adapter becomes the default.
func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	name := normalizeProviderName(adapter.Name())
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = normalizeProviderName(name)
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Use appends middleware. The first registered middleware is the outermost.
func (c *Client) Use(mw ...Middleware) {
	if c == nil {
		return
	}
	c.middleware = append(c.middleware, mw...)
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	var handler CompleteFunc = adapter.Complete
	for i := len(c.middleware) - 1; i >= 0; i-- {
		handler = c.middleware[i](handler)
	}
	return handler(ctx, req)
}

func normalizeProviderName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "claude":
		return "anthropic"
	default:
		return n
	}
}
