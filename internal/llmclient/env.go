// Package llmclient assembles the storyteller from configuration: an llm
// client with the anthropic adapter registered and tracing installed, wrapped
// in a retrying generator.
package llmclient

import (
	"log"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/danshapiro/foresta/internal/config"
	"github.com/danshapiro/foresta/internal/llm"
	"github.com/danshapiro/foresta/internal/llm/providers/anthropic"
)

// NewClient builds a client for the configured provider.
func NewClient(cfg config.Config) (*llm.Client, error) {
	adapter, err := anthropic.New(cfg.AnthropicKey, cfg.AnthropicBaseURL)
	if err != nil {
		return nil, err
	}
	c := llm.NewClient()
	c.Register(adapter)
	c.SetDefaultProvider(adapter.Name())
	c.Use(llm.TracingMiddleware(otel.Tracer("github.com/danshapiro/foresta/internal/llm")))
	return c, nil
}

// NewFromConfig returns the storyteller, or nil when no API key is
// configured. A nil storyteller puts every cycle in degraded mode.
func NewFromConfig(cfg config.Config, logger *log.Logger) (*llm.Generator, error) {
	if strings.TrimSpace(cfg.AnthropicKey) == "" {
		if logger != nil {
			logger.Printf("no anthropic api key configured; cycles run in degraded mode")
		}
		return nil, nil
	}
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	opts := cfg.GeneratorOptions()
	opts.Logger = logger
	return llm.NewGenerator(c, opts), nil
}
