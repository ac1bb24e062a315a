package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/danshapiro/foresta/internal/retry"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "claude-3-haiku-20240307"

const jsonInstruction = "\n\nIMPORTANT: You MUST respond with valid JSON only. No markdown, no code blocks, just raw JSON."

// Completer is satisfied by *Client.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// GeneratorOptions tunes generative calls.
type GeneratorOptions struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	// StopSequences end a generation early when the model emits one.
	StopSequences []string
	// Timeout bounds each attempt separately.
	Timeout time.Duration
	Retry   retry.Policy
	Logger  *log.Logger
	Sleep   func(context.Context, time.Duration) error

	HealthTimeout   time.Duration
	HealthMaxTokens int
}

// DefaultGeneratorOptions returns 3 attempts, 10s per attempt, temperature
// 0.7 and 1024 output tokens.
func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{
		Model:           DefaultModel,
		Temperature:     0.7,
		MaxTokens:       1024,
		Timeout:         10 * time.Second,
		Retry:           retry.Generative(),
		HealthTimeout:   5 * time.Second,
		HealthMaxTokens: 10,
	}
}

func (o GeneratorOptions) withDefaults() GeneratorOptions {
	d := DefaultGeneratorOptions()
	if strings.TrimSpace(o.Model) == "" {
		o.Model = d.Model
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = d.Retry
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = d.HealthTimeout
	}
	if o.HealthMaxTokens <= 0 {
		o.HealthMaxTokens = d.HealthMaxTokens
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return o
}

// Generator wraps a Completer with per-attempt timeouts and bounded retries.
type Generator struct {
	client Completer
	opts   GeneratorOptions
}

func NewGenerator(client Completer, opts GeneratorOptions) *Generator {
	return &Generator{client: client, opts: opts.withDefaults()}
}

// Generate returns the text of a completion for the system/user prompt pair.
func (g *Generator) Generate(ctx context.Context, system, user string) (string, error) {
	if g == nil || g.client == nil {
		return "", &ConfigurationError{Message: "generator has no client"}
	}
	var text string
	attempts := 0
	opts := []retry.Option{
		retry.WithClassifier(IsRetryable),
		retry.WithDelayHint(RetryAfterHint),
		retry.WithSeed("generate"),
		retry.OnRetry(func(attempt int, err error, delay time.Duration) {
			g.opts.Logger.Printf("generation attempt %d/%d failed: %v (retry in %s)", attempt, g.opts.Retry.MaxAttempts, err, delay)
		}),
	}
	if g.opts.Sleep != nil {
		opts = append(opts, retry.WithSleep(g.opts.Sleep))
	}
	err := retry.Do(ctx, g.opts.Retry, func(ctx context.Context) error {
		attempts++
		out, err := g.once(ctx, Request{System: system, Messages: []Message{User(user)}, MaxTokens: g.opts.MaxTokens, StopSequences: g.opts.StopSequences}, g.opts.Timeout)
		if err != nil {
			return err
		}
		text = out
		return nil
	}, opts...)
	if err != nil {
		if IsConfigurationError(err) {
			return "", err
		}
		return "", fmt.Errorf("generation failed after %d attempt(s): %w", attempts, err)
	}
	return text, nil
}

// GenerateJSON is Generate with an instruction to answer in raw JSON. The
// caller validates and decodes the returned text.
func (g *Generator) GenerateJSON(ctx context.Context, system, user string) (string, error) {
	return g.Generate(ctx, system+jsonInstruction, user)
}

// Healthy makes one short call and reports whether the collaborator answered.
func (g *Generator) Healthy(ctx context.Context) bool {
	if g == nil || g.client == nil {
		return false
	}
	_, err := g.once(ctx, Request{System: "Reply with OK.", Messages: []Message{User("ping")}, MaxTokens: g.opts.HealthMaxTokens}, g.opts.HealthTimeout)
	if err != nil {
		g.opts.Logger.Printf("health check failed: %v", err)
		return false
	}
	return true
}

func (g *Generator) once(ctx context.Context, req Request, timeout time.Duration) (string, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req.Provider = g.opts.Provider
	req.Model = g.opts.Model
	req.Temperature = Float(g.opts.Temperature)
	resp, err := g.client.Complete(actx, req)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", NewRequestTimeoutError(g.opts.Provider, err)
		}
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", NewEmptyResponseError(resp.Provider)
	}
	return text, nil
}
