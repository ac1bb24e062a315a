// Package anthropic implements the Messages API adapter.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danshapiro/foresta/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

type Adapter struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

// New returns an adapter for apiKey. An empty baseURL selects the public API.
func New(apiKey, baseURL string) (*Adapter, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, &llm.ConfigurationError{Message: "anthropic api key is required"}
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		APIKey:  key,
		BaseURL: base,
		// Deadlines come from the request context.
		Client: &http.Client{Timeout: 0},
	}, nil
}

func (a *Adapter) Name() string { return "anthropic" }

type messagesRequest struct {
	Model         string        `json:"model"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	Messages      []llm.Message `json:"messages"`
	Temperature   *float64      `json:"temperature,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage llm.Usage `json:"usage"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(messagesRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        req.System,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
	})
	if err != nil {
		return llm.Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return llm.Response{}, err
		}
		return llm.Response{}, llm.NewNetworkError(a.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, llm.NewNetworkError(a.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			msg = env.Error.Type + ": " + env.Error.Message
		}
		ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, "messages.create failed: "+msg, ra)
	}

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return llm.Response{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	model := out.Model
	if model == "" {
		model = req.Model
	}
	return llm.Response{
		ID:         out.ID,
		Provider:   a.Name(),
		Model:      model,
		Text:       text.String(),
		StopReason: out.StopReason,
		Usage:      out.Usage,
	}, nil
}
