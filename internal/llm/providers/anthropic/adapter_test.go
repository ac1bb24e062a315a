package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danshapiro/foresta/internal/llm"
)

func TestAdapter_Complete_SendsMessagesRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "k" || r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("headers = %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"msg_1","model":"claude-x","stop_reason":"end_turn",
			"content":[{"type":"text","text":"Hel"},{"type":"tool_use","text":"ignored"},{"type":"text","text":"lo"}],
			"usage":{"input_tokens":7,"output_tokens":2}
		}`))
	}))
	defer srv.Close()

	a, err := New("k", srv.URL+"/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := a.Complete(context.Background(), llm.Request{
		Model:       "claude-x",
		System:      "be brief",
		Messages:    []llm.Message{llm.User("hi")},
		Temperature: llm.Float(0.7),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "Hello" || resp.ID != "msg_1" || resp.Usage.InputTokens != 7 || resp.Provider != "anthropic" {
		t.Fatalf("resp = %+v", resp)
	}
	if got["system"] != "be brief" || got["model"] != "claude-x" {
		t.Fatalf("body = %v", got)
	}
	if mt, _ := got["max_tokens"].(float64); mt != defaultMaxTokens {
		t.Fatalf("max_tokens = %v", got["max_tokens"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", got["messages"])
	}
}

func TestAdapter_Complete_MapsErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	a, _ := New("k", srv.URL)
	_, err := a.Complete(context.Background(), llm.Request{Model: "m", Messages: []llm.Message{llm.User("hi")}})
	var ov *llm.OverloadedError
	if !errors.As(err, &ov) {
		t.Fatalf("expected overloaded error, got %T %v", err, err)
	}
	if ra := ov.RetryAfter(); ra == nil || *ra != 3*time.Second {
		t.Fatalf("retry after = %v", ra)
	}
	if !llm.IsRetryable(err) {
		t.Fatal("overloaded should be retryable")
	}
}

func TestAdapter_Complete_AuthErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	a, _ := New("k", srv.URL)
	_, err := a.Complete(context.Background(), llm.Request{Model: "m", Messages: []llm.Message{llm.User("hi")}})
	if !llm.IsAuthenticationError(err) || llm.IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestAdapter_Complete_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	a, _ := New("k", url)
	_, err := a.Complete(context.Background(), llm.Request{Model: "m", Messages: []llm.Message{llm.User("hi")}})
	var ne *llm.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected network error, got %T %v", err, err)
	}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New("  ", ""); !llm.IsConfigurationError(err) {
		t.Fatalf("err = %v", err)
	}
	a, err := New("k", "")
	if err != nil || a.BaseURL != defaultBaseURL {
		t.Fatalf("a=%+v err=%v", a, err)
	}
}
