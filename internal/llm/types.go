package llm

import (
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversational turn. System instructions travel on Request.System.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func User(text string) Message      { return Message{Role: RoleUser, Content: text} }
func Assistant(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// Request is a single completion request.
type Request struct {
	Provider      string
	Model         string
	System        string
	Messages      []Message
	MaxTokens     int
	Temperature   *float64
	StopSequences []string
}

// Validate rejects requests no provider could serve.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "at least one message is required"}
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return &ConfigurationError{Message: fmt.Sprintf("message %d: unsupported role %q", i, m.Role)}
		}
	}
	if r.MaxTokens < 0 {
		return &ConfigurationError{Message: "max_tokens must not be negative"}
	}
	return nil
}

// Usage reports token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a provider's completion.
type Response struct {
	ID         string
	Provider   string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Float returns a pointer to v, for optional request fields.
func Float(v float64) *float64 { return &v }
