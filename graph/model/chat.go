// Package model provides the generation-service adapters used by workflow
// steps.
package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMissingAPIKey is returned by adapters constructed without a key.
var ErrMissingAPIKey = errors.New("API key is required")

// ErrEmptyResponse is returned when a provider answers without text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// ChatModel is a text generation service.
//
// Implementations:
//   - anthropic.ChatModel, openai.ChatModel, google.ChatModel: hosted providers
//   - MockChatModel: scripted responses for tests
//   - Metered: wraps another ChatModel and records token usage
//
// Implementations must respect ctx cancellation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage is the token accounting of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatOut is the result of a Chat call.
type ChatOut struct {
	Text  string
	Model string
	Usage Usage
}

// Prompt sends a system instruction and one user message and returns the
// response text. An empty system string is omitted.
func Prompt(ctx context.Context, m ChatModel, system, user string) (string, error) {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, Message{Role: RoleUser, Content: user})

	out, err := m.Chat(ctx, messages)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", ErrEmptyResponse
	}
	return out.Text, nil
}

// SplitSystem separates system messages from the conversation. Multiple
// system messages are joined with a blank line.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

// ProviderError is an HTTP-level failure reported by a provider SDK.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the call may succeed.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsTransient reports whether err is worth retrying. It is suitable as a
// graph.RetryPolicy Retryable predicate for generation steps.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrMissingAPIKey) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyResponse) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection reset", "connection refused", "temporary", "overloaded"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
