package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestPrompt(t *testing.T) {
	t.Run("system and user", func(t *testing.T) {
		mock := &MockChatModel{Responses: []ChatOut{{Text: "answer"}}}
		got, err := Prompt(context.Background(), mock, "sys", "question")
		if err != nil {
			t.Fatalf("Prompt: %v", err)
		}
		if got != "answer" {
			t.Errorf("got %q", got)
		}
		call := mock.Calls[0]
		if len(call) != 2 || call[0].Role != RoleSystem || call[1].Content != "question" {
			t.Errorf("messages = %+v", call)
		}
	})

	t.Run("empty system omitted", func(t *testing.T) {
		mock := &MockChatModel{Responses: []ChatOut{{Text: "x"}}}
		if _, err := Prompt(context.Background(), mock, "", "q"); err != nil {
			t.Fatal(err)
		}
		if len(mock.Calls[0]) != 1 {
			t.Errorf("messages = %+v", mock.Calls[0])
		}
	})

	t.Run("blank response", func(t *testing.T) {
		mock := &MockChatModel{Responses: []ChatOut{{Text: "  \n"}}}
		if _, err := Prompt(context.Background(), mock, "", "q"); !errors.Is(err, ErrEmptyResponse) {
			t.Errorf("err = %v, want ErrEmptyResponse", err)
		}
	})

	t.Run("error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		if _, err := Prompt(context.Background(), &MockChatModel{Err: boom}, "", "q"); !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "u"},
		{Role: RoleSystem, Content: "b"},
		{Role: RoleAssistant, Content: "r"},
	})
	if system != "a\n\nb" {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 2 || rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Errorf("rest = %+v", rest)
	}

	system, rest = SplitSystem(nil)
	if system != "" || len(rest) != 0 {
		t.Errorf("nil input: %q %+v", system, rest)
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("raw")
	err := &ProviderError{Provider: "openai", StatusCode: 503, Message: "Service Unavailable", Err: cause}
	if err.Error() != "openai: status 503: Service Unavailable" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("should unwrap to cause")
	}

	tests := []struct {
		code int
		want bool
	}{
		{400, false},
		{401, false},
		{408, true},
		{429, true},
		{500, true},
		{529, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			pe := &ProviderError{StatusCode: tt.code}
			if pe.Transient() != tt.want {
				t.Errorf("Transient() = %v, want %v", pe.Transient(), tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"missing key", ErrMissingAPIKey, false},
		{"deadline", context.DeadlineExceeded, true},
		{"empty response", ErrEmptyResponse, true},
		{"wrapped provider 429", fmt.Errorf("step: %w", &ProviderError{StatusCode: 429}), true},
		{"provider 400", &ProviderError{StatusCode: 400}, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"overloaded", errors.New("Overloaded"), true},
		{"plain", errors.New("invalid prompt"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
