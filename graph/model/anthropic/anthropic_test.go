package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dshills/swegraph/graph/model"
)

type mockAnthropicClient struct {
	response *anthropic.Message
	err      error
	params   []anthropic.MessageNewParams
}

func (m *mockAnthropicClient) createMessage(_ context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func textMessage(text string) *anthropic.Message {
	return &anthropic.Message{
		Model:   anthropic.Model("claude-test"),
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   anthropic.Usage{InputTokens: 12, OutputTokens: 5},
	}
}

func TestNewChatModel(t *testing.T) {
	t.Run("default model name", func(t *testing.T) {
		m := NewChatModel("key", "")
		if m.Model() != DefaultModel {
			t.Errorf("Model() = %q, want %q", m.Model(), DefaultModel)
		}
		if m.client == nil {
			t.Error("expected SDK client when key is set")
		}
	})

	t.Run("missing key fails on chat", func(t *testing.T) {
		m := NewChatModel("", "claude-x")
		_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
		if !errors.Is(err, model.ErrMissingAPIKey) {
			t.Fatalf("err = %v, want ErrMissingAPIKey", err)
		}
	})

	t.Run("max tokens option", func(t *testing.T) {
		m := NewChatModel("key", "", WithMaxTokens(128), WithMaxRetries(0))
		if p := m.params(nil); p.MaxTokens != 128 {
			t.Errorf("MaxTokens = %d, want 128", p.MaxTokens)
		}
	})
}

func TestChatModel_Chat(t *testing.T) {
	t.Run("maps messages and response", func(t *testing.T) {
		client := &mockAnthropicClient{response: textMessage("planned")}
		m := &ChatModel{apiKey: "key", modelName: "claude-x", client: client}

		out, err := m.Chat(context.Background(), []model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "plan"},
			{Role: model.RoleAssistant, Content: "ok"},
			{Role: model.RoleUser, Content: "more"},
		})
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		if out.Text != "planned" || out.Model != "claude-test" {
			t.Errorf("out = %+v", out)
		}
		if out.Usage != (model.Usage{InputTokens: 12, OutputTokens: 5}) {
			t.Errorf("usage = %+v", out.Usage)
		}

		p := client.params[0]
		if len(p.System) != 1 || p.System[0].Text != "be brief" {
			t.Errorf("system = %+v", p.System)
		}
		if len(p.Messages) != 3 {
			t.Fatalf("messages = %d, want 3", len(p.Messages))
		}
		if p.Messages[1].Role != anthropic.MessageParamRoleAssistant {
			t.Errorf("role[1] = %q, want assistant", p.Messages[1].Role)
		}
		if p.MaxTokens != defaultMaxTokens {
			t.Errorf("MaxTokens = %d", p.MaxTokens)
		}
	})

	t.Run("omits empty system", func(t *testing.T) {
		client := &mockAnthropicClient{response: textMessage("x")}
		m := &ChatModel{apiKey: "key", modelName: "claude-x", client: client}
		if _, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "q"}}); err != nil {
			t.Fatal(err)
		}
		if len(client.params[0].System) != 0 {
			t.Errorf("system = %+v, want none", client.params[0].System)
		}
	})

	t.Run("joins text blocks and skips others", func(t *testing.T) {
		msg := &anthropic.Message{Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "a"},
			{Type: "thinking"},
			{Type: "text", Text: "b"},
		}}
		out := fromMessage(msg, "fallback")
		if out.Text != "ab" || out.Model != "fallback" {
			t.Errorf("out = %+v", out)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		client := &mockAnthropicClient{response: textMessage("x")}
		m := &ChatModel{apiKey: "key", client: client}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := m.Chat(ctx, nil); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if len(client.params) != 0 {
			t.Error("client called after cancellation")
		}
	})

	t.Run("passes through non-API errors", func(t *testing.T) {
		boom := errors.New("dial tcp: connection refused")
		m := &ChatModel{apiKey: "key", client: &mockAnthropicClient{err: boom}}
		_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "q"}})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
		if !model.IsTransient(err) {
			t.Error("connection refused should be transient")
		}
	})

	t.Run("wraps API errors", func(t *testing.T) {
		apiErr := &anthropic.Error{StatusCode: 429}
		m := &ChatModel{apiKey: "key", client: &mockAnthropicClient{err: apiErr}}
		_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "q"}})
		var pe *model.ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("err = %T, want *model.ProviderError", err)
		}
		if pe.Provider != "anthropic" || pe.StatusCode != 429 || !pe.Transient() {
			t.Errorf("provider error = %+v", pe)
		}
	})
}
