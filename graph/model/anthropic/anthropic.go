// Package anthropic adapts Anthropic's Claude API to model.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/swegraph/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "claude-3-5-sonnet-20241022"

const defaultMaxTokens = 4096

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// System messages are sent through the separate system parameter.
//
// Example usage:
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	text, err := model.Prompt(ctx, m, "You are a planner.", "Plan a CLI tool")
type ChatModel struct {
	apiKey    string
	modelName string
	maxTokens int64
	client    anthropicClient
}

// anthropicClient is the subset of the SDK the adapter uses.
type anthropicClient interface {
	createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// NewChatModel creates a Claude-backed ChatModel. Without a key every Chat
// call fails with model.ErrMissingAPIKey. The SDK retries rate limits and
// server errors itself, see WithMaxRetries.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	cfg := config{maxRetries: 2, maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	m := &ChatModel{apiKey: apiKey, modelName: modelName, maxTokens: cfg.maxTokens}
	if apiKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(cfg.maxRetries))
		m.client = &sdkClient{messages: &client.Messages}
	}
	return m
}

// Option configures a ChatModel.
type Option func(*config)

type config struct {
	maxRetries int
	maxTokens  int64
}

// WithMaxRetries sets the SDK retry budget.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// Model returns the configured model name.
func (m *ChatModel) Model() string { return m.modelName }

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	if m.apiKey == "" || m.client == nil {
		return model.ChatOut{}, model.ErrMissingAPIKey
	}

	msg, err := m.client.createMessage(ctx, m.params(messages))
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return fromMessage(msg, m.modelName), nil
}

func (m *ChatModel) params(messages []model.Message) anthropic.MessageNewParams {
	system, rest := model.SplitSystem(messages)
	maxTokens := m.maxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(rest)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, msg := range rest {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
			continue
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
	}
	return params
}

func fromMessage(msg *anthropic.Message, fallbackModel string) model.ChatOut {
	if msg == nil {
		return model.ChatOut{Model: fallbackModel}
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	name := string(msg.Model)
	if name == "" {
		name = fallbackModel
	}
	return model.ChatOut{
		Text:  text.String(),
		Model: name,
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

func translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Message:    http.StatusText(apiErr.StatusCode),
			Err:        err,
		}
	}
	return err
}

type sdkClient struct {
	messages *anthropic.MessageService
}

func (c *sdkClient) createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.messages.New(ctx, params)
}
