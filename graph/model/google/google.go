// Package google adapts Google's Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dshills/swegraph/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gemini-1.5-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// The last user message is sent with SendMessage; earlier turns become the
// chat history. Assistant turns are sent with Gemini's "model" role.
type ChatModel struct {
	apiKey    string
	modelName string
	client    googleClient
}

// request is the provider-neutral form handed to the client.
type request struct {
	Model   string
	System  string
	History []*genai.Content
	Prompt  string
}

type googleClient interface {
	generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
}

// SafetyFilterError reports a prompt or response blocked by Gemini.
type SafetyFilterError struct {
	Reason string
}

func (e *SafetyFilterError) Error() string {
	return "google: blocked by safety filter: " + e.Reason
}

// NewChatModel creates a Gemini-backed ChatModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	m := &ChatModel{apiKey: apiKey, modelName: modelName}
	if apiKey != "" {
		m.client = &sdkClient{apiKey: apiKey}
	}
	return m
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

	req, err := m.request(messages)
	if err != nil {
		return model.ChatOut{}, err
	}
	resp, err := m.client.generateContent(ctx, req)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return fromResponse(resp, m.modelName)
}

func (m *ChatModel) request(messages []model.Message) (request, error) {
	system, rest := model.SplitSystem(messages)
	if len(rest) == 0 || rest[len(rest)-1].Role == model.RoleAssistant {
		return request{}, errors.New("google: conversation must end with a user message")
	}
	req := request{Model: m.modelName, System: system, Prompt: rest[len(rest)-1].Content}
	for _, msg := range rest[:len(rest)-1] {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		req.History = append(req.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return req, nil
}

func fromResponse(resp *genai.GenerateContentResponse, modelName string) (model.ChatOut, error) {
	out := model.ChatOut{Model: modelName}
	if resp == nil {
		return out, nil
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
			return out, &SafetyFilterError{Reason: fb.BlockReason.String()}
		}
		return out, nil
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return out, &SafetyFilterError{Reason: candidate.FinishReason.String()}
	}
	if candidate.Content == nil {
		return out, nil
	}
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	out.Text = text.String()
	return out, nil
}

func translateError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &SafetyFilterError{Reason: blocked.Error()}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:   "google",
			StatusCode: apiErr.Code,
			Message:    http.StatusText(apiErr.Code),
			Err:        err,
		}
	}
	return err
}

// sdkClient opens a client per call and closes it afterwards.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	gm := client.GenerativeModel(req.Model)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	cs := gm.StartChat()
	cs.History = req.History
	return cs.SendMessage(ctx, genai.Text(req.Prompt))
}
