package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultModel = "gpt-4o-mini"

// OpenAI calls any OpenAI-compatible chat completion endpoint in JSON mode.
// Gemini is reachable through its OpenAI-compatible base URL.
type OpenAI struct {
	client *openai.Client
	model  string
}

// OpenAIOption configures an OpenAI analyzer.
type OpenAIOption func(*openai.ClientConfig, *OpenAI)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(cfg *openai.ClientConfig, _ *OpenAI) {
		if url = strings.TrimSpace(url); url != "" {
			cfg.BaseURL = strings.TrimRight(url, "/")
		}
	}
}

func WithModel(model string) OpenAIOption {
	return func(_ *openai.ClientConfig, a *OpenAI) {
		if model = strings.TrimSpace(model); model != "" {
			a.model = model
		}
	}
}

// NewOpenAI builds an analyzer for the given API key.
func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("analysis: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	a := &OpenAI{model: defaultModel}
	for _, opt := range opts {
		opt(&cfg, a)
	}
	a.client = openai.NewClientWithConfig(cfg)
	return a, nil
}

func (a *OpenAI) Analyze(ctx context.Context, messages []Message) (Result, error) {
	var res Result
	prompt := "아래 대화 내용을 분석해 주세요:\n\n" + formatConversation(messages)
	if err := a.complete(ctx, analysisSystemPrompt, prompt, 0.3, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (a *OpenAI) AssessUrgency(ctx context.Context, messages []Message) (UrgencyResult, error) {
	var res UrgencyResult
	prompt := "--- 대화 ---\n" + formatConversation(messages)
	if err := a.complete(ctx, urgencySystemPrompt, prompt, 0.2, &res); err != nil {
		return UrgencyResult{}, err
	}
	return res, nil
}

func (a *OpenAI) complete(ctx context.Context, system, user string, temperature float32, out any) error {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return fmt.Errorf("analysis: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
