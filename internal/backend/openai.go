package backend

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	meridianotel "github.com/meridian-ai/meridian/internal/otel"
)

var tracer = meridianotel.Tracer("github.com/meridian-ai/meridian/internal/backend")

// OpenAIBackend generates through the OpenAI chat completion API.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAIBackend creates an OpenAI backend with the given API key and model.
func NewOpenAIBackend(apiKey, model string) *OpenAIBackend {
	return &OpenAIBackend{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// NewOpenAIBackendWithBaseURL creates an OpenAI backend with a custom base
// URL (e.g. for tests pointing at a mock server). baseURL should be the
// scheme+host without path; the client appends /v1 as needed.
func NewOpenAIBackendWithBaseURL(apiKey, model, baseURL string) *OpenAIBackend {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Name returns the backend identifier.
func (b *OpenAIBackend) Name() string {
	return "openai"
}

// Generate sends a chat completion request to OpenAI.
func (b *OpenAIBackend) Generate(ctx context.Context, systemPrompt string, history []Message, userInput string) (string, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(
			meridianotel.GenAISystem.String("openai"),
			meridianotel.GenAIRequestModel.String(b.model),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutGenerate)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userInput,
	})

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: messages,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("openai api call: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}

	span.SetAttributes(
		meridianotel.GenAIUsageInputTokens.Int(resp.Usage.PromptTokens),
		meridianotel.GenAIUsageOutputTokens.Int(resp.Usage.CompletionTokens),
		meridianotel.GenAIResponseFinishReason.String(string(resp.Choices[0].FinishReason)),
	)
	return resp.Choices[0].Message.Content, nil
}

// ClassifyTone asks the model for a one-word tone label.
func (b *OpenAIBackend) ClassifyTone(ctx context.Context, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.classify_tone",
		trace.WithAttributes(meridianotel.GenAISystem.String("openai")))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutClassify)
	defer cancel()

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens: 5,
	})
	if err != nil {
		span.RecordError(err)
		return ToneNeutral, fmt.Errorf("openai tone classification: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ToneNeutral, ErrEmptyCompletion
	}
	return parseTone(resp.Choices[0].Message.Content), nil
}
