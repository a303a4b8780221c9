package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	meridianotel "github.com/meridian-ai/meridian/internal/otel"
)

// OllamaBackend generates through a local Ollama instance.
type OllamaBackend struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaBackend creates an Ollama backend. An empty baseURL defaults to
// http://localhost:11434.
func NewOllamaBackend(baseURL, model string) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaBackend{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{},
	}
}

// Name returns the backend identifier.
func (b *OllamaBackend) Name() string {
	return "ollama"
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Generate sends a chat request to the local Ollama instance.
func (b *OllamaBackend) Generate(ctx context.Context, systemPrompt string, history []Message, userInput string) (string, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(
			meridianotel.GenAISystem.String("ollama"),
			meridianotel.GenAIRequestModel.String(b.model),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutGenerate)
	defer cancel()

	messages := make([]ollamaMessage, 0, len(history)+2)
	messages = append(messages, ollamaMessage{Role: "system", Content: systemPrompt})
	for _, m := range history {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, ollamaMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: userInput})

	content, err := b.chat(ctx, messages)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyCompletion
	}

	span.SetAttributes(meridianotel.GenAIUsageOutputTokens.Int(len(content) / 4))
	return content, nil
}

// ClassifyTone asks the local model for a one-word tone label.
func (b *OllamaBackend) ClassifyTone(ctx context.Context, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.classify_tone",
		trace.WithAttributes(meridianotel.GenAISystem.String("ollama")))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutClassify)
	defer cancel()

	content, err := b.chat(ctx, []ollamaMessage{
		{Role: "system", Content: classifyPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		span.RecordError(err)
		return ToneNeutral, err
	}
	return parseTone(content), nil
}

func (b *OllamaBackend) chat(ctx context.Context, messages []ollamaMessage) (string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:    b.model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama api call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama api call: unexpected status %d", resp.StatusCode)
	}

	var apiResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}
	return apiResp.Message.Content, nil
}
