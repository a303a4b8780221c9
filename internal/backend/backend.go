// Package backend abstracts the generation model behind a small interface:
// produce a reply from a prompt and bounded history, and classify the tone
// of a user utterance. Two implementations exist, OpenAI and local Ollama.
package backend

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Timeouts for model calls. TimeoutGenerate is the hard wall-clock budget
// for one reply; the orchestrator fails the request when it elapses.
const (
	TimeoutGenerate = 90 * time.Second
	TimeoutClassify = 10 * time.Second
)

// Domain errors.
var (
	ErrEmptyCompletion = errors.New("backend returned an empty completion")
	ErrUnknownBackend  = errors.New("unknown backend")
)

// Tones a user utterance can be classified as. Anything unrecognized
// collapses to neutral.
const (
	ToneNeutral   = "neutral"
	ToneEmotional = "emotional"
	TonePlayful   = "playful"
)

// Message is one turn of conversation history passed to the model.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Backend is the interface the conversation pipeline generates through.
type Backend interface {
	// Name returns the backend identifier ("openai", "ollama").
	Name() string
	// Generate produces one reply from the system prompt, prior history,
	// and the new user input.
	Generate(ctx context.Context, systemPrompt string, history []Message, userInput string) (string, error)
	// ClassifyTone labels a user utterance as neutral, emotional, or
	// playful. Callers treat any error as neutral.
	ClassifyTone(ctx context.Context, text string) (string, error)
}

const classifyPrompt = `Classify the emotional tone of the user message as exactly one word:
neutral, emotional, or playful. Reply with only that word.`

// parseTone normalizes a model's classification output to a known tone.
func parseTone(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, ".!\"' ")
	switch {
	case strings.Contains(s, ToneEmotional):
		return ToneEmotional
	case strings.Contains(s, TonePlayful):
		return TonePlayful
	default:
		return ToneNeutral
	}
}
