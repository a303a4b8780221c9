// Package testutil provides test doubles shared across package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/meridian-ai/meridian/internal/backend"
)

// MockBackend is a scriptable backend.Backend for tests. Replies are
// consumed in order; when the script runs out the last entry repeats. Zero
// value generates "ok" with neutral tone.
type MockBackend struct {
	mu sync.Mutex

	// Replies are returned by Generate in order.
	Replies []string
	// GenerateErr, when set, fails every Generate call.
	GenerateErr error
	// ErrAfter, when > 0, fails Generate calls after that many successes.
	ErrAfter int

	// Tone is returned by ClassifyTone.
	Tone string
	// ToneErr, when set, fails ClassifyTone.
	ToneErr error

	// Recorded calls.
	GenerateCalls []GenerateCall
	ToneCalls     []string
}

// GenerateCall captures the arguments of one Generate invocation.
type GenerateCall struct {
	SystemPrompt string
	History      []backend.Message
	UserInput    string
}

// Name returns the backend identifier.
func (m *MockBackend) Name() string { return "mock" }

// Generate returns the next scripted reply.
func (m *MockBackend) Generate(ctx context.Context, systemPrompt string, history []backend.Message, userInput string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GenerateCalls = append(m.GenerateCalls, GenerateCall{
		SystemPrompt: systemPrompt,
		History:      history,
		UserInput:    userInput,
	})

	if m.GenerateErr != nil {
		return "", m.GenerateErr
	}
	if m.ErrAfter > 0 && len(m.GenerateCalls) > m.ErrAfter {
		return "", backend.ErrEmptyCompletion
	}
	if len(m.Replies) == 0 {
		return "ok", nil
	}
	idx := len(m.GenerateCalls) - 1
	if idx >= len(m.Replies) {
		idx = len(m.Replies) - 1
	}
	return m.Replies[idx], nil
}

// ClassifyTone returns the scripted tone, defaulting to neutral.
func (m *MockBackend) ClassifyTone(ctx context.Context, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ToneCalls = append(m.ToneCalls, text)
	if m.ToneErr != nil {
		return backend.ToneNeutral, m.ToneErr
	}
	if m.Tone == "" {
		return backend.ToneNeutral, nil
	}
	return m.Tone, nil
}

// Generations returns how many Generate calls were made.
func (m *MockBackend) Generations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.GenerateCalls)
}
