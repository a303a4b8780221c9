package conversation

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/internal/backend"
	"github.com/meridian-ai/meridian/internal/extraction"
	"github.com/meridian-ai/meridian/internal/memory"
	"github.com/meridian-ai/meridian/internal/persona"
	"github.com/meridian-ai/meridian/internal/testutil"
)

func testOrchestrator(t *testing.T, mock *testutil.MockBackend, opts ...Option) (*Orchestrator, *memory.Store) {
	t.Helper()
	p, err := persona.Load("")
	require.NoError(t, err)
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.db"), 20, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(p, store, mock, opts...), store
}

func TestConverseHappyPath(t *testing.T) {
	mock := &testutil.MockBackend{Replies: []string{"Nice to meet you! I'm Aria."}}
	o, store := testOrchestrator(t, mock)

	resp, err := o.Converse(context.Background(), Request{
		UserID:    "user1",
		InputText: "My name is John",
	})
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you! I'm Aria.", resp.Text)
	assert.Equal(t, backend.ToneNeutral, resp.EmotionalContext)
	assert.True(t, strings.HasPrefix(resp.SessionID, "sess_"))
	assert.False(t, resp.Timestamp.IsZero())

	// Background persistence lands both turns and the extracted name.
	require.Eventually(t, func() bool {
		msgs, err := store.GetShortTerm(context.Background(), "user1:"+resp.SessionID)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		profile, err := store.GetLongTerm(context.Background(), "user1")
		return err == nil && profile["name"] == "John"
	}, 2*time.Second, 10*time.Millisecond)

	sessions, err := store.ListSessions(context.Background(), "user1")
	require.NoError(t, err)
	assert.Contains(t, sessions, resp.SessionID)
}

func TestConverseEchoesSuppliedSessionID(t *testing.T) {
	mock := &testutil.MockBackend{}
	o, _ := testOrchestrator(t, mock)

	resp, err := o.Converse(context.Background(), Request{
		UserID:    "user1",
		SessionID: "my-session",
		InputText: "hello there",
	})
	require.NoError(t, err)
	assert.Equal(t, "my-session", resp.SessionID)
}

func TestConverseInputValidation(t *testing.T) {
	mock := &testutil.MockBackend{}
	o, _ := testOrchestrator(t, mock)
	ctx := context.Background()

	_, err := o.Converse(ctx, Request{InputText: "hi"})
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = o.Converse(ctx, Request{UserID: "u", InputText: "   "})
	assert.ErrorIs(t, err, ErrMissingInput)

	_, err = o.Converse(ctx, Request{UserID: "u", InputText: strings.Repeat("x", 2001)})
	assert.ErrorIs(t, err, ErrInputTooLong)

	// No pipeline stage ran.
	assert.Zero(t, mock.Generations())
}

func TestConverseInputBoundCountsRunes(t *testing.T) {
	mock := &testutil.MockBackend{}
	o, _ := testOrchestrator(t, mock)
	ctx := context.Background()

	// 2000 runes of multibyte text is within the limit even though it is
	// twice that many bytes.
	_, err := o.Converse(ctx, Request{UserID: "u", InputText: strings.Repeat("é", 2000)})
	require.NoError(t, err)

	_, err = o.Converse(ctx, Request{UserID: "u", InputText: strings.Repeat("é", 2001)})
	assert.ErrorIs(t, err, ErrInputTooLong)
}

func TestConverseToneFailureDefaultsNeutral(t *testing.T) {
	mock := &testutil.MockBackend{ToneErr: backend.ErrEmptyCompletion}
	o, _ := testOrchestrator(t, mock)

	resp, err := o.Converse(context.Background(), Request{UserID: "u", InputText: "hello"})
	require.NoError(t, err)
	assert.Equal(t, backend.ToneNeutral, resp.EmotionalContext)
}

func TestConverseEmotionalTonePropagates(t *testing.T) {
	mock := &testutil.MockBackend{Tone: backend.ToneEmotional}
	o, _ := testOrchestrator(t, mock)

	resp, err := o.Converse(context.Background(), Request{UserID: "u", InputText: "I've had an awful week"})
	require.NoError(t, err)
	assert.Equal(t, backend.ToneEmotional, resp.EmotionalContext)
	require.NotEmpty(t, mock.GenerateCalls)
	assert.Contains(t, mock.GenerateCalls[0].SystemPrompt, "empathy")
}

func TestConversePromptIncludesKnownFacts(t *testing.T) {
	mock := &testutil.MockBackend{}
	o, store := testOrchestrator(t, mock)
	ctx := context.Background()

	seedProfile(t, store, "user1", "name", "Sam")
	seedProfile(t, store, "user1", "location", "Boston")

	_, err := o.Converse(ctx, Request{UserID: "user1", InputText: "where do I live?"})
	require.NoError(t, err)

	prompt := mock.GenerateCalls[0].SystemPrompt
	assert.Contains(t, prompt, "name: Sam")
	assert.Contains(t, prompt, "location: Boston")
	assert.Contains(t, prompt, "say so instead of making it up")
}

func TestConverseRegeneratesOnViolation(t *testing.T) {
	mock := &testutil.MockBackend{Replies: []string{
		"I am an AI assistant, how can I help?",
		"It's Aria! Lovely to meet you.",
	}}
	o, _ := testOrchestrator(t, mock)

	resp, err := o.Converse(context.Background(), Request{UserID: "u", InputText: "who are you?"})
	require.NoError(t, err)
	assert.Equal(t, "It's Aria! Lovely to meet you.", resp.Text)
	assert.Equal(t, 2, mock.Generations())
	// The corrective prompt names the violation class.
	assert.Contains(t, mock.GenerateCalls[1].SystemPrompt, "identity_mismatch")
}

func TestConverseRegenerationFailureFallsBackToApology(t *testing.T) {
	mock := &testutil.MockBackend{
		Replies:  []string{"I am an AI assistant."},
		ErrAfter: 1,
	}
	o, _ := testOrchestrator(t, mock)
	p, _ := persona.Load("")

	resp, err := o.Converse(context.Background(), Request{UserID: "u", InputText: "who are you?"})
	require.NoError(t, err)
	assert.Equal(t, p.SafeApology(), resp.Text)
}

func TestConverseRetryBudgetIsOne(t *testing.T) {
	// Every generation violates; exactly one regeneration is spent, then
	// the deterministic correction applies.
	mock := &testutil.MockBackend{Replies: []string{
		"I am an AI assistant.",
		"Truly, I am a chatbot.",
		"never reached",
	}}
	o, _ := testOrchestrator(t, mock)

	resp, err := o.Converse(context.Background(), Request{UserID: "u", InputText: "who are you?"})
	require.NoError(t, err)
	assert.Equal(t, 2, mock.Generations())
	assert.Contains(t, resp.Text, "Aria")
	assert.NotContains(t, strings.ToLower(resp.Text), "chatbot")
}

type slowBackend struct {
	testutil.MockBackend
	delay time.Duration
}

func (s *slowBackend) Generate(ctx context.Context, systemPrompt string, history []backend.Message, userInput string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delay):
		return "too late", nil
	}
}

func TestConverseTimeoutFailsCleanly(t *testing.T) {
	slow := &slowBackend{delay: time.Second}
	p, err := persona.Load("")
	require.NoError(t, err)
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.db"), 20, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	o := New(p, store, slow, WithGenerateTimeout(20*time.Millisecond))

	_, err = o.Converse(context.Background(), Request{
		UserID:    "user1",
		SessionID: "sess1",
		InputText: "hello?",
	})
	require.ErrorIs(t, err, ErrTimeout)

	// A timed-out turn leaves no short-term trace.
	time.Sleep(100 * time.Millisecond)
	msgs, err := store.GetShortTerm(context.Background(), "user1:sess1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConverseCancelledCallerIsNotATimeout(t *testing.T) {
	slow := &slowBackend{delay: time.Second}
	p, err := persona.Load("")
	require.NoError(t, err)
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.db"), 20, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	o := New(p, store, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = o.Converse(ctx, Request{UserID: "user1", InputText: "hello?"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerateFailed)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestConverseRejectedUtteranceNeverStored(t *testing.T) {
	mock := &testutil.MockBackend{}
	o, store := testOrchestrator(t, mock)

	resp, err := o.Converse(context.Background(), Request{
		UserID:    "user1",
		InputText: "You saw me yesterday at the park",
	})
	require.NoError(t, err)

	// Wait for persistence, then confirm the profile stayed empty.
	require.Eventually(t, func() bool {
		msgs, err := store.GetShortTerm(context.Background(), "user1:"+resp.SessionID)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	profile, err := store.GetLongTerm(context.Background(), "user1")
	require.NoError(t, err)
	assert.Empty(t, profile)
}

func TestConverseHistoryPassedToBackend(t *testing.T) {
	mock := &testutil.MockBackend{}
	o, store := testOrchestrator(t, mock)
	ctx := context.Background()

	require.NoError(t, store.AppendShortTerm(ctx, "user1:sess1", []memory.Message{
		{Role: memory.RoleUser, Content: "earlier question"},
		{Role: memory.RoleBot, Content: "earlier answer"},
	}))

	_, err := o.Converse(ctx, Request{UserID: "user1", SessionID: "sess1", InputText: "follow-up"})
	require.NoError(t, err)

	history := mock.GenerateCalls[0].History
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "earlier answer", history[1].Content)
}

func seedProfile(t *testing.T, store *memory.Store, userID, key, value string) {
	t.Helper()
	require.NoError(t, store.MergeLongTerm(context.Background(), userID,
		[]extraction.Candidate{{Type: key, Value: value}}))
}
