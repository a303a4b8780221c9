package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/internal/backend"
	"github.com/meridian-ai/meridian/internal/conversation"
	"github.com/meridian-ai/meridian/internal/extraction"
	"github.com/meridian-ai/meridian/internal/memory"
	"github.com/meridian-ai/meridian/internal/persona"
	"github.com/meridian-ai/meridian/internal/testutil"
)

func testServer(t *testing.T, mock backend.Backend, opts ...Option) (*Server, *memory.Store) {
	t.Helper()
	p, err := persona.Load("")
	require.NoError(t, err)
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.db"), 20, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	o := conversation.New(p, store, mock)
	return NewServer(o, store, append([]Option{WithPersonaName(p.Name)}, opts...)...), store
}

func postConversation(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConversationEndpoint(t *testing.T) {
	mock := &testutil.MockBackend{Replies: []string{"Hello! Aria here."}}
	s, _ := testServer(t, mock)
	h := s.Routes()

	rec := postConversation(t, h, `{"userId":"user1","inputText":"hi there"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success  bool `json:"success"`
		Response struct {
			Text             string `json:"text"`
			EmotionalContext string `json:"emotionalContext"`
			Timestamp        string `json:"timestamp"`
		} `json:"response"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "Hello! Aria here.", body.Response.Text)
	assert.Equal(t, backend.ToneNeutral, body.Response.EmotionalContext)
	assert.NotEmpty(t, body.SessionID)
	_, err := time.Parse(time.RFC3339, body.Response.Timestamp)
	assert.NoError(t, err)
}

func TestConversationEndpointBadJSON(t *testing.T) {
	s, _ := testServer(t, &testutil.MockBackend{})
	rec := postConversation(t, s.Routes(), `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestConversationEndpointMissingFields(t *testing.T) {
	s, _ := testServer(t, &testutil.MockBackend{})
	h := s.Routes()

	rec := postConversation(t, h, `{"inputText":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")

	rec = postConversation(t, h, `{"userId":"u"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type slowBackend struct {
	testutil.MockBackend
}

func (s *slowBackend) Generate(ctx context.Context, systemPrompt string, history []backend.Message, userInput string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(time.Second):
		return "too late", nil
	}
}

func TestConversationEndpointTimeout(t *testing.T) {
	p, err := persona.Load("")
	require.NoError(t, err)
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.db"), 20, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	o := conversation.New(p, store, &slowBackend{},
		conversation.WithGenerateTimeout(20*time.Millisecond))
	s := NewServer(o, store)

	rec := postConversation(t, s.Routes(), `{"userId":"user1","sessionId":"sess1","inputText":"hello"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
	assert.Contains(t, rec.Body.String(), "generation_timeout")

	// The failed turn leaves no bot message behind.
	time.Sleep(100 * time.Millisecond)
	msgs, err := store.GetShortTerm(context.Background(), "user1:sess1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConversationEndpointRateLimited(t *testing.T) {
	mock := &testutil.MockBackend{}
	s, _ := testServer(t, mock, WithRateLimiter(NewRateLimiter(1, 1)))
	h := s.Routes()

	first := postConversation(t, h, `{"userId":"user1","inputText":"hi"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postConversation(t, h, `{"userId":"user1","inputText":"hi again"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "rate_limited")
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t, &testutil.MockBackend{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), "Aria")
}

func TestProfileEndpoint(t *testing.T) {
	s, store := testServer(t, &testutil.MockBackend{})
	require.NoError(t, store.MergeLongTerm(context.Background(), "user1",
		[]extraction.Candidate{{Type: extraction.KindName, Value: "Sam"}}))

	req := httptest.NewRequest(http.MethodGet, "/v1/users/user1/profile", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success bool              `json:"success"`
		Profile map[string]string `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "Sam", body.Profile["name"])
}

func TestSessionListEndpoint(t *testing.T) {
	s, store := testServer(t, &testutil.MockBackend{})
	require.NoError(t, store.RegisterSession(context.Background(), "user1", "sess1"))

	req := httptest.NewRequest(http.MethodGet, "/v1/users/user1/sessions", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sess1")

	// Unknown user returns an empty list, not null.
	req = httptest.NewRequest(http.MethodGet, "/v1/users/nobody/sessions", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `"sessions":[]`)
}

func TestEpisodeListEndpoint(t *testing.T) {
	s, store := testServer(t, &testutil.MockBackend{})
	sum := memory.SummarizeSession([]memory.Message{
		{Role: memory.RoleUser, Content: "I'm thrilled about this"},
	})
	require.NoError(t, store.SaveEpisodic(context.Background(), "user1", "sess1", sum))

	req := httptest.NewRequest(http.MethodGet, "/v1/users/user1/episodes?limit=5", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "thrilled")
}
