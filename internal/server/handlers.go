package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/meridian-ai/meridian/internal/conversation"
	meridianotel "github.com/meridian-ai/meridian/internal/otel"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   code,
		"details": message,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"persona": s.personaName,
		"uptime":  time.Since(s.startTime).String(),
	})
}

type conversationRequest struct {
	UserID    string `json:"userId"`
	InputText string `json:"inputText"`
	SessionID string `json:"sessionId,omitempty"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	resp, err := s.orchestrator.Converse(r.Context(), conversation.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		InputText: req.InputText,
	})
	if err != nil {
		status, code := classifyError(err)
		// Caller-visible failures stay generic; the detail carries only
		// the machine-readable class, never internal violation content.
		log.Error().Err(err).Str("user_id", req.UserID).
			Func(meridianotel.LogTraceFields(r.Context())).Msg("conversation_failed")
		writeError(w, status, code, "failed to process the conversation turn")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"response": map[string]interface{}{
			"text":             resp.Text,
			"emotionalContext": resp.EmotionalContext,
			"timestamp":        resp.Timestamp.Format(time.RFC3339),
		},
		"sessionId": resp.SessionID,
	})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrMissingUserID),
		errors.Is(err, conversation.ErrMissingInput),
		errors.Is(err, conversation.ErrInputTooLong):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, conversation.ErrTimeout):
		return http.StatusGatewayTimeout, "generation_timeout"
	default:
		return http.StatusBadGateway, "processing_failure"
	}
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	profile, err := s.memoryStore.GetLongTerm(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_failure", "failed to read profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"userId":  userID,
		"profile": profile,
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sessions, err := s.memoryStore.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_failure", "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"userId":   userID,
		"sessions": sessions,
	})
}

func (s *Server) handleEpisodeList(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	episodes, err := s.memoryStore.ListEpisodic(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_failure", "failed to list episodes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"userId":   userID,
		"episodes": episodes,
	})
}
