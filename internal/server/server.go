// Package server exposes the conversation pipeline over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-ai/meridian/internal/conversation"
	"github.com/meridian-ai/meridian/internal/memory"
	"github.com/meridian-ai/meridian/internal/otel"
)

const defaultTimeout = 120 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router       *chi.Mux
	handler      http.Handler
	orchestrator *conversation.Orchestrator
	memoryStore  *memory.Store
	rateLimiter  *RateLimiter
	personaName  string
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimiter sets the request rate limiter (optional).
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithPersonaName sets the persona name reported by /health.
func WithPersonaName(name string) Option {
	return func(s *Server) { s.personaName = name }
}

// NewServer builds a Server with the required dependencies and optional Option(s).
func NewServer(orchestrator *conversation.Orchestrator, store *memory.Store, opts ...Option) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		orchestrator: orchestrator,
		memoryStore:  store,
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler, building it on first call.
// The conversation route is registered without the default request timeout;
// the orchestrator owns the generation deadline.
func (s *Server) Routes() http.Handler {
	if s.handler != nil {
		return s.handler
	}
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)

		r.Post("/v1/conversations", s.handleConversation)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Get("/v1/users/{userID}/profile", s.handleProfileGet)
			r.Get("/v1/users/{userID}/sessions", s.handleSessionList)
			r.Get("/v1/users/{userID}/episodes", s.handleEpisodeList)
		})
	})

	s.handler = r
	return r
}

// rateLimitMiddleware rejects requests over the configured budget, keyed by
// the caller's user id when present and remote address otherwise.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil {
			caller := r.Header.Get("X-User-ID")
			if caller == "" {
				caller = r.RemoteAddr
			}
			if !s.rateLimiter.Allow(caller) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
