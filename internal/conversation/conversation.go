// Package conversation runs the per-request pipeline: recall memory,
// classify tone, build the prompt, generate, validate against the persona,
// regenerate once if needed, persist in the background, respond.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-ai/meridian/internal/backend"
	"github.com/meridian-ai/meridian/internal/extraction"
	"github.com/meridian-ai/meridian/internal/memory"
	meridianotel "github.com/meridian-ai/meridian/internal/otel"
	"github.com/meridian-ai/meridian/internal/persona"
	"github.com/meridian-ai/meridian/internal/validator"
)

var tracer = meridianotel.Tracer("github.com/meridian-ai/meridian/internal/conversation")

// Input errors, rejected before any pipeline stage runs.
var (
	ErrMissingUserID  = errors.New("user id is required")
	ErrMissingInput   = errors.New("input text is required")
	ErrInputTooLong   = errors.New("input text exceeds the maximum length")
	ErrGenerateFailed = errors.New("generation failed")
	ErrTimeout        = errors.New("generation timed out")
)

const persistTimeout = 30 * time.Second

// episodicInterval is how many buffered messages trigger an episodic
// summary during persistence.
const episodicInterval = 10

// Request is one inbound conversation turn.
type Request struct {
	UserID    string
	SessionID string // optional; minted when empty
	InputText string
}

// Response is the user-visible result of one turn.
type Response struct {
	Text             string    `json:"text"`
	EmotionalContext string    `json:"emotionalContext"`
	Timestamp        time.Time `json:"timestamp"`
	SessionID        string    `json:"sessionId"`
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	profile         *persona.Profile
	validator       *validator.Validator
	store           *memory.Store
	backend         backend.Backend
	maxInputChars   int
	generateTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxInputChars overrides the input length limit.
func WithMaxInputChars(n int) Option {
	return func(o *Orchestrator) { o.maxInputChars = n }
}

// WithGenerateTimeout overrides the generation wall-clock budget.
func WithGenerateTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.generateTimeout = d }
}

// New creates an orchestrator for one persona.
func New(profile *persona.Profile, store *memory.Store, b backend.Backend, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		profile:         profile,
		validator:       validator.New(profile),
		store:           store,
		backend:         b,
		maxInputChars:   2000,
		generateTimeout: backend.TimeoutGenerate,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Converse runs one full conversation turn. Persistence happens after the
// response is decided and never affects the returned value.
func (o *Orchestrator) Converse(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "conversation.converse",
		trace.WithAttributes(attribute.String("user_id", req.UserID)))
	defer span.End()

	if err := o.checkInput(req); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = mintSessionID()
	}
	span.SetAttributes(attribute.String("session_id", sessionID))
	requestsTotal.Add(ctx, 1)

	history, profileFacts := o.recall(ctx, req.UserID, sessionID)

	tone := o.classifyTone(ctx, req.InputText)
	span.SetAttributes(attribute.String("tone", tone))

	systemPrompt := o.buildPrompt(tone, profileFacts)

	reply, err := o.generate(ctx, systemPrompt, history, req.InputText)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	reply = o.enforcePersona(ctx, reply, systemPrompt, history, req.InputText, profileFacts)

	o.persistAsync(req.UserID, sessionID, req.InputText, reply, len(history))

	return &Response{
		Text:             reply,
		EmotionalContext: tone,
		Timestamp:        time.Now().UTC(),
		SessionID:        sessionID,
	}, nil
}

func (o *Orchestrator) checkInput(req Request) error {
	if strings.TrimSpace(req.UserID) == "" {
		return ErrMissingUserID
	}
	if strings.TrimSpace(req.InputText) == "" {
		return ErrMissingInput
	}
	if n := utf8.RuneCountInString(req.InputText); n > o.maxInputChars {
		return fmt.Errorf("%w: %d > %d", ErrInputTooLong, n, o.maxInputChars)
	}
	return nil
}

// mintSessionID produces an unguessable session id: timestamp plus random
// suffix. Always echoed back so the caller can continue the session.
func mintSessionID() string {
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixNano(), uuid.New().String()[:8])
}

// recall fetches short-term history and the long-term profile in parallel.
// Absence or failure of either is an empty result, never a request error.
func (o *Orchestrator) recall(ctx context.Context, userID, sessionID string) ([]memory.Message, map[string]string) {
	ctx, span := tracer.Start(ctx, "conversation.recall")
	defer span.End()

	var (
		history []memory.Message
		facts   map[string]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := o.store.GetShortTerm(gctx, sessionKey(userID, sessionID))
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).
				Func(meridianotel.LogTraceFields(gctx)).Msg("short_term_recall_failed")
			return nil
		}
		history = h
		return nil
	})
	g.Go(func() error {
		f, err := o.store.GetLongTerm(gctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).
				Func(meridianotel.LogTraceFields(gctx)).Msg("long_term_recall_failed")
			return nil
		}
		facts = f
		return nil
	})
	_ = g.Wait()

	if facts == nil {
		facts = map[string]string{}
	}
	span.SetAttributes(
		attribute.Int("history_messages", len(history)),
		attribute.Int("profile_facts", len(facts)),
	)
	return history, facts
}

// classifyTone never blocks the pipeline: any failure is neutral.
func (o *Orchestrator) classifyTone(ctx context.Context, text string) string {
	tone, err := o.backend.ClassifyTone(ctx, text)
	if err != nil {
		log.Debug().Err(err).Msg("tone_classification_failed")
		return backend.ToneNeutral
	}
	switch tone {
	case backend.ToneNeutral, backend.ToneEmotional, backend.TonePlayful:
		return tone
	default:
		return backend.ToneNeutral
	}
}

// buildPrompt composes the persona prompt, the tone guideline, a readable
// snapshot of known facts, and the anti-fabrication instruction.
func (o *Orchestrator) buildPrompt(tone string, facts map[string]string) string {
	var b strings.Builder
	b.WriteString(o.profile.SystemPrompt())
	b.WriteString("\n")
	b.WriteString(o.profile.ToneGuideline(tone))
	b.WriteString("\n")

	if len(facts) > 0 {
		b.WriteString("\nWhat you know about this person from earlier conversations:\n")
		for _, key := range sortedKeys(facts) {
			fmt.Fprintf(&b, "- %s: %s\n", key, facts[key])
		}
	}
	b.WriteString("\nOnly refer to things the person actually told you. If you don't know something about them, say so instead of making it up.\n")
	return b.String()
}

// generate races the backend call against the wall-clock budget. A late
// result from an already-timed-out call is discarded, not an error.
func (o *Orchestrator) generate(ctx context.Context, systemPrompt string, history []memory.Message, input string) (string, error) {
	ctx, span := tracer.Start(ctx, "conversation.generate")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.generateTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := o.backend.Generate(ctx, systemPrompt, toBackendHistory(history), input)
		ch <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		// A cancelled caller (client disconnect) is not a timeout.
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", fmt.Errorf("%w: %v", ErrGenerateFailed, ctx.Err())
		}
		generateTimeouts.Add(ctx, 1)
		return "", fmt.Errorf("%w after %s", ErrTimeout, o.generateTimeout)
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("%w: %v", ErrGenerateFailed, r.err)
		}
		return r.text, nil
	}
}

// enforcePersona validates the reply and, when it violates the persona,
// spends the single regeneration attempt before falling back to the safe
// apology and the deterministic correction. It always returns something
// speakable.
func (o *Orchestrator) enforcePersona(ctx context.Context, reply, systemPrompt string, history []memory.Message, input string, facts map[string]string) string {
	report := o.validator.Validate(reply, facts)
	if report.OverallValid {
		return reply
	}
	violationsDetected.Add(ctx, int64(len(report.Violations)))
	log.Warn().
		Int("violations", len(report.Violations)).
		Func(meridianotel.LogTraceFields(ctx)).
		Msg("reply_violates_persona")

	regenerated, err := o.regenerate(ctx, systemPrompt, history, input, report)
	if err != nil {
		log.Warn().Err(err).Func(meridianotel.LogTraceFields(ctx)).Msg("regeneration_failed_safe_apology")
		fallbacksUsed.Add(ctx, 1)
		return o.profile.SafeApology()
	}

	second := o.validator.Validate(regenerated, facts)
	if second.OverallValid {
		return regenerated
	}

	// Retry budget spent; deterministic correction is the last resort.
	fallbacksUsed.Add(ctx, 1)
	return o.validator.Correct(regenerated, second)
}

// regenerate issues the one corrective call, with the violation summary
// in-prompt.
func (o *Orchestrator) regenerate(ctx context.Context, systemPrompt string, history []memory.Message, input string, report validator.Report) (string, error) {
	ctx, span := tracer.Start(ctx, "conversation.regenerate")
	defer span.End()
	regenerations.Add(ctx, 1)

	corrective := systemPrompt +
		"\nYour previous answer broke character in these ways:\n" +
		report.Describe() +
		"Answer again, fully in character, without repeating those mistakes.\n"

	return o.generate(ctx, corrective, history, input)
}

// persistAsync writes both turns and any extracted fact in a detached
// goroutine with its own deadline. The request that triggered it may have
// already returned; failures are logged, never surfaced.
func (o *Orchestrator) persistAsync(userID, sessionID, userText, botText string, priorMessages int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		ctx, span := tracer.Start(ctx, "conversation.persist",
			trace.WithAttributes(attribute.String("session_id", sessionID)))
		defer span.End()

		key := sessionKey(userID, sessionID)
		turns := []memory.Message{
			{Role: memory.RoleUser, Content: userText},
			{Role: memory.RoleBot, Content: botText},
		}
		if err := o.store.AppendShortTerm(ctx, key, turns); err != nil {
			persistFailures.Add(ctx, 1)
			log.Error().Err(err).Str("session_id", sessionID).
				Func(meridianotel.LogTraceFields(ctx)).Msg("persist_short_term_failed")
		}
		if err := o.store.RegisterSession(ctx, userID, sessionID); err != nil {
			persistFailures.Add(ctx, 1)
			log.Error().Err(err).Str("session_id", sessionID).
				Func(meridianotel.LogTraceFields(ctx)).Msg("persist_session_failed")
		}

		decision := extraction.Classify(userText)
		span.SetAttributes(attribute.String("extraction_outcome", string(decision.Outcome)))
		if decision.Outcome == extraction.OutcomeFact {
			if err := o.store.MergeLongTerm(ctx, userID, []extraction.Candidate{decision.Candidate}); err != nil {
				persistFailures.Add(ctx, 1)
				log.Error().Err(err).Str("user_id", userID).
					Func(meridianotel.LogTraceFields(ctx)).Msg("persist_profile_failed")
			}
		}

		// Periodically digest the running session into episodic memory.
		if (priorMessages+len(turns))%episodicInterval == 0 {
			if msgs, err := o.store.GetShortTerm(ctx, key); err == nil && len(msgs) > 0 {
				sum := memory.SummarizeSession(msgs)
				if err := o.store.SaveEpisodic(ctx, userID, sessionID, sum); err != nil {
					log.Warn().Err(err).Str("session_id", sessionID).Msg("persist_episodic_failed")
				}
			}
		}
	}()
}

// sessionKey scopes the short-term buffer to one user and session.
func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

func toBackendHistory(history []memory.Message) []backend.Message {
	out := make([]backend.Message, len(history))
	for i, m := range history {
		role := "user"
		if m.Role == memory.RoleBot {
			role = "assistant"
		}
		out[i] = backend.Message{Role: role, Content: m.Content}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
