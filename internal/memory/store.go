// Package memory persists conversation state in SQLite: a bounded,
// TTL-backed short-term buffer per session, a durable per-user fact profile,
// a session index, and episodic summaries. Every profile write passes the
// fact validation gate (internal/extraction) before it lands.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridian-ai/meridian/internal/extraction"
	meridianotel "github.com/meridian-ai/meridian/internal/otel"
)

var tracer = meridianotel.Tracer("github.com/meridian-ai/meridian/internal/memory")

// ErrProfileNotFound is returned when a user has no stored profile.
var ErrProfileNotFound = errors.New("profile not found")

const schema = `
CREATE TABLE IF NOT EXISTS short_term_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_key TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_short_term_session ON short_term_messages(session_key, id);
CREATE INDEX IF NOT EXISTS idx_short_term_expiry ON short_term_messages(expires_at);

CREATE TABLE IF NOT EXISTS profile_facts (
    user_id TEXT NOT NULL,
    fact_key TEXT NOT NULL,
    fact_value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, fact_key)
);

CREATE TABLE IF NOT EXISTS sessions (
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, session_id)
);

CREATE TABLE IF NOT EXISTS episodic_summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    summary TEXT NOT NULL,
    primary_emotion TEXT NOT NULL DEFAULT '',
    significance REAL NOT NULL,
    message_count INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_episodic_user ON episodic_summaries(user_id, created_at);
`

// Message roles.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Message is one turn in the short-term buffer.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// EpisodicSummary is a significance-scored digest of one session.
type EpisodicSummary struct {
	Summary        string  `json:"summary"`
	PrimaryEmotion string  `json:"primary_emotion"`
	Significance   float64 `json:"significance"`
	MessageCount   int     `json:"message_count"`
}

// Store owns all durable conversation state.
type Store struct {
	db       *sql.DB
	capacity int           // short-term messages kept per session
	ttl      time.Duration // short-term idle TTL
}

// NewStore opens the database, initializes the schema, and configures the
// short-term buffer bounds.
func NewStore(dbPath string, capacity int, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}

	if capacity <= 0 {
		capacity = 20
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{db: db, capacity: capacity, ttl: ttl}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetShortTerm returns the live, unexpired messages for a session in
// chronological order. A missing or expired session is an empty history,
// not an error.
func (s *Store) GetShortTerm(ctx context.Context, sessionKey string) ([]Message, error) {
	ctx, span := tracer.Start(ctx, "memory.get_short_term",
		trace.WithAttributes(attribute.String("session_key", sessionKey)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM short_term_messages
		 WHERE session_key = ? AND expires_at > ?
		 ORDER BY id ASC`,
		sessionKey, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("querying short-term memory: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var createdAt interface{}
		if err := rows.Scan(&m.Role, &m.Content, &createdAt); err != nil {
			continue
		}
		if t, ok := scanTime(createdAt); ok {
			m.CreatedAt = t
		}
		messages = append(messages, m)
	}
	readsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("memory.messages", len(messages)))
	return messages, rows.Err()
}

// AppendShortTerm appends messages to a session buffer, then trims the
// buffer to capacity, then refreshes the TTL on what remains. The order is
// append, trim, refresh: a crash between steps leaves at most an oversized
// buffer that the next trim repairs, never lost messages.
func (s *Store) AppendShortTerm(ctx context.Context, sessionKey string, messages []Message) error {
	ctx, span := tracer.Start(ctx, "memory.append_short_term",
		trace.WithAttributes(
			attribute.String("session_key", sessionKey),
			attribute.Int("message_count", len(messages)),
		))
	defer span.End()

	if len(messages) == 0 {
		return nil
	}

	err := s.writeWithRetry(ctx, func(ctx context.Context) error {
		return s.appendInTx(ctx, sessionKey, messages)
	})
	if err != nil {
		return err
	}
	shortTermWrites.Add(ctx, 1)
	return nil
}

func (s *Store) appendInTx(ctx context.Context, sessionKey string, messages []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	expires := now.Add(s.ttl)

	// An expired bucket is dead history. Drop it before appending so the
	// TTL refresh below cannot bring it back into the prompt.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM short_term_messages WHERE session_key = ? AND expires_at <= ?`,
		sessionKey, now); err != nil {
		return fmt.Errorf("purging expired short-term messages: %w", err)
	}

	for _, m := range messages {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO short_term_messages (session_key, role, content, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionKey, m.Role, m.Content, created, expires); err != nil {
			return fmt.Errorf("appending short-term message: %w", err)
		}
	}

	// Trim to capacity, oldest first.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM short_term_messages WHERE session_key = ? AND id NOT IN (
			SELECT id FROM short_term_messages WHERE session_key = ?
			ORDER BY id DESC LIMIT ?
		)`, sessionKey, sessionKey, s.capacity); err != nil {
		return fmt.Errorf("trimming short-term memory: %w", err)
	}

	// Refresh the TTL on the whole surviving buffer.
	if _, err := tx.ExecContext(ctx,
		`UPDATE short_term_messages SET expires_at = ? WHERE session_key = ?`,
		expires, sessionKey); err != nil {
		return fmt.Errorf("refreshing short-term ttl: %w", err)
	}

	return tx.Commit()
}

// GetLongTerm returns the user's profile as a key-value map. A user with no
// stored facts gets an empty map, not an error.
func (s *Store) GetLongTerm(ctx context.Context, userID string) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "memory.get_long_term",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT fact_key, fact_value FROM profile_facts WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	defer rows.Close()

	profile := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			continue
		}
		profile[k] = v
	}
	readsTotal.Add(ctx, 1)
	return profile, rows.Err()
}

// MergeLongTerm validates each candidate and upserts the accepted ones into
// the user's profile, last write wins per key. Rejected candidates are
// logged and dropped without aborting the rest. Zero accepted candidates is
// a no-op: the profile is not touched at all.
func (s *Store) MergeLongTerm(ctx context.Context, userID string, candidates []extraction.Candidate) error {
	ctx, span := tracer.Start(ctx, "memory.merge_long_term",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.Int("candidate_count", len(candidates)),
		))
	defer span.End()

	accepted := make([]extraction.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if err := extraction.ValidateFact(c); err != nil {
			factsRejected.Add(ctx, 1)
			log.Debug().
				Str("user_id", userID).
				Str("fact_type", c.Type).
				Err(err).
				Msg("fact_rejected")
			continue
		}
		accepted = append(accepted, c)
	}
	span.SetAttributes(attribute.Int("memory.facts_accepted", len(accepted)))
	if len(accepted) == 0 {
		return nil
	}

	err := s.writeWithRetry(ctx, func(ctx context.Context) error {
		return s.mergeInTx(ctx, userID, accepted)
	})
	if err != nil {
		return err
	}
	factsMerged.Add(ctx, int64(len(accepted)))
	return nil
}

func (s *Store) mergeInTx(ctx context.Context, userID string, facts []extraction.Candidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, f := range facts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO profile_facts (user_id, fact_key, fact_value, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(user_id, fact_key) DO UPDATE SET
			     fact_value = excluded.fact_value,
			     updated_at = excluded.updated_at`,
			userID, f.Type, strings.TrimSpace(f.Value), now); err != nil {
			return fmt.Errorf("upserting fact %q: %w", f.Type, err)
		}
	}
	return tx.Commit()
}

// RegisterSession records a session in the user's session index. Safe to
// call from every write path; re-registration is a no-op.
func (s *Store) RegisterSession(ctx context.Context, userID, sessionID string) error {
	ctx, span := tracer.Start(ctx, "memory.register_session",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("session_id", sessionID),
		))
	defer span.End()

	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (user_id, session_id, started_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(user_id, session_id) DO NOTHING`,
			userID, sessionID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("registering session: %w", err)
		}
		return nil
	})
}

// ListSessions returns the user's session ids, most recent first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "memory.list_sessions",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE user_id = ? ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SummarizeSession produces a deterministic statistical digest of a message
// list. It is the fallback summarizer: message counts and most-frequent
// emotion, with significance scaled linearly and capped at ten messages.
func SummarizeSession(messages []Message) EpisodicSummary {
	userTurns := 0
	emotionCounts := make(map[string]int)
	for _, m := range messages {
		if m.Role == RoleUser {
			userTurns++
		}
		if e := extraction.PrimaryEmotion(m.Content); e != "" {
			emotionCounts[e]++
		}
	}

	primary := ""
	best := 0
	for e, n := range emotionCounts {
		if n > best || (n == best && e < primary) || primary == "" {
			primary, best = e, n
		}
	}

	significance := float64(len(messages)) / 10.0
	if significance > 1 {
		significance = 1
	}

	summary := fmt.Sprintf("Session with %d messages (%d from the user)", len(messages), userTurns)
	if primary != "" {
		summary += fmt.Sprintf("; dominant emotion: %s", primary)
	}

	return EpisodicSummary{
		Summary:        summary,
		PrimaryEmotion: primary,
		Significance:   significance,
		MessageCount:   len(messages),
	}
}

// SaveEpisodic stores a session summary.
func (s *Store) SaveEpisodic(ctx context.Context, userID, sessionID string, sum EpisodicSummary) error {
	ctx, span := tracer.Start(ctx, "memory.save_episodic",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("session_id", sessionID),
			attribute.Float64("significance", sum.Significance),
		))
	defer span.End()

	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO episodic_summaries (user_id, session_id, summary, primary_emotion, significance, message_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, sessionID, sum.Summary, sum.PrimaryEmotion, sum.Significance, sum.MessageCount, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("saving episodic summary: %w", err)
		}
		return nil
	})
}

// ListEpisodic returns a user's session summaries, most recent first.
func (s *Store) ListEpisodic(ctx context.Context, userID string, limit int) ([]EpisodicSummary, error) {
	ctx, span := tracer.Start(ctx, "memory.list_episodic",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	query := `SELECT summary, primary_emotion, significance, message_count
	          FROM episodic_summaries WHERE user_id = ?
	          ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing episodic summaries: %w", err)
	}
	defer rows.Close()

	var out []EpisodicSummary
	for rows.Next() {
		var e EpisodicSummary
		if err := rows.Scan(&e.Summary, &e.PrimaryEmotion, &e.Significance, &e.MessageCount); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunRetention deletes expired short-term messages and episodic summaries
// older than retentionDays. Profiles are never swept; they have no
// retraction path. Returns the total rows removed.
func (s *Store) RunRetention(ctx context.Context, retentionDays int) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.run_retention",
		trace.WithAttributes(attribute.Int("retention_days", retentionDays)))
	defer span.End()

	now := time.Now().UTC()
	var total int64

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM short_term_messages WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired short-term messages: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	if retentionDays > 0 {
		cutoff := now.AddDate(0, 0, -retentionDays)
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM episodic_summaries WHERE created_at < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("sweeping episodic summaries: %w", err)
		}
		n, _ = res.RowsAffected()
		total += n
	}

	span.SetAttributes(attribute.Int64("memory.swept", total))
	if total > 0 {
		log.Info().Int64("rows", total).Msg("retention_sweep_complete")
	}
	return total, nil
}

// writeWithRetry runs fn with retries on SQLite busy/locked errors.
func (s *Store) writeWithRetry(ctx context.Context, fn func(context.Context) error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

// scanTime scans a column that may be time.Time or string (SQLite returns
// datetime as string).
func scanTime(v interface{}) (t time.Time, ok bool) {
	if v == nil {
		return time.Time{}, false
	}
	switch val := v.(type) {
	case time.Time:
		return val, true
	case []byte:
		parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", string(val))
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, string(val))
		}
		if err == nil {
			return parsed, true
		}
	case string:
		parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", val)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, val)
		}
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
