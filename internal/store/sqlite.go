// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists agent sessions and their append-only transcripts with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	// Immediate transactions serialize transcript appends instead of failing them.
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_sessions (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL UNIQUE,
			owner_id         TEXT NOT NULL,
			title            TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'active',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			generated_outline TEXT,
			generated_slides  TEXT,

			CHECK (status IN ('active', 'completed', 'archived'))
		);

		CREATE INDEX IF NOT EXISTS idx_agent_sessions_owner_activity
			ON agent_sessions(owner_id, last_activity_at DESC);

		CREATE INDEX IF NOT EXISTS idx_agent_sessions_status_updated
			ON agent_sessions(status, updated_at);

		CREATE TABLE IF NOT EXISTS transcript_entries (
			session_pk TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (session_pk, seq),
			FOREIGN KEY (session_pk) REFERENCES agent_sessions(id) ON DELETE CASCADE,
			CHECK (role IN ('user', 'assistant', 'system'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a new session. Zero timestamps are set to now and an
// empty status defaults to active.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *AgentSession) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.UpdatedAt
	}
	if session.Status == "" {
		session.Status = StatusActive
	}
	if !session.Status.Valid() {
		return ErrInvalidStatus
	}

	outline, err := encodeOutline(session.GeneratedOutline)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agent_sessions (
			id, session_id, owner_id, title, status,
			generated_outline, generated_slides,
			created_at, updated_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		session.ID,
		session.SessionID,
		session.OwnerID,
		session.Title,
		string(session.Status),
		outline,
		nullRaw(session.GeneratedSlides),
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
		formatTime(session.LastActivityAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "session_id", session.SessionID, "owner_id", session.OwnerID)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

const sessionColumns = `
	id, session_id, owner_id, title, status,
	generated_outline, generated_slides,
	created_at, updated_at, last_activity_at,
	(SELECT COUNT(*) FROM transcript_entries t WHERE t.session_pk = agent_sessions.id)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*AgentSession, error) {
	var (
		sess                         AgentSession
		status                       string
		outline, slides              sql.NullString
		createdAt, updatedAt, active string
	)

	if err := row.Scan(
		&sess.ID,
		&sess.SessionID,
		&sess.OwnerID,
		&sess.Title,
		&status,
		&outline,
		&slides,
		&createdAt,
		&updatedAt,
		&active,
		&sess.MessageCount,
	); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)

	if outline.Valid && outline.String != "" {
		if err := json.Unmarshal([]byte(outline.String), &sess.GeneratedOutline); err != nil {
			return nil, fmt.Errorf("decoding generated_outline: %w", err)
		}
	}
	if slides.Valid && slides.String != "" {
		sess.GeneratedSlides = json.RawMessage(slides.String)
	}

	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if sess.LastActivityAt, err = parseTime(active); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return &sess, nil
}

// GetSession retrieves a session and its full transcript.
// Returns ErrNotFound if the session doesn't exist or has another owner.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, ownerID string) (*AgentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE session_id = ? AND owner_id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.Transcript, err = s.loadTranscript(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) loadTranscript(ctx context.Context, sessionPK string) ([]TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at
		FROM transcript_entries
		WHERE session_pk = ?
		ORDER BY seq ASC
	`, sessionPK)
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}
	defer rows.Close()

	entries := []TranscriptEntry{}
	for rows.Next() {
		var e TranscriptEntry
		var ts string
		if err := rows.Scan(&e.Role, &e.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning transcript row: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing transcript timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transcript rows: %w", err)
	}
	return entries, nil
}

// ListSessions retrieves an owner's sessions ordered by most recent activity.
// Transcripts are not loaded; MessageCount reports their length.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]*AgentSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM agent_sessions
		WHERE owner_id = ?
		ORDER BY last_activity_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*AgentSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// UpdateSession applies the non-nil fields of update and returns the result.
// Returns ErrNotFound if the session doesn't exist or has another owner.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID, ownerID string, update SessionUpdate) (*AgentSession, error) {
	if update.Status != nil && !update.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	sets := []string{"updated_at = ?", "last_activity_at = ?"}
	now := formatTime(time.Now())
	args := []any{now, now}
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	args = append(args, sessionID, ownerID)

	query := `UPDATE agent_sessions SET ` + strings.Join(sets, ", ") + ` WHERE session_id = ? AND owner_id = ?`
	if err := s.execOne(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	s.logger.Debug("updated session", "session_id", sessionID)
	return s.GetSession(ctx, sessionID, ownerID)
}

// DeleteSession removes a session and its transcript.
// Returns ErrNotFound if the session doesn't exist or has another owner.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID, ownerID string) error {
	err := s.execOne(ctx, `DELETE FROM agent_sessions WHERE session_id = ? AND owner_id = ?`, sessionID, ownerID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	s.logger.Debug("deleted session", "session_id", sessionID)
	return nil
}

// AppendTranscript adds entries after the current last entry and bumps
// last_activity_at, all in one transaction.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, sessionID, ownerID string, entries ...TranscriptEntry) error {
	for _, e := range entries {
		if !validRole(e.Role) {
			return fmt.Errorf("%w: %q", ErrInvalidRole, e.Role)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var pk string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM agent_sessions WHERE session_id = ? AND owner_id = ?`,
		sessionID, ownerID,
	).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying session: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM transcript_entries WHERE session_pk = ?`, pk,
	).Scan(&next); err != nil {
		return fmt.Errorf("querying transcript length: %w", err)
	}

	now := time.Now()
	for i, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transcript_entries (session_pk, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			pk, next+i, e.Role, e.Content, formatTime(ts),
		); err != nil {
			return fmt.Errorf("inserting transcript entry: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_sessions SET updated_at = ?, last_activity_at = ? WHERE id = ?`,
		formatTime(now), formatTime(now), pk,
	); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transcript: %w", err)
	}

	s.logger.Debug("appended transcript", "session_id", sessionID, "entries", len(entries))
	return nil
}

// SaveOutline stores the generated outline for a session.
func (s *SQLiteStore) SaveOutline(ctx context.Context, sessionID, ownerID string, outline []string) error {
	encoded, err := encodeOutline(outline)
	if err != nil {
		return err
	}
	return s.saveArtifact(ctx, "generated_outline", encoded, sessionID, ownerID)
}

// SaveSlides stores the generated slides document for a session.
func (s *SQLiteStore) SaveSlides(ctx context.Context, sessionID, ownerID string, slides json.RawMessage) error {
	if len(slides) > 0 && !json.Valid(slides) {
		return fmt.Errorf("slides are not valid JSON")
	}
	return s.saveArtifact(ctx, "generated_slides", nullRaw(slides), sessionID, ownerID)
}

func (s *SQLiteStore) saveArtifact(ctx context.Context, column string, value any, sessionID, ownerID string) error {
	now := formatTime(time.Now())
	query := `UPDATE agent_sessions SET ` + column + ` = ?, updated_at = ?, last_activity_at = ? WHERE session_id = ? AND owner_id = ?`
	if err := s.execOne(ctx, query, value, now, now, sessionID, ownerID); err != nil {
		return fmt.Errorf("saving %s: %w", column, err)
	}
	return nil
}

// DeleteArchivedBefore removes archived sessions whose updated_at is older than cutoff.
func (s *SQLiteStore) DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE status = ? AND updated_at < ?`,
		string(StatusArchived), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting archived sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("deleted archived sessions", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// execOne runs a statement that must touch exactly one row, mapping zero rows to ErrNotFound.
func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func encodeOutline(outline []string) (any, error) {
	if outline == nil {
		return nil, nil
	}
	b, err := json.Marshal(outline)
	if err != nil {
		return nil, fmt.Errorf("encoding outline: %w", err)
	}
	return string(b), nil
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
