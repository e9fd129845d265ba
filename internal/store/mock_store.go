// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*AgentSession // keyed by external session ID

	// AppendErr, when set, is returned by AppendTranscript without writing.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*AgentSession),
	}
}

// clone returns a deep copy so callers never alias stored state.
func clone(s *AgentSession) *AgentSession {
	c := *s
	c.Transcript = slices.Clone(s.Transcript)
	c.GeneratedOutline = slices.Clone(s.GeneratedOutline)
	c.GeneratedSlides = slices.Clone(s.GeneratedSlides)
	c.MessageCount = len(s.Transcript)
	return &c
}

// lookup returns the stored session if it exists and belongs to ownerID. Must hold mu.
func (m *MockStore) lookup(sessionID, ownerID string) (*AgentSession, error) {
	s, ok := m.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return s, nil
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.SessionID]; exists {
		return ErrDuplicateSession
	}

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

	stored := clone(session)
	if stored.Transcript == nil {
		stored.Transcript = []TranscriptEntry{}
	}
	m.sessions[session.SessionID] = stored
	return nil
}

// GetSession retrieves a session scoped to its owner.
func (m *MockStore) GetSession(ctx context.Context, sessionID, ownerID string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	return clone(s), nil
}

// ListSessions returns the owner's sessions, most recently active first.
func (m *MockStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*AgentSession{}
	for _, s := range m.sessions {
		if s.OwnerID != ownerID {
			continue
		}
		c := clone(s)
		c.Transcript = nil
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})

	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateSession applies the non-nil fields of update.
func (m *MockStore) UpdateSession(ctx context.Context, sessionID, ownerID string, update SessionUpdate) (*AgentSession, error) {
	if update.Status != nil && !update.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if update.Title != nil {
		s.Title = *update.Title
	}
	if update.Status != nil {
		s.Status = *update.Status
	}
	m.touch(s)
	return clone(s), nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, sessionID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(sessionID, ownerID); err != nil {
		return err
	}
	delete(m.sessions, sessionID)
	return nil
}

// AppendTranscript appends entries to a session's transcript.
func (m *MockStore) AppendTranscript(ctx context.Context, sessionID, ownerID string, entries ...TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	for _, e := range entries {
		if !validRole(e.Role) {
			return fmt.Errorf("%w: %q", ErrInvalidRole, e.Role)
		}
	}

	s, err := m.lookup(sessionID, ownerID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		s.Transcript = append(s.Transcript, e)
	}
	m.touch(s)
	return nil
}

// SaveOutline stores the generated outline.
func (m *MockStore) SaveOutline(ctx context.Context, sessionID, ownerID string, outline []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID, ownerID)
	if err != nil {
		return err
	}
	s.GeneratedOutline = slices.Clone(outline)
	m.touch(s)
	return nil
}

// SaveSlides stores the generated slides.
func (m *MockStore) SaveSlides(ctx context.Context, sessionID, ownerID string, slides json.RawMessage) error {
	if len(slides) > 0 && !json.Valid(slides) {
		return fmt.Errorf("slides are not valid JSON")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID, ownerID)
	if err != nil {
		return err
	}
	s.GeneratedSlides = slices.Clone(slides)
	m.touch(s)
	return nil
}

// DeleteArchivedBefore removes archived sessions last updated before cutoff.
func (m *MockStore) DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if s.Status == StatusArchived && s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// touch bumps the mutation timestamps. Must hold mu.
func (m *MockStore) touch(s *AgentSession) {
	now := time.Now().UTC()
	s.UpdatedAt = now
	s.LastActivityAt = now
}
