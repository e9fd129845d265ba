// ABOUTME: Store interface and data types for persisted agent sessions
// ABOUTME: Defines AgentSession, TranscriptEntry and the owner-scoped Store operations

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist or belongs to another owner
var ErrNotFound = errors.New("not found")

// ErrInvalidStatus is returned when a session status is not one of the known values
var ErrInvalidStatus = errors.New("invalid session status")

// ErrInvalidRole is returned when a transcript entry has an unknown role
var ErrInvalidRole = errors.New("invalid transcript role")

// ErrDuplicateSession is returned when a session identifier is already taken
var ErrDuplicateSession = errors.New("session already exists")

// SessionStatus is the lifecycle state of a persisted session
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusArchived  SessionStatus = "archived"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Transcript roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// TranscriptEntry is one persisted turn
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentSession is the durable record of one conversation
type AgentSession struct {
	ID               string // internal storage key, never exposed to clients
	SessionID        string // external identifier
	OwnerID          string
	Title            string
	Status           SessionStatus
	Transcript       []TranscriptEntry // nil when loaded through ListSessions
	MessageCount     int
	GeneratedOutline []string
	GeneratedSlides  json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastActivityAt   time.Time
}

// SessionUpdate carries the mutable fields of a session; nil fields are left unchanged
type SessionUpdate struct {
	Title  *string
	Status *SessionStatus
}

// Store defines the interface for agent session persistence. Every lookup is
// scoped to (sessionID, ownerID); a session owned by someone else is reported
// as ErrNotFound.
type Store interface {
	CreateSession(ctx context.Context, session *AgentSession) error
	GetSession(ctx context.Context, sessionID, ownerID string) (*AgentSession, error)
	ListSessions(ctx context.Context, ownerID string, limit int) ([]*AgentSession, error)
	UpdateSession(ctx context.Context, sessionID, ownerID string, update SessionUpdate) (*AgentSession, error)
	DeleteSession(ctx context.Context, sessionID, ownerID string) error

	// AppendTranscript adds entries after the existing transcript atomically.
	AppendTranscript(ctx context.Context, sessionID, ownerID string, entries ...TranscriptEntry) error

	// Artifacts produced by the surrounding application
	SaveOutline(ctx context.Context, sessionID, ownerID string, outline []string) error
	SaveSlides(ctx context.Context, sessionID, ownerID string, slides json.RawMessage) error

	// DeleteArchivedBefore removes archived sessions last updated before cutoff.
	DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

func validRole(role string) bool {
	return role == RoleUser || role == RoleAssistant || role == RoleSystem
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
