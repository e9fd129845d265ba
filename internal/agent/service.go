// ABOUTME: Service is the process-wide registry of live agent sessions keyed by session ID.
// ABOUTME: Creation is atomic per ID; sessions live until closed explicitly or by Cleanup.

package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Service owns every live Session in this process.
type Service struct {
	runtime  Runtime
	defaults Config

	sessions map[string]*Session
	starting map[string]*pendingStart
	mu       sync.Mutex
	logger   *slog.Logger
}

// pendingStart tracks a process start in flight so concurrent callers for
// the same id wait for it instead of starting a second one.
type pendingStart struct {
	done      chan struct{}
	sess      *Session
	err       error
	cancelled bool
}

// NewService creates an empty registry that starts processes through rt,
// using defaults for any Config field a caller leaves unset.
func NewService(rt Runtime, defaults Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runtime:  rt,
		defaults: defaults,
		sessions: make(map[string]*Session),
		starting: make(map[string]*pendingStart),
		logger:   logger.With("component", "agent_service"),
	}
}

// GetOrCreate returns the open session for id, starting one if none exists.
// A registered session whose process has ended is closed and replaced. cfg
// is consulted only when a session is started; nil means the defaults.
//
// Concurrent callers for the same id always receive the same Session. The
// registry lock is not held while the process starts, so lookups of other
// ids never wait on a slow start. A CloseSession or Cleanup that lands while
// the start is in flight wins: the new session is closed and
// ErrSessionClosed is returned.
func (s *Service) GetOrCreate(id string, cfg *Config) (*Session, error) {
	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		if existing.Open() {
			s.mu.Unlock()
			return existing, nil
		}
		existing.Close()
		delete(s.sessions, id)
		s.logger.Warn("replacing ended agent session", "session_id", id)
	}
	if call, ok := s.starting[id]; ok {
		s.mu.Unlock()
		<-call.done
		return call.sess, call.err
	}
	call := &pendingStart{done: make(chan struct{})}
	s.starting[id] = call
	s.mu.Unlock()

	sess, err := NewSession(id, s.runtime, s.merge(cfg), s.logger)

	s.mu.Lock()
	delete(s.starting, id)
	cancelled := call.cancelled
	if err == nil && !cancelled {
		s.sessions[id] = sess
	}
	total := len(s.sessions)
	s.mu.Unlock()

	if err == nil && cancelled {
		sess.Close()
		sess, err = nil, fmt.Errorf("session %s: %w", id, ErrSessionClosed)
	}
	call.sess, call.err = sess, err
	close(call.done)

	if err != nil {
		return nil, err
	}
	s.logger.Info("agent session started",
		"session_id", id,
		"total_sessions", total,
	)
	return sess, nil
}

// Get returns the live session for id without creating one.
func (s *Service) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	return sess, ok
}

// CloseSession closes and forgets the session for id. It reports whether a
// session was registered.
func (s *Service) CloseSession(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	if call, starting := s.starting[id]; starting {
		call.cancelled = true
	}
	remaining := len(s.sessions)
	s.mu.Unlock()

	if !ok {
		return false
	}
	sess.Close()
	s.logger.Info("agent session closed", "session_id", id, "total_sessions", remaining)
	return true
}

// closeIf closes the session for id only if it is still sess and pred holds.
func (s *Service) closeIf(id string, sess *Session, pred func(*Session) bool) bool {
	s.mu.Lock()
	current, ok := s.sessions[id]
	if !ok || current != sess || !pred(current) {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	sess.Close()
	return true
}

// Cleanup closes every live session.
func (s *Service) Cleanup() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	for _, call := range s.starting {
		call.cancelled = true
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	if len(sessions) > 0 {
		s.logger.Info("closed all agent sessions", "count", len(sessions))
	}
}

// Len returns the number of live sessions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns the live sessions ordered by ID.
func (s *Service) Sessions() []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Service) merge(cfg *Config) Config {
	merged := s.defaults
	if cfg == nil {
		return merged
	}
	if cfg.AllowedTools != nil {
		merged.AllowedTools = cfg.AllowedTools
	}
	if cfg.SystemPrompt != "" {
		merged.SystemPrompt = cfg.SystemPrompt
	}
	if cfg.MaxTurns > 0 {
		merged.MaxTurns = cfg.MaxTurns
	}
	if cfg.History != nil {
		merged.History = cfg.History
	}
	return merged
}
