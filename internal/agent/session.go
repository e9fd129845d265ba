// ABOUTME: Session binds one long-lived conversational process to a session identifier.
// ABOUTME: A background pump reads process events and fans each one out to registered listeners.

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionClosed is returned by SendMessage once the session can no longer
// accept turns, either because it was closed or because its process ended.
var ErrSessionClosed = errors.New("agent session closed")

// Session is an open conversation. The zero value is not usable; construct
// with NewSession.
type Session struct {
	id     string
	queue  *Queue
	proc   Process
	cancel context.CancelFunc
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
	closed    bool

	closedCh   chan struct{}
	done       chan struct{}
	createdAt  time.Time
	lastActive atomic.Int64
}

// NewSession starts a process through rt and the pump that drains it. The
// process is bound to its own context so it outlives the caller's request.
func NewSession(id string, rt Runtime, cfg Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := NewQueue()

	proc, err := rt.Start(ctx, id, cfg.withDefaults(), queue)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("starting process for session %s: %w", id, err)
	}

	s := &Session{
		id:        id,
		queue:     queue,
		proc:      proc,
		cancel:    cancel,
		logger:    logger.With("session_id", id),
		closedCh:  make(chan struct{}),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	s.touch()

	go s.pump(ctx)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was started.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActive returns the time of the last turn sent or event received.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// SendMessage enqueues a user turn without waiting for any output.
func (s *Session) SendMessage(text string) error {
	err := s.queue.Push(Turn{Role: RoleUser, Content: text, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	s.touch()
	return nil
}

// AddListener registers l for subsequent events. Adding a listener that is
// already registered, or adding to a closed session, does nothing.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	// Clip forces a fresh backing array so snapshots held by the pump never
	// observe the append.
	s.listeners = append(s.listeners[:len(s.listeners):len(s.listeners)], l)
}

// RemoveListener unregisters l. Unknown listeners are ignored. It is safe to
// call from inside the listener's own OnEvent.
func (s *Session) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.listeners {
		if existing != l {
			continue
		}
		next := make([]Listener, 0, len(s.listeners)-1)
		next = append(next, s.listeners[:i]...)
		next = append(next, s.listeners[i+1:]...)
		s.listeners = next
		return
	}
}

// ListenerCount returns the number of registered listeners.
func (s *Session) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// Open reports whether the session still accepts turns and its pump is running.
func (s *Session) Open() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	return !s.queue.Closed()
}

// Done is closed when the pump exits, whether through a fault, the process
// ending, or Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed is closed when Close is called.
func (s *Session) Closed() <-chan struct{} { return s.closedCh }

// Close stops input, drops every listener and releases the process. It is
// idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listeners = nil
	close(s.closedCh)
	s.mu.Unlock()

	s.queue.Close()
	s.cancel()
	s.logger.Debug("agent session closed")
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// pump is the only reader of the process. It exits on the first error and
// never lets one escape: faults become an error event for current listeners.
func (s *Session) pump(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if err := s.proc.Close(); err != nil {
			s.logger.Debug("process close", "error", err)
		}
	}()
	// No more exchanges can complete once the pump is gone.
	defer s.queue.Close()

	for {
		ev, err := s.next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("agent process ended")
			case ctx.Err() != nil:
				s.logger.Debug("agent process stopped", "reason", ctx.Err())
			default:
				s.logger.Error("agent process fault", "error", err)
				s.broadcast(ErrorEvent(err.Error()))
			}
			return
		}
		s.touch()
		s.broadcast(ev)
	}
}

// next reads one event, converting a panic inside the process into an error.
func (s *Session) next(ctx context.Context) (ev Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("process panic: %v", r)
		}
	}()
	return s.proc.Next(ctx)
}

// broadcast delivers ev to a snapshot of the listener set, one listener at a
// time in registration order.
func (s *Session) broadcast(ev Event) {
	s.mu.RLock()
	targets := s.listeners
	s.mu.RUnlock()

	for _, l := range targets {
		s.deliver(l, ev)
	}
}

func (s *Session) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked", "event", ev.Type, "panic", r)
		}
	}()
	l.OnEvent(ev)
}
