// ABOUTME: Contracts between a session and the conversational process that backs it.
// ABOUTME: A Runtime starts one Process per session; the Process reads turns and yields events.

package agent

import (
	"context"
	"slices"
)

// DefaultMaxTurns bounds the exchanges a single process will serve.
const DefaultMaxTurns = 100

// DefaultAllowedTools is the capability set granted to a process when none is configured.
var DefaultAllowedTools = []string{"Bash", "Read", "Write", "Edit", "Glob", "Grep", "WebSearch", "WebFetch"}

// Config shapes one conversational process.
type Config struct {
	AllowedTools []string
	SystemPrompt string
	MaxTurns     int
	// History seeds the process with turns persisted by an earlier process.
	History []Turn
}

// withDefaults fills unset fields without mutating c.
func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.AllowedTools == nil {
		c.AllowedTools = slices.Clone(DefaultAllowedTools)
	}
	return c
}

// Process is a running conversation. Next blocks for the next output event
// and returns io.EOF once the process has ended cleanly; any other error is a
// fault. Close releases the process and must be safe to call more than once.
type Process interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Runtime starts processes. The context bounds the process lifetime, not
// just the start call.
type Runtime interface {
	Start(ctx context.Context, sessionID string, cfg Config, input TurnSource) (Process, error)
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, sessionID string, cfg Config, input TurnSource) (Process, error)

// Start implements Runtime.
func (f RuntimeFunc) Start(ctx context.Context, sessionID string, cfg Config, input TurnSource) (Process, error) {
	return f(ctx, sessionID, cfg, input)
}
