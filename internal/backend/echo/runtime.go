// ABOUTME: Offline agent.Runtime that streams each turn back word by word.
// ABOUTME: Used for local development and smoke tests without model credentials.

package echo

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/2389/slideforge/internal/agent"
)

// Runtime echoes turns. Delay is slept between words to mimic streaming.
type Runtime struct {
	Delay time.Duration
}

// Start implements agent.Runtime.
func (r *Runtime) Start(ctx context.Context, sessionID string, cfg agent.Config, input agent.TurnSource) (agent.Process, error) {
	p := &process{out: make(chan agent.Event)}
	go r.run(ctx, cfg, input, p.out)
	return p, nil
}

func (r *Runtime) run(ctx context.Context, cfg agent.Config, input agent.TurnSource, out chan<- agent.Event) {
	defer close(out)

	emit := func(ev agent.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	turns := 0
	for {
		turn, err := input.Next(ctx)
		if err != nil {
			return
		}
		turns++
		if cfg.MaxTurns > 0 && turns > cfg.MaxTurns {
			if !emit(agent.ResultEvent(false, "error_max_turns")) {
				return
			}
			continue
		}

		words := strings.Fields(turn.Content)
		for i, w := range words {
			if i < len(words)-1 {
				w += " "
			}
			if !emit(agent.TextEvent(w)) {
				return
			}
			if r.Delay > 0 {
				select {
				case <-time.After(r.Delay):
				case <-ctx.Done():
					return
				}
			}
		}
		if !emit(agent.ResultEvent(true, "success")) {
			return
		}
	}
}

type process struct {
	out chan agent.Event
}

func (p *process) Next(ctx context.Context) (agent.Event, error) {
	select {
	case ev, ok := <-p.out:
		if !ok {
			return agent.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return agent.Event{}, ctx.Err()
	}
}

func (p *process) Close() error { return nil }
