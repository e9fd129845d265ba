// ABOUTME: Scripted agent.Runtime for tests: counts process starts and replays canned events.
// ABOUTME: Scripts can stream text, fail the process, or pause mid-exchange.

package agenttest

import (
	"context"
	"io"
	"sync"

	"github.com/2389/slideforge/internal/agent"
)

// Script produces the events answering one turn. Returning an error faults
// the process.
type Script func(turn agent.Turn) ([]agent.Event, error)

// Reply answers every turn with one assistant_text event per chunk followed
// by a successful result.
func Reply(chunks ...string) Script {
	return func(agent.Turn) ([]agent.Event, error) {
		events := make([]agent.Event, 0, len(chunks)+1)
		for _, c := range chunks {
			events = append(events, agent.TextEvent(c))
		}
		return append(events, agent.ResultEvent(true, "success")), nil
	}
}

// Echo answers each turn with its own content.
func Echo() Script {
	return func(t agent.Turn) ([]agent.Event, error) {
		return []agent.Event{agent.TextEvent(t.Content), agent.ResultEvent(true, "success")}, nil
	}
}

// Fail faults the process on the first turn it reads.
func Fail(err error) Script {
	return func(agent.Turn) ([]agent.Event, error) {
		return nil, err
	}
}

// Runtime is a fake agent.Runtime. The zero value echoes turns.
type Runtime struct {
	Script Script
	// StartErr, if set, is returned by every Start.
	StartErr error
	// Pause, if set, is received from after the first event of each turn
	// before the rest are emitted.
	Pause chan struct{}

	mu      sync.Mutex
	starts  int
	configs []agent.Config
	turns   []agent.Turn
}

// Start implements agent.Runtime.
func (r *Runtime) Start(ctx context.Context, sessionID string, cfg agent.Config, input agent.TurnSource) (agent.Process, error) {
	r.mu.Lock()
	r.starts++
	r.configs = append(r.configs, cfg)
	r.mu.Unlock()

	if r.StartErr != nil {
		return nil, r.StartErr
	}

	script := r.Script
	if script == nil {
		script = Echo()
	}

	p := &process{out: make(chan item)}
	go r.run(ctx, script, input, p.out)
	return p, nil
}

// Starts returns how many processes were started.
func (r *Runtime) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Configs returns the configs passed to each Start, in order.
func (r *Runtime) Configs() []agent.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Config(nil), r.configs...)
}

// Turns returns every turn read by any process, in order.
func (r *Runtime) Turns() []agent.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Turn(nil), r.turns...)
}

func (r *Runtime) run(ctx context.Context, script Script, input agent.TurnSource, out chan<- item) {
	defer close(out)

	send := func(it item) bool {
		select {
		case out <- it:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		turn, err := input.Next(ctx)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.turns = append(r.turns, turn)
		r.mu.Unlock()

		events, err := script(turn)
		if err != nil {
			send(item{err: err})
			return
		}
		for i, ev := range events {
			if !send(item{ev: ev}) {
				return
			}
			if i == 0 && r.Pause != nil {
				select {
				case <-r.Pause:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

type item struct {
	ev  agent.Event
	err error
}

type process struct {
	out chan item
}

func (p *process) Next(ctx context.Context) (agent.Event, error) {
	select {
	case it, ok := <-p.out:
		if !ok {
			return agent.Event{}, io.EOF
		}
		return it.ev, it.err
	case <-ctx.Done():
		return agent.Event{}, ctx.Err()
	}
}

func (p *process) Close() error { return nil }
