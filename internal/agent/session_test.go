// ABOUTME: Tests for Session: listener fan-out, fault handling, close semantics.
// ABOUTME: Uses the scripted agenttest runtime as the conversational process.

package agent_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/slideforge/internal/agent"
	"github.com/2389/slideforge/internal/agent/agenttest"
)

// recorder collects events and signals each terminal one.
type recorder struct {
	mu       sync.Mutex
	events   []agent.Event
	terminal chan agent.Event
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan agent.Event, 16)}
}

func (r *recorder) OnEvent(e agent.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if e.Terminal() {
		r.terminal <- e
	}
}

func (r *recorder) snapshot() []agent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Event(nil), r.events...)
}

func (r *recorder) waitTerminal(t *testing.T) agent.Event {
	t.Helper()
	select {
	case e := <-r.terminal:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return agent.Event{}
	}
}

func newTestSession(t *testing.T, rt agent.Runtime) *agent.Session {
	t.Helper()
	sess, err := agent.NewSession("sess-1", rt, agent.Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func TestSession_ListenersObserveSameSequence(t *testing.T) {
	rt := &agenttest.Runtime{Script: agenttest.Reply("Hel", "lo", "!")}
	sess := newTestSession(t, rt)

	a, b := newRecorder(), newRecorder()
	sess.AddListener(a)
	sess.AddListener(b)

	require.NoError(t, sess.SendMessage("Hello"))

	resA := a.waitTerminal(t)
	resB := b.waitTerminal(t)
	assert.Equal(t, agent.EventResult, resA.Type)
	assert.True(t, resA.Result.Success)
	assert.Equal(t, resA, resB)

	want := []agent.Event{
		agent.TextEvent("Hel"),
		agent.TextEvent("lo"),
		agent.TextEvent("!"),
		agent.ResultEvent(true, "success"),
	}
	assert.Equal(t, want, a.snapshot())
	assert.Equal(t, want, b.snapshot())
}

func TestSession_ListenerRemovesItselfDuringCallback(t *testing.T) {
	rt := &agenttest.Runtime{Script: agenttest.Reply("one", "two")}
	sess := newTestSession(t, rt)

	var mu sync.Mutex
	var seen []agent.Event
	var self agent.Listener
	self = agent.ListenerFunc(func(e agent.Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
		sess.RemoveListener(self)
	})
	sess.AddListener(self)

	observer := newRecorder()
	sess.AddListener(observer)

	require.NoError(t, sess.SendMessage("go"))
	observer.waitTerminal(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, agent.TextEvent("one"), seen[0])
	assert.Equal(t, 1, sess.ListenerCount())
}

func TestSession_RemoveUnknownListenerIsNoop(t *testing.T) {
	sess := newTestSession(t, &agenttest.Runtime{})

	kept := newRecorder()
	sess.AddListener(kept)
	sess.AddListener(kept)
	sess.RemoveListener(newRecorder())

	assert.Equal(t, 1, sess.ListenerCount())
}

func TestSession_FaultBecomesErrorEvent(t *testing.T) {
	rt := &agenttest.Runtime{Script: agenttest.Fail(errors.New("model exploded"))}
	sess := newTestSession(t, rt)

	rec := newRecorder()
	sess.AddListener(rec)
	require.NoError(t, sess.SendMessage("hi"))

	ev := rec.waitTerminal(t)
	assert.Equal(t, agent.EventError, ev.Type)
	assert.Contains(t, ev.Error, "model exploded")

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("pump kept running after fault")
	}
	assert.False(t, sess.Open())
	assert.ErrorIs(t, sess.SendMessage("again"), agent.ErrSessionClosed)
	assert.Len(t, rec.snapshot(), 1)
}

func TestSession_ListenerPanicDoesNotStopPump(t *testing.T) {
	sess := newTestSession(t, &agenttest.Runtime{})

	sess.AddListener(agent.ListenerFunc(func(agent.Event) { panic("boom") }))
	rec := newRecorder()
	sess.AddListener(rec)

	require.NoError(t, sess.SendMessage("first"))
	rec.waitTerminal(t)
	require.NoError(t, sess.SendMessage("second"))
	rec.waitTerminal(t)

	assert.True(t, sess.Open())
	assert.Len(t, rec.snapshot(), 4)
}

func TestSession_Close(t *testing.T) {
	sess := newTestSession(t, &agenttest.Runtime{})
	sess.AddListener(newRecorder())

	sess.Close()
	sess.Close()

	assert.Equal(t, 0, sess.ListenerCount())
	assert.False(t, sess.Open())
	assert.ErrorIs(t, sess.SendMessage("late"), agent.ErrSessionClosed)

	select {
	case <-sess.Closed():
	default:
		t.Fatal("Closed channel not closed")
	}
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after Close")
	}

	// Listeners added after close are ignored.
	sess.AddListener(newRecorder())
	assert.Equal(t, 0, sess.ListenerCount())
}

func TestSession_ConcurrentListenerChurn(t *testing.T) {
	sess := newTestSession(t, &agenttest.Runtime{Script: agenttest.Reply("a", "b", "c")})

	stable := newRecorder()
	sess.AddListener(stable)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				l := agent.ListenerFunc(func(agent.Event) {})
				sess.AddListener(l)
				sess.RemoveListener(l)
			}
		}()
	}

	for range 20 {
		require.NoError(t, sess.SendMessage("x"))
		stable.waitTerminal(t)
	}
	close(stop)
	wg.Wait()

	assert.Len(t, stable.snapshot(), 20*4)
	assert.Equal(t, 1, sess.ListenerCount())
}

func TestSession_StartErrorPropagates(t *testing.T) {
	rt := &agenttest.Runtime{StartErr: errors.New("no binary")}
	_, err := agent.NewSession("s", rt, agent.Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no binary")
}

func TestSession_ConfigDefaults(t *testing.T) {
	rt := &agenttest.Runtime{}
	newTestSession(t, rt)

	cfgs := rt.Configs()
	require.Len(t, cfgs, 1)
	assert.Equal(t, agent.DefaultMaxTurns, cfgs[0].MaxTurns)
	assert.Equal(t, agent.DefaultAllowedTools, cfgs[0].AllowedTools)
}
