// ABOUTME: Tests for the streaming chat adapter
// ABOUTME: Covers the SSE wire format, persistence, faults, session reuse, client aborts and rejections

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/slideforge/internal/agent"
	"github.com/2389/slideforge/internal/agent/agenttest"
	"github.com/2389/slideforge/internal/auth"
	"github.com/2389/slideforge/internal/config"
	"github.com/2389/slideforge/internal/store"
)

// sseRecords splits a stream body into the payloads of its data records.
func sseRecords(t *testing.T, body string) []string {
	t.Helper()
	require.True(t, strings.HasSuffix(body, "\n\n") || body == "", "stream must end on a record boundary: %q", body)

	var out []string
	for _, rec := range strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n") {
		if rec == "" {
			continue
		}
		require.True(t, strings.HasPrefix(rec, "data: "), "malformed record %q", rec)
		out = append(out, strings.TrimPrefix(rec, "data: "))
	}
	return out
}

func decodeRecord(t *testing.T, payload string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &m), "payload %q", payload)
	return m
}

func chat(t *testing.T, gw *Gateway, owner string, req ChatRequest) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, gw, http.MethodPost, "/api/agent/chat", owner, req)
}

func transcriptOf(t *testing.T, st store.Store, sessionID, owner string) []store.TranscriptEntry {
	t.Helper()
	s, err := st.GetSession(context.Background(), sessionID, owner)
	require.NoError(t, err)
	return s.Transcript
}

func TestChat_StreamsAndPersistsExchange(t *testing.T) {
	rt := &agenttest.Runtime{Script: agenttest.Reply("Hi ", "there", "!")}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	rec := chat(t, gw, "alice", ChatRequest{Message: "Hello", SessionID: "s1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	records := sseRecords(t, rec.Body.String())
	require.Len(t, records, 5)
	for i, want := range []string{"Hi ", "there", "!"} {
		m := decodeRecord(t, records[i])
		assert.Equal(t, "assistant_message", m["type"])
		assert.Equal(t, want, m["content"])
	}
	assert.JSONEq(t, `{"type":"result","success":true}`, records[3])
	assert.Equal(t, "[DONE]", records[4])

	transcript := transcriptOf(t, st, "s1", "alice")
	require.Len(t, transcript, 2)
	assert.Equal(t, store.RoleUser, transcript[0].Role)
	assert.Equal(t, "Hello", transcript[0].Content)
	assert.Equal(t, store.RoleAssistant, transcript[1].Role)
	assert.Equal(t, "Hi there!", transcript[1].Content)

	sess, ok := gw.agents.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 0, sess.ListenerCount())
}

func TestChat_ProcessFaultYieldsSingleError(t *testing.T) {
	rt := &agenttest.Runtime{Script: agenttest.Fail(errors.New("model crashed"))}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	rec := chat(t, gw, "alice", ChatRequest{Message: "Hello", SessionID: "s1"})

	require.Equal(t, http.StatusOK, rec.Code)
	records := sseRecords(t, rec.Body.String())
	require.Len(t, records, 1, "records: %v", records)
	m := decodeRecord(t, records[0])
	assert.Equal(t, "error", m["type"])
	assert.Contains(t, m["content"], "model crashed")

	assert.Empty(t, transcriptOf(t, st, "s1", "alice"))
}

func TestChat_FaultedSessionIsReplacedOnNextTurn(t *testing.T) {
	calls := 0
	rt := &agenttest.Runtime{Script: func(turn agent.Turn) ([]agent.Event, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		return []agent.Event{agent.TextEvent("recovered"), agent.ResultEvent(true, "success")}, nil
	}}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	first := sseRecords(t, chat(t, gw, "alice", ChatRequest{Message: "one", SessionID: "s1"}).Body.String())
	require.Len(t, first, 1)

	// Wait for the pump to stop so the registry sees a dead session.
	sess, ok := gw.agents.Get("s1")
	require.True(t, ok)
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("faulted session pump did not stop")
	}

	second := sseRecords(t, chat(t, gw, "alice", ChatRequest{Message: "two", SessionID: "s1"}).Body.String())
	require.Len(t, second, 3)
	assert.Equal(t, "[DONE]", second[2])
	assert.Equal(t, 2, rt.Starts())
}

func TestChat_ReusesAgentSessionAcrossRequests(t *testing.T) {
	rt := &agenttest.Runtime{Script: agenttest.Echo()}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	for _, msg := range []string{"first", "second"} {
		rec := chat(t, gw, "alice", ChatRequest{Message: msg, SessionID: "s1"})
		records := sseRecords(t, rec.Body.String())
		require.NotEmpty(t, records)
		assert.Equal(t, "[DONE]", records[len(records)-1])
	}

	assert.Equal(t, 1, rt.Starts())
	assert.Len(t, transcriptOf(t, st, "s1", "alice"), 4)
}

func TestChat_ClientAbortRemovesListener(t *testing.T) {
	pause := make(chan struct{})
	rt := &agenttest.Runtime{Script: agenttest.Reply("partial", "rest"), Pause: pause}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body := strings.NewReader(`{"message":"Hello","sessionId":"s1"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/agent/chat", body)
	require.NoError(t, err)
	req.Header.Set(auth.OwnerHeader, "alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"assistant_message"`)

	sess, ok := gw.agents.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 1, sess.ListenerCount())

	cancel()

	require.Eventually(t, func() bool { return sess.ListenerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sess.Open(), "a disconnect must not close the session")

	// The unobserved result is dropped, not persisted.
	close(pause)
	assert.Never(t, func() bool {
		return len(transcriptOf(t, st, "s1", "alice")) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestChat_SessionClosedMidStream(t *testing.T) {
	pause := make(chan struct{})
	defer close(pause)
	rt := &agenttest.Runtime{Script: agenttest.Reply("partial", "rest"), Pause: pause}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- chat(t, gw, "alice", ChatRequest{Message: "Hello", SessionID: "s1"}) }()

	require.Eventually(t, func() bool {
		sess, ok := gw.agents.Get("s1")
		return ok && sess.ListenerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	gw.agents.CloseSession("s1")

	select {
	case rec := <-done:
		records := sseRecords(t, rec.Body.String())
		require.NotEmpty(t, records)
		last := decodeRecord(t, records[len(records)-1])
		assert.Equal(t, "error", last["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the session closed")
	}
	assert.Empty(t, transcriptOf(t, st, "s1", "alice"))
}

func TestChat_ToolUseRecord(t *testing.T) {
	rt := &agenttest.Runtime{Script: func(agent.Turn) ([]agent.Event, error) {
		return []agent.Event{
			agent.ToolUseEvent("tu_1", "WebSearch", json.RawMessage(`{"query":"solar"}`)),
			agent.TextEvent("Found it."),
			agent.ResultEvent(true, "success"),
		}, nil
	}}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	records := sseRecords(t, chat(t, gw, "alice", ChatRequest{Message: "research", SessionID: "s1"}).Body.String())
	require.Len(t, records, 4)
	assert.JSONEq(t, `{"type":"tool_use","toolName":"WebSearch","toolInput":{"query":"solar"}}`, records[0])

	transcript := transcriptOf(t, st, "s1", "alice")
	require.Len(t, transcript, 2)
	assert.Equal(t, "Found it.", transcript[1].Content)
}

func TestChat_FailedResultStillPersistsAndCompletes(t *testing.T) {
	rt := &agenttest.Runtime{Script: func(agent.Turn) ([]agent.Event, error) {
		return []agent.Event{agent.ResultEvent(false, "error_max_turns")}, nil
	}}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	records := sseRecords(t, chat(t, gw, "alice", ChatRequest{Message: "again", SessionID: "s1"}).Body.String())
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"type":"result","success":false}`, records[0])
	assert.Equal(t, "[DONE]", records[1])
	assert.Len(t, transcriptOf(t, st, "s1", "alice"), 2)
}

func TestChat_PersistFailureStillEndsStream(t *testing.T) {
	gw, st := newTestGateway(t, &agenttest.Runtime{Script: agenttest.Reply("ok")})
	seedSession(t, st, "s1", "alice")
	st.AppendErr = errors.New("disk full")

	records := sseRecords(t, chat(t, gw, "alice", ChatRequest{Message: "hi", SessionID: "s1"}).Body.String())
	require.Len(t, records, 3)
	assert.JSONEq(t, `{"type":"result","success":true}`, records[1])
	assert.Equal(t, "[DONE]", records[2])
}

func TestChat_AttachmentsReachProcessButNotTranscript(t *testing.T) {
	rt := &agenttest.Runtime{Script: agenttest.Reply("read it")}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	rec := chat(t, gw, "alice", ChatRequest{
		Message:   "Summarize",
		SessionID: "s1",
		Files:     []Attachment{{Name: "notes.md", Content: "# Q3"}, {Name: "brief.txt", Content: "grow"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	turns := rt.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "Summarize\n\nUploaded files:\nFile: notes.md\nContent:\n# Q3\n\nFile: brief.txt\nContent:\ngrow", turns[0].Content)

	transcript := transcriptOf(t, st, "s1", "alice")
	require.Len(t, transcript, 2)
	assert.Equal(t, "Summarize", transcript[0].Content)
}

func TestChat_SeedsNewProcessFromTranscript(t *testing.T) {
	rt := &agenttest.Runtime{}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")
	require.NoError(t, st.AppendTranscript(context.Background(), "s1", "alice",
		store.TranscriptEntry{Role: store.RoleUser, Content: "earlier"},
		store.TranscriptEntry{Role: store.RoleAssistant, Content: "reply"},
	))

	chat(t, gw, "alice", ChatRequest{Message: "continue", SessionID: "s1"})

	configs := rt.Configs()
	require.Len(t, configs, 1)
	require.Len(t, configs[0].History, 2)
	assert.Equal(t, agent.RoleUser, configs[0].History[0].Role)
	assert.Equal(t, "reply", configs[0].History[1].Content)
	assert.Equal(t, config.DefaultSystemPrompt, configs[0].SystemPrompt)
}

func TestChat_Rejections(t *testing.T) {
	rt := &agenttest.Runtime{}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	tests := []struct {
		name    string
		owner   string
		req     ChatRequest
		status  int
		wantErr string
	}{
		{"missing message", "alice", ChatRequest{SessionID: "s1"}, http.StatusBadRequest, "Missing required fields: message, sessionId"},
		{"missing session", "alice", ChatRequest{Message: "hi"}, http.StatusBadRequest, "Missing required fields: message, sessionId"},
		{"unknown session", "alice", ChatRequest{Message: "hi", SessionID: "nope"}, http.StatusNotFound, "Session not found"},
		{"foreign session", "mallory", ChatRequest{Message: "hi", SessionID: "s1"}, http.StatusNotFound, "Session not found"},
		{"bad attachment type", "alice", ChatRequest{Message: "hi", SessionID: "s1", Files: []Attachment{{Name: "a.exe", Content: "x"}}}, http.StatusBadRequest, "unsupported file type"},
		{"empty attachment", "alice", ChatRequest{Message: "hi", SessionID: "s1", Files: []Attachment{{Name: "a.txt"}}}, http.StatusBadRequest, "is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := chat(t, gw, tt.owner, tt.req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, decodeJSON(t, rec)["error"], tt.wantErr)
		})
	}

	assert.Equal(t, 0, rt.Starts(), "rejected requests must not start a process")
	assert.Equal(t, 0, gw.agents.Len())
}

func TestChat_InvalidJSON(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/agent/chat", strings.NewReader("{"))
	req.Header.Set(auth.OwnerHeader, "alice")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_StartFailureIsPlainError(t *testing.T) {
	rt := &agenttest.Runtime{StartErr: errors.New("no binary")}
	gw, st := newTestGateway(t, rt)
	seedSession(t, st, "s1", "alice")

	rec := chat(t, gw, "alice", ChatRequest{Message: "hi", SessionID: "s1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, 0, gw.agents.Len())
}

func TestChat_IdempotencyKey(t *testing.T) {
	gw, st := newTestGateway(t, &agenttest.Runtime{})
	seedSession(t, st, "s1", "alice")

	send := func(owner, sessionID string) *httptest.ResponseRecorder {
		body := `{"message":"hi","sessionId":"` + sessionID + `"}`
		req := httptest.NewRequest(http.MethodPost, "/api/agent/chat", strings.NewReader(body))
		req.Header.Set(auth.OwnerHeader, owner)
		req.Header.Set("Idempotency-Key", "req-42")
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)
		return rec
	}

	// A rejected request releases its key.
	assert.Equal(t, http.StatusNotFound, send("alice", "missing").Code)

	assert.Equal(t, http.StatusOK, send("alice", "s1").Code)
	assert.Equal(t, http.StatusConflict, send("alice", "s1").Code)

	// Keys are scoped per owner.
	assert.Equal(t, http.StatusNotFound, send("bob", "s1").Code)
}

func TestChat_RateLimited(t *testing.T) {
	gw, st := newTestGateway(t, &agenttest.Runtime{}, func(c *config.Config) {
		c.Agent.ChatRatePerMinute = 1
		c.Agent.ChatBurst = 1
	})
	seedSession(t, st, "s1", "alice")
	seedSession(t, st, "s2", "bob")

	assert.Equal(t, http.StatusOK, chat(t, gw, "alice", ChatRequest{Message: "hi", SessionID: "s1"}).Code)

	rec := chat(t, gw, "alice", ChatRequest{Message: "again", SessionID: "s1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, chat(t, gw, "bob", ChatRequest{Message: "hi", SessionID: "s2"}).Code)
}

func TestValidateAttachments(t *testing.T) {
	assert.NoError(t, validateAttachments(nil))
	assert.NoError(t, validateAttachments([]Attachment{{Name: "Deck.PDF", Content: "text"}}))
	assert.Error(t, validateAttachments([]Attachment{{Name: "", Content: "x"}}))
	assert.Error(t, validateAttachments([]Attachment{{Name: "big.txt", Content: strings.Repeat("a", maxAttachmentBytes+1)}}))
}

func TestChunkFor(t *testing.T) {
	m := chunkFor(agent.ToolUseEvent("id", "Read", nil))
	assert.Equal(t, "tool_use", m["type"])
	assert.JSONEq(t, `{}`, string(m["toolInput"].(json.RawMessage)))

	assert.Equal(t, "Unknown error", chunkFor(agent.ErrorEvent(""))["content"])
	assert.Equal(t, "error", chunkFor(agent.Event{Type: "bogus"})["type"])
}

// vanishingStore deletes a record right after its first successful lookup,
// as a concurrent DELETE would.
type vanishingStore struct {
	*store.MockStore
	lookups atomic.Int32
}

func (s *vanishingStore) GetSession(ctx context.Context, sessionID, ownerID string) (*store.AgentSession, error) {
	sess, err := s.MockStore.GetSession(ctx, sessionID, ownerID)
	if err == nil && s.lookups.Add(1) == 1 {
		_ = s.MockStore.DeleteSession(ctx, sessionID, ownerID)
	}
	return sess, err
}

func TestChat_SessionDeletedWhileStarting(t *testing.T) {
	st := &vanishingStore{MockStore: store.NewMockStore()}
	rt := &agenttest.Runtime{}
	gw, err := NewWithDeps(testConfig(t), st, rt, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.agents.Cleanup()
		gw.dedupe.Close()
	})
	seedSession(t, st, "s1", "alice")

	rec := chat(t, gw, "alice", ChatRequest{Message: "hi", SessionID: "s1"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, gw.agents.Len(), "no runtime session may outlive its record")
	assert.Equal(t, 1, rt.Starts())
}
