// ABOUTME: Tests for Gateway construction, health endpoints and lifecycle
// ABOUTME: Shared helpers build gateways over MockStore and the scripted runtime

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/slideforge/internal/agent"
	"github.com/2389/slideforge/internal/agent/agenttest"
	"github.com/2389/slideforge/internal/auth"
	"github.com/2389/slideforge/internal/backend/echo"
	"github.com/2389/slideforge/internal/config"
	"github.com/2389/slideforge/internal/store"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a valid dev-mode config on a free local port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.Server.HTTPAddr = addr
	cfg.Database.Path = filepath.Join(t.TempDir(), "slideforge.db")
	return cfg
}

// newTestGateway builds a gateway over a MockStore. Options may adjust the
// config before wiring.
func newTestGateway(t *testing.T, rt agent.Runtime, opts ...func(*config.Config)) (*Gateway, *store.MockStore) {
	t.Helper()

	cfg := testConfig(t)
	for _, opt := range opts {
		opt(cfg)
	}
	if rt == nil {
		rt = &agenttest.Runtime{}
	}

	st := store.NewMockStore()
	gw, err := NewWithDeps(cfg, st, rt, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.agents.Cleanup()
		gw.dedupe.Close()
	})
	return gw, st
}

// seedSession stores a session owned by owner.
func seedSession(t *testing.T, st store.Store, sessionID, owner string) *store.AgentSession {
	t.Helper()
	s := &store.AgentSession{
		ID:        "pk-" + sessionID,
		SessionID: sessionID,
		OwnerID:   owner,
		Title:     "Deck " + sessionID,
	}
	require.NoError(t, st.CreateSession(context.Background(), s))
	return s
}

// doRequest sends a dev-mode request as owner through the full handler stack.
func doRequest(t *testing.T, gw *Gateway, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set(auth.OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := doRequest(t, gw, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReady(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := doRequest(t, gw, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready (0 sessions")
}

type failingPingStore struct {
	*store.MockStore
}

func (failingPingStore) Ping(context.Context) error { return errors.New("disk gone") }

func TestReady_DatabaseDown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := NewWithDeps(cfg, failingPingStore{store.NewMockStore()}, &agenttest.Runtime{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(gw.dedupe.Close)

	rec := doRequest(t, gw, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewWithDeps_RejectsWeakSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := NewWithDeps(cfg, store.NewMockStore(), &agenttest.Runtime{}, testLogger())
	assert.ErrorIs(t, err, auth.ErrWeakSecret)
}

func TestAPI_RequiresTokenWhenSecretSet(t *testing.T) {
	secret := "gateway-test-secret-32-bytes-ok!"
	gw, st := newTestGateway(t, nil, func(c *config.Config) { c.Auth.JWTSecret = secret })
	seedSession(t, st, "s1", "alice")

	// The dev header is ignored once a secret is configured.
	rec := doRequest(t, gw, http.MethodGet, "/api/agent/sessions", "alice", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/agent/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeJSON(t, rec)["count"])
}

func TestNewRuntime(t *testing.T) {
	cfg := config.Default()

	rt, err := newRuntime(cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &echo.Runtime{}, rt)

	cfg.Agent.Backend = config.BackendClaudeCLI
	_, err = newRuntime(cfg, testLogger())
	require.NoError(t, err)

	cfg.Agent.Backend = config.BackendAnthropic
	cfg.Agent.Model = "claude-sonnet-4-5"
	cfg.Anthropic.APIKey = ""
	_, err = newRuntime(cfg, testLogger())
	assert.Error(t, err, "anthropic backend without a key must fail")

	cfg.Agent.Backend = "nope"
	_, err = newRuntime(cfg, testLogger())
	assert.Error(t, err)
}

func TestGateway_RunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	url := "http://" + cfg.Server.HTTPAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	// A full round trip through SQLite and the echo backend.
	req, _ := http.NewRequest(http.MethodPost, url+"/api/agent/sessions", strings.NewReader(`{"title":"Quarterly review"}`))
	req.Header.Set(auth.OwnerHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		Session SessionResponse `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := `{"message":"three slides please","sessionId":"` + created.Session.SessionID + `"}`
	req, _ = http.NewRequest(http.MethodPost, url+"/api/agent/chat", strings.NewReader(body))
	req.Header.Set(auth.OwnerHeader, "alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	stream, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(stream), "data: [DONE]\n\n"), "stream: %s", stream)
	assert.Equal(t, 1, gw.Agents().Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, gw.Agents().Len(), "shutdown must close live sessions")
}

func TestNewWithDeps_RegistryLogsCarryOneComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	st := store.NewMockStore()
	gw, err := NewWithDeps(testConfig(t), st, &agenttest.Runtime{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.agents.Cleanup()
		gw.dedupe.Close()
	})

	_, err = gw.agents.GetOrCreate("s1", nil)
	require.NoError(t, err)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(line, "agent session started") {
			continue
		}
		found = true
		assert.Equal(t, 1, strings.Count(line, `"component"`), line)
		assert.Contains(t, line, `"component":"agent_service"`)
	}
	assert.True(t, found, "registry log line missing: %s", buf.String())
}
