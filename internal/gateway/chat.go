// ABOUTME: Streaming response adapter for POST /api/agent/chat.
// ABOUTME: Turns one user turn into an SSE stream of session events and persists the exchange.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/2389/slideforge/internal/agent"
	"github.com/2389/slideforge/internal/auth"
	"github.com/2389/slideforge/internal/dedupe"
	"github.com/2389/slideforge/internal/store"
)

const (
	// maxAttachmentBytes bounds the text content of a single uploaded file.
	maxAttachmentBytes = 16 << 20
	// maxChatBody bounds the whole request, attachments included.
	maxChatBody = 64 << 20
	// eventBuffer is how many events a slow client may fall behind before
	// the session's pump waits for it.
	eventBuffer = 64
	// persistTimeout bounds the transcript write after a result.
	persistTimeout = 5 * time.Second
)

var supportedAttachmentExts = []string{".txt", ".md", ".docx", ".pdf"}

// ChatRequest is the JSON body of POST /api/agent/chat.
type ChatRequest struct {
	Message   string       `json:"message"`
	SessionID string       `json:"sessionId"`
	Files     []Attachment `json:"files,omitempty"`
}

// Attachment is an uploaded file whose text was extracted by the client.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// validateAttachments rejects unsupported, empty and oversized files.
func validateAttachments(files []Attachment) error {
	for _, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			return errors.New("attachment name is required")
		}
		ext := strings.ToLower(filepath.Ext(f.Name))
		if !slices.Contains(supportedAttachmentExts, ext) {
			return fmt.Errorf("unsupported file type %q for %s (supported: %s)", ext, f.Name, strings.Join(supportedAttachmentExts, ", "))
		}
		if f.Content == "" {
			return fmt.Errorf("file %s is empty", f.Name)
		}
		if len(f.Content) > maxAttachmentBytes {
			return fmt.Errorf("file %s exceeds %d MiB", f.Name, maxAttachmentBytes>>20)
		}
	}
	return nil
}

// buildTurn appends attachment text to the user's message.
func buildTurn(message string, files []Attachment) string {
	if len(files) == 0 {
		return message
	}
	parts := make([]string, len(files))
	for i, f := range files {
		parts[i] = "File: " + f.Name + "\nContent:\n" + f.Content
	}
	return message + "\n\nUploaded files:\n" + strings.Join(parts, "\n\n")
}

// historyFromTranscript converts persisted entries into process history.
func historyFromTranscript(entries []store.TranscriptEntry) []agent.Turn {
	if len(entries) == 0 {
		return nil
	}
	turns := make([]agent.Turn, 0, len(entries))
	for _, e := range entries {
		turns = append(turns, agent.Turn{
			Role:      agent.Role(e.Role),
			Content:   e.Content,
			Timestamp: e.Timestamp,
		})
	}
	return turns
}

// chunkFor maps a session event to its client-facing JSON record.
func chunkFor(ev agent.Event) map[string]any {
	switch ev.Type {
	case agent.EventAssistantText:
		return map[string]any{"type": "assistant_message", "content": ev.Text}
	case agent.EventToolUse:
		if ev.ToolUse == nil {
			return errorChunk("malformed tool_use event")
		}
		input := ev.ToolUse.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return map[string]any{"type": "tool_use", "toolName": ev.ToolUse.Name, "toolInput": input}
	case agent.EventResult:
		success := ev.Result != nil && ev.Result.Success
		return map[string]any{"type": "result", "success": success}
	case agent.EventError:
		return errorChunk(ev.Error)
	default:
		return errorChunk("unknown event " + string(ev.Type))
	}
}

func errorChunk(msg string) map[string]any {
	if msg == "" {
		msg = "Unknown error"
	}
	return map[string]any{"type": "error", "content": msg}
}

// sseWriter writes data-only SSE records and flushes after each one.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse record: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleChat implements POST /api/agent/chat.
//
// Every rejection happens before the agent session is touched: auth,
// validation, rate limit, idempotency and ownership. After that the response
// is an SSE stream and failures become error records.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	if owner == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" || req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "Missing required fields: message, sessionId")
		return
	}
	if err := validateAttachments(req.Files); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !g.limiter.Allow(owner) {
		w.Header().Set("Retry-After", "60")
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var idemKey string
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && g.dedupe != nil {
		idemKey = dedupe.Key(owner, key)
		if !g.dedupe.Claim(idemKey) {
			g.sendJSONError(w, http.StatusConflict, "duplicate request")
			return
		}
	}
	release := func() {
		if idemKey != "" {
			g.dedupe.Release(idemKey)
		}
	}

	record, err := g.store.GetSession(r.Context(), req.SessionID, owner)
	if errors.Is(err, store.ErrNotFound) {
		release()
		g.sendJSONError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		release()
		g.logger.Error("failed to load session", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		release()
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sess, err := g.agents.GetOrCreate(req.SessionID, &agent.Config{
		History: historyFromTranscript(record.Transcript),
	})
	if err != nil {
		release()
		g.logger.Error("failed to start agent session", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to start agent session")
		return
	}
	// The record may have been deleted while the process was starting.
	if _, err := g.store.GetSession(r.Context(), req.SessionID, owner); errors.Is(err, store.ErrNotFound) {
		g.agents.CloseSession(req.SessionID)
		release()
		g.sendJSONError(w, http.StatusNotFound, "Session not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ex := &exchange{
		gw:        g,
		sse:       &sseWriter{w: w, flusher: flusher},
		sess:      sess,
		owner:     owner,
		sessionID: req.SessionID,
		message:   req.Message,
	}
	ex.run(r.Context(), buildTurn(req.Message, req.Files))
}

// exchange streams one turn of one session to one client.
type exchange struct {
	gw        *Gateway
	sse       *sseWriter
	sess      *agent.Session
	owner     string
	sessionID string
	message   string

	reply strings.Builder
}

// run registers a listener, sends the turn and relays events until a
// terminal event, a client disconnect or the end of the session. The
// listener is always removed before run returns. A disconnect never closes
// the session.
func (ex *exchange) run(ctx context.Context, turn string) {
	logger := ex.gw.logger.With("session_id", ex.sessionID)

	events := make(chan agent.Event, eventBuffer)
	stop := make(chan struct{})
	listener := agent.ListenerFunc(func(ev agent.Event) {
		select {
		case events <- ev:
		case <-stop:
		}
	})

	ex.sess.AddListener(listener)
	defer func() {
		close(stop)
		ex.sess.RemoveListener(listener)
	}()

	if err := ex.sess.SendMessage(turn); err != nil {
		logger.Warn("failed to send turn", "error", err)
		ex.write(errorChunk(err.Error()))
		return
	}

	for {
		select {
		case ev := <-events:
			if ex.handle(ev) {
				return
			}
		case <-ctx.Done():
			logger.Debug("client disconnected before result")
			return
		case <-ex.sess.Done():
			// The pump broadcasts before it stops, so anything it sent is
			// already buffered.
			if ex.drain(events) {
				return
			}
			ex.write(errorChunk(agent.ErrSessionClosed.Error()))
			return
		}
	}
}

// drain handles buffered events and reports whether a terminal one was seen.
func (ex *exchange) drain(events <-chan agent.Event) bool {
	for {
		select {
		case ev := <-events:
			if ex.handle(ev) {
				return true
			}
		default:
			return false
		}
	}
}

// handle relays one event and reports whether the exchange is over.
func (ex *exchange) handle(ev agent.Event) bool {
	switch ev.Type {
	case agent.EventAssistantText:
		ex.reply.WriteString(ev.Text)
		ex.write(chunkFor(ev))
		return false
	case agent.EventToolUse:
		ex.write(chunkFor(ev))
		return false
	case agent.EventResult:
		ex.write(chunkFor(ev))
		ex.persist()
		if err := ex.sse.done(); err != nil {
			ex.gw.logger.Debug("failed to write done marker", "session_id", ex.sessionID, "error", err)
		}
		return true
	case agent.EventError:
		ex.write(chunkFor(ev))
		return true
	default:
		ex.gw.logger.Warn("ignoring unknown event", "session_id", ex.sessionID, "type", ev.Type)
		return false
	}
}

func (ex *exchange) write(v any) {
	if err := ex.sse.send(v); err != nil {
		ex.gw.logger.Debug("failed to write sse record", "session_id", ex.sessionID, "error", err)
	}
}

// persist appends the user turn and the collected reply. A failure is
// logged only: the client has already seen a complete exchange.
func (ex *exchange) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	now := time.Now().UTC()
	err := ex.gw.store.AppendTranscript(ctx, ex.sessionID, ex.owner,
		store.TranscriptEntry{Role: store.RoleUser, Content: ex.message, Timestamp: now},
		store.TranscriptEntry{Role: store.RoleAssistant, Content: ex.reply.String(), Timestamp: now},
	)
	if err != nil {
		ex.gw.logger.Error("failed to persist transcript", "session_id", ex.sessionID, "error", err)
	}
}
