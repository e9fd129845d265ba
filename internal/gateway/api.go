// ABOUTME: HTTP API handlers for owner-scoped agent session CRUD.
// ABOUTME: Covers create/list/get/update/delete, runtime teardown and generated artifacts.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/slideforge/internal/auth"
	"github.com/2389/slideforge/internal/store"
)

// DefaultSessionTitle is used when a session is created without a title.
const DefaultSessionTitle = "New Agent Session"

// maxJSONBody bounds CRUD request bodies.
const maxJSONBody = 1 << 20

// SessionResponse is the JSON form of a persisted session.
type SessionResponse struct {
	ID               string                  `json:"id"`
	SessionID        string                  `json:"sessionId"`
	OwnerID          string                  `json:"ownerId"`
	Title            string                  `json:"title"`
	Status           string                  `json:"status"`
	Messages         []store.TranscriptEntry `json:"messages,omitempty"`
	MessageCount     int                     `json:"messageCount"`
	GeneratedOutline []string                `json:"generatedOutline,omitempty"`
	GeneratedSlides  json.RawMessage         `json:"generatedSlides,omitempty"`
	Live             bool                    `json:"live"`
	CreatedAt        time.Time               `json:"createdAt"`
	UpdatedAt        time.Time               `json:"updatedAt"`
	LastActivityAt   time.Time               `json:"lastActivityAt"`
}

// CreateSessionRequest is the JSON body of POST /api/agent/sessions.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// UpdateSessionRequest is the JSON body of PATCH /api/agent/sessions/{id}.
type UpdateSessionRequest struct {
	Title  *string `json:"title"`
	Status *string `json:"status"`
}

func (g *Gateway) sessionResponse(s *store.AgentSession) SessionResponse {
	_, live := g.agents.Get(s.SessionID)
	return SessionResponse{
		ID:               s.SessionID,
		SessionID:        s.SessionID,
		OwnerID:          s.OwnerID,
		Title:            s.Title,
		Status:           string(s.Status),
		Messages:         s.Transcript,
		MessageCount:     s.MessageCount,
		GeneratedOutline: s.GeneratedOutline,
		GeneratedSlides:  s.GeneratedSlides,
		Live:             live,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		LastActivityAt:   s.LastActivityAt,
	}
}

// requireOwner returns the caller, answering 401 when there is none.
func (g *Gateway) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := auth.OwnerFromContext(r.Context())
	if owner == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}
	return owner, true
}

// storeError maps a store error onto a response.
func (g *Gateway) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, store.ErrInvalidStatus):
		g.sendJSONError(w, http.StatusBadRequest, "status must be one of active, completed, archived")
	default:
		g.logger.Error("store operation failed", "op", op, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// handleListSessions implements GET /api/agent/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.requireOwner(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := g.store.ListSessions(r.Context(), owner, limit)
	if err != nil {
		g.storeError(w, "fetch sessions", err)
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, g.sessionResponse(s))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"count":    len(out),
	})
}

// handleCreateSession implements POST /api/agent/sessions.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.requireOwner(w, r)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = DefaultSessionTitle
	}

	sess := &store.AgentSession{
		ID:        uuid.New().String(),
		SessionID: uuid.New().String(),
		OwnerID:   owner,
		Title:     title,
		Status:    store.StatusActive,
	}
	if err := g.store.CreateSession(r.Context(), sess); err != nil {
		g.storeError(w, "create session", err)
		return
	}

	g.logger.Info("session created", "session_id", sess.SessionID, "owner", owner)
	g.sendJSON(w, http.StatusCreated, map[string]any{
		"session": g.sessionResponse(sess),
		"message": "Session created successfully",
	})
}

// handleGetSession implements GET /api/agent/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.requireOwner(w, r)
	if !ok {
		return
	}

	sess, err := g.store.GetSession(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		g.storeError(w, "fetch session", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"session": g.sessionResponse(sess)})
}

// handleUpdateSession implements PATCH /api/agent/sessions/{id}.
func (g *Gateway) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.requireOwner(w, r)
	if !ok {
		return
	}

	var req UpdateSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var update store.SessionUpdate
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			g.sendJSONError(w, http.StatusBadRequest, "title must not be empty")
			return
		}
		update.Title = &title
	}
	if req.Status != nil {
		status := store.SessionStatus(*req.Status)
		if !status.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "status must be one of active, completed, archived")
			return
		}
		update.Status = &status
	}

	sess, err := g.store.UpdateSession(r.Context(), r.PathValue("id"), owner, update)
	if err != nil {
		g.storeError(w, "update session", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"session": g.sessionResponse(sess),
		"message": "Session updated successfully",
	})
}

// handleDeleteSession implements DELETE /api/agent/sessions/{id}. The live
// agent session goes first so no request can reach it with stale state.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.requireOwner(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	if _, err := g.store.GetSession(r.Context(), id, owner); err != nil {
		g.storeError(w, "delete session", err)
		return
	}

	g.agents.CloseSession(id)

	if err := g.store.DeleteSession(r.Context(), id, owner); err != nil {
		g.storeError(w, "delete session", err)
		return
	}
	// A chat turn that passed its lookup before the delete may have started
	// a new process in between.
	g.agents.CloseSession(id)

	g.logger.Info("session deleted", "session_id", id, "owner", owner)
	g.sendJSON(w, http.StatusOK, map[string]any{"message": "Session deleted successfully"})
}

// handleCloseSession implements POST /api/agent/sessions/{id}/close. The
// persisted record is kept; the next chat turn starts a fresh process
// seeded from the transcript.
func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.requireOwner(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	if _, err := g.store.GetSession(r.Context(), id, owner); err != nil {
		g.storeError(w, "close session", err)
		return
	}

	closed := g.agents.CloseSession(id)
	g.sendJSON(w, http.StatusOK, map[string]any{
		"message": "Session closed",
		"closed":  closed,
	})
}

// handleSaveOutline implements PUT /api/agent/sessions/{id}/outline.
func (g *Gateway) handleSaveOutline(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.requireOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		Outline []string `json:"outline"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Outline == nil {
		g.sendJSONError(w, http.StatusBadRequest, "outline is required")
		return
	}

	if err := g.store.SaveOutline(r.Context(), r.PathValue("id"), owner, req.Outline); err != nil {
		g.storeError(w, "save outline", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"message": "Outline saved"})
}

// handleSaveSlides implements PUT /api/agent/sessions/{id}/slides.
func (g *Gateway) handleSaveSlides(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.requireOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		Slides json.RawMessage `json:"slides"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Slides) == 0 || string(req.Slides) == "null" {
		g.sendJSONError(w, http.StatusBadRequest, "slides is required")
		return
	}

	if err := g.store.SaveSlides(r.Context(), r.PathValue("id"), owner, req.Slides); err != nil {
		g.storeError(w, "save slides", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"message": "Slides saved"})
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
