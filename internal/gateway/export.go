// ABOUTME: Transcript export for GET /api/agent/sessions/{id}/transcript.
// ABOUTME: Renders markdown, HTML (via goldmark) or JSON downloads of a session conversation.

package gateway

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/2389/slideforge/internal/store"
)

// renderMarkdown lays out a transcript as a markdown document.
func renderMarkdown(s *store.AgentSession) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Title)
	fmt.Fprintf(&b, "_Session %s, %s, %d messages_\n", s.SessionID, s.Status, len(s.Transcript))

	for _, e := range s.Transcript {
		speaker := "Assistant"
		switch e.Role {
		case store.RoleUser:
			speaker = "User"
		case store.RoleSystem:
			speaker = "System"
		}
		fmt.Fprintf(&b, "\n## %s\n\n", speaker)
		if !e.Timestamp.IsZero() {
			fmt.Fprintf(&b, "_%s_\n\n", e.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
		}
		b.WriteString(strings.TrimSpace(e.Content))
		b.WriteString("\n")
	}

	if len(s.GeneratedOutline) > 0 {
		b.WriteString("\n## Outline\n\n")
		for i, item := range s.GeneratedOutline {
			fmt.Fprintf(&b, "%d. %s\n", i+1, item)
		}
	}
	return []byte(b.String())
}

// renderHTML converts the markdown export into a standalone page. Raw HTML in
// messages is not passed through.
func renderHTML(s *store.AgentSession) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert(renderMarkdown(s), &body); err != nil {
		return nil, fmt.Errorf("converting transcript: %w", err)
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	page.WriteString(html.EscapeString(s.Title))
	page.WriteString("</title></head><body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

// exportFilename builds a download name from the title.
func exportFilename(s *store.AgentSession, ext string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ' || r == '_':
			return '-'
		}
		return -1
	}, s.Title)
	name = strings.Trim(name, "-")
	if name == "" {
		name = "session-" + s.SessionID
	}
	return name + "." + ext
}

// handleExportTranscript implements GET /api/agent/sessions/{id}/transcript.
func (g *Gateway) handleExportTranscript(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.requireOwner(w, r)
	if !ok {
		return
	}

	sess, err := g.store.GetSession(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		g.storeError(w, "export transcript", err)
		return
	}

	format := r.URL.Query().Get("format")
	var (
		data        []byte
		contentType string
		ext         string
	)
	switch format {
	case "", "markdown", "md":
		data, contentType, ext = renderMarkdown(sess), "text/markdown; charset=utf-8", "md"
	case "html":
		data, err = renderHTML(sess)
		if err != nil {
			g.logger.Error("failed to render transcript", "session_id", sess.SessionID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to render transcript")
			return
		}
		contentType, ext = "text/html; charset=utf-8", "html"
	case "json":
		transcript := sess.Transcript
		if transcript == nil {
			transcript = []store.TranscriptEntry{}
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+exportFilename(sess, "json")+`"`)
		g.sendJSON(w, http.StatusOK, map[string]any{
			"sessionId": sess.SessionID,
			"title":     sess.Title,
			"messages":  transcript,
		})
		return
	default:
		g.sendJSONError(w, http.StatusBadRequest, "format must be markdown, html or json")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportFilename(sess, ext)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
