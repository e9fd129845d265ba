// ABOUTME: Output events emitted by a conversational process and the listener interface.
// ABOUTME: Events form a closed set: assistant_text, tool_use, result and error.

package agent

import "encoding/json"

// EventType discriminates the Event variants.
type EventType string

const (
	// EventAssistantText carries partial or full assistant text.
	EventAssistantText EventType = "assistant_text"
	// EventToolUse reports a capability invoked by the process.
	EventToolUse EventType = "tool_use"
	// EventResult terminates an exchange with a success flag.
	EventResult EventType = "result"
	// EventError terminates an exchange with a message.
	EventError EventType = "error"
)

// ToolUse describes an invoked tool.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result is the outcome of a completed exchange.
type Result struct {
	Success bool
	// Subtype is the backend's own classification, e.g. "success" or "error_max_turns".
	Subtype string
	// Message optionally explains a failed result.
	Message string
}

// Event is a tagged variant. Exactly one payload field is set, matching Type.
type Event struct {
	Type    EventType
	Text    string   // EventAssistantText
	ToolUse *ToolUse // EventToolUse
	Result  *Result  // EventResult
	Error   string   // EventError
}

// TextEvent builds an assistant_text event.
func TextEvent(text string) Event {
	return Event{Type: EventAssistantText, Text: text}
}

// ToolUseEvent builds a tool_use event.
func ToolUseEvent(id, name string, input json.RawMessage) Event {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return Event{Type: EventToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// ResultEvent builds a result event.
func ResultEvent(success bool, subtype string) Event {
	return Event{Type: EventResult, Result: &Result{Success: success, Subtype: subtype}}
}

// ErrorEvent builds an error event.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Error: msg}
}

// Terminal reports whether the event ends an exchange.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

// Listener observes a session's events. Implementations must be comparable
// (typically pointer types) so they can be removed again.
type Listener interface {
	OnEvent(Event)
}

// funcListener adapts a function to Listener. It is always used through a
// pointer, which gives each adapter a distinct identity.
type funcListener struct {
	fn func(Event)
}

func (l *funcListener) OnEvent(e Event) { l.fn(e) }

// ListenerFunc wraps fn as a Listener. Every call returns a distinct
// listener, so keep the returned value to remove it later.
func ListenerFunc(fn func(Event)) Listener {
	return &funcListener{fn: fn}
}
