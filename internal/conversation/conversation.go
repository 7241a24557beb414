// Package conversation persists chat transcripts per user.
//
// A conversation may be created twice for the same id: eagerly when the
// first message is sent, and again by the completion handler if the eager
// write never landed. Both paths insert with ON CONFLICT DO NOTHING, so
// exactly one row survives.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/atrium/internal/composer"
)

var (
	// ErrNotFound is returned for missing conversations and for
	// conversations owned by someone else.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidTransition is returned when a tool invocation part is
	// moved to a state it cannot reach.
	ErrInvalidTransition = errors.New("invalid tool invocation transition")
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation sources.
const (
	SourcePage   = "page"
	SourceWidget = "widget"
)

// Part types.
const (
	PartText           = "text"
	PartToolInvocation = "tool-invocation"
)

// ToolState is the lifecycle of a tool invocation part.
type ToolState string

const (
	ToolPending        ToolState = "pending"
	ToolInputStreaming ToolState = "input-streaming"
	ToolExecuting      ToolState = "executing"
	ToolSucceeded      ToolState = "succeeded"
	ToolErrored        ToolState = "errored"
)

var transitions = map[ToolState][]ToolState{
	ToolPending:        {ToolInputStreaming, ToolExecuting, ToolErrored},
	ToolInputStreaming: {ToolExecuting, ToolErrored},
	ToolExecuting:      {ToolSucceeded, ToolErrored},
}

// CanTransition reports whether s may move to next.
func (s ToolState) CanTransition(next ToolState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state.
func (s ToolState) Terminal() bool {
	return s == ToolSucceeded || s == ToolErrored
}

// Part is one piece of a message: text, or a tool invocation.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	State      ToolState      `json:"state,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// TextPart returns a text part.
func TextPart(s string) Part { return Part{Type: PartText, Text: s} }

// ToolPart returns a pending tool invocation part.
func ToolPart(callID, name string) Part {
	return Part{Type: PartToolInvocation, ToolCallID: callID, ToolName: name, State: ToolPending}
}

// Advance moves a tool invocation part to next.
func (p *Part) Advance(next ToolState) error {
	if p.Type != PartToolInvocation {
		return fmt.Errorf("%w: %s part has no lifecycle", ErrInvalidTransition, p.Type)
	}
	if !p.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, next)
	}
	p.State = next
	return nil
}

// Message is one turn of a transcript.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text joins the message's text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolNames lists the tools invoked in the message, in order.
func (m Message) ToolNames() []string {
	var names []string
	for _, p := range m.Parts {
		if p.Type == PartToolInvocation {
			names = append(names, p.ToolName)
		}
	}
	return names
}

// Conversation is a stored transcript.
type Conversation struct {
	ID        string                   `json:"id"`
	OrgID     string                   `json:"orgId"`
	UserID    string                   `json:"userId"`
	Title     string                   `json:"title"`
	Messages  []Message                `json:"messages,omitempty"`
	Context   *composer.RequestContext `json:"context,omitempty"`
	Source    string                   `json:"source"`
	Archived  bool                     `json:"archived"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// Flatten prepares a stored transcript for replay to the model. Tool
// invocation parts are dropped, text parts are kept, and messages left
// with no text are omitted.
func Flatten(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		var parts []Part
		for _, p := range m.Parts {
			if p.Type == PartText && p.Text != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, Message{Role: m.Role, Parts: parts})
	}
	return out
}

// DefaultTitleLength is the title cut-off in runes.
const DefaultTitleLength = 80

// Title derives a title from message text: whitespace is collapsed and the
// result is cut to limit runes, with an ellipsis when cut.
func Title(text string, limit int) string {
	if limit <= 0 {
		limit = DefaultTitleLength
	}
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit])) + "…"
}

func firstUserText(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == RoleUser {
			if t := m.Text(); strings.TrimSpace(t) != "" {
				return t
			}
		}
	}
	return ""
}
