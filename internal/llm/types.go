package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the transcript sent to a model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// Cacheable marks a system message whose bytes are stable across
	// requests. Providers that support prompt caching place a cache
	// breakpoint after it.
	Cacheable bool `json:"-"`
}

// ToolFunction names the tool and carries its parsed arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall is a tool invocation requested by the model. ID pairs the call
// with its result message.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ChatResponse is the provider-neutral result of one model turn.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	InputTokens  int
	OutputTokens int
	// CacheReadTokens and CacheWriteTokens are prompt tokens served from
	// or written to the provider's prompt cache.
	CacheReadTokens  int
	CacheWriteTokens int

	// StopReason is the provider's reason for ending the turn, e.g.
	// "end_turn", "tool_use", "max_tokens".
	StopReason string
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text delta.
	KindToken StreamEventKind = iota
	// KindToolCallStart fires when the model begins a tool call. Only the
	// id and name are known; arguments are still streaming.
	KindToolCallStart
)

// StreamEvent is delivered to a StreamCallback while a turn streams.
type StreamEvent struct {
	Kind     StreamEventKind
	Token    string
	ToolCall *ToolCall
}

// StreamCallback receives stream events in arrival order.
type StreamCallback func(event StreamEvent)
