package agent

// EventType names a stream event.
type EventType string

const (
	EventTextDelta        EventType = "text-delta"
	EventToolCallStarted  EventType = "tool-call-started"
	EventToolCallFinished EventType = "tool-call-finished"
	EventDone             EventType = "done"
	EventError            EventType = "error"
)

// Finish reasons carried by the done event.
const (
	FinishStop      = "stop"
	FinishStepLimit = "step-limit"
)

// Usage aggregates token counts across every model turn of an exchange.
type Usage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
}

func (u *Usage) add(in, out, cacheRead, cacheWrite int) {
	u.InputTokens += in
	u.OutputTokens += out
	u.CacheReadTokens += cacheRead
	u.CacheWriteTokens += cacheWrite
}

// Event is one item of an exchange's output stream.
type Event struct {
	Type EventType `json:"type"`

	// Delta is set on text-delta.
	Delta string `json:"delta,omitempty"`

	// Tool fields are set on tool-call-started and tool-call-finished.
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`

	// Done fields.
	FinishReason string   `json:"finishReason,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"`
	ToolNames    []string `json:"toolNames,omitempty"`
}
