package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nugget/atrium/internal/apperr"
	"github.com/nugget/atrium/internal/composer"
	"github.com/nugget/atrium/internal/conversation"
	"github.com/nugget/atrium/internal/llm"
)

// Request bounds.
const (
	MaxMessages        = 100
	MaxMessageChars    = 16_000
	MaxSelectedChars   = 8_000
	MaxStructuredBytes = 16 << 10
)

// Request is the body of a chat call.
type Request struct {
	Messages       []InboundMessage         `json:"messages"`
	ConversationID string                   `json:"conversationId,omitempty"`
	Context        *composer.RequestContext `json:"context,omitempty"`
	Source         string                   `json:"source,omitempty"`
	Model          string                   `json:"model,omitempty"`
}

// InboundMessage accepts either plain content or UI message parts.
type InboundMessage struct {
	Role    string              `json:"role"`
	Content string              `json:"content,omitempty"`
	Parts   []conversation.Part `json:"parts,omitempty"`
}

// Text returns the message's text. Tool parts are ignored.
func (m InboundMessage) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	return conversation.Message{Role: m.Role, Parts: m.Parts}.Text()
}

// Validate checks the request shape. Problems are reported per field.
func (r *Request) Validate() error {
	fields := make(map[string]string)
	if len(r.Messages) == 0 {
		fields["messages"] = "at least one message is required"
	}
	if len(r.Messages) > MaxMessages {
		fields["messages"] = fmt.Sprintf("at most %d messages are allowed", MaxMessages)
	}
	for i, m := range r.Messages {
		key := fmt.Sprintf("messages[%d]", i)
		switch m.Role {
		case conversation.RoleUser, conversation.RoleAssistant:
		default:
			fields[key+".role"] = "must be user or assistant"
		}
		if utf8.RuneCountInString(m.Text()) > MaxMessageChars {
			fields[key+".content"] = fmt.Sprintf("must be at most %d characters", MaxMessageChars)
		}
	}
	if n := len(r.Messages); n > 0 {
		last := r.Messages[n-1]
		if last.Role != conversation.RoleUser {
			fields["messages"] = "the last message must come from the user"
		} else if strings.TrimSpace(last.Text()) == "" {
			fields[fmt.Sprintf("messages[%d].content", n-1)] = "must not be empty"
		}
	}
	switch r.Source {
	case "", conversation.SourcePage, conversation.SourceWidget:
	default:
		fields["source"] = "must be page or widget"
	}
	if rc := r.Context; rc != nil {
		if utf8.RuneCountInString(rc.SelectedText) > MaxSelectedChars {
			fields["context.selectedText"] = fmt.Sprintf("must be at most %d characters", MaxSelectedChars)
		}
		if len(rc.StructuredContext) > 0 {
			b, err := json.Marshal(rc.StructuredContext)
			if err != nil || len(b) > MaxStructuredBytes {
				fields["context.structuredContext"] = fmt.Sprintf("must be a JSON object under %d bytes", MaxStructuredBytes)
			}
		}
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid chat request", fields)
	}
	return nil
}

// userMessage is the new message that starts this exchange.
func (r *Request) userMessage() conversation.Message {
	last := r.Messages[len(r.Messages)-1]
	return conversation.Message{
		Role:  conversation.RoleUser,
		Parts: []conversation.Part{conversation.TextPart(last.Text())},
	}
}

func (r *Request) transcript() []conversation.Message {
	out := make([]conversation.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts := m.Parts
		if len(parts) == 0 {
			parts = []conversation.Part{conversation.TextPart(m.Content)}
		}
		out = append(out, conversation.Message{Role: m.Role, Parts: parts})
	}
	return out
}

// History converts a transcript for the model, flattening tool parts away.
func History(msgs []conversation.Message) []llm.Message {
	flat := conversation.Flatten(msgs)
	out := make([]llm.Message, 0, len(flat))
	for _, m := range flat {
		out = append(out, llm.Message{Role: m.Role, Content: m.Text()})
	}
	return out
}
