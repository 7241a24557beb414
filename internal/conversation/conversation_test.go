package conversation

import (
	"errors"
	"strings"
	"testing"
)

func TestFlatten(t *testing.T) {
	stored := []Message{
		{Role: RoleUser, Parts: []Part{TextPart("List vacant spaces")}},
		{Role: RoleAssistant, Parts: []Part{
			TextPart("Let me check. "),
			{Type: PartToolInvocation, ToolCallID: "call_0", ToolName: "list_spaces", State: ToolErrored, Error: "unavailable"},
			TextPart("The data service is down."),
		}},
		{Role: RoleAssistant, Parts: []Part{
			{Type: PartToolInvocation, ToolCallID: "call_1", ToolName: "describe_schema", State: ToolSucceeded},
		}},
	}

	got := Flatten(stored)
	if len(got) != 2 {
		t.Fatalf("Flatten = %d messages, want 2", len(got))
	}
	for _, m := range got {
		for _, p := range m.Parts {
			if p.Type != PartText {
				t.Errorf("tool part survived flattening: %+v", p)
			}
		}
	}
	if got[1].Text() != "Let me check. The data service is down." {
		t.Errorf("assistant text = %q", got[1].Text())
	}
	if len(stored[1].Parts) != 3 {
		t.Error("Flatten must not modify its input")
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{"short", "Vacant spaces?", 80, "Vacant spaces?"},
		{"whitespace collapsed", "  which\tleases\n\nexpire ", 80, "which leases expire"},
		{"cut with ellipsis", strings.Repeat("a", 100), 80, strings.Repeat("a", 80) + "…"},
		{"runes not bytes", strings.Repeat("é", 81), 80, strings.Repeat("é", 80) + "…"},
		{"default limit", strings.Repeat("b", 81), 0, strings.Repeat("b", 80) + "…"},
		{"empty", "   ", 80, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Title(tt.text, tt.limit); got != tt.want {
				t.Errorf("Title() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolStateTransitions(t *testing.T) {
	p := ToolPart("call_0", "list_spaces")
	for _, next := range []ToolState{ToolInputStreaming, ToolExecuting, ToolSucceeded} {
		if err := p.Advance(next); err != nil {
			t.Fatalf("Advance(%s): %v", next, err)
		}
	}
	if !p.State.Terminal() {
		t.Error("succeeded should be terminal")
	}
	if err := p.Advance(ToolErrored); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal state moved: %v", err)
	}

	q := ToolPart("call_1", "get_lease")
	if err := q.Advance(ToolSucceeded); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> succeeded should be rejected, got %v", err)
	}
	text := TextPart("hi")
	if err := text.Advance(ToolExecuting); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("text part advanced: %v", err)
	}
}

func TestMessageToolNames(t *testing.T) {
	m := Message{Role: RoleAssistant, Parts: []Part{
		ToolPart("a", "list_leases"), TextPart("x"), ToolPart("b", "get_tenant"),
	}}
	if got := strings.Join(m.ToolNames(), ","); got != "list_leases,get_tenant" {
		t.Errorf("ToolNames = %s", got)
	}
}
