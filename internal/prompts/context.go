package prompts

import (
	"fmt"
	"strings"
)

// RequestContext is what the dynamic suffix reports about the caller and
// the screen they are on. Callers pass already-sorted filter pairs.
type RequestContext struct {
	OrgID        string
	UserID       string
	Role         string
	Date         string
	Page         string
	PortfolioID  string
	EntityType   string
	EntityID     string
	Filters      [][2]string
	SelectedText string
	// StructuredJSON is the typed context object as compact JSON, or empty.
	StructuredJSON string
}

// explainTemplate is appended when the user highlighted something. The
// format verbs are the highlighted text and the structured context.
const explainTemplate = `
## Explain this selection
The user highlighted the following value on screen and wants it explained:
"""
%s
"""
Context supplied with the selection: %s
Explain what this specific value means, how it is derived, and what drives it, using the context above and tool calls where needed. Start with the value itself.`

// DynamicContext renders the per-request part of the system prompt. It is
// never cached.
func DynamicContext(rc RequestContext) string {
	var sb strings.Builder
	sb.WriteString("## Current session\n")
	fmt.Fprintf(&sb, "- Organization: %s\n", rc.OrgID)
	fmt.Fprintf(&sb, "- User: %s (role: %s)\n", rc.UserID, rc.Role)
	if rc.Date != "" {
		fmt.Fprintf(&sb, "- Today: %s\n", rc.Date)
	}
	if rc.Page != "" {
		fmt.Fprintf(&sb, "- Current page: %s\n", rc.Page)
	}
	if rc.PortfolioID != "" {
		fmt.Fprintf(&sb, "- Selected portfolio: %s\n", rc.PortfolioID)
	}
	if rc.EntityType != "" {
		fmt.Fprintf(&sb, "- Viewing %s %s\n", rc.EntityType, rc.EntityID)
	}
	if len(rc.Filters) > 0 {
		sb.WriteString("- Active filters:")
		for _, kv := range rc.Filters {
			fmt.Fprintf(&sb, " %s=%s;", kv[0], kv[1])
		}
		sb.WriteByte('\n')
	}

	if rc.SelectedText != "" || rc.StructuredJSON != "" {
		structured := rc.StructuredJSON
		if structured == "" {
			structured = "none"
		}
		fmt.Fprintf(&sb, explainTemplate, rc.SelectedText, structured)
		sb.WriteByte('\n')
	}
	return sb.String()
}
