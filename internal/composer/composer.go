// Package composer builds the two-part system prompt for an exchange: a
// stable prefix that providers can cache and a per-request suffix.
package composer

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/llm"
	"github.com/nugget/atrium/internal/prompts"
	"github.com/nugget/atrium/internal/schema"
)

// RequestContext describes where in the UI the user is asking from.
type RequestContext struct {
	Page              string            `json:"page,omitempty"`
	PortfolioID       string            `json:"portfolioId,omitempty"`
	EntityType        string            `json:"entityType,omitempty"`
	EntityID          string            `json:"entityId,omitempty"`
	SelectedText      string            `json:"selectedText,omitempty"`
	StructuredContext map[string]any    `json:"structuredContext,omitempty"`
	Filters           map[string]string `json:"filters,omitempty"`
}

// HasSelection reports whether the user highlighted something to explain.
func (rc RequestContext) HasSelection() bool {
	return rc.SelectedText != "" || len(rc.StructuredContext) > 0
}

// Prompt is a composed system prompt.
type Prompt struct {
	// StablePrefix depends only on the org's schema snapshot.
	StablePrefix string
	// DynamicSuffix carries the principal, route, filters and selection.
	DynamicSuffix string
}

// Messages returns the prompt as system messages. Only the prefix is
// marked cacheable.
func (p Prompt) Messages() []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: p.StablePrefix, Cacheable: true}}
	if p.DynamicSuffix != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: p.DynamicSuffix})
	}
	return msgs
}

// Compose builds the prompt for one request. The prefix is a pure function
// of the snapshot's entities, so two requests against the same snapshot
// produce byte-identical prefixes.
func Compose(p auth.Principal, snap *schema.Snapshot, rc RequestContext, now time.Time) Prompt {
	return Prompt{
		StablePrefix:  prompts.Persona(snap.Render()),
		DynamicSuffix: prompts.DynamicContext(dynamic(p, rc, now)),
	}
}

func dynamic(p auth.Principal, rc RequestContext, now time.Time) prompts.RequestContext {
	out := prompts.RequestContext{
		OrgID:        p.OrgID,
		UserID:       p.UserID,
		Role:         p.Role,
		Page:         rc.Page,
		PortfolioID:  rc.PortfolioID,
		EntityType:   rc.EntityType,
		EntityID:     rc.EntityID,
		SelectedText: rc.SelectedText,
	}
	if !now.IsZero() {
		out.Date = now.Format("Monday, January 2, 2006")
	}

	keys := make([]string, 0, len(rc.Filters))
	for k := range rc.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Filters = append(out.Filters, [2]string{k, rc.Filters[k]})
	}

	if len(rc.StructuredContext) > 0 {
		// encoding/json sorts map keys, so the rendering is stable.
		if b, err := json.Marshal(rc.StructuredContext); err == nil {
			out.StructuredJSON = string(b)
		}
	}
	return out
}
