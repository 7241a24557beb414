// Package schema describes an org's data model (entities, fields,
// picklists and custom fields) and caches that description per org.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field describes one attribute of an entity.
type Field struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Picklist    []string `json:"picklist,omitempty"`
	Custom      bool     `json:"custom,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Entity describes one record type.
type Entity struct {
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Fields []Field `json:"fields"`
}

// Snapshot is the data model of one org at a point in time.
type Snapshot struct {
	OrgID      string    `json:"org_id"`
	Entities   []Entity  `json:"entities"`
	CapturedAt time.Time `json:"captured_at"`
}

// Entity returns the named entity, if present.
func (s *Snapshot) Entity(name string) (Entity, bool) {
	for _, e := range s.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// Render serializes the snapshot as compact text for a system prompt.
// The output depends only on the entities and fields, never on map
// iteration order or CapturedAt, so equal snapshots render identically.
func (s *Snapshot) Render() string {
	entities := make([]Entity, len(s.Entities))
	copy(entities, s.Entities)
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })

	var sb strings.Builder
	for i, e := range entities {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "### %s (%s)\n", e.Label, e.Name)
		for _, f := range e.Fields {
			sb.WriteString("- ")
			sb.WriteString(f.Name)
			sb.WriteString(": ")
			sb.WriteString(f.Type)
			if f.Required {
				sb.WriteString(", required")
			}
			if f.Custom {
				sb.WriteString(", custom")
			}
			if len(f.Picklist) > 0 {
				sb.WriteString(", one of [")
				sb.WriteString(strings.Join(f.Picklist, ", "))
				sb.WriteString("]")
			}
			if f.Description != "" {
				sb.WriteString(" -- ")
				sb.WriteString(f.Description)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
