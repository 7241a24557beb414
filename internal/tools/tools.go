// Package tools defines the org-scoped operations the model can call and
// the registry that validates and dispatches them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nugget/atrium/internal/auth"
)

// Handler executes a tool for a principal. Arguments have already passed
// the tool's schema. Every data access must be scoped to p.OrgID.
type Handler func(ctx context.Context, p auth.Principal, args map[string]any) Result

// Tool is a named, schema-validated operation.
type Tool struct {
	Name        string
	Description string
	Input       Schema
	Handler     Handler
}

// Registry holds the available tools keyed by name.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]*Tool), logger: logger}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get returns the named tool or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns OpenAI-style function definitions sorted by name, so
// the tool block of a request is identical from one request to the next.
func (r *Registry) Definitions() []map[string]any {
	names := r.Names()
	defs := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Input.Map(),
			},
		})
	}
	return defs
}

// Execute validates args and runs the named tool. It never returns a Go
// error: unknown tools, invalid input, handler failures and panics all
// become a failed Result.
func (r *Registry) Execute(ctx context.Context, p auth.Principal, name string, args map[string]any) (res Result) {
	log := r.logger.With("tool", name, "org_id", p.OrgID)

	t, ok := r.tools[name]
	if !ok {
		err := &ErrToolUnavailable{ToolName: name}
		log.Warn("model requested unknown tool")
		return Fail(err.Error())
	}
	if !p.Valid() {
		return Fail("no authenticated organization for this request")
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.Input.Validate(name, args); err != nil {
		log.Debug("tool input rejected", "error", err)
		return Fail(err.Error())
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("tool panicked", "panic", rec)
			res = Fail(fmt.Sprintf("%s failed unexpectedly", name))
		}
	}()
	return t.Handler(ctx, p, args)
}
