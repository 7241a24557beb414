// Package mcpserver exposes the assistant's tool registry to MCP clients.
//
// The server acts as one fixed principal for its whole lifetime, so every
// call is scoped to that principal's organization. Calls go through
// tools.Registry.Execute, which gives MCP clients the same validation,
// org scoping and failure handling as the chat path.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/buildinfo"
	"github.com/nugget/atrium/internal/tools"
)

const instructions = "Atrium: read-only access to one organization's portfolios, properties, spaces, tenants, leases and audit log."

// NewServer creates an MCP server with every tool in reg registered under
// its own name and JSON schema.
func NewServer(reg *tools.Registry, p auth.Principal, logger *slog.Logger) *server.MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := server.NewMCPServer(
		"atrium",
		buildinfo.Version,
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
		server.WithRecovery(),
	)

	for _, name := range reg.Names() {
		t := reg.Get(name)
		schema, err := json.Marshal(t.Input.Map())
		if err != nil {
			logger.Warn("skipping tool with unencodable schema", "tool", name, "error", err)
			continue
		}
		s.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, schema), toolHandler(reg, p, name, logger))
	}
	logger.Debug("MCP tools registered", "count", len(reg.Names()), "org_id", p.OrgID, "user_id", p.UserID)
	return s
}

func toolHandler(reg *tools.Registry, p auth.Principal, name string, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		res := reg.Execute(ctx, p, name, args)
		if res.Failed() {
			logger.Debug("MCP tool call failed", "tool", name, "error", res.Error)
			return mcpError(res.Error), nil
		}
		if text, ok := res.Output.(string); ok {
			return mcpText(text), nil
		}
		return mcpText(res.String()), nil
	}
}

// ServeStdio serves s on in and out until ctx is cancelled or in closes.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, logger *slog.Logger) error {
	stdio := server.NewStdioServer(s)
	if logger != nil {
		stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	}
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
