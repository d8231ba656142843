package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ContextFactory builds the Context for one MCP tool call.
type ContextFactory func(ctx context.Context) (*Context, error)

// NewMCPServer exposes tools over MCP. Each call gets a Context from
// newContext, so callers decide how calls are memoized and which sandbox
// they address.
func NewMCPServer(name, version string, tools []Tool, newContext ContextFactory) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	for _, t := range tools {
		s.AddTool(t.Definition(), mcpHandler(t, newContext))
	}
	return s
}

func mcpHandler(t Tool, newContext ContextFactory) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tc, err := newContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := t.Execute(ctx, raw, tc)
		if err != nil {
			if errors.Is(err, ErrInvalidArguments) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return nil, err
		}
		return mcp.NewToolResultText(out), nil
	}
}
