package mcp

import (
	"context"
	"net/http"

	"github.com/jllopis/rtfscore/pkg/value"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ToolFunc implements an exported tool over values.
type ToolFunc func(ctx context.Context, args []value.Value) (value.Value, error)

// Server exposes host functions as MCP tools.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP server.
func NewServer(name, version string) *Server {
	return &Server{mcpServer: server.NewMCPServer(name, version)}
}

// RegisterTool exposes fn as a tool. Tool arguments arrive as a single map
// value, or positionally when the caller sent an "args" array.
func (s *Server) RegisterTool(name, description string, fn ToolFunc) {
	tool := mcp.NewTool(name, mcp.WithDescription(description))
	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, _ := request.Params.Arguments.(map[string]any)
		args, err := valuesFromArgs(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := fn(ctx, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return resultFromValue(out), nil
	})
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the tools on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Handler returns a Streamable HTTP handler for the tools.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

func valuesFromArgs(raw map[string]any) ([]value.Value, error) {
	if positional, ok := raw["args"].([]any); ok && len(raw) == 1 {
		out := make([]value.Value, len(positional))
		for i, a := range positional {
			v, err := value.FromNative(a)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := value.FromNative(raw)
	if err != nil {
		return nil, err
	}
	return []value.Value{v}, nil
}

func resultFromValue(v value.Value) *mcp.CallToolResult {
	switch x := value.OrNil(v).(type) {
	case value.String:
		return mcp.NewToolResultText(string(x))
	case value.Map:
		res := mcp.NewToolResultText(x.String())
		res.StructuredContent = value.ToNative(x)
		return res
	default:
		return mcp.NewToolResultText(x.String())
	}
}
