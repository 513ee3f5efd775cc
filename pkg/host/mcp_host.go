package host

import (
	"context"
	"strings"

	"github.com/jllopis/rtfscore/pkg/effect"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	rtfsmcp "github.com/jllopis/rtfscore/pkg/mcp"
	"github.com/jllopis/rtfscore/pkg/value"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultMCPPrefix is the symbol prefix routed to MCP tools.
const DefaultMCPPrefix = "mcp."

// ToolCaller is the part of the MCP client the host needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// MCPHost serves calls whose symbol starts with a prefix as MCP tool calls:
// (mcp.search {:q "x"}) calls tool "search" with arguments {"q": "x"}.
type MCPHost struct {
	caller ToolCaller
	prefix string
}

// NewMCPHost creates an MCP host. An empty prefix selects DefaultMCPPrefix.
func NewMCPHost(caller ToolCaller, prefix string) *MCPHost {
	if prefix == "" {
		prefix = DefaultMCPPrefix
	}
	return &MCPHost{caller: caller, prefix: prefix}
}

// Handles reports whether symbol carries the prefix.
func (h *MCPHost) Handles(symbol string) bool {
	return strings.HasPrefix(symbol, h.prefix) && len(symbol) > len(h.prefix)
}

// Handle calls the tool named by the symbol without its prefix.
func (h *MCPHost) Handle(ctx context.Context, call effect.HostCall) (value.Value, error) {
	name := strings.TrimPrefix(call.FnSymbol, h.prefix)
	res, err := h.caller.CallTool(ctx, name, rtfsmcp.ArgsFromValues(call.Args))
	if err != nil {
		if ctx.Err() != nil {
			return nil, rterrors.New(rterrors.CodeTimeout, "mcp tool "+name+" timed out", err)
		}
		return nil, rterrors.New(rterrors.CodeHostFailure, "mcp tool "+name+" failed", err).
			WithAttribute("mcp.tool", name)
	}
	out, err := rtfsmcp.ResultValue(res)
	if err != nil {
		return nil, rterrors.New(rterrors.CodeHostFailure, err.Error(), nil).
			WithAttribute("mcp.tool", name).
			WithRecoverable(false)
	}
	return out, nil
}

var _ Resolver = (*MCPHost)(nil)
