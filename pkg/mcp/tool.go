package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jllopis/rtfscore/pkg/value"
	"github.com/mark3labs/mcp-go/mcp"
)

// ArgsFromValues maps host call arguments onto MCP tool arguments. A single
// map argument is used as the argument object; anything else is passed
// positionally under "args".
func ArgsFromValues(args []value.Value) map[string]any {
	if len(args) == 1 {
		if m, ok := args[0].(value.Map); ok {
			out, _ := value.ToNative(m).(map[string]any)
			return out
		}
	}
	if len(args) == 0 {
		return map[string]any{}
	}
	positional := make([]any, len(args))
	for i, a := range args {
		positional[i] = value.ToNative(a)
	}
	return map[string]any{"args": positional}
}

// ValidateArgs checks the required fields of the tool's object schema.
func ValidateArgs(tool mcp.Tool, args map[string]any) error {
	schema := tool.InputSchema
	if schema.Type != "" && schema.Type != "object" {
		return nil
	}
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("mcp tool %s: missing required field %q", tool.Name, key)
		}
	}
	return nil
}

// ResultValue converts a tool result into a value. Structured content wins
// over text content. A result flagged as an error is returned as a Go error
// carrying the text content.
func ResultValue(result *mcp.CallToolResult) (value.Value, error) {
	if result == nil {
		return nil, errors.New("mcp tool result is nil")
	}
	if result.IsError {
		return nil, fmt.Errorf("mcp tool returned error: %s", TextContent(result.Content))
	}
	if result.StructuredContent != nil {
		return value.FromNative(result.StructuredContent)
	}
	if text := TextContent(result.Content); text != "" {
		return value.String(text), nil
	}
	return value.Nil{}, nil
}

// TextContent joins the text parts of a tool result.
func TextContent(items []mcp.Content) string {
	if len(items) == 0 {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
