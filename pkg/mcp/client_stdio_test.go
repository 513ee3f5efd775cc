package mcp

import (
	"context"
	"os"
	"testing"

	"github.com/jllopis/rtfscore/pkg/value"
)

const mcpStdioHelperEnv = "RTFS_MCP_STDIO_HELPER"

func TestHelperMCPStdioServer(t *testing.T) {
	if os.Getenv(mcpStdioHelperEnv) != "1" {
		return
	}
	if err := echoServer().ServeStdio(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestClient_Stdio_ListToolsAndCall(t *testing.T) {
	t.Setenv(mcpStdioHelperEnv, "1")

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	client, err := NewStdioClient(context.Background(), exe, []string{"-test.run", "TestHelperMCPStdioServer"})
	if err != nil {
		t.Fatalf("NewStdioClient error: %v", err)
	}
	defer client.Close()

	names, err := client.ToolNames(context.Background())
	if err != nil {
		t.Fatalf("ToolNames error: %v", err)
	}
	if len(names) != 2 || names[0] != "echo" || names[1] != "fail" {
		t.Fatalf("unexpected tools %v", names)
	}

	result, err := client.CallTool(context.Background(), "echo", ArgsFromValues([]value.Value{value.String("hello")}))
	if err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	got, err := ResultValue(result)
	if err != nil {
		t.Fatalf("ResultValue error: %v", err)
	}
	if !value.Equal(got, value.String("hello")) {
		t.Fatalf("got %s", got)
	}
}
