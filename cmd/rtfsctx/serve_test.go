// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/rtfscore/pkg/audit"
	"github.com/jllopis/rtfscore/pkg/config"
	"github.com/jllopis/rtfscore/pkg/mcp"
	"github.com/jllopis/rtfscore/pkg/runtime"
	"github.com/jllopis/rtfscore/pkg/value"
)

func TestExposeCapabilitiesThroughDriver(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Host.Policies = []config.PolicyRuleConfig{{ID: "no-sleep", Effect: "deny", Symbol: "sleep", Reason: "not here"}}
	ctx := context.Background()
	session, err := runtime.NewSession(ctx, cfg, runtime.WithSessionID("serve-test"))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer session.Close(ctx)

	srv := mcp.NewServer("rtfsctx", version)
	names := exposeCapabilities(srv, session)
	for _, want := range []string{"capability.echo", "capability.uuid", "sleep"} {
		if !slices.Contains(names, want) {
			t.Fatalf("tool %s not exposed: %v", want, names)
		}
	}

	httpServer := mcpserver.NewTestStreamableHTTPServer(srv.MCPServer())
	defer httpServer.Close()
	client, err := mcp.NewStreamableHTTPClient(ctx, httpServer.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	res, err := client.CallTool(ctx, "capability.echo", mcp.ArgsFromValues([]value.Value{value.String("hola")}))
	if err != nil {
		t.Fatalf("call echo: %v", err)
	}
	got, err := mcp.ResultValue(res)
	if err != nil || !value.Equal(got, value.String("hola")) {
		t.Fatalf("echo = %v, %v", got, err)
	}

	res, err = client.CallTool(ctx, "sleep", mcp.ArgsFromValues([]value.Value{value.Int(1)}))
	if err != nil {
		t.Fatalf("call sleep: %v", err)
	}
	if _, err := mcp.ResultValue(res); err == nil {
		t.Fatalf("denied call must surface as a tool error")
	}

	events, err := session.Audit().List(ctx, audit.Filter{Kind: audit.KindDispatch})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(events) != 2 || events[1].Status != "deny" {
		t.Fatalf("expected both calls audited, got %+v", events)
	}
}

func TestHealthHandler(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	ctx := context.Background()
	session, err := runtime.NewSession(ctx, cfg)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer session.Close(ctx)

	rec := httptest.NewRecorder()
	healthHandler(session).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status     string                 `json:"status"`
		Components []runtime.HealthResult `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Status != string(runtime.HealthHealthy) || len(body.Components) == 0 {
		t.Fatalf("unexpected body %+v", body)
	}

	session.Health().Register("broken", runtime.HealthCheckFunc(func(context.Context) runtime.HealthResult {
		return runtime.HealthResult{Status: runtime.HealthUnhealthy, Message: "down"}
	}))
	rec = httptest.NewRecorder()
	healthHandler(session).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
