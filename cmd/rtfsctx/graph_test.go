// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/plan"
)

func graphPlan() *plan.Document {
	return &plan.Document{
		ID: "weather",
		Steps: []plan.Step{
			{Name: "fetch", Call: &plan.Call{Symbol: "weather.get", Args: []any{"Girona"}}},
			{Name: "enrich", Parallel: &plan.Parallel{Concurrent: true, Branches: []plan.Step{
				{Name: "a", Bindings: map[string]any{"x": 1}},
				{Name: "b", Bindings: map[string]any{"y": 2}},
			}}},
			{Name: "report", Steps: []plan.Step{{Name: "inner"}}},
		},
	}
}

func TestToMermaid(t *testing.T) {
	out := toMermaid(graphPlan())
	for _, want := range []string{
		"graph TD",
		`fetch["fetch: weather.get"]`,
		`enrich["enrich: concurrent"]`,
		"fetch --> enrich",
		"enrich -.-> enrich_a",
		"enrich -.-> enrich_b",
		"enrich --> report",
		"report --> report_inner",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("mermaid output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "enrich_a --> enrich_b") {
		t.Errorf("parallel branches must not be chained:\n%s", out)
	}
}

func TestToDot(t *testing.T) {
	out := toDot(graphPlan())
	for _, want := range []string{
		`digraph "weather" {`,
		`"fetch" -> "enrich";`,
		`"enrich" -> "enrich_b" [style=dashed];`,
		`"report" -> "report_inner";`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dot output missing %q:\n%s", want, out)
		}
	}
	if !strings.HasSuffix(out, "}\n") {
		t.Errorf("dot output not closed")
	}
}

func TestCountSteps(t *testing.T) {
	if got := countSteps(graphPlan().Steps); got != 6 {
		t.Fatalf("countSteps = %d, want 6", got)
	}
}

func TestNodeIDSanitizes(t *testing.T) {
	if got := nodeID("group one", "fetch-all"); got != "group_one_fetch_all" {
		t.Fatalf("nodeID = %q", got)
	}
}

func TestLoadPlanInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("id: empty\nsteps: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := loadPlan(path)
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}
