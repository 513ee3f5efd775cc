// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/plan"
)

type graphResult struct {
	Format  string `json:"format"`
	Content string `json:"content"`
	PlanID  string `json:"plan_id,omitempty"`
	Steps   int    `json:"steps"`
}

func runGraph(global globalFlags, args []string) {
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	output := fs.String("output", "mermaid", "Output format: mermaid, dot")
	if err := fs.Parse(args); err != nil {
		fail(NewInvalidArgumentError("graph", err.Error()), global.JSON)
	}
	if fs.NArg() != 1 {
		fail(NewInvalidArgumentError("plan", "graph expects exactly one plan file"), global.JSON)
	}
	doc, err := loadPlan(fs.Arg(0))
	if err != nil {
		fail(err, global.JSON)
	}

	result := graphResult{Format: *output, PlanID: doc.ID, Steps: countSteps(doc.Steps)}
	switch *output {
	case "mermaid":
		result.Content = toMermaid(doc)
	case "dot":
		result.Content = toDot(doc)
	default:
		fail(NewInvalidArgumentError("output", fmt.Sprintf("unknown output format %q; use mermaid or dot", *output)), global.JSON)
	}

	if global.JSON {
		printJSON(result)
		return
	}
	fmt.Print(result.Content)
}

type validateResult struct {
	PlanID string `json:"plan_id,omitempty"`
	Steps  int    `json:"steps"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func runValidate(global globalFlags, args []string) {
	if len(args) != 1 {
		fail(NewInvalidArgumentError("plan", "validate expects exactly one plan file"), global.JSON)
	}
	res := validateResult{Status: "ok"}
	doc, err := loadPlan(args[0])
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	} else {
		res.PlanID = doc.ID
		res.Steps = countSteps(doc.Steps)
	}
	if global.JSON {
		printJSON(res)
	} else if err == nil {
		fmt.Printf("plan %s: ok (%d steps)\n", res.PlanID, res.Steps)
	}
	if err != nil {
		fail(err, global.JSON)
	}
}

// loadPlan parses and validates a plan file.
func loadPlan(path string) (*plan.Document, error) {
	doc, err := plan.Load(path)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "load plan", err).WithContext("path", path)
	}
	return doc, nil
}

func countSteps(steps []plan.Step) int {
	n := 0
	for _, st := range steps {
		n++
		n += countSteps(st.Steps)
		if st.Parallel != nil {
			n += countSteps(st.Parallel.Branches)
		}
	}
	return n
}

// graphNode is one step flattened for rendering. Sequential siblings are
// chained; nested steps and branches hang off their parent.
type graphNode struct {
	id       string
	label    string
	parent   string
	prev     string
	parallel bool
}

func flatten(steps []plan.Step, parent string, parallel bool, out []graphNode) []graphNode {
	prev := ""
	for _, st := range steps {
		id := nodeID(parent, st.Name)
		n := graphNode{id: id, label: stepLabel(st), parent: parent, parallel: parallel}
		if !parallel {
			n.prev = prev
		}
		out = append(out, n)
		out = flatten(st.Steps, id, false, out)
		if st.Parallel != nil {
			out = flatten(st.Parallel.Branches, id, true, out)
		}
		prev = id
	}
	return out
}

func nodeID(parent, name string) string {
	id := name
	if parent != "" {
		id = parent + "_" + name
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func stepLabel(st plan.Step) string {
	switch {
	case st.Call != nil:
		return st.Name + ": " + st.Call.Symbol
	case st.Parallel != nil && st.Parallel.Concurrent:
		return st.Name + ": concurrent"
	case st.Parallel != nil:
		return st.Name + ": parallel"
	default:
		return st.Name
	}
}

func toMermaid(doc *plan.Document) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")
	for _, n := range flatten(doc.Steps, "", false, nil) {
		fmt.Fprintf(&sb, "    %s[%q]\n", n.id, n.label)
		switch {
		case n.prev != "":
			fmt.Fprintf(&sb, "    %s --> %s\n", n.prev, n.id)
		case n.parallel:
			fmt.Fprintf(&sb, "    %s -.-> %s\n", n.parent, n.id)
		case n.parent != "":
			fmt.Fprintf(&sb, "    %s --> %s\n", n.parent, n.id)
		}
	}
	return sb.String()
}

func toDot(doc *plan.Document) string {
	var sb strings.Builder
	name := doc.ID
	if name == "" {
		name = "plan"
	}
	fmt.Fprintf(&sb, "digraph %q {\n", name)
	sb.WriteString("    rankdir=TB;\n")
	sb.WriteString("    node [shape=box, style=rounded];\n")
	for _, n := range flatten(doc.Steps, "", false, nil) {
		fmt.Fprintf(&sb, "    %q [label=%q];\n", n.id, n.label)
		switch {
		case n.prev != "":
			fmt.Fprintf(&sb, "    %q -> %q;\n", n.prev, n.id)
		case n.parallel:
			fmt.Fprintf(&sb, "    %q -> %q [style=dashed];\n", n.parent, n.id)
		case n.parent != "":
			fmt.Fprintf(&sb, "    %q -> %q;\n", n.parent, n.id)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
