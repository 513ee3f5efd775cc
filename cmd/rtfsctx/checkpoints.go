// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/rtfscore/pkg/audit"
	"github.com/jllopis/rtfscore/pkg/checkpoint"
	"github.com/jllopis/rtfscore/pkg/config"
	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/runtime"
	"github.com/jllopis/rtfscore/pkg/value"
)

type checkpointSummary struct {
	ID        string `json:"id" yaml:"id"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
	ContextID string `json:"context_id" yaml:"context_id"`
	RootID    string `json:"root_id" yaml:"root_id"`
	Depth     int    `json:"depth" yaml:"depth"`
	Nodes     int    `json:"nodes" yaml:"nodes"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
}

// checkpointDetail is what "checkpoints show" prints: the summary plus the
// decoded chain from the checkpointed context up to the root.
type checkpointDetail struct {
	checkpointSummary `yaml:",inline"`
	Chain             []nodeDetail `json:"chain" yaml:"chain"`
}

type nodeDetail struct {
	ID        string         `json:"id" yaml:"id"`
	Parent    string         `json:"parent,omitempty" yaml:"parent,omitempty"`
	Isolation string         `json:"isolation" yaml:"isolation"`
	Bindings  map[string]any `json:"bindings,omitempty" yaml:"bindings,omitempty"`
}

func openStores(flags globalFlags) (*config.Config, *runtime.Stores) {
	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		fail(NewConfigError(err, flags.ConfigPath), flags.JSON)
	}
	stores, err := runtime.OpenStores(cfg)
	if err != nil {
		fail(err, flags.JSON)
	}
	return cfg, stores
}

func runCheckpoints(ctx context.Context, flags globalFlags, args []string) {
	if len(args) == 0 {
		fail(NewInvalidArgumentError("checkpoints", "usage: rtfsctx checkpoints list|show"), flags.JSON)
	}
	cfg, stores := openStores(flags)
	if strings.EqualFold(cfg.Checkpoint.Store, "memory") {
		fmt.Fprintln(os.Stderr, "checkpoint.store is memory; nothing outlives a run. Use sqlite or file.")
	}

	var err error
	switch args[0] {
	case "list":
		err = listCheckpoints(ctx, os.Stdout, stores.Checkpoints, args[1:], flags.JSON)
	case "show":
		if len(args) != 2 {
			err = NewInvalidArgumentError("id", "usage: rtfsctx checkpoints show <id>")
			break
		}
		err = showCheckpoint(ctx, os.Stdout, stores.Checkpoints, args[1], flags.JSON)
	default:
		err = NewInvalidArgumentError("checkpoints", fmt.Sprintf("unknown subcommand %q", args[0]))
	}
	_ = stores.Close()
	if err != nil {
		fail(err, flags.JSON)
	}
}

func listCheckpoints(ctx context.Context, w io.Writer, store checkpoint.Store, args []string, asJSON bool) error {
	fs := flag.NewFlagSet("checkpoints list", flag.ContinueOnError)
	contextID := fs.String("context", "", "Only checkpoints of this context id")
	label := fs.String("label", "", "Only checkpoints with this label")
	limit := fs.Int("limit", 50, "Maximum number of checkpoints")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("checkpoints list", err.Error())
	}

	cps, err := store.List(ctx, checkpoint.Filter{
		ContextID: execctx.ID(*contextID),
		Label:     *label,
		Limit:     *limit,
	})
	if err != nil {
		return err
	}
	out := make([]checkpointSummary, 0, len(cps))
	for _, cp := range cps {
		out = append(out, summarize(cp))
	}
	if asJSON {
		return writeJSON(w, out)
	}
	tw := tabwriterFor(w)
	writeRow(tw, "ID", "LABEL", "CONTEXT", "DEPTH", "NODES", "CREATED")
	for _, s := range out {
		writeRow(tw, s.ID, s.Label, s.ContextID, strconv.Itoa(s.Depth), strconv.Itoa(s.Nodes), s.CreatedAt)
	}
	return tw.Flush()
}

func showCheckpoint(ctx context.Context, w io.Writer, store checkpoint.Store, id string, asJSON bool) error {
	cp, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	detail, err := describe(cp)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, detail)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(detail); err != nil {
		return err
	}
	return enc.Close()
}

func summarize(cp execctx.Checkpoint) checkpointSummary {
	return checkpointSummary{
		ID:        cp.ID,
		Label:     cp.Label,
		ContextID: string(cp.ContextID),
		RootID:    string(cp.RootID),
		Depth:     cp.Depth,
		Nodes:     len(cp.NodeIDs),
		CreatedAt: formatTime(cp.CreatedAt),
	}
}

func describe(cp execctx.Checkpoint) (*checkpointDetail, error) {
	snap, err := execctx.DecodeSnapshot(cp.Payload)
	if err != nil {
		return nil, err
	}
	detail := &checkpointDetail{checkpointSummary: summarize(cp)}
	for _, id := range cp.NodeIDs {
		n := snap.Node(id)
		if n == nil {
			continue
		}
		nd := nodeDetail{
			ID:        string(n.ID),
			Parent:    string(n.Parent),
			Isolation: n.Isolation.String(),
		}
		if len(n.Bindings) > 0 {
			nd.Bindings = make(map[string]any, len(n.Bindings))
			for k, v := range n.Bindings {
				nd.Bindings[k] = value.ToNative(v)
			}
		}
		detail.Chain = append(detail.Chain, nd)
	}
	return detail, nil
}

func runAudit(ctx context.Context, flags globalFlags, args []string) {
	if len(args) == 0 || args[0] != "list" {
		fail(NewInvalidArgumentError("audit", "usage: rtfsctx audit list"), flags.JSON)
	}
	_, stores := openStores(flags)
	err := listAudit(ctx, os.Stdout, stores.Audit, args[1:], flags.JSON)
	_ = stores.Close()
	if err != nil {
		fail(err, flags.JSON)
	}
}

type auditRow struct {
	At        string `json:"at"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	ContextID string `json:"context_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

func listAudit(ctx context.Context, w io.Writer, store audit.Store, args []string, asJSON bool) error {
	fs := flag.NewFlagSet("audit list", flag.ContinueOnError)
	session := fs.String("session", "", "Only events of this session")
	kind := fs.String("kind", "", "step or dispatch")
	status := fs.String("status", "", "Only events with this status")
	limit := fs.Int("limit", 100, "Maximum number of events")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("audit list", err.Error())
	}
	if store == nil {
		return NewInvalidArgumentError("audit.store", "auditing is disabled (audit.store=none)")
	}

	events, err := store.List(ctx, audit.Filter{
		SessionID: *session,
		Kind:      audit.Kind(*kind),
		Status:    *status,
		Limit:     *limit,
	})
	if err != nil {
		return err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })

	rows := make([]auditRow, 0, len(events))
	for _, ev := range events {
		row := auditRow{
			At:        formatTime(ev.At),
			SessionID: ev.SessionID,
			Kind:      string(ev.Kind),
			Name:      ev.Name,
			Status:    ev.Status,
			ContextID: ev.ContextID,
			ErrorCode: ev.ErrorCode,
			Attempts:  ev.Attempts,
		}
		if ev.Duration > 0 {
			row.Duration = ev.Duration.String()
		}
		rows = append(rows, row)
	}
	if asJSON {
		return writeJSON(w, rows)
	}
	tw := tabwriterFor(w)
	writeRow(tw, "AT", "SESSION", "KIND", "NAME", "STATUS", "ERROR", "DURATION")
	for _, r := range rows {
		writeRow(tw, r.At, truncate(r.SessionID, 12), r.Kind, r.Name, r.Status, r.ErrorCode, r.Duration)
	}
	return tw.Flush()
}
