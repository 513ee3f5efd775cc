// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jllopis/rtfscore/pkg/config"
	"github.com/jllopis/rtfscore/pkg/host"
	"github.com/jllopis/rtfscore/pkg/runtime"
	"github.com/jllopis/rtfscore/pkg/telemetry"
	"github.com/jllopis/rtfscore/pkg/value"
	"github.com/mattn/go-isatty"
)

type runOutput struct {
	SessionID    string         `json:"session_id"`
	PlanID       string         `json:"plan_id"`
	Last         any            `json:"last"`
	Outputs      map[string]any `json:"outputs"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
}

type runOptions struct {
	planPath        string
	checkpoint      string
	watch           bool
	noTelemetry     bool
	approvalMode    string
	approvalTimeout time.Duration
}

func runRun(ctx context.Context, flags globalFlags, args []string) {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	var opts runOptions
	cmd.StringVar(&opts.checkpoint, "checkpoint", "", "Store a checkpoint with this label after the plan completes")
	cmd.BoolVar(&opts.watch, "watch", false, "Watch the config file and hot-reload host policies")
	cmd.BoolVar(&opts.noTelemetry, "no-telemetry", false, "Disable telemetry exporters")
	cmd.StringVar(&opts.approvalMode, "approval-mode", "auto", "Pending host calls: auto|ask|approve|deny|off")
	cmd.DurationVar(&opts.approvalTimeout, "approval-timeout", 0, "Timeout for the approval prompt")
	if err := cmd.Parse(args); err != nil {
		fail(NewInvalidArgumentError("run", err.Error()), flags.JSON)
	}
	if cmd.NArg() != 1 {
		fail(NewInvalidArgumentError("plan", "run expects exactly one plan file"), flags.JSON)
	}
	opts.planPath = cmd.Arg(0)

	out, err := executeRun(ctx, flags, opts)
	if err != nil {
		fail(err, flags.JSON)
	}
	if flags.JSON {
		printJSON(out)
		return
	}
	printRunOutput(os.Stdout, out)
}

func executeRun(ctx context.Context, flags globalFlags, opts runOptions) (*runOutput, error) {
	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		return nil, NewConfigError(err, flags.ConfigPath)
	}
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := initTelemetry(cfg, opts.noTelemetry)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	doc, err := loadPlan(opts.planPath)
	if err != nil {
		return nil, err
	}

	sessionOpts := []runtime.Option{runtime.WithLogger(logger)}
	if hook := buildApprovalHook(opts.approvalMode, opts.approvalTimeout, cfg.Host, flags.JSON); hook != nil {
		sessionOpts = append(sessionOpts, runtime.WithApprovalHook(hook))
	}
	session, err := runtime.NewSession(ctx, cfg, sessionOpts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(context.Background()); err != nil {
			logger.Warn("session close", slog.String("error", err.Error()))
		}
	}()

	if opts.watch && flags.ConfigPath != "" {
		watcher, _, err := config.WatchConfig(ctx, flags.ConfigPath, flags.Profile,
			config.WithWatchInterval(time.Second),
			config.WithWatchLogger(logger),
		)
		if err != nil {
			logger.Warn("config watch disabled", slog.String("error", err.Error()))
		} else {
			session.Watch(watcher)
			defer watcher.Stop()
		}
	}
	if err := session.Start(ctx); err != nil {
		return nil, err
	}

	if flags.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
	}
	res, err := session.RunPlan(ctx, doc)
	if err != nil {
		return nil, err
	}

	out := &runOutput{
		SessionID: session.ID(),
		PlanID:    doc.ID,
		Last:      value.ToNative(res.Last),
		Outputs:   make(map[string]any, len(res.Outputs)),
	}
	for path, v := range res.Outputs {
		out.Outputs[path] = value.ToNative(v)
	}
	if opts.checkpoint != "" {
		cp, err := session.Checkpoint(ctx, opts.checkpoint)
		if err != nil {
			return nil, err
		}
		out.CheckpointID = cp.ID
	}
	return out, nil
}

// initTelemetry installs the configured exporters. Stdout exporters write to
// stderr so command output stays parseable.
func initTelemetry(cfg *config.Config, disabled bool) (telemetry.ShutdownFunc, error) {
	exporter := cfg.Telemetry.Exporter
	if disabled || exporter == "" {
		exporter = "none"
	}
	shutdown, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, telemetry.Config{
		Exporter:           exporter,
		OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
		OTLPHeaders:        cfg.Telemetry.OTLPHeaders,
		Writer:             os.Stderr,
	})
	if err != nil {
		return nil, NewTelemetryError(err)
	}
	return shutdown, nil
}

func printRunOutput(w io.Writer, out *runOutput) {
	paths := make([]string, 0, len(out.Outputs))
	for p := range out.Outputs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	fmt.Fprintf(w, "plan %s (session %s)\n", out.PlanID, out.SessionID)
	for _, p := range paths {
		fmt.Fprintf(w, "  %-24s %s\n", p, truncate(fmt.Sprint(out.Outputs[p]), 96))
	}
	if out.CheckpointID != "" {
		fmt.Fprintf(w, "checkpoint %s\n", out.CheckpointID)
	}
}

// buildApprovalHook decides who answers pending host calls. In auto mode an
// interactive terminal gets a prompt and anything else gets a denial.
func buildApprovalHook(mode string, timeout time.Duration, cfg config.HostConfig, jsonOutput bool) host.ApprovalHook {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "auto"
	}
	if mode == "off" || mode == "none" {
		return nil
	}
	if mode == "auto" && !hasPendingPolicies(cfg) {
		return nil
	}

	isTTY := !jsonOutput && isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
	if mode == "auto" {
		mode = "deny"
		if isTTY {
			mode = "ask"
		}
	}
	if mode == "ask" && !isTTY {
		fmt.Fprintln(os.Stderr, "Approval mode 'ask' requires a TTY; falling back to deny.")
		mode = "deny"
	}

	switch mode {
	case "ask":
		return host.NewConsoleApprovalHook(host.WithApprovalTimeout(timeout))
	case "approve":
		return host.StaticApprovalHook{Decision: host.Decision{Status: host.DecisionAllow, Reason: "auto-approved"}}
	case "deny":
		return host.StaticApprovalHook{Decision: host.Decision{Status: host.DecisionDeny, Reason: "auto-denied"}}
	default:
		return nil
	}
}

func hasPendingPolicies(cfg config.HostConfig) bool {
	if strings.EqualFold(strings.TrimSpace(cfg.DefaultDecision), string(host.DecisionPending)) {
		return true
	}
	for _, rule := range cfg.Policies {
		if strings.EqualFold(strings.TrimSpace(rule.Effect), string(host.DecisionPending)) {
			return true
		}
	}
	return false
}
