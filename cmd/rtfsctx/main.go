// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Command rtfsctx runs plans against the execution core and inspects the
// checkpoints and audit trail they leave behind.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
)

const version = "0.1.0"

type globalFlags struct {
	ConfigArgs []string
	ConfigPath string
	Profile    string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fail(NewInvalidArgumentError("flags", err.Error()), false)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		runRun(ctx, global, args[1:])
	case "validate":
		runValidate(global, args[1:])
	case "graph":
		runGraph(global, args[1:])
	case "checkpoints":
		runCheckpoints(ctx, global, args[1:])
	case "audit":
		runAudit(ctx, global, args[1:])
	case "serve":
		runServe(ctx, global, args[1:])
	case "help":
		printUsage()
	case "version":
		fmt.Println(version)
	default:
		fail(NewInvalidArgumentError("command", fmt.Sprintf("unknown command %q", args[0])), global.JSON)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{Timeout: 5 * time.Minute}

	value := func(i int, name string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("missing value for %s", name)
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		name, inline, hasInline := strings.Cut(arg, "=")
		switch name {
		case "-h", "--help":
			flags.Help = true
			return flags, nil, nil
		case "--json":
			flags.JSON = true
		case "--config", "--set", "--profile", "--env":
			v := inline
			if !hasInline {
				var err error
				if v, err = value(i, name); err != nil {
					return flags, nil, err
				}
				i++
			}
			flags.ConfigArgs = append(flags.ConfigArgs, name, v)
			switch name {
			case "--config":
				flags.ConfigPath = v
			case "--profile", "--env":
				flags.Profile = v
			}
		case "--timeout":
			v := inline
			if !hasInline {
				var err error
				if v, err = value(i, name); err != nil {
					return flags, nil, err
				}
				i++
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = d
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func printJSON(value any) {
	if err := writeJSON(os.Stdout, value); err != nil {
		fail(err, true)
	}
}

func writeJSON(w io.Writer, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func tabwriterFor(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func truncate(value string, limit int) string {
	value = normalizeCell(value)
	if limit <= 3 || len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func printUsage() {
	fmt.Println(`rtfsctx

Usage:
  rtfsctx [global flags] <command> [args]

Global flags:
  --config <path>      YAML config file
  --profile <name>     Overlay config.<name>.yaml (alias --env)
  --set key=value      Override config (repeatable)
  --timeout <dur>      Overall deadline for run (default 5m)
  --json               JSON output

Commands:
  run <plan> [--checkpoint <label>] [--watch] [--approval-mode auto|ask|approve|deny]
  validate <plan>
  graph <plan> [--output mermaid|dot]
  checkpoints list [--context <id>] [--label <label>] [--limit N]
  checkpoints show <id>
  audit list [--session <id>] [--kind step|dispatch] [--status <s>] [--limit N]
  serve                serve local capabilities as MCP tools on stdio
  version`)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fail(NewInvalidArgumentError("args", fmt.Sprintf("unexpected args: %v", args)), false)
	}
}
