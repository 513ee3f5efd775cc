// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jllopis/rtfscore/pkg/config"
	"github.com/jllopis/rtfscore/pkg/effect"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/mcp"
	"github.com/jllopis/rtfscore/pkg/runtime"
	"github.com/jllopis/rtfscore/pkg/telemetry"
	"github.com/jllopis/rtfscore/pkg/value"
)

// runServe exposes the session's local capabilities as MCP tools. Calls go
// through the host driver, so policies, retries and auditing apply.
func runServe(ctx context.Context, flags globalFlags, args []string) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("http", "", "Serve streamable HTTP on this address instead of stdio")
	if err := fs.Parse(args); err != nil {
		fail(NewInvalidArgumentError("serve", err.Error()), flags.JSON)
	}
	ensureNoArgs(fs.Args())

	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		fail(NewConfigError(err, flags.ConfigPath), flags.JSON)
	}
	// stdout carries the protocol in stdio mode.
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := initTelemetry(cfg, false)
	if err != nil {
		fail(err, flags.JSON)
	}
	defer func() { _ = shutdown(context.Background()) }()

	session, err := runtime.NewSession(ctx, cfg, runtime.WithLogger(logger))
	if err != nil {
		fail(err, flags.JSON)
	}
	srv := mcp.NewServer(cfg.Telemetry.ServiceName, version)
	tools := exposeCapabilities(srv, session)
	logger.Info("serve.ready", slog.Any("tools", tools), slog.String("http", *addr))

	if *addr == "" {
		err = srv.ServeStdio()
	} else {
		mux := http.NewServeMux()
		mux.Handle("/healthz", healthHandler(session))
		mux.Handle("/", srv.Handler())
		err = serveHTTP(ctx, *addr, mux)
	}
	if cerr := session.Close(context.Background()); cerr != nil {
		logger.Warn("session close", slog.String("error", cerr.Error()))
	}
	if err != nil {
		fail(err, flags.JSON)
	}
}

// exposeCapabilities registers every exact local symbol as a tool and
// returns the tool names. Glob registrations have no fixed name and are
// skipped.
func exposeCapabilities(srv *mcp.Server, session *runtime.Session) []string {
	var names []string
	for _, symbol := range session.Local().Symbols() {
		if strings.ContainsAny(symbol, "*?[") {
			continue
		}
		sym := symbol
		srv.RegisterTool(sym, "host capability "+sym, func(ctx context.Context, args []value.Value) (value.Value, error) {
			call := effect.NewHostCall(sym, args, map[string]string{"session_id": session.ID()})
			resp := session.Driver().Dispatch(ctx, call)
			if resp.Failed() {
				return nil, rterrors.New(rterrors.ErrorCode(resp.Err.Code), resp.Err.Message, nil)
			}
			return resp.Value, nil
		})
		names = append(names, sym)
	}
	return names
}

// healthHandler reports the session's component health, answering 503
// while any component is unhealthy.
func healthHandler(session *runtime.Session) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		results, overall := session.Health().CheckAll(ctx)
		w.Header().Set("Content-Type", "application/json")
		if overall == runtime.HealthUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = writeJSON(w, map[string]any{"status": overall, "components": results})
	})
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
