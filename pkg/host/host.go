// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package host resolves the calls an evaluator suspends on.
//
// A Driver owns the loop: it starts a Machine, and every time the machine
// suspends it checks the call against a Policy, dispatches it to a Host
// with retries and a per-call timeout, and resumes the machine with the
// value or a language-level error. Hosts are composed with a Router so
// local Go functions and MCP tools can serve different symbols.
package host

import (
	"context"

	"github.com/jllopis/rtfscore/pkg/effect"
	"github.com/jllopis/rtfscore/pkg/value"
)

// Host executes a suspended call.
type Host interface {
	Handle(ctx context.Context, call effect.HostCall) (value.Value, error)
}

// Resolver is a Host that can tell which symbols it serves.
type Resolver interface {
	Host
	Handles(symbol string) bool
}

// HandlerFunc implements a single capability.
type HandlerFunc func(ctx context.Context, args []value.Value) (value.Value, error)

// HostFunc adapts a function to the Host interface.
type HostFunc func(ctx context.Context, call effect.HostCall) (value.Value, error)

// Handle calls f.
func (f HostFunc) Handle(ctx context.Context, call effect.HostCall) (value.Value, error) {
	return f(ctx, call)
}
