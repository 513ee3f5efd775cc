// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/rtfscore/pkg/effect"
)

// ConsoleApprovalHook asks an operator to resolve pending host calls.
type ConsoleApprovalHook struct {
	mu       sync.Mutex
	in       *bufio.Reader
	out      io.Writer
	prompt   string
	timeout  time.Duration
	fallback Decision
}

// ConsoleApprovalOption configures a ConsoleApprovalHook.
type ConsoleApprovalOption func(*ConsoleApprovalHook)

// NewConsoleApprovalHook prompts on stdout and reads answers from stdin.
func NewConsoleApprovalHook(opts ...ConsoleApprovalOption) *ConsoleApprovalHook {
	h := &ConsoleApprovalHook{
		in:       bufio.NewReader(os.Stdin),
		out:      os.Stdout,
		prompt:   "Approve? [y/N]: ",
		fallback: Decision{Status: DecisionDeny, Reason: "approval not answered"},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithApprovalInput reads answers from r.
func WithApprovalInput(r io.Reader) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if r != nil {
			h.in = bufio.NewReader(r)
		}
	}
}

// WithApprovalOutput writes prompts to w.
func WithApprovalOutput(w io.Writer) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if w != nil {
			h.out = w
		}
	}
}

// WithApprovalTimeout bounds the wait for an answer.
func WithApprovalTimeout(d time.Duration) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Request prints the call and waits for y/n. Anything but an answer
// starting with "y" denies; a timeout or cancellation yields the fallback.
func (h *ConsoleApprovalHook) Request(ctx context.Context, call effect.HostCall) Decision {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, _ = fmt.Fprintf(h.out, "\nApproval required for host call %s\n", call.String())
	_, _ = fmt.Fprint(h.out, h.prompt)

	answers := make(chan string, 1)
	go func() {
		line, _ := h.in.ReadString('\n')
		answers <- line
	}()

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return h.fallback
	case line := <-answers:
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
			return Decision{Status: DecisionAllow, Reason: "approved by operator"}
		}
		return Decision{Status: DecisionDeny, Reason: "rejected by operator"}
	}
}
