// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jllopis/rtfscore/pkg/errors"
)

// CLIError wraps RuntimeError with a hint for the operator.
type CLIError struct {
	*errors.RuntimeError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(re *errors.RuntimeError, hint string) *CLIError {
	return &CLIError{RuntimeError: re, Hint: hint}
}

// Error returns the message followed by the hint.
func (e *CLIError) Error() string {
	if e.RuntimeError == nil {
		return "unknown error"
	}
	msg := e.RuntimeError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the runtime error, so errors.As and errors.HasCode see
// through the hint.
func (e *CLIError) Unwrap() error {
	if e.RuntimeError == nil {
		return nil
	}
	return e.RuntimeError
}

// Print writes the error as text or as a JSON object.
func (e *CLIError) Print(w io.Writer, asJSON bool) {
	if asJSON {
		payload, _ := json.Marshal(map[string]any{"error": map[string]any{
			"code":    e.Code,
			"message": e.RuntimeError.Error(),
			"hint":    e.Hint,
		}})
		fmt.Fprintln(w, string(payload))
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", e.Code, e.Message)
	if e.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// NewInvalidArgumentError reports a bad flag or argument.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	re := errors.New(errors.CodeInvalidInput, "invalid argument: "+reason, nil).
		WithContext("argument", arg).
		WithRecoverable(false)
	return NewCLIError(re, "run 'rtfsctx help' for usage information")
}

// NewConfigError reports a configuration that failed to load.
func NewConfigError(err error, configPath string) *CLIError {
	re := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath).
		WithRecoverable(false)
	hint := "check your configuration and RTFS_ environment variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(re, hint)
}

// NewTelemetryError reports exporter setup failures.
func NewTelemetryError(err error) *CLIError {
	re := errors.New(errors.CodeInvalidInput, "telemetry setup failed", err)
	return NewCLIError(re, "check telemetry.exporter and telemetry.otlp_endpoint, or pass --no-telemetry")
}

// asCLIError attaches a hint chosen by error code.
func asCLIError(err error) *CLIError {
	if ce, ok := err.(*CLIError); ok {
		return ce
	}
	return NewCLIError(errors.AsRuntimeError(err), hintFor(err))
}

// hintFor looks through the whole chain, so a step failure caused by a
// denied host call still gets the policy hint.
func hintFor(err error) string {
	for _, code := range []errors.ErrorCode{
		errors.CodeHostDenied,
		errors.CodeHostFailure,
		errors.CodeTimeout,
		errors.CodeNotFound,
		errors.CodeSerialization,
	} {
		if errors.HasCode(err, code) {
			return hintForCode(code)
		}
	}
	return ""
}

func hintForCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeHostDenied:
		return "a host policy rejected the call; review host.policies or use --approval-mode"
	case errors.CodeHostFailure:
		return "the capability failed; the audit trail has the attempts (rtfsctx audit list --kind dispatch)"
	case errors.CodeTimeout:
		return "raise --timeout or host.call_timeout"
	case errors.CodeNotFound:
		return "list what exists with 'rtfsctx checkpoints list'"
	case errors.CodeSerialization:
		return "the stored payload was written by an incompatible version"
	default:
		return ""
	}
}

// fail prints err and exits with status 1.
func fail(err error, asJSON bool) {
	asCLIError(err).Print(os.Stderr, asJSON)
	os.Exit(1)
}
