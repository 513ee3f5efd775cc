// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling for the RTFS execution core.
// Every error returned by the context manager, the effect boundary and the
// host driver is a *RuntimeError so callers can branch on Code.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies runtime errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a context id (or other resource) is absent.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeMergeTargetMismatch indicates a merge into a node that is not the
	// child's recorded parent, or while the parent is not current.
	CodeMergeTargetMismatch ErrorCode = "MERGE_TARGET_MISMATCH"

	// CodeSerialization indicates a malformed or version-mismatched payload.
	CodeSerialization ErrorCode = "SERIALIZATION_ERROR"

	// CodeAlreadyInitialized indicates initialize was called twice.
	CodeAlreadyInitialized ErrorCode = "ALREADY_INITIALIZED"

	// CodeNotInitialized indicates an operation on a store without root.
	CodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// CodeCycleDetected indicates a cycle in the parent chain. Fatal.
	CodeCycleDetected ErrorCode = "CYCLE_DETECTED"

	// CodeHostDenied indicates the host refused a suspended call.
	CodeHostDenied ErrorCode = "HOST_DENIED"

	// CodeHostFailure indicates the host failed to execute a suspended call.
	CodeHostFailure ErrorCode = "HOST_FAILURE"

	// CodeInvalidResume indicates a resume that does not match the boundary state.
	CodeInvalidResume ErrorCode = "INVALID_RESUME"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeEvaluation indicates an uncaught language-level error.
	CodeEvaluation ErrorCode = "EVALUATION_ERROR"
)

// RuntimeError is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type RuntimeError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *RuntimeError) MarshalJSON() ([]byte, error) {
	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
		StatusCode  int                    `json:"status_code"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Recoverable: e.Recoverable,
		Context:     e.Context,
		Attributes:  e.Attributes,
		StatusCode:  e.StatusCode,
	})
}

// New creates a new RuntimeError with the given code, message, and cause.
// Errors are recoverable by default except CodeCycleDetected and CodeInternal.
func New(code ErrorCode, msg string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Attributes:  make(map[string]string),
		Recoverable: code != CodeCycleDetected && code != CodeInternal,
		StatusCode:  codeToStatusCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *RuntimeError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *RuntimeError) WithContext(key string, value interface{}) *RuntimeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *RuntimeError) WithAttribute(key, value string) *RuntimeError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *RuntimeError) WithRecoverable(recoverable bool) *RuntimeError {
	e.Recoverable = recoverable
	return e
}

// AsRuntimeError attempts to convert an error to a RuntimeError.
// Returns the first RuntimeError in the chain, or wraps err as internal.
func AsRuntimeError(err error) *RuntimeError {
	if err == nil {
		return nil
	}
	var re *RuntimeError
	if stderrors.As(err, &re) {
		return re
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether any RuntimeError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var re *RuntimeError
		if !stderrors.As(err, &re) {
			return false
		}
		if re.Code == code {
			return true
		}
		err = re.Err
	}
	return false
}

// CodeOf returns the code of the first RuntimeError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var re *RuntimeError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ""
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *RuntimeError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP-like status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeHostDenied:
		return 403
	case CodeInvalidInput, CodeSerialization, CodeEvaluation:
		return 400
	case CodeMergeTargetMismatch, CodeAlreadyInitialized, CodeNotInitialized, CodeInvalidResume:
		return 409
	case CodeTimeout:
		return 408
	case CodeHostFailure:
		return 502
	default:
		return 500
	}
}
