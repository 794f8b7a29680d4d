// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Watt.
// Every terminal run failure carries one of the codes declared here.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies Watt errors for monitoring, audit and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeConfiguration indicates an agent definition is missing or unusable.
	CodeConfiguration ErrorCode = "CONFIGURATION"

	// CodePolicyViolation indicates a guardrail blocked an action.
	CodePolicyViolation ErrorCode = "POLICY_VIOLATION"

	// CodeApprovalTimeout indicates an approval was not resolved in time.
	CodeApprovalTimeout ErrorCode = "APPROVAL_TIMEOUT"

	// CodeApprovalDenied indicates a human approver rejected an action.
	CodeApprovalDenied ErrorCode = "APPROVAL_DENIED"

	// CodeToolFailure indicates a tool execution failed.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeRateLimit indicates rate limiting was triggered.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeConflict indicates the resource is not in a state that allows the operation.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeMemoryError indicates a memory system error.
	CodeMemoryError ErrorCode = "MEMORY_ERROR"

	// CodeLLMError indicates a model gateway error.
	CodeLLMError ErrorCode = "LLM_ERROR"

	// CodeCancelled indicates the run was cancelled by request.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeMaxIterations indicates the run exhausted its iteration budget.
	CodeMaxIterations ErrorCode = "MAX_ITERATIONS"

	// CodeStorage indicates the persistence layer failed.
	CodeStorage ErrorCode = "STORAGE_ERROR"
)

// WattError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type WattError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // HTTP status for API responses
}

// Error implements the error interface.
func (e *WattError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *WattError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging and API bodies.
func (e *WattError) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Err = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new WattError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *WattError {
	return &WattError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// Newf creates a WattError without a cause and a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *WattError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *WattError) WithContext(key string, value interface{}) *WattError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *WattError) WithAttribute(key, value string) *WattError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *WattError) WithRecoverable(recoverable bool) *WattError {
	e.Recoverable = recoverable
	return e
}

// AsWattError attempts to convert an error to a WattError.
// Returns the first WattError in the chain, or wraps err as internal.
func AsWattError(err error) *WattError {
	if err == nil {
		return nil
	}
	var we *WattError
	if stderrors.As(err, &we) {
		return we
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first WattError in the chain.
// Errors outside the taxonomy report CodeInternal; nil reports "".
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var we *WattError
	if stderrors.As(err, &we) {
		return we.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *WattError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound, CodeConfiguration:
		return 404
	case CodeInvalidInput:
		return 400
	case CodeConflict:
		return 409
	case CodePolicyViolation, CodeApprovalDenied:
		return 403
	case CodeTimeout, CodeApprovalTimeout:
		return 408
	case CodeRateLimit:
		return 429
	case CodeLLMError:
		return 502
	default:
		return 500
	}
}
