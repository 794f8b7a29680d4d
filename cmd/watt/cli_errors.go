// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jllopis/watt/pkg/errors"
)

// CLIError wraps WattError with CLI-specific formatting and hints.
type CLIError struct {
	*errors.WattError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(we *errors.WattError, hint string) *CLIError {
	return &CLIError{WattError: we, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.WattError == nil {
		return "unknown error"
	}
	msg := e.WattError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Print writes the error to w, as JSON when asJSON is set.
func (e *CLIError) Print(w io.Writer, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{
			"code":    string(e.Code),
			"message": e.Message,
			"hint":    e.Hint,
		}})
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

// asCLIError attaches a hint matching the error code.
func asCLIError(err error) *CLIError {
	if ce, ok := err.(*CLIError); ok {
		return ce
	}
	we := errors.AsWattError(err)
	return NewCLIError(we, hintFor(we.Code))
}

func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeConfiguration:
		return "check agents.dir and the agent definition files"
	case errors.CodeNotFound:
		return "check the identifier; runs and approvals live in the configured store"
	case errors.CodeConflict:
		return "the run or approval was already resolved"
	case errors.CodeStorage:
		return "check store.driver and store.dsn"
	case errors.CodeLLMError:
		return "check llm.base_url and that the model gateway is reachable"
	case errors.CodeInvalidInput:
		return "run 'watt help' for usage information"
	default:
		return ""
	}
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	we := errors.New(errors.CodeConfiguration, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(we, hint)
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	we := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg)
	return NewCLIError(we, "run 'watt help' for usage information")
}
