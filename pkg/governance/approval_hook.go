// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const consolePrompt = "Approve? [y/N] (an optional reason may follow): "

// ConsoleApprover asks an operator on a terminal to resolve a pending
// approval. An answer is "y" or "n", optionally followed by a reason:
//
//	y refund within goodwill budget
type ConsoleApprover struct {
	in      *bufio.Reader
	out     io.Writer
	timeout time.Duration
}

// ConsoleApprovalOption configures the console approver.
type ConsoleApprovalOption func(*ConsoleApprover)

// NewConsoleApprover reads from stdin and writes to stdout by default.
func NewConsoleApprover(opts ...ConsoleApprovalOption) *ConsoleApprover {
	h := &ConsoleApprover{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithApprovalInput sets the input reader.
func WithApprovalInput(r io.Reader) ConsoleApprovalOption {
	return func(h *ConsoleApprover) {
		if r != nil {
			h.in = bufio.NewReader(r)
		}
	}
}

// WithApprovalOutput sets the output writer.
func WithApprovalOutput(w io.Writer) ConsoleApprovalOption {
	return func(h *ConsoleApprover) {
		if w != nil {
			h.out = w
		}
	}
}

// WithApprovalTimeout bounds the wait for an answer. The record's own
// expiry bounds it as well, whichever comes first.
func WithApprovalTimeout(timeout time.Duration) ConsoleApprovalOption {
	return func(h *ConsoleApprover) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// Ask shows rec and returns the operator's decision and reason. Anything
// that does not start with "y" is a denial. A cancelled or expired wait
// returns the context error.
func (h *ConsoleApprover) Ask(ctx context.Context, rec ApprovalRecord) (bool, string, error) {
	if h == nil || h.in == nil {
		return false, "", fmt.Errorf("console approver: no input")
	}

	fmt.Fprintf(h.out, "\n%s\n", FormatApproval(rec))
	if rec.RuleID != "" {
		fmt.Fprintf(h.out, "Rule: %s\n", rec.RuleID)
	}
	if len(rec.ToolInput) > 0 {
		if data, err := json.Marshal(rec.ToolInput); err == nil {
			fmt.Fprintf(h.out, "Input: %s\n", data)
		}
	}
	fmt.Fprint(h.out, consolePrompt)

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	if !rec.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, rec.ExpiresAt)
		defer cancel()
	}

	lines := make(chan string, 1)
	go func() {
		line, _ := h.in.ReadString('\n')
		lines <- line
	}()

	select {
	case <-ctx.Done():
		return false, "", ctx.Err()
	case line := <-lines:
		granted, reason := parseAnswer(line)
		return granted, reason, nil
	}
}

func parseAnswer(line string) (bool, string) {
	answer, reason, _ := strings.Cut(strings.TrimSpace(line), " ")
	granted := strings.HasPrefix(strings.ToLower(answer), "y")
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected by operator"
		if granted {
			reason = "approved by operator"
		}
	}
	return granted, reason
}
