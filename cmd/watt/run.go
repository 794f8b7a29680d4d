package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/engine"
	"github.com/jllopis/watt/pkg/governance"
)

var runExample = `
  # Run an agent once and print the result
  watt run --agent support "Where is my order 1234?"

  # Answer approval prompts on the console
  watt run --agent support --interactive "Refund order 1234"`

type runOptions struct {
	*rootOptions
	AgentID     string
	UserID      string
	TenantID    string
	Interactive bool
	Stream      bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	o := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:     "run --agent <id> <input>",
		Short:   "Run an agent against one input",
		Example: runExample,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd.Context(), strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&o.AgentID, "agent", "", "Agent id")
	cmd.Flags().StringVar(&o.UserID, "user", "", "End user id")
	cmd.Flags().StringVar(&o.TenantID, "tenant", "", "Tenant id (defaults to the agent's tenant)")
	cmd.Flags().BoolVar(&o.Interactive, "interactive", false, "Prompt on the console when the run waits for approval")
	cmd.Flags().BoolVar(&o.Stream, "stream", false, "Print model output as it streams")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func (o *runOptions) Run(ctx context.Context, input string) error {
	bo := buildOptions{logOutput: o.ErrOut, withTools: true}
	if o.Stream {
		o.cfg.Engine.Stream = true
		bo.stream = func(_, delta string) { fmt.Fprint(o.Out, delta) }
	}
	a, err := buildApp(ctx, o.cfg, bo)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	run, err := a.engine.Run(ctx, engine.RunRequest{
		AgentID:  o.AgentID,
		Input:    input,
		UserID:   o.UserID,
		TenantID: o.TenantID,
	})
	if err != nil {
		return err
	}
	if o.Stream {
		fmt.Fprintln(o.Out)
	}

	if o.Interactive {
		approver := governance.NewConsoleApprover(
			governance.WithApprovalInput(o.In),
			governance.WithApprovalOutput(o.ErrOut),
		)
		for run.Status == core.RunWaitingApproval && run.PendingApproval != nil {
			rec, err := a.store.GetApproval(ctx, run.PendingApproval.ApprovalID)
			if err != nil {
				return err
			}
			granted, reason, err := approver.Ask(ctx, rec)
			if err != nil {
				break
			}
			if granted {
				run, err = a.engine.Approve(ctx, rec.ID, reason)
			} else {
				run, err = a.engine.Deny(ctx, rec.ID, reason)
			}
			if err != nil {
				return err
			}
		}
	}

	return o.print(run, func(w io.Writer) { printRun(w, run) })
}

func printRun(w io.Writer, run *core.AgentRun) {
	fmt.Fprintf(w, "Run:     %s\n", run.ID)
	fmt.Fprintf(w, "Status:  %s\n", run.Status)
	if run.Output != "" {
		fmt.Fprintf(w, "Output:  %s\n", run.Output)
	}
	if run.ErrorCode != "" {
		fmt.Fprintf(w, "Error:   [%s] %s\n", run.ErrorCode, run.Error)
	}
	if p := run.PendingApproval; p != nil {
		fmt.Fprintf(w, "Waiting: approval %s for %s (expires %s)\n", p.ApprovalID, p.ToolName, p.ExpiresAt.Format("2006-01-02 15:04:05Z07:00"))
	}
	for _, tc := range run.ToolCalls {
		state := "ok"
		if !tc.Succeeded() {
			state = tc.Error
		}
		fmt.Fprintf(w, "Tool:    %s (%s) %s\n", tc.ToolName, tc.ID, state)
	}
	m := run.Metrics
	fmt.Fprintf(w, "Tokens:  %d  Cost: $%.6f  Iterations: %d\n", m.TokenUsage.TotalTokens, m.CostUSD, m.Iterations)
}
