package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/governance"
)

// rangeFlags select the reporting window. --since wins over --from.
type rangeFlags struct {
	From  string
	To    string
	Since time.Duration
}

func (f *rangeFlags) add(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.From, "from", "", "Window start (RFC 3339)")
	cmd.Flags().StringVar(&f.To, "to", "", "Window end (RFC 3339, defaults to now)")
	cmd.Flags().DurationVar(&f.Since, "since", 0, "Window length ending now, e.g. 24h")
}

func (f *rangeFlags) timeRange() (*core.TimeRange, error) {
	if f.Since <= 0 && f.From == "" && f.To == "" {
		return nil, nil
	}
	now := time.Now().UTC()
	tr := &core.TimeRange{To: now}
	if f.To != "" {
		t, err := time.Parse(time.RFC3339, f.To)
		if err != nil {
			return nil, NewInvalidArgumentError("to", err.Error())
		}
		tr.To = t
	}
	switch {
	case f.Since > 0:
		tr.From = tr.To.Add(-f.Since)
	case f.From != "":
		t, err := time.Parse(time.RFC3339, f.From)
		if err != nil {
			return nil, NewInvalidArgumentError("from", err.Error())
		}
		tr.From = t
	}
	if tr.To.Before(tr.From) {
		return nil, NewInvalidArgumentError("to", "window ends before it starts")
	}
	return tr, nil
}

func newKPIsCommand(o *rootOptions) *cobra.Command {
	var rf rangeFlags
	cmd := &cobra.Command{
		Use:   "kpis <agent-id>",
		Short: "Show the KPIs of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := rf.timeRange()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), o, false, func(a *app) error {
				k, err := a.engine.KPIs(cmd.Context(), args[0], tr)
				if err != nil {
					return err
				}
				return o.print(k, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
					fmt.Fprintf(tw, "Agent\t%s\n", k.AgentID)
					fmt.Fprintf(tw, "Runs\t%d (%d completed, %d failed)\n", k.TotalRuns, k.CompletedRuns, k.FailedRuns)
					fmt.Fprintf(tw, "Success rate\t%.1f%%\n", k.SuccessRate*100)
					fmt.Fprintf(tw, "First contact resolution\t%.1f%%\n", k.FCRRate*100)
					fmt.Fprintf(tw, "Avg lead time\t%.2f min\n", k.AvgLeadTimeMinutes)
					fmt.Fprintf(tw, "Avg cost\t$%.6f\n", k.AvgCostUSD)
					fmt.Fprintf(tw, "Tool efficiency\t%.1f%%\n", k.ToolEfficiency*100)
					_ = tw.Flush()
				})
			})
		},
	}
	rf.add(cmd)
	return cmd
}

func newCostsCommand(o *rootOptions) *cobra.Command {
	var rf rangeFlags
	cmd := &cobra.Command{
		Use:   "costs <tenant-id>",
		Short: "Summarize the model spend of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := rf.timeRange()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), o, false, func(a *app) error {
				sum, err := a.engine.TenantCosts(cmd.Context(), args[0], tr)
				if err != nil {
					return err
				}
				return o.print(sum, func(w io.Writer) {
					fmt.Fprintf(w, "Tenant %s: $%.6f over %d calls, %d tokens\n",
						sum.TenantID, sum.TotalCostUSD, sum.UsageCount, sum.TotalTokens)
					tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
					fmt.Fprintln(tw, "TIME\tRUN\tPROVIDER\tMODEL\tTOKENS\tCOST")
					for _, u := range sum.Usage {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t$%.6f\n",
							u.CreatedAt.Format(time.RFC3339), u.RunID, u.Provider, u.Model, u.TotalTokens, u.CostUSD)
					}
					_ = tw.Flush()
				})
			})
		},
	}
	rf.add(cmd)
	return cmd
}

func newApprovalsCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and resolve approval requests",
	}

	var filter governance.ApprovalFilter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = governance.ApprovalStatus(status)
			return withApp(cmd.Context(), o, false, func(a *app) error {
				recs, err := a.engine.ListApprovals(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return o.print(recs, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tSTATUS\tRUN\tAGENT\tTOOL\tROLE\tEXPIRES")
					for _, r := range recs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							r.ID, r.Status, r.RunID, r.AgentID, r.ToolName, r.ApproverRole, r.ExpiresAt.Format(time.RFC3339))
					}
					_ = tw.Flush()
				})
			})
		},
	}
	list.Flags().StringVar(&status, "status", string(governance.ApprovalPending), "Filter by status (empty for all)")
	list.Flags().StringVar(&filter.AgentID, "agent", "", "Filter by agent id")
	list.Flags().StringVar(&filter.TenantID, "tenant", "", "Filter by tenant id")
	list.Flags().StringVar(&filter.RunID, "run", "", "Filter by run id")

	cmd.AddCommand(list, newResolveCommand(o, true), newResolveCommand(o, false))
	return cmd
}

func newResolveCommand(o *rootOptions, granted bool) *cobra.Command {
	use, short := "deny <approval-id>", "Deny a pending approval and fail its run"
	if granted {
		use, short = "approve <approval-id>", "Approve a pending approval and resume its run"
	}
	var reason string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Resuming runs the approved tool, so adapters are needed.
			return withApp(cmd.Context(), o, true, func(a *app) error {
				resolve := a.engine.Deny
				if granted {
					resolve = a.engine.Approve
				}
				run, err := resolve(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return o.print(run, func(w io.Writer) { printRun(w, run) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the decision")
	return cmd
}

func withApp(ctx context.Context, o *rootOptions, tools bool, fn func(a *app) error) error {
	a, err := buildApp(ctx, o.cfg, buildOptions{logOutput: o.ErrOut, withTools: tools})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}
