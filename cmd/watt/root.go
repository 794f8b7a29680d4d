package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jllopis/watt/pkg/config"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	ConfigPath string
	Profile    string
	Sets       []string
	JSON       bool

	cfg *config.Config

	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
}

func (o *rootOptions) loadOptions() config.LoadOptions {
	return config.LoadOptions{Path: o.ConfigPath, Profile: o.Profile, Sets: o.Sets}
}

// print writes v as indented JSON when --json is set and as text otherwise.
func (o *rootOptions) print(v any, text func(w io.Writer)) error {
	if o.JSON || text == nil {
		enc := json.NewEncoder(o.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(o.Out)
	return nil
}

func newRootCommand(in io.Reader, out, errOut io.Writer) (*cobra.Command, *rootOptions) {
	o := &rootOptions{In: in, Out: out, ErrOut: errOut}

	cmd := &cobra.Command{
		Use:   "watt",
		Short: "watt runs governed, cost-accounted agents",
		Long: `watt executes customer-service agents: it talks to the model gateway,
runs tools through adapters under a guardrail policy, suspends runs that need
human approval, and records token usage and cost per tenant.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithOptions(o.loadOptions())
			if err != nil {
				return NewConfigError(err, o.ConfigPath)
			}
			o.cfg = cfg
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&o.ConfigPath, "config", "", "Path to the YAML configuration file")
	flags.StringVar(&o.Profile, "profile", "", "Configuration profile overlay (config.<profile>.yaml)")
	flags.StringArrayVar(&o.Sets, "set", nil, "Override a configuration key (key=value, repeatable)")
	flags.BoolVar(&o.JSON, "json", false, "Print machine readable JSON")

	cmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running agents:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)
	for _, c := range []*cobra.Command{newServeCommand(o), newRunCommand(o)} {
		c.GroupID = "run"
		cmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{newApprovalsCommand(o), newKPIsCommand(o), newCostsCommand(o)} {
		c.GroupID = "ops"
		cmd.AddCommand(c)
	}
	cmd.AddCommand(newVersionCommand(o))
	return cmd, o
}

func newVersionCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the watt version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(*cobra.Command, []string) error {
			return o.print(map[string]string{"version": version}, func(w io.Writer) {
				fmt.Fprintln(w, version)
			})
		},
	}
}
