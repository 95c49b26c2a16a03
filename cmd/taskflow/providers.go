package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/process"
	"github.com/aristath/taskflow/internal/toolpool"
)

func newProvidersCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured tool providers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Initialize every provider and list the tools it offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closeLog, err := root.load()
			if err != nil {
				return err
			}
			defer closeLog()

			pm := process.NewManager()
			defer pm.KillAll()
			reg, err := buildProviders(cfg, pm, log)
			if err != nil {
				return err
			}
			defer reg.Close()
			if err := reg.InitializeAll(cmd.Context()); err != nil {
				return err
			}

			tools := reg.Tools()
			if len(tools) == 0 {
				fmt.Fprintln(root.out, "no tools")
				return nil
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tPROVIDER\tDESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Schema.Name, t.Provider, t.Schema.Description)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "invoke <tool> [json-arguments]",
		Short: "Call a tool once and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := root.load()
			if err != nil {
				return err
			}
			defer closeLog()

			var arguments json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("arguments are not valid JSON")
				}
				arguments = json.RawMessage(args[1])
			}

			pm := process.NewManager()
			defer pm.KillAll()
			reg, err := buildProviders(cfg, pm, log)
			if err != nil {
				return err
			}
			defer reg.Close()
			if err := reg.InitializeAll(cmd.Context()); err != nil {
				return err
			}

			text, err := reg.ExecuteTool(cmd.Context(), toolpool.Request{
				ID:        uuid.NewString(),
				Name:      args[0],
				Arguments: arguments,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, text)
			return nil
		},
	})
	return cmd
}
