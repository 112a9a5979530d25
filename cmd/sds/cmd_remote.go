package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRemoteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remote",
		Short: "List the artifacts available on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			artifacts, err := c.Artifacts(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Available artifacts on %s\n", opts.server)
			for _, a := range artifacts {
				if a.Public {
					fmt.Fprintf(out, "  %s (public)\n", a.Name)
				} else {
					fmt.Fprintf(out, "  %s\n", a.Name)
				}
			}
			return nil
		},
	}
}
