package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "olleh",
		Short:         "Client for the ollehd session protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(pingCmd(), hashPasswordCmd())
	return root
}
