package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the release pipeline via -ldflags; "dev" covers
// local builds.
var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the torrentd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
