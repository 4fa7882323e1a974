package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newCountCmd())
}

func newCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of redirect directives",
		Long: `The count command prints how many entries the redirect table needs. The
linker script uses it to size the .goredirectstbl section.

Example:
  redirects count`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			redirects, err := scanRedirects(rootDir)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d", len(redirects))
			return err
		},
	}
}
