package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nestos/kernel/fs/initrd"
)

func init() {
	rootCmd.AddCommand(newListCmd())
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <initrd>",
		Short: "List the files of an initrd archive",
		Long: `The list command validates an archive and prints the name, size and data
offset of each file.

Example:
  mkinitrd list build/initrd.img`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.OutOrStdout(), args[0])
		},
	}
}

func runList(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	archive, kerr := initrd.Parse(data)
	if kerr != nil {
		return fmt.Errorf("%s: %w", path, kerr)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tOFFSET")
	for i := 0; i < archive.Len(); i++ {
		entry, kerr := archive.Entry(i)
		if kerr != nil {
			return fmt.Errorf("%s: entry %d: %w", path, i, kerr)
		}
		fmt.Fprintf(tw, "%s\t%d\t0x%x\n", entry.Name, entry.Size, entry.Offset)
	}
	return tw.Flush()
}
