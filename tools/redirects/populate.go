package main

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newPopulateCmd())
}

func newPopulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "populate-table <kernel image>",
		Short: "Write the redirect table into a kernel image",
		Long: `The populate-table command resolves the source and destination symbol of
every redirect directive in the kernel image and writes their addresses into
the .goredirectstbl section in place.

Example:
  redirects populate-table build/kernel-x86_64.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPopulate(rootDir, args[0])
		},
	}
}

func runPopulate(root, imgFile string) error {
	redirects, err := scanRedirects(root)
	if err != nil {
		return err
	}

	img, err := elf.Open(imgFile)
	if err != nil {
		return fmt.Errorf("failed to open kernel image: %w", err)
	}
	symbols, err := img.Symbols()
	if err != nil {
		img.Close()
		return fmt.Errorf("%s: failed to read symbols: %w", imgFile, err)
	}
	section := img.Section(redirectSection)
	img.Close()
	if section == nil {
		return fmt.Errorf("%s: missing %s section", imgFile, redirectSection)
	}

	if err = resolveSymbols(redirects, symbols); err != nil {
		return fmt.Errorf("%s: %w", imgFile, err)
	}
	if need := uint64(len(redirects) * tableEntrySize); section.Size < need {
		return fmt.Errorf("%s: %s section holds %d bytes; %d needed", imgFile, redirectSection, section.Size, need)
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if err = writeTable(f, int64(section.Offset), redirects); err != nil {
		return fmt.Errorf("%s: %w", imgFile, err)
	}

	for _, r := range redirects {
		logrus.WithFields(logrus.Fields{
			"src": fmt.Sprintf("%s@0x%x", r.src, r.srcVMA),
			"dst": fmt.Sprintf("%s@0x%x", r.dst, r.dstVMA),
		}).Debug("redirect")
	}
	logrus.Infof("wrote %d redirects to %s", len(redirects), imgFile)
	return nil
}
