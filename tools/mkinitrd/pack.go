package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nestos/kernel/fs/initrd"
)

type packOptions struct {
	output   string
	manifest string
}

func init() {
	rootCmd.AddCommand(newPackCmd())
}

func newPackCmd() *cobra.Command {
	var opts packOptions

	cmd := &cobra.Command{
		Use:   "pack [name=path | path]...",
		Short: "Pack files into an initrd archive",
		Long: `The pack command stores the listed files in a new archive. Each argument is
either name=path or a bare path stored under its base name. Files listed in a
YAML manifest are added as well. Entries are stored in name order.

Example:
  mkinitrd pack -o build/initrd.img init=build/init.bin motd.txt
  mkinitrd pack -o build/initrd.img --manifest initrd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Path of the archive to write")
	cmd.Flags().StringVar(&opts.manifest, "manifest", "", "YAML manifest listing the files to pack")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runPack(opts packOptions, args []string) error {
	set := newEntrySet()

	if opts.manifest != "" {
		if err := loadManifest(opts.manifest, set); err != nil {
			return err
		}
	}
	for _, arg := range args {
		if err := set.addSpec(arg); err != nil {
			return err
		}
	}

	switch {
	case set.len() == 0:
		return fmt.Errorf("no files to pack")
	case set.len() > initrd.MaxFiles:
		return fmt.Errorf("%d files exceed the archive limit of %d", set.len(), initrd.MaxFiles)
	}

	if err := set.load(); err != nil {
		return err
	}

	data, kerr := initrd.Build(set.files())
	if kerr != nil {
		return fmt.Errorf("failed to build archive: %w", kerr)
	}

	if err := os.WriteFile(opts.output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}

	logrus.WithFields(logrus.Fields{"files": set.len(), "bytes": len(data)}).Infof("wrote %s", opts.output)
	return nil
}
