// Command mkinitrd builds and inspects the initrd archives loaded next to
// the kernel as a multiboot module.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mkinitrd",
	Short: "Build and inspect initrd archives",
	Long: `mkinitrd packs host files into the flat archive format the kernel mounts as
its root filesystem and lists the contents of existing archives.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("mkinitrd failed")
		os.Exit(1)
	}
}
