// Command redirects fills the .goredirectstbl section of the kernel image.
// The rt0 code walks that table at boot and patches each Go runtime function
// listed in a //go:redirect-from directive to jump to its kernel replacement.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	rootDir string
)

var rootCmd = &cobra.Command{
	Use:   "redirects",
	Short: "Manage the runtime redirect table of the kernel image",
	Long: `redirects scans the kernel sources for //go:redirect-from directives and
writes the (source, destination) address pairs into the .goredirectstbl
section of a linked kernel image.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "Module root containing go.mod and kernel/")
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("redirects failed")
		os.Exit(1)
	}
}
