// Command kernelfsctl creates and inspects kernelfs disk images from the
// host shell: format a new image, list and read its directory tree, and
// export a compressed backup of the raw image.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var log = logrus.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "kernelfsctl",
		Short: "Create and inspect kernelfs disk images",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	// Built as a standalone pflag.FlagSet and merged in, rather than defined
	// directly on cobra's own flag set, so persistent flags shared by every
	// subcommand live in one place independent of cobra's wiring.
	globalFlags := pflag.NewFlagSet("kernelfsctl", pflag.ContinueOnError)
	globalFlags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().AddFlagSet(globalFlags)

	root.AddCommand(newMkfsCmd())
	root.AddCommand(newLsCmd())
	root.AddCommand(newCatCmd())
	root.AddCommand(newStatCmd())
	root.AddCommand(newBackupCmd())
	return root
}
