// emunet — kernel-level network emulator
//
// emunet builds virtual networks out of Linux network namespaces, veth
// pairs, and bridges, shapes them with tc, and exposes a control server
// with interactive terminals and live packet capture streams.
//
// Usage:
//
//	emunet serve                     Run the control server
//	emunet attach <device>           Open a terminal on a device
//	emunet status                    Show the running topology
//	emunet cleanup                   Remove leftover namespaces and veths
//	emunet version                   Print version information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emunet-network/emunet/pkg/util"
	"github.com/emunet-network/emunet/pkg/version"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "emunet",
	Short:             "Kernel-level network emulator",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `emunet emulates networks with real kernel primitives: every device is a
network namespace, every link a veth pair, every packet a capture event.

  emunet serve --listen :8080`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			util.SetLogLevel("debug")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newServeCmd(),
		newAttachCmd(),
		newStatusCmd(),
		newCleanupCmd(),
		newDNSServerCmd(),
		newVersionCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("emunet %s\n", version.Info())
		},
	}
}
