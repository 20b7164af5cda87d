package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/emunet-network/emunet/pkg/dnssrv"
	"github.com/emunet-network/emunet/pkg/util"
)

// dns-server is how dns_server devices get their resolver: the control
// server re-execs its own binary with this subcommand inside the device's
// namespace. Hidden because nobody should run it by hand.
func newDNSServerCmd() *cobra.Command {
	var (
		recordsPath string
		listen      string
	)

	cmd := &cobra.Command{
		Use:    "dns-server",
		Short:  "Serve DNS for the emulated network",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDNSServer(recordsPath, listen)
		},
	}

	cmd.Flags().StringVar(&recordsPath, "records", "", "path to the records file")
	cmd.Flags().StringVar(&listen, "listen", ":53", "listen address")
	cmd.MarkFlagRequired("records")
	return cmd
}

func runDNSServer(recordsPath, listen string) error {
	srv := dnssrv.New(listen, dnssrv.NewRecords(recordsPath))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		util.Infof("dns-server: received %s, shutting down", sig)
		return srv.Shutdown()
	case err := <-errCh:
		return err
	}
}
