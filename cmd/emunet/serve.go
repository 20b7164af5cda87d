package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emunet-network/emunet/pkg/link"
	"github.com/emunet-network/emunet/pkg/netns"
	"github.com/emunet-network/emunet/pkg/observe"
	"github.com/emunet-network/emunet/pkg/ptys"
	"github.com/emunet-network/emunet/pkg/server"
	"github.com/emunet-network/emunet/pkg/topo"
	"github.com/emunet-network/emunet/pkg/util"
)

func newServeCmd() *cobra.Command {
	var (
		listen     string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control server",
		Long: `Starts the emulator control server. Requires CAP_NET_ADMIN and
CAP_SYS_ADMIN (in practice: run as root).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if !verbose && cfg.LogLevel != "" {
				util.SetLogLevel(cfg.LogLevel)
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default :8080)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	return cmd
}

func runServe(cfg server.Config) error {
	registry := netns.NewAddrRegistry()
	namespaces, err := netns.NewManager(registry)
	if err != nil {
		// no namespace support means nothing below can work
		return fmt.Errorf("startup: %w", err)
	}
	links := link.NewManager()
	sessions := ptys.NewManager(cfg.Shell, cfg.SessionGrace)
	observers := observe.NewRegistry()

	topology := topo.New(namespaces, links, sessions, observers)
	topology.DrainObserverStatus(observers.Status())

	srv := server.New(cfg, topology, sessions, observers.Fanout())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		util.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		util.Errorf("server: %v", err)
		topology.Shutdown()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	topology.Shutdown()
	return nil
}
