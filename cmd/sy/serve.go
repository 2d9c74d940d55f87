package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchyard/internal/api"
	"github.com/zulandar/switchyard/internal/engine"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		Long:  "Wires the engine from config, starts the expiry sweeper and serves the API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides http.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, gormDB, log, appOpts{})
	if err != nil {
		return err
	}
	defer a.close()

	sweeper, err := engine.NewSweeper(engine.SweeperOpts{
		Target:   a.engine,
		Schedule: cfg.Engine.SweepSchedule,
		Logger:   &log,
	})
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if port <= 0 {
		port = cfg.HTTP.Port
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Switchyard API running at http://localhost:%d\n", port)
	return api.Start(ctx, api.StartOpts{
		Engine:   a.engine,
		History:  a.history,
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Logger:   &log,
		Port:     port,
	})
}
