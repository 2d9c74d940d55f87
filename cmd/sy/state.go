package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStateCmd() *cobra.Command {
	var (
		configPath string
		events     int
	)

	cmd := &cobra.Command{
		Use:   "state <tenant> <phone>",
		Short: "Print a conversation's stored state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd, configPath, args[0], args[1], events)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().IntVarP(&events, "events", "n", 0, "also print the last n audit events")
	return cmd
}

func runState(cmd *cobra.Command, configPath, tenantID, phone string, events int) error {
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
	return printState(cmd, a, tenantID, phone, events)
}

func printState(cmd *cobra.Command, a *app, tenantID, phone string, events int) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	conv, err := a.engine.GetState(ctx, phone, tenantID)
	if err != nil {
		return err
	}
	if conv == nil {
		fmt.Fprintf(out, "No conversation for %s in tenant %s\n", phone, tenantID)
		return nil
	}
	raw, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	fmt.Fprintln(out, string(raw))

	if events <= 0 {
		return nil
	}
	history, err := a.history.History(ctx, phone, tenantID, events)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nLast %d events:\n", len(history))
	for _, ev := range history {
		fmt.Fprintf(out, "  %s  %-12s %-22s %s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Kind, ev.FlowName, ev.Step)
	}
	return nil
}
