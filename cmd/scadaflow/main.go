// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Command scadaflow runs the telemetry host: collectors, the persistence
// pipeline, the alarm and collection engines and the background jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scadaflow/scadaflow/pkg/app"
	"github.com/scadaflow/scadaflow/pkg/config"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// Set via ldflags at release build time.
var (
	version = "dev"
	commit  = "unknown"
)

var confPath string

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "scadaflow",
		Short:        "Industrial telemetry ingestion and evaluation host",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&confPath, "config", "c", "", "path to scadaflow.yaml")
	root.AddCommand(runCommand(), versionCommand())
	return root
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the host and serve until interrupted",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("scadaflow %s (%s)\n", version, commit)
		},
	}
}

func run() error {
	if err := config.Setup(confPath); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := log.SetupDefaultLogger(config.C.GetString("log.level")); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer log.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("assembling host: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("starting host: %w", err)
	}
	log.Infof("scadaflow %s started", version)

	<-ctx.Done()
	log.Info("scadaflow: shutdown signal received")

	// Shutdown problems are logged, not fatal: the process already served.
	if err := a.Stop(); err != nil {
		log.Errorf("scadaflow: shutdown: %v", err) //nolint:errcheck
	}
	return nil
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
