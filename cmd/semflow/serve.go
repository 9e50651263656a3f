package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// shutdownGrace bounds the drain on SIGINT/SIGTERM: workers finish or
// release claimed tasks, callbacks flush, leadership is released.
const shutdownGrace = 30 * time.Second

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: HTTP API, worker pool, janitor, and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(Options{API: true, Worker: true})
		},
	}
}

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process without the HTTP API",
		Long: `Runs the task executor pool plus the janitor and webhook dispatcher.
Executions reach their terminal status inside worker processes, so
callbacks fire from here; the sweep leader lock keeps a fleet of
workers from running maintenance twice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(Options{Worker: true})
		},
	}
}

func run(opts Options) error {
	// Print banner
	printBanner()

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := buildLogger(cfg)

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app := NewApp(cfg, opts, logger)
	if err := app.Start(signalCtx); err != nil {
		return err
	}
	logger.Info("semflow ready",
		"version", Version,
		"api", opts.API,
		"worker", opts.Worker)

	// Block until shutdown signal
	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	// Shutdown runs on a fresh context; the signal context is already done.
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		logger.Error("Error stopping components", "error", err)
	}

	logger.Info("Semflow shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Semflow v" + Version + "                     ║")
	fmt.Println("║      Durable Workflow Orchestration           ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
