package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/config"
)

var (
	configPath string
	logLevel   string
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Durable workflow orchestration over Postgres",
		Long: `Semflow runs workflows as DAGs of steps backed by a transactional
Postgres task queue. Steps are claimed with row locks, executed by worker
pools, and retried with backoff until they succeed or land in the dead
letter queue.

Server commands (serve, worker, migrate) talk to Postgres directly.
Client commands (trigger, executions, dlq, status) talk to a running
semflow API server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: search for semflow.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	cmd.AddCommand(
		serveCommand(),
		workerCommand(),
		migrateCommand(),
		configCommand(),
		triggerCommand(),
		cancelCommand(),
		executionsCommand(),
		dlqCommand(),
		workersCommand(),
		statusCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s %s (built %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// loadConfig resolves the effective configuration for server commands:
// defaults, then config files, then SEMFLOW_* environment overrides, then
// the --log-level flag on top.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader(slog.Default())
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// buildLogger constructs the process-wide logger from the log section and
// installs it as the slog default.
func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
