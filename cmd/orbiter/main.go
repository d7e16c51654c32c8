package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fentz26/orbiter/internal/bus"
	"github.com/fentz26/orbiter/internal/config"
	"github.com/fentz26/orbiter/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "orbiter",
	Short: "Orbiter - durable task orchestrator",
	Long: `Orbiter schedules recurring and event-driven tasks, leases the resulting
work items across a fleet of workers, and executes each task's declarative
pipeline with full run and audit history.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var devLogging bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&devLogging, "dev", false, "Human-readable console logging")

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(eventCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the configured durable store; a failure here is a fatal
// startup error (exit 1 via RunE).
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	s, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("store unreachable: %w", err)
	}
	return s, nil
}

// openBus selects Redis when configured, the in-process bus otherwise.
func openBus(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (bus.Bus, error) {
	if cfg.RedisURL == "" {
		log.Warnw("REDIS_URL not set; using in-process bus (single-process deployments only)")
		return bus.NewMemory(), nil
	}
	b, err := bus.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	return b, nil
}
