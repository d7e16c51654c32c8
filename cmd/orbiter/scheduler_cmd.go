package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fentz26/orbiter/internal/audit"
	"github.com/fentz26/orbiter/internal/clock"
	"github.com/fentz26/orbiter/internal/config"
	"github.com/fentz26/orbiter/internal/logging"
	"github.com/fentz26/orbiter/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Start the scheduler daemon",
	Long: `Starts the scheduler, which materialises work items for every active task
at its computed fire instants and reacts to change and event messages. Only
one instance leads at a time; the rest stand by.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	cfg.Dev = devLogging

	log, err := logging.New("scheduler", cfg.Dev)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	b, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	sched := scheduler.New(s, b, audit.NewWriter(s), clock.System{}, log, scheduler.Config{
		ID:   cfg.WorkerID,
		Tick: cfg.TickInterval,
	})

	log.Infow("scheduler starting", "id", cfg.WorkerID, "tick", cfg.TickInterval)
	if err := sched.Run(ctx); err != nil {
		log.Errorw("scheduler failed", "error", err)
		os.Exit(2)
	}
	log.Infow("scheduler shut down cleanly")
	return nil
}
