package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/orbiter/internal/audit"
	"github.com/fentz26/orbiter/internal/clock"
	"github.com/fentz26/orbiter/internal/config"
	"github.com/fentz26/orbiter/internal/logging"
	"github.com/fentz26/orbiter/internal/tools"
	"github.com/fentz26/orbiter/internal/worker"
)

var (
	workerLoops int
	toolsFile   string
	execWorkDir string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a worker daemon",
	Long: `Starts a worker, which leases ready work items, executes their pipelines,
records every attempt, and deletes each item on a terminal outcome.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerLoops, "loops", 1, "Parallel lease loops inside this process")
	workerCmd.Flags().StringVar(&toolsFile, "tools", "", "Path to a static tool registry JSON file")
	workerCmd.Flags().StringVar(&execWorkDir, "exec-dir", "", "Working directory for the exec transport")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	cfg.Dev = devLogging

	log, err := logging.New("worker", cfg.Dev)
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

	registry := tools.NewStaticRegistry()
	registry.RegisterBuiltins()
	if toolsFile != "" {
		if err := registry.LoadFile(toolsFile); err != nil {
			return err
		}
	}
	log.Infow("tool registry loaded", "tools", registry.Count())

	aud := audit.NewWriter(s)
	client := tools.NewClient(registry)

	var wg sync.WaitGroup
	for i := 0; i < workerLoops; i++ {
		id := cfg.WorkerID
		if workerLoops > 1 {
			id = fmt.Sprintf("%s-%d", cfg.WorkerID, i)
		}
		w := worker.New(s, client, aud, clock.System{}, log, worker.Config{
			ID:    id,
			Lease: time.Duration(cfg.LeaseSeconds) * time.Second,
			Poll:  cfg.PollInterval,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Errorw("worker loop failed", "error", err)
				os.Exit(2)
			}
		}()
	}

	wg.Wait()
	log.Infow("worker shut down cleanly")
	return nil
}
