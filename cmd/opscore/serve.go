package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ktrdr/opscore/pkg/api"
	"github.com/ktrdr/opscore/pkg/checkpoint"
	"github.com/ktrdr/opscore/pkg/log"
	"github.com/ktrdr/opscore/pkg/operations"
	"github.com/ktrdr/opscore/pkg/orphan"
	"github.com/ktrdr/opscore/pkg/reconcile"
	"github.com/ktrdr/opscore/pkg/resume"
	"github.com/ktrdr/opscore/pkg/storage"
	"github.com/ktrdr/opscore/pkg/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operations control plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "./opscore-data", "Durable storage directory")
	serveCmd.Flags().String("bind-addr", "0.0.0.0:8090", "HTTP bind address")
	serveCmd.Flags().Duration("orphan-timeout", 60*time.Second, "Orphan detector timeout (timeout_seconds)")
	serveCmd.Flags().Duration("orphan-check-interval", 15*time.Second, "Orphan detector poll interval (check_interval_seconds)")
	serveCmd.Flags().Duration("worker-check-interval", 15*time.Second, "Worker health-check poll interval")
	serveCmd.Flags().Int("worker-max-unreachable", 3, "Consecutive failed health checks before a worker is evicted")
}

// noStateProvider is the StateProvider used until a real worker-backed
// state source is wired; checkpoint.Save degrades to a no-op (false, nil)
// whenever it returns no state, so this never blocks a shutdown or timer
// checkpoint from being attempted.
type noStateProvider struct{}

func (noStateProvider) OperationState(_ context.Context, _ string) (map[string]any, error) {
	return nil, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{
		"data-dir", "bind-addr", "orphan-timeout", "orphan-check-interval",
		"worker-check-interval", "worker-max-unreachable", "log-level", "log-json",
	} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	log.Init(log.Config{Level: log.Level(v.GetString("log-level")), JSONOutput: v.GetBool("log-json")})

	dataDir := v.GetString("data-dir")
	bindAddr := v.GetString("bind-addr")
	orphanTimeout := v.GetDuration("orphan-timeout")
	orphanCheckInterval := v.GetDuration("orphan-check-interval")
	workerCheckInterval := v.GetDuration("worker-check-interval")
	workerMaxUnreachable := v.GetInt("worker-max-unreachable")

	// Step 2: ensure storage is reachable before anything else starts.
	repo, err := storage.NewBoltRepository(dataDir)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer repo.Close()

	// Step 3: run startup reconciliation over whatever the store shows as
	// RUNNING before any in-memory service or detector touches it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := reconcile.Run(ctx, repo)
	if err != nil {
		log.WithComponent("composition").Warn(fmt.Sprintf("startup reconciliation failed, continuing with zero processed: %v", err))
	} else {
		log.WithComponent("composition").Info(fmt.Sprintf(
			"startup reconciliation: %d processed, %d worker ops reconciled, %d backend ops failed",
			result.TotalProcessed, result.WorkerOpsReconciled, result.BackendOpsFailed))
	}

	ops := operations.NewService(repo)
	if err := ops.LoadFromRepository(ctx); err != nil {
		return fmt.Errorf("load operations cache: %w", err)
	}

	// Step 4: start the worker registry, with the operations service
	// injected first so re-registration reconciliation works from the
	// first heartbeat.
	workers := worker.NewRegistry(workerCheckInterval, workerMaxUnreachable)
	workers.SetOperationsService(ops)
	workers.Start(ctx)
	defer workers.Stop()

	ckpt := checkpoint.NewService(repo, noStateProvider{})
	resumer := resume.NewCoordinator(ops, ckpt)

	// Step 5: start the orphan detector, now that reconciliation has
	// already classified every RUNNING operation it will observe.
	orphans := orphan.NewDetector(ops, workers, orphan.Config{
		OrphanTimeout: orphanTimeout,
		CheckInterval: orphanCheckInterval,
	})
	orphans.Start(ctx)
	defer orphans.Stop()

	// Step 6: accept HTTP traffic.
	server := api.NewServer(ops, ckpt, resumer, workers, orphans)
	httpServer := &http.Server{
		Addr:    bindAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("composition").Info(fmt.Sprintf("listening on %s", bindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithComponent("composition").Info("shutdown signal received")
	case err := <-errCh:
		log.WithComponent("composition").Error(err.Error())
	}

	// Shutdown: stop C6, stop C4, close storage pool (deferred).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithComponent("composition").Warn(fmt.Sprintf("http server shutdown: %v", err))
	}
	orphans.Stop()
	workers.Stop()

	log.WithComponent("composition").Info("shutdown complete")
	return nil
}
