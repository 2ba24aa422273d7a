package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/conduit/internal/controlplane"
	"github.com/fentz26/conduit/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Conduit daemon",
	Long:  `Starts the Conduit daemon which accepts events over HTTP and archives runs.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().String("listen", "", "Listen address for the API server")
	daemonCmd.Flags().String("db", "", "Path to SQLite database")
	daemonCmd.Flags().String("pipelines", "", "Directory of pipeline definitions")
	daemonCmd.Flags().String("workspace", "", "Working directory for actions")
	daemonCmd.Flags().Int("max-parallel-jobs", 0, "Concurrently running jobs per run")
	daemonCmd.Flags().Duration("job-timeout", 0, "Default job timeout")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger.Info("starting conduit daemon", "version", controlplane.Version)

	s, err := store.New(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := s.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()

	// Runs left open by a previous process can never finish.
	if n, err := s.MarkInterrupted("interrupted: daemon restarted"); err != nil {
		logger.Warn("marking interrupted runs failed", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted runs", "count", n)
	}
	if cfg.Cache.Backend == "sqlite" && cfg.Cache.MaxAge > 0 {
		n, err := s.DeleteCacheOlderThan(time.Now().Add(-cfg.Cache.MaxAge))
		if err != nil {
			logger.Warn("cache eviction failed", "error", err)
		} else if n > 0 {
			logger.Info("evicted cache entries", "count", n, "max_age", cfg.Cache.MaxAge)
		}
	}

	stk, err := buildStack(context.Background(), cfg, s, true, nil)
	if err != nil {
		return err
	}
	logger.Info("pipelines loaded", "count", len(stk.defs), "dir", cfg.Pipelines)

	server := controlplane.NewServer(controlplane.NewService(stk.engine, s), cfg.Listen, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			stk.engine.Close(context.Background())
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("interrupting in-flight runs")
	if err := stk.engine.Close(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
