package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanbroker/core/internal/api"
	"github.com/scanbroker/core/internal/engine"
	"github.com/scanbroker/core/internal/logging"
	"github.com/scanbroker/core/internal/metrics"
	"github.com/scanbroker/core/internal/observability"
	"github.com/scanbroker/core/internal/scanmanager"
	"github.com/scanbroker/core/internal/scheduler"
	"github.com/scanbroker/core/internal/store"
	"github.com/scanbroker/core/internal/targetsync"
)

func serveCmd() *cobra.Command {
	var httpAddr string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan broker daemon",
		Long:  "Runs the Scan Manager, Target Sync, Scheduler, and HTTP API in one process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.API.Host = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var reg *metrics.Registry
			if cfg.Observability.Metrics.Enabled {
				reg = metrics.NewRegistry(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.Buckets)
			}

			st, err := store.Open(context.Background(), cfg.Scan.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			pool := engine.NewPool(cfg.Probes, cfg.Scan, cfg.Source.Timeout, reg)

			logger := logging.Op()
			mgr := scanmanager.New(st, pool, cfg.Scan, cfg.Source, logger, reg)
			if err := mgr.Recover(context.Background()); err != nil {
				logger.Warn("scan recovery failed", "error", err)
			}
			defer mgr.Shutdown()

			bgCtx, bgCancel := context.WithCancel(context.Background())
			defer bgCancel()

			var syncer *targetsync.Syncer
			var sched *scheduler.Scheduler
			if cfg.Source.URL != "" {
				syncer = targetsync.New(st, cfg.Source, reg)
				go syncer.Start(bgCtx)

				sched = scheduler.New(st, mgr, cfg.Source, reg)
				go sched.Start(bgCtx)
			} else {
				logger.Info("no source.url configured; target sync and scheduler disabled")
			}

			handler := api.NewServer(api.ServerConfig{
				Store:   st,
				Manager: mgr,
				Pool:    pool,
				Probes:  cfg.Probes,
				Metrics: reg,
			})

			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			httpServer := &http.Server{Addr: addr, Handler: handler}
			go func() {
				logger.Info("HTTP API listening", "addr", addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("HTTP server failed", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Info("shutdown signal received")

			if sched != nil {
				sched.Stop()
			}
			if syncer != nil {
				syncer.Stop()
			}
			bgCancel()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown error", "error", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API host override")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override")

	return cmd
}
