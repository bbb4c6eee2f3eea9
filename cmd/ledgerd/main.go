// Command ledgerd runs the ledger daemon: a Ledger Registry (C7) fronted by
// the HTTP Remote Gateway (C8), with Prometheus metrics and an optional
// bbolt secondary index. Grounded on the teacher's cmd/meow entrypoint
// shape: flag-configurable path to a TOML config, structured startup
// logging, graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meow-stack/ledger/internal/gateway"
	"github.com/meow-stack/ledger/internal/ledgerconfig"
	"github.com/meow-stack/ledger/internal/ledgerindex"
	"github.com/meow-stack/ledger/internal/ledgermetrics"
	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg := ledgerconfig.Default()
	if *configPath != "" {
		loaded, err := ledgerconfig.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	format := logging.FormatJSON
	if cfg.LogFormat == "text" {
		format = logging.FormatText
	}
	logger := logging.New(os.Stderr, format, slog.LevelInfo)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ledgerd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *ledgerconfig.Config, logger *slog.Logger) error {
	ledger, err := registry.New(cfg.BasePath, registry.Options{
		MaxBackups:           cfg.MaxBackups,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		StaleThreshold:       cfg.StaleThreshold,
		LockTimeout:          cfg.LockTimeout,
		LockRetryInterval:    cfg.LockRetryInterval,
		MaxLockRetryInterval: cfg.MaxLockRetryInterval,
		PortableOperationIDs: cfg.PortableOperationIDs,
	}, logger)
	if err != nil {
		return err
	}
	ledger.StartWatchdog()
	defer ledger.StopWatchdog()

	reg := prometheus.NewRegistry()
	metrics := ledgermetrics.New(reg)
	ledger.SetMetrics(metrics)

	idx, err := ledgerindex.Open(cfg.IndexPath)
	if err != nil {
		logger.Warn("secondary index unavailable, continuing without it", "error", err)
	} else {
		defer idx.Close()
		if err := ledgerindex.Rebuild(cfg.BasePath, idx); err != nil {
			logger.Warn("initial index rebuild failed", "error", err)
		}
	}

	gw := gateway.New(ledger, cfg.GatewayAddr, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := gw.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}
