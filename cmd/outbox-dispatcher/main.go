package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/eventbus"
	"github.com/zoff-tech/go-eventbus/pkg/outbox"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/outbox-dispatcher")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := telemetry.NewLogger(cfg.Observability.ServiceName, cfg.Observability.LogLevel)
	if err != nil {
		log.Fatal("Failed to create logger: ", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("outbox dispatcher failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Settings, logger *zap.Logger) error {
	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return err
	}
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := serveMetrics(addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, closeStore, err := outbox.Open(ctx, cfg.Database, cfg.Outbox)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	publisher, err := eventbus.NewPublisher(ctx, cfg.Broker, logger, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	dispatcher := outbox.NewDispatcher(store, publisher, cfg.Outbox,
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics),
	)
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	dispatcher.Stop()
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
