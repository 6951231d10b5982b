// Command worker consumes the routing and geocoding queues. It needs the redis queue backend;
// the memory backend only works with in-process workers in the API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetgeo/internal/api"
	"fleetgeo/internal/config"
	"fleetgeo/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := cfg.NewLogger(os.Stderr).With("component", "worker")
	slog.SetDefault(log)
	if cfg.Queue.Backend == "memory" || !cfg.QueueEnabled() {
		log.Error("worker needs the redis queue backend", "backend", cfg.Queue.Backend, "hasRedisURL", cfg.RedisURL != "")
		os.Exit(1)
	}
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := api.NewServer(ctx, cfg, log)
	if err != nil {
		log.Error("failed to init worker", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	workers := deps.StartWorkers(ctx)
	go deps.Queues.PollGauges(ctx, cfg.Queue.PollInterval(), deps.QueueNames()...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.HealthHandler)
	mux.HandleFunc("GET /readyz", deps.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker http server error", "err", err)
		}
	}()

	log.Info("worker running", "queues", deps.QueueNames(), "concurrency", cfg.Queue.Concurrency, "addr", srv.Addr)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	for _, w := range workers {
		w.Stop()
	}
	log.Info("worker stopped")
}
