package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"post-rpc/config"
	"post-rpc/engine"
	"post-rpc/events"
	"post-rpc/middleware"
	"post-rpc/observability"
	"post-rpc/registry"
	"post-rpc/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the demo Arith and Echo services",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	bus := events.NewBus()
	svr := server.NewServer(
		server.WithLogger(log.Logger),
		server.WithEvents(bus),
		server.WithVersion(cfg.Engine.Version),
		server.WithRegistration(cfg.Server.Weight, cfg.Registry.TTL),
		server.WithEngineOptions(
			engine.WithAllowedOrigin(cfg.Engine.AllowedOrigin),
			engine.WithTargetOrigin(cfg.Engine.TargetOrigin),
		),
	)

	svr.Use(middleware.LoggingMiddleware(log.Logger))
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics, err := observability.NewMetrics(reg)
		if err != nil {
			return err
		}
		if err := metrics.Attach(bus); err != nil {
			return err
		}
		svr.Use(metrics.Middleware())
		if cfg.Metrics.Listen == "" {
			svr.Handle(cfg.Metrics.Path, metrics.Handler())
		} else {
			go serveMetrics(ctx, cfg.Metrics, metrics.Handler())
		}
	}
	if cfg.Middleware.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Middleware.RateLimit, cfg.Middleware.Burst))
	}
	if cfg.Middleware.RetryMax > 0 {
		svr.Use(middleware.RetryMiddleware(log.Logger, cfg.Middleware.RetryMax, cfg.Middleware.RetryDelay))
	}
	if cfg.Middleware.Timeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Middleware.Timeout))
	}

	if err := svr.Register(&Arith{}); err != nil {
		return err
	}
	if err := svr.Register(&Echo{}); err != nil {
		return err
	}

	var reg registry.Registry
	if len(cfg.Registry.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, registry.WithEtcdLogger(log.Logger))
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(listener, cfg.Server.Advertise, reg) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	if err := svr.Shutdown(5 * time.Second); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	return <-served
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, h)
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Info().Str("addr", cfg.Listen).Str("path", cfg.Path).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
