// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/auth"
	"github.com/jason-s-yu/lobbyd/internal/cache"
	"github.com/jason-s-yu/lobbyd/internal/config"
	"github.com/jason-s-yu/lobbyd/internal/handlers"
	"github.com/jason-s-yu/lobbyd/internal/metrics"
	"github.com/jason-s-yu/lobbyd/internal/middleware"
	"github.com/jason-s-yu/lobbyd/internal/service"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	logger.SetLevel(cfg.Level())

	if err := auth.Init(cfg.TokenExpire); err != nil {
		logger.Fatalf("auth init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(collector),
	}
	if cfg.PublishEvents {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Fatalf("event queue: %v", err)
		}
		defer rdb.Close()
		opts = append(opts, service.WithPublisher(cache.NewQueue(rdb, cfg.EventQueue)))
		logger.Infof("publishing lobby events to redis list %q", cfg.EventQueue)
	}
	svc := service.New(serviceConfig(cfg), opts...)

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:            rate.Limit(cfg.RateLimitRPS),
		Burst:           cfg.RateLimitBurst,
		CleanupInterval: middleware.DefaultRateLimiterConfig().CleanupInterval,
	}, logger)
	defer limiter.Stop()

	srv := &handlers.Server{
		Service:        svc,
		Logger:         logger,
		Limiter:        limiter,
		Metrics:        collector,
		Gatherer:       reg,
		AllowedOrigins: cfg.AllowedOrigins,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serviceDone := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(serviceDone)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http shutdown: %v", err)
		}
	}()

	logger.Infof("Running on %s", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server exited: %v", err)
	}
	stop()
	<-serviceDone
}

func serviceConfig(cfg config.Config) service.Config {
	return service.Config{
		ExpiryThreshold: cfg.ExpiryThreshold,
		SweepInterval:   cfg.SweepInterval,
		DefaultLimit:    cfg.QueryLimit,
		MaxLimit:        cfg.QueryMax,
		Policy: service.Policy{
			StrictRemove:      cfg.StrictRemove,
			StrictDelete:      cfg.StrictDelete,
			HostMigration:     service.HostMigration(cfg.HostMigration),
			QuickJoinAttempts: cfg.QuickJoinAttempts,
		},
	}
}
