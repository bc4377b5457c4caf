// cmd/historian/main.go is the asynchronous archiver: it pops lobby events
// from the Redis queue the server publishes to and persists them to PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/lobbyd/internal/cache"
	"github.com/jason-s-yu/lobbyd/internal/config"
	"github.com/jason-s-yu/lobbyd/internal/database"
	"github.com/jason-s-yu/lobbyd/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	logger.SetLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.ConnectDB(ctx, cfg.PostgresURL()); err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer database.Close()
	if err := database.EnsureSchema(ctx); err != nil {
		logger.Fatalf("database schema: %v", err)
	}
	logger.Infof("connected to database %s on %s:%s", cfg.PGDatabase, cfg.PGHost, cfg.PGPort)

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Fatalf("event queue: %v", err)
	}
	defer rdb.Close()

	h := historian.New(cache.NewQueue(rdb, cfg.EventQueue), database.Archive{}, historian.Config{
		BatchSize:     cfg.HistorianBatch,
		FlushInterval: cfg.HistorianFlush,
		Inactivity:    cfg.HistorianInactivity,
	}, historian.WithLogger(logger))

	h.Run(ctx)
	logger.Info("historian shutdown complete")
}
