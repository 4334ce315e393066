package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/internal/engine"
	"github.com/meridianfs/riskwatch/internal/notify"
	"github.com/meridianfs/riskwatch/internal/server"
	"github.com/meridianfs/riskwatch/internal/store"
	"github.com/meridianfs/riskwatch/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := cfg.Validate(); err != nil {
		zapLogger.Fatal("invalid configuration", zap.Error(err))
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := store.AutoMigrate(db); err != nil {
		zapLogger.Fatal("failed to migrate database", zap.Error(err))
	}
	st := store.New(zapLogger, db)

	manager := notify.NewManager(zapLogger, cfg.Notify)
	zapLogger.Info("notification channels configured",
		zap.Strings("channels", manager.ChannelTypes()))

	eng := engine.New(zapLogger, cfg, st, manager)

	hub := server.NewHub(zapLogger, cfg.Server.AllowedOrigins)
	eng.SetBroadcast(hub.Broadcast)

	gin.SetMode(gin.ReleaseMode)
	apiServer := server.NewServer(zapLogger, cfg.Server, st, eng, hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Warmup(ctx); err != nil {
		zapLogger.Fatal("engine warmup failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return apiServer.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zapLogger.Fatal("riskwatch terminated", zap.Error(err))
	}
	zapLogger.Info("riskwatch exited cleanly")
}
