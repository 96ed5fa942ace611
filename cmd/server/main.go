package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/mission-sync/mission-sync/internal/api/http"
	"github.com/mission-sync/mission-sync/internal/application/lobby"
	"github.com/mission-sync/mission-sync/internal/config"
	"github.com/mission-sync/mission-sync/internal/domain/mission"
	"github.com/mission-sync/mission-sync/internal/infrastructure/memory"
	"github.com/mission-sync/mission-sync/internal/infrastructure/postgres"
	"github.com/mission-sync/mission-sync/internal/infrastructure/sse"
	"github.com/mission-sync/mission-sync/internal/infrastructure/wschannel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// repositories
	var runRepo mission.RunRepository
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			log.Fatalf("migration error: %v", err)
		}
		runRepo = postgres.NewRunRepository(pool)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, mission runs kept in memory")
		runRepo = memory.NewRunRepository()
	}

	// infrastructure
	sseHub := sse.NewHub()
	defer sseHub.Stop()

	// services
	lobbySvc, err := lobby.NewService(runRepo, sseHub, lobby.Config{
		MissionFile:   cfg.MissionFile,
		AutoStartRule: cfg.AutoStartRule,
	}, logger)
	if err != nil {
		log.Fatalf("lobby error: %v", err)
	}

	// API server
	apiServer := httpapi.NewServer(lobbySvc, sseHub, wschannel.Config{
		WriteTimeout: cfg.WSWriteTimeout,
		PingInterval: cfg.WSPingInterval,
	}, cfg.AdminTokenHash, logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// background loops
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info().
					Int("connections", lobbySvc.Registry().Count()).
					Int("observers", sseHub.SubscriberCount()).
					Str("mission", lobbySvc.MissionFile()).
					Msg("lobby status")
			}
		}
	}()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("mission", cfg.MissionFile).Msg("mission server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
	// hijacked command channels follow the base context
	cancel()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
