package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"backend/internal/config"
	"backend/internal/gemini"
	"backend/internal/hub"
	"backend/internal/repository"
	"backend/internal/server"
	"backend/internal/service"
	"backend/internal/telegram_bot"
	"backend/internal/worker"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err) // Should not happen in development
	}
	defer func() {
		_ = logger.Sync() // Flushes buffer, if any
	}()

	// Load configuration
	cfgPath := "configs/config.yml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	service.SetJWTSecret(cfg.Auth.JWTSecret)

	// Database connection
	db, err := repository.NewPostgresDB(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	repository.MigrateDB(db, logger)

	// Gemini analysis client wrapped with bounded retries
	geminiClient := gemini.NewClient(
		cfg.Gemini.BaseURL,
		cfg.Gemini.Model,
		cfg.Gemini.APIKey,
		time.Duration(cfg.Gemini.TimeoutSeconds*float64(time.Second)),
		logger,
	)
	retrier := gemini.NewRetrier(geminiClient, cfg.Gemini.MaxAttempts, logger)

	// Realtime staff notification hub
	notificationHub := hub.NewHub(logger)

	// Telegram relay for critical alerts (optional)
	bot, err := telegram_bot.NewBot(cfg, logger)
	if err != nil {
		logger.Warn("Failed to initialize Telegram bot, continuing without it", zap.Error(err))
		bot = nil
	}

	// Each analysis job checks its own connection out of the pool; the
	// handler that dispatched it has usually returned already.
	openStore := func(ctx context.Context) (worker.Store, func() error, error) {
		return repository.OpenJobStore(ctx, db, logger)
	}

	var alerts worker.UrgentNotifier
	if bot != nil {
		alerts = bot
	}
	analysisWorker := worker.New(openStore, retrier, notificationHub, alerts, logger)

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go notificationHub.Run(ctx)

	// Initialize and run the server
	srv := server.NewServer(db, cfg, logger, notificationHub, analysisWorker)
	go srv.Run(cfg.Server.Port)

	<-ctx.Done()
	logger.Info("Application stopped.")
}
