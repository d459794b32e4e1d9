package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"trade_tracker/config"
	"trade_tracker/internal/ai"
	"trade_tracker/internal/broker"
	"trade_tracker/internal/cleanup"
	"trade_tracker/internal/marketdata"
	"trade_tracker/internal/reconcile"
	"trade_tracker/internal/scheduler"
	"trade_tracker/internal/store"
	"trade_tracker/internal/telegram"
	"trade_tracker/internal/web"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	logger.Info().Str("mode", string(cfg.TradingMode)).Msg("🚀 Starting trade tracker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("❌ Failed to connect to database")
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Warn().Msg("⚠️ DATABASE_URL not set, using in-memory store")
		st = store.NewMemoryStore()
	}

	// Market data always comes from Binance; orders go to the emulator
	// unless live trading is explicitly enabled.
	provider := marketdata.NewBinanceProvider(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet)
	market := marketdata.NewCachedProvider(provider, st, cfg.CacheFreshness, logger)

	var brk broker.Broker
	if cfg.TradingMode == config.ModeLive {
		brk = broker.NewBinanceBroker(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet, logger)
	} else {
		live := broker.NewBinanceBroker(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet, logger)
		brk = broker.NewEmulator(cfg.EmulatorBalance, live, logger)
	}

	decider := ai.NewMistralClient(cfg.MistralAPIKey)

	balance := reconcile.NewBalanceCache(cfg.EmulatorBalance)
	reconciler := reconcile.NewReconciler(st, brk, balance, cfg.ReconcileInterval, cfg.PhantomGrace, logger)

	runner := scheduler.NewRunner(st, market, decider, brk, balance, cfg.MinConfidence, logger)
	coordinator := scheduler.NewCoordinator(st, runner, scheduler.Options{
		TickInterval:    cfg.TickInterval,
		StuckMultiplier: cfg.StuckMultiplier,
		EvalTimeout:     cfg.EvalTimeout,
		MaxConcurrent:   cfg.MaxConcurrent,
	}, logger)

	cleaner := cleanup.NewService(st, cfg.CleanupInterval, cfg.CacheTTL, cfg.RetentionWindow, logger)

	webServer := web.NewServer(coordinator, reconciler, cleaner, st, cfg.Port, logger)

	var tgBot *telegram.Bot
	if cfg.TelegramToken != "" {
		tgBot, err = telegram.NewBot(cfg.TelegramToken, cfg.AuthorizedUserID, coordinator, reconciler, st, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("❌ Failed to create Telegram bot")
		}
		runner.SetTradeOpenCallback(tgBot.NotifyTradeOpened)
		coordinator.SetStuckCallback(tgBot.NotifyStuck)
		reconciler.SetFindingCallback(tgBot.NotifyFinding)
	} else {
		logger.Warn().Msg("⚠️ TELEGRAM_BOT_TOKEN not set, notifications disabled")
	}

	reconciler.Start(ctx)
	coordinator.Start(ctx)
	cleaner.Start(ctx)
	webServer.Start()
	if tgBot != nil {
		go tgBot.Start()
	}

	logger.Info().Str("port", cfg.Port).Msg("✅ All systems initialized")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("🛑 Shutting down...")
	cancel()

	coordinator.Stop()
	reconciler.Stop()
	cleaner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	webServer.Stop(shutdownCtx)
	if tgBot != nil {
		tgBot.Stop()
	}

	logger.Info().Msg("👋 Goodbye!")
}
