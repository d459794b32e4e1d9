package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type TradingMode string

const (
	ModeLive     TradingMode = "LIVE"
	ModeEmulator TradingMode = "EMULATOR"
)

type Config struct {
	// Collaborator credentials
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceTestnet   bool
	MistralAPIKey    string
	TelegramToken    string
	AuthorizedUserID int64
	DatabaseURL      string // empty means in-memory store

	Port        string
	TradingMode TradingMode
	LogLevel    string

	// Scheduler
	TickInterval    time.Duration // coordinator tick, short and fixed
	StuckMultiplier float64       // overdue by N × interval means stuck
	EvalTimeout     time.Duration // RUNNING evaluations older than this are abandoned
	MaxConcurrent   int           // in-flight evaluation limit
	MinConfidence   float64       // decisions below this never trade

	// Reconciler
	ReconcileInterval time.Duration
	PhantomGrace      time.Duration // eventual-consistency window before a trade is phantom/orphaned

	// Cleanup
	CleanupInterval time.Duration
	CacheTTL        time.Duration // candle cache eviction age
	CacheFreshness  time.Duration // candle cache reuse age
	RetentionWindow time.Duration // closed trade/evaluation history retention

	EmulatorBalance float64
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	mode := ModeEmulator // live trading is opt-in
	if os.Getenv("TRADING_MODE") == "LIVE" {
		mode = ModeLive
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var userID int64
	if v := os.Getenv("AUTHORIZED_USER_ID"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Fatal("Invalid AUTHORIZED_USER_ID")
		}
		userID = parsed
	}

	return &Config{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey: os.Getenv("BINANCE_SECRET_KEY"),
		BinanceTestnet:   envBool("BINANCE_TESTNET", true),
		MistralAPIKey:    os.Getenv("MISTRAL_API_KEY"),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		AuthorizedUserID: userID,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		Port:             port,
		TradingMode:      mode,
		LogLevel:         logLevel,

		TickInterval:    envDuration("TICK_INTERVAL", 20*time.Second),
		StuckMultiplier: envFloat("STUCK_MULTIPLIER", 2.0),
		EvalTimeout:     envDuration("EVAL_TIMEOUT", 5*time.Minute),
		MaxConcurrent:   envInt("MAX_CONCURRENT_EVALUATIONS", 4),
		MinConfidence:   envFloat("MIN_CONFIDENCE", 50),

		ReconcileInterval: envDuration("RECONCILE_INTERVAL", 3*time.Minute),
		PhantomGrace:      envDuration("PHANTOM_GRACE", 60*time.Second),

		CleanupInterval: envDuration("CLEANUP_INTERVAL", 24*time.Hour),
		CacheTTL:        envDuration("CACHE_TTL", 24*time.Hour),
		CacheFreshness:  envDuration("CACHE_FRESHNESS", 15*time.Minute),
		RetentionWindow: envDuration("RETENTION_WINDOW", 2*365*24*time.Hour),

		EmulatorBalance: envFloat("EMULATOR_BALANCE", 5000.0),
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("Warning: invalid %s=%q, using %s", key, v, fallback)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("Warning: invalid %s=%q, using %v", key, v, fallback)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Warning: invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("Warning: invalid %s=%q, using %v", key, v, fallback)
	}
	return fallback
}
