package models

import "time"

// Bot is a configured automated trading agent tied to one symbol/timeframe.
type Bot struct {
	ID                    string
	Name                  string
	Symbol                string
	Timeframe             string // "1M", "15M", "1H", ...
	IsActive              bool
	IsAITradingActive     bool
	HasCredentials        bool
	MaxSimultaneousTrades int

	// Rolling performance, recomputed by the cleanup service.
	TotalPnL              float64
	TotalTrades           int
	WinRate               float64 // percent
	MaxDrawdown           float64
	LastPerformanceUpdate time.Time

	CreatedAt time.Time
}

// Evaluation statuses
const (
	EvalRunning   = "RUNNING"
	EvalCompleted = "COMPLETED"
	EvalFailed    = "FAILED"
	EvalAbandoned = "ABANDONED"
)

// Decision signals
const (
	SignalBuy  = "BUY"
	SignalSell = "SELL"
	SignalHold = "HOLD"
)

// Evaluation is one scheduler-driven decision cycle for a bot.
// CompletedAt is nil while the cycle is in flight; at most one
// per bot may be in flight at any instant.
type Evaluation struct {
	ID          string
	BotID       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Signal      string
	Confidence  float64 // 0-100
	RawAnalysis string
	Error       string
	Priority    bool // true for stuck-bot recovery runs
}

// InFlight reports whether the evaluation has not been finalized yet.
func (e *Evaluation) InFlight() bool {
	return e.CompletedAt == nil
}

// Trade statuses
const (
	TradeOpen     = "OPEN"
	TradeClosed   = "CLOSED"
	TradeOrphaned = "ORPHANED"
)

// Trade close reasons
const (
	CloseTakeProfit = "TP"
	CloseStopLoss   = "SL"
	CloseManual     = "MANUAL"
	ClosePhantom    = "PHANTOM"          // never reached the broker
	CloseOrphaned   = "ORPHANED"         // broker position disappeared
	CloseImported   = "UNTRACKED_IMPORT" // synthetic record created by the reconciler
)

// Trade is the local record of an order believed to be open or closed
// on the broker. BrokerDealID stays empty until the broker confirms the
// deal; an OPEN trade that never gets one is a phantom.
type Trade struct {
	ID           string
	BotID        string
	Symbol       string
	Direction    string // "BUY" or "SELL"
	Status       string
	BrokerDealID string

	// RequestedSize is what the decision recommended; ExecutedSize is
	// what was actually submitted after broker min/max clamping. When
	// they differ SizeAdjustmentNote records why.
	RequestedSize      float64
	ExecutedSize       float64
	SizeAdjustmentNote string

	EntryPrice float64
	ExitPrice  float64
	StopLoss   float64
	TakeProfit float64
	ProfitLoss float64

	OpenedAt    time.Time
	ClosedAt    *time.Time
	CloseReason string
	Synthetic   bool // created by reconciliation, not by an evaluation
}

// BrokerPosition mirrors a live position on the broker side. The broker
// is the authoritative source for these.
type BrokerPosition struct {
	DealID       string
	Symbol       string
	Direction    string
	Size         float64
	OpenPrice    float64
	CurrentPrice float64
	ProfitLoss   float64
	OpenedAt     time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// CandleCache is a persisted market-data cache entry. Entries older than
// the freshness window are refetched; entries older than the eviction TTL
// are deleted by the cleanup service.
type CandleCache struct {
	Symbol    string
	Timeframe string
	Candles   []Candle
	UpdatedAt time.Time
}

// BotHealth is the per-bot slice of the scheduler health report.
type BotHealth struct {
	BotID      string    `json:"bot_id"`
	Name       string    `json:"name"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	LastRunAt  time.Time `json:"last_run_at"`
	NextRunAt  time.Time `json:"next_run_at"`
	Stuck      bool      `json:"stuck"`
	InFlight   bool      `json:"in_flight"`
	Skipped    bool      `json:"skipped"` // missing credentials
	LastStatus string    `json:"last_status"`
}

// SchedulerHealth is what operators see instead of silent gaps in the
// evaluation history.
type SchedulerHealth struct {
	Running                bool        `json:"running"`
	Bots                   []BotHealth `json:"bots"`
	StuckBots              int         `json:"stuck_bots"`
	AbandonedEvaluations   int         `json:"abandoned_evaluations"`
	ReconcileDiscrepancies int         `json:"reconcile_discrepancies"`
	ReconcileLastRun       time.Time   `json:"reconcile_last_run"`
	BalanceAge             string      `json:"balance_age"`
	Timestamp              time.Time   `json:"timestamp"`
}
