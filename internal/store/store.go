package store

import (
	"context"
	"time"

	"trade_tracker/internal/models"
)

// Store is the persistence collaborator for bots, evaluations, trades and
// the market-data cache. Implementations must make CloseOpenTrade a
// conditional write (only an OPEN row may be closed) and keep evaluation
// finalization idempotent-safe; those two guards are what the coordinator
// and reconciler concurrency rules lean on.
//
// Deliberately absent: any way to delete a Bot row, or to delete OPEN
// trades / in-flight evaluations. The protected-table invariant is
// enforced by the API surface, not by caller discipline.
type Store interface {
	// Bots
	ListBots(ctx context.Context) ([]models.Bot, error)
	GetBot(ctx context.Context, id string) (*models.Bot, error)
	SaveBot(ctx context.Context, bot *models.Bot) error
	UpdateBotPerformance(ctx context.Context, botID string, totalPnL float64, totalTrades int, winRate, maxDrawdown float64, at time.Time) error

	// Evaluations
	CreateEvaluation(ctx context.Context, eval *models.Evaluation) error
	// FinalizeEvaluation sets CompletedAt and the terminal status. It is
	// a no-op returning ErrNotFound for unknown IDs and must not touch an
	// already-finalized row.
	FinalizeEvaluation(ctx context.Context, id, status, signal string, confidence float64, rawAnalysis, errMsg string, at time.Time) error
	// LatestEvaluation returns the most recently started evaluation for a
	// bot, or ErrNotFound when the bot has never run.
	LatestEvaluation(ctx context.Context, botID string) (*models.Evaluation, error)
	CountEvaluationsByStatus(ctx context.Context, status string) (int, error)
	// PruneEvaluations deletes finalized evaluations older than the cutoff
	// and reports how many were removed. In-flight rows are never touched.
	PruneEvaluations(ctx context.Context, olderThan time.Time) (int, error)

	// Trades
	CreateTrade(ctx context.Context, trade *models.Trade) error
	SetTradeDealID(ctx context.Context, id, dealID string) error
	// CloseOpenTrade transitions an OPEN trade to CLOSED or ORPHANED. It
	// returns ErrTradeNotOpen if the row was already closed, which is how
	// the runner and reconciler avoid racing on the same trade.
	CloseOpenTrade(ctx context.Context, id, status string, exitPrice, profitLoss float64, reason string, at time.Time) error
	OpenTrades(ctx context.Context) ([]models.Trade, error)
	OpenTradesForBot(ctx context.Context, botID string) ([]models.Trade, error)
	ClosedTradesForBot(ctx context.Context, botID string) ([]models.Trade, error)
	ListTrades(ctx context.Context, limit int) ([]models.Trade, error)
	// PruneTrades deletes CLOSED/ORPHANED trades older than the cutoff.
	// OPEN trades are never touched regardless of age.
	PruneTrades(ctx context.Context, olderThan time.Time) (int, error)

	// Market-data cache
	GetCandleCache(ctx context.Context, symbol, timeframe string) (*models.CandleCache, error)
	PutCandleCache(ctx context.Context, entry *models.CandleCache) error
	EvictCandleCache(ctx context.Context, olderThan time.Time) (int, error)
}
