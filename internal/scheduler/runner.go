package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade_tracker/internal/ai"
	"trade_tracker/internal/broker"
	"trade_tracker/internal/marketdata"
	"trade_tracker/internal/models"
	"trade_tracker/internal/store"
)

// BalanceSource is the single-writer account balance cache maintained by
// the reconciler. Sizing decisions read through it, never from a literal.
type BalanceSource interface {
	Balance() (float64, time.Time)
}

// Runner executes one evaluation cycle for a single due bot: market data,
// AI decision, Evaluation row, and optionally an order plus a local Trade.
type Runner struct {
	store         store.Store
	market        marketdata.Provider
	decider       ai.DecisionClient
	broker        broker.Broker
	balance       BalanceSource
	minConfidence float64
	candleCount   int
	logger        zerolog.Logger
	now           func() time.Time

	onTradeOpen func(*models.Trade)
}

func NewRunner(st store.Store, market marketdata.Provider, decider ai.DecisionClient, brk broker.Broker, balance BalanceSource, minConfidence float64, logger zerolog.Logger) *Runner {
	return &Runner{
		store:         st,
		market:        market,
		decider:       decider,
		broker:        brk,
		balance:       balance,
		minConfidence: minConfidence,
		candleCount:   100,
		logger:        logger.With().Str("component", "runner").Logger(),
		now:           time.Now,
	}
}

// SetTradeOpenCallback hooks trade-open notifications (telegram).
func (r *Runner) SetTradeOpenCallback(fn func(*models.Trade)) {
	r.onTradeOpen = fn
}

// Run performs one evaluation for the bot. Exactly one Evaluation row is
// created per call and it is always finalized: COMPLETED or FAILED, never
// left open-ended past the coordinator's timeout window.
func (r *Runner) Run(ctx context.Context, bot models.Bot, priority bool) error {
	log := r.logger.With().Str("bot_id", bot.ID).Str("symbol", bot.Symbol).Logger()

	eval := &models.Evaluation{
		ID:        uuid.NewString(),
		BotID:     bot.ID,
		StartedAt: r.now(),
		Status:    models.EvalRunning,
		Priority:  priority,
	}
	if err := r.store.CreateEvaluation(ctx, eval); err != nil {
		// No row was created, so the coordinator simply retries next tick.
		return fmt.Errorf("create evaluation: %w", err)
	}

	candles, err := r.market.FetchCandles(ctx, bot.Symbol, bot.Timeframe, r.candleCount)
	if err != nil {
		r.fail(ctx, eval.ID, fmt.Errorf("market data: %w", err), log)
		return err
	}

	balance, balanceAt := r.balance.Balance()
	decision, err := r.decider.Evaluate(ctx, ai.MarketContext{
		Symbol:     bot.Symbol,
		Timeframe:  bot.Timeframe,
		Candles:    candles,
		Indicators: marketdata.CalculateIndicators(candles),
		Balance:    balance,
	})
	if err != nil {
		r.fail(ctx, eval.ID, fmt.Errorf("decision: %w", err), log)
		return err
	}

	// The decision is made: the evaluation is COMPLETED regardless of what
	// happens to order placement below.
	if err := r.store.FinalizeEvaluation(ctx, eval.ID, models.EvalCompleted,
		decision.Action, decision.Confidence, decision.Raw, "", r.now()); err != nil {
		log.Error().Err(err).Msg("❌ Failed to finalize evaluation")
		return err
	}

	log.Info().
		Str("signal", decision.Action).
		Float64("confidence", decision.Confidence).
		Bool("priority", priority).
		Time("balance_at", balanceAt).
		Msg("🤖 Evaluation completed")

	if decision.Action == models.SignalHold {
		return nil
	}
	if decision.Confidence < r.minConfidence {
		log.Info().Float64("confidence", decision.Confidence).
			Float64("threshold", r.minConfidence).
			Msg("⚠️ Signal skipped: confidence too low")
		return nil
	}

	open, err := r.store.OpenTradesForBot(ctx, bot.ID)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to count open trades")
		return err
	}
	if len(open) >= bot.MaxSimultaneousTrades {
		log.Info().Int("open", len(open)).Int("max", bot.MaxSimultaneousTrades).
			Msg("⚠️ Signal skipped: max simultaneous trades reached")
		return nil
	}

	size, note, err := r.clampSize(ctx, bot.Symbol, decision.PositionSize)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Could not read deal limits, using raw recommendation")
		size, note = decision.PositionSize, ""
	}

	result, err := r.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:     bot.Symbol,
		Direction:  decision.Action,
		Size:       size,
		StopLoss:   decision.StopLoss,
		TakeProfit: decision.TakeProfit,
	})
	if err != nil {
		// Decision success and order success are independent outcomes; the
		// evaluation above stays COMPLETED.
		log.Error().Err(err).Msg("❌ Order placement failed, no trade recorded")
		return nil
	}

	trade := &models.Trade{
		ID:                 uuid.NewString(),
		BotID:              bot.ID,
		Symbol:             bot.Symbol,
		Direction:          decision.Action,
		Status:             models.TradeOpen,
		BrokerDealID:       result.DealID, // may still be empty until the broker confirms
		RequestedSize:      decision.PositionSize,
		ExecutedSize:       size,
		SizeAdjustmentNote: note,
		EntryPrice:         result.EntryPrice,
		StopLoss:           decision.StopLoss,
		TakeProfit:         decision.TakeProfit,
		OpenedAt:           r.now(),
	}
	if err := r.store.CreateTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("deal_id", result.DealID).
			Msg("❌ Order placed but trade record failed; reconciler will import it")
		return err
	}

	if note != "" {
		log.Info().Str("trade_id", trade.ID).Str("note", note).Msg("📏 Position size clamped")
	}
	log.Info().
		Str("trade_id", trade.ID).
		Str("direction", trade.Direction).
		Float64("size", trade.ExecutedSize).
		Float64("entry", trade.EntryPrice).
		Msg("✅ Trade opened")

	if r.onTradeOpen != nil {
		r.onTradeOpen(trade)
	}
	return nil
}

// clampSize bounds the recommended size to broker deal limits. The clamped
// value is what gets submitted and persisted; the note keeps the original
// recommendation on record so size discrepancies stay explainable.
func (r *Runner) clampSize(ctx context.Context, symbol string, recommended float64) (float64, string, error) {
	minSize, maxSize, err := r.broker.DealSizeLimits(ctx, symbol)
	if err != nil {
		return recommended, "", err
	}

	rec := decimal.NewFromFloat(recommended)
	min := decimal.NewFromFloat(minSize)
	max := decimal.NewFromFloat(maxSize)

	switch {
	case rec.LessThan(min):
		clamped, _ := min.Float64()
		return clamped, fmt.Sprintf("recommended size %s below broker minimum %s; clamped to %s",
			rec.String(), min.String(), min.String()), nil
	case max.IsPositive() && rec.GreaterThan(max):
		clamped, _ := max.Float64()
		return clamped, fmt.Sprintf("recommended size %s above broker maximum %s; clamped to %s",
			rec.String(), max.String(), max.String()), nil
	default:
		return recommended, "", nil
	}
}

func (r *Runner) fail(ctx context.Context, evalID string, cause error, log zerolog.Logger) {
	if err := r.store.FinalizeEvaluation(ctx, evalID, models.EvalFailed, "", 0, "", cause.Error(), r.now()); err != nil {
		log.Error().Err(err).Msg("❌ Failed to finalize failed evaluation")
		return
	}
	log.Warn().Err(cause).Msg("⚠️ Evaluation failed")
}
