package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trade_tracker/internal/models"
)

// PostgresStore is the production Store over a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects, pings and migrates the schema.
func NewPostgresStore(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info().Msg("✅ Connected to PostgreSQL")
	return s, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			is_ai_trading_active BOOLEAN NOT NULL DEFAULT FALSE,
			has_credentials BOOLEAN NOT NULL DEFAULT FALSE,
			max_simultaneous_trades INTEGER NOT NULL DEFAULT 1,
			total_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			win_rate DECIMAL(10, 4) NOT NULL DEFAULT 0,
			max_drawdown DECIMAL(20, 8) NOT NULL DEFAULT 0,
			last_performance_update TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			id VARCHAR(64) PRIMARY KEY,
			bot_id VARCHAR(64) NOT NULL REFERENCES bots(id),
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			status VARCHAR(20) NOT NULL,
			signal VARCHAR(10),
			confidence DECIMAL(10, 4) NOT NULL DEFAULT 0,
			raw_analysis TEXT,
			error TEXT,
			priority BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_bot_started ON evaluations(bot_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_status ON evaluations(status)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id VARCHAR(64) PRIMARY KEY,
			-- No FK: synthetic imports from reconciliation carry no owning bot.
			bot_id VARCHAR(64) NOT NULL DEFAULT '',
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'OPEN',
			broker_deal_id VARCHAR(64) NOT NULL DEFAULT '',
			requested_size DECIMAL(20, 8) NOT NULL DEFAULT 0,
			executed_size DECIMAL(20, 8) NOT NULL DEFAULT 0,
			size_adjustment_note TEXT NOT NULL DEFAULT '',
			entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			exit_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			take_profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			profit_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			close_reason VARCHAR(20) NOT NULL DEFAULT '',
			synthetic BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_bot ON trades(bot_id)`,
		`CREATE TABLE IF NOT EXISTS candle_cache (
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			candles JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (symbol, timeframe)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListBots(ctx context.Context) ([]models.Bot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, symbol, timeframe, is_active, is_ai_trading_active, has_credentials,
		       max_simultaneous_trades, total_pnl, total_trades, win_rate, max_drawdown,
		       COALESCE(last_performance_update, 'epoch'::timestamptz), created_at
		FROM bots ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []models.Bot
	for rows.Next() {
		var b models.Bot
		if err := rows.Scan(&b.ID, &b.Name, &b.Symbol, &b.Timeframe, &b.IsActive,
			&b.IsAITradingActive, &b.HasCredentials, &b.MaxSimultaneousTrades,
			&b.TotalPnL, &b.TotalTrades, &b.WinRate, &b.MaxDrawdown,
			&b.LastPerformanceUpdate, &b.CreatedAt); err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *PostgresStore) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	var b models.Bot
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, symbol, timeframe, is_active, is_ai_trading_active, has_credentials,
		       max_simultaneous_trades, total_pnl, total_trades, win_rate, max_drawdown,
		       COALESCE(last_performance_update, 'epoch'::timestamptz), created_at
		FROM bots WHERE id = $1`, id).Scan(
		&b.ID, &b.Name, &b.Symbol, &b.Timeframe, &b.IsActive, &b.IsAITradingActive,
		&b.HasCredentials, &b.MaxSimultaneousTrades, &b.TotalPnL, &b.TotalTrades,
		&b.WinRate, &b.MaxDrawdown, &b.LastPerformanceUpdate, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) SaveBot(ctx context.Context, bot *models.Bot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bots (id, name, symbol, timeframe, is_active, is_ai_trading_active,
		                  has_credentials, max_simultaneous_trades, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			timeframe = EXCLUDED.timeframe,
			is_active = EXCLUDED.is_active,
			is_ai_trading_active = EXCLUDED.is_ai_trading_active,
			has_credentials = EXCLUDED.has_credentials,
			max_simultaneous_trades = EXCLUDED.max_simultaneous_trades`,
		bot.ID, bot.Name, bot.Symbol, bot.Timeframe, bot.IsActive, bot.IsAITradingActive,
		bot.HasCredentials, bot.MaxSimultaneousTrades, bot.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateBotPerformance(ctx context.Context, botID string, totalPnL float64, totalTrades int, winRate, maxDrawdown float64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bots SET total_pnl = $2, total_trades = $3, win_rate = $4,
		       max_drawdown = $5, last_performance_update = $6
		WHERE id = $1`,
		botID, totalPnL, totalTrades, winRate, maxDrawdown, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateEvaluation(ctx context.Context, eval *models.Evaluation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evaluations (id, bot_id, started_at, completed_at, status, signal,
		                         confidence, raw_analysis, error, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		eval.ID, eval.BotID, eval.StartedAt, eval.CompletedAt, eval.Status, eval.Signal,
		eval.Confidence, eval.RawAnalysis, eval.Error, eval.Priority)
	return err
}

func (s *PostgresStore) FinalizeEvaluation(ctx context.Context, id, status, signal string, confidence float64, rawAnalysis, errMsg string, at time.Time) error {
	// The completed_at IS NULL guard makes late finalizations lose.
	tag, err := s.pool.Exec(ctx, `
		UPDATE evaluations
		SET completed_at = $2, status = $3,
		    signal = CASE WHEN $4 = '' THEN signal ELSE $4 END,
		    confidence = CASE WHEN $5 = 0 THEN confidence ELSE $5 END,
		    raw_analysis = CASE WHEN $6 = '' THEN raw_analysis ELSE $6 END,
		    error = $7
		WHERE id = $1 AND completed_at IS NULL`,
		id, at, status, signal, confidence, rawAnalysis, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM evaluations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return models.ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) LatestEvaluation(ctx context.Context, botID string) (*models.Evaluation, error) {
	var e models.Evaluation
	err := s.pool.QueryRow(ctx, `
		SELECT id, bot_id, started_at, completed_at, status, COALESCE(signal, ''),
		       confidence, COALESCE(raw_analysis, ''), COALESCE(error, ''), priority
		FROM evaluations WHERE bot_id = $1
		ORDER BY started_at DESC LIMIT 1`, botID).Scan(
		&e.ID, &e.BotID, &e.StartedAt, &e.CompletedAt, &e.Status, &e.Signal,
		&e.Confidence, &e.RawAnalysis, &e.Error, &e.Priority)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CountEvaluationsByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM evaluations WHERE status = $1`, status).Scan(&n)
	return n, err
}

func (s *PostgresStore) PruneEvaluations(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM evaluations
		WHERE completed_at IS NOT NULL AND started_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateTrade(ctx context.Context, trade *models.Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, bot_id, symbol, direction, status, broker_deal_id,
		                    requested_size, executed_size, size_adjustment_note,
		                    entry_price, exit_price, stop_loss, take_profit, profit_loss,
		                    opened_at, closed_at, close_reason, synthetic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		trade.ID, trade.BotID, trade.Symbol, trade.Direction, trade.Status, trade.BrokerDealID,
		trade.RequestedSize, trade.ExecutedSize, trade.SizeAdjustmentNote,
		trade.EntryPrice, trade.ExitPrice, trade.StopLoss, trade.TakeProfit, trade.ProfitLoss,
		trade.OpenedAt, trade.ClosedAt, trade.CloseReason, trade.Synthetic)
	return err
}

func (s *PostgresStore) SetTradeDealID(ctx context.Context, id, dealID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE trades SET broker_deal_id = $2 WHERE id = $1`, id, dealID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CloseOpenTrade(ctx context.Context, id, status string, exitPrice, profitLoss float64, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades
		SET status = $2, exit_price = $3, profit_loss = $4, close_reason = $5, closed_at = $6
		WHERE id = $1 AND status = 'OPEN'`,
		id, status, exitPrice, profitLoss, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return models.ErrNotFound
		}
		return models.ErrTradeNotOpen
	}
	return nil
}

const tradeColumns = `id, bot_id, symbol, direction, status, broker_deal_id,
	requested_size, executed_size, size_adjustment_note,
	entry_price, exit_price, stop_loss, take_profit, profit_loss,
	opened_at, closed_at, close_reason, synthetic`

func (s *PostgresStore) scanTrades(rows pgx.Rows) ([]models.Trade, error) {
	defer rows.Close()
	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BotID, &t.Symbol, &t.Direction, &t.Status, &t.BrokerDealID,
			&t.RequestedSize, &t.ExecutedSize, &t.SizeAdjustmentNote,
			&t.EntryPrice, &t.ExitPrice, &t.StopLoss, &t.TakeProfit, &t.ProfitLoss,
			&t.OpenedAt, &t.ClosedAt, &t.CloseReason, &t.Synthetic); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) OpenTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = 'OPEN' ORDER BY opened_at DESC`)
	if err != nil {
		return nil, err
	}
	return s.scanTrades(rows)
}

func (s *PostgresStore) OpenTradesForBot(ctx context.Context, botID string) ([]models.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = 'OPEN' AND bot_id = $1 ORDER BY opened_at DESC`, botID)
	if err != nil {
		return nil, err
	}
	return s.scanTrades(rows)
}

func (s *PostgresStore) ClosedTradesForBot(ctx context.Context, botID string) ([]models.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status <> 'OPEN' AND bot_id = $1 ORDER BY opened_at DESC`, botID)
	if err != nil {
		return nil, err
	}
	return s.scanTrades(rows)
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY opened_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return s.scanTrades(rows)
}

func (s *PostgresStore) PruneTrades(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM trades
		WHERE status <> 'OPEN' AND opened_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetCandleCache(ctx context.Context, symbol, timeframe string) (*models.CandleCache, error) {
	entry := &models.CandleCache{Symbol: symbol, Timeframe: timeframe}
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT candles, updated_at FROM candle_cache
		WHERE symbol = $1 AND timeframe = $2`, symbol, timeframe).Scan(&payload, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &entry.Candles); err != nil {
		return nil, fmt.Errorf("corrupt candle cache for %s/%s: %w", symbol, timeframe, err)
	}
	return entry, nil
}

func (s *PostgresStore) PutCandleCache(ctx context.Context, entry *models.CandleCache) error {
	payload, err := json.Marshal(entry.Candles)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO candle_cache (symbol, timeframe, candles, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol, timeframe) DO UPDATE SET
			candles = EXCLUDED.candles,
			updated_at = EXCLUDED.updated_at`,
		entry.Symbol, entry.Timeframe, payload, entry.UpdatedAt)
	return err
}

func (s *PostgresStore) EvictCandleCache(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM candle_cache WHERE updated_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
