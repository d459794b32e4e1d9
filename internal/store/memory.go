package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"trade_tracker/internal/models"
)

// MemoryStore keeps everything in maps behind one RWMutex. It backs the
// emulator mode and the package tests; semantics (conditional closes,
// protected rows) match the Postgres implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	bots        map[string]*models.Bot
	evaluations map[string]*models.Evaluation
	trades      map[string]*models.Trade
	candles     map[string]*models.CandleCache // symbol|timeframe
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:        make(map[string]*models.Bot),
		evaluations: make(map[string]*models.Evaluation),
		trades:      make(map[string]*models.Trade),
		candles:     make(map[string]*models.CandleCache),
	}
}

func (s *MemoryStore) ListBots(ctx context.Context) ([]models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bots := make([]models.Bot, 0, len(s.bots))
	for _, b := range s.bots {
		bots = append(bots, *b)
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	return bots, nil
}

func (s *MemoryStore) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bots[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *MemoryStore) SaveBot(ctx context.Context, bot *models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *bot
	s.bots[bot.ID] = &copied
	return nil
}

func (s *MemoryStore) UpdateBotPerformance(ctx context.Context, botID string, totalPnL float64, totalTrades int, winRate, maxDrawdown float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bots[botID]
	if !ok {
		return models.ErrNotFound
	}
	b.TotalPnL = totalPnL
	b.TotalTrades = totalTrades
	b.WinRate = winRate
	b.MaxDrawdown = maxDrawdown
	b.LastPerformanceUpdate = at
	return nil
}

func (s *MemoryStore) CreateEvaluation(ctx context.Context, eval *models.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *eval
	s.evaluations[eval.ID] = &copied
	return nil
}

func (s *MemoryStore) FinalizeEvaluation(ctx context.Context, id, status, signal string, confidence float64, rawAnalysis, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.evaluations[id]
	if !ok {
		return models.ErrNotFound
	}
	if e.CompletedAt != nil {
		// Already finalized; late completions lose.
		return nil
	}
	e.CompletedAt = &at
	e.Status = status
	if signal != "" {
		e.Signal = signal
	}
	if confidence != 0 {
		e.Confidence = confidence
	}
	if rawAnalysis != "" {
		e.RawAnalysis = rawAnalysis
	}
	e.Error = errMsg
	return nil
}

func (s *MemoryStore) LatestEvaluation(ctx context.Context, botID string) (*models.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Evaluation
	for _, e := range s.evaluations {
		if e.BotID != botID {
			continue
		}
		if latest == nil || e.StartedAt.After(latest.StartedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (s *MemoryStore) CountEvaluationsByStatus(ctx context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.evaluations {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PruneEvaluations(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.evaluations {
		if e.CompletedAt == nil {
			continue // in flight, protected
		}
		if e.StartedAt.Before(olderThan) {
			delete(s.evaluations, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateTrade(ctx context.Context, trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *trade
	s.trades[trade.ID] = &copied
	return nil
}

func (s *MemoryStore) SetTradeDealID(ctx context.Context, id, dealID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return models.ErrNotFound
	}
	t.BrokerDealID = dealID
	return nil
}

func (s *MemoryStore) CloseOpenTrade(ctx context.Context, id, status string, exitPrice, profitLoss float64, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return models.ErrNotFound
	}
	if t.Status != models.TradeOpen {
		return models.ErrTradeNotOpen
	}
	t.Status = status
	t.ExitPrice = exitPrice
	t.ProfitLoss = profitLoss
	t.CloseReason = reason
	t.ClosedAt = &at
	return nil
}

func (s *MemoryStore) OpenTrades(ctx context.Context) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectTrades(func(t *models.Trade) bool { return t.Status == models.TradeOpen }), nil
}

func (s *MemoryStore) OpenTradesForBot(ctx context.Context, botID string) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectTrades(func(t *models.Trade) bool {
		return t.Status == models.TradeOpen && t.BotID == botID
	}), nil
}

func (s *MemoryStore) ClosedTradesForBot(ctx context.Context, botID string) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectTrades(func(t *models.Trade) bool {
		return t.Status != models.TradeOpen && t.BotID == botID
	}), nil
}

func (s *MemoryStore) ListTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.collectTrades(func(t *models.Trade) bool { return true })
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// collectTrades returns matching trades newest-first. Caller holds the lock.
func (s *MemoryStore) collectTrades(match func(*models.Trade) bool) []models.Trade {
	trades := make([]models.Trade, 0)
	for _, t := range s.trades {
		if match(t) {
			trades = append(trades, *t)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].OpenedAt.After(trades[j].OpenedAt) })
	return trades
}

func (s *MemoryStore) PruneTrades(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.trades {
		if t.Status == models.TradeOpen {
			continue // protected
		}
		if t.OpenedAt.Before(olderThan) {
			delete(s.trades, id)
			n++
		}
	}
	return n, nil
}

func cacheKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

func (s *MemoryStore) GetCandleCache(ctx context.Context, symbol, timeframe string) (*models.CandleCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.candles[cacheKey(symbol, timeframe)]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *entry
	copied.Candles = append([]models.Candle(nil), entry.Candles...)
	return &copied, nil
}

func (s *MemoryStore) PutCandleCache(ctx context.Context, entry *models.CandleCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *entry
	copied.Candles = append([]models.Candle(nil), entry.Candles...)
	s.candles[cacheKey(entry.Symbol, entry.Timeframe)] = &copied
	return nil
}

func (s *MemoryStore) EvictCandleCache(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, entry := range s.candles {
		if entry.UpdatedAt.Before(olderThan) {
			delete(s.candles, key)
			n++
		}
	}
	return n, nil
}
