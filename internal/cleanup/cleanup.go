package cleanup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade_tracker/internal/models"
	"trade_tracker/internal/store"
)

// Service runs the slow housekeeping cadence: cache eviction, history
// retention and per-bot performance aggregation. It is fully decoupled
// from the evaluation cycle and each phase fails independently, so a bad
// aggregate for one bot never blocks cache eviction or another bot.
type Service struct {
	store store.Store

	interval  time.Duration // pass cadence, default 24h
	cacheTTL  time.Duration // candle cache eviction age, default 24h
	retention time.Duration // closed-history retention window, default 2y
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	running  bool
	lastRun  time.Time
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewService(st store.Store, interval, cacheTTL, retention time.Duration, logger zerolog.Logger) *Service {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	if retention <= 0 {
		retention = 2 * 365 * 24 * time.Hour
	}
	return &Service{
		store:     st,
		interval:  interval,
		cacheTTL:  cacheTTL,
		retention: retention,
		logger:    logger.With().Str("component", "cleanup").Logger(),
		now:       time.Now,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().Dur("interval", s.interval).Msg("🚀 Cleanup service started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("🛑 Cleanup service stopped")
}

// LastRun reports when the last pass completed.
func (s *Service) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// RunOnce executes one housekeeping pass: evict stale cache entries, prune
// aged closed history, then recompute every bot's rolling performance.
func (s *Service) RunOnce(ctx context.Context) {
	now := s.now()

	if evicted, err := s.store.EvictCandleCache(ctx, now.Add(-s.cacheTTL)); err != nil {
		s.logger.Error().Err(err).Msg("❌ Cache eviction failed")
	} else if evicted > 0 {
		s.logger.Info().Int("evicted", evicted).Msg("🧹 Evicted stale market-data cache entries")
	}

	cutoff := now.Add(-s.retention)
	if pruned, err := s.store.PruneEvaluations(ctx, cutoff); err != nil {
		s.logger.Error().Err(err).Msg("❌ Evaluation pruning failed")
	} else if pruned > 0 {
		s.logger.Info().Int("pruned", pruned).Msg("🧹 Pruned aged evaluations")
	}
	if pruned, err := s.store.PruneTrades(ctx, cutoff); err != nil {
		s.logger.Error().Err(err).Msg("❌ Trade pruning failed")
	} else if pruned > 0 {
		s.logger.Info().Int("pruned", pruned).Msg("🧹 Pruned aged closed trades")
	}

	s.aggregate(ctx, now)

	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()
}

// aggregate recomputes rolling performance per bot. One bot's failure is
// logged and the loop moves on.
func (s *Service) aggregate(ctx context.Context, now time.Time) {
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("❌ Failed to list bots for aggregation")
		return
	}

	for _, bot := range bots {
		trades, err := s.store.ClosedTradesForBot(ctx, bot.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("bot_id", bot.ID).Msg("❌ Failed to load closed trades")
			continue
		}
		totalPnL, totalTrades, winRate, maxDrawdown := Aggregate(trades)
		if err := s.store.UpdateBotPerformance(ctx, bot.ID, totalPnL, totalTrades, winRate, maxDrawdown, now); err != nil {
			s.logger.Error().Err(err).Str("bot_id", bot.ID).Msg("❌ Failed to update bot performance")
			continue
		}
		if totalTrades > 0 {
			s.logger.Info().
				Str("bot_id", bot.ID).
				Float64("total_pnl", totalPnL).
				Int("trades", totalTrades).
				Float64("win_rate", winRate).
				Float64("max_drawdown", maxDrawdown).
				Msg("📊 Bot performance updated")
		}
	}
}

// Aggregate computes rolling performance from a bot's closed trades.
// Max drawdown is the largest peak-to-trough drop of the cumulative P&L
// curve in close-time order.
func Aggregate(trades []models.Trade) (totalPnL float64, totalTrades int, winRate, maxDrawdown float64) {
	totalTrades = len(trades)
	if totalTrades == 0 {
		return 0, 0, 0, 0
	}

	ordered := append([]models.Trade(nil), trades...)
	sort.Slice(ordered, func(i, j int) bool {
		ti, tj := ordered[i].OpenedAt, ordered[j].OpenedAt
		if ordered[i].ClosedAt != nil {
			ti = *ordered[i].ClosedAt
		}
		if ordered[j].ClosedAt != nil {
			tj = *ordered[j].ClosedAt
		}
		return ti.Before(tj)
	})

	wins := 0
	cumulative := 0.0
	peak := 0.0
	for _, t := range ordered {
		totalPnL += t.ProfitLoss
		if t.ProfitLoss > 0 {
			wins++
		}
		cumulative += t.ProfitLoss
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	winRate = float64(wins) / float64(totalTrades) * 100
	return totalPnL, totalTrades, winRate, maxDrawdown
}
