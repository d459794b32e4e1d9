package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade_tracker/internal/broker"
	"trade_tracker/internal/models"
	"trade_tracker/internal/store"
)

// Finding kinds reported through the callback.
const (
	FindingPhantom   = "PHANTOM"
	FindingOrphaned  = "ORPHANED"
	FindingUntracked = "UNTRACKED"
)

// Stats is a snapshot of the last completed reconciliation pass.
type Stats struct {
	LastRun       time.Time `json:"last_run"`
	Discrepancies int       `json:"discrepancies"`
	Phantoms      int       `json:"phantoms"`
	Orphaned      int       `json:"orphaned"`
	Untracked     int       `json:"untracked"`
	Adopted       int       `json:"adopted"`
}

// Reconciler periodically diffs local OPEN trades against the broker's
// live positions and repairs every discrepancy it finds. The broker is
// the source of truth; after a pass, every broker position has a local
// counterpart and no local trade stays ambiguous past the grace period.
type Reconciler struct {
	store   store.Store
	broker  broker.Broker
	balance *BalanceCache

	interval time.Duration
	grace    time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	inProgress bool
	running    bool
	stats      Stats

	stopChan chan struct{}
	wg       sync.WaitGroup

	onFinding func(kind string, trade *models.Trade)
}

func NewReconciler(st store.Store, brk broker.Broker, balance *BalanceCache, interval, grace time.Duration, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	if grace <= 0 {
		grace = 60 * time.Second
	}
	return &Reconciler{
		store:    st,
		broker:   brk,
		balance:  balance,
		interval: interval,
		grace:    grace,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
	}
}

// SetFindingCallback hooks discrepancy notifications (telegram).
func (r *Reconciler) SetFindingCallback(fn func(kind string, trade *models.Trade)) {
	r.onFinding = fn
}

// Stats returns the snapshot from the last completed pass.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// BalanceCache exposes the single-writer balance cache for consumers.
func (r *Reconciler) BalanceCache() *BalanceCache {
	return r.balance
}

// Start launches the periodic pass. An immediate first pass runs so the
// balance cache is populated before the first evaluation needs it.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info().Dur("interval", r.interval).Dur("grace", r.grace).Msg("🚀 Reconciler started")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.RunOnce(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
			case <-r.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("🛑 Reconciler stopped")
}

// RunOnce executes a single reconciliation pass. Passes never overlap:
// if one is still in progress the call is a no-op.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		r.logger.Warn().Msg("⚠️ Reconciliation still in progress, skipping pass")
		return
	}
	r.inProgress = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.mu.Unlock()
	}()

	now := r.now()

	if balance, err := r.broker.GetAccountBalance(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("⚠️ Balance refresh failed, keeping cached value")
	} else {
		r.balance.set(balance, now)
	}

	// One broker call per pass; everything below diffs against this snapshot.
	positions, err := r.broker.ListOpenPositions(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("❌ Failed to list broker positions, aborting pass")
		return
	}

	trades, err := r.store.OpenTrades(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("❌ Failed to load open trades, aborting pass")
		return
	}

	claimed := make(map[string]bool, len(trades))
	var unconfirmed []models.Trade

	stats := Stats{LastRun: now}

	for i := range trades {
		trade := trades[i]

		if trade.BrokerDealID == "" {
			unconfirmed = append(unconfirmed, trade)
			continue
		}

		if pos, ok := r.findPosition(positions, trade.BrokerDealID); ok {
			claimed[pos.DealID] = true
			continue
		}

		if now.Sub(trade.OpenedAt) < r.grace {
			continue
		}
		r.closeOrphan(ctx, &trade, now, &stats)
	}

	// Unclaimed broker positions: first try to adopt them into a local
	// trade whose confirmation got lost, otherwise import them.
	for _, pos := range positions {
		if claimed[pos.DealID] {
			continue
		}
		adopted := false
		for i := range unconfirmed {
			t := &unconfirmed[i]
			if t.BrokerDealID != "" || t.Symbol != pos.Symbol || t.Direction != pos.Direction {
				continue
			}
			if err := r.store.SetTradeDealID(ctx, t.ID, pos.DealID); err != nil {
				r.logger.Error().Err(err).Str("trade_id", t.ID).Msg("❌ Failed to adopt broker position")
				break
			}
			t.BrokerDealID = pos.DealID
			stats.Adopted++
			r.logger.Info().
				Str("trade_id", t.ID).
				Str("deal_id", pos.DealID).
				Str("symbol", pos.Symbol).
				Msg("🔗 Late broker confirmation adopted into local trade")
			adopted = true
			break
		}
		if !adopted {
			r.importUntracked(ctx, pos, now, &stats)
		}
	}

	// Whatever is still unconfirmed past the grace window never reached
	// the broker at all.
	for i := range unconfirmed {
		trade := unconfirmed[i]
		if trade.BrokerDealID != "" || now.Sub(trade.OpenedAt) < r.grace {
			continue
		}
		r.closePhantom(ctx, &trade, now, &stats)
	}

	stats.Discrepancies = stats.Phantoms + stats.Orphaned + stats.Untracked + stats.Adopted

	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()

	if stats.Discrepancies > 0 {
		r.logger.Warn().
			Int("phantoms", stats.Phantoms).
			Int("orphaned", stats.Orphaned).
			Int("untracked", stats.Untracked).
			Int("adopted", stats.Adopted).
			Msg("🔍 Reconciliation found discrepancies")
	} else {
		r.logger.Debug().Int("open_trades", len(trades)).Int("positions", len(positions)).
			Msg("✅ Reconciliation pass clean")
	}
}

func (r *Reconciler) findPosition(positions []models.BrokerPosition, dealID string) (models.BrokerPosition, bool) {
	for _, p := range positions {
		if p.DealID == dealID {
			return p, true
		}
	}
	return models.BrokerPosition{}, false
}

// closePhantom closes a local trade that never achieved a broker
// counterpart. No broker interaction: there is nothing to close there.
func (r *Reconciler) closePhantom(ctx context.Context, trade *models.Trade, now time.Time, stats *Stats) {
	err := r.store.CloseOpenTrade(ctx, trade.ID, models.TradeOrphaned, 0, 0, models.ClosePhantom, now)
	if err != nil {
		// Someone else already finalized it; the pass stays idempotent.
		if errors.Is(err, models.ErrTradeNotOpen) || errors.Is(err, models.ErrNotFound) {
			return
		}
		r.logger.Error().Err(err).Str("trade_id", trade.ID).Msg("❌ Failed to close phantom trade")
		return
	}
	stats.Phantoms++
	r.logger.Warn().
		Str("trade_id", trade.ID).
		Str("symbol", trade.Symbol).
		Time("opened_at", trade.OpenedAt).
		Msg("👻 Phantom trade closed: no broker confirmation within grace period")
	r.notify(FindingPhantom, trade)
}

// closeOrphan closes a local trade whose broker position has disappeared,
// recording the last-known P&L.
func (r *Reconciler) closeOrphan(ctx context.Context, trade *models.Trade, now time.Time, stats *Stats) {
	exitPrice := trade.ExitPrice
	if exitPrice == 0 {
		exitPrice = trade.EntryPrice
	}
	err := r.store.CloseOpenTrade(ctx, trade.ID, models.TradeOrphaned, exitPrice, trade.ProfitLoss, models.CloseOrphaned, now)
	if err != nil {
		if errors.Is(err, models.ErrTradeNotOpen) || errors.Is(err, models.ErrNotFound) {
			return
		}
		r.logger.Error().Err(err).Str("trade_id", trade.ID).Msg("❌ Failed to close orphaned trade")
		return
	}
	stats.Orphaned++
	r.logger.Warn().
		Str("trade_id", trade.ID).
		Str("deal_id", trade.BrokerDealID).
		Str("symbol", trade.Symbol).
		Float64("pnl", trade.ProfitLoss).
		Msg("🏚 Orphaned trade closed: broker position disappeared")
	r.notify(FindingOrphaned, trade)
}

// importUntracked creates a synthetic local trade for a broker position
// nothing local claims. Broker-visible positions are never dropped.
func (r *Reconciler) importUntracked(ctx context.Context, pos models.BrokerPosition, now time.Time, stats *Stats) {
	openedAt := pos.OpenedAt
	if openedAt.IsZero() {
		openedAt = now
	}
	direction := strings.ToUpper(pos.Direction)
	if direction != models.SignalBuy && direction != models.SignalSell {
		direction = models.SignalBuy
	}
	trade := &models.Trade{
		ID:            uuid.NewString(),
		Symbol:        pos.Symbol,
		Direction:     direction,
		Status:        models.TradeOpen,
		BrokerDealID:  pos.DealID,
		RequestedSize: pos.Size,
		ExecutedSize:  pos.Size,
		EntryPrice:    pos.OpenPrice,
		ProfitLoss:    pos.ProfitLoss,
		OpenedAt:      openedAt,
		CloseReason:   "",
		Synthetic:     true,
	}
	if err := r.store.CreateTrade(ctx, trade); err != nil {
		r.logger.Error().Err(err).Str("deal_id", pos.DealID).Msg("❌ Failed to import untracked position")
		return
	}
	stats.Untracked++
	r.logger.Warn().
		Str("trade_id", trade.ID).
		Str("deal_id", pos.DealID).
		Str("symbol", pos.Symbol).
		Float64("size", pos.Size).
		Msg("📥 Untracked broker position imported as synthetic trade")
	r.notify(FindingUntracked, trade)
}

func (r *Reconciler) notify(kind string, trade *models.Trade) {
	if r.onFinding != nil {
		r.onFinding(kind, trade)
	}
}
