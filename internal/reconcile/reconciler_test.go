package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade_tracker/internal/broker"
	"trade_tracker/internal/models"
	"trade_tracker/internal/store"
)

type fakeBroker struct {
	balance    float64
	balanceErr error
	positions  []models.BrokerPosition
	listErr    error
}

func (f *fakeBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	return f.balance, f.balanceErr
}
func (f *fakeBroker) ListOpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	return f.positions, f.listErr
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	return nil, nil
}
func (f *fakeBroker) ClosePosition(ctx context.Context, dealID string) error { return nil }
func (f *fakeBroker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return 50000, nil
}
func (f *fakeBroker) DealSizeLimits(ctx context.Context, symbol string) (float64, float64, error) {
	return 0.001, 100, nil
}

func newTestReconciler(st store.Store, brk *fakeBroker, now time.Time) *Reconciler {
	r := NewReconciler(st, brk, NewBalanceCache(0), 3*time.Minute, 60*time.Second, zerolog.Nop())
	r.now = func() time.Time { return now }
	return r
}

func TestPhantomClosedAfterGrace(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	st.CreateTrade(ctx, &models.Trade{
		ID: "fresh", BotID: "b1", Symbol: "BTCUSDT", Status: models.TradeOpen, OpenedAt: t0,
	})
	st.CreateTrade(ctx, &models.Trade{
		ID: "stale", BotID: "b1", Symbol: "ETHUSDT", Status: models.TradeOpen, OpenedAt: t0.Add(-2 * time.Minute),
	})

	// 30s after t0: "fresh" is inside the grace window, "stale" is well past it.
	r := newTestReconciler(st, &fakeBroker{balance: 5000}, t0.Add(30*time.Second))
	r.RunOnce(ctx)

	open, _ := st.OpenTrades(ctx)
	if len(open) != 1 || open[0].ID != "fresh" {
		t.Fatalf("open trades = %+v, want only [fresh]", open)
	}

	closed, _ := st.ClosedTradesForBot(ctx, "b1")
	if len(closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(closed))
	}
	if closed[0].Status != models.TradeOrphaned || closed[0].CloseReason != models.ClosePhantom {
		t.Errorf("phantom closed as %s/%s, want ORPHANED/PHANTOM", closed[0].Status, closed[0].CloseReason)
	}
	if got := r.Stats(); got.Phantoms != 1 || got.Discrepancies != 1 {
		t.Errorf("stats = %+v, want 1 phantom", got)
	}
}

func TestOrphanClosedWithLastKnownPnL(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	st.CreateTrade(ctx, &models.Trade{
		ID: "t1", BotID: "b1", Symbol: "BTCUSDT", Status: models.TradeOpen,
		BrokerDealID: "gone", EntryPrice: 50000, ProfitLoss: -12.5, OpenedAt: t0.Add(-10 * time.Minute),
	})

	r := newTestReconciler(st, &fakeBroker{balance: 5000}, t0)
	r.RunOnce(ctx)

	closed, _ := st.ClosedTradesForBot(ctx, "b1")
	if len(closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(closed))
	}
	trade := closed[0]
	if trade.Status != models.TradeOrphaned || trade.CloseReason != models.CloseOrphaned {
		t.Errorf("orphan closed as %s/%s, want ORPHANED/ORPHANED", trade.Status, trade.CloseReason)
	}
	if trade.ProfitLoss != -12.5 {
		t.Errorf("pnl = %v, want last-known -12.5", trade.ProfitLoss)
	}
}

func TestMatchedTradeSurvives(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	st.CreateTrade(ctx, &models.Trade{
		ID: "t1", BotID: "b1", Symbol: "BTCUSDT", Status: models.TradeOpen,
		BrokerDealID: "deal-1", OpenedAt: t0.Add(-time.Hour),
	})

	brk := &fakeBroker{balance: 5000, positions: []models.BrokerPosition{
		{DealID: "deal-1", Symbol: "BTCUSDT", Direction: "BUY", Size: 0.01, ProfitLoss: 3.2},
	}}
	r := newTestReconciler(st, brk, t0)
	r.RunOnce(ctx)

	open, _ := st.OpenTrades(ctx)
	if len(open) != 1 {
		t.Fatalf("open trades = %d, want 1", len(open))
	}
	if got := r.Stats(); got.Discrepancies != 0 {
		t.Errorf("discrepancies = %d, want 0", got.Discrepancies)
	}
}

func TestUntrackedPositionImported(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	brk := &fakeBroker{balance: 5000, positions: []models.BrokerPosition{
		{DealID: "mystery", Symbol: "SOLUSDT", Direction: "SELL", Size: 2, OpenPrice: 150, ProfitLoss: 1.1},
	}}
	r := newTestReconciler(st, brk, t0)
	r.RunOnce(ctx)

	open, _ := st.OpenTrades(ctx)
	if len(open) != 1 {
		t.Fatalf("open trades = %d, want 1 imported", len(open))
	}
	trade := open[0]
	if !trade.Synthetic {
		t.Error("imported trade not marked synthetic")
	}
	if trade.BrokerDealID != "mystery" || trade.Symbol != "SOLUSDT" || trade.Direction != models.SignalSell {
		t.Errorf("imported trade = %+v", trade)
	}
	if trade.ExecutedSize != 2 || trade.EntryPrice != 150 {
		t.Errorf("imported size/entry = %v/%v, want 2/150", trade.ExecutedSize, trade.EntryPrice)
	}
}

func TestLateConfirmationAdoptedInsteadOfPhantom(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Order reached the broker but the confirmation was lost locally.
	st.CreateTrade(ctx, &models.Trade{
		ID: "t1", BotID: "b1", Symbol: "BTCUSDT", Direction: models.SignalBuy,
		Status: models.TradeOpen, OpenedAt: t0.Add(-5 * time.Minute),
	})
	brk := &fakeBroker{balance: 5000, positions: []models.BrokerPosition{
		{DealID: "deal-9", Symbol: "BTCUSDT", Direction: models.SignalBuy, Size: 0.01, OpenPrice: 50000},
	}}

	r := newTestReconciler(st, brk, t0)
	r.RunOnce(ctx)

	open, _ := st.OpenTrades(ctx)
	if len(open) != 1 {
		t.Fatalf("open trades = %d, want 1", len(open))
	}
	if open[0].ID != "t1" || open[0].BrokerDealID != "deal-9" {
		t.Errorf("trade = %s deal %q, want t1 adopting deal-9", open[0].ID, open[0].BrokerDealID)
	}
	if open[0].Synthetic {
		t.Error("adopted trade wrongly marked synthetic")
	}
	if got := r.Stats(); got.Adopted != 1 || got.Phantoms != 0 || got.Untracked != 0 {
		t.Errorf("stats = %+v, want exactly 1 adoption", got)
	}
}

func TestReconciliationIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	st.CreateTrade(ctx, &models.Trade{
		ID: "phantom", BotID: "b1", Symbol: "BTCUSDT", Status: models.TradeOpen, OpenedAt: t0.Add(-5 * time.Minute),
	})
	brk := &fakeBroker{balance: 5000, positions: []models.BrokerPosition{
		{DealID: "mystery", Symbol: "SOLUSDT", Direction: "BUY", Size: 1, OpenPrice: 150},
	}}

	r := newTestReconciler(st, brk, t0)
	r.RunOnce(ctx)
	if got := r.Stats(); got.Discrepancies != 2 {
		t.Fatalf("first pass discrepancies = %d, want 2", got.Discrepancies)
	}

	// Second pass with unchanged broker state must write nothing new.
	r.RunOnce(ctx)
	if got := r.Stats(); got.Discrepancies != 0 {
		t.Errorf("second pass discrepancies = %d, want 0", got.Discrepancies)
	}
	open, _ := st.OpenTrades(ctx)
	if len(open) != 1 {
		t.Errorf("open trades after second pass = %d, want 1", len(open))
	}
}

func TestBalanceCacheRefreshedEachPass(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	brk := &fakeBroker{balance: 4321.5}
	r := newTestReconciler(st, brk, t0)
	r.RunOnce(ctx)

	balance, at := r.BalanceCache().Balance()
	if balance != 4321.5 {
		t.Errorf("balance = %v, want 4321.5", balance)
	}
	if !at.Equal(t0) {
		t.Errorf("balance timestamp = %v, want %v", at, t0)
	}

	// A failed refresh keeps the previous value instead of zeroing it.
	brk.balanceErr = context.DeadlineExceeded
	r.now = func() time.Time { return t0.Add(3 * time.Minute) }
	r.RunOnce(ctx)

	balance, at = r.BalanceCache().Balance()
	if balance != 4321.5 || !at.Equal(t0) {
		t.Errorf("stale balance = %v@%v, want 4321.5@%v", balance, at, t0)
	}
}
