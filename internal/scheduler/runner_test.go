package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade_tracker/internal/ai"
	"trade_tracker/internal/broker"
	"trade_tracker/internal/models"
	"trade_tracker/internal/store"
)

type fakeMarket struct {
	candles []models.Candle
	err     error
}

func (f *fakeMarket) FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]models.Candle, error) {
	return f.candles, f.err
}

type fakeDecider struct {
	decision *ai.Decision
	err      error
}

func (f *fakeDecider) Evaluate(ctx context.Context, mc ai.MarketContext) (*ai.Decision, error) {
	return f.decision, f.err
}

type fakeBroker struct {
	minDeal, maxDeal float64
	placeErr         error
	placed           []broker.OrderRequest
	positions        []models.BrokerPosition
	balance          float64
}

func (f *fakeBroker) GetAccountBalance(ctx context.Context) (float64, error) { return f.balance, nil }
func (f *fakeBroker) ListOpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	return f.positions, nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	return &broker.OrderResult{DealID: "deal-1", EntryPrice: 50000, ExecutedAt: time.Now()}, nil
}
func (f *fakeBroker) ClosePosition(ctx context.Context, dealID string) error { return nil }
func (f *fakeBroker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return 50000, nil
}
func (f *fakeBroker) DealSizeLimits(ctx context.Context, symbol string) (float64, float64, error) {
	return f.minDeal, f.maxDeal, nil
}

type fakeBalance struct{}

func (fakeBalance) Balance() (float64, time.Time) { return 5000, time.Now() }

func testCandles(n int) []models.Candle {
	candles := make([]models.Candle, n)
	for i := range candles {
		candles[i] = models.Candle{Close: 50000 + float64(i)}
	}
	return candles
}

func testBot() models.Bot {
	return models.Bot{
		ID: "b1", Name: "test", Symbol: "BTCUSDT", Timeframe: "1H",
		IsActive: true, IsAITradingActive: true, HasCredentials: true,
		MaxSimultaneousTrades: 3,
	}
}

func newTestRunner(st store.Store, market *fakeMarket, decider *fakeDecider, brk *fakeBroker) *Runner {
	return NewRunner(st, market, decider, brk, fakeBalance{}, 50, zerolog.Nop())
}

func TestRunOpensTradeWithClampedSize(t *testing.T) {
	st := store.NewMemoryStore()
	brk := &fakeBroker{minDeal: 0.0018, maxDeal: 100}
	decider := &fakeDecider{decision: &ai.Decision{
		Action: models.SignalBuy, Confidence: 80, PositionSize: 0.001,
		StopLoss: 49000, TakeProfit: 52000,
	}}
	r := newTestRunner(st, &fakeMarket{candles: testCandles(60)}, decider, brk)

	if err := r.Run(context.Background(), testBot(), false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	eval, err := st.LatestEvaluation(context.Background(), "b1")
	if err != nil {
		t.Fatalf("LatestEvaluation: %v", err)
	}
	if eval.Status != models.EvalCompleted {
		t.Errorf("eval status = %s, want COMPLETED", eval.Status)
	}

	trades, _ := st.OpenTradesForBot(context.Background(), "b1")
	if len(trades) != 1 {
		t.Fatalf("open trades = %d, want 1", len(trades))
	}
	trade := trades[0]
	if trade.ExecutedSize != 0.0018 {
		t.Errorf("executed size = %v, want clamped 0.0018", trade.ExecutedSize)
	}
	if trade.RequestedSize != 0.001 {
		t.Errorf("requested size = %v, want original 0.001", trade.RequestedSize)
	}
	if trade.SizeAdjustmentNote == "" {
		t.Error("size adjustment note missing for clamped trade")
	}
	if trade.BrokerDealID != "deal-1" {
		t.Errorf("deal id = %q, want deal-1", trade.BrokerDealID)
	}
	if len(brk.placed) != 1 || brk.placed[0].Size != 0.0018 {
		t.Errorf("order submitted with size %v, want 0.0018", brk.placed[0].Size)
	}
}

func TestRunMarketFailureFinalizesFailed(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRunner(st, &fakeMarket{err: errors.New("binance down")}, &fakeDecider{}, &fakeBroker{})

	if err := r.Run(context.Background(), testBot(), false); err == nil {
		t.Fatal("Run: expected error")
	}

	eval, err := st.LatestEvaluation(context.Background(), "b1")
	if err != nil {
		t.Fatalf("LatestEvaluation: %v", err)
	}
	if eval.Status != models.EvalFailed {
		t.Errorf("eval status = %s, want FAILED", eval.Status)
	}
	if eval.InFlight() {
		t.Error("failed evaluation still in flight")
	}
	if eval.Error == "" {
		t.Error("failed evaluation missing error message")
	}
}

func TestRunOrderFailureKeepsEvaluationCompleted(t *testing.T) {
	st := store.NewMemoryStore()
	brk := &fakeBroker{minDeal: 0.001, maxDeal: 100, placeErr: errors.New("rejected")}
	decider := &fakeDecider{decision: &ai.Decision{Action: models.SignalBuy, Confidence: 90, PositionSize: 0.01}}
	r := newTestRunner(st, &fakeMarket{candles: testCandles(60)}, decider, brk)

	if err := r.Run(context.Background(), testBot(), false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	eval, _ := st.LatestEvaluation(context.Background(), "b1")
	if eval.Status != models.EvalCompleted {
		t.Errorf("eval status = %s, want COMPLETED despite order failure", eval.Status)
	}
	trades, _ := st.OpenTradesForBot(context.Background(), "b1")
	if len(trades) != 0 {
		t.Errorf("open trades = %d, want 0 after order failure", len(trades))
	}
}

func TestRunHoldAndLowConfidenceSkipTrading(t *testing.T) {
	cases := []struct {
		name     string
		decision *ai.Decision
	}{
		{"hold", &ai.Decision{Action: models.SignalHold, Confidence: 95}},
		{"low confidence", &ai.Decision{Action: models.SignalBuy, Confidence: 30, PositionSize: 0.01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			r := newTestRunner(st, &fakeMarket{candles: testCandles(60)}, &fakeDecider{decision: tc.decision}, &fakeBroker{minDeal: 0.001, maxDeal: 100})

			if err := r.Run(context.Background(), testBot(), false); err != nil {
				t.Fatalf("Run: %v", err)
			}
			trades, _ := st.OpenTradesForBot(context.Background(), "b1")
			if len(trades) != 0 {
				t.Errorf("open trades = %d, want 0", len(trades))
			}
			eval, _ := st.LatestEvaluation(context.Background(), "b1")
			if eval.Status != models.EvalCompleted {
				t.Errorf("eval status = %s, want COMPLETED", eval.Status)
			}
		})
	}
}

func TestRunRespectsMaxSimultaneousTrades(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		st.CreateTrade(ctx, &models.Trade{
			ID: string(rune('a' + i)), BotID: "b1", Status: models.TradeOpen, OpenedAt: time.Now(),
		})
	}

	brk := &fakeBroker{minDeal: 0.001, maxDeal: 100}
	decider := &fakeDecider{decision: &ai.Decision{Action: models.SignalBuy, Confidence: 90, PositionSize: 0.01}}
	r := newTestRunner(st, &fakeMarket{candles: testCandles(60)}, decider, brk)

	if err := r.Run(ctx, testBot(), false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(brk.placed) != 0 {
		t.Errorf("orders placed = %d, want 0 at trade limit", len(brk.placed))
	}
}
