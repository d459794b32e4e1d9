package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade_tracker/internal/models"
	"trade_tracker/internal/store"
)

type countingProvider struct {
	calls   int
	candles []models.Candle
	err     error
}

func (p *countingProvider) FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]models.Candle, error) {
	p.calls++
	return p.candles, p.err
}

func makeCandles(n int) []models.Candle {
	candles := make([]models.Candle, n)
	for i := range candles {
		candles[i] = models.Candle{Close: float64(i)}
	}
	return candles
}

func TestFreshCacheServedWithoutFetch(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	st.PutCandleCache(ctx, &models.CandleCache{
		Symbol: "BTCUSDT", Timeframe: "1H",
		Candles:   makeCandles(120),
		UpdatedAt: now.Add(-5 * time.Minute),
	})

	inner := &countingProvider{}
	c := NewCachedProvider(inner, st, 15*time.Minute, zerolog.Nop())
	c.now = func() time.Time { return now }

	candles, err := c.FetchCandles(ctx, "BTCUSDT", "1H", 100)
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if inner.calls != 0 {
		t.Errorf("inner fetches = %d, want 0 on fresh cache", inner.calls)
	}
	if len(candles) != 100 {
		t.Fatalf("candles = %d, want 100", len(candles))
	}
	// The tail of the cached series, not the head.
	if candles[len(candles)-1].Close != 119 {
		t.Errorf("last close = %v, want 119", candles[len(candles)-1].Close)
	}
}

func TestStaleCacheRefetched(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	st.PutCandleCache(ctx, &models.CandleCache{
		Symbol: "BTCUSDT", Timeframe: "1H",
		Candles:   makeCandles(120),
		UpdatedAt: now.Add(-time.Hour),
	})

	inner := &countingProvider{candles: makeCandles(100)}
	c := NewCachedProvider(inner, st, 15*time.Minute, zerolog.Nop())
	c.now = func() time.Time { return now }

	if _, err := c.FetchCandles(ctx, "BTCUSDT", "1H", 100); err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner fetches = %d, want 1 on stale cache", inner.calls)
	}

	// The refetch refreshed the cache entry.
	entry, err := st.GetCandleCache(ctx, "BTCUSDT", "1H")
	if err != nil {
		t.Fatalf("GetCandleCache: %v", err)
	}
	if !entry.UpdatedAt.Equal(now) {
		t.Errorf("cache updated at %v, want %v", entry.UpdatedAt, now)
	}
}

func TestShortCacheRefetched(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Fresh but holding fewer candles than requested.
	st.PutCandleCache(ctx, &models.CandleCache{
		Symbol: "BTCUSDT", Timeframe: "1H",
		Candles:   makeCandles(50),
		UpdatedAt: now.Add(-time.Minute),
	})

	inner := &countingProvider{candles: makeCandles(100)}
	c := NewCachedProvider(inner, st, 15*time.Minute, zerolog.Nop())
	c.now = func() time.Time { return now }

	candles, err := c.FetchCandles(ctx, "BTCUSDT", "1H", 100)
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner fetches = %d, want 1 on short cache", inner.calls)
	}
	if len(candles) != 100 {
		t.Errorf("candles = %d, want 100", len(candles))
	}
}

func TestFetchFailurePropagates(t *testing.T) {
	st := store.NewMemoryStore()
	inner := &countingProvider{err: errors.New("binance down")}
	c := NewCachedProvider(inner, st, 15*time.Minute, zerolog.Nop())

	if _, err := c.FetchCandles(context.Background(), "BTCUSDT", "1H", 100); err == nil {
		t.Fatal("expected error from inner provider")
	}
}
