package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"trade_tracker/internal/models"
)

// Provider fetches OHLCV candles. Treated as unreliable: callers get
// TransientError on flake and retry on their own cadence.
type Provider interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]models.Candle, error)
}

// Binance timeframe identifiers differ from ours ("1H" vs "1h").
var binanceIntervals = map[string]string{
	"1M":  "1m",
	"5M":  "5m",
	"15M": "15m",
	"30M": "30m",
	"1H":  "1h",
	"4H":  "4h",
	"1D":  "1d",
}

// BinanceProvider pulls klines from Binance futures with retry/backoff.
type BinanceProvider struct {
	client     *futures.Client
	maxRetries int
}

func NewBinanceProvider(apiKey, secretKey string, testnet bool) *BinanceProvider {
	client := futures.NewClient(apiKey, secretKey)
	if testnet {
		futures.UseTestnet = true
	}
	return &BinanceProvider{client: client, maxRetries: 3}
}

func (p *BinanceProvider) FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]models.Candle, error) {
	interval, ok := binanceIntervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("unknown timeframe: %s", timeframe)
	}

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, models.Transient("market-data", ctx.Err())
			}
		}

		klines, err := p.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(count).
			Do(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		candles := make([]models.Candle, len(klines))
		for i, k := range klines {
			candles[i] = models.Candle{
				OpenTime:  time.Unix(k.OpenTime/1000, 0),
				Open:      parseFloat(k.Open),
				High:      parseFloat(k.High),
				Low:       parseFloat(k.Low),
				Close:     parseFloat(k.Close),
				Volume:    parseFloat(k.Volume),
				CloseTime: time.Unix(k.CloseTime/1000, 0),
			}
		}
		return candles, nil
	}

	return nil, models.Transient("market-data", lastErr)
}

// Helper function
func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%f", &f)
	return f
}
