package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"trade_tracker/internal/models"
	"trade_tracker/internal/store"
)

// CachedProvider serves candles from the persisted cache while they are
// fresh and refetches through the inner provider when they are not. The
// cleanup service evicts aged entries on its own cadence.
type CachedProvider struct {
	inner     Provider
	store     store.Store
	freshness time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewCachedProvider(inner Provider, st store.Store, freshness time.Duration, logger zerolog.Logger) *CachedProvider {
	return &CachedProvider{
		inner:     inner,
		store:     st,
		freshness: freshness,
		logger:    logger.With().Str("component", "marketdata").Logger(),
		now:       time.Now,
	}
}

func (c *CachedProvider) FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]models.Candle, error) {
	entry, err := c.store.GetCandleCache(ctx, symbol, timeframe)
	if err == nil && c.now().Sub(entry.UpdatedAt) < c.freshness && len(entry.Candles) >= count {
		return entry.Candles[len(entry.Candles)-count:], nil
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		// A broken cache read is not fatal; fall through to a live fetch.
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Candle cache read failed")
	}

	candles, err := c.inner.FetchCandles(ctx, symbol, timeframe, count)
	if err != nil {
		return nil, err
	}

	if putErr := c.store.PutCandleCache(ctx, &models.CandleCache{
		Symbol:    symbol,
		Timeframe: timeframe,
		Candles:   candles,
		UpdatedAt: c.now(),
	}); putErr != nil {
		c.logger.Warn().Err(putErr).Str("symbol", symbol).Msg("⚠️ Candle cache write failed")
	}
	return candles, nil
}
