package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade_tracker/internal/models"
)

// PriceSource supplies market prices for the emulator; a live broker or a
// fixed table in tests.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Emulator is the paper-trading broker. It keeps balance and positions in
// memory while delegating price reads to a real source, so the whole
// scheduler loop runs without live keys.
type Emulator struct {
	mu        sync.RWMutex
	balance   float64
	positions map[string]*models.BrokerPosition
	prices    PriceSource
	minDeal   float64
	maxDeal   float64
	logger    zerolog.Logger
}

func NewEmulator(initialBalance float64, prices PriceSource, logger zerolog.Logger) *Emulator {
	return &Emulator{
		balance:   initialBalance,
		positions: make(map[string]*models.BrokerPosition),
		prices:    prices,
		minDeal:   0.001,
		maxDeal:   1000,
		logger:    logger.With().Str("component", "emulator").Logger(),
	}
}

// SetDealLimits overrides the emulated min/max deal size.
func (e *Emulator) SetDealLimits(min, max float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minDeal, e.maxDeal = min, max
}

func (e *Emulator) GetAccountBalance(ctx context.Context) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance, nil
}

func (e *Emulator) ListOpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	positions := make([]models.BrokerPosition, 0, len(e.positions))
	for _, p := range e.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

func (e *Emulator) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	price, err := e.prices.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	notional := req.Size * price
	if e.balance < notional {
		return nil, fmt.Errorf("insufficient balance: %.2f USDT", e.balance)
	}
	e.balance -= notional

	position := &models.BrokerPosition{
		DealID:       uuid.NewString(),
		Symbol:       req.Symbol,
		Direction:    req.Direction,
		Size:         req.Size,
		OpenPrice:    price,
		CurrentPrice: price,
		OpenedAt:     time.Now(),
	}
	e.positions[position.DealID] = position

	e.logger.Info().
		Str("symbol", req.Symbol).
		Str("direction", req.Direction).
		Float64("size", req.Size).
		Float64("price", price).
		Msg("✅ Emulator: order filled")

	return &OrderResult{
		DealID:     position.DealID,
		EntryPrice: price,
		ExecutedAt: position.OpenedAt,
	}, nil
}

func (e *Emulator) ClosePosition(ctx context.Context, dealIDArg string) error {
	e.mu.Lock()
	p, ok := e.positions[dealIDArg]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("position not found: %s", dealIDArg)
	}

	price, err := e.prices.GetPrice(ctx, p.Symbol)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var pl float64
	if p.Direction == models.SignalBuy {
		pl = (price - p.OpenPrice) * p.Size
	} else {
		pl = (p.OpenPrice - price) * p.Size
	}
	// 0.1% close fee.
	pl -= p.Size * price * 0.001

	e.balance += p.Size*p.OpenPrice + pl
	delete(e.positions, dealIDArg)

	e.logger.Info().
		Str("symbol", p.Symbol).
		Float64("pl", pl).
		Msg("🎯 Emulator: position closed")
	return nil
}

func (e *Emulator) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return e.prices.GetPrice(ctx, symbol)
}

func (e *Emulator) DealSizeLimits(ctx context.Context, symbol string) (float64, float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.minDeal, e.maxDeal, nil
}
