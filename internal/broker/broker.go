package broker

import (
	"context"
	"time"

	"trade_tracker/internal/models"
)

// OrderRequest is what the evaluation runner submits after clamping the
// decision's recommended size to the broker's deal limits.
type OrderRequest struct {
	Symbol     string
	Direction  string // "BUY" or "SELL"
	Size       float64
	StopLoss   float64
	TakeProfit float64
}

// OrderResult is the broker's confirmation of a placed order.
type OrderResult struct {
	DealID     string
	EntryPrice float64
	ExecutedAt time.Time
}

// Broker is the authoritative source of truth for anything broker-side.
// All responses are assumed eventually-consistent within the reconciler's
// grace period.
type Broker interface {
	GetAccountBalance(ctx context.Context) (float64, error)
	ListOpenPositions(ctx context.Context) ([]models.BrokerPosition, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ClosePosition(ctx context.Context, dealID string) error
	GetPrice(ctx context.Context, symbol string) (float64, error)
	// DealSizeLimits returns the broker's minimum and maximum deal size
	// for a symbol. Recommendations outside the range are clamped, never
	// silently submitted.
	DealSizeLimits(ctx context.Context, symbol string) (min, max float64, err error)
}
