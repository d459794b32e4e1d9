package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"

	"trade_tracker/internal/models"
)

// BinanceBroker is the live broker over Binance USDT-M futures. One-way
// position mode is assumed, so a deal is identified by its symbol plus
// direction.
type BinanceBroker struct {
	client *futures.Client
	logger zerolog.Logger
}

func NewBinanceBroker(apiKey, secretKey string, testnet bool, logger zerolog.Logger) *BinanceBroker {
	client := futures.NewClient(apiKey, secretKey)
	if testnet {
		futures.UseTestnet = true
	}
	return &BinanceBroker{
		client: client,
		logger: logger.With().Str("component", "broker").Logger(),
	}
}

func (b *BinanceBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, models.Transient("broker", err)
	}
	for _, asset := range account.Assets {
		if asset.Asset == "USDT" {
			return parseFloat(asset.WalletBalance), nil
		}
	}
	return 0, nil
}

func (b *BinanceBroker) ListOpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, models.Transient("broker", err)
	}

	var positions []models.BrokerPosition
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		direction := models.SignalBuy
		size := amt
		if amt < 0 {
			direction = models.SignalSell
			size = -amt
		}
		positions = append(positions, models.BrokerPosition{
			DealID:       dealID(r.Symbol, direction),
			Symbol:       r.Symbol,
			Direction:    direction,
			Size:         size,
			OpenPrice:    parseFloat(r.EntryPrice),
			CurrentPrice: parseFloat(r.MarkPrice),
			ProfitLoss:   parseFloat(r.UnRealizedProfit),
		})
	}
	return positions, nil
}

func (b *BinanceBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := futures.SideTypeBuy
	if req.Direction == models.SignalSell {
		side = futures.SideTypeSell
	}

	order, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(req.Size, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return nil, models.Transient("broker", err)
	}

	entry := parseFloat(order.AvgPrice)
	if entry == 0 {
		// Market orders on testnet sometimes report no fill price yet.
		entry, err = b.GetPrice(ctx, req.Symbol)
		if err != nil {
			entry = 0
		}
	}

	b.logger.Info().
		Str("symbol", req.Symbol).
		Str("direction", req.Direction).
		Float64("size", req.Size).
		Int64("order_id", order.OrderID).
		Msg("✅ Order placed")

	return &OrderResult{
		DealID:     dealID(req.Symbol, req.Direction),
		EntryPrice: entry,
		ExecutedAt: time.Now(),
	}, nil
}

func (b *BinanceBroker) ClosePosition(ctx context.Context, id string) error {
	positions, err := b.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.DealID != id {
			continue
		}
		// Close with an opposite reduce-only market order.
		side := futures.SideTypeSell
		if p.Direction == models.SignalSell {
			side = futures.SideTypeBuy
		}
		_, err := b.client.NewCreateOrderService().
			Symbol(p.Symbol).
			Side(side).
			Type(futures.OrderTypeMarket).
			Quantity(strconv.FormatFloat(p.Size, 'f', -1, 64)).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			return models.Transient("broker", err)
		}
		return nil
	}
	return fmt.Errorf("position not found on broker: %s", id)
}

func (b *BinanceBroker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, models.Transient("broker", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price data for %s", symbol)
	}
	return parseFloat(prices[0].Price), nil
}

func (b *BinanceBroker) DealSizeLimits(ctx context.Context, symbol string) (float64, float64, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, 0, models.Transient("broker", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if f := s.LotSizeFilter(); f != nil {
			return parseFloat(f.MinQuantity), parseFloat(f.MaxQuantity), nil
		}
		break
	}
	return 0, 0, fmt.Errorf("no lot size filter for %s", symbol)
}

func dealID(symbol, direction string) string {
	return symbol + "_" + direction
}

// Helper function
func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%f", &f)
	return f
}
