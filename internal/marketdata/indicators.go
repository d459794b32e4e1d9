package marketdata

import "trade_tracker/internal/models"

// Indicators is the compact technical summary handed to the decision
// collaborator alongside the raw candles.
type Indicators struct {
	RSI          float64
	EMA20        float64
	EMA50        float64
	VolumeChange float64
	Trend        string // "BULLISH", "BEARISH", "NEUTRAL"
}

// CalculateIndicators computes the summary from candles. Returns nil when
// there is not enough history.
func CalculateIndicators(candles []models.Candle) *Indicators {
	if len(candles) < 50 {
		return nil
	}

	ind := &Indicators{}
	ind.RSI = calculateRSI(candles, 14)

	prices := make([]float64, len(candles))
	for i, c := range candles {
		prices[i] = c.Close
	}
	ind.EMA20 = calculateEMA(prices, 20)
	ind.EMA50 = calculateEMA(prices, 50)

	if len(candles) >= 2 {
		currentVol := candles[len(candles)-1].Volume
		prevVol := candles[len(candles)-2].Volume
		if prevVol > 0 {
			ind.VolumeChange = ((currentVol - prevVol) / prevVol) * 100
		}
	}

	ind.Trend = CalculateTrend(candles)
	return ind
}

// CalculateTrend classifies the direction of the last 20 closes.
func CalculateTrend(candles []models.Candle) string {
	if len(candles) < 20 {
		return "NEUTRAL"
	}

	recent := candles[len(candles)-20:]
	first := recent[0].Close
	last := recent[len(recent)-1].Close
	if first == 0 {
		return "NEUTRAL"
	}

	change := (last - first) / first * 100
	switch {
	case change > 1.0:
		return "BULLISH"
	case change < -1.0:
		return "BEARISH"
	default:
		return "NEUTRAL"
	}
}

func calculateRSI(candles []models.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50
	}

	gains := 0.0
	losses := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func calculateEMA(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}

	multiplier := 2.0 / float64(period+1)
	ema := prices[len(prices)-period]
	for i := len(prices) - period + 1; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}
	return ema
}
