package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trade_tracker/internal/marketdata"
	"trade_tracker/internal/models"
)

// MarketContext is everything the decision collaborator sees for one
// evaluation cycle.
type MarketContext struct {
	Symbol     string
	Timeframe  string
	Candles    []models.Candle
	Indicators *marketdata.Indicators
	Balance    float64
}

// Decision is the collaborator's verdict. The scheduler treats it as a
// pure function result; the position size here is a recommendation that
// still gets clamped to broker limits downstream.
type Decision struct {
	Action       string // "BUY", "SELL", "HOLD"
	Confidence   float64
	PositionSize float64
	StopLoss     float64
	TakeProfit   float64
	Rationale    string
	Raw          string // raw completion text, persisted with the Evaluation
}

// DecisionClient is the strategy/AI collaborator boundary.
type DecisionClient interface {
	Evaluate(ctx context.Context, mc MarketContext) (*Decision, error)
}

type MistralClient struct {
	apiKey string
	model  string
	client *http.Client
}

func NewMistralClient(apiKey string) *MistralClient {
	return &MistralClient{
		apiKey: apiKey,
		model:  "mistral-small-latest",
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type mistralRequest struct {
	Model    string           `json:"model"`
	Messages []mistralMessage `json:"messages"`
}

type mistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (m *MistralClient) Evaluate(ctx context.Context, mc MarketContext) (*Decision, error) {
	prompt := m.buildPrompt(mc)

	reqBody := mistralRequest{
		Model: m.model,
		Messages: []mistralMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.mistral.ai/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, models.Transient("decision", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Transient("decision", err)
	}

	if resp.StatusCode != 200 {
		return nil, models.Transient("decision", fmt.Errorf("mistral API error: %s", string(body)))
	}

	var mistralResp mistralResponse
	if err := json.Unmarshal(body, &mistralResp); err != nil {
		return nil, err
	}
	if len(mistralResp.Choices) == 0 {
		return nil, fmt.Errorf("no response from Mistral")
	}

	return parseDecision(mistralResp.Choices[0].Message.Content)
}

func (m *MistralClient) buildPrompt(mc MarketContext) string {
	lastPrice := 0.0
	if len(mc.Candles) > 0 {
		lastPrice = mc.Candles[len(mc.Candles)-1].Close
	}

	var rsi, ema20, ema50, volChange float64
	trend := "NEUTRAL"
	if mc.Indicators != nil {
		rsi = mc.Indicators.RSI
		ema20 = mc.Indicators.EMA20
		ema50 = mc.Indicators.EMA50
		volChange = mc.Indicators.VolumeChange
		trend = mc.Indicators.Trend
	}

	tail := mc.Candles
	if len(tail) > 20 {
		tail = tail[len(tail)-20:]
	}

	return fmt.Sprintf(`You are an expert crypto trader evaluating a %s chart for %s.

**CURRENT MARKET STATE:**
- Price: %.4f USDT
- RSI: %.2f
- EMA 20: %.4f | EMA 50: %.4f
- Volume change: %.2f%%
- Trend: %s
- Account balance: %.2f USDT

**RECENT ACTION (Last %d Candles):**
%s

**YOUR INSTRUCTIONS:**
1. Decide BUY, SELL or HOLD for the next %s interval.
2. Only trade with conviction; if uncertain, say HOLD.
3. Recommend a position size in base units, a stop loss and a take profit.

Provide your analysis in JSON ONLY:
{
  "action": "BUY" | "SELL" | "HOLD",
  "confidence": 0-100,
  "position_size": number,
  "stop_loss": price_level,
  "take_profit": price_level,
  "rationale": "max 2 sentences"
}`,
		mc.Timeframe,
		mc.Symbol,
		lastPrice,
		rsi,
		ema20,
		ema50,
		volChange,
		trend,
		mc.Balance,
		len(tail),
		formatCandles(tail),
		mc.Timeframe,
	)
}

func formatCandles(candles []models.Candle) string {
	var sb strings.Builder
	for i, c := range candles {
		sb.WriteString(fmt.Sprintf("%d. O:%.4f H:%.4f L:%.4f C:%.4f V:%.0f\n",
			i+1, c.Open, c.High, c.Low, c.Close, c.Volume))
	}
	return sb.String()
}

func parseDecision(content string) (*Decision, error) {
	// Try to extract JSON from the response
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 {
		return nil, fmt.Errorf("no JSON found in response")
	}
	jsonStr := content[start : end+1]

	var result struct {
		Action       string  `json:"action"`
		Decision     string  `json:"decision"` // Fallback if the model used "decision"
		Confidence   float64 `json:"confidence"`
		PositionSize float64 `json:"position_size"`
		StopLoss     float64 `json:"stop_loss"`
		TakeProfit   float64 `json:"take_profit"`
		Rationale    string  `json:"rationale"`
		Reasoning    string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("failed to parse AI response: %v", err)
	}

	// Normalize fields
	action := strings.ToUpper(result.Action)
	if action == "" {
		action = strings.ToUpper(result.Decision)
	}
	switch action {
	case models.SignalBuy, models.SignalSell:
	case "WAIT", "NO", "":
		action = models.SignalHold
	default:
		action = models.SignalHold
	}

	rationale := result.Rationale
	if rationale == "" {
		rationale = result.Reasoning
	}

	return &Decision{
		Action:       action,
		Confidence:   result.Confidence,
		PositionSize: result.PositionSize,
		StopLoss:     result.StopLoss,
		TakeProfit:   result.TakeProfit,
		Rationale:    rationale,
		Raw:          content,
	}, nil
}
