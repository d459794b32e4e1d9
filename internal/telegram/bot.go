package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v3"

	"trade_tracker/internal/models"
	"trade_tracker/internal/reconcile"
	"trade_tracker/internal/scheduler"
	"trade_tracker/internal/store"
)

// Bot is the Telegram operator surface: health and trade queries plus
// push notifications for trades, stuck bots and reconciliation findings.
type Bot struct {
	bot          *tele.Bot
	coordinator  *scheduler.Coordinator
	reconciler   *reconcile.Reconciler
	store        store.Store
	authorizedID int64
	startTime    time.Time
	logger       zerolog.Logger
}

func NewBot(token string, authorizedID int64, coord *scheduler.Coordinator, rec *reconcile.Reconciler, st store.Store, logger zerolog.Logger) (*Bot, error) {
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		bot:          b,
		coordinator:  coord,
		reconciler:   rec,
		store:        st,
		authorizedID: authorizedID,
		startTime:    time.Now(),
		logger:       logger.With().Str("component", "telegram").Logger(),
	}

	bot.setupHandlers()
	return bot, nil
}

func (b *Bot) Start() {
	b.logger.Info().Msg("📱 Telegram bot started")
	b.bot.Start()
}

func (b *Bot) Stop() {
	b.bot.Stop()
}

func (b *Bot) setupHandlers() {
	// Middleware for authorization
	b.bot.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Sender().ID != b.authorizedID {
				return c.Send("⛔ Unauthorized")
			}
			return next(c)
		}
	})

	// Commands
	b.bot.Handle("/start", b.handleStart)
	b.bot.Handle("/health", b.handleHealth)
	b.bot.Handle("/bots", b.handleBots)
	b.bot.Handle("/trades", b.handleTrades)

	// Buttons
	b.bot.Handle(&btnHealth, b.handleHealth)
	b.bot.Handle(&btnBots, b.handleBots)
	b.bot.Handle(&btnTrades, b.handleTrades)
	b.bot.Handle(&btnRefresh, b.handleHealth)
	b.bot.Handle(&btnBack, b.handleStart)
}

var (
	btnHealth  = tele.Btn{Text: "🩺 Здоровье", Unique: "health"}
	btnBots    = tele.Btn{Text: "🤖 Боты", Unique: "bots"}
	btnTrades  = tele.Btn{Text: "📋 Сделки", Unique: "trades"}
	btnRefresh = tele.Btn{Text: "🔄 Обновить", Unique: "refresh"}
	btnBack    = tele.Btn{Text: "🔙 Назад", Unique: "back"}
)

func (b *Bot) handleStart(c tele.Context) error {
	menu := &tele.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnHealth),
		menu.Row(btnBots, btnTrades),
	)

	msg := fmt.Sprintf(`🤖 *Планировщик торговых ботов*

⏱ Аптайм: %s

Выберите действие:`, time.Since(b.startTime).Round(time.Second))

	return c.Send(msg, menu, tele.ModeMarkdown)
}

func (b *Bot) handleHealth(c tele.Context) error {
	health := b.coordinator.Health(context.Background())
	stats := b.reconciler.Stats()

	status := "⏸️ Остановлен"
	if health.Running {
		status = "▶️ Активен"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🩺 *Здоровье планировщика*\n\n")
	fmt.Fprintf(&sb, "Статус: %s\n", status)
	fmt.Fprintf(&sb, "Застрявшие боты: %d\n", health.StuckBots)
	fmt.Fprintf(&sb, "Брошенные оценки: %d\n", health.AbandonedEvaluations)
	fmt.Fprintf(&sb, "Расхождения сверки: %d\n", stats.Discrepancies)
	if !stats.LastRun.IsZero() {
		fmt.Fprintf(&sb, "Последняя сверка: %s назад\n", time.Since(stats.LastRun).Round(time.Second))
	}

	balance, balanceAt := b.reconciler.BalanceCache().Balance()
	if balanceAt.IsZero() {
		fmt.Fprintf(&sb, "Баланс: нет данных\n")
	} else {
		fmt.Fprintf(&sb, "Баланс: %.2f USDT (%s назад)\n", balance, time.Since(balanceAt).Round(time.Second))
	}

	for _, bh := range health.Bots {
		mark := "✅"
		switch {
		case bh.Stuck:
			mark = "🚨"
		case bh.Skipped:
			mark = "🔑"
		case bh.InFlight:
			mark = "⏳"
		}
		fmt.Fprintf(&sb, "\n%s *%s* (%s %s)", mark, bh.Name, bh.Symbol, bh.Timeframe)
		if !bh.LastRunAt.IsZero() {
			fmt.Fprintf(&sb, "\n   Последний запуск: %s назад", time.Since(bh.LastRunAt).Round(time.Second))
		}
	}

	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(btnRefresh), menu.Row(btnBack))
	return c.Send(sb.String(), menu, tele.ModeMarkdown)
}

func (b *Bot) handleBots(c tele.Context) error {
	bots, err := b.store.ListBots(context.Background())
	if err != nil {
		return c.Send("❌ Ошибка загрузки ботов: " + err.Error())
	}
	if len(bots) == 0 {
		return c.Send("🤖 Ботов пока нет")
	}

	var sb strings.Builder
	sb.WriteString("🤖 *Боты*\n")
	for _, bot := range bots {
		state := "⏸"
		if bot.IsActive && bot.IsAITradingActive {
			state = "▶️"
		}
		fmt.Fprintf(&sb, "\n%s *%s* — %s %s\n", state, bot.Name, bot.Symbol, bot.Timeframe)
		fmt.Fprintf(&sb, "   P&L: %.2f | Сделок: %d | Винрейт: %.1f%%\n",
			bot.TotalPnL, bot.TotalTrades, bot.WinRate)
	}

	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(btnBack))
	return c.Send(sb.String(), menu, tele.ModeMarkdown)
}

func (b *Bot) handleTrades(c tele.Context) error {
	trades, err := b.store.OpenTrades(context.Background())
	if err != nil {
		return c.Send("❌ Ошибка загрузки сделок: " + err.Error())
	}
	if len(trades) == 0 {
		return c.Send("📭 Открытых сделок нет")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 *Открытые сделки (%d)*\n", len(trades))
	for _, t := range trades {
		arrow := "🟢"
		if t.Direction == models.SignalSell {
			arrow = "🔴"
		}
		fmt.Fprintf(&sb, "\n%s *%s* %s\n", arrow, t.Symbol, t.Direction)
		fmt.Fprintf(&sb, "   Объём: %.4f | Вход: %.2f\n", t.ExecutedSize, t.EntryPrice)
		if t.BrokerDealID == "" {
			sb.WriteString("   ⏳ Ожидает подтверждения брокера\n")
		}
		if t.Synthetic {
			sb.WriteString("   📥 Импортирована сверкой\n")
		}
	}

	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(btnBack))
	return c.Send(sb.String(), menu, tele.ModeMarkdown)
}

// NotifyTradeOpened pushes a trade-open alert to the operator.
func (b *Bot) NotifyTradeOpened(trade *models.Trade) {
	msg := fmt.Sprintf(`✅ *Сделка открыта*

%s %s
Объём: %.4f
Вход: %.2f`, trade.Symbol, trade.Direction, trade.ExecutedSize, trade.EntryPrice)
	if trade.SizeAdjustmentNote != "" {
		msg += "\n📏 " + trade.SizeAdjustmentNote
	}
	b.send(msg)
}

// NotifyStuck pushes a stuck-bot recovery alert.
func (b *Bot) NotifyStuck(bot models.Bot, overdue time.Duration) {
	b.send(fmt.Sprintf(`🚨 *Застрявший бот*

%s (%s %s)
Просрочка: %s
Запущен вне очереди`, bot.Name, bot.Symbol, bot.Timeframe, overdue.Round(time.Second)))
}

// NotifyFinding pushes a reconciliation discrepancy alert.
func (b *Bot) NotifyFinding(kind string, trade *models.Trade) {
	var msg string
	switch kind {
	case reconcile.FindingPhantom:
		msg = fmt.Sprintf("👻 *Фантомная сделка закрыта*\n\n%s %s: брокер так и не подтвердил ордер",
			trade.Symbol, trade.Direction)
	case reconcile.FindingOrphaned:
		msg = fmt.Sprintf("🏚 *Осиротевшая сделка закрыта*\n\n%s %s\nP&L: %.2f",
			trade.Symbol, trade.Direction, trade.ProfitLoss)
	case reconcile.FindingUntracked:
		msg = fmt.Sprintf("📥 *Импортирована позиция брокера*\n\n%s %s, объём %.4f",
			trade.Symbol, trade.Direction, trade.ExecutedSize)
	default:
		return
	}
	b.send(msg)
}

func (b *Bot) send(msg string) {
	chat := &tele.Chat{ID: b.authorizedID}
	if _, err := b.bot.Send(chat, msg, tele.ModeMarkdown); err != nil {
		b.logger.Error().Err(err).Msg("❌ Failed to send telegram notification")
	}
}
