package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade_tracker/internal/models"
	"trade_tracker/internal/store"
)

// Options tune the coordinator loop. Zero values fall back to defaults.
type Options struct {
	TickInterval    time.Duration // scan cadence, default 20s
	StuckMultiplier float64       // overdue >= multiplier*interval means stuck, default 2
	EvalTimeout     time.Duration // RUNNING older than this is abandoned, default 5m
	MaxConcurrent   int           // in-flight evaluation limit, default 4
}

func (o *Options) withDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 20 * time.Second
	}
	if o.StuckMultiplier <= 0 {
		o.StuckMultiplier = 2.0
	}
	if o.EvalTimeout <= 0 {
		o.EvalTimeout = 5 * time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
}

// Coordinator drives the evaluation schedule. One short ticker scans every
// bot, computes each bot's next-run time from its last evaluation start and
// timeframe interval, and dispatches due bots to the runner. There is no
// per-bot timer to drift or silently die: a bot that misses its window shows
// up as stuck on the very next scan.
type Coordinator struct {
	store  store.Store
	runner *Runner
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	isRunning bool
	inFlight  map[string]bool // bots with a dispatched goroutine in this process
	noCreds   map[string]bool // bots already flagged for missing credentials
	abandoned int
	stuck     map[string]bool

	sem      chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	onStuck func(bot models.Bot, overdue time.Duration)
}

func NewCoordinator(st store.Store, runner *Runner, opts Options, logger zerolog.Logger) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		store:    st,
		runner:   runner,
		opts:     opts,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		now:      time.Now,
		inFlight: make(map[string]bool),
		noCreds:  make(map[string]bool),
		stuck:    make(map[string]bool),
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// SetStuckCallback hooks stuck-bot recovery notifications (telegram).
func (c *Coordinator) SetStuckCallback(fn func(bot models.Bot, overdue time.Duration)) {
	c.onStuck = fn
}

// Start launches the scan loop. Safe to call once.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info().
		Dur("tick", c.opts.TickInterval).
		Int("max_concurrent", c.opts.MaxConcurrent).
		Msg("🚀 Scheduler started")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Tick(ctx)
			case <-c.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight evaluations to drain.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false
	close(c.stopChan)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info().Msg("🛑 Scheduler stopped")
}

// Tick performs one scheduling scan over a fresh bot snapshot. Exported so
// operators (and tests) can trigger a scan without waiting for the ticker.
func (c *Coordinator) Tick(ctx context.Context) {
	bots, err := c.store.ListBots(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("❌ Failed to list bots, skipping scan")
		return
	}

	for _, bot := range bots {
		if !bot.IsActive || !bot.IsAITradingActive {
			continue
		}
		if !bot.HasCredentials {
			c.flagMissingCredentials(bot)
			continue
		}
		due, priority := c.classify(ctx, bot)
		if due {
			c.dispatch(ctx, bot, priority)
		}
	}
}

// ForceRun dispatches the bot immediately, bypassing the schedule. The
// single in-flight invariant still holds: a concurrent evaluation makes
// this return ErrEvaluationInFlight instead of stacking a second run.
func (c *Coordinator) ForceRun(ctx context.Context, botID string) error {
	bot, err := c.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if !bot.HasCredentials {
		return models.ErrMissingCredentials
	}

	latest, err := c.store.LatestEvaluation(ctx, bot.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if latest != nil && latest.InFlight() && c.now().Sub(latest.StartedAt) < c.opts.EvalTimeout {
		return models.ErrEvaluationInFlight
	}

	c.logger.Info().Str("bot_id", bot.ID).Msg("⚡ Force run requested")
	c.dispatch(ctx, *bot, false)
	return nil
}

// classify decides whether the bot is due now and whether the dispatch is a
// priority (stuck recovery) one. It also abandons timed-out evaluations so
// a wedged run can never block its bot forever.
func (c *Coordinator) classify(ctx context.Context, bot models.Bot) (due, priority bool) {
	now := c.now()

	latest, err := c.store.LatestEvaluation(ctx, bot.ID)
	if errors.Is(err, models.ErrNotFound) {
		return true, false // never evaluated
	}
	if err != nil {
		c.logger.Error().Err(err).Str("bot_id", bot.ID).Msg("❌ Failed to load latest evaluation")
		return false, false
	}

	if latest.InFlight() {
		age := now.Sub(latest.StartedAt)
		if age < c.opts.EvalTimeout {
			return false, false // concurrency guard
		}
		// The run is presumed dead: finalize it and dispatch a fresh one.
		if err := c.store.FinalizeEvaluation(ctx, latest.ID, models.EvalAbandoned,
			"", 0, "", "evaluation exceeded timeout", now); err != nil {
			c.logger.Error().Err(err).Str("eval_id", latest.ID).Msg("❌ Failed to abandon evaluation")
			return false, false
		}
		c.mu.Lock()
		c.abandoned++
		delete(c.inFlight, bot.ID)
		c.mu.Unlock()
		c.logger.Warn().
			Str("bot_id", bot.ID).
			Str("eval_id", latest.ID).
			Dur("age", age).
			Msg("🧟 Abandoned timed-out evaluation, redispatching")
		return true, true
	}

	interval, ok := models.IntervalFor(bot.Timeframe)
	if !ok {
		c.logger.Warn().Str("bot_id", bot.ID).Str("timeframe", bot.Timeframe).
			Msg("⚠️ Unknown timeframe, using default interval")
	}

	next := latest.StartedAt.Add(interval)
	if now.Before(next) {
		c.clearStuck(bot.ID)
		return false, false
	}

	overdue := now.Sub(latest.StartedAt)
	if float64(overdue) >= c.opts.StuckMultiplier*float64(interval) {
		c.markStuck(bot, overdue)
		return true, true
	}
	c.clearStuck(bot.ID)
	return true, false
}

func (c *Coordinator) dispatch(ctx context.Context, bot models.Bot, priority bool) {
	c.mu.Lock()
	if c.inFlight[bot.ID] {
		c.mu.Unlock()
		return
	}
	c.inFlight[bot.ID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, bot.ID)
			c.mu.Unlock()
		}()

		c.sem <- struct{}{}
		defer func() { <-c.sem }()

		if err := c.runner.Run(ctx, bot, priority); err != nil {
			c.logger.Error().Err(err).Str("bot_id", bot.ID).Msg("❌ Evaluation run failed")
		}
	}()
}

func (c *Coordinator) flagMissingCredentials(bot models.Bot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noCreds[bot.ID] {
		return
	}
	c.noCreds[bot.ID] = true
	c.logger.Warn().Str("bot_id", bot.ID).Str("name", bot.Name).
		Msg("🔑 Bot skipped: no API credentials configured")
}

func (c *Coordinator) markStuck(bot models.Bot, overdue time.Duration) {
	c.mu.Lock()
	already := c.stuck[bot.ID]
	c.stuck[bot.ID] = true
	c.mu.Unlock()
	if already {
		return
	}
	c.logger.Warn().
		Str("bot_id", bot.ID).
		Str("name", bot.Name).
		Dur("overdue", overdue).
		Msg("🚨 Stuck bot detected, dispatching with priority")
	if c.onStuck != nil {
		c.onStuck(bot, overdue)
	}
}

func (c *Coordinator) clearStuck(botID string) {
	c.mu.Lock()
	if c.stuck[botID] {
		delete(c.stuck, botID)
		c.logger.Info().Str("bot_id", botID).Msg("✅ Bot recovered from stuck state")
	}
	c.mu.Unlock()
}

// Health builds the per-bot schedule report plus coordinator counters.
// Reconciler fields are filled in by the web layer.
func (c *Coordinator) Health(ctx context.Context) models.SchedulerHealth {
	c.mu.RLock()
	running := c.isRunning
	abandoned := c.abandoned
	stuckCount := len(c.stuck)
	c.mu.RUnlock()

	// The persisted count outlives restarts; the in-process counter only
	// covers abandons this coordinator performed itself.
	if n, err := c.store.CountEvaluationsByStatus(ctx, models.EvalAbandoned); err == nil && n > abandoned {
		abandoned = n
	}

	health := models.SchedulerHealth{
		Running:              running,
		StuckBots:            stuckCount,
		AbandonedEvaluations: abandoned,
		Timestamp:            c.now(),
	}

	bots, err := c.store.ListBots(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("❌ Failed to list bots for health report")
		return health
	}

	for _, bot := range bots {
		bh := models.BotHealth{
			BotID:     bot.ID,
			Name:      bot.Name,
			Symbol:    bot.Symbol,
			Timeframe: bot.Timeframe,
			Skipped:   !bot.HasCredentials,
		}
		c.mu.RLock()
		bh.Stuck = c.stuck[bot.ID]
		bh.InFlight = c.inFlight[bot.ID]
		c.mu.RUnlock()

		if latest, err := c.store.LatestEvaluation(ctx, bot.ID); err == nil {
			interval, _ := models.IntervalFor(bot.Timeframe)
			bh.LastRunAt = latest.StartedAt
			bh.NextRunAt = latest.StartedAt.Add(interval)
			bh.LastStatus = latest.Status
			if latest.InFlight() {
				bh.InFlight = true
			}
		}
		health.Bots = append(health.Bots, bh)
	}
	return health
}
