package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade_tracker/internal/ai"
	"trade_tracker/internal/models"
	"trade_tracker/internal/store"
)

func newTestCoordinator(st store.Store, opts Options) *Coordinator {
	decider := &fakeDecider{decision: &ai.Decision{Action: models.SignalHold, Confidence: 60}}
	runner := newTestRunner(st, &fakeMarket{candles: testCandles(60)}, decider, &fakeBroker{minDeal: 0.001, maxDeal: 100})
	return NewCoordinator(st, runner, opts, zerolog.Nop())
}

func TestTickDispatchesNeverEvaluatedBot(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	bot := testBot()
	st.SaveBot(ctx, &bot)

	c := newTestCoordinator(st, Options{})
	c.Tick(ctx)
	c.wg.Wait()

	eval, err := st.LatestEvaluation(ctx, bot.ID)
	if err != nil {
		t.Fatalf("no evaluation after tick: %v", err)
	}
	if eval.InFlight() {
		t.Error("evaluation left in flight")
	}
	if eval.Priority {
		t.Error("first run should not be a priority dispatch")
	}
}

func TestTickSkipsInactiveAndCredentialless(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	inactive := testBot()
	inactive.ID = "inactive"
	inactive.IsActive = false
	st.SaveBot(ctx, &inactive)

	noCreds := testBot()
	noCreds.ID = "nocreds"
	noCreds.HasCredentials = false
	st.SaveBot(ctx, &noCreds)

	c := newTestCoordinator(st, Options{})
	c.Tick(ctx)
	c.wg.Wait()

	for _, id := range []string{"inactive", "nocreds"} {
		if _, err := st.LatestEvaluation(ctx, id); err != models.ErrNotFound {
			t.Errorf("bot %s was evaluated, want skipped", id)
		}
	}
}

func TestClassifyRespectsInterval(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	bot := testBot() // 1H timeframe
	st.SaveBot(ctx, &bot)

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	done := t0.Add(time.Second)
	st.CreateEvaluation(ctx, &models.Evaluation{
		ID: "e1", BotID: bot.ID, StartedAt: t0, Status: models.EvalCompleted, CompletedAt: &done,
	})

	c := newTestCoordinator(st, Options{})

	// 30 minutes in: not due.
	c.now = func() time.Time { return t0.Add(30 * time.Minute) }
	if due, _ := c.classify(ctx, bot); due {
		t.Error("bot due before its interval elapsed")
	}

	// 90 minutes in: due, but not stuck.
	c.now = func() time.Time { return t0.Add(90 * time.Minute) }
	due, priority := c.classify(ctx, bot)
	if !due {
		t.Error("bot not due after its interval elapsed")
	}
	if priority {
		t.Error("ordinary due dispatch flagged as priority")
	}
}

func TestClassifyStuckAtTwoIntervals(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	bot := testBot() // 1H timeframe, interval 3600s
	st.SaveBot(ctx, &bot)

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	done := t0.Add(time.Second)
	st.CreateEvaluation(ctx, &models.Evaluation{
		ID: "e1", BotID: bot.ID, StartedAt: t0, Status: models.EvalCompleted, CompletedAt: &done,
	})

	c := newTestCoordinator(st, Options{})
	c.now = func() time.Time { return t0.Add(7200 * time.Second) }

	due, priority := c.classify(ctx, bot)
	if !due || !priority {
		t.Errorf("at 2x interval: due=%v priority=%v, want both true", due, priority)
	}
	if len(c.stuck) != 1 {
		t.Errorf("stuck count = %d, want 1", len(c.stuck))
	}
}

func TestClassifyGuardsInFlightEvaluation(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	bot := testBot()
	st.SaveBot(ctx, &bot)

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st.CreateEvaluation(ctx, &models.Evaluation{
		ID: "running", BotID: bot.ID, StartedAt: t0, Status: models.EvalRunning,
	})

	c := newTestCoordinator(st, Options{EvalTimeout: 5 * time.Minute})

	// Young in-flight evaluation blocks dispatch.
	c.now = func() time.Time { return t0.Add(2 * time.Minute) }
	if due, _ := c.classify(ctx, bot); due {
		t.Error("dispatch allowed while a recent evaluation is in flight")
	}

	// Past the timeout it is abandoned and the bot redispatches.
	c.now = func() time.Time { return t0.Add(6 * time.Minute) }
	due, priority := c.classify(ctx, bot)
	if !due || !priority {
		t.Errorf("after timeout: due=%v priority=%v, want both true", due, priority)
	}

	eval, _ := st.LatestEvaluation(ctx, bot.ID)
	if eval.Status != models.EvalAbandoned {
		t.Errorf("stale evaluation status = %s, want ABANDONED", eval.Status)
	}
	if c.abandoned != 1 {
		t.Errorf("abandoned counter = %d, want 1", c.abandoned)
	}
}

func TestForceRunRejectsInFlight(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	bot := testBot()
	st.SaveBot(ctx, &bot)

	c := newTestCoordinator(st, Options{EvalTimeout: 5 * time.Minute})
	st.CreateEvaluation(ctx, &models.Evaluation{
		ID: "running", BotID: bot.ID, StartedAt: time.Now(), Status: models.EvalRunning,
	})

	if err := c.ForceRun(ctx, bot.ID); err != models.ErrEvaluationInFlight {
		t.Errorf("ForceRun = %v, want ErrEvaluationInFlight", err)
	}
	if err := c.ForceRun(ctx, "unknown"); err != models.ErrNotFound {
		t.Errorf("ForceRun unknown = %v, want ErrNotFound", err)
	}
}

func TestDispatchSingleInFlightPerBot(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	bot := testBot()
	st.SaveBot(ctx, &bot)

	c := newTestCoordinator(st, Options{})
	c.mu.Lock()
	c.inFlight[bot.ID] = true
	c.mu.Unlock()

	// Marked in flight: dispatch must be a no-op.
	c.dispatch(ctx, bot, false)
	c.mu.Lock()
	delete(c.inFlight, bot.ID)
	c.mu.Unlock()
	c.wg.Wait()

	if _, err := st.LatestEvaluation(ctx, bot.ID); err != models.ErrNotFound {
		t.Error("second dispatch ran while the first was in flight")
	}
}

func TestHealthReportsSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	bot := testBot()
	st.SaveBot(ctx, &bot)

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	done := t0.Add(time.Second)
	st.CreateEvaluation(ctx, &models.Evaluation{
		ID: "e1", BotID: bot.ID, StartedAt: t0, Status: models.EvalCompleted, CompletedAt: &done,
	})

	c := newTestCoordinator(st, Options{})
	health := c.Health(ctx)

	if len(health.Bots) != 1 {
		t.Fatalf("health bots = %d, want 1", len(health.Bots))
	}
	bh := health.Bots[0]
	if !bh.LastRunAt.Equal(t0) {
		t.Errorf("last run = %v, want %v", bh.LastRunAt, t0)
	}
	if want := t0.Add(time.Hour); !bh.NextRunAt.Equal(want) {
		t.Errorf("next run = %v, want %v", bh.NextRunAt, want)
	}
	if bh.LastStatus != models.EvalCompleted {
		t.Errorf("last status = %s, want COMPLETED", bh.LastStatus)
	}
}
