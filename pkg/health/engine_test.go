package health

import (
	"context"
	"testing"
	"time"

	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/store/mock"
)

func newTestEngine() (*Engine, *mock.HealthStore, *mock.ActivityStore, *mock.EscalationStore) {
	healthStore := mock.NewHealthStore()
	activity := mock.NewActivityStore()
	escalations := mock.NewEscalationStore()
	engine := NewEngine(healthStore, activity, escalations, nil)
	return engine, healthStore, activity, escalations
}

func TestInitAccount(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	rec, err := engine.InitAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("InitAccount failed: %v", err)
	}
	if rec.HealthScore != 100 {
		t.Errorf("new account score = %.1f, expected 100", rec.HealthScore)
	}
	if rec.Phase != models.PhaseWarming {
		t.Errorf("new account phase = %s, expected warming", rec.Phase)
	}
	if rec.MaxDailyPosts != 1 || rec.MaxDailyActions != 10 {
		t.Errorf("new account caps = (%d, %d), expected warming caps (1, 10)", rec.MaxDailyPosts, rec.MaxDailyActions)
	}
}

func TestInitAccountIdempotent(t *testing.T) {
	engine, healthStore, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("InitAccount failed: %v", err)
	}
	if _, err := healthStore.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
		rec.HealthScore = 42
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	rec, err := engine.InitAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("second InitAccount failed: %v", err)
	}
	if rec.HealthScore != 42 {
		t.Errorf("second init returned score %.1f, expected the existing record untouched", rec.HealthScore)
	}
}

func TestCalculateHealthScoreNoHistory(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("InitAccount failed: %v", err)
	}

	score, err := engine.CalculateHealthScore(ctx, "acct-1")
	if err != nil {
		t.Fatalf("CalculateHealthScore failed: %v", err)
	}
	if score != 100 {
		t.Errorf("score with no history = %.1f, expected exactly 100", score)
	}
}

func TestCalculateHealthScorePersistsSubScores(t *testing.T) {
	engine, healthStore, activity, _ := newTestEngine()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine.SetClock(func() time.Time { return now })

	if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("InitAccount failed: %v", err)
	}

	// 10 failed posts in the window drag the post rate to 0.
	for i := 0; i < 10; i++ {
		if err := activity.AppendPostOutcome(ctx, "acct-1", models.OutcomeFailed, now.Add(-time.Hour)); err != nil {
			t.Fatalf("AppendPostOutcome failed: %v", err)
		}
	}
	if err := activity.AppendFreezeDetection(ctx, &models.FreezeDetection{
		AccountID: "acct-1", Confidence: 100, DetectedAt: now,
	}); err != nil {
		t.Fatalf("AppendFreezeDetection failed: %v", err)
	}

	score, err := engine.CalculateHealthScore(ctx, "acct-1")
	if err != nil {
		t.Fatalf("CalculateHealthScore failed: %v", err)
	}
	// 100*0.2 + 0*0.3 + 100*0.2 + (100-20)*0.3 = 64
	if !almostEqual(score, 64) {
		t.Errorf("composite = %.1f, expected 64", score)
	}

	rec, err := healthStore.Get(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.PostSuccessRate != 0 {
		t.Errorf("persisted post rate = %.1f, expected 0", rec.PostSuccessRate)
	}
	if !almostEqual(rec.FreezeRiskScore, 20) {
		t.Errorf("persisted freeze risk = %.1f, expected 20", rec.FreezeRiskScore)
	}
	if !almostEqual(rec.HealthScore, 64) {
		t.Errorf("persisted composite = %.1f, expected 64", rec.HealthScore)
	}
}

func TestCheckAndThrottleLadder(t *testing.T) {
	ctx := context.Background()

	setScore := func(t *testing.T, engine *Engine, healthStore *mock.HealthStore, score float64) {
		t.Helper()
		if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
			t.Fatalf("InitAccount failed: %v", err)
		}
		if _, err := healthStore.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
			rec.HealthScore = score
			rec.Phase = models.PhaseMature
			rec.MaxDailyPosts, rec.MaxDailyActions = BaseCaps(models.PhaseMature)
			return nil
		}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	t.Run("healthy score changes nothing", func(t *testing.T) {
		engine, healthStore, _, _ := newTestEngine()
		setScore(t, engine, healthStore, 85)

		action, _, err := engine.CheckAndThrottle(ctx, "acct-1")
		if err != nil {
			t.Fatalf("CheckAndThrottle failed: %v", err)
		}
		if action != models.ThrottleNone {
			t.Errorf("action = %s, expected none", action)
		}
	})

	t.Run("score below 60 halves the base caps", func(t *testing.T) {
		engine, healthStore, _, _ := newTestEngine()
		setScore(t, engine, healthStore, 55)

		action, score, err := engine.CheckAndThrottle(ctx, "acct-1")
		if err != nil {
			t.Fatalf("CheckAndThrottle failed: %v", err)
		}
		if action != models.ThrottleThrottle {
			t.Fatalf("action = %s, expected throttle", action)
		}
		if score != 55 {
			t.Errorf("score = %.1f, expected 55", score)
		}

		rec, _ := healthStore.Get(ctx, "acct-1")
		if !rec.IsThrottled {
			t.Error("expected IsThrottled")
		}
		if rec.MaxDailyPosts != 5 || rec.MaxDailyActions != 50 {
			t.Errorf("throttled caps = (%d, %d), expected half of mature (5, 50)", rec.MaxDailyPosts, rec.MaxDailyActions)
		}
	})

	t.Run("repeated throttling does not compound", func(t *testing.T) {
		engine, healthStore, _, _ := newTestEngine()
		setScore(t, engine, healthStore, 55)

		for i := 0; i < 3; i++ {
			if _, _, err := engine.CheckAndThrottle(ctx, "acct-1"); err != nil {
				t.Fatalf("CheckAndThrottle failed: %v", err)
			}
		}
		rec, _ := healthStore.Get(ctx, "acct-1")
		if rec.MaxDailyPosts != 5 || rec.MaxDailyActions != 50 {
			t.Errorf("caps after repeat passes = (%d, %d), expected still (5, 50)", rec.MaxDailyPosts, rec.MaxDailyActions)
		}
	})

	t.Run("throttled caps respect the floors", func(t *testing.T) {
		engine, healthStore, _, _ := newTestEngine()
		if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
			t.Fatalf("InitAccount failed: %v", err)
		}
		// Warming caps are 1/10; halving would drop posts to 0.
		if _, err := healthStore.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
			rec.HealthScore = 55
			return nil
		}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		if _, _, err := engine.CheckAndThrottle(ctx, "acct-1"); err != nil {
			t.Fatalf("CheckAndThrottle failed: %v", err)
		}
		rec, _ := healthStore.Get(ctx, "acct-1")
		if rec.MaxDailyPosts != 1 || rec.MaxDailyActions != 5 {
			t.Errorf("floored caps = (%d, %d), expected (1, 5)", rec.MaxDailyPosts, rec.MaxDailyActions)
		}
	})

	t.Run("score below 40 suspends", func(t *testing.T) {
		engine, healthStore, _, escalations := newTestEngine()
		setScore(t, engine, healthStore, 30)

		action, _, err := engine.CheckAndThrottle(ctx, "acct-1")
		if err != nil {
			t.Fatalf("CheckAndThrottle failed: %v", err)
		}
		if action != models.ThrottleSuspend {
			t.Fatalf("action = %s, expected suspend", action)
		}
		rec, _ := healthStore.Get(ctx, "acct-1")
		if !rec.IsSuspended || rec.MaxDailyPosts != 0 || rec.MaxDailyActions != 0 {
			t.Errorf("suspended=%v caps=(%d,%d), expected suspended with zero caps",
				rec.IsSuspended, rec.MaxDailyPosts, rec.MaxDailyActions)
		}
		if len(escalations.Escalations) != 0 {
			t.Errorf("suspend pushed %d escalations, expected none", len(escalations.Escalations))
		}
	})

	t.Run("score below 20 suspends and escalates", func(t *testing.T) {
		engine, healthStore, _, escalations := newTestEngine()
		setScore(t, engine, healthStore, 10)

		action, _, err := engine.CheckAndThrottle(ctx, "acct-1")
		if err != nil {
			t.Fatalf("CheckAndThrottle failed: %v", err)
		}
		if action != models.ThrottleEscalate {
			t.Fatalf("action = %s, expected escalate", action)
		}
		if len(escalations.Escalations) != 1 {
			t.Fatalf("got %d escalations, expected 1", len(escalations.Escalations))
		}
		esc := escalations.Escalations[0]
		if esc.AccountID != "acct-1" || esc.Score != 10 || esc.Reason == "" {
			t.Errorf("escalation = %+v, expected account, score and reason filled in", esc)
		}
	})
}

func TestCheckAndThrottleSuspendedStaysZeroCapped(t *testing.T) {
	engine, healthStore, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("InitAccount failed: %v", err)
	}
	if _, err := healthStore.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
		rec.HealthScore = 30
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, _, err := engine.CheckAndThrottle(ctx, "acct-1"); err != nil {
		t.Fatalf("CheckAndThrottle failed: %v", err)
	}

	// The next recomputation lands in the throttle band. The throttle branch
	// must not overwrite the suspended zero caps.
	if _, err := healthStore.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
		rec.HealthScore = 50
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	action, _, err := engine.CheckAndThrottle(ctx, "acct-1")
	if err != nil {
		t.Fatalf("CheckAndThrottle failed: %v", err)
	}
	if action != models.ThrottleNone {
		t.Errorf("action on suspended account = %s, expected none", action)
	}

	rec, _ := healthStore.Get(ctx, "acct-1")
	if !rec.IsSuspended {
		t.Fatal("expected the account to remain suspended")
	}
	if rec.MaxDailyPosts != 0 || rec.MaxDailyActions != 0 {
		t.Errorf("caps = (%d, %d), suspended caps must stay (0, 0)", rec.MaxDailyPosts, rec.MaxDailyActions)
	}
}

func TestCheckAndThrottleEscalatesOncePerCrossing(t *testing.T) {
	engine, healthStore, _, escalations := newTestEngine()
	ctx := context.Background()

	if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("InitAccount failed: %v", err)
	}
	if _, err := healthStore.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
		rec.HealthScore = 10
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// An account stuck below the critical threshold is re-checked every
	// sweep; only the first pass pages a human.
	for i := 0; i < 3; i++ {
		if _, _, err := engine.CheckAndThrottle(ctx, "acct-1"); err != nil {
			t.Fatalf("CheckAndThrottle failed: %v", err)
		}
	}
	if len(escalations.Escalations) != 1 {
		t.Errorf("got %d escalations after repeated sweeps, expected 1", len(escalations.Escalations))
	}
}

func TestAdvanceWarmingPhaseSuspendedAccountStaysPut(t *testing.T) {
	engine, healthStore, _, _ := newTestEngine()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	engine.SetClock(func() time.Time { return start })
	if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("InitAccount failed: %v", err)
	}
	if _, err := healthStore.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
		rec.HealthScore = 30
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, _, err := engine.CheckAndThrottle(ctx, "acct-1"); err != nil {
		t.Fatalf("CheckAndThrottle failed: %v", err)
	}

	// Crossing the warm-up boundary must not restore base caps while the
	// suspension stands.
	engine.SetClock(func() time.Time { return start.Add(8 * 24 * time.Hour) })
	advanced, phase, err := engine.AdvanceWarmingPhase(ctx, "acct-1")
	if err != nil {
		t.Fatalf("AdvanceWarmingPhase failed: %v", err)
	}
	if advanced || phase != models.PhaseWarming {
		t.Errorf("advanced=%v phase=%s, expected no movement", advanced, phase)
	}
	rec, _ := healthStore.Get(ctx, "acct-1")
	if rec.MaxDailyPosts != 0 || rec.MaxDailyActions != 0 {
		t.Errorf("caps = (%d, %d), suspended caps must stay (0, 0)", rec.MaxDailyPosts, rec.MaxDailyActions)
	}
}

func TestUnthrottle(t *testing.T) {
	ctx := context.Background()

	t.Run("unrestricted account is a no-op", func(t *testing.T) {
		engine, _, _, _ := newTestEngine()
		if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
			t.Fatalf("InitAccount failed: %v", err)
		}
		restored, err := engine.Unthrottle(ctx, "acct-1")
		if err != nil {
			t.Fatalf("Unthrottle failed: %v", err)
		}
		if restored {
			t.Error("unrestricted account should not be restored")
		}
	})

	t.Run("stays restricted below the recovery threshold", func(t *testing.T) {
		engine, healthStore, activity, _ := newTestEngine()
		now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		engine.SetClock(func() time.Time { return now })

		if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
			t.Fatalf("InitAccount failed: %v", err)
		}
		if _, err := healthStore.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
			rec.IsThrottled = true
			rec.MaxDailyPosts, rec.MaxDailyActions = 1, 5
			return nil
		}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		// Failed posts plus a half-confidence detection recompute to 67,
		// inside the 60-70 hysteresis band.
		for i := 0; i < 10; i++ {
			_ = activity.AppendPostOutcome(ctx, "acct-1", models.OutcomeFailed, now.Add(-time.Hour))
		}
		_ = activity.AppendFreezeDetection(ctx, &models.FreezeDetection{AccountID: "acct-1", Confidence: 50, DetectedAt: now})

		restored, err := engine.Unthrottle(ctx, "acct-1")
		if err != nil {
			t.Fatalf("Unthrottle failed: %v", err)
		}
		if restored {
			t.Error("score inside the hysteresis band must stay restricted")
		}
		rec, _ := healthStore.Get(ctx, "acct-1")
		if !rec.IsThrottled {
			t.Error("expected account to remain throttled")
		}
	})

	t.Run("restores base caps once recovered", func(t *testing.T) {
		engine, healthStore, _, _ := newTestEngine()
		if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
			t.Fatalf("InitAccount failed: %v", err)
		}
		if _, err := healthStore.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
			rec.Phase = models.PhaseMature
			rec.IsThrottled = true
			rec.ThrottleReason = "health score 55.0 below throttle threshold 60"
			rec.IsSuspended = true
			rec.SuspendedReason = "test"
			rec.MaxDailyPosts, rec.MaxDailyActions = 1, 5
			return nil
		}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		// No history, so the fresh score is 100.
		restored, err := engine.Unthrottle(ctx, "acct-1")
		if err != nil {
			t.Fatalf("Unthrottle failed: %v", err)
		}
		if !restored {
			t.Fatal("expected account to be restored")
		}
		rec, _ := healthStore.Get(ctx, "acct-1")
		if rec.IsThrottled || rec.IsSuspended {
			t.Errorf("flags after restore: throttled=%v suspended=%v, expected both cleared", rec.IsThrottled, rec.IsSuspended)
		}
		if rec.ThrottleReason != "" || rec.SuspendedReason != "" {
			t.Error("expected reasons to be cleared")
		}
		if rec.MaxDailyPosts != 10 || rec.MaxDailyActions != 100 {
			t.Errorf("restored caps = (%d, %d), expected mature base (10, 100)", rec.MaxDailyPosts, rec.MaxDailyActions)
		}
	})
}

func TestAdvanceWarmingPhaseThroughStore(t *testing.T) {
	engine, healthStore, _, _ := newTestEngine()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	engine.SetClock(func() time.Time { return start })
	if _, err := engine.InitAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("InitAccount failed: %v", err)
	}

	engine.SetClock(func() time.Time { return start.Add(8 * 24 * time.Hour) })
	advanced, phase, err := engine.AdvanceWarmingPhase(ctx, "acct-1")
	if err != nil {
		t.Fatalf("AdvanceWarmingPhase failed: %v", err)
	}
	if !advanced || phase != models.PhaseGrowing {
		t.Fatalf("advanced=%v phase=%s, expected growing", advanced, phase)
	}

	rec, _ := healthStore.Get(ctx, "acct-1")
	if rec.Phase != models.PhaseGrowing {
		t.Errorf("persisted phase = %s, expected growing", rec.Phase)
	}
}
