package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/store/mock"
)

func newTestPool(cfg PoolConfig) (*Pool, *MockEngine, *mock.SessionStore, *mock.ActivityStore) {
	engine := NewMockEngine()
	checkpoints := mock.NewSessionStore()
	activity := mock.NewActivityStore()
	pool := NewPool(engine, checkpoints, activity, cfg)
	return pool, engine, checkpoints, activity
}

func TestAcquireContextReusesLiveSession(t *testing.T) {
	pool, engine, _, _ := newTestPool(PoolConfig{})
	ctx := context.Background()

	first, err := pool.AcquireContext(ctx, "a1", nil)
	if err != nil {
		t.Fatalf("AcquireContext failed: %v", err)
	}
	second, err := pool.AcquireContext(ctx, "a1", nil)
	if err != nil {
		t.Fatalf("second AcquireContext failed: %v", err)
	}

	if first != second {
		t.Error("expected the same session on repeat acquisition")
	}
	if engine.Contexts != 1 {
		t.Errorf("engine created %d contexts, expected 1", engine.Contexts)
	}
	if pool.Size() != 1 {
		t.Errorf("pool size = %d, expected 1", pool.Size())
	}
}

func TestAcquireContextLaunchesEngineLazily(t *testing.T) {
	pool, engine, _, _ := newTestPool(PoolConfig{})

	if engine.Running() {
		t.Fatal("engine should not run before the first acquisition")
	}
	if _, err := pool.AcquireContext(context.Background(), "a1", nil); err != nil {
		t.Fatalf("AcquireContext failed: %v", err)
	}
	if !engine.Running() || engine.Launches != 1 {
		t.Errorf("running=%v launches=%d, expected one lazy launch", engine.Running(), engine.Launches)
	}
}

func TestAcquireContextEvictsLRUWhenFull(t *testing.T) {
	pool, _, checkpoints, _ := newTestPool(PoolConfig{Capacity: 2})
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	now := base
	pool.SetClock(func() time.Time { return now })

	if _, err := pool.AcquireContext(ctx, "a1", nil); err != nil {
		t.Fatalf("AcquireContext a1 failed: %v", err)
	}
	now = base.Add(time.Minute)
	if _, err := pool.AcquireContext(ctx, "a2", nil); err != nil {
		t.Fatalf("AcquireContext a2 failed: %v", err)
	}

	// Touch a1 so a2 becomes the LRU victim.
	now = base.Add(2 * time.Minute)
	if _, err := pool.AcquireContext(ctx, "a1", nil); err != nil {
		t.Fatalf("re-acquire a1 failed: %v", err)
	}

	now = base.Add(3 * time.Minute)
	if _, err := pool.AcquireContext(ctx, "a3", nil); err != nil {
		t.Fatalf("AcquireContext a3 failed: %v", err)
	}

	if pool.Size() != 2 {
		t.Errorf("pool size = %d, expected capacity of 2", pool.Size())
	}
	// The evicted session was checkpointed on the way out.
	if _, err := checkpoints.LoadCheckpoint(ctx, "a2"); err != nil {
		t.Errorf("expected checkpoint for evicted account a2, got %v", err)
	}

	// a2 is gone, a1 and a3 are live.
	if _, err := pool.AcquireContext(ctx, "a1", nil); err != nil {
		t.Fatalf("a1 should still be live: %v", err)
	}
	if pool.Size() != 2 {
		t.Errorf("pool size = %d after re-acquire, expected 2", pool.Size())
	}
}

func TestAcquireContextRestoresCheckpoint(t *testing.T) {
	pool, _, checkpoints, _ := newTestPool(PoolConfig{})
	ctx := context.Background()

	saved := []byte(`{"cookies":["sid=abc"]}`)
	if err := checkpoints.SaveCheckpoint(ctx, &models.SessionCheckpoint{AccountID: "a1", State: saved}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	sess, err := pool.AcquireContext(ctx, "a1", nil)
	if err != nil {
		t.Fatalf("AcquireContext failed: %v", err)
	}
	state, err := sess.Context.ExportState(ctx)
	if err != nil {
		t.Fatalf("ExportState failed: %v", err)
	}
	if !bytes.Equal(state, saved) {
		t.Errorf("restored state = %q, expected %q", state, saved)
	}
}

func TestAcquireContextRecordsLoginOutcomes(t *testing.T) {
	pool, engine, _, activity := newTestPool(PoolConfig{})
	ctx := context.Background()
	since := time.Now().Add(-time.Minute)

	if _, err := pool.AcquireContext(ctx, "a1", nil); err != nil {
		t.Fatalf("AcquireContext failed: %v", err)
	}
	success, total, _ := activity.LoginOutcomes(ctx, "a1", since)
	if success != 1 || total != 1 {
		t.Errorf("login outcomes = %d/%d, expected 1/1", success, total)
	}

	engine.FailNextContext = true
	if _, err := pool.AcquireContext(ctx, "a2", nil); err == nil {
		t.Fatal("expected context creation failure to propagate")
	}
	success, total, _ = activity.LoginOutcomes(ctx, "a2", since)
	if success != 0 || total != 1 {
		t.Errorf("login outcomes after failure = %d/%d, expected 0/1", success, total)
	}
	if pool.Size() != 1 {
		t.Errorf("pool size = %d, failed creation must not occupy a slot", pool.Size())
	}
}

func TestReleaseContext(t *testing.T) {
	pool, _, checkpoints, _ := newTestPool(PoolConfig{})
	ctx := context.Background()

	if _, err := pool.AcquireContext(ctx, "a1", nil); err != nil {
		t.Fatalf("AcquireContext failed: %v", err)
	}
	if err := pool.ReleaseContext(ctx, "a1"); err != nil {
		t.Fatalf("ReleaseContext failed: %v", err)
	}
	if pool.Size() != 0 {
		t.Errorf("pool size = %d after release, expected 0", pool.Size())
	}
	if _, err := checkpoints.LoadCheckpoint(ctx, "a1"); err != nil {
		t.Errorf("expected checkpoint after release, got %v", err)
	}

	// Releasing an absent account is a no-op.
	if err := pool.ReleaseContext(ctx, "ghost"); err != nil {
		t.Errorf("releasing unknown account returned %v, expected nil", err)
	}
}

func TestSaveSessionWithoutClosing(t *testing.T) {
	pool, _, checkpoints, _ := newTestPool(PoolConfig{})
	ctx := context.Background()

	if _, err := pool.AcquireContext(ctx, "a1", nil); err != nil {
		t.Fatalf("AcquireContext failed: %v", err)
	}
	if err := pool.SaveSession(ctx, "a1"); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if pool.Size() != 1 {
		t.Errorf("pool size = %d, SaveSession must not close the session", pool.Size())
	}
	if checkpoints.SaveCount != 1 {
		t.Errorf("save count = %d, expected 1", checkpoints.SaveCount)
	}

	if err := pool.SaveSession(ctx, "ghost"); err == nil {
		t.Error("expected error saving a session that does not exist")
	}
}

func TestSweepIdleReclaimsAndTearsDownEngine(t *testing.T) {
	pool, engine, checkpoints, _ := newTestPool(PoolConfig{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	now := base
	pool.SetClock(func() time.Time { return now })

	if _, err := pool.AcquireContext(ctx, "a1", nil); err != nil {
		t.Fatalf("AcquireContext a1 failed: %v", err)
	}
	now = base.Add(9 * time.Minute)
	if _, err := pool.AcquireContext(ctx, "a2", nil); err != nil {
		t.Fatalf("AcquireContext a2 failed: %v", err)
	}

	// a1 is 11 minutes idle, a2 only 2.
	now = base.Add(11 * time.Minute)
	if n := pool.SweepIdle(ctx); n != 1 {
		t.Fatalf("sweep reclaimed %d sessions, expected 1", n)
	}
	if pool.Size() != 1 {
		t.Errorf("pool size = %d after sweep, expected 1", pool.Size())
	}
	if _, err := checkpoints.LoadCheckpoint(ctx, "a1"); err != nil {
		t.Errorf("expected checkpoint for reclaimed a1, got %v", err)
	}
	if !engine.Running() {
		t.Error("engine must stay up while sessions remain")
	}

	// Once the sweep drains the pool the engine goes down too.
	now = base.Add(30 * time.Minute)
	if n := pool.SweepIdle(ctx); n != 1 {
		t.Fatalf("second sweep reclaimed %d sessions, expected 1", n)
	}
	if engine.Running() {
		t.Error("engine should shut down after the pool drained")
	}

	// And it relaunches lazily on the next acquisition.
	if _, err := pool.AcquireContext(ctx, "a3", nil); err != nil {
		t.Fatalf("AcquireContext after teardown failed: %v", err)
	}
	if !engine.Running() || engine.Launches != 2 {
		t.Errorf("running=%v launches=%d, expected relaunch", engine.Running(), engine.Launches)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	pool, engine, checkpoints, _ := newTestPool(PoolConfig{})
	ctx := context.Background()

	if _, err := pool.AcquireContext(ctx, "a1", nil); err != nil {
		t.Fatalf("AcquireContext a1 failed: %v", err)
	}
	if _, err := pool.AcquireContext(ctx, "a2", nil); err != nil {
		t.Fatalf("AcquireContext a2 failed: %v", err)
	}

	pool.Start()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if pool.Size() != 0 {
		t.Errorf("pool size = %d after shutdown, expected 0", pool.Size())
	}
	if engine.Running() {
		t.Error("engine should be down after shutdown")
	}
	if checkpoints.SaveCount != 2 {
		t.Errorf("save count = %d, expected both sessions checkpointed", checkpoints.SaveCount)
	}
}
