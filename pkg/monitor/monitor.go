// Package monitor owns the background timers of the core: the periodic
// health sweep, the daily counter reset at local midnight, the stale claim
// reap and pending-task expiry. All scheduled work lives here so the rest of
// the system stays passive and testable.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/pkg/common"
	"github.com/quietwave/autoguard/pkg/gate"
	"github.com/quietwave/autoguard/pkg/health"
	"github.com/quietwave/autoguard/pkg/metrics"
	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/scheduler"
	"github.com/quietwave/autoguard/pkg/store"
)

// Default timer intervals.
const (
	DefaultSweepInterval = 15 * time.Minute
	DefaultReapInterval  = 5 * time.Minute
)

// Config tunes the monitor's timers.
type Config struct {
	SweepInterval time.Duration
	ReapInterval  time.Duration
}

// Monitor drives the health engine, the gate's daily reset and the
// scheduler's claim reap on fixed schedules.
type Monitor struct {
	engine *health.Engine
	gate   *gate.Gate
	sched  *scheduler.Scheduler
	health store.HealthStore
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a monitor. Zero config fields take the defaults.
func New(engine *health.Engine, g *gate.Gate, sched *scheduler.Scheduler, healthStore store.HealthStore, cfg Config) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	return &Monitor{
		engine: engine,
		gate:   g,
		sched:  sched,
		health: healthStore,
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// SetClock overrides the monitor's clock. Tests only.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start launches the timer goroutines. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(3)
	go m.sweepLoop()
	go m.resetLoop()
	go m.reapLoop()
	logrus.Infof("health monitor started (sweep=%v reap=%v)", m.cfg.SweepInterval, m.cfg.ReapInterval)
}

// Stop halts all timers and waits for in-flight work, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.Info("health monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.SweepOnce(context.Background()); err != nil {
				logrus.Errorf("health sweep failed: %v", err)
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := m.sched.ReapStaleClaims(context.Background()); err != nil {
				logrus.Errorf("stale claim reap failed: %v", err)
			}
			if _, err := m.sched.ExpireOldTasks(context.Background()); err != nil {
				logrus.Errorf("task expiry failed: %v", err)
			}
		case <-m.stopCh:
			return
		}
	}
}

// resetLoop fires once per calendar day at local midnight. The timer is
// re-armed from the clock after every firing so drift does not accumulate.
func (m *Monitor) resetLoop() {
	defer m.wg.Done()
	for {
		timer := time.NewTimer(untilNextMidnight(m.now()))
		select {
		case <-timer.C:
			if err := m.gate.ResetDailyCounters(context.Background()); err != nil {
				logrus.Errorf("daily counter reset failed: %v", err)
			}
		case <-m.stopCh:
			timer.Stop()
			return
		}
	}
}

func untilNextMidnight(now time.Time) time.Duration {
	y, mo, d := now.Date()
	next := time.Date(y, mo, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}

// SweepOnce runs one full health pass: for every known account it refreshes
// the composite score, advances the warming phase when due, applies the
// threshold ladder and lifts throttles that have recovered. A failing
// account is logged and skipped; the sweep never aborts part way.
func (m *Monitor) SweepOnce(ctx context.Context) error {
	scope := common.StartScope(ctx, "health.sweep")
	defer scope.Finish()

	start := m.now()
	ids, err := m.health.AccountIDs(scope.Ctx)
	if err != nil {
		scope.TraceError(err)
		return err
	}
	scope.SetAttributes("accounts", len(ids))

	var failed int
	for _, id := range ids {
		if err := m.sweepAccount(scope, id); err != nil {
			scope.Log.Errorf("health sweep failed for account %s: %v", id, err)
			failed++
		}
	}

	elapsed := m.now().Sub(start)
	metrics.HealthSweepDuration.Observe(elapsed.Seconds())
	scope.Log.Infof("health sweep done: %d accounts, %d failed, took %v", len(ids), failed, elapsed)
	return nil
}

func (m *Monitor) sweepAccount(parent *common.Scope, accountID string) error {
	scope := parent.NewChildScope("health.sweep.account")
	defer scope.Finish()
	scope.SetAttributes("account_id", accountID)

	if _, err := m.engine.CalculateHealthScore(scope.Ctx, accountID); err != nil {
		scope.TraceError(err)
		return err
	}
	if advanced, phase, err := m.engine.AdvanceWarmingPhase(scope.Ctx, accountID); err != nil {
		scope.TraceError(err)
		return err
	} else if advanced {
		scope.TraceEvent("advanced to phase " + string(phase))
	}
	if action, score, err := m.engine.CheckAndThrottle(scope.Ctx, accountID); err != nil {
		scope.TraceError(err)
		return err
	} else if action != models.ThrottleNone {
		scope.Log.Warnf("account %s scored %.1f, applied %s", accountID, score, action)
		return nil
	}
	if lifted, err := m.engine.Unthrottle(scope.Ctx, accountID); err != nil {
		scope.TraceError(err)
		return err
	} else if lifted {
		scope.TraceEvent("throttle lifted")
	}
	return nil
}
