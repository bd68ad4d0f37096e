// Package bootstrap wires the core components together in dependency order.
package bootstrap

import (
	"log/slog"

	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/pkg/gate"
	"github.com/quietwave/autoguard/pkg/health"
	"github.com/quietwave/autoguard/pkg/monitor"
	"github.com/quietwave/autoguard/pkg/policy"
	"github.com/quietwave/autoguard/pkg/scheduler"
	"github.com/quietwave/autoguard/pkg/session"
	"github.com/quietwave/autoguard/pkg/store"
)

// InitHealthEngine creates the health engine over the given stores.
func InitHealthEngine(healthStore store.HealthStore, activity store.ActivityStore, escalations store.EscalationStore, pol *policy.Policy) *health.Engine {
	engine := health.NewEngine(healthStore, activity, escalations, pol)
	logrus.Info("initialized health engine")
	return engine
}

// InitGate creates the action gate.
func InitGate(healthStore store.HealthStore, activity store.ActivityStore, pol *policy.Policy) *gate.Gate {
	g := gate.New(healthStore, activity, pol)
	logrus.Info("initialized action gate")
	return g
}

// InitScheduler creates the engagement task scheduler.
func InitScheduler(activity store.ActivityStore, pol *policy.Policy) *scheduler.Scheduler {
	sched := scheduler.New(activity, activity, pol, slog.Default())
	logrus.Info("initialized task scheduler")
	return sched
}

// InitSessionPool creates the bounded session pool over the given automation
// engine.
func InitSessionPool(engine session.Engine, checkpoints store.SessionStore, activity store.ActivityStore, cfg session.PoolConfig) *session.Pool {
	pool := session.NewPool(engine, checkpoints, activity, cfg)
	logrus.Infof("initialized session pool (capacity=%d)", cfg.Capacity)
	return pool
}

// InitMonitor creates the background health monitor.
func InitMonitor(engine *health.Engine, g *gate.Gate, sched *scheduler.Scheduler, healthStore store.HealthStore, cfg monitor.Config) *monitor.Monitor {
	m := monitor.New(engine, g, sched, healthStore, cfg)
	logrus.Info("initialized health monitor")
	return m
}
