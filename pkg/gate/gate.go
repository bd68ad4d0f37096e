// Package gate is the authorization check consulted before every automated
// action. It enforces daily caps from the account's health record and hourly
// caps from the per-phase policy table. Denials are first-class results, not
// errors; callers branch on Decision.Allowed.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/pkg/metrics"
	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/policy"
	"github.com/quietwave/autoguard/pkg/store"
)

// Deny reasons, machine-readable.
const (
	ReasonNoRecord       = "no health record"
	ReasonSuspended      = "account suspended"
	ReasonThrottled      = "account throttled"
	ReasonDailyPostCap   = "daily post limit reached"
	ReasonDailyActionCap = "daily action limit reached"
	ReasonHourlyCap      = "hourly limit reached"
)

// Decision is the outcome of a gate check. RetryAfter is advisory: callers
// must re-check the gate rather than assume permission after it elapses,
// since health can change state in the interim.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

func deny(reason string, retryAfter time.Duration) Decision {
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// Gate authorizes actions and records their outcomes.
type Gate struct {
	health store.HealthStore
	log    store.EngagementLogStore
	policy *policy.Policy
	now    func() time.Time
}

// New creates a gate over the given stores.
func New(health store.HealthStore, log store.EngagementLogStore, pol *policy.Policy) *Gate {
	if pol == nil {
		pol = policy.Default()
	}
	return &Gate{health: health, log: log, policy: pol, now: time.Now}
}

// SetClock overrides the gate's clock. Tests only.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func hourKey(t time.Time) string {
	return t.Format("2006-01-02T15")
}

func untilNextMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}

func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}

// CanPerformAction decides whether the account may perform the action right
// now. It mutates nothing and is safe to call speculatively. Checks run in
// fixed order; the first failing check wins.
func (g *Gate) CanPerformAction(ctx context.Context, accountID string, actionType models.ActionType) (Decision, error) {
	rec, err := g.health.Get(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		g.observe(actionType, ReasonNoRecord)
		return deny(ReasonNoRecord, 0), nil
	}
	if err != nil {
		return Decision{}, err
	}

	now := g.now()

	if rec.IsSuspended || rec.Phase == models.PhaseSuspended {
		g.observe(actionType, ReasonSuspended)
		return deny(ReasonSuspended, 0), nil
	}

	if rec.IsThrottled && !rec.ThrottleUntil.IsZero() && rec.ThrottleUntil.After(now) {
		g.observe(actionType, ReasonThrottled)
		return deny(ReasonThrottled, rec.ThrottleUntil.Sub(now)), nil
	}

	// Counters belonging to an earlier window count as zero; they are reset
	// for real on the next RecordAction.
	postsToday, actionsToday := rec.PostsToday, rec.ActionsToday
	if rec.CounterDay != dayKey(now) {
		postsToday, actionsToday = 0, 0
	}

	if actionType == models.ActionPost && postsToday >= rec.MaxDailyPosts {
		g.observe(actionType, ReasonDailyPostCap)
		return deny(ReasonDailyPostCap, untilNextMidnight(now)), nil
	}
	if actionsToday >= rec.MaxDailyActions {
		g.observe(actionType, ReasonDailyActionCap)
		return deny(ReasonDailyActionCap, untilNextMidnight(now)), nil
	}

	hourlyLimit := g.policy.HourlyLimit(rec.Phase, actionType)
	hourStart := now.Truncate(time.Hour)
	counts, err := g.log.EngagementCounts(ctx, accountID, hourStart)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count hourly actions: %w", err)
	}
	if counts[actionType] >= hourlyLimit {
		g.observe(actionType, ReasonHourlyCap)
		return deny(ReasonHourlyCap, untilNextHour(now)), nil
	}

	g.observe(actionType, "allowed")
	return Decision{Allowed: true}, nil
}

func (g *Gate) observe(actionType models.ActionType, outcome string) {
	metrics.GateDecisionsTotal.WithLabelValues(string(actionType), outcome).Inc()
}

// RecordAction is the only place counters and streaks change. It must be
// called exactly once per attempted action, immediately after the attempt,
// regardless of the attempt's own success or failure. The health store
// serializes the update per account, so concurrent callers cannot lose
// increments.
func (g *Gate) RecordAction(ctx context.Context, accountID string, actionType models.ActionType, success bool) error {
	now := g.now()
	day, hour := dayKey(now), hourKey(now)

	_, err := g.health.Update(ctx, accountID, func(rec *models.HealthRecord) error {
		if rec.CounterDay != day {
			rec.CounterDay = day
			rec.PostsToday = 0
			rec.ActionsToday = 0
		}
		if rec.CounterHour != hour {
			rec.CounterHour = hour
			rec.PostsThisHour = 0
			rec.ActionsThisHour = 0
		}

		rec.ActionsToday++
		rec.ActionsThisHour++
		rec.LastActionAt = now
		if actionType == models.ActionPost {
			rec.PostsToday++
			rec.PostsThisHour++
			rec.LastPostAt = now
		}

		if success {
			rec.ConsecutiveSuccesses++
			rec.ConsecutiveFailures = 0
		} else {
			rec.ConsecutiveFailures++
			rec.ConsecutiveSuccesses = 0
		}
		return nil
	})
	if err != nil {
		return err
	}

	status := models.OutcomeSuccess
	if !success {
		status = models.OutcomeFailed
	}
	entry := &models.EngagementLogEntry{
		AccountID:  accountID,
		ActionType: actionType,
		Status:     status,
		CreatedAt:  now,
	}
	if err := g.log.AppendEngagement(ctx, entry); err != nil {
		return fmt.Errorf("failed to append engagement log: %w", err)
	}
	if actionType == models.ActionPost {
		if err := g.log.AppendPostOutcome(ctx, accountID, status, now); err != nil {
			return fmt.Errorf("failed to append post outcome: %w", err)
		}
	}

	metrics.ActionsRecordedTotal.WithLabelValues(string(actionType), string(status)).Inc()
	logrus.Debugf("recorded %s action for account %s (success=%v)", actionType, accountID, success)
	return nil
}

// ResetDailyCounters zeroes the daily and hourly counters for every account.
// Intended to run once per calendar day at the local reset boundary.
func (g *Gate) ResetDailyCounters(ctx context.Context) error {
	ids, err := g.health.AccountIDs(ctx)
	if err != nil {
		return err
	}

	now := g.now()
	day, hour := dayKey(now), hourKey(now)
	var failed int
	for _, id := range ids {
		_, err := g.health.Update(ctx, id, func(rec *models.HealthRecord) error {
			rec.PostsToday = 0
			rec.ActionsToday = 0
			rec.PostsThisHour = 0
			rec.ActionsThisHour = 0
			rec.CounterDay = day
			rec.CounterHour = hour
			return nil
		})
		if err != nil {
			logrus.Errorf("failed to reset counters for account %s: %v", id, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to reset counters for %d of %d accounts", failed, len(ids))
	}

	logrus.Infof("reset daily counters for %d accounts", len(ids))
	return nil
}
