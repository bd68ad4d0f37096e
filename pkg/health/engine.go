package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/pkg/metrics"
	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/policy"
	"github.com/quietwave/autoguard/pkg/store"
)

// Rolling history windows feeding the sub-scores.
const (
	outcomeWindow     = 30 * 24 * time.Hour
	naturalnessWindow = 7 * 24 * time.Hour
)

// Engine owns every mutation of the health ledger. It is safe for
// concurrent use; per-account serialization happens in the health store.
type Engine struct {
	health      store.HealthStore
	log         store.EngagementLogStore
	escalations store.EscalationStore
	policy      *policy.Policy
	now         func() time.Time
}

// NewEngine creates a health engine over the given stores.
func NewEngine(health store.HealthStore, log store.EngagementLogStore, escalations store.EscalationStore, pol *policy.Policy) *Engine {
	if pol == nil {
		pol = policy.Default()
	}
	return &Engine{
		health:      health,
		log:         log,
		escalations: escalations,
		policy:      pol,
		now:         time.Now,
	}
}

// SetClock overrides the engine's clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// InitAccount creates a fresh health record for an account: full score,
// warming phase, warm-up caps. Idempotent; an existing record is returned
// untouched.
func (e *Engine) InitAccount(ctx context.Context, accountID string) (*models.HealthRecord, error) {
	existing, err := e.health.Get(ctx, accountID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := e.now()
	posts, actions := BaseCaps(models.PhaseWarming)
	rec := &models.HealthRecord{
		AccountID:        accountID,
		HealthScore:      100,
		LoginSuccessRate: 100,
		PostSuccessRate:  100,
		NaturalnessScore: 100,
		FreezeRiskScore:  0,
		Phase:            models.PhaseWarming,
		WarmingStartedAt: now,
		MaxDailyPosts:    posts,
		MaxDailyActions:  actions,
		CreatedAt:        now,
	}
	if err := e.health.Put(ctx, rec); err != nil {
		return nil, err
	}
	logrus.Infof("initialized health record for account %s", accountID)
	return rec, nil
}

// AdvanceWarmingPhase promotes the account if enough time has elapsed since
// warming started. Returns whether it advanced and the resulting phase.
func (e *Engine) AdvanceWarmingPhase(ctx context.Context, accountID string) (bool, models.Phase, error) {
	var advanced bool
	var phase models.Phase

	_, err := e.health.Update(ctx, accountID, func(rec *models.HealthRecord) error {
		advanced, phase = AdvancePhase(rec, e.now())
		return nil
	})
	if err != nil {
		return false, "", err
	}
	if advanced {
		metrics.PhaseAdvancesTotal.WithLabelValues(string(phase)).Inc()
	}
	return advanced, phase, nil
}

// CalculateHealthScore recomputes the four sub-scores from rolling history
// windows, combines them and persists the result. This is the single place
// that writes healthScore. With no history at all it returns exactly 100.
func (e *Engine) CalculateHealthScore(ctx context.Context, accountID string) (float64, error) {
	now := e.now()

	loginSuccess, loginTotal, err := e.log.LoginOutcomes(ctx, accountID, now.Add(-outcomeWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to load login outcomes: %w", err)
	}
	postSuccess, postTotal, err := e.log.PostOutcomes(ctx, accountID, now.Add(-outcomeWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to load post outcomes: %w", err)
	}
	timestamps, err := e.log.ActionTimestamps(ctx, accountID, now.Add(-naturalnessWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to load action timestamps: %w", err)
	}
	detections, err := e.log.FreezeDetections(ctx, accountID, now.Add(-outcomeWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to load freeze detections: %w", err)
	}

	login := SuccessRate(loginSuccess, loginTotal)
	post := SuccessRate(postSuccess, postTotal)
	naturalness := NaturalnessScore(timestamps)
	freezeRisk := FreezeRiskScore(detections, now)
	composite := CompositeScore(login, post, naturalness, freezeRisk, e.policy.Health.Weights)

	_, err = e.health.Update(ctx, accountID, func(rec *models.HealthRecord) error {
		rec.LoginSuccessRate = login
		rec.PostSuccessRate = post
		rec.NaturalnessScore = naturalness
		rec.FreezeRiskScore = freezeRisk
		rec.HealthScore = composite
		return nil
	})
	if err != nil {
		return 0, err
	}

	logrus.Debugf("recomputed health for account %s: composite=%.1f login=%.1f post=%.1f naturalness=%.1f freezeRisk=%.1f",
		accountID, composite, login, post, naturalness, freezeRisk)
	return composite, nil
}

// CheckAndThrottle applies the threshold ladder to the account's current
// composite score. Below the escalate threshold the account is suspended
// and flagged for human review; below the suspend threshold it is suspended;
// below the throttle threshold the phase's base caps are halved (never the
// already-throttled values, so repeated passes do not compound). A healthy
// score changes nothing; clearing an existing throttle is Unthrottle's job.
//
// The ladder does not re-run on a suspended account: its caps stay zero and
// no further escalation is emitted until Unthrottle clears the suspension.
func (e *Engine) CheckAndThrottle(ctx context.Context, accountID string) (models.ThrottleAction, float64, error) {
	h := e.policy.Health
	action := models.ThrottleNone
	var score float64

	rec, err := e.health.Update(ctx, accountID, func(rec *models.HealthRecord) error {
		score = rec.HealthScore
		if rec.IsSuspended {
			return nil
		}
		switch {
		case score < h.EscalateBelow:
			action = models.ThrottleEscalate
			e.suspend(rec, fmt.Sprintf("health score %.1f below critical threshold %.0f", score, h.EscalateBelow))
		case score < h.SuspendBelow:
			action = models.ThrottleSuspend
			e.suspend(rec, fmt.Sprintf("health score %.1f below suspend threshold %.0f", score, h.SuspendBelow))
		case score < h.ThrottleBelow:
			action = models.ThrottleThrottle
			e.throttle(rec, score)
		}
		return nil
	})
	if err != nil {
		return models.ThrottleNone, 0, err
	}

	if action != models.ThrottleNone {
		metrics.ThrottleActionsTotal.WithLabelValues(string(action)).Inc()
	}

	if action == models.ThrottleEscalate {
		esc := &models.Escalation{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Score:     score,
			Reason:    rec.SuspendedReason,
			CreatedAt: e.now(),
		}
		if err := e.escalations.Push(ctx, esc); err != nil {
			return action, score, fmt.Errorf("failed to record escalation: %w", err)
		}
	}

	return action, score, nil
}

func (e *Engine) suspend(rec *models.HealthRecord, reason string) {
	rec.IsSuspended = true
	rec.SuspendedReason = reason
	rec.MaxDailyPosts = 0
	rec.MaxDailyActions = 0
	logrus.Warnf("suspended automation for account %s: %s", rec.AccountID, reason)
}

func (e *Engine) throttle(rec *models.HealthRecord, score float64) {
	basePosts, baseActions := BaseCaps(rec.Phase)
	rec.IsThrottled = true
	rec.ThrottleReason = fmt.Sprintf("health score %.1f below throttle threshold %.0f", score, e.policy.Health.ThrottleBelow)
	rec.MaxDailyPosts = basePosts / 2
	rec.MaxDailyActions = baseActions / 2
	if rec.MaxDailyPosts < e.policy.Health.ThrottleMinDailyPosts {
		rec.MaxDailyPosts = e.policy.Health.ThrottleMinDailyPosts
	}
	if rec.MaxDailyActions < e.policy.Health.ThrottleMinDailyActions {
		rec.MaxDailyActions = e.policy.Health.ThrottleMinDailyActions
	}
	logrus.Warnf("throttled account %s to %d posts / %d actions per day",
		rec.AccountID, rec.MaxDailyPosts, rec.MaxDailyActions)
}

// Unthrottle clears throttle and suspension state, but only when the account
// is actually restricted and a freshly computed score clears the recovery
// threshold. The recovery threshold sits above the throttle threshold, a
// hysteresis band that keeps accounts from oscillating. Returns whether the
// account was restored.
func (e *Engine) Unthrottle(ctx context.Context, accountID string) (bool, error) {
	rec, err := e.health.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !rec.IsThrottled && !rec.IsSuspended {
		return false, nil
	}

	score, err := e.CalculateHealthScore(ctx, accountID)
	if err != nil {
		return false, err
	}
	if score < e.policy.Health.UnthrottleFrom {
		logrus.Debugf("account %s score %.1f below recovery threshold %.0f, staying restricted",
			accountID, score, e.policy.Health.UnthrottleFrom)
		return false, nil
	}

	_, err = e.health.Update(ctx, accountID, func(rec *models.HealthRecord) error {
		rec.MaxDailyPosts, rec.MaxDailyActions = BaseCaps(rec.Phase)
		rec.IsThrottled = false
		rec.ThrottleReason = ""
		rec.ThrottleUntil = time.Time{}
		rec.IsSuspended = false
		rec.SuspendedReason = ""
		return nil
	})
	if err != nil {
		return false, err
	}

	metrics.ThrottleActionsTotal.WithLabelValues("unthrottle").Inc()
	logrus.Infof("restored account %s to base caps (score=%.1f)", accountID, score)
	return true, nil
}
