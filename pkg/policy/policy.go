// Package policy holds the product-tuning constants of the safety core:
// health thresholds and score weights, the per-phase hourly quota table and
// the scheduler's per-type limits. Everything has compiled-in defaults and
// can be overridden from a YAML file with ${VAR:default} env expansion.
package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quietwave/autoguard/pkg/models"
)

// Policy is the complete tuning configuration.
type Policy struct {
	Health    HealthPolicy    `yaml:"health"`
	Scheduler SchedulerPolicy `yaml:"scheduler"`
	// HourlyLimits is the per-phase, per-action-type hourly quota table.
	// Validate guarantees every phase and action type has an entry, so
	// lookups never fall through to an implicit zero.
	HourlyLimits map[models.Phase]map[models.ActionType]int `yaml:"hourly_limits"`
}

// HealthPolicy holds scoring thresholds and weights. The unthrottle
// threshold sits above the throttle threshold on purpose: the 60/70 gap is a
// hysteresis band preventing throttle oscillation.
type HealthPolicy struct {
	EscalateBelow  float64 `yaml:"escalate_below"`
	SuspendBelow   float64 `yaml:"suspend_below"`
	ThrottleBelow  float64 `yaml:"throttle_below"`
	UnthrottleFrom float64 `yaml:"unthrottle_from"`

	Weights ScoreWeights `yaml:"weights"`

	// Floors applied when throttling halves the base caps.
	ThrottleMinDailyPosts   int `yaml:"throttle_min_daily_posts"`
	ThrottleMinDailyActions int `yaml:"throttle_min_daily_actions"`
}

// ScoreWeights are the composite score weights. They must sum to 1.
type ScoreWeights struct {
	Login       float64 `yaml:"login"`
	Post        float64 `yaml:"post"`
	Naturalness float64 `yaml:"naturalness"`
	FreezeRisk  float64 `yaml:"freeze_risk"`
}

// SchedulerPolicy configures engagement task selection.
type SchedulerPolicy struct {
	InteractionEnabled bool               `yaml:"interaction_enabled"`
	ClaimTTLMinutes    int                `yaml:"claim_ttl_minutes"`
	TaskTTLDays        int                `yaml:"task_ttl_days"`
	ActionTypes        []ActionTypePolicy `yaml:"action_types"`
}

// ActionTypePolicy is the per-type scheduler configuration.
type ActionTypePolicy struct {
	Type               models.ActionType `yaml:"type"`
	Enabled            bool              `yaml:"enabled"`
	DailyLimit         int               `yaml:"daily_limit"`
	MinIntervalMinutes int               `yaml:"min_interval_minutes"`
}

// Default returns the compiled-in policy.
func Default() *Policy {
	return &Policy{
		Health: HealthPolicy{
			EscalateBelow:           20,
			SuspendBelow:            40,
			ThrottleBelow:           60,
			UnthrottleFrom:          70,
			Weights:                 ScoreWeights{Login: 0.20, Post: 0.30, Naturalness: 0.20, FreezeRisk: 0.30},
			ThrottleMinDailyPosts:   1,
			ThrottleMinDailyActions: 5,
		},
		Scheduler: SchedulerPolicy{
			InteractionEnabled: true,
			ClaimTTLMinutes:    30,
			TaskTTLDays:        7,
			ActionTypes: []ActionTypePolicy{
				{Type: models.ActionLike, Enabled: true, DailyLimit: 50, MinIntervalMinutes: 5},
				{Type: models.ActionFollow, Enabled: true, DailyLimit: 20, MinIntervalMinutes: 5},
				{Type: models.ActionComment, Enabled: true, DailyLimit: 10, MinIntervalMinutes: 5},
				{Type: models.ActionUnfollow, Enabled: true, DailyLimit: 30, MinIntervalMinutes: 5},
				{Type: models.ActionRetweet, Enabled: true, DailyLimit: 15, MinIntervalMinutes: 5},
			},
		},
		HourlyLimits: map[models.Phase]map[models.ActionType]int{
			models.PhaseWarming: {
				models.ActionPost: 1, models.ActionLike: 3, models.ActionComment: 2,
				models.ActionFollow: 2, models.ActionUnfollow: 1, models.ActionRetweet: 1,
			},
			models.PhaseGrowing: {
				models.ActionPost: 2, models.ActionLike: 6, models.ActionComment: 4,
				models.ActionFollow: 4, models.ActionUnfollow: 2, models.ActionRetweet: 2,
			},
			models.PhaseMature: {
				models.ActionPost: 4, models.ActionLike: 12, models.ActionComment: 8,
				models.ActionFollow: 8, models.ActionUnfollow: 4, models.ActionRetweet: 4,
			},
			models.PhaseCooling: {
				models.ActionPost: 1, models.ActionLike: 4, models.ActionComment: 2,
				models.ActionFollow: 2, models.ActionUnfollow: 2, models.ActionRetweet: 1,
			},
			models.PhaseSuspended: {
				models.ActionPost: 0, models.ActionLike: 0, models.ActionComment: 0,
				models.ActionFollow: 0, models.ActionUnfollow: 0, models.ActionRetweet: 0,
			},
		},
	}
}

// Load reads a policy file, overlaying it on the defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (*Policy, error) {
	p := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), p); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// Validate checks internal consistency: threshold ordering, weight sum, an
// exhaustive hourly table and the phase-widening invariants (caps widen
// warming→growing→mature, cooling is tighter than growing, suspended is
// all-zero).
func (p *Policy) Validate() error {
	h := p.Health
	if !(h.EscalateBelow <= h.SuspendBelow && h.SuspendBelow <= h.ThrottleBelow && h.ThrottleBelow <= h.UnthrottleFrom) {
		return fmt.Errorf("health thresholds must be ordered escalate <= suspend <= throttle <= unthrottle, got %.0f/%.0f/%.0f/%.0f",
			h.EscalateBelow, h.SuspendBelow, h.ThrottleBelow, h.UnthrottleFrom)
	}

	sum := h.Weights.Login + h.Weights.Post + h.Weights.Naturalness + h.Weights.FreezeRisk
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("score weights must sum to 1, got %.3f", sum)
	}

	seen := make(map[models.ActionType]bool)
	for _, tp := range p.Scheduler.ActionTypes {
		if !tp.Type.Engagement() {
			return fmt.Errorf("invalid scheduler action type %q", tp.Type)
		}
		if seen[tp.Type] {
			return fmt.Errorf("duplicate scheduler action type %q", tp.Type)
		}
		seen[tp.Type] = true
		if tp.DailyLimit < 0 {
			return fmt.Errorf("action type %q has negative daily limit", tp.Type)
		}
	}

	for _, phase := range models.Phases {
		row, ok := p.HourlyLimits[phase]
		if !ok {
			return fmt.Errorf("hourly limits missing phase %q", phase)
		}
		for _, actionType := range models.ActionTypes {
			limit, ok := row[actionType]
			if !ok {
				return fmt.Errorf("hourly limits missing %s/%s", phase, actionType)
			}
			if limit < 0 {
				return fmt.Errorf("hourly limit for %s/%s is negative", phase, actionType)
			}
		}
	}

	for _, actionType := range models.ActionTypes {
		warming := p.HourlyLimits[models.PhaseWarming][actionType]
		growing := p.HourlyLimits[models.PhaseGrowing][actionType]
		mature := p.HourlyLimits[models.PhaseMature][actionType]
		cooling := p.HourlyLimits[models.PhaseCooling][actionType]
		if !(warming <= growing && growing <= mature) {
			return fmt.Errorf("hourly limits for %s must widen warming<=growing<=mature", actionType)
		}
		if cooling > growing {
			return fmt.Errorf("cooling hourly limit for %s exceeds growing", actionType)
		}
		if p.HourlyLimits[models.PhaseSuspended][actionType] != 0 {
			return fmt.Errorf("suspended hourly limit for %s must be zero", actionType)
		}
	}

	return nil
}

// HourlyLimit returns the hourly cap for one phase/action combination.
func (p *Policy) HourlyLimit(phase models.Phase, actionType models.ActionType) int {
	return p.HourlyLimits[phase][actionType]
}

// TypePolicy returns the scheduler policy for an action type.
func (p *Policy) TypePolicy(actionType models.ActionType) (ActionTypePolicy, bool) {
	for _, tp := range p.Scheduler.ActionTypes {
		if tp.Type == actionType {
			return tp, true
		}
	}
	return ActionTypePolicy{}, false
}

// MinInterval returns the minimum re-trigger interval for an action type.
// Types without explicit configuration default to 5 minutes.
func (p *Policy) MinInterval(actionType models.ActionType) time.Duration {
	if tp, ok := p.TypePolicy(actionType); ok && tp.MinIntervalMinutes > 0 {
		return time.Duration(tp.MinIntervalMinutes) * time.Minute
	}
	return 5 * time.Minute
}

// ClaimTTL returns how long a task claim may stand before the reaper returns
// it to pending.
func (p *Policy) ClaimTTL() time.Duration {
	if p.Scheduler.ClaimTTLMinutes > 0 {
		return time.Duration(p.Scheduler.ClaimTTLMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// TaskTTL returns how long a pending task may sit unclaimed before it
// expires.
func (p *Policy) TaskTTL() time.Duration {
	if p.Scheduler.TaskTTLDays > 0 {
		return time.Duration(p.Scheduler.TaskTTLDays) * 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// expandEnvVars expands ${VAR} and ${VAR:default} references.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		parts := strings.SplitN(key, ":", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) == 2 {
			return parts[1]
		}
		return value
	})
}
