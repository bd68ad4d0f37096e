// Package models defines the shared data model for the account safety core:
// health records, engagement tasks, outcome log entries and session
// checkpoints. All packages depend on these types; none of them depend back.
package models

import (
	"fmt"
	"time"
)

// Phase is the coarse lifecycle stage of a managed account. It controls the
// account's baseline daily and hourly quotas.
type Phase string

const (
	PhaseWarming   Phase = "warming"
	PhaseGrowing   Phase = "growing"
	PhaseMature    Phase = "mature"
	PhaseCooling   Phase = "cooling"
	PhaseSuspended Phase = "suspended"
)

// Phases lists every phase. Quota tables are validated against this list so
// that a phase can never be missing an entry.
var Phases = []Phase{PhaseWarming, PhaseGrowing, PhaseMature, PhaseCooling, PhaseSuspended}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseWarming, PhaseGrowing, PhaseMature, PhaseCooling, PhaseSuspended:
		return true
	}
	return false
}

// ActionType identifies an automated action performed on behalf of an account.
type ActionType string

const (
	ActionPost     ActionType = "post"
	ActionLike     ActionType = "like"
	ActionComment  ActionType = "comment"
	ActionFollow   ActionType = "follow"
	ActionUnfollow ActionType = "unfollow"
	ActionRetweet  ActionType = "retweet"
)

// ActionTypes lists every action type, used for exhaustive quota tables.
var ActionTypes = []ActionType{ActionPost, ActionLike, ActionComment, ActionFollow, ActionUnfollow, ActionRetweet}

// EngagementTypes lists the action types that can appear as queued
// engagement tasks. Posting goes through the publishing pipeline instead.
var EngagementTypes = []ActionType{ActionLike, ActionComment, ActionFollow, ActionUnfollow, ActionRetweet}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionPost, ActionLike, ActionComment, ActionFollow, ActionUnfollow, ActionRetweet:
		return true
	}
	return false
}

// Engagement reports whether t is a queueable engagement type.
func (t ActionType) Engagement() bool {
	for _, et := range EngagementTypes {
		if t == et {
			return true
		}
	}
	return false
}

// ThrottleAction is the decision taken by the health engine after a scoring
// pass.
type ThrottleAction string

const (
	ThrottleNone     ThrottleAction = "none"
	ThrottleThrottle ThrottleAction = "throttle"
	ThrottleSuspend  ThrottleAction = "suspend"
	ThrottleEscalate ThrottleAction = "escalate"
)

// HealthRecord is the per-account health state. It is owned exclusively by
// the health subsystem and mutated only through its API; the composite
// HealthScore is written by exactly one place (Engine.CalculateHealthScore).
type HealthRecord struct {
	AccountID string `json:"accountId"`

	// Composite score and its four inputs, all 0-100.
	HealthScore      float64 `json:"healthScore"`
	LoginSuccessRate float64 `json:"loginSuccessRate"`
	PostSuccessRate  float64 `json:"postSuccessRate"`
	NaturalnessScore float64 `json:"engagementNaturalnessScore"`
	FreezeRiskScore  float64 `json:"freezeRiskScore"`

	Phase              Phase     `json:"accountPhase"`
	WarmingStartedAt   time.Time `json:"warmingStartedAt"`
	WarmingCompletedAt time.Time `json:"warmingCompletedAt,omitempty"`

	// Effective daily caps. Mutated by phase advancement and throttling.
	MaxDailyPosts   int `json:"maxDailyPosts"`
	MaxDailyActions int `json:"maxDailyActions"`

	// Counters, reset on calendar day / hour boundaries. CounterDay and
	// CounterHour record which window the counters belong to so that stale
	// counters are reset lazily on the next read-modify-write.
	PostsToday      int    `json:"postsToday"`
	ActionsToday    int    `json:"actionsToday"`
	PostsThisHour   int    `json:"postsThisHour"`
	ActionsThisHour int    `json:"actionsThisHour"`
	CounterDay      string `json:"counterDay,omitempty"`
	CounterHour     string `json:"counterHour,omitempty"`

	IsThrottled    bool      `json:"isThrottled"`
	ThrottleReason string    `json:"throttleReason,omitempty"`
	ThrottleUntil  time.Time `json:"throttleUntil,omitempty"`

	IsSuspended     bool   `json:"isSuspended"`
	SuspendedReason string `json:"suspendedReason,omitempty"`

	ConsecutiveSuccesses int `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int `json:"consecutiveFailures"`

	LastActionAt time.Time `json:"lastActionAt,omitempty"`
	LastPostAt   time.Time `json:"lastPostAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskState is the lifecycle of an engagement task. Tasks are single-shot:
// pending until claimed by an executor, then completed. A claimed task whose
// executor died is detectable by its stale ClaimedAt and is returned to
// pending by the reaper.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskClaimed   TaskState = "claimed"
	TaskCompleted TaskState = "completed"
	TaskExpired   TaskState = "expired"
)

// EngagementTask is a queued action request. Tasks are created by discovery
// and strategy logic; the scheduler only selects and ranks them.
type EngagementTask struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	AccountID  string     `json:"accountId"`
	TaskType   ActionType `json:"taskType"`
	TargetUser string     `json:"targetUser,omitempty"`
	TargetPost string     `json:"targetPost,omitempty"`
	// CommentText is set only for comment tasks.
	CommentText    string    `json:"commentText,omitempty"`
	State          TaskState `json:"state"`
	LastExecutedAt time.Time `json:"lastExecutedAt,omitempty"`
	ClaimedAt      time.Time `json:"claimedAt,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Validate checks the target invariant: exactly one of TargetUser/TargetPost
// is set depending on the task type, and comment text only appears on
// comment tasks.
func (t *EngagementTask) Validate() error {
	if !t.TaskType.Engagement() {
		return fmt.Errorf("invalid task type %q", t.TaskType)
	}
	switch t.TaskType {
	case ActionFollow, ActionUnfollow:
		if t.TargetUser == "" || t.TargetPost != "" {
			return fmt.Errorf("%s task requires targetUser only", t.TaskType)
		}
	case ActionLike, ActionRetweet:
		if t.TargetPost == "" || t.TargetUser != "" {
			return fmt.Errorf("%s task requires targetPost only", t.TaskType)
		}
	case ActionComment:
		if t.TargetPost == "" {
			return fmt.Errorf("comment task requires targetPost")
		}
		if t.CommentText == "" {
			return fmt.Errorf("comment task requires commentText")
		}
	}
	if t.TaskType != ActionComment && t.CommentText != "" {
		return fmt.Errorf("commentText only valid on comment tasks")
	}
	return nil
}

// OutcomeStatus is the terminal status of an attempted action or login.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
)

// EngagementLogEntry is an append-only record of one attempted action. It is
// never mutated; counters and streak inputs are derived from it.
type EngagementLogEntry struct {
	AccountID  string        `json:"accountId"`
	ActionType ActionType    `json:"actionType"`
	Status     OutcomeStatus `json:"status"`
	TargetUser string        `json:"targetUser,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// FreezeDetection is one suspected platform-freeze observation for an
// account, with a 0-100 detection confidence. Detections are produced by the
// external screening subsystem and only read here.
type FreezeDetection struct {
	AccountID  string    `json:"accountId"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Escalation is a request for human review, emitted when an account's score
// crosses the critical threshold. It is data, not an error channel.
type Escalation struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionCheckpoint is the persisted login state of one automation session,
// written on release (and opportunistically after successful actions) and
// loaded on the next acquisition for the same account.
type SessionCheckpoint struct {
	AccountID string    `json:"accountId"`
	State     []byte    `json:"state"`
	SavedAt   time.Time `json:"savedAt"`
}
