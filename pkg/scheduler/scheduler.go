// Package scheduler selects the next engagement tasks for an account. Its
// per-type availability check is a lightweight view over today's outcome
// counts; the gate remains the authority the executor must still consult
// immediately before running a chosen task.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quietwave/autoguard/pkg/metrics"
	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/policy"
	"github.com/quietwave/autoguard/pkg/store"
)

// Task scoring constants.
const (
	baseScore      = 50
	freshBonus     = 20 // created under 24h ago
	recentBonus    = 10 // created under 72h ago
	followBonus    = 15
	likeBonus      = 10
	commentBonus   = 5
	maxScore       = 100
	fetchoverdraft = 2 // fetch 2x limit to allow for filtering
)

// Scheduler ranks pending engagement tasks.
type Scheduler struct {
	tasks  store.TaskStore
	log    store.EngagementLogStore
	policy *policy.Policy
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler. A nil logger falls back to slog.Default.
func New(tasks store.TaskStore, log store.EngagementLogStore, pol *policy.Policy, logger *slog.Logger) *Scheduler {
	if pol == nil {
		pol = policy.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{tasks: tasks, log: log, policy: pol, logger: logger, now: time.Now}
}

// SetClock overrides the scheduler's clock. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// availableTypes returns the engagement types that are enabled and still
// have daily quota, derived from today's success+failed counts.
func (s *Scheduler) availableTypes(ctx context.Context, accountID string, now time.Time) (map[models.ActionType]bool, error) {
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	counts, err := s.log.EngagementCounts(ctx, accountID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("failed to count today's engagements: %w", err)
	}

	available := make(map[models.ActionType]bool)
	for _, tp := range s.policy.Scheduler.ActionTypes {
		if tp.Enabled && counts[tp.Type] < tp.DailyLimit {
			available[tp.Type] = true
		}
	}
	return available, nil
}

// GetNextTasks returns up to limit runnable tasks for the account, highest
// priority first. Selection is deterministic: a stable sort by score with
// ties keeping the store's most-recent-first ordering.
func (s *Scheduler) GetNextTasks(ctx context.Context, projectID, accountID string, limit int) ([]models.EngagementTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	if !s.policy.Scheduler.InteractionEnabled {
		s.logger.Debug("interaction automation disabled, returning no tasks",
			slog.String("project_id", projectID))
		return nil, nil
	}

	now := s.now()
	available, err := s.availableTypes(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		s.logger.Debug("no action types with remaining daily quota",
			slog.String("account_id", accountID))
		return nil, nil
	}

	candidates, err := s.tasks.PendingTasks(ctx, projectID, accountID, fetchoverdraft*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending tasks: %w", err)
	}

	runnable := candidates[:0]
	for _, task := range candidates {
		if !available[task.TaskType] {
			continue
		}
		if !task.LastExecutedAt.IsZero() && now.Sub(task.LastExecutedAt) < s.policy.MinInterval(task.TaskType) {
			continue
		}
		runnable = append(runnable, task)
	}

	sort.SliceStable(runnable, func(i, j int) bool {
		return scoreTask(&runnable[i], now) > scoreTask(&runnable[j], now)
	})

	if len(runnable) > limit {
		runnable = runnable[:limit]
	}

	for _, task := range runnable {
		metrics.TasksScheduledTotal.WithLabelValues(string(task.TaskType)).Inc()
	}
	s.logger.Info("selected tasks",
		slog.String("account_id", accountID),
		slog.Int("candidates", len(candidates)),
		slog.Int("selected", len(runnable)))
	return runnable, nil
}

// scoreTask ranks a task: newer tasks and relationship-building types win.
func scoreTask(task *models.EngagementTask, now time.Time) int {
	score := baseScore

	age := now.Sub(task.CreatedAt)
	if age < 24*time.Hour {
		score += freshBonus
	} else if age < 72*time.Hour {
		score += recentBonus
	}

	switch task.TaskType {
	case models.ActionFollow:
		score += followBonus
	case models.ActionLike:
		score += likeBonus
	case models.ActionComment:
		score += commentBonus
	}

	if score > maxScore {
		score = maxScore
	}
	return score
}

// ClaimTask marks a task as taken by an executor.
func (s *Scheduler) ClaimTask(ctx context.Context, taskID string) error {
	return s.tasks.ClaimTask(ctx, taskID, s.now())
}

// MarkTaskCompleted finishes a task. Tasks are single-shot: repeat
// engagement with the same target requires a new task.
func (s *Scheduler) MarkTaskCompleted(ctx context.Context, taskID string) error {
	return s.tasks.CompleteTask(ctx, taskID, s.now())
}

// ReapStaleClaims returns tasks claimed longer ago than the policy's claim
// TTL to the pending state, so executor crashes do not strand work.
func (s *Scheduler) ReapStaleClaims(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.policy.ClaimTTL())
	n, err := s.tasks.ReapStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("returned stale claims to pending", slog.Int64("count", n))
	}
	return n, nil
}

// ExpireOldTasks transitions pending tasks older than the policy's task TTL
// to expired, so stale discovery output stops competing for selection.
func (s *Scheduler) ExpireOldTasks(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.policy.TaskTTL())
	n, err := s.tasks.ExpireTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired stale pending tasks", slog.Int64("count", n))
	}
	return n, nil
}
