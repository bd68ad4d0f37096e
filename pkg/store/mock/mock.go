// Package mock provides in-memory store implementations for unit tests that
// do not need miniredis or SQLite.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/store"
)

// HealthStore is an in-memory store.HealthStore.
type HealthStore struct {
	mu      sync.Mutex
	records map[string]*models.HealthRecord
}

// NewHealthStore creates an empty in-memory health store.
func NewHealthStore() *HealthStore {
	return &HealthStore{records: make(map[string]*models.HealthRecord)}
}

func (s *HealthStore) Get(_ context.Context, accountID string) (*models.HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *HealthStore) Put(_ context.Context, rec *models.HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now()
	s.records[rec.AccountID] = &cp
	return nil
}

func (s *HealthStore) Update(ctx context.Context, accountID string, fn func(*models.HealthRecord) error) (*models.HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	s.records[accountID] = &cp
	out := cp
	return &out, nil
}

func (s *HealthStore) AccountIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SessionStore is an in-memory store.SessionStore.
type SessionStore struct {
	mu          sync.Mutex
	checkpoints map[string]*models.SessionCheckpoint
	// SaveCount tracks checkpoint writes for assertions.
	SaveCount int
}

// NewSessionStore creates an empty in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{checkpoints: make(map[string]*models.SessionCheckpoint)}
}

func (s *SessionStore) SaveCheckpoint(_ context.Context, cp *models.SessionCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	c.SavedAt = time.Now()
	s.checkpoints[cp.AccountID] = &c
	s.SaveCount++
	return nil
}

func (s *SessionStore) LoadCheckpoint(_ context.Context, accountID string) (*models.SessionCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *cp
	return &c, nil
}

// EscalationStore is an in-memory store.EscalationStore.
type EscalationStore struct {
	mu          sync.Mutex
	Escalations []models.Escalation
}

// NewEscalationStore creates an empty in-memory escalation store.
func NewEscalationStore() *EscalationStore {
	return &EscalationStore{}
}

func (s *EscalationStore) Push(_ context.Context, esc *models.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Escalations = append([]models.Escalation{*esc}, s.Escalations...)
	return nil
}

func (s *EscalationStore) Recent(_ context.Context, limit int) ([]models.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.Escalations) {
		limit = len(s.Escalations)
	}
	out := make([]models.Escalation, limit)
	copy(out, s.Escalations[:limit])
	return out, nil
}

type loginAttempt struct {
	accountID string
	status    models.OutcomeStatus
	at        time.Time
}

// ActivityStore is an in-memory store.ActivityStore covering both the task
// queue and the history log.
type ActivityStore struct {
	mu            sync.Mutex
	tasks         map[string]*models.EngagementTask
	engagements   []models.EngagementLogEntry
	loginAttempts []loginAttempt
	postOutcomes  []loginAttempt
	freezes       []models.FreezeDetection
}

// NewActivityStore creates an empty in-memory activity store.
func NewActivityStore() *ActivityStore {
	return &ActivityStore{tasks: make(map[string]*models.EngagementTask)}
}

func (s *ActivityStore) Close() error { return nil }

func (s *ActivityStore) InsertTask(_ context.Context, task *models.EngagementTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	if cp.State == "" {
		cp.State = models.TaskPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.tasks[task.ID] = &cp
	return nil
}

func (s *ActivityStore) GetTask(_ context.Context, id string) (*models.EngagementTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *ActivityStore) PendingTasks(_ context.Context, projectID, accountID string, limit int) ([]models.EngagementTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []models.EngagementTask
	for _, task := range s.tasks {
		if task.ProjectID == projectID && task.AccountID == accountID && task.State == models.TaskPending {
			tasks = append(tasks, *task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *ActivityStore) ClaimTask(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.State != models.TaskPending {
		return store.ErrNotFound
	}
	task.State = models.TaskClaimed
	task.ClaimedAt = now
	return nil
}

func (s *ActivityStore) CompleteTask(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || (task.State != models.TaskPending && task.State != models.TaskClaimed) {
		return store.ErrNotFound
	}
	task.State = models.TaskCompleted
	task.LastExecutedAt = now
	return nil
}

func (s *ActivityStore) ReapStaleClaims(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, task := range s.tasks {
		if task.State == models.TaskClaimed && task.ClaimedAt.Before(cutoff) {
			task.State = models.TaskPending
			task.ClaimedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (s *ActivityStore) ExpireTasks(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, task := range s.tasks {
		if task.State == models.TaskPending && task.CreatedAt.Before(cutoff) {
			task.State = models.TaskExpired
			n++
		}
	}
	return n, nil
}

func (s *ActivityStore) AppendEngagement(_ context.Context, entry *models.EngagementLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.engagements = append(s.engagements, cp)
	return nil
}

func (s *ActivityStore) EngagementCounts(_ context.Context, accountID string, since time.Time) (map[models.ActionType]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.ActionType]int)
	for _, entry := range s.engagements {
		if entry.AccountID == accountID && !entry.CreatedAt.Before(since) {
			counts[entry.ActionType]++
		}
	}
	return counts, nil
}

func (s *ActivityStore) ActionTimestamps(_ context.Context, accountID string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var timestamps []time.Time
	for _, entry := range s.engagements {
		if entry.AccountID == accountID && !entry.CreatedAt.Before(since) {
			timestamps = append(timestamps, entry.CreatedAt)
		}
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })
	return timestamps, nil
}

func (s *ActivityStore) AppendLoginAttempt(_ context.Context, accountID string, status models.OutcomeStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginAttempts = append(s.loginAttempts, loginAttempt{accountID, status, at})
	return nil
}

func (s *ActivityStore) LoginOutcomes(_ context.Context, accountID string, since time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countOutcomes(s.loginAttempts, accountID, since)
}

func (s *ActivityStore) AppendPostOutcome(_ context.Context, accountID string, status models.OutcomeStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postOutcomes = append(s.postOutcomes, loginAttempt{accountID, status, at})
	return nil
}

func (s *ActivityStore) PostOutcomes(_ context.Context, accountID string, since time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countOutcomes(s.postOutcomes, accountID, since)
}

func countOutcomes(entries []loginAttempt, accountID string, since time.Time) (int, int, error) {
	var success, total int
	for _, entry := range entries {
		if entry.accountID == accountID && !entry.at.Before(since) {
			total++
			if entry.status == models.OutcomeSuccess {
				success++
			}
		}
	}
	return success, total, nil
}

func (s *ActivityStore) AppendFreezeDetection(_ context.Context, det *models.FreezeDetection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *det
	if cp.DetectedAt.IsZero() {
		cp.DetectedAt = time.Now()
	}
	s.freezes = append(s.freezes, cp)
	return nil
}

func (s *ActivityStore) FreezeDetections(_ context.Context, accountID string, since time.Time) ([]models.FreezeDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var detections []models.FreezeDetection
	for _, det := range s.freezes {
		if det.AccountID == accountID && !det.DetectedAt.Before(since) {
			detections = append(detections, det)
		}
	}
	return detections, nil
}
