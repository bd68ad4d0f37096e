// Package store provides the persistence layer for the account safety core.
//
// Hot per-account state (health records, session checkpoints, escalations)
// lives in Redis. Append-only history (engagement log, login attempts, post
// outcomes, freeze detections) and the engagement task queue live in SQL,
// with SQLite and PostgreSQL backends selected by DSN.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/quietwave/autoguard/pkg/models"
)

// ErrNotFound is returned when a requested entity does not exist. Callers
// translate it into first-class "not allowed" / empty results rather than
// propagating it upward.
var ErrNotFound = errors.New("store: not found")

// HealthStore persists per-account health records.
//
// Update is the read-modify-write primitive: it loads the record, applies fn
// under a per-account lock and writes the result back. Every counter or flag
// mutation in the core goes through Update so that concurrent gate checks
// and increments cannot lose updates.
type HealthStore interface {
	Get(ctx context.Context, accountID string) (*models.HealthRecord, error)
	Put(ctx context.Context, rec *models.HealthRecord) error
	Update(ctx context.Context, accountID string, fn func(*models.HealthRecord) error) (*models.HealthRecord, error)
	AccountIDs(ctx context.Context) ([]string, error)
}

// SessionStore persists automation session checkpoints between acquisitions.
type SessionStore interface {
	SaveCheckpoint(ctx context.Context, cp *models.SessionCheckpoint) error
	LoadCheckpoint(ctx context.Context, accountID string) (*models.SessionCheckpoint, error)
}

// EscalationStore records accounts flagged for human review.
type EscalationStore interface {
	Push(ctx context.Context, esc *models.Escalation) error
	Recent(ctx context.Context, limit int) ([]models.Escalation, error)
}

// TaskStore manages the engagement task queue.
type TaskStore interface {
	InsertTask(ctx context.Context, task *models.EngagementTask) error
	GetTask(ctx context.Context, id string) (*models.EngagementTask, error)
	// PendingTasks returns up to limit pending tasks for the account,
	// most recently created first.
	PendingTasks(ctx context.Context, projectID, accountID string, limit int) ([]models.EngagementTask, error)
	ClaimTask(ctx context.Context, id string, now time.Time) error
	CompleteTask(ctx context.Context, id string, now time.Time) error
	// ReapStaleClaims returns claimed tasks whose claim predates cutoff to
	// the pending state, reporting how many were reclaimed.
	ReapStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
	// ExpireTasks transitions pending tasks created before cutoff to
	// expired, reporting how many were expired.
	ExpireTasks(ctx context.Context, cutoff time.Time) (int64, error)
}

// EngagementLogStore records action outcomes and the history inputs the
// scoring functions read. All appends are immutable.
type EngagementLogStore interface {
	AppendEngagement(ctx context.Context, entry *models.EngagementLogEntry) error
	// EngagementCounts returns success+failed counts per action type since
	// the given instant.
	EngagementCounts(ctx context.Context, accountID string, since time.Time) (map[models.ActionType]int, error)
	// ActionTimestamps returns the timestamps of recorded actions since the
	// given instant, ascending.
	ActionTimestamps(ctx context.Context, accountID string, since time.Time) ([]time.Time, error)

	AppendLoginAttempt(ctx context.Context, accountID string, status models.OutcomeStatus, at time.Time) error
	LoginOutcomes(ctx context.Context, accountID string, since time.Time) (success, total int, err error)

	AppendPostOutcome(ctx context.Context, accountID string, status models.OutcomeStatus, at time.Time) error
	PostOutcomes(ctx context.Context, accountID string, since time.Time) (success, total int, err error)

	AppendFreezeDetection(ctx context.Context, det *models.FreezeDetection) error
	FreezeDetections(ctx context.Context, accountID string, since time.Time) ([]models.FreezeDetection, error)
}

// ActivityStore is the combined SQL-backed surface: task queue plus history
// log. Both SQL backends implement it.
type ActivityStore interface {
	TaskStore
	EngagementLogStore
	Close() error
}

// DetectDSNType determines whether a DSN targets PostgreSQL or a SQLite
// file. PostgreSQL DSNs use postgres:// URLs or key=value connection
// strings; everything else is treated as a SQLite path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// NewActivityStore opens the SQL backend matching the DSN type.
func NewActivityStore(dsn string) (ActivityStore, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(dsn)
	}
	return NewSQLiteStore(dsn)
}
