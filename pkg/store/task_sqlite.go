package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/pkg/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the SQLite-backed activity store (task queue + history
// log). Suitable for single-node deployments; PostgresStore is the
// multi-node equivalent.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates, if necessary) the SQLite database at
// the DSN path and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run sqlite migrations: %w", err)
	}

	logrus.Infof("sqlite activity store opened at %s", dsn)
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertTask persists a new engagement task in the pending state.
func (s *SQLiteStore) InsertTask(ctx context.Context, task *models.EngagementTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.State == "" {
		task.State = models.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement_tasks
			(id, project_id, account_id, task_type, target_user, target_post, comment_text, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectID, task.AccountID, string(task.TaskType),
		task.TargetUser, task.TargetPost, task.CommentText, string(task.State), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

func scanTask(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.EngagementTask, error) {
	var task models.EngagementTask
	var taskType, state string
	var lastExecuted, claimed sql.NullTime
	err := scanner.Scan(&task.ID, &task.ProjectID, &task.AccountID, &taskType,
		&task.TargetUser, &task.TargetPost, &task.CommentText, &state,
		&lastExecuted, &claimed, &task.CreatedAt)
	if err != nil {
		return nil, err
	}
	task.TaskType = models.ActionType(taskType)
	task.State = models.TaskState(state)
	if lastExecuted.Valid {
		task.LastExecutedAt = lastExecuted.Time
	}
	if claimed.Valid {
		task.ClaimedAt = claimed.Time
	}
	return &task, nil
}

const taskColumns = `id, project_id, account_id, task_type, target_user, target_post, comment_text, state, last_executed_at, claimed_at, created_at`

// GetTask retrieves a single task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.EngagementTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM engagement_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// PendingTasks returns up to limit pending tasks for the account, most
// recently created first.
func (s *SQLiteStore) PendingTasks(ctx context.Context, projectID, accountID string, limit int) ([]models.EngagementTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM engagement_tasks
		WHERE project_id = ? AND account_id = ? AND state = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		projectID, accountID, string(models.TaskPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.EngagementTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

// ClaimTask transitions a pending task to claimed. Returns ErrNotFound when
// the task does not exist or is no longer pending.
func (s *SQLiteStore) ClaimTask(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement_tasks SET state = ?, claimed_at = ?
		WHERE id = ? AND state = ?`,
		string(models.TaskClaimed), now, id, string(models.TaskPending))
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask transitions a pending or claimed task to completed and stamps
// lastExecutedAt. Tasks are single-shot; repeat engagement with the same
// target requires a fresh task.
func (s *SQLiteStore) CompleteTask(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement_tasks SET state = ?, last_executed_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		string(models.TaskCompleted), now, id, string(models.TaskPending), string(models.TaskClaimed))
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReapStaleClaims returns claimed tasks whose claim predates cutoff to
// pending so a crashed executor does not strand them.
func (s *SQLiteStore) ReapStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement_tasks SET state = ?, claimed_at = NULL
		WHERE state = ? AND claimed_at < ?`,
		string(models.TaskPending), string(models.TaskClaimed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logrus.Warnf("reaped %d stale task claims older than %v", n, cutoff)
	}
	return n, nil
}

// ExpireTasks transitions pending tasks created before cutoff to expired.
func (s *SQLiteStore) ExpireTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement_tasks SET state = ?
		WHERE state = ? AND created_at < ?`,
		string(models.TaskExpired), string(models.TaskPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logrus.Infof("expired %d pending tasks older than %v", n, cutoff)
	}
	return n, nil
}

// AppendEngagement records one attempted action outcome.
func (s *SQLiteStore) AppendEngagement(ctx context.Context, entry *models.EngagementLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement_log (account_id, action_type, status, target_user, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.AccountID, string(entry.ActionType), string(entry.Status), entry.TargetUser, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append engagement log entry: %w", err)
	}
	return nil
}

// EngagementCounts returns success+failed counts per action type since the
// given instant.
func (s *SQLiteStore) EngagementCounts(ctx context.Context, accountID string, since time.Time) (map[models.ActionType]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_type, COUNT(*) FROM engagement_log
		WHERE account_id = ? AND created_at >= ?
		GROUP BY action_type`,
		accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query engagement counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ActionType]int)
	for rows.Next() {
		var actionType string
		var count int
		if err := rows.Scan(&actionType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan engagement count row: %w", err)
		}
		counts[models.ActionType(actionType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate engagement count rows: %w", err)
	}
	return counts, nil
}

// ActionTimestamps returns action timestamps since the given instant,
// ascending.
func (s *SQLiteStore) ActionTimestamps(ctx context.Context, accountID string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at FROM engagement_log
		WHERE account_id = ? AND created_at >= ?
		ORDER BY created_at ASC`,
		accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query action timestamps: %w", err)
	}
	defer rows.Close()

	var timestamps []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp row: %w", err)
		}
		timestamps = append(timestamps, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timestamp rows: %w", err)
	}
	return timestamps, nil
}

// AppendLoginAttempt records one session/login attempt outcome.
func (s *SQLiteStore) AppendLoginAttempt(ctx context.Context, accountID string, status models.OutcomeStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_attempts (account_id, status, created_at) VALUES (?, ?, ?)`,
		accountID, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to append login attempt: %w", err)
	}
	return nil
}

// LoginOutcomes returns success and total login attempt counts since the
// given instant.
func (s *SQLiteStore) LoginOutcomes(ctx context.Context, accountID string, since time.Time) (int, int, error) {
	return s.outcomes(ctx, "login_attempts", accountID, since)
}

// AppendPostOutcome records one publish attempt outcome.
func (s *SQLiteStore) AppendPostOutcome(ctx context.Context, accountID string, status models.OutcomeStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_outcomes (account_id, status, created_at) VALUES (?, ?, ?)`,
		accountID, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to append post outcome: %w", err)
	}
	return nil
}

// PostOutcomes returns success and total publish attempt counts since the
// given instant.
func (s *SQLiteStore) PostOutcomes(ctx context.Context, accountID string, since time.Time) (int, int, error) {
	return s.outcomes(ctx, "post_outcomes", accountID, since)
}

func (s *SQLiteStore) outcomes(ctx context.Context, table, accountID string, since time.Time) (int, int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0), COUNT(*)
		FROM `+table+` WHERE account_id = ? AND created_at >= ?`,
		accountID, since)
	var success, total int
	if err := row.Scan(&success, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return success, total, nil
}

// AppendFreezeDetection records one suspected-freeze observation.
func (s *SQLiteStore) AppendFreezeDetection(ctx context.Context, det *models.FreezeDetection) error {
	if det.DetectedAt.IsZero() {
		det.DetectedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO freeze_detections (account_id, confidence, detected_at) VALUES (?, ?, ?)`,
		det.AccountID, det.Confidence, det.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to append freeze detection: %w", err)
	}
	return nil
}

// FreezeDetections returns freeze detections since the given instant.
func (s *SQLiteStore) FreezeDetections(ctx context.Context, accountID string, since time.Time) ([]models.FreezeDetection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, confidence, detected_at FROM freeze_detections
		WHERE account_id = ? AND detected_at >= ?
		ORDER BY detected_at ASC`,
		accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query freeze detections: %w", err)
	}
	defer rows.Close()

	var detections []models.FreezeDetection
	for rows.Next() {
		var det models.FreezeDetection
		if err := rows.Scan(&det.AccountID, &det.Confidence, &det.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan freeze detection row: %w", err)
		}
		detections = append(detections, det)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate freeze detection rows: %w", err)
	}
	return detections, nil
}
