package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/pkg/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the PostgreSQL-backed activity store, for deployments
// where multiple worker nodes share one task queue.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and applies migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run postgres migrations: %w", err)
	}

	logrus.Info("postgres activity store connected")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InsertTask persists a new engagement task in the pending state.
func (s *PostgresStore) InsertTask(ctx context.Context, task *models.EngagementTask) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.ProjectID, task.AccountID, string(task.TaskType),
		task.TargetUser, task.TargetPost, task.CommentText, string(task.State), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask retrieves a single task by id.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.EngagementTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM engagement_tasks WHERE id = $1`, id)
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
func (s *PostgresStore) PendingTasks(ctx context.Context, projectID, accountID string, limit int) ([]models.EngagementTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM engagement_tasks
		WHERE project_id = $1 AND account_id = $2 AND state = $3
		ORDER BY created_at DESC
		LIMIT $4`,
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

// ClaimTask transitions a pending task to claimed.
func (s *PostgresStore) ClaimTask(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement_tasks SET state = $1, claimed_at = $2
		WHERE id = $3 AND state = $4`,
		string(models.TaskClaimed), now, id, string(models.TaskPending))
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask transitions a pending or claimed task to completed.
func (s *PostgresStore) CompleteTask(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement_tasks SET state = $1, last_executed_at = $2
		WHERE id = $3 AND state IN ($4, $5)`,
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
// pending.
func (s *PostgresStore) ReapStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement_tasks SET state = $1, claimed_at = NULL
		WHERE state = $2 AND claimed_at < $3`,
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
func (s *PostgresStore) ExpireTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement_tasks SET state = $1
		WHERE state = $2 AND created_at < $3`,
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
func (s *PostgresStore) AppendEngagement(ctx context.Context, entry *models.EngagementLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement_log (account_id, action_type, status, target_user, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.AccountID, string(entry.ActionType), string(entry.Status), entry.TargetUser, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append engagement log entry: %w", err)
	}
	return nil
}

// EngagementCounts returns success+failed counts per action type since the
// given instant.
func (s *PostgresStore) EngagementCounts(ctx context.Context, accountID string, since time.Time) (map[models.ActionType]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_type, COUNT(*) FROM engagement_log
		WHERE account_id = $1 AND created_at >= $2
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
func (s *PostgresStore) ActionTimestamps(ctx context.Context, accountID string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at FROM engagement_log
		WHERE account_id = $1 AND created_at >= $2
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
func (s *PostgresStore) AppendLoginAttempt(ctx context.Context, accountID string, status models.OutcomeStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_attempts (account_id, status, created_at) VALUES ($1, $2, $3)`,
		accountID, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to append login attempt: %w", err)
	}
	return nil
}

// LoginOutcomes returns success and total login attempt counts since the
// given instant.
func (s *PostgresStore) LoginOutcomes(ctx context.Context, accountID string, since time.Time) (int, int, error) {
	return s.outcomes(ctx, "login_attempts", accountID, since)
}

// AppendPostOutcome records one publish attempt outcome.
func (s *PostgresStore) AppendPostOutcome(ctx context.Context, accountID string, status models.OutcomeStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_outcomes (account_id, status, created_at) VALUES ($1, $2, $3)`,
		accountID, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to append post outcome: %w", err)
	}
	return nil
}

// PostOutcomes returns success and total publish attempt counts since the
// given instant.
func (s *PostgresStore) PostOutcomes(ctx context.Context, accountID string, since time.Time) (int, int, error) {
	return s.outcomes(ctx, "post_outcomes", accountID, since)
}

func (s *PostgresStore) outcomes(ctx context.Context, table, accountID string, since time.Time) (int, int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0), COUNT(*)
		FROM `+table+` WHERE account_id = $1 AND created_at >= $2`,
		accountID, since)
	var success, total int
	if err := row.Scan(&success, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return success, total, nil
}

// AppendFreezeDetection records one suspected-freeze observation.
func (s *PostgresStore) AppendFreezeDetection(ctx context.Context, det *models.FreezeDetection) error {
	if det.DetectedAt.IsZero() {
		det.DetectedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO freeze_detections (account_id, confidence, detected_at) VALUES ($1, $2, $3)`,
		det.AccountID, det.Confidence, det.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to append freeze detection: %w", err)
	}
	return nil
}

// FreezeDetections returns freeze detections since the given instant.
func (s *PostgresStore) FreezeDetections(ctx context.Context, accountID string, since time.Time) ([]models.FreezeDetection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, confidence, detected_at FROM freeze_detections
		WHERE account_id = $1 AND detected_at >= $2
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
