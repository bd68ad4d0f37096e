package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/pkg/models"
)

const (
	// healthKeyPrefix is the prefix for per-account health record keys.
	healthKeyPrefix = "autoguard:health:"
	// accountSetKey indexes every account with a health record.
	accountSetKey = "autoguard:accounts"
	// sessionKeyPrefix is the prefix for session checkpoint keys.
	sessionKeyPrefix = "autoguard:session:"
	// escalationListKey holds escalations pending human review, newest first.
	escalationListKey = "autoguard:escalations"

	// SessionCheckpointTTL bounds how long a persisted login state is kept.
	SessionCheckpointTTL = 30 * 24 * time.Hour
)

// RedisHealthStore persists health records as JSON blobs in Redis. Update
// serializes read-modify-write cycles per account with an in-process keyed
// mutex, closing the gate-check/increment race.
type RedisHealthStore struct {
	client redis.UniversalClient

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisHealthStore creates a health store backed by the given client.
func NewRedisHealthStore(client redis.UniversalClient) *RedisHealthStore {
	return &RedisHealthStore{
		client: client,
		locks:  make(map[string]*sync.Mutex),
	}
}

func healthKey(accountID string) string {
	return healthKeyPrefix + accountID
}

// accountLock returns the mutex guarding one account's record.
func (s *RedisHealthStore) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// Get retrieves the health record for an account. Returns ErrNotFound when
// the account has never been initialized.
func (s *RedisHealthStore) Get(ctx context.Context, accountID string) (*models.HealthRecord, error) {
	data, err := s.client.Get(ctx, healthKey(accountID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		logrus.Errorf("failed to get health record for account %s: %v", accountID, err)
		return nil, fmt.Errorf("failed to get health record: %w", err)
	}

	var rec models.HealthRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		logrus.Errorf("failed to unmarshal health record for account %s: %v", accountID, err)
		return nil, fmt.Errorf("failed to unmarshal health record: %w", err)
	}
	return &rec, nil
}

// Put stores the health record and indexes the account.
func (s *RedisHealthStore) Put(ctx context.Context, rec *models.HealthRecord) error {
	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal health record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, healthKey(rec.AccountID), data, 0)
	pipe.SAdd(ctx, accountSetKey, rec.AccountID)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.Errorf("failed to set health record for account %s: %v", rec.AccountID, err)
		return fmt.Errorf("failed to set health record: %w", err)
	}

	logrus.Debugf("stored health record for account %s (score=%.1f phase=%s)",
		rec.AccountID, rec.HealthScore, rec.Phase)
	return nil
}

// Update loads the record, applies fn under the account's lock and writes
// the result back. fn returning an error aborts with no mutation.
func (s *RedisHealthStore) Update(ctx context.Context, accountID string, fn func(*models.HealthRecord) error) (*models.HealthRecord, error) {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := s.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AccountIDs lists every account with a health record.
func (s *RedisHealthStore) AccountIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, accountSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return ids, nil
}

// Ping verifies Redis connectivity with a short timeout.
func (s *RedisHealthStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := s.client.Ping(ctx).Result(); err != nil {
		logrus.Errorf("redis health check failed: %v", err)
		return err
	}
	return nil
}

// RedisSessionStore persists session checkpoints with a bounded TTL so
// abandoned login state eventually ages out.
type RedisSessionStore struct {
	client redis.UniversalClient
}

// NewRedisSessionStore creates a session checkpoint store.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(accountID string) string {
	return sessionKeyPrefix + accountID
}

// SaveCheckpoint stores the checkpoint, refreshing its TTL.
func (s *RedisSessionStore) SaveCheckpoint(ctx context.Context, cp *models.SessionCheckpoint) error {
	cp.SavedAt = time.Now()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal session checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(cp.AccountID), data, SessionCheckpointTTL).Err(); err != nil {
		logrus.Errorf("failed to save session checkpoint for account %s: %v", cp.AccountID, err)
		return fmt.Errorf("failed to save session checkpoint: %w", err)
	}
	logrus.Debugf("saved session checkpoint for account %s (%d bytes)", cp.AccountID, len(cp.State))
	return nil
}

// LoadCheckpoint retrieves a checkpoint. Returns ErrNotFound when no prior
// checkpoint exists for the account.
func (s *RedisSessionStore) LoadCheckpoint(ctx context.Context, accountID string) (*models.SessionCheckpoint, error) {
	data, err := s.client.Get(ctx, sessionKey(accountID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session checkpoint: %w", err)
	}

	var cp models.SessionCheckpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session checkpoint: %w", err)
	}
	return &cp, nil
}

// RedisEscalationStore keeps escalations in a Redis list, newest first.
type RedisEscalationStore struct {
	client redis.UniversalClient
}

// NewRedisEscalationStore creates an escalation store.
func NewRedisEscalationStore(client redis.UniversalClient) *RedisEscalationStore {
	return &RedisEscalationStore{client: client}
}

// Push records an escalation for human review.
func (s *RedisEscalationStore) Push(ctx context.Context, esc *models.Escalation) error {
	data, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}
	if err := s.client.LPush(ctx, escalationListKey, data).Err(); err != nil {
		logrus.Errorf("failed to push escalation for account %s: %v", esc.AccountID, err)
		return fmt.Errorf("failed to push escalation: %w", err)
	}
	logrus.Warnf("escalation recorded for account %s (score=%.1f): %s", esc.AccountID, esc.Score, esc.Reason)
	return nil
}

// Recent returns up to limit escalations, newest first.
func (s *RedisEscalationStore) Recent(ctx context.Context, limit int) ([]models.Escalation, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := s.client.LRange(ctx, escalationListKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read escalations: %w", err)
	}

	escalations := make([]models.Escalation, 0, len(raw))
	for _, item := range raw {
		var esc models.Escalation
		if err := json.Unmarshal([]byte(item), &esc); err != nil {
			logrus.Warnf("skipping malformed escalation entry: %v", err)
			continue
		}
		escalations = append(escalations, esc)
	}
	return escalations, nil
}
