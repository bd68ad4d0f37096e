package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/pkg/metrics"
	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/store"
)

// Pool defaults.
const (
	DefaultCapacity      = 3
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// PoolConfig tunes the session pool.
type PoolConfig struct {
	Capacity      int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Pool is the bounded session pool. At most one live session exists per
// account; at most Capacity sessions exist overall, with the least recently
// used evicted to make room. A caller owns a session exclusively between
// acquire and release; the pool itself only reclaims sessions that have
// gone idle past the timeout.
type Pool struct {
	engine      Engine
	checkpoints store.SessionStore
	log         store.EngagementLogStore
	cfg         PoolConfig
	now         func() time.Time

	// mu also covers engine launch and context creation: acquisition is the
	// one deliberately slow path in the core.
	mu       sync.Mutex
	sessions map[string]*Session
	engineUp bool

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPool creates a session pool. Zero config fields take the defaults.
func NewPool(engine Engine, checkpoints store.SessionStore, log store.EngagementLogStore, cfg PoolConfig) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Pool{
		engine:      engine,
		checkpoints: checkpoints,
		log:         log,
		cfg:         cfg,
		now:         time.Now,
		sessions:    make(map[string]*Session),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SetClock overrides the pool's clock. Tests only.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
}

// AcquireContext returns the live session for the account, creating one if
// needed. Creation loads the account's persisted login state when a prior
// checkpoint exists, evicting the least recently used session first when the
// pool is full. Creation failures are propagated; the pool does not retry.
func (p *Pool) AcquireContext(ctx context.Context, accountID string, proxy *ProxyConfig) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if sess, ok := p.sessions[accountID]; ok {
		sess.touch(now)
		metrics.SessionAcquisitionsTotal.WithLabelValues("hit").Inc()
		logrus.Debugf("reusing live session for account %s", accountID)
		return sess, nil
	}

	if len(p.sessions) >= p.cfg.Capacity {
		p.evictLRULocked(ctx)
	}

	if !p.engineUp {
		if err := p.engine.Launch(ctx); err != nil {
			return nil, fmt.Errorf("failed to launch automation engine: %w", err)
		}
		p.engineUp = true
		logrus.Info("automation engine launched")
	}

	var state []byte
	cp, err := p.checkpoints.LoadCheckpoint(ctx, accountID)
	if err == nil {
		state = cp.State
		logrus.Debugf("restoring session state for account %s (saved %v)", accountID, cp.SavedAt)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load session checkpoint: %w", err)
	}

	handle, err := p.engine.NewContext(ctx, accountID, proxy, state)
	if err != nil {
		if logErr := p.log.AppendLoginAttempt(ctx, accountID, models.OutcomeFailed, now); logErr != nil {
			logrus.Errorf("failed to record login failure for account %s: %v", accountID, logErr)
		}
		return nil, fmt.Errorf("failed to create session context: %w", err)
	}
	if err := p.log.AppendLoginAttempt(ctx, accountID, models.OutcomeSuccess, now); err != nil {
		logrus.Errorf("failed to record login success for account %s: %v", accountID, err)
	}

	sess := &Session{AccountID: accountID, Context: handle, CreatedAt: now, lastUsed: now}
	p.sessions[accountID] = sess
	metrics.SessionAcquisitionsTotal.WithLabelValues("miss").Inc()
	metrics.SessionPoolSize.Set(float64(len(p.sessions)))
	logrus.Infof("created session for account %s (pool %d/%d)", accountID, len(p.sessions), p.cfg.Capacity)
	return sess, nil
}

// evictLRULocked persists and closes the least recently used session to free
// a slot. Close errors are logged and swallowed: the slot must be freed
// regardless.
func (p *Pool) evictLRULocked(ctx context.Context) {
	var victim *Session
	for _, sess := range p.sessions {
		if victim == nil || sess.LastUsed().Before(victim.LastUsed()) {
			victim = sess
		}
	}
	if victim == nil {
		return
	}

	logrus.Infof("evicting LRU session for account %s (last used %v)", victim.AccountID, victim.LastUsed())
	p.closeLocked(ctx, victim, "lru")
	metrics.SessionAcquisitionsTotal.WithLabelValues("evicted").Inc()
}

// closeLocked checkpoints and closes a session and removes it from the pool.
// Persistence and close failures during reclamation are logged, not
// propagated.
func (p *Pool) closeLocked(ctx context.Context, sess *Session, cause string) {
	if state, err := sess.Context.ExportState(ctx); err != nil {
		logrus.Errorf("failed to export state for account %s: %v", sess.AccountID, err)
	} else if err := p.checkpoints.SaveCheckpoint(ctx, &models.SessionCheckpoint{AccountID: sess.AccountID, State: state}); err != nil {
		logrus.Errorf("failed to checkpoint session for account %s: %v", sess.AccountID, err)
	}
	if err := sess.Context.Close(ctx); err != nil {
		logrus.Errorf("failed to close session for account %s: %v", sess.AccountID, err)
	}
	delete(p.sessions, sess.AccountID)
	metrics.SessionEvictionsTotal.WithLabelValues(cause).Inc()
	metrics.SessionPoolSize.Set(float64(len(p.sessions)))
}

// ReleaseContext persists the session's state, closes it and frees its pool
// slot. Releasing an absent account is a no-op.
func (p *Pool) ReleaseContext(ctx context.Context, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[accountID]
	if !ok {
		return nil
	}

	state, err := sess.Context.ExportState(ctx)
	if err != nil {
		// Still close and free the slot, but let the caller know the
		// checkpoint was lost.
		p.closeOnlyLocked(ctx, sess, "release")
		return fmt.Errorf("failed to export session state: %w", err)
	}
	if err := p.checkpoints.SaveCheckpoint(ctx, &models.SessionCheckpoint{AccountID: accountID, State: state}); err != nil {
		p.closeOnlyLocked(ctx, sess, "release")
		return fmt.Errorf("failed to save session checkpoint: %w", err)
	}

	p.closeOnlyLocked(ctx, sess, "release")
	logrus.Debugf("released session for account %s", accountID)
	return nil
}

func (p *Pool) closeOnlyLocked(ctx context.Context, sess *Session, cause string) {
	if err := sess.Context.Close(ctx); err != nil {
		logrus.Errorf("failed to close session for account %s: %v", sess.AccountID, err)
	}
	delete(p.sessions, sess.AccountID)
	metrics.SessionEvictionsTotal.WithLabelValues(cause).Inc()
	metrics.SessionPoolSize.Set(float64(len(p.sessions)))
}

// SaveSession checkpoints a live session without closing it, so a crash
// before the explicit release does not lose login state.
func (p *Pool) SaveSession(ctx context.Context, accountID string) error {
	p.mu.Lock()
	sess, ok := p.sessions[accountID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live session for account %s", accountID)
	}

	state, err := sess.Context.ExportState(ctx)
	if err != nil {
		return fmt.Errorf("failed to export session state: %w", err)
	}
	if err := p.checkpoints.SaveCheckpoint(ctx, &models.SessionCheckpoint{AccountID: accountID, State: state}); err != nil {
		return fmt.Errorf("failed to save session checkpoint: %w", err)
	}
	return nil
}

// Size returns the number of live sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Start launches the idle reclamation sweep.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.SweepIdle(context.Background())
			case <-p.stopCh:
				return
			}
		}
	}()
	logrus.Infof("session pool sweep started (interval=%v idleTimeout=%v)", p.cfg.SweepInterval, p.cfg.IdleTimeout)
}

// SweepIdle reclaims sessions untouched past the idle timeout. If the sweep
// empties the pool, the shared engine process is torn down as well and will
// be relaunched lazily on the next acquisition. Sessions acquired after the
// sweep reads the clock are untouched.
func (p *Pool) SweepIdle(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	threshold := p.now().Add(-p.cfg.IdleTimeout)
	var idle []*Session
	for _, sess := range p.sessions {
		if sess.LastUsed().Before(threshold) {
			idle = append(idle, sess)
		}
	}
	for _, sess := range idle {
		logrus.Infof("reclaiming idle session for account %s (last used %v)", sess.AccountID, sess.LastUsed())
		p.closeLocked(ctx, sess, "idle")
	}

	if len(p.sessions) == 0 && p.engineUp && len(idle) > 0 {
		if err := p.engine.Shutdown(ctx); err != nil {
			logrus.Errorf("failed to shut down idle automation engine: %v", err)
		} else {
			p.engineUp = false
			logrus.Info("automation engine shut down after pool drained")
		}
	}
	return len(idle)
}

// Shutdown stops the sweep and releases every live session, persisting each
// before close. It respects ctx so a hung handle cannot block process
// termination indefinitely.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		select {
		case <-p.doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sess := range p.sessions {
		select {
		case <-ctx.Done():
			logrus.Warnf("session pool shutdown cut short: %v", ctx.Err())
			return ctx.Err()
		default:
		}
		p.closeLocked(ctx, sess, "shutdown")
	}

	if p.engineUp {
		if err := p.engine.Shutdown(ctx); err != nil {
			logrus.Errorf("failed to shut down automation engine: %v", err)
		}
		p.engineUp = false
	}
	logrus.Info("session pool shut down")
	return nil
}
