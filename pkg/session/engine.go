// Package session manages a bounded pool of expensive automation sessions,
// one per account, with persisted login state, LRU eviction and idle
// reclamation.
package session

import (
	"context"
	"sync"
	"time"
)

// ProxyConfig is the optional proxy a session's context is created with.
type ProxyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Engine abstracts the shared automation engine process (the browser-side
// surface is out of scope here; deployments inject their own
// implementation). Launch and NewContext are the only operations expected to
// take non-trivial wall-clock time.
type Engine interface {
	// Launch starts the shared engine process. Idempotent launch semantics
	// are the pool's job; Launch is only called when the pool believes the
	// engine is down.
	Launch(ctx context.Context) error
	// Shutdown tears the engine process down.
	Shutdown(ctx context.Context) error
	// NewContext creates an automation context for one account, restoring
	// the given persisted login state when non-nil.
	NewContext(ctx context.Context, accountID string, proxy *ProxyConfig, state []byte) (Context, error)
}

// Context is one live automation context.
type Context interface {
	// ExportState serializes the context's login state for checkpointing.
	ExportState(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Session is a pool entry: a live context plus its bookkeeping.
type Session struct {
	AccountID string
	Context   Context
	CreatedAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
}

// LastUsed returns when the session was last acquired or touched.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

// MockEngine is an in-memory Engine for tests and for running the
// standalone binary without a real automation surface, in which case the
// pool still exercises its full lifecycle against it.
type MockEngine struct {
	mu        sync.Mutex
	launched  bool
	Launches  int
	Shutdowns int
	Contexts  int
	// FailNextContext makes the next NewContext call fail.
	FailNextContext bool
}

// NewMockEngine creates a MockEngine.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (e *MockEngine) Launch(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launched = true
	e.Launches++
	return nil
}

func (e *MockEngine) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launched = false
	e.Shutdowns++
	return nil
}

// Running reports whether the mock engine is launched.
func (e *MockEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launched
}

func (e *MockEngine) NewContext(_ context.Context, accountID string, _ *ProxyConfig, state []byte) (Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailNextContext {
		e.FailNextContext = false
		return nil, errContextFailed
	}
	e.Contexts++
	cp := make([]byte, len(state))
	copy(cp, state)
	return &mockContext{accountID: accountID, state: cp}, nil
}

var errContextFailed = contextError("mock context creation failed")

type contextError string

func (e contextError) Error() string { return string(e) }

type mockContext struct {
	mu        sync.Mutex
	accountID string
	state     []byte
	closed    bool
}

func (c *mockContext) ExportState(_ context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.state) == 0 {
		return []byte("state:" + c.accountID), nil
	}
	out := make([]byte, len(c.state))
	copy(out, c.state)
	return out, nil
}

func (c *mockContext) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
