package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/quietwave/autoguard/pkg/models"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisHealthStoreRoundTrip(t *testing.T) {
	s := NewRedisHealthStore(newTestRedis(t))
	ctx := context.Background()

	rec := &models.HealthRecord{
		AccountID:       "acct-1",
		HealthScore:     87.5,
		Phase:           models.PhaseGrowing,
		MaxDailyPosts:   3,
		MaxDailyActions: 30,
		CounterDay:      "2026-03-14",
		CreatedAt:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.HealthScore != 87.5 || got.Phase != models.PhaseGrowing || got.CounterDay != "2026-03-14" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped on Put")
	}
}

func TestRedisHealthStoreGetMissing(t *testing.T) {
	s := NewRedisHealthStore(newTestRedis(t))

	_, err := s.Get(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, expected ErrNotFound", err)
	}
}

func TestRedisHealthStoreUpdate(t *testing.T) {
	s := NewRedisHealthStore(newTestRedis(t))
	ctx := context.Background()

	if err := s.Put(ctx, &models.HealthRecord{AccountID: "acct-1", ActionsToday: 1}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	updated, err := s.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
		rec.ActionsToday++
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.ActionsToday != 2 {
		t.Errorf("updated counter = %d, expected 2", updated.ActionsToday)
	}

	got, _ := s.Get(ctx, "acct-1")
	if got.ActionsToday != 2 {
		t.Errorf("persisted counter = %d, expected 2", got.ActionsToday)
	}
}

func TestRedisHealthStoreUpdateAborts(t *testing.T) {
	s := NewRedisHealthStore(newTestRedis(t))
	ctx := context.Background()

	if err := s.Put(ctx, &models.HealthRecord{AccountID: "acct-1", ActionsToday: 1}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	boom := errors.New("boom")
	_, err := s.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
		rec.ActionsToday = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, expected the callback error", err)
	}

	got, _ := s.Get(ctx, "acct-1")
	if got.ActionsToday != 1 {
		t.Errorf("counter = %d after aborted update, expected unchanged 1", got.ActionsToday)
	}
}

func TestRedisHealthStoreUpdateMissing(t *testing.T) {
	s := NewRedisHealthStore(newTestRedis(t))

	_, err := s.Update(context.Background(), "nobody", func(rec *models.HealthRecord) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, expected ErrNotFound", err)
	}
}

func TestRedisHealthStoreConcurrentUpdates(t *testing.T) {
	s := NewRedisHealthStore(newTestRedis(t))
	ctx := context.Background()

	if err := s.Put(ctx, &models.HealthRecord{AccountID: "acct-1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "acct-1", func(rec *models.HealthRecord) error {
				rec.ActionsToday++
				return nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "acct-1")
	if got.ActionsToday != n {
		t.Errorf("counter = %d after %d concurrent updates, increments were lost", got.ActionsToday, n)
	}
}

func TestRedisHealthStoreAccountIDs(t *testing.T) {
	s := NewRedisHealthStore(newTestRedis(t))
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := s.Put(ctx, &models.HealthRecord{AccountID: id}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// Re-putting does not duplicate the index.
	if err := s.Put(ctx, &models.HealthRecord{AccountID: "a2"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ids, err := s.AccountIDs(ctx)
	if err != nil {
		t.Fatalf("AccountIDs failed: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("got %d account ids, expected 3: %v", len(ids), ids)
	}
}

func TestRedisSessionStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisSessionStore(client)
	ctx := context.Background()

	if _, err := s.LoadCheckpoint(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, expected ErrNotFound before save", err)
	}

	cp := &models.SessionCheckpoint{AccountID: "a1", State: []byte(`{"cookies":[]}`)}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	got, err := s.LoadCheckpoint(ctx, "a1")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if string(got.State) != `{"cookies":[]}` {
		t.Errorf("state = %q, mismatch", got.State)
	}
	if got.SavedAt.IsZero() {
		t.Error("expected SavedAt to be stamped")
	}

	// Checkpoints age out after the TTL.
	mr.FastForward(SessionCheckpointTTL + time.Hour)
	if _, err := s.LoadCheckpoint(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, expected the checkpoint to expire", err)
	}
}

func TestRedisEscalationStore(t *testing.T) {
	s := NewRedisEscalationStore(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		esc := &models.Escalation{
			ID:        fmt.Sprintf("esc-%d", i),
			AccountID: "a1",
			Score:     float64(10 + i),
			Reason:    "score below critical threshold",
			CreatedAt: time.Now(),
		}
		if err := s.Push(ctx, esc); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d escalations, expected 2", len(recent))
	}
	// Newest first.
	if recent[0].ID != "esc-2" || recent[1].ID != "esc-1" {
		t.Errorf("order = %s, %s; expected newest first", recent[0].ID, recent[1].ID)
	}
}
