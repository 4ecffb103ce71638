package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"strata-core/domain"
)

func cacheFixture(t *testing.T) (*MemoryStore, *ProgressCache, *miniredis.Miniredis, string) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})

	store, _, _, _, spID := seedBranch(t)
	cache := NewProgressCache(store, client, time.Minute)
	return store, cache, m, spID
}

func TestProgressCacheReadThrough(t *testing.T) {
	store, cache, m, spID := cacheFixture(t)
	ctx := context.Background()

	task, err := store.CreateTask(spID, "a", 40, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.SetTaskStatus(task.ID, domain.StatusDone); err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, err := store.CreateTask(spID, "b", 60, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	pct, err := cache.SprintProgress(ctx, spID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if pct != 40 {
		t.Fatalf("expected 40, got %v", pct)
	}
	if !m.Exists(progressKey("sprint", spID)) {
		t.Fatalf("expected cache entry after read")
	}

	// A second read must come from the cache even if the underlying
	// state moved without invalidation.
	if _, err := store.SetTaskStatus(task.ID, domain.StatusTodo); err != nil {
		t.Fatalf("status: %v", err)
	}
	pct, err = cache.SprintProgress(ctx, spID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if pct != 40 {
		t.Fatalf("expected cached 40, got %v", pct)
	}
}

func TestProgressCacheInvalidate(t *testing.T) {
	store, cache, m, spID := cacheFixture(t)
	ctx := context.Background()

	task, err := store.CreateTask(spID, "a", 100, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pct, err := cache.SprintProgress(ctx, spID); err != nil || pct != 0 {
		t.Fatalf("expected 0, got %v (%v)", pct, err)
	}

	if _, err := store.SetTaskStatus(task.ID, domain.StatusDone); err != nil {
		t.Fatalf("status: %v", err)
	}
	cache.Invalidate(ctx, spID, "", "")
	if m.Exists(progressKey("sprint", spID)) {
		t.Fatalf("expected cache entry evicted")
	}

	pct, err := cache.SprintProgress(ctx, spID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if pct != 100 {
		t.Fatalf("expected recomputed 100, got %v", pct)
	}
}

func TestProgressCacheMilestoneAndProject(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, _, projID, msID, spID := seedBranch(t)
	cache := NewProgressCache(store, client, time.Minute)
	ctx := context.Background()

	task, err := store.CreateTask(spID, "a", 100, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.SetTaskStatus(task.ID, domain.StatusDone); err != nil {
		t.Fatalf("status: %v", err)
	}

	if pct, err := cache.MilestoneProgress(ctx, msID); err != nil || pct != 100 {
		t.Fatalf("milestone: expected 100, got %v (%v)", pct, err)
	}
	if pct, err := cache.ProjectProgress(ctx, projID); err != nil || pct != 100 {
		t.Fatalf("project: expected 100, got %v (%v)", pct, err)
	}
}

func TestProgressCacheWithoutRedis(t *testing.T) {
	store, _, _, _, spID := seedBranch(t)
	cache := NewProgressCache(store, nil, time.Minute)
	ctx := context.Background()

	task, err := store.CreateTask(spID, "a", 100, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.SetTaskStatus(task.ID, domain.StatusDone); err != nil {
		t.Fatalf("status: %v", err)
	}
	// Every read recomputes when caching is disabled.
	if pct, err := cache.SprintProgress(ctx, spID); err != nil || pct != 100 {
		t.Fatalf("expected 100, got %v (%v)", pct, err)
	}
	if _, err := store.SetTaskStatus(task.ID, domain.StatusTodo); err != nil {
		t.Fatalf("status: %v", err)
	}
	if pct, err := cache.SprintProgress(ctx, spID); err != nil || pct != 0 {
		t.Fatalf("expected fresh 0, got %v (%v)", pct, err)
	}
}
