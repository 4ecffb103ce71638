package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"strata-core/domain"
	"strata-core/progress"
)

// ProgressReader supplies the snapshots the cache computes
// percentages from.
type ProgressReader interface {
	SprintSnapshot(sprintID string) (domain.SprintSnapshot, error)
	MilestoneSnapshot(milestoneID string) (domain.MilestoneSnapshot, error)
	ProjectSnapshot(projectID string) (domain.ProjectSnapshot, error)
}

// ProgressCache is a redis read-through cache for dashboard progress
// reads. The snapshot remains the source of truth: cached values are
// invalidated on every contributing mutation, and any redis failure
// falls back to a fresh computation. A nil redis client disables
// caching entirely.
type ProgressCache struct {
	base  ProgressReader
	redis *redis.Client
	ttl   time.Duration
}

// NewProgressCache creates a caching wrapper around base.
func NewProgressCache(base ProgressReader, client *redis.Client, ttl time.Duration) *ProgressCache {
	if base == nil {
		panic("storage.NewProgressCache: base reader is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &ProgressCache{base: base, redis: client, ttl: ttl}
}

// SprintProgress returns the sprint's completion percentage.
func (c *ProgressCache) SprintProgress(ctx context.Context, sprintID string) (float64, error) {
	key := progressKey("sprint", sprintID)
	if pct, ok := c.load(ctx, key); ok {
		return pct, nil
	}
	snap, err := c.base.SprintSnapshot(sprintID)
	if err != nil {
		return 0, err
	}
	pct := progress.Sprint(snap.Tasks)
	c.store(ctx, key, pct)
	return pct, nil
}

// MilestoneProgress returns the milestone's completion percentage.
func (c *ProgressCache) MilestoneProgress(ctx context.Context, milestoneID string) (float64, error) {
	key := progressKey("milestone", milestoneID)
	if pct, ok := c.load(ctx, key); ok {
		return pct, nil
	}
	snap, err := c.base.MilestoneSnapshot(milestoneID)
	if err != nil {
		return 0, err
	}
	pct := progress.Milestone(snap.Sprints)
	c.store(ctx, key, pct)
	return pct, nil
}

// ProjectProgress returns the project's completion percentage.
func (c *ProgressCache) ProjectProgress(ctx context.Context, projectID string) (float64, error) {
	key := progressKey("project", projectID)
	if pct, ok := c.load(ctx, key); ok {
		return pct, nil
	}
	snap, err := c.base.ProjectSnapshot(projectID)
	if err != nil {
		return 0, err
	}
	pct := progress.Project(snap.Milestones)
	c.store(ctx, key, pct)
	return pct, nil
}

// Invalidate drops the cached percentages of one ancestor chain.
// Called after every mutation that contributes to those values.
func (c *ProgressCache) Invalidate(ctx context.Context, sprintID, milestoneID, projectID string) {
	if c.redis == nil {
		return
	}
	keys := make([]string, 0, 3)
	if sprintID != "" {
		keys = append(keys, progressKey("sprint", sprintID))
	}
	if milestoneID != "" {
		keys = append(keys, progressKey("milestone", milestoneID))
	}
	if projectID != "" {
		keys = append(keys, progressKey("project", projectID))
	}
	if len(keys) == 0 {
		return
	}
	// Best effort: a failed eviction only means one stale TTL window.
	c.redis.Del(ctx, keys...)
}

func (c *ProgressCache) load(ctx context.Context, key string) (float64, bool) {
	if c.redis == nil {
		return 0, false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

func (c *ProgressCache) store(ctx context.Context, key string, pct float64) {
	if c.redis == nil {
		return
	}
	c.redis.Set(ctx, key, strconv.FormatFloat(pct, 'g', -1, 64), c.ttl)
}

func progressKey(rank, id string) string {
	return "progress:" + rank + ":" + id
}
