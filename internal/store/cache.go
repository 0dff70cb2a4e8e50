package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	appLog "upschedule/internal/log"
	"upschedule/internal/model"
)

// CachedJobs is a read-through redis cache in front of a JobRepository.
// Only terminal jobs are cached, and only until they expire, so a cached
// entry can never be stale.
type CachedJobs struct {
	next   JobRepository
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewCachedJobs(next JobRepository, rdb redis.UniversalClient) *CachedJobs {
	return &CachedJobs{next: next, rdb: rdb, prefix: "upschedule:job:", now: time.Now}
}

func (c *CachedJobs) key(id string) string {
	return c.prefix + id
}

func (c *CachedJobs) Save(ctx context.Context, job *model.Job) error {
	if err := c.next.Save(ctx, job); err != nil {
		return err
	}
	c.evict(ctx, job.ID)
	return nil
}

func (c *CachedJobs) FindByID(ctx context.Context, id string) (*model.Job, error) {
	b, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var j model.Job
		if uerr := json.Unmarshal(b, &j); uerr == nil {
			return &j, nil
		}
		c.evict(ctx, id)
	case !errors.Is(err, redis.Nil):
		appLog.Warn("job cache read failed", "job_id", id, "reason", err.Error())
	}

	job, err := c.next.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, job)
	return job, nil
}

func (c *CachedJobs) FindExpired(ctx context.Context, now time.Time) ([]*model.Job, error) {
	return c.next.FindExpired(ctx, now)
}

func (c *CachedJobs) FindStale(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	return c.next.FindStale(ctx, cutoff)
}

func (c *CachedJobs) Remove(ctx context.Context, id string) error {
	if err := c.next.Remove(ctx, id); err != nil {
		return err
	}
	c.evict(ctx, id)
	return nil
}

func (c *CachedJobs) fill(ctx context.Context, job *model.Job) {
	if !job.Status.Terminal() || job.ExpiresAt == nil {
		return
	}
	ttl := job.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(job.ID), b, ttl).Err(); err != nil {
		appLog.Warn("job cache write failed", "job_id", job.ID, "reason", err.Error())
	}
}

func (c *CachedJobs) evict(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, c.key(id)).Err(); err != nil {
		appLog.Warn("job cache evict failed", "job_id", id, "reason", err.Error())
	}
}
