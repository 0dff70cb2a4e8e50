// Package store persists jobs and per-owner quota rows.
package store

import (
	"context"
	"errors"
	"time"

	"upschedule/internal/model"
)

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("job not found")

// JobRepository persists Job records. Remove of a missing id succeeds.
type JobRepository interface {
	Save(ctx context.Context, job *model.Job) error
	FindByID(ctx context.Context, id string) (*model.Job, error)
	// FindExpired returns jobs whose expiresAt is strictly before now.
	FindExpired(ctx context.Context, now time.Time) ([]*model.Job, error)
	// FindStale returns pending or processing jobs last updated strictly
	// before cutoff.
	FindStale(ctx context.Context, cutoff time.Time) ([]*model.Job, error)
	Remove(ctx context.Context, id string) error
}

func cloneJob(j *model.Job) *model.Job {
	cp := *j
	if j.Result != nil {
		cp.Result = append([]model.AbstractEvent(nil), j.Result...)
	}
	if j.Semester != nil {
		s := *j.Semester
		cp.Semester = &s
	}
	return &cp
}
