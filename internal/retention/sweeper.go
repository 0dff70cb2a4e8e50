// Package retention deletes jobs once their retention window has passed.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "upschedule/internal/log"
	"upschedule/internal/metrics"
	"upschedule/internal/model"
	"upschedule/internal/quota"
	"upschedule/internal/storage"
	"upschedule/internal/store"
)

const (
	DefaultStaleAfter = 15 * time.Minute
	DefaultRetention  = 24 * time.Hour
)

// SweepResult counts what one pass did.
type SweepResult struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
}

// Options tunes a Sweeper. Zero values take the defaults.
type Options struct {
	// StaleAfter is how long a pending or processing job may sit without an
	// update before it is failed.
	StaleAfter time.Duration
	// Retention is applied to jobs failed for being stale.
	Retention time.Duration
}

// Sweeper removes expired jobs, their leftover uploads and their quota
// charge. It also fails jobs that stopped making progress, so they expire
// like any other failed job.
type Sweeper struct {
	jobs   store.JobRepository
	blobs  storage.BlobStore
	ledger *quota.Ledger
	opts   Options
}

func NewSweeper(jobs store.JobRepository, blobs storage.BlobStore, ledger *quota.Ledger, opts Options) *Sweeper {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Sweeper{jobs: jobs, blobs: blobs, ledger: ledger, opts: opts}
}

// Sweep fails stale jobs, then deletes every job whose expiry is before now.
// A failure on one job is counted and logged; the rest are still processed.
// Running it twice is harmless.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) SweepResult {
	var res SweepResult
	s.failStale(ctx, now, &res)

	expired, err := s.jobs.FindExpired(ctx, now)
	if err != nil {
		appLog.Error("sweep: list expired jobs", err)
		res.Errors++
		metrics.SweepErrorsTotal.Inc()
		return res
	}

	for _, job := range expired {
		if ctx.Err() != nil {
			break
		}
		if err := s.remove(ctx, job); err != nil {
			res.Errors++
			metrics.SweepErrorsTotal.Inc()
			appLog.Error("sweep: job not removed", err, "job_id", job.ID)
			continue
		}
		res.Deleted++
		metrics.SweepDeletedTotal.Inc()
	}

	if res.Deleted > 0 || res.Failed > 0 || res.Errors > 0 {
		appLog.Info("sweep finished", "expired", len(expired), "deleted", res.Deleted, "failed", res.Failed, "errors", res.Errors)
	} else {
		appLog.Debug("sweep finished, nothing expired")
	}
	return res
}

func (s *Sweeper) remove(ctx context.Context, job *model.Job) error {
	if job.SourceKey != "" {
		if err := s.blobs.Delete(ctx, job.SourceKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete upload %s: %w", job.SourceKey, err)
		}
	}
	if err := s.jobs.Remove(ctx, job.ID); err != nil {
		return fmt.Errorf("remove record: %w", err)
	}
	// The record is gone, so a failed release cannot be retried; log it.
	if err := s.ledger.Release(ctx, job.Owner(), job.FileSizeBytes); err != nil {
		appLog.Error("sweep: quota release failed", err, "job_id", job.ID, "owner", job.Owner(), "bytes", job.FileSizeBytes)
	}
	return nil
}

// failStale marks jobs with no update for StaleAfter as failed, drops their
// upload and releases their quota charge.
func (s *Sweeper) failStale(ctx context.Context, now time.Time, res *SweepResult) {
	cutoff := now.Add(-s.opts.StaleAfter)
	stale, err := s.jobs.FindStale(ctx, cutoff)
	if err != nil {
		appLog.Error("sweep: list stale jobs", err)
		res.Errors++
		metrics.SweepErrorsTotal.Inc()
		return
	}
	for _, job := range stale {
		if ctx.Err() != nil {
			return
		}
		last := job.UpdatedAt
		if err := s.fail(ctx, job, now); err != nil {
			res.Errors++
			metrics.SweepErrorsTotal.Inc()
			appLog.Error("sweep: stale job not failed", err, "job_id", job.ID, "status", string(job.Status))
			continue
		}
		res.Failed++
		metrics.JobsTotal.WithLabelValues(string(model.JobFailed), string(job.PdfType)).Inc()
		appLog.Warn("stale job failed", "job_id", job.ID, "last_update", last.Format(time.RFC3339))
	}
}

// fail saves the job with a zero size, so removing it later releases
// nothing twice.
func (s *Sweeper) fail(ctx context.Context, job *model.Job, now time.Time) error {
	if job.SourceKey != "" {
		if err := s.blobs.Delete(ctx, job.SourceKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete upload %s: %w", job.SourceKey, err)
		}
	}
	msg := "Processing did not finish: no progress since " + job.UpdatedAt.UTC().Format(time.RFC3339)
	if job.Status == model.JobPending {
		if err := job.Start(now); err != nil {
			return err
		}
	}
	if err := job.Fail(msg, now, s.opts.Retention); err != nil {
		return err
	}
	size := job.FileSizeBytes
	job.FileSizeBytes = 0
	if err := s.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("save failed job: %w", err)
	}
	if err := s.ledger.Release(ctx, job.Owner(), size); err != nil {
		appLog.Error("sweep: quota release failed", err, "job_id", job.ID, "owner", job.Owner(), "bytes", size)
	}
	return nil
}
