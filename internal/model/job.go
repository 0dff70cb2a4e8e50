package model

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the processing record of one upload.
type Job struct {
	ID            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	PdfType       PdfType         `json:"pdfType"`
	SourceKey     string          `json:"sourceKey"`
	Result        []AbstractEvent `json:"result"`
	ErrorMessage  *string         `json:"error"`
	FileSizeBytes int64           `json:"fileSizeBytes"`
	OwnerID       *string         `json:"ownerId"`

	// Semester is the effective window chosen while filtering the result.
	Semester *SemesterWindow `json:"semester,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

// Owner returns the owner id or "" for anonymous uploads.
func (j *Job) Owner() string {
	if j.OwnerID == nil {
		return ""
	}
	return *j.OwnerID
}

// Start moves a pending job to processing.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobProcessing)
	}
	j.Status = JobProcessing
	j.UpdatedAt = now
	return nil
}

// Complete stores the result and stamps completion and expiry.
func (j *Job) Complete(events []AbstractEvent, sem *SemesterWindow, now time.Time, retention time.Duration) error {
	if j.Status != JobProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobCompleted)
	}
	if events == nil {
		events = []AbstractEvent{}
	}
	j.Status = JobCompleted
	j.Result = events
	j.Semester = sem
	j.ErrorMessage = nil
	j.finish(now, retention)
	return nil
}

// Fail records msg verbatim and stamps completion and expiry. An empty
// message is replaced so a failed job always explains itself.
func (j *Job) Fail(msg string, now time.Time, retention time.Duration) error {
	if j.Status != JobProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobFailed)
	}
	if msg == "" {
		msg = "unknown processing error"
	}
	j.Status = JobFailed
	j.Result = nil
	j.ErrorMessage = &msg
	j.finish(now, retention)
	return nil
}

func (j *Job) finish(now time.Time, retention time.Duration) {
	completed := now
	expires := now.Add(retention)
	j.CompletedAt = &completed
	j.ExpiresAt = &expires
	j.UpdatedAt = now
}

// Expired reports whether the job is past its expiry at now.
func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && j.ExpiresAt.Before(now)
}

// UserQuota is the per-owner storage accounting row.
type UserQuota struct {
	OwnerID    string `json:"ownerId"`
	UsedBytes  int64  `json:"usedBytes"`
	QuotaBytes int64  `json:"quotaBytes"`
}

// DefaultQuotaBytes is 50 MiB.
const DefaultQuotaBytes int64 = 50 * 1024 * 1024
