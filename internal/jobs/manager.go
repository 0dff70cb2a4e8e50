// Package jobs owns upload jobs from intake to their terminal state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appLog "upschedule/internal/log"
	"upschedule/internal/metrics"
	"upschedule/internal/model"
	"upschedule/internal/parser"
	"upschedule/internal/quota"
	"upschedule/internal/semester"
	"upschedule/internal/storage"
	"upschedule/internal/store"
)

const (
	defaultRetention    = 24 * time.Hour
	defaultParseTimeout = 60 * time.Second
	defaultMaxUpload    = 10 * 1024 * 1024
	cleanupTimeout      = 15 * time.Second
)

// Upload is one file handed to the manager.
type Upload struct {
	Data     []byte
	Filename string
	// OwnerID is empty for anonymous uploads, which skip quota accounting.
	OwnerID string
	// PdfType overrides content detection when set.
	PdfType model.PdfType
	// Semester, when set, replaces the resolved semester for this upload.
	// A window without a name only supplies bounds and disables filtering.
	Semester *model.SemesterWindow
}

// Task is the queue message for a job whose file is already stored.
type Task struct {
	JobID     string                `json:"jobId"`
	SourceKey string                `json:"sourceKey"`
	PdfType   model.PdfType         `json:"pdfType"`
	Semester  *model.SemesterWindow `json:"semester,omitempty"`
}

// Publisher hands tasks to the asynchronous workers.
type Publisher interface {
	Publish(ctx context.Context, task Task) error
}

// Options wires a Manager. Jobs, Blobs, Parser and Ledger are required.
type Options struct {
	Jobs      store.JobRepository
	Blobs     storage.BlobStore
	Parser    parser.Parser
	Ledger    *quota.Ledger
	Semesters semester.Config

	// Location is the timetable's zone, used to decide which calendar day
	// "now" is when resolving the semester.
	Location       *time.Location
	Retention      time.Duration
	ParseTimeout   time.Duration
	MaxUploadBytes int64

	// Publisher switches Submit to the queued mode.
	Publisher Publisher

	Now   func() time.Time
	NewID func() string
}

// Manager runs the job state machine.
type Manager struct {
	jobs      store.JobRepository
	blobs     storage.BlobStore
	parser    parser.Parser
	ledger    *quota.Ledger
	semesters semester.Config
	publisher Publisher

	loc          *time.Location
	retention    time.Duration
	parseTimeout time.Duration
	maxUpload    int64

	now   func() time.Time
	newID func() string
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		jobs:         opts.Jobs,
		blobs:        opts.Blobs,
		parser:       opts.Parser,
		ledger:       opts.Ledger,
		semesters:    opts.Semesters,
		publisher:    opts.Publisher,
		loc:          opts.Location,
		retention:    opts.Retention,
		parseTimeout: opts.ParseTimeout,
		maxUpload:    opts.MaxUploadBytes,
		now:          opts.Now,
		newID:        opts.NewID,
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.retention <= 0 {
		m.retention = defaultRetention
	}
	if m.parseTimeout <= 0 {
		m.parseTimeout = defaultParseTimeout
	}
	if m.maxUpload <= 0 {
		m.maxUpload = defaultMaxUpload
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

// Async reports whether Submit queues work instead of running it inline.
func (m *Manager) Async() bool {
	return m.publisher != nil
}

// GetByID returns the job or store.ErrNotFound.
func (m *Manager) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return m.jobs.FindByID(ctx, id)
}

// Submit processes up inline, or queues it when a Publisher is configured.
func (m *Manager) Submit(ctx context.Context, up Upload) (*model.Job, error) {
	if m.Async() {
		return m.Enqueue(ctx, up)
	}
	return m.ProcessUpload(ctx, up)
}

// ProcessUpload validates and admits the upload, then drives the job to a
// terminal state before returning it.
//
// Validation and quota errors are returned without creating a job.
// Storage and parser failures end in a failed job, not an error; an error
// alongside a job means the terminal state could not be recorded.
func (m *Manager) ProcessUpload(ctx context.Context, up Upload) (*model.Job, error) {
	job, err := m.intake(ctx, up)
	if err != nil {
		return nil, err
	}
	if err := job.Start(m.now()); err != nil {
		return nil, err
	}
	if err := m.jobs.Save(ctx, job); err != nil {
		m.release(ctx, job)
		return nil, fmt.Errorf("start job %s: %w", job.ID, err)
	}

	return m.run(ctx, job, up.Semester, func(ctx context.Context) ([]byte, error) {
		if err := m.blobs.Put(ctx, job.SourceKey, up.Data, "application/pdf"); err != nil {
			return nil, err
		}
		return up.Data, nil
	})
}

// Enqueue validates, admits and stores the upload, then publishes a Task.
// The returned job is still pending.
func (m *Manager) Enqueue(ctx context.Context, up Upload) (*model.Job, error) {
	if m.publisher == nil {
		return nil, errors.New("no queue configured")
	}
	job, err := m.intake(ctx, up)
	if err != nil {
		return nil, err
	}

	task := Task{JobID: job.ID, SourceKey: job.SourceKey, PdfType: job.PdfType, Semester: up.Semester}
	if err := m.blobs.Put(ctx, job.SourceKey, up.Data, "application/pdf"); err != nil {
		return m.failIntake(ctx, job, fmt.Errorf("store upload: %w", err))
	}
	if err := m.publisher.Publish(ctx, task); err != nil {
		return m.failIntake(ctx, job, fmt.Errorf("enqueue: %w", err))
	}
	appLog.Info("job queued", "job_id", job.ID, "pdf_type", job.PdfType, "bytes", job.FileSizeBytes)
	return job, nil
}

// ProcessTask runs a queued job. Tasks for jobs that are missing or already
// past pending are acknowledged without doing anything.
func (m *Manager) ProcessTask(ctx context.Context, task Task) error {
	job, err := m.jobs.FindByID(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		appLog.Warn("task for unknown job dropped", "job_id", task.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != model.JobPending {
		appLog.Info("task for started job skipped", "job_id", job.ID, "status", job.Status)
		return nil
	}
	if err := job.Start(m.now()); err != nil {
		return err
	}
	if err := m.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("start job %s: %w", job.ID, err)
	}

	_, err = m.run(ctx, job, task.Semester, func(ctx context.Context) ([]byte, error) {
		return m.blobs.Get(ctx, job.SourceKey)
	})
	return err
}

func (m *Manager) intake(ctx context.Context, up Upload) (*model.Job, error) {
	pdfType, err := validateUpload(up, m.maxUpload)
	if err != nil {
		return nil, err
	}

	size := int64(len(up.Data))
	if err := m.ledger.Reserve(ctx, up.OwnerID, size); err != nil {
		var ex *quota.ExceededError
		if errors.As(err, &ex) {
			metrics.QuotaRejectionsTotal.Inc()
			appLog.Info("upload rejected by quota", "owner", up.OwnerID, "used", ex.CurrentUsage, "quota", ex.Quota, "size", ex.FileSize)
		}
		return nil, err
	}

	now := m.now()
	id := m.newID()
	job := &model.Job{
		ID:            id,
		Status:        model.JobPending,
		PdfType:       pdfType,
		SourceKey:     "uploads/" + id + ".pdf",
		FileSizeBytes: size,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if up.OwnerID != "" {
		owner := up.OwnerID
		job.OwnerID = &owner
	}
	if err := m.jobs.Save(ctx, job); err != nil {
		m.release(ctx, job)
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// failIntake moves a queued job that never reached the queue to failed.
func (m *Manager) failIntake(ctx context.Context, job *model.Job, cause error) (*model.Job, error) {
	now := m.now()
	_ = job.Start(now)
	if err := job.Fail(cause.Error(), now, m.retention); err != nil {
		return nil, err
	}
	err := m.jobs.Save(context.WithoutCancel(ctx), job)
	m.cleanup(ctx, job)
	m.observe(job)
	if err != nil {
		return job, fmt.Errorf("record job %s: %w", job.ID, err)
	}
	return job, nil
}

type loader func(ctx context.Context) ([]byte, error)

// run takes a processing job to completed or failed and always removes the
// raw file afterwards.
func (m *Manager) run(ctx context.Context, job *model.Job, override *model.SemesterWindow, load loader) (*model.Job, error) {
	started := m.now()

	var events []model.AbstractEvent
	var sem *model.SemesterWindow
	data, err := load(ctx)
	if err == nil {
		events, sem, err = m.parse(ctx, data, job.PdfType, override)
	}

	// The terminal write must land even if the caller has gone away.
	finishCtx := context.WithoutCancel(ctx)
	now := m.now()
	if err != nil {
		_ = job.Fail(err.Error(), now, m.retention)
		appLog.Error("job failed", err, "job_id", job.ID, "pdf_type", job.PdfType)
	} else {
		_ = job.Complete(events, sem, now, m.retention)
		appLog.Info("job completed", "job_id", job.ID, "events", len(events), "semester", semesterName(sem))
	}
	saveErr := m.jobs.Save(finishCtx, job)

	m.cleanup(finishCtx, job)
	m.observe(job)
	metrics.JobDurationSeconds.WithLabelValues(string(job.PdfType)).Observe(now.Sub(started).Seconds())

	if saveErr != nil {
		return job, fmt.Errorf("record job %s: %w", job.ID, saveErr)
	}
	return job, nil
}

func (m *Manager) parse(ctx context.Context, data []byte, pdfType model.PdfType, override *model.SemesterWindow) ([]model.AbstractEvent, *model.SemesterWindow, error) {
	pctx, cancel := context.WithTimeout(ctx, m.parseTimeout)
	defer cancel()

	events, err := m.parser.Parse(pctx, data, pdfType)
	if err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, fmt.Errorf("parser timed out after %s: %w", m.parseTimeout, err)
		}
		return nil, nil, err
	}

	if override != nil && override.Name == "" {
		return events, override, nil
	}
	resolved := override
	if resolved == nil {
		if w, ok := semester.Resolve(m.now().In(m.loc), m.semesters); ok {
			resolved = &w
		}
	}
	res := semester.Filter(events, resolved, m.semesters)
	return res.Events, res.Semester, nil
}

// cleanup deletes the raw upload. Failures are logged only.
func (m *Manager) cleanup(ctx context.Context, job *model.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := m.blobs.Delete(ctx, job.SourceKey); err != nil {
		metrics.CleanupFailuresTotal.Inc()
		appLog.Error("upload cleanup failed", err, "job_id", job.ID, "key", job.SourceKey)
	}
}

func (m *Manager) release(ctx context.Context, job *model.Job) {
	if err := m.ledger.Release(context.WithoutCancel(ctx), job.Owner(), job.FileSizeBytes); err != nil {
		appLog.Error("quota release failed", err, "job_id", job.ID, "owner", job.Owner())
	}
}

func (m *Manager) observe(job *model.Job) {
	metrics.JobsTotal.WithLabelValues(string(job.Status), string(job.PdfType)).Inc()
}

func semesterName(w *model.SemesterWindow) string {
	if w == nil {
		return ""
	}
	return w.Name
}
