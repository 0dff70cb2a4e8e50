package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upschedule/internal/model"
	"upschedule/internal/parser"
	"upschedule/internal/quota"
	"upschedule/internal/retention"
	"upschedule/internal/semester"
	"upschedule/internal/storage"
	"upschedule/internal/store"
)

var (
	now = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	s1  = &model.SemesterWindow{
		Name:  "S1",
		Start: time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC),
	}
	s2 = &model.SemesterWindow{
		Name:  "S2",
		Start: time.Date(2025, 7, 21, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 10, 31, 0, 0, 0, 0, time.UTC),
	}
	lecturePDF = []byte("%PDF-1.4\n1 0 obj << /Title (Lectures 2025) >> endobj\n")
)

func lectureEvent(id, sem string) model.AbstractEvent {
	return model.AbstractEvent{
		ID: id, Module: "COS 132", Activity: "L1", Group: "G01",
		Day: "Monday", StartTime: "08:30", EndTime: "09:20",
		Venue: "IT 4-1", IsRecurring: true, Semester: sem,
	}
}

type deleteFailingStore struct {
	*storage.MemoryStore
}

func (deleteFailingStore) Delete(context.Context, string) error {
	return errors.New("bucket unavailable")
}

type recordingPublisher struct {
	mu    sync.Mutex
	tasks []Task
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

type fixture struct {
	mgr    *Manager
	jobs   *store.MemoryJobs
	blobs  *storage.MemoryStore
	quotas *store.MemoryQuotas
	ids    int
}

func newFixture(t *testing.T, p parser.Parser, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		jobs:   store.NewMemoryJobs(),
		blobs:  storage.NewMemoryStore(),
		quotas: store.NewMemoryQuotas(model.DefaultQuotaBytes),
	}
	opts := Options{
		Jobs:      f.jobs,
		Blobs:     f.blobs,
		Parser:    p,
		Ledger:    quota.NewLedger(f.quotas),
		Semesters: semester.Config{First: s1, Second: s2},
		Location:  time.UTC,
		Now:       func() time.Time { return now },
		NewID: func() string {
			f.ids++
			return fmt.Sprintf("job-%d", f.ids)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.mgr = NewManager(opts)
	return f
}

func returning(events ...model.AbstractEvent) parser.Parser {
	return parser.Func(func(context.Context, []byte, model.PdfType) ([]model.AbstractEvent, error) {
		return events, nil
	})
}

func TestProcessUploadCompletes(t *testing.T) {
	var gotType model.PdfType
	p := parser.Func(func(_ context.Context, data []byte, pt model.PdfType) ([]model.AbstractEvent, error) {
		gotType = pt
		return []model.AbstractEvent{lectureEvent("a", "S1"), lectureEvent("b", "S2"), lectureEvent("c", "Y")}, nil
	})
	f := newFixture(t, p, nil)
	ctx := context.Background()

	job, err := f.mgr.ProcessUpload(ctx, Upload{Data: lecturePDF, Filename: "timetable.pdf", OwnerID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, model.PdfLecture, gotType)
	assert.Equal(t, model.JobCompleted, job.Status)
	require.Len(t, job.Result, 2)
	assert.Equal(t, "a", job.Result[0].ID)
	assert.Equal(t, "c", job.Result[1].ID)
	require.NotNil(t, job.Semester)
	assert.Equal(t, "S1", job.Semester.Name)
	assert.Nil(t, job.ErrorMessage)
	require.NotNil(t, job.ExpiresAt)
	assert.True(t, job.ExpiresAt.Equal(now.Add(24*time.Hour)))
	assert.Equal(t, "uploads/job-1.pdf", job.SourceKey)

	stored, err := f.mgr.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.Status)

	assert.Zero(t, f.blobs.Len())
	q, _ := f.quotas.FindOwner(ctx, "u1")
	assert.Equal(t, int64(len(lecturePDF)), q.UsedBytes)
}

func TestProcessUploadKeepsParserErrorVerbatim(t *testing.T) {
	p := parser.Func(func(context.Context, []byte, model.PdfType) ([]model.AbstractEvent, error) {
		return nil, errors.New("no timetable grid found on page 2")
	})
	f := newFixture(t, p, nil)

	job, err := f.mgr.ProcessUpload(context.Background(), Upload{Data: lecturePDF, OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "no timetable grid found on page 2", *job.ErrorMessage)
	assert.Nil(t, job.Result)
	assert.NotNil(t, job.CompletedAt)
	assert.NotNil(t, job.ExpiresAt)
	assert.Zero(t, f.blobs.Len())
}

func TestProcessUploadParserTimeout(t *testing.T) {
	p := parser.Func(func(ctx context.Context, _ []byte, _ model.PdfType) ([]model.AbstractEvent, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, p, func(o *Options) { o.ParseTimeout = 20 * time.Millisecond })

	job, err := f.mgr.ProcessUpload(context.Background(), Upload{Data: lecturePDF})
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.True(t, strings.HasPrefix(*job.ErrorMessage, "parser timed out after 20ms"), *job.ErrorMessage)
	assert.Zero(t, f.blobs.Len())
}

func TestProcessUploadSwallowsCleanupFailure(t *testing.T) {
	f := newFixture(t, returning(lectureEvent("a", "S1")), func(o *Options) {
		o.Blobs = deleteFailingStore{MemoryStore: storage.NewMemoryStore()}
	})

	job, err := f.mgr.ProcessUpload(context.Background(), Upload{Data: lecturePDF})
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
}

func TestProcessUploadQuotaRejectionCreatesNoJob(t *testing.T) {
	f := newFixture(t, returning(), nil)
	f.quotas.SetQuota("u1", int64(len(lecturePDF))-1)

	job, err := f.mgr.ProcessUpload(context.Background(), Upload{Data: lecturePDF, OwnerID: "u1"})
	assert.Nil(t, job)
	var ex *quota.ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, int64(len(lecturePDF)), ex.FileSize)
	assert.Equal(t, int64(1), ex.WouldExceedBy)

	assert.Zero(t, f.ids)
	assert.Zero(t, f.blobs.Len())
	q, _ := f.quotas.FindOwner(context.Background(), "u1")
	assert.Zero(t, q.UsedBytes)
}

func TestProcessUploadAnonymousBypassesQuota(t *testing.T) {
	f := newFixture(t, returning(lectureEvent("a", "S1")), func(o *Options) {
		o.Ledger = quota.NewLedger(store.NewMemoryQuotas(1))
	})

	job, err := f.mgr.ProcessUpload(context.Background(), Upload{Data: lecturePDF})
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Nil(t, job.OwnerID)
}

func TestProcessUploadValidation(t *testing.T) {
	f := newFixture(t, returning(), nil)
	ctx := context.Background()

	cases := []struct {
		name string
		up   Upload
		code string
	}{
		{"empty", Upload{}, CodeEmptyFile},
		{"not a pdf", Upload{Data: []byte("PK\x03\x04 zip")}, CodeInvalidFileType},
		{"unknown layout", Upload{Data: []byte("%PDF-1.7 plain")}, CodeInvalidPdfContent},
		{"too large", Upload{Data: append([]byte("%PDF"), make([]byte, defaultMaxUpload)...)}, CodeFileTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.mgr.ProcessUpload(ctx, tc.up)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.code, verr.Code)
		})
	}
	assert.Zero(t, f.ids)
}

func TestDetectPdfType(t *testing.T) {
	kind, ok := DetectPdfType([]byte("%PDF Semester Tests Lectures"))
	assert.True(t, ok)
	assert.Equal(t, model.PdfTest, kind)

	kind, ok = DetectPdfType([]byte("%PDF Exams 2025"))
	assert.True(t, ok)
	assert.Equal(t, model.PdfExam, kind)

	_, ok = DetectPdfType([]byte("%PDF nothing"))
	assert.False(t, ok)
}

func TestExplicitTypeWins(t *testing.T) {
	var gotType model.PdfType
	p := parser.Func(func(_ context.Context, _ []byte, pt model.PdfType) ([]model.AbstractEvent, error) {
		gotType = pt
		return nil, nil
	})
	f := newFixture(t, p, nil)

	job, err := f.mgr.ProcessUpload(context.Background(), Upload{Data: lecturePDF, PdfType: model.PdfExam})
	require.NoError(t, err)
	assert.Equal(t, model.PdfExam, gotType)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.NotNil(t, job.Result)
	assert.Empty(t, job.Result)
}

func TestProcessUploadSemesterFallback(t *testing.T) {
	// now falls in S1 but the timetable only has S2 classes.
	f := newFixture(t, returning(lectureEvent("a", "S2"), lectureEvent("b", "S2")), nil)

	job, err := f.mgr.ProcessUpload(context.Background(), Upload{Data: lecturePDF})
	require.NoError(t, err)
	assert.Len(t, job.Result, 2)
	require.NotNil(t, job.Semester)
	assert.Equal(t, "S2", job.Semester.Name)
	assert.True(t, job.Semester.Start.Equal(s2.Start))
}

func TestProcessUploadUnnamedOverrideSkipsFiltering(t *testing.T) {
	f := newFixture(t, returning(lectureEvent("a", "S1"), lectureEvent("b", "S2")), nil)
	bounds := &model.SemesterWindow{Start: s2.Start, End: s2.End}

	job, err := f.mgr.ProcessUpload(context.Background(), Upload{Data: lecturePDF, Semester: bounds})
	require.NoError(t, err)
	assert.Len(t, job.Result, 2)
	assert.Equal(t, bounds, job.Semester)
}

func TestEnqueueAndProcessTask(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, returning(lectureEvent("a", "S1")), func(o *Options) { o.Publisher = pub })
	ctx := context.Background()
	require.True(t, f.mgr.Async())

	job, err := f.mgr.Submit(ctx, Upload{Data: lecturePDF, OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, 1, f.blobs.Len())
	require.Len(t, pub.tasks, 1)
	assert.Equal(t, Task{JobID: job.ID, SourceKey: job.SourceKey, PdfType: model.PdfLecture}, pub.tasks[0])

	require.NoError(t, f.mgr.ProcessTask(ctx, pub.tasks[0]))
	done, err := f.mgr.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Len(t, done.Result, 1)
	assert.Zero(t, f.blobs.Len())

	// Redelivery is a no-op.
	require.NoError(t, f.mgr.ProcessTask(ctx, pub.tasks[0]))
	// So is a task for a job that no longer exists.
	require.NoError(t, f.mgr.ProcessTask(ctx, Task{JobID: "gone"}))
}

func TestProcessTaskMissingBlobFails(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, returning(), func(o *Options) { o.Publisher = pub })
	ctx := context.Background()

	job, err := f.mgr.Enqueue(ctx, Upload{Data: lecturePDF})
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, job.SourceKey))

	require.NoError(t, f.mgr.ProcessTask(ctx, pub.tasks[0]))
	done, _ := f.mgr.GetByID(ctx, job.ID)
	assert.Equal(t, model.JobFailed, done.Status)
	assert.Contains(t, *done.ErrorMessage, storage.ErrNotFound.Error())
}

type flakyJobs struct {
	*store.MemoryJobs
	failures int
}

func (f *flakyJobs) FindByID(ctx context.Context, id string) (*model.Job, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("db: connection reset")
	}
	return f.MemoryJobs.FindByID(ctx, id)
}

func TestProcessTaskErrorLeavesJobForSweep(t *testing.T) {
	pub := &recordingPublisher{}
	var repo *flakyJobs
	f := newFixture(t, returning(lectureEvent("a", "S1")), func(o *Options) {
		o.Publisher = pub
		repo = &flakyJobs{MemoryJobs: o.Jobs.(*store.MemoryJobs)}
		o.Jobs = repo
	})
	ctx := context.Background()

	job, err := f.mgr.Enqueue(ctx, Upload{Data: lecturePDF, OwnerID: "u1"})
	require.NoError(t, err)
	repo.failures = 1

	require.EqualError(t, f.mgr.ProcessTask(ctx, pub.tasks[0]), "db: connection reset")
	stuck, err := f.jobs.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, stuck.Status)

	ledger := quota.NewLedger(f.quotas)
	sweeper := retention.NewSweeper(f.jobs, f.blobs, ledger, retention.Options{})
	res := sweeper.Sweep(ctx, now.AddDate(1, 0, 0))
	assert.Equal(t, retention.SweepResult{Failed: 1}, res)

	failed, err := f.jobs.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, failed.Status)
	require.NotNil(t, failed.ExpiresAt)
	assert.Zero(t, f.blobs.Len())
	q, err := f.quotas.FindOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, q.UsedBytes)

	// A late redelivery leaves the failed job alone.
	require.NoError(t, f.mgr.ProcessTask(ctx, pub.tasks[0]))
	again, _ := f.jobs.FindByID(ctx, job.ID)
	assert.Equal(t, model.JobFailed, again.Status)
}

func TestEnqueuePublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	f := newFixture(t, returning(), func(o *Options) { o.Publisher = pub })

	job, err := f.mgr.Enqueue(context.Background(), Upload{Data: lecturePDF})
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, "enqueue: broker down", *job.ErrorMessage)
	assert.Zero(t, f.blobs.Len())
}

func TestEnqueueWithoutPublisher(t *testing.T) {
	f := newFixture(t, returning(), nil)
	assert.False(t, f.mgr.Async())
	_, err := f.mgr.Enqueue(context.Background(), Upload{Data: lecturePDF})
	assert.Error(t, err)
}

func TestICSAndOccurrences(t *testing.T) {
	f := newFixture(t, returning(lectureEvent("a", "S1")), nil)
	ctx := context.Background()

	job, err := f.mgr.ProcessUpload(ctx, Upload{Data: lecturePDF})
	require.NoError(t, err)

	doc, err := f.mgr.ICS(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Contains(t, doc, "UID:a@upschedulegen\r\n")
	assert.Contains(t, doc, "RRULE:FREQ=WEEKLY;BYDAY=MO;UNTIL=20250606\r\n")

	doc, err = f.mgr.ICS(ctx, job.ID, &model.SemesterWindow{Start: s1.Start, End: time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Contains(t, doc, "UNTIL=20250331\r\n")

	res, err := f.mgr.Occurrences(ctx, job.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 1)
	assert.Equal(t, time.Date(2025, 2, 10, 8, 30, 0, 0, time.UTC), res.Occurrences[0].Start)
}

func TestICSRequiresCompletedJob(t *testing.T) {
	p := parser.Func(func(context.Context, []byte, model.PdfType) ([]model.AbstractEvent, error) {
		return nil, errors.New("boom")
	})
	f := newFixture(t, p, nil)
	ctx := context.Background()

	job, err := f.mgr.ProcessUpload(ctx, Upload{Data: lecturePDF})
	require.NoError(t, err)

	_, err = f.mgr.ICS(ctx, job.ID, nil)
	assert.ErrorIs(t, err, ErrNotCompleted)
	_, err = f.mgr.ICS(ctx, "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
