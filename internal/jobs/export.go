package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"upschedule/internal/ics"
	"upschedule/internal/model"
	"upschedule/internal/synth"
)

// ErrNotCompleted is returned when a job's result is requested before the
// job completed successfully.
var ErrNotCompleted = errors.New("job has no result")

// completed loads a job and checks it carries a result.
func (m *Manager) completed(ctx context.Context, id string) (*model.Job, error) {
	job, err := m.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotCompleted, job.ID, job.Status)
	}
	return job, nil
}

// Result returns a completed job's events and the semester they were
// filtered against.
func (m *Manager) Result(ctx context.Context, id string) ([]model.AbstractEvent, *model.SemesterWindow, error) {
	job, err := m.completed(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return job.Result, job.Semester, nil
}

// ICS renders a completed job's events as an iCalendar document. bounds,
// when non-nil, replaces the job's semester as the recurrence window.
func (m *Manager) ICS(ctx context.Context, id string, bounds *model.SemesterWindow) (string, error) {
	job, err := m.completed(ctx, id)
	if err != nil {
		return "", err
	}
	if bounds == nil {
		bounds = job.Semester
	}
	return ics.Generate(job.Result, bounds, m.now())
}

// Occurrences lists the concrete class meetings of a completed job between
// from and to. A zero from starts at the job's semester (or now when it has
// none); a zero to covers one week.
func (m *Manager) Occurrences(ctx context.Context, id string, from, to time.Time) (ics.ExpandResult, error) {
	job, err := m.completed(ctx, id)
	if err != nil {
		return ics.ExpandResult{}, err
	}
	slots, err := synth.Plan(job.Result, job.Semester, m.loc)
	if err != nil {
		return ics.ExpandResult{}, err
	}

	if from.IsZero() {
		from = m.now().In(m.loc)
		if job.Semester != nil && !job.Semester.Start.IsZero() {
			s := job.Semester.Start
			from = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, m.loc)
		}
	}
	if to.IsZero() {
		to = from.AddDate(0, 0, 7)
	}
	return ics.ExpandOccurrences(slots, ics.ExpandConfig{
		DisplayLocation: m.loc,
		RangeStart:      from,
		RangeEnd:        to,
	})
}
