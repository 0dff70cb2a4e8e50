package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"upschedule/internal/model"
	"upschedule/internal/quota"
)

// MemoryJobs is an in-process JobRepository.
type MemoryJobs struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: make(map[string]*model.Job)}
}

func (m *MemoryJobs) Save(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	m.jobs[job.ID] = cloneJob(job)
	m.mu.Unlock()
	return nil
}

func (m *MemoryJobs) FindByID(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryJobs) FindExpired(_ context.Context, now time.Time) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Job, 0)
	for _, j := range m.jobs {
		if j.Expired(now) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ExpiresAt.Before(*out[b].ExpiresAt) })
	return out, nil
}

func (m *MemoryJobs) FindStale(_ context.Context, cutoff time.Time) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Job, 0)
	for _, j := range m.jobs {
		if !j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	return out, nil
}

func (m *MemoryJobs) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

// MemoryQuotas is an in-process quota.Repository.
type MemoryQuotas struct {
	mu           sync.Mutex
	rows         map[string]*model.UserQuota
	defaultQuota int64
}

func NewMemoryQuotas(defaultQuota int64) *MemoryQuotas {
	if defaultQuota <= 0 {
		defaultQuota = model.DefaultQuotaBytes
	}
	return &MemoryQuotas{rows: make(map[string]*model.UserQuota), defaultQuota: defaultQuota}
}

func (m *MemoryQuotas) row(id string) *model.UserQuota {
	r, ok := m.rows[id]
	if !ok {
		r = &model.UserQuota{OwnerID: id, QuotaBytes: m.defaultQuota}
		m.rows[id] = r
	}
	return r
}

func (m *MemoryQuotas) FindOwner(_ context.Context, id string) (model.UserQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.row(id), nil
}

func (m *MemoryQuotas) IncrementUsage(_ context.Context, id string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(id)
	if r.UsedBytes+delta > r.QuotaBytes {
		return quota.ErrWouldExceed
	}
	r.UsedBytes += delta
	return nil
}

func (m *MemoryQuotas) DecrementUsage(_ context.Context, id string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(id)
	r.UsedBytes -= delta
	if r.UsedBytes < 0 {
		r.UsedBytes = 0
	}
	return nil
}

// SetQuota overrides one owner's ceiling.
func (m *MemoryQuotas) SetQuota(id string, quotaBytes int64) {
	m.mu.Lock()
	m.row(id).QuotaBytes = quotaBytes
	m.mu.Unlock()
}
