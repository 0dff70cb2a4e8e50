// Package quota implements per-owner storage admission control.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"upschedule/internal/model"
)

// ExceededError rejects an upload that would push an owner past its quota.
type ExceededError struct {
	CurrentUsage  int64 `json:"currentUsage"`
	Quota         int64 `json:"quota"`
	FileSize      int64 `json:"fileSize"`
	WouldExceedBy int64 `json:"wouldExceedBy"`
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: used %d + file %d > quota %d", e.CurrentUsage, e.FileSize, e.Quota)
}

// Admit decides whether size more bytes fit. It never mutates anything; the
// caller commits the increment.
func Admit(used, quota, size int64) error {
	if used+size <= quota {
		return nil
	}
	return &ExceededError{
		CurrentUsage:  used,
		Quota:         quota,
		FileSize:      size,
		WouldExceedBy: used + size - quota,
	}
}

// ErrWouldExceed is returned by a Repository whose conditional increment
// found the row no longer has room.
var ErrWouldExceed = errors.New("usage increment would exceed quota")

const reserveAttempts = 2

// Repository persists UserQuota rows.
type Repository interface {
	// FindOwner returns the owner's row, creating it with the default quota
	// when missing.
	FindOwner(ctx context.Context, ownerID string) (model.UserQuota, error)
	// IncrementUsage adds delta only if the result stays within quota;
	// otherwise it returns ErrWouldExceed and changes nothing.
	IncrementUsage(ctx context.Context, ownerID string, delta int64) error
	// DecrementUsage subtracts delta, clamping at zero.
	DecrementUsage(ctx context.Context, ownerID string, delta int64) error
}

// Usage is the owner-facing view of a quota row.
type Usage struct {
	UsedBytes      int64   `json:"usedBytes"`
	QuotaBytes     int64   `json:"quotaBytes"`
	UsedPercentage float64 `json:"usedPercentage"`
	AvailableBytes int64   `json:"availableBytes"`
}

// Ledger serializes admit+commit per owner on top of a Repository.
type Ledger struct {
	repo Repository

	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, locks: make(map[string]*ownerLock)}
}

// Reserve admits and charges size bytes to owner as one unit. Anonymous
// owners ("") are always admitted and never charged.
func (l *Ledger) Reserve(ctx context.Context, ownerID string, size int64) error {
	if ownerID == "" {
		return nil
	}
	unlock := l.lock(ownerID)
	defer unlock()

	// A conditional increment can lose to another process charging the same
	// row between our read and write. Reload and try once more.
	for attempt := 1; ; attempt++ {
		q, err := l.repo.FindOwner(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("load quota for %s: %w", ownerID, err)
		}
		if err := Admit(q.UsedBytes, q.QuotaBytes, size); err != nil {
			return err
		}
		err = l.repo.IncrementUsage(ctx, ownerID, size)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWouldExceed) || attempt == reserveAttempts {
			return fmt.Errorf("charge quota for %s: %w", ownerID, err)
		}
	}
}

// Release returns size bytes to owner.
func (l *Ledger) Release(ctx context.Context, ownerID string, size int64) error {
	if ownerID == "" || size <= 0 {
		return nil
	}
	unlock := l.lock(ownerID)
	defer unlock()
	return l.repo.DecrementUsage(ctx, ownerID, size)
}

// Usage reports the owner's current consumption.
func (l *Ledger) Usage(ctx context.Context, ownerID string) (Usage, error) {
	q, err := l.repo.FindOwner(ctx, ownerID)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{UsedBytes: q.UsedBytes, QuotaBytes: q.QuotaBytes}
	if q.QuotaBytes > 0 {
		u.UsedPercentage = float64(q.UsedBytes) / float64(q.QuotaBytes) * 100
	}
	if avail := q.QuotaBytes - q.UsedBytes; avail > 0 {
		u.AvailableBytes = avail
	}
	return u, nil
}

func (l *Ledger) lock(ownerID string) func() {
	l.mu.Lock()
	ol, ok := l.locks[ownerID]
	if !ok {
		ol = &ownerLock{}
		l.locks[ownerID] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.mu.Lock()
	return func() {
		ol.mu.Unlock()
		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.locks, ownerID)
		}
		l.mu.Unlock()
	}
}
