// Package queue carries job tasks from the API process to workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"upschedule/internal/jobs"
	appLog "upschedule/internal/log"
	"upschedule/internal/metrics"
)

// Handler runs one task. *jobs.Manager satisfies it.
type Handler interface {
	ProcessTask(ctx context.Context, task jobs.Task) error
}

type HandlerFunc func(ctx context.Context, task jobs.Task) error

func (f HandlerFunc) ProcessTask(ctx context.Context, task jobs.Task) error {
	return f(ctx, task)
}

// Encode serializes a task as a message body.
func Encode(task jobs.Task) ([]byte, error) {
	return json.Marshal(task)
}

// Decode parses a message body. A body without a job id is rejected.
func Decode(b []byte) (jobs.Task, error) {
	var t jobs.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return jobs.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.JobID == "" {
		return jobs.Task{}, errors.New("decode task: missing jobId")
	}
	return t, nil
}

// DefaultAttempts bounds how often one task is handed to the handler before
// it is given up on. Jobs left behind are failed by the retention sweep.
const DefaultAttempts = 3

// handle runs h and logs the outcome.
func handle(ctx context.Context, h Handler, task jobs.Task) error {
	if err := h.ProcessTask(ctx, task); err != nil {
		metrics.QueueMessagesTotal.WithLabelValues("consume", "error").Inc()
		appLog.Error("task failed", err, "job_id", task.JobID)
		return err
	}
	metrics.QueueMessagesTotal.WithLabelValues("consume", "ok").Inc()
	return nil
}

// deliver calls handle until it succeeds, attempts run out or ctx is done.
// It returns ctx.Err() when interrupted and the last handler error otherwise.
func deliver(ctx context.Context, h Handler, task jobs.Task, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(i)):
			}
		}
		if err = handle(ctx, h, task); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	appLog.Warn("giving up on task", "job_id", task.JobID, "attempts", attempts)
	return err
}

// MemoryQueue is an in-process queue for single-binary deployments and tests.
type MemoryQueue struct {
	ch      chan jobs.Task
	backoff time.Duration
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer < 0 {
		buffer = 0
	}
	return &MemoryQueue{ch: make(chan jobs.Task, buffer), backoff: time.Second}
}

func (q *MemoryQueue) Publish(ctx context.Context, task jobs.Task) error {
	select {
	case q.ch <- task:
		metrics.QueueMessagesTotal.WithLabelValues("publish", "ok").Inc()
		return nil
	case <-ctx.Done():
		metrics.QueueMessagesTotal.WithLabelValues("publish", "error").Inc()
		return ctx.Err()
	}
}

// Run starts workers goroutines feeding h and blocks until ctx is done and
// they have returned. Tasks still buffered at that point are not run; their
// jobs stay pending until the retention sweep fails them.
func (q *MemoryQueue) Run(ctx context.Context, h Handler, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-q.ch:
					_ = deliver(ctx, h, task, DefaultAttempts, q.backoff)
				}
			}
		}()
	}
	wg.Wait()
	if n := len(q.ch); n > 0 {
		appLog.Warn("queue stopped with buffered tasks", "pending", n)
	}
	return nil
}
