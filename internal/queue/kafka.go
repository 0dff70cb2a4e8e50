package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"upschedule/internal/config"
	"upschedule/internal/jobs"
	appLog "upschedule/internal/log"
	"upschedule/internal/metrics"
)

// KafkaPublisher writes tasks to the configured topic, keyed by job id.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(cfg config.QueueConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &KafkaPublisher{w: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, task jobs.Task) error {
	b, err := Encode(task)
	if err != nil {
		return err
	}
	err = p.w.WriteMessages(ctx, kafka.Message{Key: []byte(task.JobID), Value: b})
	if err != nil {
		metrics.QueueMessagesTotal.WithLabelValues("publish", "error").Inc()
		return fmt.Errorf("kafka publish: %w", err)
	}
	metrics.QueueMessagesTotal.WithLabelValues("publish", "ok").Inc()
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer runs one group member per worker.
type KafkaConsumer struct {
	readers  []messageReader
	h        Handler
	backoff  time.Duration
	attempts int
}

func NewKafkaConsumer(cfg config.QueueConfig, h Handler) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	readers := make([]messageReader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}))
	}
	appLog.Info("kafka consumer configured", "topic", cfg.Topic, "group", cfg.GroupID, "workers", workers)
	return &KafkaConsumer{readers: readers, h: h, backoff: time.Second, attempts: DefaultAttempts}, nil
}

// Run consumes until ctx is done, then closes the readers.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, r := range c.readers {
		wg.Add(1)
		go func(r messageReader) {
			defer wg.Done()
			c.consume(ctx, r)
		}(r)
	}
	wg.Wait()

	var errs []error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// consume commits a message once its task succeeded or ran out of attempts.
func (c *KafkaConsumer) consume(ctx context.Context, r messageReader) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			appLog.Warn("kafka fetch failed", "reason", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}

		task, err := Decode(msg.Value)
		if err != nil {
			metrics.QueueMessagesTotal.WithLabelValues("consume", "invalid").Inc()
			appLog.Warn("dropping bad task message", "offset", msg.Offset, "partition", msg.Partition, "reason", err.Error())
		} else if err := deliver(ctx, c.h, task, c.attempts, c.backoff); err != nil && ctx.Err() != nil {
			// Uncommitted, so the group redelivers it after a restart.
			appLog.Warn("task interrupted", "job_id", task.JobID, "offset", msg.Offset)
			return
		}

		if err := r.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			appLog.Error("kafka commit failed", err, "offset", msg.Offset, "partition", msg.Partition)
		}
	}
}
