package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"upschedule/internal/config"
	"upschedule/internal/gcal"
	"upschedule/internal/jobs"
	appLog "upschedule/internal/log"
	"upschedule/internal/parser"
	"upschedule/internal/queue"
	"upschedule/internal/quota"
	"upschedule/internal/retention"
	"upschedule/internal/semester"
	"upschedule/internal/storage"
	"upschedule/internal/store"
	"upschedule/internal/synth"
	"upschedule/internal/web"
)

// App holds every wired service for one process.
type App struct {
	cfg *config.Config

	Jobs      store.JobRepository
	Blobs     storage.BlobStore
	Ledger    *quota.Ledger
	Manager   *jobs.Manager
	Calendar  *gcal.Service
	Sweeper   *retention.Sweeper
	Semesters semester.Config

	// local is set when the queue is enabled without brokers; Serve then
	// runs the workers in-process.
	local   *queue.MemoryQueue
	kafka   *queue.KafkaPublisher
	closers []func() error
}

// New builds the application from cfg. Call Close when done.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	first, second, err := cfg.SemesterWindows()
	if err != nil {
		return err
	}
	a.Semesters = semester.Config{First: first, Second: second}
	if first == nil || second == nil {
		appLog.Warn("semester dates incomplete, uploads will keep all events", "first", first != nil, "second", second != nil)
	}

	var quotas quota.Repository
	switch cfg.Database.Driver {
	case "memory":
		a.Jobs = store.NewMemoryJobs()
		quotas = store.NewMemoryQuotas(cfg.Upload.DefaultQuotaBytes)
	default:
		db, err := store.Open(cfg.Database)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, sqlDB.Close)
		a.Jobs = store.NewGormJobs(db)
		quotas = store.NewGormQuotas(db, cfg.Upload.DefaultQuotaBytes)
	}
	appLog.Info("job store ready", "driver", cfg.Database.Driver)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			// The cache is optional; reads fall through to the store.
			appLog.Warn("redis unreachable, job cache disabled", "addr", cfg.Redis.Addr, "reason", err.Error())
		} else {
			a.Jobs = store.NewCachedJobs(a.Jobs, rdb)
			appLog.Info("job cache enabled", "addr", cfg.Redis.Addr)
		}
	}

	switch cfg.Storage.Driver {
	case "minio":
		ms, err := storage.NewMinioStore(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		a.Blobs = ms
	default:
		a.Blobs = storage.NewMemoryStore()
	}
	appLog.Info("blob store ready", "driver", cfg.Storage.Driver, "bucket", cfg.Storage.Bucket)

	a.Ledger = quota.NewLedger(quotas)

	var pub jobs.Publisher
	if cfg.Queue.Enabled {
		if len(cfg.Queue.Brokers) > 0 {
			kp, err := queue.NewKafkaPublisher(cfg.Queue)
			if err != nil {
				return err
			}
			a.kafka = kp
			a.closers = append(a.closers, kp.Close)
			pub = kp
		} else {
			a.local = queue.NewMemoryQueue(64)
			pub = a.local
		}
	}

	loc := cfg.Location()
	a.Manager = jobs.NewManager(jobs.Options{
		Jobs:           a.Jobs,
		Blobs:          a.Blobs,
		Parser:         parser.NewClient(cfg.Parser.URL, cfg.Parser.Timeout),
		Ledger:         a.Ledger,
		Semesters:      a.Semesters,
		Location:       loc,
		Retention:      cfg.Retention,
		ParseTimeout:   cfg.Parser.Timeout,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		Publisher:      pub,
	})
	a.Calendar = gcal.NewService(cfg.Google.APIBase, loc, synth.NewPalette(cfg.ModuleColors))
	a.Sweeper = retention.NewSweeper(a.Jobs, a.Blobs, a.Ledger, retention.Options{
		StaleAfter: cfg.StaleAfter,
		Retention:  cfg.Retention,
	})
	return nil
}

// Server builds the HTTP API over the wired services.
func (a *App) Server() *web.Server {
	return web.NewServer(a.cfg, web.Deps{
		Jobs:      a.Manager,
		Ledger:    a.Ledger,
		Calendar:  a.Calendar,
		Semesters: a.Semesters,
	})
}

// Serve runs the HTTP API and the sweep schedule, plus in-process workers
// when the queue has no brokers. It returns when ctx is done or the HTTP
// server fails.
func (a *App) Serve(ctx context.Context) error {
	sched, err := retention.NewScheduler(a.cfg.SweepCron, a.Sweeper)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	if a.local != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.local.Run(ctx, a.Manager, a.cfg.Queue.Workers)
		}()
		appLog.Info("in-process workers started", "workers", a.cfg.Queue.Workers)
	}

	err = a.Server().Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// Work consumes queued tasks from kafka until ctx is done.
func (a *App) Work(ctx context.Context) error {
	if !a.cfg.Queue.Enabled || len(a.cfg.Queue.Brokers) == 0 {
		return errors.New("worker needs queue.enabled and at least one broker")
	}
	consumer, err := queue.NewKafkaConsumer(a.cfg.Queue, a.Manager)
	if err != nil {
		return err
	}
	return consumer.Run(ctx)
}

// Sweep runs one retention pass now.
func (a *App) Sweep(ctx context.Context) (retention.SweepResult, error) {
	res := a.Sweeper.Sweep(ctx, time.Now())
	if res.Errors > 0 {
		return res, fmt.Errorf("sweep finished with %d errors", res.Errors)
	}
	return res, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
