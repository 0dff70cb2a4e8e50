package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	appLog "upschedule/internal/log"
)

// Scheduler runs a Sweeper on a cron spec such as "@hourly" or "*/15 * * * *".
// A sweep still running when the next tick fires causes that tick to be
// skipped.
type Scheduler struct {
	cron *cron.Cron
	now  func() time.Time
}

func NewScheduler(spec string, s *Sweeper) (*Scheduler, error) {
	logger := cron.VerbosePrintfLogger(cronPrintf{appLog.Logger()})
	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	sch := &Scheduler{cron: c, now: time.Now}

	_, err := c.AddFunc(spec, func() {
		s.Sweep(context.Background(), sch.now())
	})
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	return sch, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// sweep in progress to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	appLog.Info("sweep scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	appLog.Info("sweep scheduler stopped")
}

type cronPrintf struct {
	l *logrus.Logger
}

func (p cronPrintf) Printf(format string, args ...interface{}) {
	p.l.WithField("component", "cron").Debugf(format, args...)
}
