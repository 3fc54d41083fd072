package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler interface {
	AddJob(job Job, spec string) error
	Start(ctx context.Context)
	Stop()
}

type entry struct {
	id      cron.EntryID
	job     Job
	running *atomic.Bool
}

type CronScheduler struct {
	cron    *cron.Cron
	entries map[string]entry
	ctx     context.Context
}

func NewCronScheduler() *CronScheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &CronScheduler{
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]entry),
	}
}

func (c *CronScheduler) AddJob(job Job, spec string) error {
	name := job.Name()
	logger := logutil.GetLogger(context.Background()).With(zap.String("job", name), zap.String("spec", spec))
	if _, ok := c.entries[name]; ok {
		return fmt.Errorf("job %s already scheduled", name)
	}
	running := &atomic.Bool{}
	entryID, err := c.cron.AddFunc(spec, func() {
		c.runGuarded(c.context(), job, spec, running)
	})
	if err != nil {
		logger.Error("schedule job failed", zap.Error(err))
		return err
	}
	c.entries[name] = entry{id: entryID, job: job, running: running}
	logger.Info("job scheduled")
	return nil
}

// RunNow runs a scheduled job immediately, outside the cron cadence. It is
// skipped when the job is already running.
func (c *CronScheduler) RunNow(ctx context.Context, name string) error {
	e, ok := c.entries[name]
	if !ok {
		return fmt.Errorf("job %s not scheduled", name)
	}
	c.runGuarded(ctx, e.job, "now", e.running)
	return nil
}

func (c *CronScheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx = ctx
	c.cron.Start()
}

func (c *CronScheduler) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

func (c *CronScheduler) context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *CronScheduler) runGuarded(ctx context.Context, job Job, spec string, running *atomic.Bool) {
	logger := logutil.GetLogger(ctx).With(
		zap.String("job", job.Name()),
		zap.String("spec", spec),
	)
	if !running.CompareAndSwap(false, true) {
		logger.Info("job skipped: still running")
		return
	}
	defer running.Store(false)

	start := time.Now()
	logger.Info("job started")
	err := job.Run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		logger.Error("job finished", zap.Error(err), zap.Duration("duration", elapsed))
		return
	}
	logger.Info("job finished", zap.Duration("duration", elapsed))
}
