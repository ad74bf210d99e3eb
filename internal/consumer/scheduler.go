package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kkkkikiki/coupon-issuer/internal/config"
	"github.com/kkkkikiki/coupon-issuer/internal/logging"
)

// Scheduler triggers the consumer passes on their schedules. A pass that is
// still running when its next tick fires is skipped for that tick.
type Scheduler struct {
	cron     *cron.Cron
	consumer *IssueConsumer
	cfg      config.ConsumerConfig
	logger   *zap.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(consumer *IssueConsumer, cfg config.ConsumerConfig, logger *zap.Logger) *Scheduler {
	logger = logging.OrNop(logger).Named("consumer")
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		consumer: consumer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start registers the passes and starts the cron scheduler. An invalid
// schedule is a configuration error and nothing is started.
func (s *Scheduler) Start() error {
	jobs := []struct {
		pass     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{passIssue, s.cfg.IssueSchedule, s.consumer.ProcessIssueRequest},
		{passFailed, s.cfg.FailedSchedule, s.consumer.ProcessFailedIssueRequest},
		{passOutOfStock, s.cfg.OutOfStockSchedule, func(ctx context.Context) error {
			return s.consumer.ProcessOutOfStockRequests(ctx, s.cfg.OutOfStockBatchSize)
		}},
	}

	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.schedule, s.wrap(job.pass, job.run)); err != nil {
			return fmt.Errorf("schedule %s pass %q: %w", job.pass, job.schedule, err)
		}
		s.logger.Info("scheduled consumer pass", zap.String("pass", job.pass), zap.String("schedule", job.schedule))
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running passes finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) wrap(pass string, run func(ctx context.Context) error) func() {
	return func() {
		start := time.Now()
		if err := run(context.Background()); err != nil {
			s.logger.Error("consumer pass failed", zap.String("pass", pass),
				zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		}
	}
}
