package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/delivery"
	"github.com/lalithlochan/bulletin/internal/job"
)

// JobLister lists jobs that still expect work.
type JobLister interface {
	ListActiveJobs(ctx context.Context, limit int) ([]*job.SendJob, error)
}

type SweeperConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StaleAfter is how long a retrying job may go without a progress
	// write before its escalation is triggered again.
	StaleAfter time.Duration
}

// Sweeper re-triggers escalation for retrying jobs whose trigger was lost,
// for example when enqueueing failed after the job entered retrying.
type Sweeper struct {
	jobs    JobLister
	trigger delivery.RetryTrigger
	config  SweeperConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewSweeper(jobs JobLister, trigger delivery.RetryTrigger, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	return &Sweeper{
		jobs:    jobs,
		trigger: trigger,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep returns the number of jobs it re-triggered.
func (s *Sweeper) sweep(ctx context.Context) int {
	jobs, err := s.jobs.ListActiveJobs(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list active jobs", zap.Error(err))
		return 0
	}

	cutoff := s.now().Add(-s.config.StaleAfter)
	triggered := 0
	for _, j := range jobs {
		// sending jobs wait on their caller; only escalation is ours to resume
		if j.Status != job.StatusRetrying || j.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.trigger.TriggerRetry(ctx, j.ID); err != nil {
			s.logger.Error("failed to re-trigger retry",
				zap.Error(err),
				zap.String("job_id", j.ID.String()),
			)
			continue
		}
		triggered++
		s.logger.Info("re-triggered stalled retry",
			zap.String("job_id", j.ID.String()),
			zap.Int("stage", j.Progress.CurrentRetryStage),
			zap.Time("updated_at", j.UpdatedAt),
		)
	}
	return triggered
}
