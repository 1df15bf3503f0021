package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/job"
	"github.com/lalithlochan/bulletin/internal/metrics"
)

const defaultStageLeaseTTL = 10 * time.Minute

// RetryController re-drives the failed addresses of a retrying job through
// the job's shrinking batch-size schedule, one stage per RunStage call.
type RetryController struct {
	store    JobStore
	locker   Locker
	ledger   RecipientLedger
	events   EventPublisher
	send     *dispatcher
	logger   *zap.Logger
	now      func() time.Time
	leaseTTL time.Duration
}

// RetryOption configures optional collaborators.
type RetryOption func(*RetryController)

// WithStageLocker prevents two invocations from running the same stage.
func WithStageLocker(l Locker, ttl time.Duration) RetryOption {
	return func(c *RetryController) {
		c.locker = l
		if ttl > 0 {
			c.leaseTTL = ttl
		}
	}
}

func WithRetryLedger(l RecipientLedger) RetryOption {
	return func(c *RetryController) { c.ledger = l }
}

func WithRetryEvents(p EventPublisher) RetryOption {
	return func(c *RetryController) { c.events = p }
}

func WithRetryClock(now func() time.Time) RetryOption {
	return func(c *RetryController) { c.now = now }
}

// NewRetryController creates a controller over store and sender.
func NewRetryController(store JobStore, sender Sender, logger *zap.Logger, opts ...RetryOption) *RetryController {
	c := &RetryController{
		store:    store,
		send:     &dispatcher{sender: sender, logger: logger},
		logger:   logger,
		now:      time.Now,
		leaseTTL: defaultStageLeaseTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes stages until the job reaches a terminal status.
func (c *RetryController) Run(ctx context.Context, jobID uuid.UUID) error {
	for {
		done, err := c.RunStage(ctx, jobID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// RunStage executes the job's current retry stage and advances it. done is
// true once the job is terminal. A stage interrupted part way resumes with
// only the addresses it has not yet attempted.
func (c *RetryController) RunStage(ctx context.Context, jobID uuid.UUID) (bool, error) {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	switch {
	case j.Status.Terminal():
		return true, nil
	case j.Status != job.StatusRetrying:
		return false, fmt.Errorf("%w: job %s is %s", ErrNotAccepting, jobID, j.Status)
	}
	if j.Progress.RetryExhausted() {
		return c.finish(ctx, jobID, j.Progress.CurrentRetryStage)
	}

	stage := j.Progress.CurrentRetryStage
	logger := c.logger.With(
		zap.String("job_id", jobID.String()),
		zap.Int("stage", stage),
	)

	if c.locker != nil {
		key := fmt.Sprintf("%s:stage:%d", jobID, stage)
		token, ok, err := c.locker.Lease(ctx, key, c.leaseTTL)
		if err != nil {
			return false, fmt.Errorf("lease retry stage: %w", err)
		}
		if !ok {
			return false, fmt.Errorf("%w: stage %d of job %s", ErrStageInFlight, stage, jobID)
		}
		defer func() {
			if err := c.locker.Unlease(context.WithoutCancel(ctx), key, token); err != nil {
				logger.Warn("failed to release stage lease", zap.Error(err))
			}
		}()
	}

	// failedEmails is durable before any send; StartStage only records how
	// many entered so a resumed stage keeps its original count.
	j, err = mutate(ctx, c.store, jobID, func(j *job.SendJob) error {
		if err := c.sameStage(j, stage); err != nil {
			return err
		}
		if j.Progress.StageStarted {
			return errSkipWrite
		}
		j.Progress.StartStage()
		return nil
	})
	if err != nil {
		return false, err
	}

	batchSize := j.Progress.StageBatchSize()
	pending := j.Progress.PendingInStage()
	logger.Info("retry stage started",
		zap.Int("batch_size", batchSize),
		zap.Int("entered", j.Progress.StageEntered),
		zap.Int("pending", len(pending)),
	)

	for start := 0; start < len(pending); start += batchSize {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		end := min(start+batchSize, len(pending))
		batch := pending[start:end]

		outcomes, rejected := c.send.dispatch(ctx, j, batch)
		if rejected == len(batch) {
			// nothing was attempted; leave the stage as it was for redelivery
			logger.Warn("retry batch refused by open circuit breaker", zap.Int("batch", len(batch)))
			return false, fmt.Errorf("%w: stage %d of job %s", ErrTransportUnavailable, stage, jobID)
		}
		j, err = mutate(ctx, c.store, jobID, func(j *job.SendJob) error {
			if err := c.sameStage(j, stage); err != nil {
				return err
			}
			j.Progress.ApplyRetryOutcomes(outcomes)
			return nil
		})
		if err != nil {
			logger.Error("failed to persist retry batch", zap.Error(err))
			return false, fmt.Errorf("persist retry batch: %w", err)
		}

		if delivered := succeeded(outcomes); len(delivered) > 0 && c.ledger != nil {
			if err := c.ledger.MarkSent(ctx, delivered, c.now()); err != nil {
				logger.Warn("failed to update recipient last sent", zap.Error(err))
			}
		}
		logger.Debug("retry batch persisted",
			zap.Int("batch", len(batch)),
			zap.Int("still_failing", len(j.Progress.FailedEmails)),
		)
	}

	return c.finish(ctx, jobID, stage)
}

// finish closes stage and, when escalation is over, moves the job to its
// terminal status.
func (c *RetryController) finish(ctx context.Context, jobID uuid.UUID, stage int) (bool, error) {
	now := c.now()
	var closed, terminal bool
	var summary job.StageResult

	j, err := mutate(ctx, c.store, jobID, func(j *job.SendJob) error {
		closed, terminal = false, false
		if j.Status.Terminal() {
			return errSkipWrite
		}
		if err := c.sameStage(j, stage); err != nil {
			return err
		}

		exhausted := j.Progress.RetryExhausted()
		if j.Progress.StageStarted || !exhausted {
			exhausted = j.Progress.FinishStage(now)
			summary = j.Progress.RetryStages[len(j.Progress.RetryStages)-1]
			closed = true
		}
		if !exhausted {
			return nil
		}

		status := j.Progress.FinishRetry(now)
		if err := j.MoveTo(status); err != nil {
			return err
		}
		j.SentAt = &now
		terminal = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if closed {
		metrics.RecordRetryStage(summary.Stage)
		c.logger.Info("retry stage finished",
			zap.String("job_id", jobID.String()),
			zap.Int("stage", summary.Stage),
			zap.Int("entered", summary.Entered),
			zap.Int("processed", summary.Processed),
			zap.Int("recovered", summary.Recovered),
			zap.Int("remaining", summary.Remaining),
		)
	}
	if terminal {
		announce(ctx, c.events, c.logger, j, now)
	}
	return j.Status.Terminal(), nil
}

// sameStage guards writes against a stage that another invocation already
// advanced past.
func (c *RetryController) sameStage(j *job.SendJob, stage int) error {
	if j.Status != job.StatusRetrying {
		return fmt.Errorf("%w: job %s is %s", ErrNotAccepting, j.ID, j.Status)
	}
	if j.Progress.CurrentRetryStage != stage {
		return fmt.Errorf("%w: stage %d already finished for job %s", ErrStageInFlight, stage, j.ID)
	}
	return nil
}
